package market

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownInstrument = errors.New("unknown instrument")

// Registry holds instrument risk parameters, keyed by upper-case symbol.
// Safe for concurrent use; lookups vastly outnumber registrations.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]Instrument
}

func NewRegistry() *Registry {
	return &Registry{instruments: make(map[string]Instrument)}
}

// NewRegistryFrom registers every instrument in list.
func NewRegistryFrom(list []Instrument) (*Registry, error) {
	r := NewRegistry()
	for _, in := range list {
		if err := r.Register(in); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an instrument. Duplicate symbols are rejected.
func (r *Registry) Register(in Instrument) error {
	in.Symbol = normalize(in.Symbol)
	if err := in.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[in.Symbol]; exists {
		return fmt.Errorf("instrument %s already registered", in.Symbol)
	}
	r.instruments[in.Symbol] = in
	return nil
}

// Get returns the instrument for symbol (case-insensitive).
func (r *Registry) Get(symbol string) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, ok := r.instruments[normalize(symbol)]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	return in, nil
}

// List returns all instruments sorted by symbol
func (r *Registry) List() []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instrument, 0, len(r.instruments))
	for _, in := range r.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instruments[normalize(symbol)]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
