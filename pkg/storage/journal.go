package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal is an append-only audit trail of ledger transitions, one JSON
// object per line. It is informational; the LedgerStore stays authoritative.
type Journal interface {
	// Append writes one event stamped with at, the caller's clock reading.
	Append(at time.Time, event string, fields map[string]any) error
}

type NopJournal struct{}

func (NopJournal) Append(time.Time, string, map[string]any) error { return nil }

type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func OpenFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Append(at time.Time, event string, fields map[string]any) error {
	line, err := json.Marshal(map[string]any{
		"ts":    at.UTC().Format(time.RFC3339Nano),
		"event": event,
		"data":  fields,
	})
	if err != nil {
		return fmt.Errorf("encode journal %s: %w", event, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal %s: %w", event, err)
	}
	return nil
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var (
	_ Journal = NopJournal{}
	_ Journal = (*FileJournal)(nil)
)
