package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/obelisk/pkg/util"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker stops hammering a failing price feed. After threshold consecutive
// failures it opens for cooldown, then lets one probe through (half-open).
type Breaker struct {
	next      Oracle
	threshold int
	cooldown  time.Duration
	clock     util.Clock
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
}

func NewBreaker(next Oracle, threshold int, cooldown time.Duration, clock util.Clock, logger *zap.SugaredLogger) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		next:      next,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
		logger:    logger,
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) MarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	if !b.allow() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrCircuitOpen, instrument)
	}
	p, err := b.next.MarkPrice(ctx, instrument)
	switch {
	case err == nil:
		b.recordSuccess()
	case errors.Is(err, context.Canceled):
		// caller gave up; says nothing about the feed
	default:
		b.recordFailure()
	}
	return p, err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock.Now().Sub(b.lastFailure) >= b.cooldown {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.clock.Now()
	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	b.logger.Warnw("oracle_breaker_state",
		"from", from.String(),
		"to", to.String(),
		"failures", b.failures,
		"threshold", b.threshold,
		"cooldown", b.cooldown.String())
}
