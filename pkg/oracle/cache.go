package oracle

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
)

// Cached serves repeat lookups from a short-lived LRU so a sweep over many
// positions on one instrument costs a single upstream call.
type Cached struct {
	next  Oracle
	cache *expirable.LRU[string, decimal.Decimal]
}

// NewCached wraps next with a TTL cache holding up to size instruments.
// Errors are never cached.
func NewCached(next Oracle, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 128
	}
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, decimal.Decimal](size, nil, ttl),
	}
}

func (c *Cached) MarkPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	key := strings.ToUpper(instrument)
	if p, ok := c.cache.Get(key); ok {
		return p, nil
	}
	p, err := c.next.MarkPrice(ctx, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	c.cache.Add(key, p)
	return p, nil
}

// Invalidate drops a cached price, e.g. after a manual price override.
func (c *Cached) Invalidate(instrument string) {
	c.cache.Remove(strings.ToUpper(instrument))
}
