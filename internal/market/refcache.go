package market

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/marstr/collection/v2"

	"premarket-tracker/internal/logging"
	"premarket-tracker/internal/metrics"
)

type cachedDetails struct {
	value     TickerDetails
	fetchedAt time.Time
}

type cachedClose struct {
	value     float64
	fetchedAt time.Time
}

// ReferenceCache keeps slow-moving vendor data (company details and the
// previous close) for a TTL. Live calls pass straight through. When a
// refresh of an expired entry fails the expired value is served instead.
type ReferenceCache struct {
	next VendorAPI
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	details *collection.LRUCache[string, cachedDetails]
	closes  *collection.LRUCache[string, cachedClose]
}

var _ VendorAPI = (*ReferenceCache)(nil)

func NewReferenceCache(next VendorAPI, capacity uint, ttl time.Duration) *ReferenceCache {
	if capacity == 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReferenceCache{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		details: collection.NewLRUCache[string, cachedDetails](capacity),
		closes:  collection.NewLRUCache[string, cachedClose](capacity),
	}
}

func (c *ReferenceCache) TickerDetails(ctx context.Context, ticker string) (TickerDetails, error) {
	key := strings.ToUpper(ticker)
	now := c.now()

	c.mu.Lock()
	hit, ok := c.details.Get(key)
	c.mu.Unlock()
	if ok && now.Sub(hit.fetchedAt) < c.ttl {
		metrics.CacheReads.WithLabelValues("reference", "hit").Inc()
		return hit.value, nil
	}

	v, err := c.next.TickerDetails(ctx, ticker)
	if err != nil {
		if ok {
			metrics.CacheReads.WithLabelValues("reference", "stale").Inc()
			logging.Ctx(ctx).Debug().Str("ticker", key).Err(err).Msg("serving expired ticker details")
			return hit.value, nil
		}
		metrics.CacheReads.WithLabelValues("reference", "miss").Inc()
		return TickerDetails{}, err
	}
	metrics.CacheReads.WithLabelValues("reference", "miss").Inc()
	c.mu.Lock()
	c.details.Put(key, cachedDetails{value: v, fetchedAt: now})
	c.mu.Unlock()
	return v, nil
}

// PreviousClose is keyed by ticker and Eastern trading date so a new day
// never reuses yesterday's baseline.
func (c *ReferenceCache) PreviousClose(ctx context.Context, ticker string) (float64, error) {
	now := c.now()
	key := strings.ToUpper(ticker) + "|" + Eastern(now).Format("2006-01-02")

	c.mu.Lock()
	hit, ok := c.closes.Get(key)
	c.mu.Unlock()
	if ok && now.Sub(hit.fetchedAt) < c.ttl {
		metrics.CacheReads.WithLabelValues("reference", "hit").Inc()
		return hit.value, nil
	}

	v, err := c.next.PreviousClose(ctx, ticker)
	if err != nil {
		if ok {
			metrics.CacheReads.WithLabelValues("reference", "stale").Inc()
			return hit.value, nil
		}
		metrics.CacheReads.WithLabelValues("reference", "miss").Inc()
		return 0, err
	}
	metrics.CacheReads.WithLabelValues("reference", "miss").Inc()
	c.mu.Lock()
	c.closes.Put(key, cachedClose{value: v, fetchedAt: now})
	c.mu.Unlock()
	return v, nil
}

func (c *ReferenceCache) LastTrade(ctx context.Context, ticker string) (Trade, error) {
	return c.next.LastTrade(ctx, ticker)
}

func (c *ReferenceCache) Snapshot(ctx context.Context, ticker string) (VendorSnapshot, error) {
	return c.next.Snapshot(ctx, ticker)
}
