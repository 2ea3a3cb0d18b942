// Package cachetier stores the latest refresh snapshot in Redis so several
// processes can serve the same data.
package cachetier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"premarket-tracker/internal/market"
)

const (
	KeyStockData   = "stock_data"
	KeyCacheStatus = "cache_status"
	DefaultTTL     = 300 * time.Second
)

// RedisTier implements market.ExternalCache on a Redis client.
type RedisTier struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ market.ExternalCache = (*RedisTier)(nil)

// New connects using a redis:// URL.
func New(url, prefix string, ttl time.Duration) (*RedisTier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewFromClient(redis.NewClient(opts), prefix, ttl), nil
}

func NewFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisTier {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTier{client: client, prefix: prefix, ttl: ttl}
}

func (t *RedisTier) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTier) Close() error {
	return t.client.Close()
}

func (t *RedisTier) key(k string) string {
	return t.prefix + k
}

// SaveSnapshot writes quotes and status in one MULTI so readers never pair a
// new status with old quotes.
func (t *RedisTier) SaveSnapshot(ctx context.Context, snap market.RefreshSnapshot, status market.CacheStatus) error {
	quotes, err := json.Marshal(snap.Quotes)
	if err != nil {
		return fmt.Errorf("marshal quotes: %w", err)
	}
	st, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	pipe := t.client.TxPipeline()
	pipe.Set(ctx, t.key(KeyStockData), quotes, t.ttl)
	pipe.Set(ctx, t.key(KeyCacheStatus), st, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (t *RedisTier) SaveStatus(ctx context.Context, status market.CacheStatus) error {
	st, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := t.client.Set(ctx, t.key(KeyCacheStatus), st, t.ttl).Err(); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

func (t *RedisTier) Invalidate(ctx context.Context) error {
	if err := t.client.Del(ctx, t.key(KeyStockData), t.key(KeyCacheStatus)).Err(); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	return nil
}

func (t *RedisTier) LoadQuotes(ctx context.Context) ([]market.SymbolQuote, error) {
	raw, err := t.client.Get(ctx, t.key(KeyStockData)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, market.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read quotes: %w", err)
	}
	var quotes []market.SymbolQuote
	if err := json.Unmarshal(raw, &quotes); err != nil {
		return nil, fmt.Errorf("decode quotes: %w", err)
	}
	return quotes, nil
}

func (t *RedisTier) LoadStatus(ctx context.Context) (market.CacheStatus, error) {
	raw, err := t.client.Get(ctx, t.key(KeyCacheStatus)).Bytes()
	if errors.Is(err, redis.Nil) {
		return market.CacheStatus{}, market.ErrCacheMiss
	}
	if err != nil {
		return market.CacheStatus{}, fmt.Errorf("read status: %w", err)
	}
	var st market.CacheStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return market.CacheStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}
