package cachetier_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"premarket-tracker/internal/cachetier"
	"premarket-tracker/internal/market"
)

func newTier(t *testing.T) (*cachetier.RedisTier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cachetier.NewFromClient(client, "test:", 5*time.Minute), mr
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	tier, mr := newTier(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	snap := market.RefreshSnapshot{
		Quotes: []market.SymbolQuote{
			{Ticker: "AAPL", CurrentPrice: 190.12, ReferencePrice: 188.00, MarketCap: 2900.5, LastUpdated: at},
			{Ticker: "MSFT", CurrentPrice: 410.00, ReferencePrice: 405.50, MarketCap: 3050.1, LastUpdated: at},
		},
		GeneratedAt: at,
		Attempted:   2,
		Succeeded:   2,
	}
	status := market.DeriveStatus(&snap, false, market.DefaultPartialThreshold)

	if err := tier.SaveSnapshot(ctx, snap, status); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	quotes, err := tier.LoadQuotes(ctx)
	if err != nil {
		t.Fatalf("LoadQuotes: %v", err)
	}
	if len(quotes) != 2 || quotes[0].Ticker != "AAPL" || quotes[1].ReferencePrice != 405.50 {
		t.Fatalf("unexpected quotes: %+v", quotes)
	}

	got, err := tier.LoadStatus(ctx)
	if err != nil {
		t.Fatalf("LoadStatus: %v", err)
	}
	if got.Count != 2 || got.IsPartial || got.LastUpdated == nil || !got.LastUpdated.Equal(at) {
		t.Fatalf("unexpected status: %+v", got)
	}

	if ttl := mr.TTL("test:" + cachetier.KeyStockData); ttl != 5*time.Minute {
		t.Fatalf("expected 5m ttl, got %v", ttl)
	}
}

func TestEntriesExpire(t *testing.T) {
	tier, mr := newTier(t)
	ctx := context.Background()

	if err := tier.SaveStatus(ctx, market.CacheStatus{Count: 3}); err != nil {
		t.Fatalf("SaveStatus: %v", err)
	}
	mr.FastForward(6 * time.Minute)

	if _, err := tier.LoadStatus(ctx); !errors.Is(err, market.ErrCacheMiss) {
		t.Fatalf("expected cache miss after ttl, got %v", err)
	}
}

func TestMissAndError(t *testing.T) {
	tier, mr := newTier(t)
	ctx := context.Background()

	if _, err := tier.LoadQuotes(ctx); !errors.Is(err, market.ErrCacheMiss) {
		t.Fatalf("expected miss on empty redis, got %v", err)
	}

	mr.SetError("LOADING Redis is loading the dataset in memory")
	_, err := tier.LoadQuotes(ctx)
	if err == nil || errors.Is(err, market.ErrCacheMiss) {
		t.Fatalf("expected hard error, got %v", err)
	}
	if err := tier.SaveSnapshot(ctx, market.RefreshSnapshot{}, market.CacheStatus{}); err == nil {
		t.Fatal("expected write error")
	}
}

func TestInvalidateDropsBothKeys(t *testing.T) {
	tier, mr := newTier(t)
	ctx := context.Background()

	snap := market.RefreshSnapshot{Quotes: []market.SymbolQuote{{Ticker: "AAPL", CurrentPrice: 200}}}
	if err := tier.SaveSnapshot(ctx, snap, market.CacheStatus{Count: 1, IsUpdating: true}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := tier.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if mr.Exists("test:stock_data") || mr.Exists("test:cache_status") {
		t.Fatal("keys still present after invalidate")
	}
	if _, err := tier.LoadStatus(ctx); !errors.Is(err, market.ErrCacheMiss) {
		t.Fatalf("expected miss after invalidate, got %v", err)
	}
	if err := tier.Invalidate(ctx); err != nil {
		t.Fatalf("invalidating an empty tier: %v", err)
	}
}
