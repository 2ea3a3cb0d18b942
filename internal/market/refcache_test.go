package market

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingVendor struct {
	detailsCalls int
	closeCalls   int
	fail         bool
}

func (v *countingVendor) PreviousClose(context.Context, string) (float64, error) {
	v.closeCalls++
	if v.fail {
		return 0, errors.New("vendor down")
	}
	return 50 + float64(v.closeCalls), nil
}

func (v *countingVendor) LastTrade(context.Context, string) (Trade, error) {
	return Trade{Price: 1}, nil
}

func (v *countingVendor) Snapshot(context.Context, string) (VendorSnapshot, error) {
	return VendorSnapshot{}, nil
}

func (v *countingVendor) TickerDetails(context.Context, string) (TickerDetails, error) {
	v.detailsCalls++
	if v.fail {
		return TickerDetails{}, errors.New("vendor down")
	}
	return TickerDetails{SharesOutstanding: float64(v.detailsCalls) * 1e9}, nil
}

func TestReferenceCacheTTL(t *testing.T) {
	vendor := &countingVendor{}
	cache := NewReferenceCache(vendor, 16, 24*time.Hour)
	now := time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := cache.TickerDetails(ctx, "aapl")
		if err != nil || d.SharesOutstanding != 1e9 {
			t.Fatalf("TickerDetails = %+v, %v", d, err)
		}
	}
	if vendor.detailsCalls != 1 {
		t.Fatalf("expected one vendor call, got %d", vendor.detailsCalls)
	}

	now = now.Add(25 * time.Hour)
	d, _ := cache.TickerDetails(ctx, "AAPL")
	if d.SharesOutstanding != 2e9 || vendor.detailsCalls != 2 {
		t.Fatalf("expired entry not refreshed: %+v calls=%d", d, vendor.detailsCalls)
	}
}

func TestReferenceCacheServesStaleOnError(t *testing.T) {
	vendor := &countingVendor{}
	cache := NewReferenceCache(vendor, 16, time.Hour)
	now := time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := cache.PreviousClose(ctx, "MSFT")
	if err != nil {
		t.Fatal(err)
	}

	vendor.fail = true
	now = now.Add(2 * time.Hour)
	got, err := cache.PreviousClose(ctx, "MSFT")
	if err != nil || got != first {
		t.Fatalf("expected stale %v, got %v, %v", first, got, err)
	}

	if _, err := cache.PreviousClose(ctx, "NEW"); err == nil {
		t.Fatal("expected error with nothing cached")
	}
}

func TestReferenceCachePreviousCloseRollsWithDate(t *testing.T) {
	vendor := &countingVendor{}
	cache := NewReferenceCache(vendor, 16, 24*time.Hour)
	now := time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	a, _ := cache.PreviousClose(ctx, "MSFT")
	now = now.Add(20 * time.Hour) // next Eastern day, still inside the TTL
	b, _ := cache.PreviousClose(ctx, "MSFT")
	if a == b || vendor.closeCalls != 2 {
		t.Fatalf("previous close reused across trading days: %v %v", a, b)
	}
}
