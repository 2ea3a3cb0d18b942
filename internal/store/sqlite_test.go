package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSaveRefreshUpsertsAndAppends(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first := []StockRecord{{Ticker: "AAPL", CompanyName: "Apple Inc.", MarketCap: 3.0e12, SharesOutstanding: 15e9, LastUpdated: 100}}
	if err := st.SaveRefresh(ctx, first, []PricePoint{{TS: 100, Ticker: "AAPL", Price: 200, ClosePrice: 198, PercentChange: 1.01, Session: "pre-market", Source: "last_trade"}}); err != nil {
		t.Fatalf("SaveRefresh: %v", err)
	}
	second := []StockRecord{{Ticker: "AAPL", CompanyName: "Apple Inc.", MarketCap: 3.1e12, SharesOutstanding: 15e9, LastUpdated: 200}}
	if err := st.SaveRefresh(ctx, second, []PricePoint{{TS: 200, Ticker: "AAPL", Price: 206, ClosePrice: 198, PercentChange: 4.04, Session: "pre-market", Source: "minute_close"}}); err != nil {
		t.Fatalf("SaveRefresh: %v", err)
	}

	rec, err := st.GetStock(ctx, "AAPL")
	if err != nil {
		t.Fatalf("GetStock: %v", err)
	}
	if rec.MarketCap != 3.1e12 || rec.LastUpdated != 200 {
		t.Fatalf("stock not upserted: %+v", rec)
	}

	points, err := st.QueryPriceHistory(ctx, "AAPL", 10)
	if err != nil {
		t.Fatalf("QueryPriceHistory: %v", err)
	}
	if len(points) != 2 || points[0].TS != 200 || points[0].Source != "minute_close" {
		t.Fatalf("unexpected history %+v", points)
	}

	if _, err := st.GetStock(ctx, "MISSING"); err == nil {
		t.Fatal("expected error for unknown ticker")
	}
}

func TestCleanupPriceHistory(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -40).Unix()

	points := []PricePoint{
		{TS: old, Ticker: "MSFT", Price: 1},
		{TS: now.Unix(), Ticker: "MSFT", Price: 2},
	}
	if err := st.SaveRefresh(ctx, nil, points); err != nil {
		t.Fatalf("SaveRefresh: %v", err)
	}
	n, err := st.CleanupPriceHistory(ctx, now.AddDate(0, 0, -30))
	if err != nil || n != 1 {
		t.Fatalf("CleanupPriceHistory = %d, %v", n, err)
	}
	left, _ := st.QueryPriceHistory(ctx, "MSFT", 0)
	if len(left) != 1 || left[0].Price != 2 {
		t.Fatalf("unexpected remaining history %+v", left)
	}
}

func TestAnomaliesByEasternDate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// 03:30 UTC on the 4th is still the 3rd in New York.
	late := time.Date(2026, 3, 4, 3, 30, 0, 0, time.UTC).Unix()
	next := time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC).Unix()

	id1, err := st.InsertAnomaly(ctx, AnomalyRecord{TS: late, Ticker: "NVDA", Kind: "suspected_split", PercentChange: -75})
	if err != nil {
		t.Fatalf("InsertAnomaly: %v", err)
	}
	if _, err := st.InsertAnomaly(ctx, AnomalyRecord{TS: next, Ticker: "NVDA", Kind: "possible_halt"}); err != nil {
		t.Fatalf("InsertAnomaly: %v", err)
	}
	if err := st.MarkAnomaliesNotified(ctx, []int64{id1}); err != nil {
		t.Fatalf("MarkAnomaliesNotified: %v", err)
	}

	recs, err := st.QueryAnomaliesByDate(ctx, "2026-03-03", "", 0, 0)
	if err != nil {
		t.Fatalf("QueryAnomaliesByDate: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != id1 || !recs[0].Notified || recs[0].CreatedAt == "" {
		t.Fatalf("unexpected records %+v", recs)
	}

	recs, _ = st.QueryAnomaliesByDate(ctx, "2026-03-04", "AAPL", 0, 0)
	if len(recs) != 0 {
		t.Fatalf("ticker filter ignored: %+v", recs)
	}
	if _, err := st.QueryAnomaliesByDate(ctx, "03/04/2026", "", 0, 0); err == nil {
		t.Fatal("expected invalid date error")
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var st *Store
	ctx := context.Background()
	if err := st.SaveRefresh(ctx, nil, nil); err != nil {
		t.Fatalf("SaveRefresh on nil store: %v", err)
	}
	if n, err := st.CleanupPriceHistory(ctx, time.Now()); err != nil || n != 0 {
		t.Fatalf("CleanupPriceHistory on nil store: %d %v", n, err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
}
