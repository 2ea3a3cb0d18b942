package market

import (
	"testing"
	"time"
)

func f64(v float64) *float64 { return &v }

var fixedNow = time.Date(2026, 3, 3, 13, 0, 0, 0, time.UTC) // 08:00 ET, pre-market

func newTestReconciler() *Reconciler {
	return NewReconciler(ReconcilerConfig{
		FallbackShares: map[string]float64{"FALL": 2_000_000_000},
		CompanyNames:   map[string]string{"ACME": "Acme Corp"},
		Now:            func() time.Time { return fixedNow },
	})
}

func TestReferencePricePriority(t *testing.T) {
	r := newTestReconciler()

	tests := []struct {
		name    string
		bundle  Bundle
		wantRef float64
		abandon AbandonReason
	}{
		{
			name: "aggregate preferred over snapshot",
			bundle: Bundle{
				Ticker:            "ACME",
				PreviousClose:     f64(100),
				Snapshot:          &VendorSnapshot{PrevDayClose: 95, LastTradePrice: 101},
				SharesOutstanding: f64(1e9),
			},
			wantRef: 100,
		},
		{
			name: "snapshot previous day used when aggregate missing",
			bundle: Bundle{
				Ticker:            "ACME",
				Snapshot:          &VendorSnapshot{PrevDayClose: 95, LastTradePrice: 101},
				SharesOutstanding: f64(1e9),
			},
			wantRef: 95,
		},
		{
			name: "no reference abandons",
			bundle: Bundle{
				Ticker:            "ACME",
				LastTrade:         &Trade{Price: 10},
				SharesOutstanding: f64(1e9),
			},
			abandon: AbandonNoReference,
		},
		{
			name: "reference below a cent abandons",
			bundle: Bundle{
				Ticker:            "ACME",
				PreviousClose:     f64(0.005),
				LastTrade:         &Trade{Price: 10},
				SharesOutstanding: f64(1e9),
			},
			abandon: AbandonReferenceTooLow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Reconcile(tt.bundle, fixedNow)
			if tt.abandon != "" {
				if res.Quote != nil || res.Abandoned != tt.abandon {
					t.Fatalf("expected abandon %q, got %+v", tt.abandon, res)
				}
				return
			}
			if res.Quote == nil {
				t.Fatalf("expected quote, abandoned %q", res.Abandoned)
			}
			if res.Quote.ReferencePrice != tt.wantRef {
				t.Fatalf("reference %v, want %v", res.Quote.ReferencePrice, tt.wantRef)
			}
		})
	}
}

func TestCurrentPricePriority(t *testing.T) {
	r := newTestReconciler()
	base := func(trade *Trade, snap *VendorSnapshot) Bundle {
		return Bundle{Ticker: "ACME", PreviousClose: f64(100), LastTrade: trade, Snapshot: snap, SharesOutstanding: f64(1e9)}
	}

	tests := []struct {
		name       string
		bundle     Bundle
		wantPrice  float64
		wantSource string
		abandon    AbandonReason
	}{
		{"consolidated trade", base(&Trade{Price: 105}, &VendorSnapshot{LastTradePrice: 104}), 105, "last_trade", ""},
		{"delayed trade accepted", base(&Trade{Price: 103, Delayed: true}, nil), 103, "last_trade_delayed", ""},
		{"zero trade skipped", base(&Trade{Price: 0}, &VendorSnapshot{LastTradePrice: 104}), 104, "snapshot_last_trade", ""},
		{"minute close", base(nil, &VendorSnapshot{MinuteClose: 102, DayClose: 101}), 102, "minute_close", ""},
		{"day close", base(nil, &VendorSnapshot{DayClose: 101}), 101, "day_close", ""},
		{"previous day when distinct", base(nil, &VendorSnapshot{PrevDayClose: 98}), 98, "previous_day_close", ""},
		{"previous day equal to reference", base(nil, &VendorSnapshot{PrevDayClose: 100.004}), 0, "", AbandonStalePreviousDay},
		{"nothing usable", base(nil, &VendorSnapshot{}), 0, "", AbandonNoCurrentPrice},
		{"no live data at all", base(nil, nil), 0, "", AbandonNoCurrentPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Reconcile(tt.bundle, fixedNow)
			if tt.abandon != "" {
				if res.Quote != nil || res.Abandoned != tt.abandon {
					t.Fatalf("expected abandon %q, got %+v", tt.abandon, res)
				}
				return
			}
			if res.Quote == nil {
				t.Fatalf("unexpected abandon %q", res.Abandoned)
			}
			if res.Quote.CurrentPrice != tt.wantPrice || res.Quote.PriceSource != tt.wantSource {
				t.Fatalf("got %v/%s, want %v/%s", res.Quote.CurrentPrice, res.Quote.PriceSource, tt.wantPrice, tt.wantSource)
			}
		})
	}
}

func TestDerivedValuesRounded(t *testing.T) {
	r := newTestReconciler()
	res := r.Reconcile(Bundle{
		Ticker:            "ACME",
		PreviousClose:     f64(100.00),
		LastTrade:         &Trade{Price: 101.23},
		SharesOutstanding: f64(1_000_000_000),
	}, fixedNow)
	q := res.Quote
	if q == nil {
		t.Fatalf("abandoned: %s", res.Abandoned)
	}
	if q.PercentChange != 1.23 {
		t.Errorf("percentChange = %v, want 1.23", q.PercentChange)
	}
	if q.MarketCapDiff != 1.23 {
		t.Errorf("marketCapDiff = %v, want 1.23", q.MarketCapDiff)
	}
	if q.MarketCap != 101.23 {
		t.Errorf("marketCap = %v, want 101.23", q.MarketCap)
	}
	if q.CompanyName != "Acme Corp" || !q.LastUpdated.Equal(fixedNow) {
		t.Errorf("unexpected metadata %+v", q)
	}

	tiny := r.Reconcile(Bundle{
		Ticker:            "ACME",
		PreviousClose:     f64(100.00),
		LastTrade:         &Trade{Price: 100.004},
		SharesOutstanding: f64(1_000_000_000),
	}, fixedNow)
	if tiny.Quote == nil || tiny.Quote.PercentChange != 0 {
		t.Fatalf("expected 0.00 change, got %+v", tiny.Quote)
	}
}

func TestSharesFallbackAndMissing(t *testing.T) {
	r := newTestReconciler()

	res := r.Reconcile(Bundle{Ticker: "FALL", PreviousClose: f64(10), LastTrade: &Trade{Price: 11}}, fixedNow)
	if res.Quote == nil || res.Quote.SharesOutstanding != 2_000_000_000 {
		t.Fatalf("expected fallback shares, got %+v", res)
	}
	if res.Quote.MarketCap != 22 || res.Quote.MarketCapDiff != 2 {
		t.Fatalf("market cap mixed shares: %+v", res.Quote)
	}

	res = r.Reconcile(Bundle{Ticker: "NONE", PreviousClose: f64(10), LastTrade: &Trade{Price: 11}}, fixedNow)
	if res.Quote != nil || res.Abandoned != AbandonMissingShares {
		t.Fatalf("expected missing shares abandon, got %+v", res)
	}
}

func TestSessionLabel(t *testing.T) {
	r := newTestReconciler()
	b := Bundle{Ticker: "ACME", PreviousClose: f64(10), SharesOutstanding: f64(1e9)}

	b.Snapshot = &VendorSnapshot{LastTradePrice: 11, SessionType: "post"}
	if got := r.Reconcile(b, fixedNow).Quote.Session; got != SessionAfterHours {
		t.Fatalf("tagged session = %s", got)
	}
	b.Snapshot = &VendorSnapshot{LastTradePrice: 11}
	if got := r.Reconcile(b, fixedNow).Quote.Session; got != SessionPreMarket {
		t.Fatalf("clock session = %s", got)
	}
}

func TestAnomalies(t *testing.T) {
	r := newTestReconciler()

	split := r.Reconcile(Bundle{
		Ticker:            "ACME",
		PreviousClose:     f64(100),
		LastTrade:         &Trade{Price: 50},
		SharesOutstanding: f64(1e9),
	}, fixedNow)
	if split.Quote == nil {
		t.Fatal("split candidate must still be emitted")
	}
	if len(split.Anomalies) != 1 || split.Anomalies[0].Kind != AnomalySuspectedSplit {
		t.Fatalf("expected split anomaly, got %+v", split.Anomalies)
	}

	halt := r.Reconcile(Bundle{
		Ticker:        "ACME",
		PreviousClose: f64(100),
		Snapshot: &VendorSnapshot{
			LastTradePrice: 101,
			LastTradeAt:    fixedNow.Add(-5 * time.Minute),
			SessionType:    "regular",
		},
		SharesOutstanding: f64(1e9),
	}, fixedNow)
	if halt.Quote == nil || len(halt.Anomalies) != 1 || halt.Anomalies[0].Kind != AnomalyPossibleHalt {
		t.Fatalf("expected halt anomaly, got %+v", halt)
	}
	if halt.Anomalies[0].TradeAge != 5*time.Minute {
		t.Fatalf("trade age = %v", halt.Anomalies[0].TradeAge)
	}

	fresh := r.Reconcile(Bundle{
		Ticker:        "ACME",
		PreviousClose: f64(100),
		Snapshot: &VendorSnapshot{
			LastTradePrice: 101,
			LastTradeAt:    fixedNow.Add(-30 * time.Second),
			SessionType:    "regular",
		},
		SharesOutstanding: f64(1e9),
	}, fixedNow)
	if len(fresh.Anomalies) != 0 {
		t.Fatalf("unexpected anomalies %+v", fresh.Anomalies)
	}
}

func TestBarClosesNeverFlagHalt(t *testing.T) {
	r := newTestReconciler()
	stale := fixedNow.Add(-10 * time.Minute)

	for name, snap := range map[string]*VendorSnapshot{
		"minute_close": {MinuteClose: 101, LastTradeAt: stale, SessionType: "regular"},
		"day_close":    {DayClose: 101, LastTradeAt: stale, SessionType: "regular"},
		"prev_day":     {PrevDayClose: 101, LastTradeAt: stale, SessionType: "regular"},
	} {
		res := r.Reconcile(Bundle{
			Ticker:            "ACME",
			PreviousClose:     f64(100),
			Snapshot:          snap,
			SharesOutstanding: f64(1e9),
		}, fixedNow)
		if res.Quote == nil {
			t.Fatalf("%s: expected a quote, abandoned=%q", name, res.Abandoned)
		}
		if len(res.Anomalies) != 0 {
			t.Fatalf("%s: bar close flagged %+v", name, res.Anomalies)
		}
	}
}
