package market

import (
	"sort"
	"time"
)

// SymbolQuote is one reconciled quote. Quotes are rebuilt every cycle and never mutated.
type SymbolQuote struct {
	Ticker            string    `json:"ticker"`
	CompanyName       string    `json:"companyName,omitempty"`
	CurrentPrice      float64   `json:"currentPrice"`
	ReferencePrice    float64   `json:"closePrice"`
	PercentChange     float64   `json:"percentChange"`
	MarketCap         float64   `json:"marketCap"`     // billions
	MarketCapDiff     float64   `json:"marketCapDiff"` // billions
	SharesOutstanding float64   `json:"sharesOutstanding"`
	DayVolume         float64   `json:"dayVolume,omitempty"`
	Session           Session   `json:"sessionLabel"`
	PriceSource       string    `json:"priceSource"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// RefreshSnapshot is the result of one full refresh cycle.
type RefreshSnapshot struct {
	Quotes      []SymbolQuote `json:"quotes"`
	GeneratedAt time.Time     `json:"generatedAt"`
	Attempted   int           `json:"attemptedCount"`
	Succeeded   int           `json:"succeededCount"`
}

type AnomalyKind string

const (
	AnomalySuspectedSplit AnomalyKind = "suspected_split"
	AnomalyPossibleHalt   AnomalyKind = "possible_halt"
)

// Anomaly flags a quote that was emitted but looks suspicious.
type Anomaly struct {
	Ticker        string        `json:"ticker"`
	Kind          AnomalyKind   `json:"kind"`
	PercentChange float64       `json:"percentChange"`
	TradeAge      time.Duration `json:"tradeAge,omitempty"`
	Detail        string        `json:"detail"`
	DetectedAt    time.Time     `json:"detectedAt"`
}

// sortByMarketCap orders quotes by market cap, largest first, ties by ticker.
func sortByMarketCap(quotes []SymbolQuote) {
	sort.SliceStable(quotes, func(i, j int) bool {
		if quotes[i].MarketCap != quotes[j].MarketCap {
			return quotes[i].MarketCap > quotes[j].MarketCap
		}
		return quotes[i].Ticker < quotes[j].Ticker
	})
}
