package market

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AbandonReason explains why a ticker produced no quote. Abandonment is an
// expected outcome, not an error.
type AbandonReason string

const (
	AbandonNoReference      AbandonReason = "no_reference_price"
	AbandonReferenceTooLow  AbandonReason = "reference_price_too_low"
	AbandonNoCurrentPrice   AbandonReason = "no_current_price"
	AbandonStalePreviousDay AbandonReason = "stale_previous_day_close"
	AbandonMissingShares    AbandonReason = "missing_shares"
)

const (
	minReferencePrice = 0.01
	priceEpsilon      = 0.01
)

type ReconcilerConfig struct {
	// SplitThresholdPct flags |percentChange| above this as a suspected split.
	SplitThresholdPct float64
	// HaltWindow flags a regular-session trade older than this as a possible halt.
	HaltWindow time.Duration
	// FallbackShares is consulted when the vendor has no share count.
	FallbackShares map[string]float64
	CompanyNames   map[string]string
	Now            func() time.Time
}

type Reconciler struct {
	cfg ReconcilerConfig
}

// Result is the outcome for one ticker: exactly one of Quote or Abandoned is set.
type Result struct {
	Ticker    string
	Quote     *SymbolQuote
	Abandoned AbandonReason
	Anomalies []Anomaly
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.SplitThresholdPct <= 0 {
		cfg.SplitThresholdPct = 40
	}
	if cfg.HaltWindow <= 0 {
		cfg.HaltWindow = 120 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{cfg: cfg}
}

// Reconcile turns one bundle into at most one quote stamped with asOf.
func (r *Reconciler) Reconcile(b Bundle, asOf time.Time) Result {
	res := Result{Ticker: b.Ticker}
	snap := b.Snapshot

	var ref float64
	switch {
	case b.PreviousClose != nil && *b.PreviousClose > 0:
		ref = *b.PreviousClose
	case snap != nil && snap.PrevDayClose > 0:
		ref = snap.PrevDayClose
	default:
		res.Abandoned = AbandonNoReference
		return res
	}
	if ref < minReferencePrice {
		res.Abandoned = AbandonReferenceTooLow
		return res
	}

	current, source, tradeAt, reason := pickCurrentPrice(b, ref)
	if reason != "" {
		res.Abandoned = reason
		return res
	}

	shares := r.sharesFor(b)
	if shares <= 0 {
		res.Abandoned = AbandonMissingShares
		return res
	}

	now := r.cfg.Now()
	session, tagged := SessionClosed, false
	if snap != nil {
		session, tagged = sessionFromVendor(snap.SessionType)
	}
	if !tagged {
		session = ClassifySession(now)
	}

	cur := decimal.NewFromFloat(current)
	base := decimal.NewFromFloat(ref)
	sh := decimal.NewFromFloat(shares)
	billion := decimal.NewFromInt(1_000_000_000)
	move := cur.Sub(base)
	pctExact := move.Div(base).Mul(decimal.NewFromInt(100))

	quote := &SymbolQuote{
		Ticker:            b.Ticker,
		CompanyName:       r.nameFor(b),
		CurrentPrice:      cur.Round(2).InexactFloat64(),
		ReferencePrice:    base.Round(2).InexactFloat64(),
		PercentChange:     pctExact.Round(2).InexactFloat64(),
		MarketCap:         cur.Mul(sh).Div(billion).Round(2).InexactFloat64(),
		MarketCapDiff:     move.Mul(sh).Div(billion).Round(2).InexactFloat64(),
		SharesOutstanding: shares,
		Session:           session,
		PriceSource:       source,
		LastUpdated:       asOf,
	}
	if snap != nil {
		quote.DayVolume = snap.DayVolume
	}
	res.Quote = quote

	pct := pctExact.InexactFloat64()
	if math.Abs(pct) > r.cfg.SplitThresholdPct {
		res.Anomalies = append(res.Anomalies, Anomaly{
			Ticker:        b.Ticker,
			Kind:          AnomalySuspectedSplit,
			PercentChange: quote.PercentChange,
			Detail:        fmt.Sprintf("change %.2f%% exceeds %.0f%% (ref %.2f, current %.2f)", pct, r.cfg.SplitThresholdPct, ref, current),
			DetectedAt:    now,
		})
	}
	if snap != nil && snap.SessionType == "regular" && !tradeAt.IsZero() {
		if age := now.Sub(tradeAt); age > r.cfg.HaltWindow {
			res.Anomalies = append(res.Anomalies, Anomaly{
				Ticker:        b.Ticker,
				Kind:          AnomalyPossibleHalt,
				PercentChange: quote.PercentChange,
				TradeAge:      age,
				Detail:        fmt.Sprintf("last trade %s old during regular session", age.Truncate(time.Second)),
				DetectedAt:    now,
			})
		}
	}
	return res
}

// pickCurrentPrice walks the current-price candidates in priority order.
// Only trade prices return a trade time; bar closes have none.
func pickCurrentPrice(b Bundle, ref float64) (price float64, source string, tradeAt time.Time, reason AbandonReason) {
	snap := b.Snapshot
	var snapTradeAt time.Time
	if snap != nil {
		snapTradeAt = snap.LastTradeAt
	}

	if t := b.LastTrade; t != nil && t.Price > 0 {
		source = "last_trade"
		if t.Delayed {
			source = "last_trade_delayed"
		}
		at := t.Timestamp
		if at.IsZero() {
			at = snapTradeAt
		}
		return t.Price, source, at, ""
	}
	if snap == nil {
		return 0, "", time.Time{}, AbandonNoCurrentPrice
	}
	switch {
	case snap.LastTradePrice > 0:
		return snap.LastTradePrice, "snapshot_last_trade", snapTradeAt, ""
	case snap.MinuteClose > 0:
		return snap.MinuteClose, "minute_close", time.Time{}, ""
	case snap.DayClose > 0:
		return snap.DayClose, "day_close", time.Time{}, ""
	case snap.PrevDayClose > 0:
		if math.Abs(snap.PrevDayClose-ref) < priceEpsilon {
			return 0, "", time.Time{}, AbandonStalePreviousDay
		}
		return snap.PrevDayClose, "previous_day_close", time.Time{}, ""
	}
	return 0, "", time.Time{}, AbandonNoCurrentPrice
}

func (r *Reconciler) sharesFor(b Bundle) float64 {
	if b.SharesOutstanding != nil && *b.SharesOutstanding > 0 {
		return *b.SharesOutstanding
	}
	return r.cfg.FallbackShares[strings.ToUpper(b.Ticker)]
}

func (r *Reconciler) nameFor(b Bundle) string {
	if name, ok := r.cfg.CompanyNames[strings.ToUpper(b.Ticker)]; ok && name != "" {
		return name
	}
	return b.CompanyName
}
