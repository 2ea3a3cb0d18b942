package market

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"premarket-tracker/internal/logging"
)

var (
	// ErrNotFound is returned when the vendor has no record for a ticker (HTTP 404).
	ErrNotFound = errors.New("market: ticker not found")
	// ErrNoData is returned when a response parses but carries no usable value.
	ErrNoData = errors.New("market: no usable data in response")
	// ErrCircuitOpen is returned while the vendor circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("market: vendor circuit open")
)

// Trade is a consolidated last trade.
type Trade struct {
	Price     float64
	Timestamp time.Time
	Delayed   bool
}

// VendorSnapshot is the vendor's per-ticker intraday snapshot.
// Zero values mean the vendor omitted the field.
type VendorSnapshot struct {
	LastTradePrice float64
	LastTradeAt    time.Time
	MinuteClose    float64
	DayClose       float64
	DayVolume      float64
	PrevDayClose   float64
	SessionType    string // pre, regular, post
}

type TickerDetails struct {
	Name              string
	SharesOutstanding float64
	MarketCap         float64
}

// VendorAPI is the raw market-data vendor surface, one call per endpoint.
type VendorAPI interface {
	PreviousClose(ctx context.Context, ticker string) (float64, error)
	LastTrade(ctx context.Context, ticker string) (Trade, error)
	Snapshot(ctx context.Context, ticker string) (VendorSnapshot, error)
	TickerDetails(ctx context.Context, ticker string) (TickerDetails, error)
}

// Bundle is everything the vendor returned for one ticker. A nil field means
// the corresponding call failed or returned nothing usable.
type Bundle struct {
	Ticker            string
	CompanyName       string
	PreviousClose     *float64
	LastTrade         *Trade
	Snapshot          *VendorSnapshot
	SharesOutstanding *float64
	VendorMarketCap   *float64
}

// QuoteSource produces a Bundle for a ticker. Implementations never fail as a
// whole; missing pieces are left nil.
type QuoteSource interface {
	Fetch(ctx context.Context, ticker string) Bundle
}

// Adapter issues the vendor calls for a ticker concurrently and degrades each
// failure to an absent field.
type Adapter struct {
	api VendorAPI
}

func NewAdapter(api VendorAPI) *Adapter {
	return &Adapter{api: api}
}

func (a *Adapter) Fetch(ctx context.Context, ticker string) Bundle {
	b := Bundle{Ticker: ticker}
	if a == nil || a.api == nil {
		return b
	}

	var g errgroup.Group
	g.Go(func() error {
		details, err := a.api.TickerDetails(ctx, ticker)
		if err != nil {
			fieldMissing(ctx, ticker, "details", err)
			return nil
		}
		b.CompanyName = details.Name
		if details.SharesOutstanding > 0 {
			shares := details.SharesOutstanding
			b.SharesOutstanding = &shares
		}
		if details.MarketCap > 0 {
			mc := details.MarketCap
			b.VendorMarketCap = &mc
		}
		return nil
	})
	g.Go(func() error {
		prev, err := a.api.PreviousClose(ctx, ticker)
		if err != nil {
			fieldMissing(ctx, ticker, "previous_close", err)
			return nil
		}
		b.PreviousClose = &prev
		return nil
	})
	g.Go(func() error {
		trade, err := a.api.LastTrade(ctx, ticker)
		if err != nil {
			fieldMissing(ctx, ticker, "last_trade", err)
			return nil
		}
		b.LastTrade = &trade
		return nil
	})
	g.Go(func() error {
		snap, err := a.api.Snapshot(ctx, ticker)
		if err != nil {
			fieldMissing(ctx, ticker, "snapshot", err)
			return nil
		}
		b.Snapshot = &snap
		return nil
	})
	_ = g.Wait()
	return b
}

func fieldMissing(ctx context.Context, ticker, field string, err error) {
	logging.Ctx(ctx).Debug().Str("ticker", ticker).Str("field", field).Err(err).Msg("vendor field missing")
}
