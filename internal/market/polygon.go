package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"premarket-tracker/internal/logging"
	"premarket-tracker/internal/metrics"
)

const (
	polygonService  = "polygon"
	maxResponseSize = 4 << 20
)

type PolygonConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	RequestsPerSecond float64
	Burst             int
	Breaker           BreakerConfig
}

type BreakerConfig struct {
	MinRequests  uint32
	FailureRatio float64
	OpenTimeout  time.Duration
}

// PolygonClient talks to a Polygon-style REST market-data API.
type PolygonClient struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[[]byte]
	maxRetries int
	retryDelay time.Duration
}

var _ VendorAPI = (*PolygonClient)(nil)

func NewPolygonClient(cfg PolygonConfig) *PolygonClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.polygon.io"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 150 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Breaker.MinRequests == 0 {
		cfg.Breaker.MinRequests = 20
	}
	if cfg.Breaker.FailureRatio <= 0 {
		cfg.Breaker.FailureRatio = 0.6
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		cfg.Breaker.OpenTimeout = 30 * time.Second
	}

	return &PolygonClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		cb:         newBreaker(polygonService, cfg.Breaker),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker[[]byte] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
		// A missing ticker or a cancelled cycle says nothing about vendor health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
	})
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (p *PolygonClient) PreviousClose(ctx context.Context, ticker string) (float64, error) {
	body, err := p.get(ctx, "prev", "/v2/aggs/ticker/"+pathTicker(ticker)+"/prev", url.Values{"adjusted": {"true"}})
	if err != nil {
		return 0, err
	}
	c := gjson.GetBytes(body, "results.0.c")
	if !c.Exists() || c.Float() <= 0 {
		return 0, fmt.Errorf("prev close %s: %w", ticker, ErrNoData)
	}
	return c.Float(), nil
}

func (p *PolygonClient) LastTrade(ctx context.Context, ticker string) (Trade, error) {
	body, err := p.get(ctx, "last_trade", "/v2/last/trade/"+pathTicker(ticker), nil)
	if err != nil {
		return Trade{}, err
	}
	status := gjson.GetBytes(body, "status").String()
	if status != "OK" && status != "DELAYED" {
		return Trade{}, fmt.Errorf("last trade %s: status %q: %w", ticker, status, ErrNoData)
	}
	price := gjson.GetBytes(body, "results.p").Float()
	if price <= 0 {
		return Trade{}, fmt.Errorf("last trade %s: %w", ticker, ErrNoData)
	}
	return Trade{
		Price:     price,
		Timestamp: fromNanos(gjson.GetBytes(body, "results.t").Int()),
		Delayed:   status == "DELAYED",
	}, nil
}

func (p *PolygonClient) Snapshot(ctx context.Context, ticker string) (VendorSnapshot, error) {
	body, err := p.get(ctx, "snapshot", "/v2/snapshot/locale/us/markets/stocks/tickers/"+pathTicker(ticker), nil)
	if err != nil {
		return VendorSnapshot{}, err
	}
	if status := gjson.GetBytes(body, "status").String(); status != "OK" {
		return VendorSnapshot{}, fmt.Errorf("snapshot %s: status %q: %w", ticker, status, ErrNoData)
	}
	t := gjson.GetBytes(body, "ticker")
	if !t.Exists() {
		return VendorSnapshot{}, fmt.Errorf("snapshot %s: %w", ticker, ErrNoData)
	}
	return VendorSnapshot{
		LastTradePrice: t.Get("lastTrade.p").Float(),
		LastTradeAt:    fromNanos(t.Get("lastTrade.t").Int()),
		MinuteClose:    t.Get("min.c").Float(),
		DayClose:       t.Get("day.c").Float(),
		DayVolume:      t.Get("day.v").Float(),
		PrevDayClose:   t.Get("prevDay.c").Float(),
		SessionType:    t.Get("type").String(),
	}, nil
}

func (p *PolygonClient) TickerDetails(ctx context.Context, ticker string) (TickerDetails, error) {
	body, err := p.get(ctx, "details", "/v3/reference/tickers/"+pathTicker(ticker), nil)
	if err != nil {
		return TickerDetails{}, err
	}
	r := gjson.GetBytes(body, "results")
	if !r.Exists() {
		return TickerDetails{}, fmt.Errorf("details %s: %w", ticker, ErrNoData)
	}
	shares := r.Get("weighted_shares_outstanding").Float()
	if shares <= 0 {
		shares = r.Get("share_class_shares_outstanding").Float()
	}
	return TickerDetails{
		Name:              r.Get("name").String(),
		SharesOutstanding: shares,
		MarketCap:         r.Get("market_cap").Float(),
	}, nil
}

func (p *PolygonClient) get(ctx context.Context, endpoint, path string, query url.Values) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("apiKey", p.apiKey)
	u := p.baseURL + path + "?" + query.Encode()

	body, err := p.cb.Execute(func() ([]byte, error) {
		return p.doWithRetry(ctx, endpoint, u)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.APICalls.WithLabelValues(polygonService, endpoint, "rejected").Inc()
		return nil, fmt.Errorf("%s: %w", endpoint, ErrCircuitOpen)
	}
	return body, err
}

func (p *PolygonClient) doWithRetry(ctx context.Context, endpoint, u string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay
			if errors.Is(lastErr, errRateLimited) {
				delay *= 4
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := p.doOnce(ctx, u)
		if err == nil {
			metrics.APICalls.WithLabelValues(polygonService, endpoint, "success").Inc()
			return body, nil
		}
		if errors.Is(err, ErrNotFound) {
			metrics.APICalls.WithLabelValues(polygonService, endpoint, "not_found").Inc()
			return nil, fmt.Errorf("%s: %w", endpoint, err)
		}
		metrics.APICalls.WithLabelValues(polygonService, endpoint, "error").Inc()
		if ctx.Err() != nil || !shouldRetry(err) {
			return nil, fmt.Errorf("request %s: %w", endpoint, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("request %s: %w", endpoint, lastErr)
}

var (
	errRateLimited = errors.New("rate limited")
	errServer      = errors.New("server error")
)

func (p *PolygonClient) doOnce(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, errServer)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("malformed json body")
	}
	return body, nil
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errRateLimited) || errors.Is(err, errServer) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "reset by peer")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func pathTicker(ticker string) string {
	return url.PathEscape(strings.ToUpper(strings.TrimSpace(ticker)))
}

// fromNanos converts a vendor nanosecond epoch; zero stays the zero time.
func fromNanos(ns int64) time.Time {
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
