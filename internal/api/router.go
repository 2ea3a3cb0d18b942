package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"premarket-tracker/internal/logging"
	"premarket-tracker/internal/market"
	"premarket-tracker/internal/store"
)

// QuoteCache is the read and trigger surface of the cache store.
type QuoteCache interface {
	GetAllStocks(ctx context.Context) []market.SymbolQuote
	GetStock(ticker string) (market.SymbolQuote, bool)
	GetCacheStatus(ctx context.Context) market.CacheStatus
	UpdateCache(ctx context.Context) bool
	TriggerBackground() bool
}

// History serves persisted stock rows, price points and anomalies.
type History interface {
	GetStock(ctx context.Context, ticker string) (*store.StockRecord, error)
	QueryPriceHistory(ctx context.Context, ticker string, limit int) ([]store.PricePoint, error)
	QueryAnomaliesByDate(ctx context.Context, date string, ticker string, limit int, offset int) ([]store.AnomalyRecord, error)
}

type StocksResponse struct {
	OK      bool                 `json:"ok"`
	Data    []market.SymbolQuote `json:"data"`
	Status  market.CacheStatus   `json:"status"`
	Message string               `json:"message,omitempty"`
}

type RefreshResponse struct {
	OK     bool               `json:"ok"`
	Ran    bool               `json:"ran"`
	Before market.CacheStatus `json:"before"`
	After  market.CacheStatus `json:"after"`
}

type historyQuery struct {
	Ticker string `validate:"required,max=12"`
	Limit  int    `validate:"gte=1,lte=1000"`
}

type anomalyQuery struct {
	Date   string `validate:"required,datetime=2006-01-02"`
	Ticker string `validate:"omitempty,max=12"`
	Limit  int    `validate:"gte=1,lte=1000"`
	Offset int    `validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func RegisterRoutes(h *server.Hertz, quotes QuoteCache, hist History) {
	h.GET("/healthz", func(_ context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, map[string]bool{"ok": true})
	})

	h.GET("/metrics", adaptor.HertzHandler(promhttp.Handler()))

	h.GET("/api/v1/stocks", func(ctx context.Context, c *app.RequestContext) {
		all := quotes.GetAllStocks(ctx)
		refresh, _ := strconv.ParseBool(c.Query("refresh"))

		msg := ""
		if len(all) == 0 || refresh {
			if quotes.TriggerBackground() {
				msg = "refresh started"
			} else {
				msg = "refresh already in progress"
			}
			if len(all) == 0 {
				msg = "data is still loading, " + msg
			}
		}

		data := filterTickers(all, parseSymbols(c.Query("tickers"), nil))
		c.JSON(http.StatusOK, StocksResponse{
			OK:      true,
			Data:    data,
			Status:  quotes.GetCacheStatus(ctx),
			Message: msg,
		})
	})

	h.GET("/api/v1/stocks/:ticker", func(ctx context.Context, c *app.RequestContext) {
		q, ok := quotes.GetStock(c.Param("ticker"))
		if !ok {
			c.JSON(http.StatusNotFound, map[string]any{
				"ok":    false,
				"error": "ticker not in cache",
			})
			return
		}
		resp := map[string]any{
			"ok":   true,
			"data": q,
		}
		// last persisted row; absent until the first refresh is saved
		if hist != nil {
			if rec, err := hist.GetStock(ctx, q.Ticker); err == nil {
				resp["stored"] = rec
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	h.GET("/api/v1/cache/status", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, map[string]any{
			"ok":     true,
			"status": quotes.GetCacheStatus(ctx),
		})
	})

	h.POST("/api/v1/cache/refresh", func(ctx context.Context, c *app.RequestContext) {
		before := quotes.GetCacheStatus(ctx)
		ran := quotes.UpdateCache(ctx)
		if !ran {
			logging.Ctx(ctx).Info().Msg("manual refresh skipped, already in progress")
		}
		c.JSON(http.StatusOK, RefreshResponse{
			OK:     true,
			Ran:    ran,
			Before: before,
			After:  quotes.GetCacheStatus(ctx),
		})
	})

	h.GET("/api/v1/history", func(ctx context.Context, c *app.RequestContext) {
		if hist == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "store not configured",
			})
			return
		}
		limit, err := parseLimit(c.Query("limit"), 100)
		if err != nil {
			badRequest(c, err)
			return
		}
		q := historyQuery{Ticker: strings.ToUpper(strings.TrimSpace(c.Query("ticker"))), Limit: limit}
		if err := validate.Struct(q); err != nil {
			badRequest(c, err)
			return
		}

		items, err := hist.QueryPriceHistory(ctx, q.Ticker, q.Limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		if items == nil {
			items = []store.PricePoint{}
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	h.GET("/api/v1/anomalies", func(ctx context.Context, c *app.RequestContext) {
		if hist == nil {
			c.JSON(http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": "store not configured",
			})
			return
		}
		limit, err := parseLimit(c.Query("limit"), 200)
		if err != nil {
			badRequest(c, err)
			return
		}
		offset, err := parseOffset(c.Query("offset"))
		if err != nil {
			badRequest(c, err)
			return
		}
		q := anomalyQuery{
			Date:   c.Query("date"),
			Ticker: strings.ToUpper(strings.TrimSpace(c.Query("ticker"))),
			Limit:  limit,
			Offset: offset,
		}
		if q.Date == "" {
			q.Date = easternToday()
		}
		if err := validate.Struct(q); err != nil {
			badRequest(c, err)
			return
		}

		items, err := hist.QueryAnomaliesByDate(ctx, q.Date, q.Ticker, q.Limit, q.Offset)
		if err != nil {
			badRequest(c, err)
			return
		}
		if items == nil {
			items = []store.AnomalyRecord{}
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"date":  q.Date,
			"items": items,
		})
	})
}

func badRequest(c *app.RequestContext, err error) {
	c.JSON(http.StatusBadRequest, map[string]any{
		"ok":    false,
		"error": err.Error(),
	})
}

func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if v > 1000 {
		return 1000, nil
	}
	return v, nil
}

func parseOffset(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid offset")
	}
	return v, nil
}

func easternToday() string {
	return market.Eastern(time.Now()).Format("2006-01-02")
}

func parseSymbols(raw string, defaults []string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaults
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// filterTickers keeps the quotes for tickers, preserving market-cap order.
// An empty filter returns all.
func filterTickers(all []market.SymbolQuote, tickers []string) []market.SymbolQuote {
	if len(tickers) == 0 {
		return all
	}
	want := make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		want[t] = struct{}{}
	}
	out := make([]market.SymbolQuote, 0, len(tickers))
	for _, q := range all {
		if _, ok := want[q.Ticker]; ok {
			out = append(out, q)
		}
	}
	return out
}
