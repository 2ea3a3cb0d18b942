package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"premarket-tracker/internal/logging"
	"premarket-tracker/internal/metrics"
)

// AbandonReconcileFailed marks a ticker whose reconciliation panicked.
const AbandonReconcileFailed AbandonReason = "reconcile_failed"

type RefreshConfig struct {
	Groups     int
	BatchSize  int
	BatchDelay time.Duration
	GroupDelay time.Duration
}

// Refresher runs one pass over the ticker universe.
type Refresher struct {
	tickers    []string
	source     QuoteSource
	reconciler *Reconciler
	cfg        RefreshConfig
	now        func() time.Time
}

// RefreshOutcome is what one Run produced.
type RefreshOutcome struct {
	Snapshot  RefreshSnapshot
	Anomalies []Anomaly
	Abandoned map[AbandonReason]int
}

func NewRefresher(tickers []string, source QuoteSource, reconciler *Reconciler, cfg RefreshConfig) *Refresher {
	if cfg.Groups <= 0 {
		cfg.Groups = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 15
	}
	return &Refresher{
		tickers:    normalizeTickers(tickers),
		source:     source,
		reconciler: reconciler,
		cfg:        cfg,
		now:        time.Now,
	}
}

func (r *Refresher) Tickers() []string {
	out := make([]string, len(r.tickers))
	copy(out, r.tickers)
	return out
}

// Run fetches and reconciles every ticker. Groups run one after another and
// each batch inside a group runs concurrently. Cancellation is honoured
// between batches; a cancelled run returns the context error and an outcome
// covering only the batches that finished.
func (r *Refresher) Run(ctx context.Context) (RefreshOutcome, error) {
	asOf := r.now()
	out := RefreshOutcome{
		Snapshot:  RefreshSnapshot{GeneratedAt: asOf, Attempted: len(r.tickers)},
		Abandoned: make(map[AbandonReason]int),
	}
	log := logging.Ctx(ctx)

	for gi, group := range chunk(r.tickers, groupSize(len(r.tickers), r.cfg.Groups)) {
		if gi > 0 {
			if err := sleepCtx(ctx, r.cfg.GroupDelay); err != nil {
				return out, err
			}
		}
		for bi, batch := range chunk(group, r.cfg.BatchSize) {
			if bi > 0 {
				if err := sleepCtx(ctx, r.cfg.BatchDelay); err != nil {
					return out, err
				}
			}
			if err := ctx.Err(); err != nil {
				return out, err
			}

			for _, res := range r.runBatch(ctx, batch, asOf) {
				if res.Quote == nil {
					out.Abandoned[res.Abandoned]++
					metrics.SymbolsAbandoned.WithLabelValues(string(res.Abandoned)).Inc()
					log.Info().Str("ticker", res.Ticker).Str("reason", string(res.Abandoned)).Msg("symbol abandoned")
					continue
				}
				out.Snapshot.Quotes = append(out.Snapshot.Quotes, *res.Quote)
				for _, a := range res.Anomalies {
					metrics.Anomalies.WithLabelValues(string(a.Kind)).Inc()
					log.Warn().Str("ticker", a.Ticker).Str("kind", string(a.Kind)).
						Float64("percent_change", a.PercentChange).Msg(a.Detail)
				}
				out.Anomalies = append(out.Anomalies, res.Anomalies...)
			}
		}
		log.Debug().Int("group", gi).Int("size", len(group)).Int("succeeded", len(out.Snapshot.Quotes)).Msg("refresh group done")
	}

	out.Snapshot.Succeeded = len(out.Snapshot.Quotes)
	sortByMarketCap(out.Snapshot.Quotes)
	return out, nil
}

// runBatch reconciles every ticker in batch concurrently. A failure in one
// ticker never affects its siblings.
func (r *Refresher) runBatch(ctx context.Context, batch []string, asOf time.Time) []Result {
	results := make([]Result, len(batch))
	var g errgroup.Group
	for i, ticker := range batch {
		g.Go(func() error {
			results[i] = r.refreshOne(ctx, ticker, asOf)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Refresher) refreshOne(ctx context.Context, ticker string, asOf time.Time) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			logging.Ctx(ctx).Error().Str("ticker", ticker).Str("panic", fmt.Sprint(p)).Msg("symbol reconciliation panicked")
			res = Result{Ticker: ticker, Abandoned: AbandonReconcileFailed}
		}
	}()
	bundle := r.source.Fetch(ctx, ticker)
	bundle.Ticker = ticker
	return r.reconciler.Reconcile(bundle, asOf)
}

func groupSize(n, groups int) int {
	if groups <= 0 {
		groups = 1
	}
	size := (n + groups - 1) / groups
	if size < 1 {
		size = 1
	}
	return size
}

func chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func normalizeTickers(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
