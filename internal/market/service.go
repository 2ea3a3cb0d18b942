package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"premarket-tracker/internal/logging"
	"premarket-tracker/internal/metrics"
	"premarket-tracker/internal/store"
)

// ErrCacheMiss is returned by an ExternalCache that holds no entry.
var ErrCacheMiss = errors.New("market: cache miss")

// ExternalCache is a shared key/value tier holding the latest snapshot and status.
type ExternalCache interface {
	SaveSnapshot(ctx context.Context, snap RefreshSnapshot, status CacheStatus) error
	SaveStatus(ctx context.Context, status CacheStatus) error
	LoadQuotes(ctx context.Context) ([]SymbolQuote, error)
	LoadStatus(ctx context.Context) (CacheStatus, error)
	// Invalidate drops the snapshot and status so readers fall back to memory.
	Invalidate(ctx context.Context) error
}

// AnomalySink receives the anomalies flagged during a completed cycle.
type AnomalySink interface {
	HandleAnomalies(ctx context.Context, anomalies []Anomaly)
}

type ServiceConfig struct {
	PartialThreshold float64
	CycleTimeout     time.Duration
	TierTimeout      time.Duration
}

// served is an immutable view of one snapshot plus its ticker index.
type served struct {
	snap     RefreshSnapshot
	byTicker map[string]int
}

// Service is the cache store handlers read from. It owns the refresh lifecycle
// and guarantees at most one refresh runs at a time.
type Service struct {
	refresher *Refresher
	tier      ExternalCache
	store     *store.Store
	sink      AnomalySink
	cfg       ServiceConfig

	updating atomic.Bool
	current  atomic.Pointer[served]
}

func NewService(refresher *Refresher, tier ExternalCache, st *store.Store, sink AnomalySink, cfg ServiceConfig) *Service {
	if cfg.PartialThreshold <= 0 {
		cfg.PartialThreshold = DefaultPartialThreshold
	}
	if cfg.TierTimeout <= 0 {
		cfg.TierTimeout = 3 * time.Second
	}
	return &Service{
		refresher: refresher,
		tier:      tier,
		store:     st,
		sink:      sink,
		cfg:       cfg,
	}
}

// UpdateCache runs one refresh cycle unless one is already running, in which
// case it returns false immediately. The in-progress flag is always cleared.
func (s *Service) UpdateCache(ctx context.Context) bool {
	if !s.acquire(ctx) {
		return false
	}
	s.ownedCycle(ctx)
	return true
}

// TriggerBackground starts a refresh on its own goroutine when none is running.
// It returns true only when this call owns the new cycle.
func (s *Service) TriggerBackground() bool {
	ctx := context.Background()
	if !s.acquire(ctx) {
		return false
	}
	go s.ownedCycle(ctx)
	return true
}

func (s *Service) acquire(ctx context.Context) bool {
	if !s.updating.CompareAndSwap(false, true) {
		logging.Ctx(ctx).Info().Msg("refresh already in progress, skipping")
		metrics.RefreshRuns.WithLabelValues("skipped").Inc()
		return false
	}
	return true
}

// ownedCycle runs a cycle for a caller that already holds the in-progress flag.
func (s *Service) ownedCycle(ctx context.Context) {
	defer s.updating.Store(false)

	ctx = logging.ContextWithCycleID(ctx, logging.NewCycleID())
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}
	s.runCycle(ctx)
}

func (s *Service) runCycle(ctx context.Context) {
	log := logging.Ctx(ctx)
	start := time.Now()
	published := false

	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("panic", fmt.Sprint(p)).Msg("refresh cycle panicked, keeping previous snapshot")
			metrics.RefreshRuns.WithLabelValues("failed").Inc()
		}
		if !published {
			s.writeStatus(ctx, false)
		}
	}()

	s.writeStatus(ctx, true)
	log.Info().Int("tickers", len(s.refresher.tickers)).Msg("refresh started")

	out, err := s.refresher.Run(ctx)
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	snap := out.Snapshot
	if err != nil {
		log.Warn().Err(err).Int("succeeded", len(snap.Quotes)).Msg("refresh aborted, keeping previous snapshot")
		metrics.RefreshRuns.WithLabelValues("aborted").Inc()
		return
	}
	metrics.RefreshSymbols.WithLabelValues("attempted").Set(float64(snap.Attempted))
	metrics.RefreshSymbols.WithLabelValues("succeeded").Set(float64(snap.Succeeded))
	if snap.Attempted > 0 && snap.Succeeded == 0 {
		log.Error().Int("attempted", snap.Attempted).Msg("refresh produced no quotes, keeping previous snapshot")
		metrics.RefreshRuns.WithLabelValues("failed").Inc()
		return
	}

	s.publish(snap)
	published = true
	status := DeriveStatus(&snap, false, s.cfg.PartialThreshold)
	s.writeTier(ctx, snap, status)
	s.writeHistory(ctx, snap)
	if s.sink != nil && len(out.Anomalies) > 0 {
		s.sink.HandleAnomalies(ctx, out.Anomalies)
	}

	metrics.RefreshRuns.WithLabelValues("completed").Inc()
	log.Info().
		Int("attempted", snap.Attempted).
		Int("succeeded", snap.Succeeded).
		Bool("partial", status.IsPartial).
		Int("anomalies", len(out.Anomalies)).
		Dur("took", time.Since(start)).
		Msg("refresh completed")
}

// publish swaps in a complete snapshot; readers see the old or the new one, never a mix.
func (s *Service) publish(snap RefreshSnapshot) {
	quotes := make([]SymbolQuote, len(snap.Quotes))
	copy(quotes, snap.Quotes)
	sortByMarketCap(quotes)
	snap.Quotes = quotes

	idx := make(map[string]int, len(quotes))
	for i, q := range quotes {
		idx[strings.ToUpper(q.Ticker)] = i
	}
	s.current.Store(&served{snap: snap, byTicker: idx})
}

func (s *Service) tierContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TierTimeout)
}

func (s *Service) writeTier(ctx context.Context, snap RefreshSnapshot, status CacheStatus) {
	if s.tier == nil {
		return
	}
	tctx, cancel := s.tierContext(ctx)
	defer cancel()
	if err := s.tier.SaveSnapshot(tctx, snap, status); err != nil {
		metrics.CacheTierWrites.WithLabelValues("error").Inc()
		logging.Ctx(ctx).Warn().Err(err).Msg("cache tier write failed, in-process snapshot stays authoritative")
		s.dropTier(ctx, status)
		return
	}
	metrics.CacheTierWrites.WithLabelValues("success").Inc()
}

// dropTier removes the tier entries left by earlier cycles. When even that
// fails it overwrites the status so the tier stops reporting a refresh in progress.
func (s *Service) dropTier(ctx context.Context, status CacheStatus) {
	tctx, cancel := s.tierContext(ctx)
	defer cancel()
	err := s.tier.Invalidate(tctx)
	if err == nil {
		return
	}
	logging.Ctx(ctx).Warn().Err(err).Msg("cache tier invalidate failed")
	if err := s.tier.SaveStatus(tctx, status); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("cache tier status write failed")
	}
}

func (s *Service) writeStatus(ctx context.Context, updating bool) {
	if s.tier == nil {
		return
	}
	tctx, cancel := s.tierContext(ctx)
	defer cancel()
	st := DeriveStatus(s.snapshot(), updating, s.cfg.PartialThreshold)
	if err := s.tier.SaveStatus(tctx, st); err != nil {
		metrics.CacheTierWrites.WithLabelValues("error").Inc()
		logging.Ctx(ctx).Warn().Err(err).Msg("cache tier status write failed")
	}
}

func (s *Service) writeHistory(ctx context.Context, snap RefreshSnapshot) {
	if s.store == nil {
		return
	}
	ts := snap.GeneratedAt.Unix()
	stocks := make([]store.StockRecord, 0, len(snap.Quotes))
	points := make([]store.PricePoint, 0, len(snap.Quotes))
	for _, q := range snap.Quotes {
		stocks = append(stocks, store.StockRecord{
			Ticker:            q.Ticker,
			CompanyName:       q.CompanyName,
			MarketCap:         q.MarketCap * 1e9,
			SharesOutstanding: q.SharesOutstanding,
			LastUpdated:       ts,
		})
		points = append(points, store.PricePoint{
			TS:            ts,
			Ticker:        q.Ticker,
			Price:         q.CurrentPrice,
			ClosePrice:    q.ReferencePrice,
			PercentChange: q.PercentChange,
			Volume:        q.DayVolume,
			Session:       string(q.Session),
			Source:        q.PriceSource,
		})
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.SaveRefresh(hctx, stocks, points); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("save price history failed")
	}
}

func (s *Service) snapshot() *RefreshSnapshot {
	cur := s.current.Load()
	if cur == nil {
		return nil
	}
	return &cur.snap
}

// GetAllStocks returns quotes sorted by market cap, largest first. It reads the
// external tier first and falls back to the in-process snapshot. It never
// fails; with no data it returns an empty slice.
func (s *Service) GetAllStocks(ctx context.Context) []SymbolQuote {
	if s.tier != nil {
		tctx, cancel := context.WithTimeout(ctx, s.cfg.TierTimeout)
		quotes, err := s.tier.LoadQuotes(tctx)
		cancel()
		switch {
		case err == nil && len(quotes) > 0:
			metrics.CacheReads.WithLabelValues("redis", "hit").Inc()
			sortByMarketCap(quotes)
			return quotes
		case err == nil || errors.Is(err, ErrCacheMiss):
			metrics.CacheReads.WithLabelValues("redis", "miss").Inc()
		default:
			metrics.CacheReads.WithLabelValues("redis", "error").Inc()
			logging.Ctx(ctx).Warn().Err(err).Msg("cache tier read failed, using in-process snapshot")
		}
	}

	cur := s.current.Load()
	if cur == nil {
		metrics.CacheReads.WithLabelValues("memory", "miss").Inc()
		return []SymbolQuote{}
	}
	metrics.CacheReads.WithLabelValues("memory", "hit").Inc()
	out := make([]SymbolQuote, len(cur.snap.Quotes))
	copy(out, cur.snap.Quotes)
	return out
}

// GetStock looks a ticker up in the in-process snapshot.
func (s *Service) GetStock(ticker string) (SymbolQuote, bool) {
	cur := s.current.Load()
	if cur == nil {
		return SymbolQuote{}, false
	}
	i, ok := cur.byTicker[strings.ToUpper(strings.TrimSpace(ticker))]
	if !ok {
		return SymbolQuote{}, false
	}
	return cur.snap.Quotes[i], true
}

// GetCacheStatus prefers the status persisted in the external tier and falls
// back to one derived from the in-process snapshot. A refresh running in this
// process always shows as updating.
func (s *Service) GetCacheStatus(ctx context.Context) CacheStatus {
	updating := s.updating.Load()
	if s.tier != nil {
		tctx, cancel := context.WithTimeout(ctx, s.cfg.TierTimeout)
		st, err := s.tier.LoadStatus(tctx)
		cancel()
		if err == nil {
			st.IsUpdating = st.IsUpdating || updating
			return st
		}
		if !errors.Is(err, ErrCacheMiss) {
			logging.Ctx(ctx).Warn().Err(err).Msg("cache tier status read failed")
		}
	}
	return DeriveStatus(s.snapshot(), updating, s.cfg.PartialThreshold)
}

func (s *Service) IsUpdating() bool {
	return s.updating.Load()
}

// PollLoop refreshes immediately and then every interval until ctx is done.
func (s *Service) PollLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	s.UpdateCache(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.UpdateCache(ctx)
		}
	}
}
