package services

import (
	"context"
	"time"

	"premarket-tracker/internal/logging"
)

// HistoryCleaner is satisfied by *store.Store.
type HistoryCleaner interface {
	CleanupPriceHistory(ctx context.Context, before time.Time) (int64, error)
}

// RetentionService deletes price history older than the retention window,
// once at start and then every interval.
type RetentionService struct {
	cleaner   HistoryCleaner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	name      string
}

func NewRetentionService(cleaner HistoryCleaner, retention, interval time.Duration) *RetentionService {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionService{
		cleaner:   cleaner,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		name:      "history-retention",
	}
}

func (s *RetentionService) Serve(ctx context.Context) error {
	s.cleanup(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

func (s *RetentionService) cleanup(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention)
	n, err := s.cleaner.CleanupPriceHistory(ctx, cutoff)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("price history cleanup failed")
		return
	}
	logging.Ctx(ctx).Info().Int64("deleted", n).Time("before", cutoff).Msg("price history cleanup")
}

func (s *RetentionService) String() string {
	return s.name
}
