package alert

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"premarket-tracker/internal/logging"
	"premarket-tracker/internal/market"
	"premarket-tracker/internal/push/dingtalk"
	"premarket-tracker/internal/store"
)

type Status string

const (
	StatusSent          Status = "sent"
	StatusSuppressed    Status = "suppressed"
	StatusRateLimited   Status = "rate_limited"
	StatusRecordedOnly  Status = "recorded_only"
	StatusFailed        Status = "failed"
	StatusNothingToSend Status = "empty"
)

// Notifier delivers a markdown message.
type Notifier interface {
	SendMarkdown(ctx context.Context, title, markdown string) (*dingtalk.Response, error)
}

type Config struct {
	RateLimit   RateLimitConfig
	DedupWindow time.Duration
}

type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

type Result struct {
	Status     Status
	New        int
	Suppressed int
	Error      error
}

// Service records symbol anomalies and pushes one digest per refresh cycle.
// Repeats of the same ticker and kind inside the dedup window are dropped.
type Service struct {
	notifier Notifier
	store    *store.Store
	cfg      Config
	limiter  *rate.Limiter
	now      func() time.Time

	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

var _ market.AnomalySink = (*Service)(nil)

// NewService builds the alert service; notifier may be nil to only record.
func NewService(notifier Notifier, st *store.Store, cfg Config) *Service {
	limit := rate.Inf
	if cfg.RateLimit.PerMinute > 0 {
		limit = rate.Limit(float64(cfg.RateLimit.PerMinute) / 60.0)
	}
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Service{
		notifier: notifier,
		store:    st,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		now:      time.Now,
		dedup:    make(map[string]time.Time),
	}
}

func (s *Service) HandleAnomalies(ctx context.Context, anomalies []market.Anomaly) {
	res := s.Process(ctx, anomalies)
	if res.Error != nil {
		logging.Ctx(ctx).Warn().Err(res.Error).Str("status", string(res.Status)).Msg("anomaly notification failed")
		return
	}
	logging.Ctx(ctx).Info().Str("status", string(res.Status)).Int("new", res.New).Int("suppressed", res.Suppressed).Msg("anomalies handled")
}

func (s *Service) Process(ctx context.Context, anomalies []market.Anomaly) Result {
	if len(anomalies) == 0 {
		return Result{Status: StatusNothingToSend}
	}
	fresh := make([]market.Anomaly, 0, len(anomalies))
	suppressed := 0
	for _, a := range anomalies {
		if s.isDeduped(a) {
			suppressed++
			continue
		}
		fresh = append(fresh, a)
	}
	res := Result{New: len(fresh), Suppressed: suppressed}
	if len(fresh) == 0 {
		res.Status = StatusSuppressed
		return res
	}

	ids := s.recordAnomalies(ctx, fresh)

	if s.notifier == nil {
		res.Status = StatusRecordedOnly
		return res
	}
	if !s.limiter.Allow() {
		res.Status = StatusRateLimited
		return res
	}

	title := digestTitle(fresh)
	resp, err := s.notifier.SendMarkdown(ctx, title, buildDigestMarkdown(fresh))
	if err != nil {
		res.Status, res.Error = StatusFailed, err
		return res
	}
	if resp.ErrCode != 0 {
		res.Status = StatusFailed
		res.Error = fmt.Errorf("dingtalk errcode=%d errmsg=%s", resp.ErrCode, resp.ErrMsg)
		return res
	}
	if err := s.store.MarkAnomaliesNotified(ctx, ids); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("mark anomalies notified failed")
	}
	res.Status = StatusSent
	return res
}

func (s *Service) isDeduped(a market.Anomaly) bool {
	if s.cfg.DedupWindow <= 0 {
		return false
	}
	key := a.Ticker + "|" + string(a.Kind)
	now := s.now()
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if last, ok := s.dedup[key]; ok && now.Sub(last) <= s.cfg.DedupWindow {
		return true
	}
	s.dedup[key] = now
	return false
}

func (s *Service) recordAnomalies(ctx context.Context, anomalies []market.Anomaly) []int64 {
	if s.store == nil {
		return nil
	}
	cycleID := logging.CycleIDFromContext(ctx)
	ids := make([]int64, 0, len(anomalies))
	for _, a := range anomalies {
		evidence, _ := json.Marshal(a)
		ts := a.DetectedAt
		if ts.IsZero() {
			ts = s.now()
		}
		id, err := s.store.InsertAnomaly(ctx, store.AnomalyRecord{
			TS:            ts.Unix(),
			Ticker:        a.Ticker,
			Kind:          string(a.Kind),
			PercentChange: a.PercentChange,
			Detail:        a.Detail,
			CycleID:       cycleID,
			EvidenceJSON:  string(evidence),
		})
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("ticker", a.Ticker).Msg("insert anomaly record failed")
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func digestTitle(anomalies []market.Anomaly) string {
	if len(anomalies) == 1 {
		return fmt.Sprintf("%s %s", anomalies[0].Ticker, kindLabel(anomalies[0].Kind))
	}
	return fmt.Sprintf("Quote anomalies (%d)", len(anomalies))
}

func kindLabel(k market.AnomalyKind) string {
	switch k {
	case market.AnomalySuspectedSplit:
		return "suspected split"
	case market.AnomalyPossibleHalt:
		return "possible halt"
	default:
		return string(k)
	}
}

// buildDigestMarkdown groups anomalies by kind, largest moves first.
func buildDigestMarkdown(anomalies []market.Anomaly) string {
	groups := make(map[market.AnomalyKind][]market.Anomaly)
	for _, a := range anomalies {
		groups[a.Kind] = append(groups[a.Kind], a)
	}
	kinds := make([]string, 0, len(groups))
	for k := range groups {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	var b strings.Builder
	for _, k := range kinds {
		items := groups[market.AnomalyKind(k)]
		sort.SliceStable(items, func(i, j int) bool {
			return math.Abs(items[i].PercentChange) > math.Abs(items[j].PercentChange)
		})
		b.WriteString("### ")
		b.WriteString(kindLabel(market.AnomalyKind(k)))
		b.WriteString("\n")
		for _, a := range items {
			fmt.Fprintf(&b, "- **%s** %+.2f%%", a.Ticker, a.PercentChange)
			if a.Detail != "" {
				b.WriteString("\n  ")
				b.WriteString(a.Detail)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
