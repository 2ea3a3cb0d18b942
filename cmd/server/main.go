package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"

	"premarket-tracker/internal/alert"
	"premarket-tracker/internal/api"
	"premarket-tracker/internal/cachetier"
	"premarket-tracker/internal/config"
	"premarket-tracker/internal/logging"
	"premarket-tracker/internal/market"
	"premarket-tracker/internal/push/dingtalk"
	"premarket-tracker/internal/store"
	"premarket-tracker/internal/supervisor"
	"premarket-tracker/internal/supervisor/services"
	"premarket-tracker/internal/universe"
)

func ms(v int) time.Duration  { return time.Duration(v) * time.Millisecond }
func sec(v int) time.Duration { return time.Duration(v) * time.Second }

func main() {
	configPath := flag.String("config", "configs/app.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logging.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if cfg.Polygon.APIKey == "" {
		logging.Warn().Msg("POLYGON_API_KEY is empty, vendor calls will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Sqlite.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Warn().Err(err).Msg("store close failed")
		}
	}()

	uni, err := universe.Load(cfg.Universe.Path)
	if err != nil {
		return fmt.Errorf("universe: %w", err)
	}

	polygon := market.NewPolygonClient(market.PolygonConfig{
		BaseURL:           cfg.Polygon.BaseURL,
		APIKey:            cfg.Polygon.APIKey,
		Timeout:           ms(cfg.Polygon.TimeoutMs),
		MaxRetries:        cfg.Polygon.MaxRetries,
		RetryDelay:        ms(cfg.Polygon.RetryDelayMs),
		RequestsPerSecond: cfg.Polygon.RequestsPerSecond,
		Burst:             cfg.Polygon.Burst,
		Breaker: market.BreakerConfig{
			MinRequests:  cfg.Polygon.Breaker.MinRequests,
			FailureRatio: cfg.Polygon.Breaker.FailureRatio,
			OpenTimeout:  ms(cfg.Polygon.Breaker.OpenTimeoutMs),
		},
	})
	vendor := market.NewReferenceCache(polygon, cfg.Reference.Capacity, sec(cfg.Reference.TTLSec))

	reconciler := market.NewReconciler(market.ReconcilerConfig{
		SplitThresholdPct: cfg.Refresh.SplitThresholdPct,
		HaltWindow:        sec(cfg.Refresh.HaltWindowSec),
		FallbackShares:    uni.Shares(),
		CompanyNames:      uni.Names(),
	})
	refresher := market.NewRefresher(uni.Tickers(), market.NewAdapter(vendor), reconciler, market.RefreshConfig{
		Groups:     cfg.Refresh.Groups,
		BatchSize:  cfg.Refresh.BatchSize,
		BatchDelay: ms(cfg.Refresh.BatchDelayMs),
		GroupDelay: ms(cfg.Refresh.GroupDelayMs),
	})

	var tier market.ExternalCache
	if cfg.Cache.Redis.URL != "" {
		rt, err := cachetier.New(cfg.Cache.Redis.URL, cfg.Cache.Redis.Prefix, sec(cfg.Cache.Redis.TTLSec))
		if err != nil {
			return fmt.Errorf("cache tier: %w", err)
		}
		defer rt.Close()
		pingCtx, cancel := context.WithTimeout(ctx, ms(cfg.Cache.Redis.OpTimeoutMs))
		if err := rt.Ping(pingCtx); err != nil {
			logging.Warn().Err(err).Msg("cache tier unreachable at startup, reads fall back to memory")
		}
		cancel()
		tier = rt
	}

	var notifier alert.Notifier
	dt := dingtalk.NewClient(cfg.Push.Dingtalk.Webhook, cfg.Push.Dingtalk.Secret, ms(cfg.Push.Dingtalk.TimeoutMs))
	if dt.Configured() {
		notifier = dt
	}
	alertSvc := alert.NewService(notifier, st, alert.Config{
		RateLimit: alert.RateLimitConfig{
			PerMinute: cfg.Alert.RateLimit.PerMinute,
			Burst:     cfg.Alert.RateLimit.Burst,
		},
		DedupWindow: sec(cfg.Alert.Dedup.WindowSec),
	})

	quotes := market.NewService(refresher, tier, st, alertSvc, market.ServiceConfig{
		PartialThreshold: cfg.Refresh.PartialThreshold,
		CycleTimeout:     sec(cfg.Refresh.CycleTimeoutSec),
		TierTimeout:      ms(cfg.Cache.Redis.OpTimeoutMs),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	newServer := func() services.HTTPServer {
		h := server.Default(server.WithHostPorts(addr))
		api.RegisterRoutes(h, quotes, st)
		return h
	}

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	if cfg.Refresh.IntervalSec > 0 {
		tree.AddRefreshService(services.NewRefreshSchedulerService(quotes, sec(cfg.Refresh.IntervalSec)))
	}
	tree.AddRefreshService(services.NewRetentionService(st, time.Duration(cfg.Store.RetentionDays)*24*time.Hour, 24*time.Hour))
	tree.AddAPIService(services.NewHTTPServerService(newServer, 10*time.Second))

	logging.Info().
		Str("addr", addr).
		Int("symbols", len(uni.Tickers())).
		Bool("cache_tier", tier != nil).
		Bool("push", notifier != nil).
		Msg("server starting")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	logging.Info().Msg("server stopped")
	return nil
}
