package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Polygon   PolygonConfig   `yaml:"polygon"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Reference ReferenceConfig `yaml:"reference"`
	Cache     CacheConfig     `yaml:"cache"`
	Store     StoreConfig     `yaml:"store"`
	Alert     AlertConfig     `yaml:"alert"`
	Push      PushConfig      `yaml:"push"`
	Universe  UniverseConfig  `yaml:"universe"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"gt=0,lte=65535"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

type PolygonConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"required,url"`
	APIKey            string        `yaml:"api_key"`
	TimeoutMs         int           `yaml:"timeout_ms" validate:"gt=0"`
	MaxRetries        int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryDelayMs      int           `yaml:"retry_delay_ms" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MinRequests   uint32  `yaml:"min_requests" validate:"gt=0"`
	FailureRatio  float64 `yaml:"failure_ratio" validate:"gt=0,lte=1"`
	OpenTimeoutMs int     `yaml:"open_timeout_ms" validate:"gt=0"`
}

type RefreshConfig struct {
	IntervalSec       int     `yaml:"interval_sec" validate:"gte=0"`
	CycleTimeoutSec   int     `yaml:"cycle_timeout_sec" validate:"gte=0"`
	Groups            int     `yaml:"groups" validate:"gt=0"`
	BatchSize         int     `yaml:"batch_size" validate:"gt=0"`
	BatchDelayMs      int     `yaml:"batch_delay_ms" validate:"gte=0"`
	GroupDelayMs      int     `yaml:"group_delay_ms" validate:"gte=0"`
	PartialThreshold  float64 `yaml:"partial_threshold" validate:"gt=0,lte=1"`
	HaltWindowSec     int     `yaml:"halt_window_sec" validate:"gt=0"`
	SplitThresholdPct float64 `yaml:"split_threshold_pct" validate:"gt=0"`
}

type ReferenceConfig struct {
	TTLSec   int  `yaml:"ttl_sec" validate:"gt=0"`
	Capacity uint `yaml:"capacity" validate:"gt=0"`
}

type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig enables the shared cache tier when URL is set.
type RedisConfig struct {
	URL         string `yaml:"url" validate:"omitempty,url"`
	Prefix      string `yaml:"prefix"`
	TTLSec      int    `yaml:"ttl_sec" validate:"gt=0"`
	OpTimeoutMs int    `yaml:"op_timeout_ms" validate:"gt=0"`
}

type StoreConfig struct {
	Sqlite        SqliteConfig `yaml:"sqlite"`
	RetentionDays int          `yaml:"retention_days" validate:"gte=0"`
}

type SqliteConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type AlertConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Dedup     DedupConfig     `yaml:"dedup"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" validate:"gte=0"`
	Burst     int `yaml:"burst" validate:"gte=0"`
}

type DedupConfig struct {
	WindowSec int `yaml:"window_sec" validate:"gte=0"`
}

type PushConfig struct {
	Dingtalk DingtalkConfig `yaml:"dingtalk"`
}

type DingtalkConfig struct {
	Webhook   string `yaml:"webhook" validate:"omitempty,url"`
	Secret    string `yaml:"secret"`
	TimeoutMs int    `yaml:"timeout_ms" validate:"gt=0"`
}

type UniverseConfig struct {
	// Path to a universe YAML file; empty uses the embedded list.
	Path string `yaml:"path"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info", Format: "json"},
		Polygon: PolygonConfig{
			BaseURL:           "https://api.polygon.io",
			TimeoutMs:         10000,
			MaxRetries:        2,
			RetryDelayMs:      150,
			RequestsPerSecond: 50,
			Burst:             20,
			Breaker: BreakerConfig{
				MinRequests:   20,
				FailureRatio:  0.6,
				OpenTimeoutMs: 30000,
			},
		},
		Refresh: RefreshConfig{
			IntervalSec:       900,
			CycleTimeoutSec:   600,
			Groups:            4,
			BatchSize:         15,
			BatchDelayMs:      200,
			GroupDelayMs:      250,
			PartialThreshold:  0.9,
			HaltWindowSec:     120,
			SplitThresholdPct: 40,
		},
		Reference: ReferenceConfig{TTLSec: 86400, Capacity: 1024},
		Cache: CacheConfig{
			Redis: RedisConfig{Prefix: "premarket:", TTLSec: 300, OpTimeoutMs: 3000},
		},
		Store: StoreConfig{
			Sqlite:        SqliteConfig{Path: "data/premarket.db"},
			RetentionDays: 30,
		},
		Alert: AlertConfig{
			RateLimit: RateLimitConfig{PerMinute: 6, Burst: 2},
			Dedup:     DedupConfig{WindowSec: 3600},
		},
		Push: PushConfig{
			Dingtalk: DingtalkConfig{TimeoutMs: 5000},
		},
	}
}

// Load reads path on top of Default, applies env overrides and validates.
// A missing file is not an error; the defaults and env are used.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("invalid PORT: %q", v)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		cfg.Polygon.APIKey = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Redis.URL = v
	}
	if v := os.Getenv("DINGTALK_WEBHOOK"); v != "" {
		cfg.Push.Dingtalk.Webhook = v
	}
	if v := os.Getenv("DINGTALK_SECRET"); v != "" {
		cfg.Push.Dingtalk.Secret = v
	}
	return nil
}
