// Package config loads server configuration from an optional YAML file and
// the environment, and watches the file for fee schedule changes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/events"
	"github.com/atmx/position-engine/internal/risk"
	"github.com/atmx/position-engine/internal/settlement"
	"github.com/atmx/position-engine/internal/telemetry"
)

// Config holds all server configuration.
type Config struct {
	Server     ServerConfig       `mapstructure:"server"`
	Storage    StorageConfig      `mapstructure:"storage"`
	Cache      CacheConfig        `mapstructure:"cache"`
	Kafka      events.KafkaConfig `mapstructure:"kafka"`
	Nats       events.NatsConfig  `mapstructure:"nats"`
	Tracing    telemetry.Config   `mapstructure:"tracing"`
	Fees       FeeConfig          `mapstructure:"fees"`
	Risk       RiskConfig         `mapstructure:"risk"`
	Simulation SimulationConfig   `mapstructure:"simulation"`
	Events     []event.Event      `mapstructure:"events"`
}

type ServerConfig struct {
	Port               string        `mapstructure:"port"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	SessionReapEvery   time.Duration `mapstructure:"session_reap_every"`
}

// StorageConfig selects the durable store: Postgres when DatabaseURL is
// set, else SQLite when SQLitePath is set, else none.
type StorageConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	SQLitePath  string `mapstructure:"sqlite_path"`
}

type CacheConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type FeeConfig struct {
	TradingFeeRate       decimal.Decimal `mapstructure:"trading_fee_rate"`
	FundingRatePerPeriod decimal.Decimal `mapstructure:"funding_rate_per_period"`
	FundingPeriod        time.Duration   `mapstructure:"funding_period"`
}

// Schedule converts the section into a settlement fee schedule.
func (f FeeConfig) Schedule() settlement.FeeSchedule {
	return settlement.FeeSchedule{
		TradingFeeRate:       f.TradingFeeRate,
		FundingRatePerPeriod: f.FundingRatePerPeriod,
		FundingPeriod:        f.FundingPeriod,
	}
}

type RiskConfig struct {
	StartingBalance   decimal.Decimal `mapstructure:"starting_balance"`
	MaxLeverage       int             `mapstructure:"max_leverage"`
	MaxPerOption      decimal.Decimal `mapstructure:"max_per_option"`
	MaxPerEvent       decimal.Decimal `mapstructure:"max_per_event"`
	LiquidationBuffer decimal.Decimal `mapstructure:"liquidation_buffer"`
}

// Limits returns the exposure limits of the section.
func (r RiskConfig) Limits() risk.Limits {
	return risk.Limits{MaxPerOption: r.MaxPerOption, MaxPerEvent: r.MaxPerEvent}
}

type SimulationConfig struct {
	Enabled       bool            `mapstructure:"enabled"`
	Seed          int64           `mapstructure:"seed"`
	TickInterval  time.Duration   `mapstructure:"tick_interval"`
	FillInterval  time.Duration   `mapstructure:"fill_interval"`
	DepthInterval time.Duration   `mapstructure:"depth_interval"`
	PartialFills  bool            `mapstructure:"partial_fills"`
	Liquidity     float64         `mapstructure:"liquidity"`
	MaxTrade      float64         `mapstructure:"max_trade"`
	PriceScale    int32           `mapstructure:"price_scale"`
	PriceBuffer   int             `mapstructure:"price_buffer"`
	DepthLevels   int             `mapstructure:"depth_levels"`
	TickSize      decimal.Decimal `mapstructure:"tick_size"`
	MaxDepthQty   int64           `mapstructure:"max_depth_qty"`
}

var defaults = map[string]any{
	"server.port":                  "8080",
	"server.request_timeout":       "30s",
	"server.shutdown_timeout":      "5s",
	"server.session_idle_timeout":  "30m",
	"server.session_reap_every":    "1m",
	"cache.ttl":                    "30s",
	"kafka.topic":                  "position-engine.events",
	"kafka.max_attempts":           5,
	"kafka.retry_backoff_ms":       500,
	"nats.subject_prefix":          "posengine.events",
	"tracing.enabled":              false,
	"tracing.endpoint":             "localhost:4317",
	"tracing.service_name":         "position-engine",
	"tracing.sample_ratio":         1.0,
	"fees.trading_fee_rate":        "0.001",
	"fees.funding_rate_per_period": "0.0001",
	"fees.funding_period":          "8h",
	"risk.starting_balance":        "10000",
	"risk.max_leverage":            100,
	"risk.max_per_option":          "50000",
	"risk.max_per_event":           "100000",
	"risk.liquidation_buffer":      "0.1",
	"simulation.enabled":           true,
	"simulation.tick_interval":     "1s",
	"simulation.fill_interval":     "500ms",
	"simulation.depth_interval":    "2s",
	"simulation.liquidity":         100.0,
	"simulation.max_trade":         10.0,
	"simulation.price_scale":       3,
	"simulation.price_buffer":      64,
	"simulation.depth_levels":      10,
	"simulation.tick_size":         "0.001",
	"simulation.max_depth_qty":     5000,
}

// envBindings maps conventional deployment variables onto config keys.
// Every other key is also reachable as POSENGINE_<SECTION>_<KEY>.
var envBindings = map[string]string{
	"server.port":          "PORT",
	"storage.database_url": "DATABASE_URL",
	"storage.sqlite_path":  "SQLITE_PATH",
	"cache.redis_url":      "REDIS_URL",
	"kafka.brokers":        "KAFKA_BROKERS",
	"kafka.topic":          "KAFKA_TOPIC",
	"nats.url":             "NATS_URL",
	"tracing.endpoint":     "OTEL_EXPORTER_OTLP_ENDPOINT",
	"tracing.environment":  "ENVIRONMENT",
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes YAML numbers and strings into decimal.Decimal.
func decimalHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	}
	return nil, fmt.Errorf("config: cannot decode %s into decimal", from)
}

func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("POSENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultEvents()
	}
	return cfg, cfg.Validate()
}

// Load reads the configuration. An empty path reads defaults and the
// environment only.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	return decode(v)
}

// Validate rejects settings no component could run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Server.SessionIdleTimeout <= 0 || c.Server.SessionReapEvery <= 0 {
		errs = append(errs, errors.New("server session idle timeout and reap interval must be positive"))
	}
	if c.Fees.TradingFeeRate.IsNegative() || c.Fees.FundingRatePerPeriod.IsNegative() {
		errs = append(errs, errors.New("fees must not be negative"))
	}
	if c.Fees.FundingPeriod <= 0 {
		errs = append(errs, errors.New("fees.funding_period must be positive"))
	}
	if !c.Risk.StartingBalance.IsPositive() {
		errs = append(errs, errors.New("risk.starting_balance must be positive"))
	}
	if c.Risk.MaxLeverage < 1 {
		errs = append(errs, fmt.Errorf("risk.max_leverage must be >= 1, got %d", c.Risk.MaxLeverage))
	}
	if c.Risk.LiquidationBuffer.IsNegative() || c.Risk.LiquidationBuffer.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("risk.liquidation_buffer must be in [0, 1)"))
	}
	if c.Simulation.TickInterval <= 0 || c.Simulation.FillInterval <= 0 || c.Simulation.DepthInterval <= 0 {
		errs = append(errs, errors.New("simulation intervals must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be in [0, 1]"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Watcher reloads the configuration file when it changes and hands every
// valid reload to its listeners. Invalid reloads are logged and ignored.
type Watcher struct {
	v *viper.Viper

	mu        sync.RWMutex
	current   Config
	listeners []func(Config)
}

// Watch loads path and starts watching it.
func Watch(path string) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config: watch requires a file path")
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	w := &Watcher{v: v, current: cfg}
	v.OnConfigChange(func(evt fsnotify.Event) {
		w.reload(evt.Name)
	})
	v.WatchConfig()
	return w, nil
}

func (w *Watcher) reload(name string) {
	cfg, err := decode(w.v)
	if err != nil {
		slog.Error("config reload failed", "file", name, "err", err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	listeners := append([]func(Config){}, w.listeners...)
	w.mu.Unlock()
	slog.Info("config reloaded", "file", name)
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Config returns the latest valid configuration.
func (w *Watcher) Config() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn for every later valid reload.
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// DefaultEvents is the catalog served when none is configured: one binary
// event and one multi-outcome event.
func DefaultEvents() []event.Event {
	p := decimal.RequireFromString
	return []event.Event{
		{
			ID:    "fed-cut-2026",
			Title: "Fed cuts rates at the next meeting",
			Options: []event.Option{
				{ID: "fed-cut-2026-yes", Label: "Yes", StaticPrice: p("0.62")},
				{ID: "fed-cut-2026-no", Label: "No", StaticPrice: p("0.38")},
			},
		},
		{
			ID:    "world-cup-2026",
			Title: "World Cup 2026 winner",
			Options: []event.Option{
				{ID: "world-cup-2026-brazil", Label: "Brazil", StaticPrice: p("0.22")},
				{ID: "world-cup-2026-france", Label: "France", StaticPrice: p("0.2")},
				{ID: "world-cup-2026-argentina", Label: "Argentina", StaticPrice: p("0.18")},
				{ID: "world-cup-2026-field", Label: "Field", StaticPrice: p("0.4")},
			},
		},
	}
}
