// Package config provides YAML-based configuration for signalbus.
// Supports validation, defaults, env overrides and config-declared routes
// and subscriptions.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/sureshkrishnan-v/signalbus/internal/api"
	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/consumer"
	"github.com/sureshkrishnan-v/signalbus/internal/dispatch"
	"github.com/sureshkrishnan-v/signalbus/internal/export"
	"github.com/sureshkrishnan-v/signalbus/internal/router"
	"github.com/sureshkrishnan-v/signalbus/internal/storage"
	"github.com/sureshkrishnan-v/signalbus/internal/subscription"
)

// Config is the top-level configuration for signalbus.
type Config struct {
	LogLevel      string               `yaml:"log_level"`
	Bus           BusConfig            `yaml:"bus"`
	Durable       DurableConfig        `yaml:"durable"`
	Routes        []RouteConfig        `yaml:"routes"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Storage       StorageConfig        `yaml:"storage"`
	NATS          NATSConfig           `yaml:"nats"`
	API           APIConfig            `yaml:"api"`
	Metrics       MetricsConfig        `yaml:"metrics"`
}

// BusConfig holds the bus tuning parameters.
type BusConfig struct {
	Name              string        `yaml:"name"`
	MaxLogSize        int           `yaml:"max_log_size"`
	LogTTL            time.Duration `yaml:"log_ttl"`
	Partitions        int           `yaml:"partitions"`
	PartitionMailbox  int           `yaml:"partition_mailbox"`
	RateLimit         float64       `yaml:"rate_limit"`
	Burst             int           `yaml:"burst"`
	MiddlewareTimeout time.Duration `yaml:"middleware_timeout"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	RouteCache        bool          `yaml:"route_cache"`
	LogSignals        bool          `yaml:"log_signals"`
}

// DurableConfig holds the defaults for persistent subscriptions declared
// in the config file.
type DurableConfig struct {
	MaxInFlight   int           `yaml:"max_in_flight"`
	MaxPending    int           `yaml:"max_pending"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// RouteConfig declares a route.
type RouteConfig struct {
	Path     string        `yaml:"path"`
	Priority int           `yaml:"priority"`
	Match    string        `yaml:"match"`
	Target   dispatch.Spec `yaml:"target"`
}

// SubscriptionConfig declares a subscription created at startup.
type SubscriptionConfig struct {
	ID         string        `yaml:"id"`
	Path       string        `yaml:"path"`
	Target     dispatch.Spec `yaml:"target"`
	Persistent bool          `yaml:"persistent"`
	Start      string        `yaml:"start"`
}

// StorageConfig selects the checkpoint backend and the optional
// ClickHouse dead-letter archive.
type StorageConfig struct {
	Driver     string                   `yaml:"driver"`
	Redis      storage.RedisConfig      `yaml:"redis"`
	Pebble     storage.PebbleConfig     `yaml:"pebble"`
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
}

// NATSConfig holds the NATS publisher and ingest consumer settings.
type NATSConfig struct {
	Enabled           bool `yaml:"enabled"`
	export.NATSConfig `yaml:",inline"`
	Ingest            IngestConfig `yaml:"ingest"`
}

// IngestConfig holds the JetStream ingest consumer settings.
type IngestConfig struct {
	Enabled         bool `yaml:"enabled"`
	consumer.Config `yaml:",inline"`
}

// APIConfig holds the HTTP API settings.
type APIConfig struct {
	Enabled    bool `yaml:"enabled"`
	api.Config `yaml:",inline"`
}

// MetricsConfig holds the Prometheus exporter settings.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// Default returns a Config with sensible production defaults.
func Default() *Config {
	return &Config{
		LogLevel: constants.DefaultLogLevel,
		Bus: BusConfig{
			Name:              constants.DefaultBusName,
			MaxLogSize:        constants.DefaultMaxLogSize,
			Partitions:        constants.DefaultPartitionCount,
			PartitionMailbox:  constants.DefaultPartitionMailbox,
			RateLimit:         constants.DefaultRateLimitPerSec,
			Burst:             constants.DefaultBurstSize,
			MiddlewareTimeout: constants.DefaultMiddlewareTimeout,
			CallTimeout:       constants.DefaultCallTimeout,
		},
		Durable: DurableConfig{
			MaxInFlight:   constants.DefaultMaxInFlight,
			MaxPending:    constants.DefaultMaxPending,
			MaxAttempts:   constants.DefaultMaxAttempts,
			RetryInterval: constants.DefaultRetryInterval,
		},
		Storage: StorageConfig{
			Driver:     constants.StorageMemory,
			Redis:      storage.DefaultRedisConfig(),
			Pebble:     storage.DefaultPebbleConfig(),
			ClickHouse: storage.DefaultClickHouseConfig(),
		},
		NATS: NATSConfig{
			NATSConfig: export.DefaultNATSConfig(),
			Ingest:     IngestConfig{Config: consumer.DefaultConfig()},
		},
		API: APIConfig{Enabled: true, Config: api.DefaultConfig()},
		Metrics: MetricsConfig{
			Enabled:         true,
			Addr:            constants.DefaultMetricsAddr,
			CollectInterval: constants.StatsCollectInterval,
		},
	}
}

// Load reads a YAML config file and merges with defaults.
// If the file doesn't exist, returns defaults.
// Environment variables override: SIGNALBUS_METRICS_ADDR, SIGNALBUS_API_ADDR,
// SIGNALBUS_LOG_LEVEL, SIGNALBUS_REDIS_ADDR, SIGNALBUS_NATS_URL, SIGNALBUS_JWT_SECRET.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides allows environment variables to override config values.
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv(constants.EnvMetricsAddr); addr != "" {
		c.Metrics.Addr = addr
	}
	if addr := os.Getenv(constants.EnvAPIAddr); addr != "" {
		c.API.Addr = addr
	}
	if level := os.Getenv(constants.EnvLogLevel); level != "" {
		c.LogLevel = level
	}
	if addr := os.Getenv(constants.EnvRedisAddr); addr != "" {
		c.Storage.Redis.Addr = addr
	}
	if url := os.Getenv(constants.EnvNATSURL); url != "" {
		c.NATS.URL = url
		c.NATS.Ingest.NATSURL = url
	}
	if secret := os.Getenv(constants.EnvJWTSecret); secret != "" {
		c.API.JWTSecret = secret
	}
}

// Validate checks the config for logical errors and reports all of them.
func (c *Config) Validate() error {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		fail("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}

	if c.Bus.Name == "" {
		fail("bus.name is required")
	}
	if c.Bus.MaxLogSize < 0 {
		fail("bus.max_log_size must be >= 0")
	}
	if c.Bus.LogTTL < 0 {
		fail("bus.log_ttl must be >= 0")
	}
	if c.Bus.Partitions < 1 {
		fail("bus.partitions must be >= 1")
	}
	if c.Bus.PartitionMailbox < 1 {
		fail("bus.partition_mailbox must be >= 1")
	}
	if c.Bus.RateLimit < 0 {
		fail("bus.rate_limit must be >= 0")
	}
	if c.Bus.RateLimit > 0 && c.Bus.Burst < 1 {
		fail("bus.burst must be >= 1 when rate_limit is set")
	}

	if c.Durable.MaxInFlight < 1 {
		fail("durable.max_in_flight must be >= 1")
	}
	if c.Durable.MaxPending < 0 {
		fail("durable.max_pending must be >= 0")
	}
	if c.Durable.MaxAttempts < 1 {
		fail("durable.max_attempts must be >= 1")
	}
	if c.Durable.RetryInterval <= 0 {
		fail("durable.retry_interval must be > 0")
	}

	for i, rc := range c.Routes {
		if _, err := rc.Route(); err != nil {
			fail("routes[%d]: %w", i, err)
		}
	}
	seen := make(map[string]bool, len(c.Subscriptions))
	for i, sc := range c.Subscriptions {
		if sc.ID == "" {
			fail("subscriptions[%d].id is required", i)
		} else if seen[sc.ID] {
			fail("subscriptions[%d]: duplicate id %q", i, sc.ID)
		}
		seen[sc.ID] = true
		if _, err := router.ValidatePath(sc.Path); err != nil {
			fail("subscriptions[%d]: %w", i, err)
		}
		if _, err := sc.Target.Target(); err != nil {
			fail("subscriptions[%d]: %w", i, err)
		}
	}

	switch c.Storage.Driver {
	case constants.StorageMemory:
	case constants.StorageRedis:
		if c.Storage.Redis.Addr == "" {
			fail("storage.redis.addr is required")
		}
	case constants.StoragePebble:
		if c.Storage.Pebble.DataDir == "" {
			fail("storage.pebble.data_dir is required")
		}
	default:
		fail("storage.driver %q must be one of memory, redis, pebble", c.Storage.Driver)
	}
	if c.Storage.ClickHouse.Enabled && c.Storage.ClickHouse.DSN == "" {
		fail("storage.clickhouse.dsn is required")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		fail("nats.url is required")
	}
	if c.NATS.Ingest.Enabled {
		if c.NATS.Ingest.NATSURL == "" {
			fail("nats.ingest.nats_url is required")
		}
		if c.NATS.Ingest.Subject == "" {
			fail("nats.ingest.subject is required")
		}
		if c.NATS.Ingest.BatchSize < 1 {
			fail("nats.ingest.batch_size must be >= 1")
		}
	}
	if c.usesNATSTargets() && !c.NATS.Enabled {
		fail("nats targets are declared but nats.enabled is false")
	}

	if c.API.Enabled && c.API.Addr == "" {
		fail("api.addr is required")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		fail("metrics.addr is required")
	}

	return errs
}

func (c *Config) usesNATSTargets() bool {
	for _, rc := range c.Routes {
		if rc.Target.Kind == dispatch.KindNATS {
			return true
		}
	}
	for _, sc := range c.Subscriptions {
		if sc.Target.Kind == dispatch.KindNATS {
			return true
		}
	}
	return false
}

// Route compiles the declared route, including its CEL match expression.
func (rc RouteConfig) Route() (router.Route, error) {
	target, err := rc.Target.Target()
	if err != nil {
		return router.Route{}, err
	}
	r := router.Route{Path: rc.Path, Priority: rc.Priority, Target: target}
	if rc.Match != "" {
		if r.Match, err = router.CompileMatch(rc.Match); err != nil {
			return router.Route{}, err
		}
	}
	if err := router.Validate(r); err != nil {
		return router.Route{}, err
	}
	return r, nil
}

// BuildRoutes compiles every declared route.
func (c *Config) BuildRoutes() ([]router.Route, error) {
	routes := make([]router.Route, 0, len(c.Routes))
	for i, rc := range c.Routes {
		r, err := rc.Route()
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// Options returns the subscription options, with durable limits taken
// from d.
func (sc SubscriptionConfig) Options(d DurableConfig) []subscription.Option {
	opts := []subscription.Option{
		subscription.WithStart(subscription.ParseStart(sc.Start)),
		subscription.WithMaxInFlight(d.MaxInFlight),
		subscription.WithMaxPending(d.MaxPending),
		subscription.WithMaxAttempts(d.MaxAttempts),
		subscription.WithRetryInterval(d.RetryInterval),
	}
	if sc.Persistent {
		opts = append(opts, subscription.Persistent())
	}
	return opts
}
