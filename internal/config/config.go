// Package config loads canvass configuration from YAML or JSON5 files.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/skybet/canvass/pkg/prefs"
)

// Config is the root configuration for the canvass CLI and demo server.
type Config struct {
	Logging     LoggingConfig      `yaml:"logging,omitempty" json:"logging,omitempty"`
	Flags       FlagsConfig        `yaml:"flags,omitempty" json:"flags,omitempty"`
	Keys        prefs.Keys         `yaml:"keys,omitempty" json:"keys,omitempty"`
	Storage     StorageConfig      `yaml:"storage,omitempty" json:"storage,omitempty"`
	Provider    ProviderConfig     `yaml:"provider,omitempty" json:"provider,omitempty"`
	Metrics     MetricsConfig      `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Tracing     TracingConfig      `yaml:"tracing,omitempty" json:"tracing,omitempty"`
	Server      ServerConfig       `yaml:"server,omitempty" json:"server,omitempty"`
	Experiments []ExperimentConfig `yaml:"experiments,omitempty" json:"experiments,omitempty"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format         string   `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=json,enum=text"`
	AddSource      bool     `yaml:"add_source,omitempty" json:"add_source,omitempty"`
	RedactPatterns []string `yaml:"redact_patterns,omitempty" json:"redact_patterns,omitempty"`
}

// FlagsConfig forces visitor flags on for every visitor.
type FlagsConfig struct {
	Debug             bool `yaml:"debug,omitempty" json:"debug,omitempty"`
	DisableActivation bool `yaml:"disable_activation,omitempty" json:"disable_activation,omitempty"`
}

// Storage drivers.
const (
	DriverCookie   = "cookie"
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// StorageConfig selects where visitor preferences live.
type StorageConfig struct {
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty" jsonschema:"enum=cookie,enum=memory,enum=sqlite,enum=postgres,enum=redis"`
	// DSN is the database source for sqlite and postgres.
	DSN    string       `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Table  string       `yaml:"table,omitempty" json:"table,omitempty"`
	Redis  RedisConfig  `yaml:"redis,omitempty" json:"redis,omitempty"`
	Cookie CookieConfig `yaml:"cookie,omitempty" json:"cookie,omitempty"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password   string `yaml:"password,omitempty" json:"password,omitempty"`
	DB         int    `yaml:"db,omitempty" json:"db,omitempty"`
	Prefix     string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	TTLSeconds int    `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty"`
}

type CookieConfig struct {
	Path          string `yaml:"path,omitempty" json:"path,omitempty"`
	Domain        string `yaml:"domain,omitempty" json:"domain,omitempty"`
	MaxAgeSeconds int    `yaml:"max_age_seconds,omitempty" json:"max_age_seconds,omitempty"`
	Secure        bool   `yaml:"secure,omitempty" json:"secure,omitempty"`
}

// Provider types.
const (
	ProviderNone   = "none"
	ProviderRandom = "random"
	ProviderHash   = "hash"
	ProviderHTTP   = "http"
)

// ProviderConfig selects and configures the assignment provider.
type ProviderConfig struct {
	Type string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"enum=none,enum=random,enum=hash,enum=http"`

	// Seed fixes the random provider's sequence. Zero seeds from the clock.
	Seed int64 `yaml:"seed,omitempty" json:"seed,omitempty"`

	// Subject is the hash subject used outside of HTTP requests. The demo
	// server hashes the visitor id instead.
	Subject    string         `yaml:"subject,omitempty" json:"subject,omitempty"`
	Allocation int            `yaml:"allocation,omitempty" json:"allocation,omitempty" jsonschema:"minimum=0,maximum=100"`
	Weights    []WeightConfig `yaml:"weights,omitempty" json:"weights,omitempty"`

	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	TimeoutMs int    `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty" jsonschema:"minimum=0"`
	Retries   int    `yaml:"retries,omitempty" json:"retries,omitempty" jsonschema:"minimum=0"`
}

type WeightConfig struct {
	Group  string `yaml:"group" json:"group" jsonschema:"required"`
	Weight int    `yaml:"weight" json:"weight" jsonschema:"required,minimum=0"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

type TracingConfig struct {
	Enabled      bool              `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Endpoint     string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	ServiceName  string            `yaml:"service_name,omitempty" json:"service_name,omitempty"`
	Environment  string            `yaml:"environment,omitempty" json:"environment,omitempty"`
	SamplingRate float64           `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty" jsonschema:"minimum=0,maximum=1"`
	Insecure     bool              `yaml:"insecure,omitempty" json:"insecure,omitempty"`
	Attributes   map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

type ServerConfig struct {
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`
	// VisitorCookie names the cookie holding the visitor id.
	VisitorCookie     string `yaml:"visitor_cookie,omitempty" json:"visitor_cookie,omitempty"`
	ReadTimeoutMs     int    `yaml:"read_timeout_ms,omitempty" json:"read_timeout_ms,omitempty" jsonschema:"minimum=0"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms,omitempty" json:"shutdown_timeout_ms,omitempty" jsonschema:"minimum=0"`
	// RateLimit throttles /track and /events per visitor.
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty" jsonschema:"minimum=0"`
	Burst             int     `yaml:"burst,omitempty" json:"burst,omitempty" jsonschema:"minimum=0"`
}

// ExperimentConfig declares an experiment. Variant keys are group names.
type ExperimentConfig struct {
	ID          string          `yaml:"id" json:"id" jsonschema:"required,minLength=1"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Triggers    []TriggerConfig `yaml:"triggers" json:"triggers" jsonschema:"required,minItems=1"`
	Variants    map[string]any  `yaml:"variants" json:"variants" jsonschema:"required"`
}

// Trigger types.
const (
	TriggerPath     = "path"
	TriggerEvent    = "event"
	TriggerSchedule = "schedule"
	TriggerAlways   = "always"
)

type TriggerConfig struct {
	Type string `yaml:"type" json:"type" jsonschema:"required,enum=path,enum=event,enum=schedule,enum=always"`

	// Paths are path.Match patterns for path triggers.
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	// Event names the bus event for event triggers.
	Event string `yaml:"event,omitempty" json:"event,omitempty"`

	Cron     string `yaml:"cron,omitempty" json:"cron,omitempty"`
	At       string `yaml:"at,omitempty" json:"at,omitempty"`
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	cfg.Keys = cfg.Keys.WithDefaults()

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverCookie
	}
	if cfg.Storage.Cookie.Path == "" {
		cfg.Storage.Cookie.Path = "/"
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = "canvass"
	}

	if cfg.Provider.Type == "" {
		cfg.Provider.Type = ProviderRandom
	}
	if cfg.Provider.TimeoutMs == 0 {
		cfg.Provider.TimeoutMs = 2000
	}
	if cfg.Provider.Retries == 0 {
		cfg.Provider.Retries = 3
	}
	if cfg.Provider.Allocation == 0 {
		cfg.Provider.Allocation = 100
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "canvass"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.VisitorCookie == "" {
		cfg.Server.VisitorCookie = "canvassVisitor"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 10000
	}
	if cfg.Server.ShutdownTimeoutMs == 0 {
		cfg.Server.ShutdownTimeoutMs = 5000
	}
	if cfg.Server.RateLimit.Enabled && cfg.Server.RateLimit.RequestsPerSecond == 0 {
		cfg.Server.RateLimit.RequestsPerSecond = 5
	}
	if cfg.Server.RateLimit.Enabled && cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = 20
	}
}

// Validate checks constraints the schema cannot express. It reports every
// problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	case DriverRedis:
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for redis"))
		}
	case DriverCookie, DriverMemory, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}

	switch c.Provider.Type {
	case ProviderHTTP:
		if strings.TrimSpace(c.Provider.Endpoint) == "" {
			errs = append(errs, errors.New("provider.endpoint is required for http"))
		}
	case ProviderHash:
		total := 0
		for _, w := range c.Provider.Weights {
			total += w.Weight
		}
		if len(c.Provider.Weights) > 0 && total == 0 {
			errs = append(errs, errors.New("provider.weights must not all be zero"))
		}
	case ProviderNone, ProviderRandom:
	default:
		errs = append(errs, fmt.Errorf("provider.type %q is not supported", c.Provider.Type))
	}

	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}

	seen := make(map[string]bool, len(c.Experiments))
	for i, exp := range c.Experiments {
		prefix := fmt.Sprintf("experiments[%d]", i)
		if exp.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			prefix = fmt.Sprintf("experiments[%s]", exp.ID)
			if seen[exp.ID] {
				errs = append(errs, fmt.Errorf("%s: duplicate id", prefix))
			}
			seen[exp.ID] = true
		}
		if len(exp.Triggers) == 0 {
			errs = append(errs, fmt.Errorf("%s.triggers must not be empty", prefix))
		}
		if exp.Variants == nil {
			errs = append(errs, fmt.Errorf("%s.variants is required", prefix))
		}
		for j, trig := range exp.Triggers {
			if err := trig.validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s.triggers[%d]: %w", prefix, j, err))
			}
		}
	}

	return errors.Join(errs...)
}

func (t TriggerConfig) validate() error {
	switch t.Type {
	case TriggerPath:
		if len(t.Paths) == 0 {
			return errors.New("path trigger needs paths")
		}
	case TriggerEvent:
		if strings.TrimSpace(t.Event) == "" {
			return errors.New("event trigger needs event")
		}
	case TriggerSchedule:
		if (t.Cron == "") == (t.At == "") {
			return errors.New("schedule trigger needs exactly one of cron and at")
		}
	case TriggerAlways:
	default:
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}
	return nil
}
