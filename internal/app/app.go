// Package app assembles canvass components from a config.Config: the
// preference store, the assignment provider, metrics, tracing and the
// experiments declared in the configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skybet/canvass/internal/config"
	"github.com/skybet/canvass/internal/observability"
	"github.com/skybet/canvass/internal/retry"
	"github.com/skybet/canvass/pkg/experiments"
	"github.com/skybet/canvass/pkg/prefs"
	"github.com/skybet/canvass/pkg/providers"
)

// Option customizes New.
type Option func(*options)

type options struct {
	logOutput  io.Writer
	registry   *prometheus.Registry
	httpClient *http.Client
}

// WithLogOutput sends logs to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithHTTPClient overrides the client of the http provider.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// App holds the long-lived components shared by every visitor.
type App struct {
	Config   *config.Config
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer

	// live holds the reloadable part of the configuration.
	live atomic.Pointer[config.Config]

	provider experiments.Provider
	// shared is the store for every driver except cookie, where each
	// request brings its own.
	shared  prefs.Store
	closers []func() error
}

// New builds an App. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         o.logOutput,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})

	a := &App{Config: cfg, Logger: logger}
	a.live.Store(cfg)

	a.Registry = o.registry
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
	}
	if cfg.Metrics.Enabled {
		a.Metrics = observability.NewMetrics(a.Registry)
	}

	if cfg.Tracing.Enabled {
		tracer, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Attributes:     cfg.Tracing.Attributes,
			Insecure:       cfg.Tracing.Insecure,
		})
		a.Tracer = tracer
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdown(shutdownCtx)
		})
	}

	shared, err := a.openStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.shared = shared

	provider, err := a.buildProvider(o.httpClient)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.provider = provider

	logger.Info(ctx, "canvass initialized",
		"storage", cfg.Storage.Driver,
		"provider", cfg.Provider.Type,
		"experiments", len(cfg.Experiments),
		"metrics", cfg.Metrics.Enabled,
		"tracing", cfg.Tracing.Enabled,
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (prefs.Store, error) {
	cfg := a.Config.Storage
	switch cfg.Driver {
	case config.DriverCookie:
		return nil, nil
	case config.DriverMemory:
		return prefs.NewMemoryStore(), nil
	case config.DriverSQLite, config.DriverPostgres:
		store, err := prefs.OpenSQL(ctx, prefs.SQLConfig{
			Dialect: prefs.Dialect(cfg.Driver),
			DSN:     cfg.DSN,
			Table:   cfg.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.DriverRedis:
		store, err := prefs.OpenRedis(ctx, prefs.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      time.Duration(cfg.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
	return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
}

func (a *App) buildProvider(client *http.Client) (experiments.Provider, error) {
	cfg := a.Config.Provider
	switch cfg.Type {
	case config.ProviderNone:
		return nil, nil
	case config.ProviderRandom:
		return providers.NewRandom(a.Logger, cfg.Seed), nil
	case config.ProviderHash:
		subject := cfg.Subject
		if subject == "" {
			subject = "anonymous"
		}
		weights := make([]providers.Weight, 0, len(cfg.Weights))
		for _, w := range cfg.Weights {
			weights = append(weights, providers.Weight{Group: experiments.Group(w.Group), Weight: w.Weight})
		}
		return providers.NewHash(providers.HashConfig{
			Subject:    subject,
			Allocation: cfg.Allocation,
			Weights:    weights,
		}, a.Logger)
	case config.ProviderHTTP:
		retryCfg := retry.DefaultConfig()
		retryCfg.MaxAttempts = cfg.Retries
		return providers.NewHTTP(providers.HTTPConfig{
			Endpoint:  cfg.Endpoint,
			VisitorID: cfg.Subject,
			Timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
			Retry:     retryCfg,
			Client:    client,
			Logger:    a.Logger,
			Tracer:    a.Tracer,
		})
	}
	return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
}

// Provider returns the provider for a visitor. Hash and HTTP providers are
// scoped to the visitor id; an empty id returns the configured provider.
func (a *App) Provider(visitorID string) experiments.Provider {
	if visitorID == "" {
		return a.provider
	}
	switch p := a.provider.(type) {
	case *providers.Hash:
		return p.WithSubject(visitorID)
	case *providers.HTTP:
		return p.WithVisitor(visitorID)
	}
	return a.provider
}

// Store returns the preference store for a visitor. With the cookie driver,
// w and r carry the preferences; other drivers share one store namespaced by
// visitor id.
func (a *App) Store(w http.ResponseWriter, r *http.Request, visitorID string) (prefs.Store, error) {
	var store prefs.Store
	switch s := a.shared.(type) {
	case nil:
		if w == nil || r == nil {
			return nil, errors.New("cookie storage needs an HTTP request")
		}
		c := a.Config.Storage.Cookie
		store = prefs.NewCookieStore(w, r, prefs.CookieOptions{
			Path:   c.Path,
			Domain: c.Domain,
			MaxAge: c.MaxAgeSeconds,
			Secure: c.Secure,
		})
	case *prefs.SQLStore:
		store = s.WithNamespace(visitorID)
	case *prefs.RedisStore:
		store = s.WithNamespace(visitorID)
	default:
		store = prefs.Namespaced(s, visitorID)
	}
	return prefs.Instrument(store, a.Config.Storage.Driver, a.Metrics), nil
}

// SessionStore returns the store for preview-mode state. With the cookie
// driver it writes session cookies, so an override ends with the browser
// session. Other drivers keep it in the durable store.
func (a *App) SessionStore(w http.ResponseWriter, r *http.Request, durable prefs.Store) prefs.Store {
	if a.shared != nil || w == nil || r == nil {
		return durable
	}
	c := a.Config.Storage.Cookie
	store := prefs.NewCookieStore(w, r, prefs.CookieOptions{
		Path:   c.Path,
		Domain: c.Domain,
		Secure: c.Secure,
	})
	return prefs.Instrument(store, a.Config.Storage.Driver, a.Metrics)
}

// Current returns the configuration sessions are built from.
func (a *App) Current() *config.Config {
	return a.live.Load()
}

// Reload swaps in the experiments, flags and keys of cfg. Storage, provider,
// metrics, tracing and server settings are fixed at startup; changes to them
// are logged and ignored.
func (a *App) Reload(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	for section, changed := range map[string]bool{
		"storage":  !reflect.DeepEqual(cfg.Storage, a.Config.Storage),
		"provider": !reflect.DeepEqual(cfg.Provider, a.Config.Provider),
		"metrics":  cfg.Metrics != a.Config.Metrics,
		"tracing":  !reflect.DeepEqual(cfg.Tracing, a.Config.Tracing),
		"server":   cfg.Server != a.Config.Server,
	} {
		if changed {
			a.Logger.Warn(ctx, "config change needs a restart", "section", section)
		}
	}

	next := *a.Config
	next.Experiments = cfg.Experiments
	next.Flags = cfg.Flags
	next.Keys = cfg.Keys
	next.Logging = cfg.Logging
	a.live.Store(&next)
	a.Logger.SetLevel(cfg.Logging.Level)
	a.Logger.Info(ctx, "configuration reloaded", "experiments", len(next.Experiments))
}

// Close releases stores and flushes traces.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
