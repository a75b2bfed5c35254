package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/skybet/canvass/internal/config"
	"github.com/skybet/canvass/pkg/events"
	"github.com/skybet/canvass/pkg/experiments"
	"github.com/skybet/canvass/pkg/prefs"
	"github.com/skybet/canvass/pkg/triggers"
)

// Version is set at build time.
var Version = "dev"

// Visit describes one page view.
type Visit struct {
	VisitorID string
	// Path is the page path, seen by path triggers.
	Path string
	// Query is the raw query string, seen by the preview mode resolver.
	Query string
	// Store holds the visitor's preferences. SessionStore defaults to it.
	Store        prefs.Store
	SessionStore prefs.Store
}

// Session is a manager with the configured experiments registered for one
// visitor, plus handles on the triggers that page code drives.
type Session struct {
	Manager *experiments.Manager
	// Bus carries page events such as button clicks to event triggers.
	Bus *events.Bus

	paths     []*triggers.Path
	listeners []*triggers.Event
	schedules []*triggers.Schedule
}

// NewSession creates a manager for visit and registers every configured
// experiment with fresh triggers.
func (a *App) NewSession(ctx context.Context, visit Visit) (*Session, error) {
	cfg := a.Current()
	manager, err := experiments.NewManager(ctx, experiments.Options{
		Provider:          a.Provider(visit.VisitorID),
		ProviderName:      a.Config.Provider.Type,
		Store:             visit.Store,
		SessionStore:      visit.SessionStore,
		Query:             visit.Query,
		Keys:              cfg.Keys,
		Debug:             cfg.Flags.Debug,
		DisableActivation: cfg.Flags.DisableActivation,
		Logger:            a.Logger.WithFields("visitor", visit.VisitorID),
		Metrics:           a.Metrics,
		Tracer:            a.Tracer,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{Manager: manager, Bus: events.New()}
	for _, expCfg := range cfg.Experiments {
		exp, err := s.buildExperiment(expCfg, visit.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		// Provider and listener errors surface here; the experiment is
		// registered either way.
		if err := manager.AddExperiment(exp); err != nil {
			if errors.Is(err, experiments.ErrAlreadyRegistered) {
				s.Close()
				return nil, err
			}
			a.Logger.Warn(ctx, "experiment activation failed", "experiment", exp.ID(), "error", err)
		}
	}
	return s, nil
}

func (s *Session) buildExperiment(cfg config.ExperimentConfig, path string) (*experiments.Experiment, error) {
	trigs := make([]experiments.Trigger, 0, len(cfg.Triggers))
	for i, tc := range cfg.Triggers {
		trig, err := s.buildTrigger(tc, path)
		if err != nil {
			return nil, fmt.Errorf("experiment %s trigger %d: %w", cfg.ID, i, err)
		}
		trigs = append(trigs, trig)
	}

	variants := make(map[experiments.Group]any, len(cfg.Variants))
	for group, payload := range cfg.Variants {
		variants[experiments.Group(group)] = payload
	}
	return experiments.New(cfg.ID, trigs, variants)
}

func (s *Session) buildTrigger(cfg config.TriggerConfig, path string) (experiments.Trigger, error) {
	switch cfg.Type {
	case config.TriggerPath:
		t, err := triggers.NewPath(path, cfg.Paths...)
		if err != nil {
			return nil, err
		}
		s.paths = append(s.paths, t)
		return t, nil
	case config.TriggerEvent:
		t, err := triggers.NewEvent(s.Bus, cfg.Event)
		if err != nil {
			return nil, err
		}
		s.listeners = append(s.listeners, t)
		return t, nil
	case config.TriggerSchedule:
		t, err := triggers.NewSchedule(triggers.ScheduleConfig{Cron: cfg.Cron, At: cfg.At, Timezone: cfg.Timezone})
		if err != nil {
			return nil, err
		}
		s.schedules = append(s.schedules, t)
		return t, nil
	case config.TriggerAlways:
		return triggers.NewAlways(), nil
	}
	return nil, fmt.Errorf("unknown trigger type %q", cfg.Type)
}

// Navigate moves every path trigger to path.
func (s *Session) Navigate(path string) error {
	var errs []error
	for _, t := range s.paths {
		if err := t.Navigate(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes a page event to event triggers.
func (s *Session) Emit(event string, args ...any) error {
	return s.Bus.Emit(event, args...)
}

// Variant returns the payload of the visitor's group for experiment id. It
// reports false until the experiment is ACTIVE.
func (s *Session) Variant(id string) (any, bool) {
	exp, err := s.Manager.GetExperiment(id)
	if err != nil {
		return nil, false
	}
	if exp.Status() == experiments.StatusActive {
		if v, err := exp.Variant(); err == nil {
			return v, true
		}
	}
	return nil, false
}

// Close stops schedule timers and unsubscribes event triggers.
func (s *Session) Close() {
	for _, t := range s.schedules {
		t.Stop()
	}
	for _, t := range s.listeners {
		t.Close()
	}
}
