package triggers

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skybet/canvass/pkg/experiments"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ScheduleConfig selects when a Schedule trigger starts holding. Exactly one
// of Cron and At is set.
type ScheduleConfig struct {
	// Cron is a cron expression; the trigger holds from the first tick after
	// Setup onwards.
	Cron string `yaml:"cron,omitempty" json:"cron,omitempty"`
	// At is an RFC 3339 timestamp.
	At string `yaml:"at,omitempty" json:"at,omitempty"`
	// Timezone applies to Cron. Defaults to the clock's location.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// ScheduleOption customizes a Schedule.
type ScheduleOption func(*Schedule)

// WithClock replaces time.Now. Timers still run on the wall clock.
func WithClock(now func() time.Time) ScheduleOption {
	return func(s *Schedule) { s.now = now }
}

// Schedule holds once its due time has passed. Setup computes the due time
// and arms a timer that checks the trigger when it is reached.
type Schedule struct {
	experiments.BaseTrigger

	name     string
	schedule cron.Schedule
	at       time.Time
	loc      *time.Location
	now      func() time.Time

	mu    sync.Mutex
	due   time.Time
	timer *time.Timer
}

// NewSchedule parses cfg.
func NewSchedule(cfg ScheduleConfig, opts ...ScheduleOption) (*Schedule, error) {
	expr := strings.TrimSpace(cfg.Cron)
	at := strings.TrimSpace(cfg.At)
	if (expr == "") == (at == "") {
		return nil, errors.New("schedule trigger: exactly one of cron and at is required")
	}

	s := &Schedule{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("schedule trigger: invalid timezone %q: %w", tz, err)
		}
		s.loc = loc
	}

	if expr != "" {
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("schedule trigger: invalid cron expression: %w", err)
		}
		s.schedule = sched
		s.name = "schedule(" + expr + ")"
		return s, nil
	}

	parsed, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return nil, fmt.Errorf("schedule trigger: invalid at timestamp: %w", err)
	}
	s.at = parsed
	s.name = "schedule(at " + parsed.Format(time.RFC3339) + ")"
	return s, nil
}

func (s *Schedule) Name() string { return s.name }

// Due returns the time the trigger starts holding, zero before Setup.
func (s *Schedule) Due() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due
}

// Setup fixes the due time and arms the timer. An already due schedule is
// checked immediately.
func (s *Schedule) Setup() error {
	now := s.now()
	due := s.at
	if s.schedule != nil {
		from := now
		if s.loc != nil {
			from = now.In(s.loc)
		}
		due = s.schedule.Next(from)
		if due.IsZero() {
			return fmt.Errorf("%s: schedule never fires", s.name)
		}
	}

	s.mu.Lock()
	s.due = due
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	wait := due.Sub(now)
	if wait > 0 {
		s.timer = time.AfterFunc(wait, func() { _ = s.Check() })
	}
	s.mu.Unlock()

	if wait <= 0 {
		return s.Check()
	}
	return nil
}

func (s *Schedule) IsTriggered() bool {
	s.mu.Lock()
	due := s.due
	s.mu.Unlock()
	if due.IsZero() {
		return false
	}
	return !s.now().Before(due)
}

// Check emits EventTriggered when the schedule is due.
func (s *Schedule) Check() error {
	return experiments.CheckTrigger(s)
}

// Stop disarms the timer.
func (s *Schedule) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
