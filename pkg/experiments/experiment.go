package experiments

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/skybet/canvass/internal/observability"
	"github.com/skybet/canvass/pkg/events"
)

// Experiment is an A/B test gated by triggers. It starts WAITING, moves to
// ENROLLED once every trigger holds and to ACTIVE when a group is assigned.
// Enroll may also move an ACTIVE experiment back to ENROLLED so a returning
// visitor is activated again.
//
// Each status change emits an event named after the new status with the
// experiment as its only argument.
type Experiment struct {
	id       string
	triggers []Trigger
	variants map[Group]any
	bus      events.Bus

	mu       sync.RWMutex
	status   Status
	group    Group
	hasGroup bool
	logger   *observability.Logger

	// triggerSubs holds the TRIGGERED subscription per trigger while
	// subscribed; setUp records that Setup has run on every trigger.
	triggerSubs []string
	setUp       bool
}

// New creates a WAITING experiment. The triggers slice and variants map are
// copied.
func New(id string, triggers []Trigger, variants map[Group]any) (*Experiment, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	if triggers == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingTriggers, id)
	}
	if len(triggers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTriggers, id)
	}
	for i, t := range triggers {
		if t == nil {
			return nil, fmt.Errorf("%w: %s trigger %d is nil", ErrMissingTriggers, id, i)
		}
	}
	if variants == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingVariants, id)
	}

	exp := &Experiment{
		id:       id,
		triggers: append([]Trigger(nil), triggers...),
		variants: make(map[Group]any, len(variants)),
		status:   StatusWaiting,
	}
	for group, payload := range variants {
		exp.variants[group] = payload
	}
	return exp, nil
}

// MustNew is like New but panics on error. For package-level declarations.
func MustNew(id string, triggers []Trigger, variants map[Group]any) *Experiment {
	exp, err := New(id, triggers, variants)
	if err != nil {
		panic(err)
	}
	return exp
}

func (e *Experiment) ID() string { return e.id }

func (e *Experiment) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Group returns the assigned group and whether one has been assigned.
func (e *Experiment) Group() (Group, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.group, e.hasGroup
}

// Triggers returns the experiment's triggers in order.
func (e *Experiment) Triggers() []Trigger {
	return append([]Trigger(nil), e.triggers...)
}

// VariantKeys returns the configured groups, sorted.
func (e *Experiment) VariantKeys() []Group {
	keys := make([]Group, 0, len(e.variants))
	for k := range e.variants {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Variant returns the payload for the assigned group. It fails with
// ErrNoVariant when no group is assigned or the group has no variant.
func (e *Experiment) Variant() (any, error) {
	e.mu.RLock()
	group, hasGroup := e.group, e.hasGroup
	e.mu.RUnlock()

	if !hasGroup {
		return nil, fmt.Errorf("%w: experiment %s has no group", ErrNoVariant, e.id)
	}
	payload, ok := e.variants[group]
	if !ok {
		return nil, fmt.Errorf("%w %q in experiment %s", ErrNoVariant, group, e.id)
	}
	return payload, nil
}

// SetupTriggers subscribes to every trigger's EventTriggered and then calls
// its Setup, so a trigger that fires during Setup is not missed. Calling it
// again while subscribed does nothing, and Setup runs once per experiment.
func (e *Experiment) SetupTriggers() error {
	e.mu.Lock()
	if e.triggerSubs != nil {
		e.mu.Unlock()
		return nil
	}
	subs := make([]string, len(e.triggers))
	for i, t := range e.triggers {
		subs[i] = t.On(EventTriggered, func(...any) error {
			return e.EnrollIfTriggered()
		})
	}
	e.triggerSubs = subs
	needSetup := !e.setUp
	e.setUp = true
	e.mu.Unlock()

	if !needSetup {
		return nil
	}
	for i, t := range e.triggers {
		if err := t.Setup(); err != nil {
			return fmt.Errorf("setup trigger %d (%s) of %s: %w", i, TriggerName(t), e.id, err)
		}
	}
	return nil
}

// releaseTriggers drops the TRIGGERED subscriptions made by SetupTriggers.
func (e *Experiment) releaseTriggers() {
	e.mu.Lock()
	subs := e.triggerSubs
	e.triggerSubs = nil
	e.mu.Unlock()

	for i, id := range subs {
		e.triggers[i].Off(EventTriggered, id)
	}
}

// HaveTriggersFired reports whether every trigger holds. All triggers are
// queried even after one reports false.
func (e *Experiment) HaveTriggersFired() bool {
	fired := true
	for _, t := range e.triggers {
		if !t.IsTriggered() {
			fired = false
		}
	}
	return fired
}

// EnrollIfTriggered enrolls the experiment when all triggers hold. Active
// experiments are left alone.
func (e *Experiment) EnrollIfTriggered() error {
	if e.Status() == StatusActive {
		return nil
	}
	if !e.HaveTriggersFired() {
		return nil
	}
	return e.Enroll()
}

// Enroll sets the status to ENROLLED regardless of triggers or the current
// status.
func (e *Experiment) Enroll() error {
	return e.SetStatus(StatusEnrolled)
}

// SetStatus assigns a status and emits the event named after it. The error is
// ErrInvalidStatus or the first listener error.
func (e *Experiment) SetStatus(status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	e.mu.Lock()
	previous := e.status
	e.status = status
	logger := e.logger
	e.mu.Unlock()

	logger.Debug(context.Background(), "status changed", "from", previous, "to", status)
	return e.bus.Emit(string(status), e)
}

// SetGroup assigns the group and activates the experiment.
func (e *Experiment) SetGroup(group Group) error {
	e.mu.Lock()
	e.group = group
	e.hasGroup = true
	e.mu.Unlock()

	return e.SetStatus(StatusActive)
}

// On subscribes to a status event ("WAITING", "ENROLLED" or "ACTIVE").
func (e *Experiment) On(event string, listener events.Listener) string {
	return e.bus.On(event, listener)
}

func (e *Experiment) Once(event string, listener events.Listener) string {
	return e.bus.Once(event, listener)
}

func (e *Experiment) Off(event, id string) bool {
	return e.bus.Off(event, id)
}

// ListenerCount returns the number of subscriptions for a status event.
func (e *Experiment) ListenerCount(event string) int {
	return e.bus.ListenerCount(event)
}

func (e *Experiment) setLogger(logger *observability.Logger) {
	e.mu.Lock()
	e.logger = logger
	e.mu.Unlock()
}
