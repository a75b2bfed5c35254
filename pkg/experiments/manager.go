package experiments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/skybet/canvass/internal/observability"
	"github.com/skybet/canvass/pkg/events"
	"github.com/skybet/canvass/pkg/prefs"
	"github.com/skybet/canvass/pkg/preview"
)

// Options configures a Manager.
type Options struct {
	// Provider assigns groups. Without one, enrolled experiments stay
	// ENROLLED and tracking calls are dropped with a warning.
	Provider Provider

	// ProviderName labels metrics and spans. Defaults to the provider's
	// Name() when it has one.
	ProviderName string

	// Store holds durable visitor preferences: the triggered experiments
	// list and the debug and disable-activation flags. Defaults to an
	// in-memory store.
	Store prefs.Store

	// SessionStore holds preview mode state. Defaults to Store.
	SessionStore prefs.Store

	// Query is the raw query string of the current page, used for the
	// preview mode override.
	Query string

	Keys prefs.Keys

	// Debug and DisableActivation force the corresponding visitor flags on.
	Debug             bool
	DisableActivation bool

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

type registration struct {
	exp         *Experiment
	enrolledSub string
	activeSub   string
}

// Manager registers experiments, activates them through the provider or the
// preview mode override, and remembers which experiments a visitor has
// triggered. Application code observes activation through ActiveEvent(id).
type Manager struct {
	// ctx is the visitor's request context, used for provider and store
	// calls made from event listeners.
	ctx context.Context

	provider     Provider
	providerName string
	store        prefs.Store
	keys         prefs.Keys
	logger       *observability.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer

	preview            preview.Config
	debug              bool
	activationDisabled bool

	bus events.Bus

	mu        sync.RWMutex
	register  map[string]*registration
	order     []string
	triggered []string

	// saveMu serializes writes of the triggered list so a stale snapshot
	// never overwrites a newer one.
	saveMu sync.Mutex
}

// NewManager loads the visitor's triggered experiments, resolves preview mode
// and reads the debug and disable-activation flags. Malformed stored data is
// logged and ignored.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	keys := opts.Keys.WithDefaults()

	store := opts.Store
	if store == nil {
		store = prefs.NewMemoryStore()
	}
	session := opts.SessionStore
	if session == nil {
		session = store
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	logger = logger.WithFields("component", "manager").WithOwnLevel()

	m := &Manager{
		ctx:          ctx,
		provider:     opts.Provider,
		providerName: providerName(opts),
		store:        store,
		keys:         keys,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		register:     make(map[string]*registration),
	}

	m.debug = opts.Debug || prefs.Flag(ctx, store, keys.Debug)
	if m.debug {
		logger.EnableDebug()
	}
	m.activationDisabled = opts.DisableActivation || prefs.Flag(ctx, store, keys.DisableActivation)

	previewCfg, err := preview.Resolve(ctx, preview.QueryValue(opts.Query, keys.QueryParam), session, keys)
	if err != nil {
		logger.Warn(ctx, "failed to persist preview mode", "error", err)
	}
	m.preview = previewCfg
	if previewCfg.Enabled() {
		logger = logger.WithFields("preview_mode", string(previewCfg.Mode))
	}
	m.logger = logger

	m.triggered = m.loadTriggered(ctx)

	m.logger.Debug(ctx, "manager created",
		"provider", m.providerName,
		"triggered", len(m.triggered),
		"activation_disabled", m.activationDisabled,
	)
	return m, nil
}

func providerName(opts Options) string {
	if opts.ProviderName != "" {
		return opts.ProviderName
	}
	if opts.Provider == nil {
		return "none"
	}
	if named, ok := opts.Provider.(interface{ Name() string }); ok {
		return named.Name()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", opts.Provider), "*")
}

func (m *Manager) loadTriggered(ctx context.Context) []string {
	var ids []string
	present, err := prefs.GetJSON(ctx, m.store, m.keys.TriggeredExperiments, &ids)
	if err != nil {
		if present {
			m.logger.Warn(ctx, "ignoring malformed triggered experiments", "key", m.keys.TriggeredExperiments, "error", err)
		} else {
			m.logger.Warn(ctx, "failed to load triggered experiments", "error", err)
		}
		m.metrics.RecordError("manager", "load_triggered")
		return nil
	}

	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// AddExperiment registers exp, subscribes to its ENROLLED and ACTIVE events
// and sets up its triggers. An experiment this visitor triggered before is
// enrolled immediately unless a trigger already fired during setup.
func (m *Manager) AddExperiment(exp *Experiment) error {
	if exp == nil {
		return ErrMissingID
	}
	id := exp.ID()

	enrolledSub := exp.On(string(StatusEnrolled), func(...any) error {
		return m.onEnrolled(id)
	})
	activeSub := exp.On(string(StatusActive), func(...any) error {
		return m.onActive(id)
	})

	m.mu.Lock()
	if _, exists := m.register[id]; exists {
		m.mu.Unlock()
		exp.Off(string(StatusEnrolled), enrolledSub)
		exp.Off(string(StatusActive), activeSub)
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	m.register[id] = &registration{exp: exp, enrolledSub: enrolledSub, activeSub: activeSub}
	m.order = append(m.order, id)
	alreadyTriggered := containsID(m.triggered, id)
	m.mu.Unlock()

	exp.setLogger(m.logger.WithFields("experiment", id))
	m.metrics.ExperimentRegistered()
	m.logger.Debug(m.ctx, "experiment added",
		"experiment", id,
		"triggers", len(exp.triggers),
		"variants", len(exp.variants),
	)

	if err := exp.SetupTriggers(); err != nil {
		return err
	}

	// A trigger may fire during Setup and activate the experiment already.
	if alreadyTriggered && exp.Status() == StatusWaiting {
		m.logger.Debug(m.ctx, "re-enrolling previously triggered experiment", "experiment", id)
		return exp.Enroll()
	}
	return nil
}

// RemoveExperiment unsubscribes from the experiment and its triggers and
// deletes it from the register.
func (m *Manager) RemoveExperiment(id string) error {
	m.mu.Lock()
	reg, ok := m.register[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cannot remove: %w: %s", ErrNotInRegister, id)
	}
	delete(m.register, id)
	for i, registered := range m.order {
		if registered == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	reg.exp.Off(string(StatusEnrolled), reg.enrolledSub)
	reg.exp.Off(string(StatusActive), reg.activeSub)
	reg.exp.releaseTriggers()

	m.metrics.ExperimentRemoved()
	m.logger.Debug(m.ctx, "experiment removed", "experiment", id)
	return nil
}

// GetExperiment returns a registered experiment.
func (m *Manager) GetExperiment(id string) (*Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.register[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInRegister, id)
	}
	return reg.exp, nil
}

// Experiments returns the registered experiments in registration order.
func (m *Manager) Experiments() []*Experiment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Experiment, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.register[id].exp)
	}
	return out
}

func (m *Manager) onEnrolled(id string) error {
	m.metrics.RecordStatus(id, string(StatusEnrolled))
	if err := m.SaveTriggeredExperiment(m.ctx, id); err != nil {
		m.logger.Warn(m.ctx, "failed to save triggered experiment", "experiment", id, "error", err)
		m.metrics.RecordError("prefs", "save_triggered")
	}
	return m.activateExperiment(id)
}

func (m *Manager) onActive(id string) error {
	exp, err := m.GetExperiment(id)
	if err != nil {
		return err
	}
	group, _ := exp.Group()
	m.metrics.RecordStatus(id, string(StatusActive))
	m.logger.Info(m.ctx, "experiment active", "experiment", id, "group", string(group))
	return m.bus.Emit(ActiveEvent(id), exp)
}

// activateExperiment assigns a group to an enrolled experiment. With preview
// mode on the group is forced and a missing variant is only logged. Otherwise
// the provider decides and a missing variant is returned to it.
func (m *Manager) activateExperiment(id string) error {
	exp, err := m.GetExperiment(id)
	if err != nil {
		return err
	}
	if m.activationDisabled {
		m.logger.Info(m.ctx, "activation disabled, experiment stays enrolled", "experiment", id)
		return nil
	}

	ctx, span := m.tracer.TraceActivation(m.ctx, id, string(m.preview.Mode))
	defer span.End()

	switch m.preview.Mode {
	case preview.ModeAll:
		m.forceGroup(ctx, exp, GroupChallenger)
		return nil
	case preview.ModeNone:
		m.forceGroup(ctx, exp, GroupControl)
		return nil
	case preview.ModeCustom:
		group := GroupControl
		if forced, ok := m.preview.Experiments[id]; ok {
			group = Group(forced)
		}
		m.forceGroup(ctx, exp, group)
		return nil
	}

	if m.provider == nil {
		m.logger.Warn(ctx, "no provider configured, experiment stays enrolled", "experiment", id)
		return nil
	}

	start := time.Now()
	pctx, pspan := m.tracer.TraceProviderCall(ctx, m.providerName, "trigger")
	err = m.provider.TriggerExperiment(pctx, id, func(group Group) error {
		return m.assign(exp, group)
	})
	m.metrics.RecordProviderRequest(m.providerName, "trigger", observability.StatusOf(err), time.Since(start).Seconds())
	m.tracer.RecordError(pspan, err)
	pspan.End()
	if err != nil {
		m.tracer.RecordError(span, err)
		return fmt.Errorf("activate %s: %w", id, err)
	}
	return nil
}

// assign is the provider callback. It may run on any goroutine.
func (m *Manager) assign(exp *Experiment, group Group) error {
	if err := exp.SetGroup(group); err != nil {
		return err
	}
	if _, err := exp.Variant(); err != nil {
		m.metrics.RecordError("manager", "no_variant")
		return err
	}
	m.metrics.RecordActivation(exp.ID(), "provider", string(group))
	return nil
}

func (m *Manager) forceGroup(ctx context.Context, exp *Experiment, group Group) {
	m.logger.Info(ctx, "preview mode forcing group", "experiment", exp.ID(), "group", string(group))

	err := exp.SetGroup(group)
	if err == nil {
		_, err = exp.Variant()
	}
	if err != nil {
		m.logger.Error(ctx, "preview mode activation failed", "experiment", exp.ID(), "group", string(group), "error", err)
		if errors.Is(err, ErrNoVariant) {
			m.metrics.RecordError("manager", "no_variant")
		} else {
			m.metrics.RecordError("manager", "preview_activation")
		}
		return
	}
	m.metrics.RecordActivation(exp.ID(), "preview", string(group))
}

// TrackEvent forwards an event to the provider and returns its error.
func (m *Manager) TrackEvent(ctx context.Context, eventType, name string, value any) error {
	if m.provider == nil {
		m.logger.Warn(ctx, "no provider configured, event dropped", "type", eventType, "name", name)
		return nil
	}
	start := time.Now()
	ctx, span := m.tracer.TraceProviderCall(ctx, m.providerName, "track_event")
	defer span.End()

	err := m.provider.TrackEvent(ctx, eventType, name, value)
	m.metrics.RecordProviderRequest(m.providerName, "track_event", observability.StatusOf(err), time.Since(start).Seconds())
	if err != nil {
		m.tracer.RecordError(span, err)
		return err
	}
	m.metrics.RecordTrackedEvent(eventType)
	return nil
}

// TrackAction forwards an action to providers that support it.
func (m *Manager) TrackAction(ctx context.Context, action string) error {
	tracker, ok := m.provider.(ActionTracker)
	if !ok {
		m.logger.Warn(ctx, "provider does not track actions, action dropped", "action", action)
		return nil
	}
	start := time.Now()
	ctx, span := m.tracer.TraceProviderCall(ctx, m.providerName, "track_action")
	defer span.End()

	err := tracker.TrackAction(ctx, action)
	m.metrics.RecordProviderRequest(m.providerName, "track_action", observability.StatusOf(err), time.Since(start).Seconds())
	m.tracer.RecordError(span, err)
	return err
}

// SaveTriggeredExperiment records that the visitor triggered id and writes
// the whole list to the store. Recording an id twice does nothing.
func (m *Manager) SaveTriggeredExperiment(ctx context.Context, id string) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	if containsID(m.triggered, id) {
		m.mu.Unlock()
		return nil
	}
	m.triggered = append(m.triggered, id)
	snapshot := append([]string(nil), m.triggered...)
	m.mu.Unlock()

	return prefs.SetJSON(ctx, m.store, m.keys.TriggeredExperiments, snapshot)
}

// ExperimentAlreadyTriggered reports whether the visitor triggered id in this
// or an earlier session.
func (m *Manager) ExperimentAlreadyTriggered(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return containsID(m.triggered, id)
}

// TriggeredExperiments returns the triggered ids in the order they enrolled.
func (m *Manager) TriggeredExperiments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.triggered...)
}

// On subscribes to a manager event such as ActiveEvent(id). Listeners receive
// the *Experiment.
func (m *Manager) On(event string, listener events.Listener) string {
	return m.bus.On(event, listener)
}

func (m *Manager) Once(event string, listener events.Listener) string {
	return m.bus.Once(event, listener)
}

func (m *Manager) Off(event, id string) bool {
	return m.bus.Off(event, id)
}

// OnActive subscribes fn to the activation of experiment id.
func (m *Manager) OnActive(id string, fn func(*Experiment) error) string {
	return m.bus.On(ActiveEvent(id), func(args ...any) error {
		if len(args) == 0 {
			return nil
		}
		exp, ok := args[0].(*Experiment)
		if !ok {
			return nil
		}
		return fn(exp)
	})
}

// PreviewMode returns the resolved preview mode.
func (m *Manager) PreviewMode() preview.Mode { return m.preview.Mode }

// PreviewExperiments returns the forced groups of custom preview mode.
func (m *Manager) PreviewExperiments() map[string]Group {
	out := make(map[string]Group, len(m.preview.Experiments))
	for id, group := range m.preview.Experiments {
		out[id] = Group(group)
	}
	return out
}

// Debug reports whether the visitor's debug flag was set.
func (m *Manager) Debug() bool { return m.debug }

// ActivationDisabled reports whether the visitor's disable-activation flag
// was set.
func (m *Manager) ActivationDisabled() bool { return m.activationDisabled }

// PrintState writes a table of registered experiments, followed by the
// provider's own state when it implements Printer.
func (m *Manager) PrintState(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "preview mode:\t%s\n", m.preview.Mode)
	fmt.Fprintf(tw, "activation disabled:\t%t\n", m.activationDisabled)
	fmt.Fprintf(tw, "triggered:\t%s\n", strings.Join(m.TriggeredExperiments(), ", "))
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ID\tSTATUS\tTRIGGERS\tVARIANTS\tGROUP")

	for _, exp := range m.Experiments() {
		triggers := make([]string, 0, len(exp.triggers))
		for _, t := range exp.triggers {
			triggers = append(triggers, TriggerName(t))
		}
		keys := exp.VariantKeys()
		variants := make([]string, len(keys))
		for i, k := range keys {
			variants[i] = string(k)
		}
		group := "-"
		if g, ok := exp.Group(); ok {
			group = string(g)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			exp.ID(),
			exp.Status(),
			strings.Join(triggers, ", "),
			strings.Join(variants, ", "),
			group,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if printer, ok := m.provider.(Printer); ok {
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
		return printer.Print(w)
	}
	return nil
}

// Events returns the manager events that have listeners, sorted.
func (m *Manager) Events() []string {
	return m.bus.Events()
}

func containsID(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
