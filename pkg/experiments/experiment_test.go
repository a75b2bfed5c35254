package experiments

import (
	"errors"
	"testing"
)

type fakeTrigger struct {
	BaseTrigger
	name        string
	fired       bool
	fireOnSetup bool
	setupErr    error
	setupCalls  int
	checks      int
}

func (t *fakeTrigger) Setup() error {
	t.setupCalls++
	if t.setupErr != nil {
		return t.setupErr
	}
	if t.fireOnSetup {
		t.fired = true
		return CheckTrigger(t)
	}
	return nil
}

func (t *fakeTrigger) IsTriggered() bool {
	t.checks++
	return t.fired
}

func (t *fakeTrigger) Name() string { return t.name }

func (t *fakeTrigger) fire() error {
	t.fired = true
	return CheckTrigger(t)
}

func frogVariants() map[Group]any {
	return map[Group]any{GroupControl: "Control", GroupChallenger: "Variant"}
}

func newFrog(t *testing.T) (*Experiment, *fakeTrigger, *fakeTrigger) {
	t.Helper()
	first := &fakeTrigger{name: "homepage"}
	second := &fakeTrigger{name: "button"}
	exp, err := New("FROG", []Trigger{first, second}, frogVariants())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return exp, first, second
}

func TestNew_Validation(t *testing.T) {
	trigger := &fakeTrigger{}
	tests := []struct {
		name     string
		id       string
		triggers []Trigger
		variants map[Group]any
		want     error
	}{
		{name: "missing id", id: "", triggers: []Trigger{trigger}, variants: frogVariants(), want: ErrMissingID},
		{name: "nil triggers", id: "FROG", triggers: nil, variants: frogVariants(), want: ErrMissingTriggers},
		{name: "empty triggers", id: "FROG", triggers: []Trigger{}, variants: frogVariants(), want: ErrNoTriggers},
		{name: "nil trigger entry", id: "FROG", triggers: []Trigger{trigger, nil}, variants: frogVariants(), want: ErrMissingTriggers},
		{name: "nil variants", id: "FROG", triggers: []Trigger{trigger}, variants: nil, want: ErrMissingVariants},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, err := New(tt.id, tt.triggers, tt.variants)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if exp != nil {
				t.Error("expected nil experiment on error")
			}
		})
	}
}

func TestNew_EmptyVariantsAllowed(t *testing.T) {
	exp, err := New("FROG", []Trigger{&fakeTrigger{}}, map[Group]any{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if exp.Status() != StatusWaiting {
		t.Errorf("status = %s, want WAITING", exp.Status())
	}
	if _, ok := exp.Group(); ok {
		t.Error("new experiment should have no group")
	}
}

func TestMustNewPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustNew("", nil, nil)
}

func TestFrogScenario(t *testing.T) {
	exp, first, second := newFrog(t)
	first.fired = true
	second.fired = true

	if err := exp.EnrollIfTriggered(); err != nil {
		t.Fatalf("EnrollIfTriggered: %v", err)
	}
	if exp.Status() != StatusEnrolled {
		t.Fatalf("status = %s, want ENROLLED", exp.Status())
	}

	if err := exp.SetGroup(GroupChallenger); err != nil {
		t.Fatalf("SetGroup: %v", err)
	}
	if exp.Status() != StatusActive {
		t.Fatalf("status = %s, want ACTIVE", exp.Status())
	}
	for i := 0; i < 3; i++ {
		variant, err := exp.Variant()
		if err != nil || variant != "Variant" {
			t.Fatalf("Variant() = %v, %v", variant, err)
		}
	}
}

func TestHaveTriggersFired(t *testing.T) {
	tests := []struct {
		name  string
		fired []bool
		want  bool
	}{
		{name: "all true", fired: []bool{true, true, true}, want: true},
		{name: "first false", fired: []bool{false, true, true}, want: false},
		{name: "middle false", fired: []bool{true, false, true}, want: false},
		{name: "last false", fired: []bool{true, true, false}, want: false},
		{name: "single true", fired: []bool{true}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			triggers := make([]Trigger, len(tt.fired))
			fakes := make([]*fakeTrigger, len(tt.fired))
			for i, fired := range tt.fired {
				fakes[i] = &fakeTrigger{fired: fired}
				triggers[i] = fakes[i]
			}
			exp, err := New("FROG", triggers, frogVariants())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := exp.HaveTriggersFired(); got != tt.want {
				t.Errorf("HaveTriggersFired() = %v, want %v", got, tt.want)
			}
			for i, f := range fakes {
				if f.checks != 1 {
					t.Errorf("trigger %d queried %d times, want 1", i, f.checks)
				}
			}
		})
	}
}

func TestEnrollIfTriggered_WaitsForAllTriggers(t *testing.T) {
	exp, first, second := newFrog(t)
	if err := exp.SetupTriggers(); err != nil {
		t.Fatalf("SetupTriggers: %v", err)
	}

	if err := first.fire(); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if exp.Status() != StatusWaiting {
		t.Fatalf("status = %s after one trigger, want WAITING", exp.Status())
	}
	if err := second.fire(); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if exp.Status() != StatusEnrolled {
		t.Fatalf("status = %s, want ENROLLED", exp.Status())
	}
}

func TestEnrollIfTriggered_IgnoresActive(t *testing.T) {
	exp, first, second := newFrog(t)
	first.fired, second.fired = true, true
	if err := exp.SetGroup(GroupControl); err != nil {
		t.Fatalf("SetGroup: %v", err)
	}

	enrolled := 0
	exp.On(string(StatusEnrolled), func(...any) error {
		enrolled++
		return nil
	})
	if err := exp.EnrollIfTriggered(); err != nil {
		t.Fatalf("EnrollIfTriggered: %v", err)
	}
	if exp.Status() != StatusActive || enrolled != 0 {
		t.Errorf("status = %s, enrolled events = %d", exp.Status(), enrolled)
	}
}

func TestEnroll_ReentersFromActive(t *testing.T) {
	exp, _, _ := newFrog(t)
	if err := exp.SetGroup(GroupChallenger); err != nil {
		t.Fatalf("SetGroup: %v", err)
	}
	if err := exp.Enroll(); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if exp.Status() != StatusEnrolled {
		t.Errorf("status = %s, want ENROLLED", exp.Status())
	}
}

func TestSetStatus(t *testing.T) {
	exp, _, _ := newFrog(t)

	var seen []string
	for _, status := range []Status{StatusWaiting, StatusEnrolled, StatusActive} {
		name := string(status)
		exp.On(name, func(args ...any) error {
			if len(args) != 1 || args[0] != exp {
				t.Errorf("%s listener args = %v", name, args)
			}
			seen = append(seen, name)
			return nil
		})
	}

	if err := exp.SetStatus("FINISHED"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("err = %v, want ErrInvalidStatus", err)
	}
	if exp.Status() != StatusWaiting {
		t.Errorf("invalid status changed state to %s", exp.Status())
	}

	for _, status := range []Status{StatusEnrolled, StatusActive, StatusWaiting} {
		if err := exp.SetStatus(status); err != nil {
			t.Fatalf("SetStatus(%s): %v", status, err)
		}
	}
	want := []string{"ENROLLED", "ACTIVE", "WAITING"}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("events = %v, want %v", seen, want)
		}
	}
}

func TestSetStatus_ListenerErrorPropagates(t *testing.T) {
	exp, _, _ := newFrog(t)
	boom := errors.New("boom")
	exp.On(string(StatusEnrolled), func(...any) error { return boom })

	if err := exp.Enroll(); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if exp.Status() != StatusEnrolled {
		t.Errorf("status = %s, want ENROLLED", exp.Status())
	}
}

func TestVariant_Errors(t *testing.T) {
	exp, _, _ := newFrog(t)
	if _, err := exp.Variant(); !errors.Is(err, ErrNoVariant) {
		t.Fatalf("Variant without group err = %v", err)
	}
	if err := exp.SetGroup("5"); err != nil {
		t.Fatalf("SetGroup: %v", err)
	}
	if _, err := exp.Variant(); !errors.Is(err, ErrNoVariant) {
		t.Fatalf("Variant with unknown group err = %v", err)
	}
	if group, ok := exp.Group(); !ok || group != "5" {
		t.Errorf("Group() = %q, %v", group, ok)
	}
}

func TestSetupTriggers_SubscribesBeforeSetup(t *testing.T) {
	first := &fakeTrigger{fireOnSetup: true}
	exp, err := New("FROG", []Trigger{first}, frogVariants())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := exp.SetupTriggers(); err != nil {
		t.Fatalf("SetupTriggers: %v", err)
	}
	if exp.Status() != StatusEnrolled {
		t.Errorf("status = %s, want ENROLLED", exp.Status())
	}
}

func TestSetupTriggers_Idempotent(t *testing.T) {
	exp, first, second := newFrog(t)
	for i := 0; i < 2; i++ {
		if err := exp.SetupTriggers(); err != nil {
			t.Fatalf("SetupTriggers: %v", err)
		}
	}
	for _, trig := range []*fakeTrigger{first, second} {
		if trig.setupCalls != 1 {
			t.Errorf("%s setup calls = %d, want 1", trig.name, trig.setupCalls)
		}
		if n := trig.ListenerCount(EventTriggered); n != 1 {
			t.Errorf("%s listeners = %d, want 1", trig.name, n)
		}
	}

	exp.releaseTriggers()
	if n := first.ListenerCount(EventTriggered); n != 0 {
		t.Errorf("listeners after release = %d, want 0", n)
	}
	if err := exp.SetupTriggers(); err != nil {
		t.Fatalf("SetupTriggers after release: %v", err)
	}
	if first.setupCalls != 1 || first.ListenerCount(EventTriggered) != 1 {
		t.Errorf("resubscribe: setup calls = %d, listeners = %d", first.setupCalls, first.ListenerCount(EventTriggered))
	}
}

func TestSetupTriggers_SetupError(t *testing.T) {
	boom := errors.New("no window")
	exp, err := New("FROG", []Trigger{&fakeTrigger{name: "homepage", setupErr: boom}}, frogVariants())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := exp.SetupTriggers(); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestVariantKeysSorted(t *testing.T) {
	exp, err := New("FROG", []Trigger{&fakeTrigger{}}, map[Group]any{"2": 2, "0": 0, "1": 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	keys := exp.VariantKeys()
	if len(keys) != 3 || keys[0] != "0" || keys[1] != "1" || keys[2] != "2" {
		t.Errorf("VariantKeys() = %v", keys)
	}
}

func TestCheckTrigger(t *testing.T) {
	trig := &fakeTrigger{}
	count := 0
	trig.On(EventTriggered, func(...any) error {
		count++
		return nil
	})

	if err := CheckTrigger(trig); err != nil || count != 0 {
		t.Fatalf("untriggered check emitted: count = %d err = %v", count, err)
	}
	trig.fired = true
	_ = CheckTrigger(trig)
	_ = CheckTrigger(trig)
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

type plainTrigger struct{ BaseTrigger }

func (*plainTrigger) Setup() error      { return nil }
func (*plainTrigger) IsTriggered() bool { return false }

func TestTriggerName(t *testing.T) {
	if got := TriggerName(&fakeTrigger{name: "homepage"}); got != "homepage" {
		t.Errorf("named = %q", got)
	}
	if got := TriggerName(&plainTrigger{}); got != "plainTrigger" {
		t.Errorf("type name = %q", got)
	}
}
