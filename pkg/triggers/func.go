package triggers

import "github.com/skybet/canvass/pkg/experiments"

// Func is a trigger backed by a predicate. Callers run Check when the
// predicate's inputs change.
type Func struct {
	experiments.BaseTrigger

	name string
	fn   func() bool
}

func NewFunc(name string, fn func() bool) *Func {
	if fn == nil {
		fn = func() bool { return false }
	}
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

// Setup checks the predicate once.
func (f *Func) Setup() error { return f.Check() }

func (f *Func) IsTriggered() bool { return f.fn() }

func (f *Func) Check() error { return experiments.CheckTrigger(f) }

// Always holds unconditionally, enrolling the experiment as soon as it is
// added to a manager.
type Always struct {
	experiments.BaseTrigger
}

func NewAlways() *Always { return &Always{} }

func (a *Always) Name() string { return "always" }

func (a *Always) Setup() error { return experiments.CheckTrigger(a) }

func (a *Always) IsTriggered() bool { return true }
