package experiments

import (
	"fmt"
	"strings"

	"github.com/skybet/canvass/pkg/events"
)

// Trigger is a condition that gates enrollment. Setup starts observing the
// condition and IsTriggered reports whether it currently holds. When the
// condition is met the trigger emits EventTriggered, usually through
// CheckTrigger. It may emit any number of times.
type Trigger interface {
	Setup() error
	IsTriggered() bool

	On(event string, listener events.Listener) string
	Off(event, id string) bool
	Emit(event string, args ...any) error
}

// Named triggers report a display name for state dumps.
type Named interface {
	Name() string
}

// BaseTrigger provides event handling for concrete triggers. Embed it and
// implement Setup and IsTriggered.
type BaseTrigger struct {
	bus events.Bus
}

func (b *BaseTrigger) On(event string, listener events.Listener) string {
	return b.bus.On(event, listener)
}

func (b *BaseTrigger) Off(event, id string) bool {
	return b.bus.Off(event, id)
}

func (b *BaseTrigger) Emit(event string, args ...any) error {
	return b.bus.Emit(event, args...)
}

// ListenerCount returns the number of subscriptions for event.
func (b *BaseTrigger) ListenerCount(event string) int {
	return b.bus.ListenerCount(event)
}

// CheckTrigger emits EventTriggered on t when t.IsTriggered() holds. Every
// true evaluation emits again. The error is the first listener error.
func CheckTrigger(t Trigger) error {
	if !t.IsTriggered() {
		return nil
	}
	return t.Emit(EventTriggered, t)
}

// TriggerName returns the display name of t: Name() for Named triggers,
// otherwise the Go type name.
func TriggerName(t Trigger) string {
	if n, ok := t.(Named); ok {
		if name := n.Name(); name != "" {
			return name
		}
	}
	name := fmt.Sprintf("%T", t)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
