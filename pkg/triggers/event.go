package triggers

import (
	"errors"
	"sync"

	"github.com/skybet/canvass/pkg/events"
	"github.com/skybet/canvass/pkg/experiments"
)

// Event holds once a named event has been emitted on a bus, for example a
// button click relayed by the page. It stays triggered afterwards.
type Event struct {
	experiments.BaseTrigger

	bus   *events.Bus
	event string

	mu    sync.Mutex
	fired bool
	sub   string
}

// NewEvent creates a trigger that listens for event on bus.
func NewEvent(bus *events.Bus, event string) (*Event, error) {
	if bus == nil {
		return nil, errors.New("event trigger: bus is required")
	}
	if event == "" {
		return nil, errors.New("event trigger: event name is required")
	}
	return &Event{bus: bus, event: event}, nil
}

func (e *Event) Name() string { return "event(" + e.event + ")" }

// Setup subscribes to the bus. Calling it again does nothing.
func (e *Event) Setup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub != "" {
		return nil
	}
	e.sub = e.bus.On(e.event, func(...any) error {
		return e.Fire()
	})
	return nil
}

func (e *Event) IsTriggered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired
}

// Fire marks the trigger as fired without going through the bus.
func (e *Event) Fire() error {
	e.mu.Lock()
	e.fired = true
	e.mu.Unlock()
	return experiments.CheckTrigger(e)
}

// Close unsubscribes from the bus.
func (e *Event) Close() {
	e.mu.Lock()
	sub := e.sub
	e.sub = ""
	e.mu.Unlock()
	if sub != "" {
		e.bus.Off(e.event, sub)
	}
}
