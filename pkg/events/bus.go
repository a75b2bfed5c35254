// Package events provides the synchronous publish/subscribe primitive shared by
// triggers, experiments and the manager.
package events

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Listener receives the arguments passed to Emit.
// A non-nil error is reported back to the emitter.
type Listener func(args ...any) error

type subscription struct {
	id       string
	listener Listener
}

// Bus dispatches named events to listeners in registration order.
// The zero value is ready to use.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]*subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// On registers a listener for an event and returns its subscription id.
// Registering the same function twice creates two subscriptions.
func (b *Bus) On(event string, listener Listener) string {
	sub := &subscription{
		id:       uuid.New().String(),
		listener: listener,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[string][]*subscription)
	}
	b.listeners[event] = append(b.listeners[event], sub)
	return sub.id
}

// Once registers a listener that is removed before its first invocation.
func (b *Bus) Once(event string, listener Listener) string {
	var id string
	id = b.On(event, func(args ...any) error {
		b.Off(event, id)
		return listener(args...)
	})
	return id
}

// Off removes a subscription. The event key is dropped once it has no
// listeners left. Returns false if the subscription was not found.
func (b *Bus) Off(event, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.listeners[event]
	if !ok {
		return false
	}
	removed := false
	for i, sub := range subs {
		if sub.id == id {
			b.listeners[event] = append(subs[:i:i], subs[i+1:]...)
			removed = true
			break
		}
	}
	if len(b.listeners[event]) == 0 {
		delete(b.listeners, event)
	}
	return removed
}

// Emit calls every listener registered for event, synchronously and in
// registration order. The listener list is snapshotted first, so listeners
// may subscribe, unsubscribe or emit without disturbing the current dispatch.
// All listeners run; the first error is returned.
func (b *Bus) Emit(event string, args ...any) error {
	b.mu.RLock()
	subs := b.listeners[event]
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	var firstErr error
	for _, sub := range snapshot {
		if err := call(sub, args); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func call(sub *subscription, args []any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panic: %v", p)
		}
	}()
	return sub.listener(args...)
}

// ListenerCount returns the number of subscriptions for an event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// Events returns the sorted names of events that have listeners.
func (b *Bus) Events() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
