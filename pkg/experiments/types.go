// Package experiments implements the experiment lifecycle and the manager
// that wires experiments to triggers, an assignment provider and persisted
// visitor preferences.
package experiments

import (
	"context"
	"errors"
	"io"
)

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusEnrolled Status = "ENROLLED"
	StatusActive   Status = "ACTIVE"
)

// Valid reports whether s is one of the three lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusEnrolled, StatusActive:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// Group is an assignment group key. Keys are opaque and matched against an
// experiment's variants.
type Group string

const (
	// GroupControl is the canonical control group.
	GroupControl Group = "0"
	// GroupChallenger is the canonical challenger group.
	GroupChallenger Group = "1"
)

// EventTriggered is emitted by a trigger whose condition holds.
const EventTriggered = "TRIGGERED"

// ActiveEvent returns the manager event emitted when an experiment activates.
func ActiveEvent(id string) string {
	return id + "." + string(StatusActive)
}

var (
	ErrMissingID         = errors.New("experiment id is required")
	ErrMissingTriggers   = errors.New("experiment triggers are required")
	ErrNoTriggers        = errors.New("experiment needs at least one trigger")
	ErrMissingVariants   = errors.New("experiment variants are required")
	ErrInvalidStatus     = errors.New("invalid experiment status")
	ErrNoVariant         = errors.New("no variant for group")
	ErrNotInRegister     = errors.New("experiment not in register")
	ErrAlreadyRegistered = errors.New("experiment already registered")
)

// AssignFunc receives the group chosen by a provider. It returns
// ErrNoVariant when the experiment has no variant for that group.
type AssignFunc func(group Group) error

// Provider assigns visitors to groups and records tracking events.
//
// TriggerExperiment must eventually call assign exactly once, either before
// returning or later from another goroutine. When it calls assign before
// returning it should return assign's error.
type Provider interface {
	TriggerExperiment(ctx context.Context, experimentID string, assign AssignFunc) error
	TrackEvent(ctx context.Context, eventType, name string, value any) error
}

// ActionTracker is implemented by providers that record named actions.
type ActionTracker interface {
	TrackAction(ctx context.Context, action string) error
}

// Printer is implemented by providers that can dump diagnostic state.
type Printer interface {
	Print(w io.Writer) error
}
