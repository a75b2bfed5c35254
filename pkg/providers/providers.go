// Package providers contains assignment providers for experiments.Manager.
//
// A provider decides which group a visitor sees once an experiment enrolls,
// and receives tracked events. Three implementations are available:
//
//   - Random: a 50/50 coin flip per call with no consistency across requests.
//   - Hash: deterministic bucketing of a subject (usually a visitor id) with
//     weighted groups and a traffic allocation.
//   - HTTP: a remote assignment service. An unreachable service or unknown
//     experiment is logged and leaves the experiment enrolled.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/skybet/canvass/internal/observability"
	"github.com/skybet/canvass/pkg/experiments"
)

var (
	ErrMissingExperimentID = errors.New("missing argument: experiment id")
	ErrMissingCallback     = errors.New("missing argument: callback")
	ErrMissingType         = errors.New("missing argument: type")
	ErrMissingName         = errors.New("missing argument: name")
	ErrMissingAction       = errors.New("missing argument: action")
	ErrUnknownEventType    = errors.New("unknown type")
)

// EventType is a tracked event category understood by the HTTP provider.
type EventType string

const (
	// EventTypeQProtocol events are emitted to the visitor's event stream.
	EventTypeQProtocol EventType = "qp"
	// EventTypeUniversalVariable events are pushed as legacy actions.
	EventTypeUniversalVariable EventType = "uv"
)

func (t EventType) valid() bool {
	return t == EventTypeQProtocol || t == EventTypeUniversalVariable
}

// Compile-time checks.
var (
	_ experiments.Provider      = (*Random)(nil)
	_ experiments.ActionTracker = (*Random)(nil)
	_ experiments.Provider      = (*Hash)(nil)
	_ experiments.Printer       = (*Hash)(nil)
	_ experiments.Provider      = (*HTTP)(nil)
	_ experiments.ActionTracker = (*HTTP)(nil)
	_ experiments.Printer       = (*HTTP)(nil)
)

func validateTrigger(id string, assign experiments.AssignFunc) error {
	if id == "" {
		return ErrMissingExperimentID
	}
	if assign == nil {
		return fmt.Errorf("%w for experiment %s", ErrMissingCallback, id)
	}
	return nil
}

func validateEvent(eventType, name string) error {
	if eventType == "" {
		return ErrMissingType
	}
	if name == "" {
		return ErrMissingName
	}
	return nil
}

// logEvent is the tracking behavior of providers without a backend.
func logEvent(ctx context.Context, logger *observability.Logger, eventType, name string, value any) {
	logger.Info(ctx, "tracked event", "type", eventType, "name", name, "value", fmt.Sprint(value))
}
