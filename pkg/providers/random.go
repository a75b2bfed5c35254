package providers

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/skybet/canvass/internal/observability"
	"github.com/skybet/canvass/pkg/experiments"
)

// Random assigns control or challenger with equal probability. Groups are not
// sticky: the same visitor may land in a different group on the next request.
// Tracked events are only logged.
type Random struct {
	logger *observability.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a Random provider. A zero seed uses the current time.
func NewRandom(logger *observability.Logger, seed int64) *Random {
	if logger == nil {
		logger = observability.Nop()
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Random{
		logger: logger.WithFields("provider", "random"),
		rng:    rand.New(rand.NewSource(seed)), // #nosec G404 -- group assignment is not security sensitive
	}
}

func (r *Random) Name() string { return "random" }

// TriggerExperiment calls assign synchronously with "0" or "1".
func (r *Random) TriggerExperiment(ctx context.Context, id string, assign experiments.AssignFunc) error {
	if err := validateTrigger(id, assign); err != nil {
		return err
	}

	r.mu.Lock()
	roll := r.rng.Float64()
	r.mu.Unlock()

	group := experiments.GroupControl
	if roll >= 0.5 {
		group = experiments.GroupChallenger
	}
	r.logger.Debug(ctx, "assigned group", "experiment", id, "group", string(group))
	return assign(group)
}

func (r *Random) TrackEvent(ctx context.Context, eventType, name string, value any) error {
	if err := validateEvent(eventType, name); err != nil {
		return err
	}
	logEvent(ctx, r.logger, eventType, name, value)
	return nil
}

func (r *Random) TrackAction(ctx context.Context, action string) error {
	if action == "" {
		return ErrMissingAction
	}
	r.logger.Info(ctx, "tracked action", "action", action)
	return nil
}
