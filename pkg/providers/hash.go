package providers

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"strings"

	"github.com/skybet/canvass/internal/observability"
	"github.com/skybet/canvass/pkg/experiments"
)

// ErrMissingSubject is returned by NewHash without a subject.
var ErrMissingSubject = errors.New("hash provider requires a subject")

// Weight is the relative share of traffic a group receives.
type Weight struct {
	Group  experiments.Group `yaml:"group" json:"group"`
	Weight int               `yaml:"weight" json:"weight"`
}

// DefaultWeights splits traffic evenly between control and challenger.
func DefaultWeights() []Weight {
	return []Weight{
		{Group: experiments.GroupControl, Weight: 50},
		{Group: experiments.GroupChallenger, Weight: 50},
	}
}

// HashConfig configures a Hash provider.
type HashConfig struct {
	// Subject identifies the visitor. The same subject always lands in the
	// same group of a given experiment.
	Subject string

	// Allocation is the percentage of subjects that take part, 1 to 100.
	// Zero means 100.
	Allocation int

	// Weights defaults to DefaultWeights.
	Weights []Weight
}

// Hash buckets subjects deterministically with FNV-1a. Subjects outside the
// allocation are not assigned and their experiments stay enrolled.
type Hash struct {
	subject    string
	allocation int
	weights    []Weight
	logger     *observability.Logger
}

// NewHash validates cfg and creates a Hash provider.
func NewHash(cfg HashConfig, logger *observability.Logger) (*Hash, error) {
	if cfg.Subject == "" {
		return nil, ErrMissingSubject
	}
	if cfg.Allocation == 0 {
		cfg.Allocation = 100
	}
	if cfg.Allocation < 0 || cfg.Allocation > 100 {
		return nil, fmt.Errorf("hash provider: allocation %d outside 1-100", cfg.Allocation)
	}
	if len(cfg.Weights) == 0 {
		cfg.Weights = DefaultWeights()
	}
	total := 0
	for _, w := range cfg.Weights {
		if w.Weight < 0 {
			return nil, fmt.Errorf("hash provider: negative weight for group %q", w.Group)
		}
		total += w.Weight
	}
	if total == 0 {
		return nil, errors.New("hash provider: weights sum to zero")
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Hash{
		subject:    cfg.Subject,
		allocation: cfg.Allocation,
		weights:    append([]Weight(nil), cfg.Weights...),
		logger:     logger.WithFields("provider", "hash"),
	}, nil
}

func (h *Hash) Name() string { return "hash" }

// WithSubject returns a copy of h bucketing a different subject.
func (h *Hash) WithSubject(subject string) *Hash {
	clone := *h
	clone.subject = subject
	return &clone
}

// Select returns the group for experiment id, or false when the subject falls
// outside the allocation.
func (h *Hash) Select(id string) (experiments.Group, bool) {
	if id == "" {
		return "", false
	}
	bucket := int(hashUint32(h.subject+":"+id) % 100)
	if bucket >= h.allocation {
		return "", false
	}

	total := 0
	for _, w := range h.weights {
		if w.Weight > 0 {
			total += w.Weight
		}
	}
	pick := int(hashUint32(h.subject+":"+id+":variant") % uint32(total))
	for _, w := range h.weights {
		if w.Weight <= 0 {
			continue
		}
		if pick < w.Weight {
			return w.Group, true
		}
		pick -= w.Weight
	}
	return "", false
}

func (h *Hash) TriggerExperiment(ctx context.Context, id string, assign experiments.AssignFunc) error {
	if err := validateTrigger(id, assign); err != nil {
		return err
	}
	group, ok := h.Select(id)
	if !ok {
		h.logger.Debug(ctx, "subject outside allocation", "experiment", id, "allocation", h.allocation)
		return nil
	}
	return assign(group)
}

func (h *Hash) TrackEvent(ctx context.Context, eventType, name string, value any) error {
	if err := validateEvent(eventType, name); err != nil {
		return err
	}
	logEvent(ctx, h.logger, eventType, name, value)
	return nil
}

func (h *Hash) Print(w io.Writer) error {
	parts := make([]string, len(h.weights))
	for i, weight := range h.weights {
		parts[i] = fmt.Sprintf("%s=%d", weight.Group, weight.Weight)
	}
	_, err := fmt.Fprintf(w, "provider: hash\nsubject: %s\nallocation: %d%%\nweights: %s\n",
		h.subject, h.allocation, strings.Join(parts, ", "))
	return err
}

func hashUint32(value string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(value))
	return h.Sum32()
}
