// Package prefs defines the persisted preference store used for triggered
// experiments, preview mode state and debug flags, with memory, SQL, Redis and
// HTTP cookie backends.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("preference key is required")
)

// Store reads and writes string values under named keys.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Keys holds the reserved preference names.
type Keys struct {
	TriggeredExperiments   string `yaml:"triggered_experiments,omitempty" json:"triggered_experiments,omitempty"`
	PreviewMode            string `yaml:"preview_mode,omitempty" json:"preview_mode,omitempty"`
	PreviewModeExperiments string `yaml:"preview_mode_experiments,omitempty" json:"preview_mode_experiments,omitempty"`
	Debug                  string `yaml:"debug,omitempty" json:"debug,omitempty"`
	DisableActivation      string `yaml:"disable_activation,omitempty" json:"disable_activation,omitempty"`
	// QueryParam is the query string parameter carrying preview mode.
	QueryParam string `yaml:"query_param,omitempty" json:"query_param,omitempty"`
}

// DefaultKeys returns the canonical key names.
func DefaultKeys() Keys {
	return Keys{
		TriggeredExperiments:   "canvassTriggeredExperiments",
		PreviewMode:            "canvassPreviewMode",
		PreviewModeExperiments: "canvassPreviewModeExperiments",
		Debug:                  "canvassDebug",
		DisableActivation:      "canvassDisableActivation",
		QueryParam:             "canvassPreviewMode",
	}
}

// WithDefaults fills empty names from DefaultKeys.
func (k Keys) WithDefaults() Keys {
	d := DefaultKeys()
	if k.TriggeredExperiments == "" {
		k.TriggeredExperiments = d.TriggeredExperiments
	}
	if k.PreviewMode == "" {
		k.PreviewMode = d.PreviewMode
	}
	if k.PreviewModeExperiments == "" {
		k.PreviewModeExperiments = d.PreviewModeExperiments
	}
	if k.Debug == "" {
		k.Debug = d.Debug
	}
	if k.DisableActivation == "" {
		k.DisableActivation = d.DisableActivation
	}
	if k.QueryParam == "" {
		k.QueryParam = d.QueryParam
	}
	return k
}

// Flag reports whether a boolean flag key is set. Any present value other
// than "", "0" or "false" counts as set. Lookup errors count as unset.
func Flag(ctx context.Context, s Store, key string) bool {
	if s == nil {
		return false
	}
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false":
		return false
	}
	return true
}

// GetJSON decodes a JSON value stored under key into dst.
// It returns false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes value as JSON and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(payload))
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}
