// Package preview resolves the operator preview-mode override from the query
// string and the session preference store.
package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/skybet/canvass/pkg/prefs"
)

// Mode is a preview-mode override.
type Mode string

const (
	// ModeOff leaves assignment to the provider.
	ModeOff Mode = "off"
	// ModeAll forces every experiment into the challenger group.
	ModeAll Mode = "all"
	// ModeNone forces every experiment into the control group.
	ModeNone Mode = "none"
	// ModeCustom forces listed experiments into the given groups.
	ModeCustom Mode = "custom"
)

// Valid reports whether m is a recognised mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeOff, ModeAll, ModeNone, ModeCustom:
		return true
	}
	return false
}

// Config is the resolved preview-mode state.
type Config struct {
	Mode Mode
	// Experiments maps experiment id to forced group. Only used in ModeCustom.
	Experiments map[string]string
}

// Off returns the default configuration.
func Off() Config {
	return Config{Mode: ModeOff, Experiments: map[string]string{}}
}

// Enabled reports whether an override is active.
func (c Config) Enabled() bool {
	return c.Mode != "" && c.Mode != ModeOff
}

// Resolve determines the preview mode. A non-empty query value always wins;
// otherwise the session store is consulted; otherwise preview mode is off.
// The result is written back to the session store, or cleared from it when
// off. A nil session store skips both reading and persisting.
func Resolve(ctx context.Context, queryValue string, session prefs.Store, keys prefs.Keys) (Config, error) {
	keys = keys.WithDefaults()

	var cfg Config
	if strings.TrimSpace(queryValue) != "" {
		cfg = ParseValue(queryValue)
	} else if stored, ok := fromSession(ctx, session, keys); ok {
		cfg = stored
	} else {
		cfg = Off()
	}

	if err := persist(ctx, session, keys, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// QueryValue extracts the preview parameter from a raw query string. A
// leading "?" is tolerated.
func QueryValue(rawQuery, param string) string {
	if param == "" {
		param = prefs.DefaultKeys().QueryParam
	}
	// ParseQuery keeps the pairs it could decode, so the error is ignored.
	values, _ := url.ParseQuery(strings.TrimPrefix(rawQuery, "?"))
	return values.Get(param)
}

// ParseValue interprets a query-string value. A JSON object selects custom
// mode; the literals all, none and off select that mode; anything else is off.
func ParseValue(value string) Config {
	value = strings.TrimSpace(value)
	if experiments, ok := parseExperiments(value); ok {
		return Config{Mode: ModeCustom, Experiments: experiments}
	}
	switch Mode(value) {
	case ModeAll, ModeNone, ModeOff:
		return Config{Mode: Mode(value), Experiments: map[string]string{}}
	}
	return Off()
}

// parseExperiments decodes a JSON object of experiment id to group. Number
// and string values are kept; other kinds are dropped.
func parseExperiments(value string) (map[string]string, bool) {
	if !strings.HasPrefix(value, "{") {
		return nil, false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(value), &raw); err != nil || raw == nil {
		return nil, false
	}

	out := make(map[string]string, len(raw))
	for id, v := range raw {
		var number json.Number
		if err := json.Unmarshal(v, &number); err == nil {
			out[id] = number.String()
			continue
		}
		var text string
		if err := json.Unmarshal(v, &text); err == nil {
			out[id] = text
		}
	}
	return out, true
}

func fromSession(ctx context.Context, session prefs.Store, keys prefs.Keys) (Config, bool) {
	if session == nil {
		return Config{}, false
	}
	raw, ok, err := session.Get(ctx, keys.PreviewMode)
	if err != nil || !ok {
		return Config{}, false
	}
	mode := Mode(strings.TrimSpace(raw))
	if !mode.Valid() {
		return Config{}, false
	}

	experiments := map[string]string{}
	if stored, ok, err := session.Get(ctx, keys.PreviewModeExperiments); err == nil && ok {
		if parsed, ok := parseExperiments(strings.TrimSpace(stored)); ok {
			experiments = parsed
		}
	}
	return Config{Mode: mode, Experiments: experiments}, true
}

func persist(ctx context.Context, session prefs.Store, keys prefs.Keys, cfg Config) error {
	if session == nil {
		return nil
	}
	if !cfg.Enabled() {
		if err := clearKey(ctx, session, keys.PreviewMode); err != nil {
			return fmt.Errorf("clear preview mode: %w", err)
		}
		if err := clearKey(ctx, session, keys.PreviewModeExperiments); err != nil {
			return fmt.Errorf("clear preview experiments: %w", err)
		}
		return nil
	}
	if err := session.Set(ctx, keys.PreviewMode, string(cfg.Mode)); err != nil {
		return fmt.Errorf("save preview mode: %w", err)
	}
	experiments := cfg.Experiments
	if experiments == nil {
		experiments = map[string]string{}
	}
	if err := prefs.SetJSON(ctx, session, keys.PreviewModeExperiments, experiments); err != nil {
		return fmt.Errorf("save preview experiments: %w", err)
	}
	return nil
}

// clearKey deletes key only when it is present, so a visitor without preview
// state gets no delete writes.
func clearKey(ctx context.Context, session prefs.Store, key string) error {
	if _, ok, err := session.Get(ctx, key); err == nil && !ok {
		return nil
	}
	return session.Delete(ctx, key)
}
