package preview

import (
	"context"
	"reflect"
	"testing"

	"github.com/skybet/canvass/pkg/prefs"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		name        string
		value       string
		mode        Mode
		experiments map[string]string
	}{
		{name: "all", value: "all", mode: ModeAll, experiments: map[string]string{}},
		{name: "none", value: "none", mode: ModeNone, experiments: map[string]string{}},
		{name: "off", value: "off", mode: ModeOff, experiments: map[string]string{}},
		{name: "garbage", value: "garbage", mode: ModeOff, experiments: map[string]string{}},
		{name: "json object", value: `{"foo":1}`, mode: ModeCustom, experiments: map[string]string{"foo": "1"}},
		{name: "json string values", value: `{"FROG":"5","TOAD":0}`, mode: ModeCustom, experiments: map[string]string{"FROG": "5", "TOAD": "0"}},
		{name: "json drops other kinds", value: `{"a":true,"b":[1],"c":2}`, mode: ModeCustom, experiments: map[string]string{"c": "2"}},
		{name: "json string is not an object", value: `"foo"`, mode: ModeOff, experiments: map[string]string{}},
		{name: "invalid json", value: `{"foo"}`, mode: ModeOff, experiments: map[string]string{}},
		{name: "json array", value: `[1,2]`, mode: ModeOff, experiments: map[string]string{}},
		{name: "trailing garbage", value: `{"a":1}x`, mode: ModeOff, experiments: map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseValue(tt.value)
			if got.Mode != tt.mode {
				t.Errorf("Mode = %q, want %q", got.Mode, tt.mode)
			}
			if !reflect.DeepEqual(got.Experiments, tt.experiments) {
				t.Errorf("Experiments = %v, want %v", got.Experiments, tt.experiments)
			}
		})
	}
}

func TestQueryValue(t *testing.T) {
	if got := QueryValue("?canvassPreviewMode=all", ""); got != "all" {
		t.Errorf("got %q, want all", got)
	}
	if got := QueryValue(`previewMode={"FROG":5}&x=1`, "previewMode"); got != `{"FROG":5}` {
		t.Errorf("got %q", got)
	}
	if got := QueryValue("?canvassPreviewMode=", ""); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if got := QueryValue("", ""); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestResolve_QueryOverridesSession(t *testing.T) {
	ctx := context.Background()
	keys := prefs.DefaultKeys()
	session := prefs.NewMemoryStore()
	_ = session.Set(ctx, keys.PreviewMode, "none")
	_ = session.Set(ctx, keys.PreviewModeExperiments, "{}")

	cfg, err := Resolve(ctx, "all", session, keys)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Mode != ModeAll {
		t.Errorf("Mode = %q, want all", cfg.Mode)
	}
	stored, _, _ := session.Get(ctx, keys.PreviewMode)
	if stored != "all" {
		t.Errorf("session mode = %q, want all", stored)
	}
}

func TestResolve_FallsBackToSession(t *testing.T) {
	ctx := context.Background()
	keys := prefs.DefaultKeys()
	session := prefs.NewMemoryStore()
	_ = session.Set(ctx, keys.PreviewMode, "custom")
	_ = session.Set(ctx, keys.PreviewModeExperiments, `{"FROG":"1"}`)

	cfg, err := Resolve(ctx, "", session, keys)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Mode != ModeCustom {
		t.Errorf("Mode = %q, want custom", cfg.Mode)
	}
	if cfg.Experiments["FROG"] != "1" {
		t.Errorf("Experiments = %v", cfg.Experiments)
	}
}

func TestResolve_MalformedSessionExperiments(t *testing.T) {
	ctx := context.Background()
	keys := prefs.DefaultKeys()
	session := prefs.NewMemoryStore()
	_ = session.Set(ctx, keys.PreviewMode, "custom")
	_ = session.Set(ctx, keys.PreviewModeExperiments, "{broken")

	cfg, err := Resolve(ctx, "", session, keys)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Mode != ModeCustom || len(cfg.Experiments) != 0 {
		t.Errorf("cfg = %+v, want custom with no experiments", cfg)
	}
}

func TestResolve_InvalidSessionModeIsIgnored(t *testing.T) {
	ctx := context.Background()
	keys := prefs.DefaultKeys()
	session := prefs.NewMemoryStore()
	_ = session.Set(ctx, keys.PreviewMode, "sideways")

	cfg, err := Resolve(ctx, "", session, keys)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Mode != ModeOff {
		t.Errorf("Mode = %q, want off", cfg.Mode)
	}
	if _, ok, _ := session.Get(ctx, keys.PreviewMode); ok {
		t.Error("off should clear the stored mode")
	}
}

func TestResolve_DefaultOffClearsSession(t *testing.T) {
	ctx := context.Background()
	keys := prefs.DefaultKeys()
	session := prefs.NewMemoryStore()
	_ = session.Set(ctx, keys.PreviewMode, "all")

	cfg, err := Resolve(ctx, "off", session, keys)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Enabled() {
		t.Errorf("expected preview mode off, got %q", cfg.Mode)
	}
	if len(session.Snapshot()) != 0 {
		t.Errorf("session not cleared: %v", session.Snapshot())
	}
}

type deleteCounter struct {
	*prefs.MemoryStore
	deletes int
}

func (s *deleteCounter) Delete(ctx context.Context, key string) error {
	s.deletes++
	return s.MemoryStore.Delete(ctx, key)
}

func TestResolve_OffWithoutStoredStateSkipsDelete(t *testing.T) {
	session := &deleteCounter{MemoryStore: prefs.NewMemoryStore()}
	for _, query := range []string{"", "off", "garbage"} {
		if _, err := Resolve(context.Background(), query, session, prefs.DefaultKeys()); err != nil {
			t.Fatalf("Resolve(%q): %v", query, err)
		}
	}
	if session.deletes != 0 {
		t.Errorf("deletes = %d, want 0", session.deletes)
	}
}

func TestResolve_PersistsCustom(t *testing.T) {
	ctx := context.Background()
	keys := prefs.DefaultKeys()
	session := prefs.NewMemoryStore()

	if _, err := Resolve(ctx, `{"FROG":5}`, session, keys); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// A later page load without the query string sees the same override.
	cfg, err := Resolve(ctx, "", session, keys)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Mode != ModeCustom || cfg.Experiments["FROG"] != "5" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestResolve_NilSession(t *testing.T) {
	cfg, err := Resolve(context.Background(), "none", nil, prefs.Keys{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Mode != ModeNone {
		t.Errorf("Mode = %q, want none", cfg.Mode)
	}
}
