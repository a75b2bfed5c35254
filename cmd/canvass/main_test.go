package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skybet/canvass/internal/app"
	"github.com/skybet/canvass/internal/config"
)

const testConfigYAML = `
storage:
  driver: memory
provider:
  type: none
experiments:
  - id: PinkHomepage
    triggers:
      - type: path
        paths: ["/"]
    variants:
      "0": Default
      "1": Pink
  - id: BigButton
    triggers:
      - type: event
        event: button.click
    variants:
      "0": small
      "1": big
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canvass.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "state", "preview", "config", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != "canvass dev (commit: none, built: unknown)\n" {
		t.Errorf("output = %q", out)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("CANVASS_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigName {
		t.Errorf("default = %q", got)
	}
	t.Setenv("CANVASS_CONFIG", "/etc/canvass.yaml")
	if got := resolveConfigPath(""); got != "/etc/canvass.yaml" {
		t.Errorf("env = %q", got)
	}
	if got := resolveConfigPath("local.yaml"); got != "local.yaml" {
		t.Errorf("explicit = %q", got)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	path := writeConfig(t, testConfigYAML)
	out, err := execute(t, "config", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok (2 experiments, storage memory, provider none)") {
		t.Errorf("output = %q", out)
	}

	bad := writeConfig(t, "storage:\n  driver: mongo\n")
	if _, err := execute(t, "config", "validate", bad); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("schema output is not JSON: %v", err)
	}
}

func TestPreviewCommand(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{query: "canvassPreviewMode=all", want: "mode: all\n"},
		{query: "canvassPreviewMode=sideways", want: "mode: off\n"},
		{query: `canvassPreviewMode={"B":1,"A":"0"}`, want: "mode: custom\n  A -> 0\n  B -> 1\n"},
		{query: "other=all", want: "mode: off\n"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			out, err := execute(t, "preview", tt.query)
			if err != nil {
				t.Fatalf("preview: %v", err)
			}
			if out != tt.want {
				t.Errorf("output = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestStateCommand(t *testing.T) {
	path := writeConfig(t, testConfigYAML)
	out, err := execute(t, "state", "--config", path, "--visitor", "v1",
		"--path", "/", "--query", "canvassPreviewMode=all", "--fire", "button.click")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	for _, want := range []string{"preview mode:", "all", "PinkHomepage", "BigButton", "ACTIVE"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "WAITING") {
		t.Errorf("event trigger did not fire:\n%s", out)
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) http.Handler {
	t.Helper()
	cfg, err := config.Load(writeConfig(t, testConfigYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}
	a, err := app.New(context.Background(), cfg, app.WithLogOutput(io.Discard))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return newServer(a).routes()
}

func decodePage(t *testing.T, rec *httptest.ResponseRecorder) pageView {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var page pageView
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	return page
}

func findExperiment(page pageView, id string) experimentView {
	for _, exp := range page.Experiments {
		if exp.ID == id {
			return exp
		}
	}
	return experimentView{}
}

func TestServerPageSetsVisitorCookie(t *testing.T) {
	handler := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	page := decodePage(t, rec)

	if page.Visitor == "" || page.PreviewMode != "off" {
		t.Fatalf("page = %+v", page)
	}
	// No provider: triggered experiments wait in ENROLLED.
	if got := findExperiment(page, "PinkHomepage"); got.Status != "ENROLLED" || got.Variant != nil {
		t.Errorf("PinkHomepage = %+v", got)
	}
	if got := findExperiment(page, "BigButton").Status; got != "WAITING" {
		t.Errorf("BigButton status = %s, want WAITING", got)
	}

	var visitorCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "canvassVisitor" {
			visitorCookie = c
		}
	}
	if visitorCookie == nil || visitorCookie.Value != page.Visitor {
		t.Fatalf("visitor cookie = %v, want %s", visitorCookie, page.Visitor)
	}

	// A returning visitor keeps the id and the triggered experiment, which
	// preview mode then activates away from the trigger path.
	req := httptest.NewRequest(http.MethodGet, "/account?canvassPreviewMode=all", nil)
	req.AddCookie(visitorCookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	again := decodePage(t, rec)
	if again.Visitor != page.Visitor {
		t.Errorf("visitor = %s, want %s", again.Visitor, page.Visitor)
	}
	if got := findExperiment(again, "PinkHomepage"); got.Status != "ACTIVE" || got.Variant != "Pink" || got.Group != "1" {
		t.Errorf("returning PinkHomepage = %+v", got)
	}
	if got := findExperiment(again, "BigButton").Status; got != "WAITING" {
		t.Errorf("BigButton status = %s, want WAITING", got)
	}
}

func TestServerEvent(t *testing.T) {
	handler := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events/button.click?path=/account", nil))
	page := decodePage(t, rec)

	if page.Path != "/account" {
		t.Errorf("path = %s", page.Path)
	}
	if got := findExperiment(page, "BigButton").Status; got != "ENROLLED" {
		t.Errorf("BigButton status = %s, want ENROLLED", got)
	}
	if got := findExperiment(page, "PinkHomepage").Status; got != "WAITING" {
		t.Errorf("PinkHomepage status = %s, want WAITING", got)
	}
}

func TestServerTrack(t *testing.T) {
	handler := newTestServer(t, func(cfg *config.Config) {
		cfg.Provider.Type = config.ProviderRandom
	})

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "event", body: `{"type":"uv","name":"basket","value":3}`, want: http.StatusAccepted},
		{name: "action", body: `{"action":"signup"}`, want: http.StatusAccepted},
		{name: "missing name", body: `{"type":"uv"}`, want: http.StatusBadRequest},
		{name: "malformed", body: `{`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/track", strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestServerState(t *testing.T) {
	handler := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state?path=/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "PinkHomepage") {
		t.Errorf("state = %s", rec.Body.String())
	}
}

func TestServerMetricsAndHealth(t *testing.T) {
	handler := newTestServer(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = true
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"canvass_http_requests_total", `path="GET /healthz"`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestServerRateLimit(t *testing.T) {
	handler := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2}
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/track", strings.NewReader(`{"action":"signup"}`))
		req.AddCookie(&http.Cookie{Name: "canvassVisitor", Value: "v1"})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("Retry-After missing")
		}
	}
	if codes[0] != http.StatusAccepted || codes[1] != http.StatusAccepted || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	// Page views are not throttled.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("page status = %d", rec.Code)
	}
}
