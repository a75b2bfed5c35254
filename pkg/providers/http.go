package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/skybet/canvass/internal/observability"
	"github.com/skybet/canvass/internal/retry"
	"github.com/skybet/canvass/pkg/experiments"
)

// DefaultHTTPTimeout bounds each request to the assignment service.
const DefaultHTTPTimeout = 2 * time.Second

// StatusError is a non-2xx response from the assignment service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("assignment service returned %d", e.Code)
	}
	return fmt.Sprintf("assignment service returned %d: %s", e.Code, e.Body)
}

// HTTPConfig configures an HTTP provider.
type HTTPConfig struct {
	// Endpoint is the base URL of the assignment service (required).
	Endpoint string

	// VisitorID is sent with every request.
	VisitorID string

	// Timeout applies per attempt. Defaults to DefaultHTTPTimeout.
	Timeout time.Duration

	// Retry defaults to retry.DefaultConfig.
	Retry retry.Config

	// Client overrides the HTTP client. Its Timeout is left untouched.
	Client *http.Client

	Logger *observability.Logger
	Tracer *observability.Tracer
}

// HTTP asks a remote assignment service for groups and forwards tracked
// events to it. The service contract is:
//
//	POST {endpoint}/experiments/{id}/trigger  {"visitor": "..."} -> {"group": "1"}
//	POST {endpoint}/events                    {"visitor", "type", "name", "value"}
//	POST {endpoint}/actions                   {"visitor", "action"}
//
// When the service cannot be reached, or does not know an experiment, the
// call is logged and succeeds without assigning a group.
type HTTP struct {
	endpoint  *url.URL
	visitorID string
	client    *http.Client
	retry     retry.Config
	logger    *observability.Logger
	tracer    *observability.Tracer

	mu          sync.Mutex
	assignments map[string]experiments.Group
}

type triggerRequest struct {
	Visitor string `json:"visitor"`
}

type triggerResponse struct {
	Group json.RawMessage `json:"group"`
}

// group accepts "1" as well as 1.
func (r triggerResponse) group() (experiments.Group, bool) {
	if len(r.Group) == 0 || string(r.Group) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(r.Group, &s); err == nil {
		return experiments.Group(s), s != ""
	}
	var n json.Number
	if err := json.Unmarshal(r.Group, &n); err == nil {
		return experiments.Group(n.String()), true
	}
	return "", false
}

type eventRequest struct {
	Visitor string `json:"visitor,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Value   any    `json:"value,omitempty"`
}

type actionRequest struct {
	Visitor string `json:"visitor,omitempty"`
	Action  string `json:"action"`
}

// NewHTTP validates cfg and creates an HTTP provider.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("http provider: endpoint is required")
	}
	endpoint, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("http provider: parse endpoint: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("http provider: unsupported scheme %q", endpoint.Scheme)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Nop()
	}

	return &HTTP{
		endpoint:    endpoint,
		visitorID:   cfg.VisitorID,
		client:      client,
		retry:       cfg.Retry,
		logger:      logger.WithFields("provider", "http"),
		tracer:      cfg.Tracer,
		assignments: make(map[string]experiments.Group),
	}, nil
}

func (h *HTTP) Name() string { return "http" }

// WithVisitor returns a provider for another visitor sharing h's client.
func (h *HTTP) WithVisitor(visitorID string) *HTTP {
	return &HTTP{
		endpoint:    h.endpoint,
		visitorID:   visitorID,
		client:      h.client,
		retry:       h.retry,
		logger:      h.logger,
		tracer:      h.tracer,
		assignments: make(map[string]experiments.Group),
	}
}

// TriggerExperiment fetches the visitor's group and passes it to assign.
func (h *HTTP) TriggerExperiment(ctx context.Context, id string, assign experiments.AssignFunc) error {
	if err := validateTrigger(id, assign); err != nil {
		return err
	}

	var resp triggerResponse
	path := "experiments/" + url.PathEscape(id) + "/trigger"
	err := h.post(ctx, path, triggerRequest{Visitor: h.visitorID}, &resp)
	switch {
	case isUnavailable(err):
		h.logger.Warn(ctx, "assignment service unavailable, experiment not triggered", "experiment", id, "error", err)
		return nil
	case isStatus(err, http.StatusNotFound):
		h.logger.Warn(ctx, "experiment unknown to assignment service", "experiment", id)
		return nil
	case err != nil:
		return fmt.Errorf("trigger %s: %w", id, err)
	}
	group, ok := resp.group()
	if !ok {
		return fmt.Errorf("trigger %s: response has no group", id)
	}

	h.mu.Lock()
	h.assignments[id] = group
	h.mu.Unlock()

	return assign(group)
}

// TrackEvent sends an event of type "qp" or "uv".
func (h *HTTP) TrackEvent(ctx context.Context, eventType, name string, value any) error {
	if err := validateEvent(eventType, name); err != nil {
		return err
	}
	if !EventType(eventType).valid() {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	err := h.post(ctx, "events", eventRequest{Visitor: h.visitorID, Type: eventType, Name: name, Value: value}, nil)
	if isUnavailable(err) {
		h.logger.Warn(ctx, "assignment service unavailable, event dropped", "type", eventType, "name", name)
		return nil
	}
	return err
}

func (h *HTTP) TrackAction(ctx context.Context, action string) error {
	if action == "" {
		return ErrMissingAction
	}
	h.logger.Info(ctx, "tracking action", "action", action)

	err := h.post(ctx, "actions", actionRequest{Visitor: h.visitorID, Action: action}, nil)
	if isUnavailable(err) {
		h.logger.Warn(ctx, "assignment service unavailable, action dropped", "action", action)
		return nil
	}
	return err
}

// Assignments returns the groups received in this provider's lifetime.
func (h *HTTP) Assignments() map[string]experiments.Group {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]experiments.Group, len(h.assignments))
	for id, group := range h.assignments {
		out[id] = group
	}
	return out
}

func (h *HTTP) Print(w io.Writer) error {
	assignments := h.Assignments()
	ids := make([]string, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if _, err := fmt.Fprintf(w, "provider: http\nendpoint: %s\nvisitor: %s\n", h.endpoint, h.visitorID); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := fmt.Fprintf(w, "  %s -> %s\n", id, assignments[id]); err != nil {
			return err
		}
	}
	return nil
}

// unavailableError marks transport failures that survived every retry.
type unavailableError struct{ err error }

func (e *unavailableError) Error() string { return "assignment service unavailable: " + e.err.Error() }
func (e *unavailableError) Unwrap() error { return e.err }

func isUnavailable(err error) bool {
	var target *unavailableError
	return errors.As(err, &target)
}

func isStatus(err error, code int) bool {
	var target *StatusError
	return errors.As(err, &target) && target.Code == code
}

func (h *HTTP) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	target := h.endpoint.String() + "/" + path

	cfg := h.retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		h.logger.Debug(ctx, "retrying assignment service request", "path", path, "attempt", attempt, "delay", delay.String(), "error", err)
	}

	result := retry.Do(ctx, cfg, func(int) error {
		return h.do(ctx, target, payload, out)
	})
	if result.Err == nil {
		return nil
	}

	var urlErr *url.Error
	if errors.As(result.Err, &urlErr) && !errors.Is(result.Err, context.Canceled) {
		return &unavailableError{err: result.Err}
	}
	var perm *retry.PermanentError
	if errors.As(result.Err, &perm) {
		return perm.Err
	}
	return result.Err
}

func (h *HTTP) do(ctx context.Context, target string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	h.tracer.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.After(statusErr, retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return statusErr
	default:
		return retry.Permanent(statusErr)
	}
}

func retryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return time.Until(at)
	}
	return 0
}
