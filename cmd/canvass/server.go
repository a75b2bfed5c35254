package main

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skybet/canvass/internal/app"
	"github.com/skybet/canvass/internal/observability"
	"github.com/skybet/canvass/internal/ratelimit"
	"github.com/skybet/canvass/pkg/experiments"
	"github.com/skybet/canvass/pkg/providers"
)

// server is the demo HTTP surface. Every request builds its own session, so
// a page view sees the configuration current at the time it arrived.
type server struct {
	app     *app.App
	limiter *ratelimit.Limiter
}

func newServer(a *app.App) *server {
	s := &server{app: a}
	if rl := a.Config.Server.RateLimit; rl.Enabled {
		s.limiter = ratelimit.New(ratelimit.Config{Rate: rl.RequestsPerSecond, Burst: rl.Burst})
	}
	return s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.app.Metrics != nil {
		mux.Handle("GET "+s.app.Config.Metrics.Path, promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /state", s.handleState)
	mux.Handle("POST /events/{name}", s.throttle(http.HandlerFunc(s.handleEvent)))
	mux.Handle("POST /track", s.throttle(http.HandlerFunc(s.handleTrack)))
	mux.HandleFunc("GET /{path...}", s.handlePage)
	return s.instrument(mux)
}

// instrument records metrics, a server span and a debug log line per request.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := s.app.Tracer.TraceHTTPRequest(r.Context(), r.Method, r.URL.Path)
		defer span.End()

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.app.Metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapped.status), time.Since(start).Seconds())
		s.app.Logger.Debug(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

// throttle rejects visitors that exceed the configured rate. Callers without
// a visitor cookie are keyed by remote address.
func (s *server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ""
		if c, err := r.Cookie(s.app.Config.Server.VisitorCookie); err == nil {
			key = c.Value
		}
		if key == "" {
			key, _, _ = net.SplitHostPort(r.RemoteAddr)
		}
		if ok, wait := s.limiter.Allow(key); !ok {
			s.app.Metrics.RecordError("server", "rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

type experimentView struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Group   string `json:"group,omitempty"`
	Variant any    `json:"variant,omitempty"`
}

type pageView struct {
	Visitor     string           `json:"visitor"`
	Path        string           `json:"path"`
	PreviewMode string           `json:"preview_mode"`
	Experiments []experimentView `json:"experiments"`
}

func (s *server) handlePage(w http.ResponseWriter, r *http.Request) {
	session, visitor, ok := s.session(w, r, r.URL.Path)
	if !ok {
		return
	}
	defer session.Close()
	s.writePage(w, session, visitor, r.URL.Path)
}

// handleEvent emits a page event, such as a button click, on a fresh page
// view of ?path= and returns the resulting page.
func (s *server) handleEvent(w http.ResponseWriter, r *http.Request) {
	path := pagePath(r)
	session, visitor, ok := s.session(w, r, path)
	if !ok {
		return
	}
	defer session.Close()

	if err := session.Emit(r.PathValue("name")); err != nil {
		s.app.Logger.Warn(r.Context(), "event listener failed", "event", r.PathValue("name"), "error", err)
	}
	s.writePage(w, session, visitor, path)
}

type trackRequest struct {
	Type   string `json:"type,omitempty"`
	Name   string `json:"name,omitempty"`
	Value  any    `json:"value,omitempty"`
	Action string `json:"action,omitempty"`
}

// handleTrack forwards {"type","name","value"} as an event or {"action"} as
// an action to the provider.
func (s *server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, _, ok := s.session(w, r, pagePath(r))
	if !ok {
		return
	}
	defer session.Close()

	var err error
	if req.Action != "" {
		err = session.Manager.TrackAction(r.Context(), req.Action)
	} else {
		err = session.Manager.TrackEvent(r.Context(), req.Type, req.Name, req.Value)
	}
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case isValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.app.Logger.Error(r.Context(), "tracking failed", "error", err)
		writeError(w, http.StatusBadGateway, "tracking failed")
	}
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.session(w, r, pagePath(r))
	if !ok {
		return
	}
	defer session.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := session.Manager.PrintState(w); err != nil {
		s.app.Logger.Warn(r.Context(), "print state failed", "error", err)
	}
}

// session identifies the visitor, setting the visitor cookie on first visit,
// and builds a session for a page view of path. It writes the error response
// itself and reports false on failure.
func (s *server) session(w http.ResponseWriter, r *http.Request, path string) (*app.Session, string, bool) {
	visitor := s.visitorID(w, r)
	ctx := observability.AddVisitorID(r.Context(), visitor)

	store, err := s.app.Store(w, r, visitor)
	if err != nil {
		s.app.Logger.Error(ctx, "open preference store failed", "error", err)
		writeError(w, http.StatusInternalServerError, "preference store unavailable")
		return nil, "", false
	}
	session, err := s.app.NewSession(ctx, app.Visit{
		VisitorID:    visitor,
		Path:         path,
		Query:        r.URL.RawQuery,
		Store:        store,
		SessionStore: s.app.SessionStore(w, r, store),
	})
	if err != nil {
		s.app.Logger.Error(ctx, "build session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return nil, "", false
	}
	return session, visitor, true
}

func (s *server) visitorID(w http.ResponseWriter, r *http.Request) string {
	name := s.app.Config.Server.VisitorCookie
	if c, err := r.Cookie(name); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	cookie := s.app.Config.Storage.Cookie
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    id,
		Path:     "/",
		Domain:   cookie.Domain,
		MaxAge:   cookie.MaxAgeSeconds,
		Secure:   cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (s *server) writePage(w http.ResponseWriter, session *app.Session, visitor, path string) {
	view := pageView{
		Visitor:     visitor,
		Path:        path,
		PreviewMode: string(session.Manager.PreviewMode()),
		Experiments: []experimentView{},
	}
	for _, exp := range session.Manager.Experiments() {
		ev := experimentView{ID: exp.ID(), Status: exp.Status().String()}
		if group, ok := exp.Group(); ok {
			ev.Group = string(group)
		}
		if exp.Status() == experiments.StatusActive {
			ev.Variant, _ = session.Variant(exp.ID())
		}
		view.Experiments = append(view.Experiments, ev)
	}
	writeJSON(w, http.StatusOK, view)
}

func pagePath(r *http.Request) string {
	if p := r.URL.Query().Get("path"); p != "" {
		return p
	}
	return "/"
}

func isValidationError(err error) bool {
	for _, target := range []error{
		providers.ErrMissingType,
		providers.ErrMissingName,
		providers.ErrMissingAction,
		providers.ErrUnknownEventType,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
