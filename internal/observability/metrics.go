package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the experiment lifecycle.
//
// It tracks:
//   - Status transitions per experiment (WAITING, ENROLLED, ACTIVE)
//   - Activations and where their group came from (provider or preview)
//   - Assignment provider latency and outcomes
//   - Preference store operations
//   - HTTP requests served by the demo server
//
// Every method is safe to call on a nil *Metrics, so library users that do
// not want metrics can leave the field unset.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordActivation("FROG", "provider", "1")
type Metrics struct {
	// StatusTransitions counts status changes.
	// Labels: experiment, status
	StatusTransitions *prometheus.CounterVec

	// Activations counts experiments that reached ACTIVE.
	// Labels: experiment, source (provider|preview), group
	Activations *prometheus.CounterVec

	// ProviderRequestDuration measures provider calls in seconds.
	// Labels: provider, operation (trigger|track_event|track_action)
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider calls.
	// Labels: provider, operation, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// TrackedEvents counts events forwarded to the provider.
	// Labels: type
	TrackedEvents *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (manager|experiment|provider|prefs|server), error_type
	ErrorCounter *prometheus.CounterVec

	// RegisteredExperiments is the number of experiments in a manager register.
	RegisteredExperiments prometheus.Gauge

	// PrefsOperationDuration measures preference store calls in seconds.
	// Labels: backend, operation (get|set|delete)
	PrefsOperationDuration *prometheus.HistogramVec

	// PrefsOperationCounter counts preference store calls.
	// Labels: backend, operation, status
	PrefsOperationCounter *prometheus.CounterVec

	// HTTPRequestDuration measures demo server latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts demo server requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg uses
// the Prometheus default registerer. Registering twice with the same
// registry panics, so call this once per registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		StatusTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canvass_experiment_status_transitions_total",
				Help: "Total number of experiment status transitions by experiment and status",
			},
			[]string{"experiment", "status"},
		),

		Activations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canvass_experiment_activations_total",
				Help: "Total number of experiment activations by experiment, group source and group",
			},
			[]string{"experiment", "source", "group"},
		),

		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "canvass_provider_request_duration_seconds",
				Help:    "Duration of assignment provider calls in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"provider", "operation"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canvass_provider_requests_total",
				Help: "Total number of assignment provider calls by provider, operation and status",
			},
			[]string{"provider", "operation", "status"},
		),

		TrackedEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canvass_tracked_events_total",
				Help: "Total number of events forwarded to the provider by type",
			},
			[]string{"type"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canvass_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		RegisteredExperiments: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "canvass_registered_experiments",
				Help: "Number of experiments in the manager register",
			},
		),

		PrefsOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "canvass_prefs_operation_duration_seconds",
				Help:    "Duration of preference store operations in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"backend", "operation"},
		),

		PrefsOperationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canvass_prefs_operations_total",
				Help: "Total number of preference store operations",
			},
			[]string{"backend", "operation", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "canvass_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canvass_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordStatus counts a status transition.
func (m *Metrics) RecordStatus(experiment, status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(experiment, status).Inc()
}

// RecordActivation counts an activation. source is "provider" or "preview".
//
// Example:
//
//	metrics.RecordActivation("FROG", "preview", "1")
func (m *Metrics) RecordActivation(experiment, source, group string) {
	if m == nil {
		return
	}
	m.Activations.WithLabelValues(experiment, source, group).Inc()
}

// RecordProviderRequest records one provider call.
//
// Example:
//
//	start := time.Now()
//	err := provider.TrackEvent(ctx, "click", "cta", nil)
//	metrics.RecordProviderRequest("http", "track_event", StatusOf(err), time.Since(start).Seconds())
func (m *Metrics) RecordProviderRequest(provider, operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ProviderRequestCounter.WithLabelValues(provider, operation, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, operation).Observe(durationSeconds)
}

// RecordTrackedEvent counts an event forwarded to the provider.
func (m *Metrics) RecordTrackedEvent(eventType string) {
	if m == nil {
		return
	}
	m.TrackedEvents.WithLabelValues(eventType).Inc()
}

// RecordError increments the error counter.
//
//	metrics.RecordError("manager", "no_variant")
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// ExperimentRegistered increments the registered experiments gauge.
func (m *Metrics) ExperimentRegistered() {
	if m == nil {
		return
	}
	m.RegisteredExperiments.Inc()
}

// ExperimentRemoved decrements the registered experiments gauge.
func (m *Metrics) ExperimentRemoved() {
	if m == nil {
		return
	}
	m.RegisteredExperiments.Dec()
}

// RecordPrefsOperation records one preference store call.
func (m *Metrics) RecordPrefsOperation(backend, operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.PrefsOperationCounter.WithLabelValues(backend, operation, status).Inc()
	m.PrefsOperationDuration.WithLabelValues(backend, operation).Observe(durationSeconds)
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// StatusOf maps an error to the status label used by the counters.
func StatusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
