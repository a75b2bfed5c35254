package observability

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersOnGivenRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordStatus("FROG", "ENROLLED")
	m.ExperimentRegistered()

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"canvass_experiment_status_transitions_total", "canvass_registered_experiments"} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestRecordStatusAndActivation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordStatus("FROG", "ENROLLED")
	m.RecordStatus("FROG", "ACTIVE")
	m.RecordStatus("FROG", "ENROLLED")
	m.RecordActivation("FROG", "preview", "1")

	expected := `
		# HELP canvass_experiment_status_transitions_total Total number of experiment status transitions by experiment and status
		# TYPE canvass_experiment_status_transitions_total counter
		canvass_experiment_status_transitions_total{experiment="FROG",status="ACTIVE"} 1
		canvass_experiment_status_transitions_total{experiment="FROG",status="ENROLLED"} 2
	`
	if err := testutil.CollectAndCompare(m.StatusTransitions, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	if got := testutil.ToFloat64(m.Activations.WithLabelValues("FROG", "preview", "1")); got != 1 {
		t.Errorf("activations = %v, want 1", got)
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordProviderRequest("http", "trigger", "success", 0.02)
	m.RecordProviderRequest("http", "trigger", "error", 0.5)
	m.RecordProviderRequest("http", "track_event", "success", 0.01)

	if count := testutil.CollectAndCount(m.ProviderRequestCounter); count != 3 {
		t.Errorf("expected 3 label combinations, got %d", count)
	}
	if count := testutil.CollectAndCount(m.ProviderRequestDuration); count != 2 {
		t.Errorf("expected 2 histogram series, got %d", count)
	}
}

func TestRegisteredExperimentsGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ExperimentRegistered()
	m.ExperimentRegistered()
	m.ExperimentRemoved()

	if got := testutil.ToFloat64(m.RegisteredExperiments); got != 1 {
		t.Errorf("gauge = %v, want 1", got)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordStatus("FROG", "ACTIVE")
	m.RecordActivation("FROG", "provider", "0")
	m.RecordProviderRequest("random", "trigger", "success", 0)
	m.RecordTrackedEvent("click")
	m.RecordError("manager", "no_variant")
	m.ExperimentRegistered()
	m.ExperimentRemoved()
	m.RecordPrefsOperation("memory", "get", "success", 0)
	m.RecordHTTPRequest("GET", "/", "200", 0)
}

func TestStatusOf(t *testing.T) {
	if StatusOf(nil) != "success" {
		t.Error("nil error should be success")
	}
	if StatusOf(errors.New("boom")) != "error" {
		t.Error("non-nil error should be error")
	}
}
