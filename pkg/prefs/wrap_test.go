package prefs

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skybet/canvass/internal/observability"
)

func TestNamespaced(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryStore()
	alice := Namespaced(shared, "alice")
	bob := Namespaced(shared, "bob")

	if err := alice.Set(ctx, "canvassDebug", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := bob.Get(ctx, "canvassDebug"); ok {
		t.Error("bob sees alice's preference")
	}
	if v, ok, _ := alice.Get(ctx, "canvassDebug"); !ok || v != "1" {
		t.Errorf("alice Get = %q, %v", v, ok)
	}
	if _, ok := shared.Snapshot()["alice:canvassDebug"]; !ok {
		t.Errorf("snapshot = %v", shared.Snapshot())
	}
	if err := alice.Delete(ctx, "canvassDebug"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(shared.Snapshot()) != 0 {
		t.Errorf("snapshot after delete = %v", shared.Snapshot())
	}
	if err := alice.Set(ctx, " ", "x"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("blank key err = %v", err)
	}
}

func TestInstrument(t *testing.T) {
	ctx := context.Background()
	if s := NewMemoryStore(); Instrument(s, "memory", nil) != Store(s) {
		t.Error("nil metrics should return the store unchanged")
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := Instrument(NewMemoryStore(), "memory", metrics)
	_ = s.Set(ctx, "k", "v")
	_, _, _ = s.Get(ctx, "k")
	_, _, _ = s.Get(ctx, "")
	_ = s.Delete(ctx, "k")

	tests := []struct {
		op, status string
		want       float64
	}{
		{"set", "success", 1},
		{"get", "success", 1},
		{"get", "error", 1},
		{"delete", "success", 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(metrics.PrefsOperationCounter.WithLabelValues("memory", tt.op, tt.status))
		if got != tt.want {
			t.Errorf("%s/%s = %v, want %v", tt.op, tt.status, got, tt.want)
		}
	}
}

func TestRedisStore_WithNamespace(t *testing.T) {
	base := NewRedisStore(nil, RedisConfig{Prefix: "ab"})
	s := base.WithNamespace("visitor-9")
	if s.prefix != "ab:visitor-9:" {
		t.Errorf("prefix = %q", s.prefix)
	}
	if base.prefix != "ab:" {
		t.Errorf("base prefix changed to %q", base.prefix)
	}
}
