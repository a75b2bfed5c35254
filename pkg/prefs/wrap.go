package prefs

import (
	"context"
	"time"

	"github.com/skybet/canvass/internal/observability"
)

// Namespaced prefixes every key with namespace, so one shared store can hold
// preferences for many visitors.
func Namespaced(s Store, namespace string) Store {
	return &namespaced{store: s, prefix: namespace + ":"}
}

type namespaced struct {
	store  Store
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	return n.store.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return n.store.Set(ctx, n.prefix+key, value)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return n.store.Delete(ctx, n.prefix+key)
}

// Instrument records the latency and outcome of every operation on s under
// the given backend label. A nil metrics returns s unchanged.
func Instrument(s Store, backend string, metrics *observability.Metrics) Store {
	if metrics == nil {
		return s
	}
	return &instrumented{store: s, backend: backend, metrics: metrics}
}

type instrumented struct {
	store   Store
	backend string
	metrics *observability.Metrics
}

func (i *instrumented) record(op string, start time.Time, err error) {
	i.metrics.RecordPrefsOperation(i.backend, op, observability.StatusOf(err), time.Since(start).Seconds())
}

func (i *instrumented) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	value, ok, err := i.store.Get(ctx, key)
	i.record("get", start, err)
	return value, ok, err
}

func (i *instrumented) Set(ctx context.Context, key, value string) error {
	start := time.Now()
	err := i.store.Set(ctx, key, value)
	i.record("set", start, err)
	return err
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.store.Delete(ctx, key)
	i.record("delete", start, err)
	return err
}
