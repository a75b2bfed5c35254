package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFake(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(cfg, WithClock(clock.Now))
	if l == nil {
		t.Fatal("New returned nil")
	}
	return l, clock
}

func TestLimiter_Burst(t *testing.T) {
	l, _ := newFake(t, Config{Rate: 1, Burst: 3})
	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("v1"); !ok {
			t.Fatalf("call %d denied", i)
		}
	}
	ok, wait := l.Allow("v1")
	if ok {
		t.Fatal("call after burst allowed")
	}
	if wait != time.Second {
		t.Errorf("wait = %v, want 1s", wait)
	}

	// Keys are independent.
	if ok, _ := l.Allow("v2"); !ok {
		t.Error("other key denied")
	}
}

func TestLimiter_Refill(t *testing.T) {
	l, clock := newFake(t, Config{Rate: 2, Burst: 1})
	if ok, _ := l.Allow("v1"); !ok {
		t.Fatal("first call denied")
	}
	if ok, _ := l.Allow("v1"); ok {
		t.Fatal("second call allowed")
	}
	clock.Advance(500 * time.Millisecond)
	if ok, _ := l.Allow("v1"); !ok {
		t.Error("call after refill denied")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	var l *Limiter = New(Config{})
	if l != nil {
		t.Fatal("zero rate should disable the limiter")
	}
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow("v1"); !ok {
			t.Fatal("nil limiter denied a call")
		}
	}
	if l.Len() != 0 {
		t.Error("nil limiter tracks keys")
	}
}

func TestLimiter_DefaultBurst(t *testing.T) {
	l, _ := newFake(t, Config{Rate: 2})
	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow("v1"); ok {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed = %d, want 5", allowed)
	}
}

func TestLimiter_PrunesIdleKeys(t *testing.T) {
	l, clock := newFake(t, Config{Rate: 1, Burst: 1, MaxKeys: 3})
	for i := 0; i < 3; i++ {
		l.Allow(fmt.Sprintf("v%d", i))
	}
	if l.Len() != 3 {
		t.Fatalf("len = %d", l.Len())
	}

	clock.Advance(2 * time.Second)
	l.Allow("fresh")
	if l.Len() != 1 {
		t.Errorf("len after prune = %d, want 1", l.Len())
	}
}

func TestLimiter_PrunesAllWhenBusy(t *testing.T) {
	l, _ := newFake(t, Config{Rate: 1, Burst: 1, MaxKeys: 2})
	l.Allow("a")
	l.Allow("b")
	l.Allow("c")
	if l.Len() != 1 {
		t.Errorf("len = %d, want 1", l.Len())
	}
}
