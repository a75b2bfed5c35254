package events

import (
	"errors"
	"reflect"
	"testing"
)

func TestBus_OnEmit(t *testing.T) {
	var b Bus

	var got []any
	b.On("ping", func(args ...any) error {
		got = append(got, args...)
		return nil
	})

	if err := b.Emit("ping", "a", 1); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !reflect.DeepEqual(got, []any{"a", 1}) {
		t.Errorf("args = %v, want [a 1]", got)
	}
}

func TestBus_EmitWithoutListeners(t *testing.T) {
	b := New()
	if err := b.Emit("nobody"); err != nil {
		t.Errorf("Emit with no listeners returned %v", err)
	}
}

func TestBus_RegistrationOrder(t *testing.T) {
	b := New()
	var order []int
	for i := 1; i <= 3; i++ {
		n := i
		b.On("tick", func(args ...any) error {
			order = append(order, n)
			return nil
		})
	}

	_ = b.Emit("tick")

	if !reflect.DeepEqual(order, []int{1, 2, 3}) {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestBus_DuplicateRegistration(t *testing.T) {
	b := New()
	calls := 0
	listener := func(args ...any) error {
		calls++
		return nil
	}
	b.On("x", listener)
	b.On("x", listener)

	_ = b.Emit("x")

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestBus_OffPrunesEvent(t *testing.T) {
	b := New()
	id := b.On("x", func(args ...any) error { return nil })

	if b.ListenerCount("x") != 1 {
		t.Fatalf("expected 1 listener")
	}
	if !b.Off("x", id) {
		t.Fatal("Off returned false")
	}
	if b.ListenerCount("x") != 0 {
		t.Errorf("expected 0 listeners after Off")
	}
	if len(b.Events()) != 0 {
		t.Errorf("expected event key to be pruned, got %v", b.Events())
	}
	if b.Off("x", id) {
		t.Error("second Off should return false")
	}
}

func TestBus_Once(t *testing.T) {
	b := New()
	calls := 0
	b.Once("x", func(args ...any) error {
		calls++
		return nil
	})

	_ = b.Emit("x")
	_ = b.Emit("x")

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if b.ListenerCount("x") != 0 {
		t.Errorf("once listener not removed")
	}
}

func TestBus_ReentrantOff(t *testing.T) {
	b := New()
	var secondCalled bool
	var secondID string

	b.On("x", func(args ...any) error {
		b.Off("x", secondID)
		return nil
	})
	secondID = b.On("x", func(args ...any) error {
		secondCalled = true
		return nil
	})

	_ = b.Emit("x")

	if !secondCalled {
		t.Error("snapshot should still deliver to a listener removed mid-dispatch")
	}
	if b.ListenerCount("x") != 1 {
		t.Errorf("ListenerCount = %d, want 1", b.ListenerCount("x"))
	}
}

func TestBus_ReentrantEmit(t *testing.T) {
	b := New()
	var inner int
	b.On("outer", func(args ...any) error {
		return b.Emit("inner")
	})
	b.On("inner", func(args ...any) error {
		inner++
		return nil
	})

	if err := b.Emit("outer"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if inner != 1 {
		t.Errorf("inner = %d, want 1", inner)
	}
}

func TestBus_FirstErrorReturned(t *testing.T) {
	b := New()
	first := errors.New("first")
	var lastCalled bool

	b.On("x", func(args ...any) error { return first })
	b.On("x", func(args ...any) error { return errors.New("second") })
	b.On("x", func(args ...any) error {
		lastCalled = true
		return nil
	})

	err := b.Emit("x")
	if !errors.Is(err, first) {
		t.Errorf("err = %v, want %v", err, first)
	}
	if !lastCalled {
		t.Error("listeners after a failing one should still run")
	}
}

func TestBus_PanicBecomesError(t *testing.T) {
	b := New()
	b.On("x", func(args ...any) error { panic("boom") })

	if err := b.Emit("x"); err == nil {
		t.Fatal("expected error from panicking listener")
	}
}
