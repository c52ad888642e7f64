package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func succeeding() error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := cb.Call(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("Call() #%d error = %v, want errBoom", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}

	called := false
	err := cb.Call(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Call() while open error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn should not run while circuit is open")
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	var transitions []string
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cb := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		Component:        "weather_api",
		OnStateChange: func(component string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Call(ctx, failing)
	now = now.Add(11 * time.Second)

	if err := cb.Call(ctx, succeeding); err != nil {
		t.Fatalf("probe Call() error = %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() after one probe = %v, want half_open", cb.State())
	}
	if err := cb.Call(ctx, succeeding); err != nil {
		t.Fatalf("second probe Call() error = %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("State() = %v, want closed", cb.State())
	}

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	errNotFound := errors.New("not found")
	cb := New(Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errNotFound) },
	})
	for i := 0; i < 5; i++ {
		_ = cb.Call(context.Background(), func() error { return errNotFound })
	}
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cb.Call(ctx, succeeding); !errors.Is(err, context.Canceled) {
		t.Errorf("Call() error = %v, want context.Canceled", err)
	}
}

func TestCircuitBreaker_CallerCancelledDuringCallNotRecorded(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, Timeout: time.Minute})
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := cb.Call(ctx, func() error {
			cancel()
			return ctx.Err()
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Call() #%d error = %v, want context.Canceled", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("State() = %v after cancelled calls, want closed", cb.State())
	}

	// A real failure still counts from zero.
	_ = cb.Call(context.Background(), failing)
	if cb.State() != StateClosed {
		t.Errorf("State() = %v after one failure, want closed", cb.State())
	}
}
