package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUnavailable = NewTransientError(errors.New("index unavailable"), 503)

func failN(b *Breaker, n int, err error) {
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), func(_ context.Context) error { return err })
	}
}

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())

	var calls int
	err := b.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if b.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	failN(b, 3, errUnavailable)

	if b.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	err := b.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if snap := b.Snapshot(); snap.Trips != 1 || snap.State != "open" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	failN(b, 5, errors.New("bad request"))

	if b.State() != CircuitClosed {
		t.Errorf("expected closed after permanent errors, got %s", b.State())
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	failN(b, 2, errUnavailable)
	_ = b.Execute(context.Background(), func(_ context.Context) error { return nil })
	failN(b, 2, errUnavailable)

	if b.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }

	failN(b, 1, errUnavailable)
	if b.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	now = now.Add(11 * time.Second)
	if b.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if err := b.Execute(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != CircuitClosed {
		t.Errorf("expected closed after probe, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }

	failN(b, 1, errUnavailable)
	now = now.Add(11 * time.Second)
	failN(b, 1, errUnavailable)

	if b.State() != CircuitOpen {
		t.Errorf("expected reopened, got %s", b.State())
	}
	if snap := b.Snapshot(); snap.Trips != 2 {
		t.Errorf("expected 2 trips, got %d", snap.Trips)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	failN(b, 1, errUnavailable)
	b.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(_ context.Context) error {
				if i%2 == 0 {
					return errUnavailable
				}
				return nil
			})
			_ = b.Snapshot()
		}(i)
	}
	wg.Wait()

	if b.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestCircuitState_String(t *testing.T) {
	cases := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("expected %q, got %q", want, s.String())
		}
	}
}
