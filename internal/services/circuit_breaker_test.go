package services

import (
	"testing"
	"time"
)

func TestCircuitBreakerTransitions(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:     2,
		ResetTimeout:    1 * time.Millisecond,
		HalfOpenMaxReqs: 1,
	})

	if cb.State() != BreakerClosed {
		t.Fatalf("initial state = %v, want closed", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("closed breaker should allow requests")
	}

	cb.OnFailure()
	if cb.State() != BreakerClosed {
		t.Fatalf("state after one failure = %v, want closed", cb.State())
	}
	cb.OnFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("state after max failures = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open breaker should reject requests")
	}

	// After the reset timeout the breaker probes in half-open.
	time.Sleep(2 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("breaker should allow a probe after reset timeout")
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state after probe = %v, want half-open", cb.State())
	}

	cb.OnSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("state after probe success = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:     1,
		ResetTimeout:    1 * time.Millisecond,
		HalfOpenMaxReqs: 1,
	})

	cb.OnFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(2 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected half-open probe")
	}
	cb.OnFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("state after probe failure = %v, want open", cb.State())
	}
}

func TestCircuitBreakerHalfOpenLimitsProbes(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:     1,
		ResetTimeout:    1 * time.Millisecond,
		HalfOpenMaxReqs: 1,
	})

	cb.OnFailure()
	time.Sleep(2 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("first probe should pass")
	}
	if cb.Allow() {
		t.Fatal("second probe should be rejected while half-open")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	for i := 0; i < 10; i++ {
		cb.OnFailure()
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	cb.Reset()
	if cb.State() != BreakerClosed || !cb.Allow() {
		t.Fatal("reset breaker should be closed and allowing")
	}
}

func TestBreakerStateString(t *testing.T) {
	cases := map[CircuitBreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
