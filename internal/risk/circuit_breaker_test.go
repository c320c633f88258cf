package risk

import (
	"errors"
	"testing"
	"time"
)

func TestOpensAfterConsecutiveErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxConsecutiveErrors: 3, Cooldown: time.Minute})

	cb.OnError()
	cb.OnError()
	cb.OnSuccess()
	cb.OnError()
	cb.OnError()
	if err := cb.Allow(); err != nil {
		t.Fatalf("success must reset the counter: %v", err)
	}
	cb.OnError()
	if err := cb.Allow(); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected open, got %v", err)
	}
}

func TestHalfOpenProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxConsecutiveErrors: 1, Cooldown: 10 * time.Second})
	cb.SetClock(func() time.Time { return now })

	cb.OnError()
	if cb.Allow() == nil {
		t.Fatalf("expected open")
	}

	now = now.Add(11 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.Allow() == nil {
		t.Fatalf("only one probe at a time")
	}

	// 试探失败重新计时
	cb.OnError()
	if cb.Allow() == nil {
		t.Fatalf("failed probe must reopen")
	}
	now = now.Add(11 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	cb.OnSuccess()
	if cb.Open() {
		t.Fatalf("successful probe must close")
	}
}

func TestManualHalt(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{Cooldown: time.Second})
	cb.SetClock(func() time.Time { return now })

	cb.Halt()
	now = now.Add(time.Hour)
	if cb.Allow() == nil {
		t.Fatalf("manual halt ignores cooldown")
	}
	cb.OnSuccess()
	if !cb.Open() {
		t.Fatalf("manual halt survives success")
	}
	cb.Resume()
	if err := cb.Allow(); err != nil {
		t.Fatal(err)
	}
}

func TestDisabledAndNil(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	for i := 0; i < 100; i++ {
		cb.OnError()
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("zero threshold never opens: %v", err)
	}

	var nilCB *CircuitBreaker
	if err := nilCB.Allow(); err != nil {
		t.Fatal(err)
	}
	nilCB.OnError()
	nilCB.OnSuccess()
}
