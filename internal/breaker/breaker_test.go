package breaker

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.Failure()
	}
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED after 2 failures, got %s", b.State())
	}

	b.Failure()
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after 3 failures, got %s", b.State())
	}
	if b.Allow() {
		t.Fatalf("expected Allow to be false while open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()

	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", b.State())
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b := New(1, 50*time.Millisecond)
	current := time.Now()
	b.now = func() time.Time { return current }

	b.Failure()
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}
	if b.Allow() {
		t.Fatalf("expected no calls during cooldown")
	}

	current = current.Add(51 * time.Millisecond)

	if !b.Allow() {
		t.Fatalf("expected exactly one trial call after cooldown")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State())
	}
	if b.Allow() {
		t.Fatalf("expected second call to be rejected while trial in flight")
	}

	b.Success()
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED after trial success, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatalf("expected calls allowed after close")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(1, 50*time.Millisecond)
	current := time.Now()
	b.now = func() time.Time { return current }

	b.Failure()
	current = current.Add(51 * time.Millisecond)

	if !b.Allow() {
		t.Fatalf("expected trial call")
	}
	b.Failure()

	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after trial failure, got %s", b.State())
	}
	if b.Allow() {
		t.Fatalf("expected no calls during second cooldown")
	}
}

func TestBreakerAdminReset(t *testing.T) {
	b := New(1, time.Hour)

	b.Failure()
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED after reset, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatalf("expected calls allowed after reset")
	}
}
