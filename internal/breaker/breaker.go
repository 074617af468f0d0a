// Package breaker implements the circuit breaker guarding the assembly
// consumer's emit path.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Breaker opens after a run of consecutive failures, fails fast for a
// cooldown period, then allows exactly one trial call. States carry
// timestamps rather than booleans so cooldown expiry cannot race.
type Breaker struct {
	mu sync.Mutex

	state         State
	failures      int
	threshold     int
	cooldown      time.Duration
	openedAt      time.Time
	trialInFlight bool

	now func() time.Time
}

// New creates a closed breaker that opens after threshold consecutive
// failures and stays open for cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns false until
// the cooldown elapses, at which point the breaker half-opens and exactly one
// caller gets a trial attempt.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// Success records a successful call. A half-open trial success closes the
// breaker and clears the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	b.state = StateClosed
}

// Failure records a failed call. In the closed state it opens the breaker
// once the consecutive-failure threshold is reached; a half-open trial
// failure reopens it immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.trialInFlight = false
	case StateOpen:
		// Already open; nothing to count.
	}
}

// Reset administratively closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.trialInFlight = false
}

// State returns the current position without advancing cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
