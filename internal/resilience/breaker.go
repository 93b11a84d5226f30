package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Status represents the circuit breaker state.
type Status int

const (
	StatusClosed   Status = 0 // Normal operation, calls pass through
	StatusOpen     Status = 1 // Tripped, calls rejected until the cooldown ends
	StatusHalfOpen Status = 2 // One trial call allowed through
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "CLOSED"
	case StatusOpen:
		return "OPEN"
	case StatusHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerState is a point-in-time snapshot of a breaker.
type BreakerState struct {
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenUntil           time.Time `json:"open_until"`
}

// Breaker is a three-state circuit breaker.
// After threshold consecutive failures it opens and rejects all calls for
// cooldown. It then admits exactly one trial: success closes it, failure
// reopens it with a fresh cooldown. Concurrent callers during the trial
// are rejected with ErrCircuitOpen.
type Breaker struct {
	mu        sync.Mutex
	status    Status
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	trialing   bool
	now       func() time.Time

	// OnStateChange is called on every transition, with the breaker lock held.
	OnStateChange func(from, to Status)
}

// NewBreaker creates a closed breaker.
// threshold: consecutive failures before opening (e.g., 5)
// cooldown: time spent open before the half-open trial (e.g., 30s)
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		status:    StatusClosed,
		now:       time.Now,
	}
}

// Execute runs fn through the breaker.
// A context.Canceled result is neither a success nor a failure.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.status {
	case StatusOpen:
		if b.now().Before(b.openUntil) {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.transition(StatusHalfOpen)
		b.trialing = true
	case StatusHalfOpen:
		if b.trialing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.trialing = true
	}
	trial := b.trialing
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trialing = false
	}

	switch {
	case err == nil:
		if b.status == StatusHalfOpen {
			b.transition(StatusClosed)
		}
		b.failures = 0
	case errors.Is(err, context.Canceled):
	default:
		b.failures++
		if b.status == StatusHalfOpen || b.failures >= b.threshold {
			b.openUntil = b.now().Add(b.cooldown)
			if b.status != StatusOpen {
				b.transition(StatusOpen)
			}
		}
	}
	return err
}

// Allow reports whether a call would currently be admitted, without
// reserving the trial slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.status {
	case StatusOpen:
		return !b.now().Before(b.openUntil)
	case StatusHalfOpen:
		return !b.trialing
	}
	return true
}

// CurrentStatus returns the current breaker status.
func (b *Breaker) CurrentStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BreakerState{Status: b.status, ConsecutiveFailures: b.failures}
	if b.status == StatusOpen {
		st.OpenUntil = b.openUntil
	}
	return st
}

func (b *Breaker) transition(to Status) {
	from := b.status
	b.status = to
	if to == StatusClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
