// Package resilience guards calls to external reasoning backends. A backend
// that keeps failing trips the breaker, so agents fail fast instead of
// stacking work on a dead endpoint.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls. Callers
// treat it like any other reasoner failure; the task fails and routing moves
// to another agent.
var ErrCircuitOpen = errors.New("resilience: circuit open, reasoner suspended")

const (
	closed   = iota // calls pass through
	open            // calls rejected until the cooldown elapses
	halfOpen        // one call allowed to test the backend
)

// Breaker counts consecutive reasoner failures and suspends calls once the
// threshold is hit. After the cooldown a single trial call is let through;
// its outcome decides whether the circuit closes again or reopens.
type Breaker struct {
	mu        sync.Mutex
	phase     int
	failures  int
	threshold int
	cooldown  time.Duration
	trippedAt time.Time
	clock     func() time.Time
}

// NewBreaker builds a breaker that trips after threshold consecutive
// failures and suspends calls for the cooldown before the next trial call.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// Execute runs fn unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling fn. The outcome of fn updates the circuit.
func (b *Breaker) Execute(fn func() error) error {
	if !b.admit() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.phase == halfOpen || b.failures >= b.threshold {
			b.phase = open
			b.trippedAt = b.clock()
		}
		return err
	}
	b.failures = 0
	b.phase = closed
	return nil
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == open {
		if b.clock().Sub(b.trippedAt) < b.cooldown {
			return false
		}
		b.phase = halfOpen
	}
	return true
}

// Tripped reports whether the breaker is currently rejecting calls.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase == open && b.clock().Sub(b.trippedAt) < b.cooldown
}
