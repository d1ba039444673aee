package youtube

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type breaker struct {
	mu sync.Mutex

	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration

	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(trip int, baseDelay, maxDelay, resetAfter time.Duration) *breaker {
	return &breaker{
		trip:       trip,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		resetAfter: resetAfter,
	}
}

func (b *breaker) open(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked(now)

	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.trip {
		return
	}

	// Exponential cooldown after tripping.
	pow := b.fails - b.trip
	d := b.baseDelay
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	if d > b.maxDelay {
		d = b.maxDelay
	}
	b.openUntil = now.Add(d)
}

// maybeResetLocked forgets stale failures so one bad streak long ago does
// not keep the next real failure one step from tripping.
func (b *breaker) maybeResetLocked(now time.Time) {
	if !b.lastFailure.IsZero() && b.resetAfter > 0 && now.Sub(b.lastFailure) > b.resetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}
