package modelrouter

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's three-state machine, per provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// breaker tracks one provider's consecutive-failure count and cooldown.
type breaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time

	failureThreshold int
	cooldown         time.Duration
}

func newBreaker(failureThreshold int, cooldown time.Duration) *breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{state: BreakerClosed, failureThreshold: failureThreshold, cooldown: cooldown}
}

// Allow reports whether a call should be attempted, transitioning
// OPEN->HALF_OPEN once the cooldown window has elapsed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker. One success while HALF_OPEN is enough.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFailures = 0
}

// RecordFailure counts a transient failure and opens the breaker once the
// threshold is reached, or immediately if the probe attempt in HALF_OPEN
// failed.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		return
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.failureThreshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
