package watch

import (
	"sync"
	"time"
)

const defaultFailureThreshold = 3

// CircuitBreaker slows polling after consecutive store failures. Below the
// threshold the watcher keeps its normal interval; at or above it the delay
// doubles per extra failure.
type CircuitBreaker struct {
	threshold int

	mu       sync.Mutex
	failures int
}

// NewCircuitBreaker returns a closed breaker that opens after threshold
// consecutive failures. A non-positive threshold means 3.
func NewCircuitBreaker(threshold int) *CircuitBreaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &CircuitBreaker{threshold: threshold}
}

// Threshold returns the failure count at which the breaker opens.
func (b *CircuitBreaker) Threshold() int { return b.threshold }

// RecordFailure counts one failed poll.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.mu.Unlock()
}

// RecordSuccess closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// IsOpen reports whether the threshold has been reached.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold
}

// Failures returns the current run of consecutive failures.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Delay returns how long to wait before the next poll: base while closed,
// then base doubled once per failure from the threshold on, capped at max.
func (b *CircuitBreaker) Delay(base, max time.Duration) time.Duration {
	b.mu.Lock()
	over := b.failures - b.threshold + 1
	b.mu.Unlock()

	d := base
	for ; over > 0 && (max <= 0 || d < max); over-- {
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
