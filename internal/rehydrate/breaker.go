package rehydrate

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// breaker is the process-wide circuit breaker. Failures are counted across
// accounts: a run of consecutive failures usually means the bridge dependency
// itself is down, so all reconnect processing pauses for one cool-down.
type breaker struct {
	mu        sync.Mutex
	clock     clock.Clock
	threshold int
	cooldown  time.Duration

	failures int
	open     bool
	openedAt time.Time
}

func newBreaker(clk clock.Clock, threshold int, cooldown time.Duration) *breaker {
	return &breaker{clock: clk, threshold: threshold, cooldown: cooldown}
}

// RecordFailure counts one failed attempt and reports whether this failure
// tripped the breaker open.
func (b *breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return false
	}
	b.failures++
	if b.failures >= b.threshold {
		b.open = true
		b.openedAt = b.clock.Now()
		return true
	}
	return false
}

// RecordSuccess clears the consecutive-failure streak.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if !b.open {
		return
	}
	b.open = false
}

// Open reports the breaker state, auto-resetting once the cool-down has
// elapsed.
func (b *breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open && b.clock.Now().Sub(b.openedAt) >= b.cooldown {
		b.open = false
		b.failures = 0
	}
	return b.open
}

// Remaining returns how much cool-down is left, zero when closed.
func (b *breaker) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return 0
	}
	left := b.cooldown - b.clock.Now().Sub(b.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Failures returns the current consecutive-failure count.
func (b *breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
