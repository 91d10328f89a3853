package session

import (
	"context"
	"sync"
	"time"
)

// Backoff implements the retry/backoff policy for a single Writer's session
// loop (spec.md §4.3(e)): delay = min(2^min(retries-1,4), 30) seconds (1,
// 2, 4, 8, 16 for the 1st through 5th consecutive failure), with a forced
// reconnect and a flat 5s delay once more than 5 consecutive failures have
// accumulated. The retry counter is worker-local by construction — a Backoff
// is owned by exactly one Writer and must never be shared across streams, so
// one noisy source cannot lengthen another's backoff.
//
// All methods are nil-safe: a nil *Backoff behaves as an already-exhausted,
// always-zero-delay backoff, matching the teacher's defensive style.
type Backoff struct {
	mu                  sync.RWMutex
	maxDelay            time.Duration
	forceReconnectDelay time.Duration
	forceReconnectAfter int
	consecutiveFailures int
	retries             int
	forceReconnect      bool
}

const (
	// DefaultMaxDelay is the backoff ceiling: min(2^min(retries,4), 30)s.
	DefaultMaxDelay = 30 * time.Second

	// DefaultForceReconnectAfter is the consecutive-failure count that must
	// be exceeded before the Session Supervisor force-closes the input
	// connection and uses a flat backoff regardless of the exponential
	// schedule: the 1st through 5th failures still run the normal
	// 1,2,4,8,16s exponential sequence (spec.md §8 scenario 4); only the
	// 6th and later consecutive failures force the reconnect.
	DefaultForceReconnectAfter = 5

	// DefaultForceReconnectDelay is the flat delay applied once more than
	// DefaultForceReconnectAfter consecutive failures have occurred.
	DefaultForceReconnectDelay = 5 * time.Second
)

// NewBackoff creates a Backoff implementing spec.md §4.3(e)'s retry schedule.
func NewBackoff() *Backoff {
	return &Backoff{
		maxDelay:            DefaultMaxDelay,
		forceReconnectDelay: DefaultForceReconnectDelay,
		forceReconnectAfter: DefaultForceReconnectAfter,
	}
}

// RecordFailure records a failed segment attempt and advances the retry
// counter. Returns whether this failure crossed the force-reconnect
// threshold, so the caller (session.Writer) knows to clear its input slot
// even if the Recorder did not already clear it.
//
// No-op (returns false) if receiver is nil.
func (b *Backoff) RecordFailure() (forceReconnect bool) {
	if b == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.retries++
	b.consecutiveFailures++

	if b.consecutiveFailures > b.forceReconnectAfter {
		b.forceReconnect = true
		return true
	}
	return false
}

// RecordSuccess resets the retry counter after a successful segment.
// No-op if receiver is nil.
func (b *Backoff) RecordSuccess() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.retries = 0
	b.consecutiveFailures = 0
	b.forceReconnect = false
}

// CurrentDelay computes min(2^min(retries-1,4), 30) seconds — i.e. 1, 2, 4,
// 8, 16 for the 1st through 5th consecutive failure
// (spec.md §8 scenario 4) — or the flat DefaultForceReconnectDelay once the
// force-reconnect threshold has been crossed ("... set backoff to 5s
// regardless", spec.md §4.3(e)). The exponent is computed from the
// pre-failure retry count (retries-1, not retries) so the first failure
// yields the spec's initial 1s rather than skipping straight to 2s.
// Returns 0 if receiver is nil.
func (b *Backoff) CurrentDelay() time.Duration {
	if b == nil {
		return 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.forceReconnect {
		return b.forceReconnectDelay
	}

	exp := b.retries - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 4 {
		exp = 4
	}
	delay := time.Duration(1<<uint(exp)) * time.Second
	if delay > b.maxDelay {
		delay = b.maxDelay
	}
	return delay
}

// Retries returns the current retry count. Returns 0 if receiver is nil.
func (b *Backoff) Retries() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.retries
}

// ConsecutiveFailures returns the number of consecutive failures recorded
// since the last success. Returns 0 if receiver is nil.
func (b *Backoff) ConsecutiveFailures() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.consecutiveFailures
}

// ShouldForceReconnect reports whether the force-reconnect threshold has
// been crossed since the last success. Returns false if receiver is nil.
func (b *Backoff) ShouldForceReconnect() bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.forceReconnect
}

// Reset clears the backoff to its initial state. No-op if receiver is nil.
func (b *Backoff) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.retries = 0
	b.consecutiveFailures = 0
	b.forceReconnect = false
}

// Wait blocks for the current backoff delay. Returns immediately if
// receiver is nil.
func (b *Backoff) Wait() {
	if b == nil {
		return
	}
	time.Sleep(b.CurrentDelay())
}

// WaitContext blocks for the current backoff delay or until ctx is
// cancelled, whichever comes first. Returns nil immediately if receiver is
// nil.
func (b *Backoff) WaitContext(ctx context.Context) error {
	if b == nil {
		return nil
	}
	delay := b.CurrentDelay()

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
