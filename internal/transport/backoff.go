package transport

import (
	"context"
	"time"
)

// Default retry parameters, used when the corresponding [Backoff] fields are
// zero.
const (
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 15 * time.Second
	defaultMaxRetries   = 5
)

// Backoff describes an exponential retry schedule: the delay doubles on each
// attempt, capped at MaxDelay, for at most MaxRetries attempts.
type Backoff struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the per-retry delay.
	MaxDelay time.Duration

	// MaxRetries bounds the number of retries before the operation is
	// declared persistently failed.
	MaxRetries int
}

// withDefaults returns b with zero fields replaced by package defaults.
func (b Backoff) withDefaults() Backoff {
	if b.InitialDelay <= 0 {
		b.InitialDelay = defaultInitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = defaultMaxDelay
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = defaultMaxRetries
	}
	return b
}

// delay returns the wait before retry number attempt (1-based).
func (b Backoff) delay(attempt int) time.Duration {
	d := b.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	return min(d, b.MaxDelay)
}

// sleep waits for the retry delay or until ctx is cancelled. Returns false on
// cancellation.
func (b Backoff) sleep(ctx context.Context, attempt int) bool {
	t := time.NewTimer(b.delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
