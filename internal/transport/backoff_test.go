package transport

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDelayDoublesUntilCap(t *testing.T) {
	t.Parallel()
	b := Backoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxRetries: 10}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.delay(i + 1); got != w {
			t.Errorf("delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffWithDefaults(t *testing.T) {
	t.Parallel()
	b := Backoff{}.withDefaults()
	if b.InitialDelay != defaultInitialDelay {
		t.Errorf("InitialDelay = %v, want %v", b.InitialDelay, defaultInitialDelay)
	}
	if b.MaxDelay != defaultMaxDelay {
		t.Errorf("MaxDelay = %v, want %v", b.MaxDelay, defaultMaxDelay)
	}
	if b.MaxRetries != defaultMaxRetries {
		t.Errorf("MaxRetries = %v, want %v", b.MaxRetries, defaultMaxRetries)
	}

	keep := Backoff{InitialDelay: time.Millisecond, MaxDelay: time.Second, MaxRetries: 1}
	if got := keep.withDefaults(); got != keep {
		t.Errorf("withDefaults() = %+v, want unchanged %+v", got, keep)
	}
}

func TestBackoffSleepCancelled(t *testing.T) {
	t.Parallel()
	b := Backoff{InitialDelay: time.Minute, MaxDelay: time.Minute, MaxRetries: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if b.sleep(ctx, 1) {
		t.Error("sleep() = true on cancelled context, want false")
	}
}
