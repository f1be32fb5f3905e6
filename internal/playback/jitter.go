// Package playback smooths irregular frame arrival into steady audio output.
//
// It pairs a jitter buffer, which gates playback behind a minimum fill level,
// with a scheduler whose drain loop is paced solely by the audio device's own
// blocking write. An optional adaptive policy retunes the fill threshold from
// observed arrival timing.
package playback

import (
	"context"
	"sync"

	"github.com/earshot-app/earshot/internal/observe"
	"github.com/earshot-app/earshot/pkg/audio"
)

// State is the jitter buffer's position in its lifecycle.
type State int

const (
	// StateBuffering accumulates frames without draining any. It is the
	// initial state and the state re-entered after an underrun.
	StateBuffering State = iota

	// StatePlaying drains frames in arrival order.
	StatePlaying

	// StateStopped is terminal. Pending frames are discarded and further
	// pushes are ignored.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Jitter buffer defaults.
const (
	// DefaultMinFill is the fixed fill threshold before playback starts.
	DefaultMinFill = 3

	// DefaultMaxCapacity bounds buffered frames so end-to-end latency
	// cannot grow without limit on a slow consumer.
	DefaultMaxCapacity = 50
)

// JitterBuffer is a bounded FIFO of frames with a fill gate.
//
// Frames are accepted in both buffering and playing states, but Pop only
// yields frames while playing. The buffer enters playing once the fill level
// reaches the threshold, and falls back to buffering when a drain attempt
// finds it empty (an underrun). Underruns are expected under adverse network
// conditions and never terminate the buffer.
//
// Beyond max capacity the oldest frame is evicted, trading completeness for
// recency. Safe for concurrent use by one producer and one consumer.
type JitterBuffer struct {
	mu        sync.Mutex
	frames    []audio.AudioFrame
	minFill   int
	capacity  int
	state     State
	underruns uint64
	evicted   uint64
	metrics   *observe.Metrics

	// signal is pulsed whenever Pop may be able to make progress.
	signal chan struct{}
}

// JitterConfig tunes a [JitterBuffer]. Zero values select the defaults.
type JitterConfig struct {
	// MinFill is the frame count required before playback starts or
	// resumes after an underrun.
	MinFill int

	// MaxCapacity bounds the number of buffered frames.
	MaxCapacity int

	// Metrics receives underrun instrumentation. May be nil.
	Metrics *observe.Metrics
}

// NewJitterBuffer creates a buffer in the buffering state.
func NewJitterBuffer(cfg JitterConfig) *JitterBuffer {
	minFill := cfg.MinFill
	if minFill <= 0 {
		minFill = DefaultMinFill
	}
	capacity := cfg.MaxCapacity
	if capacity <= 0 {
		capacity = DefaultMaxCapacity
	}
	if minFill > capacity {
		minFill = capacity
	}
	return &JitterBuffer{
		frames:   make([]audio.AudioFrame, 0, capacity),
		minFill:  minFill,
		capacity: capacity,
		metrics:  cfg.Metrics,
		signal:   make(chan struct{}, 1),
	}
}

// Push enqueues a frame, evicting the oldest when the buffer is full.
// It reports whether an eviction occurred. Pushes after Stop are dropped.
func (b *JitterBuffer) Push(frame audio.AudioFrame) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateStopped {
		return false
	}
	if len(b.frames) >= b.capacity {
		n := copy(b.frames, b.frames[1:])
		b.frames = b.frames[:n]
		b.evicted++
		evicted = true
	}
	b.frames = append(b.frames, frame)
	if b.state == StateBuffering && len(b.frames) >= b.minFill {
		b.state = StatePlaying
	}
	b.pulse()
	return evicted
}

// Pop blocks until a frame is drainable, the buffer stops, or ctx is
// cancelled. A drain attempt that finds the buffer empty while playing is an
// underrun: the buffer re-enters the buffering state and Pop keeps waiting
// for the fill threshold.
func (b *JitterBuffer) Pop(ctx context.Context) (audio.AudioFrame, bool) {
	for {
		b.mu.Lock()
		switch {
		case b.state == StateStopped:
			b.mu.Unlock()
			return audio.AudioFrame{}, false
		case b.state == StatePlaying && len(b.frames) > 0:
			frame := b.frames[0]
			b.frames = b.frames[1:]
			b.mu.Unlock()
			return frame, true
		case b.state == StatePlaying:
			// Empty while playing: underrun. Refill before resuming.
			b.state = StateBuffering
			b.underruns++
			b.mu.Unlock()
			b.metrics.RecordUnderrun(ctx)
			continue
		}
		b.mu.Unlock()

		select {
		case <-b.signal:
		case <-ctx.Done():
			return audio.AudioFrame{}, false
		}
	}
}

// Stop discards all pending frames and wakes any blocked Pop. Idempotent.
func (b *JitterBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateStopped
	b.frames = nil
	b.pulse()
}

// State returns the current state.
func (b *JitterBuffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Len returns the number of buffered frames.
func (b *JitterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Cap returns the maximum number of buffered frames.
func (b *JitterBuffer) Cap() int { return b.capacity }

// Underruns returns how many times playback ran dry.
func (b *JitterBuffer) Underruns() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.underruns
}

// Evicted returns how many frames were dropped to capacity pressure.
func (b *JitterBuffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// MinFill returns the current fill threshold.
func (b *JitterBuffer) MinFill() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minFill
}

// SetMinFill adjusts the fill threshold, clamped to [1, capacity]. Lowering
// it below the current fill level while buffering starts playback.
func (b *JitterBuffer) SetMinFill(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 1 {
		n = 1
	}
	if n > b.capacity {
		n = b.capacity
	}
	b.minFill = n
	if b.state == StateBuffering && len(b.frames) >= b.minFill {
		b.state = StatePlaying
		b.pulse()
	}
}

// pulse wakes a blocked Pop without blocking the caller. Callers hold b.mu.
func (b *JitterBuffer) pulse() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}
