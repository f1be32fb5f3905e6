package audio

import (
	"context"
	"sync"
)

// FrameQueue is a bounded FIFO queue of [AudioFrame] safe for concurrent use
// by one producer and one consumer goroutine (or several of each).
//
// When a Push would exceed capacity the oldest frame is evicted — recency
// beats completeness, because stale audio is worse than a gap. Frames are
// removed atomically: a frame returned by Pop or TakeUpTo is never returned
// again. FIFO order is strict; eviction may remove frames but never reorders
// them.
//
// There is deliberately no blocking backpressure from consumer to producer:
// Push always succeeds (possibly evicting) so that a slow consumer can never
// stall capture.
type FrameQueue struct {
	mu      sync.Mutex
	frames  []AudioFrame
	cap     int
	evicted uint64
	closed  bool

	// signal is pulsed after every Push and on Close so that PopWait can
	// wake without spinning.
	signal chan struct{}
}

// NewFrameQueue creates a queue retaining at most capacity frames.
// Capacity must be at least 1.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{
		frames: make([]AudioFrame, 0, capacity),
		cap:    capacity,
		signal: make(chan struct{}, 1),
	}
}

// Push appends frame to the queue, evicting the oldest frame when the queue
// is full. Returns true when an eviction occurred. Push on a closed queue
// discards the frame and returns false.
func (q *FrameQueue) Push(frame AudioFrame) (evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.frames) >= q.cap {
		// Shift in place rather than reslicing so evicted payloads do not
		// stay pinned by the backing array.
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:len(q.frames)-1]
		q.evicted++
		evicted = true
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	q.pulse()
	return evicted
}

// Pop removes and returns the oldest frame. Returns ok=false when the queue
// is empty or closed.
func (q *FrameQueue) Pop() (AudioFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return AudioFrame{}, false
	}
	frame := q.frames[0]
	q.frames[0] = AudioFrame{}
	copy(q.frames, q.frames[1:])
	q.frames = q.frames[:len(q.frames)-1]
	return frame, true
}

// PopWait removes and returns the oldest frame, blocking until a frame is
// available, the queue is closed, or ctx is cancelled. Returns ok=false on
// close or cancellation.
func (q *FrameQueue) PopWait(ctx context.Context) (AudioFrame, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames[0] = AudioFrame{}
			copy(q.frames, q.frames[1:])
			q.frames = q.frames[:len(q.frames)-1]
			q.mu.Unlock()
			return frame, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return AudioFrame{}, false
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return AudioFrame{}, false
		}
	}
}

// TakeUpTo removes and returns up to max frames in FIFO order. The returned
// slice is owned by the caller. Returns nil when the queue is empty or max
// is not positive.
func (q *FrameQueue) TakeUpTo(max int) []AudioFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || len(q.frames) == 0 {
		return nil
	}
	n := min(max, len(q.frames))
	out := make([]AudioFrame, n)
	copy(out, q.frames[:n])
	for i := range n {
		q.frames[i] = AudioFrame{}
	}
	copy(q.frames, q.frames[n:])
	q.frames = q.frames[:len(q.frames)-n]
	return out
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int { return q.cap }

// Evicted returns the total number of frames dropped by capacity eviction
// since the queue was created.
func (q *FrameQueue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Close discards all buffered frames and wakes any blocked PopWait. Pushes
// after Close are discarded. Safe to call more than once.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
	q.pulse()
}

// Closed reports whether Close has been called.
func (q *FrameQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// pulse performs a non-blocking send on the signal channel.
func (q *FrameQueue) pulse() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
