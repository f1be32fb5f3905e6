// Package relay implements the server side of the Earshot pipeline: one
// bounded frame buffer per transmitting device, a push hub that forwards
// frames to a subscribed listener the moment they arrive, and the HTTP/
// WebSocket surface that the transport clients speak to.
package relay

import (
	"sync"
	"time"

	"github.com/earshot-app/earshot/pkg/audio"
)

// Buffer is the per-device relay queue: a bounded FIFO with drop-oldest
// eviction and consume-once delivery. It also tracks the last send or
// receive time so the registry can tear down abandoned sessions.
//
// All methods are safe for concurrent use; Append and Take may be called
// from independent goroutines without caller-visible partial states.
type Buffer struct {
	q *audio.FrameQueue

	mu         sync.Mutex
	lastActive time.Time
}

// NewBuffer creates a relay buffer retaining at most capacity frames.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		q:          audio.NewFrameQueue(capacity),
		lastActive: time.Now(),
	}
}

// Append stores frame, evicting the oldest buffered frame when full.
// Returns true when an eviction occurred.
func (b *Buffer) Append(frame audio.AudioFrame) (evicted bool) {
	b.touch()
	return b.q.Push(frame)
}

// Take removes and returns up to max frames in FIFO order. Frames returned
// here are gone from the buffer — no frame is ever delivered twice.
func (b *Buffer) Take(max int) []audio.AudioFrame {
	b.touch()
	return b.q.TakeUpTo(max)
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int { return b.q.Len() }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return b.q.Cap() }

// Evicted returns the total number of frames dropped by eviction.
func (b *Buffer) Evicted() uint64 { return b.q.Evicted() }

// LastActive returns the time of the most recent Append or Take.
func (b *Buffer) LastActive() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActive
}

// Touch updates the activity timestamp without moving frames. The push path
// uses it when a frame bypasses the buffer entirely.
func (b *Buffer) Touch() { b.touch() }

// Close discards all buffered frames.
func (b *Buffer) Close() { b.q.Close() }

func (b *Buffer) touch() {
	b.mu.Lock()
	b.lastActive = time.Now()
	b.mu.Unlock()
}
