// Package session ties the pipeline stages into runnable sender and receiver
// sessions and manages their lifecycle.
//
// A sender session runs on the child device: capture chunker feeding an
// outbound queue, drained by a transport send loop. A receiver session runs
// on the parent device: a transport subscription feeding the jitter buffer,
// drained by the playback scheduler. The [Manager] owns start/stop/health for
// any number of device sessions.
package session

import (
	"context"
	"sync"
	"time"
)

// State is a session's position in its lifecycle.
type State int

const (
	// StateIdle means the session has been created but not started.
	StateIdle State = iota

	// StateStreaming means a sender session is capturing and uploading.
	StateStreaming

	// StateBuffering means a receiver session is accumulating frames before
	// playback.
	StateBuffering

	// StatePlaying means a receiver session is draining audio to the output
	// device.
	StatePlaying

	// StateStopped is terminal, reached by explicit stop, capture failure,
	// or persistent transport failure.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
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

// HealthStatus is the derived classification of a session's health.
type HealthStatus string

const (
	// StatusHealthy means the session is moving data at the expected rate.
	StatusHealthy HealthStatus = "healthy"

	// StatusDegraded means the session is running but underperforming: the
	// observed data rate fell below a fraction of the expected rate, or
	// underruns are accumulating.
	StatusDegraded HealthStatus = "degraded"

	// StatusFailed means the session terminated with an error.
	StatusFailed HealthStatus = "failed"
)

// Health classification tuning.
const (
	// degradedRateFraction is the floor on observed versus expected data
	// rate before a running session is classified degraded.
	degradedRateFraction = 0.5

	// classifyGrace suppresses rate-based degradation right after start,
	// while the pipeline is still filling.
	classifyGrace = 3 * time.Second

	// underrunWindowSize and underrunLimit bound how many underruns within
	// one window a receiver session may absorb before being degraded.
	underrunWindowSize = 30 * time.Second
	underrunLimit      = 3

	// rateWindow is the sliding window over which the observed data rate is
	// measured.
	rateWindow = 5 * time.Second
)

// Health is a point-in-time snapshot of one session. Snapshots are taken off
// the pipeline's hot path and never block frame flow.
type Health struct {
	DeviceID  string
	SessionID string
	State     State
	Status    HealthStatus

	// ExpectedBytesPerSecond derives from the session's PCM format;
	// ObservedBytesPerSecond measures actual frame flow over a sliding
	// window.
	ExpectedBytesPerSecond int
	ObservedBytesPerSecond int

	QueueDepth    int
	QueueCapacity int
	Underruns     uint64
	FramesEvicted uint64
	CaptureErrors uint64

	StartedAt   time.Time
	LastFrameAt time.Time

	// Err is the terminal error for a failed session, empty otherwise.
	Err string
}

// Session is one running pipeline side, startable exactly once.
type Session interface {
	// Run drives the session until ctx is cancelled or a terminal failure.
	// A nil return means a clean stop.
	Run(ctx context.Context) error

	// Health returns a snapshot of the session's current state.
	Health() Health
}

// classify derives the health status from a snapshot's raw fields.
func classify(h Health, underrunsInWindow uint64, age time.Duration) HealthStatus {
	if h.State == StateStopped && h.Err != "" {
		return StatusFailed
	}
	running := h.State == StateStreaming || h.State == StatePlaying
	if running && age > classifyGrace {
		if h.ExpectedBytesPerSecond > 0 &&
			float64(h.ObservedBytesPerSecond) < degradedRateFraction*float64(h.ExpectedBytesPerSecond) {
			return StatusDegraded
		}
	}
	if underrunsInWindow > underrunLimit {
		return StatusDegraded
	}
	return StatusHealthy
}

// rateMeter measures byte throughput over a sliding window.
type rateMeter struct {
	mu      sync.Mutex
	window  time.Duration
	samples []rateSample
}

type rateSample struct {
	at    time.Time
	bytes int
}

func newRateMeter(window time.Duration) *rateMeter {
	return &rateMeter{window: window}
}

// observe records n bytes moved at time now.
func (r *rateMeter) observe(now time.Time, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, rateSample{at: now, bytes: n})
	r.prune(now)
}

// rate returns the observed bytes per second over the window.
func (r *rateMeter) rate(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now)
	var total int
	for _, s := range r.samples {
		total += s.bytes
	}
	return int(float64(total) / r.window.Seconds())
}

// prune drops samples older than the window. Callers hold r.mu.
func (r *rateMeter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.samples) && r.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.samples = append(r.samples[:0], r.samples[i:]...)
	}
}

// underrunTracker approximates a sliding-window underrun count by rebasing
// the counter once per window.
type underrunTracker struct {
	mu    sync.Mutex
	since time.Time
	base  uint64
}

// inWindow returns how many underruns occurred within the current window
// given the session-lifetime total.
func (u *underrunTracker) inWindow(total uint64, now time.Time) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.since.IsZero() || now.Sub(u.since) > underrunWindowSize {
		u.since = now
		u.base = total
	}
	return total - u.base
}
