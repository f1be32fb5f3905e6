package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/earshot-app/earshot/internal/observe"
)

// Default registry parameters, used when the corresponding config values are
// zero.
const (
	// DefaultCapacity bounds each per-device buffer. At 3 s per frame the
	// historical default of 30 frames holds ~90 s of audio.
	DefaultCapacity = 30

	// DefaultIdleTimeout is how long a device buffer may sit without any
	// send or receive before it is torn down.
	DefaultIdleTimeout = 2 * time.Minute

	// reapInterval is how often the reaper scans for idle buffers.
	reapInterval = 15 * time.Second
)

// Registry owns the per-device relay buffers. Buffers are created lazily on
// first upload and reaped after a configurable idle period so abandoned
// sessions cannot grow server memory without bound.
//
// Per-device buffers are independent; the registry lock covers only the map,
// never frame movement.
type Registry struct {
	capacity    int
	idleTimeout time.Duration
	metrics     *observe.Metrics

	mu      sync.Mutex
	buffers map[string]*Buffer
}

// RegistryConfig configures a [Registry]. Zero values fall back to the
// package defaults.
type RegistryConfig struct {
	// Capacity is the per-device buffer capacity in frames.
	Capacity int

	// IdleTimeout is the inactivity period after which a buffer is freed.
	IdleTimeout time.Duration

	// Metrics receives active-session gauge updates. May be nil.
	Metrics *observe.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Registry{
		capacity:    capacity,
		idleTimeout: idle,
		metrics:     cfg.Metrics,
		buffers:     make(map[string]*Buffer),
	}
}

// GetOrCreate returns the buffer for deviceID, creating it when absent.
// Used on the upload path: a producer's first frame establishes the session.
func (r *Registry) GetOrCreate(deviceID string) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[deviceID]
	if !ok {
		b = NewBuffer(r.capacity)
		r.buffers[deviceID] = b
		r.metrics.AddRelaySessions(1)
		slog.Info("relay: session created", "device_id", deviceID, "capacity", r.capacity)
	}
	return b
}

// Get returns the buffer for deviceID, or ok=false when the device has no
// active session. Used on the download path, where an unknown device is an
// error surfaced to the caller rather than a reason to create state.
func (r *Registry) Get(deviceID string) (*Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[deviceID]
	return b, ok
}

// Remove tears down the buffer for deviceID, freeing its frames.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	b, ok := r.buffers[deviceID]
	if ok {
		delete(r.buffers, deviceID)
	}
	r.mu.Unlock()
	if ok {
		b.Close()
		r.metrics.AddRelaySessions(-1)
		slog.Info("relay: session removed", "device_id", deviceID)
	}
}

// Devices returns the IDs of all devices with an active buffer.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.buffers))
	for id := range r.buffers {
		out = append(out, id)
	}
	return out
}

// Run reaps idle buffers until ctx is cancelled. Call it in its own
// goroutine from the server.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap(time.Now())
		}
	}
}

// reap removes every buffer whose last activity is older than the idle
// timeout relative to now. Split from Run so tests can drive it directly.
func (r *Registry) reap(now time.Time) {
	cutoff := now.Add(-r.idleTimeout)

	r.mu.Lock()
	var stale []string
	for id, b := range r.buffers {
		if b.LastActive().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		slog.Info("relay: reaping idle session", "device_id", id, "idle_timeout", r.idleTimeout)
		r.Remove(id)
	}
}
