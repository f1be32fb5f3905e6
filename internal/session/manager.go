package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/earshot-app/earshot/internal/observe"
)

// ErrNoSession reports a health or stop request for a device with no
// session.
var ErrNoSession = errors.New("session: no session for device")

// stopGrace bounds how long Stop waits for a session's loops to unwind.
const stopGrace = 5 * time.Second

// Factory builds a session for a device. The manager calls it once per
// Start, with a freshly generated session ID.
type Factory func(deviceID, sessionID string) (Session, error)

// Manager owns the lifecycle of device sessions and backs the control
// channel's start/stop/health operations. All exported methods are safe for
// concurrent use and idempotent: starting a running device or stopping an
// absent one is a no-op.
type Manager struct {
	factory Factory
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*running
}

type running struct {
	sessionID string
	session   Session
	cancel    context.CancelFunc
	done      chan struct{}
}

// ManagerConfig holds the dependencies for a [Manager].
type ManagerConfig struct {
	// Factory builds sessions. Required.
	Factory Factory

	// Metrics receives session-count instrumentation. May be nil.
	Metrics *observe.Metrics
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		factory:  cfg.Factory,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*running),
	}
}

// Start launches a session for deviceID. A no-op when one is already
// running; a device whose previous session already terminated is restarted.
func (m *Manager) Start(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("session: device ID must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.sessions[deviceID]; ok {
		select {
		case <-r.done:
			// Terminated on its own; fall through and replace it.
			delete(m.sessions, deviceID)
			m.metrics.AddActiveSessions(-1)
		default:
			slog.Debug("session already running", "device_id", deviceID, "session_id", r.sessionID)
			return nil
		}
	}

	sessionID := uuid.NewString()
	sess, err := m.factory(deviceID, sessionID)
	if err != nil {
		return fmt.Errorf("session: create for %s: %w", deviceID, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &running{
		sessionID: sessionID,
		session:   sess,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.sessions[deviceID] = r
	m.metrics.AddActiveSessions(1)

	go func() {
		defer close(r.done)
		if err := sess.Run(runCtx); err != nil {
			slog.Error("session ended with error",
				"device_id", deviceID, "session_id", sessionID, "err", err)
			return
		}
		slog.Info("session ended", "device_id", deviceID, "session_id", sessionID)
	}()

	slog.Info("session started", "device_id", deviceID, "session_id", sessionID)
	return nil
}

// Stop cancels the device's session and waits briefly for its loops to
// unwind. Stopping a device with no session is a no-op.
func (m *Manager) Stop(deviceID string) error {
	m.mu.Lock()
	r, ok := m.sessions[deviceID]
	if ok {
		delete(m.sessions, deviceID)
		m.metrics.AddActiveSessions(-1)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	r.cancel()
	select {
	case <-r.done:
	case <-time.After(stopGrace):
		return fmt.Errorf("session: %s did not stop within %s", deviceID, stopGrace)
	}
	slog.Info("session stopped", "device_id", deviceID, "session_id", r.sessionID)
	return nil
}

// Health returns a snapshot for the device's session.
func (m *Manager) Health(deviceID string) (Health, error) {
	m.mu.Lock()
	r, ok := m.sessions[deviceID]
	m.mu.Unlock()
	if !ok {
		return Health{}, fmt.Errorf("%w: %s", ErrNoSession, deviceID)
	}
	return r.session.Health(), nil
}

// Devices returns the IDs with a tracked session, running or terminated.
func (m *Manager) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StopAll stops every tracked session. Used during shutdown.
func (m *Manager) StopAll() {
	for _, id := range m.Devices() {
		if err := m.Stop(id); err != nil {
			slog.Warn("session: stop during shutdown", "device_id", id, "err", err)
		}
	}
}
