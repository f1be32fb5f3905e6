// Package health provides the HTTP health surface for earshot processes.
//
// Three kinds of endpoints are exposed:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /v1/sessions and /v1/sessions/{deviceID} — the control channel's
//     session health snapshots, backed by the session manager.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/earshot-app/earshot/internal/session"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "relay",
	// "audio-device"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Sessions is the slice of the session manager the health surface needs.
// Snapshots are read-only and never touch the pipeline's hot path.
type Sessions interface {
	Health(deviceID string) (session.Health, error)
	Devices() []string
}

// result is the JSON response body for the probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	sessions Sessions
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
// sessions may be nil for processes without a session manager; the session
// endpoints then respond 404.
func New(sessions Sessions, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, sessions: sessions}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// sessionSnapshot is the JSON shape of one session health snapshot.
type sessionSnapshot struct {
	DeviceID               string `json:"device_id"`
	SessionID              string `json:"session_id"`
	State                  string `json:"state"`
	Status                 string `json:"status"`
	ExpectedBytesPerSecond int    `json:"expected_bytes_per_second"`
	ObservedBytesPerSecond int    `json:"observed_bytes_per_second"`
	QueueDepth             int    `json:"queue_depth"`
	QueueCapacity          int    `json:"queue_capacity"`
	Underruns              uint64 `json:"underruns"`
	FramesEvicted          uint64 `json:"frames_evicted"`
	CaptureErrors          uint64 `json:"capture_errors"`
	StartedAt              string `json:"started_at,omitempty"`
	LastFrameAt            string `json:"last_frame_at,omitempty"`
	Err                    string `json:"error,omitempty"`
}

func snapshot(h session.Health) sessionSnapshot {
	s := sessionSnapshot{
		DeviceID:               h.DeviceID,
		SessionID:              h.SessionID,
		State:                  h.State.String(),
		Status:                 string(h.Status),
		ExpectedBytesPerSecond: h.ExpectedBytesPerSecond,
		ObservedBytesPerSecond: h.ObservedBytesPerSecond,
		QueueDepth:             h.QueueDepth,
		QueueCapacity:          h.QueueCapacity,
		Underruns:              h.Underruns,
		FramesEvicted:          h.FramesEvicted,
		CaptureErrors:          h.CaptureErrors,
		Err:                    h.Err,
	}
	if !h.StartedAt.IsZero() {
		s.StartedAt = h.StartedAt.UTC().Format(time.RFC3339)
	}
	if !h.LastFrameAt.IsZero() {
		s.LastFrameAt = h.LastFrameAt.UTC().Format(time.RFC3339)
	}
	return s
}

// SessionHealth serves one device's session snapshot.
func (h *Handler) SessionHealth(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		http.NotFound(w, r)
		return
	}
	deviceID := r.PathValue("deviceID")
	snap, err := h.sessions.Health(deviceID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNoSession) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snapshot(snap))
}

// SessionList serves snapshots for every tracked session.
func (h *Handler) SessionList(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		http.NotFound(w, r)
		return
	}
	snaps := make([]sessionSnapshot, 0)
	for _, id := range h.sessions.Devices() {
		snap, err := h.sessions.Health(id)
		if err != nil {
			continue
		}
		snaps = append(snaps, snapshot(snap))
	}
	writeJSON(w, http.StatusOK, snaps)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /v1/sessions", h.SessionList)
	mux.HandleFunc("GET /v1/sessions/{deviceID}", h.SessionHealth)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
