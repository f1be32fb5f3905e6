package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/earshot-app/earshot/internal/session"
)

// fakeSessions is a canned [Sessions] backend.
type fakeSessions struct {
	snapshots map[string]session.Health
}

func (f *fakeSessions) Health(deviceID string) (session.Health, error) {
	h, ok := f.snapshots[deviceID]
	if !ok {
		return session.Health{}, session.ErrNoSession
	}
	return h, nil
}

func (f *fakeSessions) Devices() []string {
	ids := make([]string, 0, len(f.snapshots))
	for id := range f.snapshots {
		ids = append(ids, id)
	}
	return ids
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(nil,
		Checker{Name: "relay", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "audio-device", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["relay"] != "ok" {
		t.Errorf("relay check = %q, want %q", body.Checks["relay"], "ok")
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New(nil,
		Checker{Name: "relay", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "audio-device", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["relay"] != "fail: connection refused" {
		t.Errorf("relay check = %q", body.Checks["relay"])
	}
	if body.Checks["audio-device"] != "ok" {
		t.Errorf("audio-device check = %q, want %q", body.Checks["audio-device"], "ok")
	}
}

func TestSessionHealth_KnownDevice(t *testing.T) {
	sessions := &fakeSessions{snapshots: map[string]session.Health{
		"child-1": {
			DeviceID:               "child-1",
			SessionID:              "s-1",
			State:                  session.StatePlaying,
			Status:                 session.StatusHealthy,
			ExpectedBytesPerSecond: 32000,
			ObservedBytesPerSecond: 31000,
			QueueDepth:             4,
			QueueCapacity:          50,
		},
	}}
	h := New(sessions)

	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest("GET", "/v1/sessions/child-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var snap sessionSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if snap.DeviceID != "child-1" || snap.State != "playing" || snap.Status != "healthy" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.ObservedBytesPerSecond != 31000 {
		t.Errorf("observed rate = %d, want 31000", snap.ObservedBytesPerSecond)
	}
}

func TestSessionHealth_UnknownDevice(t *testing.T) {
	h := New(&fakeSessions{snapshots: map[string]session.Health{}})

	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest("GET", "/v1/sessions/ghost", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestSessionList(t *testing.T) {
	sessions := &fakeSessions{snapshots: map[string]session.Health{
		"child-1": {DeviceID: "child-1", State: session.StateStreaming},
		"child-2": {DeviceID: "child-2", State: session.StateBuffering},
	}}
	h := New(sessions)

	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest("GET", "/v1/sessions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var snaps []sessionSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snaps); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("got %d snapshots, want 2", len(snaps))
	}
}

func TestSessionEndpoints_NoManager(t *testing.T) {
	h := New(nil)

	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest("GET", "/v1/sessions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(nil,
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
