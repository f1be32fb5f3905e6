package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/earshot-app/earshot/internal/session"
	"github.com/earshot-app/earshot/internal/transport"
	"github.com/earshot-app/earshot/pkg/audio"
	"github.com/earshot-app/earshot/pkg/audio/mock"
)

// fakeTransport is an in-memory [transport.Transport] for session tests.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []audio.AudioFrame
	sendErr error

	frames chan audio.AudioFrame
	subErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan audio.AudioFrame, 16)}
}

func (f *fakeTransport) Send(_ context.Context, frame audio.AudioFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Subscribe(context.Context, string) (transport.Subscription, error) {
	return &fakeSubscription{frames: f.frames, err: f.subErr}, nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSubscription struct {
	frames chan audio.AudioFrame
	err    error
}

func (s *fakeSubscription) Frames() <-chan audio.AudioFrame { return s.frames }
func (s *fakeSubscription) Err() error                      { return s.err }
func (s *fakeSubscription) Close() error                    { return nil }

func fullFrame(b byte) []byte {
	p := make([]byte, audio.DefaultFormat.BytesFor(20*time.Millisecond))
	for i := range p {
		p[i] = b
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSenderUploadsCapturedFrames(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s, err := session.NewSender(session.SenderConfig{
		DeviceID:  "child-1",
		SessionID: "s-1",
		Device: &mock.SourceOpener{OpenResult: &mock.Source{
			Chunks: [][]byte{fullFrame(1), fullFrame(2), fullFrame(3)},
		}},
		Format:    audio.DefaultFormat,
		Transport: tr,
	})
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, "3 uploads", func() bool { return tr.sentCount() >= 3 })
	tr.mu.Lock()
	for i, frame := range tr.sent[:3] {
		if frame.Sequence != uint64(i) {
			t.Errorf("upload %d has sequence %d", i, frame.Sequence)
		}
		if frame.DeviceID != "child-1" {
			t.Errorf("upload %d has device %q", i, frame.DeviceID)
		}
	}
	tr.mu.Unlock()

	h := s.Health()
	if h.State != session.StateStreaming {
		t.Errorf("state while running = %v, want streaming", h.State)
	}
	if h.DeviceID != "child-1" || h.SessionID != "s-1" {
		t.Errorf("snapshot identity = %q/%q", h.DeviceID, h.SessionID)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after cancel, want nil", err)
	}
	if got := s.Health().State; got != session.StateStopped {
		t.Errorf("state after stop = %v, want stopped", got)
	}
}

func TestSenderStopsOnTransportFailure(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.sendErr = transport.ErrUnavailable
	s, err := session.NewSender(session.SenderConfig{
		DeviceID: "child-1",
		Device: &mock.SourceOpener{OpenResult: &mock.Source{
			Chunks: [][]byte{fullFrame(1)},
		}},
		Format:    audio.DefaultFormat,
		Transport: tr,
	})
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	select {
	case err := <-runErr:
		if !errors.Is(err, transport.ErrUnavailable) {
			t.Fatalf("Run returned %v, want ErrUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not terminate on persistent transport failure")
	}

	h := s.Health()
	if h.State != session.StateStopped {
		t.Errorf("state = %v, want stopped", h.State)
	}
	if h.Status != session.StatusFailed {
		t.Errorf("status = %v, want failed", h.Status)
	}
}

func TestReceiverPlaysSubscribedFrames(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	sink := &mock.Sink{}
	r, err := session.NewReceiver(session.ReceiverConfig{
		DeviceID:  "child-1",
		SessionID: "s-2",
		Device:    &mock.SinkOpener{OpenResult: sink},
		Format:    audio.DefaultFormat,
		MinFill:   2,
		Transport: tr,
	})
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	for seq := uint64(0); seq < 3; seq++ {
		tr.frames <- audio.AudioFrame{DeviceID: "child-1", Sequence: seq, Payload: []byte{byte(seq)}}
	}
	waitFor(t, "3 playbacks", func() bool { return sink.WrittenCount() >= 3 })

	h := r.Health()
	if h.State != session.StatePlaying && h.State != session.StateBuffering {
		t.Errorf("state while running = %v", h.State)
	}

	close(tr.frames)
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after clean close, want nil", err)
	}
	for i := range 3 {
		if sink.Written[i][0] != byte(i) {
			t.Errorf("playback %d wrote %v", i, sink.Written[i])
		}
	}
	if got := r.Health().State; got != session.StateStopped {
		t.Errorf("state after close = %v, want stopped", got)
	}
}

func TestReceiverFailsOnSubscriptionError(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.subErr = transport.ErrUnavailable
	close(tr.frames)

	r, err := session.NewReceiver(session.ReceiverConfig{
		DeviceID:  "child-1",
		Device:    &mock.SinkOpener{OpenResult: &mock.Sink{}},
		Format:    audio.DefaultFormat,
		Transport: tr,
	})
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	if err := r.Run(context.Background()); !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("Run returned %v, want ErrUnavailable", err)
	}
	h := r.Health()
	if h.State != session.StateStopped {
		t.Errorf("state = %v, want stopped", h.State)
	}
	if h.Status != session.StatusFailed {
		t.Errorf("status = %v, want failed", h.Status)
	}
}

// fakeSession is a scriptable [session.Session] for manager tests.
type fakeSession struct {
	runErr  error
	block   bool
	health  session.Health
	started chan struct{}
}

func (f *fakeSession) Run(ctx context.Context) error {
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
	}
	return f.runErr
}

func (f *fakeSession) Health() session.Health { return f.health }

func TestManagerStartStopIdempotent(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	created := 0
	mgr := session.NewManager(session.ManagerConfig{
		Factory: func(deviceID, sessionID string) (session.Session, error) {
			mu.Lock()
			created++
			mu.Unlock()
			return &fakeSession{
				block:  true,
				health: session.Health{DeviceID: deviceID, SessionID: sessionID},
			}, nil
		},
	})

	ctx := context.Background()
	if err := mgr.Start(ctx, "child-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := mgr.Start(ctx, "child-1"); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	mu.Lock()
	if created != 1 {
		t.Errorf("factory called %d times, want 1 (idempotent start)", created)
	}
	mu.Unlock()

	h, err := mgr.Health("child-1")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.DeviceID != "child-1" || h.SessionID == "" {
		t.Errorf("snapshot = %+v, want device and generated session ID", h)
	}

	if err := mgr.Stop("child-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := mgr.Health("child-1"); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("Health after Stop = %v, want ErrNoSession", err)
	}
	if err := mgr.Stop("child-1"); err != nil {
		t.Errorf("second Stop = %v, want nil (idempotent)", err)
	}
}

func TestManagerRestartsTerminatedSession(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	created := 0
	first := make(chan struct{})
	mgr := session.NewManager(session.ManagerConfig{
		Factory: func(deviceID, sessionID string) (session.Session, error) {
			mu.Lock()
			created++
			n := created
			mu.Unlock()
			fs := &fakeSession{health: session.Health{DeviceID: deviceID}}
			if n == 1 {
				fs.started = first
			} else {
				fs.block = true
			}
			return fs, nil
		},
	})

	ctx := context.Background()
	if err := mgr.Start(ctx, "child-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-first
	// The first session returns immediately; once it has, Start must
	// replace it rather than no-op.
	waitFor(t, "restart", func() bool {
		if err := mgr.Start(ctx, "child-1"); err != nil {
			t.Fatalf("restart Start: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		return created == 2
	})

	if err := mgr.Stop("child-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
