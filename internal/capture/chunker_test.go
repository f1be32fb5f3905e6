package capture_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/earshot-app/earshot/internal/capture"
	"github.com/earshot-app/earshot/pkg/audio"
	"github.com/earshot-app/earshot/pkg/audio/mock"
)

// openerFunc adapts a function to [audio.SourceOpener] so tests can hand out
// a different source per open call.
type openerFunc func(audio.Format) (audio.Source, error)

func (f openerFunc) OpenSource(format audio.Format) (audio.Source, error) {
	return f(format)
}

// frameBytes returns one full frame's worth of PCM for the default format.
func frameBytes(d time.Duration) int {
	return audio.DefaultFormat.BytesFor(d)
}

// pcm builds a payload of n bytes filled with b.
func pcm(n int, b byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = b
	}
	return p
}

func runChunker(t *testing.T, cfg capture.ChunkerConfig) (context.CancelFunc, <-chan error) {
	t.Helper()
	c, err := capture.NewChunker(cfg)
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("chunker did not stop after cancel")
		}
	})
	return cancel, done
}

func popWait(t *testing.T, q *audio.FrameQueue) audio.AudioFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, ok := q.PopWait(ctx)
	if !ok {
		t.Fatal("timed out waiting for frame")
	}
	return frame
}

func TestChunkerEmitsSequencedFrames(t *testing.T) {
	t.Parallel()

	full := frameBytes(capture.DefaultFrameDuration)
	chunks := [][]byte{pcm(full, 1), pcm(full, 2), pcm(full, 3)}
	out := audio.NewFrameQueue(10)
	_, _ = runChunker(t, capture.ChunkerConfig{
		DeviceID: "child-1",
		Device:   &mock.SourceOpener{OpenResult: &mock.Source{Chunks: chunks}},
		Format:   audio.DefaultFormat,
		Out:      out,
	})

	for i, want := range chunks {
		frame := popWait(t, out)
		if frame.DeviceID != "child-1" {
			t.Errorf("frame %d: DeviceID = %q, want %q", i, frame.DeviceID, "child-1")
		}
		if frame.Sequence != uint64(i) {
			t.Errorf("frame %d: Sequence = %d, want %d", i, frame.Sequence, i)
		}
		if !bytes.Equal(frame.Payload, want) {
			t.Errorf("frame %d: payload mismatch (len %d, want %d)",
				i, len(frame.Payload), len(want))
		}
		if frame.CapturedAt.IsZero() {
			t.Errorf("frame %d: CapturedAt not set", i)
		}
	}
}

func TestChunkerEmitsShortFrameOnInterval(t *testing.T) {
	t.Parallel()

	// Less than a full frame; the interval tick must flush it short rather
	// than hold the frame open.
	short := pcm(100, 7)
	out := audio.NewFrameQueue(10)
	_, _ = runChunker(t, capture.ChunkerConfig{
		DeviceID:      "child-1",
		Device:        &mock.SourceOpener{OpenResult: &mock.Source{Chunks: [][]byte{short}}},
		Format:        audio.DefaultFormat,
		FrameDuration: 30 * time.Millisecond,
		Out:           out,
	})

	frame := popWait(t, out)
	if !bytes.Equal(frame.Payload, short) {
		t.Errorf("payload = %d bytes, want the short %d-byte frame",
			len(frame.Payload), len(short))
	}
	if frame.Sequence != 0 {
		t.Errorf("Sequence = %d, want 0", frame.Sequence)
	}
}

func TestChunkerSplitsOversizedReads(t *testing.T) {
	t.Parallel()

	full := frameBytes(capture.DefaultFrameDuration)
	double := append(pcm(full, 1), pcm(full, 2)...)
	out := audio.NewFrameQueue(10)

	// The mock serves the whole double-size chunk in one Read; the chunker
	// must still emit exact frame-size payloads.
	src := &mock.Source{Chunks: [][]byte{double}}
	_, _ = runChunker(t, capture.ChunkerConfig{
		DeviceID: "child-1",
		Device:   &mock.SourceOpener{OpenResult: src},
		Format:   audio.DefaultFormat,
		Out:      out,
	})

	first := popWait(t, out)
	second := popWait(t, out)
	if len(first.Payload) != full || len(second.Payload) != full {
		t.Fatalf("payload sizes = %d, %d, want %d each",
			len(first.Payload), len(second.Payload), full)
	}
	if first.Sequence != 0 || second.Sequence != 1 {
		t.Errorf("sequences = %d, %d, want 0, 1", first.Sequence, second.Sequence)
	}
	if first.Payload[0] != 1 || second.Payload[0] != 2 {
		t.Error("frames delivered out of order")
	}
}

func TestChunkerRetriesOpenThenSucceeds(t *testing.T) {
	t.Parallel()

	full := frameBytes(capture.DefaultFrameDuration)
	opener := &mock.SourceOpener{
		OpenErrors: []error{errors.New("busy"), errors.New("busy"), nil},
		OpenResult: &mock.Source{Chunks: [][]byte{pcm(full, 9)}},
	}
	out := audio.NewFrameQueue(10)
	c, err := capture.NewChunker(capture.ChunkerConfig{
		DeviceID:      "child-1",
		Device:        opener,
		Format:        audio.DefaultFormat,
		FrameDuration: 5 * time.Millisecond,
		Out:           out,
	})
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	frame := popWait(t, out)
	if len(frame.Payload) != full {
		t.Errorf("payload = %d bytes, want %d", len(frame.Payload), full)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after cancel, want nil", err)
	}
	if got := len(opener.OpenCalls); got != 3 {
		t.Errorf("open attempts = %d, want 3", got)
	}
	if got := c.ErrorCount(); got != 2 {
		t.Errorf("ErrorCount = %d, want 2", got)
	}
}

func TestChunkerUnavailableAfterOpenBudget(t *testing.T) {
	t.Parallel()

	opener := &mock.SourceOpener{OpenError: errors.New("no such device")}
	c, err := capture.NewChunker(capture.ChunkerConfig{
		DeviceID:        "child-1",
		Device:          opener,
		Format:          audio.DefaultFormat,
		FrameDuration:   time.Millisecond,
		Out:             audio.NewFrameQueue(10),
		MaxOpenAttempts: 3,
	})
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}

	err = c.Run(context.Background())
	if !errors.Is(err, capture.ErrUnavailable) {
		t.Fatalf("Run returned %v, want ErrUnavailable", err)
	}
	if got := len(opener.OpenCalls); got != 3 {
		t.Errorf("open attempts = %d, want 3", got)
	}
	if got := c.ErrorCount(); got != 3 {
		t.Errorf("ErrorCount = %d, want 3", got)
	}
}

func TestChunkerReopensAfterReadError(t *testing.T) {
	t.Parallel()

	full := frameBytes(capture.DefaultFrameDuration)
	bad := &mock.Source{ReadError: errors.New("device wedged")}
	good := &mock.Source{Chunks: [][]byte{pcm(full, 4)}}
	opens := 0
	opener := openerFunc(func(audio.Format) (audio.Source, error) {
		opens++
		if opens == 1 {
			return bad, nil
		}
		return good, nil
	})

	out := audio.NewFrameQueue(10)
	c, err := capture.NewChunker(capture.ChunkerConfig{
		DeviceID:      "child-1",
		Device:        opener,
		Format:        audio.DefaultFormat,
		FrameDuration: 5 * time.Millisecond,
		Out:           out,
	})
	if err != nil {
		t.Fatalf("NewChunker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	frame := popWait(t, out)
	if len(frame.Payload) != full {
		t.Errorf("payload = %d bytes, want %d", len(frame.Payload), full)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after cancel, want nil", err)
	}
	if bad.CallCountClose == 0 {
		t.Error("failed source was not closed before reopening")
	}
	if c.ErrorCount() == 0 {
		t.Error("ErrorCount = 0, want the read failure counted")
	}
}
