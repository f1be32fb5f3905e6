package playback_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/earshot-app/earshot/internal/playback"
	"github.com/earshot-app/earshot/pkg/audio"
	"github.com/earshot-app/earshot/pkg/audio/mock"
)

func TestSchedulerDrainsInOrder(t *testing.T) {
	t.Parallel()

	b := playback.NewJitterBuffer(playback.JitterConfig{MinFill: 2})
	sink := &mock.Sink{}
	s, err := playback.NewScheduler(playback.SchedulerConfig{
		Buffer: b,
		Device: &mock.SinkOpener{OpenResult: sink},
		Format: audio.DefaultFormat,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	b.Push(frame(0))
	b.Push(frame(1))
	b.Push(frame(2))

	deadline := time.After(2 * time.Second)
	for sink.WrittenCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("wrote %d frames, want 3", sink.WrittenCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	b.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after Stop, want nil", err)
	}
	for i, want := range [][]byte{{0}, {1}, {2}} {
		if !bytes.Equal(sink.Written[i], want) {
			t.Errorf("write %d = %v, want %v", i, sink.Written[i], want)
		}
	}
	if sink.CallCountClose == 0 {
		t.Error("output device was not closed")
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	t.Parallel()

	b := playback.NewJitterBuffer(playback.JitterConfig{MinFill: 3})
	sink := &mock.Sink{}
	s, err := playback.NewScheduler(playback.SchedulerConfig{
		Buffer: b,
		Device: &mock.SinkOpener{OpenResult: sink},
		Format: audio.DefaultFormat,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after cancel, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if sink.CallCountClose == 0 {
		t.Error("output device was not closed")
	}
}

func TestSchedulerPacedByDeviceWrite(t *testing.T) {
	t.Parallel()

	b := playback.NewJitterBuffer(playback.JitterConfig{MinFill: 1})
	pace := make(chan struct{})
	sink := &mock.Sink{WriteDelay: pace}
	s, err := playback.NewScheduler(playback.SchedulerConfig{
		Buffer: b,
		Device: &mock.SinkOpener{OpenResult: sink},
		Format: audio.DefaultFormat,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	b.Push(frame(0))
	b.Push(frame(1))

	// The first write is still blocked in the device, so nothing may have
	// completed yet.
	time.Sleep(30 * time.Millisecond)
	if got := sink.WrittenCount(); got != 0 {
		t.Fatalf("%d writes completed while the device was blocked, want 0", got)
	}

	pace <- struct{}{}
	pace <- struct{}{}
	deadline := time.After(2 * time.Second)
	for sink.WrittenCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("wrote %d frames after pacing released, want 2", sink.WrittenCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	b.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
}

func TestSchedulerWriteError(t *testing.T) {
	t.Parallel()

	b := playback.NewJitterBuffer(playback.JitterConfig{MinFill: 1})
	wantErr := errors.New("device gone")
	s, err := playback.NewScheduler(playback.SchedulerConfig{
		Buffer: b,
		Device: &mock.SinkOpener{OpenResult: &mock.Sink{WriteError: wantErr}},
		Format: audio.DefaultFormat,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	b.Push(frame(0))
	if err := s.Run(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("Run returned %v, want wrapped %v", err, wantErr)
	}
}

func TestSchedulerOpenError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("no output device")
	s, err := playback.NewScheduler(playback.SchedulerConfig{
		Buffer: playback.NewJitterBuffer(playback.JitterConfig{}),
		Device: &mock.SinkOpener{OpenError: wantErr},
		Format: audio.DefaultFormat,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("Run returned %v, want wrapped %v", err, wantErr)
	}
}

func TestAdaptiveThresholdTracksJitter(t *testing.T) {
	t.Parallel()

	b := playback.NewJitterBuffer(playback.JitterConfig{MinFill: 3})
	a := playback.NewAdaptiveThreshold(playback.AdaptiveConfig{
		Buffer:        b,
		FrameDuration: 20 * time.Millisecond,
	})

	// Steady arrival: threshold stays at the floor.
	now := time.Now()
	for i := range 12 {
		a.Observe(now.Add(time.Duration(i) * 20 * time.Millisecond))
	}
	a.Recompute()
	if got := b.MinFill(); got != playback.DefaultMinThreshold {
		t.Fatalf("threshold under steady arrival = %d, want %d",
			got, playback.DefaultMinThreshold)
	}
}

func TestAdaptiveThresholdGrowsUnderJitter(t *testing.T) {
	t.Parallel()

	b := playback.NewJitterBuffer(playback.JitterConfig{MinFill: 3})
	a := playback.NewAdaptiveThreshold(playback.AdaptiveConfig{
		Buffer:        b,
		FrameDuration: 20 * time.Millisecond,
	})

	// Alternating 5 ms / 100 ms gaps: mean 52.5 ms, deviation 47.5 ms, so
	// the target of mean + 2*deviation is 147.5 ms, or 8 frames of 20 ms.
	now := time.Now()
	for i := range 10 {
		gap := 5 * time.Millisecond
		if i%2 == 1 {
			gap = 100 * time.Millisecond
		}
		now = now.Add(gap)
		a.Observe(now)
	}
	a.Recompute()
	if got := b.MinFill(); got != 8 {
		t.Fatalf("threshold under jittery arrival = %d, want 8", got)
	}
}

func TestAdaptiveThresholdNeedsSamples(t *testing.T) {
	t.Parallel()

	b := playback.NewJitterBuffer(playback.JitterConfig{MinFill: 5})
	a := playback.NewAdaptiveThreshold(playback.AdaptiveConfig{
		Buffer:        b,
		FrameDuration: 20 * time.Millisecond,
	})

	now := time.Now()
	for i := range 3 {
		a.Observe(now.Add(time.Duration(i) * 200 * time.Millisecond))
	}
	a.Recompute()
	if got := b.MinFill(); got != 5 {
		t.Fatalf("threshold with a thin window = %d, want the original 5", got)
	}
}
