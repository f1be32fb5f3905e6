package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/earshot-app/earshot/internal/observe"
	"github.com/earshot-app/earshot/pkg/audio"
)

// Scheduler drains a [JitterBuffer] into an audio output device.
//
// Pacing comes entirely from the device: [audio.Sink] Write returns only once
// the hardware has consumed the payload, so the drain loop can never race
// ahead of real time. No wall-clock timer is involved, which lets small
// device-rate drift be absorbed by the hardware's own consumption rate.
type Scheduler struct {
	buf     *JitterBuffer
	opener  audio.SinkOpener
	format  audio.Format
	metrics *observe.Metrics
}

// SchedulerConfig holds the dependencies for a [Scheduler].
type SchedulerConfig struct {
	// Buffer is the jitter buffer to drain. Required.
	Buffer *JitterBuffer

	// Device opens the output sink. Required.
	Device audio.SinkOpener

	// Format is the session's PCM format. Required and must be valid.
	Format audio.Format

	// Metrics receives playback instrumentation. May be nil.
	Metrics *observe.Metrics
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Buffer == nil {
		return nil, errors.New("playback: Buffer must not be nil")
	}
	if cfg.Device == nil {
		return nil, errors.New("playback: Device must not be nil")
	}
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("playback: invalid format %+v", cfg.Format)
	}
	return &Scheduler{
		buf:     cfg.Buffer,
		opener:  cfg.Device,
		format:  cfg.Format,
		metrics: cfg.Metrics,
	}, nil
}

// Run opens the output device and drains frames until ctx is cancelled or
// the buffer stops. Cancellation is checked between frames, never mid-write,
// so the device is always released cleanly. Returns nil on cancellation or
// stop, and the device error if the sink fails.
func (s *Scheduler) Run(ctx context.Context) error {
	sink, err := s.opener.OpenSink(s.format)
	if err != nil {
		return fmt.Errorf("playback: open output device: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Warn("playback: output device close error", "err", err)
		}
	}()

	for {
		frame, ok := s.buf.Pop(ctx)
		if !ok {
			return nil
		}
		if _, err := sink.Write(frame.Payload); err != nil {
			return fmt.Errorf("playback: write frame %d: %w", frame.Sequence, err)
		}
		s.metrics.RecordQueueDepth(ctx, "jitter", s.buf.Len())
	}
}
