package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/earshot-app/earshot/internal/observe"
	"github.com/earshot-app/earshot/internal/playback"
	"github.com/earshot-app/earshot/internal/transport"
	"github.com/earshot-app/earshot/pkg/audio"
)

// Receiver is the parent-device session: it subscribes to a device's frame
// stream, smooths arrival timing through the jitter buffer, and plays the
// audio out.
type Receiver struct {
	deviceID  string
	sessionID string
	format    audio.Format
	jitter    *playback.JitterBuffer
	scheduler *playback.Scheduler
	adaptive  *playback.AdaptiveThreshold
	tr        transport.Transport
	metrics   *observe.Metrics
	rate      *rateMeter
	underruns *underrunTracker

	mu          sync.Mutex
	started     bool
	stopped     bool
	startedAt   time.Time
	lastFrameAt time.Time
	runErr      error
}

// ReceiverConfig holds the dependencies for a [Receiver].
type ReceiverConfig struct {
	// DeviceID identifies the child device to listen to. Required.
	DeviceID string

	// SessionID labels this session instance in health snapshots and logs.
	SessionID string

	// Device opens the output sink. Required.
	Device audio.SinkOpener

	// Format is the session's PCM format. Required and must be valid.
	Format audio.Format

	// MinFill and MaxCapacity tune the jitter buffer. Zero selects the
	// playback package defaults.
	MinFill     int
	MaxCapacity int

	// FrameDuration is the nominal playout time of one frame, used by the
	// adaptive fill policy.
	FrameDuration time.Duration

	// Adaptive enables periodic retuning of the fill threshold from
	// observed arrival jitter. Off, the threshold stays fixed at MinFill.
	Adaptive bool

	// Transport delivers frames. Required.
	Transport transport.Transport

	// Metrics receives pipeline instrumentation. May be nil.
	Metrics *observe.Metrics
}

// NewReceiver wires a receiver session. It does not open the output device
// or the subscription; both happen in Run.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("session: DeviceID must not be empty")
	}
	if cfg.Transport == nil {
		return nil, errors.New("session: Transport must not be nil")
	}
	jitter := playback.NewJitterBuffer(playback.JitterConfig{
		MinFill:     cfg.MinFill,
		MaxCapacity: cfg.MaxCapacity,
		Metrics:     cfg.Metrics,
	})
	scheduler, err := playback.NewScheduler(playback.SchedulerConfig{
		Buffer:  jitter,
		Device:  cfg.Device,
		Format:  cfg.Format,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	var adaptive *playback.AdaptiveThreshold
	if cfg.Adaptive {
		adaptive = playback.NewAdaptiveThreshold(playback.AdaptiveConfig{
			Buffer:        jitter,
			FrameDuration: cfg.FrameDuration,
			MinThreshold:  cfg.MinFill,
		})
	}
	return &Receiver{
		deviceID:  cfg.DeviceID,
		sessionID: cfg.SessionID,
		format:    cfg.Format,
		jitter:    jitter,
		scheduler: scheduler,
		adaptive:  adaptive,
		tr:        cfg.Transport,
		metrics:   cfg.Metrics,
		rate:      newRateMeter(rateWindow),
		underruns: &underrunTracker{},
	}, nil
}

// Run subscribes and plays until ctx is cancelled or the transport fails
// persistently. Returns nil on a clean stop. Underruns never terminate the
// session; the jitter buffer re-enters buffering and playback resumes when
// the fill threshold is met again.
func (r *Receiver) Run(ctx context.Context) error {
	sub, err := r.tr.Subscribe(ctx, r.deviceID)
	if err != nil {
		r.finish(err)
		return fmt.Errorf("session: subscribe %s: %w", r.deviceID, err)
	}
	defer func() {
		sub.Close()
		// Release frames still queued on the subscription so the transport's
		// delivery loop can wind down.
		go audio.Drain(sub.Frames())
	}()

	r.mu.Lock()
	r.started = true
	r.startedAt = time.Now()
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.inboundLoop(gctx, sub) })
	g.Go(func() error { return r.scheduler.Run(gctx) })
	if r.adaptive != nil {
		g.Go(func() error {
			r.adaptive.Run(gctx)
			return nil
		})
	}
	err = g.Wait()
	r.jitter.Stop()
	r.finish(err)
	if err != nil {
		slog.Error("receiver session terminated",
			"device_id", r.deviceID, "session_id", r.sessionID, "err", err)
	}
	return err
}

// inboundLoop feeds delivered frames into the jitter buffer. It ends when
// the subscription closes; a subscription error is terminal for the session.
func (r *Receiver) inboundLoop(ctx context.Context, sub transport.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-sub.Frames():
			if !ok {
				if err := sub.Err(); err != nil {
					return fmt.Errorf("session: subscription for %s: %w", r.deviceID, err)
				}
				// Clean close: stop the buffer so the scheduler drains out.
				r.jitter.Stop()
				return nil
			}
			now := time.Now()
			if r.adaptive != nil {
				r.adaptive.Observe(now)
			}
			if evicted := r.jitter.Push(frame); evicted {
				r.metrics.RecordFrameDropped(ctx, "jitter")
			}
			r.rate.observe(now, len(frame.Payload))
			r.mu.Lock()
			r.lastFrameAt = now
			r.mu.Unlock()
		}
	}
}

// finish records the terminal state.
func (r *Receiver) finish(err error) {
	r.mu.Lock()
	r.stopped = true
	r.runErr = err
	r.mu.Unlock()
}

// Health implements [Session].
func (r *Receiver) Health() Health {
	now := time.Now()
	r.mu.Lock()
	started, stopped := r.started, r.stopped
	h := Health{
		DeviceID:               r.deviceID,
		SessionID:              r.sessionID,
		ExpectedBytesPerSecond: r.format.BytesPerSecond(),
		ObservedBytesPerSecond: r.rate.rate(now),
		QueueDepth:             r.jitter.Len(),
		QueueCapacity:          r.jitter.Cap(),
		Underruns:              r.jitter.Underruns(),
		FramesEvicted:          r.jitter.Evicted(),
		StartedAt:              r.startedAt,
		LastFrameAt:            r.lastFrameAt,
	}
	if r.runErr != nil {
		h.Err = r.runErr.Error()
	}
	r.mu.Unlock()

	switch {
	case stopped:
		h.State = StateStopped
	case !started:
		h.State = StateIdle
	case r.jitter.State() == playback.StatePlaying:
		h.State = StatePlaying
	default:
		h.State = StateBuffering
	}
	h.Status = classify(h, r.underruns.inWindow(h.Underruns, now), now.Sub(h.StartedAt))
	return h
}
