package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/earshot-app/earshot/internal/capture"
	"github.com/earshot-app/earshot/internal/observe"
	"github.com/earshot-app/earshot/internal/transport"
	"github.com/earshot-app/earshot/pkg/audio"
)

// DefaultOutboundCapacity bounds the sender's outbound queue. The queue only
// grows when the transport falls behind capture; drop-oldest eviction keeps
// uploads recent rather than complete.
const DefaultOutboundCapacity = 32

// Sender is the child-device session: it captures microphone audio, frames
// it, and uploads frames to the relay.
type Sender struct {
	deviceID  string
	sessionID string
	format    audio.Format
	queue     *audio.FrameQueue
	chunker   *capture.Chunker
	tr        transport.Transport
	metrics   *observe.Metrics
	rate      *rateMeter

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	lastFrameAt time.Time
	runErr      error
}

// SenderConfig holds the dependencies for a [Sender].
type SenderConfig struct {
	// DeviceID identifies the child device. Required.
	DeviceID string

	// SessionID labels this session instance in health snapshots and logs.
	SessionID string

	// Device opens the capture source. Required.
	Device audio.SourceOpener

	// Format is the session's PCM format. Required and must be valid.
	Format audio.Format

	// FrameDuration is the capture frame length. Zero selects the chunker
	// default.
	FrameDuration time.Duration

	// QueueCapacity bounds the outbound queue. Zero selects
	// [DefaultOutboundCapacity].
	QueueCapacity int

	// Transport uploads frames. Required.
	Transport transport.Transport

	// Metrics receives pipeline instrumentation. May be nil.
	Metrics *observe.Metrics
}

// NewSender wires a sender session. It does not open the capture device;
// that happens in Run.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: Transport must not be nil")
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultOutboundCapacity
	}
	queue := audio.NewFrameQueue(capacity)
	chunker, err := capture.NewChunker(capture.ChunkerConfig{
		DeviceID:      cfg.DeviceID,
		Device:        cfg.Device,
		Format:        cfg.Format,
		FrameDuration: cfg.FrameDuration,
		Out:           queue,
		Metrics:       cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{
		deviceID:  cfg.DeviceID,
		sessionID: cfg.SessionID,
		format:    cfg.Format,
		queue:     queue,
		chunker:   chunker,
		tr:        cfg.Transport,
		metrics:   cfg.Metrics,
		rate:      newRateMeter(rateWindow),
	}, nil
}

// Run captures and uploads until ctx is cancelled, the capture device stays
// unavailable, or the transport fails persistently. Returns nil on a clean
// stop.
func (s *Sender) Run(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateStreaming
	s.startedAt = time.Now()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.chunker.Run(gctx) })
	g.Go(func() error { return s.sendLoop(gctx) })
	err := g.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.runErr = err
	s.mu.Unlock()
	if err != nil {
		slog.Error("sender session terminated",
			"device_id", s.deviceID, "session_id", s.sessionID, "err", err)
	}
	return err
}

// sendLoop drains the outbound queue into the transport.
func (s *Sender) sendLoop(ctx context.Context) error {
	for {
		frame, ok := s.queue.PopWait(ctx)
		if !ok {
			return nil
		}
		err := s.tr.Send(ctx, frame)
		switch {
		case err == nil:
			now := time.Now()
			s.rate.observe(now, len(frame.Payload))
			s.mu.Lock()
			s.lastFrameAt = now
			s.mu.Unlock()
		case errors.Is(err, transport.ErrFrameTooLarge):
			// An oversized frame is dropped, not fatal: later frames may be
			// short ones that fit.
			slog.Warn("dropping oversized frame",
				"device_id", s.deviceID, "sequence", frame.Sequence,
				"bytes", len(frame.Payload))
			s.metrics.RecordFrameDropped(ctx, "send")
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("session: upload frame %d: %w", frame.Sequence, err)
		}
	}
}

// Health implements [Session].
func (s *Sender) Health() Health {
	now := time.Now()
	s.mu.Lock()
	h := Health{
		DeviceID:               s.deviceID,
		SessionID:              s.sessionID,
		State:                  s.state,
		ExpectedBytesPerSecond: s.format.BytesPerSecond(),
		ObservedBytesPerSecond: s.rate.rate(now),
		QueueDepth:             s.queue.Len(),
		QueueCapacity:          s.queue.Cap(),
		FramesEvicted:          s.queue.Evicted(),
		CaptureErrors:          s.chunker.ErrorCount(),
		StartedAt:              s.startedAt,
		LastFrameAt:            s.lastFrameAt,
	}
	if s.runErr != nil {
		h.Err = s.runErr.Error()
	}
	s.mu.Unlock()

	h.Status = classify(h, 0, now.Sub(h.StartedAt))
	return h
}
