// Package capture owns the microphone side of the pipeline: it slices the
// capture device's PCM stream into fixed-duration frames and pushes them, in
// sequence order, onto the outbound queue that the transport loop drains.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/earshot-app/earshot/internal/observe"
	"github.com/earshot-app/earshot/pkg/audio"
)

// ErrUnavailable reports that the capture device could not be opened after
// the configured number of attempts. The session transitions to stopped when
// the chunker returns it.
var ErrUnavailable = errors.New("capture: device unavailable")

// Chunker defaults, used when the corresponding config values are zero.
const (
	// DefaultFrameDuration is the nominal frame length. 20 ms keeps
	// end-to-end latency low; longer frames trade latency for overhead.
	DefaultFrameDuration = 20 * time.Millisecond

	// DefaultMaxOpenAttempts bounds consecutive device-open failures before
	// the chunker gives up.
	DefaultMaxOpenAttempts = 5

	// readBuffer is the hand-off depth between the device reader and the
	// framing loop.
	readBuffer = 4
)

// Chunker produces a steady stream of fixed-interval frames from a capture
// device while a session is streaming.
//
// Cadence beats completeness: when the frame interval elapses with fewer
// samples than a full frame, the frame is emitted short rather than held
// open, bounding the worst-case latency contributed by any single frame.
// Capture errors do not kill the pipeline — the device is re-opened with a
// bounded number of attempts before the chunker reports [ErrUnavailable].
type Chunker struct {
	deviceID      string
	opener        audio.SourceOpener
	format        audio.Format
	frameDuration time.Duration
	out           *audio.FrameQueue
	maxAttempts   int
	metrics       *observe.Metrics

	seq        uint64
	errorCount atomic.Uint64
}

// ChunkerConfig holds the dependencies and tuning for a [Chunker].
type ChunkerConfig struct {
	// DeviceID is stamped on every produced frame.
	DeviceID string

	// Device opens the capture source. Required.
	Device audio.SourceOpener

	// Format is the session's PCM format. Required and must be valid.
	Format audio.Format

	// FrameDuration is the nominal frame length. Defaults to 20 ms.
	FrameDuration time.Duration

	// Out is the outbound queue frames are pushed onto. Required.
	Out *audio.FrameQueue

	// MaxOpenAttempts bounds consecutive device-open failures.
	MaxOpenAttempts int

	// Metrics receives capture instrumentation. May be nil.
	Metrics *observe.Metrics
}

// NewChunker creates a chunker. Returns an error when required dependencies
// are missing or the format is invalid.
func NewChunker(cfg ChunkerConfig) (*Chunker, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("capture: DeviceID must not be empty")
	}
	if cfg.Device == nil {
		return nil, errors.New("capture: Device must not be nil")
	}
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("capture: invalid format %+v", cfg.Format)
	}
	if cfg.Out == nil {
		return nil, errors.New("capture: Out queue must not be nil")
	}
	frameDuration := cfg.FrameDuration
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	maxAttempts := cfg.MaxOpenAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxOpenAttempts
	}
	return &Chunker{
		deviceID:      cfg.DeviceID,
		opener:        cfg.Device,
		format:        cfg.Format,
		frameDuration: frameDuration,
		out:           cfg.Out,
		maxAttempts:   maxAttempts,
		metrics:       cfg.Metrics,
	}, nil
}

// Run captures frames until ctx is cancelled. It returns nil on cancellation
// and [ErrUnavailable] when the device cannot be (re-)opened within the
// attempt budget. Any partially-filled frame at shutdown is discarded — no
// partial frame is ever transmitted out of cadence.
func (c *Chunker) Run(ctx context.Context) error {
	for {
		src, err := c.open(ctx)
		if err != nil {
			return err
		}

		err = c.captureLoop(ctx, src)
		if closeErr := src.Close(); closeErr != nil {
			slog.Warn("capture: device close error", "device_id", c.deviceID, "err", closeErr)
		}
		if ctx.Err() != nil {
			return nil
		}
		// Read failure: count it and try a fresh device handle on the next
		// interval boundary.
		c.errorCount.Add(1)
		slog.Warn("capture: device read failed, reopening",
			"device_id", c.deviceID, "err", err)
	}
}

// ErrorCount returns the number of capture errors (failed opens and read
// failures) observed so far. Exposed to the session health snapshot.
func (c *Chunker) ErrorCount() uint64 { return c.errorCount.Load() }

// open tries to open the capture device, waiting one frame interval between
// attempts. Bounded by the configured attempt budget.
func (c *Chunker) open(ctx context.Context) (audio.Source, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		src, err := c.opener.OpenSource(c.format)
		if err == nil {
			if attempt > 1 {
				slog.Info("capture: device opened after retry",
					"device_id", c.deviceID, "attempt", attempt)
			}
			return src, nil
		}
		lastErr = err
		c.errorCount.Add(1)
		slog.Warn("capture: device open failed",
			"device_id", c.deviceID, "attempt", attempt, "err", err)

		t := time.NewTimer(c.frameDuration)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: open failed after %d attempts: %v",
		ErrUnavailable, c.maxAttempts, lastErr)
}

// captureLoop reads PCM from src and emits frames on the interval cadence.
// Returns nil when ctx is cancelled, or the device error that ended reading.
func (c *Chunker) captureLoop(ctx context.Context, src audio.Source) error {
	frameBytes := c.format.BytesFor(c.frameDuration)

	readCh := make(chan []byte, readBuffer)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	// The device Read blocks with no deadline, so it runs on its own
	// goroutine; Close (from Run) unblocks it on shutdown.
	go func() {
		buf := make([]byte, frameBytes)
		for {
			n, err := src.Read(buf)
			if err != nil {
				select {
				case readErr <- err:
				case <-done:
				}
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case readCh <- data:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(c.frameDuration)
	defer ticker.Stop()

	var pending []byte
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case data := <-readCh:
			pending = append(pending, data...)
			for len(pending) >= frameBytes {
				c.emit(ctx, pending[:frameBytes:frameBytes])
				pending = pending[frameBytes:]
			}
		case <-ticker.C:
			// Interval elapsed with a partial frame: emit it short to hold
			// the cadence. An empty interval emits nothing.
			if len(pending) > 0 {
				c.emit(ctx, pending)
				pending = nil
			}
		}
	}
}

// emit stamps and enqueues one frame.
func (c *Chunker) emit(ctx context.Context, payload []byte) {
	frame := audio.AudioFrame{
		DeviceID:   c.deviceID,
		Sequence:   c.seq,
		Payload:    payload,
		CapturedAt: time.Now(),
	}
	c.seq++

	if evicted := c.out.Push(frame); evicted {
		c.metrics.RecordFrameDropped(ctx, "outbound")
	}
	c.metrics.RecordQueueDepth(ctx, "outbound", c.out.Len())
}
