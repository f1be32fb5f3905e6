package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/earshot-app/earshot/internal/observe"
	"github.com/earshot-app/earshot/internal/wire"
	"github.com/earshot-app/earshot/pkg/audio"
)

// Default polling parameters.
const (
	defaultPollInterval = 250 * time.Millisecond
	defaultMaxPerPoll   = 10
	defaultHTTPTimeout  = 10 * time.Second

	// subscriptionBuffer absorbs a burst of pulled frames between the poll
	// loop and the consumer.
	subscriptionBuffer = 32
)

// PollingClient implements [Transport] over plain HTTP request/response.
// Uploads are one POST per frame; downloads pull batches of frames that the
// relay removes from its buffer as it returns them.
type PollingClient struct {
	baseURL    string
	httpClient *http.Client
	interval   time.Duration
	maxPerPoll int
	backoff    Backoff
	metrics    *observe.Metrics

	mu     sync.Mutex
	closed bool
}

// PollingConfig configures a [PollingClient]. Zero values fall back to
// package defaults.
type PollingConfig struct {
	// BaseURL is the relay endpoint, e.g. "http://relay.example.com:8080".
	BaseURL string

	// HTTPClient overrides the HTTP client. Defaults to one with a 10 s
	// request timeout.
	HTTPClient *http.Client

	// PollInterval is the delay between download pulls.
	PollInterval time.Duration

	// MaxPerPoll bounds the frames requested per pull.
	MaxPerPoll int

	// Retry is the backoff schedule for transient failures.
	Retry Backoff

	// Metrics receives transport instrumentation. May be nil.
	Metrics *observe.Metrics
}

// NewPollingClient creates a polling transport for the given relay.
func NewPollingClient(cfg PollingConfig) (*PollingClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("transport: polling BaseURL must not be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("transport: polling BaseURL: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxPerPoll := cfg.MaxPerPoll
	if maxPerPoll <= 0 {
		maxPerPoll = defaultMaxPerPoll
	}
	return &PollingClient{
		baseURL:    cfg.BaseURL,
		httpClient: hc,
		interval:   interval,
		maxPerPoll: maxPerPoll,
		backoff:    cfg.Retry.withDefaults(),
		metrics:    cfg.Metrics,
	}, nil
}

// Send implements [Transport]. It POSTs the frame, retrying transient
// failures with backoff. Rejections (unknown session, oversized payload) are
// returned immediately without retry.
func (c *PollingClient) Send(ctx context.Context, frame audio.AudioFrame) error {
	if c.isClosed() {
		return ErrClosed
	}

	body, err := json.Marshal(wire.FromAudio(frame))
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = c.postFrame(ctx, frame.DeviceID, body)
		if lastErr == nil {
			c.metrics.RecordFrameSent(ctx, KindPoll, "ok", time.Since(start))
			return nil
		}
		if !retryable(lastErr) {
			c.metrics.RecordFrameSent(ctx, KindPoll, "rejected", time.Since(start))
			return lastErr
		}
		if attempt >= c.backoff.MaxRetries {
			break
		}
		slog.Debug("transport: send retry",
			"device_id", frame.DeviceID, "seq", frame.Sequence,
			"attempt", attempt+1, "err", lastErr)
		if !c.backoff.sleep(ctx, attempt+1) {
			return ctx.Err()
		}
	}
	c.metrics.RecordFrameSent(ctx, KindPoll, "failed", time.Since(start))
	return fmt.Errorf("%w: send after %d retries: %v", ErrUnavailable, c.backoff.MaxRetries, lastErr)
}

// postFrame performs one upload attempt.
func (c *PollingClient) postFrame(ctx context.Context, deviceID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.frameURL(deviceID, 0), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrSessionUnknown
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return ErrFrameTooLarge
	default:
		return fmt.Errorf("transport: upload status %d", resp.StatusCode)
	}
}

// Receive pulls up to max frames for deviceID from the relay buffer. The
// relay removes returned frames atomically, so no frame is delivered twice.
// Exposed for the push-fallback path and tests; [PollingClient.Subscribe] is
// the usual consumer entry point.
func (c *PollingClient) Receive(ctx context.Context, deviceID string, max int) ([]audio.AudioFrame, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.frameURL(deviceID, max), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrSessionUnknown
	default:
		return nil, fmt.Errorf("transport: download status %d", resp.StatusCode)
	}

	var pr wire.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("transport: decode download: %w", err)
	}

	frames := make([]audio.AudioFrame, 0, len(pr.Frames))
	for _, wf := range pr.Frames {
		frames = append(frames, wf.ToAudio(deviceID))
	}
	if c.metrics != nil {
		c.metrics.PullDuration.Record(ctx, time.Since(start).Seconds())
	}
	c.metrics.RecordFramesReceived(ctx, KindPoll, len(frames))
	return frames, nil
}

// Subscribe implements [Transport]. It starts a poll loop that pulls frame
// batches on a fixed interval and delivers them in order.
func (c *PollingClient) Subscribe(ctx context.Context, deviceID string) (Subscription, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	sub := newSubscription(subscriptionBuffer)
	go c.pollLoop(ctx, deviceID, sub)
	return sub, nil
}

// pollLoop pulls frames until the subscription ends. Consecutive transient
// failures beyond the retry budget terminate the subscription with
// [ErrUnavailable]; an unknown session terminates it immediately.
func (c *PollingClient) pollLoop(ctx context.Context, deviceID string, sub *subscription) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			sub.finish(nil)
			return
		case <-sub.done:
			sub.finish(nil)
			return
		case <-ticker.C:
		}

		frames, err := c.Receive(ctx, deviceID, c.maxPerPoll)
		switch {
		case err == nil:
			failures = 0
			for _, f := range frames {
				if !sub.deliver(ctx, f) {
					sub.finish(nil)
					return
				}
			}
		case errors.Is(err, ErrSessionUnknown):
			sub.finish(err)
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			sub.finish(nil)
			return
		default:
			failures++
			slog.Warn("transport: poll failure",
				"device_id", deviceID, "consecutive", failures, "err", err)
			if failures > c.backoff.MaxRetries {
				sub.finish(fmt.Errorf("%w: poll after %d consecutive failures: %v",
					ErrUnavailable, failures, err))
				return
			}
			if !c.backoff.sleep(ctx, failures) {
				sub.finish(nil)
				return
			}
		}
	}
}

// Close implements [Transport].
func (c *PollingClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *PollingClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// frameURL builds the frames endpoint for deviceID; max > 0 adds the
// download batch bound.
func (c *PollingClient) frameURL(deviceID string, max int) string {
	u := c.baseURL + "/v1/devices/" + url.PathEscape(deviceID) + "/frames"
	if max > 0 {
		u += "?max=" + strconv.Itoa(max)
	}
	return u
}

// retryable reports whether a send error is worth another attempt.
func retryable(err error) bool {
	return !errors.Is(err, ErrSessionUnknown) &&
		!errors.Is(err, ErrFrameTooLarge) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// ─── subscription ─────────────────────────────────────────────────────────────

// subscription is the [Subscription] implementation shared by both transports.
type subscription struct {
	frames chan audio.AudioFrame
	done   chan struct{}

	once        sync.Once
	closeOnce   sync.Once
	mu          sync.Mutex
	terminalErr error
}

func newSubscription(buffer int) *subscription {
	return &subscription{
		frames: make(chan audio.AudioFrame, buffer),
		done:   make(chan struct{}),
	}
}

// Frames implements [Subscription].
func (s *subscription) Frames() <-chan audio.AudioFrame { return s.frames }

// Err implements [Subscription].
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalErr
}

// Close implements [Subscription].
func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// deliver sends one frame to the consumer. Returns false when the
// subscription ended before the frame could be handed over.
func (s *subscription) deliver(ctx context.Context, f audio.AudioFrame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// finish records the terminal error and closes the frame channel. Safe to
// call more than once; only the first call wins.
func (s *subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.terminalErr = err
		s.mu.Unlock()
		close(s.frames)
	})
}
