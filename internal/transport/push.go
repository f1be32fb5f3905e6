package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/earshot-app/earshot/internal/observe"
	"github.com/earshot-app/earshot/internal/wire"
	"github.com/earshot-app/earshot/pkg/audio"
)

// writeTimeout bounds a single WebSocket frame write.
const writeTimeout = 10 * time.Second

// PushClient implements [Transport] over a persistent WebSocket per device.
// A producer connection carries uploads; a consumer connection receives each
// frame the moment the relay forwards it. Both directions reconnect with
// exponential backoff, re-registering the device identity by re-dialling the
// stream endpoint.
type PushClient struct {
	baseURL string
	backoff Backoff
	metrics *observe.Metrics

	mu        sync.Mutex
	closed    bool
	producers map[string]*websocket.Conn
}

// PushConfig configures a [PushClient].
type PushConfig struct {
	// BaseURL is the relay endpoint, e.g. "http://relay.example.com:8080".
	// The WebSocket handshake is an HTTP upgrade, so the http(s) scheme is
	// used as-is.
	BaseURL string

	// Retry is the backoff schedule for reconnection.
	Retry Backoff

	// Metrics receives transport instrumentation. May be nil.
	Metrics *observe.Metrics
}

// NewPushClient creates a push transport for the given relay.
func NewPushClient(cfg PushConfig) (*PushClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("transport: push BaseURL must not be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("transport: push BaseURL: %w", err)
	}
	return &PushClient{
		baseURL:   cfg.BaseURL,
		backoff:   cfg.Retry.withDefaults(),
		metrics:   cfg.Metrics,
		producers: make(map[string]*websocket.Conn),
	}, nil
}

// Send implements [Transport]. It writes the frame as one binary message on
// the device's producer connection, dialling (or re-dialling) the stream
// endpoint as needed.
func (c *PushClient) Send(ctx context.Context, frame audio.AudioFrame) error {
	body, err := json.Marshal(wire.FromAudio(frame))
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		conn, err := c.producerConn(ctx, frame.DeviceID)
		if err != nil {
			lastErr = err
		} else {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			lastErr = conn.Write(wctx, websocket.MessageBinary, body)
			cancel()
			if lastErr == nil {
				c.metrics.RecordFrameSent(ctx, KindPush, "ok", time.Since(start))
				return nil
			}
			c.dropProducer(frame.DeviceID, conn)
		}
		if errors.Is(lastErr, ErrClosed) || ctx.Err() != nil {
			return lastErr
		}
		if attempt >= c.backoff.MaxRetries {
			break
		}
		slog.Debug("transport: push send retry",
			"device_id", frame.DeviceID, "seq", frame.Sequence,
			"attempt", attempt+1, "err", lastErr)
		if !c.backoff.sleep(ctx, attempt+1) {
			return ctx.Err()
		}
	}
	c.metrics.RecordFrameSent(ctx, KindPush, "failed", time.Since(start))
	return fmt.Errorf("%w: push send after %d retries: %v", ErrUnavailable, c.backoff.MaxRetries, lastErr)
}

// producerConn returns the open producer connection for deviceID, dialling
// one when absent.
func (c *PushClient) producerConn(ctx context.Context, deviceID string) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if conn, ok := c.producers[deviceID]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx, deviceID, wire.RoleProducer)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return nil, ErrClosed
	}
	if existing, ok := c.producers[deviceID]; ok {
		// Another goroutine won the dial race.
		conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return existing, nil
	}
	c.producers[deviceID] = conn
	return conn, nil
}

// dropProducer discards the producer connection after a write failure so the
// next Send re-dials. Only removes conn if it is still the registered one.
func (c *PushClient) dropProducer(deviceID string, conn *websocket.Conn) {
	c.mu.Lock()
	if c.producers[deviceID] == conn {
		delete(c.producers, deviceID)
	}
	c.mu.Unlock()
	conn.Close(websocket.StatusInternalError, "write failed")
}

// Subscribe implements [Transport]. It registers as the push consumer for
// deviceID and delivers each forwarded frame as it arrives. On connection
// loss the read loop reconnects with exponential backoff, re-registering the
// device identity; the retry budget resets after every successful read.
func (c *PushClient) Subscribe(ctx context.Context, deviceID string) (Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx, deviceID, wire.RoleConsumer)
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe %q: %w", deviceID, err)
	}

	sub := newSubscription(subscriptionBuffer)
	go c.readLoop(ctx, deviceID, conn, sub)
	return sub, nil
}

// readLoop receives frames on the consumer connection and dispatches them to
// the subscription, reconnecting on failure.
func (c *PushClient) readLoop(ctx context.Context, deviceID string, conn *websocket.Conn, sub *subscription) {
	defer func() {
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "subscription closed")
		}
	}()

	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-sub.done:
				sub.finish(nil)
				return
			default:
			}
			if ctx.Err() != nil {
				sub.finish(nil)
				return
			}

			conn.Close(websocket.StatusInternalError, "read failed")
			conn = c.reconnect(ctx, deviceID, sub, err)
			if conn == nil {
				return
			}
			continue
		}
		if msgType != websocket.MessageBinary {
			continue
		}

		var wf wire.Frame
		if err := json.Unmarshal(msg, &wf); err != nil {
			slog.Warn("transport: push frame decode failed", "device_id", deviceID, "err", err)
			continue
		}
		c.metrics.RecordFramesReceived(ctx, KindPush, 1)
		if !sub.deliver(ctx, wf.ToAudio(deviceID)) {
			sub.finish(nil)
			return
		}
	}
}

// reconnect re-dials the consumer stream with backoff. Returns nil after the
// retry budget is exhausted (the subscription is finished with
// [ErrUnavailable]) or when the subscription ends first.
func (c *PushClient) reconnect(ctx context.Context, deviceID string, sub *subscription, cause error) *websocket.Conn {
	for attempt := 1; attempt <= c.backoff.MaxRetries; attempt++ {
		slog.Info("transport: push reconnecting",
			"device_id", deviceID, "attempt", attempt, "cause", cause)
		if !c.backoff.sleep(ctx, attempt) {
			sub.finish(nil)
			return nil
		}
		select {
		case <-sub.done:
			sub.finish(nil)
			return nil
		default:
		}

		conn, err := c.dial(ctx, deviceID, wire.RoleConsumer)
		if err == nil {
			slog.Info("transport: push reconnected", "device_id", deviceID)
			return conn
		}
		cause = err
	}
	sub.finish(fmt.Errorf("%w: push reconnect after %d attempts: %v",
		ErrUnavailable, c.backoff.MaxRetries, cause))
	return nil
}

// dial opens the stream endpoint for deviceID with the given role.
func (c *PushClient) dial(ctx context.Context, deviceID string, role wire.Role) (*websocket.Conn, error) {
	u := c.baseURL + "/v1/devices/" + url.PathEscape(deviceID) + "/stream?role=" + string(role)
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close implements [Transport]. It closes every producer connection; active
// subscriptions end on their next read.
func (c *PushClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conns := c.producers
	c.producers = make(map[string]*websocket.Conn)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}
