// Package transport moves frames between a device and the relay server.
//
// Two interchangeable strategies implement the same [Transport] contract:
//
//   - [PollingClient] — HTTP request/response; uploads are one bounded POST
//     per frame, downloads pull batches from the relay buffer.
//   - [PushClient] — a persistent WebSocket per device; frames are written
//     as they are produced and delivered as they arrive.
//
// The capture and playback layers are oblivious to which strategy moved a
// frame: both deliver inbound audio through a [Subscription] channel.
package transport

import (
	"context"
	"errors"

	"github.com/earshot-app/earshot/pkg/audio"
)

// Transport kinds, used for config selection and metric attributes.
const (
	KindPoll = "poll"
	KindPush = "push"
)

var (
	// ErrSessionUnknown reports that the target device has no active session
	// on the relay. It is surfaced immediately, never retried.
	ErrSessionUnknown = errors.New("transport: unknown device session")

	// ErrUnavailable reports that the relay could not be reached after the
	// configured retries. The session layer treats it as fatal for the
	// session, not for the process.
	ErrUnavailable = errors.New("transport: relay unavailable")

	// ErrFrameTooLarge reports that the relay rejected an upload for
	// exceeding the request size bound. Not retried.
	ErrFrameTooLarge = errors.New("transport: frame payload too large")

	// ErrClosed reports use of a transport after Close.
	ErrClosed = errors.New("transport: closed")
)

// Transport is the client-side contract shared by the polling and push
// strategies. Implementations must be safe for concurrent use.
type Transport interface {
	// Send uploads one frame to the relay. Transient failures are retried
	// with backoff internally; the returned error is terminal for this frame
	// (the frame is dropped, never re-sent — recency beats completeness).
	Send(ctx context.Context, frame audio.AudioFrame) error

	// Subscribe starts delivery of frames for deviceID. The returned
	// subscription's channel closes on Close, on ctx cancellation, or on
	// persistent transport failure; check [Subscription.Err] afterwards.
	Subscribe(ctx context.Context, deviceID string) (Subscription, error)

	// Close releases the transport's connections.
	Close() error
}

// Subscription is a live inbound frame stream for one device.
type Subscription interface {
	// Frames returns the channel delivering frames in arrival order.
	// The channel is closed when the subscription ends.
	Frames() <-chan audio.AudioFrame

	// Err returns the terminal error after Frames is closed, or nil when
	// the subscription ended by Close or context cancellation.
	Err() error

	// Close stops delivery and closes the frame channel.
	Close() error
}
