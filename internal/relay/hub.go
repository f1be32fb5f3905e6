package relay

import (
	"log/slog"
	"sync"

	"github.com/earshot-app/earshot/pkg/audio"
)

// consumerBuffer is the channel depth between the hub and a push consumer's
// write loop. It only needs to absorb scheduling hiccups — sustained slowness
// is handled by dropping the oldest queued frame.
const consumerBuffer = 32

// Hub routes frames to push consumers. At most one consumer is registered
// per device at a time; a new subscription replaces the old one. When no
// consumer is registered, Publish reports false and the caller falls back to
// the relay buffer.
//
// All methods are safe for concurrent use.
type Hub struct {
	mu        sync.Mutex
	consumers map[string]chan audio.AudioFrame
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{consumers: make(map[string]chan audio.AudioFrame)}
}

// Subscribe registers the calling goroutine as the push consumer for
// deviceID and returns the delivery channel plus a cancel function. Any
// previous subscription for the device is closed. The cancel function only
// removes the subscription it created — it is a no-op if a later subscriber
// has already replaced it.
func (h *Hub) Subscribe(deviceID string) (<-chan audio.AudioFrame, func()) {
	ch := make(chan audio.AudioFrame, consumerBuffer)

	h.mu.Lock()
	if old, ok := h.consumers[deviceID]; ok {
		close(old)
		slog.Debug("relay: replacing push consumer", "device_id", deviceID)
	}
	h.consumers[deviceID] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if h.consumers[deviceID] == ch {
			delete(h.consumers, deviceID)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish forwards frame to the registered consumer for frame.DeviceID.
// Returns false when no consumer is subscribed, in which case the caller
// must buffer the frame instead. When the consumer's channel is full the
// oldest queued frame is discarded so the newest audio keeps flowing.
func (h *Hub) Publish(frame audio.AudioFrame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.consumers[frame.DeviceID]
	if !ok {
		return false
	}

	select {
	case ch <- frame:
		return true
	default:
	}

	// Channel full: drop the oldest queued frame, then retry once. Holding
	// h.mu means no concurrent Publish can interleave, so FIFO order of the
	// surviving frames is preserved.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- frame:
	default:
	}
	return true
}

// HasConsumer reports whether a push consumer is registered for deviceID.
func (h *Hub) HasConsumer(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.consumers[deviceID]
	return ok
}
