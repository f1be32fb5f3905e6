// Package wire defines the JSON message shapes shared by the relay server
// and the transport clients. Frame payloads travel base64-encoded inside
// JSON; both the polling endpoints and the push WebSocket carry the same
// [Frame] shape so the relay buffer is oblivious to which transport moved a
// frame.
package wire

import (
	"time"

	"github.com/earshot-app/earshot/pkg/audio"
)

// Role identifies which end of a push stream a WebSocket client registers as.
type Role string

const (
	// RoleProducer registers the connection as the frame uploader for a device.
	RoleProducer Role = "producer"

	// RoleConsumer registers the connection as the frame receiver for a device.
	RoleConsumer Role = "consumer"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleProducer || r == RoleConsumer
}

// Frame is the wire representation of one audio frame.
type Frame struct {
	// DeviceID is set on upload; the relay omits it on download because the
	// device is already named in the request path.
	DeviceID string `json:"device_id,omitempty"`

	// Sequence is the chunker-assigned per-session sequence number.
	Sequence uint64 `json:"sequence"`

	// Payload is raw PCM; encoding/json transports it as base64.
	Payload []byte `json:"payload"`

	// CapturedAt is the capture-side timestamp, diagnostic only.
	CapturedAt time.Time `json:"captured_at"`
}

// UploadAck is the response body for a frame upload.
type UploadAck struct {
	// Accepted is true when the frame was stored or forwarded.
	Accepted bool `json:"accepted"`

	// Evicted is true when storing the frame pushed an older frame out of
	// the relay buffer. Informational — eviction is not an error.
	Evicted bool `json:"evicted"`
}

// PullResponse is the response body for a frame download. Frames are in FIFO
// order and have been removed from the relay buffer.
type PullResponse struct {
	Frames []Frame `json:"frames"`
}

// ErrorResponse is the JSON body returned with non-2xx statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FromAudio converts a pipeline frame to its wire representation.
func FromAudio(f audio.AudioFrame) Frame {
	return Frame{
		DeviceID:   f.DeviceID,
		Sequence:   f.Sequence,
		Payload:    f.Payload,
		CapturedAt: f.CapturedAt,
	}
}

// ToAudio converts a wire frame back to a pipeline frame. deviceID overrides
// the embedded device ID when the wire frame omits it.
func (f Frame) ToAudio(deviceID string) audio.AudioFrame {
	id := f.DeviceID
	if id == "" {
		id = deviceID
	}
	return audio.AudioFrame{
		DeviceID:   id,
		Sequence:   f.Sequence,
		Payload:    f.Payload,
		CapturedAt: f.CapturedAt,
	}
}
