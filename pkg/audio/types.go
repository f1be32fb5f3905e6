// Package audio defines the frame type, sample-format arithmetic, and device
// interfaces shared by every stage of the Earshot relay pipeline.
//
// The two primary abstractions are:
//
//   - [Source] — an opened capture device that blocking-reads raw PCM.
//   - [Sink] — an opened playback device whose blocking Write paces playback
//     at the hardware consumption rate.
//
// Implementations of these interfaces are provided by device-specific adapter
// packages (e.g., audio/malgo). The interfaces are intentionally narrow to
// keep the pipeline decoupled from audio-backend details.
//
// This package lives under pkg/ because external code (alternative device
// adapters) is expected to implement [Source] and [Sink].
package audio

import "time"

// AudioFrame is the atomic unit of audio transport. Frames are created by the
// capture chunker, carried through the relay, and destroyed after being
// drained into the playback device. A frame is immutable after creation and
// handed off between pipeline stages with single-owner semantics — no two
// stages hold the same frame concurrently.
type AudioFrame struct {
	// DeviceID identifies the device the frame was captured on.
	DeviceID string

	// Sequence is assigned by the chunker and increases monotonically within
	// a streaming session. Used for ordering and gap detection only — frames
	// are never retransmitted.
	Sequence uint64

	// Payload is raw PCM at the session's agreed [Format].
	Payload []byte

	// CapturedAt records when the capture interval for this frame ended.
	// Diagnostic only; ordering is always by Sequence.
	CapturedAt time.Time
}

// Format describes the PCM sample format agreed for a streaming session.
type Format struct {
	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// BitDepth in bits per sample. Only multiples of 8 are meaningful.
	BitDepth int
}

// DefaultFormat is 16 kHz mono 16-bit — the format the agent captures at
// unless configured otherwise.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// BytesPerSecond returns the PCM data rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// BytesFor returns the payload size of d worth of audio, rounded down to a
// whole sample.
func (f Format) BytesFor(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * d.Nanoseconds() / int64(time.Second))
	sample := f.Channels * f.BitDepth / 8
	if sample == 0 {
		return 0
	}
	return n - n%sample
}

// Duration returns the playback duration of n payload bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Valid reports whether the format has a usable sample rate, channel count,
// and byte-aligned bit depth.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.BitDepth > 0 && f.BitDepth%8 == 0
}
