package audio

// Source is an opened audio capture device.
//
// Read follows the io.Reader contract loosely: it blocks until at least one
// sample is available, fills p with as many whole samples as it can, and
// returns the number of bytes written. It never buffers across calls.
// Implementations must be safe for use from a single reader goroutine;
// Close may be called concurrently with Read and must unblock it.
type Source interface {
	// Read blocks until capture data is available and copies it into p.
	// Returns the number of bytes read. After Close, Read returns an error.
	Read(p []byte) (int, error)

	// Close releases the capture device. Safe to call more than once.
	Close() error
}

// Sink is an opened audio playback device.
//
// Write blocks until the hardware has consumed the PCM in p. That blocking is
// the pipeline's sole playback pacing mechanism — the drain loop must never
// substitute a timer for it, since output clocks drift and the hardware's own
// consumption rate is what absorbs that drift.
type Sink interface {
	// Write plays p and returns once the device has consumed it.
	Write(p []byte) (int, error)

	// Close releases the playback device. Safe to call more than once.
	Close() error
}

// SourceOpener opens a capture device for the given format. The chunker holds
// an opener rather than a [Source] so that it can re-open the device after a
// capture failure.
type SourceOpener interface {
	// OpenSource opens the capture device. Returns an error when the input
	// cannot be opened (permission revoked, device busy).
	OpenSource(format Format) (Source, error)
}

// SinkOpener opens a playback device for the given format.
type SinkOpener interface {
	// OpenSink opens the playback device.
	OpenSink(format Format) (Sink, error)
}
