// Package mock provides in-memory mock implementations of the [audio.Source],
// [audio.Sink], and opener interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{Chunks: [][]byte{pcm1, pcm2}}
//	opener := &mock.SourceOpener{OpenResult: src}
//	chunker := capture.NewChunker(capture.ChunkerConfig{Device: opener, ...})
package mock

import (
	"errors"
	"sync"

	"github.com/earshot-app/earshot/pkg/audio"
)

// ErrClosed is returned by mock Read and Write calls after Close.
var ErrClosed = errors.New("mock: device closed")

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Each Read returns the
// next element of Chunks; when Chunks are exhausted, Read blocks until Close.
type Source struct {
	mu sync.Mutex

	// Chunks are served one per Read call, in order.
	Chunks [][]byte

	// ReadError, when non-nil, is returned by every Read call.
	ReadError error

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed    chan struct{}
	closeOnce sync.Once
	next      int
}

// Read implements [audio.Source]. It copies the next configured chunk into p.
func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	s.CallCountRead++
	if s.ReadError != nil {
		err := s.ReadError
		s.mu.Unlock()
		return 0, err
	}
	if s.next < len(s.Chunks) {
		n := copy(p, s.Chunks[s.next])
		s.next++
		s.mu.Unlock()
		return n, nil
	}
	ch := s.closedCh()
	s.mu.Unlock()

	<-ch
	return 0, ErrClosed
}

// Close implements [audio.Source]. It unblocks any pending Read.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	ch := s.closedCh()
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(ch) })
	return nil
}

// closedCh lazily initialises the close channel. Callers must hold s.mu.
func (s *Source) closedCh() chan struct{} {
	if s.closed == nil {
		s.closed = make(chan struct{})
	}
	return s.closed
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink]. Every payload written is
// recorded in Written for later inspection.
type Sink struct {
	mu sync.Mutex

	// WriteError, when non-nil, is returned by every Write call.
	WriteError error

	// WriteDelay, when non-nil, is received from before each Write returns.
	// Tests use it to simulate the blocking pacing of a real device.
	WriteDelay chan struct{}

	// Written records a copy of every payload passed to Write, in order.
	Written [][]byte

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Write implements [audio.Sink]. It records a copy of p.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	delay := s.WriteDelay
	err := s.WriteError
	s.mu.Unlock()

	if delay != nil {
		<-delay
	}
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.Written = append(s.Written, append([]byte(nil), p...))
	s.mu.Unlock()
	return len(p), nil
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// WrittenCount returns the number of recorded writes.
func (s *Sink) WrittenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Written)
}

// ─── Openers ──────────────────────────────────────────────────────────────────

// SourceOpener is a mock implementation of [audio.SourceOpener].
type SourceOpener struct {
	mu sync.Mutex

	// OpenResult is the [audio.Source] returned by OpenSource.
	OpenResult audio.Source

	// OpenError is the error returned by OpenSource. When OpenErrors is
	// non-empty it takes precedence: each call pops the next entry (nil
	// entries mean success), letting tests script open-retry sequences.
	OpenError  error
	OpenErrors []error

	// OpenCalls records the format of every OpenSource invocation.
	OpenCalls []audio.Format
}

// OpenSource implements [audio.SourceOpener].
func (o *SourceOpener) OpenSource(format audio.Format) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCalls = append(o.OpenCalls, format)
	if len(o.OpenErrors) > 0 {
		err := o.OpenErrors[0]
		o.OpenErrors = o.OpenErrors[1:]
		if err != nil {
			return nil, err
		}
		return o.OpenResult, nil
	}
	if o.OpenError != nil {
		return nil, o.OpenError
	}
	return o.OpenResult, nil
}

// SinkOpener is a mock implementation of [audio.SinkOpener].
type SinkOpener struct {
	mu sync.Mutex

	// OpenResult is the [audio.Sink] returned by OpenSink.
	OpenResult audio.Sink

	// OpenError is the error returned by OpenSink.
	OpenError error

	// OpenCalls records the format of every OpenSink invocation.
	OpenCalls []audio.Format
}

// OpenSink implements [audio.SinkOpener].
func (o *SinkOpener) OpenSink(format audio.Format) (audio.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCalls = append(o.OpenCalls, format)
	if o.OpenError != nil {
		return nil, o.OpenError
	}
	return o.OpenResult, nil
}
