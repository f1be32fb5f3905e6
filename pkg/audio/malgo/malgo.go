// Package malgo adapts the miniaudio bindings (github.com/gen2brain/malgo)
// to the [audio.Source] and [audio.Sink] interfaces.
//
// miniaudio drives both directions via callbacks on an internal device
// thread. This package bridges the callbacks to the pipeline's blocking
// Read/Write model: capture callbacks append into a buffer that Read drains,
// and Write feeds a buffer that the playback callback drains, returning only
// once the device has consumed the data — which is what paces the playback
// loop.
package malgo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/earshot-app/earshot/pkg/audio"
)

// ErrClosed is returned by Read and Write after the device is closed.
var ErrClosed = errors.New("malgo: device closed")

// Backend opens capture and playback devices through miniaudio. The zero
// value uses the platform default devices.
type Backend struct{}

// OpenSource implements [audio.SourceOpener].
func (Backend) OpenSource(format audio.Format) (audio.Source, error) {
	mf, err := sampleFormat(format)
	if err != nil {
		return nil, err
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}

	src := &source{ctx: ctx}
	src.dataReady = sync.NewCond(&src.mu)

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = mf
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)

	// Fires on the miniaudio device thread every period.
	onRecv := func(_, in []byte, _ uint32) {
		src.mu.Lock()
		if !src.closed {
			src.buf = append(src.buf, in...)
			src.dataReady.Signal()
		}
		src.mu.Unlock()
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		teardownContext(ctx)
		return nil, fmt.Errorf("malgo: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		teardownContext(ctx)
		return nil, fmt.Errorf("malgo: start capture device: %w", err)
	}

	src.dev = dev
	return src, nil
}

// OpenSink implements [audio.SinkOpener].
func (Backend) OpenSink(format audio.Format) (audio.Sink, error) {
	mf, err := sampleFormat(format)
	if err != nil {
		return nil, err
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}

	snk := &sink{ctx: ctx}
	snk.consumed = sync.NewCond(&snk.mu)

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = mf
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Alsa.NoMMap = 1

	// Fires on the miniaudio device thread; out is zero-initialised, so an
	// empty buffer plays silence rather than artifacts.
	onSend := func(out, _ []byte, _ uint32) {
		snk.mu.Lock()
		n := copy(out, snk.buf)
		snk.buf = snk.buf[n:]
		if len(snk.buf) == 0 {
			snk.buf = nil
			snk.consumed.Broadcast()
		}
		snk.mu.Unlock()
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: onSend})
	if err != nil {
		teardownContext(ctx)
		return nil, fmt.Errorf("malgo: init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		teardownContext(ctx)
		return nil, fmt.Errorf("malgo: start playback device: %w", err)
	}

	snk.dev = dev
	return snk, nil
}

// source implements [audio.Source] over a miniaudio capture device.
type source struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device

	mu        sync.Mutex
	dataReady *sync.Cond
	buf       []byte
	closed    bool
}

func (s *source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.dataReady.Wait()
	}
	if s.closed {
		return 0, ErrClosed
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return n, nil
}

func (s *source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.dataReady.Broadcast()
	s.mu.Unlock()

	s.dev.Uninit()
	teardownContext(s.ctx)
	return nil
}

// sink implements [audio.Sink] over a miniaudio playback device.
type sink struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device

	mu       sync.Mutex
	consumed *sync.Cond
	buf      []byte
	closed   bool
}

// Write queues p for playback and blocks until the device callback has
// consumed all of it.
func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.buf = append(s.buf, p...)
	for len(s.buf) > 0 && !s.closed {
		s.consumed.Wait()
	}
	if s.closed {
		return 0, ErrClosed
	}
	return len(p), nil
}

func (s *sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf = nil
	s.consumed.Broadcast()
	s.mu.Unlock()

	s.dev.Uninit()
	teardownContext(s.ctx)
	return nil
}

// sampleFormat maps a bit depth to the miniaudio sample format.
func sampleFormat(f audio.Format) (malgo.FormatType, error) {
	if !f.Valid() {
		return malgo.FormatUnknown, fmt.Errorf("malgo: invalid format %+v", f)
	}
	switch f.BitDepth {
	case 16:
		return malgo.FormatS16, nil
	case 24:
		return malgo.FormatS24, nil
	case 32:
		return malgo.FormatS32, nil
	default:
		return malgo.FormatUnknown, fmt.Errorf("malgo: unsupported bit depth %d", f.BitDepth)
	}
}

// teardownContext uninitialises and frees a miniaudio context.
func teardownContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}
