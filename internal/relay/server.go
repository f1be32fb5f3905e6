package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"

	"github.com/earshot-app/earshot/internal/observe"
	"github.com/earshot-app/earshot/internal/wire"
	"github.com/earshot-app/earshot/pkg/audio"
)

// Server defaults, used when the corresponding config values are zero.
const (
	// DefaultMaxFrameBytes bounds an upload request body. Sized for ~3 s of
	// 48 kHz stereo 16-bit PCM plus JSON/base64 overhead.
	DefaultMaxFrameBytes = 1 << 20

	// DefaultMaxPull caps the frames returned by one download request.
	DefaultMaxPull = 25
)

// Server exposes the relay over HTTP:
//
//	POST /v1/devices/{deviceID}/frames            — upload one frame
//	GET  /v1/devices/{deviceID}/frames?max=N      — pull up to N frames
//	GET  /v1/devices/{deviceID}/stream?role=...   — WebSocket push stream
//
// Uploads prefer immediate forwarding: when a push consumer is subscribed
// for the device, the frame goes straight to it and never touches the relay
// buffer. Without a consumer the frame is buffered for later polling.
type Server struct {
	registry      *Registry
	hub           *Hub
	maxFrameBytes int64
	maxPull       int
	metrics       *observe.Metrics
}

// ServerConfig configures a [Server]. Zero values fall back to the package
// defaults.
type ServerConfig struct {
	// Registry owns the per-device buffers. Required.
	Registry *Registry

	// Hub routes push-forwarded frames. Required.
	Hub *Hub

	// MaxFrameBytes bounds an upload request body.
	MaxFrameBytes int64

	// MaxPull caps frames per download request.
	MaxPull int

	// Metrics receives relay instrumentation. May be nil.
	Metrics *observe.Metrics
}

// NewServer creates a relay server.
func NewServer(cfg ServerConfig) *Server {
	maxBytes := cfg.MaxFrameBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	maxPull := cfg.MaxPull
	if maxPull <= 0 {
		maxPull = DefaultMaxPull
	}
	return &Server{
		registry:      cfg.Registry,
		hub:           cfg.Hub,
		maxFrameBytes: maxBytes,
		maxPull:       maxPull,
		metrics:       cfg.Metrics,
	}
}

// Handler returns the http.Handler serving the relay API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/devices/{deviceID}/frames", s.handleUpload)
	mux.HandleFunc("GET /v1/devices/{deviceID}/frames", s.handleDownload)
	mux.HandleFunc("GET /v1/devices/{deviceID}/stream", s.handleStream)
	return mux
}

// handleUpload accepts one frame from a polling producer.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceID")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxFrameBytes)
	var wf wire.Frame
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("frame exceeds %d bytes", s.maxFrameBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid frame body")
		return
	}
	if len(wf.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "empty payload")
		return
	}

	ack := s.accept(r.Context(), wf.ToAudio(deviceID))
	writeJSON(w, http.StatusOK, ack)
}

// accept routes one inbound frame: forward to a subscribed push consumer
// when possible, buffer otherwise. Shared by the HTTP upload handler and the
// WebSocket producer loop.
func (s *Server) accept(ctx context.Context, frame audio.AudioFrame) wire.UploadAck {
	buf := s.registry.GetOrCreate(frame.DeviceID)

	if s.hub.Publish(frame) {
		// Forwarded without buffering; keep the session's activity fresh so
		// the reaper leaves it alone.
		buf.Touch()
		return wire.UploadAck{Accepted: true}
	}

	evicted := buf.Append(frame)
	if evicted {
		s.metrics.RecordFrameDropped(ctx, "relay")
	}
	return wire.UploadAck{Accepted: true, Evicted: evicted}
}

// handleDownload serves a polling consumer's pull.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceID")

	max := s.maxPull
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		max = min(n, s.maxPull)
	}

	buf, ok := s.registry.Get(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device session")
		return
	}

	frames := buf.Take(max)
	resp := wire.PullResponse{Frames: make([]wire.Frame, 0, len(frames))}
	for _, f := range frames {
		wf := wire.FromAudio(f)
		wf.DeviceID = "" // named by the request path
		resp.Frames = append(resp.Frames, wf)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStream upgrades to a WebSocket push stream for either role.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceID")
	role := wire.Role(r.URL.Query().Get("role"))
	if !role.IsValid() {
		writeError(w, http.StatusBadRequest, "role must be producer or consumer")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("relay: websocket accept failed", "device_id", deviceID, "err", err)
		return
	}

	switch role {
	case wire.RoleProducer:
		s.producerLoop(r.Context(), conn, deviceID)
	case wire.RoleConsumer:
		s.consumerLoop(r.Context(), conn, deviceID)
	}
}

// producerLoop reads frames from a push producer until the connection ends.
func (s *Server) producerLoop(ctx context.Context, conn *websocket.Conn, deviceID string) {
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")
	slog.Info("relay: push producer connected", "device_id", deviceID)

	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			slog.Info("relay: push producer disconnected", "device_id", deviceID, "err", err)
			return
		}
		if msgType != websocket.MessageBinary || int64(len(msg)) > s.maxFrameBytes {
			continue
		}

		var wf wire.Frame
		if err := json.Unmarshal(msg, &wf); err != nil {
			slog.Warn("relay: push frame decode failed", "device_id", deviceID, "err", err)
			continue
		}
		if len(wf.Payload) == 0 {
			continue
		}
		s.accept(ctx, wf.ToAudio(deviceID))
	}
}

// consumerLoop registers a push consumer, flushes any buffered backlog in
// FIFO order, then forwards live frames until the connection ends.
func (s *Server) consumerLoop(ctx context.Context, conn *websocket.Conn, deviceID string) {
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")
	slog.Info("relay: push consumer connected", "device_id", deviceID)

	// The consumer never sends; CloseRead gives us a context cancelled when
	// the peer goes away.
	ctx = conn.CloseRead(ctx)

	frames, cancel := s.hub.Subscribe(deviceID)
	defer cancel()

	// Backlog first: frames buffered before this consumer subscribed must be
	// delivered ahead of live forwards to preserve FIFO order. Frames
	// published after Subscribe land on the hub channel and follow.
	if buf, ok := s.registry.Get(deviceID); ok {
		for _, f := range buf.Take(buf.Cap()) {
			if !s.writeFrame(ctx, conn, f) {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("relay: push consumer disconnected", "device_id", deviceID)
			return
		case f, ok := <-frames:
			if !ok {
				// Replaced by a newer consumer.
				return
			}
			if !s.writeFrame(ctx, conn, f) {
				return
			}
		}
	}
}

// writeFrame sends one frame as a binary message. Returns false when the
// connection is gone.
func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, f audio.AudioFrame) bool {
	wf := wire.FromAudio(f)
	wf.DeviceID = ""
	body, err := json.Marshal(wf)
	if err != nil {
		slog.Error("relay: frame encode failed", "device_id", f.DeviceID, "err", err)
		return true
	}
	if err := conn.Write(ctx, websocket.MessageBinary, body); err != nil {
		return false
	}
	return true
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, wire.ErrorResponse{Error: msg})
}
