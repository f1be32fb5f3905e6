// Package config provides the configuration schema and loader shared by the
// earshot relay, agent, and listener binaries.
package config

import (
	"time"

	"github.com/earshot-app/earshot/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TransportKind selects how frames move between device and relay.
type TransportKind string

const (
	// TransportPoll uses HTTP request/response: one bounded POST per frame
	// up, periodic batched pulls down.
	TransportPoll TransportKind = "poll"

	// TransportPush uses a persistent WebSocket per device in each
	// direction.
	TransportPush TransportKind = "push"
)

// IsValid reports whether k is a recognised transport kind.
func (k TransportKind) IsValid() bool {
	return k == TransportPoll || k == TransportPush
}

// Config is the root configuration structure, loaded from a YAML file with
// [Load] or [LoadFromReader]. One file can serve all three binaries; each
// reads its own section.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	Agent     AgentConfig     `yaml:"agent"`
	Listener  ListenerConfig  `yaml:"listener"`
}

// ServerConfig holds the relay server's network, logging, and buffering
// settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the relay listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the relay. When nil, the relay serves plain
	// HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// BufferCapacity is the per-device relay buffer size in frames.
	BufferCapacity int `yaml:"buffer_capacity"`

	// IdleTimeoutSeconds is how long a device buffer may sit inactive
	// before it is reaped.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// MaxFrameBytes bounds a single uploaded frame payload.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// MaxPullBatch bounds how many frames one pull may dequeue.
	MaxPullBatch int `yaml:"max_pull_batch"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// TransportConfig selects and tunes the client transport strategy.
type TransportConfig struct {
	// Kind selects the strategy. Defaults to poll.
	Kind TransportKind `yaml:"kind"`

	// RelayURL is the relay server base URL (e.g., "http://relay:8080").
	RelayURL string `yaml:"relay_url"`

	// PollIntervalMs is the pull cadence under the poll transport.
	PollIntervalMs int `yaml:"poll_interval_ms"`

	// MaxPerPoll bounds how many frames one poll requests.
	MaxPerPoll int `yaml:"max_per_poll"`

	// Retry tunes backoff for transient transport failures.
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig tunes the exponential backoff applied to transport retries and
// push reconnects.
type RetryConfig struct {
	// InitialDelayMs is the first retry delay.
	InitialDelayMs int `yaml:"initial_delay_ms"`

	// MaxDelayMs caps the backoff growth.
	MaxDelayMs int `yaml:"max_delay_ms"`

	// MaxRetries bounds attempts before the failure is surfaced.
	MaxRetries int `yaml:"max_retries"`
}

// AudioConfig is the PCM format shared by capture and playback. Both ends of
// a session must agree on it.
type AudioConfig struct {
	// SampleRate in Hz. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the channel count. Defaults to 1.
	Channels int `yaml:"channels"`

	// BitDepth is bits per sample. Defaults to 16.
	BitDepth int `yaml:"bit_depth"`

	// FrameDurationMs is the capture frame length. Defaults to 20.
	FrameDurationMs int `yaml:"frame_duration_ms"`
}

// Format returns the configured PCM format, with defaults applied.
func (a AudioConfig) Format() audio.Format {
	f := audio.DefaultFormat
	if a.SampleRate > 0 {
		f.SampleRate = a.SampleRate
	}
	if a.Channels > 0 {
		f.Channels = a.Channels
	}
	if a.BitDepth > 0 {
		f.BitDepth = a.BitDepth
	}
	return f
}

// FrameDuration returns the configured frame length, or zero when unset so
// the capture layer applies its own default.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameDurationMs) * time.Millisecond
}

// AgentConfig holds the child-device sender settings.
type AgentConfig struct {
	// DeviceID identifies this device to the relay. Required for the agent
	// binary.
	DeviceID string `yaml:"device_id"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// QueueCapacity bounds the outbound frame queue.
	QueueCapacity int `yaml:"queue_capacity"`

	// MetricsAddr, when set, serves Prometheus metrics and health endpoints
	// on this address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ListenerConfig holds the parent-device receiver settings.
type ListenerConfig struct {
	// DeviceID identifies the child device to listen to. Required for the
	// listener binary.
	DeviceID string `yaml:"device_id"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MinFill is the jitter buffer fill threshold in frames.
	MinFill int `yaml:"min_fill"`

	// MaxBuffer bounds the jitter buffer in frames.
	MaxBuffer int `yaml:"max_buffer"`

	// Adaptive enables retuning MinFill from observed arrival jitter.
	Adaptive bool `yaml:"adaptive"`

	// MetricsAddr, when set, serves Prometheus metrics and health endpoints
	// on this address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// IdleTimeout returns the configured relay idle timeout, or zero when unset
// so the relay applies its own default.
func (s ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// PollInterval returns the configured poll cadence, or zero when unset so
// the transport applies its own default.
func (t TransportConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}
