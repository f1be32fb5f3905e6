package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.BufferCapacity < 0 {
		errs = append(errs, fmt.Errorf("server.buffer_capacity %d must not be negative", cfg.Server.BufferCapacity))
	}
	if cfg.Server.IdleTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("server.idle_timeout_seconds %d must not be negative", cfg.Server.IdleTimeoutSeconds))
	}
	if cfg.Server.MaxFrameBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_frame_bytes %d must not be negative", cfg.Server.MaxFrameBytes))
	}
	if cfg.Server.MaxPullBatch < 0 {
		errs = append(errs, fmt.Errorf("server.max_pull_batch %d must not be negative", cfg.Server.MaxPullBatch))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Transport
	if cfg.Transport.Kind != "" && !cfg.Transport.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("transport.kind %q is invalid; valid values: poll, push", cfg.Transport.Kind))
	}
	if cfg.Transport.RelayURL != "" {
		u, err := url.Parse(cfg.Transport.RelayURL)
		if err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			errs = append(errs, fmt.Errorf("transport.relay_url %q must be an http(s) URL", cfg.Transport.RelayURL))
		}
	}
	if cfg.Transport.PollIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("transport.poll_interval_ms %d must not be negative", cfg.Transport.PollIntervalMs))
	}
	if cfg.Transport.MaxPerPoll < 0 {
		errs = append(errs, fmt.Errorf("transport.max_per_poll %d must not be negative", cfg.Transport.MaxPerPoll))
	}
	if cfg.Transport.Retry.InitialDelayMs < 0 {
		errs = append(errs, fmt.Errorf("transport.retry.initial_delay_ms %d must not be negative", cfg.Transport.Retry.InitialDelayMs))
	}
	if cfg.Transport.Retry.MaxDelayMs < 0 {
		errs = append(errs, fmt.Errorf("transport.retry.max_delay_ms %d must not be negative", cfg.Transport.Retry.MaxDelayMs))
	}
	if cfg.Transport.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transport.retry.max_retries %d must not be negative", cfg.Transport.Retry.MaxRetries))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [0, 8]", cfg.Audio.Channels))
	}
	switch cfg.Audio.BitDepth {
	case 0, 16, 24, 32:
	default:
		errs = append(errs, fmt.Errorf("audio.bit_depth %d is invalid; valid values: 16, 24, 32", cfg.Audio.BitDepth))
	}
	if cfg.Audio.FrameDurationMs < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d must not be negative", cfg.Audio.FrameDurationMs))
	}

	// Agent
	if cfg.Agent.LogLevel != "" && !cfg.Agent.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("agent.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Agent.LogLevel))
	}
	if cfg.Agent.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("agent.queue_capacity %d must not be negative", cfg.Agent.QueueCapacity))
	}

	// Listener
	if cfg.Listener.LogLevel != "" && !cfg.Listener.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("listener.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Listener.LogLevel))
	}
	if cfg.Listener.MinFill < 0 {
		errs = append(errs, fmt.Errorf("listener.min_fill %d must not be negative", cfg.Listener.MinFill))
	}
	if cfg.Listener.MaxBuffer < 0 {
		errs = append(errs, fmt.Errorf("listener.max_buffer %d must not be negative", cfg.Listener.MaxBuffer))
	}
	if cfg.Listener.MinFill > 0 && cfg.Listener.MaxBuffer > 0 && cfg.Listener.MinFill > cfg.Listener.MaxBuffer {
		errs = append(errs, fmt.Errorf("listener.min_fill %d exceeds listener.max_buffer %d", cfg.Listener.MinFill, cfg.Listener.MaxBuffer))
	}

	return errors.Join(errs...)
}
