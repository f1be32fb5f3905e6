// Command earshot-listen runs on the parent device. It subscribes to a child
// device's audio stream and plays it out through the speakers, smoothing
// network jitter with a buffered playout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/earshot-app/earshot/internal/config"
	"github.com/earshot-app/earshot/internal/health"
	"github.com/earshot-app/earshot/internal/observe"
	"github.com/earshot-app/earshot/internal/session"
	"github.com/earshot-app/earshot/internal/transport"
	malgodev "github.com/earshot-app/earshot/pkg/audio/malgo"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	deviceID := flag.String("device", "", "child device to listen to (overrides listener.device_id)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot-listen: %v\n", err)
		return 1
	}
	if *deviceID == "" {
		*deviceID = cfg.Listener.DeviceID
	}
	if *deviceID == "" {
		fmt.Fprintln(os.Stderr, "earshot-listen: no target device; set listener.device_id or pass -device")
		return 1
	}

	slog.SetDefault(newLogger(cfg.Listener.LogLevel))
	slog.Info("earshot-listen starting",
		"config", *configPath,
		"device_id", *deviceID,
		"relay_url", cfg.Transport.RelayURL,
		"transport", cfg.Transport.Kind,
		"adaptive", cfg.Listener.Adaptive,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "earshot-listen"})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("metrics init failed", "err", err)
		return 1
	}

	tr, err := buildTransport(cfg.Transport, metrics)
	if err != nil {
		slog.Error("transport init failed", "err", err)
		return 1
	}
	defer tr.Close()

	receiver, err := session.NewReceiver(session.ReceiverConfig{
		DeviceID:      *deviceID,
		SessionID:     "listen",
		Device:        malgodev.Backend{},
		Format:        cfg.Audio.Format(),
		MinFill:       cfg.Listener.MinFill,
		MaxCapacity:   cfg.Listener.MaxBuffer,
		FrameDuration: cfg.Audio.FrameDuration(),
		Adaptive:      cfg.Listener.Adaptive,
		Transport:     tr,
		Metrics:       metrics,
	})
	if err != nil {
		slog.Error("receiver init failed", "err", err)
		return 1
	}

	metricsServer := serveMetrics(cfg.Listener.MetricsAddr, receiverSessions{receiver})
	defer func() {
		if metricsServer == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}()

	if err := receiver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("playback stopped", "device_id", *deviceID, "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// receiverSessions adapts a single receiver to the health endpoints'
// [health.Sessions] shape.
type receiverSessions struct {
	r *session.Receiver
}

func (s receiverSessions) Health(deviceID string) (session.Health, error) {
	h := s.r.Health()
	if deviceID != h.DeviceID {
		return session.Health{}, session.ErrNoSession
	}
	return h, nil
}

func (s receiverSessions) Devices() []string {
	return []string{s.r.Health().DeviceID}
}

// serveMetrics exposes /metrics and the health endpoints on addr. Returns
// nil when addr is empty.
func serveMetrics(addr string, sessions health.Sessions) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(sessions).Register(mux)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "addr", addr, "err", err)
		}
	}()
	return srv
}

// buildTransport constructs the configured transport strategy.
func buildTransport(cfg config.TransportConfig, metrics *observe.Metrics) (transport.Transport, error) {
	retry := transport.Backoff{
		InitialDelay: time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		MaxRetries:   cfg.Retry.MaxRetries,
	}
	if cfg.Kind == config.TransportPush {
		return transport.NewPushClient(transport.PushConfig{
			BaseURL: cfg.RelayURL,
			Retry:   retry,
			Metrics: metrics,
		})
	}
	return transport.NewPollingClient(transport.PollingConfig{
		BaseURL:      cfg.RelayURL,
		PollInterval: cfg.PollInterval(),
		MaxPerPoll:   cfg.MaxPerPoll,
		Retry:        retry,
		Metrics:      metrics,
	})
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
