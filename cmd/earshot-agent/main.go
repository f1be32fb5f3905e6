// Command earshot-agent runs on the child device. It captures microphone
// audio, chunks it into fixed-duration frames and uploads them to the relay.
package main

import (
	"context"
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
	deviceID := flag.String("device", "", "device identity (overrides agent.device_id)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot-agent: %v\n", err)
		return 1
	}
	if *deviceID == "" {
		*deviceID = cfg.Agent.DeviceID
	}
	if *deviceID == "" {
		fmt.Fprintln(os.Stderr, "earshot-agent: no device identity; set agent.device_id or pass -device")
		return 1
	}

	slog.SetDefault(newLogger(cfg.Agent.LogLevel))
	slog.Info("earshot-agent starting",
		"config", *configPath,
		"device_id", *deviceID,
		"relay_url", cfg.Transport.RelayURL,
		"transport", cfg.Transport.Kind,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "earshot-agent"})
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

	manager := session.NewManager(session.ManagerConfig{
		Factory: func(deviceID, sessionID string) (session.Session, error) {
			return session.NewSender(session.SenderConfig{
				DeviceID:      deviceID,
				SessionID:     sessionID,
				Device:        malgodev.Backend{},
				Format:        cfg.Audio.Format(),
				FrameDuration: cfg.Audio.FrameDuration(),
				QueueCapacity: cfg.Agent.QueueCapacity,
				Transport:     tr,
				Metrics:       metrics,
			})
		},
		Metrics: metrics,
	})

	if err := manager.Start(ctx, *deviceID); err != nil {
		slog.Error("session start failed", "err", err)
		return 1
	}

	metricsServer := serveMetrics(cfg.Agent.MetricsAddr, manager)

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping")
	manager.StopAll()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	slog.Info("goodbye")
	return 0
}

// serveMetrics exposes /metrics and the health endpoints on addr. Returns
// nil when addr is empty.
func serveMetrics(addr string, manager *session.Manager) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(manager).Register(mux)

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
