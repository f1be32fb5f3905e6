// Command earshot-relay is the frame relay server. Child devices upload
// audio frames to it; parent devices pull or stream them back out.
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
	"github.com/earshot-app/earshot/internal/relay"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot-relay: %v\n", err)
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	slog.Info("earshot-relay starting",
		"config", *configPath,
		"listen_addr", listenAddr,
		"log_level", cfg.Server.LogLevel,
		"tls", cfg.Server.TLS != nil,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "earshot-relay"})
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

	registry := relay.NewRegistry(relay.RegistryConfig{
		Capacity:    cfg.Server.BufferCapacity,
		IdleTimeout: cfg.Server.IdleTimeout(),
		Metrics:     metrics,
	})
	go registry.Run(ctx)

	server := relay.NewServer(relay.ServerConfig{
		Registry:      registry,
		Hub:           relay.NewHub(),
		MaxFrameBytes: int64(cfg.Server.MaxFrameBytes),
		MaxPull:       cfg.Server.MaxPullBatch,
		Metrics:       metrics,
	})

	mux := http.NewServeMux()
	mux.Handle("/v1/devices/", server.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(nil).Register(mux)

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-errCh:
		slog.Error("serve error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
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
