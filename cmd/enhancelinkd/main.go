// Command enhancelinkd runs the enhancement protocol client daemon: it
// maintains pooled connections to the configured enhancement servers and
// exposes the health, readiness, status, and metrics HTTP surface.
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

	"github.com/kvasirlabs/enhancelink/internal/client"
	"github.com/kvasirlabs/enhancelink/internal/config"
	"github.com/kvasirlabs/enhancelink/internal/health"
	"github.com/kvasirlabs/enhancelink/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "enhancelinkd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "enhancelinkd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("enhancelinkd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"servers", len(cfg.Servers),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Registry + client ─────────────────────────────────────────────────────
	reg, err := cfg.BuildRegistry()
	if err != nil {
		slog.Error("failed to build server registry", "err", err)
		return 1
	}
	for _, name := range reg.Names() {
		desc, _ := reg.Lookup(name)
		slog.Info("enhancement server registered",
			"name", name,
			"url", desc.BaseURL,
			"capabilities", desc.Capabilities,
			"timeout", desc.Timeout,
		)
	}

	cl := client.New(reg, client.Options{
		CacheTTL:         cfg.Client.CacheTTL(),
		FailureThreshold: cfg.Client.FailureThreshold,
		Cooldown:         cfg.Client.Cooldown(),
		ProbeTTL:         cfg.Client.ProbeTTL(),
		ProbeTimeout:     cfg.Client.ProbeTimeout(),
		Metrics:          observe.DefaultMetrics(),
	})
	defer cl.CloseAll()

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	healthHandler := health.New(cl.GetConnectionStatus, health.ServerCheckers(cl, reg.Names()...)...)
	healthHandler.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
