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
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomaslejdung/liveclass/pkg/analytics"
	"github.com/tomaslejdung/liveclass/pkg/api"
	"github.com/tomaslejdung/liveclass/pkg/device"
	"github.com/tomaslejdung/liveclass/pkg/metrics"
	"github.com/tomaslejdung/liveclass/pkg/session"
	"github.com/tomaslejdung/liveclass/pkg/settings"
	hub "github.com/tomaslejdung/liveclass/pkg/signal"
	"github.com/tomaslejdung/liveclass/pkg/store"
)

func newLogger(cfg settings.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/_metrics", promhttp.Handler())
	logger.Info("metrics exposed", "addr", addr, "path", "/_metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server error", "error", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to config.yaml")
	port := flag.Int("port", 0, "Server port (overrides server.addr)")
	flag.Parse()

	if err := settings.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := settings.Load(*configPath)
	if err != nil {
		return err
	}
	// PORT is set by most cloud runtimes
	if envPort := os.Getenv("PORT"); envPort != "" && *port == 0 {
		fmt.Sscanf(envPort, "%d", port)
	}
	if *port > 0 {
		cfg.Server.Addr = fmt.Sprintf(":%d", *port)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	metrics.Register()
	if cfg.Server.MetricsAddr != "" {
		go serveMetrics(cfg.Server.MetricsAddr, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := session.NewRegistry()

	var st *store.Store
	if cfg.Store.Driver != "" && cfg.Store.Driver != "none" {
		st, err = store.Open(cfg.Store.Driver, cfg.Store.DSN, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.Restore(ctx, sessions)
		if err != nil {
			return fmt.Errorf("restore sessions: %w", err)
		}
		logger.Info("sessions restored", "count", n)
		sessions.AddObserver(st)
	}

	var tracker analytics.Tracker = analytics.Nop{}
	if cfg.Analytics.Enabled {
		async := analytics.NewAsync(cfg.Analytics.Buffer, analytics.LogSink(logger.With("component", "analytics")), logger)
		defer async.Close()
		sessions.AddObserver(async)
		tracker = async
	}

	devices := device.NewRegistry(device.Config{
		HeartbeatInterval: cfg.Heartbeat.Interval,
		Timeout:           cfg.Heartbeat.Timeout,
		SweepInterval:     cfg.Heartbeat.Sweep,
	}, logger)
	go devices.Run(ctx)

	signalServer := hub.NewServer(hub.Options{
		Sessions:        sessions,
		Devices:         devices,
		ICEServers:      cfg.ICEServers(),
		SendBuffer:      cfg.Hub.SendBuffer,
		RegisterTimeout: cfg.Hub.RegisterTimeout,
		WriteTimeout:    cfg.Hub.WriteTimeout,
		MaxMessageSize:  cfg.Hub.MaxMessageSize,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Analytics:       tracker,
		Logger:          logger,
	})
	defer signalServer.Close()

	apiOpts := api.Options{
		Hub:            signalServer,
		Sessions:       sessions,
		Devices:        devices,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Debug:          cfg.LogLevel() <= slog.LevelDebug,
		Logger:         logger,
	}
	if st != nil {
		apiOpts.Store = st
	}
	srv := api.New(apiOpts)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("liveclass server starting", "addr", cfg.Server.Addr)
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
