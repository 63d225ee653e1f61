// Command proctord hosts proctoring sessions: it drives each session
// through calibration and monitoring, ships samples to the detection
// channel, and records violation events with their evidence.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/invigilo-labs/proctor/pkg/config"
	"github.com/invigilo-labs/proctor/pkg/evidence"
	"github.com/invigilo-labs/proctor/pkg/live"
	"github.com/invigilo-labs/proctor/pkg/observability"
	"github.com/invigilo-labs/proctor/pkg/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("PROCTOR_CONFIG"))
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	records := store.NewSQLViolationStore(db)
	if err := records.Init(ctx); err != nil {
		logger.Error("schema init failed", "error", err)
		os.Exit(1)
	}

	blobs, err := evidence.NewStoreFromEnv(ctx)
	if err != nil {
		logger.Error("evidence store init failed", "error", err)
		os.Exit(1)
	}

	var notifier *live.RedisPublisher
	if cfg.RedisAddr != "" {
		notifier = live.NewRedisPublisher(cfg.RedisAddr, os.Getenv("PROCTOR_REDIS_PASSWORD"), 0)
		defer func() { _ = notifier.Close() }()
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "proctord",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       os.Getenv("PROCTOR_OTLP_INSECURE") == "true",
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		os.Exit(1)
	}

	srv := newServer(cfg, records, blobs, notifier, obs, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.shutdown(shutdownCtx)
		_ = httpServer.Shutdown(shutdownCtx)
		_ = obs.Shutdown(shutdownCtx)
	}()

	logger.Info("proctord listening", "addr", cfg.ListenAddr, "db", cfg.DatabaseDriver)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

// version is stamped by the release build.
var version = "dev"
