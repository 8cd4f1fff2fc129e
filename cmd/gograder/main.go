package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/jo-hoe/gograder/internal/ai"
	"github.com/jo-hoe/gograder/internal/ai/aiproxy"
	aimock "github.com/jo-hoe/gograder/internal/ai/mock"
	appcfg "github.com/jo-hoe/gograder/internal/config"
	"github.com/jo-hoe/gograder/internal/dispatch"
	"github.com/jo-hoe/gograder/internal/grading"
	"github.com/jo-hoe/gograder/internal/processor"
	"github.com/jo-hoe/gograder/internal/reconcile"
	"github.com/jo-hoe/gograder/internal/server"
	"github.com/jo-hoe/gograder/internal/storage"
)

func main() {
	// .env is optional; config expansion picks the variables up afterwards.
	_ = godotenv.Load()

	logger := newLogger(slog.LevelInfo)
	slog.SetDefault(logger)

	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	if lvl := logLevel(cfg.Server.LogLevel); lvl != slog.LevelInfo {
		logger = newLogger(lvl)
		slog.SetDefault(logger)
	}

	// Store (SQLite)
	store, err := grading.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		logger.Error("sqlite open", "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// Presigned media store
	media := storage.NewMediaStore(cfg.Server.StorageDir, cfg.Server.PublicBaseURL, cfg.Storage.SignSecret, cfg.Storage.URLTTL)

	// AI collaborators
	var (
		transcriber ai.Transcriber
		evaluator   ai.Evaluator
		extractor   ai.Extractor
	)
	switch strings.ToLower(strings.TrimSpace(cfg.AI.Provider)) {
	case "mock":
		c := aimock.New(cfg.AI.Mock)
		transcriber, evaluator, extractor = c, c, c
	case "aiproxy":
		c := aiproxy.New(cfg.AI.AIProxy)
		transcriber, evaluator, extractor = c, c, c
	default:
		logger.Error("unsupported ai provider", "provider", cfg.AI.Provider)
		os.Exit(1)
	}

	// Worker and dispatcher
	worker := processor.New(logger, store, media, transcriber, evaluator)
	dispatcher := dispatch.New(logger, store, worker, dispatch.Options{
		MaxFanout:     cfg.Grading.MaxFanout,
		DispatchGrace: cfg.Grading.DispatchGrace,
		DrainBudget:   cfg.Grading.DrainBudget,
		DrainInterval: cfg.Grading.AutoDrainInterval,
	})
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := dispatcher.Start(rootCtx); err != nil {
		logger.Error("start dispatcher", "err", err)
		os.Exit(1)
	}

	// Reconciler and the optional stale in-flight sweep
	reconciler := reconcile.New(logger, store, reconcile.Options{
		UseScanRecovery: cfg.Grading.UseScanRecovery,
		ScanPageSize:    cfg.Grading.ScanPageSize,
		ScanMaxPages:    cfg.Grading.ScanMaxPages,
		StaleAfter:      cfg.Grading.StaleAfter,
	})
	if cfg.Grading.StaleAfter > 0 {
		go runStaleSweep(rootCtx, logger, reconciler, cfg.Grading.StaleAfter)
	}

	// HTTP server
	svc := &server.Service{
		Log:        logger,
		Cfg:        cfg,
		Store:      store,
		Dispatcher: dispatcher,
		Worker:     worker,
		Reconciler: reconciler,
		Media:      media,
		Extractor:  extractor,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr, "provider", cfg.AI.Provider)
		if err := httpSrv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	dispatcher.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
}

func runStaleSweep(ctx context.Context, log *slog.Logger, rec *reconcile.Reconciler, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rec.SweepStale(ctx)
			if err != nil {
				log.Error("stale sweep", "err", err)
				continue
			}
			if n > 0 {
				log.Info("stale submissions failed by sweep", "count", n)
			}
		}
	}
}

func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
