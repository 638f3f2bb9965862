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

	"github.com/joho/godotenv"

	"github.com/nikhilbhutani/voicerelay/internal/api"
	"github.com/nikhilbhutani/voicerelay/internal/api/handlers"
	"github.com/nikhilbhutani/voicerelay/internal/app"
	"github.com/nikhilbhutani/voicerelay/internal/config"
	"github.com/nikhilbhutani/voicerelay/internal/queue"
	"github.com/nikhilbhutani/voicerelay/internal/relay"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	// Reply stage: in-process workers, or Redis for cmd/worker to consume.
	var svc *relay.Service
	var local *queue.LocalRunner
	switch cfg.Queue.Backend {
	case "asynq":
		client := queue.NewClient(cfg.Redis, app.ReplyTimeout(cfg))
		defer client.Close()
		svc = backends.Service(cfg, client)
	default:
		local = queue.NewLocalRunner(cfg.Queue.BufferSize)
		svc = backends.Service(cfg, local)
		local.Start(ctx, cfg.Queue.Concurrency, svc.HandleReply)
	}

	go pruneLoop(ctx, svc, cfg.Jobs)

	router := api.NewRouter(cfg.Server, svc, handlers.NewHealthHandler(backends.Checks()...))
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 15 * time.Second,
		// Uploads and transcription share the request; leave room for both.
		ReadTimeout:  cfg.STT.Timeout + time.Minute,
		WriteTimeout: cfg.STT.Timeout + 2*time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr(), "queue", cfg.Queue.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	if local != nil {
		if err := local.Close(shutdownCtx); err != nil {
			slog.Error("reply queue did not drain", "error", err)
		}
	}
	slog.Info("server stopped")
}

func pruneLoop(ctx context.Context, svc *relay.Service, cfg config.JobsConfig) {
	if cfg.Retention <= 0 || cfg.PruneInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.Prune(ctx, cfg.Retention)
			if err != nil {
				slog.Error("prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("pruned jobs", "count", n)
			}
		}
	}
}
