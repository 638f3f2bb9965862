package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/nikhilbhutani/voicerelay/internal/app"
	"github.com/nikhilbhutani/voicerelay/internal/config"
	"github.com/nikhilbhutani/voicerelay/internal/queue"
	"github.com/nikhilbhutani/voicerelay/internal/queue/workers"
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
	if cfg.Queue.Backend != "asynq" {
		slog.Error("worker requires QUEUE_BACKEND=asynq", "queue", cfg.Queue.Backend)
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

	svc := backends.Service(cfg, nil)

	srv := asynq.NewServer(
		queue.RedisOpt(cfg.Redis),
		asynq.Config{
			Concurrency:     cfg.Queue.Concurrency,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Logger:          asynqLogger{},
		},
	)

	registry := queue.NewRegistry()
	replyWorker := workers.NewReplyWorker(svc.HandleReply)
	registry.Register(queue.TypeRelayReply, asynq.HandlerFunc(replyWorker.ProcessTask))

	slog.Info("starting worker", "concurrency", cfg.Queue.Concurrency, "task_types", registry.Types())
	if err := srv.Start(registry.Mux()); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down worker...")
	srv.Shutdown()
	slog.Info("worker stopped")
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { slog.Debug(sprint(args)) }
func (asynqLogger) Info(args ...interface{})  { slog.Info(sprint(args)) }
func (asynqLogger) Warn(args ...interface{})  { slog.Warn(sprint(args)) }
func (asynqLogger) Error(args ...interface{}) { slog.Error(sprint(args)) }
func (asynqLogger) Fatal(args ...interface{}) {
	slog.Error(sprint(args))
	os.Exit(1)
}

func sprint(args []interface{}) string {
	return strings.TrimSuffix(fmt.Sprintln(args...), "\n")
}
