// Package app assembles the configured backends shared by cmd/api and cmd/worker.
package app

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/voicerelay/internal/api/handlers"
	"github.com/nikhilbhutani/voicerelay/internal/config"
	"github.com/nikhilbhutani/voicerelay/internal/database"
	"github.com/nikhilbhutani/voicerelay/internal/jobs"
	"github.com/nikhilbhutani/voicerelay/internal/llm"
	"github.com/nikhilbhutani/voicerelay/internal/multimodal/stt"
	"github.com/nikhilbhutani/voicerelay/internal/multimodal/tts"
	"github.com/nikhilbhutani/voicerelay/internal/relay"
	"github.com/nikhilbhutani/voicerelay/internal/storage"
	"github.com/nikhilbhutani/voicerelay/internal/webhook"
	"github.com/nikhilbhutani/voicerelay/migrations"
)

type Backends struct {
	Jobs     jobs.Store
	Storage  storage.Storage
	STT      stt.STTProvider
	TTS      tts.TTSProvider
	LLM      *llm.Gateway
	Notifier *webhook.Dispatcher // nil without WEBHOOK_URL

	Redis *redis.Client // set when the job store or queue lives in Redis
	DB    *pgxpool.Pool // set for JOB_STORE=postgres
}

// Open connects every backend named by cfg. Connection failures are fatal:
// a relay that cannot record job state is not worth starting.
func Open(ctx context.Context, cfg *config.Config) (*Backends, error) {
	b := &Backends{}

	if cfg.Jobs.Store == "redis" || cfg.Queue.Backend == "asynq" {
		b.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.Redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	var err error
	switch cfg.Jobs.Store {
	case "redis":
		b.Jobs = jobs.NewRedisStore(b.Redis, cfg.Jobs.Retention)
	case "postgres":
		b.DB, err = database.NewPool(ctx, cfg.Database)
		if err != nil {
			b.Close()
			return nil, err
		}
		applied, err := database.RunMigrations(ctx, b.DB, migrationFS(cfg.Database))
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database ready", "migrations_applied", applied)
		b.Jobs = jobs.NewPostgresStore(b.DB)
	default:
		b.Jobs = jobs.NewMemoryStore()
	}

	b.Storage, err = openStorage(ctx, cfg.Storage, cfg.Server.MaxUploadBytes)
	if err != nil {
		b.Close()
		return nil, err
	}

	b.STT = newSTT(cfg.STT)
	b.TTS = newTTS(cfg.TTS)
	b.LLM = llm.NewGateway(cfg.LLM)
	if cfg.Webhook.URL != "" {
		b.Notifier = webhook.NewDispatcher(cfg.Webhook.URL, cfg.Webhook.Secret)
	}

	slog.Info("backends ready",
		"job_store", cfg.Jobs.Store,
		"storage", b.Storage.Name(),
		"stt", b.STT.Name(),
		"tts", b.TTS.Name(),
		"llm_providers", b.LLM.Providers(),
	)
	return b, nil
}

// Service builds the relay service; q may be nil on the worker.
func (b *Backends) Service(cfg *config.Config, q relay.Enqueuer) *relay.Service {
	deps := relay.Deps{
		Jobs:    b.Jobs,
		Storage: b.Storage,
		STT:     b.STT,
		LLM:     b.LLM,
		TTS:     b.TTS,
		Queue:   q,
	}
	if b.Notifier != nil {
		deps.Notifier = b.Notifier
	}
	return relay.NewService(deps, relay.Options{
		Language:       cfg.STT.Language,
		MaxReplyTokens: cfg.LLM.MaxTokens,
		PromptRole:     cfg.LLM.PromptRole,
		Voice:          cfg.TTS.Voice,
		Format:         cfg.TTS.Format,
		STTTimeout:     cfg.STT.Timeout,
		LLMTimeout:     cfg.LLM.Timeout,
		TTSTimeout:     cfg.TTS.Timeout,
	})
}

// Checks lists the readiness probes for the connected backends.
func (b *Backends) Checks() []handlers.Check {
	var checks []handlers.Check
	if b.Redis != nil {
		checks = append(checks, handlers.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return b.Redis.Ping(ctx).Err()
		}})
	}
	if b.DB != nil {
		checks = append(checks, handlers.Check{Name: "database", Ping: b.DB.Ping})
	}
	return checks
}

func (b *Backends) Close() {
	if b.Notifier != nil {
		b.Notifier.Close()
	}
	if b.DB != nil {
		b.DB.Close()
	}
	if b.Redis != nil {
		b.Redis.Close()
	}
}

// ReplyTimeout bounds one reply task: completion plus synthesis plus the
// audio write.
func ReplyTimeout(cfg *config.Config) time.Duration {
	return cfg.LLM.Timeout + cfg.TTS.Timeout + 30*time.Second
}

func migrationFS(cfg config.DatabaseConfig) fs.FS {
	if cfg.MigrationsPath != "" {
		return os.DirFS(cfg.MigrationsPath)
	}
	return migrations.FS
}

// openStorage builds the configured backend. maxUpload caps the MinIO part
// buffer, since one part always covers a whole recording.
func openStorage(ctx context.Context, cfg config.StorageConfig, maxUpload int64) (storage.Storage, error) {
	switch cfg.Backend {
	case "minio":
		return storage.NewMinIOStorage(ctx, storage.MinIOConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.Bucket,
			Region:    cfg.S3Region,
			Secure:    cfg.S3Secure,
			PartSize:  partSize(maxUpload),
		})
	case "supabase":
		return storage.NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseKey, cfg.Bucket), nil
	default:
		return storage.NewLocalStorage(cfg.ResourcesDir)
	}
}

func partSize(maxUpload int64) uint64 {
	const ceiling = 16 << 20
	if maxUpload <= 0 || maxUpload > ceiling {
		return ceiling
	}
	return uint64(maxUpload)
}

func newSTT(cfg config.STTConfig) stt.STTProvider {
	if cfg.Backend == "local" {
		return stt.NewLocalSTT(stt.LocalSTTConfig{
			BaseURL: cfg.LocalBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.Timeout,
		})
	}
	return stt.NewOpenAISTT(stt.OpenAISTTConfig{
		APIKey:  cfg.OpenAIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.Timeout,
	})
}

func newTTS(cfg config.TTSConfig) tts.TTSProvider {
	if cfg.Backend == "local" {
		return tts.NewLocalTTS(tts.LocalTTSConfig{
			PiperBinPath: cfg.LocalBinPath,
			ModelPath:    cfg.LocalModel,
		})
	}
	return tts.NewOpenAITTS(tts.OpenAITTSConfig{
		APIKey:  cfg.OpenAIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.Timeout,
	})
}
