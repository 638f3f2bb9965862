package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	LLM      LLMConfig
	Storage  StorageConfig
	STT      STTConfig
	TTS      TTSConfig
	Jobs     JobsConfig
	Queue    QueueConfig
	Webhook  WebhookConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	RateLimitPerMinute int
	MaxUploadBytes     int64
	ShutdownTimeout    time.Duration
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LLMConfig struct {
	OpenAIKey        string
	AnthropicKey     string
	OllamaURL        string
	DefaultProvider  string
	DefaultModel     string
	FallbackProvider string
	MaxRetries       int
	MaxTokens        int    // upper bound on generated reply length
	PromptRole       string // "system" or "user"
	Timeout          time.Duration
}

type StorageConfig struct {
	Backend      string // "local", "minio" or "supabase"
	ResourcesDir string
	Bucket       string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Secure    bool

	SupabaseURL string
	SupabaseKey string
}

type STTConfig struct {
	Backend       string // "openai" or "local"
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	LocalBaseURL  string // default: "http://localhost:8178/v1"
	Language      string
	Timeout       time.Duration
}

type TTSConfig struct {
	Backend       string // "openai" or "local"
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	Voice         string
	Format        string
	LocalBinPath  string // default: "piper"
	LocalModel    string // required when backend=local
	Timeout       time.Duration
}

type JobsConfig struct {
	Store         string // "memory", "redis" or "postgres"
	Retention     time.Duration
	PruneInterval time.Duration
}

type QueueConfig struct {
	Backend     string // "memory" or "asynq"
	Concurrency int
	BufferSize  int
}

type WebhookConfig struct {
	URL    string
	Secret string
}

func Load() (*Config, error) {
	port, err := getEnvInt("PORT", 3000)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	rateLimit, err := getEnvInt("RATE_LIMIT_PER_MINUTE", 120)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
	}

	maxUpload, err := getEnvInt("UPLOAD_MAX_BYTES", 25<<20)
	if err != nil {
		return nil, fmt.Errorf("invalid UPLOAD_MAX_BYTES: %w", err)
	}

	shutdownTimeout, err := getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}

	minConns, err := getEnvInt("DB_MIN_CONNS", 1)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MIN_CONNS: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxRetries, err := getEnvInt("LLM_MAX_RETRIES", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid LLM_MAX_RETRIES: %w", err)
	}

	maxTokens, err := getEnvInt("RELAY_MAX_REPLY_TOKENS", 30)
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_MAX_REPLY_TOKENS: %w", err)
	}

	llmTimeout, err := getEnvDuration("LLM_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid LLM_TIMEOUT: %w", err)
	}

	sttTimeout, err := getEnvDuration("STT_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid STT_TIMEOUT: %w", err)
	}

	ttsTimeout, err := getEnvDuration("TTS_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid TTS_TIMEOUT: %w", err)
	}

	retention, err := getEnvDuration("JOB_RETENTION", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid JOB_RETENTION: %w", err)
	}

	pruneInterval, err := getEnvDuration("JOB_PRUNE_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid JOB_PRUNE_INTERVAL: %w", err)
	}

	concurrency, err := getEnvInt("QUEUE_CONCURRENCY", 4)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_CONCURRENCY: %w", err)
	}

	buffer, err := getEnvInt("QUEUE_BUFFER", 64)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_BUFFER: %w", err)
	}

	s3Secure, err := getEnvBool("S3_SECURE", true)
	if err != nil {
		return nil, fmt.Errorf("invalid S3_SECURE: %w", err)
	}

	openAIKey := getEnv("OPENAI_API_KEY", "")

	cfg := &Config{
		Server: ServerConfig{
			Host:               getEnv("SERVER_HOST", "0.0.0.0"),
			Port:               port,
			RateLimitPerMinute: rateLimit,
			MaxUploadBytes:     int64(maxUpload),
			ShutdownTimeout:    shutdownTimeout,
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConns:       maxConns,
			MinConns:       minConns,
			MigrationsPath: getEnv("MIGRATIONS_PATH", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		LLM: LLMConfig{
			OpenAIKey:        openAIKey,
			AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
			OllamaURL:        getEnv("OLLAMA_URL", ""),
			DefaultProvider:  getEnv("LLM_DEFAULT_PROVIDER", "openai"),
			DefaultModel:     getEnv("LLM_DEFAULT_MODEL", "gpt-3.5-turbo"),
			FallbackProvider: getEnv("LLM_FALLBACK_PROVIDER", ""),
			MaxRetries:       maxRetries,
			MaxTokens:        maxTokens,
			PromptRole:       getEnv("RELAY_PROMPT_ROLE", "system"),
			Timeout:          llmTimeout,
		},
		Storage: StorageConfig{
			Backend:      getEnv("STORAGE_BACKEND", "local"),
			ResourcesDir: getEnv("RESOURCES_DIR", "./resources"),
			Bucket:       getEnv("S3_BUCKET", getEnv("STORAGE_BUCKET", "voicerelay")),
			S3Endpoint:   getEnv("S3_ENDPOINT", ""),
			S3AccessKey:  getEnv("S3_ACCESS_KEY", ""),
			S3SecretKey:  getEnv("S3_SECRET_KEY", ""),
			S3Region:     getEnv("S3_REGION", ""),
			S3Secure:     s3Secure,
			SupabaseURL:  getEnv("SUPABASE_URL", ""),
			SupabaseKey:  getEnv("SUPABASE_SERVICE_KEY", ""),
		},
		STT: STTConfig{
			Backend:       getEnv("STT_BACKEND", "openai"),
			OpenAIKey:     openAIKey,
			OpenAIBaseURL: getEnv("STT_OPENAI_BASE_URL", ""),
			OpenAIModel:   getEnv("STT_OPENAI_MODEL", ""),
			LocalBaseURL:  getEnv("STT_LOCAL_BASE_URL", "http://localhost:8178/v1"),
			Language:      getEnv("STT_LANGUAGE", ""),
			Timeout:       sttTimeout,
		},
		TTS: TTSConfig{
			Backend:       getEnv("TTS_BACKEND", "openai"),
			OpenAIKey:     openAIKey,
			OpenAIBaseURL: getEnv("TTS_OPENAI_BASE_URL", ""),
			OpenAIModel:   getEnv("TTS_OPENAI_MODEL", ""),
			Voice:         getEnv("TTS_VOICE", "echo"),
			Format:        getEnv("TTS_FORMAT", "wav"),
			LocalBinPath:  getEnv("TTS_LOCAL_PIPER_BIN", "piper"),
			LocalModel:    getEnv("TTS_LOCAL_PIPER_MODEL", ""),
			Timeout:       ttsTimeout,
		},
		Jobs: JobsConfig{
			Store:         getEnv("JOB_STORE", "memory"),
			Retention:     retention,
			PruneInterval: pruneInterval,
		},
		Queue: QueueConfig{
			Backend:     getEnv("QUEUE_BACKEND", "memory"),
			Concurrency: concurrency,
			BufferSize:  buffer,
		},
		Webhook: WebhookConfig{
			URL:    getEnv("WEBHOOK_URL", ""),
			Secret: getEnv("WEBHOOK_SECRET", ""),
		},
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate rejects backend combinations that cannot work together.
// Provider credentials are not checked here; a missing key surfaces as a
// provider error on first use.
func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Backend {
	case "local":
	case "minio":
		if c.Storage.S3Endpoint == "" {
			problems = append(problems, "S3_ENDPOINT is required for STORAGE_BACKEND=minio")
		}
	case "supabase":
		if c.Storage.SupabaseURL == "" {
			problems = append(problems, "SUPABASE_URL is required for STORAGE_BACKEND=supabase")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}

	switch c.Jobs.Store {
	case "memory", "redis":
	case "postgres":
		if c.Database.URL == "" {
			problems = append(problems, "DATABASE_URL is required for JOB_STORE=postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown JOB_STORE %q", c.Jobs.Store))
	}

	switch c.Queue.Backend {
	case "memory":
	case "asynq":
		if c.Jobs.Store == "memory" {
			problems = append(problems, "QUEUE_BACKEND=asynq needs a shared JOB_STORE (redis or postgres)")
		}
		if c.Storage.Backend == "local" {
			problems = append(problems, "QUEUE_BACKEND=asynq needs a shared STORAGE_BACKEND (minio or supabase)")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown QUEUE_BACKEND %q", c.Queue.Backend))
	}

	if c.Queue.Concurrency < 1 {
		problems = append(problems, "QUEUE_CONCURRENCY must be at least 1")
	}
	if c.LLM.MaxTokens < 1 {
		problems = append(problems, "RELAY_MAX_REPLY_TOKENS must be at least 1")
	}
	if c.LLM.PromptRole != "system" && c.LLM.PromptRole != "user" {
		problems = append(problems, fmt.Sprintf("RELAY_PROMPT_ROLE must be system or user, got %q", c.LLM.PromptRole))
	}
	if c.TTS.Backend == "local" && c.TTS.LocalModel == "" {
		problems = append(problems, "TTS_LOCAL_PIPER_MODEL is required for TTS_BACKEND=local")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}
