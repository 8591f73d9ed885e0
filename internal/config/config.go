package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the clausewatch server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Content  ContentConfig
	AI       AIConfig
	Engine   EngineConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	RateLimit      int
	MigrationsPath string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

type RedisConfig struct {
	URL string
}

// QueueConfig selects the work queue. An empty NATSURL runs jobs on an
// in-process queue, which only suits single-node deployments.
type QueueConfig struct {
	NATSURL    string
	Stream     string
	Subject    string
	Durable    string
	Workers    int
	AckWait    time.Duration
	MaxDeliver int
}

type ContentConfig struct {
	Backend string
	BaseURL string
	Token   string
	Timeout time.Duration
	MinIO   MinIOConfig
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

type AIConfig struct {
	Provider          string
	InferenceTimeout  time.Duration
	AssetPollInterval time.Duration
	AssetMaxPolls     int
	MaxRetries        int
	Ollama            OllamaConfig
	VLLM              VLLMConfig
	OpenAI            OpenAIConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// EngineConfig tunes the orchestration core.
type EngineConfig struct {
	DetectionRounds  int
	LockMode         string
	LockLease        time.Duration
	LockPollInterval time.Duration
	StatusTTL        time.Duration
	PurgeMinInterval time.Duration
}

var validProviders = map[string]bool{
	"ollama": true,
	"vllm":   true,
	"openai": true,
}

var validContentBackends = map[string]bool{
	"http":   true,
	"minio":  true,
	"memory": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           envInt("CLAUSEWATCH_PORT", 8080),
			Env:            envString("CLAUSEWATCH_ENV", "development"),
			RateLimit:      envInt("CLAUSEWATCH_RATE_LIMIT_PER_MINUTE", 120),
			MigrationsPath: envString("CLAUSEWATCH_MIGRATIONS_PATH", "migrations"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnectTimeout:  envDuration("DATABASE_CONNECT_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			NATSURL:    os.Getenv("NATS_URL"),
			Stream:     envString("NATS_STREAM", "CLAUSEWATCH_TASKS"),
			Subject:    envString("NATS_SUBJECT", "clausewatch.tasks"),
			Durable:    envString("NATS_DURABLE", "clausewatch-workers"),
			Workers:    envInt("QUEUE_WORKERS", 4),
			AckWait:    envDuration("QUEUE_ACK_WAIT", 10*time.Minute),
			MaxDeliver: envInt("QUEUE_MAX_DELIVER", 20),
		},
		Content: ContentConfig{
			Backend: envString("CONTENT_BACKEND", "http"),
			BaseURL: os.Getenv("CONTENT_BASE_URL"),
			Token:   os.Getenv("CONTENT_TOKEN"),
			Timeout: envDuration("CONTENT_TIMEOUT", 30*time.Second),
			MinIO: MinIOConfig{
				Endpoint:  os.Getenv("MINIO_ENDPOINT"),
				AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
				SecretKey: os.Getenv("MINIO_SECRET_KEY"),
				UseSSL:    envBool("MINIO_USE_SSL", false),
				Bucket:    envString("MINIO_BUCKET", "clausewatch"),
			},
		},
		AI: AIConfig{
			Provider:          os.Getenv("AI_PROVIDER"),
			InferenceTimeout:  envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 120*time.Second),
			AssetPollInterval: envDuration("AI_ASSET_POLL_INTERVAL", 2*time.Second),
			AssetMaxPolls:     envInt("AI_ASSET_MAX_POLLS", 30),
			MaxRetries:        envInt("AI_MAX_RETRIES", 2),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000"),
				Model:   envString("VLLM_MODEL", ""),
			},
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
				BaseURL: os.Getenv("OPENAI_BASE_URL"),
			},
		},
		Engine: EngineConfig{
			DetectionRounds:  envInt("DETECTION_ROUNDS", 3),
			LockMode:         envString("LOCK_MODE", "queue"),
			LockLease:        envDuration("LOCK_LEASE", 30*time.Second),
			LockPollInterval: envDuration("LOCK_POLL_INTERVAL", 250*time.Millisecond),
			StatusTTL:        envDuration("STATUS_TTL", 24*time.Hour),
			PurgeMinInterval: envDuration("PURGE_MIN_INTERVAL", time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validContentBackends[c.Content.Backend] {
		return fmt.Errorf("CONTENT_BACKEND must be one of http, minio, memory; got %q", c.Content.Backend)
	}
	switch c.Content.Backend {
	case "http":
		if c.Content.BaseURL == "" {
			return fmt.Errorf("CONTENT_BASE_URL is required when CONTENT_BACKEND is http")
		}
		if !strings.HasPrefix(c.Content.BaseURL, "http://") && !strings.HasPrefix(c.Content.BaseURL, "https://") {
			return fmt.Errorf("CONTENT_BASE_URL must start with http:// or https://, got %q", c.Content.BaseURL)
		}
	case "minio":
		if c.Content.MinIO.Endpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required when CONTENT_BACKEND is minio")
		}
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}

	if c.Engine.DetectionRounds < 1 {
		return fmt.Errorf("DETECTION_ROUNDS must be at least 1, got %d", c.Engine.DetectionRounds)
	}
	if c.Engine.LockMode != "queue" && c.Engine.LockMode != "failfast" {
		return fmt.Errorf("LOCK_MODE must be one of queue, failfast; got %q", c.Engine.LockMode)
	}
	if c.Engine.LockLease < time.Second {
		return fmt.Errorf("LOCK_LEASE must be at least 1s, got %s", c.Engine.LockLease)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1, got %d", c.Queue.Workers)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
