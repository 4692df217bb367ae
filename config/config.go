// Package config loads kbcore's configuration from the environment (and
// an optional .env file), the way the rest of the ambient stack is wired.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every tunable for a running kbcore instance.
type Config struct {
	Environment string
	LogLevel    string
	APIPort     int
	APIKey      string // empty disables auth, development convenience
	CORSOrigins string // comma-separated; empty disables CORS headers

	// Postgres catalog (C7) and keyword index (C5).
	PostgresDSN string

	// Redis (task queue C9, search cache C12).
	RedisURL string

	// SQLite + sqlite-vec file for the vector store (C4).
	VectorDBPath string

	// Object store (C6), S3-compatible.
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
	S3Region    string

	// Embedding provider (C3).
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	EmbeddingModel     string
	EmbeddingDim       int
	EmbeddingBatchSize int
	EmbeddingMaxRetries int

	// Chunking defaults (C2).
	ChunkStrategy   string
	ChunkTargetSize int
	ChunkOverlap    int

	// Retrieval (C10/C11).
	WeightVector float64
	WeightFTS    float64
	RRFK         int
	RerankTopK   int

	// Search cache (C12).
	CacheTTLSeconds int

	// Task queue (C9).
	QueueVisibilityTimeoutSeconds int
	QueueMaxAttempts              int

	// Document processing (C8).
	ProcessingTimeoutSeconds int
	MaxConcurrentProcessing  int
}

// Load reads configuration from a .env file (if present), then the
// environment, applying defaults for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("API_PORT", 8080)
	v.SetDefault("API_KEY", "")
	v.SetDefault("CORS_ORIGINS", "")

	v.SetDefault("POSTGRES_DSN", "postgres://localhost:5432/kbcore?sslmode=disable")
	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("VECTOR_DB_PATH", "kbcore_vectors.db")

	v.SetDefault("S3_ENDPOINT", "localhost:9000")
	v.SetDefault("S3_ACCESS_KEY", "")
	v.SetDefault("S3_SECRET_KEY", "")
	v.SetDefault("S3_BUCKET", "kbcore")
	v.SetDefault("S3_USE_SSL", false)
	v.SetDefault("S3_REGION", "us-east-1")

	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("EMBEDDING_MODEL", "text-embedding-3-small")
	v.SetDefault("EMBEDDING_DIM", 1536)
	v.SetDefault("EMBEDDING_BATCH_SIZE", 100)
	v.SetDefault("EMBEDDING_MAX_RETRIES", 3)

	v.SetDefault("CHUNK_STRATEGY", "recursive")
	v.SetDefault("CHUNK_TARGET_SIZE", 1000)
	v.SetDefault("CHUNK_OVERLAP", 200)

	v.SetDefault("WEIGHT_VECTOR", 0.7)
	v.SetDefault("WEIGHT_FTS", 0.3)
	v.SetDefault("RRF_K", 60)
	v.SetDefault("RERANK_TOP_K", 10)

	v.SetDefault("CACHE_TTL_SECONDS", 3600)

	v.SetDefault("QUEUE_VISIBILITY_TIMEOUT_SECONDS", 300)
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 3)

	v.SetDefault("PROCESSING_TIMEOUT_SECONDS", 600)
	v.SetDefault("MAX_CONCURRENT_PROCESSING", 4)

	cfg := &Config{
		Environment: v.GetString("ENVIRONMENT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		APIPort:     v.GetInt("API_PORT"),
		APIKey:      v.GetString("API_KEY"),
		CORSOrigins: v.GetString("CORS_ORIGINS"),

		PostgresDSN: v.GetString("POSTGRES_DSN"),
		RedisURL:    v.GetString("REDIS_URL"),

		VectorDBPath: v.GetString("VECTOR_DB_PATH"),

		S3Endpoint:  v.GetString("S3_ENDPOINT"),
		S3AccessKey: v.GetString("S3_ACCESS_KEY"),
		S3SecretKey: v.GetString("S3_SECRET_KEY"),
		S3Bucket:    v.GetString("S3_BUCKET"),
		S3UseSSL:    v.GetBool("S3_USE_SSL"),
		S3Region:    v.GetString("S3_REGION"),

		OpenAIAPIKey:        v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:       v.GetString("OPENAI_BASE_URL"),
		EmbeddingModel:      v.GetString("EMBEDDING_MODEL"),
		EmbeddingDim:        v.GetInt("EMBEDDING_DIM"),
		EmbeddingBatchSize:  v.GetInt("EMBEDDING_BATCH_SIZE"),
		EmbeddingMaxRetries: v.GetInt("EMBEDDING_MAX_RETRIES"),

		ChunkStrategy:   v.GetString("CHUNK_STRATEGY"),
		ChunkTargetSize: v.GetInt("CHUNK_TARGET_SIZE"),
		ChunkOverlap:    v.GetInt("CHUNK_OVERLAP"),

		WeightVector: v.GetFloat64("WEIGHT_VECTOR"),
		WeightFTS:    v.GetFloat64("WEIGHT_FTS"),
		RRFK:         v.GetInt("RRF_K"),
		RerankTopK:   v.GetInt("RERANK_TOP_K"),

		CacheTTLSeconds: v.GetInt("CACHE_TTL_SECONDS"),

		QueueVisibilityTimeoutSeconds: v.GetInt("QUEUE_VISIBILITY_TIMEOUT_SECONDS"),
		QueueMaxAttempts:              v.GetInt("QUEUE_MAX_ATTEMPTS"),

		ProcessingTimeoutSeconds: v.GetInt("PROCESSING_TIMEOUT_SECONDS"),
		MaxConcurrentProcessing:  v.GetInt("MAX_CONCURRENT_PROCESSING"),
	}

	if cfg.Environment == "production" && cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required in production")
	}

	return cfg, nil
}

// IsDevelopment reports whether the instance is running in development mode.
func (c *Config) IsDevelopment() bool { return c.Environment == "development" }

// IsProduction reports whether the instance is running in production mode.
func (c *Config) IsProduction() bool { return c.Environment == "production" }
