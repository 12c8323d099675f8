// Package config loads memoryd's runtime configuration from the environment,
// following the teacher repo's convention of a flat env-var surface plus an
// optional .env file rather than a YAML/viper stack.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RedisConfig describes how to reach the KV-Store backend (C1).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QdrantConfig describes how to reach the Vector-Store backend (C2).
type QdrantConfig struct {
	DSN        string
	Collection string
	Dimensions int
	Metric     string
}

// EmbeddingConfig describes the embedding upstream (C3).
type EmbeddingConfig struct {
	BaseURL   string
	Path      string
	Model     string
	APIKey    string
	APIHeader string
	Timeout   time.Duration
}

// LLMConfig describes the text-generation upstream (C4).
type LLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// MemoryConfig holds the tunables enumerated in spec.md section 6.
type MemoryConfig struct {
	ShortTermEnabled       bool
	LongTermEnabled        bool
	LTMMinImportanceScore  float64
	MemoryMaxTokens        int
	MemoryWarningTokens    int
	CompressionMaxConcurrent int
	CompressionQueueSize   int
	ConversationTTL        time.Duration
	SummaryTTL             time.Duration
}

// Config is the fully resolved runtime configuration for memoryd.
type Config struct {
	Redis     RedisConfig
	Qdrant    QdrantConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Memory    MemoryConfig
}

// Load reads configuration from the environment, applying the defaults from
// spec.md section 6. As in the teacher's internal/config/loader.go, a .env
// file (if present) is loaded with Overload so it can deterministically
// control local runs.
func Load() Config {
	_ = godotenv.Overload()

	cfg := Config{
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Qdrant: QdrantConfig{
			DSN:        getenv("QDRANT_DSN", "localhost:6334"),
			Collection: getenv("QDRANT_COLLECTION", "semantic_memory"),
			Dimensions: getenvInt("QDRANT_DIMENSIONS", 1536),
			Metric:     getenv("QDRANT_METRIC", "cosine"),
		},
		Embedding: EmbeddingConfig{
			BaseURL:   getenv("EMBEDDING_BASE_URL", ""),
			Path:      getenv("EMBEDDING_PATH", "/embeddings"),
			Model:     getenv("EMBEDDING_MODEL", "text-embedding-v2"),
			APIKey:    os.Getenv("EMBEDDING_API_KEY"),
			APIHeader: getenv("EMBEDDING_API_HEADER", "Authorization"),
			Timeout:   time.Duration(getenvInt("EMBEDDING_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		LLM: LLMConfig{
			BaseURL: getenv("QWEN_BASE_URL", ""),
			Model:   getenv("QWEN_MODEL", "qwen-plus"),
			APIKey:  os.Getenv("QWEN_API_KEY"),
			Timeout: time.Duration(getenvInt("QWEN_TIMEOUT_SECONDS", 60)) * time.Second,
		},
		Memory: MemoryConfig{
			ShortTermEnabled:         getenvBool("SHORT_TERM_MEMORY_ENABLED", true),
			LongTermEnabled:          getenvBool("LONG_TERM_MEMORY_ENABLED", true),
			LTMMinImportanceScore:    getenvFloat("LTM_MIN_IMPORTANCE_SCORE", 0.6),
			MemoryMaxTokens:          getenvInt("MEMORY_MAX_TOKENS", 3000),
			MemoryWarningTokens:      getenvInt("MEMORY_WARNING_TOKENS", 2500),
			CompressionMaxConcurrent: getenvInt("COMPRESSION_MAX_CONCURRENT", 3),
			CompressionQueueSize:     getenvInt("COMPRESSION_QUEUE_SIZE", 100),
			ConversationTTL:          time.Duration(getenvInt("CONVERSATION_TTL_SECONDS", 7*24*3600)) * time.Second,
			SummaryTTL:               time.Duration(getenvInt("SUMMARY_TTL_SECONDS", 30*24*3600)) * time.Second,
		},
	}
	return cfg
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
