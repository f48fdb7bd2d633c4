package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Embedding EmbeddingConfig `json:"embedding"`
	Memory    MemoryConfig    `json:"memory"`
	Indexer   IndexerConfig   `json:"indexer"`
	Storage   StorageConfig   `json:"storage"`
	mu        sync.RWMutex
}

type ServerConfig struct {
	Host string `json:"host" env:"RECALL_SERVER_HOST"`
	Port int    `json:"port" env:"RECALL_SERVER_PORT"`
}

// EmbeddingConfig selects the embedding provider. Provider "openai" uses
// the remote API; "local" uses the built-in chargram embedder and needs no
// key or network.
type EmbeddingConfig struct {
	Provider   string `json:"provider" env:"RECALL_EMBEDDING_PROVIDER"`
	APIKey     string `json:"api_key" env:"RECALL_EMBEDDING_API_KEY"`
	APIBase    string `json:"api_base" env:"RECALL_EMBEDDING_API_BASE"`
	Model      string `json:"model" env:"RECALL_EMBEDDING_MODEL"`
	Dimensions int    `json:"dimensions" env:"RECALL_EMBEDDING_DIMENSIONS"`
}

type MemoryConfig struct {
	RetrievalDeadlineMS      int     `json:"retrieval_deadline_ms" env:"RECALL_MEMORY_RETRIEVAL_DEADLINE_MS"`
	ConversationThreshold    float64 `json:"conversation_threshold" env:"RECALL_MEMORY_CONVERSATION_THRESHOLD"`
	ChatThreshold            float64 `json:"chat_threshold" env:"RECALL_MEMORY_CHAT_THRESHOLD"`
	UserThreshold            float64 `json:"user_threshold" env:"RECALL_MEMORY_USER_THRESHOLD"`
	SearchTopK               int     `json:"search_top_k" env:"RECALL_MEMORY_SEARCH_TOP_K"`
	CharBudget               int     `json:"char_budget" env:"RECALL_MEMORY_CHAR_BUDGET"`
	RecentMessages           int     `json:"recent_messages" env:"RECALL_MEMORY_RECENT_MESSAGES"`
	EmbeddingCacheSize       int     `json:"embedding_cache_size" env:"RECALL_MEMORY_EMBEDDING_CACHE_SIZE"`
	EmbeddingCacheTTLSeconds int     `json:"embedding_cache_ttl_seconds" env:"RECALL_MEMORY_EMBEDDING_CACHE_TTL_SECONDS"`
	ResultCacheSize          int     `json:"result_cache_size" env:"RECALL_MEMORY_RESULT_CACHE_SIZE"`
	ResultCacheTTLSeconds    int     `json:"result_cache_ttl_seconds" env:"RECALL_MEMORY_RESULT_CACHE_TTL_SECONDS"`
	ProfileCacheSize         int     `json:"profile_cache_size" env:"RECALL_MEMORY_PROFILE_CACHE_SIZE"`
	ProfileCacheTTLSeconds   int     `json:"profile_cache_ttl_seconds" env:"RECALL_MEMORY_PROFILE_CACHE_TTL_SECONDS"`
	WriteQueueSize           int     `json:"write_queue_size" env:"RECALL_MEMORY_WRITE_QUEUE_SIZE"`
	StoreRetries             int     `json:"store_retries" env:"RECALL_MEMORY_STORE_RETRIES"`
}

type IndexerConfig struct {
	TickSeconds   int      `json:"tick_seconds" env:"RECALL_INDEXER_TICK_SECONDS"`
	ReindexCron   string   `json:"reindex_cron" env:"RECALL_INDEXER_REINDEX_CRON"`
	QueueLimit    int      `json:"queue_limit" env:"RECALL_INDEXER_QUEUE_LIMIT"`
	CommonQueries []string `json:"common_queries" env:"RECALL_INDEXER_COMMON_QUERIES"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir" env:"RECALL_STORAGE_DATA_DIR"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18590,
		},
		Embedding: EmbeddingConfig{
			Provider:   "local",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},
		Memory: MemoryConfig{
			RetrievalDeadlineMS:      2000,
			ConversationThreshold:    0.60,
			ChatThreshold:            0.65,
			UserThreshold:            0.70,
			SearchTopK:               5,
			CharBudget:               2500,
			RecentMessages:           6,
			EmbeddingCacheSize:       2048,
			EmbeddingCacheTTLSeconds: 600,
			ResultCacheSize:          1024,
			ResultCacheTTLSeconds:    30,
			ProfileCacheSize:         512,
			ProfileCacheTTLSeconds:   900,
			WriteQueueSize:           256,
			StoreRetries:             3,
		},
		Indexer: IndexerConfig{
			TickSeconds: 30,
			ReindexCron: "0 * * * *",
			QueueLimit:  256,
			CommonQueries: []string{
				"what did we talk about",
				"what do you know about me",
			},
		},
		Storage: StorageConfig{
			DataDir: "~/.recall",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.DataDir)
}

func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
