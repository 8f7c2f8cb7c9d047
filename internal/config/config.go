package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultCompletionModel       = "gpt-4o-mini"
	DefaultCompletionMaxTokens   = 1024
	DefaultCompletionTemperature = 0.3
	DefaultCompletionTimeoutMs   = 30000
	DefaultEmbeddingProvider     = "api"
	DefaultEmbeddingModel        = "text-embedding-3-small"
	DefaultEmbeddingDimension    = 1536
	DefaultEmbeddingBatchSize    = 16
	DefaultEmbeddingTimeoutMs    = 10000
	DefaultWindowTokenBudget     = 2000
	DefaultChunkMaxTokens        = 400
	DefaultCatalogLimit          = 5
	DefaultSemanticLimit         = 5
	DefaultContextTokenBudget    = 1500
	DefaultSearchTimeoutMs       = 5000
	DefaultBackfillSchedule      = "0 */5 * * * *"
	DefaultBackfillBatchSize     = 32
)

type Config struct {
	Completion  CompletionConfig  `json:"completion"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Memory      MemoryConfig      `json:"memory"`
	Search      SearchConfig      `json:"search"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type CompletionConfig struct {
	BaseURL     string  `json:"baseUrl,omitempty"`
	APIKey      string  `json:"apiKey"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	TimeoutMs   int     `json:"timeoutMs,omitempty"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api" (default) or "ollama"
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
	BatchSize int    `json:"batchSize,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type MemoryConfig struct {
	DBPath            string `json:"dbPath,omitempty"`
	WindowTokenBudget int    `json:"windowTokenBudget"`
	ChunkMaxTokens    int    `json:"chunkMaxTokens"`
}

type SearchConfig struct {
	CatalogLimit       int `json:"catalogLimit"`
	SemanticLimit      int `json:"semanticLimit"`
	ContextTokenBudget int `json:"contextTokenBudget"`
	TimeoutMs          int `json:"timeoutMs,omitempty"`
}

type MaintenanceConfig struct {
	BackfillSchedule  string `json:"backfillSchedule"`
	BackfillBatchSize int    `json:"backfillBatchSize"`
}

func DefaultConfig() *Config {
	return &Config{
		Completion: CompletionConfig{
			Model:       DefaultCompletionModel,
			MaxTokens:   DefaultCompletionMaxTokens,
			Temperature: DefaultCompletionTemperature,
			TimeoutMs:   DefaultCompletionTimeoutMs,
		},
		Embedding: EmbeddingConfig{
			Provider:  DefaultEmbeddingProvider,
			Model:     DefaultEmbeddingModel,
			Dimension: DefaultEmbeddingDimension,
			BatchSize: DefaultEmbeddingBatchSize,
			TimeoutMs: DefaultEmbeddingTimeoutMs,
		},
		Memory: MemoryConfig{
			DBPath:            filepath.Join(ConfigDir(), "data", "sheetsense.db"),
			WindowTokenBudget: DefaultWindowTokenBudget,
			ChunkMaxTokens:    DefaultChunkMaxTokens,
		},
		Search: SearchConfig{
			CatalogLimit:       DefaultCatalogLimit,
			SemanticLimit:      DefaultSemanticLimit,
			ContextTokenBudget: DefaultContextTokenBudget,
			TimeoutMs:          DefaultSearchTimeoutMs,
		},
		Maintenance: MaintenanceConfig{
			BackfillSchedule:  DefaultBackfillSchedule,
			BackfillBatchSize: DefaultBackfillBatchSize,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".sheetsense")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("SHEETSENSE_API_KEY"); key != "" {
		cfg.Completion.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Completion.APIKey == "" {
		cfg.Completion.APIKey = key
	}
	if url := os.Getenv("SHEETSENSE_BASE_URL"); url != "" {
		cfg.Completion.BaseURL = url
	}
	if model := os.Getenv("SHEETSENSE_MODEL"); model != "" {
		cfg.Completion.Model = model
	}
	if provider := os.Getenv("SHEETSENSE_EMBEDDING_PROVIDER"); provider != "" {
		cfg.Embedding.Provider = provider
	}
	if url := os.Getenv("SHEETSENSE_EMBEDDING_BASE_URL"); url != "" {
		cfg.Embedding.BaseURL = url
	}
	if key := os.Getenv("SHEETSENSE_EMBEDDING_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if model := os.Getenv("SHEETSENSE_EMBEDDING_MODEL"); model != "" {
		cfg.Embedding.Model = model
	}
	if dim := os.Getenv("SHEETSENSE_EMBEDDING_DIMENSION"); dim != "" {
		if parsed, err := strconv.Atoi(dim); err == nil && parsed > 0 {
			cfg.Embedding.Dimension = parsed
		}
	}
	if dbPath := os.Getenv("SHEETSENSE_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if budget := os.Getenv("SHEETSENSE_WINDOW_TOKEN_BUDGET"); budget != "" {
		if parsed, err := strconv.Atoi(budget); err == nil && parsed > 0 {
			cfg.Memory.WindowTokenBudget = parsed
		}
	}
	if budget := os.Getenv("SHEETSENSE_CONTEXT_TOKEN_BUDGET"); budget != "" {
		if parsed, err := strconv.Atoi(budget); err == nil && parsed > 0 {
			cfg.Search.ContextTokenBudget = parsed
		}
	}
	if schedule := os.Getenv("SHEETSENSE_BACKFILL_SCHEDULE"); schedule != "" {
		cfg.Maintenance.BackfillSchedule = schedule
	}

	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = DefaultConfig().Memory.DBPath
	}
	if cfg.Memory.WindowTokenBudget <= 0 {
		cfg.Memory.WindowTokenBudget = DefaultWindowTokenBudget
	}
	if cfg.Memory.ChunkMaxTokens <= 0 {
		cfg.Memory.ChunkMaxTokens = DefaultChunkMaxTokens
	}
	if cfg.Search.CatalogLimit <= 0 {
		cfg.Search.CatalogLimit = DefaultCatalogLimit
	}
	if cfg.Search.SemanticLimit <= 0 {
		cfg.Search.SemanticLimit = DefaultSemanticLimit
	}
	if cfg.Search.ContextTokenBudget <= 0 {
		cfg.Search.ContextTokenBudget = DefaultContextTokenBudget
	}
	if cfg.Maintenance.BackfillSchedule == "" {
		cfg.Maintenance.BackfillSchedule = DefaultBackfillSchedule
	}
	if cfg.Maintenance.BackfillBatchSize <= 0 {
		cfg.Maintenance.BackfillBatchSize = DefaultBackfillBatchSize
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
