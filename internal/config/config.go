package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main agentd configuration
type Config struct {
	// Server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// LLM provider
	LLM LLMConfig `json:"llm" mapstructure:"llm"`

	// Embeddings
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`

	// Retrieval backends
	Retrieval RetrievalConfig `json:"retrieval" mapstructure:"retrieval"`

	// Database
	Database DatabaseConfig `json:"database" mapstructure:"database"`

	// Document ingestion
	Ingest IngestConfig `json:"ingest" mapstructure:"ingest"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Workspace path for filesystem tools
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// LLMConfig holds model provider configuration
type LLMConfig struct {
	Provider      string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey        string  `json:"api_key" mapstructure:"api_key"`
	Model         string  `json:"model" mapstructure:"model"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations int     `json:"max_iterations" mapstructure:"max_iterations"`
	MaxRetries    int     `json:"max_retries" mapstructure:"max_retries"`
	TimeoutSecs   int     `json:"timeout_secs" mapstructure:"timeout_secs"`
}

// EmbeddingConfig holds embedding provider configuration
type EmbeddingConfig struct {
	APIKey string `json:"api_key" mapstructure:"api_key"`
	Model  string `json:"model" mapstructure:"model"`
}

// RetrievalConfig selects and tunes the retrieval backend
type RetrievalConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // pq, rag, off
	TopK    int    `json:"top_k" mapstructure:"top_k"`

	// Product quantization parameters
	PQSubvectors      int `json:"pq_subvectors" mapstructure:"pq_subvectors"`
	PQClusters        int `json:"pq_clusters" mapstructure:"pq_clusters"`
	PQTrainIterations int `json:"pq_train_iterations" mapstructure:"pq_train_iterations"`

	// Chunking parameters for the RAG store
	ChunkSize    int `json:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap" mapstructure:"chunk_overlap"`
}

// DatabaseConfig holds SQLite and retention configuration
type DatabaseConfig struct {
	Path              string `json:"path" mapstructure:"path"`
	RetentionSchedule string `json:"retention_schedule" mapstructure:"retention_schedule"`
	RetentionDays     int    `json:"retention_days" mapstructure:"retention_days"`
}

// IngestConfig holds document ingestion configuration
type IngestConfig struct {
	Dir          string `json:"dir" mapstructure:"dir"`
	Watch        bool   `json:"watch" mapstructure:"watch"`
	DebounceSecs int    `json:"debounce_secs" mapstructure:"debounce_secs"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		LLM: LLMConfig{
			Provider:      "openai",
			Model:         "gpt-4o-mini",
			Temperature:   0.7,
			MaxTokens:     4096,
			MaxIterations: 10,
			MaxRetries:    3,
			TimeoutSecs:   60,
		},
		Embedding: EmbeddingConfig{
			Model: "text-embedding-3-small",
		},
		Retrieval: RetrievalConfig{
			Backend:           "rag",
			TopK:              3,
			PQSubvectors:      8,
			PQClusters:        256,
			PQTrainIterations: 20,
			ChunkSize:         1000,
			ChunkOverlap:      50,
		},
		Database: DatabaseConfig{
			RetentionSchedule: "0 3 * * *",
			RetentionDays:     90,
		},
		Ingest: IngestConfig{
			Watch:        true,
			DebounceSecs: 2,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Timeout returns the provider time budget as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSecs) * time.Second
}

// RetentionMaxAge returns the ledger retention window as a duration.
func (c *Config) RetentionMaxAge() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}

// String returns a JSON representation of the config with secrets removed
func (c *Config) String() string {
	clone := *c
	if clone.LLM.APIKey != "" {
		clone.LLM.APIKey = "***"
	}
	if clone.Embedding.APIKey != "" {
		clone.Embedding.APIKey = "***"
	}
	data, _ := json.MarshalIndent(clone, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("invalid LLM provider %s (must be: anthropic, openai)", c.LLM.Provider)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM api_key is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("LLM temperature must be between 0 and 1")
	}
	if c.LLM.MaxIterations <= 0 {
		return fmt.Errorf("LLM max_iterations must be positive")
	}

	switch c.Retrieval.Backend {
	case "pq", "rag", "off":
	default:
		return fmt.Errorf("invalid retrieval backend %s (must be: pq, rag, off)", c.Retrieval.Backend)
	}
	if c.Retrieval.Backend != "off" {
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding api_key is required when retrieval is enabled")
		}
		if c.Retrieval.TopK <= 0 {
			return fmt.Errorf("retrieval top_k must be positive")
		}
	}
	if c.Retrieval.Backend == "pq" {
		if c.Retrieval.PQSubvectors <= 0 {
			return fmt.Errorf("pq_subvectors must be positive")
		}
		if c.Retrieval.PQClusters <= 0 || c.Retrieval.PQClusters > 256 {
			return fmt.Errorf("pq_clusters must be between 1 and 256")
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Database.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive")
	}

	return nil
}
