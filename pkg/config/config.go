package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LLMConfig selects the embedding/generation provider once at startup.
// The pipeline and query engine never branch on provider identity.
type LLMConfig struct {
	Provider       string  `yaml:"provider"` // "ollama" or "openai"
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	EmbeddingModel string  `yaml:"embedding_model"`
	APIKey         string  `yaml:"api_key"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
}

// IndexConfig configures the vector index. VectorDim is the single
// source of truth for embedding dimensionality: the embedder and the
// index are both constructed from it, so query and document vectors
// cannot diverge.
type IndexConfig struct {
	Backend   string `yaml:"backend"` // "memory" or "pgvector"
	URL       string `yaml:"url"`     // pgvector connection string
	TableName string `yaml:"table_name"`
	VectorDim int    `yaml:"vector_dim"`
	BatchSize int    `yaml:"batch_size"`
	DataDir   string `yaml:"data_dir"` // memory backend persistence
}

// PipelineConfig configures chunking and batch processing.
type PipelineConfig struct {
	ChunkSize      int     `yaml:"chunk_size"`
	ChunkOverlap   int     `yaml:"chunk_overlap"`
	Workers        int     `yaml:"workers"`
	EmbedBatchSize int     `yaml:"embed_batch_size"`
	EmbedRateLimit float64 `yaml:"embed_rate_limit"` // calls per second
}

// TrackerConfig locates the processed-files manifest.
type TrackerConfig struct {
	ManifestPath string `yaml:"manifest_path"`
}

// StorageConfig covers the upload directory and its retention policy.
type StorageConfig struct {
	UploadDir     string `yaml:"upload_dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// UIConfig configures the interactive chat loop.
type UIConfig struct {
	Streaming bool `yaml:"streaming"`
}

// Config is the root configuration, loaded once at startup and passed
// into each component at construction.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Index    IndexConfig    `yaml:"index"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	UI       UIConfig       `yaml:"ui"`
}

// LoadConfig reads the YAML config at path, or searches default
// locations when path is empty. Environment variables override file
// values; defaults fill anything still unset.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/docqa/config.yaml"),
			"/etc/docqa/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = "ollama"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.EmbeddingModel == "" {
		config.LLM.EmbeddingModel = "nomic-embed-text:latest"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Index.Backend == "" {
		config.Index.Backend = "memory"
	}
	if config.Index.TableName == "" {
		config.Index.TableName = "chunks"
	}
	if config.Index.VectorDim == 0 {
		config.Index.VectorDim = 768
	}
	if config.Index.BatchSize == 0 {
		config.Index.BatchSize = 100
	}
	if config.Index.DataDir == "" {
		config.Index.DataDir = "./data/index"
	}

	if config.Pipeline.ChunkSize == 0 {
		config.Pipeline.ChunkSize = 1000
	}
	if config.Pipeline.ChunkOverlap == 0 {
		config.Pipeline.ChunkOverlap = 200
	}
	if config.Pipeline.Workers == 0 {
		config.Pipeline.Workers = 4
	}
	if config.Pipeline.EmbedBatchSize == 0 {
		config.Pipeline.EmbedBatchSize = 16
	}
	if config.Pipeline.EmbedRateLimit == 0 {
		config.Pipeline.EmbedRateLimit = 10
	}

	if config.Tracker.ManifestPath == "" {
		config.Tracker.ManifestPath = "./data/processed_files.json"
	}

	if config.Storage.UploadDir == "" {
		config.Storage.UploadDir = "./data/uploads"
	}
	if config.Storage.RetentionDays == 0 {
		config.Storage.RetentionDays = 30
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.LLM.APIKey = apiKey
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Index.URL = dbURL
	}
	if dir := os.Getenv("DOCQA_UPLOAD_DIR"); dir != "" {
		config.Storage.UploadDir = dir
	}
}
