package config

import (
	"fmt"
	"net/url"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the whole configuration and returns every problem
// found. An empty slice means the configuration is usable.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	switch c.LLM.Provider {
	case "ollama", "openai":
	default:
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("unknown provider %q (want ollama or openai)", c.LLM.Provider),
		})
	}

	if c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "base URL is required",
		})
	} else if _, err := url.Parse(c.LLM.BaseURL); err != nil {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "invalid base URL",
		})
	}

	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.api_key",
			Message: "API key required for the openai provider",
		})
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 4096 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 4096",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	switch c.Index.Backend {
	case "memory":
		if c.Index.DataDir == "" {
			errors = append(errors, ValidationError{
				Field:   "index.data_dir",
				Message: "data_dir required for the memory backend",
			})
		}
	case "pgvector":
		if c.Index.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "index.url",
				Message: "connection string required for the pgvector backend",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "index.backend",
			Message: fmt.Sprintf("unknown backend %q (want memory or pgvector)", c.Index.Backend),
		})
	}

	if c.Index.VectorDim < 1 {
		errors = append(errors, ValidationError{
			Field:   "index.vector_dim",
			Message: "vector_dim must be positive",
		})
	}

	if c.Index.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "index.batch_size",
			Message: "batch_size must be positive",
		})
	}

	if c.Pipeline.ChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	if c.Pipeline.ChunkOverlap < 0 || c.Pipeline.ChunkOverlap >= c.Pipeline.ChunkSize {
		errors = append(errors, ValidationError{
			Field:   "pipeline.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		})
	}

	if c.Pipeline.Workers < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.workers",
			Message: "workers must be positive",
		})
	}

	if c.Pipeline.EmbedBatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.embed_batch_size",
			Message: "embed_batch_size must be positive",
		})
	}

	if c.Pipeline.EmbedRateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.embed_rate_limit",
			Message: "embed_rate_limit must be positive",
		})
	}

	if c.Tracker.ManifestPath == "" {
		errors = append(errors, ValidationError{
			Field:   "tracker.manifest_path",
			Message: "manifest_path is required",
		})
	}

	if c.Storage.RetentionDays < 0 {
		errors = append(errors, ValidationError{
			Field:   "storage.retention_days",
			Message: "retention_days must not be negative",
		})
	}

	return errors
}
