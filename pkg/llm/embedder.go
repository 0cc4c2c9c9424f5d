// Package llm wraps the embedding and generation providers behind the
// fixed capability interfaces the pipeline depends on. The provider is
// chosen once at construction; nothing downstream branches on it.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/kestrelab/docqa/internal/models"
)

// embeddingClient is the slice of the provider clients the embedder
// needs. Both ollama.LLM and openai.LLM satisfy it.
type embeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedderConfig configures an Embedder.
type EmbedderConfig struct {
	Provider  string // "ollama" or "openai"
	Model     string
	BaseURL   string
	APIKey    string
	Dim       int     // declared vector dimensionality
	RateLimit float64 // provider calls per second
	Retries   int     // bounded retries on provider errors
}

// Embedder maps texts to fixed-length vectors through one provider
// configuration. Bulk and query embedding share the same client, so
// documents and questions always live in the same embedding space.
type Embedder struct {
	config  EmbedderConfig
	client  embeddingClient
	limiter *rate.Limiter
}

// NewEmbedder validates the configuration and connects the provider
// client.
func NewEmbedder(config EmbedderConfig) (*Embedder, error) {
	if config.Dim <= 0 {
		return nil, models.NewConfigError("index.vector_dim", "dimensionality must be positive, got %d", config.Dim)
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 10
	}
	if config.Retries <= 0 {
		config.Retries = 3
	}

	var client embeddingClient
	switch config.Provider {
	case "ollama":
		c, err := ollama.New(
			ollama.WithModel(config.Model),
			ollama.WithServerURL(config.BaseURL),
		)
		if err != nil {
			return nil, fmt.Errorf("initialize ollama embedder: %w", err)
		}
		client = c
	case "openai":
		c, err := openai.New(
			openai.WithToken(config.APIKey),
			openai.WithBaseURL(config.BaseURL),
			openai.WithEmbeddingModel(config.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("initialize openai embedder: %w", err)
		}
		client = c
	default:
		return nil, models.NewConfigError("llm.provider", "unknown embedding provider %q", config.Provider)
	}

	return newEmbedderWithClient(config, client), nil
}

func newEmbedderWithClient(config EmbedderConfig, client embeddingClient) *Embedder {
	return &Embedder{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}
}

// Dim returns the declared vector dimensionality.
func (e *Embedder) Dim() int {
	return e.config.Dim
}

// Embed maps texts to vectors in one provider call, retrying with
// doubling backoff on provider errors. Vectors whose length differs
// from the declared dimensionality are a configuration error.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	backoff := 500 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= e.config.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vectors, err := e.client.CreateEmbedding(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("%w: got %d vectors for %d texts",
				models.ErrEmbeddingProvider, len(vectors), len(texts))
		}
		for i, v := range vectors {
			if len(v) != e.config.Dim {
				return nil, models.NewConfigError("index.vector_dim",
					"provider returned a %d-length vector for text %d, configured dimensionality is %d",
					len(v), i, e.config.Dim)
			}
		}
		return vectors, nil
	}

	return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingProvider, lastErr)
}

// EmbedQuery embeds a single query string with the identical model
// configuration used for documents.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, errors.New("embedder returned no vector for query")
	}
	return vectors[0], nil
}
