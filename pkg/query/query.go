// Package query answers questions against the indexed corpus:
// retrieve the nearest chunks, then generate grounded on them.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelab/docqa/internal/models"
	"github.com/kestrelab/docqa/internal/types"
)

const (
	// DefaultTopK is how many chunks are retrieved per question.
	DefaultTopK = 4

	// DefaultRetryBackoff is the pause before the single generation
	// retry.
	DefaultRetryBackoff = 2 * time.Second

	// DefaultMaxContextBytes caps the total evidence text placed in
	// the prompt. The first retrieved chunk is always included.
	DefaultMaxContextBytes = 8000
)

// NoEvidenceAnswer is returned verbatim when the index is empty, so
// callers and tests can rely on it.
const NoEvidenceAnswer = "I don't have any documents to answer from yet. Ingest some files and ask again."

type Config struct {
	TopK            int
	RetryBackoff    time.Duration
	MaxContextBytes int
}

type Engine struct {
	embedder types.Embedder
	index    types.VectorIndex
	answerer types.Answerer

	topK       int
	backoff    time.Duration
	maxContext int
}

func New(embedder types.Embedder, index types.VectorIndex, answerer types.Answerer, cfg Config) (*Engine, error) {
	if embedder == nil || index == nil || answerer == nil {
		return nil, models.NewConfigError("query", "embedder, index and answerer must all be provided")
	}
	if cfg.TopK < 0 {
		return nil, models.NewConfigError("query.top_k", "must not be negative, got %d", cfg.TopK)
	}
	if cfg.TopK == 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxContextBytes <= 0 {
		cfg.MaxContextBytes = DefaultMaxContextBytes
	}
	return &Engine{
		embedder:   embedder,
		index:      index,
		answerer:   answerer,
		topK:       cfg.TopK,
		backoff:    cfg.RetryBackoff,
		maxContext: cfg.MaxContextBytes,
	}, nil
}

// Answer retrieves the k most similar chunks and generates an answer
// from them. k <= 0 uses the configured default. An empty index short
// circuits to a no-evidence result without calling the model.
func (e *Engine) Answer(ctx context.Context, question string, k int) (models.QueryResult, error) {
	return e.answer(ctx, question, k, nil)
}

// AnswerStream is Answer with incremental delivery: onToken receives
// answer fragments as the model produces them. Answerers that cannot
// stream deliver the whole answer as one token.
func (e *Engine) AnswerStream(ctx context.Context, question string, k int, onToken func(token string)) (models.QueryResult, error) {
	return e.answer(ctx, question, k, onToken)
}

func (e *Engine) answer(ctx context.Context, question string, k int, onToken func(token string)) (models.QueryResult, error) {
	start := time.Now()
	if k <= 0 {
		k = e.topK
	}

	n, err := e.index.Count(ctx)
	if err != nil {
		return models.QueryResult{}, err
	}
	if n == 0 {
		return models.QueryResult{
			Answer:     NoEvidenceAnswer,
			NoEvidence: true,
			Latency:    time.Since(start),
		}, nil
	}

	vector, err := e.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return models.QueryResult{}, fmt.Errorf("embed question: %w", err)
	}

	hits, err := e.index.Search(ctx, vector, k)
	if err != nil {
		return models.QueryResult{}, fmt.Errorf("search: %w", err)
	}
	if len(hits) == 0 {
		return models.QueryResult{
			Answer:     NoEvidenceAnswer,
			NoEvidence: true,
			Latency:    time.Since(start),
		}, nil
	}

	// Trim the hit list to the context budget; only chunks that made
	// it into the prompt are cited.
	hits = e.bound(hits)
	evidence := make([]models.Chunk, len(hits))
	for i, h := range hits {
		evidence[i] = h.Chunk
	}

	answer, err := e.generate(ctx, question, evidence, onToken)
	if err != nil {
		return models.QueryResult{}, err
	}

	return models.QueryResult{
		Answer:  answer,
		Sources: hits,
		Latency: time.Since(start),
	}, nil
}

// generate calls the model, retrying once after a backoff for
// transient failures. Context cancellation and auth failures are not
// retried, and neither is a streaming call that already emitted
// output.
func (e *Engine) generate(ctx context.Context, question string, evidence []models.Chunk, onToken func(token string)) (string, error) {
	var emitted bool
	answer, err := e.invoke(ctx, question, evidence, onToken, &emitted)
	if err == nil {
		return answer, nil
	}
	if !retryable(err) || emitted {
		return "", err
	}

	select {
	case <-time.After(e.backoff):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	answer, retryErr := e.invoke(ctx, question, evidence, onToken, &emitted)
	if retryErr != nil {
		return "", fmt.Errorf("generation failed after retry: %w", retryErr)
	}
	return answer, nil
}

func (e *Engine) invoke(ctx context.Context, question string, evidence []models.Chunk,
	onToken func(token string), emitted *bool) (string, error) {

	if onToken != nil {
		if sa, ok := e.answerer.(types.StreamingAnswerer); ok {
			return sa.GenerateStream(ctx, question, evidence, func(token string) {
				*emitted = true
				onToken(token)
			})
		}
	}

	answer, err := e.answerer.Generate(ctx, question, evidence)
	if err != nil {
		return "", err
	}
	if onToken != nil {
		*emitted = true
		onToken(answer)
	}
	return answer, nil
}

// bound cuts the ranked hits off once their combined text exceeds the
// context budget. The top hit is always kept.
func (e *Engine) bound(hits []models.ScoredChunk) []models.ScoredChunk {
	total := 0
	for i, h := range hits {
		total += len(h.Chunk.Text)
		if total > e.maxContext && i > 0 {
			return hits[:i]
		}
	}
	return hits
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, models.ErrAuthFailed) {
		return false
	}
	return true
}
