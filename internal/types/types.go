package types

import (
	"context"

	"github.com/kestrelab/docqa/internal/models"
)

// Loader turns one source file into raw text units with positional
// metadata. Implementations are registered per file extension.
type Loader interface {
	Load(path string) ([]models.RawUnit, error)
}

// Splitter cuts a raw unit into ordered, overlapping chunks.
type Splitter interface {
	Split(unit models.RawUnit) ([]models.Chunk, error)
}

// Embedder maps texts to fixed-length vectors. Embed and EmbedQuery
// must use the identical model configuration; Dim is the declared
// dimensionality every returned vector has.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Answerer generates an answer to a question conditioned on the given
// evidence chunks.
type Answerer interface {
	Generate(ctx context.Context, question string, evidence []models.Chunk) (string, error)
}

// StreamingAnswerer is implemented by answerers that can deliver the
// answer incrementally. onToken receives each fragment in order; the
// complete answer is still returned at the end.
type StreamingAnswerer interface {
	GenerateStream(ctx context.Context, question string, evidence []models.Chunk, onToken func(token string)) (string, error)
}

// VectorIndex stores (vector, chunk) entries and serves k-nearest
// similarity search. Add and Replace reject vectors whose length does
// not match the index dimensionality. Replace applies delete-then-add
// for one source as a single atomic unit relative to Search.
type VectorIndex interface {
	Add(ctx context.Context, entries []models.IndexEntry) error
	Search(ctx context.Context, vector []float32, k int) ([]models.ScoredChunk, error)
	DeleteBySource(ctx context.Context, sourceID string) error
	Replace(ctx context.Context, sourceID string, entries []models.IndexEntry) error
	Count(ctx context.Context) (int, error)
	Persist(ctx context.Context) error
	Load(ctx context.Context) error
	Close()
}

// Tracker decides whether a file needs processing and records
// outcomes durably.
type Tracker interface {
	ShouldProcess(path string) (models.FileState, error)
	MarkProcessed(path string, outcome error) error
	Forget(path string) error
	Stats() models.TrackerStats
}
