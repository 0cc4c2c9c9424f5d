package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelab/docqa/internal/models"
	"github.com/kestrelab/docqa/pkg/store"
)

func newTestIndex(t *testing.T, dim int) *store.MemoryIndex {
	t.Helper()
	idx, err := store.NewMemoryIndex(store.MemoryConfig{VectorDim: dim})
	require.NoError(t, err)
	return idx
}

func entry(id, sourceID string, seq int, vec []float32) models.IndexEntry {
	return models.IndexEntry{
		Chunk: models.Chunk{
			ID:       id,
			SourceID: sourceID,
			Seq:      seq,
			Text:     fmt.Sprintf("chunk %s", id),
		},
		Vector: vec,
	}
}

func TestMemoryIndexRejectsBadConfig(t *testing.T) {
	_, err := store.NewMemoryIndex(store.MemoryConfig{VectorDim: 0})
	assert.True(t, models.IsConfigError(err))
}

func TestSearchRanksByCosineSimilarity(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3)

	err := idx.Add(ctx, []models.IndexEntry{
		entry("a", "doc1", 0, []float32{0, 1, 0}),
		entry("b", "doc2", 0, []float32{1, 0, 0}),
		entry("c", "doc3", 0, []float32{0.9, 0.1, 0}),
	})
	require.NoError(t, err)

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// An identical vector must rank first with the maximum score.
	assert.Equal(t, "b", results[0].Chunk.ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, "c", results[1].Chunk.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchBreaksTiesByInsertionOrder(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2)

	// Parallel vectors of different magnitudes have equal cosine
	// similarity; insertion order must decide.
	err := idx.Add(ctx, []models.IndexEntry{
		entry("first", "doc1", 0, []float32{2, 0}),
		entry("second", "doc2", 0, []float32{4, 0}),
		entry("third", "doc3", 0, []float32{1, 0}),
	})
	require.NoError(t, err)

	results, err := idx.Search(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "first", results[0].Chunk.ID)
	assert.Equal(t, "second", results[1].Chunk.ID)
	assert.Equal(t, "third", results[2].Chunk.ID)
}

func TestSearchHonorsK(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2)

	err := idx.Add(ctx, []models.IndexEntry{
		entry("a", "doc1", 0, []float32{1, 0}),
		entry("b", "doc1", 1, []float32{0, 1}),
	})
	require.NoError(t, err)

	results, err := idx.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = idx.Search(ctx, []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAddRejectsWrongDimensionality(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3)

	err := idx.Add(ctx, []models.IndexEntry{
		entry("ok", "doc1", 0, []float32{1, 0, 0}),
		entry("bad", "doc1", 1, []float32{1, 0}),
	})
	assert.True(t, models.IsConfigError(err))

	// The failed batch must not partially apply.
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSearchRejectsWrongQueryDimensionality(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 3)

	_, err := idx.Search(ctx, []float32{1, 0}, 4)
	assert.True(t, models.IsConfigError(err))
}

func TestDeleteBySource(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2)

	err := idx.Add(ctx, []models.IndexEntry{
		entry("a", "doc1", 0, []float32{1, 0}),
		entry("b", "doc1", 1, []float32{0, 1}),
		entry("c", "doc2", 0, []float32{1, 1}),
	})
	require.NoError(t, err)

	require.NoError(t, idx.DeleteBySource(ctx, "doc1"))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := idx.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c", results[0].Chunk.ID)

	// Deleting an unknown source is not an error.
	assert.NoError(t, idx.DeleteBySource(ctx, "missing"))
}

func TestReplaceSwapsSourceEntries(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2)

	err := idx.Add(ctx, []models.IndexEntry{
		entry("old-a", "doc1", 0, []float32{1, 0}),
		entry("old-b", "doc1", 1, []float32{0, 1}),
		entry("keep", "doc2", 0, []float32{1, 1}),
	})
	require.NoError(t, err)

	err = idx.Replace(ctx, "doc1", []models.IndexEntry{
		entry("new-a", "doc1", 0, []float32{0.5, 0.5}),
	})
	require.NoError(t, err)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := idx.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Chunk.ID
	}
	assert.ElementsMatch(t, []string{"new-a", "keep"}, ids)
}

func TestReplaceRejectsBadDimensionsWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, 2)

	err := idx.Add(ctx, []models.IndexEntry{
		entry("a", "doc1", 0, []float32{1, 0}),
	})
	require.NoError(t, err)

	err = idx.Replace(ctx, "doc1", []models.IndexEntry{
		entry("bad", "doc1", 0, []float32{1, 0, 0}),
	})
	assert.True(t, models.IsConfigError(err))

	// The old entries must survive a rejected replacement.
	results, err := idx.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Chunk.ID)
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := store.NewMemoryIndex(store.MemoryConfig{VectorDim: 3, DataDir: dir})
	require.NoError(t, err)

	original := []models.IndexEntry{
		entry("a", "doc1", 0, []float32{1, 0, 0}),
		entry("b", "doc1", 1, []float32{0, 1, 0}),
		entry("c", "doc2", 0, []float32{0, 0, 1}),
	}
	require.NoError(t, idx.Add(ctx, original))
	require.NoError(t, idx.Persist(ctx))

	restored, err := store.NewMemoryIndex(store.MemoryConfig{VectorDim: 3, DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, restored.Load(ctx))

	n, err := restored.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := restored.Search(ctx, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].Chunk.ID)
	assert.Equal(t, "chunk b", results[0].Chunk.Text)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestLoadFromEmptyDirectory(t *testing.T) {
	ctx := context.Background()

	idx, err := store.NewMemoryIndex(store.MemoryConfig{VectorDim: 3, DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, idx.Load(ctx))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadRejectsDimensionalityMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := store.NewMemoryIndex(store.MemoryConfig{VectorDim: 2, DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, []models.IndexEntry{entry("a", "doc1", 0, []float32{1, 0})}))
	require.NoError(t, idx.Persist(ctx))

	other, err := store.NewMemoryIndex(store.MemoryConfig{VectorDim: 3, DataDir: dir})
	require.NoError(t, err)
	assert.True(t, models.IsConfigError(other.Load(ctx)))
}
