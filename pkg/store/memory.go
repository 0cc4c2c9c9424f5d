// Package store provides the vector index backends: an in-process
// brute-force index persisted to disk, and a pgvector-backed index.
// Both satisfy types.VectorIndex with the same ranking, atomicity and
// dimensionality-guard semantics.
package store

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/kestrelab/docqa/internal/models"
)

// MemoryConfig configures the in-process index.
type MemoryConfig struct {
	VectorDim int
	DataDir   string // where Persist/Load keep the index; empty disables persistence
}

// MemoryIndex is a brute-force cosine-similarity index. Exact k-NN is
// fine at the scale this system targets (tens of thousands of chunks).
//
// A single RWMutex guards the entry slice: searches share the read
// lock, while Add, DeleteBySource and Replace take the write lock, so
// a reader never observes a half-applied mutation and Replace is
// atomic relative to Search.
type MemoryIndex struct {
	dim     int
	dataDir string

	mu      sync.RWMutex
	entries []models.IndexEntry
}

// NewMemoryIndex validates the dimensionality and returns an empty
// index.
func NewMemoryIndex(config MemoryConfig) (*MemoryIndex, error) {
	if config.VectorDim <= 0 {
		return nil, models.NewConfigError("index.vector_dim", "dimensionality must be positive, got %d", config.VectorDim)
	}
	return &MemoryIndex{
		dim:     config.VectorDim,
		dataDir: config.DataDir,
	}, nil
}

// Add appends entries. Dimensionality is checked for the whole batch
// before anything is appended, so a bad vector leaves the index
// unchanged.
func (m *MemoryIndex) Add(_ context.Context, entries []models.IndexEntry) error {
	if err := m.checkDims(entries); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

// Search returns up to k entries ranked by descending cosine
// similarity. Ties keep insertion order.
func (m *MemoryIndex) Search(_ context.Context, vector []float32, k int) ([]models.ScoredChunk, error) {
	if len(vector) != m.dim {
		return nil, models.NewConfigError("index.vector_dim",
			"query vector length %d does not match index dimensionality %d", len(vector), m.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	scored := make([]models.ScoredChunk, len(m.entries))
	for i, e := range m.entries {
		scored[i] = models.ScoredChunk{Chunk: e.Chunk, Score: cosine(e.Vector, vector)}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k], nil
}

// DeleteBySource removes every entry belonging to sourceID.
func (m *MemoryIndex) DeleteBySource(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(sourceID)
	return nil
}

// Replace atomically swaps all entries for sourceID with the given
// set. A concurrent Search sees either the old generation or the new
// one, never the gap between delete and add.
func (m *MemoryIndex) Replace(_ context.Context, sourceID string, entries []models.IndexEntry) error {
	if err := m.checkDims(entries); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(sourceID)
	m.entries = append(m.entries, entries...)
	return nil
}

// Count returns the number of stored entries.
func (m *MemoryIndex) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Close is a no-op for the in-process index.
func (m *MemoryIndex) Close() {}

func (m *MemoryIndex) checkDims(entries []models.IndexEntry) error {
	for _, e := range entries {
		if len(e.Vector) != m.dim {
			return models.NewConfigError("index.vector_dim",
				"vector length %d for chunk %s does not match index dimensionality %d",
				len(e.Vector), e.Chunk.ID, m.dim)
		}
	}
	return nil
}

// deleteLocked removes sourceID's entries. Caller holds the write
// lock.
func (m *MemoryIndex) deleteLocked(sourceID string) {
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Chunk.SourceID != sourceID {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = models.IndexEntry{}
	}
	m.entries = kept
}

// cosine computes cosine similarity in float64 for stable ranking.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	den := math.Sqrt(na) * math.Sqrt(nb)
	if den == 0 {
		return 0
	}
	return dot / den
}
