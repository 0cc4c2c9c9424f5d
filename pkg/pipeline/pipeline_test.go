package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelab/docqa/internal/models"
	"github.com/kestrelab/docqa/pkg/loader"
	"github.com/kestrelab/docqa/pkg/pipeline"
	"github.com/kestrelab/docqa/pkg/processor"
	"github.com/kestrelab/docqa/pkg/store"
	"github.com/kestrelab/docqa/pkg/tracker"
)

const testDim = 4

// stubEmbedder returns a deterministic non-zero vector per text, so
// the pipeline can run without a model server.
type stubEmbedder struct {
	mu       sync.Mutex
	calls    int
	failNext int
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failNext > 0 {
		s.failNext--
		return nil, models.ErrEmbeddingProvider
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = textVector(text)
	}
	return out, nil
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (s *stubEmbedder) Dim() int { return testDim }

func textVector(text string) []float32 {
	vec := make([]float32, testDim)
	vec[0] = 1
	for i, b := range []byte(text) {
		vec[1+i%3] += float32(b)
	}
	return vec
}

type harness struct {
	pipeline *pipeline.Pipeline
	index    *store.MemoryIndex
	tracker  *tracker.Tracker
	embedder *stubEmbedder
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	trk, err := tracker.New(filepath.Join(t.TempDir(), "manifest.json"))
	require.NoError(t, err)

	idx, err := store.NewMemoryIndex(store.MemoryConfig{VectorDim: testDim})
	require.NoError(t, err)

	splitter, err := processor.NewSplitter(processor.SplitterConfig{})
	require.NoError(t, err)

	emb := &stubEmbedder{}
	pipe, err := pipeline.New(loader.Default(), splitter, emb, idx, trk, pipeline.Config{
		Workers:        2,
		EmbedBatchSize: 8,
	})
	require.NoError(t, err)

	return &harness{pipeline: pipe, index: idx, tracker: trk, embedder: emb, dir: dir}
}

func (h *harness) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	n, err := h.index.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestProcessBatchIngestsNewFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// 2500 bytes with no separators hard-cuts into four chunks at the
	// default size and overlap.
	paths := []string{
		h.writeFile(t, "a.txt", strings.Repeat("a", 2500)),
		h.writeFile(t, "b.txt", strings.Repeat("b", 2500)),
		h.writeFile(t, "c.txt", strings.Repeat("c", 2500)),
	}

	report, err := h.pipeline.ProcessBatch(ctx, paths)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Zero(t, report.Skipped)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 12, h.count(t))
}

func TestProcessBatchIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	paths := []string{
		h.writeFile(t, "a.txt", strings.Repeat("a", 2500)),
		h.writeFile(t, "b.txt", "short file"),
	}

	_, err := h.pipeline.ProcessBatch(ctx, paths)
	require.NoError(t, err)
	before := h.count(t)

	report, err := h.pipeline.ProcessBatch(ctx, paths)
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.Equal(t, 2, report.Skipped)
	assert.Empty(t, report.Failed)
	assert.Equal(t, before, h.count(t))
}

func TestChangedFileReplacesItsChunks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	path := h.writeFile(t, "a.txt", strings.Repeat("x", 2500))
	_, err := h.pipeline.ProcessBatch(ctx, []string{path})
	require.NoError(t, err)
	assert.Equal(t, 4, h.count(t))

	// Same length, different content and mtime.
	require.NoError(t, os.WriteFile(path, []byte("replacement content"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	report, err := h.pipeline.ProcessBatch(ctx, []string{path})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	// The four stale chunks are gone; only the new one remains.
	assert.Equal(t, 1, h.count(t))
	results, err := h.index.Search(ctx, textVector("replacement content"), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "replacement content", results[0].Chunk.Text)
}

func TestOneBadFileDoesNotAbortTheBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	good := h.writeFile(t, "good.txt", "fine content")
	bad := h.writeFile(t, "bad.json", "{not valid json")

	report, err := h.pipeline.ProcessBatch(ctx, []string{good, bad})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, bad, report.Failed[0].Path)
	assert.Contains(t, report.Failed[0].Error, "corrupt")
	assert.Equal(t, 1, h.count(t))
}

func TestFailedFileIsRetriedNextBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	path := h.writeFile(t, "a.txt", "some content")

	h.embedder.failNext = 1
	report, err := h.pipeline.ProcessBatch(ctx, []string{path})
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Zero(t, h.count(t))

	// Provider recovered; the file must be eligible again without
	// being touched.
	report, err = h.pipeline.ProcessBatch(ctx, []string{path})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1, h.count(t))
}

func TestConcurrentSubmissionsDoNotDoubleIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	path := h.writeFile(t, "a.txt", "concurrently ingested")
	paths := []string{path, path, path, path}

	report, err := h.pipeline.ProcessBatch(ctx, paths)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Processed+report.Skipped)
	assert.Equal(t, 1, h.count(t))
}

func TestSyncDiscoversSupportedFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.writeFile(t, "a.txt", "alpha")
	h.writeFile(t, "b.md", "beta")
	h.writeFile(t, "ignored.xyz", "not supported")
	sub := filepath.Join(h.dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "c.html"), []byte("<html><body><p>gamma</p></body></html>"), 0o644))

	report, err := h.pipeline.Sync(ctx, h.dir)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Empty(t, report.Failed)
}

func TestStatusSplitsPendingAndProcessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done := h.writeFile(t, "done.txt", "already in")
	todo := h.writeFile(t, "todo.txt", "not yet")

	_, err := h.pipeline.ProcessBatch(ctx, []string{done})
	require.NoError(t, err)

	pending, processed, err := h.pipeline.Status(h.dir)
	require.NoError(t, err)
	assert.Equal(t, []string{todo}, pending)
	assert.Equal(t, []string{done}, processed)
}

func TestProcessBatchStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	paths := []string{h.writeFile(t, "a.txt", "content")}
	report, err := h.pipeline.ProcessBatch(ctx, paths)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Processed)
}
