package processor_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelab/docqa/internal/models"
	"github.com/kestrelab/docqa/pkg/processor"
)

func unit(text string) models.RawUnit {
	return models.RawUnit{SourceID: "/docs/a.txt", UnitIndex: 0, Text: text}
}

// reconstruct concatenates chunks in order, dropping each chunk's
// shared prefix with its predecessor.
func reconstruct(t *testing.T, chunks []models.Chunk) string {
	t.Helper()
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c.Text)
			continue
		}
		overlap := chunks[i-1].End - c.Start
		require.GreaterOrEqual(t, overlap, 0, "chunks must not leave gaps")
		require.LessOrEqual(t, overlap, len(c.Text))
		b.WriteString(c.Text[overlap:])
	}
	return b.String()
}

func TestRejectsOverlapNotBelowChunkSize(t *testing.T) {
	_, err := processor.NewSplitter(processor.SplitterConfig{ChunkSize: 100, ChunkOverlap: 100})
	assert.True(t, models.IsConfigError(err))

	_, err = processor.NewSplitter(processor.SplitterConfig{ChunkSize: 100, ChunkOverlap: 150})
	assert.True(t, models.IsConfigError(err))

	_, err = processor.NewSplitter(processor.SplitterConfig{ChunkSize: 100, ChunkOverlap: -1})
	assert.True(t, models.IsConfigError(err))
}

func TestShortUnitSingleChunk(t *testing.T) {
	s, err := processor.NewSplitter(processor.SplitterConfig{ChunkSize: 1000, ChunkOverlap: 200})
	require.NoError(t, err)

	chunks, err := s.Split(unit("a short note"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short note", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Seq)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len("a short note"), chunks[0].End)
}

func TestUnitBetweenStrideAndChunkSizeSingleChunk(t *testing.T) {
	s, err := processor.NewSplitter(processor.SplitterConfig{ChunkSize: 1000, ChunkOverlap: 200})
	require.NoError(t, err)

	// Longer than the 800-byte stride but still within one window;
	// must not grow a redundant tail chunk.
	text := strings.Repeat("a", 900)
	chunks, err := s.Split(unit(text))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 900, chunks[0].End)
}

func TestUnitExactlyChunkSizeSingleChunk(t *testing.T) {
	s, err := processor.NewSplitter(processor.SplitterConfig{ChunkSize: 1000, ChunkOverlap: 200})
	require.NoError(t, err)

	chunks, err := s.Split(unit(strings.Repeat("b", 1000)))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 1000, chunks[0].End)
}

func TestEmptyUnitNoChunks(t *testing.T) {
	s, err := processor.NewSplitter(processor.SplitterConfig{})
	require.NoError(t, err)

	chunks, err := s.Split(unit(""))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestHardCutPageYieldsFourChunks(t *testing.T) {
	// 2500 separator-free characters with size 1000/overlap 200 walk
	// the window at stride 800: starts 0, 800, 1600, 2400.
	s, err := processor.NewSplitter(processor.SplitterConfig{ChunkSize: 1000, ChunkOverlap: 200})
	require.NoError(t, err)

	text := strings.Repeat("x", 2500)
	chunks, err := s.Split(unit(text))
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 1000, chunks[0].End)
	assert.Equal(t, 800, chunks[1].Start)
	assert.Equal(t, 1800, chunks[1].End)
	assert.Equal(t, 1600, chunks[2].Start)
	assert.Equal(t, 2500, chunks[2].End)
	assert.Equal(t, 2400, chunks[3].Start)
	assert.Equal(t, 2500, chunks[3].End)

	assert.Equal(t, text, reconstruct(t, chunks))
}

func TestPrefersParagraphBreaks(t *testing.T) {
	s, err := processor.NewSplitter(processor.SplitterConfig{ChunkSize: 100, ChunkOverlap: 20})
	require.NoError(t, err)

	para1 := strings.Repeat("a", 60)
	para2 := strings.Repeat("b", 60)
	text := para1 + "\n\n" + para2

	chunks, err := s.Split(unit(text))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)

	// First chunk ends at the paragraph break, not at the 100-byte hard
	// limit.
	assert.Equal(t, para1+"\n\n", chunks[0].Text)
	assert.Equal(t, text, reconstruct(t, chunks))
}

func TestFallsBackThroughSeparatorPriority(t *testing.T) {
	s, err := processor.NewSplitter(processor.SplitterConfig{ChunkSize: 40, ChunkOverlap: 10})
	require.NoError(t, err)

	// No paragraph or line breaks: the sentence boundary wins over the
	// word boundary.
	text := "First sentence here. Second sentence is quite a bit longer than that."
	chunks, err := s.Split(unit(text))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, "First sentence here. ", chunks[0].Text)
	assert.Equal(t, text, reconstruct(t, chunks))
}

func TestRoundTripAndOverlapInvariants(t *testing.T) {
	const overlap = 50
	s, err := processor.NewSplitter(processor.SplitterConfig{ChunkSize: 200, ChunkOverlap: overlap})
	require.NoError(t, err)

	texts := []string{
		strings.Repeat("z", 1999),
		strings.Repeat("Some sentences repeat. Other sentences do not. ", 40),
		strings.Repeat("word ", 500),
		"line one\nline two\n\n" + strings.Repeat("paragraph body text ", 30),
		strings.Repeat("héllo wörld. ", 100), // multi-byte runes
	}

	for _, text := range texts {
		chunks, err := s.Split(unit(text))
		require.NoError(t, err)
		require.NotEmpty(t, chunks)

		for i, c := range chunks {
			assert.Equal(t, i, c.Seq)
			assert.LessOrEqual(t, len(c.Text), 200)
			assert.Equal(t, text[c.Start:c.End], c.Text, "chunks must be exact sub-spans")

			if i == 0 {
				continue
			}
			prev := chunks[i-1]
			assert.Greater(t, c.Start, prev.Start, "chunk order follows text order")

			shared := prev.End - c.Start
			assert.GreaterOrEqual(t, shared, 0)
			assert.LessOrEqual(t, shared, overlap)
			if shared > 0 {
				assert.Equal(t, prev.Text[len(prev.Text)-shared:], c.Text[:shared],
					"boundary text must be byte-identical in both chunks")
			}
		}

		assert.Equal(t, text, reconstruct(t, chunks))
	}
}

func TestChunkMetadataCarriesUnitPosition(t *testing.T) {
	s, err := processor.NewSplitter(processor.SplitterConfig{ChunkSize: 100, ChunkOverlap: 10})
	require.NoError(t, err)

	u := models.RawUnit{SourceID: "/docs/report.csv", UnitIndex: 7, Text: strings.Repeat("q", 250)}
	chunks, err := s.Split(u)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for _, c := range chunks {
		assert.Equal(t, "/docs/report.csv", c.SourceID)
		assert.Equal(t, 7, c.UnitIndex)
		assert.NotEmpty(t, c.ID)
	}
}
