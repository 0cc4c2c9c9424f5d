// Package processor splits raw text units into overlapping chunks.
//
// Every chunk is an exact sub-span of its unit's text: adjacent chunks
// overlap by at most the configured overlap, and concatenating chunks
// in order with the shared prefixes removed reproduces the unit text
// byte for byte.
package processor

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kestrelab/docqa/internal/models"
)

// DefaultChunkSize is the target chunk length in bytes.
const DefaultChunkSize = 1000

// DefaultChunkOverlap is the target overlap between adjacent chunks.
const DefaultChunkOverlap = 200

// DefaultSeparators is the split priority order: paragraph break,
// line break, sentence end, word boundary.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " "}

// SplitterConfig configures a Splitter.
type SplitterConfig struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// Splitter cuts units into chunks of at most ChunkSize bytes,
// preferring to end a chunk at the highest-priority separator found
// inside the window and hard-cutting only when no separator fits.
type Splitter struct {
	chunkSize  int
	overlap    int
	separators []string
}

// NewSplitter validates the configuration and returns a Splitter.
// Zero values take the defaults; an overlap that is not strictly less
// than the chunk size is a configuration error, not a silent clamp.
func NewSplitter(cfg SplitterConfig) (*Splitter, error) {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize < 0 {
		return nil, models.NewConfigError("pipeline.chunk_size", "must be positive, got %d", cfg.ChunkSize)
	}
	if len(cfg.Separators) == 0 {
		cfg.Separators = DefaultSeparators
	}
	if cfg.ChunkOverlap < 0 {
		return nil, models.NewConfigError("pipeline.chunk_overlap", "must not be negative, got %d", cfg.ChunkOverlap)
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, models.NewConfigError("pipeline.chunk_overlap",
			"overlap %d must be strictly less than chunk size %d", cfg.ChunkOverlap, cfg.ChunkSize)
	}

	return &Splitter{
		chunkSize:  cfg.ChunkSize,
		overlap:    cfg.ChunkOverlap,
		separators: cfg.Separators,
	}, nil
}

// Split cuts one unit into ordered chunks. A unit shorter than the
// chunk size yields exactly one chunk with no overlap; an empty unit
// yields none.
func (s *Splitter) Split(unit models.RawUnit) ([]models.Chunk, error) {
	text := unit.Text
	n := len(text)
	if n == 0 {
		return nil, nil
	}

	// A unit the window already covers is one chunk, never two: the
	// stride walk below would emit a redundant tail for units longer
	// than the stride.
	if n <= s.chunkSize {
		return []models.Chunk{{
			ID:        uuid.New().String(),
			SourceID:  unit.SourceID,
			UnitIndex: unit.UnitIndex,
			Seq:       0,
			Text:      text,
			Start:     0,
			End:       n,
		}}, nil
	}

	var chunks []models.Chunk
	stride := s.chunkSize - s.overlap
	prevEnd := 0

	for start := 0; start < n; {
		end := start + s.chunkSize
		hardWindow := true
		if end >= n {
			end = n
		} else {
			if cut, ok := s.cutPoint(text, start, end, prevEnd); ok {
				end = cut
				hardWindow = false
			} else {
				end = runeFloor(text, end)
			}
		}

		chunks = append(chunks, models.Chunk{
			ID:        uuid.New().String(),
			SourceID:  unit.SourceID,
			UnitIndex: unit.UnitIndex,
			Seq:       len(chunks),
			Text:      text[start:end],
			Start:     start,
			End:       end,
		})
		prevEnd = end

		// The next chunk begins overlap bytes before the end of this
		// one. Full and tail windows advance by the fixed stride so the
		// walk always terminates; a short separator piece falls back to
		// its own end rather than re-covering earlier text.
		var next int
		if hardWindow {
			next = start + stride
			if next > end {
				next = end
			}
		} else {
			next = runeCeil(text, end-s.overlap)
			if next <= start {
				next = end
			}
		}
		start = next
	}

	return chunks, nil
}

// cutPoint finds the best end for the window [start, limit): the last
// occurrence of the highest-priority separator that both leaves a
// non-empty piece and advances past minCut, the previous chunk's end.
// The separator stays with the piece before it.
func (s *Splitter) cutPoint(text string, start, limit, minCut int) (int, bool) {
	window := text[start:limit]
	for _, sep := range s.separators {
		idx := strings.LastIndex(window, sep)
		if idx <= 0 {
			continue
		}
		cut := start + idx + len(sep)
		if cut <= minCut {
			continue
		}
		return cut, true
	}
	return 0, false
}

// runeFloor moves pos left to the nearest rune boundary.
func runeFloor(text string, pos int) int {
	for pos > 0 && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}

// runeCeil moves pos right to the nearest rune boundary.
func runeCeil(text string, pos int) int {
	if pos < 0 {
		return 0
	}
	for pos < len(text) && !utf8.RuneStart(text[pos]) {
		pos++
	}
	return pos
}
