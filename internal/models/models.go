package models

import "time"

// RawUnit is one logical sub-document produced by a loader, for example
// one CSV record or the text of a whole markdown file. Units are
// ephemeral: they exist between loading and chunking.
type RawUnit struct {
	SourceID  string // absolute path of the source file
	UnitIndex int
	Text      string
}

// Chunk is a bounded slice of a RawUnit's text. Start and End are byte
// offsets into the parent unit, so adjacent chunks from the same unit
// overlap by at most the configured overlap.
type Chunk struct {
	ID        string
	SourceID  string
	UnitIndex int
	Seq       int
	Text      string
	Start     int
	End       int
}

// IndexEntry pairs a chunk with its embedding vector.
type IndexEntry struct {
	Vector []float32
	Chunk  Chunk
}

// ScoredChunk is a search hit with its similarity score.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// QueryResult is the outcome of one question against the knowledge
// base. NoEvidence is set when the index held nothing to retrieve;
// in that case Answer states so explicitly and the generative model
// was never called.
type QueryResult struct {
	Answer     string
	Sources    []ScoredChunk
	NoEvidence bool
	Latency    time.Duration
}

// Fingerprint identifies a version of a file cheaply, without hashing
// its content.
type Fingerprint struct {
	Size    int64 `json:"size"`
	ModTime int64 `json:"mod_time"` // unix nanoseconds
}

// FileState classifies a file against its stored fingerprint.
type FileState int

const (
	StateNew FileState = iota
	StateChanged
	StateUnchanged
)

func (s FileState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChanged:
		return "changed"
	case StateUnchanged:
		return "unchanged"
	}
	return "unknown"
}

// ProcessingRecord is the tracker's durable memory of one file. It is
// written only after a file's full pipeline run completes, never
// partially.
type ProcessingRecord struct {
	Path        string      `json:"path"`
	Fingerprint Fingerprint `json:"fingerprint"`
	ProcessedAt time.Time   `json:"processed_at"`
	Success     bool        `json:"success"`
	Error       string      `json:"error,omitempty"`
}

// TrackerStats summarises the manifest.
type TrackerStats struct {
	TotalTracked int
	Succeeded    int
	Failed       int
}

// FileFailure records why one file in a batch failed.
type FileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// BatchReport is the structured result of one ingestion batch. Every
// submitted file is accounted for exactly once.
type BatchReport struct {
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Failed    []FileFailure `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}
