package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes the pipeline and query engine
// distinguish. Callers match with errors.Is; wrapping adds detail.
var (
	// Loader failures, recorded per file, never fatal to a batch.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrCorruptFile       = errors.New("corrupt file")

	// Embedding provider failures after retries are exhausted.
	ErrEmbeddingProvider = errors.New("embedding provider failure")

	// Index storage I/O failures. Fatal to the current file only;
	// previously committed entries are unaffected.
	ErrIndexStorage = errors.New("index storage failure")

	// Answerer failures surfaced at query time.
	ErrAnswerer    = errors.New("answer generation failed")
	ErrRateLimited = errors.New("rate limited")
	ErrAuthFailed  = errors.New("authentication failed")
	ErrTimeout     = errors.New("request timed out")
)

// ConfigError reports an invalid configuration value. It is fatal at
// startup and never recovered silently.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigError builds a ConfigError for the given field.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
