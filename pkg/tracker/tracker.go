// Package tracker persists per-file fingerprints so the pipeline can
// tell new, changed and already-processed files apart without hashing
// content.
package tracker

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/kestrelab/docqa/internal/models"
)

// Tracker keeps the manifest of processing records. All methods are
// safe for concurrent use; manifest writes are serialised and applied
// atomically via a temp file and rename, so a crash mid-write leaves
// the previous manifest intact and the file eligible for reprocessing.
type Tracker struct {
	path string
	flk  *flock.Flock

	mu      sync.Mutex
	records map[string]models.ProcessingRecord
}

// New loads the manifest at path, creating the parent directory if
// needed. A corrupted or unreadable manifest is treated as empty: the
// tracker fails open to reprocessing rather than silently skipping
// files.
func New(path string) (*Tracker, error) {
	if path == "" {
		return nil, models.NewConfigError("tracker.manifest_path", "manifest path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}

	t := &Tracker{
		path:    path,
		flk:     flock.New(path + ".lock"),
		records: make(map[string]models.ProcessingRecord),
	}

	if err := t.load(); err != nil {
		log.Printf("tracker: manifest %s unreadable, starting empty: %v", path, err)
	}
	return t, nil
}

func (t *Tracker) load() error {
	if err := t.flk.Lock(); err != nil {
		return fmt.Errorf("lock manifest: %w", err)
	}
	defer t.flk.Unlock()

	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var records []models.ProcessingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	for _, r := range records {
		t.records[r.Path] = r
	}
	return nil
}

// ShouldProcess classifies path against its stored fingerprint.
// Unknown files are New. Files whose size or mtime differ, and files
// whose last run failed, are Changed so they get retried. Everything
// else is Unchanged.
func (t *Tracker) ShouldProcess(path string) (models.FileState, error) {
	fp, err := fingerprint(path)
	if err != nil {
		return models.StateNew, fmt.Errorf("stat %s: %w", path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[path]
	if !ok {
		return models.StateNew, nil
	}
	if !rec.Success {
		return models.StateChanged, nil
	}
	if rec.Fingerprint != fp {
		return models.StateChanged, nil
	}
	return models.StateUnchanged, nil
}

// MarkProcessed records the outcome of a completed pipeline run for
// path with its current fingerprint. outcome nil means success; any
// error is stored as the failure summary.
func (t *Tracker) MarkProcessed(path string, outcome error) error {
	fp, err := fingerprint(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	rec := models.ProcessingRecord{
		Path:        path,
		Fingerprint: fp,
		ProcessedAt: time.Now().UTC(),
		Success:     outcome == nil,
	}
	if outcome != nil {
		rec.Error = outcome.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[path] = rec
	return t.save()
}

// Forget drops the record for path, if any. Used by the retention
// sweep when a source file is deleted.
func (t *Tracker) Forget(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[path]; !ok {
		return nil
	}
	delete(t.records, path)
	return t.save()
}

// Stats summarises the manifest.
func (t *Tracker) Stats() models.TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := models.TrackerStats{TotalTracked: len(t.records)}
	for _, r := range t.records {
		if r.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
	}
	return stats
}

// Records returns a snapshot of all processing records, for status
// reporting and the retention sweep.
func (t *Tracker) Records() []models.ProcessingRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.ProcessingRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	return out
}

// save writes the manifest. Caller holds t.mu.
func (t *Tracker) save() error {
	records := make([]models.ProcessingRecord, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if err := t.flk.Lock(); err != nil {
		return fmt.Errorf("lock manifest: %w", err)
	}
	defer t.flk.Unlock()

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

func fingerprint(path string) (models.Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.Fingerprint{}, err
	}
	return models.Fingerprint{
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
	}, nil
}
