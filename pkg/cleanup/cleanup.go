// Package cleanup retires old uploads: files past the retention
// window are removed from disk together with their index entries and
// tracker records, so the knowledge base never answers from documents
// that no longer exist.
package cleanup

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelab/docqa/internal/types"
)

type Config struct {
	Dir           string
	RetentionDays int
}

type Sweeper struct {
	dir       string
	retention time.Duration
	index     types.VectorIndex
	tracker   types.Tracker
}

// Report summarises one sweep.
type Report struct {
	Removed []string `json:"removed"`
	Errors  []string `json:"errors,omitempty"`
}

// AgeStats buckets the files in the upload directory by age.
type AgeStats struct {
	Total     int `json:"total"`
	UnderDay  int `json:"under_day"`
	UnderWeek int `json:"under_week"`
	Older     int `json:"older"`
}

func NewSweeper(cfg Config, index types.VectorIndex, tracker types.Tracker) (*Sweeper, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cleanup: directory is required")
	}
	if cfg.RetentionDays <= 0 {
		return nil, fmt.Errorf("cleanup: retention must be at least one day, got %d", cfg.RetentionDays)
	}
	return &Sweeper{
		dir:       cfg.Dir,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		index:     index,
		tracker:   tracker,
	}, nil
}

// Sweep removes every file in the directory whose modification time
// is older than the retention window. A file that cannot be removed
// is reported and left for the next sweep; the rest of the sweep
// continues.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	cutoff := time.Now().Add(-s.retention)
	report := Report{}

	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := s.remove(ctx, path); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		report.Removed = append(report.Removed, path)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("sweep %s: %w", s.dir, err)
	}
	return report, nil
}

// DeleteFile removes one file immediately, regardless of age.
func (s *Sweeper) DeleteFile(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return err
	}
	return s.remove(ctx, abs)
}

// Stats reports the age distribution of the directory's files.
func (s *Sweeper) Stats() (AgeStats, error) {
	now := time.Now()
	stats := AgeStats{}

	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.Total++
		age := now.Sub(info.ModTime())
		switch {
		case age < 24*time.Hour:
			stats.UnderDay++
		case age < 7*24*time.Hour:
			stats.UnderWeek++
		default:
			stats.Older++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("scan %s: %w", s.dir, err)
	}
	return stats, nil
}

// remove deletes the file, then its index entries and tracker record.
// Disk goes first: if the index purge fails, the next sweep retries
// nothing (the file is gone) but the orphaned entries are at least
// logged.
func (s *Sweeper) remove(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return err
	}
	if err := s.index.DeleteBySource(ctx, abs); err != nil {
		log.Printf("cleanup: purge index entries for %s: %v", abs, err)
	}
	if err := s.tracker.Forget(abs); err != nil {
		log.Printf("cleanup: forget %s: %v", abs, err)
	}
	return nil
}
