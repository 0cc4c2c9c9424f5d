// Package pipeline drives ingestion: tracked files are loaded, split,
// embedded and indexed, with per-file failure isolation so one bad
// document never aborts a batch.
package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kestrelab/docqa/internal/models"
	"github.com/kestrelab/docqa/internal/types"
	"github.com/kestrelab/docqa/pkg/loader"
)

const (
	DefaultWorkers        = 4
	DefaultEmbedBatchSize = 16
)

type Config struct {
	Workers        int
	EmbedBatchSize int

	// OnFile, when set, is called once per submitted file after its
	// outcome is known. Calls may arrive from worker goroutines.
	OnFile func(path string, skipped bool, err error)
}

type Pipeline struct {
	registry *loader.Registry
	splitter types.Splitter
	embedder types.Embedder
	index    types.VectorIndex
	tracker  types.Tracker

	workers    int
	embedBatch int
	onFile     func(path string, skipped bool, err error)

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

func New(registry *loader.Registry, splitter types.Splitter, embedder types.Embedder,
	index types.VectorIndex, tracker types.Tracker, cfg Config) (*Pipeline, error) {

	if registry == nil || splitter == nil || embedder == nil || index == nil || tracker == nil {
		return nil, models.NewConfigError("pipeline", "all pipeline components must be provided")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = DefaultEmbedBatchSize
	}

	return &Pipeline{
		registry:   registry,
		splitter:   splitter,
		embedder:   embedder,
		index:      index,
		tracker:    tracker,
		workers:    cfg.Workers,
		embedBatch: cfg.EmbedBatchSize,
		onFile:     cfg.OnFile,
		inflight:   make(map[string]*sync.Mutex),
	}, nil
}

// ProcessBatch runs the full pipeline over the given files with a
// bounded number of workers. Every submitted path lands in exactly one
// of the report's buckets. A non-nil error is returned only when the
// context is cancelled; individual file failures are reported, not
// propagated.
func (p *Pipeline) ProcessBatch(ctx context.Context, paths []string) (models.BatchReport, error) {
	return p.processBatch(ctx, paths, p.onFile)
}

func (p *Pipeline) processBatch(ctx context.Context, paths []string, onFile func(path string, skipped bool, err error)) (models.BatchReport, error) {
	start := time.Now()
	report := models.BatchReport{}

	type outcome struct {
		path    string
		skipped bool
		err     error
	}

	sem := make(chan struct{}, p.workers)
	results := make(chan outcome, len(paths))
	var wg sync.WaitGroup

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			results <- outcome{path: path, err: err}
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(path string) {
			defer wg.Done()
			defer func() { <-sem }()
			skipped, err := p.processOne(ctx, path)
			if onFile != nil {
				onFile(path, skipped, err)
			}
			results <- outcome{path: path, skipped: skipped, err: err}
		}(path)
	}

	wg.Wait()
	close(results)

	for r := range results {
		switch {
		case r.err != nil:
			report.Failed = append(report.Failed, models.FileFailure{
				Path:  r.path,
				Error: r.err.Error(),
			})
		case r.skipped:
			report.Skipped++
		default:
			report.Processed++
		}
	}

	sort.Slice(report.Failed, func(i, j int) bool {
		return report.Failed[i].Path < report.Failed[j].Path
	})

	report.Elapsed = time.Since(start)
	return report, ctx.Err()
}

// processOne takes a file through load, split, embed and index, then
// records the outcome in the tracker. The per-file lock makes
// concurrent submissions of the same path serialise instead of
// double-indexing.
func (p *Pipeline) processOne(ctx context.Context, path string) (skipped bool, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", path, err)
	}

	lock := p.fileLock(abs)
	lock.Lock()
	defer lock.Unlock()

	state, err := p.tracker.ShouldProcess(abs)
	if err != nil {
		return false, err
	}
	if state == models.StateUnchanged {
		return true, nil
	}

	if err := p.ingest(ctx, abs, state); err != nil {
		if markErr := p.tracker.MarkProcessed(abs, err); markErr != nil {
			log.Printf("pipeline: record failure for %s: %v", abs, markErr)
		}
		return false, err
	}

	if err := p.tracker.MarkProcessed(abs, nil); err != nil {
		return false, fmt.Errorf("record success for %s: %w", abs, err)
	}
	return false, nil
}

func (p *Pipeline) ingest(ctx context.Context, path string, state models.FileState) error {
	units, err := p.registry.Load(path)
	if err != nil {
		return err
	}

	var chunks []models.Chunk
	for _, unit := range units {
		cs, err := p.splitter.Split(unit)
		if err != nil {
			return err
		}
		chunks = append(chunks, cs...)
	}

	entries, err := p.embed(ctx, chunks)
	if err != nil {
		return err
	}

	// Changed files swap their entries atomically so a search never
	// sees the old and new chunks mixed, or neither.
	if state == models.StateChanged {
		return p.index.Replace(ctx, path, entries)
	}
	if len(entries) == 0 {
		return nil
	}
	return p.index.Add(ctx, entries)
}

func (p *Pipeline) embed(ctx context.Context, chunks []models.Chunk) ([]models.IndexEntry, error) {
	entries := make([]models.IndexEntry, 0, len(chunks))
	for i := 0; i < len(chunks); i += p.embedBatch {
		end := i + p.embedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]

		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Text
		}

		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}

		for j, c := range batch {
			entries = append(entries, models.IndexEntry{Chunk: c, Vector: vectors[j]})
		}
	}
	return entries, nil
}

// Sync discovers every supported file under dir and processes the
// batch.
func (p *Pipeline) Sync(ctx context.Context, dir string) (models.BatchReport, error) {
	return p.SyncWithProgress(ctx, dir, p.onFile)
}

// SyncWithProgress is Sync with a per-call progress callback, for
// callers that report to one client rather than globally.
func (p *Pipeline) SyncWithProgress(ctx context.Context, dir string,
	onFile func(path string, skipped bool, err error)) (models.BatchReport, error) {

	paths, err := p.Discover(dir)
	if err != nil {
		return models.BatchReport{}, err
	}
	return p.processBatch(ctx, paths, onFile)
}

// Discover walks dir and returns the supported files in sorted order.
func (p *Pipeline) Discover(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if p.registry.Supports(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Status reports, for every supported file under dir, whether it is
// pending processing or already up to date.
func (p *Pipeline) Status(dir string) (pending, processed []string, err error) {
	paths, err := p.Discover(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, nil, err
		}
		state, err := p.tracker.ShouldProcess(abs)
		if err != nil {
			return nil, nil, err
		}
		if state == models.StateUnchanged {
			processed = append(processed, abs)
		} else {
			pending = append(pending, abs)
		}
	}
	return pending, processed, nil
}

func (p *Pipeline) fileLock(path string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.inflight[path]
	if !ok {
		lock = &sync.Mutex{}
		p.inflight[path] = lock
	}
	return lock
}
