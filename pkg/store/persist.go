package store

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelab/docqa/internal/models"
)

const (
	manifestFile = "index_manifest.json"
	chunksFile   = "chunks.jsonl"
	vectorsFile  = "vectors.f32"
)

// indexManifest describes the persisted index and how to interpret
// the vector file.
type indexManifest struct {
	Version    int    `json:"version"`
	CreatedAt  string `json:"created_at"`
	Dim        int    `json:"dim"`
	Count      int    `json:"count"`
	ChunksFile string `json:"chunks_file"`
	VectorFile string `json:"vector_file"`
}

// Persist writes the index to its data directory: a manifest, one
// JSON line per chunk, and the vectors as packed little-endian
// float32. Files are written to temp names and renamed into place so
// a crash never leaves a half-written index.
func (m *MemoryIndex) Persist(_ context.Context) error {
	if m.dataDir == "" {
		return nil
	}

	m.mu.RLock()
	entries := make([]models.IndexEntry, len(m.entries))
	copy(entries, m.entries)
	m.mu.RUnlock()

	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return fmt.Errorf("%w: create index dir: %v", models.ErrIndexStorage, err)
	}

	if err := writeChunks(filepath.Join(m.dataDir, chunksFile), entries); err != nil {
		return err
	}
	if err := writeVectors(filepath.Join(m.dataDir, vectorsFile), entries, m.dim); err != nil {
		return err
	}

	manifest := indexManifest{
		Version:    1,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Dim:        m.dim,
		Count:      len(entries),
		ChunksFile: chunksFile,
		VectorFile: vectorsFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(m.dataDir, manifestFile), data)
}

// Load restores the index from its data directory. A missing
// directory or manifest means a fresh index and is not an error; a
// manifest whose dimensionality disagrees with the configuration is.
func (m *MemoryIndex) Load(_ context.Context) error {
	if m.dataDir == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(m.dataDir, manifestFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read manifest: %v", models.ErrIndexStorage, err)
	}

	var manifest indexManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("%w: parse manifest: %v", models.ErrIndexStorage, err)
	}
	if manifest.Dim != m.dim {
		return models.NewConfigError("index.vector_dim",
			"persisted index has dimensionality %d, configured is %d; refusing to mix embedding spaces",
			manifest.Dim, m.dim)
	}
	if manifest.ChunksFile == "" {
		manifest.ChunksFile = chunksFile
	}
	if manifest.VectorFile == "" {
		manifest.VectorFile = vectorsFile
	}

	chunks, err := readChunks(filepath.Join(m.dataDir, manifest.ChunksFile))
	if err != nil {
		return err
	}
	if len(chunks) != manifest.Count {
		return fmt.Errorf("%w: manifest count %d does not match %d stored chunks",
			models.ErrIndexStorage, manifest.Count, len(chunks))
	}

	vectors, err := readVectors(filepath.Join(m.dataDir, manifest.VectorFile), len(chunks), m.dim)
	if err != nil {
		return err
	}

	entries := make([]models.IndexEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = models.IndexEntry{
			Chunk:  c,
			Vector: vectors[i*m.dim : (i+1)*m.dim],
		}
	}

	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
	return nil
}

func writeChunks(path string, entries []models.IndexEntry) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: create chunks file: %v", models.ErrIndexStorage, err)
	}

	bw := bufio.NewWriter(f)
	for _, e := range entries {
		line, err := json.Marshal(e.Chunk)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := bw.Write(line); err != nil {
			f.Close()
			return fmt.Errorf("%w: write chunks: %v", models.ErrIndexStorage, err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			f.Close()
			return fmt.Errorf("%w: write chunks: %v", models.ErrIndexStorage, err)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("%w: flush chunks: %v", models.ErrIndexStorage, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close chunks: %v", models.ErrIndexStorage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: replace chunks: %v", models.ErrIndexStorage, err)
	}
	return nil
}

func readChunks(path string) ([]models.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open chunks file: %v", models.ErrIndexStorage, err)
	}
	defer f.Close()

	var out []models.Chunk
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c models.Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, fmt.Errorf("%w: invalid chunk line: %v", models.ErrIndexStorage, err)
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read chunks: %v", models.ErrIndexStorage, err)
	}
	return out, nil
}

func writeVectors(path string, entries []models.IndexEntry, dim int) error {
	flat := make([]float32, 0, len(entries)*dim)
	for _, e := range entries {
		flat = append(flat, e.Vector...)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: create vectors file: %v", models.ErrIndexStorage, err)
	}
	if err := binary.Write(f, binary.LittleEndian, flat); err != nil {
		f.Close()
		return fmt.Errorf("%w: write vectors: %v", models.ErrIndexStorage, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close vectors: %v", models.ErrIndexStorage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: replace vectors: %v", models.ErrIndexStorage, err)
	}
	return nil
}

func readVectors(path string, count, dim int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open vectors file: %v", models.ErrIndexStorage, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat vectors file: %v", models.ErrIndexStorage, err)
	}
	expected := int64(count*dim) * 4
	if st.Size() != expected {
		return nil, fmt.Errorf("%w: vectors file is %d bytes, want %d (count=%d dim=%d)",
			models.ErrIndexStorage, st.Size(), expected, count, dim)
	}

	out := make([]float32, count*dim)
	if err := binary.Read(f, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("%w: read vectors: %v", models.ErrIndexStorage, err)
	}
	return out, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", models.ErrIndexStorage, filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: replace %s: %v", models.ErrIndexStorage, filepath.Base(path), err)
	}
	return nil
}
