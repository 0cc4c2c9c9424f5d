// Package loader turns source files into raw text units. Loaders are
// registered per file extension; unknown extensions are rejected with
// a typed error so the pipeline can report them without aborting.
package loader

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kestrelab/docqa/internal/models"
	"github.com/kestrelab/docqa/internal/types"
)

// Registry dispatches to a loader by file extension.
type Registry struct {
	loaders map[string]types.Loader
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]types.Loader)}
}

// Default returns a registry with all built-in loaders registered.
func Default() *Registry {
	r := NewRegistry()
	text := &TextLoader{}
	r.Register(".txt", text)
	r.Register(".md", text)
	r.Register(".csv", &CSVLoader{})
	r.Register(".json", &JSONLoader{})
	html := &HTMLLoader{}
	r.Register(".html", html)
	r.Register(".htm", html)
	return r
}

// Register binds ext (with leading dot, case-insensitive) to l.
func (r *Registry) Register(ext string, l types.Loader) {
	r.loaders[strings.ToLower(ext)] = l
}

// Load reads the file at path with the loader registered for its
// extension.
func (r *Registry) Load(path string) ([]models.RawUnit, error) {
	ext := strings.ToLower(filepath.Ext(path))
	l, ok := r.loaders[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, ext)
	}
	return l.Load(path)
}

// Supports reports whether the registry can load path.
func (r *Registry) Supports(path string) bool {
	_, ok := r.loaders[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Extensions lists the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	out := make([]string, 0, len(r.loaders))
	for ext := range r.loaders {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
