package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kestrelab/docqa/internal/models"
)

// JSONLoader normalises a JSON document into indented text as a
// single unit.
type JSONLoader struct{}

func (l *JSONLoader) Load(path string) ([]models.RawUnit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrCorruptFile, path, err)
	}

	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrCorruptFile, path, err)
	}

	return []models.RawUnit{{
		SourceID:  path,
		UnitIndex: 0,
		Text:      string(pretty),
	}}, nil
}
