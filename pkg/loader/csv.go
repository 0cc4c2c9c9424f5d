package loader

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/kestrelab/docqa/internal/models"
)

// CSVLoader emits one unit per record, rendered as "header: value"
// lines so column meaning survives chunking.
type CSVLoader struct{}

func (l *CSVLoader) Load(path string) ([]models.RawUnit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrCorruptFile, path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	var units []models.RawUnit
	for i, row := range rows[1:] {
		var b strings.Builder
		for j, field := range row {
			name := fmt.Sprintf("column_%d", j)
			if j < len(header) {
				name = header[j]
			}
			fmt.Fprintf(&b, "%s: %s\n", name, field)
		}
		units = append(units, models.RawUnit{
			SourceID:  path,
			UnitIndex: i,
			Text:      sanitizeUTF8(strings.TrimSpace(b.String())),
		})
	}
	return units, nil
}
