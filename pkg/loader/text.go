package loader

import (
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/kestrelab/docqa/internal/models"
)

// TextLoader reads plain-text and markdown files as a single unit.
type TextLoader struct{}

func (l *TextLoader) Load(path string) ([]models.RawUnit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	text := sanitizeUTF8(string(data))
	if text == "" {
		return nil, nil
	}

	return []models.RawUnit{{
		SourceID:  path,
		UnitIndex: 0,
		Text:      text,
	}}, nil
}

// sanitizeUTF8 drops invalid byte sequences so downstream storage
// only ever sees valid UTF-8.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	v := make([]rune, 0, len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		v = append(v, r)
	}
	return string(v)
}
