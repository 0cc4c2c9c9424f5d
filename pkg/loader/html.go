package loader

import (
	"fmt"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kestrelab/docqa/internal/models"
)

// HTMLLoader extracts the main textual content of an HTML file as a
// single unit, preferring semantic content containers over the full
// body.
type HTMLLoader struct{}

var contentSelectors = []string{
	"main",
	"article",
	".content",
	"#content",
	".documentation",
	"#documentation",
}

func (l *HTMLLoader) Load(path string) ([]models.RawUnit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrCorruptFile, path, err)
	}

	var content string
	for _, selector := range contentSelectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}
	if content == "" {
		content = doc.Find("body").Text()
	}

	content = cleanContent(content)
	if content == "" {
		return nil, nil
	}

	text := content
	if title := strings.TrimSpace(doc.Find("title").Text()); title != "" {
		text = title + "\n\n" + content
	}

	return []models.RawUnit{{
		SourceID:  path,
		UnitIndex: 0,
		Text:      sanitizeUTF8(text),
	}}, nil
}

func cleanContent(content string) string {
	// Collapse runs of whitespace left by markup removal.
	return strings.TrimSpace(strings.Join(strings.Fields(content), " "))
}
