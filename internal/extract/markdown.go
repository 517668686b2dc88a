package extract

import (
	"path/filepath"
	"regexp"
	"strings"
)

// atxHeading matches ATX headings: # Title through ###### Title.
var atxHeading = regexp.MustCompile(`(?m)^(#{1,6})[ \t]+(.+?)[ \t]*#*[ \t]*$`)

// Markdown extracts markdown files: the text passes through verbatim so
// offsets stay valid, and ATX headings become the outline.
type Markdown struct{}

// NewMarkdown creates the markdown extractor.
func NewMarkdown() *Markdown {
	return &Markdown{}
}

// Extensions returns the handled extensions.
func (m *Markdown) Extensions() []string {
	return []string{".md", ".markdown", ".mdx"}
}

// Extract returns the raw markdown with a heading outline. The title is
// the first level-1 heading, falling back to the filename.
func (m *Markdown) Extract(path string, data []byte) (*Result, error) {
	text, err := decodeText(path, data)
	if err != nil {
		return nil, err
	}

	var outline []OutlineItem
	title := ""
	for _, match := range atxHeading.FindAllStringSubmatchIndex(text, -1) {
		level := match[3] - match[2]
		heading := strings.TrimSpace(text[match[4]:match[5]])
		outline = append(outline, OutlineItem{
			Level:  level,
			Title:  heading,
			Offset: match[0],
		})
		if title == "" && level == 1 {
			title = heading
		}
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &Result{
		Text:     text,
		Metadata: Metadata{Title: title, Mime: MimeFor(path)},
		Outline:  outline,
	}, nil
}
