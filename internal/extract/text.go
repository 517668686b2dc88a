package extract

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/folder-mcp/folderd/internal/errors"
)

// Text extracts plain text files verbatim.
type Text struct {
	extensions []string
}

// NewText creates the plain-text extractor.
func NewText() *Text {
	return &Text{extensions: []string{".txt", ".text", ".log"}}
}

// Extensions returns the handled extensions.
func (t *Text) Extensions() []string {
	return t.extensions
}

// Extract returns the file content unchanged. Binary content and invalid
// UTF-8 are rejected rather than silently mangled.
func (t *Text) Extract(path string, data []byte) (*Result, error) {
	text, err := decodeText(path, data)
	if err != nil {
		return nil, err
	}
	return &Result{
		Text: text,
		Metadata: Metadata{
			Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Mime:  MimeFor(path),
		},
	}, nil
}

// Code passes source files through verbatim, like Text but for a wider
// extension set. Kept separate so code formats can grow structure
// extraction (symbols, imports) without touching plain text handling.
type Code struct {
	extensions []string
}

// NewCode creates the source-code extractor.
func NewCode() *Code {
	return &Code{extensions: []string{
		".go", ".py", ".js", ".ts", ".jsx", ".tsx", ".java", ".rb",
		".c", ".h", ".cpp", ".hpp", ".rs", ".sh", ".sql",
		".json", ".yaml", ".yml", ".toml", ".xml", ".html", ".htm",
		".css", ".csv",
	}}
}

// Extensions returns the handled extensions.
func (c *Code) Extensions() []string {
	return c.extensions
}

// Extract returns the file content unchanged.
func (c *Code) Extract(path string, data []byte) (*Result, error) {
	text, err := decodeText(path, data)
	if err != nil {
		return nil, err
	}
	return &Result{
		Text: text,
		Metadata: Metadata{
			Title: filepath.Base(path),
			Mime:  MimeFor(path),
		},
	}, nil
}

// decodeText validates that data is indexable text.
func decodeText(path string, data []byte) (string, error) {
	if looksBinary(data) {
		return "", errors.New(errors.ErrCodeExtractFailed, "file content is binary", nil).
			WithDetail("path", path)
	}
	if !utf8.Valid(data) {
		return "", errors.New(errors.ErrCodeExtractFailed, "file content is not valid UTF-8", nil).
			WithDetail("path", path)
	}
	return string(data), nil
}

// looksBinary checks for null bytes in the first 512 bytes.
func looksBinary(data []byte) bool {
	probe := data
	if len(probe) > 512 {
		probe = probe[:512]
	}
	return bytes.Contains(probe, []byte{0})
}
