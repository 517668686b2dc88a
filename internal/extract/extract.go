// Package extract turns document files into plain text plus lightweight
// structure (title, outline, mime type) for chunking and retrieval.
//
// Extractors are registered per file extension. A few office formats are
// recognized without a shipped extractor; files of those types surface a
// per-document notification instead of failing the folder.
package extract

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/folder-mcp/folderd/internal/errors"
)

// Metadata describes an extracted document.
type Metadata struct {
	// Title is a human-readable document title (first heading or filename).
	Title string `json:"title"`
	// Mime is the document's mime type, derived from the extension.
	Mime string `json:"mime"`
}

// OutlineItem is one entry of a document outline.
type OutlineItem struct {
	Level  int    `json:"level"`  // 1 = top level
	Title  string `json:"title"`  // Heading text
	Offset int    `json:"offset"` // Byte offset into the extracted text
}

// Result is the output of an extraction.
type Result struct {
	Text     string
	Metadata Metadata
	Outline  []OutlineItem
}

// Extractor converts raw file bytes into a Result.
type Extractor interface {
	// Extract produces text and structure from file content.
	// path is used for titles and format hints only, never opened.
	Extract(path string, data []byte) (*Result, error)

	// Extensions returns the file extensions this extractor handles,
	// lowercased with leading dot.
	Extensions() []string
}

// Registry maps file extensions to extractors. Extensions registered as
// slots are recognized document types waiting for an external extractor.
type Registry struct {
	extractors map[string]Extractor
	slots      map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		extractors: make(map[string]Extractor),
		slots:      make(map[string]struct{}),
	}
}

// DefaultRegistry returns a registry with the shipped extractors and
// slots for the office formats served by external collaborators.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewText())
	r.Register(NewMarkdown())
	r.Register(NewCode())
	r.RegisterSlot(".pdf", ".docx", ".xlsx", ".pptx")
	return r
}

// Register adds an extractor for all of its extensions.
// Later registrations win, which lets callers override the defaults.
func (r *Registry) Register(e Extractor) {
	for _, ext := range e.Extensions() {
		r.extractors[strings.ToLower(ext)] = e
		delete(r.slots, strings.ToLower(ext))
	}
}

// RegisterSlot marks extensions as supported document types that do not
// yet have an extractor. Scans include them; extraction reports
// ERR_402_UNSUPPORTED_FORMAT so the pipeline can attach a notification.
func (r *Registry) RegisterSlot(exts ...string) {
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if _, ok := r.extractors[ext]; !ok {
			r.slots[ext] = struct{}{}
		}
	}
}

// For returns the extractor responsible for path.
func (r *Registry) For(path string) (Extractor, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if e, ok := r.extractors[ext]; ok {
		return e, nil
	}
	if _, ok := r.slots[ext]; ok {
		return nil, errors.New(errors.ErrCodeUnsupportedFormat,
			"no extractor available for this format yet", nil).
			WithDetail("extension", ext).
			WithSuggestion("convert the file to a supported text format")
	}
	return nil, errors.New(errors.ErrCodeUnsupportedFormat, "unsupported file type", nil).
		WithDetail("extension", ext)
}

// Supported reports whether path has a supported extension, including
// slot formats that currently lack an extractor.
func (r *Registry) Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := r.extractors[ext]; ok {
		return true
	}
	_, ok := r.slots[ext]
	return ok
}

// Extensions returns every supported extension, sorted.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.extractors)+len(r.slots))
	for ext := range r.extractors {
		exts = append(exts, ext)
	}
	for ext := range r.slots {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// extToMime maps known extensions to mime types. Anything absent is
// reported as text/plain.
var extToMime = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".mdx":      "text/markdown",
	".html":     "text/html",
	".htm":      "text/html",
	".json":     "application/json",
	".xml":      "application/xml",
	".csv":      "text/csv",
	".pdf":      "application/pdf",
	".docx":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx":     "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx":     "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// MimeFor returns the mime type for a path based on its extension.
func MimeFor(path string) string {
	if m, ok := extToMime[strings.ToLower(filepath.Ext(path))]; ok {
		return m
	}
	return "text/plain"
}

// WarningsForMime returns caveats about information lost when the given
// mime type is flattened to plain text. Used by text retrieval responses.
func WarningsForMime(mime string) []string {
	switch {
	case mime == "application/pdf":
		return []string{"tables and images are not preserved in extracted PDF text"}
	case strings.Contains(mime, "spreadsheetml") || mime == "application/vnd.ms-excel":
		return []string{"spreadsheet formulas are flattened to their computed values"}
	case strings.Contains(mime, "presentationml") || mime == "application/vnd.ms-powerpoint":
		return []string{"slide layout, speaker notes ordering, and visuals are not preserved"}
	default:
		return nil
	}
}
