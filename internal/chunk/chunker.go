// Package chunk splits extracted document text into overlapping,
// byte-addressed chunks and rebuilds the original text from them.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// Splitter cuts text into overlapping chunks.
type Splitter struct {
	options Options
}

// NewSplitter creates a splitter with default options.
func NewSplitter() *Splitter {
	return NewSplitterWithOptions(Options{})
}

// NewSplitterWithOptions creates a splitter with custom options.
// Invalid overlap values fall back to 10% of the chunk size.
func NewSplitterWithOptions(opts Options) *Splitter {
	if opts.Size <= 0 {
		opts.Size = DefaultChunkSize
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Size {
		opts.Overlap = opts.Size / 10
	}
	return &Splitter{options: opts}
}

// Split cuts text into chunks of roughly the configured size with the
// configured overlap. Cuts never land inside a UTF-8 rune, and when a
// whitespace boundary exists in the tail quarter of the window the cut
// prefers it. Empty text yields no chunks; everything else round-trips
// byte-for-byte through Reconstruct.
func (s *Splitter) Split(text string) []Chunk {
	if len(text) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := s.cutPoint(text, start)

		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Content: text[start:end],
			Start:   start,
			End:     end,
		})

		if end == len(text) {
			break
		}

		next := end - s.options.Overlap
		// Overlap may land inside a rune; advance to the next rune start.
		for next < len(text) && !utf8.RuneStart(text[next]) {
			next++
		}
		if next <= start {
			next = end // degenerate overlap, fall back to contiguous
		}
		start = next
	}

	return chunks
}

// cutPoint returns the exclusive end offset for a chunk starting at start.
func (s *Splitter) cutPoint(text string, start int) int {
	end := start + s.options.Size
	if end >= len(text) {
		return len(text)
	}

	// Never split a rune.
	for end > start && !utf8.RuneStart(text[end]) {
		end--
	}

	// Prefer a whitespace boundary in the tail quarter of the window.
	minBreak := start + s.options.Size*3/4
	if ws := strings.LastIndexAny(text[start:end], " \t\n"); ws >= 0 {
		candidate := start + ws + 1
		if candidate > minBreak && candidate > start {
			end = candidate
		}
	}

	if end <= start {
		// A single rune longer than the chunk size; take it whole.
		_, size := utf8.DecodeRuneInString(text[start:])
		end = start + size
	}
	return end
}

// Reconstruct rebuilds the original text from chunks ordered by index.
// For each chunk: when chunk.Start >= lastEnd the whole content is
// appended, otherwise the first lastEnd-Start bytes are dropped as
// overlap already emitted. The result is byte-identical to the text the
// chunks were split from.
func Reconstruct(chunks []Chunk) string {
	var b strings.Builder
	lastEnd := 0
	for _, c := range chunks {
		if c.Start >= lastEnd {
			b.WriteString(c.Content)
		} else if cut := lastEnd - c.Start; cut < len(c.Content) {
			b.WriteString(c.Content[cut:])
		}
		lastEnd = c.End
	}
	return b.String()
}
