package chunk

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// Chunk size defaults. Sizes are in bytes of UTF-8 text.
const (
	DefaultChunkSize = 1000 // Target chunk size
	DefaultOverlap   = 100  // ~10% carried over between adjacent chunks
)

// Chunk is one retrievable slice of a document's extracted text.
// Start and End are byte offsets into the extracted text; a chunk may
// overlap the previous one, and Reconstruct relies on the offsets to
// rebuild the exact original bytes.
type Chunk struct {
	Index   int    // 0-based, gapless within a document
	Content string // Text slice [Start:End]
	Start   int    // Byte offset, inclusive
	End     int    // Byte offset, exclusive; Start < End
}

// ID returns the stable chunk identifier for a document path and chunk
// index: the first 12 hex chars of SHA-1(docPath), a dash, and the index.
// Stable across re-indexing as long as the path and position survive.
func ID(docPath string, index int) string {
	sum := sha1.Sum([]byte(docPath))
	return fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:])[:12], index)
}

// Options configures the splitter.
type Options struct {
	Size    int // Target chunk size in bytes (default: DefaultChunkSize)
	Overlap int // Overlap in bytes (default: DefaultOverlap, must be < Size)
}
