// Package store persists one folder's index: document and chunk rows in
// SQLite (modernc driver, no CGO) plus two HNSW vector graphs for chunk and
// document embeddings. Everything lives under the folder's own
// .folder-mcp/ directory so removing a folder removes its index with it.
package store

import (
	"time"

	"github.com/folder-mcp/folderd/internal/semantic"
)

// DirName is the per-folder metadata directory created inside each
// indexed folder. Scanner and watcher exclude it by this name.
const DirName = ".folder-mcp"

// File names inside DirName.
const (
	DatabaseFile     = "documents.db"
	ChunkVectorsFile = "chunks.hnsw"
	DocVectorsFile   = "documents.hnsw"
)

// State keys for the folder_state table.
const (
	// StateKeyModel stores the embedding model id the index was built with.
	StateKeyModel = "embedding_model"
	// StateKeyDimensions stores the embedding dimension as a decimal string.
	StateKeyDimensions = "embedding_dimensions"
	// StateKeyLastIndexed stores the RFC 3339 timestamp of the last completed
	// indexing pass.
	StateKeyLastIndexed = "last_indexed_at"
)

// Document is one indexed file's row. Path is the slash-separated path
// relative to the folder root and is the identity within one store.
type Document struct {
	Path        string
	Size        int64
	Mime        string
	ModTime     time.Time
	Hash        string // hex sha256 of file content
	Title       string
	Metadata    []byte // extraction metadata blob (JSON: outline etc.)
	Keywords    []semantic.Phrase
	Readability float64
	IndexedAt   time.Time

	// ChunkCount is populated by queries that join against chunks.
	// It is not a column.
	ChunkCount int
}

// Chunk is one persisted chunk row. Chunks of a document form a gapless
// index range [0..N-1] and are immutable once written; re-indexing a
// document replaces all of them.
type Chunk struct {
	ID          string // stable within the document
	DocPath     string
	Index       int
	Content     string
	Start       int // byte offset into extracted text
	End         int // exclusive, Start < End
	Phrases     []semantic.Phrase
	Readability float64
	HasCode     bool
}

// DocumentRecord bundles everything persisted for one document in a single
// transaction: the row, its chunks, one embedding per chunk (positional),
// and the derived document embedding.
type DocumentRecord struct {
	Doc       *Document
	Chunks    []*Chunk
	Vectors   [][]float32 // chunk embeddings, same order as Chunks
	DocVector []float32   // empty only when the document has no chunks
	Model     string      // embedding model id for all vectors above
}

// FileState is the minimal per-document state the indexing pipeline diffs
// against a fresh filesystem scan.
type FileState struct {
	Path    string
	Size    int64
	ModTime time.Time
	Hash    string
}

// VectorResult is a single nearest-neighbor hit.
type VectorResult struct {
	ID       string  // chunk id or document path
	Distance float32 // cosine distance, 0 (identical) to 2 (opposite)
	Score    float32 // 1 - Distance/2, normalized to 0-1
}

// VectorIndexConfig configures an HNSW vector index.
type VectorIndexConfig struct {
	// Dimensions is the vector dimension; fixed per embedding model.
	Dimensions int

	// Metric is the distance metric: "cos" (cosine) or "l2" (euclidean).
	Metric string

	// M is HNSW max connections per layer.
	M int

	// EfSearch is HNSW query-time search width.
	EfSearch int
}

// DefaultVectorIndexConfig returns sensible defaults for a vector index.
func DefaultVectorIndexConfig(dimensions int) VectorIndexConfig {
	return VectorIndexConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          32,
		EfSearch:   64,
	}
}
