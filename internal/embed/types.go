// Package embed loads embedding models and generates vectors for indexing
// and search. Models come from a curated catalog; gpu-kind models run in an
// external helper process spoken to over JSON-RPC, cpu-kind models prefer an
// in-process accelerated runtime bound at runtime via purego.
package embed

import (
	"context"
	"math"
	"time"
)

// Common embedding constants
const (
	// MinBatchSize is the minimum allowed batch size
	MinBatchSize = 1

	// MaxBatchSize is the maximum allowed batch size (prevents memory exhaustion)
	MaxBatchSize = 256

	// DefaultBatchSize is the default batch size for embedding requests
	DefaultBatchSize = 32

	// DefaultRequestTimeout bounds a single generate_embeddings round trip.
	// Large batches on a cold GPU can take well over a minute.
	DefaultRequestTimeout = 120 * time.Second

	// DefaultStartupTimeout is how long to wait for a helper process to
	// report healthy. First start may include a model download.
	DefaultStartupTimeout = 60 * time.Second

	// ReadyPollInterval is the initial polling interval while waiting for a
	// helper process to become healthy
	ReadyPollInterval = 100 * time.Millisecond

	// MaxReadyPollInterval caps exponential backoff
	MaxReadyPollInterval = 2 * time.Second

	// ShutdownGrace is how long Close waits for a helper process to exit
	// after the shutdown request before killing it
	ShutdownGrace = 5 * time.Second
)

// ModelKind distinguishes how a model is executed.
type ModelKind string

const (
	// KindGPU models run inside the helper process with GPU acceleration
	// when the host has one.
	KindGPU ModelKind = "gpu"

	// KindCPU models are ONNX files runnable by the in-process accelerated
	// runtime, with the helper process as fallback.
	KindCPU ModelKind = "cpu"
)

// ModelInfo describes one curated model. The descriptor fields come from the
// embedded catalog; Installed, Loaded and LastUsed are stamped by the
// registry when listing.
type ModelInfo struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Kind          ModelKind `json:"kind"`
	HuggingFaceID string    `json:"huggingfaceId"`
	Dimensions    int       `json:"dimensions"`
	ContextWindow int       `json:"contextWindow"`
	Languages     []string  `json:"languages"`

	// Download source for cpu-kind models. gpu-kind models are fetched by
	// the helper process itself.
	DownloadURL string `json:"downloadUrl,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`

	Installed bool      `json:"-"`
	Loaded    bool      `json:"-"`
	LastUsed  time.Time `json:"-"`
}

// PullProgress reports model download and load progress.
type PullProgress struct {
	Status  string
	Current int64
	Total   int64
	Percent float64
	Message string
}

// Embedder generates vector embeddings for text
type Embedder interface {
	// Embed generates embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension
	Dimensions() int

	// ModelName returns the model identifier
	ModelName() string

	// Available checks if the embedder is ready
	Available(ctx context.Context) bool

	// Close releases resources
	Close() error
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v // Return as-is if zero vector
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
