package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/folder-mcp/folderd/internal/errors"
)

// MockEmbedder generates deterministic embeddings derived from a text hash.
// It exists for tests and development: same text always yields the same unit
// vector, different texts almost always differ. Delay and FailWith make
// scheduler and pipeline behavior testable.
type MockEmbedder struct {
	dims  int
	model string

	// Delay is slept (context-aware) before every embedding call.
	Delay time.Duration
	// FailWith, when set, is returned by every embedding call.
	FailWith error

	mu     sync.RWMutex
	closed bool

	embedCalls atomic.Int64
	batchCalls atomic.Int64
}

var _ Embedder = (*MockEmbedder)(nil)

// NewMockEmbedder creates a mock embedder with the given model name and
// dimension count.
func NewMockEmbedder(model string, dims int) *MockEmbedder {
	if dims <= 0 {
		dims = 4
	}
	if model == "" {
		model = "mock-model"
	}
	return &MockEmbedder{dims: dims, model: model}
}

// Embed generates a deterministic embedding for a single text.
func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.before(ctx); err != nil {
		return nil, err
	}
	e.embedCalls.Add(1)
	return e.vector(text), nil
}

// EmbedBatch generates deterministic embeddings for multiple texts.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.before(ctx); err != nil {
		return nil, err
	}
	e.batchCalls.Add(1)

	results := make([][]float32, len(texts))
	for i, text := range texts {
		results[i] = e.vector(text)
	}
	return results, nil
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the model identifier.
func (e *MockEmbedder) ModelName() string {
	return e.model
}

// Available reports readiness; false once closed.
func (e *MockEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close releases resources.
func (e *MockEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// EmbedCalls returns how many single-text calls have been made.
func (e *MockEmbedder) EmbedCalls() int64 { return e.embedCalls.Load() }

// BatchCalls returns how many batch calls have been made.
func (e *MockEmbedder) BatchCalls() int64 { return e.batchCalls.Load() }

func (e *MockEmbedder) before(ctx context.Context) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return errors.New(errors.ErrCodeModelUnavailable, "embedder is closed", nil)
	}
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.Delay):
		}
	}
	return e.FailWith
}

// vector derives a unit vector from the text. Empty input yields the zero
// vector, matching the real embedders.
func (e *MockEmbedder) vector(text string) []float32 {
	vec := make([]float32, e.dims)
	if strings.TrimSpace(text) == "" {
		return vec
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(e.model))
	state := h.Sum64()
	if state == 0 {
		state = 1
	}

	for i := range vec {
		// xorshift64 keeps the expansion deterministic and cheap.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		vec[i] = float32(int64(state%2000)-1000) / 1000
	}
	return normalizeVector(vec)
}
