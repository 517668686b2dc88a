package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// === Embedding blob codec ===

func TestEmbeddingBytesRoundtrip(t *testing.T) {
	original := []float32{0.1, -0.5, 3.14159, 0, 1e-7, 42}

	data := embeddingToBytes(original)
	require.Len(t, data, len(original)*4)

	decoded := bytesToEmbedding(data)
	require.Len(t, decoded, len(original))
	for i := range original {
		assert.InDelta(t, original[i], decoded[i], 1e-6)
	}
}

func TestEmbeddingBytesEmptyInput(t *testing.T) {
	assert.Nil(t, embeddingToBytes(nil))
	assert.Nil(t, embeddingToBytes([]float32{}))
	assert.Nil(t, bytesToEmbedding(nil))
	assert.Nil(t, bytesToEmbedding([]byte{}))

	// Truncated blobs decode to nothing rather than a short vector.
	assert.Nil(t, bytesToEmbedding([]byte{1, 2, 3}))
}

// === Vector search through the store ===

func TestSearchChunkVectors_RanksNearestFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDocument(ctx, testRecord("a.txt", []float32{1, 0, 0, 0})))
	require.NoError(t, s.SaveDocument(ctx, testRecord("b.txt", []float32{0, 1, 0, 0})))
	require.NoError(t, s.SaveDocument(ctx, testRecord("c.txt", []float32{0.9, 0.1, 0, 0})))

	results, err := s.SearchChunkVectors(ctx, []float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "a.txt#0", results[0].ID)
	assert.Equal(t, "c.txt#0", results[1].ID)
	assert.Equal(t, "b.txt#0", results[2].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Greater(t, results[1].Score, results[2].Score)
}

func TestSearchDocumentVectors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDocument(ctx, testRecord("a.txt", []float32{1, 0, 0, 0})))
	require.NoError(t, s.SaveDocument(ctx, testRecord("b.txt", []float32{0, 0, 1, 0})))

	results, err := s.SearchDocumentVectors(ctx, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a.txt", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 0.01)
}

func TestSearchVectors_DeletedDocumentDisappears(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDocument(ctx, testRecord("a.txt", []float32{1, 0, 0, 0})))
	require.NoError(t, s.SaveDocument(ctx, testRecord("b.txt", []float32{0, 1, 0, 0})))
	require.NoError(t, s.DeleteDocument(ctx, "a.txt"))

	results, err := s.SearchChunkVectors(ctx, []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b.txt#0", results[0].ID)

	docs, err := s.SearchDocumentVectors(ctx, []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b.txt", docs[0].ID)
}

func TestSearchVectors_EmptyStore(t *testing.T) {
	s, _ := newTestStore(t)

	results, err := s.SearchChunkVectors(context.Background(), []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
