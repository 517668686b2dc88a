package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/folder-mcp/folderd/internal/errors"
)

// SearchChunkVectors finds the k nearest chunk embeddings to the query
// vector. Result IDs are chunk ids.
func (s *Store) SearchChunkVectors(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	chunkVecs, _, err := s.indexes()
	if err != nil {
		return nil, errors.StoreError("vector search failed", err)
	}
	return chunkVecs.Search(ctx, query, k)
}

// SearchDocumentVectors finds the k nearest document embeddings to the query
// vector. Result IDs are document paths.
func (s *Store) SearchDocumentVectors(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	_, docVecs, err := s.indexes()
	if err != nil {
		return nil, errors.StoreError("vector search failed", err)
	}
	return docVecs.Search(ctx, query, k)
}

func (s *Store) rebuildChunkVectors(ctx context.Context, idx *VectorIndex) error {
	return s.syncVectors(ctx, idx, "chunk_embeddings", "chunk_id")
}

func (s *Store) rebuildDocVectors(ctx context.Context, idx *VectorIndex) error {
	return s.syncVectors(ctx, idx, "document_embeddings", "doc_path")
}

// syncVectors brings idx in line with the embeddings table: every row gets a
// vector, ids absent from the table are deleted. A no-op when the id sets
// already match.
func (s *Store) syncVectors(ctx context.Context, idx *VectorIndex, table, idCol string) error {
	stored, err := s.embeddingIDs(ctx, table, idCol)
	if err != nil {
		return err
	}

	if idSetsEqual(idx.AllIDs(), stored) {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s, vector FROM %s`, idCol, table))
	if err != nil {
		return fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	const batchSize = 512
	ids := make([]string, 0, batchSize)
	vectors := make([][]float32, 0, batchSize)
	skipped := 0
	dims := idx.Dimensions()

	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		if err := idx.Add(ctx, ids, vectors); err != nil {
			return err
		}
		ids = ids[:0]
		vectors = vectors[:0]
		return nil
	}

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("scan %s row: %w", table, err)
		}
		vec := bytesToEmbedding(blob)
		if len(vec) != dims {
			skipped++
			continue
		}
		ids = append(ids, id)
		vectors = append(vectors, vec)
		if len(ids) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read %s: %w", table, err)
	}
	if err := flush(); err != nil {
		return err
	}

	// Drop index entries whose rows are gone.
	var stale []string
	for _, id := range idx.AllIDs() {
		if _, ok := stored[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := idx.Delete(ctx, stale); err != nil {
			return err
		}
	}

	if skipped > 0 {
		s.log.Warn("skipped embeddings with stale dimensions during index sync",
			slog.String("table", table),
			slog.Int("skipped", skipped),
			slog.Int("expected_dims", dims))
	}
	return nil
}

func (s *Store) embeddingIDs(ctx context.Context, table, idCol string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s`, idCol, table))
	if err != nil {
		return nil, fmt.Errorf("read %s ids: %w", table, err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s id: %w", table, err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func idSetsEqual(ids []string, set map[string]struct{}) bool {
	if len(ids) != len(set) {
		return false
	}
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// embeddingToBytes encodes a vector as little-endian float32 bytes for BLOB
// storage.
func embeddingToBytes(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToEmbedding decodes a BLOB written by embeddingToBytes.
func bytesToEmbedding(data []byte) []float32 {
	if len(data) < 4 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}
