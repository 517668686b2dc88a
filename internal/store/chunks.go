package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/folder-mcp/folderd/internal/errors"
)

const chunkColumns = `id, doc_path, idx, content, start_offset, end_offset, phrases, readability, has_code`

// ChunksOf returns one page of a document's chunks in index order plus the
// document's total chunk count.
func (s *Store) ChunksOf(ctx context.Context, docPath string, offset, limit int) ([]*Chunk, int, error) {
	var total int
	err := s.rdb.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE doc_path = ?`, docPath).Scan(&total)
	if err != nil {
		if s.degraded(err, "ChunksOf") {
			return nil, 0, nil
		}
		return nil, 0, errors.StoreError("failed to count chunks", err)
	}

	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE doc_path = ? ORDER BY idx`
	args := []any{docPath}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, offset)
	}

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		if s.degraded(err, "ChunksOf") {
			return nil, 0, nil
		}
		return nil, 0, errors.StoreError("failed to list chunks", err)
	}
	defer rows.Close()

	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, 0, err
	}
	return chunks, total, nil
}

// AllChunks returns every chunk of a document in index order, for
// overlap-aware text reconstruction.
func (s *Store) AllChunks(ctx context.Context, docPath string) ([]*Chunk, error) {
	chunks, _, err := s.ChunksOf(ctx, docPath, 0, 0)
	return chunks, err
}

// DocumentChunks fetches specific chunks of one document by id. Every id
// must belong to the document; unknown ids fail the whole call.
func (s *Store) DocumentChunks(ctx context.Context, docPath string, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, docPath)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := fmt.Sprintf(`SELECT %s FROM chunks WHERE doc_path = ? AND id IN (%s) ORDER BY idx`,
		chunkColumns, strings.Join(placeholders, ","))

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		if s.degraded(err, "DocumentChunks") {
			return nil, nil
		}
		return nil, errors.StoreError("failed to fetch chunks", err)
	}
	defer rows.Close()

	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}

	if len(chunks) != len(ids) {
		found := make(map[string]struct{}, len(chunks))
		for _, c := range chunks {
			found[c.ID] = struct{}{}
		}
		var missing []string
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				missing = append(missing, id)
			}
		}
		return nil, errors.New(errors.ErrCodeChunkNotFound,
			fmt.Sprintf("unknown chunk ids for document: %s", strings.Join(missing, ", ")), nil).
			WithDetail("document", docPath)
	}
	return chunks, nil
}

// ChunksByIDs fetches chunks by id across the whole folder, preserving the
// input order. Unknown ids are skipped; vector hits can reference chunks a
// concurrent re-index just replaced.
func (s *Store) ChunksByIDs(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT %s FROM chunks WHERE id IN (%s)`,
		chunkColumns, strings.Join(placeholders, ","))

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		if s.degraded(err, "ChunksByIDs") {
			return nil, nil
		}
		return nil, errors.StoreError("failed to fetch chunks", err)
	}
	defer rows.Close()

	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	ordered := make([]*Chunk, 0, len(chunks))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

// SearchChunksSubstring returns up to limit chunks whose content contains at
// least one of the terms, case-insensitively. Scoring happens in the query
// layer; results come back in document order.
func (s *Store) SearchChunksSubstring(ctx context.Context, terms []string, limit int) ([]*Chunk, error) {
	var lowered []string
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			lowered = append(lowered, strings.ToLower(t))
		}
	}
	if len(lowered) == 0 {
		return nil, nil
	}

	conds := make([]string, len(lowered))
	args := make([]any, len(lowered))
	for i, t := range lowered {
		conds[i] = `instr(lower(content), ?) > 0`
		args[i] = t
	}
	query := fmt.Sprintf(`SELECT %s FROM chunks WHERE %s ORDER BY doc_path, idx`,
		chunkColumns, strings.Join(conds, " OR "))
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		if s.degraded(err, "SearchChunksSubstring") {
			return nil, nil
		}
		return nil, errors.StoreError("substring search failed", err)
	}
	defer rows.Close()

	return collectChunks(rows)
}

type chunkRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectChunks(rows chunkRows) ([]*Chunk, error) {
	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var phrases string
		var hasCode int
		err := rows.Scan(&c.ID, &c.DocPath, &c.Index, &c.Content,
			&c.Start, &c.End, &phrases, &c.Readability, &hasCode)
		if err != nil {
			return nil, errors.StoreError("failed to scan chunk", err)
		}
		c.HasCode = hasCode != 0
		if c.Phrases, err = phrasesFromJSON(phrases); err != nil {
			return nil, errors.StoreError("failed to decode chunk phrases", err)
		}
		chunks = append(chunks, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreError("failed to read chunks", err)
	}
	return chunks, nil
}
