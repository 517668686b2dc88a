package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/semantic"
)

// docColumns is the SELECT list shared by every document query. chunk_count
// is computed, not stored, so it can never drift from the chunks table.
const docColumns = `path, size, mime, mod_time, hash, title, metadata, keywords, readability, indexed_at,
	(SELECT COUNT(*) FROM chunks WHERE chunks.doc_path = documents.path) AS chunk_count`

// SaveDocument persists one document atomically: old chunks and embeddings
// are deleted, the document row is upserted, and new chunks arrive with
// exactly one embedding each, all in a single transaction. The vector
// indexes are updated after commit.
func (s *Store) SaveDocument(ctx context.Context, rec *DocumentRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	chunkVecs, docVecs, err := s.indexes()
	if err != nil {
		return errors.StoreError("save failed", err)
	}

	// Validate dimensions up front so index updates cannot fail after the
	// transaction has committed.
	dims := chunkVecs.Dimensions()
	for i, vec := range rec.Vectors {
		if len(vec) != dims {
			return dimensionMismatch(dims, len(vec)).
				WithDetail("chunk", rec.Chunks[i].ID)
		}
	}
	if len(rec.DocVector) > 0 && len(rec.DocVector) != dims {
		return dimensionMismatch(dims, len(rec.DocVector)).
			WithDetail("document", rec.Doc.Path)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc := rec.Doc
	indexedAt := doc.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StoreError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	oldIDs, err := chunkIDsTx(ctx, tx, doc.Path)
	if err != nil {
		return errors.StoreError("failed to read existing chunks", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_path = ?`, doc.Path); err != nil {
		return errors.StoreError("failed to delete old chunks", err)
	}

	// The REPLACE cascade also clears any previous document embedding.
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO documents
			(path, size, mime, mod_time, hash, title, metadata, keywords, readability, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.Path, doc.Size, doc.Mime, doc.ModTime.UnixNano(), doc.Hash,
		doc.Title, metadataJSON(doc.Metadata), phrasesJSON(doc.Keywords),
		doc.Readability, indexedAt.UnixNano(),
	); err != nil {
		return errors.StoreError("failed to upsert document", err)
	}

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, doc_path, idx, content, start_offset, end_offset, phrases, readability, has_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.StoreError("failed to prepare chunk statement", err)
	}
	defer chunkStmt.Close()

	embStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_embeddings (chunk_id, vector, model) VALUES (?, ?, ?)`)
	if err != nil {
		return errors.StoreError("failed to prepare embedding statement", err)
	}
	defer embStmt.Close()

	for i, c := range rec.Chunks {
		hasCode := 0
		if c.HasCode {
			hasCode = 1
		}
		if _, err := chunkStmt.ExecContext(ctx,
			c.ID, doc.Path, c.Index, c.Content, c.Start, c.End,
			phrasesJSON(c.Phrases), c.Readability, hasCode,
		); err != nil {
			return errors.StoreError(fmt.Sprintf("failed to insert chunk %s", c.ID), err)
		}
		if _, err := embStmt.ExecContext(ctx,
			c.ID, embeddingToBytes(rec.Vectors[i]), rec.Model,
		); err != nil {
			return errors.StoreError(fmt.Sprintf("failed to insert embedding for chunk %s", c.ID), err)
		}
	}

	if len(rec.DocVector) > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO document_embeddings (doc_path, vector, model) VALUES (?, ?, ?)`,
			doc.Path, embeddingToBytes(rec.DocVector), rec.Model,
		); err != nil {
			return errors.StoreError("failed to upsert document embedding", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.StoreError("failed to commit document", err)
	}

	// Rows are committed; bring the derived vector indexes up to date.
	if len(oldIDs) > 0 {
		_ = chunkVecs.Delete(ctx, oldIDs)
	}
	if len(rec.Chunks) > 0 {
		ids := make([]string, len(rec.Chunks))
		for i, c := range rec.Chunks {
			ids[i] = c.ID
		}
		if err := chunkVecs.Add(ctx, ids, rec.Vectors); err != nil {
			return errors.StoreError("failed to index chunk vectors", err)
		}
	}
	if len(rec.DocVector) > 0 {
		if err := docVecs.Add(ctx, []string{doc.Path}, [][]float32{rec.DocVector}); err != nil {
			return errors.StoreError("failed to index document vector", err)
		}
	} else {
		_ = docVecs.Delete(ctx, []string{doc.Path})
	}

	return nil
}

func validateRecord(rec *DocumentRecord) error {
	if rec == nil || rec.Doc == nil || rec.Doc.Path == "" {
		return errors.ValidationError("document record requires a document with a path", nil)
	}
	p := rec.Doc.Path
	if strings.HasPrefix(p, "/") || p == ".." || strings.HasPrefix(p, "../") || strings.Contains(p, "/../") {
		return errors.ValidationError("document path must be relative to the folder root", nil).
			WithDetail("path", p)
	}
	if len(rec.Chunks) != len(rec.Vectors) {
		return errors.ValidationError(
			fmt.Sprintf("chunk and embedding counts differ: %d chunks, %d vectors", len(rec.Chunks), len(rec.Vectors)), nil)
	}
	if len(rec.Chunks) > 0 {
		if rec.Model == "" {
			return errors.ValidationError("embedding model id is required", nil)
		}
		if len(rec.DocVector) == 0 {
			return errors.ValidationError("document embedding is required when chunks are present", nil).
				WithDetail("path", p)
		}
	}
	for i, c := range rec.Chunks {
		if c == nil || c.ID == "" {
			return errors.ValidationError(fmt.Sprintf("chunk %d has no id", i), nil)
		}
		if c.Index != i {
			return errors.ValidationError(
				fmt.Sprintf("chunk indexes must be gapless: expected %d, got %d", i, c.Index), nil)
		}
		if c.Start >= c.End {
			return errors.ValidationError(
				fmt.Sprintf("chunk %s has invalid offsets [%d, %d)", c.ID, c.Start, c.End), nil)
		}
	}
	return nil
}

// DeleteDocument removes a document with its chunks and embeddings. Deleting
// an unknown path is a no-op.
func (s *Store) DeleteDocument(ctx context.Context, path string) error {
	chunkVecs, docVecs, err := s.indexes()
	if err != nil {
		return errors.StoreError("delete failed", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StoreError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	oldIDs, err := chunkIDsTx(ctx, tx, path)
	if err != nil {
		return errors.StoreError("failed to read existing chunks", err)
	}

	// Cascades to chunks, chunk_embeddings and document_embeddings.
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path); err != nil {
		return errors.StoreError("failed to delete document", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.StoreError("failed to commit delete", err)
	}

	if len(oldIDs) > 0 {
		_ = chunkVecs.Delete(ctx, oldIDs)
	}
	_ = docVecs.Delete(ctx, []string{path})
	return nil
}

func chunkIDsTx(ctx context.Context, tx *sql.Tx, docPath string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE doc_path = ?`, docPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetDocument returns one document, or nil if the path is not indexed.
func (s *Store) GetDocument(ctx context.Context, path string) (*Document, error) {
	row := s.rdb.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE path = ?`, path)

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if s.degraded(err, "GetDocument") {
			return nil, nil
		}
		return nil, errors.StoreError("failed to get document", err)
	}
	return doc, nil
}

// ListQuery scopes and pages a document listing.
type ListQuery struct {
	// Prefix restricts results to one subdirectory ("" is the folder root).
	Prefix string
	// Recursive includes documents in nested subdirectories.
	Recursive bool
	// Offset and Limit page the result; Limit <= 0 means no limit.
	Offset int
	Limit  int
}

// ListDocuments returns one page of documents in path order plus the total
// match count for pagination.
func (s *Store) ListDocuments(ctx context.Context, q ListQuery) ([]*Document, int, error) {
	where, args := listWhere(q)

	var total int
	err := s.rdb.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`+where, args...).Scan(&total)
	if err != nil {
		if s.degraded(err, "ListDocuments") {
			return nil, 0, nil
		}
		return nil, 0, errors.StoreError("failed to count documents", err)
	}

	query := `SELECT ` + docColumns + ` FROM documents` + where + ` ORDER BY path`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	} else if q.Offset > 0 {
		query += fmt.Sprintf(` LIMIT -1 OFFSET %d`, q.Offset)
	}

	rows, err := s.rdb.QueryContext(ctx, query, args...)
	if err != nil {
		if s.degraded(err, "ListDocuments") {
			return nil, 0, nil
		}
		return nil, 0, errors.StoreError("failed to list documents", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, errors.StoreError("failed to scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, total, rows.Err()
}

func listWhere(q ListQuery) (string, []any) {
	prefix := normalizePrefix(q.Prefix)
	var conds []string
	var args []any

	if prefix != "" {
		conds = append(conds, `path LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(prefix))
	}
	if !q.Recursive {
		conds = append(conds, `path NOT LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(prefix)+"/%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// normalizePrefix turns a user-supplied sub-path into a clean "dir/" prefix.
func normalizePrefix(p string) string {
	p = strings.TrimPrefix(strings.TrimPrefix(p, "./"), "/")
	if p == "" || p == "." {
		return ""
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// likePattern escapes LIKE wildcards in prefix and appends a trailing %.
func likePattern(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// PathsUnder returns all indexed paths under prefix, recursively, in path
// order.
func (s *Store) PathsUnder(ctx context.Context, prefix string) ([]string, error) {
	where, args := listWhere(ListQuery{Prefix: prefix, Recursive: true})

	rows, err := s.rdb.QueryContext(ctx, `SELECT path FROM documents`+where+` ORDER BY path`, args...)
	if err != nil {
		if s.degraded(err, "PathsUnder") {
			return nil, nil
		}
		return nil, errors.StoreError("failed to list paths", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errors.StoreError("failed to scan path", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// RecentDocuments returns the n most recently modified documents.
func (s *Store) RecentDocuments(ctx context.Context, n int) ([]*Document, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT `+docColumns+` FROM documents ORDER BY mod_time DESC, path LIMIT ?`, n)
	if err != nil {
		if s.degraded(err, "RecentDocuments") {
			return nil, nil
		}
		return nil, errors.StoreError("failed to list recent documents", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, errors.StoreError("failed to scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// KeywordsUnder returns each document's keyword list for the scope, for
// aggregation into folder or directory previews.
func (s *Store) KeywordsUnder(ctx context.Context, prefix string) ([][]semantic.Phrase, error) {
	where, args := listWhere(ListQuery{Prefix: prefix, Recursive: true})

	rows, err := s.rdb.QueryContext(ctx, `SELECT keywords FROM documents`+where+` ORDER BY path`, args...)
	if err != nil {
		if s.degraded(err, "KeywordsUnder") {
			return nil, nil
		}
		return nil, errors.StoreError("failed to read keywords", err)
	}
	defer rows.Close()

	var all [][]semantic.Phrase
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.StoreError("failed to scan keywords", err)
		}
		phrases, err := phrasesFromJSON(raw)
		if err != nil {
			return nil, errors.StoreError("failed to decode keywords", err)
		}
		all = append(all, phrases)
	}
	return all, rows.Err()
}

// AvgReadability returns the mean document readability for the scope, or 0
// when the scope holds no documents.
func (s *Store) AvgReadability(ctx context.Context, prefix string) (float64, error) {
	where, args := listWhere(ListQuery{Prefix: prefix, Recursive: true})

	var avg sql.NullFloat64
	err := s.rdb.QueryRowContext(ctx, `SELECT AVG(readability) FROM documents`+where, args...).Scan(&avg)
	if err != nil {
		if s.degraded(err, "AvgReadability") {
			return 0, nil
		}
		return 0, errors.StoreError("failed to average readability", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

// FileStates returns the per-document scan state keyed by path. The indexing
// pipeline diffs a fresh filesystem scan against it; this read goes through
// the write handle so the diff always sees the latest committed rows.
func (s *Store) FileStates(ctx context.Context) (map[string]FileState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, size, mod_time, hash FROM documents`)
	if err != nil {
		return nil, errors.StoreError("failed to read file states", err)
	}
	defer rows.Close()

	states := make(map[string]FileState)
	for rows.Next() {
		var st FileState
		var modNanos int64
		if err := rows.Scan(&st.Path, &st.Size, &modNanos, &st.Hash); err != nil {
			return nil, errors.StoreError("failed to scan file state", err)
		}
		st.ModTime = time.Unix(0, modNanos)
		states[st.Path] = st
	}
	return states, rows.Err()
}

// DocumentCount returns the number of indexed documents. Lifecycle decisions
// depend on it, so it reads through the write handle.
func (s *Store) DocumentCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, errors.StoreError("failed to count documents", err)
	}
	return n, nil
}

// ChunkCount returns the number of indexed chunks.
func (s *Store) ChunkCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, errors.StoreError("failed to count chunks", err)
	}
	return n, nil
}

// SetState writes one folder_state key.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO folder_state (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return errors.StoreError("failed to set state", err).WithDetail("key", key)
	}
	return nil
}

// GetState reads one folder_state key; a missing key returns "".
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM folder_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.StoreError("failed to get state", err).WithDetail("key", key)
	}
	return value, nil
}

// degraded reports whether err is lock contention on the read pool, in which
// case the caller returns empty results instead of failing the query.
func (s *Store) degraded(err error, op string) bool {
	if !isBusy(err) {
		return false
	}
	s.log.Debug("read degraded under write contention", slog.String("op", op))
	return true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var modNanos, indexedNanos int64
	var metadata, keywords string

	err := row.Scan(&doc.Path, &doc.Size, &doc.Mime, &modNanos, &doc.Hash,
		&doc.Title, &metadata, &keywords, &doc.Readability, &indexedNanos, &doc.ChunkCount)
	if err != nil {
		return nil, err
	}

	doc.ModTime = time.Unix(0, modNanos)
	doc.IndexedAt = time.Unix(0, indexedNanos)
	doc.Metadata = []byte(metadata)
	if doc.Keywords, err = phrasesFromJSON(keywords); err != nil {
		return nil, fmt.Errorf("decode keywords for %s: %w", doc.Path, err)
	}
	return &doc, nil
}

func phrasesJSON(phrases []semantic.Phrase) string {
	if len(phrases) == 0 {
		return "[]"
	}
	data, err := json.Marshal(phrases)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func phrasesFromJSON(raw string) ([]semantic.Phrase, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var phrases []semantic.Phrase
	if err := json.Unmarshal([]byte(raw), &phrases); err != nil {
		return nil, err
	}
	return phrases, nil
}

func metadataJSON(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
