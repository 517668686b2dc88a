package query

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/store"
)

// exactBoostBase raises a hit's score once per distinct exact term its
// content contains.
const exactBoostBase = 1.5

// overFetch widens the nearest-neighbor k so a page survives score
// filtering and pagination without a second round-trip.
const overFetch = 2

// SearchContent is chunk-level hybrid search: nearest-neighbor over the
// semantic concepts, substring matching over the exact terms, and the two
// combined by the exponential boost rule. One of the two inputs must be
// present.
func (s *Service) SearchContent(ctx context.Context, folderPath string, req SearchRequest) (*SearchResults, error) {
	t, err := s.target(folderPath)
	if err != nil {
		return nil, err
	}

	concepts := cleanList(req.SemanticConcepts)
	terms := cleanList(req.ExactTerms)
	minScore := req.MinScore
	offset := 0
	if req.ContinuationToken != "" {
		c, err := decodeContinuation(req.ContinuationToken, "search-content")
		if err != nil {
			return nil, err
		}
		if c.Folder != t.Path {
			return nil, scopeMismatch()
		}
		concepts = c.Concepts
		terms = c.Terms
		minScore = c.MinScore
		offset = c.Offset
	}
	if len(concepts) == 0 && len(terms) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidInput,
			"search needs semantic concepts or exact terms", nil)
	}
	limit := clampLimit(req.Limit)

	fetch := overFetch * (offset + limit)
	type scored struct {
		chunk *store.Chunk
		score float64
	}
	var hits []scored

	if len(concepts) > 0 {
		emb, err := s.queryEmbedder(t.Model)
		if err != nil {
			return nil, err
		}
		qvec, err := emb.Embed(ctx, strings.Join(concepts, " "))
		if err != nil {
			return nil, err
		}
		results, err := t.Store.SearchChunkVectors(ctx, qvec, fetch)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(results))
		base := make(map[string]float64, len(results))
		for _, r := range results {
			ids = append(ids, r.ID)
			base[r.ID] = float64(r.Score)
		}
		chunks, err := t.Store.ChunksByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			hits = append(hits, scored{chunk: c, score: base[c.ID]})
		}
	} else {
		chunks, err := t.Store.SearchChunksSubstring(ctx, terms, fetch)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			hits = append(hits, scored{chunk: c, score: 1.0})
		}
	}

	// Boost and filter on the final score.
	filtered := hits[:0]
	for _, h := range hits {
		h.score *= math.Pow(exactBoostBase, float64(matchedTerms(h.chunk.Content, terms)))
		if minScore != nil && h.score < *minScore {
			continue
		}
		filtered = append(filtered, h)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].score > filtered[j].score
	})

	total := len(filtered)
	page := filtered
	if offset >= len(page) {
		page = nil
	} else {
		page = page[offset:]
	}
	if len(page) > limit {
		page = page[:limit]
	}

	out := make([]SearchHit, 0, len(page))
	for _, h := range page {
		out = append(out, SearchHit{
			ChunkID:     h.chunk.ID,
			DocPath:     h.chunk.DocPath,
			Index:       h.chunk.Index,
			Score:       h.score,
			Content:     h.chunk.Content,
			KeyPhrases:  topPhrases(h.chunk.Phrases, chunkPhraseCount),
			HasCode:     h.chunk.HasCode,
			DownloadURL: s.downloadURL(t.Path, h.chunk.DocPath),
		})
	}

	res := &SearchResults{
		Hits:       out,
		Pagination: Page{Total: total, Offset: offset, Limit: limit},
	}
	if offset+len(out) < total {
		res.Pagination.ContinuationToken = encodeContinuation(continuation{
			Op:       "search-content",
			Folder:   t.Path,
			Concepts: concepts,
			Terms:    terms,
			MinScore: minScore,
			Offset:   offset + len(out),
		})
	}
	return res, nil
}

// FindDocuments is document-level nearest-neighbor search over document
// embeddings: one row per document.
func (s *Service) FindDocuments(ctx context.Context, folderPath string, req FindRequest) (*DocumentMatches, error) {
	t, err := s.target(folderPath)
	if err != nil {
		return nil, err
	}

	query := strings.TrimSpace(req.Query)
	offset := 0
	if req.ContinuationToken != "" {
		c, err := decodeContinuation(req.ContinuationToken, "find-documents")
		if err != nil {
			return nil, err
		}
		if c.Folder != t.Path {
			return nil, scopeMismatch()
		}
		query = c.Query
		offset = c.Offset
	}
	if query == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "query must not be empty", nil)
	}
	limit := clampLimit(req.Limit)

	emb, err := s.queryEmbedder(t.Model)
	if err != nil {
		return nil, err
	}
	qvec, err := emb.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	results, err := t.Store.SearchDocumentVectors(ctx, qvec, overFetch*(offset+limit))
	if err != nil {
		return nil, err
	}

	matches := make([]DocumentMatch, 0, len(results))
	for _, r := range results {
		doc, err := t.Store.GetDocument(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			// The vector index can briefly reference a document a
			// concurrent re-index just removed.
			continue
		}
		matches = append(matches, DocumentMatch{
			Path:        doc.Path,
			Score:       float64(r.Score),
			KeyPhrases:  topPhrases(doc.Keywords, documentPhraseCount),
			Readability: doc.Readability,
			ChunkCount:  doc.ChunkCount,
			Size:        doc.Size,
			Modified:    doc.ModTime,
			DownloadURL: s.downloadURL(t.Path, doc.Path),
		})
	}

	total := len(matches)
	page := matches
	if offset >= len(page) {
		page = matches[:0]
	} else {
		page = page[offset:]
	}
	if len(page) > limit {
		page = page[:limit]
	}

	res := &DocumentMatches{
		Documents:  page,
		Pagination: Page{Total: total, Offset: offset, Limit: limit},
	}
	if offset+len(page) < total {
		res.Pagination.ContinuationToken = encodeContinuation(continuation{
			Op:     "find-documents",
			Folder: t.Path,
			Query:  query,
			Offset: offset + len(page),
		})
	}
	return res, nil
}

// matchedTerms counts how many distinct terms appear in the content,
// case-insensitively. Multiple occurrences of one term count once.
func matchedTerms(content string, terms []string) int {
	if len(terms) == 0 {
		return 0
	}
	lowered := strings.ToLower(content)
	n := 0
	for _, t := range terms {
		if strings.Contains(lowered, strings.ToLower(t)) {
			n++
		}
	}
	return n
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		return MaxSearchLimit
	}
	return limit
}

func cleanList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
