package query

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/folder-mcp/folderd/internal/chunk"
	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/extract"
	"github.com/folder-mcp/folderd/internal/store"
)

const (
	documentPhraseCount = 5
	chunkPhraseCount    = 5
	subdirPhraseCount   = 5
	chunkPreviewRunes   = 100
)

// Explore returns one directory level of a folder: subdirectories with
// recursive counts and key phrases, direct files, and the directory's own
// statistics. The file list is paginated; subdirectories always come whole.
func (s *Service) Explore(ctx context.Context, folderPath, subPath string, limit int, contToken string) (*ExploreResult, error) {
	t, err := s.target(folderPath)
	if err != nil {
		return nil, err
	}

	offset := 0
	if contToken != "" {
		c, err := decodeContinuation(contToken, "explore")
		if err != nil {
			return nil, err
		}
		if c.Folder != t.Path {
			return nil, scopeMismatch()
		}
		subPath = c.Sub
		offset = c.Offset
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	// Direct documents carry the file list and the statistics; the
	// recursive listing feeds the subdirectory rollup.
	direct, total, err := t.Store.ListDocuments(ctx, store.ListQuery{Prefix: subPath})
	if err != nil {
		return nil, err
	}
	all, err := t.Store.PathsUnder(ctx, subPath)
	if err != nil {
		return nil, err
	}

	prefix := normalizeSub(subPath)
	counts := make(map[string]int)
	var names []string
	for _, p := range all {
		rel := strings.TrimPrefix(p, prefix)
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			name := rel[:i]
			if counts[name] == 0 {
				names = append(names, name)
			}
			counts[name]++
		}
	}
	sort.Strings(names)

	subdirs := make([]Subdirectory, 0, len(names))
	for _, name := range names {
		sd := Subdirectory{Name: name, DocumentCount: counts[name]}
		if groups, err := t.Store.KeywordsUnder(ctx, prefix+name); err == nil {
			sd.KeyPhrases = SelectDiverse(groups, subdirPhraseCount)
		}
		subdirs = append(subdirs, sd)
	}

	stats := DirStats{Documents: len(direct)}
	for _, doc := range direct {
		stats.Size += doc.Size
	}

	page := direct
	if offset >= len(page) {
		page = nil
	} else {
		page = page[offset:]
	}
	if len(page) > limit {
		page = page[:limit]
	}
	files := make([]FileEntry, 0, len(page))
	for _, doc := range page {
		files = append(files, FileEntry{
			Name:        path.Base(doc.Path),
			DownloadURL: s.downloadURL(t.Path, doc.Path),
		})
	}

	res := &ExploreResult{
		Path:           t.Path,
		SubPath:        subPath,
		Subdirectories: subdirs,
		Files:          files,
		Statistics:     stats,
		Pagination:     Page{Total: total, Offset: offset, Limit: limit},
	}
	if offset+len(files) < total {
		res.Pagination.ContinuationToken = encodeContinuation(continuation{
			Op:     "explore",
			Folder: t.Path,
			Sub:    subPath,
			Offset: offset + len(files),
		})
	}
	return res, nil
}

// ListDocuments returns one page of the documents under a folder scope.
func (s *Service) ListDocuments(ctx context.Context, folderPath, subPath string, recursive bool, limit int, contToken string) (*DocumentList, error) {
	t, err := s.target(folderPath)
	if err != nil {
		return nil, err
	}

	offset := 0
	if contToken != "" {
		c, err := decodeContinuation(contToken, "list-documents")
		if err != nil {
			return nil, err
		}
		if c.Folder != t.Path {
			return nil, scopeMismatch()
		}
		subPath = c.Sub
		recursive = c.Recursive
		offset = c.Offset
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	docs, total, err := t.Store.ListDocuments(ctx, store.ListQuery{
		Prefix:    subPath,
		Recursive: recursive,
		Offset:    offset,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	infos := make([]DocumentInfo, 0, len(docs))
	for _, doc := range docs {
		infos = append(infos, DocumentInfo{
			Path:        doc.Path,
			Size:        doc.Size,
			Modified:    doc.ModTime,
			KeyPhrases:  topPhrases(doc.Keywords, documentPhraseCount),
			Readability: doc.Readability,
			DownloadURL: s.downloadURL(t.Path, doc.Path),
		})
	}

	res := &DocumentList{
		Documents:  infos,
		Pagination: Page{Total: total, Offset: offset, Limit: limit},
	}
	if offset+len(infos) < total {
		res.Pagination.ContinuationToken = encodeContinuation(continuation{
			Op:        "list-documents",
			Folder:    t.Path,
			Sub:       subPath,
			Recursive: recursive,
			Offset:    offset + len(infos),
		})
	}
	return res, nil
}

// DocumentMetadata returns one document's row plus a page of its chunk
// summaries.
func (s *Service) DocumentMetadata(ctx context.Context, folderPath, file string, limit int, contToken string) (*DocumentMetadata, error) {
	t, err := s.target(folderPath)
	if err != nil {
		return nil, err
	}

	offset := 0
	if contToken != "" {
		c, err := decodeContinuation(contToken, "document-metadata")
		if err != nil {
			return nil, err
		}
		if c.Folder != t.Path || c.File != file {
			return nil, scopeMismatch()
		}
		offset = c.Offset
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	doc, err := s.document(ctx, t, file)
	if err != nil {
		return nil, err
	}

	chunks, total, err := t.Store.ChunksOf(ctx, file, offset, limit)
	if err != nil {
		return nil, err
	}

	summaries := make([]ChunkSummary, 0, len(chunks))
	for _, c := range chunks {
		summaries = append(summaries, ChunkSummary{
			ID:          c.ID,
			Index:       c.Index,
			KeyPhrases:  topPhrases(c.Phrases, chunkPhraseCount),
			HasCode:     c.HasCode,
			Readability: c.Readability,
			Start:       c.Start,
			End:         c.End,
			Preview:     previewOf(c.Content),
		})
	}

	res := &DocumentMetadata{
		Path:        doc.Path,
		Title:       doc.Title,
		Mime:        doc.Mime,
		Size:        doc.Size,
		Modified:    doc.ModTime,
		Readability: doc.Readability,
		ChunkCount:  total,
		DownloadURL: s.downloadURL(t.Path, doc.Path),
		Chunks:      summaries,
		Pagination:  Page{Total: total, Offset: offset, Limit: limit},
	}
	if offset+len(summaries) < total {
		res.Pagination.ContinuationToken = encodeContinuation(continuation{
			Op:     "document-metadata",
			Folder: t.Path,
			File:   file,
			Offset: offset + len(summaries),
		})
	}
	return res, nil
}

// Chunks fetches full chunk contents by id. Every id must belong to the
// document.
func (s *Service) Chunks(ctx context.Context, folderPath, file string, ids []string) (*ChunkSet, error) {
	t, err := s.target(folderPath)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "at least one chunk id is required", nil)
	}

	if _, err := s.document(ctx, t, file); err != nil {
		return nil, err
	}

	chunks, err := t.Store.DocumentChunks(ctx, file, ids)
	if err != nil {
		return nil, err
	}

	contents := make([]ChunkContent, 0, len(chunks))
	for _, c := range chunks {
		contents = append(contents, ChunkContent{
			ID:      c.ID,
			Index:   c.Index,
			Content: c.Content,
			Start:   c.Start,
			End:     c.End,
			HasCode: c.HasCode,
		})
	}
	return &ChunkSet{Path: file, Chunks: contents}, nil
}

// DocumentText returns one window of a document's overlap-reconstructed
// text. Offsets are byte positions into the UTF-8 text; windows snap to
// rune boundaries so no call ever splits a character.
func (s *Service) DocumentText(ctx context.Context, folderPath, file string, maxChars, offset int, contToken string) (*DocumentText, error) {
	t, err := s.target(folderPath)
	if err != nil {
		return nil, err
	}

	if contToken != "" {
		c, err := decodeContinuation(contToken, "document-text")
		if err != nil {
			return nil, err
		}
		if c.Folder != t.Path || c.File != file {
			return nil, scopeMismatch()
		}
		offset = c.Offset
	}
	if offset < 0 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "offset must not be negative", nil)
	}
	if maxChars <= 0 || maxChars > MaxTextChars {
		maxChars = MaxTextChars
	}

	doc, err := s.document(ctx, t, file)
	if err != nil {
		return nil, err
	}

	rows, err := t.Store.AllChunks(ctx, file)
	if err != nil {
		return nil, err
	}
	pieces := make([]chunk.Chunk, len(rows))
	for i, c := range rows {
		pieces[i] = chunk.Chunk{Index: c.Index, Content: c.Content, Start: c.Start, End: c.End}
	}
	text := chunk.Reconstruct(pieces)

	res := &DocumentText{
		Path:               file,
		Offset:             offset,
		TotalChars:         len(text),
		ExtractionWarnings: extract.WarningsForMime(doc.Mime),
	}
	if offset >= len(text) {
		return res, nil
	}

	for offset < len(text) && !utf8.RuneStart(text[offset]) {
		offset++
	}
	end := offset + maxChars
	if end >= len(text) {
		end = len(text)
	} else {
		for end > offset && !utf8.RuneStart(text[end]) {
			end--
		}
		if end == offset {
			// A single rune wider than the window still ships whole.
			_, width := utf8.DecodeRuneInString(text[offset:])
			end = offset + width
		}
	}

	res.Offset = offset
	res.Text = text[offset:end]
	if end < len(text) {
		res.ContinuationToken = encodeContinuation(continuation{
			Op:     "document-text",
			Folder: t.Path,
			File:   file,
			Offset: end,
		})
	}
	return res, nil
}

// document fetches one document row, raising the typed not-found the
// store's nil contract leaves to callers.
func (s *Service) document(ctx context.Context, t Target, file string) (*store.Document, error) {
	doc, err := t.Store.GetDocument(ctx, file)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New(errors.ErrCodeDocumentNotFound,
			fmt.Sprintf("document %q is not indexed", file), nil).
			WithDetail("folder", t.Path)
	}
	return doc, nil
}

func previewOf(content string) string {
	runes := []rune(content)
	if len(runes) <= chunkPreviewRunes {
		return content
	}
	return string(runes[:chunkPreviewRunes])
}

func normalizeSub(p string) string {
	p = strings.TrimPrefix(strings.TrimPrefix(p, "./"), "/")
	if p == "" || p == "." {
		return ""
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func scopeMismatch() error {
	return errors.New(errors.ErrCodeInvalidInput,
		"continuation token does not match the requested scope", nil)
}
