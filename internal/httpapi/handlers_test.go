package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folderd/internal/chunk"
	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/fleet"
	"github.com/folder-mcp/folderd/internal/query"
)

// === Folder listing ===

func TestListFolders_CombinesFleetAndIndex(t *testing.T) {
	// Given an indexed folder the fleet is watching
	env := newEnv(t)
	env.seedDoc("a.md", "alpha notes", "alpha")
	env.seedDoc("b.md", "beta notes", "beta")
	env.fleet.SetFolder(fleet.FolderState{
		Path: env.folder, Model: testModelID, Status: fleet.StatusWatching,
		DocumentCount: 2, ChunkCount: 2,
	})

	// When folders are listed
	var body folderList
	status := env.get(env.ts.URL+"/api/v1/folders", &body)

	// Then state and content preview arrive together
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Folders, 1)
	f := body.Folders[0]
	assert.Equal(t, env.folder, f.Path)
	assert.Equal(t, 2, f.DocumentCount)
	assert.True(t, f.IndexingStatus.IsIndexed)
	assert.NotEmpty(t, f.TopKeyPhrases)
	assert.NotEmpty(t, f.RecentFiles)
}

// === Explore ===

func TestExplore_EncodedFolderPathRoutesAsOneSegment(t *testing.T) {
	// Given documents at the top level and one level down
	env := newEnv(t)
	env.seedDoc("readme.md", "Top level readme")
	env.seedDoc("docs/guide.md", "The guide")

	// When the folder's absolute path travels percent-encoded
	var res query.ExploreResult
	status := env.get(env.folderURL("/explore"), &res)

	// Then the route matches and both levels are visible
	require.Equal(t, http.StatusOK, status)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "readme.md", res.Files[0].Name)
	require.Len(t, res.Subdirectories, 1)
	assert.Equal(t, "docs", res.Subdirectories[0].Name)
}

func TestExplore_SubPathParameter(t *testing.T) {
	env := newEnv(t)
	env.seedDoc("readme.md", "Top level readme")
	env.seedDoc("docs/guide.md", "The guide")

	var res query.ExploreResult
	status := env.get(env.folderURL("/explore?sub_path=docs"), &res)

	require.Equal(t, http.StatusOK, status)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "guide.md", res.Files[0].Name)
	assert.Empty(t, res.Subdirectories)
}

// === Document listing ===

func TestListDocuments_PaginationPassesThrough(t *testing.T) {
	env := newEnv(t)
	env.seedDoc("a.md", "alpha")
	env.seedDoc("b.md", "beta")
	env.seedDoc("c.md", "gamma")

	// First page of two
	var page1 query.DocumentList
	status := env.get(env.folderURL("/documents?limit=2"), &page1)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, page1.Pagination.Total)
	require.Len(t, page1.Documents, 2)
	require.NotEmpty(t, page1.Pagination.ContinuationToken)

	// Second page via the continuation token
	var page2 query.DocumentList
	status = env.get(env.folderURL("/documents?continuation_token="+
		url.QueryEscape(page1.Pagination.ContinuationToken)+"&limit=2"), &page2)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, page2.Documents, 1)
	assert.Equal(t, "c.md", page2.Documents[0].Path)
	assert.Empty(t, page2.Pagination.ContinuationToken)
}

func TestListDocuments_RecursiveParameter(t *testing.T) {
	env := newEnv(t)
	env.seedDoc("a.md", "alpha")
	env.seedDoc("docs/deep.md", "deep")

	var flat query.DocumentList
	require.Equal(t, http.StatusOK, env.get(env.folderURL("/documents"), &flat))
	require.Len(t, flat.Documents, 1)

	var all query.DocumentList
	require.Equal(t, http.StatusOK, env.get(env.folderURL("/documents?recursive=true"), &all))
	require.Len(t, all.Documents, 2)
}

// === Document retrieval ===

func TestDocumentMetadata_EncodedFileParameter(t *testing.T) {
	env := newEnv(t)
	env.seedDoc("notes/plan.md", "The plan in full", "plans")

	var meta query.DocumentMetadata
	status := env.get(env.folderURL("/documents/"+url.PathEscape("notes/plan.md")+"/metadata"), &meta)

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "notes/plan.md", meta.Path)
	assert.Equal(t, 1, meta.ChunkCount)
	require.Len(t, meta.Chunks, 1)
	assert.Equal(t, chunk.ID("notes/plan.md", 0), meta.Chunks[0].ID)
}

func TestDocumentMetadata_UnknownDocumentIs404(t *testing.T) {
	env := newEnv(t)

	var body errorResponse
	status := env.get(env.folderURL("/documents/ghost.md/metadata"), &body)

	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, errors.ErrCodeDocumentNotFound, body.Error)
}

func TestChunks_ReturnsRequestedContents(t *testing.T) {
	env := newEnv(t)
	env.seedDoc("doc.md", "chunk content here")

	var res query.ChunkSet
	status := env.post(env.folderURL("/documents/doc.md/chunks"),
		chunkRequest{ChunkIDs: []string{chunk.ID("doc.md", 0)}}, &res)

	require.Equal(t, http.StatusOK, status)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "chunk content here", res.Chunks[0].Content)
}

func TestChunks_UnknownIDIs404(t *testing.T) {
	env := newEnv(t)
	env.seedDoc("doc.md", "chunk content here")

	var body errorResponse
	status := env.post(env.folderURL("/documents/doc.md/chunks"),
		chunkRequest{ChunkIDs: []string{"doc.md-99"}}, &body)

	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, errors.ErrCodeChunkNotFound, body.Error)
}

func TestChunks_MissingIDsIs400(t *testing.T) {
	env := newEnv(t)
	env.seedDoc("doc.md", "chunk content here")

	var body errorResponse
	status := env.post(env.folderURL("/documents/doc.md/chunks"), chunkRequest{}, &body)

	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errors.ErrCodeInvalidInput, body.Error)
}

func TestDocumentText_WindowParameters(t *testing.T) {
	env := newEnv(t)
	env.seedDoc("doc.md", "abcdefghij")

	// Whole text by default
	var full query.DocumentText
	require.Equal(t, http.StatusOK, env.get(env.folderURL("/documents/doc.md/text"), &full))
	assert.Equal(t, "abcdefghij", full.Text)
	assert.Equal(t, 10, full.TotalChars)

	// A bounded window from an offset
	var window query.DocumentText
	require.Equal(t, http.StatusOK,
		env.get(env.folderURL("/documents/doc.md/text?offset=3&max_chars=4"), &window))
	assert.Equal(t, "defg", window.Text)
	assert.Equal(t, 3, window.Offset)
	require.NotEmpty(t, window.ContinuationToken)
}

// === Search ===

func TestSearchContent_EndToEnd(t *testing.T) {
	// Given indexed content
	env := newEnv(t)
	env.seedDoc("a.md", "database migration guide", "migrations")
	env.seedDoc("b.md", "kitchen recipes", "cooking")

	// When searching for the exact indexed text
	var res query.SearchResults
	status := env.post(env.folderURL("/search_content"),
		query.SearchRequest{SemanticConcepts: []string{"database migration guide"}}, &res)

	// Then the matching chunk comes back first with a perfect score
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, res.Hits)
	top := res.Hits[0]
	assert.Equal(t, "a.md", top.DocPath)
	assert.InDelta(t, 1.0, top.Score, 1e-4)
	assert.True(t, strings.HasPrefix(top.DownloadURL, "/api/v1/download?token="))
}

func TestSearchContent_EmptyRequestIs400(t *testing.T) {
	env := newEnv(t)
	env.seedDoc("a.md", "database migration guide")

	var body errorResponse
	status := env.post(env.folderURL("/search_content"), query.SearchRequest{}, &body)

	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errors.ErrCodeInvalidInput, body.Error)
}

func TestSearchContent_MalformedBodyIs400(t *testing.T) {
	env := newEnv(t)

	resp, err := http.Post(env.folderURL("/search_content"), "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFindDocuments_EndToEnd(t *testing.T) {
	env := newEnv(t)
	env.seedDoc("a.md", "database migration guide", "migrations")
	env.seedDoc("b.md", "kitchen recipes", "cooking")

	var res query.DocumentMatches
	status := env.post(env.folderURL("/find-documents"),
		query.FindRequest{Query: "database migration guide"}, &res)

	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, res.Documents)
	assert.Equal(t, "a.md", res.Documents[0].Path)
	assert.InDelta(t, 1.0, res.Documents[0].Score, 1e-4)
}
