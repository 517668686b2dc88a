package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folderd/internal/chunk"
	"github.com/folder-mcp/folderd/internal/embed"
	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/fleet"
	"github.com/folder-mcp/folderd/internal/metrics"
	"github.com/folder-mcp/folderd/internal/query"
	"github.com/folder-mcp/folderd/internal/semantic"
	"github.com/folder-mcp/folderd/internal/store"
	"github.com/folder-mcp/folderd/internal/token"
)

const (
	testModelID = "cpu:xenova-multilingual-e5-small"
	testDims    = 384
)

var testSecret = bytes.Repeat([]byte{0x5a}, token.SecretSize)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// === Fakes ===

// fakeResolver maps folder paths to targets the way the daemon's folder
// registry will. Paths in errs fail resolution with that error.
type fakeResolver struct {
	targets map[string]query.Target
	errs    map[string]error
}

func (f *fakeResolver) Resolve(path string) (query.Target, error) {
	if err, ok := f.errs[path]; ok {
		return query.Target{}, err
	}
	t, ok := f.targets[path]
	if !ok {
		return query.Target{}, errors.New(errors.ErrCodeFolderNotFound,
			fmt.Sprintf("folder %q is not configured", path), nil)
	}
	return t, nil
}

// fakeSearcher loans a mock embedder directly.
type fakeSearcher struct{ embedder *embed.MockEmbedder }

func (f *fakeSearcher) Search(ctx context.Context, model string, fn func(embed.Embedder) error) error {
	return fn(f.embedder)
}

// fakeAdmin records folder mutations arriving over the WebSocket.
type fakeAdmin struct {
	mu       sync.Mutex
	added    []wsFolderPayload
	removed  []string
	failWith error
}

func (f *fakeAdmin) AddFolder(ctx context.Context, path, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.added = append(f.added, wsFolderPayload{Path: path, Model: model})
	return nil
}

func (f *fakeAdmin) RemoveFolder(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeAdmin) addedFolders() []wsFolderPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wsFolderPayload(nil), f.added...)
}

func (f *fakeAdmin) removedFolders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeAdmin) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

// === Environment ===

// env runs a full server over one indexed folder: a real store and query
// service behind a real listener, with fakes only at the daemon seams.
type env struct {
	t        *testing.T
	folder   string
	st       *store.Store
	mock     *embed.MockEmbedder
	fleet    *fleet.Manager
	issuer   *token.Issuer
	metrics  *metrics.Metrics
	admin    *fakeAdmin
	resolver *fakeResolver
	srv      *Server
	ts       *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	folder := t.TempDir()

	st, err := store.Open(folder, store.Options{Dimensions: testDims, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	issuer, err := token.NewIssuer(token.Options{Secret: testSecret})
	require.NoError(t, err)

	fm := fleet.NewManager("1.2.3")
	t.Cleanup(fm.Close)

	e := &env{
		t:       t,
		folder:  folder,
		st:      st,
		mock:    embed.NewMockEmbedder(testModelID, testDims),
		fleet:   fm,
		issuer:  issuer,
		metrics: metrics.New(),
		admin:   &fakeAdmin{},
		resolver: &fakeResolver{
			targets: map[string]query.Target{},
			errs:    map[string]error{},
		},
	}
	e.resolver.targets[folder] = query.Target{Path: folder, Model: testModelID, Store: st}

	qs := query.New(query.Config{
		Folders:   e.resolver,
		Fleet:     fm,
		Scheduler: &fakeSearcher{embedder: e.mock},
		Tokens:    issuer,
		Logger:    testLogger(),
	})
	e.srv = New(Config{
		Query:   qs,
		Fleet:   fm,
		Admin:   e.admin,
		Tokens:  issuer,
		Metrics: e.metrics,
		Logger:  testLogger(),
	})
	e.ts = httptest.NewServer(e.srv.Handler())
	t.Cleanup(e.ts.Close)
	return e
}

// seedDoc writes the file to disk and indexes it as a single chunk with
// mock embeddings, so downloads and vector search both work against it.
func (e *env) seedDoc(relPath, content string, keywords ...string) {
	e.t.Helper()
	ctx := context.Background()

	abs := filepath.Join(e.folder, filepath.FromSlash(relPath))
	require.NoError(e.t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(e.t, os.WriteFile(abs, []byte(content), 0o644))

	vec, err := e.mock.Embed(ctx, content)
	require.NoError(e.t, err)

	phrases := make([]semantic.Phrase, len(keywords))
	for i, kw := range keywords {
		phrases[i] = semantic.Phrase{Text: kw, Score: 1 - float64(i)/20}
	}

	require.NoError(e.t, e.st.SaveDocument(ctx, &store.DocumentRecord{
		Doc: &store.Document{
			Path:        relPath,
			Size:        int64(len(content)),
			Mime:        "text/markdown",
			ModTime:     time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
			Hash:        "hash-" + relPath,
			Title:       relPath,
			Keywords:    phrases,
			Readability: 60,
			IndexedAt:   time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
		},
		Chunks: []*store.Chunk{{
			ID:      chunk.ID(relPath, 0),
			DocPath: relPath,
			Index:   0,
			Content: content,
			Start:   0,
			End:     len(content),
		}},
		Vectors:   [][]float32{vec},
		DocVector: vec,
		Model:     testModelID,
	}))
}

// folderURL builds an /api/v1/folders/... URL with the folder path
// percent-encoded into a single segment.
func (e *env) folderURL(suffix string) string {
	return e.ts.URL + "/api/v1/folders/" + url.PathEscape(e.folder) + suffix
}

// get fetches path and decodes the JSON body into out when non-nil.
func (e *env) get(rawURL string, out any) int {
	e.t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// post sends body as JSON and decodes the response into out when non-nil.
func (e *env) post(rawURL string, body, out any) int {
	e.t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(e.t, err)
	resp, err := http.Post(rawURL, "application/json", bytes.NewReader(buf))
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// === Health and identity ===

func TestHealth_ReportsDaemonIdentity(t *testing.T) {
	env := newEnv(t)

	var body healthStatus
	status := env.get(env.ts.URL+"/api/v1/health", &body)

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	assert.GreaterOrEqual(t, body.Uptime, int64(0))
	assert.False(t, body.Timestamp.IsZero())
}

func TestServerInfo_AdvertisesLimitsAndTotals(t *testing.T) {
	// Given two folders' worth of fleet state and a model catalog
	env := newEnv(t)
	env.fleet.SetFolder(fleet.FolderState{
		Path: "/data/a", Model: testModelID, Status: fleet.StatusWatching,
		DocumentCount: 2, ChunkCount: 10,
	})
	env.fleet.SetFolder(fleet.FolderState{
		Path: "/data/b", Model: testModelID, Status: fleet.StatusIndexing,
		DocumentCount: 3, ChunkCount: 5,
	})
	catalog, err := embed.CatalogModels()
	require.NoError(t, err)
	env.fleet.SetModels(catalog)

	// When the info endpoint is read
	var info serverInfo
	status := env.get(env.ts.URL+"/api/v1/server/info", &info)

	// Then identity, totals, models, and limits are all advertised
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1.2.3", info.Daemon.Version)
	assert.Equal(t, 2, info.Totals.Folders)
	assert.Equal(t, 5, info.Totals.Documents)
	assert.Equal(t, 15, info.Totals.Chunks)
	assert.NotEmpty(t, info.Models)
	assert.True(t, info.Capabilities.SemanticSearch)
	assert.True(t, info.Capabilities.FileDownload)
	assert.Equal(t, query.MaxSearchLimit, info.Limits.MaxSearchResults)
	assert.Equal(t, query.MaxTextChars, info.Limits.MaxTextChars)
	assert.Equal(t, int(token.MaxTTL.Seconds()), info.Limits.TokenTTLSeconds)
}

// === Error shape ===

func TestErrors_UnknownFolderCarriesCodeTimestampPath(t *testing.T) {
	env := newEnv(t)

	var body errorResponse
	status := env.get(env.ts.URL+"/api/v1/folders/"+url.PathEscape("/nope")+"/explore", &body)

	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, errors.ErrCodeFolderNotFound, body.Error)
	assert.Contains(t, body.Message, "/nope")
	assert.False(t, body.Timestamp.IsZero())
	assert.Contains(t, body.Path, "/api/v1/folders/")
}

func TestErrors_UnknownRouteIsJSONNotFound(t *testing.T) {
	env := newEnv(t)

	var body errorResponse
	status := env.get(env.ts.URL+"/api/v1/nope", &body)

	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body.Error)
}

func TestErrors_ResolverFailureGetsCorrelationID(t *testing.T) {
	// Given a folder whose resolution fails with an untyped error
	env := newEnv(t)
	env.resolver.errs["/boom"] = fmt.Errorf("resolver exploded")

	// When the folder is explored
	resp, err := http.Get(env.ts.URL + "/api/v1/folders/" + url.PathEscape("/boom") + "/explore")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Then the client sees a 500 with a correlation id it can report
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, errors.ErrCodeInternal, body.Error)
	assert.Contains(t, body.Message, "correlation id")
}

func TestErrors_FolderWithoutIndexIs503(t *testing.T) {
	env := newEnv(t)
	env.resolver.targets["/cold"] = query.Target{Path: "/cold", Model: testModelID}

	var body errorResponse
	status := env.get(env.ts.URL+"/api/v1/folders/"+url.PathEscape("/cold")+"/explore", &body)

	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, errors.ErrCodeFolderNotReady, body.Error)
}

func TestErrors_BadLimitParameterIs400(t *testing.T) {
	env := newEnv(t)
	env.seedDoc("a.md", "alpha notes")

	var body errorResponse
	status := env.get(env.folderURL("/explore?limit=many"), &body)

	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errors.ErrCodeInvalidInput, body.Error)
	assert.Contains(t, body.Message, "limit")
}

// === Metrics ===

func TestMetrics_EndpointExposesCollectors(t *testing.T) {
	// Given at least one served request
	env := newEnv(t)
	require.Equal(t, http.StatusOK, env.get(env.ts.URL+"/api/v1/health", nil))

	// When /metrics is scraped
	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	text := buf.String()

	// Then folder gauges and the request counter are both exposed
	assert.Contains(t, text, "folderd_folder_states")
	assert.Contains(t, text,
		`folderd_http_requests_total{method="GET",route="/api/v1/health",status="200"}`)
}
