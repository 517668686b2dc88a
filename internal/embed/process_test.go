package embed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folderd/internal/errors"
)

// helperRequest mirrors what the helper sees on its stdin.
type helperRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// fakeHelper scripts a helper process over in-memory pipes: requests in,
// line-delimited JSON-RPC out. Behavior fields are set before the embedder
// is attached.
type fakeHelper struct {
	dims int

	// unhealthyFor makes the first N health checks report a loading model.
	unhealthyFor int64
	// embedErr makes generate_embeddings report success=false.
	embedErr string
	// rpcErr makes generate_embeddings fail at the protocol level.
	rpcErr *rpcErrorBody
	// embedDims overrides the returned vector width when non-zero.
	embedDims int
	// shortByOne drops the last embedding from each response.
	shortByOne bool
	// silent lists methods that never get a reply.
	silent map[string]bool

	healthCalls atomic.Int64

	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	out     *io.PipeWriter

	mu       sync.Mutex
	requests []helperRequest

	exitOnce sync.Once
}

func newFakeHelper(dims int) *fakeHelper {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	h := &fakeHelper{
		dims:    dims,
		silent:  make(map[string]bool),
		stdinW:  reqW,
		stdoutR: respR,
		out:     respW,
	}
	go h.serve(reqR)
	return h
}

// embedder attaches a ProcessEmbedder to the fake's pipes without spawning
// anything.
func (h *fakeHelper) embedder(t *testing.T, model ModelInfo, onProgress func(PullProgress)) *ProcessEmbedder {
	t.Helper()
	e := newProcessEmbedder(ProcessConfig{Model: model, OnProgress: onProgress}, nil, h.stdinW, h.stdoutR, nil)
	t.Cleanup(func() {
		_ = e.Close()
		h.exit()
	})
	return e
}

func (h *fakeHelper) serve(in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxHelperLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req helperRequest
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		h.mu.Lock()
		h.requests = append(h.requests, req)
		h.mu.Unlock()

		if h.silent[req.Method] {
			continue
		}

		switch req.Method {
		case methodHealth:
			if h.healthCalls.Add(1) <= h.unhealthyFor {
				h.reply(req.ID, healthResult{Status: "loading", ModelLoaded: false}, nil)
			} else {
				h.reply(req.ID, healthResult{Status: "healthy", ModelLoaded: true}, nil)
			}
		case methodEmbed:
			h.serveEmbed(req)
		case methodDownload:
			h.reply(req.ID, downloadResult{Success: true}, nil)
		case methodIsCached:
			h.reply(req.ID, cachedResult{Cached: true}, nil)
		case methodShutdown:
			h.reply(req.ID, map[string]bool{"success": true}, nil)
			h.exit()
			return
		default:
			h.reply(req.ID, nil, &rpcErrorBody{Code: -32601, Message: "method not found"})
		}
	}
}

func (h *fakeHelper) serveEmbed(req helperRequest) {
	if h.rpcErr != nil {
		h.reply(req.ID, nil, h.rpcErr)
		return
	}
	if h.embedErr != "" {
		h.reply(req.ID, embedResult{Success: false, Error: h.embedErr}, nil)
		return
	}

	var p embedParams
	_ = json.Unmarshal(req.Params, &p)

	dims := h.dims
	if h.embedDims > 0 {
		dims = h.embedDims
	}
	embeddings := make([][]float64, len(p.Texts))
	for i := range embeddings {
		vec := make([]float64, dims)
		for j := range vec {
			vec[j] = float64(i+j+1) * 0.01
		}
		embeddings[i] = vec
	}
	if h.shortByOne && len(embeddings) > 0 {
		embeddings = embeddings[:len(embeddings)-1]
	}
	h.reply(req.ID, embedResult{Embeddings: embeddings, Success: true}, nil)
}

func (h *fakeHelper) reply(id int64, result any, rpcErr *rpcErrorBody) {
	resp := map[string]any{"jsonrpc": jsonRPCVersion, "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	b, _ := json.Marshal(resp)
	_, _ = h.out.Write(append(b, '\n'))
}

// notify pushes a progress_update notification to the embedder.
func (h *fakeHelper) notify(p progressParams) {
	msg := map[string]any{"jsonrpc": jsonRPCVersion, "method": methodProgress, "params": p}
	b, _ := json.Marshal(msg)
	_, _ = h.out.Write(append(b, '\n'))
}

// exit simulates the helper process dying: its stdout closes.
func (h *fakeHelper) exit() {
	h.exitOnce.Do(func() { _ = h.out.Close() })
}

func (h *fakeHelper) calls(method string) []helperRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []helperRequest
	for _, req := range h.requests {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func testModel(dims int) ModelInfo {
	return ModelInfo{
		ID:            "gpu:test-model",
		Name:          "Test Model",
		Kind:          KindGPU,
		HuggingFaceID: "test/model",
		Dimensions:    dims,
	}
}

// ============================================================================
// TS01: Single Embedding
// ============================================================================

func TestProcessEmbedder_Embed_ReturnsNormalizedVector(t *testing.T) {
	// Given: a healthy helper
	h := newFakeHelper(8)
	e := h.embedder(t, testModel(8), nil)

	// When: I embed a text
	vec, err := e.Embed(context.Background(), "quarterly report")

	// Then: the vector has the model's dimensions and unit length
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.InDelta(t, 1.0, vectorMagnitude(vec), 0.001)
}

func TestProcessEmbedder_Embed_SendsImmediateFlag(t *testing.T) {
	// Given: a healthy helper
	h := newFakeHelper(8)
	e := h.embedder(t, testModel(8), nil)

	// When: I embed a single text
	_, err := e.Embed(context.Background(), "search query text")
	require.NoError(t, err)

	// Then: the request carries immediate=true so it jumps the queue
	reqs := h.calls(methodEmbed)
	require.Len(t, reqs, 1)

	var p embedParams
	require.NoError(t, json.Unmarshal(reqs[0].Params, &p))
	assert.True(t, p.Immediate)
	assert.Equal(t, []string{"search query text"}, p.Texts)
}

func TestProcessEmbedder_Embed_EmptyText_SkipsHelper(t *testing.T) {
	// Given: a healthy helper
	h := newFakeHelper(8)
	e := h.embedder(t, testModel(8), nil)

	// When: I embed whitespace
	vec, err := e.Embed(context.Background(), "   \n ")

	// Then: a zero vector comes back without any helper round trip
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	for _, v := range vec {
		assert.Equal(t, float32(0), v)
	}
	assert.Empty(t, h.calls(methodEmbed))
}

// ============================================================================
// TS02: Batch Embedding
// ============================================================================

func TestProcessEmbedder_EmbedBatch_SplitsIntoBatches(t *testing.T) {
	// Given: more texts than one batch holds
	h := newFakeHelper(4)
	e := h.embedder(t, testModel(4), nil)

	texts := make([]string, DefaultBatchSize*2+6)
	for i := range texts {
		texts[i] = "chunk content"
	}

	// When: I embed them all
	results, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, results, len(texts))

	// Then: the helper saw three batches of 32, 32, and 6
	reqs := h.calls(methodEmbed)
	require.Len(t, reqs, 3)

	var sizes []int
	for _, req := range reqs {
		var p embedParams
		require.NoError(t, json.Unmarshal(req.Params, &p))
		assert.False(t, p.Immediate, "index batches must not jump the queue")
		sizes = append(sizes, len(p.Texts))
	}
	assert.Equal(t, []int{DefaultBatchSize, DefaultBatchSize, 6}, sizes)
}

func TestProcessEmbedder_EmbedBatch_BlankTextsBecomeZeroVectors(t *testing.T) {
	// Given: a batch with a blank text in the middle
	h := newFakeHelper(4)
	e := h.embedder(t, testModel(4), nil)

	// When: I embed it
	results, err := e.EmbedBatch(context.Background(), []string{"first", "  ", "third"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Then: the blank slot is a zero vector and only two texts were sent
	for _, v := range results[1] {
		assert.Equal(t, float32(0), v)
	}
	reqs := h.calls(methodEmbed)
	require.Len(t, reqs, 1)
	var p embedParams
	require.NoError(t, json.Unmarshal(reqs[0].Params, &p))
	assert.Equal(t, []string{"first", "third"}, p.Texts)
}

func TestProcessEmbedder_EmbedBatch_Empty(t *testing.T) {
	h := newFakeHelper(4)
	e := h.embedder(t, testModel(4), nil)

	results, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, h.calls(methodEmbed))
}

// ============================================================================
// TS03: Helper Failures
// ============================================================================

func TestProcessEmbedder_Embed_HelperFailure_ReturnsEmbedError(t *testing.T) {
	// Given: a helper that reports failure
	h := newFakeHelper(8)
	h.embedErr = "CUDA out of memory"
	e := h.embedder(t, testModel(8), nil)

	// When: I embed
	_, err := e.Embed(context.Background(), "text")

	// Then: a retryable embed error carries the helper's message
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEmbedFailed, errors.GetCode(err))
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestProcessEmbedder_Embed_ProtocolError_ReturnsProcessError(t *testing.T) {
	// Given: a helper that fails at the JSON-RPC level
	h := newFakeHelper(8)
	h.rpcErr = &rpcErrorBody{Code: -32000, Message: "internal helper error"}
	e := h.embedder(t, testModel(8), nil)

	// When: I embed
	_, err := e.Embed(context.Background(), "text")

	// Then: the process error surfaces with the helper's message
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelProcess, errors.GetCode(err))
	assert.Contains(t, err.Error(), "internal helper error")
}

func TestProcessEmbedder_Embed_DimensionMismatch_Fails(t *testing.T) {
	// Given: a helper returning the wrong vector width
	h := newFakeHelper(8)
	h.embedDims = 9
	e := h.embedder(t, testModel(8), nil)

	// When: I embed
	_, err := e.Embed(context.Background(), "text")

	// Then: the mismatch is rejected
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEmbedFailed, errors.GetCode(err))
	assert.Contains(t, err.Error(), "dimensions")
}

func TestProcessEmbedder_Embed_CountMismatch_Fails(t *testing.T) {
	// Given: a helper returning too few embeddings
	h := newFakeHelper(4)
	h.shortByOne = true
	e := h.embedder(t, testModel(4), nil)

	// When: I embed two texts
	_, err := e.EmbedBatch(context.Background(), []string{"one", "two"})

	// Then: the short response is rejected
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEmbedFailed, errors.GetCode(err))
}

// ============================================================================
// TS04: Process Death
// ============================================================================

func TestProcessEmbedder_HelperExit_FailsInFlightCall(t *testing.T) {
	// Given: a helper that never answers embeddings
	h := newFakeHelper(8)
	h.silent[methodEmbed] = true
	e := h.embedder(t, testModel(8), nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Embed(context.Background(), "text")
		errCh <- err
	}()

	// When: the helper dies while the call is in flight
	require.Eventually(t, func() bool {
		return len(h.calls(methodEmbed)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	h.exit()

	// Then: the call fails with a process error
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeModelProcess, errors.GetCode(err))
		assert.Contains(t, err.Error(), "exited")
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call did not fail after helper exit")
	}
}

func TestProcessEmbedder_HelperExit_FailsLaterCalls(t *testing.T) {
	// Given: a dead helper
	h := newFakeHelper(8)
	e := h.embedder(t, testModel(8), nil)
	h.exit()

	require.Eventually(t, func() bool {
		select {
		case <-e.exited:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	// When: I embed afterwards
	_, err := e.Embed(context.Background(), "text")

	// Then: the call fails fast
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelProcess, errors.GetCode(err))

	// And: availability reflects it
	assert.False(t, e.Available(context.Background()))
}

// ============================================================================
// TS05: Startup Health Polling
// ============================================================================

func TestProcessEmbedder_WaitReady_PollsUntilLoaded(t *testing.T) {
	// Given: a helper whose model takes two polls to load
	h := newFakeHelper(8)
	h.unhealthyFor = 2
	e := h.embedder(t, testModel(8), nil)

	// When: I wait for readiness
	err := e.waitReady(context.Background(), 5*time.Second)

	// Then: it succeeds after the loading polls
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h.healthCalls.Load(), int64(3))
}

func TestProcessEmbedder_WaitReady_TimesOut(t *testing.T) {
	// Given: a helper whose model never loads
	h := newFakeHelper(8)
	h.unhealthyFor = 1 << 30
	e := h.embedder(t, testModel(8), nil)

	// When: I wait with a short budget
	start := time.Now()
	err := e.waitReady(context.Background(), 300*time.Millisecond)

	// Then: a retryable process error comes back promptly
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelProcess, errors.GetCode(err))
	assert.Contains(t, err.Error(), "did not become ready")
	assert.Less(t, time.Since(start), 2*time.Second)
}

// ============================================================================
// TS06: Progress Notifications
// ============================================================================

func TestProcessEmbedder_ProgressNotifications_ReachCallback(t *testing.T) {
	// Given: an embedder with a progress callback
	var mu sync.Mutex
	var got []PullProgress

	h := newFakeHelper(8)
	_ = h.embedder(t, testModel(8), func(p PullProgress) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	// When: the helper pushes progress
	h.notify(progressParams{Status: "downloading", Current: 50, Total: 200, Message: "fetching weights"})

	// Then: the callback sees it with a computed percentage
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "downloading", got[0].Status)
	assert.Equal(t, int64(50), got[0].Current)
	assert.Equal(t, int64(200), got[0].Total)
	assert.InDelta(t, 25.0, got[0].Percent, 0.001)
	assert.Equal(t, "fetching weights", got[0].Message)
}

func TestProcessEmbedder_SetProgressFunc_Replaces(t *testing.T) {
	// Given: an embedder without a callback
	h := newFakeHelper(8)
	e := h.embedder(t, testModel(8), nil)

	var count atomic.Int64
	e.SetProgressFunc(func(PullProgress) { count.Add(1) })

	// When: the helper pushes progress
	h.notify(progressParams{Status: "loading_model", Current: 1, Total: 1})

	// Then: the new callback fires
	require.Eventually(t, func() bool {
		return count.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// ============================================================================
// TS07: Model Cache Operations
// ============================================================================

func TestProcessEmbedder_DownloadModel_SendsModelName(t *testing.T) {
	h := newFakeHelper(8)
	e := h.embedder(t, testModel(8), nil)

	require.NoError(t, e.DownloadModel(context.Background(), "test/model"))

	reqs := h.calls(methodDownload)
	require.Len(t, reqs, 1)
	var p modelNameParams
	require.NoError(t, json.Unmarshal(reqs[0].Params, &p))
	assert.Equal(t, "test/model", p.ModelName)
}

func TestProcessEmbedder_IsModelCached(t *testing.T) {
	h := newFakeHelper(8)
	e := h.embedder(t, testModel(8), nil)

	cached, err := e.IsModelCached(context.Background(), "test/model")
	require.NoError(t, err)
	assert.True(t, cached)
}

// ============================================================================
// TS08: Shutdown
// ============================================================================

func TestProcessEmbedder_Close_SendsShutdownAndIsIdempotent(t *testing.T) {
	// Given: a healthy helper
	h := newFakeHelper(8)
	e := h.embedder(t, testModel(8), nil)

	// When: I close twice
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	// Then: exactly one shutdown request was sent
	assert.Len(t, h.calls(methodShutdown), 1)

	// And: further calls are rejected as unavailable
	_, err := e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelUnavailable, errors.GetCode(err))
}

// ============================================================================
// TS09: Spawn Failures
// ============================================================================

func TestNewProcessEmbedder_EmptyCommand_Fails(t *testing.T) {
	_, err := NewProcessEmbedder(context.Background(), ProcessConfig{Model: testModel(8)})

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelUnavailable, errors.GetCode(err))
}

func TestNewProcessEmbedder_MissingBinary_Fails(t *testing.T) {
	_, err := NewProcessEmbedder(context.Background(), ProcessConfig{
		Command:        []string{"/nonexistent/embedding-helper"},
		Model:          testModel(8),
		StartupTimeout: time.Second,
	})

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelProcess, errors.GetCode(err))
}
