package embed

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folderd/internal/errors"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(RegistryConfig{
		ModelsDir:      filepath.Join(t.TempDir(), "models"),
		StartupTimeout: time.Second,
	})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// countingFactory swaps the construction seam for a mock-backed one and
// returns the call counter.
func countingFactory(r *Registry) *atomic.Int64 {
	var calls atomic.Int64
	r.newEmbedder = func(ctx context.Context, m ModelInfo, progressFn func(PullProgress)) (Embedder, error) {
		calls.Add(1)
		return NewMockEmbedder(m.ID, m.Dimensions), nil
	}
	return &calls
}

// ============================================================================
// TS01: Loading
// ============================================================================

func TestRegistry_EnsureLoaded_LoadsOnce(t *testing.T) {
	// Given: a registry with a counting factory
	r := testRegistry(t)
	calls := countingFactory(r)

	// When: I ensure the same model twice
	emb1, err := r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
	require.NoError(t, err)
	emb2, err := r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
	require.NoError(t, err)

	// Then: one embedder was built and shared
	assert.Same(t, emb1, emb2)
	assert.Equal(t, int64(1), calls.Load())
	assert.True(t, r.Loaded("gpu:bge-m3"))
	assert.Equal(t, 1024, emb1.Dimensions())
}

func TestRegistry_EnsureLoaded_UnknownModel(t *testing.T) {
	r := testRegistry(t)
	calls := countingFactory(r)

	_, err := r.EnsureLoaded(context.Background(), "gpu:does-not-exist", nil)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnknownModel, errors.GetCode(err))
	assert.Equal(t, int64(0), calls.Load())
}

func TestRegistry_EnsureLoaded_SingleFlight(t *testing.T) {
	// Given: a slow factory
	r := testRegistry(t)
	var calls atomic.Int64
	r.newEmbedder = func(ctx context.Context, m ModelInfo, progressFn func(PullProgress)) (Embedder, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return NewMockEmbedder(m.ID, m.Dimensions), nil
	}

	// When: many goroutines ensure the same model at once
	const workers = 8
	embedders := make([]Embedder, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			embedders[i], errs[i] = r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
		}(i)
	}
	wg.Wait()

	// Then: every caller got the same embedder from one load
	assert.Equal(t, int64(1), calls.Load(), "load must be single-flight")
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, embedders[0], embedders[i])
	}
}

func TestRegistry_EnsureLoaded_FailedLoadIsRetriedNextCall(t *testing.T) {
	// Given: a factory that fails once then succeeds
	r := testRegistry(t)
	var calls atomic.Int64
	r.newEmbedder = func(ctx context.Context, m ModelInfo, progressFn func(PullProgress)) (Embedder, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New(errors.ErrCodeModelProcess, "helper crashed", nil)
		}
		return NewMockEmbedder(m.ID, m.Dimensions), nil
	}

	// When: the first load fails
	_, err := r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelProcess, errors.GetCode(err))
	assert.False(t, r.Loaded("gpu:bge-m3"), "failed load must not be cached")

	// Then: the next call loads fresh
	emb, err := r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
	require.NoError(t, err)
	assert.NotNil(t, emb)
	assert.Equal(t, int64(2), calls.Load())
}

func TestRegistry_EnsureLoaded_WaiterSeesLoaderError(t *testing.T) {
	// Given: a factory that blocks until released, then fails
	r := testRegistry(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	r.newEmbedder = func(ctx context.Context, m ModelInfo, progressFn func(PullProgress)) (Embedder, error) {
		calls.Add(1)
		close(entered)
		<-release
		return nil, errors.New(errors.ErrCodeModelLoad, "weights corrupt", nil)
	}

	// When: a second caller joins while the first is loading
	var loaderErr, waiterErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, loaderErr = r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
	}()
	<-entered
	go func() {
		defer wg.Done()
		_, waiterErr = r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	// Then: both callers see the load error from the single attempt
	assert.Equal(t, int64(1), calls.Load())
	require.Error(t, loaderErr)
	require.Error(t, waiterErr)
	assert.Equal(t, errors.ErrCodeModelLoad, errors.GetCode(waiterErr))
}

func TestRegistry_EnsureLoaded_WaiterHonorsContext(t *testing.T) {
	// Given: a load that never finishes
	r := testRegistry(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	r.newEmbedder = func(ctx context.Context, m ModelInfo, progressFn func(PullProgress)) (Embedder, error) {
		close(entered)
		<-release
		return NewMockEmbedder(m.ID, m.Dimensions), nil
	}
	defer close(release)

	go func() {
		_, _ = r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
	}()
	<-entered

	// When: a waiter arrives with a cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.EnsureLoaded(ctx, "gpu:bge-m3", nil)

	// Then: it bails out with the context error
	require.ErrorIs(t, err, context.Canceled)
}

func TestRegistry_EnsureLoaded_PassesProgress(t *testing.T) {
	// Given: a factory that reports progress
	r := testRegistry(t)
	r.newEmbedder = func(ctx context.Context, m ModelInfo, progressFn func(PullProgress)) (Embedder, error) {
		if progressFn != nil {
			progressFn(pullProgress("loading_model", 1, 2, m.ID))
		}
		return NewMockEmbedder(m.ID, m.Dimensions), nil
	}

	var got []PullProgress
	_, err := r.EnsureLoaded(context.Background(), "gpu:bge-m3", func(p PullProgress) {
		got = append(got, p)
	})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "loading_model", got[0].Status)
	assert.InDelta(t, 50.0, got[0].Percent, 0.001)
}

// ============================================================================
// TS02: Unloading
// ============================================================================

func TestRegistry_Unload_ClosesEmbedder(t *testing.T) {
	// Given: a loaded model
	r := testRegistry(t)
	calls := countingFactory(r)
	emb, err := r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
	require.NoError(t, err)

	// When: I unload it
	require.NoError(t, r.Unload("gpu:bge-m3"))

	// Then: the embedder is closed and the slot is free
	assert.False(t, emb.Available(context.Background()))
	assert.False(t, r.Loaded("gpu:bge-m3"))

	// And: the next ensure loads fresh
	_, err = r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestRegistry_Unload_NotLoadedIsNoop(t *testing.T) {
	r := testRegistry(t)
	assert.NoError(t, r.Unload("gpu:bge-m3"))
}

func TestRegistry_Unload_DuringLoad(t *testing.T) {
	// Given: a load in flight
	r := testRegistry(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var built *MockEmbedder
	r.newEmbedder = func(ctx context.Context, m ModelInfo, progressFn func(PullProgress)) (Embedder, error) {
		close(entered)
		<-release
		built = NewMockEmbedder(m.ID, m.Dimensions)
		return built, nil
	}

	loaderErr := make(chan error, 1)
	go func() {
		_, err := r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
		loaderErr <- err
	}()
	<-entered

	// When: the model is unloaded before the load finishes
	unloadDone := make(chan error, 1)
	go func() { unloadDone <- r.Unload("gpu:bge-m3") }()
	time.Sleep(100 * time.Millisecond)
	close(release)

	// Then: the loader's embedder is discarded, not handed out
	err := <-loaderErr
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelUnavailable, errors.GetCode(err))
	require.NoError(t, <-unloadDone)
	require.NotNil(t, built)
	assert.False(t, built.Available(context.Background()), "orphaned embedder must be closed")
	assert.False(t, r.Loaded("gpu:bge-m3"))
}

// ============================================================================
// TS03: Installed Probes and Listing
// ============================================================================

func TestRegistry_ProbeInstalled_CPUChecksModelsDir(t *testing.T) {
	// Given: a cpu model with no file on disk
	r := testRegistry(t)
	m, err := LookupModel("cpu:xenova-multilingual-e5-small")
	require.NoError(t, err)

	assert.False(t, r.ProbeInstalled(m))

	// When: the model file appears
	require.NoError(t, os.MkdirAll(r.installer.modelsDir, 0755))
	require.NoError(t, os.WriteFile(r.installer.ModelPath(m), []byte("weights"), 0644))

	// Then: the probe flips without loading anything
	assert.True(t, r.ProbeInstalled(m))
}

func TestRegistry_ProbeInstalled_GPUChecksHuggingFaceCache(t *testing.T) {
	// Given: an isolated HuggingFace cache
	hfHome := t.TempDir()
	t.Setenv("HF_HOME", hfHome)

	r := testRegistry(t)
	m, err := LookupModel("gpu:bge-m3")
	require.NoError(t, err)

	assert.False(t, r.ProbeInstalled(m))

	// When: the hub cache directory for the model exists
	dir := filepath.Join(hfHome, "hub", "models--BAAI--bge-m3")
	require.NoError(t, os.MkdirAll(dir, 0755))

	// Then: the probe reports installed
	assert.True(t, r.ProbeInstalled(m))
}

func TestRegistry_ListModels_ReportsState(t *testing.T) {
	// Given: one installed gpu model and one loaded cpu model
	hfHome := t.TempDir()
	t.Setenv("HF_HOME", hfHome)
	require.NoError(t, os.MkdirAll(filepath.Join(hfHome, "hub", "models--BAAI--bge-m3"), 0755))

	r := testRegistry(t)
	countingFactory(r)
	_, err := r.EnsureLoaded(context.Background(), "cpu:xenova-multilingual-e5-small", nil)
	require.NoError(t, err)

	// When: I list models
	models, err := r.ListModels()
	require.NoError(t, err)

	// Then: flags reflect disk and registry state
	byID := make(map[string]ModelInfo, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	assert.True(t, byID["gpu:bge-m3"].Installed)
	assert.False(t, byID["gpu:bge-m3"].Loaded)
	assert.True(t, byID["cpu:xenova-multilingual-e5-small"].Loaded)
	assert.False(t, byID["gpu:multilingual-e5-large"].Installed)
}

// ============================================================================
// TS04: Install
// ============================================================================

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestRegistry_Install_CPUDownloadsFile(t *testing.T) {
	// Given: an installer whose HTTP client serves canned bytes
	r := testRegistry(t)
	calls := countingFactory(r)

	payload := []byte("onnx weights")
	r.installer.client = &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode:    http.StatusOK,
			Status:        "200 OK",
			Body:          io.NopCloser(bytes.NewReader(payload)),
			ContentLength: int64(len(payload)),
			Header:        make(http.Header),
		}, nil
	})}

	// When: I install the cpu model
	err := r.Install(context.Background(), "cpu:xenova-multilingual-e5-small", nil)
	require.NoError(t, err)

	// Then: the file is on disk and nothing was loaded
	m, err := LookupModel("cpu:xenova-multilingual-e5-small")
	require.NoError(t, err)
	assert.True(t, r.ProbeInstalled(m))
	assert.Equal(t, int64(0), calls.Load(), "install must not load the model")
	assert.False(t, r.Loaded("cpu:xenova-multilingual-e5-small"))
}

func TestRegistry_Install_GPULoadsThroughHelper(t *testing.T) {
	// The helper downloads gpu models into its own cache while loading, so
	// install is just a load with progress attached.
	r := testRegistry(t)
	calls := countingFactory(r)

	err := r.Install(context.Background(), "gpu:bge-m3", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), calls.Load())
	assert.True(t, r.Loaded("gpu:bge-m3"))
}

func TestRegistry_Install_UnknownModel(t *testing.T) {
	r := testRegistry(t)
	err := r.Install(context.Background(), "cpu:unknown", nil)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnknownModel, errors.GetCode(err))
}

// ============================================================================
// TS05: Shutdown
// ============================================================================

func TestRegistry_Close_UnloadsEverything(t *testing.T) {
	// Given: two loaded models
	r := testRegistry(t)
	countingFactory(r)
	emb1, err := r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
	require.NoError(t, err)
	emb2, err := r.EnsureLoaded(context.Background(), "cpu:xenova-multilingual-e5-small", nil)
	require.NoError(t, err)

	// When: I close the registry
	require.NoError(t, r.Close())

	// Then: both embedders are closed and new loads are rejected
	assert.False(t, emb1.Available(context.Background()))
	assert.False(t, emb2.Available(context.Background()))

	_, err = r.EnsureLoaded(context.Background(), "gpu:bge-m3", nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelUnavailable, errors.GetCode(err))

	// And: closing again is fine
	assert.NoError(t, r.Close())
}
