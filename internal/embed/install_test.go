package embed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folderd/internal/errors"
)

var testModelPayload = []byte("onnx model bytes for download tests, long enough to chunk")

func testInstaller(t *testing.T, url string) (*Installer, ModelInfo) {
	t.Helper()
	inst := NewInstaller(filepath.Join(t.TempDir(), "models"))
	inst.retry = errors.RetryConfig{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
	m := ModelInfo{
		ID:            "cpu:test-model",
		Name:          "Test CPU Model",
		Kind:          KindCPU,
		HuggingFaceID: "test/cpu-model",
		Dimensions:    4,
		DownloadURL:   url,
		FileName:      "test-model.onnx",
		SizeBytes:     int64(len(testModelPayload)),
	}
	return inst, m
}

// ============================================================================
// TS01: Download and Cache
// ============================================================================

func TestInstaller_EnsureModel_DownloadsFile(t *testing.T) {
	// Given: a server holding the model file
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(testModelPayload)
	}))
	defer srv.Close()

	inst, m := testInstaller(t, srv.URL)

	var mu sync.Mutex
	var progress []PullProgress

	// When: I ensure the model
	path, err := inst.EnsureModel(context.Background(), m, func(p PullProgress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})

	// Then: the file lands at the model path with the right content
	require.NoError(t, err)
	assert.Equal(t, inst.ModelPath(m), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, testModelPayload, data)
	assert.True(t, inst.Installed(m))
	assert.Equal(t, int64(1), hits.Load())

	// And: progress was reported up to the full size
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, "downloading_model", last.Status)
	assert.Equal(t, int64(len(testModelPayload)), last.Current)
	assert.InDelta(t, 100.0, last.Percent, 0.001)
}

func TestInstaller_EnsureModel_SecondCallSkipsDownload(t *testing.T) {
	// Given: a model already ensured once
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(testModelPayload)
	}))
	defer srv.Close()

	inst, m := testInstaller(t, srv.URL)
	_, err := inst.EnsureModel(context.Background(), m, nil)
	require.NoError(t, err)

	// When: I ensure it again
	_, err = inst.EnsureModel(context.Background(), m, nil)
	require.NoError(t, err)

	// Then: the server was hit only once
	assert.Equal(t, int64(1), hits.Load())
}

func TestInstaller_EnsureModel_ExistingFileSkipsNetwork(t *testing.T) {
	// Given: the model file already on disk
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	inst, m := testInstaller(t, srv.URL)
	require.NoError(t, os.MkdirAll(inst.modelsDir, 0755))
	require.NoError(t, os.WriteFile(inst.ModelPath(m), testModelPayload, 0644))

	// When: I ensure the model
	path, err := inst.EnsureModel(context.Background(), m, nil)

	// Then: no request is made
	require.NoError(t, err)
	assert.Equal(t, inst.ModelPath(m), path)
	assert.Equal(t, int64(0), hits.Load())
}

// ============================================================================
// TS02: Failure Handling
// ============================================================================

func TestInstaller_EnsureModel_ServerErrorRetriesThenFails(t *testing.T) {
	// Given: a server that always fails
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	inst, m := testInstaller(t, srv.URL)

	// When: I ensure the model
	_, err := inst.EnsureModel(context.Background(), m, nil)

	// Then: a download error comes back after the retries
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelDownload, errors.GetCode(err))
	assert.Equal(t, int64(2), hits.Load(), "initial attempt plus one retry")
	assert.False(t, inst.Installed(m))
}

func TestInstaller_EnsureModel_RejectsModelsWithoutDownloadSource(t *testing.T) {
	inst, m := testInstaller(t, "http://unused.invalid")

	gpu := m
	gpu.Kind = KindGPU
	_, err := inst.EnsureModel(context.Background(), gpu, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelDownload, errors.GetCode(err))
	assert.Contains(t, err.Error(), "no direct download source")

	noURL := m
	noURL.DownloadURL = ""
	_, err = inst.EnsureModel(context.Background(), noURL, nil)
	require.Error(t, err)
}

func TestInstaller_EnsureModel_CancelledContextStopsDownload(t *testing.T) {
	// Given: a server that stalls after the first chunk
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	inst, m := testInstaller(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// When: I ensure the model with a short-lived context
	start := time.Now()
	_, err := inst.EnsureModel(ctx, m, nil)

	// Then: the download aborts promptly and leaves no partial file behind
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, inst.Installed(m))

	entries, readErr := os.ReadDir(inst.modelsDir)
	require.NoError(t, readErr)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"),
			"temp file %s should have been cleaned up", entry.Name())
	}
}

// ============================================================================
// TS03: Removal
// ============================================================================

func TestInstaller_RemoveModel(t *testing.T) {
	// Given: an installed model
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(testModelPayload)
	}))
	defer srv.Close()

	inst, m := testInstaller(t, srv.URL)
	_, err := inst.EnsureModel(context.Background(), m, nil)
	require.NoError(t, err)
	require.True(t, inst.Installed(m))

	// When: I remove it
	require.NoError(t, inst.RemoveModel(m))

	// Then: it is gone
	assert.False(t, inst.Installed(m))
}
