package embed

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/folder-mcp/folderd/internal/errors"
)

// RegistryConfig configures the model registry.
type RegistryConfig struct {
	// ProcessCommand is the helper argv for process-backed models, for
	// example ["python3", "/opt/folderd/helper/main.py"].
	ProcessCommand []string

	// ModelsDir is where direct-download model files live.
	ModelsDir string

	// AccelLibrary optionally points at the native embedding library.
	// Empty means probe the platform default name.
	AccelLibrary string

	// StartupTimeout bounds helper spawn-to-healthy per load.
	StartupTimeout time.Duration

	Logger *slog.Logger
}

// modelHandle is the registry's per-model slot. ready closes exactly once,
// after embedder or err is set; waiters read those fields only after ready.
type modelHandle struct {
	ready    chan struct{}
	embedder Embedder
	err      error
}

// Registry loads and caches one embedder per model id. Loading is
// single-flight: the first caller initializes outside the lock while later
// callers wait on the handle, so a slow model download never serializes
// unrelated loads and never holds the registry lock.
type Registry struct {
	cfg       RegistryConfig
	log       *slog.Logger
	installer *Installer

	mu     sync.Mutex
	models map[string]*modelHandle
	closed bool

	// newEmbedder is the construction seam; tests swap it out.
	newEmbedder func(ctx context.Context, m ModelInfo, progressFn func(PullProgress)) (Embedder, error)
}

// NewRegistry creates a model registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	r := &Registry{
		cfg:       cfg,
		log:       log,
		installer: NewInstaller(cfg.ModelsDir),
		models:    make(map[string]*modelHandle),
	}
	r.newEmbedder = r.buildEmbedder
	return r
}

// EnsureLoaded returns the embedder for a curated model id, loading it on
// first use. Concurrent callers for the same id share one load; progressFn
// only fires for the caller that performs it.
func (r *Registry) EnsureLoaded(ctx context.Context, modelID string, progressFn func(PullProgress)) (Embedder, error) {
	model, err := LookupModel(modelID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New(errors.ErrCodeModelUnavailable, "model registry is closed", nil)
	}
	if h, ok := r.models[modelID]; ok {
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.ready:
			return h.embedder, h.err
		}
	}

	h := &modelHandle{ready: make(chan struct{})}
	r.models[modelID] = h
	r.mu.Unlock()

	r.log.Info("model_loading", slog.String("model", modelID))
	start := time.Now()
	emb, err := r.newEmbedder(ctx, model, progressFn)

	r.mu.Lock()
	if err != nil {
		// Failed loads leave no entry behind; the next caller retries.
		if r.models[modelID] == h {
			delete(r.models, modelID)
		}
		r.mu.Unlock()
		h.err = err
		close(h.ready)
		return nil, err
	}
	if r.closed || r.models[modelID] != h {
		// Closed or unloaded while initializing; hand nothing out.
		r.mu.Unlock()
		_ = emb.Close()
		h.err = errors.New(errors.ErrCodeModelUnavailable,
			"model was unloaded while loading", nil)
		close(h.ready)
		return nil, h.err
	}
	h.embedder = emb
	r.mu.Unlock()
	close(h.ready)

	r.log.Info("model_loaded",
		slog.String("model", modelID),
		slog.Duration("took", time.Since(start)))
	return emb, nil
}

// Unload closes a loaded model and frees its slot. A load in flight is
// waited out first so its embedder is not leaked.
func (r *Registry) Unload(modelID string) error {
	r.mu.Lock()
	h, ok := r.models[modelID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.models, modelID)
	r.mu.Unlock()

	<-h.ready
	if h.embedder != nil {
		r.log.Info("model_unloaded", slog.String("model", modelID))
		return h.embedder.Close()
	}
	return nil
}

// Loaded reports whether a model currently has a usable embedder.
func (r *Registry) Loaded(modelID string) bool {
	r.mu.Lock()
	h, ok := r.models[modelID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-h.ready:
		return h.embedder != nil
	default:
		return false
	}
}

// ProbeInstalled reports whether a model's files are already on disk. It
// only stats paths, so the fleet can poll it without touching any model.
func (r *Registry) ProbeInstalled(m ModelInfo) bool {
	if m.Kind == KindCPU {
		return r.installer.Installed(m)
	}
	dir := hfCacheModelDir(m.HuggingFaceID)
	if dir == "" {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// ListModels returns the curated catalog with per-model installed and
// loaded state filled in.
func (r *Registry) ListModels() ([]ModelInfo, error) {
	models, err := CatalogModels()
	if err != nil {
		return nil, err
	}
	for i := range models {
		models[i].Installed = r.ProbeInstalled(models[i])
		models[i].Loaded = r.Loaded(models[i].ID)
	}
	return models, nil
}

// Install fetches a model's files ahead of use. Direct-download models go
// through the installer; helper-served models are loaded, which makes the
// helper download into its own cache.
func (r *Registry) Install(ctx context.Context, modelID string, progressFn func(PullProgress)) error {
	model, err := LookupModel(modelID)
	if err != nil {
		return err
	}
	if model.Kind == KindCPU && model.DownloadURL != "" {
		_, err := r.installer.EnsureModel(ctx, model, progressFn)
		return err
	}
	_, err = r.EnsureLoaded(ctx, modelID, progressFn)
	return err
}

// Close unloads every model. EnsureLoaded fails afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := make([]*modelHandle, 0, len(r.models))
	for id, h := range r.models {
		delete(r.models, id)
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		<-h.ready
		if h.embedder != nil {
			if err := h.embedder.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// buildEmbedder is the default construction path. CPU models prefer the
// native library and fall back to the helper process; GPU models always run
// through the helper.
func (r *Registry) buildEmbedder(ctx context.Context, m ModelInfo, progressFn func(PullProgress)) (Embedder, error) {
	if m.Kind == KindCPU {
		emb, err := r.tryAccel(m)
		if err == nil {
			return emb, nil
		}
		r.log.Debug("accel_unavailable",
			slog.String("model", m.ID),
			slog.String("reason", err.Error()))
	}

	return NewProcessEmbedder(ctx, ProcessConfig{
		Command:        r.cfg.ProcessCommand,
		Model:          m,
		StartupTimeout: r.cfg.StartupTimeout,
		OnProgress:     progressFn,
		Logger:         r.log,
	})
}

func (r *Registry) tryAccel(m ModelInfo) (Embedder, error) {
	if !r.installer.Installed(m) {
		return nil, errors.New(errors.ErrCodeModelUnavailable,
			"model file is not downloaded", nil)
	}
	lib := r.cfg.AccelLibrary
	if lib == "" {
		lib = DefaultAccelLibrary()
	}
	if !AccelAvailable(lib) {
		return nil, errors.New(errors.ErrCodeModelUnavailable,
			"native embedding library is not present", nil)
	}
	return NewAccelEmbedder(AccelConfig{
		Library:   lib,
		Model:     m,
		ModelPath: r.installer.ModelPath(m),
		Logger:    r.log,
	})
}

// hfCacheModelDir maps a HuggingFace repo id to its hub cache directory,
// honoring HF_HOME the way the hub libraries do.
func hfCacheModelDir(hfID string) string {
	base := os.Getenv("HF_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".cache", "huggingface")
	}
	return filepath.Join(base, "hub", "models--"+strings.ReplaceAll(hfID, "/", "--"))
}
