//go:build darwin || linux || freebsd

package embed

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/ebitengine/purego"

	"github.com/folder-mcp/folderd/internal/errors"
)

// Symbols the native embedding library must export. fe_init loads an ONNX
// model file and returns an opaque handle, fe_dims reports its output
// dimension, fe_embed writes one embedding into a caller buffer, fe_free
// releases the handle.
const (
	symInit  = "fe_init"
	symDims  = "fe_dims"
	symEmbed = "fe_embed"
	symFree  = "fe_free"
)

var requiredSymbols = []string{symInit, symDims, symEmbed, symFree}

// DefaultAccelLibrary returns the platform-specific library name probed
// when the config does not point at one.
func DefaultAccelLibrary() string {
	if runtime.GOOS == "darwin" {
		return "libfolderd_embed.dylib"
	}
	return "libfolderd_embed.so"
}

// AccelAvailable reports whether the native library loads and exports every
// required symbol.
func AccelAvailable(libPath string) bool {
	lib, err := purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return false
	}
	defer purego.Dlclose(lib)

	for _, sym := range requiredSymbols {
		if _, err := purego.Dlsym(lib, sym); err != nil {
			return false
		}
	}
	return true
}

// AccelConfig configures a native-library embedder.
type AccelConfig struct {
	// Library is the shared library path or name resolved by the loader.
	Library string

	// Model is the catalog descriptor; Dimensions is cross-checked against
	// what the library reports.
	Model ModelInfo

	// ModelPath is the downloaded ONNX file handed to fe_init.
	ModelPath string

	Logger *slog.Logger
}

// AccelEmbedder generates embeddings in-process through a native library
// loaded with purego. It avoids the helper process for CPU models when the
// library ships alongside the daemon.
type AccelEmbedder struct {
	model ModelInfo
	log   *slog.Logger

	lib    uintptr
	handle uintptr

	feEmbed func(handle uintptr, text string, out []float32) int32
	feFree  func(handle uintptr)

	// The native handle is not reentrant; calls are serialized.
	mu     sync.Mutex
	closed bool
}

var _ Embedder = (*AccelEmbedder)(nil)

// NewAccelEmbedder loads the native library, verifies its exports, and
// initializes the model. A load failure is reported as unavailable so the
// caller can fall back to the helper process.
func NewAccelEmbedder(cfg AccelConfig) (*AccelEmbedder, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Library == "" {
		cfg.Library = DefaultAccelLibrary()
	}

	lib, err := purego.Dlopen(cfg.Library, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.New(errors.ErrCodeModelUnavailable,
			fmt.Sprintf("failed to load native embedding library %q", cfg.Library), err)
	}

	// RegisterLibFunc panics on a missing symbol, so probe them all first.
	for _, sym := range requiredSymbols {
		if _, err := purego.Dlsym(lib, sym); err != nil {
			purego.Dlclose(lib)
			return nil, errors.New(errors.ErrCodeModelUnavailable,
				fmt.Sprintf("native embedding library %q does not export %s", cfg.Library, sym), err)
		}
	}

	var (
		feInit func(modelPath string) uintptr
		feDims func(handle uintptr) int32
	)
	e := &AccelEmbedder{model: cfg.Model, log: log, lib: lib}
	purego.RegisterLibFunc(&feInit, lib, symInit)
	purego.RegisterLibFunc(&feDims, lib, symDims)
	purego.RegisterLibFunc(&e.feEmbed, lib, symEmbed)
	purego.RegisterLibFunc(&e.feFree, lib, symFree)

	handle := feInit(cfg.ModelPath)
	if handle == 0 {
		purego.Dlclose(lib)
		return nil, errors.New(errors.ErrCodeModelLoad,
			fmt.Sprintf("native library failed to load model file %q", cfg.ModelPath), nil)
	}

	if dims := int(feDims(handle)); dims != cfg.Model.Dimensions {
		e.feFree(handle)
		purego.Dlclose(lib)
		return nil, errors.New(errors.ErrCodeModelLoad,
			fmt.Sprintf("native library reports %d dimensions, model %s declares %d",
				dims, cfg.Model.ID, cfg.Model.Dimensions), nil)
	}

	e.handle = handle
	log.Debug("accel_embedder_loaded",
		slog.String("library", cfg.Library),
		slog.String("model", cfg.Model.ID))
	return e, nil
}

// Embed generates an embedding for a single text. The native call cannot be
// interrupted, so cancellation is only observed between calls.
func (e *AccelEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.model.Dimensions), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New(errors.ErrCodeModelUnavailable, "embedder is closed", nil)
	}

	vec := make([]float32, e.model.Dimensions)
	if rc := e.feEmbed(e.handle, text, vec); rc != 0 {
		return nil, errors.New(errors.ErrCodeEmbedFailed,
			fmt.Sprintf("native embed failed with status %d", rc), nil).
			WithDetail("model", e.model.ID)
	}
	return normalizeVector(vec), nil
}

// EmbedBatch embeds texts one at a time; the native interface has no batch
// entry point.
func (e *AccelEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions returns the embedding dimension from the catalog descriptor.
func (e *AccelEmbedder) Dimensions() int {
	return e.model.Dimensions
}

// ModelName returns the model identifier.
func (e *AccelEmbedder) ModelName() string {
	return e.model.ID
}

// Available reports whether the embedder can serve requests.
func (e *AccelEmbedder) Available(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

// Close releases the model handle and unloads the library. Safe to call
// more than once.
func (e *AccelEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.feFree(e.handle)
	purego.Dlclose(e.lib)
	return nil
}
