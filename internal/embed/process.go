package embed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/folder-mcp/folderd/internal/errors"
)

// Helper process wire protocol: JSON-RPC 2.0, one message per line on
// stdout/stdin. The helper pushes `progress_update` notifications (no id)
// while loading or downloading a model; everything else is request/response.
const (
	methodEmbed     = "generate_embeddings"
	methodHealth    = "health_check"
	methodDownload  = "download_model"
	methodIsCached  = "is_model_cached"
	methodShutdown  = "shutdown"
	methodProgress  = "progress_update"
	jsonRPCVersion  = "2.0"
	maxHelperLine   = 32 * 1024 * 1024
	healthCheckTime = 2 * time.Second
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcReply covers both responses (ID set) and notifications (Method set).
type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorBody   `json:"error"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type embedParams struct {
	Texts     []string `json:"texts"`
	Immediate bool     `json:"immediate"`
}

type embedResult struct {
	Embeddings [][]float64 `json:"embeddings"`
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
}

type healthResult struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

type modelNameParams struct {
	ModelName string `json:"model_name"`
}

type downloadResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type cachedResult struct {
	Cached bool `json:"cached"`
}

type progressParams struct {
	Status  string `json:"status"`
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Message string `json:"message"`
}

// ProcessConfig configures a helper-process embedder.
type ProcessConfig struct {
	// Command is the helper argv; the model's HuggingFace id is appended.
	Command []string

	// Model is the catalog descriptor served by this process.
	Model ModelInfo

	// StartupTimeout bounds spawn-to-healthy. First start may include a
	// model download, so the default is generous.
	StartupTimeout time.Duration

	// OnProgress receives load and download progress notifications.
	OnProgress func(PullProgress)

	Logger *slog.Logger
}

// ProcessEmbedder generates embeddings through an external helper process
// speaking JSON-RPC 2.0 over stdio. The registry owns its lifecycle: spawn,
// health poll until ready, shutdown with bounded grace, then kill and reap.
type ProcessEmbedder struct {
	model ModelInfo
	log   *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan rpcReply
	nextID    atomic.Int64

	progressMu sync.RWMutex
	progressFn func(PullProgress)

	mu     sync.RWMutex
	closed bool

	exited  chan struct{}
	exitErr error // set once before exited closes
}

var _ Embedder = (*ProcessEmbedder)(nil)

// NewProcessEmbedder spawns the helper for cfg.Model and polls health until
// it reports a loaded model. Startup failures are retryable: the caller
// decides when to give up.
func NewProcessEmbedder(ctx context.Context, cfg ProcessConfig) (*ProcessEmbedder, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New(errors.ErrCodeModelUnavailable,
			"no embedding helper command configured", nil).
			WithSuggestion("set embedding.process in the daemon config")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}

	argv := append(append([]string{}, cfg.Command...), cfg.Model.HuggingFaceID)
	cmd := exec.Command(argv[0], argv[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.New(errors.ErrCodeModelProcess, "failed to open helper stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.New(errors.ErrCodeModelProcess, "failed to open helper stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.New(errors.ErrCodeModelProcess, "failed to open helper stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.New(errors.ErrCodeModelProcess,
			fmt.Sprintf("failed to start embedding helper %q", argv[0]), err)
	}

	e := newProcessEmbedder(cfg, cmd, stdin, stdout, stderr)
	if err := e.waitReady(ctx, cfg.StartupTimeout); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

// newProcessEmbedder wires the RPC loop over the given pipes. cmd may be nil
// in tests that drive the protocol over in-memory pipes.
func newProcessEmbedder(cfg ProcessConfig, cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.Reader) *ProcessEmbedder {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &ProcessEmbedder{
		model:      cfg.Model,
		log:        log,
		cmd:        cmd,
		stdin:      stdin,
		pending:    make(map[int64]chan rpcReply),
		progressFn: cfg.OnProgress,
		exited:     make(chan struct{}),
	}
	go e.readLoop(stdout)
	if stderr != nil {
		go e.logStderr(stderr)
	}
	return e
}

// waitReady polls health_check with exponential backoff until the helper
// reports a loaded model.
func (e *ProcessEmbedder) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := ReadyPollInterval
	for {
		select {
		case <-e.exited:
			return errors.New(errors.ErrCodeModelProcess,
				"embedding helper exited during startup", e.exitError())
		case <-ctx.Done():
			return errors.New(errors.ErrCodeModelProcess,
				fmt.Sprintf("embedding helper for %s did not become ready", e.model.ID), ctx.Err())
		default:
		}

		health, err := e.health(ctx)
		if err == nil && health.Status == "healthy" && health.ModelLoaded {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.New(errors.ErrCodeModelProcess,
				fmt.Sprintf("embedding helper for %s did not become ready", e.model.ID), ctx.Err())
		case <-time.After(interval):
		}

		interval *= 2
		if interval > MaxReadyPollInterval {
			interval = MaxReadyPollInterval
		}
	}
}

// Embed generates an embedding for a single text. Search queries use this
// path; immediate tells the helper to jump its internal queue.
func (e *ProcessEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(text) == "" {
		return make([]float32, e.model.Dimensions), nil
	}

	vectors, err := e.generate(ctx, []string{text}, true)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in helper-sized batches.
func (e *ProcessEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	// Blank texts embed to the zero vector locally; the helper only sees
	// real content.
	type indexedText struct {
		idx  int
		text string
	}
	var nonEmpty []indexedText
	results := make([][]float32, len(texts))

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.model.Dimensions)
		} else {
			nonEmpty = append(nonEmpty, indexedText{i, text})
		}
	}

	for start := 0; start < len(nonEmpty); start += DefaultBatchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		end := start + DefaultBatchSize
		if end > len(nonEmpty) {
			end = len(nonEmpty)
		}

		batch := nonEmpty[start:end]
		batchTexts := make([]string, len(batch))
		for i, it := range batch {
			batchTexts[i] = it.text
		}

		vectors, err := e.generate(ctx, batchTexts, false)
		if err != nil {
			return nil, err
		}
		for i, vec := range vectors {
			results[batch[i].idx] = vec
		}
	}

	return results, nil
}

// generate performs one generate_embeddings round trip and validates the
// result shape against the model descriptor.
func (e *ProcessEmbedder) generate(ctx context.Context, texts []string, immediate bool) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	var res embedResult
	if err := e.call(ctx, methodEmbed, embedParams{Texts: texts, Immediate: immediate}, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "helper reported failure without detail"
		}
		return nil, errors.New(errors.ErrCodeEmbedFailed, msg, nil).
			WithDetail("model", e.model.ID)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, errors.New(errors.ErrCodeEmbedFailed,
			fmt.Sprintf("helper returned %d embeddings for %d texts", len(res.Embeddings), len(texts)), nil)
	}

	vectors := make([][]float32, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if len(emb) != e.model.Dimensions {
			return nil, errors.New(errors.ErrCodeEmbedFailed,
				fmt.Sprintf("helper returned %d dimensions, model %s declares %d",
					len(emb), e.model.ID, e.model.Dimensions), nil)
		}
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		vectors[i] = normalizeVector(vec)
	}
	return vectors, nil
}

// Dimensions returns the embedding dimension from the catalog descriptor.
func (e *ProcessEmbedder) Dimensions() int {
	return e.model.Dimensions
}

// ModelName returns the model identifier.
func (e *ProcessEmbedder) ModelName() string {
	return e.model.ID
}

// Available reports whether the helper answers health checks.
func (e *ProcessEmbedder) Available(ctx context.Context) bool {
	if err := e.checkOpen(); err != nil {
		return false
	}
	health, err := e.health(ctx)
	return err == nil && health.Status == "healthy"
}

func (e *ProcessEmbedder) health(ctx context.Context) (healthResult, error) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTime)
	defer cancel()

	var res healthResult
	err := e.call(ctx, methodHealth, nil, &res)
	return res, err
}

// DownloadModel asks the helper to fetch a model into its cache. Progress
// arrives through the notification stream.
func (e *ProcessEmbedder) DownloadModel(ctx context.Context, modelName string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	var res downloadResult
	if err := e.call(ctx, methodDownload, modelNameParams{ModelName: modelName}, &res); err != nil {
		return err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "helper reported download failure without detail"
		}
		return errors.New(errors.ErrCodeModelDownload, msg, nil).
			WithDetail("model", modelName)
	}
	return nil
}

// IsModelCached asks the helper whether a model is already in its cache.
func (e *ProcessEmbedder) IsModelCached(ctx context.Context, modelName string) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}

	var res cachedResult
	if err := e.call(ctx, methodIsCached, modelNameParams{ModelName: modelName}, &res); err != nil {
		return false, err
	}
	return res.Cached, nil
}

// SetProgressFunc replaces the progress callback.
func (e *ProcessEmbedder) SetProgressFunc(fn func(PullProgress)) {
	e.progressMu.Lock()
	e.progressFn = fn
	e.progressMu.Unlock()
}

// Close shuts the helper down: shutdown request, bounded grace, then kill.
// Safe to call more than once.
func (e *ProcessEmbedder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	// Best-effort polite shutdown; the deadline keeps a wedged helper from
	// stalling daemon exit.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = e.call(ctx, methodShutdown, nil, nil)
	cancel()

	_ = e.stdin.Close()

	select {
	case <-e.exited:
	case <-time.After(ShutdownGrace):
		if e.cmd != nil && e.cmd.Process != nil {
			_ = e.cmd.Process.Kill()
		}
		<-e.exited
	}
	return nil
}

func (e *ProcessEmbedder) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return errors.New(errors.ErrCodeModelUnavailable, "embedder is closed", nil)
	}
	return nil
}

// call performs one JSON-RPC round trip. Replies race against context
// expiry and process death so callers never block on a dead helper.
func (e *ProcessEmbedder) call(ctx context.Context, method string, params, out any) error {
	id := e.nextID.Add(1)
	ch := make(chan rpcReply, 1)

	e.pendingMu.Lock()
	e.pending[id] = ch
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, id)
		e.pendingMu.Unlock()
	}()

	body, err := json.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return errors.InternalError("failed to encode helper request", err)
	}
	body = append(body, '\n')

	e.writeMu.Lock()
	_, err = e.stdin.Write(body)
	e.writeMu.Unlock()
	if err != nil {
		return errors.New(errors.ErrCodeModelProcess, "failed to write to embedding helper", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.exited:
		return errors.New(errors.ErrCodeModelProcess,
			"embedding helper exited unexpectedly", e.exitError())
	case reply := <-ch:
		if reply.Error != nil {
			return errors.New(errors.ErrCodeModelProcess,
				fmt.Sprintf("helper error %d: %s", reply.Error.Code, reply.Error.Message), nil).
				WithDetail("method", method)
		}
		if out != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, out); err != nil {
				return errors.InternalError("failed to decode helper response", err)
			}
		}
		return nil
	}
}

// readLoop routes stdout lines: responses to their pending call,
// notifications to the progress callback. When the pipe drains the process
// has exited; every pending call is woken through the exited channel.
func (e *ProcessEmbedder) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxHelperLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var reply rpcReply
		if err := json.Unmarshal(line, &reply); err != nil {
			e.log.Debug("helper_line_unparseable", slog.String("error", err.Error()))
			continue
		}

		switch {
		case reply.Method == methodProgress:
			var p progressParams
			if err := json.Unmarshal(reply.Params, &p); err != nil {
				continue
			}
			e.notifyProgress(p)
		case reply.ID != nil:
			e.pendingMu.Lock()
			ch := e.pending[*reply.ID]
			delete(e.pending, *reply.ID)
			e.pendingMu.Unlock()
			if ch != nil {
				ch <- reply
			}
		}
	}

	var waitErr error
	if err := scanner.Err(); err != nil {
		waitErr = err
	}
	if e.cmd != nil {
		if err := e.cmd.Wait(); waitErr == nil {
			waitErr = err
		}
	}
	e.finish(waitErr)
}

func (e *ProcessEmbedder) finish(err error) {
	e.mu.Lock()
	e.exitErr = err
	e.mu.Unlock()
	close(e.exited)

	e.pendingMu.Lock()
	for id := range e.pending {
		delete(e.pending, id)
	}
	e.pendingMu.Unlock()
}

func (e *ProcessEmbedder) exitError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.exitErr
}

func (e *ProcessEmbedder) notifyProgress(p progressParams) {
	e.log.Debug("helper_progress",
		slog.String("model", e.model.ID),
		slog.String("status", p.Status),
		slog.Int64("current", p.Current),
		slog.Int64("total", p.Total))

	e.progressMu.RLock()
	fn := e.progressFn
	e.progressMu.RUnlock()
	if fn != nil {
		fn(pullProgress(p.Status, p.Current, p.Total, p.Message))
	}
}

// logStderr forwards helper diagnostics into the daemon log at debug level.
func (e *ProcessEmbedder) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			e.log.Debug("helper_stderr",
				slog.String("model", e.model.ID),
				slog.String("line", line))
		}
	}
}
