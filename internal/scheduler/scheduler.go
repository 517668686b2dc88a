// Package scheduler multiplexes embedding work across loaded models. Each
// model gets a single worker goroutine, so the runtime holds at most one
// in-flight batch per model. Pending searches run before queued index
// batches, but a batch that is already executing is never interrupted.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/folder-mcp/folderd/internal/embed"
	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/metrics"
)

const (
	// DefaultKeepAlive is how long an idle worker keeps its model loaded
	// before unloading it to reclaim memory.
	DefaultKeepAlive = 5 * time.Minute

	// DefaultMaxQueuedBatches caps unfinished index batches per model.
	// SubmitBatch blocks once the cap is reached.
	DefaultMaxQueuedBatches = 8
)

// ModelRegistry is the slice of the model registry the scheduler drives.
// *embed.Registry satisfies it.
type ModelRegistry interface {
	EnsureLoaded(ctx context.Context, modelID string, progressFn func(embed.PullProgress)) (embed.Embedder, error)
	Unload(modelID string) error
}

// Config controls scheduling behavior.
type Config struct {
	// KeepAlive is the idle window after which a worker unloads its model.
	KeepAlive time.Duration

	// MaxQueuedBatches is the per-model cap on unfinished index batches.
	MaxQueuedBatches int64

	// Logger receives scheduler events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives batch observations when set.
	Metrics *metrics.Metrics
}

// BatchResult carries the outcome of one index batch.
type BatchResult struct {
	// Vectors holds one embedding per submitted text, in submission order.
	Vectors [][]float32

	// Err is non-nil when the batch failed. errors.IsRetryable reports
	// whether resubmitting may succeed.
	Err error
}

type taskKind int

const (
	taskSearch taskKind = iota
	taskIndex
)

// task is one unit of work bound to a model worker. Exactly one outcome is
// delivered no matter how many paths (worker, cancel, shutdown) race to
// finish it.
type task struct {
	kind   taskKind
	ctx    context.Context
	folder string
	texts  []string
	fn     func(embed.Embedder) error

	once    sync.Once
	done    chan error       // search outcome
	result  chan BatchResult // index outcome
	release func()           // returns the quota slot, index tasks only
}

func (t *task) deliver(vectors [][]float32, err error) {
	t.once.Do(func() {
		switch t.kind {
		case taskSearch:
			t.done <- err
		case taskIndex:
			t.result <- BatchResult{Vectors: vectors, Err: err}
			if t.release != nil {
				t.release()
			}
		}
	})
}

// Scheduler owns one worker goroutine per model with pending work. Workers
// are created on demand and exit after KeepAlive of idleness, unloading
// their model on the way out.
type Scheduler struct {
	cfg      Config
	log      *slog.Logger
	registry ModelRegistry

	mu      sync.Mutex
	workers map[string]*worker
	quotas  map[string]*semaphore.Weighted
	closed  bool
}

// New creates a scheduler on top of the given model registry.
func New(registry ModelRegistry, cfg Config) *Scheduler {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.MaxQueuedBatches <= 0 {
		cfg.MaxQueuedBatches = DefaultMaxQueuedBatches
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: registry,
		workers:  make(map[string]*worker),
		quotas:   make(map[string]*semaphore.Weighted),
	}
}

// Search runs fn against the loaded embedder for model and blocks until it
// finishes. Searches jump ahead of queued index batches on the same model.
// If ctx expires while the search is still queued, Search returns
// ErrCodeTaskCancelled and the worker skips the task when it reaches it.
func (s *Scheduler) Search(ctx context.Context, model string, fn func(embed.Embedder) error) error {
	t := &task{
		kind: taskSearch,
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}
	if err := s.submit(model, t); err != nil {
		return err
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return errors.New(errors.ErrCodeTaskCancelled, "search cancelled while queued", ctx.Err())
	}
}

// SubmitBatch queues texts for embedding by model on behalf of folder. The
// returned channel receives exactly one BatchResult. SubmitBatch blocks
// while the model already has MaxQueuedBatches unfinished batches; ctx
// aborts both the wait and the queued task.
func (s *Scheduler) SubmitBatch(ctx context.Context, model, folder string, texts []string) <-chan BatchResult {
	result := make(chan BatchResult, 1)
	t := &task{
		kind:   taskIndex,
		ctx:    ctx,
		folder: folder,
		texts:  texts,
		result: result,
	}

	sem := s.quota(model)
	if sem == nil {
		result <- BatchResult{Err: errClosed()}
		return result
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		result <- BatchResult{Err: errors.New(errors.ErrCodeQueueFull,
			fmt.Sprintf("batch queue for %s is full", model), err)}
		return result
	}
	t.release = func() { sem.Release(1) }

	if err := s.submit(model, t); err != nil {
		t.deliver(nil, err)
	}
	return result
}

// CancelFolder drops the folder's queued index batches on every worker and
// reports how many were dropped. Each dropped batch resolves with
// ErrCodeTaskCancelled. A batch already being embedded runs to completion
// so the model never sees a half-submitted batch.
func (s *Scheduler) CancelFolder(folder string) int {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	dropped := 0
	for _, w := range workers {
		dropped += w.cancelFolder(folder)
	}
	if dropped > 0 {
		s.log.Info("folder_batches_cancelled",
			slog.String("folder", folder),
			slog.Int("dropped", dropped))
	}
	return dropped
}

// QueuedBatches reports how many index batches are waiting (not running)
// for model.
func (s *Scheduler) QueuedBatches(model string) int {
	s.mu.Lock()
	w := s.workers[model]
	s.mu.Unlock()
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.indexQ)
}

// Close stops all workers and fails their queued tasks. A task that is
// already running finishes first. Close does not unload models; the
// registry owns that during daemon shutdown.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	for _, w := range workers {
		close(w.stop)
	}
	for _, w := range workers {
		<-w.done
	}
	return nil
}

// quota returns the model's batch quota semaphore, or nil after Close.
// Quotas outlive workers so slots held across a worker restart stay
// accounted.
func (s *Scheduler) quota(model string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	sem, ok := s.quotas[model]
	if !ok {
		sem = semaphore.NewWeighted(s.cfg.MaxQueuedBatches)
		s.quotas[model] = sem
	}
	return sem
}

// submit enqueues t on the model's worker, creating the worker if needed.
// Enqueue and worker exit both serialize on s.mu, so a worker found in the
// map cannot have drained its queues and left.
func (s *Scheduler) submit(model string, t *task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}
	w, ok := s.workers[model]
	if !ok {
		w = newWorker(s, model)
		s.workers[model] = w
		go w.loop()
	}
	w.enqueue(t)
	return nil
}

func errClosed() error {
	return errors.New(errors.ErrCodeTaskCancelled, "scheduler is shut down", nil)
}
