package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/folder-mcp/folderd/internal/embed"
	"github.com/folder-mcp/folderd/internal/errors"
)

// worker owns all embedding work for one model. It drains searches before
// index batches, runs one task at a time, and exits after KeepAlive of
// idleness or when the model runtime dies under it.
type worker struct {
	s     *Scheduler
	model string

	mu      sync.Mutex
	searchQ []*task
	indexQ  []*task

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newWorker(s *Scheduler, model string) *worker {
	return &worker{
		s:     s,
		model: model,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// enqueue adds t and nudges the loop. Callers hold s.mu, which is what
// guarantees the worker has not already exited.
func (w *worker) enqueue(t *task) {
	w.mu.Lock()
	if t.kind == taskSearch {
		w.searchQ = append(w.searchQ, t)
	} else {
		w.indexQ = append(w.indexQ, t)
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// next pops the highest-priority pending task, searches first.
func (w *worker) next() *task {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.searchQ) > 0 {
		t := w.searchQ[0]
		w.searchQ = w.searchQ[1:]
		return t
	}
	if len(w.indexQ) > 0 {
		t := w.indexQ[0]
		w.indexQ = w.indexQ[1:]
		return t
	}
	return nil
}

// cancelFolder removes the folder's queued index batches and resolves them
// as cancelled. Searches are never folder-scoped, so only indexQ is
// filtered.
func (w *worker) cancelFolder(folder string) int {
	w.mu.Lock()
	var dropped []*task
	kept := w.indexQ[:0]
	for _, t := range w.indexQ {
		if t.folder == folder {
			dropped = append(dropped, t)
		} else {
			kept = append(kept, t)
		}
	}
	w.indexQ = kept
	w.mu.Unlock()

	for _, t := range dropped {
		t.deliver(nil, errors.New(errors.ErrCodeTaskCancelled,
			fmt.Sprintf("indexing for %s was cancelled", folder), nil))
	}
	return len(dropped)
}

func (w *worker) loop() {
	defer close(w.done)

	idle := time.NewTimer(w.s.cfg.KeepAlive)
	defer idle.Stop()

	for {
		select {
		case <-w.stop:
			w.failQueued(errClosed())
			return
		default:
		}

		t := w.next()
		if t == nil {
			select {
			case <-w.wake:
			case <-w.stop:
				w.failQueued(errClosed())
				return
			case <-idle.C:
				if w.tryExit() {
					return
				}
				idle.Reset(w.s.cfg.KeepAlive)
			}
			continue
		}

		if cause := w.run(t); cause != nil {
			w.crash(cause)
			return
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(w.s.cfg.KeepAlive)
	}
}

// run executes one task. The returned error is non-nil only when the model
// runtime died and the worker must tear down.
func (w *worker) run(t *task) error {
	if err := t.ctx.Err(); err != nil {
		t.deliver(nil, errors.New(errors.ErrCodeTaskCancelled, "task cancelled before it ran", err))
		return nil
	}

	emb, err := w.s.registry.EnsureLoaded(t.ctx, w.model, nil)
	if err != nil {
		// A failed load is not a crash. The registry keeps nothing cached
		// after a load error, so a retried task triggers a fresh attempt.
		t.deliver(nil, err)
		return nil
	}

	switch t.kind {
	case taskSearch:
		t.deliver(nil, w.runSearch(emb, t))
	case taskIndex:
		vectors, err := emb.EmbedBatch(t.ctx, t.texts)
		if w.s.cfg.Metrics != nil {
			w.s.cfg.Metrics.ObserveBatch(w.model, err)
		}
		if err != nil {
			t.deliver(nil, err)
			if modelDied(err) {
				return err
			}
			return nil
		}
		t.deliver(vectors, nil)
	}
	return nil
}

// runSearch shields the worker from panics in caller-provided closures.
func (w *worker) runSearch(emb embed.Embedder, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError(fmt.Sprintf("search closure panicked: %v", r), nil)
		}
	}()
	return t.fn(emb)
}

// tryExit removes the worker and unloads its model if the idle window
// passed with no new work. Taking s.mu before w.mu mirrors the enqueue
// path, so exit and enqueue cannot interleave: either the submitter finds
// the worker gone and starts a fresh one, or the exit check sees the task.
func (w *worker) tryExit() bool {
	w.s.mu.Lock()
	w.mu.Lock()
	if len(w.searchQ) > 0 || len(w.indexQ) > 0 {
		w.mu.Unlock()
		w.s.mu.Unlock()
		return false
	}
	if w.s.workers[w.model] == w {
		delete(w.s.workers, w.model)
	}
	w.mu.Unlock()
	w.s.mu.Unlock()

	w.s.log.Info("model_idle_unloaded", slog.String("model", w.model))
	if err := w.s.registry.Unload(w.model); err != nil {
		w.s.log.Warn("idle_unload_failed",
			slog.String("model", w.model),
			slog.Any("error", err))
	}
	return true
}

// crash tears the worker down after its model runtime died: queued tasks
// fail with a retryable error, the model is unloaded so the next submission
// starts a fresh runtime, and the loop exits.
func (w *worker) crash(cause error) {
	w.s.mu.Lock()
	w.mu.Lock()
	queued := len(w.searchQ) + len(w.indexQ)
	if w.s.workers[w.model] == w {
		delete(w.s.workers, w.model)
	}
	w.mu.Unlock()
	w.s.mu.Unlock()

	w.s.log.Warn("worker_crashed",
		slog.String("model", w.model),
		slog.Int("queued_tasks", queued),
		slog.Any("error", cause))

	w.failQueued(errors.New(errors.ErrCodeWorkerCrashed,
		fmt.Sprintf("embedding worker for %s crashed", w.model), cause))

	if err := w.s.registry.Unload(w.model); err != nil {
		w.s.log.Warn("unload_after_crash_failed",
			slog.String("model", w.model),
			slog.Any("error", err))
	}
}

// failQueued resolves every queued task with err.
func (w *worker) failQueued(err error) {
	w.mu.Lock()
	queued := make([]*task, 0, len(w.searchQ)+len(w.indexQ))
	queued = append(queued, w.searchQ...)
	queued = append(queued, w.indexQ...)
	w.searchQ = nil
	w.indexQ = nil
	w.mu.Unlock()

	for _, t := range queued {
		t.deliver(nil, err)
	}
}

// modelDied reports whether err means the model runtime itself is gone, as
// opposed to a single batch failing.
func modelDied(err error) bool {
	switch errors.GetCode(err) {
	case errors.ErrCodeModelProcess, errors.ErrCodeModelUnavailable:
		return true
	}
	return false
}
