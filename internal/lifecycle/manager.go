// Package lifecycle drives each configured folder through its indexing
// states: model download, scan, index, watch, removal. One Manager runs per
// folder; everything the rest of the daemon learns about a folder flows
// through the fleet.
package lifecycle

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/folder-mcp/folderd/internal/config"
	"github.com/folder-mcp/folderd/internal/embed"
	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/extract"
	"github.com/folder-mcp/folderd/internal/fleet"
	"github.com/folder-mcp/folderd/internal/pipeline"
	"github.com/folder-mcp/folderd/internal/scanner"
	"github.com/folder-mcp/folderd/internal/store"
	"github.com/folder-mcp/folderd/internal/watcher"
)

const (
	// progressInterval is the minimum spacing between fleet publishes
	// driven purely by progress. State changes publish immediately.
	progressInterval = 250 * time.Millisecond

	// maxNotifications caps a folder's notification list; oldest drop first.
	maxNotifications = 50
)

// StatePublisher is the slice of the fleet a folder manager writes to.
type StatePublisher interface {
	SetFolder(state fleet.FolderState)
	RemoveFolder(path string)
}

// ModelManager is the slice of the model registry the lifecycle needs:
// a cheap installed probe and the install path with download progress.
type ModelManager interface {
	ProbeInstalled(m embed.ModelInfo) bool
	Install(ctx context.Context, modelID string, progressFn func(embed.PullProgress)) error
}

// TaskScheduler is the slice of the scheduler the lifecycle needs.
type TaskScheduler interface {
	pipeline.BatchSubmitter
	CancelFolder(folder string) int
}

// WatcherFactory builds the folder's change watcher. Tests substitute fakes.
type WatcherFactory func(opts watcher.Options) (watcher.FolderWatcher, error)

// Config wires one folder manager.
type Config struct {
	// Folder is the configured path and model. Path is the identity.
	Folder config.FolderConfig

	Fleet     StatePublisher
	Models    ModelManager
	Scheduler TaskScheduler

	// Extractors is shared across folders. Nil uses the default registry.
	Extractors *extract.Registry

	// NewWatcher builds the change watcher once the first pass lands.
	// Nil uses the hybrid fsnotify/polling watcher with default options.
	NewWatcher WatcherFactory

	// Retry governs model install attempts and embedding batch
	// resubmission. Zero value means errors.DefaultRetryConfig().
	Retry errors.RetryConfig

	Logger *slog.Logger
}

// Manager owns one folder's runtime state. All mutation happens on the run
// goroutine; Remove and Reindex only signal it.
type Manager struct {
	path       string
	model      string
	fleet      StatePublisher
	models     ModelManager
	sched      TaskScheduler
	extractors *extract.Registry
	newWatcher WatcherFactory
	retry      errors.RetryConfig
	log        *slog.Logger

	// Set by the run goroutine during scanning.
	info embed.ModelInfo
	pipe *pipeline.Pipeline

	mu            sync.Mutex
	store         *store.Store
	state         fleet.Status
	progress      *float64
	lastError     *string
	lastIndexed   *time.Time
	docCount      int
	chunkCount    int
	notifications []fleet.Notification
	lastPublish   time.Time
	removeDelete  bool
	removeErr     error

	removeOnce sync.Once
	removeCh   chan struct{}
	kick       chan struct{}
	done       chan struct{}
}

// New creates the manager for one configured folder. Call Start to begin.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Extractors == nil {
		cfg.Extractors = extract.DefaultRegistry()
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = errors.DefaultRetryConfig()
	}
	nw := cfg.NewWatcher
	if nw == nil {
		nw = func(opts watcher.Options) (watcher.FolderWatcher, error) {
			return watcher.NewHybridWatcher(opts)
		}
	}
	return &Manager{
		path:       cfg.Folder.Path,
		model:      cfg.Folder.Model,
		fleet:      cfg.Fleet,
		models:     cfg.Models,
		sched:      cfg.Scheduler,
		extractors: cfg.Extractors,
		newWatcher: nw,
		retry:      cfg.Retry,
		log:        cfg.Logger.With(slog.String("folder", cfg.Folder.Path)),
		state:      fleet.StatusPending,
		removeCh:   make(chan struct{}),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Path returns the folder path this manager owns.
func (m *Manager) Path() string { return m.path }

// Model returns the folder's configured embedding model id.
func (m *Manager) Model() string { return m.model }

// Store returns the folder's open store, nil before scanning has opened it
// and after removal closed it. Callers must not close it.
func (m *Manager) Store() *store.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store
}

// Done closes when the run goroutine has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Start launches the folder's lifecycle goroutine.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Reindex asks for an extra indexing pass. In the error state it retries
// the whole journey from the top. No-op when a request is already queued.
func (m *Manager) Reindex() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Remove takes the folder out of service: outstanding embedding work is
// cancelled, the watcher stops, the store closes, and the folder leaves
// the fleet. deleteData also deletes the on-disk index directory.
// Blocks until the run goroutine has finished the teardown.
func (m *Manager) Remove(ctx context.Context, deleteData bool) error {
	m.removeOnce.Do(func() {
		m.mu.Lock()
		m.removeDelete = deleteData
		m.mu.Unlock()
		close(m.removeCh)
		m.sched.CancelFolder(m.path)
	})

	select {
	case <-m.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.removeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run loops journeys until the folder is removed or the daemon stops.
// A failed journey parks in the error state and waits for a retry request.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	for {
		// Removal must interrupt whatever the cycle is blocked on, so the
		// cycle runs under a context that dies with the remove signal.
		cctx, cancel := context.WithCancel(ctx)
		armed := make(chan struct{})
		go func() {
			select {
			case <-m.removeCh:
				cancel()
			case <-armed:
			}
		}()

		err := m.cycle(cctx)
		cancel()
		close(armed)

		if ctx.Err() != nil {
			m.shutdown()
			return
		}
		if m.removing() {
			m.finishRemove()
			return
		}
		if err == nil {
			return
		}

		m.enterError(err)

		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case <-m.removeCh:
			m.finishRemove()
			return
		case <-m.kick:
			m.log.Info("folder_retry_requested")
		}
	}
}

// cycle is one journey from cold start to steady-state watching. It returns
// when the folder fails or the context dies; the caller sorts out which.
func (m *Manager) cycle(ctx context.Context) error {
	info, err := embed.LookupModel(m.model)
	if err != nil {
		return err
	}
	m.info = info

	// Restart recovery: a folder with an existing index starts in scanning
	// and reconciles drift; a fresh folder travels through pending and the
	// model download first.
	if m.Store() == nil && !store.Exists(m.path) {
		m.setState(fleet.StatusPending)
		if err := m.ensureModel(ctx); err != nil {
			return err
		}
	}

	m.setState(fleet.StatusScanning)
	if err := m.openStore(ctx); err != nil {
		return err
	}

	plan, err := m.pipe.Plan(ctx)
	if err != nil {
		return err
	}

	m.refreshCounts(ctx)
	m.setState(fleet.StatusReady)

	// A recovered folder can still be missing its model, e.g. when the
	// model cache was wiped while the daemon was down.
	if err := m.ensureModel(ctx); err != nil {
		return err
	}

	if err := m.runPass(ctx, plan); err != nil {
		return err
	}

	return m.watch(ctx)
}

// ensureModel installs the folder's model when it is not on disk. Download
// progress maps onto the folder's progress fraction.
func (m *Manager) ensureModel(ctx context.Context) error {
	if m.models.ProbeInstalled(m.info) {
		return nil
	}

	m.setStateProgress(fleet.StatusDownloadingModel, 0)
	m.log.Info("model_download_started", slog.String("model", m.model))

	err := errors.Retry(ctx, m.retry, func() error {
		return m.models.Install(ctx, m.model, m.onPullProgress)
	})
	if err != nil {
		return err
	}

	m.log.Info("model_download_finished", slog.String("model", m.model))
	return nil
}

// openStore opens the folder's index and builds the pipeline over it.
// No-op when a previous cycle already opened it.
func (m *Manager) openStore(ctx context.Context) error {
	if m.Store() != nil {
		return nil
	}

	st, err := store.Open(m.path, store.Options{Dimensions: m.info.Dimensions, Logger: m.log})
	if err != nil {
		return err
	}
	if err := st.SetState(ctx, store.StateKeyDimensions, strconv.Itoa(m.info.Dimensions)); err != nil {
		_ = st.Close()
		return err
	}

	m.mu.Lock()
	m.store = st
	m.mu.Unlock()

	m.pipe = pipeline.New(pipeline.Config{
		Folder:     m.path,
		Model:      m.model,
		Store:      st,
		Scanner:    scanner.New(m.log, scanner.Options{Supported: m.extractors.Supported}),
		Extractors: m.extractors,
		Scheduler:  m.sched,
		Retry:      m.retry,
		OnProgress: m.onProgress,
		OnNotice:   m.onNotice,
		Logger:     m.log,
	})
	return nil
}

// runPass executes one indexing pass: indexing while it runs, indexed when
// it lands.
func (m *Manager) runPass(ctx context.Context, plan *pipeline.Plan) error {
	m.beginIndexing(plan)

	sum, err := m.pipe.Execute(ctx, plan)
	if err != nil {
		return err
	}

	m.finishPass(ctx)
	m.log.Info("folder_indexed",
		slog.Int("inserted", sum.Inserted),
		slog.Int("updated", sum.Updated),
		slog.Int("deleted", sum.Deleted),
		slog.Int("skipped", sum.Skipped),
		slog.Duration("duration", sum.Duration))
	return nil
}

// watch is the steady state: park on the change watcher and fold each
// debounced batch into a fresh pass.
func (m *Manager) watch(ctx context.Context) error {
	w, err := m.newWatcher(watcher.Options{})
	if err != nil {
		return errors.New(errors.ErrCodeInternal, "failed to create folder watcher", err)
	}
	defer func() { _ = w.Stop() }()

	startErr := make(chan error, 1)
	go func() { startErr <- w.Start(ctx, m.path) }()

	m.setState(fleet.StatusWatching)

	events := w.Events()
	werrs := w.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-m.kick:
			m.log.Info("manual_reindex_requested")
			if err := m.reindex(ctx, w); err != nil {
				return err
			}

		case batch, ok := <-events:
			if !ok {
				return errors.New(errors.ErrCodeInternal, "folder watcher stopped unexpectedly", nil)
			}
			m.log.Debug("change_batch_received", slog.Int("events", len(batch)))
			if err := m.reindex(ctx, w); err != nil {
				return err
			}

		case werr, ok := <-werrs:
			if !ok {
				werrs = nil
				continue
			}
			m.log.Warn("watcher_error", slog.String("error", werr.Error()))

		case err := <-startErr:
			if err != nil && ctx.Err() == nil {
				return errors.New(errors.ErrCodeInternal, "folder watcher failed", err)
			}
			return nil
		}
	}
}

// reindex is the watching to indexing and back hop. Batches that queued up
// while a pass ran fold into the next plan, so a burst costs at most one
// extra scan.
func (m *Manager) reindex(ctx context.Context, w watcher.FolderWatcher) error {
	drainEvents(w)

	m.setState(fleet.StatusIndexing)
	plan, err := m.pipe.Plan(ctx)
	if err != nil {
		return err
	}
	if err := m.runPass(ctx, plan); err != nil {
		return err
	}

	m.setState(fleet.StatusWatching)
	return nil
}

func drainEvents(w watcher.FolderWatcher) {
	for {
		select {
		case _, ok := <-w.Events():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// removing reports whether Remove has been requested.
func (m *Manager) removing() bool {
	select {
	case <-m.removeCh:
		return true
	default:
		return false
	}
}

// finishRemove tears the folder down: stragglers cancelled, store closed,
// fleet entry dropped, on-disk index deleted when requested.
func (m *Manager) finishRemove() {
	m.sched.CancelFolder(m.path)
	m.setState(fleet.StatusRemoved)

	m.closeStore()

	m.mu.Lock()
	deleteData := m.removeDelete
	m.mu.Unlock()

	var removeErr error
	if deleteData {
		if err := store.Remove(m.path); err != nil {
			removeErr = err
			m.log.Warn("index_delete_failed", slog.String("error", err.Error()))
		}
	}

	m.fleet.RemoveFolder(m.path)

	m.mu.Lock()
	m.removeErr = removeErr
	m.mu.Unlock()

	m.log.Info("folder_removed", slog.Bool("data_deleted", deleteData))
}

// shutdown releases resources on daemon exit. The fleet entry stays as-is
// for the final snapshot.
func (m *Manager) shutdown() {
	m.closeStore()
	m.log.Info("folder_manager_stopped")
}

func (m *Manager) closeStore() {
	m.mu.Lock()
	st := m.store
	m.store = nil
	m.mu.Unlock()

	if st != nil {
		if err := st.Close(); err != nil {
			m.log.Warn("store_close_failed", slog.String("error", err.Error()))
		}
	}
}

// enterError parks the folder with its diagnostic. The folder stays until
// removal, daemon shutdown, or a retry request.
func (m *Manager) enterError(err error) {
	msg := err.Error()
	m.mu.Lock()
	m.state = fleet.StatusError
	m.progress = nil
	m.lastError = &msg
	m.mu.Unlock()
	m.publish()

	m.log.Error("folder_failed",
		slog.String("code", errors.GetCode(err)),
		slog.String("error", msg))
}

func (m *Manager) setState(s fleet.Status) {
	m.mu.Lock()
	m.state = s
	m.progress = nil
	m.lastError = nil
	m.mu.Unlock()
	m.publish()

	m.log.Info("folder_state_changed", slog.String("state", string(s)))
}

func (m *Manager) setStateProgress(s fleet.Status, frac float64) {
	m.mu.Lock()
	m.state = s
	m.progress = &frac
	m.lastError = nil
	m.mu.Unlock()
	m.publish()

	m.log.Info("folder_state_changed", slog.String("state", string(s)))
}

func (m *Manager) beginIndexing(plan *pipeline.Plan) {
	m.mu.Lock()
	m.state = fleet.StatusIndexing
	m.lastError = nil
	if plan.Total() > 0 {
		zero := 0.0
		m.progress = &zero
	} else {
		m.progress = nil
	}
	m.mu.Unlock()
	m.publish()

	m.log.Info("folder_state_changed",
		slog.String("state", string(fleet.StatusIndexing)),
		slog.Int("planned", plan.Total()))
}

func (m *Manager) finishPass(ctx context.Context) {
	m.refreshCounts(ctx)
	now := time.Now().UTC()

	m.mu.Lock()
	m.state = fleet.StatusIndexed
	m.progress = nil
	m.lastIndexed = &now
	m.mu.Unlock()
	m.publish()

	m.log.Info("folder_state_changed", slog.String("state", string(fleet.StatusIndexed)))
}

func (m *Manager) refreshCounts(ctx context.Context) {
	st := m.Store()
	if st == nil {
		return
	}
	docs, err := st.DocumentCount(ctx)
	if err != nil {
		return
	}
	chunks, err := st.ChunkCount(ctx)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.docCount = docs
	m.chunkCount = chunks
	m.mu.Unlock()
}

// onProgress relays per-document pipeline progress, coalescing updates that
// land closer together than progressInterval. The final update always ships.
func (m *Manager) onProgress(done, total int) {
	frac := float64(done) / float64(total)

	m.mu.Lock()
	m.progress = &frac
	due := done == total || time.Since(m.lastPublish) >= progressInterval
	m.mu.Unlock()

	if due {
		m.publish()
	}
}

// onPullProgress relays model download progress the same way. It can fire
// from the embedder's reader goroutine, hence the locking.
func (m *Manager) onPullProgress(p embed.PullProgress) {
	frac := p.Percent / 100
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}

	m.mu.Lock()
	m.progress = &frac
	due := time.Since(m.lastPublish) >= progressInterval
	m.mu.Unlock()

	if due {
		m.publish()
	}
}

// onNotice appends a per-document problem to the folder's notifications.
func (m *Manager) onNotice(n pipeline.Notice) {
	m.mu.Lock()
	m.notifications = append(m.notifications, fleet.Notification{
		Path:    n.Path,
		Code:    n.Code,
		Message: n.Message,
		Time:    time.Now().UTC(),
	})
	if len(m.notifications) > maxNotifications {
		m.notifications = m.notifications[len(m.notifications)-maxNotifications:]
	}
	m.mu.Unlock()

	m.publish()
}

// publish pushes the folder's current runtime state to the fleet.
func (m *Manager) publish() {
	m.mu.Lock()
	st := fleet.FolderState{
		Path:          m.path,
		Model:         m.model,
		Status:        m.state,
		DocumentCount: m.docCount,
		ChunkCount:    m.chunkCount,
	}
	if m.progress != nil {
		p := *m.progress
		st.Progress = &p
	}
	if m.lastError != nil {
		e := *m.lastError
		st.LastError = &e
	}
	if m.lastIndexed != nil {
		ts := *m.lastIndexed
		st.LastIndexed = &ts
	}
	if len(m.notifications) > 0 {
		st.Notifications = append([]fleet.Notification(nil), m.notifications...)
	}
	m.lastPublish = time.Now()
	m.mu.Unlock()

	m.fleet.SetFolder(st)
}
