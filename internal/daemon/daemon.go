package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/folder-mcp/folderd/internal/config"
	"github.com/folder-mcp/folderd/internal/embed"
	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/extract"
	"github.com/folder-mcp/folderd/internal/fleet"
	"github.com/folder-mcp/folderd/internal/httpapi"
	"github.com/folder-mcp/folderd/internal/lifecycle"
	"github.com/folder-mcp/folderd/internal/metrics"
	"github.com/folder-mcp/folderd/internal/query"
	"github.com/folder-mcp/folderd/internal/scheduler"
	"github.com/folder-mcp/folderd/internal/store"
	"github.com/folder-mcp/folderd/internal/token"
)

// restartTimeout bounds how long --restart waits for the old daemon to
// hand over the process registry.
const restartTimeout = 15 * time.Second

// Options configures a daemon run.
type Options struct {
	// Config is the loaded daemon configuration.
	Config *config.Config

	// Version is reported in /health, /server/info, and the FMDM.
	Version string

	// Restart takes over a live daemon instead of failing with
	// ErrAlreadyRunning.
	Restart bool

	// Logger receives daemon events. Defaults to slog.Default().
	Logger *slog.Logger
}

// folderManager is the slice of a lifecycle manager the daemon drives.
// *lifecycle.Manager satisfies it; tests substitute fakes.
type folderManager interface {
	Path() string
	Model() string
	Store() *store.Store
	Start(ctx context.Context)
	Remove(ctx context.Context, deleteData bool) error
	Done() <-chan struct{}
}

var _ folderManager = (*lifecycle.Manager)(nil)

// Daemon is one folderd process: the shared subsystems plus one lifecycle
// manager per configured folder. Create with New, drive with Run.
//
// The daemon itself is the seam between the transports and the folders: it
// resolves query targets for the query service and applies folder mutations
// for the WebSocket, so those packages never see lifecycle managers.
type Daemon struct {
	cfg     *config.Config
	version string
	restart bool
	log     *slog.Logger

	stateDir   string
	registry   *Registry
	fleet      *fleet.Manager
	models     *embed.Registry
	sched      *scheduler.Scheduler
	tokens     *token.Issuer
	metrics    *metrics.Metrics
	queries    *query.Service
	http       *httpapi.Server
	extractors *extract.Registry

	// newManager is the construction seam for folder managers; tests swap it.
	newManager func(fc config.FolderConfig) folderManager

	// adminMu serializes folder add/remove end to end, so a removal never
	// interleaves with the same folder's add.
	adminMu sync.Mutex

	mu       sync.Mutex
	managers map[string]folderManager
	runCtx   context.Context
	addr     net.Addr

	ready chan struct{}
}

var (
	_ query.Resolver      = (*Daemon)(nil)
	_ httpapi.FolderAdmin = (*Daemon)(nil)
)

// New builds the daemon's object graph from the configuration. Nothing
// starts, binds, or touches the registry until Run.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("daemon configuration is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	stateDir := config.Dir()

	d := &Daemon{
		cfg:        opts.Config,
		version:    opts.Version,
		restart:    opts.Restart,
		log:        log.With(slog.String("component", "daemon")),
		stateDir:   stateDir,
		registry:   NewRegistry(stateDir),
		fleet:      fleet.NewManager(opts.Version),
		metrics:    metrics.New(),
		extractors: extract.DefaultRegistry(),
		managers:   make(map[string]folderManager),
		ready:      make(chan struct{}),
	}

	d.models = embed.NewRegistry(embed.RegistryConfig{
		ProcessCommand: opts.Config.Embedding.Process,
		ModelsDir:      filepath.Join(stateDir, "models"),
		AccelLibrary:   opts.Config.Embedding.AccelLibrary,
		Logger:         log,
	})
	d.sched = scheduler.New(d.models, scheduler.Config{
		KeepAlive:        opts.Config.KeepAliveDuration(),
		MaxQueuedBatches: int64(opts.Config.Embedding.MaxQueuedBatches),
		Logger:           log,
		Metrics:          d.metrics,
	})

	// The signing secret lives only in this process; download tokens die
	// with the daemon that minted them.
	tokens, err := token.NewIssuer(token.Options{})
	if err != nil {
		return nil, err
	}
	d.tokens = tokens

	d.queries = query.New(query.Config{
		Folders:   d,
		Fleet:     d.fleet,
		Scheduler: d.sched,
		Tokens:    d.tokens,
		Logger:    log,
	})
	d.http = httpapi.New(httpapi.Config{
		Query:   d.queries,
		Fleet:   d.fleet,
		Admin:   d,
		Tokens:  d.tokens,
		Metrics: d.metrics,
		Logger:  log,
	})

	d.newManager = func(fc config.FolderConfig) folderManager {
		return lifecycle.New(lifecycle.Config{
			Folder:     fc,
			Fleet:      d.fleet,
			Models:     d.models,
			Scheduler:  d.sched,
			Extractors: d.extractors,
			Logger:     log,
		})
	}

	return d, nil
}

// Run claims the process registry, binds the listener, brings every
// configured folder up, and blocks until ctx is cancelled or a subsystem
// fails. It returns ErrAlreadyRunning when another daemon holds the
// registry and Restart was not requested. Run may be called once.
func (d *Daemon) Run(ctx context.Context) error {
	if d.restart {
		takeCtx, cancel := context.WithTimeout(ctx, restartTimeout)
		err := d.registry.TakeOver(takeCtx)
		cancel()
		if err != nil {
			return err
		}
	} else if err := d.registry.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := d.registry.Release(); err != nil {
			d.log.Warn("registry_release_failed", slog.String("error", err.Error()))
		}
	}()

	addr := net.JoinHostPort(d.cfg.Daemon.Host, strconv.Itoa(d.cfg.Daemon.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	d.mu.Lock()
	d.addr = ln.Addr()
	d.runCtx = gctx
	d.mu.Unlock()

	d.log.Info("daemon_started",
		slog.Int("pid", os.Getpid()),
		slog.String("addr", ln.Addr().String()),
		slog.String("version", d.version),
		slog.String("state_dir", d.stateDir),
		slog.Int("folders", len(d.cfg.Folders)))

	d.publishModels()

	// Restart recovery: every configured folder gets its manager back. One
	// with an index on disk re-enters scanning and reconciles drift; a fresh
	// one travels the whole journey from pending.
	for _, fc := range d.cfg.Folders {
		d.spawn(gctx, fc)
	}

	g.Go(func() error {
		return d.http.Serve(gctx, ln)
	})
	g.Go(func() error {
		d.observeFleet(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})

	close(d.ready)
	return g.Wait()
}

// Addr returns the bound listen address, nil before Run has bound it.
// With a configured port of 0 this is where the kernel's pick shows up.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Ready closes once the daemon is serving requests.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Queries exposes the in-process query service, used when the MCP bridge
// runs inside the daemon process.
func (d *Daemon) Queries() *query.Service { return d.queries }

// Resolve maps a configured folder path to its query target. Implements
// query.Resolver.
func (d *Daemon) Resolve(path string) (query.Target, error) {
	clean := filepath.Clean(path)

	d.mu.Lock()
	mgr, ok := d.managers[clean]
	d.mu.Unlock()

	if !ok {
		return query.Target{}, errors.New(errors.ErrCodeFolderNotFound,
			"folder is not configured", nil).WithDetail("folder", clean)
	}
	return query.Target{Path: mgr.Path(), Model: mgr.Model(), Store: mgr.Store()}, nil
}

// AddFolder validates a new folder, persists it to the configuration, and
// brings its lifecycle manager up. An empty model selects the catalog's
// CPU default. Implements httpapi.FolderAdmin.
func (d *Daemon) AddFolder(ctx context.Context, path, model string) error {
	d.adminMu.Lock()
	defer d.adminMu.Unlock()

	if model == "" {
		def, err := embed.DefaultModelID(embed.KindCPU)
		if err != nil {
			return err
		}
		model = def
	}
	if _, err := embed.LookupModel(model); err != nil {
		return err
	}

	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return errors.New(errors.ErrCodeFolderNotFound,
			"folder does not exist", err).WithDetail("folder", clean)
	}
	if !info.IsDir() {
		return errors.New(errors.ErrCodeInvalidInput,
			"path is not a directory", nil).WithDetail("folder", clean)
	}

	entry, err := d.cfg.AddFolder(clean, model)
	if err != nil {
		return errors.New(errors.ErrCodeInvalidInput, err.Error(), err)
	}

	d.spawn(d.lifecycleCtx(), entry)

	d.log.Info("folder_added",
		slog.String("folder", entry.Path),
		slog.String("model", entry.Model))
	return nil
}

// RemoveFolder takes a folder out of the configuration and tears its
// manager down. The on-disk index stays behind; re-adding the folder later
// recovers it without re-embedding. Implements httpapi.FolderAdmin.
func (d *Daemon) RemoveFolder(ctx context.Context, path string) error {
	d.adminMu.Lock()
	defer d.adminMu.Unlock()

	clean := filepath.Clean(path)

	d.mu.Lock()
	mgr, ok := d.managers[clean]
	delete(d.managers, clean)
	d.mu.Unlock()

	removed, err := d.cfg.RemoveFolder(clean)
	if err != nil {
		return errors.InternalError("failed to persist folder removal", err)
	}
	if !removed && !ok {
		return errors.New(errors.ErrCodeFolderNotFound,
			"folder is not configured", nil).WithDetail("folder", clean)
	}

	if ok {
		if err := mgr.Remove(ctx, false); err != nil {
			return err
		}
	}

	d.log.Info("folder_removed", slog.String("folder", clean))
	return nil
}

// spawn creates and starts one folder's manager.
func (d *Daemon) spawn(ctx context.Context, fc config.FolderConfig) {
	mgr := d.newManager(fc)

	d.mu.Lock()
	d.managers[fc.Path] = mgr
	d.mu.Unlock()

	mgr.Start(ctx)
}

// lifecycleCtx is the context folder managers run under. Before Run it
// falls back to Background, which only unit tests exercise.
func (d *Daemon) lifecycleCtx() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runCtx != nil {
		return d.runCtx
	}
	return context.Background()
}

// publishModels pushes the current catalog view into the fleet.
func (d *Daemon) publishModels() {
	infos, err := d.models.ListModels()
	if err != nil {
		d.log.Warn("model_catalog_failed", slog.String("error", err.Error()))
		return
	}
	d.fleet.SetModels(infos)
}

// observeFleet mirrors fleet snapshots onto the prometheus collectors
// until ctx dies.
func (d *Daemon) observeFleet(ctx context.Context) {
	snaps, cancel := d.fleet.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			d.metrics.ObserveFMDM(snap)
		}
	}
}

// shutdown drains the daemon within the configured grace period: stop
// accepting requests, wait for folder managers to close their stores, then
// release the scheduler and loaded models. Whatever is still pending when
// the grace expires is abandoned; the next start reconciles it.
func (d *Daemon) shutdown() error {
	grace := d.cfg.ShutdownGraceDuration()
	d.log.Info("daemon_stopping", slog.Duration("grace", grace))

	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := d.http.Shutdown(sctx); err != nil {
		d.log.Warn("http_shutdown_failed", slog.String("error", err.Error()))
	}

	forced := 0
	for _, mgr := range d.managersSnapshot() {
		select {
		case <-mgr.Done():
		case <-sctx.Done():
			forced++
		}
	}
	if forced > 0 {
		d.log.Warn("folder_shutdown_forced", slog.Int("folders", forced))
	}

	d.fleet.Close()
	if err := d.sched.Close(); err != nil {
		d.log.Warn("scheduler_close_failed", slog.String("error", err.Error()))
	}
	if err := d.models.Close(); err != nil {
		d.log.Warn("model_close_failed", slog.String("error", err.Error()))
	}

	d.log.Info("daemon_stopped")
	return nil
}

func (d *Daemon) managersSnapshot() []folderManager {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]folderManager, 0, len(d.managers))
	for _, mgr := range d.managers {
		out = append(out, mgr)
	}
	return out
}
