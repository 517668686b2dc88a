package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/folder-mcp/folderd/internal/scanner"
)

// renameHorizon bounds how long the delete half of a rename waits for its
// create half. The kernel queues both sides of one rename back to back, so
// anything older is a genuine delete (or a move out of the watched tree).
const renameHorizon = 2 * time.Second

// HybridWatcher watches one folder using fsnotify as the primary mechanism
// with polling as a fallback for filesystems where fsnotify fails (network
// mounts, some container volumes). Events inside the folder's own store
// directory never surface, so indexing cannot re-trigger itself through its
// own writes.
type HybridWatcher struct {
	fsWatcher   *fsnotify.Watcher
	pollWatcher *PollingWatcher
	useFsnotify bool
	debouncer   *Debouncer
	ignores     []string
	events      chan []FileEvent
	errors      chan error
	stopCh      chan struct{}
	rootPath    string
	opts        Options

	paused atomic.Bool

	renameMu sync.Mutex
	renames  []pendingRename

	mu             sync.RWMutex
	stopped        bool
	droppedBatches atomic.Uint64
}

// pendingRename is the delete half of a rename waiting for its create half.
type pendingRename struct {
	id   string
	seen time.Time
}

var _ FolderWatcher = (*HybridWatcher)(nil)

// NewHybridWatcher creates a new hybrid watcher with the given options.
// Attempts to use fsnotify first, falls back to polling if it fails.
func NewHybridWatcher(opts Options) (*HybridWatcher, error) {
	opts = opts.WithDefaults()

	ignores := append(append([]string{}, scanner.DefaultIgnores...), opts.IgnorePatterns...)

	h := &HybridWatcher{
		debouncer: NewDebouncer(opts.DebounceWindow),
		ignores:   ignores,
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
		opts:      opts,
	}

	// Try to create fsnotify watcher
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		h.fsWatcher = fsw
		h.useFsnotify = true
	} else {
		// Fall back to polling
		h.useFsnotify = false
		h.pollWatcher = NewPollingWatcher(opts.PollInterval)
	}

	return h, nil
}

// Start begins watching the given directory. It blocks until Stop is called
// or the context is cancelled.
func (h *HybridWatcher) Start(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("stat watch root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root is not a directory: %s", absPath)
	}
	h.rootPath = absPath

	// Start debouncer forwarding
	go h.forwardDebouncedEvents(ctx)

	if h.useFsnotify {
		return h.startFsnotify(ctx)
	}
	return h.startPolling(ctx)
}

// startFsnotify starts the fsnotify-based watcher.
func (h *HybridWatcher) startFsnotify(ctx context.Context) error {
	// Recursively add all directories to watch
	if err := h.addRecursive(h.rootPath); err != nil {
		return fmt.Errorf("add directories to watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = h.Stop()
			return ctx.Err()
		case <-h.stopCh:
			return nil
		case event, ok := <-h.fsWatcher.Events:
			if !ok {
				return nil
			}
			h.handleFsnotifyEvent(event)
		case err, ok := <-h.fsWatcher.Errors:
			if !ok {
				return nil
			}
			h.emitError(err)
		}
	}
}

// startPolling starts the polling-based watcher.
func (h *HybridWatcher) startPolling(ctx context.Context) error {
	// Forward polling events through the debouncer
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case event, ok := <-h.pollWatcher.Events():
				if !ok {
					return
				}
				if h.paused.Load() {
					continue
				}
				if h.shouldIgnore(event.Path, event.IsDir) {
					continue
				}
				h.debouncer.Add(event)
			case err, ok := <-h.pollWatcher.Errors():
				if !ok {
					return
				}
				h.emitError(err)
			}
		}
	}()

	return h.pollWatcher.Start(ctx, h.rootPath)
}

// handleFsnotifyEvent converts and filters fsnotify events.
func (h *HybridWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	if h.paused.Load() {
		return
	}

	relPath, err := filepath.Rel(h.rootPath, event.Name)
	if err != nil {
		relPath = event.Name
	}
	relPath = filepath.ToSlash(relPath)

	// Deleted or renamed-away paths cannot be stat'ed; IsDir stays false
	// and the pipeline's diff sorts it out.
	isDir := false
	if info, err := os.Stat(event.Name); err == nil {
		isDir = info.IsDir()
	}

	if h.shouldIgnore(relPath, isDir) {
		return
	}

	var op Operation
	var renameID string
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
		renameID = h.takeRename()
		// Attach watches to new directories, including anything already
		// nested inside them from a bulk copy.
		if isDir {
			_ = h.addRecursive(event.Name)
		}
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0:
		op = OpDelete
	case event.Op&fsnotify.Rename != 0:
		// The old path of a rename. The new path arrives as a separate
		// Create carrying the same id; a move out of the watched tree
		// leaves the id unpaired.
		op = OpDelete
		renameID = h.noteRename()
	default:
		// Chmod and friends do not change content
		return
	}

	h.debouncer.Add(FileEvent{
		Path:      relPath,
		Operation: op,
		IsDir:     isDir,
		Timestamp: time.Now(),
		RenameID:  renameID,
	})
}

// noteRename records the delete half of a rename and returns its
// correlation id.
func (h *HybridWatcher) noteRename() string {
	h.renameMu.Lock()
	defer h.renameMu.Unlock()

	h.pruneRenamesLocked(time.Now())
	id := uuid.NewString()
	h.renames = append(h.renames, pendingRename{id: id, seen: time.Now()})
	return id
}

// takeRename pairs a create with the oldest pending rename, if any.
func (h *HybridWatcher) takeRename() string {
	h.renameMu.Lock()
	defer h.renameMu.Unlock()

	h.pruneRenamesLocked(time.Now())
	if len(h.renames) == 0 {
		return ""
	}
	id := h.renames[0].id
	h.renames = h.renames[1:]
	return id
}

func (h *HybridWatcher) pruneRenamesLocked(now time.Time) {
	kept := h.renames[:0]
	for _, r := range h.renames {
		if now.Sub(r.seen) <= renameHorizon {
			kept = append(kept, r)
		}
	}
	h.renames = kept
}

// Pause discards incoming events until Resume. Anything already coalesced
// is dropped too: the indexing pass that prompted the pause rescans the
// folder and picks those changes up itself.
func (h *HybridWatcher) Pause() {
	h.paused.Store(true)
	h.debouncer.Clear()
}

// Resume drains whatever leaked in during the pause and starts delivering
// events again.
func (h *HybridWatcher) Resume() {
	h.debouncer.Clear()
	h.paused.Store(false)
}

// Paused reports whether the watcher is currently discarding events.
func (h *HybridWatcher) Paused() bool {
	return h.paused.Load()
}

// forwardDebouncedEvents forwards debounced events to the output channel.
func (h *HybridWatcher) forwardDebouncedEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case events, ok := <-h.debouncer.Output():
			if !ok {
				return
			}
			if len(events) == 0 {
				continue
			}
			h.emitEvents(events)
		}
	}
}

// addRecursive adds all directories under root to the fsnotify watcher.
func (h *HybridWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}

		if !d.IsDir() {
			return nil
		}

		relPath, _ := filepath.Rel(h.rootPath, path)

		// The root must be watchable; anything less is a dead watcher.
		if relPath == "." {
			return h.fsWatcher.Add(path)
		}

		if scanner.SkipDirName(d.Name()) {
			return filepath.SkipDir
		}

		if err := h.fsWatcher.Add(path); err != nil {
			// One unwatchable subfolder (permissions, exhausted inotify
			// watches) must not take down the rest of the folder.
			slog.Warn("skipping unwatchable subfolder", "path", path, "error", err)
			return filepath.SkipDir
		}
		return nil
	})
}

// shouldIgnore returns true if the path should be ignored.
func (h *HybridWatcher) shouldIgnore(relPath string, isDir bool) bool {
	if relPath == "." || relPath == "" {
		return true
	}

	parts := strings.Split(relPath, "/")
	for i, part := range parts {
		if i < len(parts)-1 || isDir {
			if scanner.SkipDirName(part) {
				return true
			}
			continue
		}
		// Hidden files are not indexed, so changes to them are noise.
		if strings.HasPrefix(part, ".") {
			return true
		}
	}

	return matchesAny(h.ignores, relPath)
}

// matchesAny reports whether rel matches any of the ignore patterns.
// Malformed patterns never match.
func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// emitEvents sends events to the output channel.
func (h *HybridWatcher) emitEvents(events []FileEvent) {
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()

	if stopped {
		return
	}

	select {
	case h.events <- events:
	default:
		count := h.droppedBatches.Add(1)
		slog.Warn("event buffer full, dropping batch",
			slog.Int("batch_size", len(events)),
			slog.Uint64("total_dropped_batches", count),
		)
	}
}

// DroppedBatches returns the number of event batches dropped due to buffer overflow.
func (h *HybridWatcher) DroppedBatches() uint64 {
	return h.droppedBatches.Load()
}

// emitError sends an error to the error channel.
func (h *HybridWatcher) emitError(err error) {
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()

	if stopped {
		return
	}

	select {
	case h.errors <- err:
	default:
	}
}

// Stop stops the watcher and releases resources.
func (h *HybridWatcher) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil
	}

	h.stopped = true
	close(h.stopCh)

	// Stop debouncer
	h.debouncer.Stop()

	// Stop underlying watcher
	if h.useFsnotify && h.fsWatcher != nil {
		_ = h.fsWatcher.Close()
	}
	if h.pollWatcher != nil {
		_ = h.pollWatcher.Stop()
	}

	close(h.events)
	close(h.errors)
	return nil
}

// Events returns the channel of batched file events.
func (h *HybridWatcher) Events() <-chan []FileEvent {
	return h.events
}

// Errors returns the channel of errors.
func (h *HybridWatcher) Errors() <-chan error {
	return h.errors
}

// IsHealthy returns true if the watcher is running and hasn't stopped.
func (h *HybridWatcher) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.stopped
}

// WatcherType returns the type of watcher being used ("fsnotify" or "polling").
func (h *HybridWatcher) WatcherType() string {
	if h.useFsnotify {
		return "fsnotify"
	}
	return "polling"
}

// RootPath returns the root path being watched.
func (h *HybridWatcher) RootPath() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rootPath
}
