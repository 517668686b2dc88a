// Package watcher provides per-folder file system watching with debouncing
// and rename correlation.
//
// The package implements a hybrid watching strategy:
//   - Primary: fsnotify for efficient event-based watching
//   - Fallback: polling for environments where fsnotify fails (network mounts, some container volumes)
//
// Events are debounced (default 500ms) to coalesce editor save storms and
// bulk copies, filtered so the folder's own store directory never triggers
// indexing, and renames are delivered as delete-then-create pairs sharing a
// correlation id. The watcher can be paused while a folder's indexing pass
// runs and drained on resume, so a pass never re-triggers itself.
//
// Usage:
//
//	opts := watcher.DefaultOptions()
//	w, err := watcher.NewHybridWatcher(opts)
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	go func() { _ = w.Start(ctx, "/path/to/folder") }()
//
//	for batch := range w.Events() {
//	    // Each batch is one debounced burst; trigger re-indexing.
//	    _ = batch
//	}
package watcher
