package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybridWatcher_Start_MissingFolder(t *testing.T) {
	// Given: a folder that does not exist
	w, err := NewHybridWatcher(DefaultOptions())
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	// When: starting the watcher against it
	err = w.Start(context.Background(), "/nonexistent/folder/for/watching")

	// Then: Start fails immediately instead of idling on a dead root
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stat watch root")
}

func TestHybridWatcher_Start_RootIsFile(t *testing.T) {
	// Given: a path that is a document, not a folder
	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Notes"), 0o644))

	w, err := NewHybridWatcher(DefaultOptions())
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	// When: starting the watcher against the file
	err = w.Start(context.Background(), path)

	// Then: Start refuses it
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestPollingWatcher_Start_MissingFolder(t *testing.T) {
	// Given: a folder that does not exist
	p := NewPollingWatcher(50 * time.Millisecond)
	defer func() { _ = p.Stop() }()

	// When: starting the poller against it
	err := p.Start(context.Background(), "/nonexistent/folder/for/watching")

	// Then: Start fails immediately
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stat watch root")
}

func TestHybridWatcher_WatchedFolderDeleted_ReportsDeletes(t *testing.T) {
	// Given: a watcher over a folder holding one document
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doomed.txt"), []byte("bye"), 0o644))

	w, err := NewHybridWatcher(Options{DebounceWindow: 100 * time.Millisecond})
	require.NoError(t, err)
	startWatcher(t, w, dir)

	// When: the entire watched folder disappears out from under it
	require.NoError(t, os.RemoveAll(dir))

	// Then: the document's deletion is still delivered and Stop works
	seen := collectUntil(t, w, 2*time.Second, func(m map[string]FileEvent) bool {
		_, ok := m["doomed.txt"]
		return ok
	})
	assert.Equal(t, OpDelete, seen["doomed.txt"].Operation)
	assert.NoError(t, w.Stop())
}

func TestHybridWatcher_UnreadableSubfolder_WatchesTheRest(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores file permissions")
	}

	// Given: a folder with a subfolder the daemon cannot read
	dir := t.TempDir()
	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.MkdirAll(locked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(locked, "secret.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	// When: the watcher starts over the folder
	w, err := NewHybridWatcher(Options{DebounceWindow: 100 * time.Millisecond})
	require.NoError(t, err)
	startWatcher(t, w, dir)

	// Then: the unreadable subtree is skipped and the rest is still watched
	require.NoError(t, os.WriteFile(filepath.Join(dir, "visible.md"), []byte("# Hi"), 0o644))
	seen := collectUntil(t, w, 2*time.Second, func(m map[string]FileEvent) bool {
		_, ok := m["visible.md"]
		return ok
	})
	assert.Equal(t, OpCreate, seen["visible.md"].Operation)
}

func TestHybridWatcher_ConcurrentStop_Safe(t *testing.T) {
	// Given: a running watcher
	dir := t.TempDir()
	w, err := NewHybridWatcher(DefaultOptions())
	require.NoError(t, err)
	startWatcher(t, w, dir)

	// When: many goroutines race to stop it
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Stop())
		}()
	}
	wg.Wait()

	// Then: the channels closed exactly once, with no panic
	_, ok := <-w.Errors()
	assert.False(t, ok, "errors channel should be closed")
	assert.False(t, w.IsHealthy())
}

func TestHybridWatcher_ContextCancel_StopsCleanly(t *testing.T) {
	// Given: a watcher running under a cancelable context
	dir := t.TempDir()
	w, err := NewHybridWatcher(DefaultOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx, dir) }()
	time.Sleep(100 * time.Millisecond)

	// When: the context is canceled
	cancel()

	// Then: Start returns the cancellation and the watcher shuts down
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	_, ok := <-w.Events()
	assert.False(t, ok, "events channel should be closed")
}
