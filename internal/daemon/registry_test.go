package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Acquire(t *testing.T) {
	dir := t.TempDir()

	r := NewRegistry(dir)
	require.NoError(t, r.Acquire())
	t.Cleanup(func() { _ = r.Release() })

	assert.True(t, r.Held())

	// PID file records this process
	data, err := os.ReadFile(r.PIDPath())
	require.NoError(t, err)

	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRegistry_Acquire_CreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	r := NewRegistry(dir)
	require.NoError(t, r.Acquire())
	t.Cleanup(func() { _ = r.Release() })

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRegistry_Acquire_AlreadyRunning(t *testing.T) {
	dir := t.TempDir()

	first := NewRegistry(dir)
	require.NoError(t, first.Acquire())
	t.Cleanup(func() { _ = first.Release() })

	second := NewRegistry(dir)
	err := second.Acquire()
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.False(t, second.Held())
}

func TestRegistry_Release(t *testing.T) {
	dir := t.TempDir()

	r := NewRegistry(dir)
	require.NoError(t, r.Acquire())
	require.NoError(t, r.Release())

	assert.False(t, r.Held())

	// PID file is gone and the lock is free for the next daemon
	_, err := os.Stat(r.PIDPath())
	assert.True(t, os.IsNotExist(err))

	next := NewRegistry(dir)
	require.NoError(t, next.Acquire())
	require.NoError(t, next.Release())
}

func TestRegistry_Release_NotHeld(t *testing.T) {
	r := NewRegistry(t.TempDir())
	assert.NoError(t, r.Release())
}

func TestRegistry_RunningPID(t *testing.T) {
	dir := t.TempDir()

	r := NewRegistry(dir)
	require.NoError(t, r.Acquire())
	t.Cleanup(func() { _ = r.Release() })

	pid, ok := r.RunningPID()
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRegistry_RunningPID_NoFile(t *testing.T) {
	r := NewRegistry(t.TempDir())

	_, ok := r.RunningPID()
	assert.False(t, ok)
}

func TestRegistry_RunningPID_StalePID(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	// A PID far above any real pid space: the file exists but the process
	// does not, so the entry is stale.
	require.NoError(t, os.WriteFile(r.PIDPath(), []byte("99999999"), 0o644))

	_, ok := r.RunningPID()
	assert.False(t, ok)
}

func TestRegistry_RunningPID_InvalidContent(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	require.NoError(t, os.WriteFile(r.PIDPath(), []byte("not-a-pid"), 0o644))

	_, ok := r.RunningPID()
	assert.False(t, ok)
}

func TestRegistry_TakeOver_NoDaemon(t *testing.T) {
	dir := t.TempDir()

	r := NewRegistry(dir)
	signalled := 0
	r.signal = func(pid int) error {
		signalled++
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, r.TakeOver(ctx))
	t.Cleanup(func() { _ = r.Release() })

	assert.True(t, r.Held())
	assert.Zero(t, signalled, "nothing to signal when no daemon is running")
}

func TestRegistry_TakeOver_WaitsForRelease(t *testing.T) {
	dir := t.TempDir()

	old := NewRegistry(dir)
	require.NoError(t, old.Acquire())

	// The old daemon is this test process, so the takeover signal must be
	// intercepted; the recorded signal stands in for SIGTERM delivery.
	var mu sync.Mutex
	var signalledPID int
	next := NewRegistry(dir)
	next.signal = func(pid int) error {
		mu.Lock()
		signalledPID = pid
		mu.Unlock()
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = old.Release()
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, next.TakeOver(ctx))
	t.Cleanup(func() { _ = next.Release() })

	assert.True(t, next.Held())
	mu.Lock()
	assert.Equal(t, os.Getpid(), signalledPID)
	mu.Unlock()

	pid, ok := next.RunningPID()
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRegistry_TakeOver_Timeout(t *testing.T) {
	dir := t.TempDir()

	old := NewRegistry(dir)
	require.NoError(t, old.Acquire())
	t.Cleanup(func() { _ = old.Release() })

	next := NewRegistry(dir)
	next.signal = func(pid int) error { return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := next.TakeOver(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not release")
	assert.False(t, next.Held())
}
