package embed

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadLock_AcquireAndRelease(t *testing.T) {
	// Given: a lock on a fresh models directory
	dir := filepath.Join(t.TempDir(), "models")
	lock := newDownloadLock(dir)

	// When: locking and unlocking
	require.NoError(t, lock.Lock())
	require.NoError(t, lock.Unlock())

	// Then: the lock file exists where the installer expects it
	_, err := os.Stat(filepath.Join(dir, downloadLockName))
	assert.NoError(t, err)
}

func TestDownloadLock_CreatesMissingDirectory(t *testing.T) {
	// Given: a models directory that does not exist yet
	dir := filepath.Join(t.TempDir(), "state", "models")

	// When: locking
	lock := newDownloadLock(dir)
	require.NoError(t, lock.Lock())
	defer func() { _ = lock.Unlock() }()

	// Then: the directory was created along the way
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDownloadLock_SecondHolderWaits(t *testing.T) {
	// Given: one lock held on the directory
	dir := filepath.Join(t.TempDir(), "models")
	first := newDownloadLock(dir)
	require.NoError(t, first.Lock())

	// When: a second holder tries to lock
	acquired := make(chan struct{})
	go func() {
		second := newDownloadLock(dir)
		if err := second.Lock(); err == nil {
			close(acquired)
			_ = second.Unlock()
		}
	}()

	// Then: it blocks until the first holder releases
	select {
	case <-acquired:
		t.Fatal("second lock acquired while first was held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, first.Unlock())

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second lock never acquired after release")
	}
}

func TestDownloadLock_UnlockWithoutLock(t *testing.T) {
	lock := newDownloadLock(filepath.Join(t.TempDir(), "models"))

	// Unlocking an unheld lock must not fail; deferred unlocks run on
	// every error path in the installer.
	assert.NoError(t, lock.Unlock())
	assert.NoError(t, lock.Unlock())
}

func TestDownloadLock_ReacquireAfterUnlock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	lock := newDownloadLock(dir)

	require.NoError(t, lock.Lock())
	require.NoError(t, lock.Unlock())
	require.NoError(t, lock.Lock())
	require.NoError(t, lock.Unlock())
}
