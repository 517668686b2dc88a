package embed

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// downloadLockName is the lock file the installer holds while fetching
// a model into the shared models directory.
const downloadLockName = ".download.lock"

// downloadLock serializes model downloads across daemon processes. Two
// daemons pointed at the same state directory would otherwise race to
// write the same model file; the loser of the flock waits, re-checks,
// and finds the file already present.
type downloadLock struct {
	flock  *flock.Flock
	locked bool
}

// newDownloadLock creates a lock for the given models directory.
func newDownloadLock(dir string) *downloadLock {
	return &downloadLock{
		flock: flock.New(filepath.Join(dir, downloadLockName)),
	}
}

// Lock acquires the lock, blocking until it is available. The lock file
// and its directory are created if missing.
func (l *downloadLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.flock.Path()), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire download lock: %w", err)
	}

	l.locked = true
	return nil
}

// Unlock releases the lock. Calling it on an unheld lock is a no-op, so
// deferred unlocks are safe on every error path.
func (l *downloadLock) Unlock() error {
	if !l.locked {
		return nil
	}

	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release download lock: %w", err)
	}
	return nil
}
