// Package daemon assembles and runs the folderd process. It owns the object
// graph: the process registry, the model registry and scheduler, the fleet,
// one lifecycle manager per configured folder, and the HTTP front end.
// Everything is built in New, started by Run, and torn down on the way out;
// nothing lives in package globals.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// Registry filenames under the daemon state directory.
const (
	pidFileName  = "daemon.pid"
	lockFileName = "daemon.lock"
)

// takeoverPoll is how often a takeover re-tries the lock while the old
// daemon shuts down.
const takeoverPoll = 100 * time.Millisecond

// ErrAlreadyRunning reports that a live daemon holds the process registry.
// The CLI maps it to its dedicated exit code.
var ErrAlreadyRunning = errors.New("another folderd daemon is already running")

// Registry is the single-instance guard: a flock-held lock file plus a PID
// file under the daemon state directory. The lock decides liveness; the PID
// file is advisory, read by `--restart` and by humans. A crashed daemon
// leaves a stale PID file behind but never a held lock, so a stale file
// cannot block the next start.
type Registry struct {
	dir  string
	lock *flock.Flock
	held bool

	// signal delivers the takeover signal; tests substitute a recorder.
	signal func(pid int) error
}

// NewRegistry creates the registry for the given state directory.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:    dir,
		lock:   flock.New(filepath.Join(dir, lockFileName)),
		signal: signalTerm,
	}
}

// PIDPath returns the advisory PID file path.
func (r *Registry) PIDPath() string {
	return filepath.Join(r.dir, pidFileName)
}

// LockPath returns the lock file path.
func (r *Registry) LockPath() string {
	return r.lock.Path()
}

// Held reports whether this process currently owns the registry.
func (r *Registry) Held() bool {
	return r.held
}

// Acquire claims the registry for this process and records its PID.
// ErrAlreadyRunning means a live daemon holds it.
func (r *Registry) Acquire() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	locked, err := r.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire daemon lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	r.held = true

	if err := os.WriteFile(r.PIDPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = r.Release()
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Release drops the PID file and the lock. Safe to call when not held.
func (r *Registry) Release() error {
	if !r.held {
		return nil
	}
	r.held = false

	if err := os.Remove(r.PIDPath()); err != nil && !os.IsNotExist(err) {
		_ = r.lock.Unlock()
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return r.lock.Unlock()
}

// RunningPID returns the PID recorded by a live daemon. ok is false when no
// daemon is running or the PID file is stale or unreadable.
func (r *Registry) RunningPID() (pid int, ok bool) {
	data, err := os.ReadFile(r.PIDPath())
	if err != nil {
		return 0, false
	}

	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if !processExists(pid) {
		return 0, false
	}
	return pid, true
}

// TakeOver asks the running daemon to exit and claims the registry once it
// has. With no daemon running it is a plain Acquire. ctx bounds how long
// the old daemon gets to finish its shutdown.
func (r *Registry) TakeOver(ctx context.Context) error {
	if pid, ok := r.RunningPID(); ok {
		if err := r.signal(pid); err != nil {
			return fmt.Errorf("failed to signal daemon pid %d: %w", pid, err)
		}
	}

	for {
		err := r.Acquire()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrAlreadyRunning) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon did not release the registry: %w", ctx.Err())
		case <-time.After(takeoverPoll):
		}
	}
}

// signalTerm asks pid to shut down gracefully.
func signalTerm(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(syscall.SIGTERM)
}

// processExists checks whether a process with the given PID is alive.
// Signal 0 probes existence without delivering anything.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
