package fleet

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/folder-mcp/folderd/internal/embed"
)

// Manager holds the current FMDM and fans out a fresh snapshot on every
// mutation. Snapshots are copy-on-write: once published they are never
// touched again, so readers and subscribers need no locking of their own.
type Manager struct {
	pid     int
	version string
	started time.Time

	mu      sync.RWMutex
	folders map[string]FolderState
	models  []ModelStatus
	seq     uint64
	cur     FMDM
	subs    map[int]chan FMDM
	nextSub int
	closed  bool
}

// NewManager creates an empty fleet view for this process.
func NewManager(version string) *Manager {
	m := &Manager{
		pid:     os.Getpid(),
		version: version,
		started: time.Now(),
		folders: make(map[string]FolderState),
		subs:    make(map[int]chan FMDM),
	}
	m.cur = m.buildLocked()
	return m
}

// Snapshot returns the current FMDM with a fresh uptime reading.
func (m *Manager) Snapshot() FMDM {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.cur
	snap.Daemon.UptimeSeconds = int64(time.Since(m.started).Seconds())
	return snap
}

// Sequence returns the number of mutations published so far.
func (m *Manager) Sequence() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// Folder returns one folder's current state.
func (m *Manager) Folder(path string) (FolderState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.folders[path]
	if !ok {
		return FolderState{}, false
	}
	return state.clone(), true
}

// SetFolder records a folder's state and publishes a new snapshot. The
// state is copied, so the caller keeps ownership of what it passed in.
func (m *Manager) SetFolder(state FolderState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.folders[state.Path] = state.clone()
	m.publishLocked()
}

// RemoveFolder drops a folder from the view and publishes a new snapshot.
// Unknown paths are a no-op.
func (m *Manager) RemoveFolder(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.folders[path]; !ok {
		return
	}
	delete(m.folders, path)
	m.publishLocked()
}

// SetModels replaces the model catalog view, typically with a fresh
// registry listing, and publishes a new snapshot.
func (m *Manager) SetModels(infos []embed.ModelInfo) {
	statuses := make([]ModelStatus, len(infos))
	for i, info := range infos {
		statuses[i] = modelStatusFrom(info)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.models = statuses
	m.publishLocked()
}

// Subscribe registers a snapshot consumer. The returned channel carries the
// current snapshot immediately and the newest one after each change; a slow
// receiver skips intermediate snapshots but never sees them out of order.
// cancel releases the subscription and closes the channel.
func (m *Manager) Subscribe() (<-chan FMDM, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan FMDM, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	snap := m.cur
	snap.Daemon.UptimeSeconds = int64(time.Since(m.started).Seconds())
	ch <- snap

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close closes all subscriber channels. Mutations after Close still update
// the snapshot but reach no one.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub)
	}
}

// publishLocked bumps the sequence, rebuilds the snapshot, and hands it to
// every subscriber. Callers hold the write lock, which is what keeps the
// per-subscriber delivery order equal to the mutation order.
func (m *Manager) publishLocked() {
	m.seq++
	m.cur = m.buildLocked()

	for _, sub := range m.subs {
		select {
		case sub <- m.cur:
		default:
			// The subscriber has not consumed the previous snapshot.
			// Replace it with the newest; the channel cannot refill in
			// between because all sends happen under the write lock.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- m.cur:
			default:
			}
		}
	}
}

// buildLocked assembles a snapshot from the current state.
func (m *Manager) buildLocked() FMDM {
	folders := make([]FolderState, 0, len(m.folders))
	for _, f := range m.folders {
		folders = append(folders, f.clone())
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Path < folders[j].Path })

	models := make([]ModelStatus, len(m.models))
	copy(models, m.models)

	return FMDM{
		Seq:     m.seq,
		Folders: folders,
		Models:  models,
		Daemon: DaemonInfo{
			PID:           m.pid,
			Version:       m.version,
			UptimeSeconds: int64(time.Since(m.started).Seconds()),
		},
	}
}
