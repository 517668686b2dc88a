package fleet

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folderd/internal/embed"
)

func TestNewManager(t *testing.T) {
	// Given/When: a fresh fleet view
	m := NewManager("1.2.3")
	defer m.Close()

	// Then: the snapshot identifies this daemon and holds nothing else
	snap := m.Snapshot()
	assert.Equal(t, uint64(0), snap.Seq)
	assert.Empty(t, snap.Folders)
	assert.Empty(t, snap.Models)
	assert.Equal(t, os.Getpid(), snap.Daemon.PID)
	assert.Equal(t, "1.2.3", snap.Daemon.Version)
	assert.GreaterOrEqual(t, snap.Daemon.UptimeSeconds, int64(0))
}

func TestManager_SetFolder_PublishesSnapshot(t *testing.T) {
	// Given: an empty fleet view
	m := NewManager("test")
	defer m.Close()

	// When: a folder state is recorded
	m.SetFolder(FolderState{
		Path:   "/home/user/docs",
		Model:  "gpu:bge-m3",
		Status: StatusScanning,
	})

	// Then: the snapshot contains it and the sequence advanced
	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.Seq)
	require.Len(t, snap.Folders, 1)
	assert.Equal(t, "/home/user/docs", snap.Folders[0].Path)
	assert.Equal(t, StatusScanning, snap.Folders[0].Status)
	assert.Equal(t, uint64(1), m.Sequence())
}

func TestManager_SetFolder_UpsertsByPath(t *testing.T) {
	// Given: a fleet view with one folder
	m := NewManager("test")
	defer m.Close()
	m.SetFolder(FolderState{Path: "/docs", Status: StatusScanning})

	// When: the same folder publishes a later state
	m.SetFolder(FolderState{Path: "/docs", Status: StatusIndexing})

	// Then: there is still one entry, holding the newer state
	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Seq)
	require.Len(t, snap.Folders, 1)
	assert.Equal(t, StatusIndexing, snap.Folders[0].Status)
}

func TestManager_Folders_SortedByPath(t *testing.T) {
	// Given: folders added in no particular order
	m := NewManager("test")
	defer m.Close()
	m.SetFolder(FolderState{Path: "/zoo", Status: StatusWatching})
	m.SetFolder(FolderState{Path: "/docs", Status: StatusWatching})
	m.SetFolder(FolderState{Path: "/music", Status: StatusWatching})

	// Then: snapshots list them deterministically
	snap := m.Snapshot()
	require.Len(t, snap.Folders, 3)
	assert.Equal(t, "/docs", snap.Folders[0].Path)
	assert.Equal(t, "/music", snap.Folders[1].Path)
	assert.Equal(t, "/zoo", snap.Folders[2].Path)
}

func TestManager_RemoveFolder(t *testing.T) {
	// Given: a fleet view with one folder
	m := NewManager("test")
	defer m.Close()
	m.SetFolder(FolderState{Path: "/docs", Status: StatusWatching})

	// When: the folder is removed
	m.RemoveFolder("/docs")

	// Then: it disappears and the sequence advanced
	snap := m.Snapshot()
	assert.Empty(t, snap.Folders)
	assert.Equal(t, uint64(2), snap.Seq)

	// And: removing an unknown path publishes nothing
	m.RemoveFolder("/nope")
	assert.Equal(t, uint64(2), m.Sequence())
}

func TestManager_Folder_ReturnsIndependentCopy(t *testing.T) {
	// Given: a folder with notifications
	m := NewManager("test")
	defer m.Close()
	m.SetFolder(FolderState{
		Path:   "/docs",
		Status: StatusIndexed,
		Notifications: []Notification{
			{Path: "broken.pdf", Code: "ERR_402", Message: "no extractor"},
		},
	})

	// When: reading and mutating the returned state
	state, ok := m.Folder("/docs")
	require.True(t, ok)
	state.Notifications[0].Message = "clobbered"
	state.Status = StatusError

	// Then: the manager's view is untouched
	again, ok := m.Folder("/docs")
	require.True(t, ok)
	assert.Equal(t, "no extractor", again.Notifications[0].Message)
	assert.Equal(t, StatusIndexed, again.Status)

	// And: unknown paths report absence
	_, ok = m.Folder("/nope")
	assert.False(t, ok)
}

func TestManager_Snapshot_Immutable(t *testing.T) {
	// Given: a snapshot taken before further mutations
	m := NewManager("test")
	defer m.Close()
	m.SetFolder(FolderState{Path: "/docs", Status: StatusScanning})
	snap1 := m.Snapshot()

	// When: the folder moves on
	m.SetFolder(FolderState{Path: "/docs", Status: StatusWatching})
	snap2 := m.Snapshot()

	// Then: the first snapshot still shows the old state
	assert.Equal(t, StatusScanning, snap1.Folders[0].Status)
	assert.Equal(t, StatusWatching, snap2.Folders[0].Status)
}

func TestManager_SetModels_ProjectsRegistryListing(t *testing.T) {
	// Given: a registry listing with runtime flags stamped
	m := NewManager("test")
	defer m.Close()

	m.SetModels([]embed.ModelInfo{
		{
			ID:         "gpu:bge-m3",
			Name:       "BGE-M3",
			Kind:       embed.KindGPU,
			Dimensions: 1024,
			Languages:  []string{"en", "de"},
			Installed:  true,
			Loaded:     true,
		},
		{
			ID:         "cpu:xenova-multilingual-e5-small",
			Name:       "Multilingual E5 Small",
			Kind:       embed.KindCPU,
			Dimensions: 384,
			Installed:  false,
		},
	})

	// Then: the snapshot carries the client-facing view
	snap := m.Snapshot()
	require.Len(t, snap.Models, 2)
	assert.Equal(t, "gpu:bge-m3", snap.Models[0].ID)
	assert.Equal(t, "gpu", snap.Models[0].Kind)
	assert.True(t, snap.Models[0].Installed)
	assert.True(t, snap.Models[0].Loaded)
	assert.False(t, snap.Models[1].Installed)
	assert.Equal(t, 384, snap.Models[1].Dimensions)
}

func TestManager_Subscribe_DeliversCurrentSnapshotFirst(t *testing.T) {
	// Given: a fleet view that already has state
	m := NewManager("test")
	defer m.Close()
	m.SetFolder(FolderState{Path: "/docs", Status: StatusWatching})

	// When: a client subscribes
	ch, cancel := m.Subscribe()
	defer cancel()

	// Then: the first delivery is the current snapshot, not a change
	select {
	case snap := <-ch:
		assert.Equal(t, uint64(1), snap.Seq)
		require.Len(t, snap.Folders, 1)
		assert.Equal(t, "/docs", snap.Folders[0].Path)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for initial snapshot")
	}
}

func TestManager_Subscribe_DeliversOnChange(t *testing.T) {
	// Given: a subscriber that consumed the initial snapshot
	m := NewManager("test")
	defer m.Close()
	ch, cancel := m.Subscribe()
	defer cancel()
	<-ch

	// When: a mutation happens
	m.SetFolder(FolderState{Path: "/docs", Status: StatusScanning})

	// Then: a fresh snapshot arrives
	select {
	case snap := <-ch:
		assert.Equal(t, uint64(1), snap.Seq)
		require.Len(t, snap.Folders, 1)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change snapshot")
	}
}

func TestManager_SlowSubscriber_CoalescesToLatest(t *testing.T) {
	// Given: a subscriber that stopped reading
	m := NewManager("test")
	defer m.Close()
	ch, cancel := m.Subscribe()
	defer cancel()
	<-ch

	// When: many mutations pile up
	for i := 0; i < 5; i++ {
		m.SetFolder(FolderState{Path: "/docs", Status: StatusIndexing})
	}

	// Then: only the newest snapshot is pending
	select {
	case snap := <-ch:
		assert.Equal(t, uint64(5), snap.Seq)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for coalesced snapshot")
	}
	select {
	case snap := <-ch:
		t.Fatalf("expected no further snapshots, got seq %d", snap.Seq)
	default:
	}
}

func TestManager_Subscriber_ObservesMonotonicSequence(t *testing.T) {
	// Given: a subscriber reading as fast as it can
	m := NewManager("test")
	defer m.Close()
	ch, cancel := m.Subscribe()

	var seqs []uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range ch {
			seqs = append(seqs, snap.Seq)
		}
	}()

	// When: mutations race past it
	for i := 0; i < 50; i++ {
		m.SetFolder(FolderState{Path: "/docs", Status: StatusIndexing})
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	// Then: the observed sequence numbers only ever increase
	require.NotEmpty(t, seqs)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1], "snapshot order regressed at %d", i)
	}
}

func TestManager_SubscribeCancel_ClosesChannel(t *testing.T) {
	// Given: a subscription
	m := NewManager("test")
	defer m.Close()
	ch, cancel := m.Subscribe()
	<-ch

	// When: cancelled (twice, which must be safe)
	cancel()
	cancel()

	// Then: the channel closes
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestManager_Close_ClosesAllSubscribers(t *testing.T) {
	// Given: two subscribers
	m := NewManager("test")
	ch1, _ := m.Subscribe()
	ch2, _ := m.Subscribe()
	<-ch1
	<-ch2

	// When: the manager shuts down
	m.Close()
	m.Close()

	// Then: both channels close
	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)

	// And: late subscribers get a closed channel instead of blocking forever
	ch3, cancel3 := m.Subscribe()
	defer cancel3()
	_, ok = <-ch3
	assert.False(t, ok)
}

func TestManager_ThreadSafe(t *testing.T) {
	// Given: a fleet view under concurrent use
	m := NewManager("test")
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)

		go func(n int) {
			defer wg.Done()
			progress := float64(n) / 50
			m.SetFolder(FolderState{Path: "/docs", Status: StatusIndexing, Progress: &progress})
		}(i)

		go func() {
			defer wg.Done()
			_ = m.Snapshot()
			_, _ = m.Folder("/docs")
		}()

		go func() {
			defer wg.Done()
			ch, cancel := m.Subscribe()
			<-ch
			cancel()
		}()
	}

	wg.Wait()

	// Then: no races, and the view is consistent
	snap := m.Snapshot()
	require.Len(t, snap.Folders, 1)
	assert.Equal(t, uint64(50), snap.Seq)
}

func TestStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{"pending", StatusPending, true},
		{"downloading-model", StatusDownloadingModel, true},
		{"scanning", StatusScanning, true},
		{"ready", StatusReady, true},
		{"indexing", StatusIndexing, true},
		{"indexed", StatusIndexed, true},
		{"watching", StatusWatching, true},
		{"error", StatusError, true},
		{"removed", StatusRemoved, true},
		{"empty", Status(""), false},
		{"unknown", Status("paused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Valid())
		})
	}
}

func TestStatus_Values(t *testing.T) {
	// Verify constant values match the wire strings
	assert.Equal(t, "pending", string(StatusPending))
	assert.Equal(t, "downloading-model", string(StatusDownloadingModel))
	assert.Equal(t, "scanning", string(StatusScanning))
	assert.Equal(t, "ready", string(StatusReady))
	assert.Equal(t, "indexing", string(StatusIndexing))
	assert.Equal(t, "indexed", string(StatusIndexed))
	assert.Equal(t, "watching", string(StatusWatching))
	assert.Equal(t, "error", string(StatusError))
	assert.Equal(t, "removed", string(StatusRemoved))
}
