// Package fleet maintains the daemon's authoritative runtime view: every
// folder's lifecycle state, the model catalog with install status, and the
// daemon's own identity. Mutations produce immutable snapshots that fan out
// to subscribers.
package fleet

import (
	"time"

	"github.com/folder-mcp/folderd/internal/embed"
)

// Status is a folder's lifecycle state.
type Status string

const (
	// StatusPending indicates the folder is configured but not yet picked up.
	StatusPending Status = "pending"
	// StatusDownloadingModel indicates the folder's model is being fetched.
	StatusDownloadingModel Status = "downloading-model"
	// StatusScanning indicates the folder tree is being enumerated.
	StatusScanning Status = "scanning"
	// StatusReady indicates the indexing plan is computed and about to run.
	StatusReady Status = "ready"
	// StatusIndexing indicates documents are being embedded and persisted.
	StatusIndexing Status = "indexing"
	// StatusIndexed indicates the pass finished and the watcher is starting.
	StatusIndexed Status = "indexed"
	// StatusWatching indicates the folder is up to date and watched for changes.
	StatusWatching Status = "watching"
	// StatusError indicates the folder hit a fatal error and needs attention.
	StatusError Status = "error"
	// StatusRemoved indicates the folder was removed from the configuration.
	StatusRemoved Status = "removed"
)

// Valid reports whether s is one of the defined lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloadingModel, StatusScanning, StatusReady,
		StatusIndexing, StatusIndexed, StatusWatching, StatusError, StatusRemoved:
		return true
	}
	return false
}

// Notification is a per-document issue recorded during indexing. These do
// not fail the folder; they surface to clients alongside its state.
type Notification struct {
	Path    string    `json:"path"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// FolderState is one folder's runtime state. Only the folder's lifecycle
// manager writes it; everyone else reads it out of snapshots.
type FolderState struct {
	Path          string         `json:"path"`
	Model         string         `json:"model"`
	Status        Status         `json:"status"`
	Progress      *float64       `json:"progress,omitempty"`
	LastError     *string        `json:"last_error,omitempty"`
	LastIndexed   *time.Time     `json:"last_indexed,omitempty"`
	DocumentCount int            `json:"document_count"`
	ChunkCount    int            `json:"chunk_count"`
	Notifications []Notification `json:"notifications,omitempty"`
}

// clone returns a copy sharing no mutable state with the receiver.
func (f FolderState) clone() FolderState {
	c := f
	if f.Progress != nil {
		v := *f.Progress
		c.Progress = &v
	}
	if f.LastError != nil {
		v := *f.LastError
		c.LastError = &v
	}
	if f.LastIndexed != nil {
		v := *f.LastIndexed
		c.LastIndexed = &v
	}
	if f.Notifications != nil {
		c.Notifications = append([]Notification(nil), f.Notifications...)
	}
	return c
}

// ModelStatus is the client-facing view of one curated model.
type ModelStatus struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Dimensions int      `json:"dimensions"`
	Languages  []string `json:"languages,omitempty"`
	Installed  bool     `json:"installed"`
	Loaded     bool     `json:"loaded"`
}

// modelStatusFrom projects a registry listing onto the wire shape.
func modelStatusFrom(info embed.ModelInfo) ModelStatus {
	return ModelStatus{
		ID:         info.ID,
		Name:       info.Name,
		Kind:       string(info.Kind),
		Dimensions: info.Dimensions,
		Languages:  info.Languages,
		Installed:  info.Installed,
		Loaded:     info.Loaded,
	}
}

// DaemonInfo identifies the running daemon.
type DaemonInfo struct {
	PID           int    `json:"pid"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// FMDM is one immutable snapshot of the whole fleet. Seq increases by one
// per mutation, so a client can tell a fresh snapshot from a repeat.
type FMDM struct {
	Seq     uint64        `json:"seq"`
	Folders []FolderState `json:"folders"`
	Models  []ModelStatus `json:"models"`
	Daemon  DaemonInfo    `json:"daemon"`
}
