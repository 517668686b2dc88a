package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/folder-mcp/folderd/internal/fleet"
	"github.com/folder-mcp/folderd/internal/query"
)

// FleetStatus is everything the status command shows about a daemon.
// The same struct backs the human rendering and the --json output.
type FleetStatus struct {
	Running   bool                  `json:"running"`
	URL       string                `json:"url,omitempty"`
	PID       int                   `json:"pid,omitempty"`
	Version   string                `json:"version,omitempty"`
	Uptime    int64                 `json:"uptime_seconds,omitempty"`
	Documents int                   `json:"documents,omitempty"`
	Chunks    int                   `json:"chunks,omitempty"`
	Folders   []query.FolderSummary `json:"folders,omitempty"`
	Models    []fleet.ModelStatus   `json:"models,omitempty"`
}

// FleetRenderer displays daemon and folder status.
type FleetRenderer struct {
	out     io.Writer
	styles  Styles
	noColor bool
}

// NewFleetRenderer creates a fleet status renderer.
func NewFleetRenderer(out io.Writer, noColor bool) *FleetRenderer {
	return &FleetRenderer{
		out:     out,
		styles:  GetStyles(noColor),
		noColor: noColor,
	}
}

// Render displays fleet status to the terminal.
func (r *FleetRenderer) Render(st FleetStatus) error {
	if !st.Running {
		_, _ = fmt.Fprintf(r.out, "%s\n", r.styles.Header.Render("folderd daemon: not running"))
		_, _ = fmt.Fprintf(r.out, "  %s\n", r.styles.Dim.Render("Run 'folderd daemon' to start it"))
		return nil
	}

	header := "folderd daemon"
	if st.Version != "" {
		header += " v" + st.Version
	}
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render(header))

	if st.URL != "" {
		_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.label("URL:"), st.URL)
	}
	_, _ = fmt.Fprintf(r.out, "  %s %d\n", r.label("PID:"), st.PID)
	_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.label("Uptime:"), formatDuration(st.Uptime))
	_, _ = fmt.Fprintf(r.out, "  %s %d folders, %d documents, %d chunks\n",
		r.label("Indexed:"), len(st.Folders), st.Documents, st.Chunks)

	for _, folder := range st.Folders {
		_, _ = fmt.Fprintln(r.out)
		r.renderFolder(folder)
	}

	if len(st.Models) > 0 {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintf(r.out, "  %s\n", r.label("Models:"))
		for _, m := range st.Models {
			r.renderModel(m)
		}
	}

	return nil
}

// RenderJSON outputs fleet status as JSON.
func (r *FleetRenderer) RenderJSON(st FleetStatus) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(st)
}

func (r *FleetRenderer) renderFolder(folder query.FolderSummary) {
	_, _ = fmt.Fprintf(r.out, "  %s\n", r.styles.Path.Render(folder.Path))

	status := string(folder.IndexingStatus.Status)
	if folder.IndexingStatus.Progress != nil {
		status = fmt.Sprintf("%s (%.0f%%)", status, *folder.IndexingStatus.Progress)
	}
	_, _ = fmt.Fprintf(r.out, "    %s  %s\n", r.label("Status:"), r.renderStatus(folder.IndexingStatus.Status, status))
	_, _ = fmt.Fprintf(r.out, "    %s  %s\n", r.label("Model:"), folder.Model)
	_, _ = fmt.Fprintf(r.out, "    %s  %d documents, %d chunks\n", r.label("Size:"), folder.DocumentCount, folder.ChunkCount)

	if folder.IndexingStatus.LastIndexed != nil {
		_, _ = fmt.Fprintf(r.out, "    %s  %s\n", r.label("Indexed:"), formatTime(*folder.IndexingStatus.LastIndexed))
	}
	if folder.IndexingStatus.LastError != nil {
		_, _ = fmt.Fprintf(r.out, "    %s  %s\n", r.label("Error:"), r.styles.Error.Render(*folder.IndexingStatus.LastError))
	}
	for _, note := range folder.Notifications {
		_, _ = fmt.Fprintf(r.out, "    %s  %s\n", r.label("Note:"), r.styles.Dim.Render(note.Message))
	}
}

func (r *FleetRenderer) renderModel(m fleet.ModelStatus) {
	state := "available"
	switch {
	case m.Loaded:
		state = r.styles.Success.Render("loaded")
	case m.Installed:
		state = "installed"
	}
	_, _ = fmt.Fprintf(r.out, "    %-36s %4dd  %s\n", m.ID, m.Dimensions, state)
}

func (r *FleetRenderer) label(s string) string {
	return r.styles.Label.Render(s)
}

// renderStatus colors a folder status word by how much attention it needs.
func (r *FleetRenderer) renderStatus(status fleet.Status, text string) string {
	switch status {
	case fleet.StatusWatching, fleet.StatusIndexed:
		return r.styles.Success.Render(text)
	case fleet.StatusError:
		return r.styles.Error.Render(text)
	case fleet.StatusRemoved:
		return r.styles.Dim.Render(text)
	default:
		return r.styles.Warning.Render(text)
	}
}

// formatTime formats a time for display.
func formatTime(t time.Time) string {
	now := time.Now()
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02 15:04")
	}
}

// formatDuration formats an uptime in seconds as a compact duration.
func formatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds) * time.Second
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh%dm", hours, mins)
	case mins > 0:
		return fmt.Sprintf("%dm%02ds", mins, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
