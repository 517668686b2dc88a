package watcher

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Debouncer coalesces rapid file events so editor save storms and bulk
// copies trigger one indexing pass instead of dozens. Events for the same
// path within the debounce window are merged according to these rules:
//   - CREATE + MODIFY = CREATE (file is still new)
//   - CREATE + DELETE = nothing (file never really existed)
//   - MODIFY + DELETE = DELETE (file is gone)
//   - DELETE + CREATE = MODIFY (file was replaced)
type Debouncer struct {
	window  time.Duration
	pending map[string]*pendingEvent
	mu      sync.Mutex
	output  chan []FileEvent
	timer   *time.Timer
	stopped bool
}

// pendingEvent is the surviving event for one path, plus the operation
// that opened the window. Coalescing is keyed on that first operation, so
// CREATE+MODIFY+DELETE still cancels to nothing.
type pendingEvent struct {
	event   FileEvent
	firstOp Operation
}

// NewDebouncer creates a new debouncer with the given window duration.
// Events are coalesced within this window before being emitted.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingEvent),
		output:  make(chan []FileEvent, 10),
	}
}

// Add adds an event to be debounced. Events for the same path coalesce;
// the window restarts on every event, so a steady stream of writes holds
// the batch until the stream pauses.
func (d *Debouncer) Add(event FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	existing, ok := d.pending[event.Path]
	if !ok {
		d.pending[event.Path] = &pendingEvent{event: event, firstOp: event.Operation}
		d.resetTimer()
		return
	}

	if merged := coalesce(existing, event); merged == nil {
		delete(d.pending, event.Path)
	} else {
		existing.event = *merged
	}
	d.resetTimer()
}

// coalesce returns the event that should stand after next arrives on top
// of prior, or nil when the pair cancels out.
func coalesce(prior *pendingEvent, next FileEvent) *FileEvent {
	switch {
	case prior.firstOp == OpCreate && next.Operation == OpModify:
		// The file is still new as far as the index knows.
		ev := prior.event
		return &ev
	case prior.firstOp == OpCreate && next.Operation == OpDelete:
		// Created and deleted inside one window: the index never saw it.
		return nil
	case prior.firstOp == OpDelete && next.Operation == OpCreate:
		// Deleted and recreated. The content may differ, so reindex.
		ev := next
		ev.Operation = OpModify
		return &ev
	default:
		// MODIFY+MODIFY, MODIFY+DELETE and every other pair: latest wins.
		return &next
	}
}

// resetTimer arms or restarts the flush timer. Caller holds d.mu.
func (d *Debouncer) resetTimer() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// flush emits everything pending as one batch, sorted by path so a bulk
// copy always produces the same batch regardless of event arrival order.
func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	events := make([]FileEvent, 0, len(d.pending))
	for _, pe := range d.pending {
		events = append(events, pe.event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	d.pending = make(map[string]*pendingEvent)

	select {
	case d.output <- events:
	default:
		slog.Warn("debouncer output full, dropping batch",
			slog.Int("batch_size", len(events)),
		)
	}
}

// Clear discards all pending events without emitting them. Used when the
// watcher pauses: the indexing pass that follows covers whatever the
// dropped events described.
func (d *Debouncer) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = make(map[string]*pendingEvent)
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Output returns the channel of debounced events.
// Events are emitted as batches after the debounce window.
func (d *Debouncer) Output() <-chan []FileEvent {
	return d.output
}

// Stop stops the debouncer and closes the output channel.
// Safe to call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
