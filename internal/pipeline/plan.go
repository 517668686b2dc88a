package pipeline

import (
	"context"
	"log/slog"
	"sort"

	"github.com/folder-mcp/folderd/internal/scanner"
	"github.com/folder-mcp/folderd/internal/store"
)

// Upsert is one file the pass must (re)index.
type Upsert struct {
	File  scanner.FileInfo
	IsNew bool
}

// Plan is the diff between the folder's current file set and the store.
// Upserts keep the scanner's lexicographic order; Deletes are sorted the
// same way, so two runs over the same tree do identical work in identical
// order.
type Plan struct {
	Upserts   []Upsert
	Deletes   []string
	Unchanged int
}

// Total returns the number of documents the pass will touch.
func (p *Plan) Total() int {
	return len(p.Upserts) + len(p.Deletes)
}

// Empty reports whether the pass has nothing to do.
func (p *Plan) Empty() bool {
	return p.Total() == 0
}

// inserts counts upserts for files the store has never seen.
func (p *Plan) inserts() int {
	n := 0
	for _, u := range p.Upserts {
		if u.IsNew {
			n++
		}
	}
	return n
}

// Plan enumerates the folder and diffs it against the store's file states.
// A document is unchanged only when its content hash matches; size and
// mtime are carried for diagnostics but never decide. When the folder's
// configured model differs from the one the index was built with, every
// surviving file becomes an update, because stored vectors from another
// model are unusable.
func (p *Pipeline) Plan(ctx context.Context) (*Plan, error) {
	states, err := p.store.FileStates(ctx)
	if err != nil {
		return nil, err
	}

	prevModel, err := p.store.GetState(ctx, store.StateKeyModel)
	if err != nil {
		return nil, err
	}
	rebind := prevModel != "" && prevModel != p.model
	if rebind {
		p.log.Warn("embedding model changed, re-indexing everything",
			slog.String("previous", prevModel),
			slog.String("configured", p.model))
	}

	files, err := p.scanner.Scan(ctx, p.folder)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for _, f := range files {
		st, known := states[f.RelPath]
		delete(states, f.RelPath)

		if f.Hash == "" {
			// The scanner saw the file but could not read it. Keep
			// whatever the store has; the next pass reconciles.
			if known {
				plan.Unchanged++
			}
			continue
		}

		switch {
		case !known:
			plan.Upserts = append(plan.Upserts, Upsert{File: f, IsNew: true})
		case rebind || st.Hash != f.Hash:
			plan.Upserts = append(plan.Upserts, Upsert{File: f, IsNew: false})
		default:
			plan.Unchanged++
		}
	}

	// Whatever the scan did not claim is gone from disk.
	for path := range states {
		plan.Deletes = append(plan.Deletes, path)
	}
	sort.Strings(plan.Deletes)

	return plan, nil
}
