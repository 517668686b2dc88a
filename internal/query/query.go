// Package query serves read requests over indexed folders: browsing,
// document retrieval, and hybrid search. It owns no state of its own;
// every answer is assembled from the folder's store, the fleet snapshot,
// and query embeddings borrowed from the scheduler.
package query

import (
	"context"
	"log/slog"
	"sync"

	"github.com/folder-mcp/folderd/internal/embed"
	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/fleet"
	"github.com/folder-mcp/folderd/internal/store"
	"github.com/folder-mcp/folderd/internal/token"
)

const (
	// MaxSearchLimit caps result pages for both search operations.
	MaxSearchLimit = 50

	// DefaultSearchLimit applies when a search names no limit.
	DefaultSearchLimit = 10

	// MaxTextChars caps one get-document-text response.
	MaxTextChars = 50_000

	// DefaultListLimit applies to browse operations without a limit.
	DefaultListLimit = 50

	// queryCacheSize is the per-model LRU for query embeddings.
	queryCacheSize = 512
)

// Target is one queryable folder: its configured identity and its open
// index. Store is nil until the folder's lifecycle has opened it.
type Target struct {
	Path  string
	Model string
	Store *store.Store
}

// Resolver maps a configured folder path to its query target. The daemon
// backs this with its lifecycle managers.
type Resolver interface {
	Resolve(path string) (Target, error)
}

// Snapshots provides the daemon's current fleet view for list-folders.
type Snapshots interface {
	Snapshot() fleet.FMDM
}

// Searcher runs query embeddings on the scheduler's loaned embedders,
// ahead of any queued indexing batches.
type Searcher interface {
	Search(ctx context.Context, model string, fn func(embed.Embedder) error) error
}

// Config wires a Service.
type Config struct {
	Folders   Resolver
	Fleet     Snapshots
	Scheduler Searcher
	Tokens    *token.Issuer
	Logger    *slog.Logger
}

// Service answers client queries. Safe for concurrent use.
type Service struct {
	folders Resolver
	fleet   Snapshots
	sched   Searcher
	tokens  *token.Issuer
	log     *slog.Logger

	mu        sync.Mutex
	embedders map[string]*embed.CachedEmbedder
}

// New creates a query service.
func New(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		folders:   cfg.Folders,
		fleet:     cfg.Fleet,
		sched:     cfg.Scheduler,
		tokens:    cfg.Tokens,
		log:       log.With(slog.String("component", "query")),
		embedders: make(map[string]*embed.CachedEmbedder),
	}
}

// target resolves a folder and requires its index to be open.
func (s *Service) target(folderPath string) (Target, error) {
	t, err := s.folders.Resolve(folderPath)
	if err != nil {
		return Target{}, err
	}
	if t.Store == nil {
		return Target{}, errors.New(errors.ErrCodeFolderNotReady,
			"folder is not ready to answer queries yet", nil).
			WithDetail("folder", t.Path)
	}
	return t, nil
}

// downloadURL signs a download link, degrading to an empty string when
// signing fails so a browse response never dies on a link.
func (s *Service) downloadURL(folder, file string) string {
	if s.tokens == nil {
		return ""
	}
	u, err := s.tokens.URL(folder, file)
	if err != nil {
		s.log.Warn("download_url_failed",
			slog.String("file", file), slog.String("error", err.Error()))
		return ""
	}
	return u
}

// queryEmbedder returns the model's cached query embedder, creating it on
// first use. The cache sits in front of the scheduler, so repeated queries
// skip the embedding round-trip entirely.
func (s *Service) queryEmbedder(model string) (*embed.CachedEmbedder, error) {
	info, err := embed.LookupModel(model)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.embedders[model]; ok {
		return e, nil
	}
	e := embed.NewCachedEmbedder(&schedulerEmbedder{
		model: model,
		info:  info,
		sched: s.sched,
	}, queryCacheSize)
	s.embedders[model] = e
	return e, nil
}

// schedulerEmbedder adapts the scheduler's search lane to the Embedder
// interface, so the query cache can wrap it.
type schedulerEmbedder struct {
	model string
	info  embed.ModelInfo
	sched Searcher
}

func (e *schedulerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := e.sched.Search(ctx, e.model, func(emb embed.Embedder) error {
		var err error
		vec, err = emb.Embed(ctx, text)
		return err
	})
	return vec, err
}

func (e *schedulerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := e.sched.Search(ctx, e.model, func(emb embed.Embedder) error {
		var err error
		vecs, err = emb.EmbedBatch(ctx, texts)
		return err
	})
	return vecs, err
}

func (e *schedulerEmbedder) Dimensions() int { return e.info.Dimensions }

func (e *schedulerEmbedder) ModelName() string { return e.model }

func (e *schedulerEmbedder) Available(ctx context.Context) bool { return true }

func (e *schedulerEmbedder) Close() error { return nil }
