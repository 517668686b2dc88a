// Package pipeline turns a folder's files into its index: scan and diff,
// extract, chunk, embed, persist. One pass is one call to Plan followed by
// Execute; passes over an unchanged folder are no-ops.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/folder-mcp/folderd/internal/chunk"
	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/extract"
	"github.com/folder-mcp/folderd/internal/scanner"
	"github.com/folder-mcp/folderd/internal/scheduler"
	"github.com/folder-mcp/folderd/internal/semantic"
	"github.com/folder-mcp/folderd/internal/store"
)

const (
	// MaxBatchTexts caps how many chunk texts go into one embedding batch.
	MaxBatchTexts = 32

	// MaxBatchTokens caps a batch's estimated token load.
	MaxBatchTokens = 8192

	// charsPerToken is the usual rough estimate for mostly-latin text.
	charsPerToken = 4
)

// BatchSubmitter is the slice of the scheduler the pipeline needs.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, model, folder string, texts []string) <-chan scheduler.BatchResult
}

// Notice records a per-document problem that did not stop the pass.
type Notice struct {
	Path    string
	Code    string
	Message string
}

// Summary describes one finished pass.
type Summary struct {
	Planned   int
	Inserted  int
	Updated   int
	Deleted   int
	Unchanged int
	Skipped   int
	Notices   []Notice
	Duration  time.Duration
}

// Config wires a pipeline to one folder.
type Config struct {
	// Folder is the absolute folder root. It doubles as the cancellation
	// tag for scheduler batches.
	Folder string

	// Model is the embedding model id all vectors are produced with.
	Model string

	Store      *store.Store
	Scanner    *scanner.Scanner
	Extractors *extract.Registry
	Splitter   *chunk.Splitter
	Scheduler  BatchSubmitter

	// Retry governs re-submission of failed embedding batches.
	// Zero value means errors.DefaultRetryConfig().
	Retry errors.RetryConfig

	// OnProgress, when set, is called after every finished document with
	// the running done count and the plan total.
	OnProgress func(done, total int)

	// OnNotice, when set, is called for each per-document problem as it
	// happens. The same notices are also collected in the Summary.
	OnNotice func(Notice)

	Logger *slog.Logger
}

// Pipeline indexes one folder. Not safe for concurrent passes; the folder
// lifecycle runs at most one at a time.
type Pipeline struct {
	folder     string
	model      string
	store      *store.Store
	scanner    *scanner.Scanner
	extractors *extract.Registry
	splitter   *chunk.Splitter
	scheduler  BatchSubmitter
	retry      errors.RetryConfig
	onProgress func(done, total int)
	onNotice   func(Notice)
	log        *slog.Logger
}

// New creates a pipeline for one folder.
func New(cfg Config) *Pipeline {
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = errors.DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Splitter == nil {
		cfg.Splitter = chunk.NewSplitter()
	}
	return &Pipeline{
		folder:     cfg.Folder,
		model:      cfg.Model,
		store:      cfg.Store,
		scanner:    cfg.Scanner,
		extractors: cfg.Extractors,
		splitter:   cfg.Splitter,
		scheduler:  cfg.Scheduler,
		retry:      cfg.Retry,
		onProgress: cfg.OnProgress,
		onNotice:   cfg.OnNotice,
		log:        cfg.Logger.With(slog.String("folder", cfg.Folder)),
	}
}

// Run plans and executes one pass.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	plan, err := p.Plan(ctx)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, plan)
}

// Execute works through a plan: upserts in lexicographic order, then
// deletes, then the folder state stamps. Per-document failures become
// notices; model-runtime failures and store write failures abort the pass.
func (p *Pipeline) Execute(ctx context.Context, plan *Plan) (*Summary, error) {
	start := time.Now()
	sum := &Summary{Planned: plan.Total(), Unchanged: plan.Unchanged}

	p.log.Info("indexing_pass_started",
		slog.Int("inserts", plan.inserts()),
		slog.Int("updates", len(plan.Upserts)-plan.inserts()),
		slog.Int("deletes", len(plan.Deletes)),
		slog.Int("unchanged", plan.Unchanged))

	done := 0
	progress := func() {
		done++
		if p.onProgress != nil {
			p.onProgress(done, sum.Planned)
		}
	}

	for _, up := range plan.Upserts {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(errors.ErrCodeTaskCancelled, "indexing pass cancelled", err)
		}

		notice, err := p.processUpsert(ctx, up)
		if err != nil {
			return nil, err
		}
		if notice != nil {
			sum.Skipped++
			sum.Notices = append(sum.Notices, *notice)
			p.log.Warn("document_skipped",
				slog.String("path", notice.Path),
				slog.String("code", notice.Code),
				slog.String("reason", notice.Message))
			if p.onNotice != nil {
				p.onNotice(*notice)
			}
		} else if up.IsNew {
			sum.Inserted++
		} else {
			sum.Updated++
		}
		progress()
	}

	for _, path := range plan.Deletes {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(errors.ErrCodeTaskCancelled, "indexing pass cancelled", err)
		}
		if err := p.store.DeleteDocument(ctx, path); err != nil {
			return nil, err
		}
		sum.Deleted++
		progress()
	}

	if err := p.store.SetState(ctx, store.StateKeyModel, p.model); err != nil {
		return nil, err
	}
	if err := p.store.SetState(ctx, store.StateKeyLastIndexed, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	if err := p.store.Flush(ctx); err != nil {
		return nil, err
	}

	sum.Duration = time.Since(start)
	p.log.Info("indexing_pass_finished",
		slog.Int("inserted", sum.Inserted),
		slog.Int("updated", sum.Updated),
		slog.Int("deleted", sum.Deleted),
		slog.Int("skipped", sum.Skipped),
		slog.Duration("duration", sum.Duration))
	return sum, nil
}

// processUpsert indexes one file end to end. A nil, nil return means the
// document was persisted; a non-nil Notice means it was skipped and the
// store keeps whatever it had before.
func (p *Pipeline) processUpsert(ctx context.Context, up Upsert) (*Notice, error) {
	rel := up.File.RelPath

	data, err := os.ReadFile(up.File.AbsPath)
	if err != nil {
		return noticeFrom(rel, errors.New(errors.ErrCodeExtractFailed, "failed to read file", err), errors.ErrCodeExtractFailed), nil
	}

	extractor, err := p.extractors.For(rel)
	if err != nil {
		return noticeFrom(rel, err, errors.ErrCodeUnsupportedFormat), nil
	}
	res, err := extractor.Extract(rel, data)
	if err != nil {
		return noticeFrom(rel, err, errors.ErrCodeExtractFailed), nil
	}

	chunks := p.splitter.Split(res.Text)
	rows := make([]*store.Chunk, len(chunks))
	phraseLists := make([][]semantic.Phrase, len(chunks))
	for i, c := range chunks {
		sig := semantic.Extract(c.Content)
		rows[i] = &store.Chunk{
			ID:          chunk.ID(rel, c.Index),
			DocPath:     rel,
			Index:       c.Index,
			Content:     c.Content,
			Start:       c.Start,
			End:         c.End,
			Phrases:     sig.KeyPhrases,
			Readability: sig.Readability,
			HasCode:     sig.HasCode,
		}
		phraseLists[i] = sig.KeyPhrases
	}

	vectors, notice, err := p.embedChunks(ctx, rel, chunks)
	if err != nil {
		return nil, err
	}
	if notice != nil {
		return notice, nil
	}

	var metaBlob []byte
	if len(res.Outline) > 0 {
		metaBlob, err = json.Marshal(struct {
			Outline []extract.OutlineItem `json:"outline"`
		}{Outline: res.Outline})
		if err != nil {
			return nil, errors.InternalError("failed to encode document metadata", err)
		}
	}

	rec := &store.DocumentRecord{
		Doc: &store.Document{
			Path:        rel,
			Size:        up.File.Size,
			Mime:        res.Metadata.Mime,
			ModTime:     up.File.ModTime,
			Hash:        up.File.Hash,
			Title:       res.Metadata.Title,
			Metadata:    metaBlob,
			Keywords:    semantic.TopPhrases(phraseLists, semantic.MaxPhrases),
			Readability: semantic.Readability(res.Text),
			IndexedAt:   time.Now(),
		},
		Chunks:    rows,
		Vectors:   vectors,
		DocVector: documentVector(rows, vectors),
		Model:     p.model,
	}
	if err := p.store.SaveDocument(ctx, rec); err != nil {
		return nil, err
	}
	return nil, nil
}

// embedChunks submits the document's chunks in batches and returns the
// vectors positionally. Failures that mean the model runtime is down
// surface as errors; anything else becomes a notice for this document.
func (p *Pipeline) embedChunks(ctx context.Context, rel string, chunks []chunk.Chunk) ([][]float32, *Notice, error) {
	vectors := make([][]float32, 0, len(chunks))
	for _, r := range batchRanges(chunks) {
		texts := make([]string, 0, r[1]-r[0])
		for _, c := range chunks[r[0]:r[1]] {
			texts = append(texts, c.Content)
		}

		vecs, err := errors.RetryWithResult(ctx, p.retry, func() ([][]float32, error) {
			res := <-p.scheduler.SubmitBatch(ctx, p.model, p.folder, texts)
			return res.Vectors, res.Err
		})
		if err != nil {
			// A dead context aborts the pass no matter how the error is
			// shaped; so does anything that means the model runtime is down.
			if ctx.Err() != nil || embedFatal(err) {
				return nil, nil, err
			}
			return nil, noticeFrom(rel, err, errors.ErrCodeEmbedFailed), nil
		}
		if len(vecs) != len(texts) {
			return nil, nil, errors.InternalError(
				fmt.Sprintf("embedder returned %d vectors for %d texts", len(vecs), len(texts)), nil)
		}
		vectors = append(vectors, vecs...)
	}
	return vectors, nil, nil
}

// batchRanges cuts chunk indexes into half-open [start, end) batches of at
// most MaxBatchTexts texts or MaxBatchTokens estimated tokens, whichever
// fills first. A single oversized chunk still gets a batch of its own.
func batchRanges(chunks []chunk.Chunk) [][2]int {
	var ranges [][2]int
	start := 0
	tokens := 0
	for i, c := range chunks {
		t := len(c.Content) / charsPerToken
		if i > start && (i-start >= MaxBatchTexts || tokens+t > MaxBatchTokens) {
			ranges = append(ranges, [2]int{start, i})
			start = i
			tokens = 0
		}
		tokens += t
	}
	if start < len(chunks) {
		ranges = append(ranges, [2]int{start, len(chunks)})
	}
	return ranges
}

// documentVector derives the document embedding: mean of the chunk vectors
// weighted by chunk byte length, re-normalized to unit length. Documents
// with no chunks get no vector.
func documentVector(chunks []*store.Chunk, vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}

	dims := len(vectors[0])
	acc := make([]float64, dims)
	var total float64
	for i, v := range vectors {
		w := float64(chunks[i].End - chunks[i].Start)
		if w <= 0 {
			w = 1
		}
		for j, x := range v {
			acc[j] += w * float64(x)
		}
		total += w
	}
	for j := range acc {
		acc[j] /= total
	}

	var norm float64
	for _, x := range acc {
		norm += x * x
	}
	norm = math.Sqrt(norm)

	out := make([]float32, dims)
	if norm == 0 {
		return out
	}
	for j := range acc {
		out[j] = float32(acc[j] / norm)
	}
	return out
}

// embedFatal reports whether an embedding failure means the model runtime
// is broken for every document rather than just this one.
func embedFatal(err error) bool {
	switch errors.GetCode(err) {
	case errors.ErrCodeModelLoad, errors.ErrCodeModelUnavailable,
		errors.ErrCodeModelProcess, errors.ErrCodeModelDownload,
		errors.ErrCodeWorkerCrashed, errors.ErrCodeQueueFull,
		errors.ErrCodeTaskCancelled:
		return true
	}
	return false
}

// noticeFrom builds the skip notice for one document. Untyped errors get
// the fallback code of the stage they came from.
func noticeFrom(path string, err error, fallback string) *Notice {
	code := errors.GetCode(err)
	if code == "" {
		code = fallback
	}
	return &Notice{Path: path, Code: code, Message: err.Error()}
}
