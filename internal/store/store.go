package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/folder-mcp/folderd/internal/errors"
)

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// migrations holds one SQL script per schema version, applied in order.
// len(migrations) must equal SchemaVersion.
var migrations = []string{
	// v1: initial schema
	`
	CREATE TABLE documents (
		path         TEXT PRIMARY KEY,
		size         INTEGER NOT NULL,
		mime         TEXT NOT NULL,
		mod_time     INTEGER NOT NULL,
		hash         TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		metadata     TEXT NOT NULL DEFAULT '{}',
		keywords     TEXT NOT NULL DEFAULT '[]',
		readability  REAL NOT NULL DEFAULT 0,
		indexed_at   INTEGER NOT NULL
	);

	CREATE TABLE chunks (
		id           TEXT PRIMARY KEY,
		doc_path     TEXT NOT NULL REFERENCES documents(path) ON DELETE CASCADE,
		idx          INTEGER NOT NULL,
		content      TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset   INTEGER NOT NULL,
		phrases      TEXT NOT NULL DEFAULT '[]',
		readability  REAL NOT NULL DEFAULT 0,
		has_code     INTEGER NOT NULL DEFAULT 0,
		UNIQUE (doc_path, idx)
	);
	CREATE INDEX idx_chunks_doc ON chunks(doc_path);

	CREATE TABLE chunk_embeddings (
		chunk_id   TEXT PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
		vector     BLOB NOT NULL,
		model      TEXT NOT NULL
	);

	CREATE TABLE document_embeddings (
		doc_path   TEXT PRIMARY KEY REFERENCES documents(path) ON DELETE CASCADE,
		vector     BLOB NOT NULL,
		model      TEXT NOT NULL
	);

	CREATE TABLE folder_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`,
}

// Store is one folder's index: a SQLite database for rows plus two HNSW
// indexes for chunk and document embeddings, all under <folder>/.folder-mcp/.
//
// A store is opened once per daemon and shared. The indexing pipeline writes
// through the single-connection write handle; interactive queries go through
// a read-only pool and stay unblocked during writes (WAL mode). mu guards
// only the closed flag and the vector index pointers, never SQL execution.
type Store struct {
	folder string // folder root, absolute
	dir    string // <folder>/.folder-mcp

	db  *sql.DB // write handle, single connection
	rdb *sql.DB // read-only pool for queries

	mu        sync.RWMutex
	closed    bool
	chunkVecs *VectorIndex
	docVecs   *VectorIndex

	// writeMu serializes compound mutations (document transaction plus
	// vector index update) so the graphs never drift from committed rows.
	writeMu sync.Mutex

	log *slog.Logger
}

// Options configures Open.
type Options struct {
	// Dimensions is the embedding dimension of the folder's model.
	// Required; fresh vector indexes are sized by it.
	Dimensions int

	// Logger receives store diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Exists reports whether a store database exists for the folder.
func Exists(folder string) bool {
	_, err := os.Stat(filepath.Join(folder, DirName, DatabaseFile))
	return err == nil
}

// Remove deletes the folder's entire store directory. The store must be
// closed first.
func Remove(folder string) error {
	dir := filepath.Join(folder, DirName)
	if err := os.RemoveAll(dir); err != nil {
		return errors.StoreError("failed to remove store directory", err).
			WithDetail("dir", dir)
	}
	return nil
}

// Open opens (or creates) the store for a folder and migrates its schema.
// A corrupt database is reported, never silently recreated; vector indexes
// are derived data and are rebuilt from the database when missing or stale.
func Open(folder string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(folder)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStoreOpen, "failed to resolve folder path", err).
			WithDetail("folder", folder)
	}
	if opts.Dimensions <= 0 {
		return nil, errors.ValidationError("store requires positive embedding dimensions", nil)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("folder", abs))

	dir := filepath.Join(abs, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.ErrCodeStoreOpen, "failed to create store directory", err).
			WithDetail("dir", dir)
	}

	dbPath := filepath.Join(dir, DatabaseFile)
	if err := checkIntegrity(dbPath); err != nil {
		return nil, errors.New(errors.ErrCodeStoreCorrupt, "store database failed integrity check", err).
			WithDetail("path", dbPath).
			WithSuggestion("remove and re-add the folder to rebuild its index")
	}

	db, err := openWriteHandle(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		folder: abs,
		dir:    dir,
		db:     db,
		log:    log,
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.ErrCodeStoreMigrate, "failed to migrate store schema", err).
			WithDetail("path", dbPath)
	}

	// Read-only pool for interactive queries. The short busy timeout makes
	// contended reads degrade to empty results instead of stalling.
	rdb, err := sql.Open("sqlite", dbPath+"?mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		_ = db.Close()
		return nil, errors.New(errors.ErrCodeStoreOpen, "failed to open read pool", err).
			WithDetail("path", dbPath)
	}
	rdb.SetMaxOpenConns(4)
	s.rdb = rdb

	cfg := DefaultVectorIndexConfig(opts.Dimensions)
	s.chunkVecs, err = s.loadVectorIndex(filepath.Join(dir, ChunkVectorsFile), cfg, s.rebuildChunkVectors)
	if err != nil {
		_ = s.closeHandles()
		return nil, err
	}
	s.docVecs, err = s.loadVectorIndex(filepath.Join(dir, DocVectorsFile), cfg, s.rebuildDocVectors)
	if err != nil {
		_ = s.closeHandles()
		return nil, err
	}

	return s, nil
}

// Folder returns the absolute folder root this store indexes.
func (s *Store) Folder() string {
	return s.folder
}

// Dir returns the store's metadata directory.
func (s *Store) Dir() string {
	return s.dir
}

// indexes returns both vector indexes, or an error if the store is closed.
func (s *Store) indexes() (chunks, docs *VectorIndex, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, fmt.Errorf("store is closed")
	}
	return s.chunkVecs, s.docVecs, nil
}

// checkIntegrity runs PRAGMA integrity_check against an existing database.
// A missing file passes (it will be created).
func checkIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

func openWriteHandle(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStoreOpen, "failed to open store database", err).
			WithDetail("path", path)
	}

	// Single writer: all pragmas below stick to the one pooled connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite; DSN params in
	// the mattn style are ignored.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.New(errors.ErrCodeStoreOpen, "failed to set pragma", err).
				WithDetail("pragma", pragma)
		}
	}
	return db, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this daemon supports (%d)", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration to v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration to v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration to v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration to v%d: %w", v+1, err)
		}
		s.log.Info("store schema migrated", slog.Int("version", v+1))
	}
	return nil
}

// loadVectorIndex opens a persisted vector index, falling back to a rebuild
// from database rows when the files are missing, unreadable, or out of sync
// with the database.
func (s *Store) loadVectorIndex(path string, cfg VectorIndexConfig, rebuild func(context.Context, *VectorIndex) error) (*VectorIndex, error) {
	idx, err := NewVectorIndex(cfg)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(path); statErr == nil {
		if loadErr := idx.Load(path); loadErr != nil || idx.Dimensions() != cfg.Dimensions {
			if loadErr != nil {
				s.log.Warn("vector index unreadable, rebuilding from database",
					slog.String("path", path),
					slog.String("error", loadErr.Error()))
			} else {
				s.log.Warn("vector index dimension mismatch, rebuilding from database",
					slog.String("path", path),
					slog.Int("expected", cfg.Dimensions),
					slog.Int("got", idx.Dimensions()))
			}
			if idx, err = NewVectorIndex(cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := rebuild(context.Background(), idx); err != nil {
		_ = idx.Close()
		return nil, errors.New(errors.ErrCodeStoreOpen, "failed to rebuild vector index", err).
			WithDetail("path", path)
	}
	return idx, nil
}

// Flush checkpoints the WAL and persists both vector indexes. The pipeline
// calls it at the end of every indexing pass.
func (s *Store) Flush(ctx context.Context) error {
	chunkVecs, docVecs, err := s.indexes()
	if err != nil {
		return errors.StoreError("flush failed", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.flush(ctx, chunkVecs, docVecs)
}

func (s *Store) flush(ctx context.Context, chunkVecs, docVecs *VectorIndex) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.StoreError("failed to checkpoint database", err)
	}
	if err := chunkVecs.Save(filepath.Join(s.dir, ChunkVectorsFile)); err != nil {
		return errors.StoreError("failed to save chunk vector index", err)
	}
	if err := docVecs.Save(filepath.Join(s.dir, DocVectorsFile)); err != nil {
		return errors.StoreError("failed to save document vector index", err)
	}
	return nil
}

// Compact rebuilds a vector index from database rows when lazy deletion has
// orphaned more graph nodes than live vectors remain.
func (s *Store) Compact(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	chunkVecs, docVecs, err := s.indexes()
	if err != nil {
		return errors.StoreError("compact failed", err)
	}

	if fresh, err := s.compacted(ctx, chunkVecs, s.rebuildChunkVectors); err != nil {
		return err
	} else if fresh != nil {
		s.mu.Lock()
		s.chunkVecs = fresh
		s.mu.Unlock()
		_ = chunkVecs.Close()
	}

	if fresh, err := s.compacted(ctx, docVecs, s.rebuildDocVectors); err != nil {
		return err
	} else if fresh != nil {
		s.mu.Lock()
		s.docVecs = fresh
		s.mu.Unlock()
		_ = docVecs.Close()
	}
	return nil
}

// compacted rebuilds idx from database rows if orphans dominate, returning
// the replacement index or nil when no compaction is needed.
func (s *Store) compacted(ctx context.Context, idx *VectorIndex, rebuild func(context.Context, *VectorIndex) error) (*VectorIndex, error) {
	stats := idx.Stats()
	if stats.Orphans <= stats.ValidIDs {
		return nil, nil
	}

	fresh, err := NewVectorIndex(DefaultVectorIndexConfig(idx.Dimensions()))
	if err != nil {
		return nil, err
	}
	if err := rebuild(ctx, fresh); err != nil {
		_ = fresh.Close()
		return nil, errors.StoreError("failed to compact vector index", err)
	}

	s.log.Info("vector index compacted",
		slog.Int("orphans", stats.Orphans),
		slog.Int("vectors", fresh.Count()))
	return fresh, nil
}

// Close flushes and releases all handles. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	chunkVecs, docVecs := s.chunkVecs, s.docVecs
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.flush(context.Background(), chunkVecs, docVecs); err != nil {
		s.log.Warn("flush on close failed", slog.String("error", err.Error()))
	}
	return s.closeHandles()
}

// closeHandles closes whatever Open managed to set up. The sql handles stay
// non-nil so a racing query fails with "database is closed" instead of
// panicking.
func (s *Store) closeHandles() error {
	var firstErr error
	s.mu.Lock()
	s.closed = true
	chunkVecs, docVecs := s.chunkVecs, s.docVecs
	s.mu.Unlock()

	if chunkVecs != nil {
		if err := chunkVecs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if docVecs != nil {
		if err := docVecs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// isBusy reports whether err is SQLite lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
