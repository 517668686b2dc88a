package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/folder-mcp/folderd/internal/gitignore"
)

// StoreDirName is the per-folder metadata directory. The scanner never
// descends into it; indexing the index would loop forever.
const StoreDirName = ".folder-mcp"

// Options configures a scan.
type Options struct {
	// Ignores are doublestar patterns added to DefaultIgnores,
	// matched against slash-separated relative paths.
	Ignores []string

	// MaxFileSize caps included files in bytes (0 = DefaultMaxFileSize).
	MaxFileSize int64

	// Workers bounds hashing parallelism (0 = NumCPU).
	Workers int

	// Supported filters files by path; nil accepts everything.
	Supported func(path string) bool
}

// Scanner discovers indexable files under a folder root.
type Scanner struct {
	opts Options
	log  *slog.Logger
}

// New creates a Scanner.
func New(log *slog.Logger, opts Options) *Scanner {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Scanner{opts: opts, log: log}
}

// Scan walks root and returns every indexable file with its content hash,
// sorted by relative path. Hidden files and directories are skipped, as
// are the folder's own store directory and unreadable entries. Any
// .gitignore files found along the way are honored, so a source tree
// indexes the same set of files git would track.
func (s *Scanner) Scan(ctx context.Context, root string) ([]FileInfo, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to stat folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("folder path is not a directory: %s", absRoot)
	}

	ignores := append(append([]string{}, DefaultIgnores...), s.opts.Ignores...)
	ign := gitignore.New()

	var files []FileInfo
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return nil // Skip entries we can't access
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		name := d.Name()

		if d.IsDir() {
			if rel == "." {
				s.loadIgnoreFile(ign, path, "")
				return nil
			}
			if s.skipDir(name) {
				return filepath.SkipDir
			}
			// Pruning an ignored directory means negations inside it
			// never apply, same as git.
			if ign.Match(rel, true) {
				return filepath.SkipDir
			}
			s.loadIgnoreFile(ign, path, rel)
			return nil
		}

		// Symlinked files are never followed.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if matchesAny(ignores, rel) {
			return nil
		}
		if ign.Match(rel, false) {
			return nil
		}
		if s.opts.Supported != nil && !s.opts.Supported(rel) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.Size() > s.opts.MaxFileSize {
			s.log.Debug("skipping oversized file",
				slog.String("path", rel),
				slog.Int64("size", fi.Size()))
			return nil
		}

		files = append(files, FileInfo{
			RelPath: rel,
			AbsPath: path,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.hashAll(ctx, files); err != nil {
		return nil, err
	}

	// Stable lexicographic order drives deterministic pipeline runs.
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// skipDir reports whether a directory should be pruned from the walk.
func (s *Scanner) skipDir(name string) bool {
	return SkipDirName(name)
}

// loadIgnoreFile merges dir's .gitignore into the matcher, if present.
// WalkDir visits a directory before its contents, so patterns are in
// place by the time the entries below them are considered.
func (s *Scanner) loadIgnoreFile(ign *gitignore.Matcher, dir, base string) {
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := ign.AddFromFile(path, base); err != nil {
		s.log.Debug("failed to read gitignore file",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}

// SkipDirName reports whether a directory name is never scanned or
// watched: the store directory, hidden directories, and well-known
// dependency or VCS trees. The watcher applies the same rule so the two
// never disagree about a subtree.
func SkipDirName(name string) bool {
	if name == StoreDirName {
		return true
	}
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, junk := defaultSkipDirs[name]
	return junk
}

// hashAll fills in the Hash field for every file, in parallel.
// A file that disappears mid-scan keeps an empty hash and is logged;
// the pipeline treats it as deleted on the next pass.
func (s *Scanner) hashAll(ctx context.Context, files []FileInfo) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for i := range files {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			sum, err := hashFile(files[i].AbsPath)
			if err != nil {
				s.log.Debug("failed to hash file",
					slog.String("path", files[i].RelPath),
					slog.String("error", err.Error()))
				return nil
			}
			files[i].Hash = sum
			return nil
		})
	}
	return g.Wait()
}

// hashFile returns the hex SHA-256 of a file's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// matchesAny reports whether rel matches any of the ignore patterns.
// Malformed patterns never match.
func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}
