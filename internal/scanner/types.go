// Package scanner enumerates the indexable files under a configured
// folder: supported extensions only, ignore patterns applied, content
// hashed so the pipeline can diff against the store.
package scanner

import (
	"time"
)

// FileInfo describes one discovered file.
type FileInfo struct {
	RelPath string    // Slash-separated path relative to the folder root
	AbsPath string    // Absolute path
	Size    int64     // File size in bytes
	ModTime time.Time // Last modification time
	Hash    string    // Hex SHA-256 of the file content
}

// DefaultMaxFileSize is the default maximum file size (10MB).
const DefaultMaxFileSize = 10 * 1024 * 1024

// DefaultIgnores are glob patterns applied to every scan, matched against
// the slash-separated relative path.
var DefaultIgnores = []string{
	"**/.DS_Store",
	"**/Thumbs.db",
	"**/~$*",
	"**/*.tmp",
	"**/*.swp",
}

// defaultSkipDirs are directory names never descended into.
var defaultSkipDirs = map[string]struct{}{
	".git":         {},
	".svn":         {},
	".hg":          {},
	"node_modules": {},
	"__pycache__":  {},
	".venv":        {},
	"venv":         {},
}
