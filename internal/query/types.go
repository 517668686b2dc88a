package query

import (
	"time"

	"github.com/folder-mcp/folderd/internal/fleet"
)

// Page describes one slice of a larger result. ContinuationToken is set
// only when another page exists.
type Page struct {
	Total             int    `json:"total"`
	Offset            int    `json:"offset"`
	Limit             int    `json:"limit"`
	ContinuationToken string `json:"continuation_token,omitempty"`
}

// IndexingStatus is the lifecycle slice of a folder summary.
type IndexingStatus struct {
	Status      fleet.Status `json:"status"`
	IsIndexed   bool         `json:"is_indexed"`
	Progress    *float64     `json:"progress,omitempty"`
	LastIndexed *time.Time   `json:"last_indexed,omitempty"`
	LastError   *string      `json:"last_error,omitempty"`
}

// RecentFile is one recently modified document in a folder summary.
type RecentFile struct {
	Path        string    `json:"path"`
	Modified    time.Time `json:"modified"`
	DownloadURL string    `json:"download_url,omitempty"`
}

// FolderSummary is one list-folders row: runtime state plus a semantic
// preview of the folder's content.
type FolderSummary struct {
	Path           string               `json:"path"`
	Model          string               `json:"model"`
	IndexingStatus IndexingStatus       `json:"indexing_status"`
	DocumentCount  int                  `json:"document_count"`
	ChunkCount     int                  `json:"chunk_count"`
	TopKeyPhrases  []string             `json:"top_key_phrases"`
	Complexity     string               `json:"complexity"`
	RecentFiles    []RecentFile         `json:"recent_files"`
	Notifications  []fleet.Notification `json:"notifications,omitempty"`
}

// Subdirectory is one directory entry in an explore response.
type Subdirectory struct {
	Name          string   `json:"name"`
	DocumentCount int      `json:"document_count"`
	KeyPhrases    []string `json:"key_phrases,omitempty"`
}

// FileEntry is one file entry in an explore response.
type FileEntry struct {
	Name        string `json:"name"`
	DownloadURL string `json:"download_url,omitempty"`
}

// DirStats summarizes the explored directory itself.
type DirStats struct {
	Documents int   `json:"documents"`
	Size      int64 `json:"size"`
}

// ExploreResult is one directory-level view of a folder.
type ExploreResult struct {
	Path           string         `json:"path"`
	SubPath        string         `json:"sub_path,omitempty"`
	Subdirectories []Subdirectory `json:"subdirectories"`
	Files          []FileEntry    `json:"files"`
	Statistics     DirStats       `json:"statistics"`
	Pagination     Page           `json:"pagination"`
}

// DocumentInfo is one list-documents row.
type DocumentInfo struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
	KeyPhrases  []string  `json:"key_phrases"`
	Readability float64   `json:"readability"`
	DownloadURL string    `json:"download_url,omitempty"`
}

// DocumentList is a paginated list-documents response.
type DocumentList struct {
	Documents  []DocumentInfo `json:"documents"`
	Pagination Page           `json:"pagination"`
}

// ChunkSummary is one chunk's metadata without its full content.
type ChunkSummary struct {
	ID          string   `json:"id"`
	Index       int      `json:"index"`
	KeyPhrases  []string `json:"key_phrases"`
	HasCode     bool     `json:"has_code"`
	Readability float64  `json:"readability"`
	Start       int      `json:"start"`
	End         int      `json:"end"`
	Preview     string   `json:"preview"`
}

// DocumentMetadata is a get-document-metadata response: the document row
// plus one page of chunk summaries.
type DocumentMetadata struct {
	Path        string         `json:"path"`
	Title       string         `json:"title"`
	Mime        string         `json:"mime"`
	Size        int64          `json:"size"`
	Modified    time.Time      `json:"modified"`
	Readability float64        `json:"readability"`
	ChunkCount  int            `json:"chunk_count"`
	DownloadURL string         `json:"download_url,omitempty"`
	Chunks      []ChunkSummary `json:"chunks"`
	Pagination  Page           `json:"pagination"`
}

// ChunkContent is one full chunk in a get-chunks response.
type ChunkContent struct {
	ID      string `json:"id"`
	Index   int    `json:"index"`
	Content string `json:"content"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	HasCode bool   `json:"has_code"`
}

// ChunkSet is a get-chunks response.
type ChunkSet struct {
	Path   string         `json:"path"`
	Chunks []ChunkContent `json:"chunks"`
}

// DocumentText is a get-document-text response: one window of the
// overlap-reconstructed text.
type DocumentText struct {
	Path               string   `json:"path"`
	Text               string   `json:"text"`
	Offset             int      `json:"offset"`
	TotalChars         int      `json:"total_chars"`
	ContinuationToken  string   `json:"continuation_token,omitempty"`
	ExtractionWarnings []string `json:"extraction_warnings,omitempty"`
}

// SearchRequest scopes one search-content call.
type SearchRequest struct {
	SemanticConcepts  []string `json:"semantic_concepts,omitempty"`
	ExactTerms        []string `json:"exact_terms,omitempty"`
	MinScore          *float64 `json:"min_score,omitempty"`
	Limit             int      `json:"limit,omitempty"`
	ContinuationToken string   `json:"continuation_token,omitempty"`
}

// SearchHit is one chunk-level search result.
type SearchHit struct {
	ChunkID     string   `json:"chunk_id"`
	DocPath     string   `json:"document"`
	Index       int      `json:"index"`
	Score       float64  `json:"score"`
	Content     string   `json:"content"`
	KeyPhrases  []string `json:"key_phrases,omitempty"`
	HasCode     bool     `json:"has_code"`
	DownloadURL string   `json:"download_url,omitempty"`
}

// SearchResults is a search-content response.
type SearchResults struct {
	Hits       []SearchHit `json:"hits"`
	Pagination Page        `json:"pagination"`
}

// FindRequest scopes one find-documents call.
type FindRequest struct {
	Query             string `json:"query"`
	Limit             int    `json:"limit,omitempty"`
	ContinuationToken string `json:"continuation_token,omitempty"`
}

// DocumentMatch is one document-level search result.
type DocumentMatch struct {
	Path        string    `json:"path"`
	Score       float64   `json:"score"`
	KeyPhrases  []string  `json:"key_phrases"`
	Readability float64   `json:"readability"`
	ChunkCount  int       `json:"chunk_count"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
	DownloadURL string    `json:"download_url,omitempty"`
}

// DocumentMatches is a find-documents response.
type DocumentMatches struct {
	Documents  []DocumentMatch `json:"documents"`
	Pagination Page            `json:"pagination"`
}
