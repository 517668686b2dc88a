package mcp

import "github.com/folder-mcp/folderd/internal/query"

// ListFoldersInput defines the input schema for the list_folders tool (no parameters).
type ListFoldersInput struct{}

// FolderListOutput defines the output schema for the list_folders tool.
type FolderListOutput struct {
	Folders []query.FolderSummary `json:"folders"`
}

// ExploreInput defines the input schema for the explore tool.
type ExploreInput struct {
	FolderPath        string `json:"folder_path" jsonschema:"absolute path of the configured folder to explore"`
	SubPath           string `json:"sub_path,omitempty" jsonschema:"directory inside the folder, relative, empty for the folder root"`
	Limit             int    `json:"limit,omitempty" jsonschema:"maximum entries per page, default 50"`
	ContinuationToken string `json:"continuation_token,omitempty" jsonschema:"opaque token from a previous page"`
}

// ListDocumentsInput defines the input schema for the list_documents tool.
type ListDocumentsInput struct {
	FolderPath        string `json:"folder_path" jsonschema:"absolute path of the configured folder"`
	SubPath           string `json:"sub_path,omitempty" jsonschema:"directory inside the folder, relative, empty for the folder root"`
	Recursive         bool   `json:"recursive,omitempty" jsonschema:"include documents from nested directories"`
	Limit             int    `json:"limit,omitempty" jsonschema:"maximum documents per page, default 50"`
	ContinuationToken string `json:"continuation_token,omitempty" jsonschema:"opaque token from a previous page"`
}

// DocumentMetadataInput defines the input schema for the get_document_metadata tool.
type DocumentMetadataInput struct {
	FolderPath        string `json:"folder_path" jsonschema:"absolute path of the configured folder"`
	FilePath          string `json:"file_path" jsonschema:"document path relative to the folder root"`
	Limit             int    `json:"limit,omitempty" jsonschema:"maximum chunk summaries per page, default 50"`
	ContinuationToken string `json:"continuation_token,omitempty" jsonschema:"opaque token from a previous page"`
}

// ChunksInput defines the input schema for the get_chunks tool.
type ChunksInput struct {
	FolderPath string   `json:"folder_path" jsonschema:"absolute path of the configured folder"`
	FilePath   string   `json:"file_path" jsonschema:"document path relative to the folder root"`
	ChunkIDs   []string `json:"chunk_ids" jsonschema:"chunk identifiers from get_document_metadata or search_content results"`
}

// DocumentTextInput defines the input schema for the get_document_text tool.
type DocumentTextInput struct {
	FolderPath        string `json:"folder_path" jsonschema:"absolute path of the configured folder"`
	FilePath          string `json:"file_path" jsonschema:"document path relative to the folder root"`
	MaxChars          int    `json:"max_chars,omitempty" jsonschema:"window size in characters, capped at 50000"`
	Offset            int    `json:"offset,omitempty" jsonschema:"character offset the window starts at"`
	ContinuationToken string `json:"continuation_token,omitempty" jsonschema:"opaque token from a previous window"`
}

// SearchContentInput defines the input schema for the search_content tool.
type SearchContentInput struct {
	FolderPath        string   `json:"folder_path" jsonschema:"absolute path of the configured folder to search"`
	SemanticConcepts  []string `json:"semantic_concepts,omitempty" jsonschema:"concepts to match by meaning, at least one of semantic_concepts or exact_terms"`
	ExactTerms        []string `json:"exact_terms,omitempty" jsonschema:"terms that must appear verbatim in matching chunks"`
	MinScore          *float64 `json:"min_score,omitempty" jsonschema:"drop hits scoring below this threshold, 0 to 1"`
	Limit             int      `json:"limit,omitempty" jsonschema:"maximum hits per page, default 10, capped at 50"`
	ContinuationToken string   `json:"continuation_token,omitempty" jsonschema:"opaque token from a previous page"`
}

// FindDocumentsInput defines the input schema for the find_documents tool.
type FindDocumentsInput struct {
	FolderPath        string `json:"folder_path" jsonschema:"absolute path of the configured folder to search"`
	Query             string `json:"query" jsonschema:"natural language description of the documents to find"`
	Limit             int    `json:"limit,omitempty" jsonschema:"maximum documents per page, default 10, capped at 50"`
	ContinuationToken string `json:"continuation_token,omitempty" jsonschema:"opaque token from a previous page"`
}
