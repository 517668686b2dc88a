package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/query"
	"github.com/folder-mcp/folderd/pkg/version"
)

// serverName identifies this daemon to MCP clients.
const serverName = "folderd"

// QueryAPI is the slice of the daemon's query surface the bridge exposes.
// The in-process query service implements it directly; the HTTP client
// implements it against a running daemon.
type QueryAPI interface {
	ListFolders(ctx context.Context) ([]query.FolderSummary, error)
	Explore(ctx context.Context, folderPath, subPath string, limit int, contToken string) (*query.ExploreResult, error)
	ListDocuments(ctx context.Context, folderPath, subPath string, recursive bool, limit int, contToken string) (*query.DocumentList, error)
	DocumentMetadata(ctx context.Context, folderPath, file string, limit int, contToken string) (*query.DocumentMetadata, error)
	Chunks(ctx context.Context, folderPath, file string, ids []string) (*query.ChunkSet, error)
	DocumentText(ctx context.Context, folderPath, file string, maxChars, offset int, contToken string) (*query.DocumentText, error)
	SearchContent(ctx context.Context, folderPath string, req query.SearchRequest) (*query.SearchResults, error)
	FindDocuments(ctx context.Context, folderPath string, req query.FindRequest) (*query.DocumentMatches, error)
}

var _ QueryAPI = (*query.Service)(nil)

// ToolInfo describes one registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// Server exposes the daemon's query operations as MCP tools.
type Server struct {
	mcp *mcp.Server
	api QueryAPI
	log *slog.Logger
}

// NewServer creates an MCP server over the given query surface.
func NewServer(api QueryAPI, logger *slog.Logger) (*Server, error) {
	if api == nil {
		return nil, fmt.Errorf("query surface is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		// Capabilities are inferred from registered tools.
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    serverName,
			Version: version.Version,
		}, nil),
		api: api,
		log: logger.With(slog.String("component", "mcp")),
	}

	s.registerTools()
	return s, nil
}

// Info returns the advertised server name and version.
func (s *Server) Info() (string, string) {
	return serverName, version.Version
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Serve runs the server over stdio until the context is canceled. Stdout
// belongs to the JSON-RPC stream; all logging goes through the slog
// handler configured at startup.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("mcp_server_starting", slog.String("transport", "stdio"))

	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("mcp_server_failed", slog.String("error", err.Error()))
		return err
	}
	s.log.Info("mcp_server_stopped")
	return nil
}

// ListTools returns the registered tool catalog.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{
			Name:        "list_folders",
			Description: "List every folder the daemon indexes, with indexing status, top key phrases, and recently modified files. Call this first to discover what is searchable.",
		},
		{
			Name:        "explore",
			Description: "Browse one directory level of an indexed folder. Returns subdirectories with key phrases and files with download links, so you can orient before listing or searching.",
		},
		{
			Name:        "list_documents",
			Description: "List indexed documents in a folder or subdirectory, with key phrases and readability per document. Supports recursive listing and pagination.",
		},
		{
			Name:        "get_document_metadata",
			Description: "Inspect one document: title, size, and chunk summaries with previews. Feed the chunk IDs to get_chunks to pull exact passages.",
		},
		{
			Name:        "get_chunks",
			Description: "Fetch the full text of specific chunks by ID. Cheaper than get_document_text when search already told you which passages matter.",
		},
		{
			Name:        "get_document_text",
			Description: "Read a document's extracted plain text in windows. Follow continuation tokens to page through long documents.",
		},
		{
			Name:        "search_content",
			Description: "Primary search tool. Hybrid semantic search over chunk content: semantic_concepts match by meaning, exact_terms match verbatim, so it finds passages keyword search never would.",
		},
		{
			Name:        "find_documents",
			Description: "Find whole documents matching a natural language description. Returns document-level matches ranked by aggregated relevance.",
		},
	}
}

// registerTools registers all tools with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_folders",
		Description: "List every folder the daemon indexes, with indexing status, top key phrases, and recently modified files. Call this first to discover what is searchable.",
	}, s.listFoldersHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "explore",
		Description: "Browse one directory level of an indexed folder. Returns subdirectories with key phrases and files with download links, so you can orient before listing or searching.",
	}, s.exploreHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_documents",
		Description: "List indexed documents in a folder or subdirectory, with key phrases and readability per document. Supports recursive listing and pagination.",
	}, s.listDocumentsHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_document_metadata",
		Description: "Inspect one document: title, size, and chunk summaries with previews. Feed the chunk IDs to get_chunks to pull exact passages.",
	}, s.documentMetadataHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_chunks",
		Description: "Fetch the full text of specific chunks by ID. Cheaper than get_document_text when search already told you which passages matter.",
	}, s.chunksHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_document_text",
		Description: "Read a document's extracted plain text in windows. Follow continuation tokens to page through long documents.",
	}, s.documentTextHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_content",
		Description: "Primary search tool. Hybrid semantic search over chunk content: semantic_concepts match by meaning, exact_terms match verbatim, so it finds passages keyword search never would.",
	}, s.searchContentHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "find_documents",
		Description: "Find whole documents matching a natural language description. Returns document-level matches ranked by aggregated relevance.",
	}, s.findDocumentsHandler)

	s.log.Info("mcp_tools_registered", slog.Int("count", 8))
}

// listFoldersHandler is the MCP SDK handler for the list_folders tool.
func (s *Server) listFoldersHandler(ctx context.Context, _ *mcp.CallToolRequest, _ ListFoldersInput) (
	*mcp.CallToolResult,
	*FolderListOutput,
	error,
) {
	folders, err := s.api.ListFolders(ctx)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, &FolderListOutput{Folders: folders}, nil
}

// exploreHandler is the MCP SDK handler for the explore tool.
func (s *Server) exploreHandler(ctx context.Context, _ *mcp.CallToolRequest, input ExploreInput) (
	*mcp.CallToolResult,
	*query.ExploreResult,
	error,
) {
	if input.FolderPath == "" {
		return nil, nil, NewInvalidParamsError("folder_path parameter is required")
	}

	res, err := s.api.Explore(ctx, input.FolderPath, input.SubPath, input.Limit, input.ContinuationToken)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, res, nil
}

// listDocumentsHandler is the MCP SDK handler for the list_documents tool.
func (s *Server) listDocumentsHandler(ctx context.Context, _ *mcp.CallToolRequest, input ListDocumentsInput) (
	*mcp.CallToolResult,
	*query.DocumentList,
	error,
) {
	if input.FolderPath == "" {
		return nil, nil, NewInvalidParamsError("folder_path parameter is required")
	}

	res, err := s.api.ListDocuments(ctx, input.FolderPath, input.SubPath, input.Recursive, input.Limit, input.ContinuationToken)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, res, nil
}

// documentMetadataHandler is the MCP SDK handler for the get_document_metadata tool.
func (s *Server) documentMetadataHandler(ctx context.Context, _ *mcp.CallToolRequest, input DocumentMetadataInput) (
	*mcp.CallToolResult,
	*query.DocumentMetadata,
	error,
) {
	if input.FolderPath == "" {
		return nil, nil, NewInvalidParamsError("folder_path parameter is required")
	}
	if input.FilePath == "" {
		return nil, nil, NewInvalidParamsError("file_path parameter is required")
	}

	res, err := s.api.DocumentMetadata(ctx, input.FolderPath, input.FilePath, input.Limit, input.ContinuationToken)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, res, nil
}

// chunksHandler is the MCP SDK handler for the get_chunks tool.
func (s *Server) chunksHandler(ctx context.Context, _ *mcp.CallToolRequest, input ChunksInput) (
	*mcp.CallToolResult,
	*query.ChunkSet,
	error,
) {
	if input.FolderPath == "" {
		return nil, nil, NewInvalidParamsError("folder_path parameter is required")
	}
	if input.FilePath == "" {
		return nil, nil, NewInvalidParamsError("file_path parameter is required")
	}
	if len(input.ChunkIDs) == 0 {
		return nil, nil, NewInvalidParamsError("chunk_ids parameter is required and must not be empty")
	}

	res, err := s.api.Chunks(ctx, input.FolderPath, input.FilePath, input.ChunkIDs)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, res, nil
}

// documentTextHandler is the MCP SDK handler for the get_document_text tool.
func (s *Server) documentTextHandler(ctx context.Context, _ *mcp.CallToolRequest, input DocumentTextInput) (
	*mcp.CallToolResult,
	*query.DocumentText,
	error,
) {
	if input.FolderPath == "" {
		return nil, nil, NewInvalidParamsError("folder_path parameter is required")
	}
	if input.FilePath == "" {
		return nil, nil, NewInvalidParamsError("file_path parameter is required")
	}

	res, err := s.api.DocumentText(ctx, input.FolderPath, input.FilePath, input.MaxChars, input.Offset, input.ContinuationToken)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, res, nil
}

// searchContentHandler is the MCP SDK handler for the search_content tool.
func (s *Server) searchContentHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchContentInput) (
	*mcp.CallToolResult,
	*query.SearchResults,
	error,
) {
	start := time.Now()
	requestID := generateRequestID()

	if input.FolderPath == "" {
		return nil, nil, NewInvalidParamsError("folder_path parameter is required")
	}
	if len(input.SemanticConcepts) == 0 && len(input.ExactTerms) == 0 {
		return nil, nil, NewInvalidParamsError("at least one of semantic_concepts or exact_terms is required")
	}

	s.log.Info("search_content_started",
		slog.String("request_id", requestID),
		slog.String("folder", input.FolderPath),
		slog.Int("limit", input.Limit))

	res, err := s.api.SearchContent(ctx, input.FolderPath, query.SearchRequest{
		SemanticConcepts:  input.SemanticConcepts,
		ExactTerms:        input.ExactTerms,
		MinScore:          input.MinScore,
		Limit:             input.Limit,
		ContinuationToken: input.ContinuationToken,
	})
	duration := time.Since(start)

	if err != nil {
		s.log.Error("search_content_failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return nil, nil, MapError(err)
	}

	s.log.Info("search_content_completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.Int("hit_count", len(res.Hits)))

	return nil, res, nil
}

// findDocumentsHandler is the MCP SDK handler for the find_documents tool.
func (s *Server) findDocumentsHandler(ctx context.Context, _ *mcp.CallToolRequest, input FindDocumentsInput) (
	*mcp.CallToolResult,
	*query.DocumentMatches,
	error,
) {
	start := time.Now()
	requestID := generateRequestID()

	if input.FolderPath == "" {
		return nil, nil, NewInvalidParamsError("folder_path parameter is required")
	}
	if input.Query == "" {
		return nil, nil, NewInvalidParamsError("query parameter is required and must be a non-empty string")
	}

	s.log.Info("find_documents_started",
		slog.String("request_id", requestID),
		slog.String("folder", input.FolderPath),
		slog.Int("limit", input.Limit))

	res, err := s.api.FindDocuments(ctx, input.FolderPath, query.FindRequest{
		Query:             input.Query,
		Limit:             input.Limit,
		ContinuationToken: input.ContinuationToken,
	})
	duration := time.Since(start)

	if err != nil {
		s.log.Error("find_documents_failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return nil, nil, MapError(err)
	}

	s.log.Info("find_documents_completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.Int("document_count", len(res.Documents)))

	return nil, res, nil
}

// CallTool invokes a tool by name with loosely typed arguments, outside
// the stdio transport. The search tools answer in markdown; browse tools
// return their structured results.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "list_folders":
		_, out, err := s.listFoldersHandler(ctx, nil, ListFoldersInput{})
		if err != nil {
			return nil, err
		}
		return out, nil

	case "explore":
		var in ExploreInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		_, out, err := s.exploreHandler(ctx, nil, in)
		if err != nil {
			return nil, err
		}
		return out, nil

	case "list_documents":
		var in ListDocumentsInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		_, out, err := s.listDocumentsHandler(ctx, nil, in)
		if err != nil {
			return nil, err
		}
		return out, nil

	case "get_document_metadata":
		var in DocumentMetadataInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		_, out, err := s.documentMetadataHandler(ctx, nil, in)
		if err != nil {
			return nil, err
		}
		return out, nil

	case "get_chunks":
		var in ChunksInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		_, out, err := s.chunksHandler(ctx, nil, in)
		if err != nil {
			return nil, err
		}
		return out, nil

	case "get_document_text":
		var in DocumentTextInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		_, out, err := s.documentTextHandler(ctx, nil, in)
		if err != nil {
			return nil, err
		}
		return out, nil

	case "search_content":
		var in SearchContentInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		_, out, err := s.searchContentHandler(ctx, nil, in)
		if err != nil {
			return nil, err
		}
		return FormatSearchHits(in.FolderPath, out), nil

	case "find_documents":
		var in FindDocumentsInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		_, out, err := s.findDocumentsHandler(ctx, nil, in)
		if err != nil {
			return nil, err
		}
		return FormatDocumentMatches(in.FolderPath, out), nil

	default:
		return nil, NewMethodNotFoundError(name)
	}
}

// decodeArgs maps loosely typed tool arguments onto an input struct.
func decodeArgs(args map[string]any, into any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return NewInvalidParamsError(err.Error())
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return NewInvalidParamsError(err.Error())
	}
	return nil
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
