// Package mcp bridges the daemon's query surface onto the Model Context
// Protocol, so AI agents can browse and search indexed folders over stdio.
package mcp

import (
	"context"
	"fmt"

	"github.com/folder-mcp/folderd/internal/errors"
)

// Custom MCP error codes for folderd.
const (
	// ErrCodeFolderUnknown indicates the folder is not configured on the daemon.
	ErrCodeFolderUnknown = -32001

	// ErrCodeDocumentUnknown indicates the document or chunk is not in the index.
	ErrCodeDocumentUnknown = -32002

	// ErrCodeIndexNotReady indicates the folder cannot answer queries yet.
	ErrCodeIndexNotReady = -32003

	// ErrCodeTimeout indicates the request timed out or was canceled.
	ErrCodeTimeout = -32004

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors. Daemon errors keep
// their message; everything else collapses to a generic internal error
// so store paths and driver details never leak to the agent.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var de *errors.DaemonError
	if errors.As(err, &de) {
		return mapDaemonError(de)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{
			Code:    ErrCodeTimeout,
			Message: "Request timed out.",
		}
	case errors.Is(err, context.Canceled):
		return &MCPError{
			Code:    ErrCodeTimeout,
			Message: "Request was canceled.",
		}
	default:
		return &MCPError{
			Code:    ErrCodeInternalError,
			Message: "Internal server error.",
		}
	}
}

// mapDaemonError picks the MCP code for a daemon error code, falling
// back to the error's category when no code matches.
func mapDaemonError(de *errors.DaemonError) *MCPError {
	switch de.Code {
	case errors.ErrCodeFolderNotFound:
		return &MCPError{Code: ErrCodeFolderUnknown, Message: de.Message}
	case errors.ErrCodeDocumentNotFound, errors.ErrCodeChunkNotFound, errors.ErrCodeFileNotFound:
		return &MCPError{Code: ErrCodeDocumentUnknown, Message: de.Message}
	case errors.ErrCodeFolderNotReady, errors.ErrCodeQueueFull:
		return &MCPError{Code: ErrCodeIndexNotReady, Message: de.Message}
	case errors.ErrCodeInvalidInput, errors.ErrCodeUnknownModel:
		return &MCPError{Code: ErrCodeInvalidParams, Message: de.Message}
	case errors.ErrCodeTaskCancelled:
		return &MCPError{Code: ErrCodeTimeout, Message: de.Message}
	}

	switch de.Category {
	case errors.CategoryModel, errors.CategoryScheduler:
		return &MCPError{Code: ErrCodeIndexNotReady, Message: de.Message}
	case errors.CategoryTransport:
		return &MCPError{Code: ErrCodeInvalidRequest, Message: de.Message}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: de.Message}
	}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{
		Code:    ErrCodeInvalidParams,
		Message: msg,
	}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{
		Code:    ErrCodeMethodNotFound,
		Message: fmt.Sprintf("Tool '%s' not found.", name),
	}
}
