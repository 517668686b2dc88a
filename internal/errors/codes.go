// Package errors provides structured error handling for folderd.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Embedding model errors
//   - 3XX: Document store errors
//   - 4XX: Extraction and chunking errors
//   - 5XX: Scheduler errors
//   - 6XX: Transport errors
//   - 7XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryModel indicates embedding model install/load errors.
	CategoryModel Category = "MODEL"
	// CategoryStore indicates document store errors.
	CategoryStore Category = "STORE"
	// CategoryExtract indicates per-document extraction and chunking errors.
	CategoryExtract Category = "EXTRACT"
	// CategoryScheduler indicates model scheduler and worker errors.
	CategoryScheduler Category = "SCHEDULER"
	// CategoryTransport indicates client-facing request errors.
	CategoryTransport Category = "TRANSPORT"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"
	ErrCodeUnknownModel   = "ERR_103_UNKNOWN_MODEL"

	// Model errors (200-299)
	ErrCodeModelDownload    = "ERR_201_MODEL_DOWNLOAD"
	ErrCodeModelLoad        = "ERR_202_MODEL_LOAD"
	ErrCodeModelUnavailable = "ERR_203_MODEL_UNAVAILABLE"
	ErrCodeModelProcess     = "ERR_204_MODEL_PROCESS"

	// Store errors (300-399)
	ErrCodeStoreOpen         = "ERR_301_STORE_OPEN"
	ErrCodeStoreMigrate      = "ERR_302_STORE_MIGRATE"
	ErrCodeStoreCorrupt      = "ERR_303_STORE_CORRUPT"
	ErrCodeStoreIO           = "ERR_304_STORE_IO"
	ErrCodeDocumentNotFound  = "ERR_305_DOCUMENT_NOT_FOUND"
	ErrCodeChunkNotFound     = "ERR_306_CHUNK_NOT_FOUND"
	ErrCodeDimensionMismatch = "ERR_307_DIMENSION_MISMATCH"

	// Extraction errors (400-499)
	ErrCodeExtractFailed     = "ERR_401_EXTRACT_FAILED"
	ErrCodeUnsupportedFormat = "ERR_402_UNSUPPORTED_FORMAT"
	ErrCodeChunkingFailed    = "ERR_403_CHUNKING_FAILED"
	ErrCodeFileTooLarge      = "ERR_404_FILE_TOO_LARGE"

	// Scheduler errors (500-599)
	ErrCodeWorkerCrashed = "ERR_501_WORKER_CRASHED"
	ErrCodeEmbedFailed   = "ERR_502_EMBED_FAILED"
	ErrCodeQueueFull     = "ERR_503_QUEUE_FULL"
	ErrCodeTaskCancelled = "ERR_504_TASK_CANCELLED"

	// Transport errors (600-699)
	ErrCodeInvalidInput   = "ERR_601_INVALID_INPUT"
	ErrCodeInvalidToken   = "ERR_602_INVALID_TOKEN"
	ErrCodeFolderNotFound = "ERR_603_FOLDER_NOT_FOUND"
	ErrCodeTokenExpired   = "ERR_604_TOKEN_EXPIRED"
	ErrCodePathEscape     = "ERR_605_PATH_ESCAPE"
	ErrCodeFileNotFound   = "ERR_606_FILE_NOT_FOUND"
	ErrCodeFolderNotReady = "ERR_607_FOLDER_NOT_READY"

	// Internal errors (700-799)
	ErrCodeInternal = "ERR_701_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "101" from "ERR_101_CONFIG_NOT_FOUND")
	numStr := code[4:7]
	if len(numStr) < 1 {
		return CategoryInternal
	}

	switch numStr[0] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryModel
	case '3':
		return CategoryStore
	case '4':
		return CategoryExtract
	case '5':
		return CategoryScheduler
	case '6':
		return CategoryTransport
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	// Fatal errors abort the owning folder's lifecycle
	switch code {
	case ErrCodeStoreOpen, ErrCodeStoreMigrate, ErrCodeStoreCorrupt, ErrCodeModelLoad:
		return SeverityFatal
	}

	// Retryable errors get warning severity
	if isRetryableCode(code) {
		return SeverityWarning
	}

	// Default to error severity
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeModelDownload, ErrCodeModelProcess, ErrCodeWorkerCrashed, ErrCodeEmbedFailed:
		return true
	default:
		return false
	}
}
