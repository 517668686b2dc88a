package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("original error")

	// When: wrapping with DaemonError
	daemonErr := New(ErrCodeStoreOpen, "cannot open store: documents.db", originalErr)

	// Then: unwrapping returns original error
	require.NotNil(t, daemonErr)
	assert.Equal(t, originalErr, errors.Unwrap(daemonErr))
	assert.True(t, errors.Is(daemonErr, originalErr))
}

func TestDaemonError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		expected string
	}{
		{
			name:     "config error",
			code:     ErrCodeConfigNotFound,
			message:  "config file not found",
			expected: "[ERR_101_CONFIG_NOT_FOUND] config file not found",
		},
		{
			name:     "model error",
			code:     ErrCodeModelDownload,
			message:  "download interrupted",
			expected: "[ERR_201_MODEL_DOWNLOAD] download interrupted",
		},
		{
			name:     "store error",
			code:     ErrCodeStoreOpen,
			message:  "cannot open documents.db",
			expected: "[ERR_301_STORE_OPEN] cannot open documents.db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, nil)
			assert.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestDaemonError_Is_MatchesByCode(t *testing.T) {
	// Given: two errors with same code
	err1 := New(ErrCodeDocumentNotFound, "document A not found", nil)
	err2 := New(ErrCodeDocumentNotFound, "document B not found", nil)

	// Then: they match by code
	assert.True(t, errors.Is(err1, err2))
}

func TestDaemonError_Is_DoesNotMatchDifferentCodes(t *testing.T) {
	// Given: two errors with different codes
	err1 := New(ErrCodeDocumentNotFound, "document not found", nil)
	err2 := New(ErrCodeConfigNotFound, "config not found", nil)

	// Then: they don't match
	assert.False(t, errors.Is(err1, err2))
}

func TestDaemonError_WithDetails_AddsContext(t *testing.T) {
	// Given: a base error
	err := New(ErrCodeExtractFailed, "extraction failed", nil)

	// When: adding details
	err = err.WithDetail("path", "/foo/report.pdf")
	err = err.WithDetail("size", "1024")

	// Then: details are available
	assert.Equal(t, "/foo/report.pdf", err.Details["path"])
	assert.Equal(t, "1024", err.Details["size"])
}

func TestDaemonError_WithSuggestion_AddsSuggestion(t *testing.T) {
	// Given: a model error
	err := New(ErrCodeModelDownload, "download interrupted", nil)

	// When: adding suggestion
	err = err.WithSuggestion("Check your network connection")

	// Then: suggestion is available
	assert.Equal(t, "Check your network connection", err.Suggestion)
}

func TestDaemonError_CategoryFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantCategory Category
	}{
		{ErrCodeConfigNotFound, CategoryConfig},
		{ErrCodeUnknownModel, CategoryConfig},
		{ErrCodeModelDownload, CategoryModel},
		{ErrCodeModelLoad, CategoryModel},
		{ErrCodeStoreOpen, CategoryStore},
		{ErrCodeStoreCorrupt, CategoryStore},
		{ErrCodeExtractFailed, CategoryExtract},
		{ErrCodeChunkingFailed, CategoryExtract},
		{ErrCodeWorkerCrashed, CategoryScheduler},
		{ErrCodeEmbedFailed, CategoryScheduler},
		{ErrCodeInvalidInput, CategoryTransport},
		{ErrCodePathEscape, CategoryTransport},
		{ErrCodeInternal, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantCategory, err.Category)
		})
	}
}

func TestDaemonError_SeverityFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantSeverity Severity
	}{
		{ErrCodeStoreCorrupt, SeverityFatal},
		{ErrCodeStoreMigrate, SeverityFatal},
		{ErrCodeModelLoad, SeverityFatal},
		{ErrCodeDocumentNotFound, SeverityError},
		{ErrCodeModelDownload, SeverityWarning}, // Retryable, so warning
		{ErrCodeWorkerCrashed, SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantSeverity, err.Severity)
		})
	}
}

func TestDaemonError_RetryableFromCode(t *testing.T) {
	tests := []struct {
		code          string
		wantRetryable bool
	}{
		{ErrCodeModelDownload, true},
		{ErrCodeModelProcess, true},
		{ErrCodeWorkerCrashed, true},
		{ErrCodeEmbedFailed, true},
		{ErrCodeConfigInvalid, false},
		{ErrCodeStoreCorrupt, false},
		{ErrCodeInvalidToken, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantRetryable, err.Retryable)
		})
	}
}

func TestWrap_CreatesDaemonErrorFromError(t *testing.T) {
	// Given: a standard error
	originalErr := errors.New("something went wrong")

	// When: wrapping with a code
	daemonErr := Wrap(ErrCodeInternal, originalErr)

	// Then: creates proper DaemonError
	require.NotNil(t, daemonErr)
	assert.Equal(t, ErrCodeInternal, daemonErr.Code)
	assert.Equal(t, "something went wrong", daemonErr.Message)
	assert.Equal(t, originalErr, daemonErr.Cause)
}

func TestConfigError_CreatesConfigCategoryError(t *testing.T) {
	err := ConfigError("invalid yaml syntax", nil)

	assert.Equal(t, CategoryConfig, err.Category)
	assert.Contains(t, err.Code, "CONFIG")
}

func TestStoreError_CreatesStoreCategoryError(t *testing.T) {
	err := StoreError("cannot write chunk rows", nil)

	assert.Equal(t, CategoryStore, err.Category)
}

func TestSchedulerError_CreatesRetryableError(t *testing.T) {
	err := SchedulerError("embed batch failed", nil)

	assert.Equal(t, CategoryScheduler, err.Category)
	assert.True(t, err.Retryable)
}

func TestValidationError_CreatesTransportCategoryError(t *testing.T) {
	err := ValidationError("query cannot be empty", nil)

	assert.Equal(t, CategoryTransport, err.Category)
}

func TestIsRetryable_ChecksRetryableFlag(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable DaemonError",
			err:      New(ErrCodeEmbedFailed, "embed failed", nil),
			expected: true,
		},
		{
			name:     "non-retryable DaemonError",
			err:      New(ErrCodeDocumentNotFound, "not found", nil),
			expected: false,
		},
		{
			name:     "wrapped retryable error",
			err:      Wrap(ErrCodeWorkerCrashed, errors.New("wrapped")),
			expected: true,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal_ChecksFatalSeverity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "corrupt store error",
			err:      New(ErrCodeStoreCorrupt, "store corrupt", nil),
			expected: true,
		},
		{
			name:     "migration error",
			err:      New(ErrCodeStoreMigrate, "migration failed", nil),
			expected: true,
		},
		{
			name:     "non-fatal error",
			err:      New(ErrCodeDocumentNotFound, "not found", nil),
			expected: false,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsFatal(tt.err))
		})
	}
}
