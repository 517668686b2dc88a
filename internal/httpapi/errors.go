package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/folder-mcp/folderd/internal/errors"
)

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
}

// statusForCode maps a daemon error code onto an HTTP status. Client
// mistakes are 4xx, degraded-but-recoverable daemon states are 503, and
// everything else is a 500.
func statusForCode(code string) int {
	switch code {
	case errors.ErrCodeInvalidInput,
		errors.ErrCodeConfigNotFound,
		errors.ErrCodeConfigInvalid,
		errors.ErrCodeUnknownModel:
		return http.StatusBadRequest
	case errors.ErrCodeInvalidToken,
		errors.ErrCodeTokenExpired:
		return http.StatusUnauthorized
	case errors.ErrCodePathEscape:
		return http.StatusForbidden
	case errors.ErrCodeFolderNotFound,
		errors.ErrCodeDocumentNotFound,
		errors.ErrCodeChunkNotFound,
		errors.ErrCodeFileNotFound:
		return http.StatusNotFound
	case errors.ErrCodeFolderNotReady,
		errors.ErrCodeModelDownload,
		errors.ErrCodeModelLoad,
		errors.ErrCodeModelUnavailable,
		errors.ErrCodeModelProcess,
		errors.ErrCodeQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError renders every handler error as the API's error shape.
// Unexpected failures are logged with a correlation id that also reaches
// the client, so a report can be matched to the daemon log.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := errorResponse{
		Timestamp: time.Now().UTC(),
		Path:      c.Request().URL.Path,
	}

	var de *errors.DaemonError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &de):
		status = statusForCode(de.Code)
		body.Error = de.Code
		body.Message = de.Message
	case errors.As(err, &he):
		status = he.Code
		body.Error = statusWord(status)
		body.Message = messageOf(he)
	default:
		body.Error = errors.ErrCodeInternal
		body.Message = "internal error"
	}

	if status == http.StatusInternalServerError {
		id := uuid.NewString()
		body.Message = body.Message + " (correlation id " + id + ")"
		c.Response().Header().Set("X-Correlation-ID", id)
		s.log.Error("request_failed",
			slog.String("correlation_id", id),
			slog.String("method", c.Request().Method),
			slog.String("path", body.Path),
			slog.String("error", err.Error()))
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, body)
	}
	if werr != nil {
		s.log.Warn("error_response_failed", slog.String("error", werr.Error()))
	}
}

// statusWord renders a status code as a stable machine-readable word,
// e.g. 404 becomes "not_found".
func statusWord(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}

func messageOf(he *echo.HTTPError) string {
	if m, ok := he.Message.(string); ok {
		return m
	}
	if he.Internal != nil {
		return he.Internal.Error()
	}
	return http.StatusText(he.Code)
}
