package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/fleet"
	"github.com/folder-mcp/folderd/internal/query"
)

// healthStatus is the GET /health body.
type healthStatus struct {
	Status    string    `json:"status"`
	Uptime    int64     `json:"uptime"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// serverCapabilities advertises what this daemon can do.
type serverCapabilities struct {
	SemanticSearch bool `json:"semantic_search"`
	KeyPhrases     bool `json:"key_phrases"`
	FileDownload   bool `json:"file_download"`
	WebSocket      bool `json:"websocket"`
}

// serverLimits advertises the daemon's request ceilings.
type serverLimits struct {
	MaxSearchResults int `json:"max_search_results"`
	MaxTextChars     int `json:"max_text_chars"`
	TokenTTLSeconds  int `json:"download_token_ttl_seconds"`
}

type serverTotals struct {
	Folders   int `json:"folders"`
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
}

// serverInfo is the GET /server/info body.
type serverInfo struct {
	Daemon       fleet.DaemonInfo    `json:"daemon"`
	Totals       serverTotals        `json:"totals"`
	Models       []fleet.ModelStatus `json:"models"`
	Capabilities serverCapabilities  `json:"capabilities"`
	Limits       serverLimits        `json:"limits"`
}

type folderList struct {
	Folders []query.FolderSummary `json:"folders"`
}

// chunkRequest is the POST chunks body.
type chunkRequest struct {
	ChunkIDs []string `json:"chunk_ids"`
}

func (s *Server) health(c echo.Context) error {
	snap := s.fleet.Snapshot()
	return c.JSON(http.StatusOK, healthStatus{
		Status:    "ok",
		Uptime:    snap.Daemon.UptimeSeconds,
		Version:   snap.Daemon.Version,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) serverInfo(c echo.Context) error {
	snap := s.fleet.Snapshot()

	totals := serverTotals{Folders: len(snap.Folders)}
	for _, f := range snap.Folders {
		totals.Documents += f.DocumentCount
		totals.Chunks += f.ChunkCount
	}

	info := serverInfo{
		Daemon: snap.Daemon,
		Totals: totals,
		Models: snap.Models,
		Capabilities: serverCapabilities{
			SemanticSearch: true,
			KeyPhrases:     true,
			FileDownload:   s.tokens != nil,
			WebSocket:      true,
		},
		Limits: serverLimits{
			MaxSearchResults: query.MaxSearchLimit,
			MaxTextChars:     query.MaxTextChars,
		},
	}
	if s.tokens != nil {
		info.Limits.TokenTTLSeconds = int(s.tokens.TTL().Seconds())
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) listFolders(c echo.Context) error {
	folders, err := s.query.ListFolders(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, folderList{Folders: folders})
}

func (s *Server) explore(c echo.Context) error {
	folder, err := pathParam(c, "folderPath")
	if err != nil {
		return err
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		return err
	}

	res, err := s.query.Explore(c.Request().Context(), folder,
		c.QueryParam("sub_path"), limit, c.QueryParam("continuation_token"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) listDocuments(c echo.Context) error {
	folder, err := pathParam(c, "folderPath")
	if err != nil {
		return err
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		return err
	}
	recursive, err := boolQuery(c, "recursive", false)
	if err != nil {
		return err
	}

	res, err := s.query.ListDocuments(c.Request().Context(), folder,
		c.QueryParam("sub_path"), recursive, limit, c.QueryParam("continuation_token"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) documentMetadata(c echo.Context) error {
	folder, file, err := docParams(c)
	if err != nil {
		return err
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		return err
	}

	res, err := s.query.DocumentMetadata(c.Request().Context(), folder, file,
		limit, c.QueryParam("continuation_token"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) chunks(c echo.Context) error {
	folder, file, err := docParams(c)
	if err != nil {
		return err
	}
	var req chunkRequest
	if err := c.Bind(&req); err != nil {
		return errors.New(errors.ErrCodeInvalidInput, "malformed request body", err)
	}

	res, err := s.query.Chunks(c.Request().Context(), folder, file, req.ChunkIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) documentText(c echo.Context) error {
	folder, file, err := docParams(c)
	if err != nil {
		return err
	}
	maxChars, err := intQuery(c, "max_chars", 0)
	if err != nil {
		return err
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		return err
	}

	res, err := s.query.DocumentText(c.Request().Context(), folder, file,
		maxChars, offset, c.QueryParam("continuation_token"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) searchContent(c echo.Context) error {
	folder, err := pathParam(c, "folderPath")
	if err != nil {
		return err
	}
	var req query.SearchRequest
	if err := c.Bind(&req); err != nil {
		return errors.New(errors.ErrCodeInvalidInput, "malformed request body", err)
	}

	res, err := s.query.SearchContent(c.Request().Context(), folder, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) findDocuments(c echo.Context) error {
	folder, err := pathParam(c, "folderPath")
	if err != nil {
		return err
	}
	var req query.FindRequest
	if err := c.Bind(&req); err != nil {
		return errors.New(errors.ErrCodeInvalidInput, "malformed request body", err)
	}

	res, err := s.query.FindDocuments(c.Request().Context(), folder, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// pathParam returns the percent-decoded value of a route parameter.
// Encoded separators survive echo's router because it matches the raw
// request path, so an absolute folder path travels as a single segment.
func pathParam(c echo.Context, name string) (string, error) {
	v, err := url.PathUnescape(c.Param(name))
	if err != nil {
		return "", errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("malformed %s parameter", name), err)
	}
	return v, nil
}

func docParams(c echo.Context) (folder, file string, err error) {
	if folder, err = pathParam(c, "folderPath"); err != nil {
		return "", "", err
	}
	if file, err = pathParam(c, "file"); err != nil {
		return "", "", err
	}
	return folder, file, nil
}

func intQuery(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("parameter %q must be an integer", name), err)
	}
	return v, nil
}

func boolQuery(c echo.Context, name string, def bool) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("parameter %q must be a boolean", name), err)
	}
	return v, nil
}
