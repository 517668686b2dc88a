// Package httpapi serves the daemon's client surface: the versioned JSON
// API under /api/v1, the FMDM WebSocket at /ws, Prometheus metrics at
// /metrics, and signed file downloads. Handlers stay thin; every answer
// comes from the query service, the fleet, or the token issuer.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/folder-mcp/folderd/internal/fleet"
	"github.com/folder-mcp/folderd/internal/metrics"
	"github.com/folder-mcp/folderd/internal/query"
	"github.com/folder-mcp/folderd/internal/token"
)

// FolderAdmin applies folder mutations arriving over the WebSocket. The
// daemon backs this with its configuration store and lifecycle spawner.
type FolderAdmin interface {
	AddFolder(ctx context.Context, path, model string) error
	RemoveFolder(ctx context.Context, path string) error
}

// Config wires a Server. Query, Fleet, and Tokens are required; Admin and
// Metrics may be nil, which disables WebSocket mutations and the /metrics
// endpoint respectively.
type Config struct {
	Query   *query.Service
	Fleet   *fleet.Manager
	Admin   FolderAdmin
	Tokens  *token.Issuer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is the daemon's HTTP front end. Safe for concurrent use.
type Server struct {
	e       *echo.Echo
	srv     *http.Server
	query   *query.Service
	fleet   *fleet.Manager
	admin   FolderAdmin
	tokens  *token.Issuer
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New builds the server and its route table.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		e:       e,
		query:   cfg.Query,
		fleet:   cfg.Fleet,
		admin:   cfg.Admin,
		tokens:  cfg.Tokens,
		metrics: cfg.Metrics,
		log:     log.With(slog.String("component", "httpapi")),
	}
	s.srv = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	if s.metrics != nil {
		e.Use(s.observe)
	}
	e.Use(middleware.Recover())

	api := e.Group("/api/v1")

	// Daemon health and identity
	api.GET("/health", s.health)
	api.GET("/server/info", s.serverInfo)

	// Folder browsing
	api.GET("/folders", s.listFolders)
	api.GET("/folders/:folderPath/explore", s.explore)
	api.GET("/folders/:folderPath/documents", s.listDocuments)

	// Document retrieval
	api.GET("/folders/:folderPath/documents/:file/metadata", s.documentMetadata)
	api.POST("/folders/:folderPath/documents/:file/chunks", s.chunks)
	api.GET("/folders/:folderPath/documents/:file/text", s.documentText)

	// Search
	api.POST("/folders/:folderPath/search_content", s.searchContent)
	api.POST("/folders/:folderPath/find-documents", s.findDocuments)

	// Signed file downloads
	api.GET("/download", s.download)

	// FMDM push and folder mutations
	e.GET("/ws", s.handleWS)

	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	return s
}

// Handler exposes the routing tree, mostly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Serve blocks serving ln until the listener fails or Shutdown runs.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	err := s.srv.Serve(ln)
	if err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		s.log.Error("server_failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// up to ctx's deadline. WebSocket connections are torn down separately
// when the fleet closes.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// observe records one request on the Prometheus collectors. Errors are
// resolved to their response status first, so the counter never sees a
// zero status.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		route := c.Path()
		if route == "" {
			route = c.Request().URL.Path
		}
		s.metrics.ObserveRequest(c.Request().Method, route, c.Response().Status, time.Since(start))
		return err
	}
}
