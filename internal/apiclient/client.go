// Package apiclient talks to a running folderd daemon over its HTTP and
// WebSocket surfaces. The CLI commands and the standalone MCP bridge are
// built on it; the daemon itself never is. Errors coming back over the
// wire are rebuilt into the daemon's typed errors, so callers match on
// codes exactly as they would in-process.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/folder-mcp/folderd/internal/errors"
	"github.com/folder-mcp/folderd/internal/fleet"
	"github.com/folder-mcp/folderd/internal/query"
)

// DefaultTimeout bounds each request when Options leaves Timeout unset.
const DefaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	// BaseURL is the daemon's HTTP root, e.g. "http://127.0.0.1:3002".
	BaseURL string
	// Timeout bounds each HTTP request and each WebSocket exchange.
	// Zero means DefaultTimeout.
	Timeout time.Duration
}

// Client is a folderd daemon client. Safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
}

// New validates the base URL and builds a client. No connection is made
// until the first call.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid daemon URL %q: %w", opts.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("daemon URL %q must use http or https", opts.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("daemon URL %q has no host", opts.BaseURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}, nil
}

// BaseURL returns the daemon root this client talks to.
func (c *Client) BaseURL() string { return c.base.String() }

// IsRunning reports whether a daemon answers at the base URL.
func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.Health(ctx)
	return err == nil
}

// Health is the daemon's health body.
type Health struct {
	Status    string    `json:"status"`
	Uptime    int64     `json:"uptime"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Capabilities advertises what the daemon can do.
type Capabilities struct {
	SemanticSearch bool `json:"semantic_search"`
	KeyPhrases     bool `json:"key_phrases"`
	FileDownload   bool `json:"file_download"`
	WebSocket      bool `json:"websocket"`
}

// Limits advertises the daemon's request ceilings.
type Limits struct {
	MaxSearchResults int `json:"max_search_results"`
	MaxTextChars     int `json:"max_text_chars"`
	TokenTTLSeconds  int `json:"download_token_ttl_seconds"`
}

// Totals aggregates counts across the whole fleet.
type Totals struct {
	Folders   int `json:"folders"`
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
}

// ServerInfo is the daemon's server-info body.
type ServerInfo struct {
	Daemon       fleet.DaemonInfo    `json:"daemon"`
	Totals       Totals              `json:"totals"`
	Models       []fleet.ModelStatus `json:"models"`
	Capabilities Capabilities        `json:"capabilities"`
	Limits       Limits              `json:"limits"`
}

// Health fetches the daemon's liveness summary.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.getJSON(ctx, "/api/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ServerInfo fetches the daemon's identity, totals, model catalog, and
// advertised limits.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var out ServerInfo
	if err := c.getJSON(ctx, "/api/v1/server/info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFolders returns every configured folder with its runtime state and
// semantic preview.
func (c *Client) ListFolders(ctx context.Context) ([]query.FolderSummary, error) {
	var out struct {
		Folders []query.FolderSummary `json:"folders"`
	}
	if err := c.getJSON(ctx, "/api/v1/folders", nil, &out); err != nil {
		return nil, err
	}
	return out.Folders, nil
}

// Explore returns one directory level of a folder.
func (c *Client) Explore(ctx context.Context, folderPath, subPath string, limit int, contToken string) (*query.ExploreResult, error) {
	q := url.Values{}
	setStr(q, "sub_path", subPath)
	setInt(q, "limit", limit)
	setStr(q, "continuation_token", contToken)

	var out query.ExploreResult
	if err := c.getJSON(ctx, folderRoute(folderPath, "explore"), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDocuments returns one page of a folder's documents.
func (c *Client) ListDocuments(ctx context.Context, folderPath, subPath string, recursive bool, limit int, contToken string) (*query.DocumentList, error) {
	q := url.Values{}
	setStr(q, "sub_path", subPath)
	if recursive {
		q.Set("recursive", "true")
	}
	setInt(q, "limit", limit)
	setStr(q, "continuation_token", contToken)

	var out query.DocumentList
	if err := c.getJSON(ctx, folderRoute(folderPath, "documents"), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DocumentMetadata returns a document's record plus one page of chunk
// summaries.
func (c *Client) DocumentMetadata(ctx context.Context, folderPath, file string, limit int, contToken string) (*query.DocumentMetadata, error) {
	q := url.Values{}
	setInt(q, "limit", limit)
	setStr(q, "continuation_token", contToken)

	var out query.DocumentMetadata
	if err := c.getJSON(ctx, docRoute(folderPath, file, "metadata"), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chunks returns the full content of the named chunks.
func (c *Client) Chunks(ctx context.Context, folderPath, file string, ids []string) (*query.ChunkSet, error) {
	body := struct {
		ChunkIDs []string `json:"chunk_ids"`
	}{ChunkIDs: ids}

	var out query.ChunkSet
	if err := c.postJSON(ctx, docRoute(folderPath, file, "chunks"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DocumentText returns one window of a document's reconstructed text.
func (c *Client) DocumentText(ctx context.Context, folderPath, file string, maxChars, offset int, contToken string) (*query.DocumentText, error) {
	q := url.Values{}
	setInt(q, "max_chars", maxChars)
	setInt(q, "offset", offset)
	setStr(q, "continuation_token", contToken)

	var out query.DocumentText
	if err := c.getJSON(ctx, docRoute(folderPath, file, "text"), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchContent runs a chunk-level hybrid search within a folder.
func (c *Client) SearchContent(ctx context.Context, folderPath string, req query.SearchRequest) (*query.SearchResults, error) {
	var out query.SearchResults
	if err := c.postJSON(ctx, folderRoute(folderPath, "search_content"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindDocuments runs a document-level search within a folder.
func (c *Client) FindDocuments(ctx context.Context, folderPath string, req query.FindRequest) (*query.DocumentMatches, error) {
	var out query.DocumentMatches
	if err := c.postJSON(ctx, folderRoute(folderPath, "find-documents"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// folderRoute builds a folder-scoped API path. The folder path is
// percent-encoded so it travels as a single route segment.
func folderRoute(folder string, parts ...string) string {
	segs := append([]string{"/api/v1/folders", url.PathEscape(folder)}, parts...)
	return strings.Join(segs, "/")
}

func docRoute(folder, file, part string) string {
	return folderRoute(folder, "documents", url.PathEscape(file), part)
}

func setStr(q url.Values, key, val string) {
	if val != "" {
		q.Set(key, val)
	}
}

func setInt(q url.Values, key string, val int) {
	if val > 0 {
		q.Set(key, strconv.Itoa(val))
	}
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// do performs one request. The path arrives pre-escaped, so the target is
// assembled by concatenation rather than through url.URL, which would
// re-encode the percent signs.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	target := c.base.String() + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError turns an API error body back into a typed daemon error when
// the body carries a daemon code, and a plain error otherwise.
func decodeError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			return fmt.Errorf("daemon returned %s", resp.Status)
		}
		return fmt.Errorf("daemon returned %s: %s", resp.Status, msg)
	}
	if strings.HasPrefix(body.Error, "ERR_") {
		return errors.New(body.Error, body.Message, nil)
	}
	return fmt.Errorf("daemon returned %s: %s", resp.Status, body.Message)
}
