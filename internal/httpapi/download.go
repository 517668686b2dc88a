package httpapi

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"github.com/folder-mcp/folderd/internal/errors"
)

// download streams one file named by a signed token. The issuer checks
// signature and expiry, the grant checks containment, and only then does
// the handler touch the file system.
func (s *Server) download(c echo.Context) error {
	if s.tokens == nil {
		return errors.New(errors.ErrCodeInvalidToken, "downloads are not enabled", nil)
	}
	raw := c.QueryParam("token")
	if raw == "" {
		return errors.New(errors.ErrCodeInvalidInput, "missing token parameter", nil)
	}

	grant, err := s.tokens.Validate(raw)
	if err != nil {
		return err
	}
	path, err := grant.Resolve()
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New(errors.ErrCodeFileNotFound,
				fmt.Sprintf("file %q no longer exists", grant.File), err)
		}
		return errors.New(errors.ErrCodeInternal, "failed to open file for download", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return errors.New(errors.ErrCodeInternal, "failed to stat file for download", err)
	}
	if fi.IsDir() {
		return errors.New(errors.ErrCodeFileNotFound,
			fmt.Sprintf("%q is a directory", grant.File), nil)
	}

	// FormatMediaType emits filename*=utf-8''... for non-ASCII names, per
	// RFC 5987, and a plain quoted filename otherwise.
	name := filepath.Base(path)
	c.Response().Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("attachment", map[string]string{"filename": name}))

	http.ServeContent(c.Response(), c.Request(), name, fi.ModTime(), f)
	return nil
}
