// Package token issues and validates the signed URLs behind raw file
// downloads. A token is a short-lived HMAC-SHA256 JWT naming one file of
// one configured folder; the signing secret lives only in daemon memory,
// so tokens never outlive the daemon that minted them.
package token

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/folder-mcp/folderd/internal/errors"
)

const (
	// MaxTTL caps token lifetime regardless of configuration.
	MaxTTL = 15 * time.Minute

	// SecretSize is the signing secret length in bytes.
	SecretSize = 32

	// DownloadPath is the route issued URLs point at.
	DownloadPath = "/api/v1/download"

	// claimsVersion rejects tokens minted under a future claim layout.
	claimsVersion = 1
)

// downloadClaims is the token payload: which file of which folder may be
// fetched, and until when.
type downloadClaims struct {
	Folder  string `json:"folder"`
	File    string `json:"file"`
	Version int    `json:"v"`
	jwt.RegisteredClaims
}

// Grant is a validated token's content. Folder is the absolute configured
// folder path; File is slash-separated and relative to it.
type Grant struct {
	Folder string
	File   string
}

// Resolve maps the grant onto the file system, rejecting grants whose file
// escapes the folder once dot segments are resolved. The check runs on
// every download rather than at issue time, so a token signed over a
// hostile path is still harmless.
func (g Grant) Resolve() (string, error) {
	if g.File == "" || strings.HasPrefix(g.File, "/") || filepath.IsAbs(filepath.FromSlash(g.File)) {
		return "", escapeError(g.File)
	}

	folder := filepath.Clean(g.Folder)
	resolved := filepath.Join(folder, filepath.FromSlash(g.File))
	rel, err := filepath.Rel(folder, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", escapeError(g.File)
	}
	return resolved, nil
}

func escapeError(file string) error {
	return errors.New(errors.ErrCodePathEscape,
		fmt.Sprintf("file %q escapes its folder", file), nil)
}

// Options configure an Issuer.
type Options struct {
	// Secret signs tokens. A fresh one is generated when nil.
	Secret []byte

	// TTL is the token lifetime. Zero or anything beyond MaxTTL falls
	// back to MaxTTL.
	TTL time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Issuer mints and validates download tokens for one daemon run.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSecret returns a fresh random signing secret.
func NewSecret() ([]byte, error) {
	b := make([]byte, SecretSize)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.InternalError("failed to generate token secret", err)
	}
	return b, nil
}

// NewIssuer creates an issuer, generating a secret when none is supplied.
func NewIssuer(opts Options) (*Issuer, error) {
	secret := opts.Secret
	if secret == nil {
		var err error
		if secret, err = NewSecret(); err != nil {
			return nil, err
		}
	}

	ttl := opts.TTL
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Issuer{secret: secret, ttl: ttl, now: now}, nil
}

// TTL reports the effective lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token granting one file download.
func (i *Issuer) Issue(folder, file string) (string, error) {
	now := i.now().UTC()
	claims := downloadClaims{
		Folder:  folder,
		File:    file,
		Version: claimsVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errors.InternalError("failed to sign download token", err)
	}
	return signed, nil
}

// URL issues a token and wraps it as the download endpoint's relative URL,
// ready to hand to clients.
func (i *Issuer) URL(folder, file string) (string, error) {
	tok, err := i.Issue(folder, file)
	if err != nil {
		return "", err
	}
	return DownloadPath + "?token=" + url.QueryEscape(tok), nil
}

// Validate checks signature and expiry and returns the token's grant.
// Expired tokens fail with ERR_604 and tampered or malformed ones with
// ERR_602, so the transport can tell the two stories apart.
func (i *Issuer) Validate(tokenString string) (Grant, error) {
	claims := &downloadClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Grant{}, errors.New(errors.ErrCodeTokenExpired, "download token expired", err)
		}
		return Grant{}, errors.New(errors.ErrCodeInvalidToken, "invalid download token", err)
	}
	if !parsed.Valid {
		return Grant{}, errors.New(errors.ErrCodeInvalidToken, "invalid download token", nil)
	}
	if claims.Version != claimsVersion {
		return Grant{}, errors.New(errors.ErrCodeInvalidToken,
			fmt.Sprintf("download token version %d is not supported", claims.Version), nil)
	}
	if claims.Folder == "" || claims.File == "" {
		return Grant{}, errors.New(errors.ErrCodeInvalidToken, "download token is missing its target", nil)
	}

	return Grant{Folder: claims.Folder, File: claims.File}, nil
}
