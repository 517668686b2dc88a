package query

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/folder-mcp/folderd/internal/errors"
)

// continuationVersion rejects tokens from a different daemon build whose
// resume state may be laid out differently.
const continuationVersion = 1

// continuation is the opaque resume state behind a continuation token:
// the operation it belongs to, its scope, and where to pick up. Tokens are
// base64url JSON; they are validation-checked, not signed, because they
// grant nothing a fresh request could not ask for.
type continuation struct {
	V  int    `json:"v"`
	Op string `json:"op"`

	Folder    string   `json:"folder,omitempty"`
	Sub       string   `json:"sub,omitempty"`
	Recursive bool     `json:"recursive,omitempty"`
	File      string   `json:"file,omitempty"`
	Offset    int      `json:"offset"`
	Concepts  []string `json:"concepts,omitempty"`
	Terms     []string `json:"terms,omitempty"`
	MinScore  *float64 `json:"min_score,omitempty"`
	Query     string   `json:"query,omitempty"`
}

// encodeContinuation serializes a continuation into its wire form.
func encodeContinuation(c continuation) string {
	c.V = continuationVersion
	raw, err := json.Marshal(c)
	if err != nil {
		// Marshalling a flat struct of strings and ints cannot fail.
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodeContinuation parses and validates a continuation token for the
// given operation. Malformed, foreign, or regressive tokens are client
// errors.
func decodeContinuation(tok, op string) (continuation, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return continuation{}, invalidContinuation(err)
	}

	var c continuation
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return continuation{}, invalidContinuation(err)
	}
	if c.V != continuationVersion {
		return continuation{}, errors.New(errors.ErrCodeInvalidInput,
			"continuation token version is not supported", nil)
	}
	if c.Op != op {
		return continuation{}, errors.New(errors.ErrCodeInvalidInput,
			"continuation token belongs to a different operation", nil)
	}
	if c.Offset < 0 {
		return continuation{}, errors.New(errors.ErrCodeInvalidInput,
			"continuation token has a negative offset", nil)
	}
	return c, nil
}

func invalidContinuation(cause error) error {
	return errors.New(errors.ErrCodeInvalidInput, "malformed continuation token", cause)
}
