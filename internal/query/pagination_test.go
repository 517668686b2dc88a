package query

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folderd/internal/errors"
)

// rawToken base64url-encodes a hand-written JSON payload.
func rawToken(payload string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func TestContinuation_RoundTrip(t *testing.T) {
	min := 0.42
	in := continuation{
		Op:        "search-content",
		Folder:    "/data/notes",
		Sub:       "reports/q3",
		Recursive: true,
		File:      "summary.md",
		Offset:    20,
		Concepts:  []string{"budget overruns"},
		Terms:     []string{"Q3"},
		MinScore:  &min,
		Query:     "spending",
	}

	tok := encodeContinuation(in)
	require.NotEmpty(t, tok)

	// The wire form is URL-safe without padding.
	assert.NotContains(t, tok, "+")
	assert.NotContains(t, tok, "/")
	assert.NotContains(t, tok, "=")

	out, err := decodeContinuation(tok, "search-content")
	require.NoError(t, err)
	in.V = continuationVersion
	assert.Equal(t, in, out)
}

func TestContinuation_RejectsWrongOperation(t *testing.T) {
	tok := encodeContinuation(continuation{Op: "explore", Folder: "/data"})

	_, err := decodeContinuation(tok, "search-content")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
	assert.Contains(t, err.Error(), "different operation")
}

func TestContinuation_RejectsGarbage(t *testing.T) {
	for _, tok := range []string{
		"not!!valid@@base64",
		rawToken("{truncated"),
		rawToken(`"just a string"`),
	} {
		_, err := decodeContinuation(tok, "explore")
		require.Error(t, err, "token %q", tok)
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
	}
}

func TestContinuation_RejectsUnknownVersion(t *testing.T) {
	tok := rawToken(`{"v":99,"op":"explore","offset":0}`)

	_, err := decodeContinuation(tok, "explore")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestContinuation_RejectsNegativeOffset(t *testing.T) {
	tok := rawToken(`{"v":1,"op":"explore","offset":-5}`)

	_, err := decodeContinuation(tok, "explore")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")
}

func TestContinuation_RejectsUnknownFields(t *testing.T) {
	tok := rawToken(`{"v":1,"op":"explore","offset":0,"surprise":true}`)

	_, err := decodeContinuation(tok, "explore")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
}
