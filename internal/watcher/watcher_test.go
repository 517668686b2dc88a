package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOperation_Constants(t *testing.T) {
	// Given: Operation constants
	// Then: they are distinct values
	assert.NotEqual(t, OpCreate, OpModify)
	assert.NotEqual(t, OpCreate, OpDelete)
	assert.NotEqual(t, OpModify, OpDelete)
}

func TestOperation_String(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		want string
	}{
		{"create", OpCreate, "CREATE"},
		{"modify", OpModify, "MODIFY"},
		{"delete", OpDelete, "DELETE"},
		{"unknown", Operation(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.op.String())
		})
	}
}

func TestFileEvent_RenameHalvesShareID(t *testing.T) {
	// Given: the two halves of a rename
	now := time.Now()
	del := FileEvent{
		Path:      "reports/q1.md",
		Operation: OpDelete,
		Timestamp: now,
		RenameID:  "b2a7c0de-0000-0000-0000-000000000000",
	}
	create := FileEvent{
		Path:      "reports/2025-q1.md",
		Operation: OpCreate,
		Timestamp: now,
		RenameID:  del.RenameID,
	}

	// Then: consumers can pair them by id
	assert.NotEmpty(t, del.RenameID)
	assert.Equal(t, del.RenameID, create.RenameID)
	assert.NotEqual(t, del.Path, create.Path)
}

func TestDefaultOptions_Values(t *testing.T) {
	opts := DefaultOptions()

	assert.Equal(t, 500*time.Millisecond, opts.DebounceWindow)
	assert.Equal(t, 5*time.Second, opts.PollInterval)
	assert.Equal(t, 1000, opts.EventBufferSize)
	assert.Nil(t, opts.IgnorePatterns)
}

func TestOptions_WithDefaults(t *testing.T) {
	// Given: partially populated options
	opts := Options{
		DebounceWindow: 50 * time.Millisecond,
		IgnorePatterns: []string{"**/*.bak"},
	}

	// When: applying defaults
	opts = opts.WithDefaults()

	// Then: set values survive and zero values are filled in
	assert.Equal(t, 50*time.Millisecond, opts.DebounceWindow)
	assert.Equal(t, 5*time.Second, opts.PollInterval)
	assert.Equal(t, 1000, opts.EventBufferSize)
	assert.Equal(t, []string{"**/*.bak"}, opts.IgnorePatterns)
}
