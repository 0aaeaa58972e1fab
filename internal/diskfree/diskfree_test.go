//go:build linux || darwin

package diskfree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFree(t *testing.T) {
	n, err := Free(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestFreeMissingPath(t *testing.T) {
	_, err := Free("/definitely/not/a/path")
	assert.Error(t, err)
}
