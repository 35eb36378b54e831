package xfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home, ExpandTilde("~"))
	assert.Equal(t, filepath.Join(home, "models"), ExpandTilde("~/models"))
	assert.Equal(t, "~other/models", ExpandTilde("~other/models"))
	assert.Equal(t, "/abs/path", ExpandTilde("/abs/path"))
}

func TestFindFirst(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "model-q4_0.gguf"), nil, 0o644))

	got, err := FindFirst(root, "*.gguf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "model-q4_0.gguf"), got)

	_, err = FindFirst(root, "*.bin")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
