package diskspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFree(t *testing.T) {
	dir := t.TempDir()
	free, err := Free(dir)
	require.NoError(t, err)
	assert.Positive(t, free)

	deeper, err := Free(filepath.Join(dir, "not", "yet", "created"))
	require.NoError(t, err)
	assert.Positive(t, deeper)
}

func TestDirSizeAndRemoveAll(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "one"), make([]byte, 10), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "two"), make([]byte, 32), 0o644))

	size, err := DirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(42), size)

	size, err = DirSize(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, size)

	freed, err := RemoveAll(filepath.Join(dir, "a", "one"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), freed)

	freed, err = RemoveAll(filepath.Join(dir, "a"))
	require.NoError(t, err)
	assert.Equal(t, int64(32), freed)
	_, err = os.Stat(filepath.Join(dir, "a"))
	assert.True(t, os.IsNotExist(err))

	freed, err = RemoveAll(filepath.Join(dir, "a"))
	require.NoError(t, err)
	assert.Zero(t, freed)
}
