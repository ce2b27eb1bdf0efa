package tilecache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/geostream/internal/engine"
)

func exercise(t *testing.T, c Cache) {
	ctx := context.Background()
	tile := engine.Tile{Resolution: 5, Index: "05-000007"}

	has, err := c.Has(ctx, "roads", tile)
	require.NoError(t, err)
	assert.False(t, has)
	_, err = c.Get(ctx, "roads", tile)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Put(ctx, "roads", tile, []byte("payload")))
	require.NoError(t, c.Put(ctx, "roads", engine.Tile{Resolution: 6, Index: "06-000000"}, []byte("x")))
	require.NoError(t, c.Put(ctx, "rivers", tile, []byte("other")))

	has, err = c.Has(ctx, "roads", tile)
	require.NoError(t, err)
	assert.True(t, has)
	data, err := c.Get(ctx, "roads", tile)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	n, err := c.Purge(ctx, "roads")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	has, err = c.Has(ctx, "roads", tile)
	require.NoError(t, err)
	assert.False(t, has)

	has, err = c.Has(ctx, "rivers", tile)
	require.NoError(t, err)
	assert.True(t, has, "other pipelines are untouched")

	n, err = c.Purge(ctx, "never-cached")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileCache(t *testing.T) {
	c, err := NewFileCache(t.TempDir())
	require.NoError(t, err)
	exercise(t, c)
}

func TestFileCacheSanitisesNames(t *testing.T) {
	c, err := NewFileCache(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	tile := engine.Tile{Resolution: 4, Index: "a/b"}
	require.NoError(t, c.Put(ctx, "ns:ref/1", tile, []byte("v")))

	entries, err := os.ReadDir(c.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ns_ref_1", entries[0].Name())
}

func TestTileKey(t *testing.T) {
	assert.Equal(t, "gwss:tile:roads:11:11-000042", TileKey("roads", engine.Tile{Resolution: 11, Index: "11-000042"}))
	assert.Equal(t, "gwss:tile:roads:*", refPattern("roads"))
}

// Runs only against a disposable redis named by GWSS_TEST_REDIS_URL.
func TestRedisCache(t *testing.T) {
	url := os.Getenv("GWSS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("GWSS_TEST_REDIS_URL not set")
	}
	c, err := NewRedisCache(context.Background(), url, time.Minute)
	require.NoError(t, err)
	defer c.Close()
	_, _ = c.Purge(context.Background(), "roads")
	_, _ = c.Purge(context.Background(), "rivers")

	exercise(t, c)
}
