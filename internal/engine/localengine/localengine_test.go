package localengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/geostream/internal/engine"
	"github.com/ChuLiYu/geostream/pkg/types"
)

const roadsDef = `{
  "ref": "roads",
  "name": "Roads",
  "coverage": true,
  "native_resolution": 11,
  "base_tiles": 3,
  "supporting_files": [{"name": "roads.tif", "size": 100, "checksum": "abc"}],
  "processes": ["roads/reproject", "roads/style"]
}`

func mapSource(defs map[types.PipelineRef]string) DefinitionSource {
	return func(_ context.Context, ref types.PipelineRef) (string, error) {
		d, ok := defs[ref]
		if !ok {
			return "", engine.ErrNotFound
		}
		return d, nil
	}
}

func TestParseDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{name: "single object", raw: roadsDef, want: 1},
		{name: "array", raw: `[{"ref":"a"},{"ref":"b"}]`, want: 2},
		{name: "empty", raw: "  ", wantErr: true},
		{name: "garbage", raw: "{", wantErr: true},
		{name: "missing ref", raw: `{"name":"x"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs, err := ParseDefinitions(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, engine.ErrInvalidDefinition)
				return
			}
			require.NoError(t, err)
			assert.Len(t, defs, tt.want)
		})
	}
}

func TestOpenResolvesFilesAndCaches(t *testing.T) {
	dl := t.TempDir()
	cache := t.TempDir()
	e := New(mapSource(map[types.PipelineRef]string{"roads": roadsDef}), dl, cache)

	p, err := e.Open(context.Background(), "roads")
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, engine.StateInitialized, p.InitState())
	assert.True(t, p.IsCoverage())
	assert.Equal(t, 11, p.NativeResolution())
	require.Len(t, p.SupportingFiles(), 1)
	assert.Equal(t, filepath.Join(dl, "roads.tif"), p.SupportingFiles()[0].Path)
	assert.False(t, engine.SupportingFilesExist(p))

	require.NoError(t, os.WriteFile(filepath.Join(dl, "roads.tif"), make([]byte, 100), 0o644))
	assert.True(t, engine.SupportingFilesExist(p))

	var dirs []string
	p.WalkDescendants(func(n engine.Node) bool {
		dirs = append(dirs, n.CacheDir())
		return true
	})
	assert.Equal(t, []string{filepath.Join(cache, "roads_reproject"), filepath.Join(cache, "roads_style")}, dirs)
}

func TestOpenUnknown(t *testing.T) {
	e := New(mapSource(nil), t.TempDir(), t.TempDir())
	_, err := e.Open(context.Background(), "nope")
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestOpenBrokenCoverage(t *testing.T) {
	e := New(mapSource(map[types.PipelineRef]string{"bad": `{"ref":"bad","coverage":true}`}), t.TempDir(), t.TempDir())
	_, err := e.Open(context.Background(), "bad")
	assert.ErrorIs(t, err, engine.ErrInvalidDefinition)
}

func TestTiles(t *testing.T) {
	e := New(nil, t.TempDir(), t.TempDir())
	ps, err := e.Materialize(context.Background(), roadsDef)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	p := ps[0]
	require.NoError(t, p.Initialize(context.Background()))

	count := func(res int) int {
		n := 0
		for range p.Tiles(res) {
			n++
		}
		return n
	}
	assert.Equal(t, 3, count(4))
	assert.Equal(t, 24, count(11))
	assert.Zero(t, count(12), "beyond native resolution")

	// early stop
	n := 0
	for range p.Tiles(11) {
		n++
		if n == 5 {
			break
		}
	}
	assert.Equal(t, 5, n)

	data, err := p.RenderTile(context.Background(), engine.Tile{Resolution: 4, Index: "04-000001"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ref":"roads","resolution":4,"index":"04-000001"}`, string(data))

	require.NoError(t, p.Close())
	assert.Zero(t, count(4))
	_, err = p.RenderTile(context.Background(), engine.Tile{Resolution: 4})
	assert.ErrorIs(t, err, engine.ErrClosed)
	assert.ErrorIs(t, p.Reinitialize(context.Background(), true), engine.ErrClosed)
}

func TestMaterializeMultipleRoots(t *testing.T) {
	e := New(nil, t.TempDir(), t.TempDir())
	ps, err := e.Materialize(context.Background(), `[{"ref":"a"},{"ref":"b","coverage":false}]`)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, types.PipelineRef("a"), ps[0].Ref())
	assert.Equal(t, types.PipelineRef("b"), ps[1].Ref())
	for _, p := range ps {
		assert.NoError(t, p.Close())
	}
}
