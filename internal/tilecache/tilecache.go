// Package tilecache stores processed tiles so publishers can serve them
// without running the pipeline again.
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/geostream/internal/engine"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// ErrMiss: the tile is not cached
var ErrMiss = errors.New("tilecache: miss")

// Cache is where process jobs put rendered tiles.
type Cache interface {
	Has(ctx context.Context, ref types.PipelineRef, t engine.Tile) (bool, error)
	Get(ctx context.Context, ref types.PipelineRef, t engine.Tile) ([]byte, error)
	Put(ctx context.Context, ref types.PipelineRef, t engine.Tile, data []byte) error
	// Purge drops every tile of ref and returns how many were removed.
	Purge(ctx context.Context, ref types.PipelineRef) (int, error)
	Close() error
}

// FileCache keeps tiles as files: <root>/<ref>/<resolution>/<index>.tile
type FileCache struct {
	root string
}

// NewFileCache returns a cache rooted at root, creating it if needed.
func NewFileCache(root string) (*FileCache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("tilecache: create root: %w", err)
	}
	return &FileCache{root: root}, nil
}

// Root returns the cache directory.
func (c *FileCache) Root() string { return c.root }

func (c *FileCache) refDir(ref types.PipelineRef) string {
	return filepath.Join(c.root, safeName(string(ref)))
}

func (c *FileCache) path(ref types.PipelineRef, t engine.Tile) string {
	return filepath.Join(c.refDir(ref), fmt.Sprintf("%d", t.Resolution), safeName(t.Index)+".tile")
}

func (c *FileCache) Has(_ context.Context, ref types.PipelineRef, t engine.Tile) (bool, error) {
	_, err := os.Stat(c.path(ref, t))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

func (c *FileCache) Get(_ context.Context, ref types.PipelineRef, t engine.Tile) ([]byte, error) {
	data, err := os.ReadFile(c.path(ref, t))
	if os.IsNotExist(err) {
		return nil, ErrMiss
	}
	return data, err
}

// Put writes through a temp file so readers never see a partial tile.
func (c *FileCache) Put(_ context.Context, ref types.PipelineRef, t engine.Tile, data []byte) error {
	p := c.path(ref, t)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("tilecache: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("tilecache: write %s: %w", t.Index, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("tilecache: rename %s: %w", t.Index, err)
	}
	return nil
}

func (c *FileCache) Purge(_ context.Context, ref types.PipelineRef) (int, error) {
	dir := c.refDir(ref)
	n := 0
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".tile") {
			n++
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tilecache: purge %s: %w", ref, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("tilecache: purge %s: %w", ref, err)
	}
	return n, nil
}

func (c *FileCache) Close() error { return nil }

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, s)
}
