// Package localengine is a small in-process engine over JSON pipeline
// definitions. It synthesizes tiles from a declared extent so the scheduler
// can run end to end without the native engine.
package localengine

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/geostream/internal/engine"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// Definition is the serialized form of one pipeline root.
type Definition struct {
	Ref              types.PipelineRef      `json:"ref"`
	Name             string                 `json:"name"`
	Coverage         bool                   `json:"coverage"`
	NativeResolution int                    `json:"native_resolution"`
	BaseTiles        int                    `json:"base_tiles"`
	SupportingFiles  []types.SupportingFile `json:"supporting_files,omitempty"`
	Processes        []string               `json:"processes,omitempty"`
}

// ParseDefinitions accepts a single definition object or an array of them.
func ParseDefinitions(raw string) ([]Definition, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", engine.ErrInvalidDefinition)
	}
	var defs []Definition
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &defs); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidDefinition, err)
		}
	} else {
		var d Definition
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("%w: %v", engine.ErrInvalidDefinition, err)
		}
		defs = []Definition{d}
	}
	for _, d := range defs {
		if !d.Ref.Valid() {
			return nil, fmt.Errorf("%w: missing ref", engine.ErrInvalidDefinition)
		}
	}
	return defs, nil
}

// DefinitionSource looks up the stored definition of a known pipeline.
type DefinitionSource func(ctx context.Context, ref types.PipelineRef) (string, error)

// Engine implements engine.Engine.
type Engine struct {
	source      DefinitionSource
	downloadDir string
	cacheRoot   string
}

// New returns an engine resolving supporting files under downloadDir and
// node caches under cacheRoot.
func New(source DefinitionSource, downloadDir, cacheRoot string) *Engine {
	return &Engine{source: source, downloadDir: downloadDir, cacheRoot: cacheRoot}
}

// Open implements engine.Engine.
func (e *Engine) Open(ctx context.Context, ref types.PipelineRef) (engine.Pipeline, error) {
	if e.source == nil {
		return nil, engine.ErrNotFound
	}
	raw, err := e.source(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ref, err)
	}
	defs, err := ParseDefinitions(raw)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if d.Ref == ref {
			p := e.newPipeline(d, raw)
			if err := p.Initialize(ctx); err != nil {
				return nil, err
			}
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, ref)
}

// Materialize implements engine.Engine.
func (e *Engine) Materialize(ctx context.Context, definition string) ([]engine.Pipeline, error) {
	defs, err := ParseDefinitions(definition)
	if err != nil {
		return nil, err
	}
	out := make([]engine.Pipeline, 0, len(defs))
	for _, d := range defs {
		if err := ctx.Err(); err != nil {
			closeAll(out)
			return nil, err
		}
		raw, _ := json.Marshal(d)
		out = append(out, e.newPipeline(d, string(raw)))
	}
	return out, nil
}

func closeAll(ps []engine.Pipeline) {
	for _, p := range ps {
		_ = p.Close()
	}
}

func (e *Engine) newPipeline(d Definition, raw string) *pipeline {
	p := &pipeline{
		def:    d,
		raw:    raw,
		engine: e,
		root:   &node{id: string(d.Ref), cacheDir: filepath.Join(e.cacheRoot, sanitize(string(d.Ref)))},
	}
	for _, id := range d.Processes {
		p.children = append(p.children, &node{id: id, cacheDir: filepath.Join(e.cacheRoot, sanitize(id))})
	}
	return p
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}

type node struct {
	mu       sync.Mutex
	id       string
	cacheDir string
}

func (n *node) ID() string { return n.id }

func (n *node) CacheDir() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cacheDir
}

func (n *node) SetCacheDir(dir string) {
	n.mu.Lock()
	n.cacheDir = dir
	n.mu.Unlock()
}

type pipeline struct {
	def      Definition
	raw      string
	engine   *Engine
	root     *node
	children []*node

	mu     sync.Mutex
	state  engine.InitState
	files  []types.SupportingFile
	closed bool
}

func (p *pipeline) ID() string             { return p.root.ID() }
func (p *pipeline) CacheDir() string       { return p.root.CacheDir() }
func (p *pipeline) SetCacheDir(dir string) { p.root.SetCacheDir(dir) }

func (p *pipeline) Ref() types.PipelineRef { return p.def.Ref }
func (p *pipeline) Name() string           { return p.def.Name }
func (p *pipeline) Definition() string     { return p.raw }
func (p *pipeline) IsCoverage() bool       { return p.def.Coverage }
func (p *pipeline) NativeResolution() int  { return p.def.NativeResolution }

func (p *pipeline) Initialize(ctx context.Context) error {
	return p.Reinitialize(ctx, false)
}

func (p *pipeline) Reinitialize(ctx context.Context, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return engine.ErrClosed
	}
	if p.state == engine.StateInitialized && !force {
		return nil
	}
	if p.def.Coverage && p.def.NativeResolution <= 0 {
		p.state = engine.StateBroken
		return fmt.Errorf("%w: coverage %s has no native resolution", engine.ErrInvalidDefinition, p.def.Ref)
	}

	files := make([]types.SupportingFile, len(p.def.SupportingFiles))
	for i, f := range p.def.SupportingFiles {
		f.Path = filepath.Join(p.engine.downloadDir, f.Name)
		files[i] = f
	}
	p.files = files
	p.state = engine.StateInitialized
	return ctx.Err()
}

func (p *pipeline) InitState() engine.InitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *pipeline) SupportingFiles() []types.SupportingFile {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.SupportingFile, len(p.files))
	copy(out, p.files)
	return out
}

func (p *pipeline) WalkDescendants(fn func(engine.Node) bool) {
	for _, c := range p.children {
		if !fn(c) {
			return
		}
	}
}

// Tiles yields BaseTiles tiles at the lowest rung, growing linearly with resolution.
func (p *pipeline) Tiles(resolution int) iter.Seq[engine.Tile] {
	return func(yield func(engine.Tile) bool) {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed || !p.def.Coverage || resolution > p.def.NativeResolution {
			return
		}
		n := p.def.BaseTiles * max(1, resolution-3)
		for i := 0; i < n; i++ {
			if !yield(engine.Tile{Resolution: resolution, Index: fmt.Sprintf("%02d-%06d", resolution, i)}) {
				return
			}
		}
	}
}

// RenderTile encodes the tile's address; the local engine has no raster data.
func (p *pipeline) RenderTile(ctx context.Context, t engine.Tile) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, engine.ErrClosed
	}
	return json.Marshal(struct {
		Ref        types.PipelineRef `json:"ref"`
		Resolution int               `json:"resolution"`
		Index      string            `json:"index"`
	}{p.def.Ref, t.Resolution, t.Index})
}

func (p *pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
