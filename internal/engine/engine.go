// Package engine defines the contract with the geospatial processing engine.
//
// Pipelines are owned resources: every Pipeline obtained from Open or
// Materialize must be closed by the caller on every path.
package engine

import (
	"context"
	"errors"
	"iter"
	"os"

	"github.com/ChuLiYu/geostream/pkg/types"
)

var (
	// ErrNotFound: the engine has no pipeline with that reference
	ErrNotFound = errors.New("engine: pipeline not found")
	// ErrInvalidDefinition: a definition could not be materialized
	ErrInvalidDefinition = errors.New("engine: invalid pipeline definition")
	// ErrClosed: the handle was used after Close
	ErrClosed = errors.New("engine: pipeline handle closed")
)

// InitState is a pipeline's initialization state.
type InitState int

const (
	StateUninitialized InitState = iota
	StateInitialized
	StateBroken
)

func (s InitState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateBroken:
		return "broken"
	default:
		return "uninitialized"
	}
}

// Engine opens and materializes pipelines.
type Engine interface {
	// Open acquires a handle on a known pipeline.
	Open(ctx context.Context, ref types.PipelineRef) (Pipeline, error)
	// Materialize builds process graphs from a serialized definition and
	// returns one handle per root.
	Materialize(ctx context.Context, definition string) ([]Pipeline, error)
}

// Node is one process in a pipeline graph.
type Node interface {
	ID() string
	CacheDir() string
	SetCacheDir(dir string)
}

// Tile is one spatial unit at a resolution.
type Tile struct {
	Resolution int
	Index      string
}

// Pipeline is an owned handle on a process graph.
type Pipeline interface {
	Node

	Ref() types.PipelineRef
	Name() string
	Definition() string

	Initialize(ctx context.Context) error
	Reinitialize(ctx context.Context, force bool) error
	InitState() InitState

	// IsCoverage reports whether the output is tiled raster coverage.
	IsCoverage() bool
	NativeResolution() int
	SupportingFiles() []types.SupportingFile

	// WalkDescendants visits every node below the root. Returning false stops the walk.
	WalkDescendants(fn func(Node) bool)
	// Tiles iterates the coverage extent at resolution.
	Tiles(resolution int) iter.Seq[Tile]
	// RenderTile produces the encoded content of one tile.
	RenderTile(ctx context.Context, t Tile) ([]byte, error)

	Close() error
}

// SupportingFilesExist reports whether every supporting file of p is on disk.
func SupportingFilesExist(p Pipeline) bool {
	for _, f := range p.SupportingFiles() {
		if _, err := os.Stat(f.Path); err != nil {
			return false
		}
	}
	return true
}
