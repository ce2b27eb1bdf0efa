// Package repository persists pipeline metadata: which pipelines this node
// knows about and how far each has progressed through the publishing chain.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/geostream/pkg/types"
)

var (
	// ErrNotFound: no record for that reference
	ErrNotFound = errors.New("repository: pipeline not found")
	// ErrCorruptedSnapshot: the checkpoint file could not be decoded
	ErrCorruptedSnapshot = errors.New("repository: checkpoint file is corrupted")
	// ErrIncompatibleVersion: the checkpoint file has an unknown schema version
	ErrIncompatibleVersion = errors.New("repository: checkpoint schema version is incompatible")
	// ErrLocked: another process holds the repository
	ErrLocked = errors.New("repository: locked by another process")
)

// Record is the persisted state of one pipeline.
type Record struct {
	Ref                 types.PipelineRef `json:"ref" db:"ref"`
	Name                string            `json:"name" db:"name"`
	Definition          string            `json:"definition" db:"definition"`
	Imported            bool              `json:"imported" db:"imported"`
	Downloaded          bool              `json:"downloaded" db:"downloaded"`
	Published           bool              `json:"published" db:"published"`
	Processed           bool              `json:"processed" db:"processed"`
	Temporary           bool              `json:"temporary" db:"temporary"`
	ProcessedResolution int               `json:"processed_resolution" db:"processed_resolution"`
	UpdatedAt           time.Time         `json:"updated_at" db:"updated_at"`
}

// Flag names one boolean progress marker of a Record.
type Flag string

const (
	FlagImported   Flag = "imported"
	FlagDownloaded Flag = "downloaded"
	FlagPublished  Flag = "published"
	FlagProcessed  Flag = "processed"
	FlagTemporary  Flag = "temporary"
)

func (r *Record) flag(f Flag) *bool {
	switch f {
	case FlagImported:
		return &r.Imported
	case FlagDownloaded:
		return &r.Downloaded
	case FlagPublished:
		return &r.Published
	case FlagProcessed:
		return &r.Processed
	case FlagTemporary:
		return &r.Temporary
	}
	return nil
}

// Has reports the value of flag f.
func (r Record) Has(f Flag) bool {
	if p := r.flag(f); p != nil {
		return *p
	}
	return false
}

// Repository is the pipeline metadata store.
type Repository interface {
	Get(ctx context.Context, ref types.PipelineRef) (Record, error)
	List(ctx context.Context) ([]Record, error)
	// Upsert stores rec, replacing any existing row with the same Ref.
	Upsert(ctx context.Context, rec Record) error
	Remove(ctx context.Context, ref types.PipelineRef) error

	// SetFlag sets one progress marker. Missing records are ErrNotFound.
	SetFlag(ctx context.Context, ref types.PipelineRef, f Flag, v bool) error
	SetProcessedResolution(ctx context.Context, ref types.PipelineRef, res int) error
	// Without lists the records whose flag f is false.
	Without(ctx context.Context, f Flag) ([]Record, error)

	// Checkpoint makes every change so far durable.
	Checkpoint(ctx context.Context) error
	Close() error
}

// SetIsImported sets the imported flag.
func SetIsImported(ctx context.Context, r Repository, ref types.PipelineRef, v bool) error {
	return r.SetFlag(ctx, ref, FlagImported, v)
}

// SetIsDownloaded sets the downloaded flag.
func SetIsDownloaded(ctx context.Context, r Repository, ref types.PipelineRef, v bool) error {
	return r.SetFlag(ctx, ref, FlagDownloaded, v)
}

// SetIsPublished sets the published flag.
func SetIsPublished(ctx context.Context, r Repository, ref types.PipelineRef, v bool) error {
	return r.SetFlag(ctx, ref, FlagPublished, v)
}

// SetIsProcessed sets the processed flag.
func SetIsProcessed(ctx context.Context, r Repository, ref types.PipelineRef, v bool) error {
	return r.SetFlag(ctx, ref, FlagProcessed, v)
}

// SetIsTemporary sets the temporary flag.
func SetIsTemporary(ctx context.Context, r Repository, ref types.PipelineRef, v bool) error {
	return r.SetFlag(ctx, ref, FlagTemporary, v)
}

// NotDownloaded lists pipelines still waiting for their supporting files.
func NotDownloaded(ctx context.Context, r Repository) ([]Record, error) {
	return r.Without(ctx, FlagDownloaded)
}

// NotPublished lists pipelines not yet announced.
func NotPublished(ctx context.Context, r Repository) ([]Record, error) {
	return r.Without(ctx, FlagPublished)
}

// NotProcessed lists pipelines whose tile cache is incomplete.
func NotProcessed(ctx context.Context, r Repository) ([]Record, error) {
	return r.Without(ctx, FlagProcessed)
}

// Definition looks up the stored definition of ref.
func Definition(ctx context.Context, r Repository, ref types.PipelineRef) (string, error) {
	rec, err := r.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	if rec.Definition == "" {
		return "", ErrNotFound
	}
	return rec.Definition, nil
}
