package repository

// ============================================================================
// File-backed repository
//
// Records live in memory; Checkpoint writes them to one JSON file:
//   1. marshal with schema version
//   2. write <path>.tmp
//   3. rename over <path> (atomic on the same filesystem)
//
// A lock file (<path>.lock) is held from Open until Close so two nodes never
// share one repository directory.
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/ChuLiYu/geostream/pkg/types"
)

const fileSchemaVersion = 1

type fileSnapshot struct {
	SchemaVer int                          `json:"schema_ver"`
	SavedAt   time.Time                    `json:"saved_at"`
	Pipelines map[types.PipelineRef]Record `json:"pipelines"`
}

// FileStore is a Repository kept in memory and checkpointed to disk.
type FileStore struct {
	path string
	log  *slog.Logger
	lock *flock.Flock

	mu      sync.Mutex
	records map[types.PipelineRef]Record
	dirty   bool
	now     func() time.Time
}

// OpenFileStore loads path (an absent file is an empty repository) and takes
// the directory lock.
func OpenFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("repository: create dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("repository: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	records, err := loadSnapshot(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	logger.Info("repository loaded", "path", path, "pipelines", len(records))
	return &FileStore{
		path:    path,
		log:     logger,
		lock:    lock,
		records: records,
		now:     time.Now,
	}, nil
}

func loadSnapshot(path string) (map[types.PipelineRef]Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.PipelineRef]Record), nil
		}
		return nil, fmt.Errorf("repository: read %s: %w", path, err)
	}

	var snap fileSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if snap.SchemaVer != fileSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, snap.SchemaVer, fileSchemaVersion)
	}
	if snap.Pipelines == nil {
		snap.Pipelines = make(map[types.PipelineRef]Record)
	}
	return snap.Pipelines, nil
}

// Path returns the checkpoint file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(_ context.Context, ref types.PipelineRef) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ref]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return rec, nil
}

func (s *FileStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(Record) bool { return true }), nil
}

func (s *FileStore) Upsert(_ context.Context, rec Record) error {
	if !rec.Ref.Valid() {
		return fmt.Errorf("repository: upsert: empty ref")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = s.now()
	s.records[rec.Ref] = rec
	s.dirty = true
	return nil
}

func (s *FileStore) Remove(_ context.Context, ref types.PipelineRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	delete(s.records, ref)
	s.dirty = true
	return nil
}

func (s *FileStore) SetFlag(_ context.Context, ref types.PipelineRef, f Flag, v bool) error {
	return s.modify(ref, func(r *Record) error {
		p := r.flag(f)
		if p == nil {
			return fmt.Errorf("repository: unknown flag %q", f)
		}
		*p = v
		return nil
	})
}

func (s *FileStore) SetProcessedResolution(_ context.Context, ref types.PipelineRef, res int) error {
	return s.modify(ref, func(r *Record) error {
		r.ProcessedResolution = res
		return nil
	})
}

func (s *FileStore) modify(ref types.PipelineRef, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err := fn(&rec); err != nil {
		return err
	}
	rec.UpdatedAt = s.now()
	s.records[ref] = rec
	s.dirty = true
	return nil
}

func (s *FileStore) Without(_ context.Context, f Flag) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(r Record) bool { return !r.Has(f) }), nil
}

func (s *FileStore) sortedLocked(keep func(Record) bool) []Record {
	out := make([]Record, 0, len(s.records))
	for _, ref := range slices.Sorted(maps.Keys(s.records)) {
		if rec := s.records[ref]; keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Checkpoint writes the records atomically. Nothing is written when nothing
// changed since the last checkpoint.
func (s *FileStore) Checkpoint(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	snap := fileSnapshot{
		SchemaVer: fileSchemaVersion,
		SavedAt:   s.now(),
		Pipelines: maps.Clone(s.records),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("repository: marshal checkpoint: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("repository: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("repository: rename checkpoint: %w", err)
	}

	s.dirty = false
	s.log.Debug("repository checkpointed", "pipelines", len(snap.Pipelines))
	return nil
}

// Close checkpoints and releases the directory lock.
func (s *FileStore) Close() error {
	err := s.Checkpoint(context.Background())
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = fmt.Errorf("repository: release lock: %w", uerr)
	}
	return err
}
