// Package jobs holds the job variants of the publishing chain. Each variant
// is a job.Executor; the constructors wrap it in a pending *job.Job whose
// Key identifies the pipeline (and, for process jobs, the resolution).
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/ChuLiYu/geostream/internal/diskspace"
	"github.com/ChuLiYu/geostream/internal/engine"
	"github.com/ChuLiYu/geostream/internal/job"
	"github.com/ChuLiYu/geostream/internal/license"
	"github.com/ChuLiYu/geostream/internal/repository"
	"github.com/ChuLiYu/geostream/internal/tilecache"
	"github.com/ChuLiYu/geostream/internal/transfer"
	"github.com/ChuLiYu/geostream/pkg/types"
)

var (
	// ErrReportTimeout: the license server did not answer in time
	ErrReportTimeout = errors.New("status report timed out")
	// ErrInsufficientDisk: not enough free space to build the tile cache
	ErrInsufficientDisk = errors.New("not enough free disk space")
	// ErrMissingSupportingFiles: a pipeline's local files are not on disk
	ErrMissingSupportingFiles = errors.New("cannot locate supporting files for this pipeline")
)

// Status parameter names.
const (
	ParamProcRef    = "ProcRef"
	ParamResolution = "Resolution"
)

// DefaultMinFreeBytes is the free space a process job insists on.
const DefaultMinFreeBytes uint64 = 10 << 30

// Paths are the directories clean-up and processing work in.
type Paths struct {
	Temp          string
	ProcessCache  string
	DownloadCache string
}

// Env is everything a job variant may touch.
type Env struct {
	Log        *slog.Logger
	Engine     engine.Engine
	Repo       repository.Repository
	Downloader transfer.Downloader
	Publisher  transfer.Publisher
	License    license.Client
	Tiles      tilecache.Cache
	Paths      Paths

	// ShouldExit is polled inside tile loops next to the job's own context.
	ShouldExit func() bool
	// MinFreeBytes is required in the process cache before processing.
	MinFreeBytes uint64
	// FreeSpace defaults to diskspace.Free.
	FreeSpace func(path string) (uint64, error)
}

func (e *Env) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

func (e *Env) exiting() bool {
	return e.ShouldExit != nil && e.ShouldExit()
}

// Free reports the bytes available to path's filesystem.
func (e *Env) Free(path string) (uint64, error) {
	if e.FreeSpace != nil {
		return e.FreeSpace(path)
	}
	return diskspace.Free(path)
}

// MinFree is the free space processing requires.
func (e *Env) MinFree() uint64 {
	if e.MinFreeBytes == 0 {
		return DefaultMinFreeBytes
	}
	return e.MinFreeBytes
}

// checkpoint logs rather than fails: the flag change itself succeeded and
// will be flushed by the next checkpoint.
func (e *Env) checkpoint(ctx context.Context) {
	if err := e.Repo.Checkpoint(ctx); err != nil {
		e.logger().Warn("repository checkpoint failed", "error", err)
	}
}

func newPipelineJob(kind types.OperationKind, ref types.PipelineRef, detail, description string, exec job.Executor) *job.Job {
	st := job.NewStatus(kind, description)
	st.SetParameter(ParamProcRef, string(ref))
	if detail != "" && kind == types.OperationProcess {
		st.SetParameter(ParamResolution, detail)
	}
	return job.New(job.Key{Kind: kind, Ref: ref, Detail: detail}, st, exec)
}

// Resolution returns the resolution a process job works at, or -1.
func Resolution(j *job.Job) int {
	if j.Key().Kind != types.OperationProcess {
		return -1
	}
	r, err := strconv.Atoi(j.Key().Detail)
	if err != nil {
		return -1
	}
	return r
}
