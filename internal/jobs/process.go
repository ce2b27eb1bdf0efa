package jobs

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/ChuLiYu/geostream/internal/engine"
	"github.com/ChuLiYu/geostream/internal/job"
	"github.com/ChuLiYu/geostream/internal/repository"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// Process renders every tile of a coverage at one resolution into the tile
// cache. Tiles already cached are counted but not rendered again.
type Process struct {
	env        *Env
	ref        types.PipelineRef
	name       string
	resolution int
}

// NewProcess returns a pending process job for ref at resolution.
func NewProcess(env *Env, ref types.PipelineRef, name string, resolution int) *job.Job {
	return newPipelineJob(types.OperationProcess, ref, strconv.Itoa(resolution),
		fmt.Sprintf("Process pipeline '%s=%s' at resolution %d", name, ref, resolution),
		&Process{env: env, ref: ref, name: name, resolution: resolution})
}

func (pj *Process) DoExecute(ctx context.Context, j *job.Job) error {
	p, err := pj.env.Engine.Open(ctx, pj.ref)
	if err != nil {
		return err
	}
	defer p.Close()

	// only coverages have tiles; everything else is done as soon as it is local
	if !p.IsCoverage() {
		if err := repository.SetIsProcessed(ctx, pj.env.Repo, pj.ref, true); err != nil {
			return err
		}
		pj.env.checkpoint(ctx)
		return nil
	}

	if !engine.SupportingFilesExist(p) {
		return fmt.Errorf("%w: %s", ErrMissingSupportingFiles, pj.ref)
	}
	if err := os.MkdirAll(p.CacheDir(), 0o755); err != nil {
		return fmt.Errorf("init cache dir: %w", err)
	}

	total := 0
	for range p.Tiles(pj.resolution) {
		if pj.env.exiting() {
			return job.ErrCancelled
		}
		total++
	}
	if err := job.CheckCancelled(ctx); err != nil {
		return err
	}

	free, err := pj.env.Free(pj.env.Paths.ProcessCache)
	if err != nil {
		return fmt.Errorf("check free space: %w", err)
	}
	if need := pj.env.MinFree(); free < need {
		return fmt.Errorf("%w: required %d bytes, have %d", ErrInsufficientDisk, need, free)
	}

	return pj.render(ctx, j.Status(), p, total)
}

func (pj *Process) render(ctx context.Context, st *job.Status, p engine.Pipeline, total int) error {
	log := pj.env.logger()
	st.SetProgress(0, int64(total), "tiles")

	done, lastPercent := 0, 0
	for t := range p.Tiles(pj.resolution) {
		if pj.env.exiting() {
			return job.ErrCancelled
		}

		cached, err := pj.env.Tiles.Has(ctx, pj.ref, t)
		if err != nil {
			return err
		}
		if !cached {
			data, err := p.RenderTile(ctx, t)
			if err != nil {
				return fmt.Errorf("render tile %s: %w", t.Index, err)
			}
			if err := pj.env.Tiles.Put(ctx, pj.ref, t, data); err != nil {
				return err
			}
		}

		done++
		st.SetProgress(int64(done), int64(total), "tiles")
		if percent := done * 100 / max(total, 1); percent != lastPercent || done%100 == 0 {
			lastPercent = percent
			log.Debug("processing tiles", "ref", pj.ref, "resolution", pj.resolution, "done", done, "total", total)
		}

		if err := job.CheckCancelled(ctx); err != nil {
			return err
		}
	}
	return nil
}
