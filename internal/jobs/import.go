package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/geostream/internal/engine"
	"github.com/ChuLiYu/geostream/internal/job"
	"github.com/ChuLiYu/geostream/internal/repository"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// Import fetches a pipeline definition from the license server and
// registers it locally.
type Import struct {
	env *Env
	ref types.PipelineRef
}

// NewImport returns a pending import job for ref.
func NewImport(env *Env, ref types.PipelineRef) *job.Job {
	return newPipelineJob(types.OperationImport, ref, "",
		fmt.Sprintf("Import pipeline '%s'", ref),
		&Import{env: env, ref: ref})
}

func (im *Import) DoExecute(ctx context.Context, j *job.Job) error {
	def, err := im.env.License.GetPipelineDefinition(ctx, im.ref)
	if err != nil {
		return fmt.Errorf("fetch definition: %w", err)
	}
	if err := job.CheckCancelled(ctx); err != nil {
		return err
	}

	roots, err := im.env.Engine.Materialize(ctx, def)
	if err != nil {
		return fmt.Errorf("materialize %s: %w", im.ref, err)
	}
	defer func() {
		for _, p := range roots {
			_ = p.Close()
		}
	}()

	if len(roots) != 1 {
		return fmt.Errorf("%w: expected exactly one root process for %s, got %d", engine.ErrInvalidDefinition, im.ref, len(roots))
	}
	root := roots[0]
	if root.Ref() != im.ref {
		return fmt.Errorf("%w: definition for %s describes %s", engine.ErrInvalidDefinition, im.ref, root.Ref())
	}

	rec, err := im.env.Repo.Get(ctx, im.ref)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	rec.Ref = im.ref
	rec.Name = root.Name()
	rec.Definition = def
	rec.Imported = true
	rec.Temporary = false
	if err := im.env.Repo.Upsert(ctx, rec); err != nil {
		return err
	}
	im.env.checkpoint(ctx)

	if rec.Name != "" {
		j.Status().SetDescription(fmt.Sprintf("Import pipeline '%s=%s'", rec.Name, im.ref))
	}
	return nil
}
