package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/geostream/internal/job"
	"github.com/ChuLiYu/geostream/internal/repository"
	"github.com/ChuLiYu/geostream/internal/transfer"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// Publish announces a pipeline to the peer network. Publishing an already
// published pipeline succeeds without a second announcement.
type Publish struct {
	env *Env
	ref types.PipelineRef
}

// NewPublish returns a pending publish job for ref.
func NewPublish(env *Env, ref types.PipelineRef, name string) *job.Job {
	return newPipelineJob(types.OperationPublish, ref, "",
		fmt.Sprintf("Publish pipeline '%s=%s'", name, ref),
		&Publish{env: env, ref: ref})
}

func (p *Publish) DoExecute(ctx context.Context, j *job.Job) error {
	err := p.env.Publisher.Publish(ctx, p.ref)
	switch {
	case errors.Is(err, transfer.ErrAlreadyPublished):
		p.env.logger().Info("pipeline already published", "ref", p.ref)
	case err != nil:
		return fmt.Errorf("publish %s: %w", p.ref, err)
	}

	if err := repository.SetIsPublished(ctx, p.env.Repo, p.ref, true); err != nil {
		return err
	}
	p.env.checkpoint(ctx)
	return nil
}
