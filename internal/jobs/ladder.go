package jobs

import (
	"context"
	"slices"
	"sync"

	"github.com/ChuLiYu/geostream/internal/job"
	"github.com/ChuLiYu/geostream/internal/repository"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// MaxResolution is the finest resolution a pipeline can be processed at.
const MaxResolution = 40

// AllNeededResolutions is the fixed ladder: 4, 5, 6, 8, 9, then every
// resolution from 11 up to MaxResolution.
func AllNeededResolutions() []int {
	out := []int{4, 5, 6, 8, 9}
	for r := 11; r <= MaxResolution; r++ {
		out = append(out, r)
	}
	return out
}

// Ladder is the remaining work list of one pipeline's tile cache. The
// completion of each process job advances it by exactly one rung.
type Ladder struct {
	ref  types.PipelineRef
	name string

	mu        sync.Mutex
	remaining []int
}

// NewLadder keeps the rungs above lastProcessed up to native. A pipeline
// that is not a coverage has no rungs.
func NewLadder(ref types.PipelineRef, name string, coverage bool, native, lastProcessed int) *Ladder {
	l := &Ladder{ref: ref, name: name}
	if !coverage {
		return l
	}
	for _, r := range AllNeededResolutions() {
		if lastProcessed < r && r <= native {
			l.remaining = append(l.remaining, r)
		}
	}
	return l
}

// Ref returns the pipeline the ladder belongs to.
func (l *Ladder) Ref() types.PipelineRef { return l.ref }

// Remaining returns the rungs still to process, lowest first.
func (l *Ladder) Remaining() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.remaining)
}

// Next returns the lowest remaining rung.
func (l *Ladder) Next() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.remaining) == 0 {
		return 0, false
	}
	return l.remaining[0], true
}

// Advance drops resolution if it is the current rung. It reports whether
// anything was removed.
func (l *Ladder) Advance(resolution int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.remaining) == 0 || l.remaining[0] != resolution {
		return false
	}
	l.remaining = l.remaining[1:]
	return true
}

// Emit returns a process job for the current rung. When no rung is left the
// pipeline is marked processed and Emit returns nil.
func (l *Ladder) Emit(ctx context.Context, env *Env) (*job.Job, error) {
	res, ok := l.Next()
	if ok {
		return NewProcess(env, l.ref, l.name, res), nil
	}
	if err := repository.SetIsProcessed(ctx, env.Repo, l.ref, true); err != nil {
		return nil, err
	}
	env.checkpoint(ctx)
	return nil, nil
}
