package job

import "github.com/ChuLiYu/geostream/pkg/types"

// Hint selects queued or running jobs for cancellation.
type Hint interface {
	Matches(j *Job) bool
}

// PipelineHint matches every job working on one pipeline.
type PipelineHint struct {
	ref types.PipelineRef
}

// ForPipeline returns a hint matching jobs keyed on ref.
func ForPipeline(ref types.PipelineRef) PipelineHint {
	return PipelineHint{ref: ref}
}

// Ref returns the correlation key.
func (h PipelineHint) Ref() types.PipelineRef { return h.ref }

// Matches reports whether j works on the hinted pipeline.
func (h PipelineHint) Matches(j *Job) bool {
	return j != nil && j.Key().Ref == h.ref
}

// KeyHint matches one exact job key.
type KeyHint struct {
	key Key
}

// ForKey returns a hint matching jobs with exactly key.
func ForKey(key Key) KeyHint { return KeyHint{key: key} }

// Matches reports whether j has the hinted key.
func (h KeyHint) Matches(j *Job) bool {
	return j != nil && j.Key() == h.key
}
