// ============================================================================
// Geostream Jobs Journal - active/finished ledger of job status records
// ============================================================================
//
// Package: internal/journal
// File: journal.go
//
// Two lists, one lock:
//   active   - status records of jobs that raised Started
//   finished - status records of jobs that started and then terminated
//
// A record is in at most one list. Jobs cancelled while still queued never
// started and are not kept. Records are shared with the job, never copied.
//
// Mutation only happens from job lifecycle callbacks, which fire on the
// goroutine of whichever manager runs the job.
//
// ============================================================================

package journal

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/geostream/internal/job"
	"github.com/ChuLiYu/geostream/internal/storage/wal"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// Recorder persists lifecycle events. *wal.WAL satisfies it.
type Recorder interface {
	Record(t wal.EventType, st types.OperationStatus) error
}

// Journal tracks job status records for reporting and retention.
type Journal struct {
	log      *slog.Logger
	recorder Recorder

	mu       sync.Mutex
	active   []*job.Status
	finished []*job.Status
	offs     map[string][]func()
}

// New returns an empty journal. recorder may be nil.
func New(logger *slog.Logger, recorder Recorder) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		log:      logger,
		recorder: recorder,
		offs:     make(map[string][]func()),
	}
}

// Track subscribes to j's lifecycle events. Tracking a job twice, or a job
// that already finished, has no effect.
func (jr *Journal) Track(j *job.Job) {
	id := j.ID()

	jr.mu.Lock()
	if _, ok := jr.offs[id]; ok || j.State().Terminal() {
		jr.mu.Unlock()
		return
	}
	jr.offs[id] = []func(){
		j.On(job.EventStarted, jr.started),
		j.On(job.EventCompleted, jr.terminal(wal.EventCompleted)),
		j.On(job.EventFailed, jr.terminal(wal.EventFailed)),
		j.On(job.EventCancelled, jr.terminal(wal.EventCancelled)),
	}
	jr.mu.Unlock()

	// Events raised before the handlers were attached are replayed here.
	// started and terminal both ignore repeats.
	switch state := j.State(); {
	case state == types.StatusRunning:
		jr.started(j)
	case state.Terminal():
		jr.terminal(terminalEvent(state))(j)
	}
}

func terminalEvent(code types.StatusCode) wal.EventType {
	switch code {
	case types.StatusCompleted:
		return wal.EventCompleted
	case types.StatusFailed:
		return wal.EventFailed
	default:
		return wal.EventCancelled
	}
}

// started and terminal record under jr.mu so a job's events reach the
// recorder in lifecycle order even when Track replays them.
func (jr *Journal) started(j *job.Job) {
	st := j.Status()

	jr.mu.Lock()
	defer jr.mu.Unlock()
	if _, tracked := jr.offs[j.ID()]; !tracked || slices.Contains(jr.active, st) || slices.Contains(jr.finished, st) {
		return
	}
	jr.active = append(jr.active, st)
	jr.record(wal.EventStarted, st)
}

func (jr *Journal) terminal(ev wal.EventType) func(*job.Job) {
	return func(j *job.Job) {
		st := j.Status()

		jr.mu.Lock()
		offs, tracked := jr.offs[j.ID()]
		if !tracked {
			jr.mu.Unlock()
			return
		}
		delete(jr.offs, j.ID())
		kept := !st.StartedAt().IsZero()
		if kept {
			if !slices.Contains(jr.active, st) {
				// Started fired before Track attached its handlers.
				jr.record(wal.EventStarted, st)
			}
			jr.active = slices.DeleteFunc(jr.active, func(s *job.Status) bool { return s == st })
			jr.finished = append(jr.finished, st)
			jr.record(ev, st)
		}
		jr.mu.Unlock()

		for _, off := range offs {
			off()
		}
	}
}

func (jr *Journal) record(ev wal.EventType, st *job.Status) {
	if jr.recorder == nil {
		return
	}
	if err := jr.recorder.Record(ev, st.Snapshot()); err != nil {
		jr.log.Warn("journal event not persisted", "event", ev, "job", st.ID(), "error", err)
	}
}

// CurrentStatus returns active and finished records ordered by start time.
func (jr *Journal) CurrentStatus() []*job.Status {
	jr.mu.Lock()
	out := make([]*job.Status, 0, len(jr.active)+len(jr.finished))
	out = append(out, jr.finished...)
	out = append(out, jr.active...)
	jr.mu.Unlock()

	sort.SliceStable(out, func(i, k int) bool {
		return out[i].StartedAt().Before(out[k].StartedAt())
	})
	return out
}

// Snapshot copies CurrentStatus into serialisable values.
func (jr *Journal) Snapshot() []types.OperationStatus {
	recs := jr.CurrentStatus()
	out := make([]types.OperationStatus, len(recs))
	for i, st := range recs {
		out[i] = st.Snapshot()
	}
	return out
}

// Active returns the records of running jobs.
func (jr *Journal) Active() []*job.Status {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return slices.Clone(jr.active)
}

// Finished returns the records of terminated jobs.
func (jr *Journal) Finished() []*job.Status {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return slices.Clone(jr.finished)
}

// FinishedIDs returns the ids of every finished record.
func (jr *Journal) FinishedIDs() []string {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	ids := make([]string, len(jr.finished))
	for i, st := range jr.finished {
		ids[i] = st.ID()
	}
	return ids
}

// RemoveCompletedJobsFromJournal drops finished records with the given ids.
// Unknown ids and active records are ignored. It returns how many were removed.
func (jr *Journal) RemoveCompletedJobsFromJournal(ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	return jr.prune(func(st *job.Status) bool {
		_, ok := drop[st.ID()]
		return ok
	})
}

// PruneFinishedBefore drops finished records that ended before cutoff.
func (jr *Journal) PruneFinishedBefore(cutoff time.Time) int {
	return jr.prune(func(st *job.Status) bool {
		return st.EndedAt().Before(cutoff)
	})
}

func (jr *Journal) prune(match func(*job.Status) bool) int {
	jr.mu.Lock()
	var removed []*job.Status
	jr.finished = slices.DeleteFunc(jr.finished, func(st *job.Status) bool {
		if match(st) {
			removed = append(removed, st)
			return true
		}
		return false
	})
	jr.mu.Unlock()

	for _, st := range removed {
		jr.record(wal.EventPruned, st)
	}
	if len(removed) > 0 {
		jr.log.Debug("journal pruned", "count", len(removed))
	}
	return len(removed)
}

// Len returns the number of active and finished records.
func (jr *Journal) Len() (active, finished int) {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return len(jr.active), len(jr.finished)
}
