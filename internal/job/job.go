// ============================================================================
// Geostream Job - unit of work and its lifecycle state machine
// ============================================================================
//
// Package: internal/job
// File: job.go
//
// State machine:
//   Pending ──Execute()──▶ Running ──▶ Completed | Failed | Cancelled
//      │
//      └──Cancel()──▶ Cancelled   (never runs, never raises Started)
//
// Execute is a template method:
//   1. claim Pending → Running, stamp the start time, raise Started
//   2. if cancellation was already requested, finish as Cancelled
//   3. call the variant's DoExecute with the job's context
//   4. classify the result (nil / cancellation error / any other error)
//   5. stamp the end time and raise exactly one terminal event
//
// Cancellation is cooperative. DoExecute observes ctx at its own yield points
// (CheckCancelled) and returns ErrCancelled; nothing is preempted.
//
// ============================================================================

package job

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/geostream/pkg/types"
)

var (
	// ErrCancelled marks work that stopped because it was asked to.
	ErrCancelled = errors.New("job cancelled")
)

// IsCancelled reports whether err represents a cancellation rather than a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// CheckCancelled is the yield point long-running work calls inside its loops.
func CheckCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// Key is the semantic identity of a job, used for de-duplication and cancellation.
type Key struct {
	Kind   types.OperationKind
	Ref    types.PipelineRef
	Detail string
}

func (k Key) String() string {
	if k.Detail == "" {
		return fmt.Sprintf("%s:%s", k.Kind, k.Ref)
	}
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.Ref, k.Detail)
}

// Executor is the work a job variant performs.
type Executor interface {
	DoExecute(ctx context.Context, j *Job) error
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, j *Job) error

// DoExecute calls f.
func (f ExecutorFunc) DoExecute(ctx context.Context, j *Job) error { return f(ctx, j) }

// Event identifies a lifecycle notification.
type Event int

const (
	EventStarted Event = iota
	EventCompleted
	EventFailed
	EventCancelled
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Job couples a status record with the work that drives it.
type Job struct {
	key    Key
	status *Status
	exec   Executor

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state types.StatusCode

	hmu      sync.Mutex
	nextH    int
	handlers []handler

	now func() time.Time
}

// New creates a pending job. The status record is owned by the job from here on.
func New(key Key, status *Status, exec Executor) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		key:      key,
		status:   status,
		exec:     exec,
		ctx:      ctx,
		cancel:   cancel,
		state:    types.StatusPending,
		now:      time.Now,
	}
}

// Key returns the semantic identity.
func (j *Job) Key() Key { return j.key }

// Status returns the job's status record.
func (j *Job) Status() *Status { return j.status }

// ID returns the status record's correlation id.
func (j *Job) ID() string { return j.status.ID() }

// State returns the current lifecycle state.
func (j *Job) State() types.StatusCode {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the captured terminal error.
func (j *Job) Err() error { return j.status.Err() }

// CancelRequested reports whether Cancel has been called.
func (j *Job) CancelRequested() bool { return j.ctx.Err() != nil }

type handler struct {
	id    int
	event Event
	fn    func(*Job)
}

// On registers fn for event e and returns a function removing it.
// Handlers run synchronously on the goroutine that raises the event, in
// registration order.
func (j *Job) On(e Event, fn func(*Job)) (off func()) {
	j.hmu.Lock()
	id := j.nextH
	j.nextH++
	j.handlers = append(j.handlers, handler{id: id, event: e, fn: fn})
	j.hmu.Unlock()

	return func() {
		j.hmu.Lock()
		j.handlers = slices.DeleteFunc(j.handlers, func(h handler) bool { return h.id == id })
		j.hmu.Unlock()
	}
}

func (j *Job) emit(e Event) {
	j.hmu.Lock()
	var fns []func(*Job)
	for _, h := range j.handlers {
		if h.event == e {
			fns = append(fns, h.fn)
		}
	}
	j.hmu.Unlock()

	for _, fn := range fns {
		fn(j)
	}
}

// Cancel requests cooperative cancellation. A job that has not started yet
// goes straight to Cancelled and will never run.
func (j *Job) Cancel() {
	j.cancel()

	j.mu.Lock()
	pending := j.state == types.StatusPending
	if pending {
		j.state = types.StatusCancelled
	}
	j.mu.Unlock()

	if pending {
		j.status.markTerminal(types.StatusCancelled, ErrCancelled, j.now())
		j.emit(EventCancelled)
	}
}

// Execute runs the job once. Calls after the first, or on a cancelled job, do nothing.
func (j *Job) Execute() {
	j.mu.Lock()
	if j.state != types.StatusPending {
		j.mu.Unlock()
		return
	}
	j.state = types.StatusRunning
	j.mu.Unlock()

	j.status.markRunning(j.now())
	j.emit(EventStarted)

	if j.ctx.Err() != nil {
		j.finish(types.StatusCancelled, ErrCancelled)
		return
	}

	err := j.run()
	switch {
	case err != nil && IsCancelled(err):
		j.finish(types.StatusCancelled, ErrCancelled)
	case err != nil:
		j.finish(types.StatusFailed, err)
	case j.ctx.Err() != nil:
		// Cancel() arrived while the work was finishing.
		j.finish(types.StatusCancelled, ErrCancelled)
	default:
		j.finish(types.StatusCompleted, nil)
	}
}

func (j *Job) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.key, r)
		}
	}()
	return j.exec.DoExecute(j.ctx, j)
}

func (j *Job) finish(code types.StatusCode, err error) {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.state = code
	j.mu.Unlock()

	j.cancel()
	j.status.markTerminal(code, err, j.now())

	switch code {
	case types.StatusCompleted:
		j.emit(EventCompleted)
	case types.StatusFailed:
		j.emit(EventFailed)
	case types.StatusCancelled:
		j.emit(EventCancelled)
	}
}
