package job

import (
	"maps"
	"sync"
	"time"

	"github.com/ChuLiYu/geostream/pkg/types"
	"github.com/google/uuid"
)

// Status is the observable record of a job's progress and outcome.
// Every mutation of an observable field notifies subscribers after the
// record's lock is released.
type Status struct {
	mu          sync.RWMutex
	id          string
	operation   types.OperationKind
	parameters  map[string]string
	description string
	progress    *float64
	current     int64
	final       int64
	units       string
	startedAt   time.Time
	endedAt     time.Time
	code        types.StatusCode
	err         error

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(*Status)
}

// NewStatus creates a pending status record with a fresh correlation id.
func NewStatus(op types.OperationKind, description string) *Status {
	return &Status{
		id:          uuid.NewString(),
		operation:   op,
		parameters:  make(map[string]string),
		description: description,
		code:        types.StatusPending,
		subs:        make(map[int]func(*Status)),
	}
}

// Subscribe registers fn to be called after every change. The returned
// function removes the subscription.
func (s *Status) Subscribe(fn func(*Status)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Status) notify() {
	s.subMu.Lock()
	fns := make([]func(*Status), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (s *Status) update(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
	s.notify()
}

// ID returns the correlation id.
func (s *Status) ID() string {
	return s.id
}

// Operation returns the operation kind.
func (s *Status) Operation() types.OperationKind {
	return s.operation
}

// SetParameter sets one free-form parameter.
func (s *Status) SetParameter(key, value string) {
	s.update(func() { s.parameters[key] = value })
}

// Parameter returns one parameter value.
func (s *Status) Parameter(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parameters[key]
}

// SetDescription replaces the human-readable description.
func (s *Status) SetDescription(d string) {
	s.update(func() { s.description = d })
}

// Description returns the human-readable description.
func (s *Status) Description() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.description
}

// SetProgress records current/final units of work and derives a 0-100 percentage.
func (s *Status) SetProgress(current, final int64, units string) {
	s.update(func() {
		s.current = current
		s.final = final
		s.units = units
		if final > 0 {
			p := float64(current) * 100 / float64(final)
			s.progress = &p
		}
	})
}

// Progress returns the percentage, or false if none was reported.
func (s *Status) Progress() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.progress == nil {
		return 0, false
	}
	return *s.progress, true
}

// Counts returns the raw current/final progress values.
func (s *Status) Counts() (current, final int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.final
}

// Code returns the lifecycle state.
func (s *Status) Code() types.StatusCode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.code
}

// Err returns the terminal error, if the job failed.
func (s *Status) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// StartedAt returns the start time; zero until the job starts.
func (s *Status) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// EndedAt returns the end time; zero until a terminal state is reached.
func (s *Status) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// markRunning is only called by Job.
func (s *Status) markRunning(now time.Time) {
	s.update(func() {
		s.code = types.StatusRunning
		s.startedAt = now
	})
}

// markTerminal is only called by Job.
func (s *Status) markTerminal(code types.StatusCode, err error, now time.Time) {
	s.update(func() {
		s.code = code
		s.err = err
		s.endedAt = now
	})
}

// Snapshot copies the record into a serialisable value.
func (s *Status) Snapshot() types.OperationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := types.OperationStatus{
		ID:          s.id,
		Operation:   s.operation,
		Parameters:  maps.Clone(s.parameters),
		Description: s.description,
		Current:     s.current,
		Final:       s.final,
		Units:       s.units,
		Status:      s.code,
	}
	if s.progress != nil {
		p := *s.progress
		out.Progress = &p
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		out.StartedAt = &t
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		out.EndedAt = &t
	}
	if s.err != nil {
		out.Error = s.err.Error()
	}
	return out
}
