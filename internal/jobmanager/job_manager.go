// ============================================================================
// Geostream Job Manager - one FIFO queue, one dedicated worker
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
//
// Data structures:
//   queue   []*job.Job  - FIFO of pending jobs, no priorities
//   current *job.Job    - the single job in flight (nil when idle)
//   timer   dead-man    - armed while current != nil
//
//   queue, current, timer and the stopped flag share mu.
//   The pause gate lives behind pauseMu so Pause/Resume never wait on mu.
//
// Worker loop (see worker.go):
//   wait at pause gate → take next job → arm timer → Execute → disarm → repeat
//
// Submission rules:
//   - Add rejects a job whose Key equals a queued or running job's Key
//   - Cancel(hint) removes matching queued jobs without running them and
//     signals the running job; it never blocks on the running job
//   - Stop refuses further waits; the running job (if any) is not cancelled
//     and the loop exits as soon as it returns
//
// ============================================================================

package jobmanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/geostream/internal/deadman"
	"github.com/ChuLiYu/geostream/internal/job"
)

var (
	// ErrDuplicateJob: an equal job is already queued or running
	ErrDuplicateJob = errors.New("equal job already queued or running")
	// ErrManagerStopped: the manager no longer accepts work
	ErrManagerStopped = errors.New("job manager stopped")
	// ErrJobFinished: the job already reached a terminal state
	ErrJobFinished = errors.New("job already finished")

	errDequeueTimeout = errors.New("dequeue timed out")
)

const (
	defaultPollInterval = time.Second
	idleLockAttempts    = 10
	idleLockBackoff     = time.Millisecond
)

// Options tunes a Manager. Zero values pick defaults.
type Options struct {
	Logger *slog.Logger
	// Observer receives queue and lifecycle measurements.
	Observer Observer
	// StallTimeout is the dead-man window; zero disables stall detection.
	StallTimeout time.Duration
	// PollInterval bounds a single blocking dequeue.
	PollInterval time.Duration
}

// Manager runs jobs of one category strictly one at a time.
type Manager struct {
	name     string
	log      *slog.Logger
	observer Observer
	poll     time.Duration

	mu        sync.Mutex
	queue     []*job.Job
	current   *job.Job
	timer     *deadman.Timer
	unwatch   func()
	startedAt time.Time
	stopped   bool
	wake      chan struct{}
	stopCh    chan struct{}

	pauseMu sync.Mutex
	paused  bool
	gate    chan struct{} // closed while running, open while paused

	done chan struct{}
}

// New creates a manager and starts its worker goroutine.
func New(name string, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	gate := make(chan struct{})
	close(gate)

	m := &Manager{
		name:     name,
		log:      logger.With("category", name),
		observer: obs,
		poll:     poll,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		gate:     gate,
		done:     make(chan struct{}),
	}
	m.timer = deadman.New(opts.StallTimeout, m.stalled)

	go m.run()
	return m
}

// Name returns the manager's category name.
func (m *Manager) Name() string { return m.name }

// Add enqueues j unless an equal job is queued or running.
func (m *Manager) Add(j *job.Job) error {
	if j.State().Terminal() {
		return ErrJobFinished
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if m.containsLocked(j.Key()) {
		m.mu.Unlock()
		m.log.Debug("duplicate job ignored", "key", j.Key().String())
		return ErrDuplicateJob
	}
	m.queue = append(m.queue, j)
	depth := len(m.queue)
	m.mu.Unlock()

	m.signal()
	m.observer.JobEnqueued(m.name)
	m.observer.QueueDepth(m.name, depth)
	m.log.Debug("job queued", "job", j.ID(), "key", j.Key().String(), "depth", depth)
	return nil
}

func (m *Manager) containsLocked(k job.Key) bool {
	if m.current != nil && m.current.Key() == k {
		return true
	}
	for _, q := range m.queue {
		if q.Key() == k {
			return true
		}
	}
	return false
}

// Cancel removes every queued job matching hint and signals the running job
// if it matches. It returns the number of jobs affected.
func (m *Manager) Cancel(hint job.Hint) int {
	m.mu.Lock()
	var victims []*job.Job
	kept := m.queue[:0]
	for _, q := range m.queue {
		if hint.Matches(q) {
			victims = append(victims, q)
			continue
		}
		kept = append(kept, q)
	}
	for i := len(kept); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = kept
	depth := len(m.queue)

	running := m.current
	if running != nil && !hint.Matches(running) {
		running = nil
	}
	m.mu.Unlock()

	// Cancel raises events synchronously; never hold mu while it runs.
	for _, v := range victims {
		v.Cancel()
	}
	if running != nil {
		running.Cancel()
	}

	n := len(victims)
	if running != nil {
		n++
	}
	if n > 0 {
		m.observer.QueueDepth(m.name, depth)
		m.log.Info("jobs cancelled", "queued", len(victims), "running", running != nil)
	}
	return n
}

// Pause holds the worker before it claims its next job. The running job is
// not affected. Pausing twice is a no-op.
func (m *Manager) Pause() {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	if m.paused {
		return
	}
	m.paused = true
	m.gate = make(chan struct{})
	m.observer.Paused(m.name, true)
	m.log.Info("manager paused")
}

// Resume releases a paused worker.
func (m *Manager) Resume() {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	if !m.paused {
		return
	}
	m.paused = false
	close(m.gate)
	m.observer.Paused(m.name, false)
	m.log.Info("manager resumed")
}

// IsPaused reports whether the pause gate is closed.
func (m *Manager) IsPaused() bool {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	return m.paused
}

// Stop refuses further work and lets the worker exit once the running job
// returns. Queued jobs are left unrun.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	left := len(m.queue)
	close(m.stopCh)
	m.mu.Unlock()

	m.log.Info("manager stopping", "queued", left)
}

// Done is closed once the worker loop has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

// IsStopped reports whether Stop has been called.
func (m *Manager) IsStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// IsIdle reports whether nothing is queued or running. It never blocks for
// long: if the manager lock stays busy the answer is false.
func (m *Manager) IsIdle() bool {
	for i := 0; i < idleLockAttempts; i++ {
		if m.mu.TryLock() {
			idle := m.current == nil && len(m.queue) == 0
			m.mu.Unlock()
			return idle
		}
		time.Sleep(idleLockBackoff)
	}
	return false
}

// Current returns the running job, or nil.
func (m *Manager) Current() *job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Queued returns a copy of the pending queue in FIFO order.
func (m *Manager) Queued() []*job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*job.Job, len(m.queue))
	copy(out, m.queue)
	return out
}

// Stats summarises the manager in the shape the CLI and HTTP API print.
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	running := 0
	if m.current != nil {
		running = 1
	}
	pending := len(m.queue)
	m.mu.Unlock()

	paused := 0
	if m.IsPaused() {
		paused = 1
	}
	return map[string]int{
		"pending": pending,
		"running": running,
		"paused":  paused,
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) stalled() {
	m.mu.Lock()
	cur := m.current
	since := m.startedAt
	m.mu.Unlock()
	if cur == nil {
		return
	}
	m.observer.JobStalled(m.name)
	m.log.Warn("job stalled: no progress within dead-man window",
		"job", cur.ID(),
		"key", cur.Key().String(),
		"running_for", time.Since(since).Round(time.Second),
		"timeout", m.timer.Timeout())
}
