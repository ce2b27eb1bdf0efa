package jobmanager

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/geostream/internal/job"
)

// run is the manager's dedicated worker goroutine. It exits only when the
// manager is stopped; a misbehaving job or handler never ends it.
func (m *Manager) run() {
	defer close(m.done)
	m.log.Debug("worker started")

	for {
		exit, err := m.step()
		if err != nil {
			m.log.Error("worker loop error", "error", err)
		}
		if exit {
			m.log.Debug("worker exited")
			return
		}
	}
}

// step runs one iteration of the worker loop.
func (m *Manager) step() (exit bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered panic: %v", r)
		}
	}()

	if !m.waitGate() {
		return true, nil
	}

	j, err := m.take()
	switch {
	case errors.Is(err, ErrManagerStopped):
		return true, nil
	case errors.Is(err, errDequeueTimeout):
		return false, nil
	case err != nil:
		return false, err
	}

	// Pause or Stop raced with the dequeue: hand the job back.
	if m.IsPaused() || m.IsStopped() {
		m.handBack(j)
		return false, nil
	}

	m.execute(j)
	return false, nil
}

// waitGate blocks while the manager is paused. It returns false if the
// manager was stopped while waiting.
func (m *Manager) waitGate() bool {
	m.pauseMu.Lock()
	gate := m.gate
	m.pauseMu.Unlock()

	select {
	case <-gate:
		return true
	case <-m.stopCh:
		return false
	}
}

// take pops the head of the queue and makes it current, waiting at most one
// poll interval for work to arrive.
func (m *Manager) take() (*job.Job, error) {
	timeout := time.NewTimer(m.poll)
	defer timeout.Stop()

	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return nil, ErrManagerStopped
		}
		for len(m.queue) > 0 {
			j := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			// cancelled behind our back; it will never run
			if j.State().Terminal() {
				continue
			}
			m.current = j
			m.startedAt = time.Now()
			depth := len(m.queue)
			m.mu.Unlock()

			m.observer.QueueDepth(m.name, depth)
			return j, nil
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-m.stopCh:
			return nil, ErrManagerStopped
		case <-timeout.C:
			return nil, errDequeueTimeout
		}
	}
}

// handBack returns a job the worker claimed but did not start to the head
// of the queue, so FIFO order survives a Pause that raced with the dequeue.
func (m *Manager) handBack(j *job.Job) {
	m.mu.Lock()
	if m.current == j {
		m.current = nil
	}
	m.queue = append([]*job.Job{j}, m.queue...)
	depth := len(m.queue)
	m.mu.Unlock()

	m.observer.QueueDepth(m.name, depth)
	m.log.Debug("job handed back", "job", j.ID(), "depth", depth)
}

// execute runs j synchronously under the dead-man timer.
func (m *Manager) execute(j *job.Job) {
	start := time.Now()
	m.log.Info("job started", "job", j.ID(), "key", j.Key().String())

	m.mu.Lock()
	m.unwatch = j.Status().Subscribe(func(*job.Status) { m.timer.KeepAlive() })
	m.timer.Start()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.timer.Stop()
		if m.unwatch != nil {
			m.unwatch()
			m.unwatch = nil
		}
		m.current = nil
		m.mu.Unlock()

		state := j.State()
		elapsed := time.Since(start)
		m.observer.JobFinished(m.name, state, elapsed)

		attrs := []any{"job", j.ID(), "key", j.Key().String(), "status", state, "duration", elapsed.Round(time.Millisecond)}
		if err := j.Err(); err != nil && !job.IsCancelled(err) {
			m.log.Warn("job finished", append(attrs, "error", err)...)
			return
		}
		m.log.Info("job finished", attrs...)
	}()

	j.Execute()
}
