package jobmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/geostream/internal/job"
	"github.com/ChuLiYu/geostream/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const waitFor = 2 * time.Second

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	m := New("test", opts)
	t.Cleanup(func() {
		m.Stop()
		<-m.Done()
	})
	return m
}

// recorder collects the order in which jobs ran.
type recorder struct {
	mu  sync.Mutex
	ran []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.ran = append(r.ran, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func newTestJob(ref string, fn func(ctx context.Context, j *job.Job) error) *job.Job {
	key := job.Key{Kind: types.OperationProcess, Ref: types.PipelineRef(ref)}
	return job.New(key, job.NewStatus(types.OperationProcess, ref), job.ExecutorFunc(fn))
}

func recordingJob(r *recorder, ref string) *job.Job {
	return newTestJob(ref, func(context.Context, *job.Job) error {
		r.add(ref)
		return nil
	})
}

// blockingJob runs until release is closed or it is cancelled.
func blockingJob(ref string, started chan<- struct{}, release <-chan struct{}) *job.Job {
	return newTestJob(ref, func(ctx context.Context, j *job.Job) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return job.ErrCancelled
		}
	})
}

func terminal(j *job.Job) func() bool {
	return func() bool { return j.State().Terminal() }
}

type countingObserver struct {
	NopObserver
	enqueued atomic.Int32
	finished atomic.Int32
	stalled  atomic.Int32
}

func (o *countingObserver) JobEnqueued(string) { o.enqueued.Add(1) }
func (o *countingObserver) JobFinished(string, types.StatusCode, time.Duration) {
	o.finished.Add(1)
}
func (o *countingObserver) JobStalled(string) { o.stalled.Add(1) }

// ============================================================================
// Unit Tests
// ============================================================================

func TestRunsJobsInFIFOOrder(t *testing.T) {
	m := newTestManager(t, Options{})
	var r recorder

	m.Pause()
	jobs := []*job.Job{recordingJob(&r, "a"), recordingJob(&r, "b"), recordingJob(&r, "c")}
	for _, j := range jobs {
		require.NoError(t, m.Add(j))
	}
	m.Resume()

	require.Eventually(t, terminal(jobs[2]), waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, r.list())
	for _, j := range jobs {
		assert.Equal(t, types.StatusCompleted, j.State())
	}
}

func TestAddDeduplicatesQueuedAndRunning(t *testing.T) {
	m := newTestManager(t, Options{})
	started := make(chan struct{})
	release := make(chan struct{})

	running := blockingJob("busy", started, release)
	require.NoError(t, m.Add(running))
	<-started

	// equal to the running job
	assert.ErrorIs(t, m.Add(blockingJob("busy", make(chan struct{}), release)), ErrDuplicateJob)

	var r recorder
	first := recordingJob(&r, "next")
	require.NoError(t, m.Add(first))
	// equal to a queued job
	second := recordingJob(&r, "next")
	assert.ErrorIs(t, m.Add(second), ErrDuplicateJob)

	close(release)
	require.Eventually(t, terminal(first), waitFor, 5*time.Millisecond)
	require.Eventually(t, m.IsIdle, waitFor, 5*time.Millisecond)

	assert.Equal(t, []string{"next"}, r.list())
	assert.Equal(t, types.StatusPending, second.State())
}

func TestAddRejectsFinishedJob(t *testing.T) {
	m := newTestManager(t, Options{})
	j := recordingJob(&recorder{}, "x")
	j.Cancel()

	assert.ErrorIs(t, m.Add(j), ErrJobFinished)
}

func TestCancelRemovesQueuedAndSignalsRunning(t *testing.T) {
	m := newTestManager(t, Options{})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	running := blockingJob("p1", started, release)
	require.NoError(t, m.Add(running))
	<-started

	var r recorder
	// different kind so it is not a duplicate of the running job
	queuedMatch := job.New(job.Key{Kind: types.OperationDownload, Ref: "p1"},
		job.NewStatus(types.OperationDownload, ""), job.ExecutorFunc(func(context.Context, *job.Job) error {
			r.add("p1-download")
			return nil
		}))
	other := recordingJob(&r, "p2")
	require.NoError(t, m.Add(queuedMatch))
	require.NoError(t, m.Add(other))

	n := m.Cancel(job.ForPipeline("p1"))
	assert.Equal(t, 2, n)

	require.Eventually(t, terminal(running), waitFor, 5*time.Millisecond)
	require.Eventually(t, terminal(other), waitFor, 5*time.Millisecond)

	assert.Equal(t, types.StatusCancelled, running.State())
	assert.Equal(t, types.StatusCancelled, queuedMatch.State())
	assert.True(t, queuedMatch.Status().StartedAt().IsZero())
	assert.Equal(t, []string{"p2"}, r.list())
}

func TestCancelWithoutMatchesIsNoop(t *testing.T) {
	m := newTestManager(t, Options{})
	assert.Zero(t, m.Cancel(job.ForPipeline("nothing")))
}

func TestPauseLetsRunningJobFinishAndHoldsNext(t *testing.T) {
	m := newTestManager(t, Options{})
	started := make(chan struct{})
	release := make(chan struct{})

	running := blockingJob("first", started, release)
	require.NoError(t, m.Add(running))
	<-started

	var r recorder
	next := recordingJob(&r, "second")
	require.NoError(t, m.Add(next))

	m.Pause()
	m.Pause()
	assert.True(t, m.IsPaused())
	close(release)

	require.Eventually(t, terminal(running), waitFor, 5*time.Millisecond)
	assert.Equal(t, types.StatusCompleted, running.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, types.StatusPending, next.State(), "next job must wait for Resume")
	assert.Empty(t, r.list())

	m.Resume()
	require.Eventually(t, terminal(next), waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"second"}, r.list())
}

// pauseOnDequeue pauses its manager from inside the worker's dequeue, the
// window between claiming a job and executing it. Only the dequeue that
// empties the queue reports depth 0.
type pauseOnDequeue struct {
	NopObserver
	m     atomic.Pointer[Manager]
	armed atomic.Bool
}

func (o *pauseOnDequeue) QueueDepth(_ string, depth int) {
	if depth == 0 && o.armed.CompareAndSwap(true, false) {
		o.m.Load().Pause()
	}
}

func TestPauseDuringDequeueHandsJobBack(t *testing.T) {
	obs := &pauseOnDequeue{}
	obs.armed.Store(true)
	m := newTestManager(t, Options{Observer: obs})
	obs.m.Store(m)

	var r recorder
	first := recordingJob(&r, "first")
	second := recordingJob(&r, "second")
	require.NoError(t, m.Add(first))

	require.Eventually(t, func() bool {
		return m.IsPaused() && m.Stats()["pending"] == 1 && m.Current() == nil
	}, waitFor, 5*time.Millisecond)
	require.NoError(t, m.Add(second))

	queued := m.Queued()
	require.Len(t, queued, 2)
	assert.Same(t, first, queued[0], "claimed job goes back to the head of the queue")
	assert.Same(t, second, queued[1])

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, types.StatusPending, first.State())
	assert.Empty(t, r.list())

	m.Resume()
	require.Eventually(t, terminal(second), waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, r.list())
}

func TestIsIdle(t *testing.T) {
	m := newTestManager(t, Options{})
	assert.True(t, m.IsIdle())

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, m.Add(blockingJob("x", started, release)))
	<-started
	assert.False(t, m.IsIdle())

	close(release)
	require.Eventually(t, m.IsIdle, waitFor, 5*time.Millisecond)
}

func TestFailingAndPanickingJobsDoNotKillWorker(t *testing.T) {
	m := newTestManager(t, Options{})

	bad := newTestJob("bad", func(context.Context, *job.Job) error { panic("boom") })
	// a handler panicking escapes Execute and must be absorbed by the loop
	bad.On(job.EventFailed, func(*job.Job) { panic("handler boom") })
	require.NoError(t, m.Add(bad))

	var r recorder
	good := recordingJob(&r, "good")
	require.NoError(t, m.Add(good))

	require.Eventually(t, terminal(good), waitFor, 5*time.Millisecond)
	assert.Equal(t, types.StatusFailed, bad.State())
	assert.Equal(t, types.StatusCompleted, good.State())
	require.Eventually(t, m.IsIdle, waitFor, 5*time.Millisecond)
}

func TestStopRefusesWorkAndClosesDone(t *testing.T) {
	m := New("stop", Options{PollInterval: 10 * time.Millisecond})
	m.Stop()
	m.Stop()

	select {
	case <-m.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not exit")
	}
	assert.ErrorIs(t, m.Add(recordingJob(&recorder{}, "late")), ErrManagerStopped)
}

func TestStopWaitsForRunningJob(t *testing.T) {
	m := New("stop", Options{PollInterval: 10 * time.Millisecond})
	started := make(chan struct{})
	release := make(chan struct{})
	running := blockingJob("long", started, release)
	require.NoError(t, m.Add(running))
	<-started

	m.Stop()
	select {
	case <-m.Done():
		t.Fatal("manager finished while its job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-m.Done()
	assert.Equal(t, types.StatusCompleted, running.State())
}

func TestStalledJobRaisesAlarmOnly(t *testing.T) {
	obs := &countingObserver{}
	m := newTestManager(t, Options{Observer: obs, StallTimeout: 20 * time.Millisecond})
	started := make(chan struct{})
	release := make(chan struct{})
	j := blockingJob("slow", started, release)
	require.NoError(t, m.Add(j))
	<-started

	require.Eventually(t, func() bool { return obs.stalled.Load() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, types.StatusRunning, j.State(), "the alarm is advisory")

	close(release)
	require.Eventually(t, terminal(j), waitFor, 5*time.Millisecond)
	assert.Equal(t, types.StatusCompleted, j.State())
	assert.Equal(t, int32(1), obs.stalled.Load())
	assert.Equal(t, int32(1), obs.enqueued.Load())
	require.Eventually(t, func() bool { return obs.finished.Load() == 1 }, waitFor, 5*time.Millisecond)
}

func TestProgressKeepsStallAlarmQuiet(t *testing.T) {
	obs := &countingObserver{}
	m := newTestManager(t, Options{Observer: obs, StallTimeout: 60 * time.Millisecond})
	j := newTestJob("busy", func(ctx context.Context, j *job.Job) error {
		for i := int64(1); i <= 10; i++ {
			time.Sleep(15 * time.Millisecond)
			j.Status().SetProgress(i, 10, "tiles")
		}
		return nil
	})
	require.NoError(t, m.Add(j))

	require.Eventually(t, terminal(j), waitFor, 5*time.Millisecond)
	assert.Zero(t, obs.stalled.Load())
}

// ============================================================================
// Exit coordinator
// ============================================================================

func TestShouldExitStopsAllAndWaits(t *testing.T) {
	c := NewCoordinator(nil)
	idle := c.NewManager("idle", Options{PollInterval: 10 * time.Millisecond})
	busy := c.NewManager("busy", Options{PollInterval: 10 * time.Millisecond})

	started := make(chan struct{})
	release := make(chan struct{})
	running := blockingJob("long", started, release)
	require.NoError(t, busy.Add(running))
	<-started

	exited := make(chan struct{})
	go func() {
		c.SetShouldExit(true)
		close(exited)
	}()

	// idle managers finish promptly even while another is still busy
	select {
	case <-idle.Done():
	case <-time.After(waitFor):
		t.Fatal("idle manager did not finish")
	}
	select {
	case <-exited:
		t.Fatal("SetShouldExit returned before the busy manager finished")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, c.ShouldExit())

	close(release)
	select {
	case <-exited:
	case <-time.After(waitFor):
		t.Fatal("SetShouldExit never returned")
	}
	assert.Equal(t, types.StatusCompleted, running.State())

	// idempotent
	c.SetShouldExit(true)
	assert.Len(t, c.Managers(), 2)
}

func TestExitHonoursContext(t *testing.T) {
	c := NewCoordinator(nil)
	m := c.NewManager("busy", Options{PollInterval: 10 * time.Millisecond})
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, m.Add(blockingJob("long", started, release)))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Exit(ctx), context.DeadlineExceeded)

	close(release)
	<-m.Done()
}

func TestRegisterAfterExitStopsManager(t *testing.T) {
	c := NewCoordinator(nil)
	c.SetShouldExit(true)

	m := c.NewManager("late", Options{PollInterval: 10 * time.Millisecond})
	select {
	case <-m.Done():
	case <-time.After(waitFor):
		t.Fatal("late manager was not stopped")
	}
}
