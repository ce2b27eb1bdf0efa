// ============================================================================
// Geostream Publishing Manager - scheduler root of the publishing chain
// ============================================================================
//
// Package: internal/publishing
// File: publishing.go
//
// Owns:
//   six job managers  - import, download, publish, process, cleanup, report
//   jobs journal      - status records of every tracked job
//   process ladders   - remaining resolutions per pipeline
//   three loops       - report, restart incomplete jobs, clean-up
//
// Chain (completion handlers queue the next stage):
//   import → download → publish → process(rung) → process(next rung) → ...
//   every completion also queues a status report
//
// Server types:
//   Test      - never reports status
//   Processor - does not republish on start
//   Publisher - never processes
//
// Shutdown:
//   Close stops the loops, then the exit coordinator stops every manager and
//   waits for each one's current job to return.
//
// ============================================================================

package publishing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/geostream/internal/job"
	"github.com/ChuLiYu/geostream/internal/jobmanager"
	"github.com/ChuLiYu/geostream/internal/jobs"
	"github.com/ChuLiYu/geostream/internal/journal"
	"github.com/ChuLiYu/geostream/internal/metrics"
	"github.com/ChuLiYu/geostream/internal/repository"
	"github.com/ChuLiYu/geostream/internal/transfer"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// Manager categories.
const (
	CategoryImport   = "import"
	CategoryDownload = "download"
	CategoryPublish  = "publish"
	CategoryProcess  = "process"
	CategoryCleanUp  = "cleanup"
	CategoryReport   = "report"
)

// DefaultRestartBatch caps how many pipelines one restart pass queues per stage.
const DefaultRestartBatch = 5

var (
	// ErrClosed: the publishing manager has been shut down
	ErrClosed = errors.New("publishing manager closed")
	// ErrInvalidRef: empty pipeline reference
	ErrInvalidRef = errors.New("invalid pipeline reference")
)

// Config tunes the scheduler. A zero interval disables its loop.
type Config struct {
	NodeID     string
	Name       string
	ServerType types.ServerType

	StallTimeout  time.Duration
	PollInterval  time.Duration
	ReportTimeout time.Duration

	ReportInterval  time.Duration
	RestartInterval time.Duration
	CleanUpInterval time.Duration
	RestartBatch    int
	// JournalRetention drops finished records older than this on every
	// report tick. Zero keeps them until a report carrying them is answered.
	JournalRetention time.Duration
	// JournalMaxBytes rotates the journal log on the report tick once it
	// reaches this size. Zero never rotates.
	JournalMaxBytes int64
}

// RotatingLog is a Recorder backed by a file that can be rotated.
// *wal.WAL satisfies it.
type RotatingLog interface {
	Rotate(maxBytes int64) (bool, error)
	GetLastSeq() uint64
}

// Deps are the collaborators the scheduler drives.
type Deps struct {
	Logger *slog.Logger
	Env    *jobs.Env
	// Recorder, if set, receives every journal lifecycle event.
	Recorder journal.Recorder
	Metrics  *metrics.Collector
}

// Manager is the publishing orchestrator.
type Manager struct {
	cfg     Config
	env     *jobs.Env
	log     *slog.Logger
	metrics *metrics.Collector

	coord   *jobmanager.Coordinator
	journal *journal.Journal
	rotator RotatingLog

	importer *jobmanager.Manager
	download *jobmanager.Manager
	publish  *jobmanager.Manager
	process  *jobmanager.Manager
	cleanup  *jobmanager.Manager
	report   *jobmanager.Manager

	mu      sync.Mutex
	ladders map[types.PipelineRef]*jobs.Ladder
	started bool
	closed  bool

	// responses from the license server are applied one at a time
	respMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	loopWg sync.WaitGroup
}

// New builds the managers and the journal. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Env == nil {
		return nil, errors.New("publishing: env is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RestartBatch <= 0 {
		cfg.RestartBatch = DefaultRestartBatch
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		log:     logger,
		metrics: deps.Metrics,
		coord:   jobmanager.NewCoordinator(logger),
		journal: journal.New(logger, deps.Recorder),
		ladders: make(map[types.PipelineRef]*jobs.Ladder),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}

	if r, ok := deps.Recorder.(RotatingLog); ok {
		m.rotator = r
	}

	env := *deps.Env
	if env.Log == nil {
		env.Log = logger
	}
	env.ShouldExit = m.coord.ShouldExit
	m.env = &env

	opts := jobmanager.Options{
		Logger:       logger,
		StallTimeout: cfg.StallTimeout,
		PollInterval: cfg.PollInterval,
	}
	if deps.Metrics != nil {
		opts.Observer = deps.Metrics
	}
	m.importer = m.coord.NewManager(CategoryImport, opts)
	m.download = m.coord.NewManager(CategoryDownload, opts)
	m.publish = m.coord.NewManager(CategoryPublish, opts)
	m.process = m.coord.NewManager(CategoryProcess, opts)
	m.cleanup = m.coord.NewManager(CategoryCleanUp, opts)
	m.report = m.coord.NewManager(CategoryReport, opts)
	return m, nil
}

// Start republishes previously published pipelines (except on Processor
// servers) and starts the periodic loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if m.cfg.ServerType != types.ServerProcessor {
		m.republish(ctx)
	}

	m.startLoop("report", m.cfg.ReportInterval, m.reportTick)
	m.startLoop("restart", m.cfg.RestartInterval, func() { m.RestartIncompleteJobs(m.ctx) })
	m.startLoop("cleanup", m.cfg.CleanUpInterval, func() { m.AddCleanUp() })

	m.log.Info("publishing manager started",
		"node", m.cfg.NodeID,
		"server_type", m.cfg.ServerType)
	return nil
}

// Close stops the loops, then stops every manager and waits for them.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.loopWg.Wait()

	err := m.coord.Exit(ctx)
	m.cancel()
	if err != nil {
		return fmt.Errorf("stop job managers: %w", err)
	}
	m.log.Info("publishing manager stopped")
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Journal returns the jobs journal.
func (m *Manager) Journal() *journal.Journal { return m.journal }

// Managers returns the job managers in registration order.
func (m *Manager) Managers() []*jobmanager.Manager { return m.coord.Managers() }

// ShouldExit reports whether shutdown has begun.
func (m *Manager) ShouldExit() bool { return m.coord.ShouldExit() }

// ============================================================================
// Loops
// ============================================================================

func (m *Manager) startLoop(name string, every time.Duration, fn func()) {
	if every <= 0 {
		return
	}
	m.loopWg.Add(1)
	go func() {
		defer m.loopWg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				m.log.Debug("loop stopped", "loop", name)
				return
			case <-ticker.C:
				// the ticker may have fired together with stop
				select {
				case <-m.stopCh:
					return
				default:
				}
				fn()
			}
		}
	}()
}

func (m *Manager) reportTick() {
	if m.cfg.JournalRetention > 0 {
		m.journal.PruneFinishedBefore(time.Now().Add(-m.cfg.JournalRetention))
	}
	m.rotateJournalLog()
	m.AddReport()
}

func (m *Manager) rotateJournalLog() {
	if m.rotator == nil || m.cfg.JournalMaxBytes <= 0 {
		return
	}
	seq := m.rotator.GetLastSeq()
	rotated, err := m.rotator.Rotate(m.cfg.JournalMaxBytes)
	switch {
	case err != nil:
		m.log.Warn("journal log rotation failed", "error", err)
	case rotated:
		m.log.Info("journal log rotated", "events", seq)
	}
}

// ============================================================================
// Pause / Resume / Stop - fanned out to every manager concurrently
// ============================================================================

func (m *Manager) each(fn func(*jobmanager.Manager)) {
	var g errgroup.Group
	for _, mgr := range m.coord.Managers() {
		g.Go(func() error {
			fn(mgr)
			return nil
		})
	}
	_ = g.Wait()
}

// Pause holds every manager before its next job.
func (m *Manager) Pause() { m.each((*jobmanager.Manager).Pause) }

// Resume releases every manager.
func (m *Manager) Resume() { m.each((*jobmanager.Manager).Resume) }

// Stop stops every manager without waiting for them.
func (m *Manager) Stop() { m.each((*jobmanager.Manager).Stop) }

// ============================================================================
// Chain
// ============================================================================

// enqueue tracks j in the journal and hands it to mgr. A rejected job is
// cancelled so the journal lets go of it.
func (m *Manager) enqueue(mgr *jobmanager.Manager, j *job.Job) bool {
	m.journal.Track(j)
	return m.submit(mgr, j)
}

func (m *Manager) submit(mgr *jobmanager.Manager, j *job.Job) bool {
	if err := mgr.Add(j); err != nil {
		j.Cancel()
		if errors.Is(err, jobmanager.ErrDuplicateJob) {
			m.log.Debug("job already queued", "manager", mgr.Name(), "job", j.Key())
		} else {
			m.log.Warn("job rejected", "manager", mgr.Name(), "job", j.Key(), "error", err)
		}
		return false
	}
	return true
}

// Publish starts the chain for ref. A pipeline that is already imported
// resumes at its first incomplete stage instead.
func (m *Manager) Publish(ctx context.Context, ref types.PipelineRef) error {
	if !ref.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if m.isClosed() {
		return ErrClosed
	}
	m.log.Info("requesting to import", "category", CategoryImport, "ref", ref)

	rec, err := m.env.Repo.Get(ctx, ref)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return err
	case rec.Imported && !rec.Temporary:
		m.log.Info("pipeline already imported", "category", CategoryImport, "ref", ref)
		return m.resume(ctx, rec)
	}

	m.addImport(ref)
	return nil
}

func (m *Manager) resume(ctx context.Context, rec repository.Record) error {
	switch {
	case !rec.Downloaded:
		m.addDownload(rec.Ref, rec.Name)
	case !rec.Published:
		m.addPublish(rec.Ref, rec.Name)
	case !rec.Processed:
		return m.addProcess(ctx, rec.Ref, rec.Name)
	}
	return nil
}

func (m *Manager) addImport(ref types.PipelineRef) {
	j := jobs.NewImport(m.env, ref)
	j.On(job.EventCompleted, func(*job.Job) {
		name := ""
		if rec, err := m.env.Repo.Get(m.ctx, ref); err == nil {
			name = rec.Name
		}
		m.addDownload(ref, name)
		m.AddReport()
	})
	m.enqueue(m.importer, j)
}

func (m *Manager) addDownload(ref types.PipelineRef, name string) {
	j := jobs.NewDownload(m.env, ref, name)
	j.On(job.EventCompleted, func(*job.Job) {
		m.addPublish(ref, name)
		m.AddReport()
	})
	m.enqueue(m.download, j)
}

func (m *Manager) addPublish(ref types.PipelineRef, name string) {
	j := jobs.NewPublish(m.env, ref, name)
	j.On(job.EventCompleted, func(*job.Job) {
		if err := m.addProcess(m.ctx, ref, name); err != nil {
			m.log.Warn("process job not queued", "category", CategoryProcess, "ref", ref, "error", err)
		}
		m.AddReport()
	})
	m.enqueue(m.publish, j)
}

// addProcess queues the next rung of ref's ladder. Publisher servers never
// process, and nothing is queued while free space is below the minimum.
func (m *Manager) addProcess(ctx context.Context, ref types.PipelineRef, name string) error {
	if m.cfg.ServerType == types.ServerPublisher {
		return nil
	}

	free, err := m.env.Free(m.env.Paths.ProcessCache)
	if err != nil {
		return fmt.Errorf("check free space: %w", err)
	}
	if need := m.env.MinFree(); free < need {
		m.log.Warn("not enough disk space to process",
			"category", CategoryProcess, "ref", ref, "free", free, "required", need)
		return nil
	}

	l, err := m.ladder(ctx, ref, name)
	if err != nil {
		return err
	}
	j, err := l.Emit(ctx, m.env)
	if err != nil {
		return err
	}
	if j == nil {
		m.mu.Lock()
		delete(m.ladders, ref)
		m.mu.Unlock()
		m.log.Info("pipeline fully processed", "category", CategoryProcess, "ref", ref)
		return nil
	}

	res := jobs.Resolution(j)
	j.On(job.EventCompleted, func(*job.Job) { m.onProcessed(l, name, res) })
	m.enqueue(m.process, j)
	return nil
}

// ladder returns the work list of ref, building it from the pipeline and its
// last processed resolution the first time.
func (m *Manager) ladder(ctx context.Context, ref types.PipelineRef, name string) (*jobs.Ladder, error) {
	m.mu.Lock()
	l, ok := m.ladders[ref]
	m.mu.Unlock()
	if ok {
		return l, nil
	}

	rec, err := m.env.Repo.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	p, err := m.env.Engine.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	l = jobs.NewLadder(ref, name, p.IsCoverage(), p.NativeResolution(), rec.ProcessedResolution)
	_ = p.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.ladders[ref]; ok {
		return existing, nil
	}
	m.ladders[ref] = l
	return l, nil
}

func (m *Manager) onProcessed(l *jobs.Ladder, name string, res int) {
	ref := l.Ref()
	m.AddReport()
	l.Advance(res)

	if err := m.env.Repo.SetProcessedResolution(m.ctx, ref, res); err != nil {
		m.log.Warn("processed resolution not stored", "category", CategoryProcess, "ref", ref, "error", err)
	}
	if err := m.env.Repo.Checkpoint(m.ctx); err != nil {
		m.log.Warn("repository checkpoint failed", "error", err)
	}

	if err := m.addProcess(m.ctx, ref, name); err != nil {
		m.log.Warn("next resolution not queued", "category", CategoryProcess, "ref", ref, "error", err)
	}
	m.RestartIncompleteJobs(m.ctx)
}

// Unpublish cancels every job of ref, withdraws it from the network if it
// was announced and forgets it.
func (m *Manager) Unpublish(ctx context.Context, ref types.PipelineRef) error {
	if !ref.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}

	hint := job.ForPipeline(ref)
	cancelled := 0
	for _, mgr := range []*jobmanager.Manager{m.importer, m.download, m.process, m.publish} {
		cancelled += mgr.Cancel(hint)
	}
	m.mu.Lock()
	delete(m.ladders, ref)
	m.mu.Unlock()

	rec, err := m.env.Repo.Get(ctx, ref)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if err == nil && rec.Published {
		if err := m.env.Publisher.Unpublish(ctx, ref); err != nil && !errors.Is(err, transfer.ErrNotPublished) {
			return fmt.Errorf("unpublish %s: %w", ref, err)
		}
	}

	if err := repository.SetIsImported(ctx, m.env.Repo, ref, false); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if err := m.env.Repo.Remove(ctx, ref); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if err := m.env.Repo.Checkpoint(ctx); err != nil {
		return err
	}

	m.log.Info("pipeline unpublished", "ref", ref, "cancelled_jobs", cancelled)
	return nil
}

// ============================================================================
// Clean-up
// ============================================================================

// AddCleanUp queues a clean-up job when neither the clean-up nor the import
// manager is busy. Every manager but clean-up and report is held until the
// job ends. It reports whether a job was queued.
func (m *Manager) AddCleanUp() bool {
	if !m.cleanup.IsIdle() || !m.importer.IsIdle() {
		m.log.Debug("clean up postponed", "category", CategoryCleanUp)
		return false
	}

	m.Pause()
	j := jobs.NewCleanUp(m.env)
	for _, ev := range []job.Event{job.EventCompleted, job.EventFailed, job.EventCancelled} {
		j.On(ev, func(*job.Job) { m.Resume() })
	}
	if !m.enqueue(m.cleanup, j) {
		m.Resume()
		return false
	}
	m.cleanup.Resume()
	m.report.Resume()
	return true
}

// ============================================================================
// Status reports
// ============================================================================

// AddReport queues a status report if the report manager is idle. Test
// servers never report.
func (m *Manager) AddReport() {
	if m.cfg.ServerType == types.ServerTest || m.isClosed() {
		return
	}
	if !m.report.IsIdle() {
		return
	}

	j, r := jobs.NewReportStatus(m.env, func() types.StatusReport { return m.CurrentStatus(m.ctx) }, m.cfg.ReportTimeout)
	r.OnResponse = m.ProcessResponse
	j.On(job.EventCompleted, func(*job.Job) {
		m.reportSent("ok")
		if _, ok := r.Response(); ok {
			m.journal.RemoveCompletedJobsFromJournal(r.FinishedIDs()...)
		}
	})
	j.On(job.EventFailed, func(j *job.Job) {
		if errors.Is(j.Err(), jobs.ErrReportTimeout) {
			m.reportSent("timeout")
		} else {
			m.reportSent("error")
		}
		m.log.Warn("status report failed", "category", CategoryReport, "error", j.Err())
	})
	m.submit(m.report, j)
}

func (m *Manager) reportSent(outcome string) {
	if m.metrics != nil {
		m.metrics.ReportSent(outcome)
	}
}

// CurrentStatus builds the report sent to the license server.
func (m *Manager) CurrentStatus(ctx context.Context) types.StatusReport {
	report := types.StatusReport{
		NodeID:     m.cfg.NodeID,
		Name:       m.cfg.Name,
		ServerType: m.cfg.ServerType,
		Operations: m.journal.Snapshot(),
		Pipelines:  make(map[types.PipelineStatusCode][]types.PipelineRef),
		CreatedAt:  time.Now().UTC(),
	}

	recs, err := m.env.Repo.List(ctx)
	if err != nil {
		m.log.Warn("pipeline status unavailable", "error", err)
		return report
	}
	for _, rec := range recs {
		if rec.Published {
			report.Pipelines[types.PipelinePublished] = append(report.Pipelines[types.PipelinePublished], rec.Ref)
		} else {
			report.Pipelines[types.PipelinePublishing] = append(report.Pipelines[types.PipelinePublishing], rec.Ref)
		}
		if !rec.Downloaded {
			report.Pipelines[types.PipelineDownloading] = append(report.Pipelines[types.PipelineDownloading], rec.Ref)
		}
	}
	return report
}

// ProcessResponse applies the requests carried by a license server answer.
// Import and Publish start the chain, Remove unpublishes. A failing request
// is logged and does not stop the others.
func (m *Manager) ProcessResponse(resp types.LicenseResponse) {
	m.respMu.Lock()
	defer m.respMu.Unlock()

	m.log.Info("processing license server response", "category", CategoryReport, "requests", len(resp.PipelineRequests))
	for _, req := range resp.PipelineRequests {
		ref := req.Ref()
		var err error
		switch req.Operation {
		case types.OperationImport, types.OperationPublish:
			err = m.Publish(m.ctx, ref)
		case types.OperationRemove:
			err = m.Unpublish(m.ctx, ref)
		default:
			m.log.Debug("ignoring license request", "operation", req.Operation, "ref", ref)
		}
		if err != nil {
			m.log.Error("license request failed", "operation", req.Operation, "ref", ref, "error", err)
		}
	}
}

// ============================================================================
// Restart
// ============================================================================

// RestartIncompleteJobs queues, for every idle stage manager, up to
// RestartBatch randomly chosen pipelines that still need that stage. A
// pipeline the engine cannot open is unpublished.
func (m *Manager) RestartIncompleteJobs(ctx context.Context) {
	var g errgroup.Group

	if m.process.IsIdle() {
		m.restartStage(ctx, &g, CategoryProcess, repository.NotProcessed, func(rec repository.Record) error {
			return m.addProcess(ctx, rec.Ref, rec.Name)
		})
	}
	if m.publish.IsIdle() {
		m.restartStage(ctx, &g, CategoryPublish, repository.NotPublished, func(rec repository.Record) error {
			m.addPublish(rec.Ref, rec.Name)
			return nil
		})
	}
	if m.download.IsIdle() {
		m.restartStage(ctx, &g, CategoryDownload, repository.NotDownloaded, func(rec repository.Record) error {
			m.addDownload(rec.Ref, rec.Name)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		m.log.Error("restarting incomplete jobs", "error", err)
	}
}

type lister func(context.Context, repository.Repository) ([]repository.Record, error)

func (m *Manager) restartStage(ctx context.Context, g *errgroup.Group, stage string, list lister, add func(repository.Record) error) {
	recs, err := list(ctx, m.env.Repo)
	if err != nil {
		m.log.Warn("listing incomplete pipelines failed", "category", stage, "error", err)
		return
	}
	recs = eligible(stage, recs)

	for _, rec := range pickRandom(recs, m.cfg.RestartBatch) {
		g.Go(func() error {
			p, err := m.env.Engine.Open(ctx, rec.Ref)
			if err != nil {
				m.log.Error("removing broken pipeline", "category", stage, "ref", rec.Ref, "error", err)
				if uerr := m.Unpublish(ctx, rec.Ref); uerr != nil {
					return fmt.Errorf("unpublish %s: %w", rec.Ref, uerr)
				}
				return nil
			}
			_ = p.Close()
			if err := add(rec); err != nil {
				m.log.Warn("job not restarted", "category", stage, "ref", rec.Ref, "error", err)
			}
			return nil
		})
	}
}

// eligible drops records an earlier stage still has to handle: only imported
// pipelines are downloaded, and only downloaded ones are published or
// processed.
func eligible(stage string, recs []repository.Record) []repository.Record {
	var out []repository.Record
	for _, rec := range recs {
		if !rec.Imported {
			continue
		}
		if stage != CategoryDownload && !rec.Downloaded {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// pickRandom returns up to n distinct elements of recs in random order.
func pickRandom(recs []repository.Record, n int) []repository.Record {
	if len(recs) <= n {
		return recs
	}
	out := make([]repository.Record, 0, n)
	for _, i := range rand.Perm(len(recs))[:n] {
		out = append(out, recs[i])
	}
	return out
}

// republish re-announces every pipeline the repository lists as published.
func (m *Manager) republish(ctx context.Context) {
	recs, err := m.env.Repo.List(ctx)
	if err != nil {
		m.log.Warn("republish skipped", "error", err)
		return
	}
	for _, rec := range recs {
		if !rec.Published {
			continue
		}
		if err := m.env.Publisher.Publish(ctx, rec.Ref); err != nil && !errors.Is(err, transfer.ErrAlreadyPublished) {
			m.log.Warn("republish failed", "category", CategoryPublish, "ref", rec.Ref, "error", err)
			continue
		}
		m.log.Info("pipeline republished", "category", CategoryPublish, "ref", rec.Ref, "name", rec.Name)
	}
}
