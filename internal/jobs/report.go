package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/geostream/internal/job"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// DefaultReportTimeout bounds the wait for the license server.
const DefaultReportTimeout = 2 * time.Minute

// ReportStatus sends a status snapshot to the license server and waits a
// bounded time for the answer.
type ReportStatus struct {
	env     *Env
	build   func() types.StatusReport
	timeout time.Duration

	// OnResponse, if set, receives the answer before the job completes.
	OnResponse func(types.LicenseResponse)

	mu       sync.Mutex
	sent     types.StatusReport
	response *types.LicenseResponse
}

// NewReportStatus returns a pending report job and its executor, which
// exposes the sent report and the answer once the job has run.
func NewReportStatus(env *Env, build func() types.StatusReport, timeout time.Duration) (*job.Job, *ReportStatus) {
	if timeout <= 0 {
		timeout = DefaultReportTimeout
	}
	r := &ReportStatus{env: env, build: build, timeout: timeout}
	st := job.NewStatus(types.OperationReportStatus, "Report status to the license server")
	return job.New(job.Key{Kind: types.OperationReportStatus}, st, r), r
}

type reportResult struct {
	resp types.LicenseResponse
	err  error
}

func (r *ReportStatus) DoExecute(ctx context.Context, j *job.Job) error {
	report := r.build()
	r.mu.Lock()
	r.sent = report
	r.mu.Unlock()

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan reportResult, 1)
	go func() {
		resp, err := r.env.License.UpdateStatus(sendCtx, report)
		results <- reportResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			return fmt.Errorf("send status report: %w", res.err)
		}
		r.mu.Lock()
		r.response = &res.resp
		r.mu.Unlock()
		if r.OnResponse != nil {
			r.OnResponse(res.resp)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrReportTimeout, r.timeout)
	case <-ctx.Done():
		return job.ErrCancelled
	}
}

// Sent returns the report that was sent.
func (r *ReportStatus) Sent() types.StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// Response returns the license server's answer, if one arrived.
func (r *ReportStatus) Response() (types.LicenseResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.response == nil {
		return types.LicenseResponse{}, false
	}
	return *r.response, true
}

// FinishedIDs lists the operations the sent report carried in a terminal state.
func (r *ReportStatus) FinishedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, op := range r.sent.Operations {
		if op.Status.Terminal() {
			ids = append(ids, op.ID)
		}
	}
	return ids
}
