package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ChuLiYu/geostream/internal/job"
	"github.com/ChuLiYu/geostream/internal/repository"
	"github.com/ChuLiYu/geostream/internal/transfer"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// Download fetches the supporting files a pipeline is missing.
type Download struct {
	env *Env
	ref types.PipelineRef
}

// NewDownload returns a pending download job for ref.
func NewDownload(env *Env, ref types.PipelineRef, name string) *job.Job {
	return newPipelineJob(types.OperationDownload, ref, "",
		fmt.Sprintf("Download pipeline '%s=%s'", name, ref),
		&Download{env: env, ref: ref})
}

func (d *Download) DoExecute(ctx context.Context, j *job.Job) error {
	p, err := d.env.Engine.Open(ctx, d.ref)
	if err != nil {
		return err
	}
	defer p.Close()

	var manifest []types.ManifestEntry
	for _, f := range p.SupportingFiles() {
		if _, err := os.Stat(f.Path); err == nil {
			continue
		}
		manifest = append(manifest, types.ManifestEntry{Name: f.Name, Size: f.Size, Checksum: f.Checksum})
	}

	if len(manifest) > 0 {
		if err := d.fetch(ctx, j.Status(), manifest); err != nil {
			return err
		}
	}
	if err := job.CheckCancelled(ctx); err != nil {
		return err
	}

	if err := p.Reinitialize(ctx, true); err != nil {
		return fmt.Errorf("reinitialize %s: %w", d.ref, err)
	}
	if err := repository.SetIsDownloaded(ctx, d.env.Repo, d.ref, true); err != nil {
		return err
	}
	d.env.checkpoint(ctx)
	return nil
}

// fetch submits the manifest and blocks until every entry is reported.
// Progress is the byte total across all entries.
func (d *Download) fetch(ctx context.Context, st *job.Status, manifest []types.ManifestEntry) error {
	var total int64
	for _, e := range manifest {
		total += e.Size
	}
	st.SetProgress(0, total, "bytes")

	var (
		mu       sync.Mutex
		received = make(map[string]int64, len(manifest))
		errs     []error
		closed   bool
	)
	report := func() {
		var sum int64
		for _, n := range received {
			sum += n
		}
		st.SetProgress(sum, total, "bytes")
	}

	done := make(chan struct{})
	d.env.Downloader.Submit(ctx, manifest, transfer.Callbacks{
		Progress: func(e types.ManifestEntry, n int64) {
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return
			}
			received[e.Name] = n
			report()
		},
		Failed: func(e types.ManifestEntry, err error) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
			// bytes of a rejected file do not count
			if closed || received[e.Name] == 0 {
				return
			}
			delete(received, e.Name)
			report()
		},
		Completed: func(e types.ManifestEntry, _ string) {
			mu.Lock()
			defer mu.Unlock()
			if closed || received[e.Name] == e.Size {
				return
			}
			received[e.Name] = e.Size
			report()
		},
		Done: func() { close(done) },
	})

	select {
	case <-done:
	case <-ctx.Done():
		mu.Lock()
		closed = true
		mu.Unlock()
		return job.ErrCancelled
	}

	mu.Lock()
	defer mu.Unlock()
	closed = true
	if len(errs) > 0 {
		return fmt.Errorf("download %s: %d of %d files failed: %w", d.ref, len(errs), len(manifest), errors.Join(errs...))
	}
	return nil
}
