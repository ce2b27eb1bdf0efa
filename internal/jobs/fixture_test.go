package jobs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/geostream/internal/engine/localengine"
	"github.com/ChuLiYu/geostream/internal/license"
	"github.com/ChuLiYu/geostream/internal/repository"
	"github.com/ChuLiYu/geostream/internal/tilecache"
	"github.com/ChuLiYu/geostream/internal/transfer"
	"github.com/ChuLiYu/geostream/pkg/types"
)

type fixture struct {
	env        *Env
	repo       *repository.FileStore
	downloader *fakeDownloader
	publisher  *transfer.LocalPublisher
	license    *fakeLicense
	tiles      *tilecache.FileCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	paths := Paths{
		Temp:          filepath.Join(root, "tmp"),
		ProcessCache:  filepath.Join(root, "cache"),
		DownloadCache: filepath.Join(root, "downloads"),
	}
	for _, d := range []string{paths.Temp, paths.ProcessCache, paths.DownloadCache} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	repo, err := repository.OpenFileStore(filepath.Join(root, "pipelines.json"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	tiles, err := tilecache.NewFileCache(filepath.Join(root, "tiles"))
	require.NoError(t, err)

	eng := localengine.New(func(ctx context.Context, ref types.PipelineRef) (string, error) {
		return repository.Definition(ctx, repo, ref)
	}, paths.DownloadCache, paths.ProcessCache)

	f := &fixture{
		repo:       repo,
		downloader: &fakeDownloader{dir: paths.DownloadCache, fail: map[string]error{}},
		publisher:  transfer.NewLocalPublisher(nil),
		license:    &fakeLicense{defs: map[types.PipelineRef]string{}},
		tiles:      tiles,
	}
	f.env = &Env{
		Engine:       eng,
		Repo:         repo,
		Downloader:   f.downloader,
		Publisher:    f.publisher,
		License:      f.license,
		Tiles:        tiles,
		Paths:        paths,
		MinFreeBytes: 1,
		FreeSpace:    func(string) (uint64, error) { return 1 << 40, nil },
	}
	return f
}

// addPipeline stores def in the repository as an imported pipeline.
func (f *fixture) addPipeline(t *testing.T, def localengine.Definition) {
	t.Helper()
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	require.NoError(t, f.repo.Upsert(context.Background(), repository.Record{
		Ref:        def.Ref,
		Name:       def.Name,
		Definition: string(raw),
		Imported:   true,
	}))
}

// writeSupportingFiles puts every supporting file of def on disk.
func (f *fixture) writeSupportingFiles(t *testing.T, def localengine.Definition) {
	t.Helper()
	for _, sf := range def.SupportingFiles {
		require.NoError(t, os.WriteFile(filepath.Join(f.env.Paths.DownloadCache, sf.Name), make([]byte, sf.Size), 0o644))
	}
}

func (f *fixture) record(t *testing.T, ref types.PipelineRef) repository.Record {
	t.Helper()
	rec, err := f.repo.Get(context.Background(), ref)
	require.NoError(t, err)
	return rec
}

func coverage(ref types.PipelineRef, native int, files ...types.SupportingFile) localengine.Definition {
	return localengine.Definition{
		Ref:              ref,
		Name:             "pipeline " + string(ref),
		Coverage:         true,
		NativeResolution: native,
		BaseTiles:        1,
		SupportingFiles:  files,
		Processes:        []string{string(ref) + "/style"},
	}
}

type fakeDownloader struct {
	dir  string
	fail map[string]error
	// hold, if set, delays the whole manifest until it is closed or ctx ends.
	hold chan struct{}

	mu        sync.Mutex
	submitted [][]types.ManifestEntry
}

func (d *fakeDownloader) Submit(ctx context.Context, manifest []types.ManifestEntry, cb transfer.Callbacks) {
	d.mu.Lock()
	d.submitted = append(d.submitted, manifest)
	d.mu.Unlock()

	go func() {
		defer cb.Done()
		if d.hold != nil {
			select {
			case <-d.hold:
			case <-ctx.Done():
			}
		}
		for _, e := range manifest {
			if err := ctx.Err(); err != nil {
				cb.Failed(e, err)
				continue
			}
			if err := d.fail[e.Name]; err != nil {
				cb.Failed(e, err)
				continue
			}
			cb.Progress(e, e.Size)
			path := filepath.Join(d.dir, e.Name)
			if err := os.WriteFile(path, make([]byte, e.Size), 0o644); err != nil {
				cb.Failed(e, err)
				continue
			}
			cb.Completed(e, path)
		}
	}()
}

func (d *fakeDownloader) submissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.submitted)
}

type fakeLicense struct {
	mu    sync.Mutex
	defs  map[types.PipelineRef]string
	resp  types.LicenseResponse
	err   error
	block chan struct{}
	got   []types.StatusReport
}

func (l *fakeLicense) UpdateStatus(ctx context.Context, report types.StatusReport) (types.LicenseResponse, error) {
	l.mu.Lock()
	l.got = append(l.got, report)
	block, resp, err := l.block, l.resp, l.err
	l.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return types.LicenseResponse{}, ctx.Err()
		}
	}
	return resp, err
}

func (l *fakeLicense) GetPipelineDefinition(_ context.Context, ref types.PipelineRef) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	def, ok := l.defs[ref]
	if !ok {
		return "", license.ErrNotFound
	}
	return def, nil
}
