package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ChuLiYu/geostream/internal/diskspace"
	"github.com/ChuLiYu/geostream/internal/engine"
	"github.com/ChuLiYu/geostream/internal/job"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// Freed-bytes status parameters, one per root.
const (
	ParamTempFreed          = "TempFreed"
	ParamProcessCacheFreed  = "ProcessCacheFreed"
	ParamDownloadCacheFreed = "DownloadCacheFreed"
)

// CleanUp reclaims disk space under the three working directories.
type CleanUp struct {
	env *Env
}

// NewCleanUp returns a pending clean-up job.
func NewCleanUp(env *Env) *job.Job {
	st := job.NewStatus(types.OperationCleanUp, "Clean up temporary files and caches")
	return job.New(job.Key{Kind: types.OperationCleanUp}, st, &CleanUp{env: env})
}

func (c *CleanUp) DoExecute(ctx context.Context, j *job.Job) error {
	st := j.Status()
	log := c.env.logger()

	temp, err := c.cleanTemp(ctx)
	if err != nil {
		return fmt.Errorf("clean temp: %w", err)
	}
	st.SetParameter(ParamTempFreed, strconv.FormatInt(temp, 10))

	caches, files, err := c.inUse(ctx)
	if err != nil {
		return err
	}

	proc, err := c.sweep(ctx, c.env.Paths.ProcessCache, func(path string) bool {
		for dir := range caches {
			if path == dir || strings.HasPrefix(dir, path+string(filepath.Separator)) {
				return true
			}
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("clean process cache: %w", err)
	}
	st.SetParameter(ParamProcessCacheFreed, strconv.FormatInt(proc, 10))

	dl, err := c.sweep(ctx, c.env.Paths.DownloadCache, func(path string) bool {
		_, ok := files[filepath.Base(path)]
		return ok
	})
	if err != nil {
		return fmt.Errorf("clean download cache: %w", err)
	}
	st.SetParameter(ParamDownloadCacheFreed, strconv.FormatInt(dl, 10))

	st.SetDescription(fmt.Sprintf("Clean up freed %d bytes (temp %d, process cache %d, downloads %d)", temp+proc+dl, temp, proc, dl))
	log.Info("clean up finished", "temp", temp, "process_cache", proc, "download_cache", dl)
	return nil
}

// cleanTemp empties the temp directory only when what it holds exceeds the
// free space left on its filesystem.
func (c *CleanUp) cleanTemp(ctx context.Context) (int64, error) {
	dir := c.env.Paths.Temp
	if dir == "" {
		return 0, nil
	}
	size, err := diskspace.DirSize(dir)
	if err != nil {
		return 0, err
	}
	free, err := c.env.Free(dir)
	if err != nil {
		return 0, err
	}
	if uint64(size) <= free {
		return 0, nil
	}
	return c.sweep(ctx, dir, func(string) bool { return false })
}

// inUse opens every known pipeline and collects the cache directories of
// its process graph and the names of its supporting files. A pipeline that
// cannot be opened contributes nothing.
func (c *CleanUp) inUse(ctx context.Context) (caches, files map[string]struct{}, err error) {
	recs, err := c.env.Repo.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	caches = make(map[string]struct{})
	files = make(map[string]struct{})
	for _, rec := range recs {
		if err := job.CheckCancelled(ctx); err != nil {
			return nil, nil, err
		}
		p, err := c.env.Engine.Open(ctx, rec.Ref)
		if err != nil {
			c.env.logger().Warn("clean up: pipeline unavailable", "ref", rec.Ref, "error", err)
			continue
		}
		caches[filepath.Clean(p.CacheDir())] = struct{}{}
		p.WalkDescendants(func(n engine.Node) bool {
			caches[filepath.Clean(n.CacheDir())] = struct{}{}
			return true
		})
		for _, f := range p.SupportingFiles() {
			files[filepath.Base(f.Name)] = struct{}{}
		}
		_ = p.Close()
	}
	return caches, files, nil
}

// sweep removes every top-level entry of root that keep rejects.
func (c *CleanUp) sweep(ctx context.Context, root string, keep func(path string) bool) (int64, error) {
	if root == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var freed int64
	for _, e := range entries {
		if err := job.CheckCancelled(ctx); err != nil {
			return freed, err
		}
		path := filepath.Join(root, e.Name())
		if keep(path) {
			continue
		}
		n, err := diskspace.RemoveAll(path)
		if err != nil {
			c.env.logger().Warn("clean up: remove failed", "path", path, "error", err)
			continue
		}
		freed += n
	}
	return freed, nil
}
