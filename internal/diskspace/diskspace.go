// Package diskspace measures free space and directory sizes.
package diskspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Free returns the bytes available to unprivileged users on the filesystem
// holding path. A path that does not exist yet is measured at its nearest
// existing parent.
func Free(path string) (uint64, error) {
	for {
		var st unix.Statfs_t
		err := unix.Statfs(path, &st)
		if err == nil {
			return st.Bavail * uint64(st.Bsize), nil
		}
		if !errors.Is(err, unix.ENOENT) {
			return 0, fmt.Errorf("statfs %s: %w", path, err)
		}
		parent := filepath.Dir(path)
		if parent == path {
			return 0, fmt.Errorf("statfs %s: %w", path, err)
		}
		path = parent
	}
}

// DirSize sums the sizes of regular files below root. A missing root is empty.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// RemoveAll deletes path and returns the bytes it held.
func RemoveAll(path string) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	size := info.Size()
	if info.IsDir() {
		if size, err = DirSize(path); err != nil {
			return 0, err
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return 0, err
	}
	return size, nil
}
