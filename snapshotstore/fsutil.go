package snapshotstore

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
)

// fsyncFile flushes path's data to stable storage.
func fsyncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// fsyncDir flushes the directory entry metadata for dir to stable storage.
// This is required in addition to fsyncing the files themselves: without it
// a crash can leave a file's data durable but its directory entry missing.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		// Some platforms (notably plain FAT/overlay mounts) don't support
		// fsync on directories; there's nothing more durable we can do.
		if pe, ok := err.(*os.PathError); ok && pe.Err == syscall.EINVAL {
			return nil
		}
		return err
	}
	return nil
}

// fsyncAllFiles walks dir recursively and fsyncs every regular file found,
// then fsyncs dir itself.
func fsyncAllFiles(dir string) error {
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			return fsyncFile(path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return fsyncDir(dir)
}

// atomicRename renames src to dst, failing with ErrAlreadyExists if dst is
// already present (it never overwrites). On success the parent directory of
// dst is fsynced so the rename itself survives a crash.
func atomicRename(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return ErrAlreadyExists
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		if linkErr, ok := err.(*os.LinkError); ok && linkErr.Err == syscall.EXDEV {
			if err := copyThenRemove(src, dst); err != nil {
				return err
			}
		} else {
			return err
		}
	}
	return fsyncDir(filepath.Dir(dst))
}

// copyThenRemove is the EXDEV fallback for atomicRename: src and dst live on
// different filesystems, so a plain rename can't be atomic. It copies the
// tree to a temporary sibling of dst, fsyncs it, renames it into place (which
// is atomic since both sides are now on dst's filesystem), then removes src.
func copyThenRemove(src, dst string) error {
	tmp := dst + ".tmp-copy"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := copyTree(src, tmp); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := fsyncAllFiles(tmp); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return err
	}
	entries, err := ioutil.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath, entry.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// recursiveDelete best-effort removes path and everything under it. Partial
// failures are logged, never propagated as a crash: a subsequent bootstrap
// or purge gets another chance to finish the job.
func recursiveDelete(logger log.Logger, path string) {
	if err := os.RemoveAll(path); err != nil {
		logger.Warn("Failed to remove path, will retry on next recovery", "path", path, "err", err)
	}
}

// listDir returns the names of dir's immediate children, or nil if dir
// doesn't exist.
func listDir(dir string) ([]string, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// dirIsEmpty reports whether dir has zero entries. A dir that doesn't exist
// counts as empty.
func dirIsEmpty(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if err == io.EOF {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}
