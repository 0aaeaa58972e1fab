package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ReadFile reads the whole file at path through fsys.
func ReadFile(fsys FileSystem, path string) ([]byte, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFileAtomic writes data to path via a temp file, fsync and rename, then
// syncs the parent directory. A crash mid-write leaves either the old content
// or the new content, never a torn file.
func WriteFileAtomic(fsys FileSystem, path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"

	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		fsys.Remove(tmp)
		return err
	}

	if err := fsys.Rename(tmp, path); err != nil {
		fsys.Remove(tmp)
		return err
	}

	return SyncDir(fsys, filepath.Dir(path))
}

// SyncDir fsyncs a directory to persist renames within it.
func SyncDir(fsys FileSystem, dir string) error {
	f, err := fsys.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// CopyFile copies a single regular file from src to dst through fsys.
func CopyFile(fsys FileSystem, src, dst string) error {
	in, err := fsys.OpenFile(src, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		fsys.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		fsys.Remove(dst)
		return err
	}
	return out.Close()
}

// CopyDir recursively copies the directory tree rooted at src into dst.
// dst must not exist; it is created with the permissions of src.
func CopyDir(fsys FileSystem, src, dst string) error {
	info, err := fsys.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("fs: copy source is not a directory: %s", src)
	}
	if err := fsys.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return err
	}

	entries, err := fsys.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := CopyDir(fsys, srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := CopyFile(fsys, srcPath, dstPath); err != nil {
			return err
		}
	}

	return SyncDir(fsys, dst)
}

// DirSize returns the total size in bytes of all regular files under dir.
func DirSize(fsys FileSystem, dir string) (int64, error) {
	var total int64

	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			sub, err := DirSize(fsys, path)
			if err != nil {
				return 0, err
			}
			total += sub
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}

	return total, nil
}
