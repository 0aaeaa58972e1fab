package backup

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/vecsafe/internal/fs"
	"github.com/hupe1980/vecsafe/internal/hash"
)

// packDir writes the regular files of srcDir into a compressed tar at
// dstPath and returns the CRC32C of the written archive. Entries are
// stored flat under the directory's base name so that unpacking
// recreates `<base>/<file>`.
func packDir(fsys fs.FileSystem, srcDir, dstPath string, comp Compression) (int64, uint32, error) {
	entries, err := fsys.ReadDir(srcDir)
	if err != nil {
		return 0, 0, err
	}

	out, err := fsys.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, 0, err
	}
	crc := hash.NewCRC32C()

	var total int64
	err = func() error {
		cw, err := newCompressor(comp, io.MultiWriter(out, crc))
		if err != nil {
			return err
		}
		tw := tar.NewWriter(cw)

		base := filepath.Base(srcDir)
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return err
			}

			hdr := &tar.Header{
				Name:    base + "/" + entry.Name(),
				Mode:    0o644,
				Size:    info.Size(),
				ModTime: info.ModTime(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}

			src, err := fsys.OpenFile(filepath.Join(srcDir, entry.Name()), os.O_RDONLY, 0)
			if err != nil {
				return err
			}
			n, err := io.Copy(tw, src)
			src.Close()
			if err != nil {
				return err
			}
			total += n
		}

		if err := tw.Close(); err != nil {
			return err
		}
		return cw.Close()
	}()
	if err != nil {
		out.Close()
		fsys.Remove(dstPath)
		return 0, 0, err
	}

	if err := out.Sync(); err != nil {
		out.Close()
		fsys.Remove(dstPath)
		return 0, 0, err
	}
	if err := out.Close(); err != nil {
		fsys.Remove(dstPath)
		return 0, 0, err
	}

	return total, crc.Sum32(), nil
}

// checksumFile streams a file through CRC32C.
func checksumFile(fsys fs.FileSystem, path string) (uint32, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	crc := hash.NewCRC32C()
	if _, err := io.Copy(crc, f); err != nil {
		return 0, err
	}
	return crc.Sum32(), nil
}

// unpackTo extracts a compressed tar into dstRoot. The archive's
// top-level directory component is replaced with dirName, so a
// checkpoint can be restored under a different collection ID.
func unpackTo(fsys fs.FileSystem, srcPath, dstRoot, dirName string, comp Compression) error {
	in, err := fsys.OpenFile(srcPath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer in.Close()

	dr, err := newDecompressor(comp, in)
	if err != nil {
		return err
	}
	defer dr.Close()

	dstDir := filepath.Join(dstRoot, dirName)
	if err := fsys.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Base(filepath.Clean(hdr.Name))
		if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("backup: refusing tar entry %q", hdr.Name)
		}

		dst, err := fsys.OpenFile(filepath.Join(dstDir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(dst, tr); err != nil {
			dst.Close()
			return err
		}
		if err := dst.Sync(); err != nil {
			dst.Close()
			return err
		}
		if err := dst.Close(); err != nil {
			return err
		}
	}

	return fs.SyncDir(fsys, dstDir)
}
