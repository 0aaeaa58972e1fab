package backup

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Replicator copies archive files to remote storage. Implementations
// live in the backup/s3 and backup/minio subpackages.
type Replicator interface {
	// Put streams one object. key is relative to the replicator's root
	// prefix, e.g. "bk_20260830T120000.000000000Z/c_ab12.tar.zst".
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Delete removes every object under the given key prefix.
	Delete(ctx context.Context, prefix string) error

	// List returns archive IDs present on the remote, derived from the
	// first path segment of stored keys.
	List(ctx context.Context) ([]string, error)
}

// Replicate uploads a completed archive. The manifest is uploaded last
// so a remote listing never shows a partially uploaded archive as
// complete, mirroring the local write order.
func (m *Manager) Replicate(ctx context.Context, archiveID string, r Replicator) error {
	info, err := m.Get(ctx, archiveID)
	if err != nil {
		return err
	}

	entries, err := m.fs.ReadDir(info.Dir)
	if err != nil {
		return err
	}

	upload := func(name string) error {
		path := filepath.Join(info.Dir, name)
		f, err := m.fs.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return err
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			return err
		}
		return r.Put(ctx, archiveID+"/"+name, f, fi.Size())
	}

	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ManifestFileName {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := upload(entry.Name()); err != nil {
			return err
		}
	}
	if err := upload(ManifestFileName); err != nil {
		return err
	}

	m.logger.Info("archive replicated", slog.String("archive", archiveID))
	return nil
}
