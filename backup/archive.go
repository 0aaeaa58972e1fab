package backup

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hupe1980/vecsafe/internal/fs"
)

const (
	// ManifestFileName is the per-archive manifest written last so that
	// its presence marks the archive as complete.
	ManifestFileName = "manifest.json"

	// CatalogSnapshotName is the catalog snapshot inside an archive.
	CatalogSnapshotName = "catalog.sqlite3"

	archivePrefix   = "bk_"
	manifestVersion = 1
)

// CollectionEntry records one collection captured in an archive.
type CollectionEntry struct {
	ID        string `json:"id"`
	SizeBytes int64  `json:"size_bytes"`
	ItemCount int64  `json:"item_count"`
	Dimension uint32 `json:"dimension"`
	Archive   string `json:"archive"` // filename inside the archive dir
	Checksum  uint32 `json:"crc32c"`
}

// Manifest describes a completed archive.
type Manifest struct {
	Version     int               `json:"version"`
	ID          string            `json:"id"`
	CreatedAt   time.Time         `json:"created_at"`
	Compression Compression       `json:"compression"`
	Collections []CollectionEntry `json:"collections"`
}

// Info is a listing entry for a completed archive.
type Info struct {
	ID          string
	Dir         string
	CreatedAt   time.Time
	SizeBytes   int64
	Collections []CollectionEntry
}

// newArchiveID derives an archive ID from its creation time. IDs sort
// chronologically, which List and Cleanup rely on.
func newArchiveID(t time.Time) string {
	return archivePrefix + t.UTC().Format("20060102T150405.000000000Z")
}

func parseArchiveID(id string) (time.Time, error) {
	if len(id) <= len(archivePrefix) || id[:len(archivePrefix)] != archivePrefix {
		return time.Time{}, fmt.Errorf("backup: malformed archive id %q", id)
	}
	return time.Parse("20060102T150405.000000000Z", id[len(archivePrefix):])
}

// saveManifest atomically writes the archive manifest. This is the last
// step of a checkpoint: a directory without a manifest is an aborted
// attempt and is ignored by List.
func saveManifest(fsys fs.FileSystem, dir string, m *Manifest) error {
	m.Version = manifestVersion
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(fsys, filepath.Join(dir, ManifestFileName), data, 0o644)
}

// loadManifest reads and validates an archive manifest.
func loadManifest(fsys fs.FileSystem, dir string) (*Manifest, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("backup: corrupt manifest in %s: %w", dir, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("backup: unsupported manifest version %d in %s", m.Version, dir)
	}

	return &m, nil
}
