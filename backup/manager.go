package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecsafe/catalog"
	"github.com/hupe1980/vecsafe/inspect"
	"github.com/hupe1980/vecsafe/internal/diskfree"
	"github.com/hupe1980/vecsafe/internal/fs"
	"github.com/hupe1980/vecsafe/internal/keymutex"
)

var (
	// ErrNotFound is returned when a named archive or collection does
	// not exist.
	ErrNotFound = errors.New("backup: not found")

	// ErrInsufficientSpace is returned when the free-space preflight
	// rejects a checkpoint.
	ErrInsufficientSpace = errors.New("backup: insufficient disk space")
)

// Catalog is the slice of the catalog store the backup manager needs.
type Catalog interface {
	List(ctx context.Context) ([]*catalog.CollectionRecord, error)
	Upsert(ctx context.Context, rec *catalog.CollectionRecord) error
	Touch(ctx context.Context, id string) error
	SnapshotTo(ctx context.Context, dstPath string) error
}

// Storage enumerates physical collections under the data root.
type Storage interface {
	Scan(ctx context.Context) ([]inspect.PhysicalCollection, error)
	Lookup(id string) (inspect.PhysicalCollection, bool, error)
}

// RetentionPolicy decides which archives Cleanup keeps. An archive is
// kept when EITHER rule retains it: the Count newest archives survive,
// and so does every archive younger than MaxAge. Zero disables a rule.
type RetentionPolicy struct {
	Count  int
	MaxAge time.Duration
}

// Options configures a Manager.
type Options struct {
	// Root overrides where archives are written. Defaults to
	// <dataRoot>/backups.
	Root string

	// Compression selects the archive codec. Defaults to zstd.
	Compression Compression

	// MinFreeBytes is extra headroom required on top of the estimated
	// archive size during the preflight check.
	MinFreeBytes uint64

	// Parallelism bounds concurrent collection packing. Defaults to 4.
	Parallelism int

	// Logger receives structured progress output. Defaults to slog.Default.
	Logger *slog.Logger
}

// Manager creates, restores and prunes checkpoint archives.
//
// Archives live under <dataRoot>/backups/bk_<timestamp>/ and contain a
// catalog snapshot plus one compressed tar per collection. The manifest
// is written last; directories without one are aborted checkpoints and
// are invisible to List and Restore.
type Manager struct {
	fs       fs.FileSystem
	dataRoot string
	root     string
	catalog  Catalog
	storage  Storage
	locks    *keymutex.KeyedMutex
	comp     Compression
	minFree  uint64
	parallel int
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a backup manager rooted at dataRoot. locks must be
// the same keyed mutex the transactional layer uses, so checkpoints and
// mutations of the same collection serialize.
func NewManager(fsys fs.FileSystem, dataRoot string, cat Catalog, storage Storage, locks *keymutex.KeyedMutex, opts Options) (*Manager, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if opts.Compression == "" {
		opts.Compression = CompressionZstd
	}
	if err := opts.Compression.Validate(); err != nil {
		return nil, err
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if locks == nil {
		locks = keymutex.New()
	}

	root := opts.Root
	if root == "" {
		root = filepath.Join(dataRoot, "backups")
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	return &Manager{
		fs:       fsys,
		dataRoot: dataRoot,
		root:     root,
		catalog:  cat,
		storage:  storage,
		locks:    locks,
		comp:     opts.Compression,
		minFree:  opts.MinFreeBytes,
		parallel: opts.Parallelism,
		logger:   opts.Logger,
		now:      time.Now,
	}, nil
}

// Root returns the directory archives are written to.
func (m *Manager) Root() string { return m.root }

// Checkpoint captures the named collections, or every complete
// collection when ids is empty. It returns the completed archive.
//
// The write order makes crashes safe: everything lands in a hidden
// temp directory first, the manifest is written last, and only then is
// the directory renamed into place.
func (m *Manager) Checkpoint(ctx context.Context, ids ...string) (*Info, error) {
	targets, err := m.resolveTargets(ctx, ids)
	if err != nil {
		return nil, err
	}

	lockIDs := make([]string, len(targets))
	for i, t := range targets {
		lockIDs[i] = t.ID
	}
	m.locks.LockAll(lockIDs)
	defer m.locks.UnlockAll(lockIDs)

	if err := m.preflight(targets); err != nil {
		return nil, err
	}

	createdAt := m.now().UTC()
	id := newArchiveID(createdAt)
	tmpDir := filepath.Join(m.root, ".tmp_"+id)
	if err := m.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, err
	}

	info, err := m.build(ctx, tmpDir, id, createdAt, targets)
	if err != nil {
		m.fs.RemoveAll(tmpDir)
		return nil, err
	}

	finalDir := filepath.Join(m.root, id)
	if err := m.fs.Rename(tmpDir, finalDir); err != nil {
		m.fs.RemoveAll(tmpDir)
		return nil, err
	}
	if err := fs.SyncDir(m.fs, m.root); err != nil {
		return nil, err
	}
	info.Dir = finalDir

	m.logger.Info("checkpoint complete",
		slog.String("archive", id),
		slog.Int("collections", len(info.Collections)),
		slog.Int64("bytes", info.SizeBytes))

	return info, nil
}

func (m *Manager) build(ctx context.Context, dir, id string, createdAt time.Time, targets []inspect.PhysicalCollection) (*Info, error) {
	if err := m.catalog.SnapshotTo(ctx, filepath.Join(dir, CatalogSnapshotName)); err != nil {
		return nil, fmt.Errorf("backup: catalog snapshot: %w", err)
	}

	counts, err := m.itemCounts(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]CollectionEntry, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallel)

	for i, pc := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			name := pc.ID + m.comp.Ext()
			_, crc, err := packDir(m.fs, pc.Dir, filepath.Join(dir, name), m.comp)
			if err != nil {
				return fmt.Errorf("backup: pack %s: %w", pc.ID, err)
			}

			count, ok := counts[pc.ID]
			if !ok {
				count = pc.EstimatedCount
			}
			entries[i] = CollectionEntry{
				ID:        pc.ID,
				SizeBytes: pc.SizeBytes,
				ItemCount: count,
				Dimension: uint32(pc.Dimension),
				Archive:   name,
				Checksum:  crc,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	manifest := &Manifest{
		ID:          id,
		CreatedAt:   createdAt,
		Compression: m.comp,
		Collections: entries,
	}
	if err := saveManifest(m.fs, dir, manifest); err != nil {
		return nil, err
	}

	size, err := fs.DirSize(m.fs, dir)
	if err != nil {
		return nil, err
	}

	return &Info{
		ID:          id,
		Dir:         dir,
		CreatedAt:   createdAt,
		SizeBytes:   size,
		Collections: entries,
	}, nil
}

func (m *Manager) resolveTargets(ctx context.Context, ids []string) ([]inspect.PhysicalCollection, error) {
	if len(ids) == 0 {
		all, err := m.storage.Scan(ctx)
		if err != nil {
			return nil, err
		}
		targets := all[:0]
		for _, pc := range all {
			if pc.Complete {
				targets = append(targets, pc)
			}
		}
		return targets, nil
	}

	targets := make([]inspect.PhysicalCollection, 0, len(ids))
	for _, id := range ids {
		pc, ok, err := m.storage.Lookup(id)
		if err != nil {
			return nil, err
		}
		if !ok || !pc.Complete {
			return nil, fmt.Errorf("%w: collection %q", ErrNotFound, id)
		}
		targets = append(targets, pc)
	}
	return targets, nil
}

// preflight rejects checkpoints that would not fit on disk. The raw
// collection size is an upper bound on the compressed archive.
func (m *Manager) preflight(targets []inspect.PhysicalCollection) error {
	var need uint64
	for _, pc := range targets {
		need += uint64(pc.SizeBytes)
	}
	need += m.minFree

	free, err := diskfree.Free(m.root)
	if errors.Is(err, diskfree.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return err
	}
	if free < need {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientSpace, need, free)
	}
	return nil
}

func (m *Manager) itemCounts(ctx context.Context) (map[string]int64, error) {
	recs, err := m.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(recs))
	for _, rec := range recs {
		counts[rec.ID] = rec.ItemCount
	}
	return counts, nil
}

// List returns completed archives, newest first. Directories without a
// manifest (aborted checkpoints) are skipped.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	entries, err := m.fs.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var infos []Info
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		if _, err := parseArchiveID(entry.Name()); err != nil {
			continue
		}
		dir := filepath.Join(m.root, entry.Name())

		manifest, err := loadManifest(m.fs, dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			m.logger.Warn("skipping unreadable archive",
				slog.String("dir", dir), slog.Any("error", err))
			continue
		}

		size, err := fs.DirSize(m.fs, dir)
		if err != nil {
			return nil, err
		}
		infos = append(infos, Info{
			ID:          manifest.ID,
			Dir:         dir,
			CreatedAt:   manifest.CreatedAt,
			SizeBytes:   size,
			Collections: manifest.Collections,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// Get returns the archive with the given ID.
func (m *Manager) Get(ctx context.Context, id string) (*Info, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].ID == id {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("%w: archive %q", ErrNotFound, id)
}

// Restore extracts the named collections from an archive back into the
// data root and reinstates their catalog records from the snapshot.
// When ids is empty every collection in the archive is restored.
// Existing collection directories are replaced.
func (m *Manager) Restore(ctx context.Context, archiveID string, ids ...string) error {
	info, err := m.Get(ctx, archiveID)
	if err != nil {
		return err
	}
	manifest, err := loadManifest(m.fs, info.Dir)
	if err != nil {
		return err
	}

	targets := manifest.Collections
	if len(ids) > 0 {
		byID := make(map[string]CollectionEntry, len(manifest.Collections))
		for _, e := range manifest.Collections {
			byID[e.ID] = e
		}
		targets = targets[:0]
		for _, id := range ids {
			e, ok := byID[id]
			if !ok {
				return fmt.Errorf("%w: collection %q in archive %q", ErrNotFound, id, archiveID)
			}
			targets = append(targets, e)
		}
	}

	snapshot, err := catalog.Open(filepath.Join(info.Dir, CatalogSnapshotName))
	if err != nil {
		return fmt.Errorf("backup: open catalog snapshot: %w", err)
	}
	defer snapshot.Close()

	lockIDs := make([]string, len(targets))
	for i, e := range targets {
		lockIDs[i] = e.ID
	}
	m.locks.LockAll(lockIDs)
	defer m.locks.UnlockAll(lockIDs)

	for _, e := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.restoreOne(ctx, info.Dir, manifest.Compression, snapshot, e); err != nil {
			return err
		}
		m.logger.Info("collection restored",
			slog.String("archive", archiveID),
			slog.String("collection", e.ID))
	}
	return nil
}

func (m *Manager) restoreOne(ctx context.Context, archiveDir string, comp Compression, snapshot *catalog.Store, e CollectionEntry) error {
	// The entry's filename names its codec; the manifest-level field is
	// the fallback.
	if c, ok := compressionForName(e.Archive); ok {
		comp = c
	}

	// Refuse to restore from a damaged archive.
	crc, err := checksumFile(m.fs, filepath.Join(archiveDir, e.Archive))
	if err != nil {
		return err
	}
	if crc != e.Checksum {
		return fmt.Errorf("backup: checksum mismatch for %s in %s", e.ID, archiveDir)
	}

	// Unpack next to the target, then swap. A crash mid-unpack leaves
	// only a hidden staging directory behind.
	staging := ".restore_" + e.ID
	stagingDir := filepath.Join(m.dataRoot, staging)
	m.fs.RemoveAll(stagingDir)

	if err := unpackTo(m.fs, filepath.Join(archiveDir, e.Archive), m.dataRoot, staging, comp); err != nil {
		m.fs.RemoveAll(stagingDir)
		return fmt.Errorf("backup: unpack %s: %w", e.ID, err)
	}

	finalDir := filepath.Join(m.dataRoot, e.ID)
	if err := m.fs.RemoveAll(finalDir); err != nil {
		m.fs.RemoveAll(stagingDir)
		return err
	}
	if err := m.fs.Rename(stagingDir, finalDir); err != nil {
		m.fs.RemoveAll(stagingDir)
		return err
	}
	if err := fs.SyncDir(m.fs, m.dataRoot); err != nil {
		return err
	}

	rec, err := snapshot.Get(ctx, e.ID)
	if err != nil {
		if catalog.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := m.catalog.Upsert(ctx, rec); err != nil {
		return err
	}
	// The record is confirmed against freshly restored data.
	return m.catalog.Touch(ctx, e.ID)
}

// Delete removes an archive.
func (m *Manager) Delete(ctx context.Context, archiveID string) error {
	info, err := m.Get(ctx, archiveID)
	if err != nil {
		return err
	}
	if err := m.fs.RemoveAll(info.Dir); err != nil {
		return err
	}
	return fs.SyncDir(m.fs, m.root)
}

// Cleanup prunes archives per the retention policy and returns the IDs
// of the removed archives. Also sweeps aborted checkpoint directories.
func (m *Manager) Cleanup(ctx context.Context, policy RetentionPolicy) ([]string, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := m.now().UTC().Add(-policy.MaxAge)
	var removed []string
	for i, info := range infos {
		keep := false
		if policy.Count > 0 && i < policy.Count {
			keep = true
		}
		if policy.MaxAge > 0 && info.CreatedAt.After(cutoff) {
			keep = true
		}
		if keep {
			continue
		}
		if err := m.fs.RemoveAll(info.Dir); err != nil {
			return removed, err
		}
		removed = append(removed, info.ID)
		m.logger.Info("archive pruned", slog.String("archive", info.ID))
	}

	if err := m.sweepAborted(); err != nil {
		return removed, err
	}
	if len(removed) > 0 {
		if err := fs.SyncDir(m.fs, m.root); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// abortedGrace protects staging directories of checkpoints that may
// still be building. Staging names embed the archive timestamp, so age
// is known without trusting file mtimes.
const abortedGrace = time.Hour

func (m *Manager) sweepAborted() error {
	entries, err := m.fs.ReadDir(m.root)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), ".tmp_") {
			continue
		}
		// A concurrent Checkpoint may still be filling this directory.
		if createdAt, err := parseArchiveID(strings.TrimPrefix(entry.Name(), ".tmp_")); err == nil {
			if now.Sub(createdAt) < abortedGrace {
				continue
			}
		}
		if err := m.fs.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
