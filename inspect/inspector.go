// Package inspect scans the data root for physical collection directories,
// independent of the catalog. Its output is one half of the consistency join;
// the other half comes from the catalog store.
package inspect

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecsafe/internal/fs"
	"github.com/hupe1980/vecsafe/vectorstore"
)

// Reserved directory names under the data root that are never collections.
var reservedDirs = map[string]bool{
	"backups":    true,
	"quarantine": true,
}

// PhysicalCollection describes one on-disk collection directory. Size and
// count are estimates read from directory stats and the header alone; the
// engine is never loaded.
type PhysicalCollection struct {
	ID             string
	Dir            string
	SizeBytes      int64
	EstimatedCount int64
	Dimension      int

	// Complete reports whether the directory carries the full set of engine
	// files. Dimension and EstimatedCount stay zero when the header is
	// unreadable even though the files are all present.
	Complete bool
}

// Inspector lists physical collections under a data root.
type Inspector struct {
	fs          fs.FileSystem
	root        string
	parallelism int
}

// New creates an Inspector over root. If fsys is nil the local file system is
// used.
func New(fsys fs.FileSystem, root string) *Inspector {
	if fsys == nil {
		fsys = fs.Default
	}
	return &Inspector{fs: fsys, root: root, parallelism: 4}
}

// Scan returns all physical collection directories under the data root,
// sorted by id. Reserved directories (backups, quarantine) and hidden
// directories are skipped. Incomplete collection directories are returned
// with Complete=false so callers can surface them instead of silently
// ignoring them.
func (in *Inspector) Scan(ctx context.Context) ([]PhysicalCollection, error) {
	entries, err := in.fs.ReadDir(in.root)
	if err != nil {
		return nil, fmt.Errorf("inspect: read data root %s: %w", in.root, err)
	}

	var (
		mu      sync.Mutex
		results []PhysicalCollection
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(in.parallelism)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if reservedDirs[name] || strings.HasPrefix(name, ".") {
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			pc, err := in.stat(name)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, pc)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// Lookup stats a single collection directory by id. The boolean result is
// false when no directory exists at all.
func (in *Inspector) Lookup(id string) (PhysicalCollection, bool, error) {
	dir := in.fs
	if _, err := dir.Stat(in.pathFor(id)); err != nil {
		return PhysicalCollection{}, false, nil
	}
	pc, err := in.stat(id)
	if err != nil {
		return PhysicalCollection{}, false, err
	}
	return pc, true, nil
}

// SampleItemBytes returns the byte length of the first stored vector,
// read from length.bin alone. ok is false for empty or incomplete
// collections. The header can agree with the catalog while the stored
// items are a different width; this reads one record to catch that.
func (in *Inspector) SampleItemBytes(id string) (uint32, bool, error) {
	dir := in.pathFor(id)
	if !vectorstore.IsCollectionDir(in.fs, dir) {
		return 0, false, nil
	}
	lengths, err := vectorstore.ReadVectorLengths(in.fs, dir)
	if err != nil {
		return 0, false, err
	}
	if len(lengths) == 0 {
		return 0, false, nil
	}
	return lengths[0], true, nil
}

func (in *Inspector) pathFor(id string) string {
	return filepath.Join(in.root, id)
}

func (in *Inspector) stat(id string) (PhysicalCollection, error) {
	dir := in.pathFor(id)

	pc := PhysicalCollection{ID: id, Dir: dir}

	size, err := fs.DirSize(in.fs, dir)
	if err != nil {
		return pc, fmt.Errorf("inspect: size of %s: %w", dir, err)
	}
	pc.SizeBytes = size

	if !vectorstore.IsCollectionDir(in.fs, dir) {
		return pc, nil
	}
	pc.Complete = true

	header, err := vectorstore.ReadHeader(in.fs, dir)
	if err != nil {
		// All engine files are present but the header does not parse. The
		// directory still counts as physical data; recovery decides whether
		// it is salvageable.
		return pc, nil
	}

	pc.EstimatedCount = int64(header.Count)
	pc.Dimension = int(header.Dimension)
	return pc, nil
}
