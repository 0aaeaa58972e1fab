package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecsafe/catalog"
	"github.com/hupe1980/vecsafe/inspect"
	"github.com/hupe1980/vecsafe/internal/fs"
	"github.com/hupe1980/vecsafe/vectorstore"
)

type fixture struct {
	fs       *fs.FaultyFS
	dataRoot string
	cat      *catalog.Store
	vs       *vectorstore.LocalStore
	mgr      *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	fsys := fs.NewFaultyFS(fs.LocalFS{})
	dataRoot := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dataRoot, catalog.DefaultFileName))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	vs := vectorstore.NewLocalStore(fsys, dataRoot)
	insp := inspect.New(fsys, dataRoot)

	mgr, err := NewManager(fsys, dataRoot, cat, insp, nil, opts)
	require.NoError(t, err)

	return &fixture{
		fs:       fsys,
		dataRoot: dataRoot,
		cat:      cat,
		vs:       vs,
		mgr:      mgr,
	}
}

func (f *fixture) addCollection(t *testing.T, id string, dim, n int) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.vs.Create(ctx, id, dim))

	vec := make([]float32, dim)
	for i := 0; i < n; i++ {
		vec[0] = float32(i)
		require.NoError(t, f.vs.Append(ctx, id, uint32(i), vec))
	}

	require.NoError(t, f.cat.Put(ctx, &catalog.CollectionRecord{
		ID:          id,
		DisplayName: "name-" + id,
		Embedding: catalog.EmbeddingDescriptor{
			Provider:  catalog.ProviderLocal,
			Dimension: dim,
		},
		ItemCount: int64(n),
	}))
}

func TestManagerCheckpointAndList(t *testing.T) {
	f := newFixture(t, Options{})
	f.addCollection(t, "c1", 4, 10)
	f.addCollection(t, "c2", 8, 3)

	ctx := context.Background()
	info, err := f.mgr.Checkpoint(ctx)
	require.NoError(t, err)
	require.Len(t, info.Collections, 2)
	assert.Greater(t, info.SizeBytes, int64(0))

	byID := make(map[string]CollectionEntry)
	for _, e := range info.Collections {
		byID[e.ID] = e
	}
	assert.Equal(t, int64(10), byID["c1"].ItemCount)
	assert.Equal(t, uint32(8), byID["c2"].Dimension)

	infos, err := f.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, info.ID, infos[0].ID)

	got, err := f.mgr.Get(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
}

func TestManagerCheckpointScoped(t *testing.T) {
	f := newFixture(t, Options{})
	f.addCollection(t, "c1", 4, 5)
	f.addCollection(t, "c2", 4, 5)

	ctx := context.Background()
	info, err := f.mgr.Checkpoint(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, info.Collections, 1)
	assert.Equal(t, "c1", info.Collections[0].ID)

	_, err = f.mgr.Checkpoint(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManagerRestore(t *testing.T) {
	f := newFixture(t, Options{})
	f.addCollection(t, "c1", 4, 7)

	ctx := context.Background()
	info, err := f.mgr.Checkpoint(ctx, "c1")
	require.NoError(t, err)

	// Mutate after the checkpoint, then lose the collection entirely.
	require.NoError(t, f.vs.Append(ctx, "c1", 100, []float32{1, 2, 3, 4}))
	require.NoError(t, f.vs.Drop(ctx, "c1"))
	require.NoError(t, f.cat.Delete(ctx, "c1"))

	require.NoError(t, f.mgr.Restore(ctx, info.ID))

	count, err := f.vs.Count("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)

	rec, err := f.cat.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "name-c1", rec.DisplayName)
}

func TestManagerRestoreUnknownCollection(t *testing.T) {
	f := newFixture(t, Options{})
	f.addCollection(t, "c1", 4, 2)

	ctx := context.Background()
	info, err := f.mgr.Checkpoint(ctx)
	require.NoError(t, err)

	err = f.mgr.Restore(ctx, info.ID, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	err = f.mgr.Restore(ctx, "bk_bogus")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManagerRestoreLZ4(t *testing.T) {
	f := newFixture(t, Options{Compression: CompressionLZ4})
	f.addCollection(t, "c1", 4, 5)

	ctx := context.Background()
	info, err := f.mgr.Checkpoint(ctx)
	require.NoError(t, err)
	require.Len(t, info.Collections, 1)
	assert.Equal(t, "c1.tar.lz4", info.Collections[0].Archive)

	require.NoError(t, f.vs.Drop(ctx, "c1"))
	require.NoError(t, f.mgr.Restore(ctx, info.ID))

	count, err := f.vs.Count("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestManagerCleanupRetention(t *testing.T) {
	f := newFixture(t, Options{})
	f.addCollection(t, "c1", 4, 1)

	ctx := context.Background()
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Ten archives aged 27, 24, ... 3, 0 days.
	for i := 9; i >= 0; i-- {
		age := time.Duration(i*3) * 24 * time.Hour
		f.mgr.now = func() time.Time { return base.Add(-age) }
		_, err := f.mgr.Checkpoint(ctx)
		require.NoError(t, err)
	}

	f.mgr.now = func() time.Time { return base }
	removed, err := f.mgr.Cleanup(ctx, RetentionPolicy{Count: 5, MaxAge: 7 * 24 * time.Hour})
	require.NoError(t, err)
	assert.Len(t, removed, 5)

	// Union of the five newest and everything younger than a week is
	// still the five newest here.
	infos, err := f.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 5)
	for _, info := range infos {
		assert.True(t, base.Sub(info.CreatedAt) <= 12*24*time.Hour)
	}
}

func TestManagerCleanupKeepsYoungArchivesBeyondCount(t *testing.T) {
	f := newFixture(t, Options{})
	f.addCollection(t, "c1", 4, 1)

	ctx := context.Background()
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	for i := 4; i >= 0; i-- {
		age := time.Duration(i) * 24 * time.Hour
		f.mgr.now = func() time.Time { return base.Add(-age) }
		_, err := f.mgr.Checkpoint(ctx)
		require.NoError(t, err)
	}

	// Count alone would keep one archive, but MaxAge retains all five.
	f.mgr.now = func() time.Time { return base }
	removed, err := f.mgr.Cleanup(ctx, RetentionPolicy{Count: 1, MaxAge: 10 * 24 * time.Hour})
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestManagerCheckpointAbortLeavesNoArchive(t *testing.T) {
	f := newFixture(t, Options{})
	f.addCollection(t, "c1", 4, 50)

	f.fs.AddRule(".tar.zst", fs.Fault{
		FailAfterBytes: 16,
		Err:            errors.New("disk full"),
	})

	ctx := context.Background()
	_, err := f.mgr.Checkpoint(ctx)
	require.Error(t, err)
	f.fs.Clear()

	infos, err := f.mgr.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)

	// Cleanup sweeps the aborted staging directory.
	_, err = f.mgr.Cleanup(ctx, RetentionPolicy{Count: 100})
	require.NoError(t, err)
	entries, err := f.fs.ReadDir(f.mgr.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCleanupSparesFreshStaging(t *testing.T) {
	f := newFixture(t, Options{})

	ctx := context.Background()
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	f.mgr.now = func() time.Time { return base }

	// A minutes-old staging directory may belong to a checkpoint that
	// is still building; only stale and unparseable ones are swept.
	fresh := filepath.Join(f.mgr.Root(), ".tmp_"+newArchiveID(base.Add(-time.Minute)))
	stale := filepath.Join(f.mgr.Root(), ".tmp_"+newArchiveID(base.Add(-2*time.Hour)))
	junk := filepath.Join(f.mgr.Root(), ".tmp_garbage")
	for _, dir := range []string{fresh, stale, junk} {
		require.NoError(t, f.fs.MkdirAll(dir, 0o755))
	}

	_, err := f.mgr.Cleanup(ctx, RetentionPolicy{Count: 100})
	require.NoError(t, err)

	_, err = f.fs.Stat(fresh)
	require.NoError(t, err)
	_, err = f.fs.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, err = f.fs.Stat(junk)
	require.True(t, os.IsNotExist(err))
}

func TestManagerRestoreRejectsCorruptArchive(t *testing.T) {
	f := newFixture(t, Options{})
	f.addCollection(t, "c1", 4, 5)

	ctx := context.Background()
	info, err := f.mgr.Checkpoint(ctx)
	require.NoError(t, err)

	// Flip bytes in the stored tarball.
	path := filepath.Join(info.Dir, "c1"+CompressionZstd.Ext())
	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0o644))

	err = f.mgr.Restore(ctx, info.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestManagerDelete(t *testing.T) {
	f := newFixture(t, Options{})
	f.addCollection(t, "c1", 4, 1)

	ctx := context.Background()
	info, err := f.mgr.Checkpoint(ctx)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Delete(ctx, info.ID))
	_, err = f.mgr.Get(ctx, info.ID)
	require.ErrorIs(t, err, ErrNotFound)

	err = f.mgr.Delete(ctx, info.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

type fakeReplicator struct {
	keys []string
}

func (r *fakeReplicator) Put(_ context.Context, key string, body io.Reader, _ int64) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	r.keys = append(r.keys, key)
	return nil
}

func (r *fakeReplicator) Delete(context.Context, string) error   { return nil }
func (r *fakeReplicator) List(context.Context) ([]string, error) { return nil, nil }

func TestManagerReplicateManifestLast(t *testing.T) {
	f := newFixture(t, Options{})
	f.addCollection(t, "c1", 4, 3)

	ctx := context.Background()
	info, err := f.mgr.Checkpoint(ctx)
	require.NoError(t, err)

	rep := &fakeReplicator{}
	require.NoError(t, f.mgr.Replicate(ctx, info.ID, rep))

	require.NotEmpty(t, rep.keys)
	assert.Equal(t, info.ID+"/"+ManifestFileName, rep.keys[len(rep.keys)-1])
	assert.Contains(t, rep.keys, info.ID+"/"+CatalogSnapshotName)
	assert.Contains(t, rep.keys, fmt.Sprintf("%s/c1%s", info.ID, CompressionZstd.Ext()))
}

func TestCompressionValidate(t *testing.T) {
	require.NoError(t, CompressionZstd.Validate())
	require.NoError(t, CompressionLZ4.Validate())
	require.Error(t, Compression("gzip").Validate())

	_, err := NewManager(fs.Default, t.TempDir(), nil, nil, nil, Options{Compression: "gzip"})
	require.Error(t, err)
}

func TestCompressionForName(t *testing.T) {
	c, ok := compressionForName("c1.tar.zst")
	require.True(t, ok)
	assert.Equal(t, CompressionZstd, c)

	c, ok = compressionForName("c1.tar.lz4")
	require.True(t, ok)
	assert.Equal(t, CompressionLZ4, c)

	_, ok = compressionForName(ManifestFileName)
	assert.False(t, ok)
}
