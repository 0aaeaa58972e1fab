package recovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecsafe/catalog"
	"github.com/hupe1980/vecsafe/inspect"
	"github.com/hupe1980/vecsafe/internal/fs"
	"github.com/hupe1980/vecsafe/vectorstore"
)

type fixture struct {
	dataRoot string
	cat      *catalog.Store
	vs       *vectorstore.LocalStore
	planner  *Planner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dataRoot := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dataRoot, catalog.DefaultFileName))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	fsys := fs.Default
	vs := vectorstore.NewLocalStore(fsys, dataRoot)
	insp := inspect.New(fsys, dataRoot)

	return &fixture{
		dataRoot: dataRoot,
		cat:      cat,
		vs:       vs,
		planner:  NewPlanner(fsys, dataRoot, cat, insp, nil),
	}
}

// addOrphan writes a physical collection with no catalog entry.
func (f *fixture) addOrphan(t *testing.T, id string, dim, n int) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.vs.Create(ctx, id, dim))
	vec := make([]float32, dim)
	for i := 0; i < n; i++ {
		require.NoError(t, f.vs.Append(ctx, id, uint32(i), vec))
	}
}

func (f *fixture) addCataloged(t *testing.T, id string, dim, n int) {
	t.Helper()

	f.addOrphan(t, id, dim, n)
	require.NoError(t, f.cat.Put(context.Background(), &catalog.CollectionRecord{
		ID:          id,
		DisplayName: "name-" + id,
		Embedding: catalog.EmbeddingDescriptor{
			Provider:  catalog.ProviderLocal,
			Dimension: dim,
		},
		ItemCount: int64(n),
	}))
}

func TestScanFindsOrphans(t *testing.T) {
	f := newFixture(t)
	f.addCataloged(t, "known", 4, 3)
	f.addOrphan(t, "lost", 8, 12)

	candidates, err := f.planner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, "lost", c.ID)
	assert.True(t, c.Recoverable)
	assert.Equal(t, uint32(8), c.Dimension)
	assert.Equal(t, int64(12), c.ItemCount)
}

func TestRecoveryRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.addOrphan(t, "lost", 16, 25)

	ctx := context.Background()
	plan, err := f.planner.Plan(ctx)
	require.NoError(t, err)
	require.Len(t, plan.Proposals, 1)
	assert.Empty(t, plan.Skipped)

	rec := plan.Proposals[0].Record
	assert.Equal(t, "recovered-lost", rec.DisplayName)
	assert.Equal(t, 16, rec.Embedding.Dimension)
	assert.Equal(t, "true", rec.Extra["recovered"])

	results, err := f.planner.Execute(ctx, plan)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	got, err := f.cat.Get(ctx, "lost")
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.ItemCount)

	// The directory is no longer an orphan.
	candidates, err := f.planner.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestScanRejectsCorruptHeader(t *testing.T) {
	f := newFixture(t)
	f.addOrphan(t, "broken", 4, 2)
	require.NoError(t, os.WriteFile(
		filepath.Join(f.dataRoot, "broken", vectorstore.HeaderFileName),
		[]byte("garbage"), 0o644))

	candidates, err := f.planner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.False(t, candidates[0].Recoverable)
	assert.Contains(t, candidates[0].Reason, "header")
}

func TestScanRejectsCountMismatch(t *testing.T) {
	f := newFixture(t)
	f.addOrphan(t, "short", 4, 5)
	// Truncate the length table so it disagrees with the header.
	require.NoError(t, os.WriteFile(
		filepath.Join(f.dataRoot, "short", vectorstore.LengthFileName),
		make([]byte, 4), 0o644))

	candidates, err := f.planner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.False(t, candidates[0].Recoverable)
	assert.Contains(t, candidates[0].Reason, "length table")
}

func TestExecuteReverifies(t *testing.T) {
	f := newFixture(t)
	f.addOrphan(t, "flaky", 4, 3)

	ctx := context.Background()
	plan, err := f.planner.Plan(ctx)
	require.NoError(t, err)
	require.Len(t, plan.Proposals, 1)

	// Corrupt the directory between planning and execution.
	require.NoError(t, os.Remove(filepath.Join(f.dataRoot, "flaky", vectorstore.IDsFileName)))

	results, err := f.planner.Execute(ctx, plan)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)

	_, err = f.cat.Get(ctx, "flaky")
	require.True(t, catalog.IsNotFound(err))
}

func TestQuarantine(t *testing.T) {
	f := newFixture(t)
	f.addOrphan(t, "bad", 4, 1)

	ctx := context.Background()
	dst, err := f.planner.Quarantine(ctx, "bad")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(dst), "bad_"))

	_, err = os.Stat(filepath.Join(f.dataRoot, "bad"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(dst)
	require.NoError(t, err)

	// Quarantined directories are invisible to further scans.
	candidates, err := f.planner.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	_, err = f.planner.Quarantine(ctx, "bad")
	require.Error(t, err)
}
