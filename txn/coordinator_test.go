package txn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecsafe/backup"
	"github.com/hupe1980/vecsafe/catalog"
	"github.com/hupe1980/vecsafe/consistency"
	"github.com/hupe1980/vecsafe/events"
	"github.com/hupe1980/vecsafe/inspect"
	"github.com/hupe1980/vecsafe/internal/fs"
	"github.com/hupe1980/vecsafe/internal/keymutex"
	"github.com/hupe1980/vecsafe/vectorstore"
)

type fixture struct {
	dataRoot string
	fsys     *fs.FaultyFS
	cat      *catalog.Store
	vs       *vectorstore.LocalStore
	checker  *consistency.Checker
	backups  *backup.Manager
	queue    *events.Queue
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dataRoot := t.TempDir()
	fsys := fs.NewFaultyFS(fs.LocalFS{})

	cat, err := catalog.Open(filepath.Join(dataRoot, catalog.DefaultFileName))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	vs := vectorstore.NewLocalStore(fsys, dataRoot)
	insp := inspect.New(fsys, dataRoot)
	checker := consistency.New(cat, insp)

	// The coordinator holds the collection locks itself, so its
	// checkpointer runs with private locks.
	backups, err := backup.NewManager(fsys, dataRoot, cat, insp, nil, backup.Options{})
	require.NoError(t, err)

	queue := events.NewQueue(64)
	coord := NewCoordinator(fsys, cat, vs, checker, backups, queue, keymutex.New(), Options{
		OpLogPath: filepath.Join(dataRoot, OpLogFileName),
	})

	return &fixture{
		dataRoot: dataRoot,
		fsys:     fsys,
		cat:      cat,
		vs:       vs,
		checker:  checker,
		backups:  backups,
		queue:    queue,
		coord:    coord,
	}
}

func record(id string, dim int) *catalog.CollectionRecord {
	return &catalog.CollectionRecord{
		ID:          id,
		DisplayName: "name-" + id,
		Embedding: catalog.EmbeddingDescriptor{
			Provider:  catalog.ProviderLocal,
			Dimension: dim,
		},
	}
}

// seed creates a committed collection with n items.
func (f *fixture) seed(t *testing.T, id string, dim, n int) {
	t.Helper()

	ctx := context.Background()
	o, err := f.coord.Create(ctx, record(id, dim))
	require.NoError(t, err)
	require.True(t, o.Committed())

	vec := make([]float32, dim)
	for i := 0; i < n; i++ {
		require.NoError(t, f.vs.Append(ctx, id, uint32(i+1), vec))
	}
	f.queue.Drain()
}

func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	report := f.checker.Check(context.Background(), true)
	require.NoError(t, report.Err)
	assert.True(t, report.Consistent(), "issues: %v", report.Issues)
}

func TestCreateCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.coord.Create(ctx, record("c1", 4))
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, o.State)
	assert.False(t, o.RolledBack)

	assert.True(t, f.vs.Exists("c1"))
	rec, err := f.cat.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "name-c1", rec.DisplayName)

	evs := f.queue.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindCreated, evs[0].Kind)
	assert.Equal(t, "c1", evs[0].CollectionID)

	log, err := ReadOpLog(f.fsys, filepath.Join(f.dataRoot, OpLogFileName))
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, OpCreate, log[0].Op)
	assert.Equal(t, StateCommitted, log[0].State)
}

func TestCreateDuplicateLeavesExistingIntact(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 3)

	ctx := context.Background()
	o, err := f.coord.Create(ctx, record("c1", 4))
	require.ErrorIs(t, err, catalog.ErrAlreadyExists)
	assert.Equal(t, StateFailed, o.State)

	// The pre-existing collection must be untouched.
	count, err := f.vs.Count("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	f.assertConsistent(t)
}

func TestCreateInvalidRecord(t *testing.T) {
	f := newFixture(t)

	o, err := f.coord.Create(context.Background(), record("", 4))
	require.ErrorIs(t, err, catalog.ErrInvalidRecord)
	assert.Equal(t, StateFailed, o.State)
}

func TestDeleteCommit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 5)

	ctx := context.Background()
	o, err := f.coord.Delete(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, o.State)
	assert.NotEmpty(t, o.CheckpointID)

	assert.False(t, f.vs.Exists("c1"))
	_, err = f.cat.Get(ctx, "c1")
	require.True(t, catalog.IsNotFound(err))

	evs := f.queue.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindDeleted, evs[0].Kind)
	assert.Equal(t, o.CheckpointID, evs[0].Details["checkpoint"])

	// The checkpoint outlives the commit.
	_, err = f.backups.Get(ctx, o.CheckpointID)
	require.NoError(t, err)
	f.assertConsistent(t)
}

func TestDeleteMissing(t *testing.T) {
	f := newFixture(t)

	o, err := f.coord.Delete(context.Background(), "ghost")
	require.True(t, catalog.IsNotFound(err))
	assert.Equal(t, StateFailed, o.State)
}

func TestDeleteRollbackOnVerifyFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 500)

	boom := errors.New("injected verify failure")
	f.coord.fail = func(op Op, s State) error {
		if op == OpDelete && s == StateVerifying {
			return boom
		}
		return nil
	}

	ctx := context.Background()
	o, err := f.coord.Delete(ctx, "c1")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateRolledBack, o.State)
	assert.True(t, o.RolledBack)
	f.coord.fail = nil

	// Rollback restored both sides and the store is consistent again.
	count, err := f.vs.Count("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), count)
	_, err = f.cat.Get(ctx, "c1")
	require.NoError(t, err)
	f.assertConsistent(t)

	// The checkpoint taken before the delete is still listed.
	require.NotEmpty(t, o.CheckpointID)
	_, err = f.backups.Get(ctx, o.CheckpointID)
	require.NoError(t, err)

	// No deleted event escaped.
	assert.Empty(t, f.queue.Drain())
	assert.False(t, f.coord.Halted("c1"))
}

func TestDeleteRollbackAtExecuting(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 10)

	boom := errors.New("injected executing failure")
	f.coord.fail = func(op Op, s State) error {
		if op == OpDelete && s == StateExecuting {
			return boom
		}
		return nil
	}

	o, err := f.coord.Delete(context.Background(), "c1")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateRolledBack, o.State)
	f.coord.fail = nil

	count, err := f.vs.Count("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
	f.assertConsistent(t)
}

func TestDeleteUnrecoverableHaltsCollection(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 5)

	boom := errors.New("injected verify failure")
	f.coord.fail = func(op Op, s State) error {
		if op == OpDelete && s == StateVerifying {
			return boom
		}
		return nil
	}
	// Break the rollback too: restoring the staging dir cannot land.
	f.fsys.FailRename(".restore_c1", errors.New("injected rename failure"))

	ctx := context.Background()
	o, err := f.coord.Delete(ctx, "c1")

	var unrec *UnrecoverableError
	require.ErrorAs(t, err, &unrec)
	assert.Equal(t, "c1", unrec.CollectionID)
	require.ErrorIs(t, unrec.Cause, boom)
	assert.Equal(t, StateFailed, o.State)

	f.coord.fail = nil
	f.fsys.Clear()

	// Further mutations on the halted id are rejected.
	assert.True(t, f.coord.Halted("c1"))
	_, err = f.coord.Delete(ctx, "c1")
	require.ErrorIs(t, err, ErrHalted)
	_, err = f.coord.Rename(ctx, "c1", "other")
	require.ErrorIs(t, err, ErrHalted)

	// Manual remedy: restore the checkpoint, then clear the halt.
	_, err = f.coord.Restore(ctx, o.CheckpointID)
	require.NoError(t, err)
	f.coord.ClearHalt("c1")
	assert.False(t, f.coord.Halted("c1"))

	count, err := f.vs.Count("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
	f.assertConsistent(t)
}

func TestRenameCommit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 20)

	ctx := context.Background()
	o, err := f.coord.Rename(ctx, "c1", "fresh-name")
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, o.State)
	require.Len(t, o.CollectionIDs, 2)
	newID := o.CollectionIDs[1]
	assert.True(t, len(newID) > 2 && newID[:2] == "c_")

	// Old pair gone, new pair complete.
	assert.False(t, f.vs.Exists("c1"))
	_, err = f.cat.Get(ctx, "c1")
	require.True(t, catalog.IsNotFound(err))

	count, err := f.vs.Count(newID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), count)
	rec, err := f.cat.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "fresh-name", rec.DisplayName)

	evs := f.queue.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindRenamed, evs[0].Kind)
	assert.Equal(t, newID, evs[0].CollectionID)
	assert.Equal(t, "c1", evs[0].Details["old_id"])

	f.assertConsistent(t)
}

func TestRenameToTakenNameFails(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 1)
	f.seed(t, "c2", 4, 1)

	o, err := f.coord.Rename(context.Background(), "c1", "name-c2")
	require.ErrorIs(t, err, catalog.ErrAlreadyExists)
	assert.Equal(t, StateFailed, o.State)
	f.assertConsistent(t)
}

func TestRenameRollbackBeforeOldDropped(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 10)

	boom := errors.New("injected verify failure")
	calls := 0
	f.coord.fail = func(op Op, s State) error {
		if op == OpRename && s == StateVerifying {
			calls++
			if calls == 1 { // first verify: new side built, old untouched
				return boom
			}
		}
		return nil
	}

	ctx := context.Background()
	o, err := f.coord.Rename(ctx, "c1", "fresh-name")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateRolledBack, o.State)
	f.coord.fail = nil

	// Old side intact, new side fully removed.
	count, err := f.vs.Count("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
	newID := o.CollectionIDs[1]
	assert.False(t, f.vs.Exists(newID))
	_, err = f.cat.Get(ctx, newID)
	require.True(t, catalog.IsNotFound(err))
	f.assertConsistent(t)
}

func TestRenameRollbackAfterOldDropped(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 10)

	boom := errors.New("injected verify failure")
	calls := 0
	f.coord.fail = func(op Op, s State) error {
		if op == OpRename && s == StateVerifying {
			calls++
			if calls == 2 { // second verify: old pair already dropped
				return boom
			}
		}
		return nil
	}

	ctx := context.Background()
	o, err := f.coord.Rename(ctx, "c1", "fresh-name")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateRolledBack, o.State)
	f.coord.fail = nil

	// The checkpoint restored the old pair; the new side is gone.
	count, err := f.vs.Count("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
	rec, err := f.cat.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "name-c1", rec.DisplayName)

	newID := o.CollectionIDs[1]
	assert.False(t, f.vs.Exists(newID))
	f.assertConsistent(t)
}

func TestRestoreArchive(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 8)

	ctx := context.Background()
	info, err := f.backups.Checkpoint(ctx, "c1")
	require.NoError(t, err)

	_, err = f.coord.Delete(ctx, "c1")
	require.NoError(t, err)
	f.queue.Drain()

	o, err := f.coord.Restore(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, o.State)

	count, err := f.vs.Count("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), count)

	evs := f.queue.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindRecovered, evs[0].Kind)
	f.assertConsistent(t)
}

func TestVersionGateBlocksMutations(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 1)

	gateErr := ErrIncompatibleVersion
	f.coord.gate = func(context.Context) error { return gateErr }

	ctx := context.Background()
	_, err := f.coord.Delete(ctx, "c1")
	require.ErrorIs(t, err, ErrIncompatibleVersion)
	_, err = f.coord.Create(ctx, record("c2", 4))
	require.ErrorIs(t, err, ErrIncompatibleVersion)

	// Override: the facade drops the gate on operator force.
	f.coord.gate = nil
	_, err = f.coord.Delete(ctx, "c1")
	require.NoError(t, err)
}

func TestLockedVisibleDuringOperation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 1)

	observed := false
	f.coord.fail = func(op Op, s State) error {
		if op == OpDelete && s == StateExecuting {
			observed = f.coord.Locked("c1")
		}
		return nil
	}

	_, err := f.coord.Delete(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, observed)
	assert.False(t, f.coord.Locked("c1"))
}

func TestOpLogRecordsFailures(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", 4, 1)

	boom := errors.New("injected")
	f.coord.fail = func(op Op, s State) error {
		if op == OpDelete && s == StateVerifying {
			return boom
		}
		return nil
	}
	_, err := f.coord.Delete(context.Background(), "c1")
	require.Error(t, err)
	f.coord.fail = nil

	log, err := ReadOpLog(f.fsys, filepath.Join(f.dataRoot, OpLogFileName))
	require.NoError(t, err)
	require.NotEmpty(t, log)

	// Only final states are ever logged.
	for _, rec := range log {
		assert.True(t, rec.State.Terminal())
	}

	last := log[len(log)-1]
	assert.Equal(t, OpDelete, last.Op)
	assert.Equal(t, StateRolledBack, last.State)
	assert.True(t, last.RolledBack)
	assert.Contains(t, last.Error, "injected")
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateCommitted.Terminal())
	assert.True(t, StateRolledBack.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateVerifying.Terminal())
}
