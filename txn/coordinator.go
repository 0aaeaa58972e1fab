package txn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecsafe/backup"
	"github.com/hupe1980/vecsafe/catalog"
	"github.com/hupe1980/vecsafe/consistency"
	"github.com/hupe1980/vecsafe/events"
	"github.com/hupe1980/vecsafe/internal/fs"
	"github.com/hupe1980/vecsafe/internal/keymutex"
	"github.com/hupe1980/vecsafe/vectorstore"
)

// Catalog is the slice of the catalog store the coordinator needs.
type Catalog interface {
	Get(ctx context.Context, id string) (*catalog.CollectionRecord, error)
	GetByDisplayName(ctx context.Context, name string) (*catalog.CollectionRecord, error)
	Put(ctx context.Context, rec *catalog.CollectionRecord) error
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}

// Checker verifies the catalog and physical state agree after a
// mutation.
type Checker interface {
	CheckScoped(ctx context.Context, ids ...string) *consistency.Report
}

// Checkpointer creates and restores archives. The implementation must
// NOT take collection locks of its own; the coordinator already holds
// them when it checkpoints.
type Checkpointer interface {
	Checkpoint(ctx context.Context, ids ...string) (*backup.Info, error)
	Restore(ctx context.Context, archiveID string, ids ...string) error
	Get(ctx context.Context, archiveID string) (*backup.Info, error)
}

// Gate decides whether mutations are allowed. See the version package;
// a nil gate allows everything.
type Gate func(ctx context.Context) error

// Options configures a Coordinator.
type Options struct {
	// Gate blocks mutations when the data format is incompatible.
	Gate Gate

	// OpLogPath is where the JSONL operations log is appended.
	// Defaults to <dataRoot>/operations.log via the facade.
	OpLogPath string

	// Logger receives structured operation output.
	Logger *slog.Logger
}

// Coordinator runs collection mutations as checkpoint / execute /
// verify / commit-or-rollback sequences.
//
// Every mutation holds the per-collection lock for its whole duration,
// emits its event before releasing the lock, and appends an Outcome to
// the operations log whether it committed or not.
type Coordinator struct {
	catalog Catalog
	vectors vectorstore.Store
	checker Checker
	backups Checkpointer
	queue   *events.Queue
	locks   *keymutex.KeyedMutex
	gate    Gate
	oplog   *opLog
	logger  *slog.Logger
	now     func() time.Time
	seq     atomic.Uint64

	mu     sync.Mutex
	halted map[string]struct{}

	// fail injects an error when an operation enters the given state.
	// Test hook only.
	fail func(op Op, s State) error
}

// NewCoordinator wires a coordinator. locks may be shared with other
// subsystems so scans can discount collections that are mid-operation.
func NewCoordinator(fsys fs.FileSystem, cat Catalog, vectors vectorstore.Store, checker Checker, backups Checkpointer, queue *events.Queue, locks *keymutex.KeyedMutex, opts Options) *Coordinator {
	if fsys == nil {
		fsys = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if locks == nil {
		locks = keymutex.New()
	}
	if queue == nil {
		queue = events.NewQueue(0)
	}
	if opts.OpLogPath == "" {
		opts.OpLogPath = OpLogFileName
	}

	return &Coordinator{
		catalog: cat,
		vectors: vectors,
		checker: checker,
		backups: backups,
		queue:   queue,
		locks:   locks,
		gate:    opts.Gate,
		oplog:   newOpLog(fsys, opts.OpLogPath),
		logger:  opts.Logger,
		now:     time.Now,
		halted:  make(map[string]struct{}),
	}
}

// Locked reports whether an operation currently holds the collection.
// Scan consumers use this to discount transient inconsistencies.
func (c *Coordinator) Locked(id string) bool {
	return c.locks.Locked(id)
}

// Halted reports whether mutations on the collection are rejected
// because a rollback failed.
func (c *Coordinator) Halted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.halted[id]
	return ok
}

// ClearHalt lifts the halt on a collection. Call only after the state
// was repaired manually, typically by restoring its checkpoint.
func (c *Coordinator) ClearHalt(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.halted, id)

	c.logger.Info("halt cleared", slog.String("collection", id))
}

func (c *Coordinator) halt(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted[id] = struct{}{}
}

// NewCollectionID mints a fresh collection ID from a display name. A
// nonce keeps repeated renames to the same name from colliding.
func (c *Coordinator) NewCollectionID(displayName string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d", displayName, c.now().UnixNano(), c.seq.Add(1)))
	return "c_" + hex.EncodeToString(sum[:8])
}

func (c *Coordinator) begin(op Op, ids ...string) *Outcome {
	return &Outcome{
		OperationID:   fmt.Sprintf("op_%s_%06d", c.now().UTC().Format("20060102T150405"), c.seq.Add(1)),
		Op:            op,
		CollectionIDs: ids,
		State:         StatePending,
		StartedAt:     c.now().UTC(),
	}
}

func (c *Coordinator) finish(o *Outcome, state State, err error) (*Outcome, error) {
	o.State = state
	o.RolledBack = state == StateRolledBack
	o.Err = err
	o.FinishedAt = c.now().UTC()

	if lerr := c.oplog.Append(o); lerr != nil {
		c.logger.Error("operations log append failed", slog.Any("error", lerr))
	}

	attrs := []any{
		slog.String("operation", o.OperationID),
		slog.String("op", string(o.Op)),
		slog.Any("collections", o.CollectionIDs),
		slog.String("state", string(state)),
	}
	if err != nil {
		c.logger.Error("operation did not commit", append(attrs, slog.Any("error", err))...)
	} else {
		c.logger.Info("operation committed", attrs...)
	}
	return o, err
}

// enter marks a state transition and fires the test fault hook.
func (c *Coordinator) enter(o *Outcome, s State) error {
	o.State = s
	if c.fail != nil {
		return c.fail(o.Op, s)
	}
	return nil
}

// admit runs the shared preconditions while holding the locks.
func (c *Coordinator) admit(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if c.Halted(id) {
			return fmt.Errorf("%w: %s", ErrHalted, id)
		}
	}
	if c.gate != nil {
		if err := c.gate(ctx); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// verifyScoped runs a scoped consistency check and converts findings
// into an IntegrityError.
func (c *Coordinator) verifyScoped(ctx context.Context, phase State, ids ...string) error {
	report := c.checker.CheckScoped(ctx, ids...)
	if report.Err != nil {
		return &IntegrityError{CollectionID: ids[0], Phase: phase, Cause: report.Err}
	}
	if !report.Consistent() {
		return &IntegrityError{CollectionID: ids[0], Phase: phase, Issues: report.Issues}
	}
	return nil
}

// Create makes a new collection: physical directory first, catalog
// record second, then a scoped verification. No checkpoint is taken;
// rollback of a half-made create is removal.
func (c *Coordinator) Create(ctx context.Context, rec *catalog.CollectionRecord) (*Outcome, error) {
	o := c.begin(OpCreate, rec.ID)

	if err := rec.Validate(); err != nil {
		return c.finish(o, StateFailed, err)
	}

	c.locks.Lock(rec.ID)
	defer c.locks.Unlock(rec.ID)

	if err := c.admit(ctx, rec.ID); err != nil {
		return c.finish(o, StateFailed, err)
	}

	// Refuse up front so a failed create never tears down a collection
	// that predates it.
	if ok, err := c.catalog.Exists(ctx, rec.ID); err != nil {
		return c.finish(o, StateFailed, err)
	} else if ok || c.vectors.Exists(rec.ID) {
		return c.finish(o, StateFailed, fmt.Errorf("%w: collection %q", catalog.ErrAlreadyExists, rec.ID))
	}

	if err := c.createBody(ctx, o, rec); err != nil {
		if rerr := c.undoCreate(ctx, rec.ID); rerr != nil {
			c.halt(rec.ID)
			return c.finish(o, StateFailed, &UnrecoverableError{CollectionID: rec.ID, RollbackErr: rerr, Cause: err})
		}
		return c.finish(o, StateRolledBack, err)
	}

	c.queue.Append(events.KindCreated, rec.ID, map[string]string{
		"display_name": rec.DisplayName,
	})
	return c.finish(o, StateCommitted, nil)
}

func (c *Coordinator) createBody(ctx context.Context, o *Outcome, rec *catalog.CollectionRecord) error {
	if err := c.enter(o, StateExecuting); err != nil {
		return err
	}
	if err := c.vectors.Create(ctx, rec.ID, rec.Embedding.Dimension); err != nil {
		return err
	}
	if err := c.catalog.Put(ctx, rec); err != nil {
		return err
	}

	if err := c.enter(o, StateVerifying); err != nil {
		return err
	}
	return c.verifyScoped(ctx, StateVerifying, rec.ID)
}

func (c *Coordinator) undoCreate(ctx context.Context, id string) error {
	if err := c.catalog.Delete(ctx, id); err != nil && !catalog.IsNotFound(err) {
		return err
	}
	if err := c.vectors.Drop(ctx, id); err != nil && !isVectorNotFound(err) {
		return err
	}
	return nil
}

// Delete removes a collection transactionally: checkpoint, drop the
// physical directory, delete the catalog record, verify, commit. On
// verification failure the checkpoint is restored; if that restore
// fails the collection is halted and an UnrecoverableError returned.
// The checkpoint outlives the commit and is pruned by retention.
func (c *Coordinator) Delete(ctx context.Context, id string) (*Outcome, error) {
	o := c.begin(OpDelete, id)

	c.locks.Lock(id)
	defer c.locks.Unlock(id)

	if err := c.admit(ctx, id); err != nil {
		return c.finish(o, StateFailed, err)
	}

	rec, err := c.catalog.Get(ctx, id)
	if err != nil {
		return c.finish(o, StateFailed, err)
	}

	info, err := c.backups.Checkpoint(ctx, id)
	if err != nil {
		return c.finish(o, StateFailed, fmt.Errorf("txn: checkpoint before delete: %w", err))
	}
	o.CheckpointID = info.ID
	if err := c.enter(o, StateCheckpointed); err != nil {
		return c.finish(o, StateFailed, err)
	}

	if err := c.deleteBody(ctx, o, id); err != nil {
		if rerr := c.backups.Restore(ctx, info.ID, id); rerr != nil {
			c.halt(id)
			return c.finish(o, StateFailed, &UnrecoverableError{CollectionID: id, RollbackErr: rerr, Cause: err})
		}
		return c.finish(o, StateRolledBack, err)
	}

	c.queue.Append(events.KindDeleted, id, map[string]string{
		"display_name": rec.DisplayName,
		"checkpoint":   info.ID,
	})
	return c.finish(o, StateCommitted, nil)
}

func (c *Coordinator) deleteBody(ctx context.Context, o *Outcome, id string) error {
	if err := c.enter(o, StateExecuting); err != nil {
		return err
	}
	if err := c.vectors.Drop(ctx, id); err != nil {
		return err
	}
	if err := c.catalog.Delete(ctx, id); err != nil {
		return err
	}

	if err := c.enter(o, StateVerifying); err != nil {
		return err
	}
	return c.verifyScoped(ctx, StateVerifying, id)
}

// Rename re-keys a collection under a fresh ID derived from the new
// display name. The new side is built completely before the old side
// is touched: create, copy, record, verify, and only then drop the old
// pair and verify again.
func (c *Coordinator) Rename(ctx context.Context, id, newDisplayName string) (*Outcome, error) {
	newID := c.NewCollectionID(newDisplayName)
	o := c.begin(OpRename, id, newID)

	lockIDs := []string{id, newID}
	c.locks.LockAll(lockIDs)
	defer c.locks.UnlockAll(lockIDs)

	if err := c.admit(ctx, lockIDs...); err != nil {
		return c.finish(o, StateFailed, err)
	}

	oldRec, err := c.catalog.Get(ctx, id)
	if err != nil {
		return c.finish(o, StateFailed, err)
	}
	if _, err := c.catalog.GetByDisplayName(ctx, newDisplayName); err == nil {
		return c.finish(o, StateFailed, fmt.Errorf("%w: display name %q", catalog.ErrAlreadyExists, newDisplayName))
	} else if !catalog.IsNotFound(err) {
		return c.finish(o, StateFailed, err)
	}

	info, err := c.backups.Checkpoint(ctx, id)
	if err != nil {
		return c.finish(o, StateFailed, fmt.Errorf("txn: checkpoint before rename: %w", err))
	}
	o.CheckpointID = info.ID
	if err := c.enter(o, StateCheckpointed); err != nil {
		return c.finish(o, StateFailed, err)
	}

	oldDropped, err := c.renameBody(ctx, o, oldRec, newID, newDisplayName)
	if err != nil {
		if rerr := c.undoRename(ctx, info.ID, id, newID, oldDropped); rerr != nil {
			c.halt(id)
			c.halt(newID)
			return c.finish(o, StateFailed, &UnrecoverableError{CollectionID: id, RollbackErr: rerr, Cause: err})
		}
		return c.finish(o, StateRolledBack, err)
	}

	c.queue.Append(events.KindRenamed, newID, map[string]string{
		"old_id":       id,
		"display_name": newDisplayName,
	})
	return c.finish(o, StateCommitted, nil)
}

// renameBody runs the forward path. It reports whether the old side
// was already dropped so the rollback knows what to restore.
func (c *Coordinator) renameBody(ctx context.Context, o *Outcome, oldRec *catalog.CollectionRecord, newID, newDisplayName string) (oldDropped bool, err error) {
	oldID := oldRec.ID

	if err := c.enter(o, StateExecuting); err != nil {
		return false, err
	}

	if err := c.vectors.Create(ctx, newID, oldRec.Embedding.Dimension); err != nil {
		return false, err
	}
	if err := c.vectors.CopyAll(ctx, oldID, newID); err != nil {
		return false, err
	}

	newRec := oldRec.Clone()
	newRec.ID = newID
	newRec.DisplayName = newDisplayName
	newRec.UpdatedAt = c.now().UTC()
	if err := c.catalog.Put(ctx, newRec); err != nil {
		return false, err
	}

	if err := c.enter(o, StateVerifying); err != nil {
		return false, err
	}
	oldCount, err := c.vectors.Count(oldID)
	if err != nil {
		return false, err
	}
	newCount, err := c.vectors.Count(newID)
	if err != nil {
		return false, err
	}
	if oldCount != newCount {
		return false, &IntegrityError{
			CollectionID: newID,
			Phase:        StateVerifying,
			Cause:        fmt.Errorf("copied %d of %d items", newCount, oldCount),
		}
	}
	if err := c.verifyScoped(ctx, StateVerifying, newID); err != nil {
		return false, err
	}

	// New side is proven complete; only now touch the old pair.
	if err := c.enter(o, StateExecuting); err != nil {
		return false, err
	}
	if err := c.vectors.Drop(ctx, oldID); err != nil {
		return true, err
	}
	if err := c.catalog.Delete(ctx, oldID); err != nil {
		return true, err
	}

	if err := c.enter(o, StateVerifying); err != nil {
		return true, err
	}
	return true, c.verifyScoped(ctx, StateVerifying, oldID, newID)
}

// undoRename tears down the new side and, when the old side was
// already dropped, restores it from the checkpoint.
func (c *Coordinator) undoRename(ctx context.Context, checkpointID, oldID, newID string, oldDropped bool) error {
	if err := c.catalog.Delete(ctx, newID); err != nil && !catalog.IsNotFound(err) {
		return err
	}
	if err := c.vectors.Drop(ctx, newID); err != nil && !isVectorNotFound(err) {
		return err
	}
	if !oldDropped {
		return nil
	}
	return c.backups.Restore(ctx, checkpointID, oldID)
}

// Restore brings collections back from an archive and verifies them.
// With no ids the whole archive is restored. Restore is permitted on
// halted collections; it is the manual remedy, though the halt itself
// stays until ClearHalt.
func (c *Coordinator) Restore(ctx context.Context, archiveID string, ids ...string) (*Outcome, error) {
	info, err := c.backups.Get(ctx, archiveID)
	if err != nil {
		o := c.begin(OpRestore)
		return c.finish(o, StateFailed, err)
	}

	if len(ids) == 0 {
		for _, e := range info.Collections {
			ids = append(ids, e.ID)
		}
	}
	o := c.begin(OpRestore, ids...)
	o.CheckpointID = archiveID

	c.locks.LockAll(ids)
	defer c.locks.UnlockAll(ids)

	if c.gate != nil {
		if err := c.gate(ctx); err != nil {
			return c.finish(o, StateFailed, err)
		}
	}

	if err := c.enter(o, StateExecuting); err != nil {
		return c.finish(o, StateFailed, err)
	}
	if err := c.backups.Restore(ctx, archiveID, ids...); err != nil {
		return c.finish(o, StateFailed, err)
	}

	if err := c.enter(o, StateVerifying); err != nil {
		return c.finish(o, StateFailed, err)
	}
	if err := c.verifyScoped(ctx, StateVerifying, ids...); err != nil {
		return c.finish(o, StateFailed, err)
	}

	for _, id := range ids {
		c.queue.Append(events.KindRecovered, id, map[string]string{
			"archive": archiveID,
		})
	}
	return c.finish(o, StateCommitted, nil)
}

func isVectorNotFound(err error) bool {
	return errors.Is(err, vectorstore.ErrNotFound)
}
