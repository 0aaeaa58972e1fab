package vecsafe

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/vecsafe/backup"
	backupminio "github.com/hupe1980/vecsafe/backup/minio"
	backups3 "github.com/hupe1980/vecsafe/backup/s3"
	"github.com/hupe1980/vecsafe/catalog"
	"github.com/hupe1980/vecsafe/config"
	"github.com/hupe1980/vecsafe/consistency"
	"github.com/hupe1980/vecsafe/events"
	"github.com/hupe1980/vecsafe/inspect"
	"github.com/hupe1980/vecsafe/internal/fs"
	"github.com/hupe1980/vecsafe/internal/keymutex"
	"github.com/hupe1980/vecsafe/recovery"
	"github.com/hupe1980/vecsafe/txn"
	"github.com/hupe1980/vecsafe/vectorstore"
	"github.com/hupe1980/vecsafe/version"
)

// Version is the application version recorded in the data root's
// version marker.
const Version = "0.3.0"

// Manager is the facade over the catalog, vector storage, consistency
// checking, backups, recovery and transactional mutations of one data
// root. All methods are safe for concurrent use.
type Manager struct {
	cfg    *config.Config
	logger *Logger
	fsys   fs.FileSystem

	cat      *catalog.Store
	vectors  *vectorstore.LocalStore
	insp     *inspect.Inspector
	checker  *consistency.Checker
	backups  *backup.Manager
	planner  *recovery.Planner
	coord    *txn.Coordinator
	queue    *events.Queue
	versions *version.Checker
	locks    *keymutex.KeyedMutex

	compat *version.Compatibility

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Open wires a Manager over cfg.DataRoot. The data root is version
// checked first: a fresh directory is initialized, a compatible one
// opened, and an incompatible one opened read-degraded with mutations
// blocked (see WithForce, WithAutoMigrate).
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vecsafe: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{fsys: fs.Default}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = loggerFromConfig(cfg.Log)
	}

	if err := o.fsys.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return nil, translateError(err)
	}

	versions := version.NewChecker(o.fsys, cfg.DataRoot, Version, o.logger.Logger)
	if o.autoMigrate {
		if err := versions.Migrate(ctx); err != nil {
			return nil, translateError(err)
		}
	}
	compat, err := versions.Check(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	if !compat.Compatible {
		o.logger.Warn("data root version mismatch, mutations blocked",
			slog.Int("format_version", compat.FormatVersion),
			slog.Bool("migration_needed", compat.MigrationNeeded),
			slog.Bool("force", o.force))
	}

	cat, err := catalog.Open(filepath.Join(cfg.DataRoot, catalog.DefaultFileName))
	if err != nil {
		return nil, translateError(err)
	}

	locks := keymutex.New()
	vectors := vectorstore.NewLocalStore(o.fsys, cfg.DataRoot)
	insp := inspect.New(o.fsys, cfg.DataRoot)
	checker := consistency.New(cat, insp)
	queue := events.NewQueue(cfg.Events.Capacity)

	backupOpts := backup.Options{
		Root:         cfg.BackupRoot,
		Compression:  backup.Compression(cfg.Backup.Compression),
		MinFreeBytes: uint64(cfg.Backup.MinFreeMB) * 1024 * 1024,
		Parallelism:  cfg.Backup.Parallelism,
		Logger:       o.logger.Logger,
	}

	// User-facing backup calls serialize against mutations through the
	// shared locks. The coordinator holds those locks itself, so its
	// checkpointer gets a private set.
	backups, err := backup.NewManager(o.fsys, cfg.DataRoot, cat, insp, locks, backupOpts)
	if err != nil {
		cat.Close()
		return nil, translateError(err)
	}
	txnBackups, err := backup.NewManager(o.fsys, cfg.DataRoot, cat, insp, nil, backupOpts)
	if err != nil {
		cat.Close()
		return nil, translateError(err)
	}

	var gate txn.Gate
	if !o.force {
		gate = func(context.Context) error {
			if !compat.Compatible {
				return fmt.Errorf("%w: format version %d", txn.ErrIncompatibleVersion, compat.FormatVersion)
			}
			return nil
		}
	}

	coord := txn.NewCoordinator(o.fsys, cat, vectors, checker, txnBackups, queue, locks, txn.Options{
		Gate:      gate,
		OpLogPath: filepath.Join(backups.Root(), txn.OpLogFileName),
		Logger:    o.logger.Logger,
	})

	m := &Manager{
		cfg:      cfg,
		logger:   o.logger,
		fsys:     o.fsys,
		cat:      cat,
		vectors:  vectors,
		insp:     insp,
		checker:  checker,
		backups:  backups,
		planner:  recovery.NewPlanner(o.fsys, cfg.DataRoot, cat, insp, o.logger.Logger),
		coord:    coord,
		queue:    queue,
		versions: versions,
		locks:    locks,
		compat:   compat,
		stop:     make(chan struct{}),
	}

	if cfg.Monitor.Enabled {
		m.wg.Add(1)
		go m.monitor()
	}

	m.logger.Info("vecsafe opened",
		slog.String("data_root", cfg.DataRoot),
		slog.Bool("compatible", compat.Compatible),
		slog.Bool("fresh_install", compat.FreshInstall))
	return m, nil
}

func loggerFromConfig(cfg config.LogConfig) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if cfg.Format == "json" {
		return NewJSONLogger(level)
	}
	return NewTextLogger(level)
}

// Close stops the background monitor and releases the catalog.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stop)
	m.wg.Wait()
	return m.cat.Close()
}

func (m *Manager) guard() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// CreateCollection creates a collection: physical directory, catalog
// record, then a scoped verification.
func (m *Manager) CreateCollection(ctx context.Context, rec *catalog.CollectionRecord) (*txn.Outcome, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	o, err := m.coord.Create(ctx, rec)
	return o, translateError(err)
}

// DeleteCollection removes a collection transactionally. A checkpoint
// is taken first and outlives the commit; retention prunes it later.
func (m *Manager) DeleteCollection(ctx context.Context, id string) (*txn.Outcome, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	o, err := m.coord.Delete(ctx, id)
	if err == nil && o.Committed() {
		m.logger.WithOperation(o.OperationID).LogDelete(id)
	}
	return o, translateError(err)
}

// RenameCollection re-keys a collection under a fresh ID derived from
// the new display name. The new ID is in the Outcome's CollectionIDs.
func (m *Manager) RenameCollection(ctx context.Context, id, newDisplayName string) (*txn.Outcome, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	o, err := m.coord.Rename(ctx, id, newDisplayName)
	if err == nil && o.Committed() && len(o.CollectionIDs) == 2 {
		m.logger.WithOperation(o.OperationID).LogRename(o.CollectionIDs[0], o.CollectionIDs[1])
	}
	return o, translateError(err)
}

// GetCollection returns the catalog record for a collection.
func (m *Manager) GetCollection(ctx context.Context, id string) (*catalog.CollectionRecord, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rec, err := m.cat.Get(ctx, id)
	return rec, translateError(err)
}

// ListCollections returns all catalog records ordered by display name.
func (m *Manager) ListCollections(ctx context.Context) ([]*catalog.CollectionRecord, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	recs, err := m.cat.List(ctx)
	return recs, translateError(err)
}

// Check reconciles the catalog against the physical directories. With
// full=true header dimensions are compared too. When the config
// enables AutoDeleteOrphanedCatalog, catalog entries whose directory
// is gone are removed as part of the check (skipping collections that
// are mid-operation).
func (m *Manager) Check(ctx context.Context, full bool) (*consistency.Report, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	report := m.checker.Check(ctx, full)
	if report.Err != nil {
		return report, translateError(report.Err)
	}

	if m.cfg.AutoDeleteOrphanedCatalog {
		if err := m.repairOrphanedCatalog(ctx, report); err != nil {
			return report, translateError(err)
		}
	}

	m.logger.LogCheck(string(report.Status), len(report.Issues))
	return report, nil
}

func (m *Manager) repairOrphanedCatalog(ctx context.Context, report *consistency.Report) error {
	for _, issue := range report.Issues {
		if issue.Kind != consistency.KindOrphanedCatalogEntry {
			continue
		}
		// A collection mid-operation may look orphaned for a moment.
		if m.coord.Locked(issue.CollectionID) {
			continue
		}
		if err := m.cat.Delete(ctx, issue.CollectionID); err != nil && !catalog.IsNotFound(err) {
			return err
		}
		m.logger.WithCollection(issue.CollectionID).Warn("removed orphaned catalog entry")
	}
	return nil
}

// ScanOrphans returns physical collection directories that have no
// catalog entry, with a recoverability verdict each.
func (m *Manager) ScanOrphans(ctx context.Context) ([]recovery.Candidate, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	cands, err := m.planner.Scan(ctx)
	return cands, translateError(err)
}

// PlanRecovery proposes catalog records for recoverable orphans.
func (m *Manager) PlanRecovery(ctx context.Context) (*recovery.Plan, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	plan, err := m.planner.Plan(ctx)
	return plan, translateError(err)
}

// ExecuteRecovery applies a recovery plan and emits a recovered event
// for each readopted collection. Failures do not stop the run.
func (m *Manager) ExecuteRecovery(ctx context.Context, plan *recovery.Plan) ([]recovery.Result, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	results, err := m.planner.Execute(ctx, plan)
	succeeded := 0
	for _, r := range results {
		if r.Err == nil {
			succeeded++
			m.queue.Append(events.KindRecovered, r.CollectionID, nil)
		}
	}
	m.logger.LogRecovery(succeeded, len(results)-succeeded)
	return results, translateError(err)
}

// QuarantineCollection moves an unsalvageable directory into the
// quarantine area for manual inspection. Returns ErrBusy instead of
// waiting when an operation is in flight for the id.
func (m *Manager) QuarantineCollection(ctx context.Context, id string) (string, error) {
	if err := m.guard(); err != nil {
		return "", err
	}
	if !m.locks.TryLock(id) {
		return "", fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer m.locks.Unlock(id)

	dst, err := m.planner.Quarantine(ctx, id)
	return dst, translateError(err)
}

// Checkpoint archives the named collections, or everything when ids is
// empty.
func (m *Manager) Checkpoint(ctx context.Context, ids ...string) (*backup.Info, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	info, err := m.backups.Checkpoint(ctx, ids...)
	if err == nil {
		m.logger.LogCheckpoint(info.ID, len(info.Collections), info.SizeBytes)
	}
	return info, translateError(err)
}

// Restore brings collections back from an archive, verifies them and
// emits recovered events.
func (m *Manager) Restore(ctx context.Context, archiveID string, ids ...string) (*txn.Outcome, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	o, err := m.coord.Restore(ctx, archiveID, ids...)
	if err == nil && o.Committed() {
		m.logger.LogRestore(archiveID, len(o.CollectionIDs))
	}
	return o, translateError(err)
}

// ListBackups returns completed archives, newest first.
func (m *Manager) ListBackups(ctx context.Context) ([]backup.Info, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	infos, err := m.backups.List(ctx)
	return infos, translateError(err)
}

// CleanupBackups prunes archives per the configured retention policy
// and returns the removed archive IDs.
func (m *Manager) CleanupBackups(ctx context.Context) ([]string, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	removed, err := m.backups.Cleanup(ctx, backup.RetentionPolicy{
		Count:  m.cfg.Retention.Count,
		MaxAge: m.cfg.Retention.MaxAge,
	})
	if err == nil {
		m.logger.LogCleanup(len(removed))
	}
	return removed, translateError(err)
}

// DeleteBackup removes one archive regardless of retention.
func (m *Manager) DeleteBackup(ctx context.Context, archiveID string) error {
	if err := m.guard(); err != nil {
		return err
	}
	return translateError(m.backups.Delete(ctx, archiveID))
}

// ReplicateBackup uploads a completed archive to an offsite target.
func (m *Manager) ReplicateBackup(ctx context.Context, archiveID string, r backup.Replicator) error {
	if err := m.guard(); err != nil {
		return err
	}
	return translateError(m.backups.Replicate(ctx, archiveID, r))
}

// ConfiguredReplicator builds a replicator from the replication section
// of the manager's config. S3 takes precedence when both targets are
// enabled. Returns an error when no target is enabled.
func (m *Manager) ConfiguredReplicator(ctx context.Context) (backup.Replicator, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	switch {
	case m.cfg.Replication.S3.Enabled:
		rc := m.cfg.Replication.S3
		return backups3.Connect(ctx, rc.Bucket, rc.Prefix, rc.Region, backups3.Options{})
	case m.cfg.Replication.MinIO.Enabled:
		rc := m.cfg.Replication.MinIO
		return backupminio.Connect(rc.Endpoint, rc.AccessKey, rc.SecretKey, rc.Bucket, rc.Prefix, rc.UseSSL)
	default:
		return nil, fmt.Errorf("vecsafe: no replication target enabled")
	}
}

// Events returns the sync event queue. Consumers drain or subscribe.
func (m *Manager) Events() *events.Queue {
	return m.queue
}

// VersionCheck returns the compatibility verdict from Open.
func (m *Manager) VersionCheck() *version.Compatibility {
	return m.compat
}

// Halted reports whether a collection is blocked after a failed
// rollback.
func (m *Manager) Halted(id string) bool {
	return m.coord.Halted(id)
}

// ClearHalt lifts the halt on a collection after manual repair.
func (m *Manager) ClearHalt(id string) {
	m.coord.ClearHalt(id)
}

// Locked reports whether an operation currently holds the collection.
func (m *Manager) Locked(id string) bool {
	return m.coord.Locked(id)
}
