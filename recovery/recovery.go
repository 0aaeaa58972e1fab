// Package recovery rebuilds catalog entries for orphaned collection
// directories and quarantines the ones that cannot be salvaged.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hupe1980/vecsafe/catalog"
	"github.com/hupe1980/vecsafe/inspect"
	"github.com/hupe1980/vecsafe/internal/fs"
	"github.com/hupe1980/vecsafe/vectorstore"
)

// QuarantineDirName is the directory unsalvageable collections are
// moved into, directly under the data root.
const QuarantineDirName = "quarantine"

// Catalog is the slice of the catalog store recovery needs.
type Catalog interface {
	Exists(ctx context.Context, id string) (bool, error)
	Upsert(ctx context.Context, rec *catalog.CollectionRecord) error
}

// Storage enumerates physical collections under the data root.
type Storage interface {
	Scan(ctx context.Context) ([]inspect.PhysicalCollection, error)
	Lookup(id string) (inspect.PhysicalCollection, bool, error)
}

// Candidate is an on-disk collection directory with no catalog entry.
type Candidate struct {
	ID        string
	Dir       string
	SizeBytes int64
	Dimension uint32
	ItemCount int64

	// Recoverable is true when the engine files verify: all present,
	// header readable, and the id set and length table agree with the
	// header count.
	Recoverable bool

	// Reason explains why the candidate is not recoverable.
	Reason string
}

// Proposal pairs a candidate with the catalog record Execute would
// write for it.
type Proposal struct {
	Candidate Candidate
	Record    *catalog.CollectionRecord
}

// Plan is the set of proposals for one recovery run.
type Plan struct {
	Proposals   []Proposal
	Skipped     []Candidate
	GeneratedAt time.Time
}

// Result reports the outcome of recovering one candidate.
type Result struct {
	CollectionID string
	Err          error
}

// Planner scans for orphaned collection directories and proposes
// catalog records to readopt them.
type Planner struct {
	fs       fs.FileSystem
	dataRoot string
	catalog  Catalog
	storage  Storage
	logger   *slog.Logger
	now      func() time.Time
}

// NewPlanner creates a recovery planner rooted at dataRoot.
func NewPlanner(fsys fs.FileSystem, dataRoot string, cat Catalog, storage Storage, logger *slog.Logger) *Planner {
	if fsys == nil {
		fsys = fs.Default
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		fs:       fsys,
		dataRoot: dataRoot,
		catalog:  cat,
		storage:  storage,
		logger:   logger,
		now:      time.Now,
	}
}

// Scan returns every collection directory without a catalog entry,
// each verified for recoverability.
func (p *Planner) Scan(ctx context.Context) ([]Candidate, error) {
	physical, err := p.storage.Scan(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, pc := range physical {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		known, err := p.catalog.Exists(ctx, pc.ID)
		if err != nil {
			return nil, err
		}
		if known {
			continue
		}
		candidates = append(candidates, p.verify(pc))
	}
	return candidates, nil
}

// verify inspects the engine files and fills in the recoverability
// verdict. Metadata is lost with the catalog entry, so the item count
// comes from the header, with a size-based estimate as a cross-check.
func (p *Planner) verify(pc inspect.PhysicalCollection) Candidate {
	c := Candidate{
		ID:        pc.ID,
		Dir:       pc.Dir,
		SizeBytes: pc.SizeBytes,
	}

	if !pc.Complete {
		c.Reason = "engine files missing"
		return c
	}

	header, err := vectorstore.ReadHeader(p.fs, pc.Dir)
	if err != nil {
		c.Reason = fmt.Sprintf("unreadable header: %v", err)
		return c
	}
	c.Dimension = header.Dimension
	c.ItemCount = int64(header.Count)

	if header.Dimension == 0 {
		c.Reason = "header reports zero dimension"
		return c
	}

	ids, err := vectorstore.ReadIDSet(p.fs, pc.Dir)
	if err != nil {
		c.Reason = fmt.Sprintf("unreadable id set: %v", err)
		return c
	}
	if got := int64(ids.GetCardinality()); got != c.ItemCount {
		c.Reason = fmt.Sprintf("id set holds %d ids, header claims %d", got, c.ItemCount)
		return c
	}

	lengths, err := vectorstore.ReadVectorLengths(p.fs, pc.Dir)
	if err != nil {
		c.Reason = fmt.Sprintf("unreadable length table: %v", err)
		return c
	}
	if int64(len(lengths)) != c.ItemCount {
		c.Reason = fmt.Sprintf("length table holds %d entries, header claims %d", len(lengths), c.ItemCount)
		return c
	}

	c.Recoverable = true
	return c
}

// Plan builds proposals for the recoverable candidates. Unrecoverable
// ones are carried in Skipped so callers can quarantine them.
func (p *Planner) Plan(ctx context.Context) (*Plan, error) {
	candidates, err := p.Scan(ctx)
	if err != nil {
		return nil, err
	}

	plan := &Plan{GeneratedAt: p.now().UTC()}
	for _, c := range candidates {
		if !c.Recoverable {
			plan.Skipped = append(plan.Skipped, c)
			continue
		}
		plan.Proposals = append(plan.Proposals, Proposal{
			Candidate: c,
			Record:    p.propose(c),
		})
	}
	return plan, nil
}

// propose builds the catalog record Execute writes. The original
// display name and embedding configuration are gone with the catalog
// entry; the record carries what the engine files still prove, marked
// so operators can tell readopted collections apart.
func (p *Planner) propose(c Candidate) *catalog.CollectionRecord {
	now := p.now().UTC()
	return &catalog.CollectionRecord{
		ID:          c.ID,
		DisplayName: "recovered-" + c.ID,
		Embedding: catalog.EmbeddingDescriptor{
			Provider:  catalog.ProviderLocal,
			Dimension: int(c.Dimension),
		},
		ItemCount: c.ItemCount,
		CreatedAt: now,
		UpdatedAt: now,
		Extra: map[string]string{
			"recovered":    "true",
			"recovered_at": now.Format(time.RFC3339),
		},
	}
}

// Execute applies a plan. Each proposal is re-verified against disk
// first, since the directory may have changed since planning. Failures
// do not stop the run; every proposal gets a Result.
func (p *Planner) Execute(ctx context.Context, plan *Plan) ([]Result, error) {
	results := make([]Result, 0, len(plan.Proposals))
	for _, prop := range plan.Proposals {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, Result{
			CollectionID: prop.Candidate.ID,
			Err:          p.executeOne(ctx, prop),
		})
	}
	return results, nil
}

func (p *Planner) executeOne(ctx context.Context, prop Proposal) error {
	pc, ok, err := p.storage.Lookup(prop.Candidate.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("recovery: %s vanished since planning", prop.Candidate.ID)
	}
	if c := p.verify(pc); !c.Recoverable {
		return fmt.Errorf("recovery: %s no longer recoverable: %s", c.ID, c.Reason)
	}

	if err := p.catalog.Upsert(ctx, prop.Record); err != nil {
		return fmt.Errorf("recovery: readopt %s: %w", prop.Candidate.ID, err)
	}

	p.logger.Info("collection recovered",
		slog.String("collection", prop.Candidate.ID),
		slog.Int64("items", prop.Candidate.ItemCount))
	return nil
}

// Quarantine moves a collection directory out of the data root into
// quarantine/<id>_<timestamp>, making it invisible to scans while
// keeping the bytes for manual inspection.
func (p *Planner) Quarantine(ctx context.Context, id string) (string, error) {
	pc, ok, err := p.storage.Lookup(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("recovery: no directory for %q", id)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	qroot := filepath.Join(p.dataRoot, QuarantineDirName)
	if err := p.fs.MkdirAll(qroot, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(qroot, fmt.Sprintf("%s_%s", id, p.now().UTC().Format("20060102T150405Z")))
	if err := p.fs.Rename(pc.Dir, dst); err != nil {
		return "", err
	}
	if err := fs.SyncDir(p.fs, p.dataRoot); err != nil {
		return "", err
	}

	p.logger.Warn("collection quarantined",
		slog.String("collection", id),
		slog.String("dir", dst))
	return dst, nil
}
