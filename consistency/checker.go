// Package consistency joins the catalog against the physical collection
// directories and classifies the drift between them.
//
// The two stores are owned by different subsystems and can legitimately
// disagree after a crash, a partial write or a manual edit of the data root.
// The checker never mutates anything; it only observes and reports. Repairing
// the drift is the job of packages recovery and txn.
package consistency

import (
	"context"
	"sort"
	"time"

	"github.com/hupe1980/vecsafe/catalog"
	"github.com/hupe1980/vecsafe/inspect"
)

// CatalogView is the subset of the catalog store the checker needs.
type CatalogView interface {
	List(ctx context.Context) ([]*catalog.CollectionRecord, error)
	Get(ctx context.Context, id string) (*catalog.CollectionRecord, error)
}

// StorageView is the subset of the filesystem inspector the checker needs.
type StorageView interface {
	Scan(ctx context.Context) ([]inspect.PhysicalCollection, error)
	Lookup(id string) (inspect.PhysicalCollection, bool, error)
	SampleItemBytes(id string) (uint32, bool, error)
}

// Checker reconciles the catalog view with the storage view.
type Checker struct {
	catalog CatalogView
	storage StorageView
	now     func() time.Time
}

// New creates a Checker over the two views.
func New(cat CatalogView, storage StorageView) *Checker {
	return &Checker{catalog: cat, storage: storage, now: time.Now}
}

// Check performs a full outer join of catalog records against physical
// directories. With full=true the cached dimension of every joined pair is
// compared against the on-disk header.
//
// A failure of either scan yields StatusError; partial results are never
// silently downgraded to "consistent".
func (c *Checker) Check(ctx context.Context, full bool) *Report {
	report := &Report{Status: StatusConsistent, GeneratedAt: c.now()}

	records, err := c.catalog.List(ctx)
	if err != nil {
		report.Status = StatusError
		report.Err = err
		return report
	}

	physical, err := c.storage.Scan(ctx)
	if err != nil {
		report.Status = StatusError
		report.Err = err
		return report
	}

	byID := make(map[string]*catalog.CollectionRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	seen := make(map[string]bool, len(physical))
	for _, pc := range physical {
		if !pc.Complete {
			// Partial directories are not collections; recovery surfaces
			// them separately.
			continue
		}
		seen[pc.ID] = true

		rec, ok := byID[pc.ID]
		if !ok {
			report.Issues = append(report.Issues, Issue{
				Kind:           KindOrphanedVector,
				CollectionID:   pc.ID,
				Dir:            pc.Dir,
				EstSizeBytes:   pc.SizeBytes,
				EstimatedCount: pc.EstimatedCount,
			})
			continue
		}

		if full && pc.Dimension != 0 {
			if pc.Dimension != rec.Embedding.Dimension {
				report.Issues = append(report.Issues, Issue{
					Kind:         KindDimensionMismatch,
					CollectionID: pc.ID,
					Expected:     rec.Embedding.Dimension,
					Observed:     pc.Dimension,
				})
				continue
			}
			// The header can agree with the catalog while the stored
			// items are a different width. Sample one item's byte length.
			itemBytes, ok, err := c.storage.SampleItemBytes(pc.ID)
			if err != nil {
				report.Status = StatusError
				report.Err = err
				return report
			}
			if ok && itemBytes != uint32(4*rec.Embedding.Dimension) {
				report.Issues = append(report.Issues, Issue{
					Kind:         KindDimensionMismatch,
					CollectionID: pc.ID,
					Expected:     rec.Embedding.Dimension,
					Observed:     int(itemBytes / 4),
				})
			}
		}
	}

	for _, rec := range records {
		if !seen[rec.ID] {
			report.Issues = append(report.Issues, Issue{
				Kind:         KindOrphanedCatalogEntry,
				CollectionID: rec.ID,
			})
		}
	}

	sortIssues(report.Issues)
	if len(report.Issues) > 0 {
		report.Status = StatusInconsistent
	}
	return report
}

// CheckScoped verifies only the given collection ids. It is used by the
// transactional wrapper to validate the affected collections after a mutation
// without paying for a full scan.
func (c *Checker) CheckScoped(ctx context.Context, ids ...string) *Report {
	report := &Report{Status: StatusConsistent, GeneratedAt: c.now()}

	for _, id := range ids {
		rec, err := c.catalog.Get(ctx, id)
		haveRecord := err == nil
		if err != nil && !catalog.IsNotFound(err) {
			report.Status = StatusError
			report.Err = err
			return report
		}

		pc, havePhysical, err := c.storage.Lookup(id)
		if err != nil {
			report.Status = StatusError
			report.Err = err
			return report
		}
		if havePhysical && !pc.Complete {
			havePhysical = false
		}

		switch {
		case haveRecord && !havePhysical:
			report.Issues = append(report.Issues, Issue{
				Kind:         KindOrphanedCatalogEntry,
				CollectionID: id,
			})
		case !haveRecord && havePhysical:
			report.Issues = append(report.Issues, Issue{
				Kind:           KindOrphanedVector,
				CollectionID:   id,
				Dir:            pc.Dir,
				EstSizeBytes:   pc.SizeBytes,
				EstimatedCount: pc.EstimatedCount,
			})
		case haveRecord && havePhysical:
			if pc.Dimension != 0 && pc.Dimension != rec.Embedding.Dimension {
				report.Issues = append(report.Issues, Issue{
					Kind:         KindDimensionMismatch,
					CollectionID: id,
					Expected:     rec.Embedding.Dimension,
					Observed:     pc.Dimension,
				})
			}
		}
	}

	sortIssues(report.Issues)
	if len(report.Issues) > 0 {
		report.Status = StatusInconsistent
	}
	return report
}

func sortIssues(issues []Issue) {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].CollectionID != issues[j].CollectionID {
			return issues[i].CollectionID < issues[j].CollectionID
		}
		return issues[i].Kind < issues[j].Kind
	})
}
