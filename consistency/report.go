package consistency

import (
	"fmt"
	"time"
)

// Status classifies an overall consistency check outcome.
type Status string

const (
	StatusConsistent   Status = "consistent"
	StatusInconsistent Status = "inconsistent"
	StatusError        Status = "error"
)

// IssueKind discriminates the issue variants.
type IssueKind string

const (
	// KindOrphanedVector is a physical collection directory with no catalog
	// record.
	KindOrphanedVector IssueKind = "orphaned_vector"

	// KindOrphanedCatalogEntry is a catalog record with no physical
	// collection.
	KindOrphanedCatalogEntry IssueKind = "orphaned_catalog_entry"

	// KindDimensionMismatch is a disagreement between the catalog's cached
	// dimension and the one observed on disk.
	KindDimensionMismatch IssueKind = "dimension_mismatch"
)

// Issue is one detected inconsistency between catalog and storage.
type Issue struct {
	Kind         IssueKind `json:"kind"`
	CollectionID string    `json:"collection_id"`

	// OrphanedVector fields.
	Dir            string `json:"dir,omitempty"`
	EstSizeBytes   int64  `json:"est_size_bytes,omitempty"`
	EstimatedCount int64  `json:"estimated_count,omitempty"`

	// DimensionMismatch fields.
	Expected int `json:"expected,omitempty"`
	Observed int `json:"observed,omitempty"`
}

func (i Issue) String() string {
	switch i.Kind {
	case KindOrphanedVector:
		return fmt.Sprintf("orphaned vector directory %s (~%d items, %d bytes)", i.CollectionID, i.EstimatedCount, i.EstSizeBytes)
	case KindOrphanedCatalogEntry:
		return fmt.Sprintf("orphaned catalog entry %s", i.CollectionID)
	case KindDimensionMismatch:
		return fmt.Sprintf("dimension mismatch for %s: catalog %d, observed %d", i.CollectionID, i.Expected, i.Observed)
	default:
		return fmt.Sprintf("unknown issue for %s", i.CollectionID)
	}
}

// Report is the outcome of one consistency check.
type Report struct {
	Status      Status    `json:"status"`
	Issues      []Issue   `json:"issues"`
	GeneratedAt time.Time `json:"generated_at"`

	// Err carries the scan failure when Status is StatusError.
	Err error `json:"-"`
}

// Consistent reports whether the check found no issues and no scan failure.
func (r *Report) Consistent() bool {
	return r.Status == StatusConsistent
}

// IssuesFor returns the issues affecting a single collection id.
func (r *Report) IssuesFor(id string) []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.CollectionID == id {
			out = append(out, issue)
		}
	}
	return out
}
