// Package version tracks the on-disk format version of a data root and
// gates access when layouts do not match.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hupe1980/vecsafe/internal/fs"
)

const (
	// FileName is the version marker at the root of the data directory.
	FileName = "version_info.json"

	// CurrentFormatVersion is the layout this build reads and writes.
	CurrentFormatVersion = 2

	// legacyFormatVersion is assumed for data roots that predate the
	// version marker.
	legacyFormatVersion = 1
)

// ErrIncompatible is returned when the data root was written by a
// newer build than this one.
var ErrIncompatible = errors.New("version: data root requires a newer build")

// Info is the persisted content of version_info.json.
type Info struct {
	FormatVersion int       `json:"format_version"`
	AppVersion    string    `json:"app_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Compatibility is the verdict of Check.
type Compatibility struct {
	Compatible      bool
	FreshInstall    bool
	MigrationNeeded bool
	FormatVersion   int
	Issues          []string
}

// Migration upgrades a data root from FromVersion to FromVersion+1.
type Migration struct {
	FromVersion int
	Description string
	Apply       func(ctx context.Context, fsys fs.FileSystem, dataRoot string) error
}

// Checker loads, verifies and migrates the version marker.
type Checker struct {
	fs         fs.FileSystem
	dataRoot   string
	appVersion string
	logger     *slog.Logger
	migrations map[int]Migration
	now        func() time.Time
}

// NewChecker creates a checker for dataRoot. appVersion is recorded in
// the marker for diagnostics and carries no compatibility meaning.
func NewChecker(fsys fs.FileSystem, dataRoot, appVersion string, logger *slog.Logger) *Checker {
	if fsys == nil {
		fsys = fs.Default
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		fs:         fsys,
		dataRoot:   dataRoot,
		appVersion: appVersion,
		logger:     logger,
		migrations: make(map[int]Migration),
		now:        time.Now,
	}
}

// Register adds a migration step. Registering two migrations for the
// same source version is a programming error.
func (c *Checker) Register(m Migration) error {
	if m.Apply == nil {
		return fmt.Errorf("version: migration from %d has no apply func", m.FromVersion)
	}
	if _, dup := c.migrations[m.FromVersion]; dup {
		return fmt.Errorf("version: duplicate migration from %d", m.FromVersion)
	}
	c.migrations[m.FromVersion] = m
	return nil
}

func (c *Checker) path() string {
	return filepath.Join(c.dataRoot, FileName)
}

// Load reads the version marker. os.IsNotExist holds for the returned
// error when the marker is absent.
func (c *Checker) Load() (*Info, error) {
	data, err := fs.ReadFile(c.fs, c.path())
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("version: corrupt %s: %w", FileName, err)
	}
	return &info, nil
}

// Save atomically writes the marker.
func (c *Checker) Save(info *Info) error {
	info.UpdatedAt = c.now().UTC()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = info.UpdatedAt
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(c.fs, c.path(), data, 0o644)
}

// Check determines whether this build may open the data root.
//
// A missing marker over an empty root is a fresh install: the marker is
// written and access is granted. A missing marker over existing data is
// treated as the legacy pre-marker layout and needs migration. A marker
// from a newer build fails with ErrIncompatible semantics in Issues;
// access stays denied without a force override at the call site.
func (c *Checker) Check(ctx context.Context) (*Compatibility, error) {
	info, err := c.Load()
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err != nil { // marker absent
		empty, eerr := c.rootEmpty()
		if eerr != nil {
			return nil, eerr
		}
		if empty {
			if err := c.Save(&Info{FormatVersion: CurrentFormatVersion, AppVersion: c.appVersion}); err != nil {
				return nil, err
			}
			c.logger.Info("initialized data root",
				slog.String("dir", c.dataRoot),
				slog.Int("format_version", CurrentFormatVersion))
			return &Compatibility{
				Compatible:    true,
				FreshInstall:  true,
				FormatVersion: CurrentFormatVersion,
			}, nil
		}
		info = &Info{FormatVersion: legacyFormatVersion}
	}

	comp := &Compatibility{FormatVersion: info.FormatVersion}
	switch {
	case info.FormatVersion == CurrentFormatVersion:
		comp.Compatible = true
	case info.FormatVersion > CurrentFormatVersion:
		comp.Issues = append(comp.Issues, fmt.Sprintf(
			"data root has format version %d, this build supports up to %d",
			info.FormatVersion, CurrentFormatVersion))
	default:
		comp.MigrationNeeded = true
		if missing := c.missingSteps(info.FormatVersion); len(missing) > 0 {
			comp.Issues = append(comp.Issues, fmt.Sprintf(
				"no migration registered from version %v", missing))
		}
	}
	return comp, nil
}

// Migrate applies registered migrations until the root reaches the
// current format version, persisting the marker after every step.
func (c *Checker) Migrate(ctx context.Context) error {
	comp, err := c.Check(ctx)
	if err != nil {
		return err
	}
	if comp.Compatible {
		return nil
	}
	if comp.FormatVersion > CurrentFormatVersion {
		return fmt.Errorf("%w: format version %d", ErrIncompatible, comp.FormatVersion)
	}

	info, err := c.Load()
	if os.IsNotExist(err) {
		info = &Info{FormatVersion: legacyFormatVersion}
	} else if err != nil {
		return err
	}

	for info.FormatVersion < CurrentFormatVersion {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, ok := c.migrations[info.FormatVersion]
		if !ok {
			return fmt.Errorf("version: no migration from %d", info.FormatVersion)
		}

		c.logger.Info("running migration",
			slog.Int("from", m.FromVersion),
			slog.String("description", m.Description))
		if err := m.Apply(ctx, c.fs, c.dataRoot); err != nil {
			return fmt.Errorf("version: migration from %d: %w", m.FromVersion, err)
		}

		info.FormatVersion++
		info.AppVersion = c.appVersion
		if err := c.Save(info); err != nil {
			return err
		}
	}
	return nil
}

// rootEmpty reports whether the data root holds no visible entries.
func (c *Checker) rootEmpty() (bool, error) {
	entries, err := c.fs.ReadDir(c.dataRoot)
	if os.IsNotExist(err) {
		if err := c.fs.MkdirAll(c.dataRoot, 0o755); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.Name()[0] != '.' {
			return false, nil
		}
	}
	return true, nil
}

func (c *Checker) missingSteps(from int) []int {
	var missing []int
	for v := from; v < CurrentFormatVersion; v++ {
		if _, ok := c.migrations[v]; !ok {
			missing = append(missing, v)
		}
	}
	sort.Ints(missing)
	return missing
}
