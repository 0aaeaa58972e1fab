package vecsafe

import (
	"github.com/hupe1980/vecsafe/internal/fs"
)

type options struct {
	logger      *Logger
	fsys        fs.FileSystem
	force       bool
	autoMigrate bool
}

// Option configures Open behavior.
type Option func(*options)

// WithLogger overrides the logger built from the config's log section.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFileSystem swaps the file system implementation. Used by tests
// to inject faults; production code keeps the default.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys != nil {
			o.fsys = fsys
		}
	}
}

// WithForce opens the data root for mutation even when the version
// checker reports an incompatible format. Operator override; data
// written under force may not be readable by other builds.
func WithForce() Option {
	return func(o *options) {
		o.force = true
	}
}

// WithAutoMigrate runs registered format migrations during Open when
// the data root is behind the current version.
func WithAutoMigrate() Option {
	return func(o *options) {
		o.autoMigrate = true
	}
}
