// Package diskfree reports available disk space for a path.
//
// The backup manager uses it as a preflight before copying collection data:
// running out of space halfway through a checkpoint would leave a partial
// archive, so the copy is refused up front instead.
package diskfree

import "errors"

// ErrUnsupported indicates the platform cannot report free space.
var ErrUnsupported = errors.New("diskfree: unsupported platform")

// Free returns the number of bytes available to unprivileged users on the
// filesystem containing path. On platforms without support it returns
// (0, ErrUnsupported) and callers should skip the preflight.
func Free(path string) (uint64, error) {
	return free(path)
}
