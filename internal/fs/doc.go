// Package fs abstracts file system access behind a small interface.
//
// The FileSystem interface mirrors the subset of os that vecsafe needs for
// collection directories, catalog snapshots and backup archives. Production
// code uses LocalFS; tests wrap it in FaultyFS to inject write, sync, close,
// remove and rename failures at precise points, which is how the crash-safety
// properties of the transactional operations are exercised.
package fs
