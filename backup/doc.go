// Package backup creates, restores and prunes checkpoint archives.
//
// An archive is a directory bk_<timestamp> under <dataRoot>/backups
// holding a catalog snapshot, one compressed tar per collection, and a
// manifest.json written last. The manifest doubles as the completion
// marker: a directory without one is an aborted checkpoint and is never
// listed or restored.
package backup
