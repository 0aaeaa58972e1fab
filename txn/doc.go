// Package txn runs collection mutations as checkpoint / execute /
// verify / commit-or-rollback sequences under per-collection locks.
package txn
