// Package vectorstore adapts the embedded vector engine's on-disk layout.
//
// Each collection is a directory named after its collection id holding four
// engine files: header.bin (dimension and count), data_level0.bin (packed
// float32 vectors), length.bin (per-vector byte lengths) and ids.bin (a
// roaring bitmap of document ids). A directory missing any of these is
// treated as incomplete and never classified as a collection.
//
// The adapter deliberately exposes only structural operations - create, drop,
// count, id enumeration, whole-collection copy. Search and indexing belong to
// the engine proper and are out of scope here.
package vectorstore
