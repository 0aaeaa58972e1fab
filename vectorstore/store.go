package vectorstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/hupe1980/vecsafe/internal/fs"
)

var (
	// ErrNotFound is returned when a physical collection does not exist.
	ErrNotFound = errors.New("physical collection not found")

	// ErrAlreadyExists is returned when creating a collection whose directory exists.
	ErrAlreadyExists = errors.New("physical collection already exists")

	// ErrDimensionMismatch indicates a vector whose length disagrees with the
	// collection dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Store is the thin adapter over the embedded vector engine's on-disk layout.
//
// It owns physical collection directories and nothing else: catalog records
// live in package catalog, and the two are reconciled by package consistency.
type Store interface {
	// Create provisions an empty physical collection with the given dimension.
	Create(ctx context.Context, id string, dimension int) error

	// Drop removes the physical collection directory.
	Drop(ctx context.Context, id string) error

	// Exists reports whether a complete physical collection exists for id.
	Exists(id string) bool

	// Count returns the number of stored vectors.
	Count(id string) (int64, error)

	// Dimension returns the collection's vector dimension.
	Dimension(id string) (int, error)

	// ListIDs returns the stored document ids in ascending order.
	ListIDs(id string) ([]uint32, error)

	// Append stores one vector under docID.
	Append(ctx context.Context, id string, docID uint32, vec []float32) error

	// CopyAll copies every item of src into dst. dst must exist, be empty and
	// have the same dimension.
	CopyAll(ctx context.Context, src, dst string) error

	// Path returns the directory that holds (or would hold) the collection.
	Path(id string) string
}

// LocalStore implements Store on a local directory tree, one subdirectory per
// collection id under root.
type LocalStore struct {
	fs   fs.FileSystem
	root string
}

// NewLocalStore creates a LocalStore rooted at root. If fsys is nil the local
// file system is used.
func NewLocalStore(fsys fs.FileSystem, root string) *LocalStore {
	if fsys == nil {
		fsys = fs.Default
	}
	return &LocalStore{fs: fsys, root: root}
}

// Path returns the directory for a collection id.
func (s *LocalStore) Path(id string) string {
	return filepath.Join(s.root, id)
}

// Exists reports whether a complete physical collection exists for id.
func (s *LocalStore) Exists(id string) bool {
	return IsCollectionDir(s.fs, s.Path(id))
}

// Create provisions an empty physical collection.
func (s *LocalStore) Create(ctx context.Context, id string, dimension int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dimension <= 0 {
		return fmt.Errorf("vectorstore: dimension must be positive, got %d", dimension)
	}

	dir := s.Path(id)
	if _, err := s.fs.Stat(dir); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vectorstore: create %s: %w", id, err)
	}

	// Data and length files are created empty; header and id set last so that
	// an aborted create never classifies as a complete collection.
	for _, name := range []string{DataFileName, LengthFileName} {
		f, err := s.fs.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			s.fs.RemoveAll(dir)
			return fmt.Errorf("vectorstore: create %s: %w", id, err)
		}
		if err := f.Close(); err != nil {
			s.fs.RemoveAll(dir)
			return fmt.Errorf("vectorstore: create %s: %w", id, err)
		}
	}
	if err := writeIDSet(s.fs, dir, newBitmap()); err != nil {
		s.fs.RemoveAll(dir)
		return fmt.Errorf("vectorstore: create %s: %w", id, err)
	}
	if err := writeHeader(s.fs, dir, Header{Version: formatVersion, Dimension: uint32(dimension)}); err != nil {
		s.fs.RemoveAll(dir)
		return fmt.Errorf("vectorstore: create %s: %w", id, err)
	}

	return nil
}

// Drop removes the physical collection directory.
func (s *LocalStore) Drop(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.Path(id)
	if _, err := s.fs.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("vectorstore: drop %s: %w", id, err)
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("vectorstore: drop %s: %w", id, err)
	}
	return nil
}

// Count returns the number of stored vectors.
func (s *LocalStore) Count(id string) (int64, error) {
	h, err := s.header(id)
	if err != nil {
		return 0, err
	}
	return int64(h.Count), nil
}

// Dimension returns the collection's vector dimension.
func (s *LocalStore) Dimension(id string) (int, error) {
	h, err := s.header(id)
	if err != nil {
		return 0, err
	}
	return int(h.Dimension), nil
}

// ListIDs returns the stored document ids in ascending order.
func (s *LocalStore) ListIDs(id string) ([]uint32, error) {
	if !s.Exists(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rb, err := ReadIDSet(s.fs, s.Path(id))
	if err != nil {
		return nil, err
	}
	return rb.ToArray(), nil
}

// Append stores one vector under docID.
func (s *LocalStore) Append(ctx context.Context, id string, docID uint32, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.Path(id)
	h, err := s.header(id)
	if err != nil {
		return err
	}
	if len(vec) != int(h.Dimension) {
		return fmt.Errorf("%w: collection %s expects %d, got %d", ErrDimensionMismatch, id, h.Dimension, len(vec))
	}

	if err := s.appendData(dir, vec); err != nil {
		return fmt.Errorf("vectorstore: append %s: %w", id, err)
	}

	rb, err := ReadIDSet(s.fs, dir)
	if err != nil {
		return err
	}
	rb.Add(docID)
	if err := writeIDSet(s.fs, dir, rb); err != nil {
		return fmt.Errorf("vectorstore: append %s: %w", id, err)
	}

	h.Count++
	return writeHeader(s.fs, dir, h)
}

func (s *LocalStore) appendData(dir string, vec []float32) error {
	data, err := s.fs.OpenFile(filepath.Join(dir, DataFileName), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if _, err := data.Write(buf); err != nil {
		data.Close()
		return err
	}
	if err := data.Sync(); err != nil {
		data.Close()
		return err
	}
	if err := data.Close(); err != nil {
		return err
	}

	lengths, err := s.fs.OpenFile(filepath.Join(dir, LengthFileName), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(vec)*4))
	if _, err := lengths.Write(lenBuf[:]); err != nil {
		lengths.Close()
		return err
	}
	if err := lengths.Sync(); err != nil {
		lengths.Close()
		return err
	}
	return lengths.Close()
}

// CopyAll copies every item of src into dst by streaming the engine files.
// dst must exist, be empty and share src's dimension.
func (s *LocalStore) CopyAll(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srcHeader, err := s.header(src)
	if err != nil {
		return err
	}
	dstHeader, err := s.header(dst)
	if err != nil {
		return err
	}
	if dstHeader.Count != 0 {
		return fmt.Errorf("vectorstore: copy target %s is not empty", dst)
	}
	if dstHeader.Dimension != srcHeader.Dimension {
		return fmt.Errorf("%w: source dimension %d, target %d", ErrDimensionMismatch, srcHeader.Dimension, dstHeader.Dimension)
	}

	srcDir, dstDir := s.Path(src), s.Path(dst)
	for _, name := range []string{DataFileName, LengthFileName, IDsFileName} {
		if err := fs.CopyFile(s.fs, filepath.Join(srcDir, name), filepath.Join(dstDir, name)); err != nil {
			return fmt.Errorf("vectorstore: copy %s -> %s: %w", src, dst, err)
		}
	}

	dstHeader.Count = srcHeader.Count
	return writeHeader(s.fs, dstDir, dstHeader)
}

func (s *LocalStore) header(id string) (Header, error) {
	h, err := ReadHeader(s.fs, s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Header{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Header{}, err
	}
	return h, nil
}
