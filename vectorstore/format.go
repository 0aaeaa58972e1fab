package vectorstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vecsafe/internal/fs"
)

// Engine file names inside a physical collection directory.
const (
	HeaderFileName = "header.bin"
	DataFileName   = "data_level0.bin"
	LengthFileName = "length.bin"
	IDsFileName    = "ids.bin"
)

const (
	headerMagic   = uint32(0x56534331) // "VSC1"
	formatVersion = uint32(1)
	headerSize    = 4 + 4 + 4 + 8
)

var (
	// ErrCorruptHeader is returned when header.bin cannot be parsed.
	ErrCorruptHeader = errors.New("corrupt collection header")

	// ErrCorruptIDSet is returned when ids.bin cannot be parsed.
	ErrCorruptIDSet = errors.New("corrupt collection id set")
)

// Header is the fixed-size metadata block of a physical collection.
type Header struct {
	Version   uint32
	Dimension uint32
	Count     uint64
}

func (h Header) marshal() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.Dimension)
	binary.LittleEndian.PutUint64(buf[12:20], h.Count)
	return buf
}

func unmarshalHeader(data []byte) (Header, error) {
	if len(data) != headerSize {
		return Header{}, fmt.Errorf("%w: %d bytes, want %d", ErrCorruptHeader, len(data), headerSize)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != headerMagic {
		return Header{}, fmt.Errorf("%w: bad magic", ErrCorruptHeader)
	}
	h := Header{
		Version:   binary.LittleEndian.Uint32(data[4:8]),
		Dimension: binary.LittleEndian.Uint32(data[8:12]),
		Count:     binary.LittleEndian.Uint64(data[12:20]),
	}
	if h.Version != formatVersion {
		return Header{}, fmt.Errorf("%w: unsupported format version %d", ErrCorruptHeader, h.Version)
	}
	if h.Dimension == 0 {
		return Header{}, fmt.Errorf("%w: zero dimension", ErrCorruptHeader)
	}
	return h, nil
}

// ReadHeader reads and validates header.bin inside dir.
func ReadHeader(fsys fs.FileSystem, dir string) (Header, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(dir, HeaderFileName))
	if err != nil {
		return Header{}, err
	}
	return unmarshalHeader(data)
}

func writeHeader(fsys fs.FileSystem, dir string, h Header) error {
	return fs.WriteFileAtomic(fsys, filepath.Join(dir, HeaderFileName), h.marshal(), 0o644)
}

// IsCollectionDir reports whether dir contains the full set of engine files.
// A directory missing any of them is either not a collection or an aborted
// partial write.
func IsCollectionDir(fsys fs.FileSystem, dir string) bool {
	for _, name := range []string{HeaderFileName, DataFileName, LengthFileName, IDsFileName} {
		info, err := fsys.Stat(filepath.Join(dir, name))
		if err != nil || info.IsDir() {
			return false
		}
	}
	return true
}

func newBitmap() *roaring.Bitmap {
	return roaring.New()
}

// ReadIDSet reads and parses ids.bin inside dir.
func ReadIDSet(fsys fs.FileSystem, dir string) (*roaring.Bitmap, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(dir, IDsFileName))
	if err != nil {
		return nil, err
	}
	rb := roaring.New()
	if len(data) == 0 {
		return rb, nil
	}
	if err := rb.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIDSet, err)
	}
	return rb, nil
}

func writeIDSet(fsys fs.FileSystem, dir string, rb *roaring.Bitmap) error {
	var buf bytes.Buffer
	if _, err := rb.WriteTo(&buf); err != nil {
		return fmt.Errorf("vectorstore: encode id set: %w", err)
	}
	return fs.WriteFileAtomic(fsys, filepath.Join(dir, IDsFileName), buf.Bytes(), 0o644)
}

// ReadVectorLengths reads length.bin, one uint32 byte length per stored vector.
func ReadVectorLengths(fsys fs.FileSystem, dir string) ([]uint32, error) {
	data, err := fs.ReadFile(fsys, filepath.Join(dir, LengthFileName))
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: length file size %d not a multiple of 4", ErrCorruptHeader, len(data))
	}
	lengths := make([]uint32, len(data)/4)
	for i := range lengths {
		lengths[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return lengths, nil
}
