package backup

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec used for collection archives.
type Compression string

const (
	// CompressionZstd is the default codec. Good ratio on float payloads
	// and fast enough to keep checkpoints I/O bound.
	CompressionZstd Compression = "zstd"

	// CompressionLZ4 trades ratio for speed. Useful when checkpoints run
	// on a hot path and disk is cheap.
	CompressionLZ4 Compression = "lz4"
)

// Ext returns the file extension used for archives with this codec,
// including the leading dot.
func (c Compression) Ext() string {
	switch c {
	case CompressionLZ4:
		return ".tar.lz4"
	default:
		return ".tar.zst"
	}
}

// Validate reports whether c names a known codec.
func (c Compression) Validate() error {
	switch c {
	case CompressionZstd, CompressionLZ4:
		return nil
	default:
		return fmt.Errorf("backup: unknown compression %q", c)
	}
}

// compressionForName maps an archive filename back to its codec.
// Returns false for files that are not collection archives.
func compressionForName(name string) (Compression, bool) {
	switch {
	case strings.HasSuffix(name, ".tar.zst"):
		return CompressionZstd, true
	case strings.HasSuffix(name, ".tar.lz4"):
		return CompressionLZ4, true
	default:
		return "", false
	}
}

// newCompressor wraps w with the codec's writer. The returned closer
// must be closed before the underlying writer to flush frames.
func newCompressor(c Compression, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionZstd, "":
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("backup: unknown compression %q", c)
	}
}

// newDecompressor wraps r with the codec's reader.
func newDecompressor(c Compression, r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CompressionZstd, "":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("backup: unknown compression %q", c)
	}
}
