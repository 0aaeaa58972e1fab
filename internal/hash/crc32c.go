// Package hash provides the CRC32-Castagnoli checksums used for
// archive integrity. Go's crc32 package uses hardware instructions
// (SSE4.2, ARM CRC) when available.
package hash

import (
	"hash"
	"hash/crc32"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// NewCRC32C returns a new CRC32-Castagnoli hash.Hash32 for streaming
// checksums.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}
