package journal

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// InvalidPathHash is the sentinel returned for the empty path, which is
// reserved and never stored.
const InvalidPathHash = int64(-1)

// PathHash computes the 64-bit primary key of the metadata store from the
// UTF-8 bytes of a path. The value is the first 8 bytes of the blake3 digest,
// so it is stable across runs and platforms.
func PathHash(path string) int64 {
	if path == "" {
		return InvalidPathHash
	}
	sum := blake3.Sum256([]byte(path))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
