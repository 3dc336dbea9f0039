package hashutil

import (
	"crypto/sha1" // nolint: gosec
	"encoding/binary"

	"github.com/bloops-games/rapbattle/internal/bytespool"
)

// Sha1Of hashes parts joined by a zero byte.
func Sha1Of(parts ...string) [20]byte {
	buf := bytespool.Get()
	defer bytespool.Put(buf)

	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(p)
	}

	return sha1.Sum(buf.Bytes()) // nolint: gosec
}

// Seed folds the sha1 of parts into a uint64. Equal parts give equal seeds.
func Seed(parts ...string) uint64 {
	sum := Sha1Of(parts...)
	return binary.BigEndian.Uint64(sum[:8])
}
