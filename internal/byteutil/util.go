package byteutil

import "encoding/binary"

// EncodeUint64ToBytes encodes id big-endian so byte order matches numeric order in bbolt cursors.
func EncodeUint64ToBytes(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func DecodeBytesToUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// JoinKey builds a composite bbolt key from parts separated by '/'.
func JoinKey(parts ...string) []byte {
	var n int
	for _, p := range parts {
		n += len(p) + 1
	}

	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, '/')
		}
		b = append(b, p...)
	}

	return b
}
