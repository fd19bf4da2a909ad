package btree

import (
	"bytes"
	"encoding/binary"
)

// LexCompare is the default byte-lexicographic Comparator.
func LexCompare(a, b []byte) int { return bytes.Compare(a, b) }

// Uint32Compare orders keys as big-endian uint32 values, so byte order
// matches numeric order (documented library choice, spec.md §4.3).
func Uint32Compare(a, b []byte) int {
	ua := binary.BigEndian.Uint32(a)
	ub := binary.BigEndian.Uint32(b)
	switch {
	case ua < ub:
		return -1
	case ua > ub:
		return 1
	default:
		return 0
	}
}

// Uint64Compare orders keys as big-endian uint64 values.
func Uint64Compare(a, b []byte) int {
	ua := binary.BigEndian.Uint64(a)
	ub := binary.BigEndian.Uint64(b)
	switch {
	case ua < ub:
		return -1
	case ua > ub:
		return 1
	default:
		return 0
	}
}
