// Package wal implements C8 (the WAL writer/reader) and C9 (the logger
// that binds logical entries to 32 KiB block framing, crash recovery, and
// checkpointing). Framing and CRC discipline are grounded on the
// teacher's pkg/wal/entry.go and wal.go (length-prefixed, CRC32-checked
// records); the block/record-type scheme and logical entry catalog come
// from spec.md §4.6.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/ferrokv/ferrokv/pkg/page"
)

// EntryType tags a logical WAL entry (spec.md §4.6's entry catalog).
type EntryType byte

const (
	EntryBegin EntryType = iota + 1
	EntryCommit
	EntryRollback
	EntrySubBucket
	EntryPutIsBucket
	EntryPutNotBucket
	EntryDelete
	EntryDeleteBucket
)

// Entry is one logical WAL record: a transaction lifecycle marker or a
// single mutation, always scoped to TxID and a nested-bucket path.
type Entry struct {
	Type  EntryType
	TxID  page.TxID
	Path  [][]byte // nested bucket names from the root to the mutated bucket
	Key   []byte
	Value []byte
}

// Encode serializes e as: type(1) txid(8) pathLen(2) [pathElemLen(2) elem]... keyLen(4) key valLen(4) val
func (e *Entry) Encode() []byte {
	size := 1 + 8 + 2
	for _, p := range e.Path {
		size += 2 + len(p)
	}
	size += 4 + len(e.Key) + 4 + len(e.Value)
	buf := make([]byte, size)
	off := 0
	buf[off] = byte(e.Type)
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.TxID))
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Path)))
	off += 2
	for _, p := range e.Path {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(p)))
		off += 2
		copy(buf[off:], p)
		off += len(p)
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Key)))
	off += 4
	copy(buf[off:], e.Key)
	off += len(e.Key)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Value)))
	off += 4
	copy(buf[off:], e.Value)
	return buf
}

// DecodeEntry parses a single logical entry out of buf, returning the
// entry and the number of bytes consumed.
func DecodeEntry(buf []byte) (*Entry, int, error) {
	if len(buf) < 11 {
		return nil, 0, fmt.Errorf("wal: entry header truncated")
	}
	e := &Entry{Type: EntryType(buf[0]), TxID: page.TxID(binary.LittleEndian.Uint64(buf[1:9]))}
	off := 9
	pathLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	for i := 0; i < pathLen; i++ {
		if off+2 > len(buf) {
			return nil, 0, fmt.Errorf("wal: path entry truncated")
		}
		l := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+l > len(buf) {
			return nil, 0, fmt.Errorf("wal: path bytes truncated")
		}
		e.Path = append(e.Path, buf[off:off+l])
		off += l
	}
	if off+4 > len(buf) {
		return nil, 0, fmt.Errorf("wal: key length truncated")
	}
	klen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+klen > len(buf) {
		return nil, 0, fmt.Errorf("wal: key bytes truncated")
	}
	e.Key = buf[off : off+klen]
	off += klen
	if off+4 > len(buf) {
		return nil, 0, fmt.Errorf("wal: value length truncated")
	}
	vlen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+vlen > len(buf) {
		return nil, 0, fmt.Errorf("wal: value bytes truncated")
	}
	e.Value = buf[off : off+vlen]
	off += vlen
	return e, off, nil
}

// recordChecksum is the CRC32 (IEEE) of a record's payload, matching the
// teacher's use of hash/crc32 for on-disk integrity checks throughout.
func recordChecksum(payload []byte) uint32 { return crc32.ChecksumIEEE(payload) }
