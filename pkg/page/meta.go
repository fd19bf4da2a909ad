package page

import (
	"encoding/binary"
	"hash/crc32"
)

// Sign is the 4-byte magic stamped into every meta page.
const Sign uint32 = 0xF3720DB1

// MinVersion gates downgrades: a file whose meta.MinVersion is higher than
// this build's CurrentVersion cannot be opened.
const (
	CurrentVersion uint32 = 1
)

// MetaSize is the number of bytes Meta occupies at the start of pages 0/1.
// The remainder of the page is unused padding reserved for future fields.
const MetaSize = 48

// Meta is the packed metadata record persisted at page 0 and page 1. Exactly
// one of the two on-disk copies is current: the one with a valid CRC and,
// between two valid copies, the higher TxID.
type Meta struct {
	Sign              uint32
	MinVersion        uint32
	PageSize          uint16
	PageCount         uint32
	UserRoot          ID
	TxID              TxID
	FreeListPgid      ID
	FreePairCount     uint32
	FreeListPageCount uint32
}

// Encode serializes m into a MetaSize-byte buffer with a trailing CRC32.
func (m *Meta) Encode() []byte {
	buf := make([]byte, MetaSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.Sign)
	binary.LittleEndian.PutUint32(buf[4:8], m.MinVersion)
	binary.LittleEndian.PutUint16(buf[8:10], m.PageSize)
	binary.LittleEndian.PutUint32(buf[10:14], m.PageCount)
	binary.LittleEndian.PutUint32(buf[14:18], uint32(m.UserRoot))
	binary.LittleEndian.PutUint64(buf[18:26], uint64(m.TxID))
	binary.LittleEndian.PutUint32(buf[26:30], uint32(m.FreeListPgid))
	binary.LittleEndian.PutUint32(buf[30:34], m.FreePairCount)
	binary.LittleEndian.PutUint32(buf[34:38], m.FreeListPageCount)
	crc := crc32.ChecksumIEEE(buf[:38])
	binary.LittleEndian.PutUint32(buf[38:42], crc)
	return buf
}

// Decode parses a Meta out of buf and validates its checksum. ok is false
// when the checksum does not match (e.g. a torn or never-written copy).
func Decode(buf []byte) (m Meta, ok bool) {
	if len(buf) < 42 {
		return Meta{}, false
	}
	storedCRC := binary.LittleEndian.Uint32(buf[38:42])
	if crc32.ChecksumIEEE(buf[:38]) != storedCRC {
		return Meta{}, false
	}
	m.Sign = binary.LittleEndian.Uint32(buf[0:4])
	m.MinVersion = binary.LittleEndian.Uint32(buf[4:8])
	m.PageSize = binary.LittleEndian.Uint16(buf[8:10])
	m.PageCount = binary.LittleEndian.Uint32(buf[10:14])
	m.UserRoot = ID(binary.LittleEndian.Uint32(buf[14:18]))
	m.TxID = TxID(binary.LittleEndian.Uint64(buf[18:26]))
	m.FreeListPgid = ID(binary.LittleEndian.Uint32(buf[26:30]))
	m.FreePairCount = binary.LittleEndian.Uint32(buf[30:34])
	m.FreeListPageCount = binary.LittleEndian.Uint32(buf[34:38])
	if m.Sign != Sign {
		return Meta{}, false
	}
	return m, true
}

// Clone returns a deep copy (Meta has no reference fields, so this is just
// a value copy, kept as a named method so call sites read intentionally).
func (m Meta) Clone() Meta { return m }
