// ABOUTME: B+Tree node layout: header, 12-byte slots, and overflow records
// ABOUTME: within one page, generalized from a fixed pointer array to a
// ABOUTME: variable-length slot/record layout with lazy compaction.
package btree

import (
	"encoding/binary"

	"github.com/ferrokv/ferrokv/pkg/page"
)

// Node types stored in the top bit of the header's flagsCount field.
const (
	TypeLeaf   = 0
	TypeBranch = 1
)

const (
	// HeaderSize is the fixed prefix of every B+Tree page:
	// last_modified_txid(8) + flags_count(2) + space_used(2) + data_offset(2) + tail_child/pad(4)
	HeaderSize = 18

	// SlotSize is the fixed 12-byte slot format (§9: never varies, even
	// when a record becomes an overflow record). 4 bytes are reserved for
	// a future is_inline_bucket flag per spec.md's Open Question.
	SlotSize = 12

	// OverflowRecordSize is the byte length of an OverflowRecord{pgid}.
	OverflowRecordSize = 4
)

// recordOffsetMask/isOverflowBit split the first slot word:
// record_offset:u15, is_overflow:u1.
const (
	recordOffsetMask = 0x7FFF
	isOverflowBit    = 0x8000
)

// keyLengthMask/isBucketBit split the second slot word:
// key_length:u15, is_bucket_value:u1.
const (
	keyLengthMask = 0x7FFF
	isBucketBit   = 0x8000
)

// Node is a mutable view over one page's bytes. It never copies the
// backing buffer; callers (the Pager) are responsible for copy-on-write.
type Node struct {
	buf    []byte
	ovf    OverflowStore
	pgSize int
}

// OverflowStore resolves and persists record bytes that don't fit inline.
// The Pager implements this; Node only depends on the interface so node.go
// stays ignorant of allocation policy.
type OverflowStore interface {
	LoadOverflow(start page.ID, keyLen, valLen int) (key, val []byte)
	StoreOverflow(key, val []byte, writingTx page.TxID) page.ID
	FreeOverflow(start page.ID, keyLen, valLen int, freedAt page.TxID)
}

// NewNode wraps buf (exactly pgSize bytes) as a Node.
func NewNode(buf []byte, ovf OverflowStore) *Node {
	return &Node{buf: buf, ovf: ovf, pgSize: len(buf)}
}

func (n *Node) Bytes() []byte { return n.buf }

// --- header accessors ---

func (n *Node) LastModifiedTxID() page.TxID {
	return page.TxID(binary.LittleEndian.Uint64(n.buf[0:8]))
}

func (n *Node) SetLastModifiedTxID(tx page.TxID) {
	binary.LittleEndian.PutUint64(n.buf[0:8], uint64(tx))
}

func (n *Node) flagsCount() uint16 { return binary.LittleEndian.Uint16(n.buf[8:10]) }

func (n *Node) Type() int {
	if n.flagsCount()&0x8000 != 0 {
		return TypeBranch
	}
	return TypeLeaf
}

func (n *Node) Count() int { return int(n.flagsCount() & 0x7FFF) }

func (n *Node) setTypeCount(typ, count int) {
	v := uint16(count) & 0x7FFF
	if typ == TypeBranch {
		v |= 0x8000
	}
	binary.LittleEndian.PutUint16(n.buf[8:10], v)
}

func (n *Node) SpaceUsed() uint16 { return binary.LittleEndian.Uint16(n.buf[10:12]) }
func (n *Node) setSpaceUsed(v uint16) {
	binary.LittleEndian.PutUint16(n.buf[10:12], v)
}

func (n *Node) DataOffset() uint16 { return binary.LittleEndian.Uint16(n.buf[12:14]) }
func (n *Node) setDataOffset(v uint16) {
	binary.LittleEndian.PutUint16(n.buf[12:14], v)
}

// TailChild is the right-most child pointer of a branch node (the child
// for keys greater than or equal to the last separator).
func (n *Node) TailChild() page.ID {
	return page.ID(binary.LittleEndian.Uint32(n.buf[14:18]))
}

func (n *Node) SetTailChild(id page.ID) {
	binary.LittleEndian.PutUint32(n.buf[14:18], uint32(id))
}

// InitLeaf / InitBranch reset the node to an empty node of the given type.
func (n *Node) InitLeaf() {
	n.setTypeCount(TypeLeaf, 0)
	n.setSpaceUsed(0)
	n.setDataOffset(uint16(n.pgSize))
	binary.LittleEndian.PutUint32(n.buf[14:18], uint32(page.InvalidID))
}

func (n *Node) InitBranch(tailChild page.ID) {
	n.setTypeCount(TypeBranch, 0)
	n.setSpaceUsed(0)
	n.setDataOffset(uint16(n.pgSize))
	n.SetTailChild(tailChild)
}

// SlotSpace is the number of bytes the slot array occupies.
func (n *Node) SlotSpace() int { return HeaderSize + n.Count()*SlotSize }

// FreeSpace is the raw gap between the end of the slot array and the start
// of the record region (invariant #1: SlotSpace + FreeSpace = DataOffset).
func (n *Node) FreeSpace() int { return int(n.DataOffset()) - n.SlotSpace() }

// FreeSpaceAfterCompaction is the space recoverable once dead record bytes
// are squeezed out (invariant #1: SpaceUsed + FreeSpaceAfterCompaction +
// SlotSpace = page size).
func (n *Node) FreeSpaceAfterCompaction() int {
	return n.pgSize - n.SlotSpace() - int(n.SpaceUsed())
}

func (n *Node) slotOffset(i page.SlotID) int { return HeaderSize + int(i)*SlotSize }

func (n *Node) slotWord1(i page.SlotID) uint16 {
	return binary.LittleEndian.Uint16(n.buf[n.slotOffset(i):])
}
func (n *Node) setSlotWord1(i page.SlotID, v uint16) {
	binary.LittleEndian.PutUint16(n.buf[n.slotOffset(i):], v)
}
func (n *Node) slotWord2(i page.SlotID) uint16 {
	return binary.LittleEndian.Uint16(n.buf[n.slotOffset(i)+2:])
}
func (n *Node) setSlotWord2(i page.SlotID, v uint16) {
	binary.LittleEndian.PutUint16(n.buf[n.slotOffset(i)+2:], v)
}
func (n *Node) slotWord3(i page.SlotID) uint32 {
	return binary.LittleEndian.Uint32(n.buf[n.slotOffset(i)+4:])
}
func (n *Node) setSlotWord3(i page.SlotID, v uint32) {
	binary.LittleEndian.PutUint32(n.buf[n.slotOffset(i)+4:], v)
}

func (n *Node) recordOffset(i page.SlotID) uint16 { return n.slotWord1(i) & recordOffsetMask }
func (n *Node) isOverflow(i page.SlotID) bool      { return n.slotWord1(i)&isOverflowBit != 0 }
func (n *Node) keyLength(i page.SlotID) uint16     { return n.slotWord2(i) & keyLengthMask }

// IsBucketValue reports whether the leaf slot's value is a sub-bucket root.
func (n *Node) IsBucketValue(i page.SlotID) bool { return n.slotWord2(i)&isBucketBit != 0 }

// ValueLength returns the leaf slot's logical value length (valid for both
// inline and overflow leaf records).
func (n *Node) ValueLength(i page.SlotID) uint32 {
	if n.Type() == TypeBranch {
		panic("btree: ValueLength called on branch slot")
	}
	return n.slotWord3(i)
}

// LeftChild returns the branch slot's child pointer.
func (n *Node) LeftChild(i page.SlotID) page.ID {
	if n.Type() != TypeBranch {
		panic("btree: LeftChild called on leaf slot")
	}
	return page.ID(n.slotWord3(i))
}

func (n *Node) setLeftChild(i page.SlotID, id page.ID) { n.setSlotWord3(i, uint32(id)) }
func (n *Node) setValueLength(i page.SlotID, l uint32) { n.setSlotWord3(i, l) }

// Key returns the slot's key bytes, transparently resolving overflow.
func (n *Node) Key(i page.SlotID) []byte {
	off := n.recordOffset(i)
	klen := int(n.keyLength(i))
	if !n.isOverflow(i) {
		return n.buf[off : int(off)+klen]
	}
	start := page.ID(binary.LittleEndian.Uint32(n.buf[off:]))
	vlen := 0
	if n.Type() == TypeLeaf {
		vlen = int(n.ValueLength(i))
	}
	k, _ := n.ovf.LoadOverflow(start, klen, vlen)
	return k
}

// Value returns the leaf slot's value bytes, resolving overflow.
func (n *Node) Value(i page.SlotID) []byte {
	if n.Type() != TypeLeaf {
		panic("btree: Value called on branch slot")
	}
	off := n.recordOffset(i)
	klen := int(n.keyLength(i))
	vlen := int(n.ValueLength(i))
	if !n.isOverflow(i) {
		return n.buf[int(off)+klen : int(off)+klen+vlen]
	}
	start := page.ID(binary.LittleEndian.Uint32(n.buf[off:]))
	_, v := n.ovf.LoadOverflow(start, klen, vlen)
	return v
}

// recordLen is the number of record-region bytes this slot currently
// occupies (inline bytes, or the 4-byte OverflowRecord pointer).
func (n *Node) recordLen(i page.SlotID) int {
	if n.isOverflow(i) {
		return OverflowRecordSize
	}
	if n.Type() == TypeBranch {
		return int(n.keyLength(i))
	}
	return int(n.keyLength(i)) + int(n.ValueLength(i))
}

// inlineThreshold returns the byte count above which a key+value pair is
// stored out-of-line in overflow pages (spec.md: "~half the page's usable
// area").
func (n *Node) inlineThreshold() int {
	return (n.pgSize - HeaderSize) / 2
}

// needsOverflow reports whether storing keyLen+valLen inline would exceed
// the page's overflow threshold.
func (n *Node) needsOverflow(keyLen, valLen int) bool {
	return keyLen+valLen > n.inlineThreshold()
}

// GetFillRate returns the fraction of the page consumed by live bytes,
// including slot overhead, i.e. 1 - FreeSpaceAfterCompaction/pageSize.
func (n *Node) GetFillRate() float64 {
	return float64(n.pgSize-n.FreeSpaceAfterCompaction()) / float64(n.pgSize)
}
