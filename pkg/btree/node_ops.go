package btree

import (
	"encoding/binary"

	"github.com/ferrokv/ferrokv/pkg/page"
)

// Comparator defines a strict total order over keys.
type Comparator func(a, b []byte) int

func (n *Node) copySlot(dst, src page.SlotID) {
	copy(n.buf[n.slotOffset(dst):n.slotOffset(dst)+SlotSize], n.buf[n.slotOffset(src):n.slotOffset(src)+SlotSize])
}

// LowerBound performs a binary search with a pluggable comparator and
// returns the first slot whose key is >= target, and whether it is an
// exact match. For branch nodes, an eq hit names the descend target's
// left neighbor: callers add one to reach the child to descend into
// (spec.md §4.2).
func (n *Node) LowerBound(cmp Comparator, key []byte) (page.SlotID, bool) {
	lo, hi := 0, n.Count()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.Key(page.SlotID(mid)), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	idx := page.SlotID(lo)
	eq := lo < n.Count() && cmp(n.Key(idx), key) == 0
	return idx, eq
}

// DescendChild resolves the child pointer a branch node routes key through.
func (n *Node) DescendChild(cmp Comparator, key []byte) page.ID {
	if n.Type() != TypeBranch {
		panic("btree: DescendChild on leaf node")
	}
	idx, eq := n.LowerBound(cmp, key)
	child := idx
	if eq {
		child = idx + 1
	}
	if int(child) < n.Count() {
		return n.LeftChild(child)
	}
	return n.TailChild()
}

func (n *Node) insertSlot(at page.SlotID, key, val []byte, isBucket bool, leftChild page.ID) bool {
	isBranch := n.Type() == TypeBranch
	keyLen := len(key)
	valLen := 0
	if !isBranch {
		valLen = len(val)
	}
	overflow := n.needsOverflow(keyLen, valLen)
	var recBytes []byte
	var ovfStart page.ID
	if overflow {
		ovfStart = n.ovf.StoreOverflow(key, val, n.LastModifiedTxID())
		recBytes = make([]byte, OverflowRecordSize)
		binary.LittleEndian.PutUint32(recBytes, uint32(ovfStart))
	} else if isBranch {
		recBytes = key
	} else {
		recBytes = make([]byte, keyLen+valLen)
		copy(recBytes, key)
		copy(recBytes[keyLen:], val)
	}

	needed := SlotSize + len(recBytes)
	if n.FreeSpace() < needed {
		if n.FreeSpaceAfterCompaction() < needed {
			if overflow {
				n.ovf.FreeOverflow(ovfStart, keyLen, valLen, n.LastModifiedTxID())
			}
			return false
		}
		n.compactify()
	}

	count := n.Count()
	for i := count; i > int(at); i-- {
		n.copySlot(page.SlotID(i), page.SlotID(i-1))
	}

	newOff := int(n.DataOffset()) - len(recBytes)
	copy(n.buf[newOff:], recBytes)
	n.setDataOffset(uint16(newOff))

	w1 := uint16(newOff) & recordOffsetMask
	if overflow {
		w1 |= isOverflowBit
	}
	n.setSlotWord1(at, w1)

	w2 := uint16(keyLen) & keyLengthMask
	if isBucket {
		w2 |= isBucketBit
	}
	n.setSlotWord2(at, w2)

	if isBranch {
		n.setLeftChild(at, leftChild)
	} else {
		n.setValueLength(at, uint32(valLen))
	}

	n.setTypeCount(n.Type(), count+1)
	n.setSpaceUsed(n.SpaceUsed() + uint16(len(recBytes)))
	return true
}

// InsertLeaf inserts a key/value pair (or a sub-bucket marker when
// isBucket is set) at slot index at. Returns false if neither free space
// nor compaction make room.
func (n *Node) InsertLeaf(at page.SlotID, key, val []byte, isBucket bool) bool {
	return n.insertSlot(at, key, val, isBucket, page.InvalidID)
}

// InsertBranch inserts a separator key and its left child pointer.
func (n *Node) InsertBranch(at page.SlotID, key []byte, leftChild page.ID) bool {
	return n.insertSlot(at, key, nil, false, leftChild)
}

// DeleteSlot removes slot at, shifting the remaining slots left. Record
// bytes are not reclaimed until the next Compactify.
func (n *Node) DeleteSlot(at page.SlotID) {
	keyLen := int(n.keyLength(at))
	valLen := 0
	if n.Type() == TypeLeaf {
		valLen = int(n.ValueLength(at))
	}
	if n.isOverflow(at) {
		start := page.ID(binary.LittleEndian.Uint32(n.buf[n.recordOffset(at):]))
		n.ovf.FreeOverflow(start, keyLen, valLen, n.LastModifiedTxID())
	}
	freed := n.recordLen(at)
	count := n.Count()
	for i := int(at); i < count-1; i++ {
		n.copySlot(page.SlotID(i), page.SlotID(i+1))
	}
	n.setTypeCount(n.Type(), count-1)
	n.setSpaceUsed(n.SpaceUsed() - uint16(freed))
}

// UpdateLeaf replaces slot at's key/value in place, as a delete-then-insert
// that restores the original record if the new one does not fit.
func (n *Node) UpdateLeaf(at page.SlotID, key, val []byte, isBucket bool) bool {
	oldKey := append([]byte(nil), n.Key(at)...)
	oldVal := append([]byte(nil), n.Value(at)...)
	oldIsBucket := n.IsBucketValue(at)

	n.DeleteSlot(at)
	if n.InsertLeaf(at, key, val, isBucket) {
		return true
	}
	n.InsertLeaf(at, oldKey, oldVal, oldIsBucket)
	return false
}

func (n *Node) setRecordOffsetPreserveOverflow(i page.SlotID, off uint16) {
	w1 := n.slotWord1(i) & isOverflowBit
	n.setSlotWord1(i, w1|(off&recordOffsetMask))
}

// Compactify rewrites the record region densely, packing all live records
// against the end of the page and updating every slot's record_offset and
// the node's data_offset. Called lazily only when free space alone cannot
// satisfy an insert but free space after compaction could.
func (n *Node) Compactify() { n.compactify() }

func (n *Node) compactify() {
	count := n.Count()
	type rec struct {
		slot   page.SlotID
		off    uint16
		length int
	}
	recs := make([]rec, count)
	for i := 0; i < count; i++ {
		sid := page.SlotID(i)
		recs[i] = rec{sid, n.recordOffset(sid), n.recordLen(sid)}
	}

	scratch := make([]byte, n.pgSize)
	cursor := n.pgSize
	for _, r := range recs {
		cursor -= r.length
		copy(scratch[cursor:cursor+r.length], n.buf[int(r.off):int(r.off)+r.length])
	}
	copy(n.buf[cursor:], scratch[cursor:])

	cursor2 := n.pgSize
	for _, r := range recs {
		cursor2 -= r.length
		n.setRecordOffsetPreserveOverflow(r.slot, uint16(cursor2))
	}
	n.setDataOffset(uint16(cursor))
}
