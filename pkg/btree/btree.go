// Package btree implements C4 (Node) and C5 (BTree): a copy-on-write
// B+Tree whose pages are supplied by a PageStore (pkg/pager, at runtime).
// The recursive insert/delete shape follows the teacher's
// pkg/btree/btree.go; the split/steal/merge thresholds and path-copy
// discipline come from spec.md §4.3.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/ferrokv/ferrokv/pkg/page"
)

// PageStore is everything BTree needs from the pager to read and
// copy-on-write pages. pkg/pager.Pager implements this.
type PageStore interface {
	Reference(id page.ID) *Node
	CopyForWrite(id page.ID, writingTx page.TxID) (page.ID, *Node, error)
	Alloc(n int, writingTx page.TxID) (page.ID, error)
	Free(id page.ID, freedAt page.TxID)
	FreeOverflow(start page.ID, keyLen, valLen int, freedAt page.TxID)
	PageSize() int
}

// Cmp returns the tree's key comparator, so callers (pkg/bucket) can open
// nested trees with the same ordering.
func (t *BTree) Cmp() Comparator { return t.cmp }

// fill-rate thresholds driving split/steal/merge (spec.md §4.3).
const (
	mergeThreshold = 0.4
	stealThreshold = 0.5
)

// BTree is a single-root copy-on-write tree bound to one writer transaction
// (or, for read-only lookups, no transaction at all).
type BTree struct {
	store PageStore
	cmp   Comparator
	root  page.ID
}

// New wraps an existing root page id.
func New(store PageStore, cmp Comparator, root page.ID) *BTree {
	if cmp == nil {
		cmp = LexCompare
	}
	return &BTree{store: store, cmp: cmp, root: root}
}

// Root returns the tree's current root page id (the caller, typically a
// Bucket, persists this into its owning slot or Meta.UserRoot at commit).
func (t *BTree) Root() page.ID { return t.root }

// CreateEmpty allocates a fresh empty leaf root and returns the tree.
func CreateEmpty(store PageStore, cmp Comparator, writingTx page.TxID) (*BTree, error) {
	id, err := store.Alloc(1, writingTx)
	if err != nil {
		return nil, err
	}
	n := store.Reference(id)
	n.InitLeaf()
	return New(store, cmp, id), nil
}

// Get looks up key, returning its value (or sub-bucket marker) if present.
func (t *BTree) Get(key []byte) (val []byte, isBucket bool, found bool) {
	id := t.root
	for {
		n := t.store.Reference(id)
		if n.Type() == TypeLeaf {
			idx, eq := n.LowerBound(t.cmp, key)
			if !eq {
				return nil, false, false
			}
			return n.Value(idx), n.IsBucketValue(idx), true
		}
		id = n.DescendChild(t.cmp, key)
	}
}

// splitResult describes a node having split in two during a mutating
// descent: left keeps id, right is newly allocated, and sepKey routes
// between them (keys >= sepKey belong to right).
type splitResult struct {
	newLeft  page.ID
	newRight page.ID
	sepKey   []byte
}

// Insert sets key to val (or a sub-bucket marker), copy-on-write along the
// search path, splitting overfull nodes on the way back up.
func (t *BTree) Insert(writingTx page.TxID, key, val []byte, isBucket bool) error {
	newRoot, split, err := t.insert(t.root, writingTx, key, val, isBucket)
	if err != nil {
		return err
	}
	if split == nil {
		t.root = newRoot
		return nil
	}
	rootID, err := t.store.Alloc(1, writingTx)
	if err != nil {
		return err
	}
	root := t.store.Reference(rootID)
	root.InitBranch(split.newRight)
	root.SetLastModifiedTxID(writingTx)
	if !root.InsertBranch(0, split.sepKey, split.newLeft) {
		return fmt.Errorf("btree: new root overflow, impossible with one key")
	}
	t.root = rootID
	return nil
}

func (t *BTree) insert(id page.ID, writingTx page.TxID, key, val []byte, isBucket bool) (page.ID, *splitResult, error) {
	newID, n, err := t.store.CopyForWrite(id, writingTx)
	if err != nil {
		return page.InvalidID, nil, err
	}
	n.SetLastModifiedTxID(writingTx)

	if n.Type() == TypeLeaf {
		idx, eq := n.LowerBound(t.cmp, key)
		if eq {
			if !n.UpdateLeaf(idx, key, val, isBucket) {
				return t.splitLeafAndRetry(newID, writingTx, key, val, isBucket)
			}
			return newID, nil, nil
		}
		if !n.InsertLeaf(idx, key, val, isBucket) {
			return t.splitLeafAndRetry(newID, writingTx, key, val, isBucket)
		}
		return newID, nil, nil
	}

	idx, eq := n.LowerBound(t.cmp, key)
	childIdx := idx
	if eq {
		childIdx = idx + 1
	}
	atTail := int(childIdx) >= n.Count()
	var childID page.ID
	if atTail {
		childID = n.TailChild()
	} else {
		childID = n.LeftChild(childIdx)
	}

	newChildID, childSplit, err := t.insert(childID, writingTx, key, val, isBucket)
	if err != nil {
		return page.InvalidID, nil, err
	}
	if childSplit == nil {
		if atTail {
			n.SetTailChild(newChildID)
		} else {
			n.setLeftChild(childIdx, newChildID)
		}
		return newID, nil, nil
	}

	// child split into (childSplit.newLeft, childSplit.newRight): the left
	// half replaces the old child pointer, the right half becomes a new
	// separator/child pair immediately after it.
	if atTail {
		n.SetTailChild(childSplit.newRight)
	} else {
		n.setLeftChild(childIdx, childSplit.newRight)
	}
	if !n.InsertBranch(childIdx, childSplit.sepKey, childSplit.newLeft) {
		return t.splitBranchAndRetry(newID, writingTx, childIdx, childSplit)
	}
	return newID, nil, nil
}

// splitLeafAndRetry splits full leaf id roughly in half by fill rate,
// moving the tail of its records into a new right sibling, then retries
// the original insert against whichever half now owns the key.
func (t *BTree) splitLeafAndRetry(id page.ID, writingTx page.TxID, key, val []byte, isBucket bool) (page.ID, *splitResult, error) {
	left := t.store.Reference(id)
	rightID, right, err := t.allocLeaf(writingTx)
	if err != nil {
		return page.InvalidID, nil, err
	}

	moved := t.moveTailUntilBalanced(left, right)
	if moved == 0 {
		return page.InvalidID, nil, fmt.Errorf("btree: split produced no movement, record too large for page")
	}
	sepKey := append([]byte(nil), right.Key(0)...)

	if t.cmp(key, sepKey) >= 0 {
		idx, eq := right.LowerBound(t.cmp, key)
		if eq {
			right.UpdateLeaf(idx, key, val, isBucket)
		} else {
			right.InsertLeaf(idx, key, val, isBucket)
		}
	} else {
		idx, eq := left.LowerBound(t.cmp, key)
		if eq {
			left.UpdateLeaf(idx, key, val, isBucket)
		} else {
			left.InsertLeaf(idx, key, val, isBucket)
		}
	}
	return id, &splitResult{newLeft: id, newRight: rightID, sepKey: sepKey}, nil
}

func (t *BTree) allocLeaf(writingTx page.TxID) (page.ID, *Node, error) {
	id, err := t.store.Alloc(1, writingTx)
	if err != nil {
		return page.InvalidID, nil, err
	}
	n := t.store.Reference(id)
	n.InitLeaf()
	n.SetLastModifiedTxID(writingTx)
	return id, n, nil
}

// moveTailUntilBalanced moves records one at a time from the end of left
// into right (in reverse, so right ends up re-sorted ascending) until
// left's fill rate drops to or below the steal/split midpoint.
func (t *BTree) moveTailUntilBalanced(left, right *Node) int {
	moved := 0
	for left.GetFillRate() > stealThreshold && left.Count() > 1 {
		lastIdx := page.SlotID(left.Count() - 1)
		key := append([]byte(nil), left.Key(lastIdx)...)
		val := append([]byte(nil), left.Value(lastIdx)...)
		isBucket := left.IsBucketValue(lastIdx)
		if !right.InsertLeaf(0, key, val, isBucket) {
			break
		}
		left.DeleteSlot(lastIdx)
		moved++
	}
	return moved
}

// splitBranchAndRetry splits a full branch node, moving its tail
// separators (and child pointers) into a new right sibling, then places
// the pending child split (which triggered the overflow) into whichever
// side now owns slot `at`.
func (t *BTree) splitBranchAndRetry(id page.ID, writingTx page.TxID, at page.SlotID, child *splitResult) (page.ID, *splitResult, error) {
	left := t.store.Reference(id)
	rightID, err := t.store.Alloc(1, writingTx)
	if err != nil {
		return page.InvalidID, nil, err
	}
	right := t.store.Reference(rightID)
	right.InitBranch(left.TailChild())
	right.SetLastModifiedTxID(writingTx)

	mid := left.Count() / 2
	// Move everything at index > mid into right, then promote left's last
	// remaining separator as the new divider and retarget left's tail.
	for left.Count() > mid+1 {
		idx := page.SlotID(left.Count() - 1)
		k := append([]byte(nil), left.Key(idx)...)
		lc := left.LeftChild(idx)
		right.InsertBranch(0, k, lc)
		left.DeleteSlot(idx)
	}
	promotedIdx := page.SlotID(left.Count() - 1)
	promoted := append([]byte(nil), left.Key(promotedIdx)...)
	right.SetTailChild(left.TailChild())
	left.SetTailChild(left.LeftChild(promotedIdx))
	left.DeleteSlot(promotedIdx)

	target, targetAt := left, at
	if int(at) > left.Count() {
		target, targetAt = right, at-page.SlotID(left.Count())-1
	}
	if int(targetAt) >= target.Count() {
		if target == left {
			left.SetTailChild(child.newRight)
		} else {
			right.SetTailChild(child.newRight)
		}
		if !target.InsertBranch(page.SlotID(target.Count()), child.sepKey, child.newLeft) {
			return page.InvalidID, nil, fmt.Errorf("btree: branch split retry overflow")
		}
	} else {
		if !target.InsertBranch(targetAt, child.sepKey, child.newLeft) {
			return page.InvalidID, nil, fmt.Errorf("btree: branch split retry overflow")
		}
	}

	return id, &splitResult{newLeft: id, newRight: rightID, sepKey: promoted}, nil
}

// Delete removes key, copy-on-write along the path, merging or stealing
// from siblings when a node's fill rate drops below mergeThreshold.
// found reports whether key was present.
func (t *BTree) Delete(writingTx page.TxID, key []byte) (found bool, err error) {
	newRoot, _, found, err := t.delete(t.root, writingTx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	t.root = newRoot
	root := t.store.Reference(t.root)
	for root.Type() == TypeBranch && root.Count() == 0 {
		t.root = root.TailChild()
		root = t.store.Reference(t.root)
	}
	return true, nil
}

// delete recurses to the leaf holding key, copy-on-writing every node on
// the path, and reports whether the returned node (id) is now underfull
// (fill rate < mergeThreshold) so the parent can steal or merge.
func (t *BTree) delete(id page.ID, writingTx page.TxID, key []byte) (newID page.ID, underfull bool, found bool, err error) {
	newID, n, err := t.store.CopyForWrite(id, writingTx)
	if err != nil {
		return page.InvalidID, false, false, err
	}
	n.SetLastModifiedTxID(writingTx)

	if n.Type() == TypeLeaf {
		idx, eq := n.LowerBound(t.cmp, key)
		if !eq {
			return newID, false, false, nil
		}
		n.DeleteSlot(idx)
		return newID, n.Count() > 0 && n.GetFillRate() < mergeThreshold, true, nil
	}

	idx, eq := n.LowerBound(t.cmp, key)
	childIdx := idx
	if eq {
		childIdx = idx + 1
	}
	atTail := int(childIdx) >= n.Count()
	var childID page.ID
	if atTail {
		childID = n.TailChild()
	} else {
		childID = n.LeftChild(childIdx)
	}

	newChildID, childUnderfull, foundHere, err := t.delete(childID, writingTx, key)
	if err != nil {
		return page.InvalidID, false, false, err
	}
	if !foundHere {
		return newID, false, false, nil
	}
	if atTail {
		n.SetTailChild(newChildID)
	} else {
		n.setLeftChild(childIdx, newChildID)
	}
	if !childUnderfull || n.Count() == 0 {
		return newID, false, true, nil
	}

	if err := t.rebalance(n, writingTx, childIdx, atTail); err != nil {
		return page.InvalidID, false, false, err
	}
	return newID, n.Count() > 0 && n.GetFillRate() < mergeThreshold, true, nil
}

// rebalance steals a record from, or merges with, the sibling of the
// underfull child at childIdx (or the tail child if atTail), per spec.md
// §4.3: steal one record when either node of the pair has a fill rate
// above stealThreshold; otherwise merge the pair. Both siblings are
// path-copied before stealAcross/mergeAcross mutate them in place, since
// the ids read off parent may still be visible to an older snapshot.
func (t *BTree) rebalance(parent *Node, writingTx page.TxID, childIdx page.SlotID, atTail bool) error {
	count := parent.Count()
	if count == 0 {
		return nil
	}

	var sepIdx page.SlotID // the separator between the sibling pair being rebalanced
	if atTail {
		sepIdx = page.SlotID(count - 1)
	} else if childIdx == 0 {
		sepIdx = 0
	} else {
		sepIdx = childIdx - 1
	}

	leftChildID := parent.LeftChild(sepIdx)
	rightIsTail := int(sepIdx)+1 >= count
	var rightChildID page.ID
	if rightIsTail {
		rightChildID = parent.TailChild()
	} else {
		rightChildID = parent.LeftChild(sepIdx + 1)
	}

	newLeftID, left, err := t.store.CopyForWrite(leftChildID, writingTx)
	if err != nil {
		return err
	}
	left.SetLastModifiedTxID(writingTx)
	newRightID, right, err := t.store.CopyForWrite(rightChildID, writingTx)
	if err != nil {
		return err
	}
	right.SetLastModifiedTxID(writingTx)

	// Repoint parent at the copies before stealAcross/mergeAcross edit
	// them, so parent's own separator/child edits land on the same ids.
	parent.setLeftChild(sepIdx, newLeftID)
	if rightIsTail {
		parent.SetTailChild(newRightID)
	} else {
		parent.setLeftChild(sepIdx+1, newRightID)
	}

	if left.GetFillRate() > stealThreshold || right.GetFillRate() > stealThreshold {
		t.stealAcross(parent, sepIdx, left, right)
		return nil
	}
	t.mergeAcross(parent, sepIdx, newLeftID, left, right, rightIsTail)
	return nil
}

// replaceSeparator swaps the separator key at sepIdx for newKey, preserving
// its associated left child pointer.
func replaceSeparator(parent *Node, sepIdx page.SlotID, newKey []byte) {
	lc := parent.LeftChild(sepIdx)
	parent.DeleteSlot(sepIdx)
	parent.InsertBranch(sepIdx, newKey, lc)
}

func (t *BTree) stealAcross(parent *Node, sepIdx page.SlotID, left, right *Node) {
	if left.Type() == TypeLeaf {
		if left.GetFillRate() > stealThreshold {
			idx := page.SlotID(left.Count() - 1)
			k := append([]byte(nil), left.Key(idx)...)
			v := append([]byte(nil), left.Value(idx)...)
			b := left.IsBucketValue(idx)
			right.InsertLeaf(0, k, v, b)
			left.DeleteSlot(idx)
		} else {
			k := append([]byte(nil), right.Key(0)...)
			v := append([]byte(nil), right.Value(0)...)
			b := right.IsBucketValue(0)
			left.InsertLeaf(page.SlotID(left.Count()), k, v, b)
			right.DeleteSlot(0)
		}
		replaceSeparator(parent, sepIdx, append([]byte(nil), right.Key(0)...))
		return
	}

	if left.GetFillRate() > stealThreshold {
		idx := page.SlotID(left.Count() - 1)
		movedKey := append([]byte(nil), left.Key(idx)...)
		movedChild := left.TailChild()
		left.SetTailChild(left.LeftChild(idx))
		left.DeleteSlot(idx)
		oldSep := append([]byte(nil), parent.Key(sepIdx)...)
		right.InsertBranch(0, oldSep, movedChild)
		replaceSeparator(parent, sepIdx, movedKey)
		return
	}
	movedKey := append([]byte(nil), right.Key(0)...)
	movedChild := right.LeftChild(0)
	right.DeleteSlot(0)
	oldSep := append([]byte(nil), parent.Key(sepIdx)...)
	left.InsertBranch(page.SlotID(left.Count()), oldSep, left.TailChild())
	left.SetTailChild(movedChild)
	replaceSeparator(parent, sepIdx, movedKey)
}

// mergeAcross folds right's records into left and removes the separator
// (and right's child pointer) from parent. leftID is left's page id, kept
// so the tail pointer can be retargeted when right was the tail child.
func (t *BTree) mergeAcross(parent *Node, sepIdx page.SlotID, leftID page.ID, left, right *Node, rightIsTail bool) {
	if left.Type() == TypeLeaf {
		for i := 0; i < right.Count(); i++ {
			k := append([]byte(nil), right.Key(page.SlotID(i))...)
			v := append([]byte(nil), right.Value(page.SlotID(i))...)
			b := right.IsBucketValue(page.SlotID(i))
			left.InsertLeaf(page.SlotID(left.Count()), k, v, b)
		}
	} else {
		sep := append([]byte(nil), parent.Key(sepIdx)...)
		left.InsertBranch(page.SlotID(left.Count()), sep, left.TailChild())
		for i := 0; i < right.Count(); i++ {
			k := append([]byte(nil), right.Key(page.SlotID(i))...)
			left.InsertBranch(page.SlotID(left.Count()), k, right.LeftChild(page.SlotID(i)))
		}
		left.SetTailChild(right.TailChild())
	}
	parent.DeleteSlot(sepIdx)
	if rightIsTail {
		parent.SetTailChild(leftID)
	} else {
		// The slot that named right as its LeftChild shifted down to
		// sepIdx; repoint it at the merged node.
		parent.setLeftChild(sepIdx, leftID)
	}
}

// BucketRootDecoder resolves a leaf slot's bucket-marker value into the
// sub-bucket's root page id. pkg/bucket supplies this so btree stays
// ignorant of the bucket value's encoding.
type BucketRootDecoder func(val []byte) page.ID

// DeleteTree frees every page reachable from root: overflow runs, nested
// sub-bucket trees (resolved via decodeRoot), and the nodes themselves.
// Used by pkg/bucket's DeleteSubBucket to reclaim a whole nested bucket.
func DeleteTree(store PageStore, root page.ID, freedAt page.TxID, decodeRoot BucketRootDecoder) {
	n := store.Reference(root)
	count := n.Count()
	for i := 0; i < count; i++ {
		idx := page.SlotID(i)
		if n.isOverflow(idx) {
			klen := int(n.keyLength(idx))
			vlen := 0
			if n.Type() == TypeLeaf {
				vlen = int(n.ValueLength(idx))
			}
			start := page.ID(binary.LittleEndian.Uint32(n.buf[n.recordOffset(idx):]))
			store.FreeOverflow(start, klen, vlen, freedAt)
		}
	}
	if n.Type() == TypeBranch {
		for i := 0; i < count; i++ {
			DeleteTree(store, n.LeftChild(page.SlotID(i)), freedAt, decodeRoot)
		}
		DeleteTree(store, n.TailChild(), freedAt, decodeRoot)
	} else {
		for i := 0; i < count; i++ {
			idx := page.SlotID(i)
			if n.IsBucketValue(idx) {
				DeleteTree(store, decodeRoot(n.Value(idx)), freedAt, decodeRoot)
			}
		}
	}
	store.Free(root, freedAt)
}
