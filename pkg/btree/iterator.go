package btree

import "github.com/ferrokv/ferrokv/pkg/page"

type frame struct {
	id  page.ID
	n   *Node
	idx int
}

// Cursor walks a BTree's leaves in key order. It holds no locks; callers
// must only use a Cursor against a snapshot (root) that will not mutate
// underneath it, which MVCC path-copy guarantees for any already-obtained
// root id.
type Cursor struct {
	store PageStore
	cmp   Comparator
	root  page.ID
	stack []frame
}

// NewCursor returns a cursor bound to the tree's current root, positioned
// before the first key until First or Seek is called.
func (t *BTree) NewCursor() *Cursor {
	return &Cursor{store: t.store, cmp: t.cmp, root: t.root}
}

func (c *Cursor) descendLeftmost(id page.ID) {
	for {
		n := c.store.Reference(id)
		c.stack = append(c.stack, frame{id: id, n: n, idx: 0})
		if n.Type() == TypeLeaf {
			return
		}
		if n.Count() == 0 {
			id = n.TailChild()
			continue
		}
		id = n.LeftChild(0)
	}
}

func (c *Cursor) descendTo(id page.ID, key []byte) {
	for {
		n := c.store.Reference(id)
		if n.Type() == TypeLeaf {
			idx, _ := n.LowerBound(c.cmp, key)
			c.stack = append(c.stack, frame{id: id, n: n, idx: int(idx)})
			return
		}
		idx, eq := n.LowerBound(c.cmp, key)
		descendIdx := idx
		if eq {
			descendIdx = idx + 1
		}
		c.stack = append(c.stack, frame{id: id, n: n, idx: int(descendIdx)})
		if int(descendIdx) >= n.Count() {
			id = n.TailChild()
		} else {
			id = n.LeftChild(descendIdx)
		}
	}
}

// First repositions the cursor at the smallest key.
func (c *Cursor) First() (key, val []byte, isBucket, ok bool) {
	c.stack = c.stack[:0]
	c.descendLeftmost(c.root)
	if !c.skipEmptyLeaves() {
		return nil, nil, false, false
	}
	return c.current()
}

// Seek repositions the cursor at the first key >= target.
func (c *Cursor) Seek(target []byte) (key, val []byte, isBucket, ok bool) {
	c.stack = c.stack[:0]
	c.descendTo(c.root, target)
	top := &c.stack[len(c.stack)-1]
	if top.idx >= top.n.Count() {
		if !c.advanceLeaf() {
			return nil, nil, false, false
		}
	}
	return c.current()
}

func (c *Cursor) current() (key, val []byte, isBucket, ok bool) {
	if len(c.stack) == 0 {
		return nil, nil, false, false
	}
	top := c.stack[len(c.stack)-1]
	if top.idx >= top.n.Count() {
		return nil, nil, false, false
	}
	i := page.SlotID(top.idx)
	return top.n.Key(i), top.n.Value(i), top.n.IsBucketValue(i), true
}

// Next advances to the following key in order.
func (c *Cursor) Next() (key, val []byte, isBucket, ok bool) {
	if len(c.stack) == 0 {
		return nil, nil, false, false
	}
	top := &c.stack[len(c.stack)-1]
	top.idx++
	if top.idx >= top.n.Count() {
		if !c.advanceLeaf() {
			return nil, nil, false, false
		}
	}
	return c.current()
}

// skipEmptyLeaves handles the degenerate empty-tree case (a lone empty
// leaf root), treating it the same as exhausted iteration.
func (c *Cursor) skipEmptyLeaves() bool {
	if len(c.stack) == 0 {
		return false
	}
	top := c.stack[len(c.stack)-1]
	if top.n.Count() > 0 {
		return true
	}
	return c.advanceLeaf()
}

// advanceLeaf pops exhausted frames and descends into the next sibling
// leaf, returning false when iteration is exhausted.
func (c *Cursor) advanceLeaf() bool {
	for len(c.stack) > 1 {
		c.stack = c.stack[:len(c.stack)-1]
		parent := &c.stack[len(c.stack)-1]
		parent.idx++
		if parent.idx > parent.n.Count() {
			continue // tail child already visited: this branch is exhausted
		}
		var nextChild page.ID
		if parent.idx >= parent.n.Count() {
			nextChild = parent.n.TailChild()
		} else {
			nextChild = parent.n.LeftChild(page.SlotID(parent.idx))
		}
		c.descendLeftmost(nextChild)
		top := &c.stack[len(c.stack)-1]
		if top.n.Count() > 0 {
			return true
		}
	}
	return false
}
