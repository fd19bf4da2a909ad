// Package pager implements C1 (FileHandle-backed page access) and C3 (the
// Pager): page reference/alloc/free/copy over a single memory-mapped data
// file, plus the overflow-record storage the B+Tree nodes delegate to.
// Grounded on the teacher's pkg/storage/kv.go pageRead/pageAlloc/pageAppend/
// pageWrite/pageFree and pkg/storage/freelist.go, generalized from the
// teacher's single in-memory freelist to the pending-map/reclaim scheme
// spec.md §4.1 requires for MVCC.
package pager

import (
	"fmt"
	"sync"

	"github.com/ferrokv/ferrokv/pkg/btree"
	"github.com/ferrokv/ferrokv/pkg/page"
	"github.com/rs/zerolog"
)

// FileHandle abstracts the platform mmap/pread/pwrite/resize/lock/sync
// primitives (spec.md §1 names this as an external collaborator). The only
// production implementation is internal/mmapfile.File.
type FileHandle interface {
	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
	Resize(size int64) error
	Sync() error
	LockShared() error
	LockExclusive() error
	Unlock() error
	Bytes() []byte
	Size() int64
	Close() error
}

const (
	metaPage0 page.ID = 0
	metaPage1 page.ID = 1
	// firstUsablePage is the first page id available to the B+Tree/free
	// list once the two meta pages are reserved.
	firstUsablePage page.ID = 2
)

// Pager owns the data file and hands out page-sized byte slices, tracking
// which pages are free, in use, or pending reclamation behind an MVCC
// snapshot still in flight.
type Pager struct {
	mu sync.Mutex

	fh       FileHandle
	pageSize int
	log      zerolog.Logger

	pageCount uint32
	free      *freeList
	pending   map[page.TxID][]page.ID

	allocated map[page.ID]page.TxID // pages allocated/copied by an in-flight writer, for Rollback

	allocTotal uint64 // cumulative pages handed out by Alloc, for ferrokv_pages_allocated_total
	freedTotal uint64 // cumulative pages folded into the free list by Reclaim, for ferrokv_pages_freed_total
}

// Open wraps fh as a Pager. pageSize must match the file's existing meta
// (or be the configured default for a brand new file); pageCount is the
// current meta's PageCount.
func Open(fh FileHandle, pageSize int, pageCount uint32, log zerolog.Logger) *Pager {
	return &Pager{
		fh:        fh,
		pageSize:  pageSize,
		log:       log,
		pageCount: pageCount,
		free:      newFreeList(),
		pending:   make(map[page.TxID][]page.ID),
		allocated: make(map[page.ID]page.TxID),
	}
}

func (p *Pager) PageSize() int     { return p.pageSize }
func (p *Pager) PageCount() uint32 { return p.pageCount }

// FreePageCount returns the number of pages currently on the free list,
// available for immediate reuse.
func (p *Pager) FreePageCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n uint32
	for _, r := range p.free.runs {
		n += uint32(r.count)
	}
	return n
}

// PendingCount returns the number of pages currently freed but not yet
// folded into the free list because some open snapshot may still see them
// (ferrokv_pending_pages).
func (p *Pager) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ids := range p.pending {
		n += len(ids)
	}
	return n
}

// AllocatedTotal returns the cumulative number of pages handed out by
// Alloc (including CopyForWrite, which calls it) and by StoreOverflow
// since Open.
func (p *Pager) AllocatedTotal() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocTotal
}

// FreedTotal returns the cumulative number of pages Reclaim has folded
// into the free list since Open.
func (p *Pager) FreedTotal() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freedTotal
}

func (p *Pager) offset(id page.ID) int64 { return int64(id) * int64(p.pageSize) }

// pageBytes returns the raw bytes of page id within the current mapping.
// Valid only until the next grow remaps the file.
func (p *Pager) pageBytes(id page.ID) []byte {
	off := p.offset(id)
	return p.fh.Bytes()[off : off+int64(p.pageSize)]
}

// Reference returns a read-only Node view over page id, for use under a
// snapshot. The caller must not mutate the returned Node.
func (p *Pager) Reference(id page.ID) *btree.Node {
	return btree.NewNode(p.pageBytes(id), p)
}

// grow extends the file (and mapping) to hold at least n additional pages,
// doubling capacity up to 1GiB worth of pages and growing by fixed 1GiB
// increments beyond that, per spec.md's growth policy.
func (p *Pager) grow(additional uint32) error {
	const oneGiBPages = (1 << 30)
	need := p.pageCount + additional
	cur := p.pageCount
	if cur == 0 {
		cur = firstUsablePage
	}
	newCount := cur
	for newCount < need {
		step := newCount
		maxStep := uint32(oneGiBPages / p.pageSize)
		if step > maxStep {
			step = maxStep
		}
		if step == 0 {
			step = additional
		}
		newCount += step
	}
	if err := p.fh.Resize(int64(newCount) * int64(p.pageSize)); err != nil {
		return fmt.Errorf("pager: grow: %w", err)
	}
	p.pageCount = newCount
	return nil
}

// Alloc reserves n contiguous pages, preferring the free list, falling back
// to extending the file, zero-fills them, and records them as allocated by
// writingTx so RollbackWrites can release them.
func (p *Pager) Alloc(n int, writingTx page.TxID) (page.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start, ok := p.free.alloc(n)
	if !ok {
		start = page.ID(p.pageCount)
		if err := p.grow(uint32(n)); err != nil {
			return page.InvalidID, err
		}
	}
	for i := 0; i < n; i++ {
		id := start + page.ID(i)
		p.allocated[id] = writingTx
		buf := p.pageBytes(id)
		for j := range buf {
			buf[j] = 0
		}
	}
	p.allocTotal += uint64(n)
	return start, nil
}

// Free marks id for reclamation once no snapshot reader predating freedAt
// remains, per spec.md's pending-map scheme (§4.1/§4.5).
func (p *Pager) Free(id page.ID, freedAt page.TxID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[freedAt] = append(p.pending[freedAt], id)
	delete(p.allocated, id)
}

// CopyForWrite allocates a fresh page, copies src's bytes into it, and
// marks the original free as of writingTx (path copy, spec.md §4.3's core
// MVCC primitive). The returned Node wraps the new page's bytes.
func (p *Pager) CopyForWrite(src page.ID, writingTx page.TxID) (page.ID, *btree.Node, error) {
	newID, err := p.Alloc(1, writingTx)
	if err != nil {
		return page.InvalidID, nil, err
	}
	copy(p.pageBytes(newID), p.pageBytes(src))
	p.Free(src, writingTx)
	return newID, btree.NewNode(p.pageBytes(newID), p), nil
}

// Reclaim folds every pending entry freed at or before a txid no longer
// visible to any open snapshot (minViewTxID) into the free list. Called by
// pkg/txn after each commit and whenever a view closes.
func (p *Pager) Reclaim(minViewTxID page.TxID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for txid, ids := range p.pending {
		if txid >= minViewTxID {
			continue
		}
		for _, id := range ids {
			p.free.free(id, 1)
		}
		p.freedTotal += uint64(len(ids))
		delete(p.pending, txid)
	}
}

// RollbackWrites releases every page allocated (and not yet committed) by
// writingTx directly back to the free list, without going through the
// pending map — an aborted writer's allocations were never visible to any
// reader. The pages writingTx itself freed are dropped from the pending map,
// since the aborted writer's frees never take effect.
func (p *Pager) RollbackWrites(writingTx page.TxID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, tx := range p.allocated {
		if tx == writingTx {
			p.free.free(id, 1)
			delete(p.allocated, id)
		}
	}
	delete(p.pending, writingTx)
}

// --- btree.OverflowStore ---

// overflow records are stored as raw bytes (key immediately followed by
// value) spread across ceil(len/pageSize) consecutive pages starting at
// start; no per-page header, since the slot already carries key/value
// lengths (spec.md §4.2's overflow record format).

func (p *Pager) overflowPageCount(totalLen int) int {
	return (totalLen + p.pageSize - 1) / p.pageSize
}

func (p *Pager) LoadOverflow(start page.ID, keyLen, valLen int) (key, val []byte) {
	total := keyLen + valLen
	n := p.overflowPageCount(total)
	buf := make([]byte, 0, total)
	for i := 0; i < n; i++ {
		buf = append(buf, p.pageBytes(start+page.ID(i))...)
	}
	buf = buf[:total]
	return buf[:keyLen], buf[keyLen:total]
}

func (p *Pager) StoreOverflow(key, val []byte, writingTx page.TxID) page.ID {
	total := len(key) + len(val)
	n := p.overflowPageCount(total)
	p.mu.Lock()
	start, ok := p.free.alloc(n)
	if !ok {
		start = page.ID(p.pageCount)
		if err := p.grow(uint32(n)); err != nil {
			p.mu.Unlock()
			panic(fmt.Errorf("pager: overflow alloc: %w", err))
		}
	}
	for i := 0; i < n; i++ {
		p.allocated[start+page.ID(i)] = writingTx
	}
	p.allocTotal += uint64(n)
	p.mu.Unlock()

	buf := make([]byte, 0, total)
	buf = append(buf, key...)
	buf = append(buf, val...)
	for i := 0; i < n; i++ {
		lo := i * p.pageSize
		hi := lo + p.pageSize
		if hi > len(buf) {
			hi = len(buf)
		}
		dst := p.pageBytes(start + page.ID(i))
		copy(dst, buf[lo:hi])
	}
	return start
}

// FreeOverflow defers an overflow run's pages into the pending map keyed by
// freedAt, the same as Free does for a single page: a reader holding a
// snapshot predating freedAt may still have a leaf pointing at start.
func (p *Pager) FreeOverflow(start page.ID, keyLen, valLen int, freedAt page.TxID) {
	n := p.overflowPageCount(keyLen + valLen)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		id := start + page.ID(i)
		p.pending[freedAt] = append(p.pending[freedAt], id)
		delete(p.allocated, id)
	}
}

var _ btree.OverflowStore = (*Pager)(nil)
var _ btree.PageStore = (*Pager)(nil)
