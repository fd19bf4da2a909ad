package pager

import (
	"encoding/binary"
	"sort"

	"github.com/ferrokv/ferrokv/pkg/page"
)

// run is a contiguous span of free page ids, [start, start+count).
type run struct {
	start page.ID
	count int
}

// freeList keeps free space as a sorted, coalesced list of runs, mirroring
// the teacher's freelist.go (which tracked discrete free pages) but
// generalized to runs so a single multi-page overflow allocation can be
// satisfied without walking a huge discrete set.
type freeList struct {
	runs []run
}

func newFreeList() *freeList { return &freeList{} }

// alloc finds the first run able to satisfy n contiguous pages (first-fit),
// shrinking or removing it.
func (f *freeList) alloc(n int) (page.ID, bool) {
	for i, r := range f.runs {
		if r.count < n {
			continue
		}
		start := r.start
		if r.count == n {
			f.runs = append(f.runs[:i], f.runs[i+1:]...)
		} else {
			f.runs[i] = run{start: r.start + page.ID(n), count: r.count - n}
		}
		return start, true
	}
	return page.InvalidID, false
}

// free returns a run of n pages starting at start, merging with adjacent
// runs to keep the list coalesced.
func (f *freeList) free(start page.ID, n int) {
	f.runs = append(f.runs, run{start: start, count: n})
	sort.Slice(f.runs, func(i, j int) bool { return f.runs[i].start < f.runs[j].start })

	merged := f.runs[:0]
	for _, r := range f.runs {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.start+page.ID(last.count) == r.start {
				last.count += r.count
				continue
			}
		}
		merged = append(merged, r)
	}
	f.runs = merged
}

// pairCount is the number of (start,count) runs currently tracked, i.e.
// Meta.FreePairCount once persisted.
func (f *freeList) pairCount() int { return len(f.runs) }

const freeListPairSize = 8 // page.ID(4) + count(4)

// encode packs the free list as a sequence of (start,count) pairs across
// pageSize-sized pages, each page's first 4 bytes reserved for a next-page
// link (0xFFFFFFFF terminates the chain). The caller allocates the pages
// the result is written to (SaveFreeList does so through Alloc, after
// taking the snapshot it encodes).
func (f *freeList) encode(pageSize int) [][]byte {
	const linkSize = 4
	pairsPerPage := (pageSize - linkSize) / freeListPairSize
	if pairsPerPage <= 0 {
		pairsPerPage = 1
	}
	var pages [][]byte
	for off := 0; off < len(f.runs) || (off == 0 && len(f.runs) == 0); off += pairsPerPage {
		end := off + pairsPerPage
		if end > len(f.runs) {
			end = len(f.runs)
		}
		buf := make([]byte, pageSize)
		body := buf[linkSize:]
		for i, r := range f.runs[off:end] {
			binary.LittleEndian.PutUint32(body[i*freeListPairSize:], uint32(r.start))
			binary.LittleEndian.PutUint32(body[i*freeListPairSize+4:], uint32(r.count))
		}
		pages = append(pages, buf)
		if end >= len(f.runs) {
			break
		}
	}
	return pages
}

// decodePage parses one free-list page's pairs, appending to f.
func (f *freeList) decodePage(buf []byte) {
	const linkSize = 4
	body := buf[linkSize:]
	for off := 0; off+freeListPairSize <= len(body); off += freeListPairSize {
		start := page.ID(binary.LittleEndian.Uint32(body[off:]))
		count := int(binary.LittleEndian.Uint32(body[off+4:]))
		if count == 0 {
			continue
		}
		f.runs = append(f.runs, run{start: start, count: count})
	}
}

func setFreeListLink(buf []byte, next page.ID) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(next))
}

func freeListLink(buf []byte) page.ID {
	return page.ID(binary.LittleEndian.Uint32(buf[0:4]))
}

// SaveFreeList persists the pager's current free runs (plus the pages
// writingTx itself freed, which are still pending in memory) into a fresh
// chain of pages obtained from Alloc after that snapshot is taken, and
// returns the chain's head pgid and the number of pages it occupies.
// Called by the root package's CommitMeta on every commit.
func (p *Pager) SaveFreeList(writingTx page.TxID) (head page.ID, pairCount, pageCount int, err error) {
	p.mu.Lock()
	snapshot := &freeList{runs: append([]run(nil), p.free.runs...)}
	for _, id := range p.pending[writingTx] {
		snapshot.free(id, 1)
	}
	pairCount = snapshot.pairCount()
	p.mu.Unlock()

	bufs := snapshot.encode(p.pageSize)
	ids := make([]page.ID, len(bufs))
	for i := range bufs {
		id, aerr := p.Alloc(1, writingTx)
		if aerr != nil {
			return page.InvalidID, 0, 0, aerr
		}
		ids[i] = id
	}
	for i, buf := range bufs {
		next := page.ID(0xFFFFFFFF)
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		setFreeListLink(buf, next)
		copy(p.pageBytes(ids[i]), buf)
	}
	if len(ids) == 0 {
		return page.InvalidID, 0, 0, nil
	}
	return ids[0], pairCount, len(ids), nil
}

// LoadFreeList replaces the pager's in-memory free list by walking the
// on-disk chain starting at head, for pageCount pages.
func (p *Pager) LoadFreeList(head page.ID, pageCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fl := newFreeList()
	id := head
	for i := 0; i < pageCount && id != page.InvalidID && id != page.ID(0xFFFFFFFF); i++ {
		buf := p.pageBytes(id)
		fl.decodePage(buf)
		id = freeListLink(buf)
	}
	p.free = fl
}
