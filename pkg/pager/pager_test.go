package pager

import (
	"testing"

	"github.com/rs/zerolog"
)

// memFile is an in-memory FileHandle, standing in for internal/mmapfile.File
// the way the teacher's freelist_test.go exercised pkg/storage/freelist.go
// against a plain []byte buffer rather than a real mapped file.
type memFile struct {
	buf []byte
}

func (m *memFile) ReadAt(dst []byte, off int64) (int, error) {
	return copy(dst, m.buf[off:]), nil
}
func (m *memFile) WriteAt(src []byte, off int64) (int, error) {
	return copy(m.buf[off:], src), nil
}
func (m *memFile) Resize(size int64) error {
	if int64(len(m.buf)) >= size {
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}
func (m *memFile) Sync() error          { return nil }
func (m *memFile) LockShared() error    { return nil }
func (m *memFile) LockExclusive() error { return nil }
func (m *memFile) Unlock() error        { return nil }
func (m *memFile) Bytes() []byte        { return m.buf }
func (m *memFile) Size() int64          { return int64(len(m.buf)) }
func (m *memFile) Close() error         { return nil }

func newTestPager(pageSize int) *Pager {
	fh := &memFile{}
	return Open(fh, pageSize, firstUsablePageForTest, zerolog.Nop())
}

const firstUsablePageForTest = 2

func TestAllocGrowsFile(t *testing.T) {
	p := newTestPager(512)
	id, err := p.Alloc(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if id != firstUsablePage {
		t.Fatalf("got page id %d, want %d", id, firstUsablePage)
	}
	if p.PageCount() <= firstUsablePage {
		t.Fatalf("page count %d did not grow past %d", p.PageCount(), firstUsablePage)
	}
}

func TestAllocReusesFreedPage(t *testing.T) {
	p := newTestPager(512)
	id, err := p.Alloc(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	p.Free(id, 1)
	p.Reclaim(2) // nothing visible at txid 1 anymore once writer 1 is done

	id2, err := p.Alloc(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id {
		t.Fatalf("expected freed page %d to be reused, got %d", id, id2)
	}
}

func TestFreeIsPendingUntilReclaim(t *testing.T) {
	p := newTestPager(512)
	id, _ := p.Alloc(1, 1)
	p.Free(id, 5)

	if got := p.PendingCount(); got != 1 {
		t.Fatalf("pending count = %d, want 1", got)
	}
	if got := p.FreePageCount(); got != 0 {
		t.Fatalf("free page count = %d, want 0 before reclaim", got)
	}

	// A snapshot opened before txid 5 is still live: nothing should reclaim.
	p.Reclaim(3)
	if got := p.PendingCount(); got != 1 {
		t.Fatalf("pending count = %d after premature reclaim, want 1", got)
	}

	// Once the minimum visible txid passes 5, the page folds into the free list.
	p.Reclaim(6)
	if got := p.PendingCount(); got != 0 {
		t.Fatalf("pending count = %d after reclaim, want 0", got)
	}
	if got := p.FreePageCount(); got != 1 {
		t.Fatalf("free page count = %d after reclaim, want 1", got)
	}
}

func TestCopyForWritePreservesBytesAndFreesSource(t *testing.T) {
	p := newTestPager(512)
	src, err := p.Alloc(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	copy(p.pageBytes(src), []byte("hello"))

	newID, node, err := p.CopyForWrite(src, 1)
	if err != nil {
		t.Fatal(err)
	}
	if newID == src {
		t.Fatal("CopyForWrite returned the same page id as the source")
	}
	if string(node.Bytes()[:5]) != "hello" {
		t.Fatalf("copied page content = %q, want \"hello\"", node.Bytes()[:5])
	}
	if got := p.PendingCount(); got != 1 {
		t.Fatalf("pending count = %d after CopyForWrite, want 1 (source freed)", got)
	}
}

func TestRollbackWritesReclaimsUncommittedAllocations(t *testing.T) {
	p := newTestPager(512)
	id, err := p.Alloc(1, 7)
	if err != nil {
		t.Fatal(err)
	}
	p.RollbackWrites(7)

	// The rolled-back page should be immediately reusable, with no detour
	// through the pending map (it was never visible to any reader).
	if got := p.PendingCount(); got != 0 {
		t.Fatalf("pending count = %d after rollback, want 0", got)
	}
	id2, err := p.Alloc(1, 8)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id {
		t.Fatalf("expected rolled-back page %d to be reused, got %d", id, id2)
	}
}

func TestOverflowStoreRoundTrip(t *testing.T) {
	p := newTestPager(128)
	key := []byte("a-long-overflow-key")
	val := make([]byte, 512) // spans multiple 128-byte pages
	for i := range val {
		val[i] = byte(i)
	}

	start := p.StoreOverflow(key, val, 1)
	gotKey, gotVal := p.LoadOverflow(start, len(key), len(val))
	if string(gotKey) != string(key) {
		t.Fatalf("got key %q, want %q", gotKey, key)
	}
	if len(gotVal) != len(val) {
		t.Fatalf("got val len %d, want %d", len(gotVal), len(val))
	}
	for i := range val {
		if gotVal[i] != val[i] {
			t.Fatalf("overflow value byte %d mismatch: got %d want %d", i, gotVal[i], val[i])
		}
	}

	p.FreeOverflow(start, len(key), len(val), 5)

	// A reader whose snapshot predates txid 5 must still see the pages as
	// allocated, not yet reusable.
	if got := p.FreePageCount(); got != 0 {
		t.Fatalf("free page count = %d after FreeOverflow, want 0 before reclaim", got)
	}
	if got := p.PendingCount(); got == 0 {
		t.Fatal("pending count = 0 after FreeOverflow, expected the overflow run to be pending")
	}

	p.Reclaim(6)
	if got := p.FreePageCount(); got == 0 {
		t.Fatal("free page count = 0 after Reclaim, expected freed overflow pages")
	}
	if got := p.PendingCount(); got != 0 {
		t.Fatalf("pending count = %d after reclaim, want 0", got)
	}
}

func TestRollbackWritesReclaimsOverflowAllocations(t *testing.T) {
	p := newTestPager(128)
	key := []byte("another-long-overflow-key")
	val := make([]byte, 512)

	p.StoreOverflow(key, val, 9)
	allocBefore := p.AllocatedTotal()
	if p.FreePageCount() != 0 {
		t.Fatal("expected no free pages before rollback")
	}

	p.RollbackWrites(9)

	if got := p.PendingCount(); got != 0 {
		t.Fatalf("pending count = %d after rollback, want 0 (never visible to a reader)", got)
	}
	if got := p.FreePageCount(); got == 0 {
		t.Fatal("free page count = 0 after rollback, expected the overflow run reclaimed")
	}

	// The reclaimed run should be fully reusable by a later writer.
	if _, err := p.Alloc(int(allocBefore), 10); err != nil {
		t.Fatalf("expected rollback to have reclaimed the overflow run: %v", err)
	}
}

func TestAllocatedAndFreedTotalsAccumulate(t *testing.T) {
	p := newTestPager(512)
	id, err := p.Alloc(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.AllocatedTotal(); got != 1 {
		t.Fatalf("allocated total = %d, want 1", got)
	}

	p.Free(id, 2)
	p.Reclaim(3)
	if got := p.FreedTotal(); got != 1 {
		t.Fatalf("freed total = %d, want 1", got)
	}

	// Overflow allocations count too, even though they bypass Alloc.
	p.StoreOverflow([]byte("k"), make([]byte, 1024), 1)
	if got := p.AllocatedTotal(); got <= 1 {
		t.Fatalf("allocated total = %d, want more than 1 after StoreOverflow", got)
	}
}

func TestSaveAndLoadFreeListRoundTrip(t *testing.T) {
	p := newTestPager(512)
	a, _ := p.Alloc(1, 1)
	b, _ := p.Alloc(1, 1)
	c, _ := p.Alloc(1, 1)
	p.Free(a, 1)
	p.Free(b, 1)
	p.Free(c, 1)
	p.Reclaim(2)

	wantPairs := p.free.pairCount()
	wantFree := p.FreePageCount()

	head, pairCount, pageCount, err := p.SaveFreeList(3)
	if err != nil {
		t.Fatal(err)
	}
	if pairCount != wantPairs {
		t.Fatalf("SaveFreeList pairCount = %d, want %d", pairCount, wantPairs)
	}
	if pageCount == 0 {
		t.Fatal("SaveFreeList pageCount = 0")
	}

	p2 := newTestPager(512)
	// Reuse the same underlying allocations so LoadFreeList can read them back.
	p2.fh = p.fh
	p2.pageCount = p.pageCount
	p2.LoadFreeList(head, pageCount)

	if got := p2.FreePageCount(); got != wantFree {
		t.Fatalf("reloaded free page count = %d, want %d", got, wantFree)
	}
}
