package txn

import (
	"errors"
	"testing"

	"github.com/ferrokv/ferrokv/pkg/btree"
	"github.com/ferrokv/ferrokv/pkg/bucket"
	"github.com/ferrokv/ferrokv/pkg/page"
	"github.com/rs/zerolog"
)

// memStore is a minimal in-memory btree.PageStore, the same shape
// pkg/wal's own memstore_test.go uses to exercise recovery without a real
// mapped file.
type memStore struct {
	pageSize int
	pages    [][]byte
	freed    map[page.ID]page.TxID
}

func newMemStore(pageSize int) *memStore {
	return &memStore{pageSize: pageSize, freed: make(map[page.ID]page.TxID)}
}

func (m *memStore) PageSize() int { return m.pageSize }
func (m *memStore) Reference(id page.ID) *btree.Node {
	return btree.NewNode(m.pages[id], m)
}
func (m *memStore) Alloc(n int, _ page.TxID) (page.ID, error) {
	start := page.ID(len(m.pages))
	for i := 0; i < n; i++ {
		m.pages = append(m.pages, make([]byte, m.pageSize))
	}
	return start, nil
}
func (m *memStore) CopyForWrite(id page.ID, tx page.TxID) (page.ID, *btree.Node, error) {
	newID, _ := m.Alloc(1, tx)
	copy(m.pages[newID], m.pages[id])
	return newID, btree.NewNode(m.pages[newID], m), nil
}
func (m *memStore) Free(id page.ID, tx page.TxID)        { m.freed[id] = tx }
func (m *memStore) LoadOverflow(page.ID, int, int) ([]byte, []byte) { return nil, nil }
func (m *memStore) StoreOverflow(key, val []byte, _ page.TxID) page.ID { return page.InvalidID }
func (m *memStore) FreeOverflow(page.ID, int, int, page.TxID)          {}

// fakeWAL records every call it receives instead of writing to a real log
// file, enough to assert Begin/Commit/Rollback ordering around Update.
type fakeWAL struct {
	calls []string
}

func (w *fakeWAL) Begin(tx page.TxID) error { w.calls = append(w.calls, "begin"); return nil }
func (w *fakeWAL) LogPut(tx page.TxID, path [][]byte, key, val []byte, isBucket bool) error {
	w.calls = append(w.calls, "put")
	return nil
}
func (w *fakeWAL) LogDelete(tx page.TxID, path [][]byte, key []byte) error {
	w.calls = append(w.calls, "delete")
	return nil
}
func (w *fakeWAL) LogDeleteBucket(tx page.TxID, path [][]byte, name []byte) error {
	w.calls = append(w.calls, "delete_bucket")
	return nil
}
func (w *fakeWAL) LogSubBucket(tx page.TxID, path [][]byte, name []byte) error {
	w.calls = append(w.calls, "sub_bucket")
	return nil
}
func (w *fakeWAL) Commit(tx page.TxID) error   { w.calls = append(w.calls, "commit"); return nil }
func (w *fakeWAL) Rollback(tx page.TxID) error { w.calls = append(w.calls, "rollback"); return nil }

// fakeMeta stands in for the root package's CommitMeta, recording the last
// committed (txid, root) pair.
type fakeMeta struct {
	txID page.TxID
	root page.ID
}

func (m *fakeMeta) CommitMeta(txID page.TxID, root page.ID) error {
	m.txID, m.root = txID, root
	return nil
}

func newTestManager(t *testing.T) (*Manager, *memStore, *fakeWAL, *fakeMeta) {
	t.Helper()
	store := newMemStore(512)
	tree, err := btree.CreateEmpty(store, btree.LexCompare, 0)
	if err != nil {
		t.Fatal(err)
	}
	wal := &fakeWAL{}
	meta := &fakeMeta{}
	m := NewManager(store, btree.LexCompare, wal, meta, store, tree.Root(), 0, zerolog.Nop())
	return m, store, wal, meta
}

func (m *memStore) Reclaim(page.TxID)        {}
func (m *memStore) RollbackWrites(page.TxID) {}

func TestUpdateCommitsAndViewSeesIt(t *testing.T) {
	mgr, _, wal, meta := newTestManager(t)

	err := mgr.Update(func(tx *UpdateTx) error {
		return tx.UserBucket().Put([]byte("a"), []byte("1"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if meta.txID != 1 {
		t.Fatalf("meta committed txid = %d, want 1", meta.txID)
	}

	wantCalls := []string{"begin", "put", "commit"}
	if len(wal.calls) != len(wantCalls) {
		t.Fatalf("wal calls = %v, want %v", wal.calls, wantCalls)
	}
	for i := range wantCalls {
		if wal.calls[i] != wantCalls[i] {
			t.Fatalf("wal call %d = %q, want %q", i, wal.calls[i], wantCalls[i])
		}
	}

	err = mgr.View(func(v *View) error {
		val, ok := v.UserBucket().Get([]byte("a"))
		if !ok || string(val) != "1" {
			t.Fatalf("got %q, %v, want \"1\", true", val, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUpdateErrorRollsBack(t *testing.T) {
	mgr, _, wal, meta := newTestManager(t)
	sentinel := errors.New("boom")

	err := mgr.Update(func(tx *UpdateTx) error {
		if err := tx.UserBucket().Put([]byte("a"), []byte("1")); err != nil {
			t.Fatal(err)
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("got err %v, want %v", err, sentinel)
	}
	if meta.txID != 0 {
		t.Fatalf("meta committed txid = %d, want 0 (no commit)", meta.txID)
	}
	if wal.calls[len(wal.calls)-1] != "rollback" {
		t.Fatalf("last wal call = %q, want \"rollback\"", wal.calls[len(wal.calls)-1])
	}

	// The aborted write must not be visible to a fresh snapshot.
	err = mgr.View(func(v *View) error {
		if _, ok := v.UserBucket().Get([]byte("a")); ok {
			t.Fatal("rolled-back key should not be visible")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExplicitRollback(t *testing.T) {
	mgr, _, wal, meta := newTestManager(t)

	err := mgr.Update(func(tx *UpdateTx) error {
		if err := tx.UserBucket().Put([]byte("a"), []byte("1")); err != nil {
			t.Fatal(err)
		}
		tx.Rollback()
		return nil
	})
	if err != nil {
		t.Fatalf("Rollback should not surface as an error, got %v", err)
	}
	if meta.txID != 0 {
		t.Fatalf("meta committed txid = %d, want 0 (rolled back)", meta.txID)
	}
	if wal.calls[len(wal.calls)-1] != "rollback" {
		t.Fatalf("last wal call = %q, want \"rollback\"", wal.calls[len(wal.calls)-1])
	}
}

func TestViewIsolatedFromConcurrentUpdate(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	if err := mgr.Update(func(tx *UpdateTx) error {
		return tx.UserBucket().Put([]byte("a"), []byte("1"))
	}); err != nil {
		t.Fatal(err)
	}

	// Begin a snapshot before the next write commits.
	snapshotTxID, snapshotRoot := mgr.beginView()
	defer mgr.endView(snapshotTxID)

	if err := mgr.Update(func(tx *UpdateTx) error {
		return tx.UserBucket().Put([]byte("a"), []byte("2"))
	}); err != nil {
		t.Fatal(err)
	}

	snapshot := &View{root: bucket.Open(mgr.store, mgr.cmp, snapshotRoot, 0, false), txid: snapshotTxID}
	val, ok := snapshot.UserBucket().Get([]byte("a"))
	if !ok || string(val) != "1" {
		t.Fatalf("snapshot taken before second write got %q, %v, want \"1\", true", val, ok)
	}

	if err := mgr.View(func(v *View) error {
		val, ok := v.UserBucket().Get([]byte("a"))
		if !ok || string(val) != "2" {
			t.Fatalf("fresh view got %q, %v, want \"2\", true", val, ok)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}
