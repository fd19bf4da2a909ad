package ferrokv

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts.Logger = zerolog.Nop()
	db, err := Open(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGet(t *testing.T) {
	db := openTestDB(t, Options{})

	if err := db.Update(func(tx *UpdateTx) error {
		return tx.UserBucket().Put([]byte("hello"), []byte("world"))
	}); err != nil {
		t.Fatal(err)
	}

	err := db.View(func(v *View) error {
		val, ok := v.UserBucket().Get([]byte("hello"))
		if !ok || string(val) != "world" {
			t.Fatalf("got %q, %v, want \"world\", true", val, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUpdateOnReadOnlyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	ro, err := Open(path, Options{ReadOnly: true, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()

	err = ro.Update(func(tx *UpdateTx) error { return nil })
	if err == nil {
		t.Fatal("Update on a read-only DB should fail")
	}
}

func TestLargeValueUsesOverflow(t *testing.T) {
	db := openTestDB(t, Options{})

	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i % 251)
	}

	if err := db.Update(func(tx *UpdateTx) error {
		return tx.UserBucket().Put([]byte("bigkey"), big)
	}); err != nil {
		t.Fatal(err)
	}

	err := db.View(func(v *View) error {
		val, ok := v.UserBucket().Get([]byte("bigkey"))
		if !ok {
			t.Fatal("bigkey not found")
		}
		if len(val) != len(big) {
			t.Fatalf("got len %d, want %d", len(val), len(big))
		}
		for i := range big {
			if val[i] != big[i] {
				t.Fatalf("byte %d mismatch: got %d want %d", i, val[i], big[i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestManyKeysSplitAndMerge(t *testing.T) {
	db := openTestDB(t, Options{PageSize: 512})

	const n = 300
	if err := db.Update(func(tx *UpdateTx) error {
		b := tx.UserBucket()
		for i := 0; i < n; i++ {
			key := []byte(fmt.Sprintf("key-%05d", i))
			val := []byte(fmt.Sprintf("value-%05d", i))
			if err := b.Put(key, val); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// Delete most of them, forcing the tree to steal/merge back down.
	if err := db.Update(func(tx *UpdateTx) error {
		b := tx.UserBucket()
		for i := 0; i < n; i++ {
			if i%10 == 0 {
				continue
			}
			if err := b.Delete([]byte(fmt.Sprintf("key-%05d", i))); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	err := db.View(func(v *View) error {
		cur := v.UserBucket().Cursor()
		count := 0
		for key, val, _, ok := cur.First(); ok; key, val, _, ok = cur.Next() {
			var i int
			if _, err := fmt.Sscanf(string(key), "key-%05d", &i); err != nil {
				t.Fatalf("unexpected key %q", key)
			}
			if i%10 != 0 {
				t.Fatalf("key %q should have been deleted", key)
			}
			wantVal := fmt.Sprintf("value-%05d", i)
			if string(val) != wantVal {
				t.Fatalf("key %q: got value %q, want %q", key, val, wantVal)
			}
			count++
		}
		if count != n/10 {
			t.Fatalf("got %d surviving keys, want %d", count, n/10)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestViewSeesSnapshotAsOfItsBegin(t *testing.T) {
	db := openTestDB(t, Options{})

	if err := db.Update(func(tx *UpdateTx) error {
		return tx.UserBucket().Put([]byte("k"), []byte("v1"))
	}); err != nil {
		t.Fatal(err)
	}

	snapshotSeen := make(chan struct{})
	writerDone := make(chan struct{})
	viewErr := make(chan error, 1)

	go func() {
		viewErr <- db.View(func(v *View) error {
			val, ok := v.UserBucket().Get([]byte("k"))
			if !ok || string(val) != "v1" {
				return fmt.Errorf("got %q, %v, want \"v1\", true", val, ok)
			}
			close(snapshotSeen)
			<-writerDone
			// Re-read within the same snapshot: still v1, even though a
			// writer has since committed v2.
			val, ok = v.UserBucket().Get([]byte("k"))
			if !ok || string(val) != "v1" {
				return fmt.Errorf("snapshot value changed mid-view: got %q, %v", val, ok)
			}
			return nil
		})
	}()

	<-snapshotSeen
	if err := db.Update(func(tx *UpdateTx) error {
		return tx.UserBucket().Put([]byte("k"), []byte("v2"))
	}); err != nil {
		t.Fatal(err)
	}
	close(writerDone)

	if err := <-viewErr; err != nil {
		t.Fatal(err)
	}

	if err := db.View(func(v *View) error {
		val, ok := v.UserBucket().Get([]byte("k"))
		if !ok || string(val) != "v2" {
			t.Fatalf("got %q, %v, want \"v2\", true", val, ok)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestNestedBucketRoundTrip(t *testing.T) {
	db := openTestDB(t, Options{})

	if err := db.Update(func(tx *UpdateTx) error {
		users, err := tx.UserBucket().CreateBucketIfNotExists([]byte("users"))
		if err != nil {
			return err
		}
		return users.Put([]byte("alice"), []byte("admin"))
	}); err != nil {
		t.Fatal(err)
	}

	err := db.View(func(v *View) error {
		cur := v.UserBucket().Cursor()
		_, _, isBucket, ok := cur.First()
		if !ok || !isBucket {
			t.Fatal("expected the top-level bucket to hold one sub-bucket entry")
		}
		users, err := v.UserBucket().Bucket([]byte("users"))
		if err != nil {
			t.Fatal(err)
		}
		if val, ok := users.Get([]byte("alice")); !ok || string(val) != "admin" {
			t.Fatalf("got %q, %v, want \"admin\", true", val, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestRecoveryReplaysCommittedTxNotYetInMeta simulates a crash after a
// transaction's WAL commit record was fsynced but before its meta page was
// written, by writing directly through the WAL below the transaction
// manager and then reopening without a clean Close.
func TestRecoveryReplaysCommittedTxNotYetInMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.walw.Begin(1); err != nil {
		t.Fatal(err)
	}
	if err := db.walw.LogPut(1, nil, []byte("crashed"), []byte("value"), false); err != nil {
		t.Fatal(err)
	}
	if err := db.walw.Commit(1); err != nil {
		t.Fatal(err)
	}

	// Emulate a hard crash: close the file handles directly, skipping
	// Close's checkpoint force and WAL truncation.
	db.walw.Close()
	db.shmSeg.Close(path + "-shm")
	db.fh.Unlock()
	db.fh.Close()

	reopened, err := Open(path, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	stat, err := reopened.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if stat.TxID != 1 {
		t.Fatalf("recovered tx id = %d, want 1", stat.TxID)
	}

	err = reopened.View(func(v *View) error {
		val, ok := v.UserBucket().Get([]byte("crashed"))
		if !ok || string(val) != "value" {
			t.Fatalf("got %q, %v, want \"value\", true", val, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestRecoveryDiscardsUncommittedTx mirrors the prior test but never writes
// a Commit record, the crash-mid-write case recovery must discard.
func TestRecoveryDiscardsUncommittedTx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.Update(func(tx *UpdateTx) error {
		return tx.UserBucket().Put([]byte("safe"), []byte("1"))
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.walw.Begin(2); err != nil {
		t.Fatal(err)
	}
	if err := db.walw.LogPut(2, nil, []byte("unsafe"), []byte("2"), false); err != nil {
		t.Fatal(err)
	}
	// No Commit: simulates a crash mid-write.

	db.walw.Close()
	db.shmSeg.Close(path + "-shm")
	db.fh.Unlock()
	db.fh.Close()

	reopened, err := Open(path, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	err = reopened.View(func(v *View) error {
		if val, ok := v.UserBucket().Get([]byte("safe")); !ok || string(val) != "1" {
			t.Fatalf("got %q, %v, want \"1\", true for previously committed key", val, ok)
		}
		if _, ok := v.UserBucket().Get([]byte("unsafe")); ok {
			t.Fatal("uncommitted key should not have been replayed")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStatReportsPageAccounting(t *testing.T) {
	db := openTestDB(t, Options{})

	if err := db.Update(func(tx *UpdateTx) error {
		return tx.UserBucket().Put([]byte("a"), []byte("1"))
	}); err != nil {
		t.Fatal(err)
	}

	stat, err := db.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if stat.PageSize != DefaultPageSize {
		t.Fatalf("page size = %d, want %d", stat.PageSize, DefaultPageSize)
	}
	if stat.TxID != 1 {
		t.Fatalf("tx id = %d, want 1", stat.TxID)
	}
	if stat.PageCount == 0 {
		t.Fatal("page count should be nonzero after a commit")
	}
}
