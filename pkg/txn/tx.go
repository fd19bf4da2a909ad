package txn

import (
	"github.com/ferrokv/ferrokv/pkg/bucket"
	"github.com/ferrokv/ferrokv/pkg/btree"
	"github.com/ferrokv/ferrokv/pkg/page"
)

// View is a read-only snapshot transaction: every read it performs sees
// the database exactly as of the last transaction committed before it
// began, regardless of writers that commit afterward.
type View struct {
	root *bucket.Bucket
	txid page.TxID
}

// UserBucket returns the top-level bucket rooted at Meta.UserRoot.
func (v *View) UserBucket() *bucket.Bucket { return v.root }

// TxID returns the snapshot's transaction id.
func (v *View) TxID() page.TxID { return v.txid }

// UpdateTx is the single in-flight write transaction. Every mutation
// through its UserBucket is mirrored to the WAL before being applied to
// the copy-on-write tree, so a crash before Commit finishes recovers
// cleanly from the log (spec.md §4.6).
type UpdateTx struct {
	manager    *Manager
	writingTx  page.TxID
	root       *bucket.Bucket
	rolledBack bool
}

// TxID returns the transaction's assigned id (persistedTxID+1 at Begin).
func (tx *UpdateTx) TxID() page.TxID { return tx.writingTx }

// UserBucket returns a WAL-instrumented view of the top-level bucket.
func (tx *UpdateTx) UserBucket() *BucketTx {
	return &BucketTx{b: tx.root, tx: tx}
}

// Rollback aborts the transaction from inside its Update callback, instead
// of returning an error. Manager.Update still returns nil in this case;
// use a sentinel in fn's own closure if the caller needs to tell the two
// apart.
func (tx *UpdateTx) Rollback() { tx.manager.rollback(tx) }

// BucketTx wraps a bucket.Bucket so every mutation is logged to the WAL,
// with its full nested-bucket path, before being applied.
type BucketTx struct {
	b    *bucket.Bucket
	tx   *UpdateTx
	path [][]byte
}

func (bt *BucketTx) Get(key []byte) ([]byte, bool) { return bt.b.Get(key) }

func (bt *BucketTx) Cursor() *btree.Cursor { return bt.b.Cursor() }

func (bt *BucketTx) Put(key, val []byte) error {
	if err := bt.tx.manager.wal.LogPut(bt.tx.writingTx, bt.path, key, val, false); err != nil {
		return err
	}
	return bt.b.Put(key, val)
}

func (bt *BucketTx) Delete(key []byte) error {
	if err := bt.tx.manager.wal.LogDelete(bt.tx.writingTx, bt.path, key); err != nil {
		return err
	}
	return bt.b.Delete(key)
}

func (bt *BucketTx) Bucket(name []byte) (*BucketTx, error) {
	child, err := bt.b.Bucket(name)
	if err != nil {
		return nil, err
	}
	return &BucketTx{b: child, tx: bt.tx, path: appendPath(bt.path, name)}, nil
}

func (bt *BucketTx) CreateBucketIfNotExists(name []byte) (*BucketTx, error) {
	if err := bt.tx.manager.wal.LogSubBucket(bt.tx.writingTx, bt.path, name); err != nil {
		return nil, err
	}
	child, err := bt.b.CreateBucketIfNotExists(name)
	if err != nil {
		return nil, err
	}
	return &BucketTx{b: child, tx: bt.tx, path: appendPath(bt.path, name)}, nil
}

func (bt *BucketTx) DeleteSubBucket(name []byte) error {
	if err := bt.tx.manager.wal.LogDeleteBucket(bt.tx.writingTx, bt.path, name); err != nil {
		return err
	}
	return bt.b.DeleteSubBucket(name)
}

func appendPath(path [][]byte, name []byte) [][]byte {
	out := make([][]byte, len(path)+1)
	copy(out, path)
	out[len(path)] = append([]byte(nil), name...)
	return out
}
