// Package bucket implements C6: nested named buckets layered over a
// copy-on-write B+Tree. A sub-bucket is a key whose leaf slot is flagged
// is_bucket_value and whose value is the 4-byte page id of that bucket's
// own root; children are materialized lazily into an in-memory map and
// flushed back into the parent leaf at commit, per spec.md §4.4. Grounded
// on the teacher's pkg/storage/indexes.go IndexManager, which likewise
// manages multiple named B+Trees sharing one page store.
package bucket

import (
	"encoding/binary"
	"errors"

	"github.com/ferrokv/ferrokv/pkg/btree"
	"github.com/ferrokv/ferrokv/pkg/page"
)

var (
	ErrReadOnly        = errors.New("bucket: transaction is read-only")
	ErrKeyIsBucket      = errors.New("bucket: key holds a sub-bucket, not a value")
	ErrValueIsNotBucket = errors.New("bucket: key holds a value, not a sub-bucket")
	ErrBucketNotFound   = errors.New("bucket: sub-bucket not found")
	ErrBucketExists     = errors.New("bucket: sub-bucket already exists")
)

func encodeRoot(id page.ID) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(id))
	return b
}

func decodeRoot(v []byte) page.ID { return page.ID(binary.LittleEndian.Uint32(v)) }

// Bucket is a live, possibly-writable view over one node's keyspace,
// including its lazily materialized children.
type Bucket struct {
	store     btree.PageStore
	tree      *btree.BTree
	writingTx page.TxID
	writable  bool
	subs      map[string]*Bucket
}

// Open wraps an existing root page id as a Bucket. writable/writingTx are
// ignored (zero value) for read-only views.
func Open(store btree.PageStore, cmp btree.Comparator, root page.ID, writingTx page.TxID, writable bool) *Bucket {
	return &Bucket{
		store:     store,
		tree:      btree.New(store, cmp, root),
		writingTx: writingTx,
		writable:  writable,
		subs:      make(map[string]*Bucket),
	}
}

// Root returns the bucket's current root page id, valid after Flush.
func (b *Bucket) Root() page.ID { return b.tree.Root() }

// Get returns a plain (non-bucket) value for key.
func (b *Bucket) Get(key []byte) ([]byte, bool) {
	v, isBucket, found := b.tree.Get(key)
	if !found || isBucket {
		return nil, false
	}
	return v, true
}

// Put inserts or overwrites key's value. Fails if key already names a
// sub-bucket.
func (b *Bucket) Put(key, val []byte) error {
	if !b.writable {
		return ErrReadOnly
	}
	if _, isBucket, found := b.tree.Get(key); found && isBucket {
		return ErrKeyIsBucket
	}
	return b.tree.Insert(b.writingTx, key, val, false)
}

// Delete removes key if it holds a plain value. Deleting a sub-bucket must
// go through DeleteSubBucket so its pages are reclaimed.
func (b *Bucket) Delete(key []byte) error {
	if !b.writable {
		return ErrReadOnly
	}
	if _, isBucket, found := b.tree.Get(key); found && isBucket {
		return ErrKeyIsBucket
	}
	delete(b.subs, string(key))
	_, err := b.tree.Delete(b.writingTx, key)
	return err
}

// Bucket returns the named sub-bucket, materializing it from the parent
// leaf's bucket marker on first access.
func (b *Bucket) Bucket(name []byte) (*Bucket, error) {
	if child, ok := b.subs[string(name)]; ok {
		return child, nil
	}
	v, isBucket, found := b.tree.Get(name)
	if !found {
		return nil, ErrBucketNotFound
	}
	if !isBucket {
		return nil, ErrValueIsNotBucket
	}
	child := Open(b.store, b.tree.Cmp(), decodeRoot(v), b.writingTx, b.writable)
	b.subs[string(name)] = child
	return child, nil
}

// CreateBucketIfNotExists returns the named sub-bucket, creating an empty
// one if it does not already exist.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	if !b.writable {
		return nil, ErrReadOnly
	}
	if child, err := b.Bucket(name); err == nil {
		return child, nil
	} else if !errors.Is(err, ErrBucketNotFound) {
		return nil, err
	}
	if _, isBucket, found := b.tree.Get(name); found && !isBucket {
		return nil, ErrValueIsNotBucket
	}
	sub, err := btree.CreateEmpty(b.store, b.tree.Cmp(), b.writingTx)
	if err != nil {
		return nil, err
	}
	if err := b.tree.Insert(b.writingTx, name, encodeRoot(sub.Root()), true); err != nil {
		return nil, err
	}
	child := Open(b.store, b.tree.Cmp(), sub.Root(), b.writingTx, true)
	b.subs[string(name)] = child
	return child, nil
}

// DeleteSubBucket removes a sub-bucket and every page it (and its own
// nested sub-buckets) occupies.
func (b *Bucket) DeleteSubBucket(name []byte) error {
	if !b.writable {
		return ErrReadOnly
	}
	v, isBucket, found := b.tree.Get(name)
	if !found {
		return ErrBucketNotFound
	}
	if !isBucket {
		return ErrValueIsNotBucket
	}
	delete(b.subs, string(name))
	btree.DeleteTree(b.store, decodeRoot(v), b.writingTx, decodeRoot)
	_, err := b.tree.Delete(b.writingTx, name)
	return err
}

// Cursor returns a read-only iterator over this bucket's direct keys
// (sub-bucket names included, their IsBucket flag set).
func (b *Bucket) Cursor() *btree.Cursor { return b.tree.NewCursor() }

// Flush recursively flushes every materialized child (writing its latest
// root pgid back into this bucket's tree) before the caller persists this
// bucket's own root, per spec.md §4.4's commit-time reconciliation.
func (b *Bucket) Flush() error {
	if !b.writable {
		return nil
	}
	for name, child := range b.subs {
		if err := child.Flush(); err != nil {
			return err
		}
		if err := b.tree.Insert(b.writingTx, []byte(name), encodeRoot(child.Root()), true); err != nil {
			return err
		}
	}
	return nil
}
