// Package page defines the on-disk identifiers and meta layout shared by
// the pager and the B+Tree: page/tx/bucket/slot ids and the two alternating
// meta pages. The node header / slot layout lives in pkg/btree.
package page

// ID identifies a page within the data file.
type ID uint32

// InvalidID marks the absence of a page.
const InvalidID ID = 0xFFFFFFFF

// Valid reports whether id refers to a real page.
func (id ID) Valid() bool { return id != InvalidID }

// TxID is a monotonically increasing transaction identifier. 0 is reserved
// (never assigned to a transaction) so it can mean "no transaction yet".
type TxID uint64

// InvalidTxID is the all-ones sentinel for "no transaction".
const InvalidTxID TxID = ^TxID(0)

// BucketID is a per-transaction handle into the sub-bucket cache.
type BucketID uint32

// UserRootBucketID names the top-level bucket rooted at Meta.UserRoot.
const UserRootBucketID BucketID = 0xFFFFFFFF

// SlotID indexes a slot within a node.
type SlotID uint16

// MinPageSize is the smallest page size ferrokv accepts.
const MinPageSize = 512
