// Package txn implements C10 (TxManager) and C7 (Tx): single-writer,
// many-reader MVCC coordination on top of pkg/pager and pkg/bucket. Built
// directly from spec.md §4.5 — the teacher's pkg/storage.KV has no
// multi-reader snapshot concept to draw from, only a single RWMutex.
package txn

import (
	"fmt"
	"sync"

	"github.com/ferrokv/ferrokv/pkg/bucket"
	"github.com/ferrokv/ferrokv/pkg/btree"
	"github.com/ferrokv/ferrokv/pkg/page"
	"github.com/rs/zerolog"
)

// Reclaimer releases pages freed by transactions no snapshot can see
// anymore. pkg/pager.Pager implements this.
type Reclaimer interface {
	Reclaim(minViewTxID page.TxID)
	RollbackWrites(writingTx page.TxID)
}

// WAL is the durability sink a Manager drives around every write
// transaction (C8/C9). pkg/wal.Writer implements this.
type WAL interface {
	Begin(tx page.TxID) error
	LogPut(tx page.TxID, path [][]byte, key, val []byte, isBucket bool) error
	LogDelete(tx page.TxID, path [][]byte, key []byte) error
	LogDeleteBucket(tx page.TxID, path [][]byte, name []byte) error
	LogSubBucket(tx page.TxID, path [][]byte, name []byte) error
	Commit(tx page.TxID) error
	Rollback(tx page.TxID) error
}

// MetaPersister durably swaps in a new root once a write commits (the root
// package's DB owns the meta pages and implements this).
type MetaPersister interface {
	CommitMeta(txID page.TxID, userRoot page.ID) error
}

// Manager serializes writers, tracks every open reader's snapshot txid so
// Reclaim never frees a page a live View might still read, and drives the
// WAL around each write transaction's lifetime.
type Manager struct {
	mu sync.Mutex

	store btree.PageStore
	cmp   btree.Comparator
	wal   WAL
	meta  MetaPersister
	pages Reclaimer
	log   zerolog.Logger

	persistedTxID page.TxID
	currentRoot   page.ID

	writerMu sync.Mutex // held for the duration of exactly one Update at a time

	viewMu    sync.Mutex
	viewCount map[page.TxID]int
}

// NewManager constructs a Manager over an already-opened database whose
// current durable root is at (root, persistedTxID).
func NewManager(store btree.PageStore, cmp btree.Comparator, wal WAL, meta MetaPersister, pages Reclaimer, root page.ID, persistedTxID page.TxID, log zerolog.Logger) *Manager {
	return &Manager{
		store:         store,
		cmp:           cmp,
		wal:           wal,
		meta:          meta,
		pages:         pages,
		log:           log,
		persistedTxID: persistedTxID,
		currentRoot:   root,
		viewCount:     make(map[page.TxID]int),
	}
}

// minViewTxID returns the oldest snapshot any open View still holds, or
// the current persisted txid plus one if none are open (nothing pending
// can be older than every past commit).
func (m *Manager) minViewTxID() page.TxID {
	m.viewMu.Lock()
	defer m.viewMu.Unlock()
	min := m.persistedTxID + 1
	for txid, refs := range m.viewCount {
		if refs > 0 && txid < min {
			min = txid
		}
	}
	return min
}

func (m *Manager) beginView() (page.TxID, page.ID) {
	m.mu.Lock()
	txid, root := m.persistedTxID, m.currentRoot
	m.mu.Unlock()

	m.viewMu.Lock()
	m.viewCount[txid]++
	m.viewMu.Unlock()
	return txid, root
}

func (m *Manager) endView(txid page.TxID) {
	m.viewMu.Lock()
	m.viewCount[txid]--
	if m.viewCount[txid] == 0 {
		delete(m.viewCount, txid)
	}
	m.viewMu.Unlock()
	m.pages.Reclaim(m.minViewTxID())
}

// View runs fn against a read-only snapshot of the database as of the last
// committed transaction. Any number of Views run concurrently with each
// other and with the single in-flight Update.
func (m *Manager) View(fn func(*View) error) error {
	txid, root := m.beginView()
	defer m.endView(txid)

	v := &View{
		root: bucket.Open(m.store, m.cmp, root, 0, false),
		txid: txid,
	}
	return fn(v)
}

// Update runs fn against the single writable transaction, serialized
// against all other writers. A returned error (or panic) rolls the
// transaction back; otherwise it is WAL-logged, committed via meta, and
// its snapshot becomes the new current root.
func (m *Manager) Update(fn func(*UpdateTx) error) (err error) {
	m.writerMu.Lock()
	defer m.writerMu.Unlock()

	m.mu.Lock()
	writingTx := m.persistedTxID + 1
	root := m.currentRoot
	m.mu.Unlock()

	if err := m.wal.Begin(writingTx); err != nil {
		return fmt.Errorf("txn: wal begin: %w", err)
	}

	tx := &UpdateTx{
		manager:   m,
		writingTx: writingTx,
		root:      bucket.Open(m.store, m.cmp, root, writingTx, true),
	}

	defer func() {
		if r := recover(); r != nil {
			m.abort(tx)
			err = fmt.Errorf("txn: update panicked: %v", r)
		}
	}()

	if err = fn(tx); err != nil {
		m.abort(tx)
		return err
	}
	if tx.rolledBack {
		return nil
	}
	return m.finish(tx)
}

func (m *Manager) abort(tx *UpdateTx) {
	if err := m.wal.Rollback(tx.writingTx); err != nil {
		m.log.Error().Err(err).Uint64("tx", uint64(tx.writingTx)).Msg("wal rollback failed")
	}
	m.pages.RollbackWrites(tx.writingTx)
}

func (m *Manager) finish(tx *UpdateTx) error {
	if err := tx.root.Flush(); err != nil {
		m.abort(tx)
		return fmt.Errorf("txn: flush: %w", err)
	}
	if err := m.wal.Commit(tx.writingTx); err != nil {
		m.abort(tx)
		return fmt.Errorf("txn: wal commit: %w", err)
	}
	if err := m.meta.CommitMeta(tx.writingTx, tx.root.Root()); err != nil {
		return fmt.Errorf("txn: commit meta: %w", err)
	}
	m.mu.Lock()
	m.persistedTxID = tx.writingTx
	m.currentRoot = tx.root.Root()
	m.mu.Unlock()
	m.pages.Reclaim(m.minViewTxID())
	return nil
}

// Rollback lets an UpdateTx abort itself explicitly from inside fn instead
// of returning an error.
func (m *Manager) rollback(tx *UpdateTx) {
	m.abort(tx)
	tx.rolledBack = true
}
