// Package ferrokv implements an embedded, single-file, ACID key/value
// store: MVCC snapshot isolation over a copy-on-write B+Tree of nested
// buckets, backed by a memory-mapped data file and a write-ahead log, with
// a shared-memory sidecar coordinating multiple processes against the
// same file. It wires together pkg/pager, pkg/btree, pkg/bucket, pkg/wal,
// pkg/txn, internal/mmapfile, and internal/shm the way the teacher's
// cmd/treestore/main.go wires its storage/index/WAL packages into one KV
// type, generalized to this package's MVCC/recovery lifecycle.
package ferrokv

import (
	"fmt"
	"sync"
	"time"

	"github.com/ferrokv/ferrokv/internal/logger"
	"github.com/ferrokv/ferrokv/internal/metrics"
	"github.com/ferrokv/ferrokv/internal/mmapfile"
	"github.com/ferrokv/ferrokv/internal/shm"
	"github.com/ferrokv/ferrokv/pkg/btree"
	"github.com/ferrokv/ferrokv/pkg/page"
	"github.com/ferrokv/ferrokv/pkg/pager"
	"github.com/ferrokv/ferrokv/pkg/txn"
	"github.com/ferrokv/ferrokv/pkg/wal"
)

// Metrics is the Prometheus collector set ferrokv updates, constructed
// with NewMetrics and attached via Options.Metrics.
type Metrics = metrics.Metrics

// NewMetrics creates and registers ferrokv's Prometheus collectors against
// the default registry.
func NewMetrics() *Metrics { return metrics.NewMetrics() }

// View is a read-only snapshot transaction passed to DB.View's callback.
type View = txn.View

// UpdateTx is the single in-flight write transaction passed to DB.Update's
// callback.
type UpdateTx = txn.UpdateTx

// BucketTx is a WAL-instrumented, writable view over one bucket's
// keyspace, returned by UpdateTx.UserBucket.
type BucketTx = txn.BucketTx

// DB is an open handle onto one ferrokv data file.
type DB struct {
	path     string
	pageSize int

	fh      *mmapfile.File
	pages   *pager.Pager
	walw    *wal.Writer
	ckpt    *wal.Checkpointer
	manager *txn.Manager
	shmSeg  *shm.Segment

	log     *logger.Logger
	metrics *Metrics
	cmp     btree.Comparator

	opts Options

	metaMu         sync.Mutex
	nextMetaSlot   int // 0 or 1: which meta page the next CommitMeta overwrites
	lastWalBytes   int64
	lastPagesAlloc uint64
	lastPagesFreed uint64

	closeOnce sync.Once
	closed    bool
}

// Open opens (creating if absent) the data file at path under opts,
// replaying any transactions the WAL holds as committed but the meta page
// does not yet reflect (a prior crash) before returning a ready handle.
func Open(path string, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	if opts.PageSize < page.MinPageSize {
		return nil, ErrInvalidPageSize
	}

	fh, err := mmapfile.Open(path)
	if err != nil {
		return nil, err
	}

	db := &DB{
		path:     path,
		log:      logger.FromZerolog(opts.Logger),
		metrics:  opts.Metrics,
		cmp:      opts.Comparator,
		opts:     opts,
		pageSize: opts.PageSize,
	}

	if opts.ReadOnly {
		if err := fh.LockShared(); err != nil {
			fh.Close()
			return nil, err
		}
	} else {
		if err := fh.LockExclusive(); err != nil {
			fh.Close()
			return nil, err
		}
	}

	meta, err := db.loadOrInitMeta(fh)
	if err != nil {
		fh.Close()
		return nil, err
	}
	db.fh = fh
	db.pageSize = int(meta.PageSize)

	db.pages = pager.Open(fh, db.pageSize, meta.PageCount, *db.log.GetZerolog())
	if meta.FreeListPgid.Valid() {
		db.pages.LoadFreeList(meta.FreeListPgid, int(meta.FreeListPageCount))
	}

	shmSeg, err := shm.Open(path + "-shm")
	if err != nil {
		fh.Close()
		return nil, err
	}
	db.shmSeg = shmSeg

	walw, err := wal.OpenWriter(path+"-wal", *db.log.GetZerolog())
	if err != nil {
		shmSeg.Close(path + "-shm")
		fh.Close()
		return nil, err
	}
	db.walw = walw
	db.ckpt = wal.NewCheckpointer(walw, opts.CheckpointInterval)

	rc := wal.NewRecovery(db.pages, db.cmp)
	recoveredRoot, recoveredTxID, err := rc.Replay(path+"-wal", meta.UserRoot, meta.TxID)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ferrokv: recovery: %w", err)
	}
	replayedTx := 0
	if recoveredTxID != meta.TxID {
		replayedTx = int(recoveredTxID - meta.TxID)
		if err := db.writeMeta(db.buildMeta(recoveredTxID, recoveredRoot)); err != nil {
			db.Close()
			return nil, fmt.Errorf("ferrokv: persisting recovered meta: %w", err)
		}
		if err := db.walw.Reset(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ferrokv: resetting wal after recovery: %w", err)
		}
		meta.UserRoot = recoveredRoot
		meta.TxID = recoveredTxID
	}
	db.log.LogRecovery(replayedTx, uint32(recoveredRoot), uint64(recoveredTxID))

	db.manager = txn.NewManager(db.pages, db.cmp, walw, db, db.pages, meta.UserRoot, meta.TxID, *db.log.GetZerolog())
	return db, nil
}

// loadOrInitMeta reads the more recent of the two valid meta pages,
// initializing a brand new file (a fresh empty root bucket at page 2,
// meta written identically to both slots) when the file is empty. Page 1's
// offset is derived from meta0's own PageSize field, not Options.PageSize,
// since a reopened file's on-disk page size always wins.
func (db *DB) loadOrInitMeta(fh *mmapfile.File) (page.Meta, error) {
	if fh.Size() == 0 {
		return db.initFreshFile(fh)
	}

	buf0 := make([]byte, page.MetaSize)
	fh.ReadAt(buf0, 0)
	m0, ok0 := page.Decode(buf0)

	guessPageSize := db.pageSize
	if ok0 {
		guessPageSize = int(m0.PageSize)
	}

	buf1 := make([]byte, page.MetaSize)
	fh.ReadAt(buf1, int64(guessPageSize))
	m1, ok1 := page.Decode(buf1)

	var chosen page.Meta
	switch {
	case ok0 && ok1:
		if m1.TxID > m0.TxID {
			db.nextMetaSlot = 0
			chosen = m1
		} else {
			db.nextMetaSlot = 1
			chosen = m0
		}
	case ok0:
		db.nextMetaSlot = 1
		chosen = m0
	case ok1:
		db.nextMetaSlot = 0
		chosen = m1
	default:
		return page.Meta{}, newError(KindMeta, "open", ErrCorruptMeta)
	}
	if chosen.MinVersion > page.CurrentVersion {
		return page.Meta{}, newError(KindMeta, "open", ErrVersionMismatch)
	}
	return chosen, nil
}

func (db *DB) initFreshFile(fh *mmapfile.File) (page.Meta, error) {
	const firstUsablePage = 2
	if err := fh.Resize(int64(firstUsablePage+1) * int64(db.pageSize)); err != nil {
		return page.Meta{}, err
	}
	rootBuf := fh.Bytes()[firstUsablePage*db.pageSize : (firstUsablePage+1)*db.pageSize]
	btree.NewNode(rootBuf, nil).InitLeaf()

	m := page.Meta{
		Sign:         page.Sign,
		MinVersion:   page.CurrentVersion,
		PageSize:     uint16(db.pageSize),
		PageCount:    firstUsablePage + 1,
		UserRoot:     firstUsablePage,
		TxID:         0,
		FreeListPgid: page.InvalidID,
	}
	buf := m.Encode()
	if _, err := fh.WriteAt(buf, 0); err != nil {
		return page.Meta{}, err
	}
	if _, err := fh.WriteAt(buf, int64(db.pageSize)); err != nil {
		return page.Meta{}, err
	}
	if err := fh.Sync(); err != nil {
		return page.Meta{}, err
	}
	db.nextMetaSlot = 0
	return m, nil
}

func (db *DB) buildMeta(txID page.TxID, userRoot page.ID) page.Meta {
	return page.Meta{
		Sign:         page.Sign,
		MinVersion:   page.CurrentVersion,
		PageSize:     uint16(db.pageSize),
		PageCount:    db.pages.PageCount(),
		UserRoot:     userRoot,
		TxID:         txID,
		FreeListPgid: page.InvalidID,
	}
}

func (db *DB) writeMeta(m page.Meta) error {
	db.metaMu.Lock()
	defer db.metaMu.Unlock()
	buf := m.Encode()
	offset := int64(db.nextMetaSlot) * int64(db.pageSize)
	if _, err := db.fh.WriteAt(buf, offset); err != nil {
		return err
	}
	if err := db.fh.Sync(); err != nil {
		return err
	}
	db.nextMetaSlot = 1 - db.nextMetaSlot
	return nil
}

// CommitMeta implements txn.MetaPersister: it persists the free list,
// swaps in a new durable meta page, and triggers the checkpointer.
func (db *DB) CommitMeta(txID page.TxID, userRoot page.ID) error {
	head, pairCount, flPages, err := db.pages.SaveFreeList(txID)
	if err != nil {
		return newError(KindIO, "commit_meta.save_free_list", err)
	}
	m := db.buildMeta(txID, userRoot)
	m.FreeListPgid = head
	m.FreePairCount = uint32(pairCount)
	m.FreeListPageCount = uint32(flPages)
	if err := db.writeMeta(m); err != nil {
		return newError(KindIO, "commit_meta.write_meta", err)
	}

	if db.metrics != nil {
		total := db.walw.BytesWritten()
		if delta := total - db.lastWalBytes; delta > 0 {
			db.metrics.WalBytesTotal.Add(float64(delta))
		}
		db.lastWalBytes = total

		allocTotal := db.pages.AllocatedTotal()
		if delta := allocTotal - db.lastPagesAlloc; delta > 0 {
			db.metrics.PagesAllocated.Add(float64(delta))
		}
		db.lastPagesAlloc = allocTotal

		freedTotal := db.pages.FreedTotal()
		if delta := freedTotal - db.lastPagesFreed; delta > 0 {
			db.metrics.PagesFreed.Add(float64(delta))
		}
		db.lastPagesFreed = freedTotal

		db.metrics.DbSizeBytes.Set(float64(int64(db.pages.PageCount()) * int64(db.pageSize)))
		db.metrics.PendingPages.Set(float64(db.pages.PendingCount()))
	}

	if err := db.ckpt.AfterCommit(); err != nil {
		db.log.Error("checkpoint failed").Err(err).Send()
	} else if db.metrics != nil {
		db.metrics.CheckpointsTotal.Inc()
	}
	return nil
}

// View runs fn against a read-only snapshot as of the last committed
// write transaction. Any number of Views run concurrently with each other
// and with the single in-flight Update.
func (db *DB) View(fn func(*View) error) error {
	if db.closed {
		return ErrClosed
	}
	start := time.Now()
	if db.metrics != nil {
		db.metrics.ReadersActive.Inc()
		defer db.metrics.ReadersActive.Dec()
	}
	err := db.manager.View(fn)
	db.recordTx("view", start, err)
	return err
}

// Update runs fn against the single writable transaction, serialized
// against all other writers in this process (and, via the shm sidecar,
// against writers in other processes sharing this file).
func (db *DB) Update(fn func(*UpdateTx) error) error {
	if db.closed {
		return ErrClosed
	}
	if db.opts.ReadOnly {
		return newError(KindInvalidArgument, "update", ErrReadOnly)
	}
	if err := db.shmSeg.LockUpdate(); err != nil {
		return err
	}
	defer db.shmSeg.UnlockUpdate()

	start := time.Now()
	err := db.manager.Update(fn)
	db.recordTx("update", start, err)
	return err
}

func (db *DB) recordTx(kind string, start time.Time, err error) {
	dur := time.Since(start)
	if db.metrics != nil {
		result := "commit"
		if err != nil {
			result = "error"
		}
		db.metrics.RecordTx(kind, result, dur)
	}
}

// Close checkpoints the WAL, releases the writer/shared file lock,
// decrements the shm connection count, and closes every underlying file.
func (db *DB) Close() error {
	var closeErr error
	db.closeOnce.Do(func() {
		db.closed = true
		if db.walw != nil {
			if !db.opts.ReadOnly && db.ckpt != nil {
				db.ckpt.Force()
			}
			db.walw.Close()
		}
		if db.shmSeg != nil {
			db.shmSeg.Close(db.path + "-shm")
		}
		if db.fh != nil {
			db.fh.Unlock()
			closeErr = db.fh.Close()
		}
	})
	return closeErr
}
