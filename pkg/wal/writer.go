package wal

import (
	"fmt"
	"os"
	"sync"

	"github.com/ferrokv/ferrokv/pkg/page"
	"github.com/rs/zerolog"
)

// Writer appends logical entries to the <path>-wal file, framed into
// 32 KiB blocks. It is the concrete pkg/txn.WAL implementation wired into
// the writer transaction's lifecycle.
type Writer struct {
	mu         sync.Mutex
	f          *os.File
	blockOff   int
	totalBytes int64
	log        zerolog.Logger
}

// BytesWritten returns the cumulative number of record bytes appended
// since this Writer was opened (ferrokv_wal_bytes_total tracks its delta
// across commits).
func (w *Writer) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalBytes
}

// OpenWriter opens (creating if absent) the WAL file at path for append,
// resuming block alignment from the file's current size.
func OpenWriter(path string, log zerolog.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	return &Writer{f: f, blockOff: int(fi.Size() % BlockSize), log: log}, nil
}

func (w *Writer) padToBlockBoundary() error {
	if w.blockOff == 0 {
		return nil
	}
	remaining := BlockSize - w.blockOff
	if _, err := w.f.Write(make([]byte, remaining)); err != nil {
		return fmt.Errorf("wal: pad block: %w", err)
	}
	w.blockOff = 0
	return nil
}

func (w *Writer) appendEntry(e *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendEntryLocked(e)
}

func (w *Writer) Begin(tx page.TxID) error {
	return w.appendEntry(&Entry{Type: EntryBegin, TxID: tx})
}

func (w *Writer) LogPut(tx page.TxID, path [][]byte, key, val []byte, isBucket bool) error {
	t := EntryPutNotBucket
	if isBucket {
		t = EntryPutIsBucket
	}
	return w.appendEntry(&Entry{Type: t, TxID: tx, Path: path, Key: key, Value: val})
}

func (w *Writer) LogDelete(tx page.TxID, path [][]byte, key []byte) error {
	return w.appendEntry(&Entry{Type: EntryDelete, TxID: tx, Path: path, Key: key})
}

func (w *Writer) LogDeleteBucket(tx page.TxID, path [][]byte, name []byte) error {
	return w.appendEntry(&Entry{Type: EntryDeleteBucket, TxID: tx, Path: path, Key: name})
}

func (w *Writer) LogSubBucket(tx page.TxID, path [][]byte, name []byte) error {
	return w.appendEntry(&Entry{Type: EntrySubBucket, TxID: tx, Path: path, Key: name})
}

// Commit appends the commit marker and fsyncs: once this returns, the
// transaction is durable even if the meta page swap has not happened yet
// (spec.md §4.6's recovery protocol replays from here).
func (w *Writer) Commit(tx page.TxID) error {
	w.mu.Lock()
	if err := w.appendEntryLocked(&Entry{Type: EntryCommit, TxID: tx}); err != nil {
		w.mu.Unlock()
		return err
	}
	f := w.f
	w.mu.Unlock()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("wal: fsync commit: %w", err)
	}
	return nil
}

func (w *Writer) Rollback(tx page.TxID) error {
	return w.appendEntry(&Entry{Type: EntryRollback, TxID: tx})
}

// appendEntryLocked is appendEntry's body, for callers that already hold
// w.mu (Commit, so its fsync happens after the lock is released).
func (w *Writer) appendEntryLocked(e *Entry) error {
	payload := e.Encode()
	remaining := BlockSize - w.blockOff
	if remaining <= recordHeaderSize {
		if err := w.padToBlockBoundary(); err != nil {
			return err
		}
		remaining = BlockSize
	}
	recs, types := splitIntoRecords(payload, remaining)
	for i := range recs {
		buf := encodeRecord(types[i], recs[i])
		if _, err := w.f.Write(buf); err != nil {
			return fmt.Errorf("wal: write record: %w", err)
		}
		w.blockOff += len(buf)
		w.totalBytes += int64(len(buf))
		if w.blockOff >= BlockSize {
			w.blockOff = 0
		}
	}
	return nil
}

// Reset truncates the WAL file to empty and realigns block offset to 0,
// called once a checkpoint has durably applied everything the log held.
func (w *Writer) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.f.Seek(0, 0); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	w.blockOff = 0
	return nil
}

func (w *Writer) Close() error { return w.f.Close() }
