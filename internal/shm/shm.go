// Package shm implements the cross-process coordination sidecar spec.md
// §5/§6 describes as the <path>-shm file: a small shared segment carrying
// a connection count and two advisory locks (update_lock serializes
// writers across processes, meta_lock guards the connection count). The
// segment holds no copy of the meta page. Byte-range locking via
// golang.org/x/sys/unix.FcntlFlock is the same ecosystem primitive
// alpoloz-leafdb/fsync_unix.go reaches for advisory locks with, applied
// here to two independent byte ranges in one file instead of the whole
// file.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	headerSize = 16

	updateLockOffset = 0
	metaLockOffset   = 1

	connCountField = 8 // uint32 at byte offset 8
)

// Segment is a process's handle onto the shared <path>-shm file.
type Segment struct {
	f *os.File
}

// Open creates (if absent) and opens the shared segment at path, then
// increments its live-connection counter under the meta lock.
func Open(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if fi.Size() < headerSize {
		if err := f.Truncate(headerSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
		}
	}
	s := &Segment{f: f}
	if _, err := s.incrConnections(1); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Segment) byteRangeLock(offset int64, lockType int16) error {
	lk := unix.Flock_t{Type: lockType, Whence: 0, Start: offset, Len: 1}
	if err := unix.FcntlFlock(s.f.Fd(), unix.F_SETLKW, &lk); err != nil {
		return fmt.Errorf("shm: fcntl flock: %w", err)
	}
	return nil
}

func (s *Segment) byteRangeUnlock(offset int64) error {
	lk := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: offset, Len: 1}
	if err := unix.FcntlFlock(s.f.Fd(), unix.F_SETLK, &lk); err != nil {
		return fmt.Errorf("shm: fcntl unlock: %w", err)
	}
	return nil
}

// LockUpdate serializes this process's writer against every other
// process's writer sharing the same database file.
func (s *Segment) LockUpdate() error   { return s.byteRangeLock(updateLockOffset, unix.F_WRLCK) }
func (s *Segment) UnlockUpdate() error { return s.byteRangeUnlock(updateLockOffset) }

// LockMetaExclusive/LockMetaShared take the meta lock exclusively or
// shared. The segment carries no meta-page mirror; inside this package the
// meta lock guards only the connection count (incrConnections).
func (s *Segment) LockMetaExclusive() error { return s.byteRangeLock(metaLockOffset, unix.F_WRLCK) }
func (s *Segment) LockMetaShared() error    { return s.byteRangeLock(metaLockOffset, unix.F_RDLCK) }
func (s *Segment) UnlockMeta() error        { return s.byteRangeUnlock(metaLockOffset) }

func (s *Segment) incrConnections(delta int32) (int32, error) {
	if err := s.byteRangeLock(metaLockOffset, unix.F_WRLCK); err != nil {
		return 0, err
	}
	defer s.byteRangeUnlock(metaLockOffset)

	buf := make([]byte, 4)
	if _, err := s.f.ReadAt(buf, connCountField); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("shm: read connection count: %w", err)
	}
	count := int32(binary.LittleEndian.Uint32(buf)) + delta
	if count < 0 {
		count = 0
	}
	binary.LittleEndian.PutUint32(buf, uint32(count))
	if _, err := s.f.WriteAt(buf, connCountField); err != nil {
		return 0, fmt.Errorf("shm: write connection count: %w", err)
	}
	return count, nil
}

// Close decrements the connection count and, if this was the last
// connection, best-effort removes the segment file (a new Open recreates
// it, so a removal race with another opener is harmless).
func (s *Segment) Close(path string) error {
	count, err := s.incrConnections(-1)
	closeErr := s.f.Close()
	if err != nil {
		return err
	}
	if count == 0 {
		os.Remove(path)
	}
	return closeErr
}
