// Package mmapfile is the sole concrete FileHandle + Mmap implementation
// (spec.md §1 treats this as an external collaborator, modeled abstractly
// elsewhere as pager.FileHandle). It backs the data file with a memory
// mapping kept in sync with pwrite/fsync, following the mmap+pwrite
// discipline of the teacher's pkg/storage/kv.go but built on
// golang.org/x/sys/unix instead of the raw syscall package, matching the
// dependency alpoloz-leafdb/fsync_unix.go pulls in for the same job.
package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is a memory-mapped, advisory-lockable data file.
type File struct {
	f    *os.File
	data []byte
	size int64
}

// Open opens or creates path for read/write use.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: stat %s: %w", path, err)
	}
	mf := &File{f: f, size: fi.Size()}
	if fi.Size() > 0 {
		if err := mf.remap(fi.Size()); err != nil {
			f.Close()
			return nil, err
		}
	}
	return mf, nil
}

func (mf *File) remap(size int64) error {
	if mf.data != nil {
		if err := unix.Munmap(mf.data); err != nil {
			return fmt.Errorf("mmapfile: munmap: %w", err)
		}
		mf.data = nil
	}
	if size == 0 {
		return nil
	}
	data, err := unix.Mmap(int(mf.f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmapfile: mmap: %w", err)
	}
	mf.data = data
	mf.size = size
	return nil
}

// Resize grows or shrinks the backing file and remaps it. Callers
// (pkg/pager) are responsible for only ever growing a live database.
func (mf *File) Resize(size int64) error {
	if size == mf.size {
		return nil
	}
	if err := unix.Ftruncate(int(mf.f.Fd()), size); err != nil {
		return fmt.Errorf("mmapfile: ftruncate: %w", err)
	}
	return mf.remap(size)
}

// ReadAt copies len(buf) bytes starting at offset out of the mapping.
func (mf *File) ReadAt(buf []byte, offset int64) (int, error) {
	if offset < 0 || offset+int64(len(buf)) > int64(len(mf.data)) {
		return 0, fmt.Errorf("mmapfile: read out of range at %d", offset)
	}
	return copy(buf, mf.data[offset:offset+int64(len(buf))]), nil
}

// WriteAt writes buf at offset via pwrite (durable once Sync returns),
// independent of the mapping (so it is safe to call immediately after a Resize remap racing
// with readers who hold the old mapping).
func (mf *File) WriteAt(buf []byte, offset int64) (int, error) {
	n, err := unix.Pwrite(int(mf.f.Fd()), buf, offset)
	if err != nil {
		return n, fmt.Errorf("mmapfile: pwrite: %w", err)
	}
	return n, nil
}

// Sync fsyncs the underlying file descriptor.
func (mf *File) Sync() error {
	if err := unix.Fsync(int(mf.f.Fd())); err != nil {
		return fmt.Errorf("mmapfile: fsync: %w", err)
	}
	return nil
}

// LockShared/LockExclusive/Unlock implement the whole-file advisory lock
// spec.md §5/§6 requires: shared for read-only opens, exclusive for the
// writer and during init.
func (mf *File) LockShared() error    { return mf.flock(unix.LOCK_SH) }
func (mf *File) LockExclusive() error { return mf.flock(unix.LOCK_EX) }
func (mf *File) Unlock() error        { return mf.flock(unix.LOCK_UN) }

func (mf *File) flock(how int) error {
	if err := unix.Flock(int(mf.f.Fd()), how); err != nil {
		return fmt.Errorf("mmapfile: flock: %w", err)
	}
	return nil
}

// Bytes returns the current mapping. The slice is only valid until the
// next Resize call remaps the file.
func (mf *File) Bytes() []byte { return mf.data }

// Size returns the current file size in bytes.
func (mf *File) Size() int64 { return mf.size }

// Close unmaps and closes the file.
func (mf *File) Close() error {
	if mf.data != nil {
		unix.Munmap(mf.data)
		mf.data = nil
	}
	return mf.f.Close()
}
