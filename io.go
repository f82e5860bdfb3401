package jio

import (
	"fmt"
	"io"

	"jio/internal/app/lock"
)

// Thin positional and streaming wrappers over the data file. Reads go
// straight to the file under a range lock; writes are one-shot
// transactions, so they get the same atomicity and durability as an
// explicit Commit. The seek-based calls share the handle's position and
// are serialized by a per-handle mutex.

// Read reads up to len(p) bytes at the handle's current position and
// advances it. The region is range-locked for the duration unless the
// handle was opened with NoLock or ReadOnly.
func (f *File) Read(p []byte) (int, error) {
	f.posMu.Lock()
	defer f.posMu.Unlock()

	pos, err := f.fd.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("cannot find file position: %w", err)
	}

	// Write locks need a writable descriptor, so a read-only handle reads
	// unlocked just like a NoLock one.
	if f.flags&(NoLock|ReadOnly) == 0 && len(p) > 0 {
		if err := lock.Lock(f.fd.Fd(), pos, int64(len(p))); err != nil {
			return 0, err
		}
		defer lock.Unlock(f.fd.Fd(), pos, int64(len(p)))
	}

	return f.fd.Read(p)
}

// Write commits p at the handle's current position as a single-operation
// transaction, then advances the position past it.
func (f *File) Write(p []byte) (int, error) {
	if f.flags&ReadOnly != 0 {
		return 0, ErrReadOnly
	}

	f.posMu.Lock()
	defer f.posMu.Unlock()

	pos, err := f.fd.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("cannot find file position: %w", err)
	}

	if err := f.writeAt(p, pos); err != nil {
		return 0, err
	}

	if _, err := f.fd.Seek(pos+int64(len(p)), io.SeekStart); err != nil {
		return len(p), fmt.Errorf("cannot advance file position: %w", err)
	}
	return len(p), nil
}

// ReadAt reads len(p) bytes at the absolute offset, range-locking the
// region unless the handle was opened with NoLock or ReadOnly. The handle's position
// is untouched.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalid
	}

	if f.flags&(NoLock|ReadOnly) == 0 && len(p) > 0 {
		if err := lock.Lock(f.fd.Fd(), off, int64(len(p))); err != nil {
			return 0, err
		}
		defer lock.Unlock(f.fd.Fd(), off, int64(len(p)))
	}

	return f.fd.ReadAt(p, off)
}

// WriteAt commits p at the absolute offset as a single-operation
// transaction. The handle's position is untouched.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.flags&ReadOnly != 0 {
		return 0, ErrReadOnly
	}
	if err := f.writeAt(p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *File) writeAt(p []byte, off int64) error {
	t := f.NewTransaction()
	if err := t.Add(p, off); err != nil {
		return err
	}
	return t.Commit()
}

// Seek repositions the handle like os.File.Seek.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.posMu.Lock()
	defer f.posMu.Unlock()
	return f.fd.Seek(offset, whence)
}

// Truncate resizes the data file and fsyncs it, holding a lock from size
// through EOF. Unlike the write calls it is not transactional: there is no
// pre-image to journal, so a crash can leave the new length without any
// record of the old one.
func (f *File) Truncate(size int64) error {
	if f.flags&ReadOnly != 0 {
		return ErrReadOnly
	}
	if size < 0 {
		return ErrInvalid
	}

	if f.flags&NoLock == 0 {
		if err := lock.Lock(f.fd.Fd(), size, 0); err != nil {
			return err
		}
		defer lock.Unlock(f.fd.Fd(), size, 0)
	}

	if err := f.fd.Truncate(size); err != nil {
		return fmt.Errorf("cannot truncate data file: %w", err)
	}
	if err := f.fd.Sync(); err != nil {
		return fmt.Errorf("cannot sync data file: %w", err)
	}
	return nil
}
