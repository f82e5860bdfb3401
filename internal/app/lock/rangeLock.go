package lock

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TryLock when another process already holds
// a conflicting lock on the requested range.
var ErrWouldBlock = errors.New("range locked by another process")

// All locking in this package is exclusive and anchored at absolute offsets
// from the start of the file. A length of 0 locks from the offset through
// the end of the file, following the POSIX convention.
//
// These are advisory fcntl locks: they exclude other processes, not other
// threads of the same process. Intra-process ordering is the caller's job.

// Lock acquires an exclusive lock on [offset, offset+length), blocking until
// the range is available.
func Lock(fd uintptr, offset, length int64) error {
	flk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  offset,
		Len:    length,
	}

	if err := unix.FcntlFlock(fd, unix.F_SETLKW, &flk); err != nil {
		return fmt.Errorf("cannot lock range [%d,+%d): %w", offset, length, err)
	}
	return nil
}

// TryLock attempts to acquire an exclusive lock on [offset, offset+length)
// without blocking. A range held by another process is reported as
// ErrWouldBlock so callers can skip contended resources; any other failure
// is returned verbatim.
func TryLock(fd uintptr, offset, length int64) error {
	flk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  offset,
		Len:    length,
	}

	err := unix.FcntlFlock(fd, unix.F_SETLK, &flk)
	if err == nil {
		return nil
	}

	// POSIX permits either errno for a held lock.
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
		return ErrWouldBlock
	}
	return fmt.Errorf("cannot try-lock range [%d,+%d): %w", offset, length, err)
}

// Unlock releases a previously acquired lock on [offset, offset+length).
func Unlock(fd uintptr, offset, length int64) error {
	flk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: io.SeekStart,
		Start:  offset,
		Len:    length,
	}

	if err := unix.FcntlFlock(fd, unix.F_SETLK, &flk); err != nil {
		return fmt.Errorf("cannot unlock range [%d,+%d): %w", offset, length, err)
	}
	return nil
}
