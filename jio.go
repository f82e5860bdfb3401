// Package jio retrofits transactional, crash-consistent write semantics
// onto regular files. A caller opens a data file through Open and issues
// writes either directly (WriteAt, Write) or grouped into transactions of
// several (buffer, offset) operations. Each committed transaction is
// atomic with respect to crashes and concurrent access: after recovery the
// file reflects either all or none of its operations.
//
// Every data file gets a hidden sibling journal directory. A commit first
// makes the transaction durable there, then applies it to the data file,
// then discards the journal record; Fsck replays whatever records survive
// a crash with durable, checksum-valid content.
package jio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"jio/internal/app/journal"
	"jio/internal/app/lock"
)

// Library flags for Open. They combine as a bit field.
const (
	// NoLock skips data-file range locking. Only safe when a single
	// thread of a single process touches the file.
	NoLock = 1 << iota

	// NoRollback makes Rollback fail on every transaction of the handle.
	NoRollback

	// Linger defers the journal-record unlink after commit until Sync.
	// Trades a larger recovery window for amortized fsync cost.
	Linger

	// ReadOnly rejects every mutating operation on the handle.
	ReadOnly
)

// File is an open, journal-attached data file. All state hangs off the
// handle; two handles on the same path share no in-memory state. The fcntl
// locks they take exclude other processes only, so two handles in one
// process do not exclude each other.
type File struct {
	fd    *os.File
	jm    *journal.DirManager
	flags int

	// mu guards the linger list, the in-flight count, and the setup and
	// teardown of data-file range locks, preventing intra-process
	// lock-order inversions.
	mu        sync.Mutex
	lingering []lingerRecord
	inflight  int

	// posMu serializes the seek-based Read/Write/Seek wrappers.
	posMu sync.Mutex
}

// lingerRecord tracks one committed transaction whose journal file is kept
// until the next Sync. The file stays open so its whole-file lock keeps
// marking the record as owned.
type lingerRecord struct {
	path string
	file *os.File
}

// Open opens the data file at path and attaches its journal: the sibling
// directory ".<basename>.jio" is created if needed, along with the lock
// file carrying the shared transaction counter. flag and perm are passed
// through to the data-file open; jflags is the library bit field above.
func Open(path string, flag int, perm os.FileMode, jflags int) (*File, error) {
	fd, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, fmt.Errorf("cannot open data file: %w", err)
	}

	jm, err := journal.Open(path, "", true)
	if err != nil {
		fd.Close()
		return nil, err
	}

	return &File{fd: fd, jm: jm, flags: jflags}, nil
}

// Close drains any lingering journal records, then releases the data file,
// the journal directory handle, the lock file, and the counter mapping.
func (f *File) Close() error {
	syncErr := f.Sync()

	var firstErr error
	if err := f.fd.Close(); err != nil {
		firstErr = err
	}
	if err := f.jm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr == nil {
		firstErr = syncErr
	}
	return firstErr
}

// Sync makes every committed-but-lingering transaction final: one fsync of
// the data file, then the tracked journal files are unlinked and the list
// cleared. Committed data is already on disk before each commit returns,
// so the unlink order is safe. A no-op besides the fsync when nothing
// lingers.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncLocked()
}

func (f *File) syncLocked() error {
	if err := f.fd.Sync(); err != nil {
		return fmt.Errorf("cannot sync data file: %w", err)
	}
	if len(f.lingering) == 0 {
		return nil
	}

	for _, lr := range f.lingering {
		if err := os.Remove(lr.path); err != nil {
			return fmt.Errorf("cannot unlink journal record: %w", err)
		}
		lr.file.Close()
	}
	f.lingering = nil

	return f.jm.SyncDir()
}

// MoveJournal relocates the journal directory via rename. Fails with
// ErrBusy while transactions are in flight — this process's via the
// in-flight count, any other process's via a non-blocking probe of the
// locks held on outstanding transaction files. Fails if newPath exists.
// Lingering records are drained first so no tracked path goes stale.
func (f *File) MoveJournal(newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inflight > 0 {
		return ErrBusy
	}
	if err := f.syncLocked(); err != nil {
		return err
	}
	if err := f.probeInFlight(); err != nil {
		return err
	}
	return f.jm.Move(newPath)
}

// probeInFlight try-locks every transaction file in the journal
// directory. A committing process holds the whole-file lock on its record
// for the record's lifetime, so a range held by anyone else means a
// transaction is in flight and is reported as ErrBusy.
func (f *File) probeInFlight() error {
	entries, err := os.ReadDir(f.jm.Path())
	if err != nil {
		return fmt.Errorf("cannot read journal directory: %w", err)
	}

	for _, e := range entries {
		if _, ok := journal.ParseTxName(e.Name()); !ok {
			continue
		}

		jf, err := os.OpenFile(filepath.Join(f.jm.Path(), e.Name()), os.O_RDWR, 0)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("cannot open transaction file %s: %w", e.Name(), err)
		}

		err = lock.TryLock(jf.Fd(), 0, 0)
		jf.Close() // releases the probe lock with the descriptor
		if errors.Is(err, ErrContention) {
			return ErrBusy
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// JournalPath returns the absolute path of the journal directory.
func (f *File) JournalPath() string {
	return f.jm.Path()
}
