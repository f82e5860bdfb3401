package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"jio/internal/app/lock"
)

// LockFileName is the reserved name of the shared counter file inside a
// journal directory. Every other entry is a transaction file named by its
// decimal ID.
const LockFileName = "lock"

const counterSize = 4

// ErrNoJournal indicates the journal directory or its lock file is missing
// or unreadable when opening an existing journal (the recovery path).
var ErrNoJournal = errors.New("journal directory or lock file missing or unreadable")

// DirManager owns one journal directory: the directory handle used for
// durable fsync of renames and unlinks, the lock file carrying the shared
// transaction counter, and the memory mapping of that counter.
type DirManager struct {
	path     string   // absolute journal directory path
	dir      *os.File // handle for directory fsync
	lockFile *os.File
	counter  []byte // mapping of the lock file's first 4 bytes

	// fcntl locks exclude other processes only, so the counter still needs
	// an in-process guard.
	mu sync.Mutex
}

// DirPath derives the journal directory path for a data file:
// a hidden sibling named ".<basename>.jio".
func DirPath(dataPath string) string {
	dir, base := filepath.Split(filepath.Clean(dataPath))
	return filepath.Join(dir, "."+base+".jio")
}

// ParseTxName reports whether a directory entry names a transaction file
// and, if so, its ID. Valid names are positive decimal integers without
// leading zeros; everything else, including the literal "lock", is not a
// transaction file.
func ParseTxName(name string) (uint32, bool) {
	if name == "" || name[0] < '1' || name[0] > '9' {
		return 0, false
	}

	id, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// Open sets up the journal directory for a data file. An explicit jdir
// overrides the derived sibling path. With create set, the directory and
// lock file are created as needed and a fresh counter is initialized so the
// first transaction gets ID 1; without it (the recovery path), a missing
// directory or lock file is reported as ErrNoJournal and the counter is
// left untouched.
func Open(dataPath, jdir string, create bool) (*DirManager, error) {
	path := jdir
	if path == "" {
		path = DirPath(dataPath)
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve journal path: %w", err)
	}

	if create {
		if err := os.Mkdir(path, 0750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("cannot create journal directory: %w", err)
		}
	}

	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, ErrNoJournal
		}
		return nil, fmt.Errorf("cannot access journal directory: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("journal path %s is not a directory", path)
	}

	dir, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, ErrNoJournal
		}
		return nil, fmt.Errorf("cannot open journal directory: %w", err)
	}

	lockFlags := os.O_RDWR
	if create {
		lockFlags |= os.O_CREATE
	}
	lockFile, err := os.OpenFile(filepath.Join(path, LockFileName), lockFlags, 0600)
	if err != nil {
		dir.Close()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, ErrNoJournal
		}
		return nil, fmt.Errorf("cannot open journal lock file: %w", err)
	}

	m := &DirManager{
		path:     path,
		dir:      dir,
		lockFile: lockFile,
	}

	if err := m.initCounter(); err != nil {
		m.Close()
		return nil, err
	}

	m.counter, err = unix.Mmap(int(lockFile.Fd()), 0, counterSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("cannot map journal lock file: %w", err)
	}

	return m, nil
}

// initCounter grows a newly created (size 0) lock file to hold the 4-byte
// counter, zeroed so the first allocated ID is 1. The size is re-checked
// under an exclusive whole-file lock: two processes opening the same
// journal for the first time must not both initialize.
func (m *DirManager) initCounter() error {
	fi, err := m.lockFile.Stat()
	if err != nil {
		return fmt.Errorf("cannot stat journal lock file: %w", err)
	}
	if fi.Size() >= counterSize {
		return nil
	}

	fd := m.lockFile.Fd()
	if err := lock.Lock(fd, 0, 0); err != nil {
		return err
	}
	defer lock.Unlock(fd, 0, 0)

	fi, err = m.lockFile.Stat()
	if err != nil {
		return fmt.Errorf("cannot stat journal lock file: %w", err)
	}
	if fi.Size() >= counterSize {
		// Somebody beat us to it.
		return nil
	}

	if err := m.lockFile.Truncate(counterSize); err != nil {
		return fmt.Errorf("cannot initialize journal lock file: %w", err)
	}
	if err := m.lockFile.Sync(); err != nil {
		return fmt.Errorf("cannot sync journal lock file: %w", err)
	}
	return nil
}

// Path returns the absolute journal directory path.
func (m *DirManager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// TxPath returns the path of the transaction file for an ID.
func (m *DirManager) TxPath(id uint32) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filepath.Join(m.path, strconv.FormatUint(uint64(id), 10))
}

// SyncDir fsyncs the journal directory itself, making completed renames
// and unlinks durable.
func (m *DirManager) SyncDir() error {
	if err := m.dir.Sync(); err != nil {
		return fmt.Errorf("cannot sync journal directory: %w", err)
	}
	return nil
}

// Move relocates the journal directory via rename. The destination must
// not exist. The lock file and counter mapping stay valid across the
// rename; only the directory handle is reopened at the new location.
func (m *DirManager) Move(newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newPath, err := filepath.Abs(newPath)
	if err != nil {
		return fmt.Errorf("cannot resolve journal path: %w", err)
	}

	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("cannot move journal: %s already exists", newPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot move journal: %w", err)
	}

	if err := os.Rename(m.path, newPath); err != nil {
		return fmt.Errorf("cannot move journal: %w", err)
	}

	dir, err := os.Open(newPath)
	if err != nil {
		return fmt.Errorf("cannot reopen journal directory: %w", err)
	}
	m.dir.Close()
	m.dir = dir
	m.path = newPath
	return nil
}

// Close releases the counter mapping and both descriptors. The manager
// must not be used afterwards.
func (m *DirManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.counter != nil {
		if err := unix.Munmap(m.counter); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cannot unmap journal lock file: %w", err)
		}
		m.counter = nil
	}
	if err := m.lockFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.dir.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
