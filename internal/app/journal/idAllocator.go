package journal

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"jio/internal/app/lock"
)

// The lock file holds a single little-endian uint32: the highest
// transaction ID issued so far. It is always read and written through the
// mapping, under an exclusive whole-file lock, so IDs stay unique across
// every process sharing the journal directory.

// NextID reserves the next transaction ID. IDs advance monotonically; a
// wrap past 2^32-1 produces 1, never 0 (0 means "unassigned"). Collisions
// with transaction files surviving from before a wrap are left to the
// recovery engine, whose in-progress lock skips contended IDs.
func (m *DirManager) NextID() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fd := m.lockFile.Fd()
	if err := lock.Lock(fd, 0, 0); err != nil {
		return 0, err
	}
	defer lock.Unlock(fd, 0, 0)

	id := binary.LittleEndian.Uint32(m.counter) + 1
	if id == 0 {
		id = 1
	}

	binary.LittleEndian.PutUint32(m.counter, id)
	if err := unix.Msync(m.counter, unix.MS_SYNC); err != nil {
		return 0, fmt.Errorf("cannot sync journal counter: %w", err)
	}
	return id, nil
}

// SetCounter overwrites the counter, so future IDs do not collide with
// transaction files already on disk. Used by recovery after scanning the
// directory.
func (m *DirManager) SetCounter(v uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fd := m.lockFile.Fd()
	if err := lock.Lock(fd, 0, 0); err != nil {
		return err
	}
	defer lock.Unlock(fd, 0, 0)

	binary.LittleEndian.PutUint32(m.counter, v)
	if err := unix.Msync(m.counter, unix.MS_SYNC); err != nil {
		return fmt.Errorf("cannot sync journal counter: %w", err)
	}
	return nil
}

// Counter returns the highest transaction ID issued so far.
func (m *DirManager) Counter() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.LittleEndian.Uint32(m.counter)
}
