package jio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jio/internal/app/journal"
)

// setupDataFile creates a data file with the given contents in a fresh
// temporary directory and returns its path.
func setupDataFile(t *testing.T, contents []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, contents, 0644))
	return path
}

// openFile opens a journal-attached handle for a test and arranges for it
// to be closed on cleanup.
func openFile(t *testing.T, path string, jflags int) *File {
	t.Helper()

	f, err := Open(path, os.O_RDWR, 0644, jflags)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// readFile reads the whole data file back for content assertions.
func readFile(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// txFiles lists the transaction files currently inside a journal directory.
func txFiles(t *testing.T, jdir string) []string {
	t.Helper()

	entries, err := os.ReadDir(jdir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		if _, ok := journal.ParseTxName(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	return names
}

// lockCounter reads the shared transaction counter from a journal's lock
// file.
func lockCounter(t *testing.T, jdir string) uint32 {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(jdir, journal.LockFileName))
	require.NoError(t, err)
	require.Len(t, data, 4)
	return binary.LittleEndian.Uint32(data)
}

func TestOpenAttachesJournal(t *testing.T) {
	path := setupDataFile(t, nil)
	f := openFile(t, path, 0)

	assert.Equal(t, journal.DirPath(path), f.JournalPath())

	fi, err := os.Stat(f.JournalPath())
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	_, err = os.Stat(filepath.Join(f.JournalPath(), journal.LockFileName))
	require.NoError(t, err)
}

func TestOpenMissingDataFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent"), os.O_RDWR, 0644, 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSyncWithoutLinger(t *testing.T) {
	path := setupDataFile(t, []byte("hello"))
	f := openFile(t, path, 0)

	require.NoError(t, f.Sync())
}

func TestCloseDrainsLinger(t *testing.T) {
	path := setupDataFile(t, nil)
	jdir := journal.DirPath(path)

	f := openFile(t, path, Linger)

	tx := f.NewTransaction()
	require.NoError(t, tx.Add([]byte("abc"), 0))
	require.NoError(t, tx.Commit())
	require.Len(t, txFiles(t, jdir), 1)

	require.NoError(t, f.Close())
	assert.Empty(t, txFiles(t, jdir))
	assert.Equal(t, []byte("abc"), readFile(t, path))
}

func TestMoveJournal(t *testing.T) {
	path := setupDataFile(t, nil)
	f := openFile(t, path, Linger)

	oldDir := f.JournalPath()
	newDir := filepath.Join(filepath.Dir(path), ".elsewhere.jio")

	require.NoError(t, f.MoveJournal(newDir))
	assert.Equal(t, newDir, f.JournalPath())

	_, err := os.Stat(oldDir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Later commits land in the new directory; Linger keeps the record
	// visible long enough to observe.
	tx := f.NewTransaction()
	require.NoError(t, tx.Add([]byte("xyz"), 0))
	require.NoError(t, tx.Commit())
	assert.Equal(t, []string{"1"}, txFiles(t, newDir))

	require.NoError(t, f.Sync())
	assert.Empty(t, txFiles(t, newDir))
}

func TestMoveJournalDrainsLinger(t *testing.T) {
	path := setupDataFile(t, nil)
	f := openFile(t, path, Linger)

	tx := f.NewTransaction()
	require.NoError(t, tx.Add([]byte("abc"), 0))
	require.NoError(t, tx.Commit())

	newDir := filepath.Join(filepath.Dir(path), ".moved.jio")
	require.NoError(t, f.MoveJournal(newDir))

	// The lingering record was finalized before the rename, not carried
	// along as a stale path.
	assert.Empty(t, txFiles(t, newDir))
}

func TestMoveJournalTargetExists(t *testing.T) {
	path := setupDataFile(t, nil)
	f := openFile(t, path, 0)

	require.Error(t, f.MoveJournal(t.TempDir()))
}
