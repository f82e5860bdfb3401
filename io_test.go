package jio

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAdvancesPosition(t *testing.T) {
	path := setupDataFile(t, nil)
	f := openFile(t, path, 0)

	n, err := f.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = f.Write([]byte("def"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	assert.Equal(t, []byte("abcdef"), readFile(t, path))
	assert.Empty(t, txFiles(t, f.JournalPath()), "each write commits and discards its record")
}

func TestReadAfterSeek(t *testing.T) {
	path := setupDataFile(t, nil)
	f := openFile(t, path, 0)

	_, err := f.Write([]byte("hello world"))
	require.NoError(t, err)

	pos, err := f.Seek(6, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(6), pos)

	buf := make([]byte, 5)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("world"), buf)
}

func TestWriteAt(t *testing.T) {
	path := setupDataFile(t, []byte("hello"))
	f := openFile(t, path, 0)

	n, err := f.WriteAt([]byte("XY"), 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	assert.Equal(t, []byte("heXYo"), readFile(t, path))
}

func TestWriteAtValidation(t *testing.T) {
	path := setupDataFile(t, nil)
	f := openFile(t, path, 0)

	_, err := f.WriteAt([]byte("a"), -1)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = f.WriteAt(nil, 0)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestReadAt(t *testing.T) {
	path := setupDataFile(t, []byte("0123456789"))
	f := openFile(t, path, 0)

	buf := make([]byte, 4)
	n, err := f.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("3456"), buf)

	_, err = f.ReadAt(buf, -1)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestTruncate(t *testing.T) {
	path := setupDataFile(t, []byte("hello world"))
	f := openFile(t, path, 0)

	require.NoError(t, f.Truncate(5))
	assert.Equal(t, []byte("hello"), readFile(t, path))

	assert.ErrorIs(t, f.Truncate(-1), ErrInvalid)
}

func TestWrappersOnReadOnlyHandle(t *testing.T) {
	path := setupDataFile(t, []byte("hello"))

	f, err := Open(path, os.O_RDONLY, 0, ReadOnly)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	_, err = f.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = f.WriteAt([]byte("x"), 0)
	assert.ErrorIs(t, err, ErrReadOnly)

	assert.ErrorIs(t, f.Truncate(0), ErrReadOnly)

	// Reads still work, unlocked.
	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), buf)
}

func TestNoLockWrappers(t *testing.T) {
	path := setupDataFile(t, []byte("hello"))
	f := openFile(t, path, NoLock)

	_, err := f.WriteAt([]byte("HE"), 0)
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("HEllo"), buf)
}
