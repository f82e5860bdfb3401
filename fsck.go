package jio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"jio/internal/app/journal"
	"jio/internal/app/lock"
	"jio/internal/app/record"
)

// Result summarizes one recovery pass: how every transaction file in the
// journal directory was classified.
type Result struct {
	Total      int // records that reached the re-apply step
	Invalid    int // IDs up to the highest seen with no file behind them
	InProgress int // files locked by a live committing process, skipped
	Broken     int // files too short or structurally malformed
	Corrupt    int // files whose checksum does not match
	ApplyError int // records whose re-apply failed
	Reapplied  int // records re-applied successfully
}

// Fsck recovers a data file from its journal: every transaction file whose
// record is structurally complete and checksum-valid is re-committed, in
// strictly ascending ID order so later transactions overwrite earlier ones
// exactly as they originally did. journalPath overrides the derived
// directory; pass "" for the default. A missing journal directory or lock
// file is reported as ErrNoJournal.
//
// Fsck is idempotent: a second consecutive run re-applies nothing.
func Fsck(dataPath, journalPath string) (*Result, error) {
	fd, err := os.OpenFile(dataPath, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open data file: %w", err)
	}
	defer fd.Close()

	jm, err := journal.Open(dataPath, journalPath, false)
	if err != nil {
		return nil, err
	}
	defer jm.Close()

	entries, err := os.ReadDir(jm.Path())
	if err != nil {
		return nil, fmt.Errorf("cannot read journal directory: %w", err)
	}

	var maxtid uint32
	for _, e := range entries {
		if id, ok := journal.ParseTxName(e.Name()); ok && id > maxtid {
			maxtid = id
		}
	}

	// Future commits must not collide with IDs still on disk.
	if err := jm.SetCounter(maxtid); err != nil {
		return nil, err
	}

	f := &File{fd: fd, jm: jm}
	res := &Result{}

	for id := uint32(1); id != 0 && id <= maxtid; id++ {
		if err := replay(f, id, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// replay classifies and, when applicable, re-commits one transaction file.
// Classification errors bump the matching counter; only environment
// failures (an unreadable directory entry, say) abort the scan.
func replay(f *File, id uint32, res *Result) error {
	path := f.jm.TxPath(id)

	jf, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			res.Invalid++
			return nil
		}
		return fmt.Errorf("cannot open transaction file %d: %w", id, err)
	}
	defer jf.Close()

	// A committing process holds the whole-file lock for the record's
	// lifetime; skip what it owns.
	if err := lock.TryLock(jf.Fd(), 0, 0); err != nil {
		if errors.Is(err, ErrContention) {
			res.InProgress++
			return nil
		}
		return err
	}
	defer lock.Unlock(jf.Fd(), 0, 0)

	fi, err := jf.Stat()
	if err != nil {
		return fmt.Errorf("cannot stat transaction file %d: %w", id, err)
	}
	if fi.Size() < record.HeaderSize {
		res.Broken++
		return nil
	}

	data, err := unix.Mmap(int(jf.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		res.Broken++
		return nil
	}
	defer unix.Munmap(data)

	rec, err := record.Decode(data)
	if err != nil {
		res.Broken++
		return nil
	}
	if !record.VerifyChecksum(data) {
		res.Corrupt++
		return nil
	}

	// Rebuild the transaction with cleared flags so the re-apply is
	// unconditional, and run it through the regular commit protocol.
	t := &Transaction{f: f, truncTo: -1}
	for i := range rec.Ops {
		t.ops = append(t.ops, operation{new: rec.Ops[i].New, offset: rec.Ops[i].Offset})
	}

	res.Total++
	if err := t.commit(); err != nil {
		res.ApplyError++
		return nil
	}
	res.Reapplied++

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("cannot unlink transaction file %d: %w", id, err)
	}
	return f.jm.SyncDir()
}

// FsckCleanup discards a journal: every entry named "lock" or a positive
// integer is unlinked and the directory removed. Idempotent, an absent
// directory is success. Safe only after Fsck has run, or when partial work
// is knowingly being thrown away.
func FsckCleanup(dataPath, journalPath string) error {
	path := journalPath
	if path == "" {
		path = journal.DirPath(dataPath)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("cannot read journal directory: %w", err)
	}

	for _, e := range entries {
		_, isTx := journal.ParseTxName(e.Name())
		if !isTx && e.Name() != journal.LockFileName {
			continue
		}
		if err := os.Remove(filepath.Join(path, e.Name())); err != nil {
			return fmt.Errorf("cannot unlink %s: %w", e.Name(), err)
		}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("cannot remove journal directory: %w", err)
	}
	return nil
}
