package jio

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"jio/internal/app/lock"
	"jio/internal/app/record"
)

// Transaction is an ordered group of write operations committed atomically
// against its parent handle's data file. Operations accumulate through Add
// until Commit or Rollback terminates the transaction; either terminal
// state is final, a second attempt fails with ErrTerminated.
type Transaction struct {
	f  *File
	id uint32 // assigned at commit; 0 means unassigned

	// mu guards the operation list and the flag transitions.
	mu          sync.Mutex
	ops         []operation
	size        int64 // serialized size so far, worst case
	committed   bool
	rollbacked  bool
	rollbacking bool // this transaction undoes an earlier one

	// Recorded at commit for truncate-back on rollback.
	origLen  int64
	extended bool

	// truncTo >= 0 shrinks the data file after the operations apply;
	// carried by rollbacks of file-extending transactions.
	truncTo int64
}

// operation is one (buffer, offset) write. The pre-image is captured at
// commit time and never outlives the transaction; it may be shorter than
// the payload when the write extends the file.
type operation struct {
	new       []byte
	pre       []byte
	offset    int64
	extending bool
}

// NewTransaction starts an empty transaction on the handle. The handle
// must outlive the transaction.
func (f *File) NewTransaction() *Transaction {
	return &Transaction{f: f, truncTo: -1}
}

// Add appends a write of buf at the absolute offset. The buffer is copied,
// so the caller may reuse it immediately. Fails on empty buffers, negative
// offsets, and transactions already terminated or grown past the maximum
// journal-record size.
func (t *Transaction) Add(buf []byte, offset int64) error {
	if t.f.flags&ReadOnly != 0 {
		return ErrReadOnly
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed || t.rollbacked {
		return ErrTerminated
	}
	if len(buf) == 0 || offset < 0 {
		return ErrInvalid
	}
	if offset > math.MaxInt64-int64(len(buf)) {
		return ErrInvalid
	}

	// Worst case on disk: header plus payload plus an equally long
	// pre-image. The running record size must stay addressable.
	opSize := 16 + 2*int64(len(buf))
	if t.size > math.MaxInt64-opSize {
		return ErrInvalid
	}
	t.size += opSize

	cp := make([]byte, len(buf))
	copy(cp, buf)
	t.ops = append(t.ops, operation{new: cp, offset: offset})
	return nil
}

// Commit runs the commit protocol: reserve an ID, write and fsync the
// journal record, apply the operations to the data file, fsync it, then
// discard the record (or keep it until Sync on a Linger handle). On any
// error before the record is durable, the data file and journal are left
// as if the commit never happened, modulo truncate-up of file-extending
// operations.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commit()
}

// commit implements Commit and the recovery re-apply path. The caller
// holds the transaction mutex.
func (t *Transaction) commit() error {
	f := t.f
	if f.flags&ReadOnly != 0 {
		return ErrReadOnly
	}
	if t.committed || t.rollbacked {
		return ErrTerminated
	}
	if len(t.ops) == 0 {
		if t.rollbacking && t.truncTo >= 0 {
			// Rollback of a purely file-extending transaction: nothing to
			// journal, just shrink back under a lock to EOF.
			return t.truncateOnly()
		}
		return ErrInvalid
	}

	id, err := f.jm.NextID()
	if err != nil {
		return err
	}

	jpath := f.jm.TxPath(id)
	jf, err := os.OpenFile(jpath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("cannot create journal file: %w", err)
	}
	if err := lock.Lock(jf.Fd(), 0, 0); err != nil {
		jf.Close()
		os.Remove(jpath)
		return err
	}

	spans, err := t.lockRanges()
	if err != nil {
		jf.Close()
		os.Remove(jpath)
		return err
	}

	// Cleanup for failures before the point of no return: no resources
	// may leak and no journal record may survive.
	fail := func(err error) error {
		t.unlockRanges(spans)
		jf.Close()
		os.Remove(jpath)
		return err
	}

	if err := t.snapshot(); err != nil {
		return fail(err)
	}

	rec := t.record(id)
	if _, err := jf.Write(rec.Encode()); err != nil {
		return fail(fmt.Errorf("cannot write journal record: %w", err))
	}
	if err := jf.Sync(); err != nil {
		return fail(fmt.Errorf("cannot sync journal record: %w", err))
	}
	if err := f.jm.SyncDir(); err != nil {
		return fail(err)
	}

	// Point of no return: the record is durable. From here a crash is
	// repaired by recovery, so failures release resources but leave the
	// journal file in place.
	if err := t.apply(); err != nil {
		t.unlockRanges(spans)
		jf.Close()
		return err
	}

	t.committed = true
	t.id = id

	if f.flags&Linger != 0 {
		f.mu.Lock()
		f.lingering = append(f.lingering, lingerRecord{path: jpath, file: jf})
		f.mu.Unlock()
		t.unlockRanges(spans)
		return nil
	}

	var discardErr error
	if err := f.jm.SyncDir(); err != nil {
		discardErr = err
	}
	if err := os.Remove(jpath); err != nil && discardErr == nil {
		discardErr = fmt.Errorf("cannot unlink journal record: %w", err)
	}
	if err := f.jm.SyncDir(); err != nil && discardErr == nil {
		discardErr = err
	}

	t.unlockRanges(spans)
	jf.Close()
	return discardErr
}

// snapshot captures each operation's pre-image from the data file and
// truncates the file up over operations that extend it, so later reads of
// the region are well-defined. Records the original length for rollback.
func (t *Transaction) snapshot() error {
	f := t.f

	fi, err := f.fd.Stat()
	if err != nil {
		return fmt.Errorf("cannot stat data file: %w", err)
	}
	cur := fi.Size()
	t.origLen = cur

	for i := range t.ops {
		op := &t.ops[i]
		op.pre = nil
		op.extending = false

		if op.offset < cur {
			want := int64(len(op.new))
			if cur-op.offset < want {
				want = cur - op.offset
			}
			pre := make([]byte, want)
			n, err := f.fd.ReadAt(pre, op.offset)
			if err != nil && err != io.EOF {
				return fmt.Errorf("cannot read pre-image: %w", err)
			}
			op.pre = pre[:n]
		}

		if end := op.offset + int64(len(op.new)); end > cur {
			op.extending = true
			t.extended = true
			if err := f.fd.Truncate(end); err != nil {
				return fmt.Errorf("cannot extend data file: %w", err)
			}
			cur = end
		}
	}
	return nil
}

// apply writes every operation's payload at its offset, shrinks the file
// when a truncate-back is carried, and fsyncs the data file.
func (t *Transaction) apply() error {
	f := t.f

	for i := range t.ops {
		op := &t.ops[i]
		if _, err := f.fd.WriteAt(op.new, op.offset); err != nil {
			return fmt.Errorf("cannot apply operation at %d: %w", op.offset, err)
		}
	}
	if t.truncTo >= 0 {
		if err := f.fd.Truncate(t.truncTo); err != nil {
			return fmt.Errorf("cannot truncate data file back: %w", err)
		}
	}
	if err := f.fd.Sync(); err != nil {
		return fmt.Errorf("cannot sync data file: %w", err)
	}
	return nil
}

// record builds the serialized form of the transaction.
func (t *Transaction) record(id uint32) *record.Record {
	var flags uint32
	if t.rollbacking {
		flags |= record.FlagRollbacking
	}

	rec := &record.Record{ID: id, Flags: flags}
	for i := range t.ops {
		op := &t.ops[i]
		rec.Ops = append(rec.Ops, record.Op{
			New:    op.new,
			Pre:    op.pre,
			Offset: op.offset,
		})
	}
	return rec
}

// truncateOnly shrinks the data file to truncTo without journaling: the
// rollback has no pre-image bytes to restore, only length. A failure here
// is surfaced and leaves the original commit in place.
func (t *Transaction) truncateOnly() error {
	f := t.f

	if f.flags&NoLock == 0 {
		f.mu.Lock()
		f.inflight++
		err := lock.Lock(f.fd.Fd(), t.truncTo, 0)
		f.mu.Unlock()
		if err != nil {
			f.mu.Lock()
			f.inflight--
			f.mu.Unlock()
			return err
		}
		defer func() {
			f.mu.Lock()
			lock.Unlock(f.fd.Fd(), t.truncTo, 0)
			f.inflight--
			f.mu.Unlock()
		}()
	}

	if err := f.fd.Truncate(t.truncTo); err != nil {
		return fmt.Errorf("cannot truncate data file back: %w", err)
	}
	if err := f.fd.Sync(); err != nil {
		return fmt.Errorf("cannot sync data file: %w", err)
	}
	t.committed = true
	return nil
}

// Rollback undoes a committed transaction by committing its inverse: the
// pre-images are written back, newest first, and a file-extending commit
// carries a truncate back to the original length. That truncate is the one
// documented hazard: bytes appended by a third party after the commit are
// truncated away with it. A failed rollback can leave the file in an
// intermediate state and is surfaced explicitly.
func (t *Transaction) Rollback() error {
	f := t.f
	if f.flags&NoRollback != 0 {
		return ErrNoRollback
	}
	if f.flags&ReadOnly != 0 {
		return ErrReadOnly
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rollbacked {
		return ErrTerminated
	}
	if !t.committed {
		return ErrNotCommitted
	}

	r := &Transaction{f: f, rollbacking: true, truncTo: -1}
	for i := len(t.ops) - 1; i >= 0; i-- {
		op := &t.ops[i]
		if len(op.pre) > 0 {
			r.ops = append(r.ops, operation{new: op.pre, offset: op.offset})
		}
	}
	if t.extended {
		r.truncTo = t.origLen
	}

	if err := r.commit(); err != nil {
		return fmt.Errorf("cannot roll back transaction %d: %w", t.id, err)
	}

	t.rollbacked = true
	return nil
}

// ID returns the transaction's assigned identifier, 0 before commit.
func (t *Transaction) ID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// span is a byte range of the data file, length 0 meaning to EOF.
type span struct {
	off, len int64
}

// lockRanges takes exclusive data-file locks covering every byte the
// transaction mutates: the union of the operations' ranges and, for a
// truncate-back, everything from the new length through EOF. Overlapping
// or touching ranges coalesce into one lock, disjoint ranges are locked
// separately to minimize interference. Setup runs under the handle mutex
// so concurrent transactions of one process cannot invert lock order.
func (t *Transaction) lockRanges() ([]span, error) {
	f := t.f
	if f.flags&NoLock != 0 {
		f.mu.Lock()
		f.inflight++
		f.mu.Unlock()
		return nil, nil
	}

	spans := spansFor(t.ops, t.truncTo)

	f.mu.Lock()
	defer f.mu.Unlock()

	for i, s := range spans {
		if err := lock.Lock(f.fd.Fd(), s.off, s.len); err != nil {
			for _, u := range spans[:i] {
				lock.Unlock(f.fd.Fd(), u.off, u.len)
			}
			return nil, err
		}
	}
	f.inflight++
	return spans, nil
}

// unlockRanges releases the locks taken by lockRanges.
func (t *Transaction) unlockRanges(spans []span) {
	f := t.f
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range spans {
		lock.Unlock(f.fd.Fd(), s.off, s.len)
	}
	f.inflight--
}

// spansFor computes the lock spans for a transaction: the merged
// operation ranges plus, when a truncate-back to truncTo is carried, a
// to-EOF span covering the bytes the truncate removes. Operation spans at
// or past truncTo fold into the EOF span.
func spansFor(ops []operation, truncTo int64) []span {
	spans := mergeSpans(ops)
	if truncTo < 0 {
		return spans
	}

	clipped := spans[:0]
	for _, s := range spans {
		if s.off >= truncTo {
			continue
		}
		if s.off+s.len > truncTo {
			s.len = truncTo - s.off
		}
		clipped = append(clipped, s)
	}
	return append(clipped, span{off: truncTo})
}

// mergeSpans coalesces the operations' byte ranges into sorted,
// non-overlapping spans.
func mergeSpans(ops []operation) []span {
	if len(ops) == 0 {
		return nil
	}

	spans := make([]span, 0, len(ops))
	for i := range ops {
		spans = append(spans, span{off: ops[i].offset, len: int64(len(ops[i].new))})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].off < spans[j].off })

	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.off <= last.off+last.len {
			if end := s.off + s.len; end > last.off+last.len {
				last.len = end - last.off
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}
