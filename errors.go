package jio

import (
	"errors"

	"jio/internal/app/journal"
	"jio/internal/app/lock"
)

// Library-defined error conditions. Underlying storage errors are wrapped
// with %w and surface the OS errno verbatim, so callers can still test them
// with errors.Is against os or unix sentinels.
var (
	// ErrInvalid reports malformed input: a zero-length operation, a
	// negative offset, or an operation that would overflow the journal.
	ErrInvalid = errors.New("invalid operation")

	// ErrTerminated reports a second commit or rollback on a transaction
	// that already reached a terminal state.
	ErrTerminated = errors.New("transaction already terminated")

	// ErrNotCommitted reports a rollback of a transaction that never
	// committed.
	ErrNotCommitted = errors.New("transaction was not committed")

	// ErrReadOnly reports a mutating operation on a read-only handle.
	ErrReadOnly = errors.New("file handle is read-only")

	// ErrNoRollback reports a rollback on a handle opened with NoRollback.
	ErrNoRollback = errors.New("rollback disabled on this file handle")

	// ErrBusy reports a journal relocation attempted while transactions
	// are in flight.
	ErrBusy = errors.New("transactions in flight")

	// ErrContention reports a non-blocking lock attempt on a resource
	// held by another process, signaled during recovery and journal
	// relocation.
	ErrContention = lock.ErrWouldBlock

	// ErrNoJournal reports a missing or unreadable journal directory or
	// lock file during recovery.
	ErrNoJournal = journal.ErrNoJournal
)
