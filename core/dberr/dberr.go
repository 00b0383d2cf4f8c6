// Package dberr defines the error taxonomy shared by all engine layers.
package dberr

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	ErrPageNotFound     = errors.New("page not found in cache")
	ErrCacheFull        = errors.New("page cache is full and no pages can be evicted")
	ErrPagePinned       = errors.New("page is pinned and cannot be evicted")
	ErrChecksumMismatch = errors.New("checksum mismatch, data corruption suspected")
	ErrInvalidPageData  = errors.New("invalid page data")
	ErrNotADatabase     = errors.New("file is not a database")
	ErrKeyNotFound      = errors.New("key not found")
	ErrNoSuchTable      = errors.New("no such table")
	ErrNoSuchIndex      = errors.New("no such index")
	ErrNoSuchColumn     = errors.New("no such column")
	ErrReadOnlyTxn      = errors.New("write attempted inside a read transaction")
	ErrNoTxn            = errors.New("no active transaction")
	ErrTxnAlreadyOpen   = errors.New("transaction already open")
	ErrInterrupted      = errors.New("interrupted")
	ErrSchemaChanged    = errors.New("schema changed, statement must be re-prepared")

	// ErrPending is returned by storage reads on the completion-queue
	// backend when the requested block is not yet resident. The caller
	// polls the VFS and retries the same operation.
	ErrPending = errors.New("i/o pending")
)

// IOKind classifies I/O failures.
type IOKind int

const (
	IOOther IOKind = iota
	IONotFound
	IOPermission
	IOInterrupted
	IODeviceFull
	IOCancelled
)

func (k IOKind) String() string {
	switch k {
	case IONotFound:
		return "not found"
	case IOPermission:
		return "permission denied"
	case IOInterrupted:
		return "interrupted"
	case IODeviceFull:
		return "device full"
	case IOCancelled:
		return "cancelled"
	default:
		return "i/o error"
	}
}

// IOError wraps a failure surfaced by the VFS layer.
type IOError struct {
	Kind IOKind
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("io %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("io %s: %s", e.Op, e.Kind)
}

func (e *IOError) Unwrap() error { return e.Err }

// CorruptError reports on-disk structure damage. Always fatal for the
// affected transaction and never repaired silently.
type CorruptError struct {
	Pgno   uint32
	Detail string
}

func (e *CorruptError) Error() string {
	if e.Pgno != 0 {
		return fmt.Sprintf("database corrupt: page %d: %s", e.Pgno, e.Detail)
	}
	return fmt.Sprintf("database corrupt: %s", e.Detail)
}

// Corrupt builds a CorruptError for pgno with a formatted detail.
func Corrupt(pgno uint32, format string, args ...any) error {
	return &CorruptError{Pgno: pgno, Detail: fmt.Sprintf(format, args...)}
}

// ConstraintKind names the schema constraint that was violated.
type ConstraintKind int

const (
	ConstraintUnique ConstraintKind = iota
	ConstraintNotNull
	ConstraintPrimaryKey
)

func (k ConstraintKind) String() string {
	switch k {
	case ConstraintNotNull:
		return "NOT NULL"
	case ConstraintPrimaryKey:
		return "PRIMARY KEY"
	default:
		return "UNIQUE"
	}
}

// ConstraintError aborts the violating statement but leaves the
// enclosing explicit transaction alive.
type ConstraintError struct {
	Kind   ConstraintKind
	Table  string
	Column string
}

func (e *ConstraintError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("%s constraint failed: %s.%s", e.Kind, e.Table, e.Column)
	}
	return fmt.Sprintf("%s constraint failed: %s", e.Kind, e.Table)
}

// BusyError signals another connection holds a conflicting lock.
// Surfaced to the caller for retry-with-backoff, never retried here.
type BusyError struct {
	Op string
}

func (e *BusyError) Error() string { return fmt.Sprintf("database is locked (%s)", e.Op) }

// CompileError is reported by the planner/binder before any execution
// begins. Offset is a byte position into the SQL text, or -1.
type CompileError struct {
	Msg    string
	Offset int
}

func (e *CompileError) Error() string { return e.Msg }

// Compile builds a CompileError with a formatted message and no position.
func Compile(format string, args ...any) error {
	return &CompileError{Msg: fmt.Sprintf(format, args...), Offset: -1}
}

// IsBusy reports whether err is a lock conflict.
func IsBusy(err error) bool {
	var be *BusyError
	return errors.As(err, &be)
}

// IsConstraint reports whether err is a constraint violation.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// IsCorrupt reports whether err indicates on-disk corruption.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}
