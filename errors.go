package quarry

import "github.com/quarrydb/quarry/core/dberr"

// Sentinel errors surfaced by the API. All support errors.Is.
var (
	// ErrPending is returned by low-level operations on the queue
	// backend while I/O is outstanding; Step reports it as the Pending
	// result instead.
	ErrPending = dberr.ErrPending
	// ErrNotADatabase means the file exists but is not a database.
	ErrNotADatabase = dberr.ErrNotADatabase
	// ErrInterrupted means Interrupt aborted the statement.
	ErrInterrupted = dberr.ErrInterrupted
	// ErrSchemaChanged escapes only when re-preparation also failed.
	ErrSchemaChanged = dberr.ErrSchemaChanged
	// ErrNoTxn is returned by COMMIT or ROLLBACK outside a transaction.
	ErrNoTxn = dberr.ErrNoTxn
	// ErrTxnAlreadyOpen is returned by BEGIN inside a transaction.
	ErrTxnAlreadyOpen = dberr.ErrTxnAlreadyOpen
)

// Typed errors, matchable with errors.As.
type (
	// IOError wraps a failed read, write, or sync with its file offset.
	IOError = dberr.IOError
	// CorruptError reports structural damage; fatal to the transaction.
	CorruptError = dberr.CorruptError
	// ConstraintError reports a violated NOT NULL, UNIQUE, or PRIMARY
	// KEY constraint. The statement was rolled back; the transaction
	// survives.
	ConstraintError = dberr.ConstraintError
	// BusyError reports a lock conflict; retry with backoff.
	BusyError = dberr.BusyError
	// CompileError reports a syntax or semantic error with an optional
	// byte offset into the SQL text.
	CompileError = dberr.CompileError
)

// Constraint kinds carried by ConstraintError.
const (
	ConstraintUnique     = dberr.ConstraintUnique
	ConstraintNotNull    = dberr.ConstraintNotNull
	ConstraintPrimaryKey = dberr.ConstraintPrimaryKey
)

// IsBusy reports whether err is a lock conflict.
func IsBusy(err error) bool { return dberr.IsBusy(err) }

// IsConstraint reports whether err is a constraint violation.
func IsConstraint(err error) bool { return dberr.IsConstraint(err) }

// IsCorrupt reports whether err indicates on-disk corruption.
func IsCorrupt(err error) bool { return dberr.IsCorrupt(err) }
