// Package vfs abstracts the database and WAL files as fixed-offset block
// devices with a completion model. Two backends are provided: a blocking
// one that completes every operation before returning, and a
// completion-queue one that registers operations and delivers their
// results through Poll, in the style of io_uring submission/completion
// rings. Neither backend knows anything about pages or SQL.
package vfs

import (
	"sync/atomic"

	"github.com/quarrydb/quarry/core/dberr"
)

// Backend selects the I/O implementation.
type Backend string

const (
	BackendSync  Backend = "sync"
	BackendQueue Backend = "queue"
)

// Completion is the handle for one submitted operation. With the
// blocking backend it is already done when returned; with the queue
// backend it becomes done during a Poll call.
type Completion struct {
	op        string
	done      atomic.Bool
	cancelled atomic.Bool
	n         int
	err       error
}

func newCompletion(op string) *Completion { return &Completion{op: op} }

// Done reports whether the operation has finished (successfully or not).
func (c *Completion) Done() bool { return c.done.Load() }

// N returns the byte count transferred. Valid only once Done.
func (c *Completion) N() int { return c.n }

// Err returns the operation error, if any. Valid only once Done.
func (c *Completion) Err() error { return c.err }

// Cancel abandons an in-flight operation. If the operation has not yet
// been dispatched it completes with an IOCancelled error; if it already
// ran, Cancel has no effect. A cancelled operation is never retried.
func (c *Completion) Cancel() { c.cancelled.Store(true) }

func (c *Completion) complete(n int, err error) {
	c.n = n
	c.err = err
	c.done.Store(true)
}

// File is a single open file. Offsets are absolute; the caller owns all
// blocking/paging policy. Writes to overlapping ranges are observed in
// submission order by subsequent reads.
type File interface {
	// ReadAt fills p from offset off. The caller must not touch p until
	// the completion is done.
	ReadAt(p []byte, off int64) *Completion
	// WriteAt writes p at offset off. The backend copies p if it cannot
	// complete before returning.
	WriteAt(p []byte, off int64) *Completion
	// Sync forces durability of all previously submitted writes.
	Sync() *Completion
	Truncate(size int64) error
	Size() (int64, error)
	// Lock acquires the file-level lock (shared for readers, exclusive
	// for the single writer). Returns BusyError when contended.
	Lock(exclusive bool) error
	Unlock() error
	Close() error
}

// VFS opens files and, for the queue backend, drives completions.
type VFS interface {
	Open(path string) (File, error)
	Remove(path string) error
	Exists(path string) bool
	// Poll delivers pending completions and returns how many finished.
	// The blocking backend always returns 0.
	Poll() int
}

// Await drives v until c is done, then returns its error. Used where a
// logically synchronous step (open, checkpoint) runs on the queue
// backend.
func Await(v VFS, c *Completion) error {
	for !c.Done() {
		if v.Poll() == 0 && !c.Done() {
			// Nothing in flight produced this completion: it was lost,
			// which only happens if it was cancelled before dispatch.
			if c.cancelled.Load() {
				return &dberr.IOError{Kind: dberr.IOCancelled, Op: c.op}
			}
		}
	}
	return c.Err()
}

// New returns the VFS for the chosen backend. Operations on one file
// always execute in submission order.
func New(backend Backend) VFS {
	if backend == BackendQueue {
		return newQueueVFS()
	}
	return newSyncVFS()
}
