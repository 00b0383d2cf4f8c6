package vfs

import (
	"sync"

	"github.com/quarrydb/quarry/core/dberr"
)

// queueVFS is the completion-queue backend. Operations are placed on a
// per-file submission queue serviced by one dispatch goroutine, which
// preserves submission order for overlapping writes; finished
// operations are parked on a shared completion queue and only become
// visible to callers during Poll. The caller drives the event loop:
// submit, Poll, observe Done, resume.
type queueVFS struct {
	underlying *syncVFS

	mu        sync.Mutex
	completed []*Completion
	wake      chan struct{}
}

func newQueueVFS() *queueVFS {
	return &queueVFS{
		underlying: newSyncVFS(),
		wake:       make(chan struct{}, 1),
	}
}

type queueOp struct {
	c    *Completion
	exec func() (int, error)
}

type queueFile struct {
	vfs   *queueVFS
	inner File

	subs chan queueOp
	wg   sync.WaitGroup
}

const submissionDepth = 64

func (v *queueVFS) Open(path string) (File, error) {
	inner, err := v.underlying.Open(path)
	if err != nil {
		return nil, err
	}
	qf := &queueFile{vfs: v, inner: inner, subs: make(chan queueOp, submissionDepth)}
	qf.wg.Add(1)
	go qf.dispatch()
	return qf, nil
}

func (v *queueVFS) Remove(path string) error { return v.underlying.Remove(path) }
func (v *queueVFS) Exists(path string) bool  { return v.underlying.Exists(path) }

// Poll publishes every completion finished since the last call and
// returns how many there were. It never blocks.
func (v *queueVFS) Poll() int {
	select {
	case <-v.wake:
	default:
	}
	v.mu.Lock()
	n := len(v.completed)
	for _, c := range v.completed {
		c.done.Store(true)
	}
	v.completed = v.completed[:0]
	v.mu.Unlock()
	return n
}

func (v *queueVFS) park(c *Completion, n int, err error) {
	// Results are staged here and flipped to done in Poll so the caller
	// observes completions only at its poll points.
	c.n = n
	c.err = err
	v.mu.Lock()
	v.completed = append(v.completed, c)
	v.mu.Unlock()
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

func (qf *queueFile) dispatch() {
	defer qf.wg.Done()
	for op := range qf.subs {
		if op.c.cancelled.Load() {
			qf.vfs.park(op.c, 0, &dberr.IOError{Kind: dberr.IOCancelled, Op: op.c.op})
			continue
		}
		n, err := op.exec()
		qf.vfs.park(op.c, n, err)
	}
}

func (qf *queueFile) submit(c *Completion, exec func() (int, error)) *Completion {
	qf.subs <- queueOp{c: c, exec: exec}
	return c
}

func (qf *queueFile) ReadAt(p []byte, off int64) *Completion {
	c := newCompletion("read")
	return qf.submit(c, func() (int, error) {
		inner := qf.inner.ReadAt(p, off)
		return inner.N(), inner.Err()
	})
}

func (qf *queueFile) WriteAt(p []byte, off int64) *Completion {
	// The caller may reuse p as soon as WriteAt returns, so the queued
	// write operates on a private copy.
	buf := make([]byte, len(p))
	copy(buf, p)
	c := newCompletion("write")
	return qf.submit(c, func() (int, error) {
		inner := qf.inner.WriteAt(buf, off)
		return inner.N(), inner.Err()
	})
}

func (qf *queueFile) Sync() *Completion {
	c := newCompletion("sync")
	return qf.submit(c, func() (int, error) {
		inner := qf.inner.Sync()
		return inner.N(), inner.Err()
	})
}

func (qf *queueFile) Truncate(size int64) error { return qf.inner.Truncate(size) }
func (qf *queueFile) Size() (int64, error)      { return qf.inner.Size() }
func (qf *queueFile) Lock(exclusive bool) error { return qf.inner.Lock(exclusive) }
func (qf *queueFile) Unlock() error             { return qf.inner.Unlock() }

func (qf *queueFile) Close() error {
	close(qf.subs)
	qf.wg.Wait()
	return qf.inner.Close()
}
