package vfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"syscall"

	"github.com/quarrydb/quarry/core/dberr"
)

// syncVFS is the blocking backend: every operation completes before the
// call returns, on the calling thread.
type syncVFS struct{}

func newSyncVFS() *syncVFS { return &syncVFS{} }

func (v *syncVFS) Open(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, classify("open", err)
	}
	return &syncFile{f: f}, nil
}

func (v *syncVFS) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classify("remove", err)
	}
	return nil
}

func (v *syncVFS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (v *syncVFS) Poll() int { return 0 }

type syncFile struct {
	f      *os.File
	locked bool
}

func (sf *syncFile) ReadAt(p []byte, off int64) *Completion {
	c := newCompletion("read")
	n, err := readFull(sf.f, p, off)
	c.complete(n, err)
	return c
}

func (sf *syncFile) WriteAt(p []byte, off int64) *Completion {
	c := newCompletion("write")
	n, err := writeFull(sf.f, p, off)
	c.complete(n, err)
	return c
}

func (sf *syncFile) Sync() *Completion {
	c := newCompletion("sync")
	if err := sf.f.Sync(); err != nil {
		c.complete(0, classify("sync", err))
	} else {
		c.complete(0, nil)
	}
	return c
}

func (sf *syncFile) Truncate(size int64) error {
	if err := sf.f.Truncate(size); err != nil {
		return classify("truncate", err)
	}
	return nil
}

func (sf *syncFile) Size() (int64, error) {
	st, err := sf.f.Stat()
	if err != nil {
		return 0, classify("stat", err)
	}
	return st.Size(), nil
}

func (sf *syncFile) Lock(exclusive bool) error {
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(sf.f.Fd()), how|syscall.LOCK_NB); err != nil {
		if err == syscall.EWOULDBLOCK || err == syscall.EAGAIN {
			return &dberr.BusyError{Op: "lock"}
		}
		return classify("lock", err)
	}
	sf.locked = true
	return nil
}

func (sf *syncFile) Unlock() error {
	if !sf.locked {
		return nil
	}
	sf.locked = false
	if err := syscall.Flock(int(sf.f.Fd()), syscall.LOCK_UN); err != nil {
		return classify("unlock", err)
	}
	return nil
}

func (sf *syncFile) Close() error {
	_ = sf.Unlock()
	return sf.f.Close()
}

// readFull reads len(p) bytes at off, retrying interrupted short reads.
// Reading past EOF returns the bytes read and no error; callers that
// need exact lengths check N themselves.
func readFull(f *os.File, p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := f.ReadAt(p[total:], off+int64(total))
		total += n
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return total, classify("read", err)
		}
	}
	return total, nil
}

func writeFull(f *os.File, p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := f.WriteAt(p[total:], off+int64(total))
		total += n
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return total, classify("write", err)
		}
	}
	return total, nil
}

// classify maps an OS error onto the engine's IOError taxonomy.
func classify(op string, err error) error {
	kind := dberr.IOOther
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = dberr.IONotFound
	case errors.Is(err, fs.ErrPermission):
		kind = dberr.IOPermission
	case errors.Is(err, syscall.EINTR):
		kind = dberr.IOInterrupted
	case errors.Is(err, syscall.ENOSPC):
		kind = dberr.IODeviceFull
	}
	return &dberr.IOError{Kind: kind, Op: op, Err: err}
}
