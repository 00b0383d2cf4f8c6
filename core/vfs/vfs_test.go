package vfs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/core/dberr"
)

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "blocks.db")
}

func TestSyncBackendReadWrite(t *testing.T) {
	v := New(BackendSync)
	f, err := v.Open(testPath(t))
	require.NoError(t, err)
	defer f.Close()

	data := []byte("hello blocks")
	c := f.WriteAt(data, 100)
	require.True(t, c.Done())
	require.NoError(t, c.Err())
	require.Equal(t, len(data), c.N())

	buf := make([]byte, len(data))
	c = f.ReadAt(buf, 100)
	require.True(t, c.Done())
	require.NoError(t, c.Err())
	require.Equal(t, data, buf)

	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(100+len(data)), size)

	require.Equal(t, 0, v.Poll())
}

func TestQueueBackendCompletesThroughPoll(t *testing.T) {
	v := New(BackendQueue)
	f, err := v.Open(testPath(t))
	require.NoError(t, err)
	defer f.Close()

	data := []byte("queued write")
	w := f.WriteAt(data, 0)
	buf := make([]byte, len(data))
	r := f.ReadAt(buf, 0)

	require.NoError(t, Await(v, w))
	require.NoError(t, Await(v, r))
	// Same-file operations complete in submission order, so the read
	// observes the write.
	require.Equal(t, data, buf)
}

func TestQueueBackendSubmissionOrder(t *testing.T) {
	v := New(BackendQueue)
	f, err := v.Open(testPath(t))
	require.NoError(t, err)
	defer f.Close()

	f.WriteAt([]byte("aaaa"), 0)
	f.WriteAt([]byte("bb"), 0)
	buf := make([]byte, 4)
	r := f.ReadAt(buf, 0)
	require.NoError(t, Await(v, r))
	require.Equal(t, []byte("bbaa"), buf)
}

func TestCancelBeforeDispatch(t *testing.T) {
	v := New(BackendQueue)
	f, err := v.Open(testPath(t))
	require.NoError(t, err)
	defer f.Close()

	c := f.WriteAt([]byte("never"), 0)
	c.Cancel()
	err = Await(v, c)
	if err != nil {
		var ioErr *dberr.IOError
		require.ErrorAs(t, err, &ioErr)
		require.Equal(t, dberr.IOCancelled, ioErr.Kind)
	}
}

func TestLockExclusion(t *testing.T) {
	v := New(BackendSync)
	path := testPath(t)
	a, err := v.Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := v.Open(path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Lock(false))
	require.NoError(t, b.Lock(false)) // shared locks coexist
	require.NoError(t, b.Unlock())

	require.NoError(t, a.Unlock())
	require.NoError(t, a.Lock(true))
	err = b.Lock(true)
	require.True(t, dberr.IsBusy(err))
	err = b.Lock(false)
	require.True(t, dberr.IsBusy(err))

	require.NoError(t, a.Unlock())
	require.NoError(t, b.Lock(true))
	require.NoError(t, b.Unlock())
}

func TestExistsAndRemove(t *testing.T) {
	v := New(BackendSync)
	path := testPath(t)
	require.False(t, v.Exists(path))

	f, err := v.Open(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.True(t, v.Exists(path))

	require.NoError(t, v.Remove(path))
	require.False(t, v.Exists(path))
}
