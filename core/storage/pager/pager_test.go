package pager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/storage/format"
	"github.com/quarrydb/quarry/core/storage/wal"
	"github.com/quarrydb/quarry/core/vfs"
	"github.com/quarrydb/quarry/pkg/telemetry"
)

type testDB struct {
	v    vfs.VFS
	path string
	wal  *wal.WAL
	hdr  format.Header
}

func newTestDB(t *testing.T) *testDB {
	t.Helper()
	v := vfs.New(vfs.BackendSync)
	path := filepath.Join(t.TempDir(), "test.db")
	hdr, err := Bootstrap(v, path, 512)
	require.NoError(t, err)
	w, err := wal.Open(v, path+"-wal", hdr.PageSize, true, zap.NewNop(), telemetry.New())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return &testDB{v: v, path: path, wal: w, hdr: hdr}
}

func (d *testDB) pager(t *testing.T) *Pager {
	t.Helper()
	p, err := New(d.v, d.path, d.wal, d.hdr, Options{CachePages: 20, SyncDB: true},
		zap.NewNop(), telemetry.New())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestBootstrapCreatesValidHeader(t *testing.T) {
	d := newTestDB(t)
	require.Equal(t, uint32(512), d.hdr.PageSize)
	require.Equal(t, uint32(1), d.hdr.DatabaseSize)

	p := d.pager(t)
	require.NoError(t, p.BeginRead())
	defer p.EndRead()
	pg, err := p.Get(1)
	require.NoError(t, err)
	defer p.Unpin(pg)
	require.Equal(t, format.PageTableLeaf, p.PageBuf(pg).Type())
}

func TestWriteCommitRead(t *testing.T) {
	d := newTestDB(t)
	p := d.pager(t)

	require.NoError(t, p.BeginWrite())
	pg, err := p.Allocate()
	require.NoError(t, err)
	pgno := pg.Pgno
	pg.Data[200] = 0x7e
	require.NoError(t, p.MarkDirty(pg))
	p.Unpin(pg)
	require.NoError(t, p.CommitPhaseOne())
	p.EndWrite()

	require.NoError(t, p.BeginRead())
	defer p.EndRead()
	pg2, err := p.Get(pgno)
	require.NoError(t, err)
	defer p.Unpin(pg2)
	require.Equal(t, byte(0x7e), pg2.Data[200])
	require.Equal(t, uint32(2), p.Header().DatabaseSize)
	require.Equal(t, uint32(2), p.Header().ChangeCounter)
}

func TestRollbackDiscardsChanges(t *testing.T) {
	d := newTestDB(t)
	p := d.pager(t)

	require.NoError(t, p.BeginWrite())
	pg, err := p.Get(1)
	require.NoError(t, err)
	require.NoError(t, p.MarkDirty(pg))
	pg.Data[150] = 0x99
	p.Unpin(pg)
	p.Rollback()
	p.EndWrite()

	require.NoError(t, p.BeginRead())
	defer p.EndRead()
	pg2, err := p.Get(1)
	require.NoError(t, err)
	defer p.Unpin(pg2)
	require.Equal(t, byte(0x00), pg2.Data[150])
	require.Equal(t, uint32(1), p.Header().ChangeCounter)
}

func TestSnapshotIsolationAcrossConnections(t *testing.T) {
	d := newTestDB(t)
	writer := d.pager(t)
	reader := d.pager(t)

	require.NoError(t, writer.BeginWrite())
	pg, err := writer.Allocate()
	require.NoError(t, err)
	pgno := pg.Pgno
	pg.Data[10] = 0x01
	require.NoError(t, writer.MarkDirty(pg))
	writer.Unpin(pg)
	require.NoError(t, writer.CommitPhaseOne())
	writer.EndWrite()

	// Reader pins its view before the second commit.
	require.NoError(t, reader.BeginRead())

	require.NoError(t, writer.BeginWrite())
	pg, err = writer.Get(pgno)
	require.NoError(t, err)
	pg.Data[10] = 0x02
	require.NoError(t, writer.MarkDirty(pg))
	writer.Unpin(pg)
	require.NoError(t, writer.CommitPhaseOne())
	writer.EndWrite()

	pg, err = reader.Get(pgno)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), pg.Data[10], "old snapshot must see old version")
	reader.Unpin(pg)
	reader.EndRead()

	require.NoError(t, reader.BeginRead())
	defer reader.EndRead()
	pg, err = reader.Get(pgno)
	require.NoError(t, err)
	defer reader.Unpin(pg)
	require.Equal(t, byte(0x02), pg.Data[10], "fresh snapshot must see new version")
}

func TestWriterExclusion(t *testing.T) {
	d := newTestDB(t)
	first := d.pager(t)
	second := d.pager(t)

	require.NoError(t, first.BeginWrite())
	err := second.BeginWrite()
	require.Error(t, err)
	require.True(t, dberr.IsBusy(err))

	require.NoError(t, first.CommitPhaseOne())
	first.EndWrite()
	require.NoError(t, second.BeginWrite())
	second.Rollback()
	second.EndWrite()
}

func TestFreelistReuse(t *testing.T) {
	d := newTestDB(t)
	p := d.pager(t)

	require.NoError(t, p.BeginWrite())
	a, err := p.Allocate()
	require.NoError(t, err)
	b, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.MarkDirty(a))
	require.NoError(t, p.MarkDirty(b))
	freed := b.Pgno
	require.NoError(t, p.Free(b))
	p.Unpin(a)
	require.Equal(t, uint32(1), p.Header().FreelistPages)
	require.NoError(t, p.CommitPhaseOne())
	p.EndWrite()

	require.NoError(t, p.BeginWrite())
	c, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, freed, c.Pgno, "freed page must be reused before extending the file")
	require.Equal(t, uint32(0), p.Header().FreelistPages)
	p.Unpin(c)
	p.Rollback()
	p.EndWrite()
}

func TestCacheEvictionSpillsDirtyPages(t *testing.T) {
	d := newTestDB(t)
	p, err := New(d.v, d.path, d.wal, d.hdr, Options{CachePages: 10, SyncDB: true},
		zap.NewNop(), telemetry.New())
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.BeginWrite())
	var pgnos []uint32
	for i := 0; i < 30; i++ {
		pg, err := p.Allocate()
		require.NoError(t, err)
		pg.Data[0] = byte(i + 1)
		require.NoError(t, p.MarkDirty(pg))
		pgnos = append(pgnos, pg.Pgno)
		p.Unpin(pg)
	}
	require.NoError(t, p.CommitPhaseOne())
	p.EndWrite()

	require.NoError(t, p.BeginRead())
	defer p.EndRead()
	for i, pgno := range pgnos {
		pg, err := p.Get(pgno)
		require.NoError(t, err)
		require.Equal(t, byte(i+1), pg.Data[0])
		p.Unpin(pg)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	d := newTestDB(t)
	p := d.pager(t)

	require.NoError(t, p.BeginWrite())
	pg, err := p.Allocate()
	require.NoError(t, err)
	pgno := pg.Pgno
	pg.Data[42] = 0x42
	require.NoError(t, p.MarkDirty(pg))
	p.Unpin(pg)
	require.NoError(t, p.CommitPhaseOne())
	p.EndWrite()

	res, err := p.Checkpoint()
	require.NoError(t, err)
	require.True(t, res.Reset)
	require.Equal(t, uint32(0), p.WALFrames())

	// After reset the page must come from the main file.
	p2 := d.pager(t)
	require.NoError(t, p2.BeginRead())
	defer p2.EndRead()
	pg2, err := p2.Get(pgno)
	require.NoError(t, err)
	defer p2.Unpin(pg2)
	require.Equal(t, byte(0x42), pg2.Data[42])
}

func TestGetOutsideTransactionFails(t *testing.T) {
	d := newTestDB(t)
	p := d.pager(t)
	_, err := p.Get(1)
	require.ErrorIs(t, err, dberr.ErrNoTxn)
}

func TestSavepointRollbackRestoresPages(t *testing.T) {
	d := newTestDB(t)
	p := d.pager(t)

	require.NoError(t, p.BeginWrite())
	a, err := p.Allocate()
	require.NoError(t, err)
	aPgno := a.Pgno
	a.Data[7] = 0x11
	require.NoError(t, p.MarkDirty(a))
	p.Unpin(a)

	sp, err := p.Savepoint()
	require.NoError(t, err)

	// Modify the pre-savepoint page and allocate another after it.
	a2, err := p.Get(aPgno)
	require.NoError(t, err)
	a2.Data[7] = 0x22
	require.NoError(t, p.MarkDirty(a2))
	p.Unpin(a2)
	b, err := p.Allocate()
	require.NoError(t, err)
	bPgno := b.Pgno
	require.NoError(t, p.MarkDirty(b))
	p.Unpin(b)

	require.NoError(t, p.RollbackTo(sp))

	pg, err := p.Get(aPgno)
	require.NoError(t, err)
	require.Equal(t, byte(0x11), pg.Data[7])
	p.Unpin(pg)

	// The post-savepoint allocation is outside the database again.
	require.Less(t, p.Header().DatabaseSize, bPgno)

	require.NoError(t, p.CommitPhaseOne())
	p.EndWrite()
}

func TestSavepointRequiresWriteTransaction(t *testing.T) {
	d := newTestDB(t)
	p := d.pager(t)
	require.NoError(t, p.BeginRead())
	defer p.EndRead()
	_, err := p.Savepoint()
	require.ErrorIs(t, err, dberr.ErrReadOnlyTxn)
}
