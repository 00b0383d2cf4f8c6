package format

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/core/dberr"
)

func TestVarintVectors(t *testing.T) {
	cases := []struct {
		v   uint64
		enc []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x81, 0x00}},
		{16383, []byte{0xff, 0x7f}},
		{16384, []byte{0x81, 0x80, 0x00}},
		{math.MaxUint64, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}
	for _, c := range cases {
		var buf [MaxVarintLen]byte
		n := PutVarint(buf[:], c.v)
		require.Equal(t, c.enc, buf[:n], "encode %d", c.v)
		require.Equal(t, len(c.enc), VarintLen(c.v))

		got, m, err := GetVarint(buf[:n])
		require.NoError(t, err)
		require.Equal(t, c.v, got)
		require.Equal(t, n, m)
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 239, 240, 2287, 2288, 1 << 20, 1 << 35, 1 << 56, 1<<56 + 1, math.MaxInt64, math.MaxUint64}
	for _, v := range values {
		var buf [MaxVarintLen]byte
		n := PutVarint(buf[:], v)
		require.Equal(t, n, VarintLen(v), "value %d", v)
		got, m, err := GetVarint(buf[:n])
		require.NoError(t, err)
		require.Equal(t, v, got)
		require.Equal(t, n, m)
	}
}

func TestVarintTruncated(t *testing.T) {
	_, _, err := GetVarint([]byte{0x81})
	require.True(t, dberr.IsCorrupt(err))
	_, _, err = GetVarint(nil)
	require.True(t, dberr.IsCorrupt(err))
}

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader(4096)
	h.SchemaCookie = 7
	h.DatabaseSize = 42
	h.FreelistTrunk = 5
	h.FreelistPages = 3

	buf := make([]byte, 4096)
	h.Encode(buf)
	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderMaxPageSizeEncodesAsOne(t *testing.T) {
	h := NewHeader(MaxPageSize)
	buf := make([]byte, MaxPageSize)
	h.Encode(buf)
	require.Equal(t, []byte{0x00, 0x01}, buf[16:18])

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(MaxPageSize), got.PageSize)
}

func TestHeaderRejectsGarbage(t *testing.T) {
	buf := make([]byte, 4096)
	copy(buf, "not a database file, honest")
	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, dberr.ErrNotADatabase)

	// Valid magic but an impossible page size.
	h := NewHeader(4096)
	h.Encode(buf)
	buf[16], buf[17] = 0x01, 0x23
	_, err = DecodeHeader(buf)
	require.True(t, dberr.IsCorrupt(err))
}

func TestWALHeaderChecksum(t *testing.T) {
	h := NewWALHeader(4096, 1, 0xdeadbeef, 0xcafebabe)
	buf := make([]byte, WALHeaderSize)
	h.Encode(buf)

	got, err := DecodeWALHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)

	buf[9] ^= 0xff
	_, err = DecodeWALHeader(buf)
	require.True(t, dberr.IsCorrupt(err))
}

func TestWALFrameChain(t *testing.T) {
	const pageSize = 512
	h := NewWALHeader(pageSize, 1, 11, 22)
	s1, s2 := h.Checksum1, h.Checksum2

	page1 := make([]byte, pageSize)
	page2 := make([]byte, pageSize)
	for i := range page1 {
		page1[i] = byte(i)
		page2[i] = byte(i * 3)
	}

	frame1 := make([]byte, WALFrameHeaderSize+pageSize)
	frame2 := make([]byte, WALFrameHeaderSize+pageSize)
	s1, s2 = EncodeWALFrame(frame1, 2, 0, page1, h, s1, s2)
	s1, s2 = EncodeWALFrame(frame2, 3, 3, page2, h, s1, s2)

	r1, r2 := h.Checksum1, h.Checksum2
	f1, r1, r2, ok := DecodeWALFrame(frame1, frame1[WALFrameHeaderSize:], h, r1, r2)
	require.True(t, ok)
	require.Equal(t, uint32(2), f1.Pgno)
	require.False(t, f1.IsCommit())

	f2, _, _, ok := DecodeWALFrame(frame2, frame2[WALFrameHeaderSize:], h, r1, r2)
	require.True(t, ok)
	require.True(t, f2.IsCommit())
	require.Equal(t, uint32(3), f2.DBSize)
}

func TestWALFrameRejectsStaleSalt(t *testing.T) {
	const pageSize = 512
	h := NewWALHeader(pageSize, 1, 11, 22)
	page := make([]byte, pageSize)
	frame := make([]byte, WALFrameHeaderSize+pageSize)
	EncodeWALFrame(frame, 2, 1, page, h, h.Checksum1, h.Checksum2)

	// A frame written under different salts is not part of this
	// generation of the log.
	stale := h
	stale.Salt1++
	_, _, _, ok := DecodeWALFrame(frame, frame[WALFrameHeaderSize:], stale, stale.Checksum1, stale.Checksum2)
	require.False(t, ok)

	// A bit flip in the page image breaks the cumulative checksum.
	frame[WALFrameHeaderSize+100] ^= 0x01
	_, _, _, ok = DecodeWALFrame(frame, frame[WALFrameHeaderSize:], h, h.Checksum1, h.Checksum2)
	require.False(t, ok)
}

func newTestPage(t *testing.T, pgno uint32, typ PageType) *PageBuf {
	t.Helper()
	p := NewPageBuf(pgno, make([]byte, 512), 512)
	p.Init(typ)
	return p
}

func TestPageInsertRemove(t *testing.T) {
	p := newTestPage(t, 2, PageTableLeaf)
	require.NoError(t, p.Validate())
	require.Equal(t, 0, p.CellCount())

	c0 := EncodeTableLeaf(1, 3, []byte{9, 0, 1}, 0)
	c1 := EncodeTableLeaf(2, 3, []byte{9, 0, 2}, 0)
	c2 := EncodeTableLeaf(3, 3, []byte{9, 0, 3}, 0)
	require.True(t, p.InsertCell(0, c0))
	require.True(t, p.InsertCell(1, c2))
	require.True(t, p.InsertCell(1, c1)) // shifts c2 right

	require.Equal(t, 3, p.CellCount())
	for i, want := range []int64{1, 2, 3} {
		cell, err := p.ParseCell(i)
		require.NoError(t, err)
		require.Equal(t, want, cell.Rowid)
	}

	free := p.FreeSpace()
	require.NoError(t, p.RemoveCell(1))
	require.Equal(t, 2, p.CellCount())
	require.Greater(t, p.FreeSpace(), free)

	cell, err := p.ParseCell(1)
	require.NoError(t, err)
	require.Equal(t, int64(3), cell.Rowid)
}

func TestPageFreeblockReuse(t *testing.T) {
	p := newTestPage(t, 2, PageTableLeaf)
	payload := make([]byte, 40)
	var rowid int64
	for {
		rowid++
		cell := EncodeTableLeaf(rowid, len(payload), payload, 0)
		if !p.InsertCell(p.CellCount(), cell) {
			break
		}
	}
	full := p.CellCount()
	require.Greater(t, full, 5)

	// Freed space is reusable without growing the page.
	require.NoError(t, p.RemoveCell(2))
	require.NoError(t, p.RemoveCell(2))
	cell := EncodeTableLeaf(rowid+1, len(payload), payload, 0)
	require.True(t, p.InsertCell(p.CellCount(), cell))
	require.Equal(t, full-1, p.CellCount())
	require.NoError(t, p.Validate())
}

func TestPageDefragment(t *testing.T) {
	p := newTestPage(t, 2, PageTableLeaf)
	payload := make([]byte, 30)
	for i := int64(1); i <= 8; i++ {
		require.True(t, p.InsertCell(p.CellCount(), EncodeTableLeaf(i, len(payload), payload, 0)))
	}
	require.NoError(t, p.RemoveCell(1))
	require.NoError(t, p.RemoveCell(3))
	require.NoError(t, p.RemoveCell(4))
	before := p.FreeSpace()

	p.Defragment()
	require.Equal(t, before, p.FreeSpace())
	require.Equal(t, 5, p.CellCount())
	want := []int64{1, 3, 4, 6, 8}
	for i, w := range want {
		cell, err := p.ParseCell(i)
		require.NoError(t, err)
		require.Equal(t, w, cell.Rowid)
	}
}

func TestInteriorPageChildren(t *testing.T) {
	p := newTestPage(t, 2, PageTableInterior)
	require.True(t, p.InsertCell(0, EncodeTableInterior(7, 100)))
	p.SetRightChild(9)

	cell, err := p.ParseCell(0)
	require.NoError(t, err)
	require.Equal(t, uint32(7), cell.LeftChild)
	require.Equal(t, int64(100), cell.Rowid)
	require.Equal(t, uint32(9), p.RightChild())

	require.NoError(t, p.SetCellLeftChild(0, 8))
	cell, err = p.ParseCell(0)
	require.NoError(t, err)
	require.Equal(t, uint32(8), cell.LeftChild)
}

func TestLocalPayloadThresholds(t *testing.T) {
	const usable = 1024
	maxLocal := MaxLocalTable(usable)
	minLocal := MinLocal(usable)

	// Fits on the page: stored whole.
	require.Equal(t, maxLocal, LocalPayload(maxLocal, maxLocal, minLocal, usable))

	// Overflowing payloads keep at least minLocal and at most maxLocal
	// bytes on the page.
	for _, size := range []int{maxLocal + 1, 2 * usable, 10 * usable} {
		local := LocalPayload(size, maxLocal, minLocal, usable)
		require.GreaterOrEqual(t, local, minLocal, "size %d", size)
		require.LessOrEqual(t, local, maxLocal, "size %d", size)
	}
}

func TestFreelistTrunkLayout(t *testing.T) {
	buf := make([]byte, 512)
	TrunkInit(buf, 17)
	require.Equal(t, uint32(17), TrunkNext(buf))
	require.Equal(t, 0, TrunkLeafCount(buf))

	TrunkSetLeaf(buf, 0, 40)
	TrunkSetLeaf(buf, 1, 41)
	TrunkSetLeafCount(buf, 2)
	require.Equal(t, 2, TrunkLeafCount(buf))
	require.Equal(t, uint32(40), TrunkLeaf(buf, 0))
	require.Equal(t, uint32(41), TrunkLeaf(buf, 1))
	require.Equal(t, 512/4-2, TrunkCapacity(512))
}

func TestOverflowPageLayout(t *testing.T) {
	buf := make([]byte, 512)
	body := OverflowInit(buf, 99)
	require.Equal(t, uint32(99), OverflowNext(buf))
	require.Len(t, body, OverflowCapacity(512))
	copy(body, "payload tail")
	require.Equal(t, []byte("payload tail"), OverflowPayload(buf, 512)[:12])
}
