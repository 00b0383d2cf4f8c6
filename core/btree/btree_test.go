package btree

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/core/storage/format"
	"github.com/quarrydb/quarry/core/storage/pager"
	"github.com/quarrydb/quarry/core/storage/wal"
	"github.com/quarrydb/quarry/core/vfs"
	"github.com/quarrydb/quarry/pkg/telemetry"
)

func newTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	v := vfs.New(vfs.BackendSync)
	path := filepath.Join(t.TempDir(), "btree.db")
	hdr, err := pager.Bootstrap(v, path, 512)
	require.NoError(t, err)
	w, err := wal.Open(v, path+"-wal", hdr.PageSize, false, zap.NewNop(), telemetry.New())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	p, err := pager.New(v, path, w, hdr, pager.Options{CachePages: 100}, zap.NewNop(), telemetry.New())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	require.NoError(t, p.BeginWrite())
	t.Cleanup(func() { p.EndWrite() })
	return p
}

func rowPayload(i int64) []byte {
	return record.Encode([]record.Value{
		record.Int(i),
		record.Text(fmt.Sprintf("name-%06d", i)),
	})
}

func TestTableInsertAndSeek(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindTable)
	require.NoError(t, err)
	tr := NewTable(p, root)

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, tr.InsertRow(i, rowPayload(i)))
	}

	cur := tr.NewCursor()
	found, err := cur.SeekRowid(7, SeekEQ)
	require.NoError(t, err)
	require.True(t, found)
	rowid, err := cur.Rowid()
	require.NoError(t, err)
	require.Equal(t, int64(7), rowid)

	rec, err := cur.Payload()
	require.NoError(t, err)
	vals, err := record.Decode(rec)
	require.NoError(t, err)
	require.Equal(t, "name-000007", vals[1].Text())

	found, err = cur.SeekRowid(99, SeekEQ)
	require.NoError(t, err)
	require.False(t, found)
}

func TestTableSplitKeepsOrder(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindTable)
	require.NoError(t, err)
	tr := NewTable(p, root)

	// Shuffled inserts over several page splits.
	const n = 500
	ids := rand.New(rand.NewSource(1)).Perm(n)
	for _, i := range ids {
		require.NoError(t, tr.InsertRow(int64(i+1), rowPayload(int64(i+1))))
	}

	cur := tr.NewCursor()
	ok, err := cur.First()
	require.NoError(t, err)
	count := 0
	var prev int64
	for ok {
		rowid, err := cur.Rowid()
		require.NoError(t, err)
		if count > 0 {
			require.Greater(t, rowid, prev, "iteration must be strictly ascending")
		}
		prev = rowid
		count++
		ok, err = cur.Next()
		require.NoError(t, err)
	}
	require.Equal(t, n, count)
}

func TestTableReverseIteration(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindTable)
	require.NoError(t, err)
	tr := NewTable(p, root)
	for i := int64(1); i <= 200; i++ {
		require.NoError(t, tr.InsertRow(i, rowPayload(i)))
	}

	cur := tr.NewCursor()
	ok, err := cur.Last()
	require.NoError(t, err)
	want := int64(200)
	for ok {
		rowid, err := cur.Rowid()
		require.NoError(t, err)
		require.Equal(t, want, rowid)
		want--
		ok, err = cur.Prev()
		require.NoError(t, err)
	}
	require.Equal(t, int64(0), want)
}

func TestTableReplaceRow(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindTable)
	require.NoError(t, err)
	tr := NewTable(p, root)

	require.NoError(t, tr.InsertRow(5, rowPayload(5)))
	updated := record.Encode([]record.Value{record.Int(5), record.Text("updated")})
	require.NoError(t, tr.InsertRow(5, updated))

	cur := tr.NewCursor()
	found, err := cur.SeekRowid(5, SeekEQ)
	require.NoError(t, err)
	require.True(t, found)
	rec, err := cur.Payload()
	require.NoError(t, err)
	vals, err := record.Decode(rec)
	require.NoError(t, err)
	require.Equal(t, "updated", vals[1].Text())

	ok, err := cur.Next()
	require.NoError(t, err)
	require.False(t, ok, "replaced row must not leave a duplicate")
}

func TestOverflowPayloadRoundTrip(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindTable)
	require.NoError(t, err)
	tr := NewTable(p, root)

	big := make([]byte, 3000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	payload := record.Encode([]record.Value{record.Blob(big)})
	require.NoError(t, tr.InsertRow(1, payload))
	require.NoError(t, tr.InsertRow(2, rowPayload(2)))

	cur := tr.NewCursor()
	found, err := cur.SeekRowid(1, SeekEQ)
	require.NoError(t, err)
	require.True(t, found)
	rec, err := cur.Payload()
	require.NoError(t, err)
	vals, err := record.Decode(rec)
	require.NoError(t, err)
	require.Equal(t, big, vals[0].Blob())
}

func TestTableDeleteAndMerge(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindTable)
	require.NoError(t, err)
	tr := NewTable(p, root)

	const n = 300
	for i := int64(1); i <= n; i++ {
		require.NoError(t, tr.InsertRow(i, rowPayload(i)))
	}
	// Delete everything except multiples of ten; pages empty out and
	// the tree shrinks back toward the root.
	cur := tr.NewCursor()
	for i := int64(1); i <= n; i++ {
		if i%10 == 0 {
			continue
		}
		found, err := cur.SeekRowid(i, SeekEQ)
		require.NoError(t, err)
		require.True(t, found, "rowid %d", i)
		require.NoError(t, cur.Delete())
	}

	ok, err := cur.First()
	require.NoError(t, err)
	var got []int64
	for ok {
		rowid, err := cur.Rowid()
		require.NoError(t, err)
		got = append(got, rowid)
		ok, err = cur.Next()
		require.NoError(t, err)
	}
	require.Len(t, got, n/10)
	for i, rowid := range got {
		require.Equal(t, int64((i+1)*10), rowid)
	}
}

func TestDeleteWhileIterating(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindTable)
	require.NoError(t, err)
	tr := NewTable(p, root)
	for i := int64(1); i <= 100; i++ {
		require.NoError(t, tr.InsertRow(i, rowPayload(i)))
	}

	// Delete each even row at the cursor; Next must land on the
	// successor of the deleted entry.
	cur := tr.NewCursor()
	ok, err := cur.First()
	require.NoError(t, err)
	var seen []int64
	for ok {
		rowid, err := cur.Rowid()
		require.NoError(t, err)
		seen = append(seen, rowid)
		if rowid%2 == 0 {
			require.NoError(t, cur.Delete())
		}
		ok, err = cur.Next()
		require.NoError(t, err)
	}
	require.Len(t, seen, 100, "every row visited exactly once")

	count := 0
	ok, err = cur.First()
	require.NoError(t, err)
	for ok {
		rowid, err := cur.Rowid()
		require.NoError(t, err)
		require.Equal(t, int64(1), rowid%2)
		count++
		ok, err = cur.Next()
		require.NoError(t, err)
	}
	require.Equal(t, 50, count)
}

func indexKey(s string, rowid int64) []byte {
	return record.Encode([]record.Value{record.Text(s), record.Int(rowid)})
}

func defaultKeyInfo(cols int) record.KeyInfo {
	return record.KeyInfo{}
}

func TestIndexInsertAndProbe(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindIndex)
	require.NoError(t, err)
	tr := NewIndex(p, root, defaultKeyInfo(2))

	words := []string{"delta", "alpha", "echo", "bravo", "charlie"}
	for i, w := range words {
		require.NoError(t, tr.InsertEntry(indexKey(w, int64(i+1))))
	}

	cur := tr.NewCursor()
	// Prefix probe: only the indexed column.
	found, err := cur.SeekKey([]record.Value{record.Text("charlie")}, SeekEQ)
	require.NoError(t, err)
	require.True(t, found)
	rec, err := cur.Payload()
	require.NoError(t, err)
	vals, err := record.Decode(rec)
	require.NoError(t, err)
	require.Equal(t, "charlie", vals[0].Text())
	require.Equal(t, int64(5), vals[1].Int64())

	found, err = cur.SeekKey([]record.Value{record.Text("foxtrot")}, SeekEQ)
	require.NoError(t, err)
	require.False(t, found)
}

func TestIndexIterationSorted(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindIndex)
	require.NoError(t, err)
	tr := NewIndex(p, root, defaultKeyInfo(2))

	const n = 400
	ids := rand.New(rand.NewSource(7)).Perm(n)
	for _, i := range ids {
		require.NoError(t, tr.InsertEntry(indexKey(fmt.Sprintf("key-%05d", i), int64(i))))
	}

	cur := tr.NewCursor()
	ok, err := cur.First()
	require.NoError(t, err)
	var prev string
	count := 0
	for ok {
		rec, err := cur.Payload()
		require.NoError(t, err)
		vals, err := record.Decode(rec)
		require.NoError(t, err)
		key := vals[0].Text()
		if count > 0 {
			require.Greater(t, key, prev)
		}
		prev = key
		count++
		ok, err = cur.Next()
		require.NoError(t, err)
	}
	require.Equal(t, n, count)
}

func TestIndexDeleteInteriorEntries(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindIndex)
	require.NoError(t, err)
	tr := NewIndex(p, root, defaultKeyInfo(2))

	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, tr.InsertEntry(indexKey(fmt.Sprintf("key-%05d", i), int64(i))))
	}
	// Delete a scattering of entries; some live on interior cells.
	cur := tr.NewCursor()
	for i := 0; i < n; i += 3 {
		found, err := cur.SeekKey([]record.Value{record.Text(fmt.Sprintf("key-%05d", i))}, SeekEQ)
		require.NoError(t, err)
		require.True(t, found, "key-%05d", i)
		require.NoError(t, cur.Delete())
	}

	ok, err := cur.First()
	require.NoError(t, err)
	count := 0
	var prev string
	for ok {
		rec, err := cur.Payload()
		require.NoError(t, err)
		vals, err := record.Decode(rec)
		require.NoError(t, err)
		require.True(t, count == 0 || vals[0].Text() > prev)
		prev = vals[0].Text()
		i := vals[1].Int64()
		require.NotEqual(t, int64(0), i%3, "deleted entry resurfaced: %s", prev)
		count++
		ok, err = cur.Next()
		require.NoError(t, err)
	}
	require.Equal(t, n-(n+2)/3, count)
}

func TestSeekBiases(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindTable)
	require.NoError(t, err)
	tr := NewTable(p, root)
	for _, i := range []int64{10, 20, 30, 40} {
		require.NoError(t, tr.InsertRow(i, rowPayload(i)))
	}
	cur := tr.NewCursor()

	found, err := cur.SeekRowid(25, SeekGE)
	require.NoError(t, err)
	require.False(t, found)
	rowid, err := cur.Rowid()
	require.NoError(t, err)
	require.Equal(t, int64(30), rowid)

	found, err = cur.SeekRowid(25, SeekLE)
	require.NoError(t, err)
	require.False(t, found)
	rowid, err = cur.Rowid()
	require.NoError(t, err)
	require.Equal(t, int64(20), rowid)

	found, err = cur.SeekRowid(45, SeekLE)
	require.NoError(t, err)
	require.False(t, found)
	rowid, err = cur.Rowid()
	require.NoError(t, err)
	require.Equal(t, int64(40), rowid)

	found, err = cur.SeekRowid(5, SeekGE)
	require.NoError(t, err)
	require.False(t, found)
	rowid, err = cur.Rowid()
	require.NoError(t, err)
	require.Equal(t, int64(10), rowid)
}

// leafDepths walks every page reachable from the root and counts the
// leaves seen at each depth. For table trees it also checks that leaf
// rowids come out strictly ascending in traversal order.
func leafDepths(t *testing.T, tr *Tree) map[int]int {
	t.Helper()
	depths := make(map[int]int)
	var prev int64
	first := true
	var walk func(pgno uint32, depth int)
	walk = func(pgno uint32, depth int) {
		var leaf bool
		var n int
		var right uint32
		var rowids []int64
		require.NoError(t, tr.withPage(pgno, func(pb *format.PageBuf) error {
			leaf = pb.Type().IsLeaf()
			n = pb.CellCount()
			if !leaf {
				right = pb.RightChild()
				return nil
			}
			for i := 0; i < n; i++ {
				c, err := pb.ParseCell(i)
				if err != nil {
					return err
				}
				rowids = append(rowids, c.Rowid)
			}
			return nil
		}))
		if leaf {
			depths[depth]++
			if tr.kind == KindTable {
				for _, rowid := range rowids {
					if !first {
						require.Greater(t, rowid, prev, "rowids out of order on page %d", pgno)
					}
					prev, first = rowid, false
				}
			}
			return
		}
		for i := 0; i < n; i++ {
			child, err := tr.childAt(pgno, i)
			require.NoError(t, err)
			walk(child, depth+1)
		}
		walk(right, depth+1)
	}
	walk(tr.root, 0)
	return depths
}

// wideRow pads the payload so only a handful of rows fit per page and
// the tree grows several levels deep.
func wideRow(i int64) []byte {
	pad := make([]byte, 90)
	for j := range pad {
		pad[j] = byte('a' + i%26)
	}
	return record.Encode([]record.Value{record.Int(i), record.Text(string(pad))})
}

func TestDeleteKeepsLeavesAtUniformDepth(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindTable)
	require.NoError(t, err)
	tr := NewTable(p, root)

	const n = 500
	for i := int64(1); i <= n; i++ {
		require.NoError(t, tr.InsertRow(i, wideRow(i)))
	}
	depths := leafDepths(t, tr)
	require.Len(t, depths, 1, "leaves at mixed depths after load: %v", depths)

	// Ascending deletes empty the leftmost leaf over and over, which
	// drains interior pages from the left edge of the tree.
	cur := tr.NewCursor()
	for i := int64(1); i <= n; i++ {
		found, err := cur.SeekRowid(i, SeekEQ)
		require.NoError(t, err)
		require.True(t, found, "rowid %d", i)
		require.NoError(t, cur.Delete())
		depths = leafDepths(t, tr)
		require.Len(t, depths, 1,
			"unequal leaf depths after deleting rowid %d: %v", i, depths)
	}
}

func TestRandomChurnKeepsTreeBalanced(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindTable)
	require.NoError(t, err)
	tr := NewTable(p, root)

	rng := rand.New(rand.NewSource(42))
	live := make(map[int64]bool)
	cur := tr.NewCursor()
	for step := 0; step < 1200; step++ {
		rowid := int64(rng.Intn(400)) + 1
		if live[rowid] {
			found, err := cur.SeekRowid(rowid, SeekEQ)
			require.NoError(t, err)
			require.True(t, found, "rowid %d", rowid)
			require.NoError(t, cur.Delete())
			delete(live, rowid)
		} else {
			require.NoError(t, tr.InsertRow(rowid, wideRow(rowid)))
			live[rowid] = true
		}
		depths := leafDepths(t, tr)
		require.Len(t, depths, 1,
			"unequal leaf depths after step %d (rowid %d): %v", step, rowid, depths)
	}

	ok, err := cur.First()
	require.NoError(t, err)
	count := 0
	for ok {
		rowid, err := cur.Rowid()
		require.NoError(t, err)
		require.True(t, live[rowid], "unexpected rowid %d", rowid)
		count++
		ok, err = cur.Next()
		require.NoError(t, err)
	}
	require.Equal(t, len(live), count)
}

func TestIndexDeleteKeepsLeavesAtUniformDepth(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindIndex)
	require.NoError(t, err)
	tr := NewIndex(p, root, defaultKeyInfo(2))

	const n = 400
	for i := 0; i < n; i++ {
		require.NoError(t, tr.InsertEntry(indexKey(fmt.Sprintf("entry-%05d-%020d", i, i), int64(i))))
	}
	require.Len(t, leafDepths(t, tr), 1)

	cur := tr.NewCursor()
	for i := 0; i < n; i++ {
		found, err := cur.SeekKey([]record.Value{record.Text(fmt.Sprintf("entry-%05d-%020d", i, i))}, SeekEQ)
		require.NoError(t, err)
		require.True(t, found, "entry %d", i)
		require.NoError(t, cur.Delete())
		depths := leafDepths(t, tr)
		require.Len(t, depths, 1,
			"unequal leaf depths after deleting entry %d: %v", i, depths)
	}
}

func TestClearAndMaxRowid(t *testing.T) {
	p := newTestPager(t)
	root, err := Create(p, KindTable)
	require.NoError(t, err)
	tr := NewTable(p, root)

	_, ok, err := tr.MaxRowid()
	require.NoError(t, err)
	require.False(t, ok)

	for i := int64(1); i <= 150; i++ {
		require.NoError(t, tr.InsertRow(i, rowPayload(i)))
	}
	max, ok, err := tr.MaxRowid()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(150), max)

	freeBefore := p.Header().FreelistPages
	require.NoError(t, tr.Clear())
	require.Greater(t, p.Header().FreelistPages, freeBefore,
		"clearing must return interior and leaf pages to the freelist")

	cur := tr.NewCursor()
	okv, err := cur.First()
	require.NoError(t, err)
	require.False(t, okv)
}
