// Package btree implements the table and index trees stored in the
// page file: rowid-keyed table trees with data in the leaves, and
// record-keyed index trees with entries at every level. Cells larger
// than the on-page threshold spill to overflow page chains. Pages that
// fill are split around a median; pages that empty are merged away and
// a root with a single child collapses onto itself.
package btree

import (
	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/core/storage/format"
	"github.com/quarrydb/quarry/core/storage/pager"
)

// Kind distinguishes the two tree layouts.
type Kind int

const (
	KindTable Kind = iota
	KindIndex
)

// Tree is a handle on one b-tree rooted at a fixed page. The root page
// number never changes; splits grow the tree downward from it.
type Tree struct {
	pgr  *pager.Pager
	root uint32
	kind Kind
	info record.KeyInfo

	// gen counts structural and content mutations; cursors that
	// observed an older gen re-seek before moving.
	gen uint64
}

// NewTable opens a handle on a table tree.
func NewTable(p *pager.Pager, root uint32) *Tree {
	return &Tree{pgr: p, root: root, kind: KindTable}
}

// NewIndex opens a handle on an index tree with its comparison rules.
func NewIndex(p *pager.Pager, root uint32, info record.KeyInfo) *Tree {
	return &Tree{pgr: p, root: root, kind: KindIndex, info: info}
}

// Root returns the root page number.
func (t *Tree) Root() uint32 { return t.root }

// Create allocates an empty tree of the given kind and returns its
// root page number.
func Create(p *pager.Pager, kind Kind) (uint32, error) {
	pg, err := p.Allocate()
	if err != nil {
		return 0, err
	}
	pb := p.PageBuf(pg)
	if kind == KindTable {
		pb.Init(format.PageTableLeaf)
	} else {
		pb.Init(format.PageIndexLeaf)
	}
	if err := p.MarkDirty(pg); err != nil {
		p.Unpin(pg)
		return 0, err
	}
	root := pg.Pgno
	p.Unpin(pg)
	p.SetLargestRoot(root)
	return root, nil
}

func (t *Tree) leafType() format.PageType {
	if t.kind == KindTable {
		return format.PageTableLeaf
	}
	return format.PageIndexLeaf
}

func (t *Tree) interiorType() format.PageType {
	if t.kind == KindTable {
		return format.PageTableInterior
	}
	return format.PageIndexInterior
}

func (t *Tree) maxLocal() int {
	if t.kind == KindTable {
		return format.MaxLocalTable(t.pgr.Usable())
	}
	return format.MaxLocalIndex(t.pgr.Usable())
}

// withPage pins pgno for the duration of fn.
func (t *Tree) withPage(pgno uint32, fn func(pb *format.PageBuf) error) error {
	pg, err := t.pgr.Get(pgno)
	if err != nil {
		return err
	}
	defer t.pgr.Unpin(pg)
	return fn(t.pgr.PageBuf(pg))
}

// withWrite pins pgno dirty for the duration of fn.
func (t *Tree) withWrite(pgno uint32, fn func(pb *format.PageBuf) error) error {
	pg, err := t.pgr.Get(pgno)
	if err != nil {
		return err
	}
	defer t.pgr.Unpin(pg)
	if err := t.pgr.MarkDirty(pg); err != nil {
		return err
	}
	return fn(t.pgr.PageBuf(pg))
}

func (t *Tree) freePage(pgno uint32) error {
	pg, err := t.pgr.Get(pgno)
	if err != nil {
		return err
	}
	return t.pgr.Free(pg)
}

// Clear deletes every entry, returning all pages except the root to
// the freelist. The root reverts to an empty leaf.
func (t *Tree) Clear() error {
	if err := t.clearPage(t.root, true); err != nil {
		return err
	}
	t.gen++
	return t.withWrite(t.root, func(pb *format.PageBuf) error {
		pb.Init(t.leafType())
		return nil
	})
}

// Drop deletes every entry and frees the root itself. The handle must
// not be used afterward.
func (t *Tree) Drop() error {
	if err := t.clearPage(t.root, true); err != nil {
		return err
	}
	t.gen++
	return t.freePage(t.root)
}

func (t *Tree) clearPage(pgno uint32, isRoot bool) error {
	var children []uint32
	var overflows []uint32
	err := t.withPage(pgno, func(pb *format.PageBuf) error {
		n := pb.CellCount()
		for i := 0; i < n; i++ {
			c, err := pb.ParseCell(i)
			if err != nil {
				return err
			}
			if c.LeftChild != 0 {
				children = append(children, c.LeftChild)
			}
			if c.OverflowPage != 0 {
				overflows = append(overflows, c.OverflowPage)
			}
		}
		if !pb.Type().IsLeaf() {
			children = append(children, pb.RightChild())
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ov := range overflows {
		if err := t.freeOverflow(ov); err != nil {
			return err
		}
	}
	for _, child := range children {
		if err := t.clearPage(child, false); err != nil {
			return err
		}
	}
	if isRoot {
		return nil
	}
	return t.freePage(pgno)
}

// writePayload stores payload for a new cell, spilling the tail to an
// overflow chain when it exceeds the on-page threshold.
func (t *Tree) writePayload(payload []byte) (local []byte, overflow uint32, err error) {
	usable := t.pgr.Usable()
	n := format.LocalPayload(len(payload), t.maxLocal(), format.MinLocal(usable), usable)
	if n >= len(payload) {
		return payload, 0, nil
	}
	local = payload[:n]
	rest := payload[n:]
	cap := format.OverflowCapacity(usable)

	nPages := (len(rest) + cap - 1) / cap
	pages := make([]*pager.Page, 0, nPages)
	defer func() {
		for _, pg := range pages {
			t.pgr.Unpin(pg)
		}
	}()
	for i := 0; i < nPages; i++ {
		pg, err := t.pgr.Allocate()
		if err != nil {
			return nil, 0, err
		}
		pages = append(pages, pg)
	}
	for i, pg := range pages {
		next := uint32(0)
		if i+1 < nPages {
			next = pages[i+1].Pgno
		}
		body := format.OverflowInit(pg.Data[:usable], next)
		chunk := rest
		if len(chunk) > cap {
			chunk = chunk[:cap]
		}
		copy(body, chunk)
		rest = rest[len(chunk):]
		if err := t.pgr.MarkDirty(pg); err != nil {
			return nil, 0, err
		}
	}
	return local, pages[0].Pgno, nil
}

// readPayload assembles the full payload of a parsed cell, following
// its overflow chain.
func (t *Tree) readPayload(c format.Cell) ([]byte, error) {
	if c.OverflowPage == 0 {
		return c.Payload, nil
	}
	out := make([]byte, 0, c.PayloadSize)
	out = append(out, c.Payload...)
	usable := t.pgr.Usable()
	pgno := c.OverflowPage
	for pgno != 0 {
		var next uint32
		err := t.withPage(pgno, func(pb *format.PageBuf) error {
			next = format.OverflowNext(pb.Buf[:usable])
			want := int(c.PayloadSize) - len(out)
			body := format.OverflowPayload(pb.Buf, usable)
			if want < len(body) {
				body = body[:want]
			}
			out = append(out, body...)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(out) >= int(c.PayloadSize) {
			break
		}
		if next == 0 {
			return nil, dberr.Corrupt(pgno, "overflow chain truncated")
		}
		pgno = next
	}
	return out, nil
}

func (t *Tree) freeOverflow(pgno uint32) error {
	for pgno != 0 {
		pg, err := t.pgr.Get(pgno)
		if err != nil {
			return err
		}
		next := format.OverflowNext(pg.Data[:t.pgr.Usable()])
		if err := t.pgr.Free(pg); err != nil {
			return err
		}
		pgno = next
	}
	return nil
}

// frame is one level of a descent: the page and the pointer or cell
// index taken on it. For interior pages idx ranges 0..CellCount with
// CellCount meaning the right child; for leaves it is the cell index.
type frame struct {
	pgno uint32
	idx  int
}

// descendRowid walks to the leaf position for rowid in a table tree.
// The returned leaf index is the first cell with rowid >= target.
func (t *Tree) descendRowid(rowid int64) (path []frame, exact bool, err error) {
	pgno := t.root
	for {
		var leaf bool
		var idx int
		err := t.withPage(pgno, func(pb *format.PageBuf) error {
			leaf = pb.Type().IsLeaf()
			n := pb.CellCount()
			lo, hi := 0, n
			for lo < hi {
				mid := (lo + hi) / 2
				c, err := pb.ParseCell(mid)
				if err != nil {
					return err
				}
				if c.Rowid < rowid {
					lo = mid + 1
				} else {
					if leaf && c.Rowid == rowid {
						exact = true
					}
					hi = mid
				}
			}
			idx = lo
			return nil
		})
		if err != nil {
			return nil, false, err
		}
		path = append(path, frame{pgno: pgno, idx: idx})
		if leaf {
			return path, exact, nil
		}
		pgno, err = t.childAt(pgno, idx)
		if err != nil {
			return nil, false, err
		}
	}
}

// descendKey walks to the position for probe in an index tree. When
// the probe equals an interior cell the descent still follows the left
// subtree, so the leaf position is the first entry >= probe; exact
// reports whether that leaf entry (only) matched.
func (t *Tree) descendKey(probe []record.Value) (path []frame, exact bool, err error) {
	pgno := t.root
	for {
		var leaf bool
		var idx int
		err := t.withPage(pgno, func(pb *format.PageBuf) error {
			leaf = pb.Type().IsLeaf()
			n := pb.CellCount()
			lo, hi := 0, n
			for lo < hi {
				mid := (lo + hi) / 2
				cmp, err := t.compareCell(pb, mid, probe)
				if err != nil {
					return err
				}
				if cmp < 0 {
					lo = mid + 1
				} else {
					if leaf && cmp == 0 {
						exact = true
					}
					hi = mid
				}
			}
			idx = lo
			return nil
		})
		if err != nil {
			return nil, false, err
		}
		path = append(path, frame{pgno: pgno, idx: idx})
		if leaf {
			return path, exact, nil
		}
		pgno, err = t.childAt(pgno, idx)
		if err != nil {
			return nil, false, err
		}
	}
}

// compareCell compares cell idx's record against the probe values.
func (t *Tree) compareCell(pb *format.PageBuf, idx int, probe []record.Value) (int, error) {
	c, err := pb.ParseCell(idx)
	if err != nil {
		return 0, err
	}
	rec, err := t.readPayload(c)
	if err != nil {
		return 0, err
	}
	return t.info.CompareRecord(rec, probe)
}

func (t *Tree) childAt(pgno uint32, idx int) (uint32, error) {
	var child uint32
	err := t.withPage(pgno, func(pb *format.PageBuf) error {
		if idx >= pb.CellCount() {
			child = pb.RightChild()
			return nil
		}
		c, err := pb.ParseCell(idx)
		if err != nil {
			return err
		}
		child = c.LeftChild
		return nil
	})
	if err != nil {
		return 0, err
	}
	if child == 0 {
		return 0, dberr.Corrupt(pgno, "zero child pointer at index %d", idx)
	}
	return child, nil
}

// InsertRow writes or replaces the entry for rowid in a table tree.
func (t *Tree) InsertRow(rowid int64, payload []byte) error {
	if t.kind != KindTable {
		return dberr.Corrupt(t.root, "row insert into index tree")
	}
	path, exact, err := t.descendRowid(rowid)
	if err != nil {
		return err
	}
	if exact {
		if err := t.removeLeafCell(path); err != nil {
			return err
		}
	}
	local, overflow, err := t.writePayload(payload)
	if err != nil {
		return err
	}
	cell := format.EncodeTableLeaf(rowid, len(payload), local, overflow)
	if err := t.insertCellAt(path, len(path)-1, cell); err != nil {
		return err
	}
	t.gen++
	return nil
}

// InsertEntry writes a record into an index tree. The full record,
// including its rowid suffix, must be unique.
func (t *Tree) InsertEntry(payload []byte) error {
	if t.kind != KindIndex {
		return dberr.Corrupt(t.root, "entry insert into table tree")
	}
	probe, err := record.Decode(payload)
	if err != nil {
		return err
	}
	path, exact, err := t.descendKey(probe)
	if err != nil {
		return err
	}
	if exact {
		if err := t.removeLeafCell(path); err != nil {
			return err
		}
	}
	return t.insertEntryRaw(path, payload)
}

func (t *Tree) insertEntryRaw(path []frame, payload []byte) error {
	local, overflow, err := t.writePayload(payload)
	if err != nil {
		return err
	}
	cell := format.EncodeIndexLeaf(len(payload), local, overflow)
	if err := t.insertCellAt(path, len(path)-1, cell); err != nil {
		return err
	}
	t.gen++
	return nil
}

// removeLeafCell drops the cell the path points at, freeing its
// overflow chain. Underflow is not handled here.
func (t *Tree) removeLeafCell(path []frame) error {
	tail := path[len(path)-1]
	var overflow uint32
	err := t.withWrite(tail.pgno, func(pb *format.PageBuf) error {
		c, err := pb.ParseCell(tail.idx)
		if err != nil {
			return err
		}
		overflow = c.OverflowPage
		return pb.RemoveCell(tail.idx)
	})
	if err != nil {
		return err
	}
	if overflow != 0 {
		return t.freeOverflow(overflow)
	}
	return nil
}

// MaxRowid returns the largest rowid in a table tree.
func (t *Tree) MaxRowid() (int64, bool, error) {
	pgno := t.root
	for {
		var leaf bool
		var rowid int64
		var n int
		err := t.withPage(pgno, func(pb *format.PageBuf) error {
			leaf = pb.Type().IsLeaf()
			n = pb.CellCount()
			if leaf && n > 0 {
				c, err := pb.ParseCell(n - 1)
				if err != nil {
					return err
				}
				rowid = c.Rowid
			}
			return nil
		})
		if err != nil {
			return 0, false, err
		}
		if leaf {
			if n == 0 {
				return 0, false, nil
			}
			return rowid, true, nil
		}
		pgno, err = t.childAt(pgno, n)
		if err != nil {
			return 0, false, err
		}
	}
}
