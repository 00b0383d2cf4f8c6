package btree

import (
	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/storage/format"
)

// xcell is a cell lifted off a page so it survives redistribution.
type xcell struct {
	raw       []byte
	rowid     int64
	leftChild uint32
	size      uint64
	local     []byte
	overflow  uint32
}

func liftCell(pb *format.PageBuf, idx int) (xcell, error) {
	raw, err := pb.RawCell(idx)
	if err != nil {
		return xcell{}, err
	}
	c, err := pb.ParseCell(idx)
	if err != nil {
		return xcell{}, err
	}
	x := xcell{
		raw:       append([]byte(nil), raw...),
		rowid:     c.Rowid,
		leftChild: c.LeftChild,
		size:      c.PayloadSize,
		overflow:  c.OverflowPage,
	}
	x.local = append([]byte(nil), c.Payload...)
	return x, nil
}

// liftRaw parses a standalone encoded cell by staging it on a scratch
// page of the right type.
func (t *Tree) liftRaw(ptype format.PageType, raw []byte) (xcell, error) {
	tmp := format.NewPageBuf(0, make([]byte, t.pgr.PageSize()), t.pgr.Usable())
	tmp.Init(ptype)
	if !tmp.InsertCell(0, raw) {
		return xcell{}, dberr.Corrupt(t.root, "cell larger than a page")
	}
	return liftCell(tmp, 0)
}

// insertCellAt places the encoded cell at the position the path names,
// splitting the page and propagating a divider upward when it is full.
func (t *Tree) insertCellAt(path []frame, level int, cell []byte) error {
	fr := path[level]
	var ok bool
	err := t.withWrite(fr.pgno, func(pb *format.PageBuf) error {
		ok = pb.InsertCell(fr.idx, cell)
		return nil
	})
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return t.splitInsert(path, level, cell)
}

// splitInsert redistributes the overfull page at path[level] plus the
// new cell across the page and a fresh right sibling, pushing a
// divider into the parent. A full root first moves its content into a
// new child so the root page number stays fixed.
func (t *Tree) splitInsert(path []frame, level int, cell []byte) error {
	if level == 0 {
		newPath, err := t.splitRoot(path)
		if err != nil {
			return err
		}
		path, level = newPath, 1
	}

	fr := path[level]
	var cells []xcell
	var ptype format.PageType
	var origRight uint32
	err := t.withPage(fr.pgno, func(pb *format.PageBuf) error {
		ptype = pb.Type()
		n := pb.CellCount()
		cells = make([]xcell, 0, n+1)
		for i := 0; i < n; i++ {
			x, err := liftCell(pb, i)
			if err != nil {
				return err
			}
			cells = append(cells, x)
		}
		if !ptype.IsLeaf() {
			origRight = pb.RightChild()
		}
		return nil
	})
	if err != nil {
		return err
	}
	newX, err := t.liftRaw(ptype, cell)
	if err != nil {
		return err
	}
	cells = append(cells[:fr.idx], append([]xcell{newX}, cells[fr.idx:]...)...)

	leaf := ptype.IsLeaf()
	m, err := t.splitPoint(cells, ptype, leaf)
	if err != nil {
		return err
	}

	var left, right []xcell
	var leftRight, rightRight uint32
	var divider []byte
	switch {
	case leaf && t.kind == KindTable:
		left, right = cells[:m], cells[m:]
		divider = format.EncodeTableInterior(fr.pgno, cells[m-1].rowid)
	case leaf:
		up := cells[m]
		left, right = cells[:m], cells[m+1:]
		divider = format.EncodeIndexInterior(fr.pgno, int(up.size), up.local, up.overflow)
	case t.kind == KindTable:
		up := cells[m]
		left, right = cells[:m], cells[m+1:]
		leftRight, rightRight = up.leftChild, origRight
		divider = format.EncodeTableInterior(fr.pgno, up.rowid)
	default:
		up := cells[m]
		left, right = cells[:m], cells[m+1:]
		leftRight, rightRight = up.leftChild, origRight
		divider = format.EncodeIndexInterior(fr.pgno, int(up.size), up.local, up.overflow)
	}

	rightPg, err := t.pgr.Allocate()
	if err != nil {
		return err
	}
	rightPgno := rightPg.Pgno
	rpb := t.pgr.PageBuf(rightPg)
	rpb.Init(ptype)
	for i, x := range right {
		if !rpb.InsertCell(i, x.raw) {
			t.pgr.Unpin(rightPg)
			return dberr.Corrupt(rightPgno, "split right half does not fit")
		}
	}
	if !leaf {
		rpb.SetRightChild(rightRight)
	}
	if err := t.pgr.MarkDirty(rightPg); err != nil {
		t.pgr.Unpin(rightPg)
		return err
	}
	t.pgr.Unpin(rightPg)

	err = t.withWrite(fr.pgno, func(pb *format.PageBuf) error {
		pb.Init(ptype)
		for i, x := range left {
			if !pb.InsertCell(i, x.raw) {
				return dberr.Corrupt(fr.pgno, "split left half does not fit")
			}
		}
		if !leaf {
			pb.SetRightChild(leftRight)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// The parent pointer that reached this page now reaches the new
	// right sibling; the divider carries the left page.
	parent := path[level-1]
	err = t.withWrite(parent.pgno, func(pb *format.PageBuf) error {
		if parent.idx >= pb.CellCount() {
			pb.SetRightChild(rightPgno)
			return nil
		}
		return pb.SetCellLeftChild(parent.idx, rightPgno)
	})
	if err != nil {
		return err
	}
	return t.insertCellAt(path, level-1, divider)
}

// splitPoint picks the redistribution index: byte-balanced, with both
// halves fitting their pages. For interior pages and index leaves the
// cell at the returned index moves up to the parent.
func (t *Tree) splitPoint(cells []xcell, ptype format.PageType, leaf bool) (int, error) {
	capacity := t.pgr.Usable() - ptype.HeaderLen()
	sizes := make([]int, len(cells))
	total := 0
	for i, x := range cells {
		sizes[i] = len(x.raw) + 2
		total += sizes[i]
	}
	tableLeaf := leaf && t.kind == KindTable

	best, bestDiff := -1, 0
	lo, hi := 1, len(cells)-1
	if !tableLeaf {
		// The median is excluded from both halves; a side may even end
		// up empty when two huge cells split.
		lo = 0
	}
	leftBytes := 0
	for i := 0; i < lo; i++ {
		leftBytes += sizes[i]
	}
	for m := lo; m <= hi; m++ {
		lb := leftBytes
		rb := total - lb
		if !tableLeaf {
			rb -= sizes[m]
		}
		leftBytes += sizes[m]
		if lb > capacity || rb > capacity {
			continue
		}
		diff := lb - rb
		if diff < 0 {
			diff = -diff
		}
		if best == -1 || diff < bestDiff {
			best, bestDiff = m, diff
		}
	}
	if best == -1 {
		return 0, dberr.Corrupt(t.root, "no valid split point for %d cells", len(cells))
	}
	return best, nil
}

// splitRoot moves the root's content into a fresh child and turns the
// root into an interior page over it, preserving the root page number.
// Returns the path with the new level spliced in.
func (t *Tree) splitRoot(path []frame) ([]frame, error) {
	childPg, err := t.pgr.Allocate()
	if err != nil {
		return nil, err
	}
	childPgno := childPg.Pgno
	cpb := t.pgr.PageBuf(childPg)

	err = t.withWrite(t.root, func(pb *format.PageBuf) error {
		ptype := pb.Type()
		cpb.Init(ptype)
		n := pb.CellCount()
		for i := 0; i < n; i++ {
			raw, err := pb.RawCell(i)
			if err != nil {
				return err
			}
			if !cpb.InsertCell(i, raw) {
				return dberr.Corrupt(childPgno, "root copy does not fit")
			}
		}
		if !ptype.IsLeaf() {
			cpb.SetRightChild(pb.RightChild())
		}
		pb.Init(t.interiorType())
		pb.SetRightChild(childPgno)
		return nil
	})
	if err != nil {
		t.pgr.Unpin(childPg)
		return nil, err
	}
	if err := t.pgr.MarkDirty(childPg); err != nil {
		t.pgr.Unpin(childPg)
		return nil, err
	}
	t.pgr.Unpin(childPg)

	newPath := make([]frame, 0, len(path)+1)
	newPath = append(newPath, frame{pgno: t.root, idx: 0})
	newPath = append(newPath, frame{pgno: childPgno, idx: path[0].idx})
	newPath = append(newPath, path[1:]...)
	return newPath, nil
}
