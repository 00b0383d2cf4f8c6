package btree

import (
	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/core/storage/format"
)

// deleteLeafAt removes the cell at the leaf position and repairs the
// page if the removal emptied it.
func (t *Tree) deleteLeafAt(path []frame) error {
	if err := t.removeLeafCell(path); err != nil {
		return err
	}
	t.gen++
	var empty bool
	tail := path[len(path)-1]
	err := t.withPage(tail.pgno, func(pb *format.PageBuf) error {
		empty = pb.CellCount() == 0
		return nil
	})
	if err != nil {
		return err
	}
	if !empty || len(path) == 1 {
		return nil
	}
	return t.removeEmptyLeaf(path)
}

// removeEmptyLeaf unlinks an empty non-root leaf from its parent and
// frees it. In an index tree the parent divider adjacent to the leaf
// is a real entry; it is demoted back into the tree. A parent left
// with no cells is dissolved into a sibling, or collapsed at the root.
func (t *Tree) removeEmptyLeaf(path []frame) error {
	level := len(path) - 1
	leafPgno := path[level].pgno
	parent := path[level-1]

	var demoted *xcell
	var parentEmpty bool
	err := t.withWrite(parent.pgno, func(pb *format.PageBuf) error {
		n := pb.CellCount()
		if parent.idx == n {
			// The leaf hung off the right child; the last cell's subtree
			// takes its place.
			x, err := liftCell(pb, n-1)
			if err != nil {
				return err
			}
			pb.SetRightChild(x.leftChild)
			if err := pb.RemoveCell(n - 1); err != nil {
				return err
			}
			if t.kind == KindIndex {
				demoted = &x
			}
		} else {
			if t.kind == KindIndex {
				x, err := liftCell(pb, parent.idx)
				if err != nil {
					return err
				}
				demoted = &x
			}
			if err := pb.RemoveCell(parent.idx); err != nil {
				return err
			}
		}
		parentEmpty = pb.CellCount() == 0
		return nil
	})
	if err != nil {
		return err
	}
	if err := t.freePage(leafPgno); err != nil {
		return err
	}
	if parentEmpty {
		if err := t.hoist(path[:level]); err != nil {
			return err
		}
	}
	if demoted != nil {
		return t.reinsertDemoted(*demoted)
	}
	return nil
}

// reinsertDemoted puts a divider record back into the tree as a leaf
// entry. Its overflow chain is carried over unchanged; interior and
// leaf index cells share the same local payload threshold.
func (t *Tree) reinsertDemoted(x xcell) error {
	full, err := t.readPayload(format.Cell{
		Payload:      x.local,
		PayloadSize:  x.size,
		OverflowPage: x.overflow,
	})
	if err != nil {
		return err
	}
	probe, err := record.Decode(full)
	if err != nil {
		return err
	}
	path, _, err := t.descendKey(probe)
	if err != nil {
		return err
	}
	cell := format.EncodeIndexLeaf(int(x.size), x.local, x.overflow)
	if err := t.insertCellAt(path, len(path)-1, cell); err != nil {
		return err
	}
	t.gen++
	return nil
}

// hoist repairs an interior page left with no cells and a lone
// right-child subtree. Below the root the page is dissolved into an
// adjacent sibling, keeping every leaf at its current depth; only the
// root may absorb its child and shorten the tree.
func (t *Tree) hoist(path []frame) error {
	level := len(path) - 1
	pgno := path[level].pgno
	var child uint32
	err := t.withPage(pgno, func(pb *format.PageBuf) error {
		child = pb.RightChild()
		return nil
	})
	if err != nil {
		return err
	}
	if child == 0 {
		return dberr.Corrupt(pgno, "interior page with no cells and no child")
	}

	if level > 0 {
		return t.mergeIntoSibling(path, level, child)
	}

	// Root collapse: copy the child onto the root when it fits. Page 1
	// has less room than an interior page, so a full child stays put.
	var raws [][]byte
	var ctype format.PageType
	var cright uint32
	var fits bool
	err = t.withPage(child, func(cpb *format.PageBuf) error {
		ctype = cpb.Type()
		n := cpb.CellCount()
		total := 0
		for i := 0; i < n; i++ {
			raw, err := cpb.RawCell(i)
			if err != nil {
				return err
			}
			raws = append(raws, append([]byte(nil), raw...))
			total += len(raw) + 2
		}
		if !ctype.IsLeaf() {
			cright = cpb.RightChild()
		}
		rootOffset := 0
		if t.root == 1 {
			rootOffset = format.HeaderSize
		}
		fits = total <= t.pgr.Usable()-rootOffset-ctype.HeaderLen()
		return nil
	})
	if err != nil {
		return err
	}
	if !fits {
		return nil
	}
	err = t.withWrite(t.root, func(pb *format.PageBuf) error {
		pb.Init(ctype)
		for i, raw := range raws {
			if !pb.InsertCell(i, raw) {
				return dberr.Corrupt(t.root, "root collapse does not fit")
			}
		}
		if !ctype.IsLeaf() {
			pb.SetRightChild(cright)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return t.freePage(child)
}

// mergeIntoSibling dissolves the empty interior page at path[level]
// into an adjacent sibling: the parent divider next to it moves down
// as an interior cell pointing at the orphaned subtree, so the
// subtree stays at its depth. A parent emptied by losing the divider
// is repaired the same way, one level up.
func (t *Tree) mergeIntoSibling(path []frame, level int, child uint32) error {
	parent := path[level-1]
	var n int
	err := t.withPage(parent.pgno, func(pb *format.PageBuf) error {
		n = pb.CellCount()
		return nil
	})
	if err != nil {
		return err
	}
	if n == 0 {
		// No divider to move: the parent is itself an empty chain page
		// over this one. Merge the parent instead; the chain below it
		// keeps the subtree at depth.
		return t.hoist(path[:level])
	}

	pgno := path[level].pgno
	var d xcell
	var sibling uint32
	var sibIdx int
	if parent.idx < n {
		// The divider to the right separates this subtree from its
		// right sibling; it becomes the sibling's new leftmost cell.
		err = t.withWrite(parent.pgno, func(pb *format.PageBuf) error {
			x, err := liftCell(pb, parent.idx)
			if err != nil {
				return err
			}
			d = x
			if err := pb.RemoveCell(parent.idx); err != nil {
				return err
			}
			if parent.idx < pb.CellCount() {
				c, err := pb.ParseCell(parent.idx)
				if err != nil {
					return err
				}
				sibling = c.LeftChild
			} else {
				sibling = pb.RightChild()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := t.freePage(pgno); err != nil {
			return err
		}
		sibIdx = 0
	} else {
		// Rightmost subtree: the left sibling absorbs it. The sibling's
		// old right child is demoted behind the divider and the orphan
		// becomes the new right child.
		err = t.withWrite(parent.pgno, func(pb *format.PageBuf) error {
			x, err := liftCell(pb, n-1)
			if err != nil {
				return err
			}
			d = x
			if err := pb.RemoveCell(n - 1); err != nil {
				return err
			}
			sibling = x.leftChild
			pb.SetRightChild(sibling)
			return nil
		})
		if err != nil {
			return err
		}
		if err := t.freePage(pgno); err != nil {
			return err
		}
		var oldRight uint32
		err = t.withWrite(sibling, func(pb *format.PageBuf) error {
			oldRight = pb.RightChild()
			pb.SetRightChild(child)
			sibIdx = pb.CellCount()
			return nil
		})
		if err != nil {
			return err
		}
		child = oldRight
	}

	var cell []byte
	if t.kind == KindTable {
		cell = format.EncodeTableInterior(child, d.rowid)
	} else {
		cell = format.EncodeIndexInterior(child, int(d.size), d.local, d.overflow)
	}
	sub := make([]frame, 0, level+1)
	sub = append(sub, path[:level-1]...)
	sub = append(sub, frame{pgno: parent.pgno, idx: parent.idx})
	sub = append(sub, frame{pgno: sibling, idx: sibIdx})
	if err := t.insertCellAt(sub, level, cell); err != nil {
		return err
	}

	var parentEmpty bool
	err = t.withPage(parent.pgno, func(pb *format.PageBuf) error {
		parentEmpty = pb.CellCount() == 0
		return nil
	})
	if err != nil {
		return err
	}
	if parentEmpty {
		return t.hoist(path[:level])
	}
	return nil
}

// descendRightmost walks to the last cell under pgno.
func (t *Tree) descendRightmost(pgno uint32) ([]frame, error) {
	var path []frame
	for {
		var leaf bool
		var n int
		err := t.withPage(pgno, func(pb *format.PageBuf) error {
			leaf = pb.Type().IsLeaf()
			n = pb.CellCount()
			return nil
		})
		if err != nil {
			return nil, err
		}
		if leaf {
			path = append(path, frame{pgno: pgno, idx: n - 1})
			return path, nil
		}
		path = append(path, frame{pgno: pgno, idx: n})
		pgno, err = t.childAt(pgno, n)
		if err != nil {
			return nil, err
		}
	}
}

func (t *Tree) descendLeftmost(pgno uint32) ([]frame, error) {
	var path []frame
	for {
		var leaf bool
		err := t.withPage(pgno, func(pb *format.PageBuf) error {
			leaf = pb.Type().IsLeaf()
			return nil
		})
		if err != nil {
			return nil, err
		}
		path = append(path, frame{pgno: pgno, idx: 0})
		if leaf {
			return path, nil
		}
		pgno, err = t.childAt(pgno, 0)
		if err != nil {
			return nil, err
		}
	}
}

// deleteInteriorAt removes an index entry that lives on an interior
// cell: the nearest leaf entry under its left subtree is lifted into
// its place so the child pointer survives.
func (t *Tree) deleteInteriorAt(path []frame) error {
	tail := path[len(path)-1]
	var old xcell
	err := t.withPage(tail.pgno, func(pb *format.PageBuf) error {
		x, err := liftCell(pb, tail.idx)
		if err != nil {
			return err
		}
		old = x
		return nil
	})
	if err != nil {
		return err
	}

	sub, err := t.descendRightmost(old.leftChild)
	if err != nil {
		return err
	}
	leafTail := sub[len(sub)-1]
	if leafTail.idx < 0 {
		// Left subtree bottomed out empty; borrow the successor from
		// the right neighbour instead.
		next, err := t.childAt(tail.pgno, tail.idx+1)
		if err != nil {
			return err
		}
		sub, err = t.descendLeftmost(next)
		if err != nil {
			return err
		}
		leafTail = sub[len(sub)-1]
		var n int
		if err := t.withPage(leafTail.pgno, func(pb *format.PageBuf) error {
			n = pb.CellCount()
			return nil
		}); err != nil {
			return err
		}
		if n == 0 {
			return dberr.Corrupt(tail.pgno, "no neighbour entry to replace interior cell")
		}
	}

	var repl xcell
	err = t.withWrite(leafTail.pgno, func(pb *format.PageBuf) error {
		x, err := liftCell(pb, leafTail.idx)
		if err != nil {
			return err
		}
		repl = x
		// The overflow chain transfers to the rebuilt interior cell,
		// so the leaf removal must not free it.
		return pb.RemoveCell(leafTail.idx)
	})
	if err != nil {
		return err
	}

	err = t.withWrite(tail.pgno, func(pb *format.PageBuf) error {
		return pb.RemoveCell(tail.idx)
	})
	if err != nil {
		return err
	}
	if old.overflow != 0 {
		if err := t.freeOverflow(old.overflow); err != nil {
			return err
		}
	}
	cell := format.EncodeIndexInterior(old.leftChild, int(repl.size), repl.local, repl.overflow)
	if err := t.insertCellAt(path, len(path)-1, cell); err != nil {
		return err
	}
	t.gen++
	return nil
}
