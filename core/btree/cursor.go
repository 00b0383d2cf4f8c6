package btree

import (
	"errors"

	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/core/storage/format"
)

// SeekBias selects how a seek resolves when the exact key is absent.
type SeekBias int

const (
	SeekGE SeekBias = iota // smallest entry >= key
	SeekLE                 // largest entry <= key
	SeekEQ                 // exact match only
)

// Cursor is a stable position within a tree. It holds no page pins
// between calls; positions are page number and cell index pairs. After
// the tree mutates under it, the cursor re-seeks to its saved key
// before the next movement, so deletes and splits never strand it.
type Cursor struct {
	t      *Tree
	stack  []frame
	onCell bool // top frame addresses an interior cell (index trees)
	valid  bool

	gen        uint64
	stale      bool
	savedRowid int64
	savedKey   []record.Value
	hasSaved   bool
}

// NewCursor returns an unpositioned cursor on the tree.
func (t *Tree) NewCursor() *Cursor {
	return &Cursor{t: t, gen: t.gen}
}

// Valid reports whether the cursor addresses an entry.
func (c *Cursor) Valid() bool { return c.valid }

func (c *Cursor) snapshot() ([]frame, bool, bool) {
	return append([]frame(nil), c.stack...), c.onCell, c.valid
}

func (c *Cursor) restoreSnapshot(s []frame, onCell, valid bool) {
	c.stack, c.onCell, c.valid = s, onCell, valid
}

// guardPending rolls the cursor back to its pre-call position when the
// underlying read is still in flight, so the caller can retry the same
// call after polling.
func (c *Cursor) guardPending(err error, s []frame, onCell, valid bool) {
	if errors.Is(err, dberr.ErrPending) {
		c.restoreSnapshot(s, onCell, valid)
	}
}

// top returns the current frame.
func (c *Cursor) top() *frame { return &c.stack[len(c.stack)-1] }

func (c *Cursor) pageInfo(pgno uint32) (leaf bool, n int, err error) {
	err = c.t.withPage(pgno, func(pb *format.PageBuf) error {
		leaf = pb.Type().IsLeaf()
		n = pb.CellCount()
		return nil
	})
	return leaf, n, err
}

// First positions at the smallest entry.
func (c *Cursor) First() (bool, error) {
	s, oc, v := c.snapshot()
	ok, err := c.first()
	c.guardPending(err, s, oc, v)
	return ok, err
}

func (c *Cursor) first() (bool, error) {
	path, err := c.t.descendLeftmost(c.t.root)
	if err != nil {
		return false, err
	}
	c.stack, c.onCell = path, false
	c.gen, c.stale = c.t.gen, false
	_, n, err := c.pageInfo(c.top().pgno)
	if err != nil {
		return false, err
	}
	if n == 0 {
		if err := c.ascendNext(); err != nil {
			return false, err
		}
	} else {
		c.valid = true
	}
	if c.valid {
		if err := c.savePosition(); err != nil {
			return false, err
		}
	}
	return c.valid, nil
}

// Last positions at the largest entry.
func (c *Cursor) Last() (bool, error) {
	s, oc, v := c.snapshot()
	ok, err := c.last()
	c.guardPending(err, s, oc, v)
	return ok, err
}

func (c *Cursor) last() (bool, error) {
	path, err := c.t.descendRightmost(c.t.root)
	if err != nil {
		return false, err
	}
	c.stack, c.onCell = path, false
	c.gen, c.stale = c.t.gen, false
	if c.top().idx < 0 {
		if err := c.ascendPrev(); err != nil {
			return false, err
		}
	} else {
		c.valid = true
	}
	if c.valid {
		if err := c.savePosition(); err != nil {
			return false, err
		}
	}
	return c.valid, nil
}

// ascendNext pops exhausted frames and lands on the next entry in
// order: an interior cell for index trees, the leftmost leaf cell of
// the next subtree for table trees. Invalidates at the tree's end.
func (c *Cursor) ascendNext() error {
	c.stack = c.stack[:len(c.stack)-1]
	for len(c.stack) > 0 {
		fr := c.top()
		_, n, err := c.pageInfo(fr.pgno)
		if err != nil {
			return err
		}
		if fr.idx < n {
			if c.t.kind == KindIndex {
				c.onCell = true
				c.valid = true
				return nil
			}
			fr.idx++
			return c.descendNextSubtree()
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	c.valid = false
	return nil
}

// descendNextSubtree descends the pointer the top frame now names and
// settles on its first entry, ascending again if the subtree is empty.
func (c *Cursor) descendNextSubtree() error {
	fr := c.top()
	child, err := c.t.childAt(fr.pgno, fr.idx)
	if err != nil {
		return err
	}
	sub, err := c.t.descendLeftmost(child)
	if err != nil {
		return err
	}
	c.stack = append(c.stack, sub...)
	_, n, err := c.pageInfo(c.top().pgno)
	if err != nil {
		return err
	}
	if n == 0 {
		return c.ascendNext()
	}
	c.valid = true
	return nil
}

func (c *Cursor) ascendPrev() error {
	c.stack = c.stack[:len(c.stack)-1]
	for len(c.stack) > 0 {
		fr := c.top()
		if fr.idx > 0 {
			if c.t.kind == KindIndex {
				fr.idx--
				c.onCell = true
				c.valid = true
				return nil
			}
			fr.idx--
			return c.descendPrevSubtree()
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	c.valid = false
	return nil
}

func (c *Cursor) descendPrevSubtree() error {
	fr := c.top()
	child, err := c.t.childAt(fr.pgno, fr.idx)
	if err != nil {
		return err
	}
	sub, err := c.t.descendRightmost(child)
	if err != nil {
		return err
	}
	c.stack = append(c.stack, sub...)
	if c.top().idx < 0 {
		return c.ascendPrev()
	}
	c.valid = true
	return nil
}

// Next advances to the successor entry.
func (c *Cursor) Next() (bool, error) {
	s, oc, v := c.snapshot()
	ok, err := c.next()
	c.guardPending(err, s, oc, v)
	return ok, err
}

func (c *Cursor) next() (bool, error) {
	if !c.valid && !c.stale {
		return false, nil
	}
	if c.stale || c.gen != c.t.gen {
		exact, err := c.restorePosition()
		if err != nil {
			return false, err
		}
		if !exact {
			// The saved entry is gone; the restore already landed on
			// its successor.
			if c.valid {
				return true, c.savePosition()
			}
			return false, nil
		}
	}
	if err := c.stepNext(); err != nil {
		return false, err
	}
	if c.valid {
		return true, c.savePosition()
	}
	return false, nil
}

func (c *Cursor) stepNext() error {
	if c.onCell {
		c.onCell = false
		c.top().idx++
		return c.descendNextSubtree()
	}
	fr := c.top()
	_, n, err := c.pageInfo(fr.pgno)
	if err != nil {
		return err
	}
	fr.idx++
	if fr.idx < n {
		return nil
	}
	return c.ascendNext()
}

// Prev steps to the predecessor entry.
func (c *Cursor) Prev() (bool, error) {
	s, oc, v := c.snapshot()
	ok, err := c.prev()
	c.guardPending(err, s, oc, v)
	return ok, err
}

func (c *Cursor) prev() (bool, error) {
	if !c.valid && !c.stale {
		return false, nil
	}
	if c.stale || c.gen != c.t.gen {
		if _, err := c.restorePosition(); err != nil {
			return false, err
		}
		if !c.valid {
			// Saved key past the end of the tree: predecessor is the
			// last entry.
			return c.last()
		}
		// Whether the restore found the entry or its successor, one
		// step back reaches the predecessor of the saved key.
	}
	if err := c.stepPrev(); err != nil {
		return false, err
	}
	if c.valid {
		return true, c.savePosition()
	}
	return false, nil
}

func (c *Cursor) stepPrev() error {
	if c.onCell {
		c.onCell = false
		return c.descendPrevSubtree()
	}
	fr := c.top()
	fr.idx--
	if fr.idx >= 0 {
		c.valid = true
		return nil
	}
	return c.ascendPrev()
}

// SeekRowid positions relative to rowid in a table tree.
func (c *Cursor) SeekRowid(rowid int64, bias SeekBias) (bool, error) {
	s, oc, v := c.snapshot()
	ok, err := c.seekRowid(rowid, bias)
	c.guardPending(err, s, oc, v)
	return ok, err
}

func (c *Cursor) seekRowid(rowid int64, bias SeekBias) (bool, error) {
	path, exact, err := c.t.descendRowid(rowid)
	if err != nil {
		return false, err
	}
	c.stack, c.onCell = path, false
	c.gen, c.stale = c.t.gen, false
	_, n, err := c.pageInfo(c.top().pgno)
	if err != nil {
		return false, err
	}
	if c.top().idx >= n {
		if err := c.ascendNext(); err != nil {
			return false, err
		}
	} else {
		c.valid = true
	}
	return c.resolveBias(exact, bias)
}

// SeekKey positions relative to the probe values in an index tree. A
// probe shorter than the stored records matches on its prefix.
func (c *Cursor) SeekKey(probe []record.Value, bias SeekBias) (bool, error) {
	s, oc, v := c.snapshot()
	ok, err := c.seekKey(probe, bias)
	c.guardPending(err, s, oc, v)
	return ok, err
}

func (c *Cursor) seekKey(probe []record.Value, bias SeekBias) (bool, error) {
	path, exact, err := c.t.descendKey(probe)
	if err != nil {
		return false, err
	}
	c.stack, c.onCell = path, false
	c.gen, c.stale = c.t.gen, false
	_, n, err := c.pageInfo(c.top().pgno)
	if err != nil {
		return false, err
	}
	if c.top().idx >= n {
		if err := c.ascendNext(); err != nil {
			return false, err
		}
	} else {
		c.valid = true
	}
	// Equality can surface on an interior cell the descent passed
	// through; the landing position is that cell, so test it directly.
	if !exact && c.valid {
		rec, err := c.Payload()
		if err != nil {
			return false, err
		}
		cmp, err := c.t.info.CompareRecord(rec, probe)
		if err != nil {
			return false, err
		}
		exact = cmp == 0
	}
	return c.resolveBias(exact, bias)
}

// resolveBias finishes a seek that landed on the first entry >= key.
func (c *Cursor) resolveBias(exact bool, bias SeekBias) (bool, error) {
	switch bias {
	case SeekGE:
	case SeekEQ:
		if !exact {
			c.valid = false
			return false, nil
		}
	case SeekLE:
		if !exact {
			if c.valid {
				if err := c.stepPrev(); err != nil {
					return false, err
				}
			} else {
				if _, err := c.last(); err != nil {
					return false, err
				}
			}
		}
	}
	if c.valid {
		if err := c.savePosition(); err != nil {
			return false, err
		}
	}
	return exact, nil
}

// currentCell parses the cell under the cursor.
func (c *Cursor) currentCell() (format.Cell, error) {
	if !c.valid {
		return format.Cell{}, dberr.ErrKeyNotFound
	}
	fr := c.top()
	var cell format.Cell
	err := c.t.withPage(fr.pgno, func(pb *format.PageBuf) error {
		cc, err := pb.ParseCell(fr.idx)
		if err != nil {
			return err
		}
		// Payload references the page buffer; copy it out so the cell
		// survives the unpin.
		cc.Payload = append([]byte(nil), cc.Payload...)
		cell = cc
		return nil
	})
	return cell, err
}

// Rowid returns the rowid under a table cursor.
func (c *Cursor) Rowid() (int64, error) {
	cell, err := c.currentCell()
	if err != nil {
		return 0, err
	}
	return cell.Rowid, nil
}

// Payload returns the full record under the cursor, overflow included.
func (c *Cursor) Payload() ([]byte, error) {
	cell, err := c.currentCell()
	if err != nil {
		return nil, err
	}
	return c.t.readPayload(cell)
}

// Delete removes the entry under the cursor. The cursor becomes a
// pending position: the following Next lands on the successor of the
// deleted entry, Prev on its predecessor.
func (c *Cursor) Delete() error {
	if !c.valid {
		return dberr.ErrKeyNotFound
	}
	if err := c.savePosition(); err != nil {
		return err
	}
	var err error
	if c.onCell {
		err = c.t.deleteInteriorAt(c.stack)
	} else {
		err = c.t.deleteLeafAt(c.stack)
	}
	if err != nil {
		return err
	}
	c.valid = false
	c.onCell = false
	c.stale = true
	return nil
}

// savePosition records the current key so the cursor can re-seek after
// the tree changes shape.
func (c *Cursor) savePosition() error {
	if c.t.kind == KindTable {
		rowid, err := c.Rowid()
		if err != nil {
			return err
		}
		c.savedRowid = rowid
	} else {
		rec, err := c.Payload()
		if err != nil {
			return err
		}
		vals, err := record.Decode(rec)
		if err != nil {
			return err
		}
		c.savedKey = vals
	}
	c.hasSaved = true
	return nil
}

// restorePosition re-seeks to the saved key, landing on it or its
// successor. Reports whether the exact entry was found.
func (c *Cursor) restorePosition() (bool, error) {
	if !c.hasSaved {
		c.valid = false
		c.stale = false
		return false, nil
	}
	if c.t.kind == KindTable {
		return c.seekRowid(c.savedRowid, SeekGE)
	}
	return c.seekKey(c.savedKey, SeekGE)
}
