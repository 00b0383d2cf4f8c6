package planner

import (
	"github.com/quarrydb/quarry/core/vdbe"
	"github.com/quarrydb/quarry/sql/ast"
)

// scanLoop drives one pass over the bound table along the chosen
// access path. perRow emits the body at the row-accept point; jumps it
// appends to cont skip to the next row. The residual WHERE is always
// re-evaluated per row, so probe terms are purely an optimization.
func (c *compiler) scanLoop(p accessPath, where ast.Expr, write bool, perRow func(cont *[]int) error) error {
	openOp := vdbe.OpOpenRead
	if write {
		openOp = vdbe.OpOpenWrite
	}
	c.tblCursor = c.allocCursor()
	c.emit(vdbe.Instr{Op: openOp, P1: c.tblCursor, P2: int(c.tbl.Root), Comment: c.tbl.Name})

	var endJumps, contJumps []int

	switch {
	case p.index == nil && len(p.eq) == 1:
		// Single rowid lookup.
		r := c.allocReg()
		if err := c.compileExpr(p.eq[0], r); err != nil {
			return err
		}
		endJumps = append(endJumps, c.emit(vdbe.Instr{Op: vdbe.OpNotExists, P1: c.tblCursor, P3: r}))
		if where != nil {
			if err := c.condFalse(where, &contJumps); err != nil {
				return err
			}
		}
		if err := perRow(&contJumps); err != nil {
			return err
		}
		// No loop: skipping the row is the same as finishing.
		endJumps = append(endJumps, contJumps...)

	case p.index != nil:
		if err := c.indexLoop(p, where, &endJumps, perRow); err != nil {
			return err
		}

	default:
		if err := c.tableLoop(p, where, &endJumps, perRow); err != nil {
			return err
		}
	}

	for _, a := range endJumps {
		c.patch(a, c.here())
	}
	return nil
}

func (c *compiler) indexLoop(p accessPath, where ast.Expr, endJumps *[]int, perRow func(cont *[]int) error) error {
	ix := p.index
	meta := &vdbe.CursorMeta{KeyInfo: ix.KeyInfo}
	for _, ic := range ix.Columns {
		meta.Affinities = append(meta.Affinities, c.columnAffinity(c.tbl.Column(ic.Name)))
	}
	icur := c.allocCursor()
	c.emit(vdbe.Instr{Op: vdbe.OpOpenRead, P1: icur, P2: int(ix.Root), P4: meta, Comment: ix.Name})

	nEq := len(p.eq)
	seekBase := c.allocRegs(nEq + 1)
	endBase := c.allocRegs(nEq + 1)
	for i, e := range p.eq {
		if err := c.compileExpr(e, seekBase+i); err != nil {
			return err
		}
		c.emit(vdbe.Instr{Op: vdbe.OpCopy, P1: seekBase + i, P2: endBase + i})
	}

	// With a descending scan the roles of the bounds swap: the scan
	// starts at the upper bound and terminates below the lower one.
	start, stop := p.lo, p.hi
	if p.desc {
		start, stop = p.hi, p.lo
	}
	seekN, endN := nEq, nEq
	if start != nil {
		if err := c.compileExpr(start.expr, seekBase+nEq); err != nil {
			return err
		}
		seekN++
	}
	if stop != nil {
		if err := c.compileExpr(stop.expr, endBase+nEq); err != nil {
			return err
		}
		endN++
	}

	if seekN > 0 {
		op := vdbe.OpSeekGE
		if p.desc {
			op = vdbe.OpSeekLE
			if start != nil && start.strict {
				op = vdbe.OpSeekLT
			}
		} else if start != nil && start.strict {
			op = vdbe.OpSeekGT
		}
		*endJumps = append(*endJumps, c.emit(vdbe.Instr{Op: op, P1: icur, P3: seekBase, P4: seekN}))
	} else {
		op := vdbe.OpRewind
		if p.desc {
			op = vdbe.OpLast
		}
		*endJumps = append(*endJumps, c.emit(vdbe.Instr{Op: op, P1: icur}))
	}

	loopTop := c.here()
	if endN > 0 {
		var op vdbe.Opcode
		if p.desc {
			op = vdbe.OpIdxLT
			if stop != nil && stop.strict {
				op = vdbe.OpIdxLE
			}
		} else {
			op = vdbe.OpIdxGT
			if stop != nil && stop.strict {
				op = vdbe.OpIdxGE
			}
		}
		*endJumps = append(*endJumps, c.emit(vdbe.Instr{Op: op, P1: icur, P3: endBase, P4: endN}))
	}

	var contJumps []int
	rrow := c.allocReg()
	c.emit(vdbe.Instr{Op: vdbe.OpIdxRowid, P1: icur, P2: rrow})
	contJumps = append(contJumps, c.emit(vdbe.Instr{Op: vdbe.OpNotExists, P1: c.tblCursor, P3: rrow}))
	if where != nil {
		if err := c.condFalse(where, &contJumps); err != nil {
			return err
		}
	}
	if err := perRow(&contJumps); err != nil {
		return err
	}

	for _, a := range contJumps {
		c.patch(a, c.here())
	}
	advance := vdbe.OpNext
	if p.desc {
		advance = vdbe.OpPrev
	}
	c.emit(vdbe.Instr{Op: advance, P1: icur, P2: loopTop})
	return nil
}

func (c *compiler) tableLoop(p accessPath, where ast.Expr, endJumps *[]int, perRow func(cont *[]int) error) error {
	start, stop := p.lo, p.hi
	if p.desc {
		start, stop = p.hi, p.lo
	}

	var rStop int
	if stop != nil {
		rStop = c.allocReg()
		if err := c.compileExpr(stop.expr, rStop); err != nil {
			return err
		}
	}

	if start != nil {
		r := c.allocReg()
		if err := c.compileExpr(start.expr, r); err != nil {
			return err
		}
		op := vdbe.OpSeekGE
		if p.desc {
			op = vdbe.OpSeekLE
			if start.strict {
				op = vdbe.OpSeekLT
			}
		} else if start.strict {
			op = vdbe.OpSeekGT
		}
		*endJumps = append(*endJumps, c.emit(vdbe.Instr{Op: op, P1: c.tblCursor, P3: r}))
	} else {
		op := vdbe.OpRewind
		if p.desc {
			op = vdbe.OpLast
		}
		*endJumps = append(*endJumps, c.emit(vdbe.Instr{Op: op, P1: c.tblCursor}))
	}

	loopTop := c.here()
	if stop != nil {
		rr := c.allocReg()
		c.emit(vdbe.Instr{Op: vdbe.OpRowId, P1: c.tblCursor, P2: rr})
		var op vdbe.Opcode
		if p.desc {
			op = vdbe.OpLt
			if stop.strict {
				op = vdbe.OpLe
			}
		} else {
			op = vdbe.OpGt
			if stop.strict {
				op = vdbe.OpGe
			}
		}
		*endJumps = append(*endJumps, c.emit(vdbe.Instr{Op: op, P1: rr, P3: rStop}))
	}

	var contJumps []int
	if where != nil {
		if err := c.condFalse(where, &contJumps); err != nil {
			return err
		}
	}
	if err := perRow(&contJumps); err != nil {
		return err
	}
	for _, a := range contJumps {
		c.patch(a, c.here())
	}
	advance := vdbe.OpNext
	if p.desc {
		advance = vdbe.OpPrev
	}
	c.emit(vdbe.Instr{Op: advance, P1: c.tblCursor, P2: loopTop})
	return nil
}
