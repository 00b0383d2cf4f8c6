package planner

import (
	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/core/schema"
	"github.com/quarrydb/quarry/core/vdbe"
	"github.com/quarrydb/quarry/sql/ast"
)

func (c *compiler) tableAffinities() []record.Affinity {
	affs := make([]record.Affinity, len(c.tbl.Columns))
	for i, col := range c.tbl.Columns {
		affs[i] = col.Affinity
	}
	return affs
}

// indexAffinities covers the key columns plus the trailing rowid.
func (c *compiler) indexAffinities(ix *schema.Index) []record.Affinity {
	affs := make([]record.Affinity, 0, len(ix.Columns)+1)
	for _, ic := range ix.Columns {
		affs = append(affs, c.columnAffinity(c.tbl.Column(ic.Name)))
	}
	return append(affs, record.AffinityInteger)
}

// constraintKind distinguishes the automatic index backing a declared
// PRIMARY KEY from ordinary unique indexes.
func (c *compiler) constraintKind(ix *schema.Index) dberr.ConstraintKind {
	if c.tbl.RowidPK < 0 && equalFold(ix.Name, schema.AutoIndexName(c.tbl.Name, 1)) {
		for _, col := range c.tbl.Columns {
			if col.PrimaryKey {
				return dberr.ConstraintPrimaryKey
			}
		}
	}
	return dberr.ConstraintUnique
}

// emitIndexKey copies the key columns and the rowid into a contiguous
// register block so MakeRecord can encode them. colReg maps a column
// position to the register holding its value.
func (c *compiler) emitIndexKey(ix *schema.Index, keyBase, rRowid int, colReg func(pos int) int) error {
	for j, ic := range ix.Columns {
		pos := c.tbl.Column(ic.Name)
		if pos < 0 {
			return dberr.Compile("index %s references unknown column %s", ix.Name, ic.Name)
		}
		src := colReg(pos)
		if pos == c.tbl.RowidPK {
			src = rRowid
		}
		c.emit(vdbe.Instr{Op: vdbe.OpCopy, P1: src, P2: keyBase + j})
	}
	c.emit(vdbe.Instr{Op: vdbe.OpCopy, P1: rRowid, P2: keyBase + len(ix.Columns)})
	return nil
}

// emitUniqueCheck probes icur for an entry with the same key. Rows with
// a NULL in any key column never conflict. When selfRowid is set, a hit
// whose rowid equals r[selfRowid] is the row being replaced and passes.
func (c *compiler) emitUniqueCheck(ix *schema.Index, icur, keyBase, selfRowid int) {
	nk := len(ix.Columns)
	var okJumps []int
	for j := 0; j < nk; j++ {
		okJumps = append(okJumps, c.emit(vdbe.Instr{Op: vdbe.OpIsNull, P1: keyBase + j}))
	}
	okJumps = append(okJumps, c.emit(vdbe.Instr{Op: vdbe.OpNotFound, P1: icur, P3: keyBase, P4: nk}))
	if selfRowid > 0 {
		rfr := c.allocReg()
		c.emit(vdbe.Instr{Op: vdbe.OpIdxRowid, P1: icur, P2: rfr})
		okJumps = append(okJumps, c.emit(vdbe.Instr{Op: vdbe.OpEq, P1: rfr, P3: selfRowid}))
	}
	cerr := &dberr.ConstraintError{Kind: c.constraintKind(ix), Table: c.tbl.Name}
	if nk == 1 {
		cerr.Column = ix.Columns[0].Name
	}
	c.emit(vdbe.Instr{Op: vdbe.OpHalt, P1: 1, P4: cerr, Comment: ix.Name})
	for _, a := range okJumps {
		c.patch(a, c.here())
	}
}

func (c *compiler) openIndexWrite(ix *schema.Index) int {
	meta := &vdbe.CursorMeta{KeyInfo: ix.KeyInfo}
	for _, ic := range ix.Columns {
		meta.Affinities = append(meta.Affinities, c.columnAffinity(c.tbl.Column(ic.Name)))
	}
	icur := c.allocCursor()
	c.emit(vdbe.Instr{Op: vdbe.OpOpenWrite, P1: icur, P2: int(ix.Root), P4: meta, Comment: ix.Name})
	return icur
}

func (c *compiler) compileInsert(s *ast.Insert, sql string) (*vdbe.Program, error) {
	c.writes = true
	c.emit(vdbe.Instr{Op: vdbe.OpTransaction, P1: 1, P2: int(c.cat.Cookie)})
	if err := c.resolveTable(s.Table); err != nil {
		return nil, err
	}
	tbl := c.tbl
	ncol := len(tbl.Columns)

	// Map each target column to its position, with -1 meaning the rowid.
	var targets []int
	if len(s.Columns) == 0 {
		for i := range tbl.Columns {
			if i == tbl.RowidPK {
				targets = append(targets, -1)
			} else {
				targets = append(targets, i)
			}
		}
	} else {
		seen := make(map[int]bool)
		for _, name := range s.Columns {
			pos := tbl.Column(name)
			if pos == tbl.RowidPK || (pos < 0 && isRowidName(name)) {
				pos = -1
			} else if pos < 0 {
				return nil, compileAt(s.P, "table %s has no column named %s", tbl.Name, name)
			}
			if seen[pos] {
				return nil, compileAt(s.P, "duplicate column name: %s", name)
			}
			seen[pos] = true
			targets = append(targets, pos)
		}
	}
	for _, row := range s.Rows {
		if len(row) != len(targets) {
			return nil, compileAt(s.P, "%d values for %d columns", len(row), len(targets))
		}
	}

	c.tblCursor = c.allocCursor()
	c.emit(vdbe.Instr{Op: vdbe.OpOpenWrite, P1: c.tblCursor, P2: int(tbl.Root), Comment: tbl.Name})
	icurs := make([]int, len(tbl.Indexes))
	for i, ix := range tbl.Indexes {
		icurs[i] = c.openIndexWrite(ix)
	}

	rRowid := c.allocReg()
	base := c.allocRegs(ncol)
	rRec := c.allocReg()
	keyBases := make([]int, len(tbl.Indexes))
	keyRecs := make([]int, len(tbl.Indexes))
	for i, ix := range tbl.Indexes {
		keyBases[i] = c.allocRegs(len(ix.Columns) + 1)
		keyRecs[i] = c.allocReg()
	}

	// Columns absent from the target list take their defaults once;
	// each row only overwrites the targeted registers.
	provided := make(map[int]bool)
	for _, pos := range targets {
		provided[pos] = true
	}
	for i, col := range tbl.Columns {
		if provided[i] && i != tbl.RowidPK {
			continue
		}
		if i == tbl.RowidPK || col.Default == nil {
			c.emit(vdbe.Instr{Op: vdbe.OpNull, P1: 0, P2: base + i})
			continue
		}
		def, err := c.bindExpr(col.Default)
		if err != nil {
			return nil, err
		}
		if err := c.compileExpr(def, base+i); err != nil {
			return nil, err
		}
	}

	rowidTarget := -1
	for i, pos := range targets {
		if pos == -1 {
			rowidTarget = i
		}
	}

	for _, row := range s.Rows {
		for i, pos := range targets {
			e, err := c.bindExpr(row[i])
			if err != nil {
				return nil, err
			}
			dst := base + pos
			if pos == -1 {
				dst = rRowid
			}
			if err := c.compileExpr(e, dst); err != nil {
				return nil, err
			}
		}

		if rowidTarget >= 0 {
			// A NULL rowid value asks for automatic assignment; an
			// explicit one must not collide with an existing row.
			have := c.emit(vdbe.Instr{Op: vdbe.OpNotNull, P1: rRowid})
			c.emit(vdbe.Instr{Op: vdbe.OpNewRowid, P1: c.tblCursor, P2: rRowid})
			skip := c.emit(vdbe.Instr{Op: vdbe.OpGoto})
			c.patch(have, c.here())
			ok := c.emit(vdbe.Instr{Op: vdbe.OpNotExists, P1: c.tblCursor, P3: rRowid})
			c.emit(vdbe.Instr{Op: vdbe.OpHalt, P1: 1, P4: &dberr.ConstraintError{
				Kind: dberr.ConstraintPrimaryKey, Table: tbl.Name, Column: rowidColumnName(tbl),
			}})
			c.patch(ok, c.here())
			c.patch(skip, c.here())
		} else {
			c.emit(vdbe.Instr{Op: vdbe.OpNewRowid, P1: c.tblCursor, P2: rRowid})
		}

		for i, col := range tbl.Columns {
			if col.NotNull && i != tbl.RowidPK {
				c.emit(vdbe.Instr{Op: vdbe.OpHaltIfNull, P3: base + i, P4: &dberr.ConstraintError{
					Kind: dberr.ConstraintNotNull, Table: tbl.Name, Column: col.Name,
				}})
			}
		}

		for i, ix := range tbl.Indexes {
			if err := c.emitIndexKey(ix, keyBases[i], rRowid, func(pos int) int { return base + pos }); err != nil {
				return nil, err
			}
			if ix.Unique {
				c.emitUniqueCheck(ix, icurs[i], keyBases[i], 0)
			}
			c.emit(vdbe.Instr{Op: vdbe.OpMakeRecord, P1: keyBases[i], P2: len(ix.Columns) + 1,
				P3: keyRecs[i], P4: c.indexAffinities(ix)})
			c.emit(vdbe.Instr{Op: vdbe.OpIdxInsert, P1: icurs[i], P2: keyRecs[i]})
		}

		c.emit(vdbe.Instr{Op: vdbe.OpMakeRecord, P1: base, P2: ncol, P3: rRec, P4: c.tableAffinities()})
		c.emit(vdbe.Instr{Op: vdbe.OpInsert, P1: c.tblCursor, P2: rRec, P3: rRowid, Comment: tbl.Name})
	}

	c.emit(vdbe.Instr{Op: vdbe.OpHalt})
	return c.finish(sql), nil
}

func rowidColumnName(tbl *schema.Table) string {
	if tbl.RowidPK >= 0 {
		return tbl.Columns[tbl.RowidPK].Name
	}
	return "rowid"
}

func (c *compiler) compileUpdate(s *ast.Update, sql string) (*vdbe.Program, error) {
	c.writes = true
	c.emit(vdbe.Instr{Op: vdbe.OpTransaction, P1: 1, P2: int(c.cat.Cookie)})
	if err := c.resolveTable(s.Table); err != nil {
		return nil, err
	}
	tbl := c.tbl
	ncol := len(tbl.Columns)

	assigned := make(map[int]ast.Expr, len(s.Sets))
	for _, set := range s.Sets {
		pos := tbl.Column(set.Column)
		if pos < 0 && !isRowidName(set.Column) {
			return nil, compileAt(s.P, "no such column: %s", set.Column)
		}
		if pos < 0 || pos == tbl.RowidPK {
			return nil, compileAt(s.P, "cannot update column %s: rowid values are immutable", set.Column)
		}
		if _, dup := assigned[pos]; dup {
			return nil, compileAt(s.P, "duplicate column name: %s", set.Column)
		}
		val, err := c.bindExpr(set.Value)
		if err != nil {
			return nil, err
		}
		assigned[pos] = val
	}

	where, err := c.bindExpr(s.Where)
	if err != nil {
		return nil, err
	}

	// Only indexes covering an assigned column need their entries
	// rewritten; the rowid never changes.
	var touched []*schema.Index
	for _, ix := range tbl.Indexes {
		for _, ic := range ix.Columns {
			if _, ok := assigned[tbl.Column(ic.Name)]; ok {
				touched = append(touched, ix)
				break
			}
		}
	}

	terms := c.extractTerms(conjuncts(where, nil))
	// Scanning in rowid order keeps the loop clear of the index entries
	// it rewrites.
	path := c.pathFor(terms, nil, true)

	icurs := make([]int, len(touched))
	for i, ix := range touched {
		icurs[i] = c.openIndexWrite(ix)
	}

	perRow := func(cont *[]int) error {
		rRowid := c.allocReg()
		c.emit(vdbe.Instr{Op: vdbe.OpRowId, P1: c.tblCursor, P2: rRowid})

		oldBase := c.allocRegs(ncol)
		newBase := c.allocRegs(ncol)
		for i := 0; i < ncol; i++ {
			c.emit(vdbe.Instr{Op: vdbe.OpColumn, P1: c.tblCursor, P2: i, P3: oldBase + i})
			c.emit(vdbe.Instr{Op: vdbe.OpCopy, P1: oldBase + i, P2: newBase + i})
		}
		for _, pa := range orderedAssignments(assigned) {
			if err := c.compileExpr(pa.expr, newBase+pa.pos); err != nil {
				return err
			}
			col := tbl.Columns[pa.pos]
			if col.NotNull {
				c.emit(vdbe.Instr{Op: vdbe.OpHaltIfNull, P3: newBase + pa.pos, P4: &dberr.ConstraintError{
					Kind: dberr.ConstraintNotNull, Table: tbl.Name, Column: col.Name,
				}})
			}
		}

		for i, ix := range touched {
			nk := len(ix.Columns)
			newKey := c.allocRegs(nk + 1)
			if err := c.emitIndexKey(ix, newKey, rRowid, func(pos int) int { return newBase + pos }); err != nil {
				return err
			}
			if ix.Unique {
				c.emitUniqueCheck(ix, icurs[i], newKey, rRowid)
			}
			oldKey := c.allocRegs(nk + 1)
			if err := c.emitIndexKey(ix, oldKey, rRowid, func(pos int) int { return oldBase + pos }); err != nil {
				return err
			}
			c.emit(vdbe.Instr{Op: vdbe.OpIdxDelete, P1: icurs[i], P3: oldKey, P4: nk + 1})
			rKey := c.allocReg()
			c.emit(vdbe.Instr{Op: vdbe.OpMakeRecord, P1: newKey, P2: nk + 1, P3: rKey, P4: c.indexAffinities(ix)})
			c.emit(vdbe.Instr{Op: vdbe.OpIdxInsert, P1: icurs[i], P2: rKey})
		}

		rRec := c.allocReg()
		c.emit(vdbe.Instr{Op: vdbe.OpMakeRecord, P1: newBase, P2: ncol, P3: rRec, P4: c.tableAffinities()})
		c.emit(vdbe.Instr{Op: vdbe.OpInsert, P1: c.tblCursor, P2: rRec, P3: rRowid, Comment: tbl.Name})
		return nil
	}

	if err := c.scanLoop(path, where, true, perRow); err != nil {
		return nil, err
	}
	c.emit(vdbe.Instr{Op: vdbe.OpHalt})
	return c.finish(sql), nil
}

type posExpr struct {
	pos  int
	expr ast.Expr
}

// orderedAssignments walks SET targets in column order for stable
// code generation.
func orderedAssignments(m map[int]ast.Expr) []posExpr {
	out := make([]posExpr, 0, len(m))
	for pos := 0; len(out) < len(m); pos++ {
		if e, ok := m[pos]; ok {
			out = append(out, posExpr{pos, e})
		}
	}
	return out
}

func (c *compiler) compileDelete(s *ast.Delete, sql string) (*vdbe.Program, error) {
	c.writes = true
	c.emit(vdbe.Instr{Op: vdbe.OpTransaction, P1: 1, P2: int(c.cat.Cookie)})
	if err := c.resolveTable(s.Table); err != nil {
		return nil, err
	}
	tbl := c.tbl

	where, err := c.bindExpr(s.Where)
	if err != nil {
		return nil, err
	}
	terms := c.extractTerms(conjuncts(where, nil))
	path := c.pathFor(terms, nil, true)

	icurs := make([]int, len(tbl.Indexes))
	for i, ix := range tbl.Indexes {
		icurs[i] = c.openIndexWrite(ix)
	}

	perRow := func(cont *[]int) error {
		rRowid := c.allocReg()
		c.emit(vdbe.Instr{Op: vdbe.OpRowId, P1: c.tblCursor, P2: rRowid})
		base := c.allocRegs(len(tbl.Columns))
		for i := range tbl.Columns {
			c.emit(vdbe.Instr{Op: vdbe.OpColumn, P1: c.tblCursor, P2: i, P3: base + i})
		}
		for i, ix := range tbl.Indexes {
			nk := len(ix.Columns)
			key := c.allocRegs(nk + 1)
			if err := c.emitIndexKey(ix, key, rRowid, func(pos int) int { return base + pos }); err != nil {
				return err
			}
			c.emit(vdbe.Instr{Op: vdbe.OpIdxDelete, P1: icurs[i], P3: key, P4: nk + 1})
		}
		c.emit(vdbe.Instr{Op: vdbe.OpDelete, P1: c.tblCursor, Comment: tbl.Name})
		return nil
	}

	if err := c.scanLoop(path, where, true, perRow); err != nil {
		return nil, err
	}
	c.emit(vdbe.Instr{Op: vdbe.OpHalt})
	return c.finish(sql), nil
}
