// Package planner compiles parsed statements into virtual machine
// programs: name binding, constant folding, access path selection, and
// code generation. DDL statements are not compiled; they execute as
// catalog mutations through ExecuteDDL.
package planner

import (
	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/core/schema"
	"github.com/quarrydb/quarry/core/vdbe"
	"github.com/quarrydb/quarry/sql/ast"
)

// compiler accumulates one program. Registers and cursors are
// allocated monotonically; labels are backpatched at finish.
type compiler struct {
	cat    *schema.Schema
	instrs []vdbe.Instr
	nextReg    int
	nextCursor int
	nParams    int
	writes     bool
	columns    []string

	// scope is the single table in FROM, with its cursor.
	tbl       *schema.Table
	tblAlias  string
	tblCursor int
}

func newCompiler(cat *schema.Schema, nParams int) *compiler {
	return &compiler{cat: cat, nParams: nParams, nextReg: nParams, tblCursor: -1}
}

// allocReg returns a fresh register.
func (c *compiler) allocReg() int {
	c.nextReg++
	return c.nextReg
}

func (c *compiler) allocRegs(n int) int {
	base := c.nextReg + 1
	c.nextReg += n
	return base
}

func (c *compiler) allocCursor() int {
	id := c.nextCursor
	c.nextCursor++
	return id
}

// emit appends an instruction and returns its address.
func (c *compiler) emit(in vdbe.Instr) int {
	c.instrs = append(c.instrs, in)
	return len(c.instrs) - 1
}

// here is the address of the next instruction to be emitted.
func (c *compiler) here() int { return len(c.instrs) }

// patch sets the jump target of the instruction at addr.
func (c *compiler) patch(addr, target int) {
	c.instrs[addr].P2 = target
}

func (c *compiler) finish(sql string) *vdbe.Program {
	return &vdbe.Program{
		Instrs:     c.instrs,
		NumRegs:    c.nextReg,
		NumCursors: c.nextCursor,
		NumParams:  c.nParams,
		Cookie:     c.cat.Cookie,
		Writes:     c.writes,
		Columns:    c.columns,
		SQL:        sql,
	}
}

// resolveTable binds the FROM table into scope.
func (c *compiler) resolveTable(ref *ast.TableRef) error {
	tbl, ok := c.cat.Table(ref.Name)
	if !ok {
		return compileAt(ref.P, "no such table: %s", ref.Name)
	}
	c.tbl = tbl
	c.tblAlias = ref.Alias
	return nil
}

// resolveColumn maps a column reference to its position in the bound
// table, with -1 meaning the rowid (alias column or the rowid name).
func (c *compiler) resolveColumn(col *ast.ColumnRef) (int, error) {
	if c.tbl == nil {
		return 0, compileAt(col.P, "no such column: %s", col.Name)
	}
	if col.Table != "" && !nameMatches(col.Table, c.tbl.Name, c.tblAlias) {
		return 0, compileAt(col.P, "no such column: %s.%s", col.Table, col.Name)
	}
	if i := c.tbl.Column(col.Name); i >= 0 {
		if i == c.tbl.RowidPK {
			return -1, nil
		}
		return i, nil
	}
	if isRowidName(col.Name) {
		return -1, nil
	}
	return 0, compileAt(col.P, "no such column: %s", col.Name)
}

func compileAt(p ast.Pos, format string, args ...any) error {
	err := dberr.Compile(format, args...).(*dberr.CompileError)
	err.Offset = p.Offset
	return err
}

func nameMatches(ref, name, alias string) bool {
	return equalFold(ref, name) || (alias != "" && equalFold(ref, alias))
}

func isRowidName(name string) bool {
	return equalFold(name, "rowid") || equalFold(name, "_rowid_") || equalFold(name, "oid")
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// columnAffinity is the affinity of a resolved column, integer for the
// rowid.
func (c *compiler) columnAffinity(pos int) record.Affinity {
	if pos < 0 {
		return record.AffinityInteger
	}
	return c.tbl.Columns[pos].Affinity
}

// columnCollation is the collation of a resolved column.
func (c *compiler) columnCollation(pos int) record.Collation {
	if pos < 0 {
		return record.CollBinary
	}
	return c.tbl.Columns[pos].Collation
}

// emitColumn loads a table column into dst, translating the rowid
// alias to the cursor's key.
func (c *compiler) emitColumn(pos, dst int) {
	if pos < 0 {
		c.emit(vdbe.Instr{Op: vdbe.OpRowId, P1: c.tblCursor, P2: dst})
		return
	}
	c.emit(vdbe.Instr{Op: vdbe.OpColumn, P1: c.tblCursor, P2: pos, P3: dst})
}
