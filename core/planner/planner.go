package planner

import (
	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/schema"
	"github.com/quarrydb/quarry/core/vdbe"
	"github.com/quarrydb/quarry/sql/ast"
)

// IsDDL reports whether stmt mutates the catalog and must run through
// ExecuteDDL instead of a compiled program.
func IsDDL(stmt ast.Statement) bool {
	switch s := stmt.(type) {
	case *ast.CreateTable, *ast.CreateIndex, *ast.DropTable, *ast.DropIndex:
		return true
	case *ast.Explain:
		return IsDDL(s.Stmt)
	}
	return false
}

// Compile translates a parsed statement into a program against the
// given catalog snapshot. The program embeds the schema cookie it was
// compiled under; running it against a changed schema fails with
// ErrSchemaChanged so the caller can re-prepare.
func Compile(cat *schema.Schema, stmt ast.Statement, sql string, nParams int) (*vdbe.Program, error) {
	c := newCompiler(cat, nParams)
	switch s := stmt.(type) {
	case *ast.Explain:
		return Compile(cat, s.Stmt, sql, nParams)

	case *ast.Select:
		return c.compileSelect(s, sql)
	case *ast.Insert:
		return c.compileInsert(s, sql)
	case *ast.Update:
		return c.compileUpdate(s, sql)
	case *ast.Delete:
		return c.compileDelete(s, sql)

	case *ast.Begin:
		imm := 0
		if s.Immediate {
			imm = 1
		}
		c.emit(vdbe.Instr{Op: vdbe.OpTransaction, P1: imm, P2: int(cat.Cookie), P5: vdbe.TxnExplicit})
		c.emit(vdbe.Instr{Op: vdbe.OpHalt})
		return c.finish(sql), nil
	case *ast.Commit:
		c.emit(vdbe.Instr{Op: vdbe.OpCommit})
		c.emit(vdbe.Instr{Op: vdbe.OpHalt})
		return c.finish(sql), nil
	case *ast.Rollback:
		c.emit(vdbe.Instr{Op: vdbe.OpRollback, P4: s.To})
		c.emit(vdbe.Instr{Op: vdbe.OpHalt})
		return c.finish(sql), nil
	case *ast.Savepoint:
		c.emit(vdbe.Instr{Op: vdbe.OpSavepoint, P1: vdbe.SavepointBegin, P4: s.Name})
		c.emit(vdbe.Instr{Op: vdbe.OpHalt})
		return c.finish(sql), nil
	case *ast.Release:
		c.emit(vdbe.Instr{Op: vdbe.OpSavepoint, P1: vdbe.SavepointRelease, P4: s.Name})
		c.emit(vdbe.Instr{Op: vdbe.OpHalt})
		return c.finish(sql), nil
	}
	return nil, dberr.Compile("statement cannot be compiled, use ExecuteDDL")
}
