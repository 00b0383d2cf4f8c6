package planner

import (
	"fmt"

	"github.com/quarrydb/quarry/core/vdbe"
	"github.com/quarrydb/quarry/sql/ast"
)

// resultCol is one projected output after star expansion.
type resultCol struct {
	expr ast.Expr
	name string
}

func (c *compiler) expandColumns(cols []ast.ResultColumn) ([]resultCol, error) {
	var out []resultCol
	for _, rc := range cols {
		if rc.Star {
			if c.tbl == nil {
				return nil, compileAt(rc.P, "no tables specified")
			}
			for _, col := range c.tbl.Columns {
				out = append(out, resultCol{
					expr: &ast.ColumnRef{P: rc.P, Name: col.Name},
					name: col.Name,
				})
			}
			continue
		}
		name := rc.Alias
		if name == "" {
			if ref, ok := rc.Expr.(*ast.ColumnRef); ok {
				name = ref.Name
			} else {
				name = exprLabel(rc.Expr)
			}
		}
		bound, err := c.bindExpr(rc.Expr)
		if err != nil {
			return nil, err
		}
		out = append(out, resultCol{expr: bound, name: name})
	}
	return out, nil
}

func exprLabel(e ast.Expr) string {
	switch x := e.(type) {
	case *ast.IntLit:
		return fmt.Sprintf("%d", x.V)
	case *ast.StringLit:
		return "'" + x.V + "'"
	case *ast.ColumnRef:
		return x.Name
	}
	return "expr"
}

func (c *compiler) compileSelect(s *ast.Select, sql string) (*vdbe.Program, error) {
	if s.Distinct {
		return nil, compileAt(s.P, "SELECT DISTINCT is not supported")
	}
	c.emit(vdbe.Instr{Op: vdbe.OpTransaction, P1: 0, P2: int(c.cat.Cookie)})

	if s.From != nil {
		if err := c.resolveTable(s.From); err != nil {
			return nil, err
		}
	}

	cols, err := c.expandColumns(s.Columns)
	if err != nil {
		return nil, err
	}
	for _, rc := range cols {
		c.columns = append(c.columns, rc.name)
	}

	where, err := c.bindExpr(s.Where)
	if err != nil {
		return nil, err
	}
	limit, err := c.bindExpr(s.Limit)
	if err != nil {
		return nil, err
	}
	offset, err := c.bindExpr(s.Offset)
	if err != nil {
		return nil, err
	}

	// Constant-only SELECT: one row, no scan.
	if s.From == nil {
		if len(s.OrderBy) > 0 {
			return nil, compileAt(s.P, "ORDER BY without FROM")
		}
		base := c.allocRegs(len(cols))
		for i, rc := range cols {
			if err := c.compileExpr(rc.expr, base+i); err != nil {
				return nil, err
			}
		}
		c.emit(vdbe.Instr{Op: vdbe.OpResultRow, P1: base, P2: len(cols)})
		c.emit(vdbe.Instr{Op: vdbe.OpHalt})
		return c.finish(sql), nil
	}

	for i := range s.OrderBy {
		bound, err := c.bindExpr(s.OrderBy[i].Expr)
		if err != nil {
			return nil, err
		}
		s.OrderBy[i].Expr = bound
	}
	forced, forceTable, desc, err := c.orderingPlan(s.OrderBy)
	if err != nil {
		return nil, err
	}

	terms := c.extractTerms(conjuncts(where, nil))
	path := c.pathFor(terms, forced, forceTable)
	path.desc = desc

	// LIMIT and OFFSET counters live in registers. Only a limit that
	// counts down to exactly zero stops the scan, so NULL and negative
	// limits mean unlimited.
	var rLimit, rOffset, rZero, rOne int
	var finishJumps []int
	if limit != nil || offset != nil {
		rZero = c.allocReg()
		c.emit(vdbe.Instr{Op: vdbe.OpInteger, P1: 0, P2: rZero})
		rOne = c.allocReg()
		c.emit(vdbe.Instr{Op: vdbe.OpInteger, P1: 1, P2: rOne})
	}
	if limit != nil {
		rLimit = c.allocReg()
		if err := c.compileExpr(limit, rLimit); err != nil {
			return nil, err
		}
		finishJumps = append(finishJumps, c.emit(vdbe.Instr{Op: vdbe.OpEq, P1: rLimit, P3: rZero}))
	}
	if offset != nil {
		rOffset = c.allocReg()
		if err := c.compileExpr(offset, rOffset); err != nil {
			return nil, err
		}
	}

	base := c.allocRegs(len(cols))
	perRow := func(cont *[]int) error {
		if offset != nil {
			// A NULL or exhausted offset falls through to the projection.
			j := c.emit(vdbe.Instr{Op: vdbe.OpLt, P1: rOffset, P3: rOne, P5: vdbe.NullJump})
			c.emit(vdbe.Instr{Op: vdbe.OpSubtract, P1: rOffset, P2: rOne, P3: rOffset})
			*cont = append(*cont, c.emit(vdbe.Instr{Op: vdbe.OpGoto}))
			c.patch(j, c.here())
		}
		for i, rc := range cols {
			if err := c.compileExpr(rc.expr, base+i); err != nil {
				return err
			}
		}
		c.emit(vdbe.Instr{Op: vdbe.OpResultRow, P1: base, P2: len(cols)})
		if limit != nil {
			c.emit(vdbe.Instr{Op: vdbe.OpSubtract, P1: rLimit, P2: rOne, P3: rLimit})
			finishJumps = append(finishJumps, c.emit(vdbe.Instr{Op: vdbe.OpEq, P1: rLimit, P3: rZero}))
		}
		return nil
	}

	if err := c.scanLoop(path, where, false, perRow); err != nil {
		return nil, err
	}
	for _, a := range finishJumps {
		c.patch(a, c.here())
	}
	c.emit(vdbe.Instr{Op: vdbe.OpHalt})
	return c.finish(sql), nil
}
