package planner

import (
	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/core/vdbe"
	"github.com/quarrydb/quarry/sql/ast"
)

var cmpOp = map[ast.BinOp]vdbe.Opcode{
	ast.OpEq: vdbe.OpEq, ast.OpNe: vdbe.OpNe,
	ast.OpLt: vdbe.OpLt, ast.OpLe: vdbe.OpLe,
	ast.OpGt: vdbe.OpGt, ast.OpGe: vdbe.OpGe,
}

// inverseCmp maps a comparison to its complement, used to jump on the
// false branch.
var inverseCmp = map[ast.BinOp]vdbe.Opcode{
	ast.OpEq: vdbe.OpNe, ast.OpNe: vdbe.OpEq,
	ast.OpLt: vdbe.OpGe, ast.OpLe: vdbe.OpGt,
	ast.OpGt: vdbe.OpLe, ast.OpGe: vdbe.OpLt,
}

var arithOp = map[ast.BinOp]vdbe.Opcode{
	ast.OpAdd: vdbe.OpAdd, ast.OpSub: vdbe.OpSubtract,
	ast.OpMul: vdbe.OpMultiply, ast.OpDiv: vdbe.OpDivide,
	ast.OpRem: vdbe.OpRemainder, ast.OpConcat: vdbe.OpConcat,
}

func isCmp(op ast.BinOp) bool { _, ok := cmpOp[op]; return ok }

// compileExpr evaluates e into register dst.
func (c *compiler) compileExpr(e ast.Expr, dst int) error {
	switch x := e.(type) {
	case *ast.IntLit:
		c.emit(vdbe.Instr{Op: vdbe.OpInteger, P1: int(x.V), P2: dst})
	case *ast.FloatLit:
		c.emit(vdbe.Instr{Op: vdbe.OpReal, P2: dst, P4: x.V})
	case *ast.StringLit:
		c.emit(vdbe.Instr{Op: vdbe.OpString8, P2: dst, P4: x.V})
	case *ast.BlobLit:
		c.emit(vdbe.Instr{Op: vdbe.OpBlob, P2: dst, P4: x.V})
	case *ast.NullLit:
		c.emit(vdbe.Instr{Op: vdbe.OpNull, P2: dst})
	case *ast.Param:
		c.emit(vdbe.Instr{Op: vdbe.OpCopy, P1: x.Index, P2: dst})

	case *ast.ColumnRef:
		pos, err := c.resolveColumn(x)
		if err != nil {
			return err
		}
		c.emitColumn(pos, dst)

	case *ast.Unary:
		switch x.Op {
		case ast.OpNeg:
			rx := c.allocReg()
			if err := c.compileExpr(x.X, rx); err != nil {
				return err
			}
			rz := c.allocReg()
			c.emit(vdbe.Instr{Op: vdbe.OpInteger, P1: 0, P2: rz})
			c.emit(vdbe.Instr{Op: vdbe.OpSubtract, P1: rz, P2: rx, P3: dst})
		case ast.OpNot:
			rx := c.allocReg()
			if err := c.compileExpr(x.X, rx); err != nil {
				return err
			}
			c.emit(vdbe.Instr{Op: vdbe.OpNot, P1: rx, P2: dst})
		}

	case *ast.Binary:
		if isCmp(x.Op) {
			return c.compileCmpValue(x, dst)
		}
		rl, rr := c.allocReg(), c.allocReg()
		if err := c.compileExpr(x.L, rl); err != nil {
			return err
		}
		if err := c.compileExpr(x.R, rr); err != nil {
			return err
		}
		switch x.Op {
		case ast.OpAnd:
			c.emit(vdbe.Instr{Op: vdbe.OpAnd, P1: rl, P2: rr, P3: dst})
		case ast.OpOr:
			c.emit(vdbe.Instr{Op: vdbe.OpOr, P1: rl, P2: rr, P3: dst})
		default:
			c.emit(vdbe.Instr{Op: arithOp[x.Op], P1: rl, P2: rr, P3: dst})
		}

	case *ast.IsNull:
		rx := c.allocReg()
		if err := c.compileExpr(x.X, rx); err != nil {
			return err
		}
		yes, no := 1, 0
		if x.Not {
			yes, no = 0, 1
		}
		c.emit(vdbe.Instr{Op: vdbe.OpInteger, P1: yes, P2: dst})
		j := c.emit(vdbe.Instr{Op: vdbe.OpIsNull, P1: rx})
		c.emit(vdbe.Instr{Op: vdbe.OpInteger, P1: no, P2: dst})
		c.patch(j, c.here())

	default:
		return compileAt(e.Pos(), "unsupported expression")
	}
	return nil
}

// exprAffinity is the affinity an expression contributes to a
// comparison: column references carry their column's, everything else
// none.
func (c *compiler) exprAffinity(e ast.Expr) record.Affinity {
	if col, ok := e.(*ast.ColumnRef); ok {
		if pos, err := c.resolveColumn(col); err == nil {
			return c.columnAffinity(pos)
		}
	}
	return record.AffinityBlob
}

func numericAffinity(a record.Affinity) bool {
	return a == record.AffinityInteger || a == record.AffinityReal || a == record.AffinityNumeric
}

// comparisonAffinity picks the affinity applied to both operands
// before a compare: a numeric side coerces the other operand to
// numeric, otherwise a text side coerces a typeless one to text.
func comparisonAffinity(l, r record.Affinity) record.Affinity {
	if numericAffinity(l) || numericAffinity(r) {
		return record.AffinityNumeric
	}
	if l == record.AffinityText || r == record.AffinityText {
		return record.AffinityText
	}
	return record.AffinityBlob
}

// cmpOperands compiles both sides of a comparison and builds the
// compare descriptor: the operand affinities decide the coercion, and
// the first operand that is a text column supplies the collation.
func (c *compiler) cmpOperands(x *ast.Binary) (rl, rr int, spec vdbe.CmpSpec, err error) {
	spec = vdbe.CmpSpec{
		Aff:  comparisonAffinity(c.exprAffinity(x.L), c.exprAffinity(x.R)),
		Coll: record.CollBinary,
	}
	if col, ok := x.L.(*ast.ColumnRef); ok {
		if pos, e2 := c.resolveColumn(col); e2 == nil {
			spec.Coll = c.columnCollation(pos)
		}
	} else if col, ok := x.R.(*ast.ColumnRef); ok {
		if pos, e2 := c.resolveColumn(col); e2 == nil {
			spec.Coll = c.columnCollation(pos)
		}
	}
	rl, rr = c.allocReg(), c.allocReg()
	if err = c.compileExpr(x.L, rl); err != nil {
		return
	}
	err = c.compileExpr(x.R, rr)
	return
}

// compileCmpValue materializes a comparison as 1, 0, or NULL.
func (c *compiler) compileCmpValue(x *ast.Binary, dst int) error {
	rl, rr, spec, err := c.cmpOperands(x)
	if err != nil {
		return err
	}
	jn1 := c.emit(vdbe.Instr{Op: vdbe.OpIsNull, P1: rl})
	jn2 := c.emit(vdbe.Instr{Op: vdbe.OpIsNull, P1: rr})
	c.emit(vdbe.Instr{Op: vdbe.OpInteger, P1: 1, P2: dst})
	jt := c.emit(vdbe.Instr{Op: cmpOp[x.Op], P1: rl, P3: rr, P4: spec})
	c.emit(vdbe.Instr{Op: vdbe.OpInteger, P1: 0, P2: dst})
	jd := c.emit(vdbe.Instr{Op: vdbe.OpGoto})
	c.patch(jn1, c.here())
	c.patch(jn2, c.here())
	c.emit(vdbe.Instr{Op: vdbe.OpNull, P2: dst})
	c.patch(jt, c.here())
	c.patch(jd, c.here())
	return nil
}

// condFalse emits code that jumps to falseTarget when e evaluates to
// false or NULL, the WHERE-clause contract. addrs needing the target
// are returned for backpatching.
func (c *compiler) condFalse(e ast.Expr, falseJumps *[]int) error {
	switch x := e.(type) {
	case *ast.Binary:
		switch {
		case x.Op == ast.OpAnd:
			if err := c.condFalse(x.L, falseJumps); err != nil {
				return err
			}
			return c.condFalse(x.R, falseJumps)
		case x.Op == ast.OpOr:
			var trueJumps []int
			if err := c.condTrue(x.L, &trueJumps, false); err != nil {
				return err
			}
			if err := c.condFalse(x.R, falseJumps); err != nil {
				return err
			}
			for _, a := range trueJumps {
				c.patch(a, c.here())
			}
			return nil
		case isCmp(x.Op):
			rl, rr, spec, err := c.cmpOperands(x)
			if err != nil {
				return err
			}
			j := c.emit(vdbe.Instr{Op: inverseCmp[x.Op], P1: rl, P3: rr, P4: spec, P5: vdbe.NullJump})
			*falseJumps = append(*falseJumps, j)
			return nil
		}

	case *ast.Unary:
		if x.Op == ast.OpNot {
			// NOT e is false-or-null when e is true-or-null.
			return c.condTrue(x.X, falseJumps, true)
		}

	case *ast.IsNull:
		rx := c.allocReg()
		if err := c.compileExpr(x.X, rx); err != nil {
			return err
		}
		op := vdbe.OpNotNull
		if x.Not {
			op = vdbe.OpIsNull
		}
		j := c.emit(vdbe.Instr{Op: op, P1: rx})
		*falseJumps = append(*falseJumps, j)
		return nil

	case *ast.NullLit:
		j := c.emit(vdbe.Instr{Op: vdbe.OpGoto})
		*falseJumps = append(*falseJumps, j)
		return nil

	case *ast.IntLit:
		if x.V == 0 {
			j := c.emit(vdbe.Instr{Op: vdbe.OpGoto})
			*falseJumps = append(*falseJumps, j)
		}
		return nil
	}

	// General value: boolean-test through Not, which normalizes any
	// value to 1, 0, or NULL.
	r := c.allocReg()
	if err := c.compileExpr(e, r); err != nil {
		return err
	}
	rt := c.allocReg()
	c.emit(vdbe.Instr{Op: vdbe.OpNot, P1: r, P2: rt})
	rone := c.allocReg()
	c.emit(vdbe.Instr{Op: vdbe.OpInteger, P1: 1, P2: rone})
	j := c.emit(vdbe.Instr{Op: vdbe.OpEq, P1: rt, P3: rone, P5: vdbe.NullJump})
	*falseJumps = append(*falseJumps, j)
	return nil
}

// condTrue emits code that jumps to the recorded targets when e is
// true; with nullAlso set, NULL also jumps.
func (c *compiler) condTrue(e ast.Expr, trueJumps *[]int, nullAlso bool) error {
	if x, ok := e.(*ast.Binary); ok && isCmp(x.Op) {
		rl, rr, spec, err := c.cmpOperands(x)
		if err != nil {
			return err
		}
		var p5 uint8
		if nullAlso {
			p5 = vdbe.NullJump
		}
		j := c.emit(vdbe.Instr{Op: cmpOp[x.Op], P1: rl, P3: rr, P4: spec, P5: p5})
		*trueJumps = append(*trueJumps, j)
		return nil
	}
	if x, ok := e.(*ast.IsNull); ok {
		rx := c.allocReg()
		if err := c.compileExpr(x.X, rx); err != nil {
			return err
		}
		op := vdbe.OpIsNull
		if x.Not {
			op = vdbe.OpNotNull
		}
		j := c.emit(vdbe.Instr{Op: op, P1: rx})
		*trueJumps = append(*trueJumps, j)
		return nil
	}

	r := c.allocReg()
	if err := c.compileExpr(e, r); err != nil {
		return err
	}
	rt := c.allocReg()
	c.emit(vdbe.Instr{Op: vdbe.OpNot, P1: r, P2: rt})
	rz := c.allocReg()
	c.emit(vdbe.Instr{Op: vdbe.OpInteger, P1: 0, P2: rz})
	var p5 uint8
	if nullAlso {
		p5 = vdbe.NullJump
	}
	j := c.emit(vdbe.Instr{Op: vdbe.OpEq, P1: rt, P3: rz, P5: p5})
	*trueJumps = append(*trueJumps, j)
	return nil
}
