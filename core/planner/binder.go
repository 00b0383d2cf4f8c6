package planner

import (
	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/sql/ast"
)

// bindExpr validates an expression against the scope, rewrites
// BETWEEN and IN into comparison chains, and folds constant subtrees.
// It runs before codegen so every name or function error is reported
// at compile time.
func (c *compiler) bindExpr(e ast.Expr) (ast.Expr, error) {
	if e == nil {
		return nil, nil
	}
	switch x := e.(type) {
	case *ast.IntLit, *ast.FloatLit, *ast.StringLit, *ast.BlobLit, *ast.NullLit, *ast.Param:
		return e, nil

	case *ast.ColumnRef:
		if _, err := c.resolveColumn(x); err != nil {
			return nil, err
		}
		return e, nil

	case *ast.Call:
		// No built-in or user functions exist in this engine.
		return nil, compileAt(x.P, "no such function: %s", x.Name)

	case *ast.Unary:
		sub, err := c.bindExpr(x.X)
		if err != nil {
			return nil, err
		}
		return fold(&ast.Unary{P: x.P, Op: x.Op, X: sub}), nil

	case *ast.Binary:
		l, err := c.bindExpr(x.L)
		if err != nil {
			return nil, err
		}
		r, err := c.bindExpr(x.R)
		if err != nil {
			return nil, err
		}
		return fold(&ast.Binary{P: x.P, Op: x.Op, L: l, R: r}), nil

	case *ast.IsNull:
		sub, err := c.bindExpr(x.X)
		if err != nil {
			return nil, err
		}
		return &ast.IsNull{P: x.P, X: sub, Not: x.Not}, nil

	case *ast.Between:
		// x BETWEEN lo AND hi  =>  x >= lo AND x <= hi
		ge := &ast.Binary{P: x.P, Op: ast.OpGe, L: x.X, R: x.Lo}
		le := &ast.Binary{P: x.P, Op: ast.OpLe, L: x.X, R: x.Hi}
		var out ast.Expr = &ast.Binary{P: x.P, Op: ast.OpAnd, L: ge, R: le}
		if x.Not {
			out = &ast.Unary{P: x.P, Op: ast.OpNot, X: out}
		}
		return c.bindExpr(out)

	case *ast.InList:
		// x IN (a, b)  =>  x = a OR x = b; empty list is never true.
		var out ast.Expr
		if len(x.List) == 0 {
			out = &ast.IntLit{P: x.P, V: 0}
		} else {
			for _, item := range x.List {
				eq := ast.Expr(&ast.Binary{P: x.P, Op: ast.OpEq, L: x.X, R: item})
				if out == nil {
					out = eq
				} else {
					out = &ast.Binary{P: x.P, Op: ast.OpOr, L: out, R: eq}
				}
			}
		}
		if x.Not {
			out = &ast.Unary{P: x.P, Op: ast.OpNot, X: out}
		}
		return c.bindExpr(out)
	}
	return e, nil
}

// constValue extracts a literal's value, ok=false for non-literals.
func constValue(e ast.Expr) (record.Value, bool) {
	switch x := e.(type) {
	case *ast.IntLit:
		return record.Int(x.V), true
	case *ast.FloatLit:
		return record.Float(x.V), true
	case *ast.StringLit:
		return record.Text(x.V), true
	case *ast.BlobLit:
		return record.Blob(x.V), true
	case *ast.NullLit:
		return record.Null(), true
	}
	return record.Value{}, false
}

func litFor(p ast.Pos, v record.Value) ast.Expr {
	switch v.Type() {
	case record.TypeInt:
		return &ast.IntLit{P: p, V: v.Int64()}
	case record.TypeFloat:
		return &ast.FloatLit{P: p, V: v.Float64()}
	case record.TypeText:
		return &ast.StringLit{P: p, V: v.Text()}
	case record.TypeBlob:
		return &ast.BlobLit{P: p, V: v.Blob()}
	}
	return &ast.NullLit{P: p}
}

// fold evaluates arithmetic and comparisons over literal operands.
// Logical connectives are left alone; their jump-based codegen handles
// constants fine.
func fold(e ast.Expr) ast.Expr {
	switch x := e.(type) {
	case *ast.Unary:
		v, ok := constValue(x.X)
		if !ok {
			return e
		}
		switch x.Op {
		case ast.OpNeg:
			if v.IsNull() {
				return &ast.NullLit{P: x.P}
			}
			if v.Type() == record.TypeInt {
				return &ast.IntLit{P: x.P, V: -v.Int64()}
			}
			return &ast.FloatLit{P: x.P, V: -v.AsFloat()}
		case ast.OpNot:
			if v.IsNull() {
				return &ast.NullLit{P: x.P}
			}
			n := int64(1)
			if v.Truthy() {
				n = 0
			}
			return &ast.IntLit{P: x.P, V: n}
		}

	case *ast.Binary:
		l, lok := constValue(x.L)
		r, rok := constValue(x.R)
		if !lok || !rok {
			return e
		}
		switch x.Op {
		case ast.OpAdd, ast.OpSub, ast.OpMul, ast.OpDiv, ast.OpRem, ast.OpConcat:
			return litFor(x.P, foldArith(x.Op, l, r))
		case ast.OpEq, ast.OpNe, ast.OpLt, ast.OpLe, ast.OpGt, ast.OpGe:
			if l.IsNull() || r.IsNull() {
				return &ast.NullLit{P: x.P}
			}
			cmp := record.Compare(l, r, record.CollBinary)
			truth := false
			switch x.Op {
			case ast.OpEq:
				truth = cmp == 0
			case ast.OpNe:
				truth = cmp != 0
			case ast.OpLt:
				truth = cmp < 0
			case ast.OpLe:
				truth = cmp <= 0
			case ast.OpGt:
				truth = cmp > 0
			case ast.OpGe:
				truth = cmp >= 0
			}
			n := int64(0)
			if truth {
				n = 1
			}
			return &ast.IntLit{P: x.P, V: n}
		}
	}
	return e
}

func foldArith(op ast.BinOp, l, r record.Value) record.Value {
	if l.IsNull() || r.IsNull() {
		return record.Null()
	}
	if op == ast.OpConcat {
		return record.Text(l.String() + r.String())
	}
	intMode := l.Type() == record.TypeInt && r.Type() == record.TypeInt
	if intMode {
		a, b := l.Int64(), r.Int64()
		switch op {
		case ast.OpAdd:
			return record.Int(a + b)
		case ast.OpSub:
			return record.Int(a - b)
		case ast.OpMul:
			return record.Int(a * b)
		case ast.OpDiv:
			if b == 0 {
				return record.Null()
			}
			return record.Int(a / b)
		case ast.OpRem:
			if b == 0 {
				return record.Null()
			}
			return record.Int(a % b)
		}
	}
	a, b := l.AsFloat(), r.AsFloat()
	switch op {
	case ast.OpAdd:
		return record.Float(a + b)
	case ast.OpSub:
		return record.Float(a - b)
	case ast.OpMul:
		return record.Float(a * b)
	case ast.OpDiv:
		if b == 0 {
			return record.Null()
		}
		return record.Float(a / b)
	case ast.OpRem:
		bi := r.AsInt()
		if bi == 0 {
			return record.Null()
		}
		return record.Int(l.AsInt() % bi)
	}
	return record.Null()
}
