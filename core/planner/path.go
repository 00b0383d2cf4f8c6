package planner

import (
	"github.com/quarrydb/quarry/core/schema"
	"github.com/quarrydb/quarry/sql/ast"
)

// term is one WHERE conjunct of the form <column> <cmp> <expr> where
// the right side references no columns, normalized so the column is on
// the left.
type term struct {
	col  int // column position, -1 for rowid
	op   ast.BinOp
	expr ast.Expr
}

// rangeBound is one end of a range constraint.
type rangeBound struct {
	expr   ast.Expr
	strict bool // exclusive bound (< or >)
}

// accessPath is the chosen way to visit a table's rows.
type accessPath struct {
	index  *schema.Index // nil: table b-tree (scan or rowid bounds)
	eq     []ast.Expr    // equality probes on leading index columns
	lo, hi *rangeBound   // range on the next column, or on the rowid
	desc   bool
}

// conjuncts flattens the AND tree of a bound WHERE clause.
func conjuncts(e ast.Expr, out []ast.Expr) []ast.Expr {
	if b, ok := e.(*ast.Binary); ok && b.Op == ast.OpAnd {
		out = conjuncts(b.L, out)
		return conjuncts(b.R, out)
	}
	if e != nil {
		out = append(out, e)
	}
	return out
}

var flipCmp = map[ast.BinOp]ast.BinOp{
	ast.OpEq: ast.OpEq, ast.OpNe: ast.OpNe,
	ast.OpLt: ast.OpGt, ast.OpLe: ast.OpGe,
	ast.OpGt: ast.OpLt, ast.OpGe: ast.OpLe,
}

// extractTerms pulls indexable terms out of the conjunct list.
func (c *compiler) extractTerms(parts []ast.Expr) []term {
	var terms []term
	for _, e := range parts {
		b, ok := e.(*ast.Binary)
		if !ok || !isCmp(b.Op) || b.Op == ast.OpNe {
			continue
		}
		if col, ok := b.L.(*ast.ColumnRef); ok && exprIsProbe(b.R) {
			if pos, err := c.resolveColumn(col); err == nil {
				terms = append(terms, term{col: pos, op: b.Op, expr: b.R})
			}
			continue
		}
		if col, ok := b.R.(*ast.ColumnRef); ok && exprIsProbe(b.L) {
			if pos, err := c.resolveColumn(col); err == nil {
				terms = append(terms, term{col: pos, op: flipCmp[b.Op], expr: b.L})
			}
		}
	}
	return terms
}

// exprIsProbe reports whether e can be evaluated before the scan
// starts: literals and parameters only.
func exprIsProbe(e ast.Expr) bool {
	switch x := e.(type) {
	case *ast.IntLit, *ast.FloatLit, *ast.StringLit, *ast.BlobLit, *ast.Param:
		return true
	case *ast.Unary:
		return exprIsProbe(x.X)
	case *ast.Binary:
		return exprIsProbe(x.L) && exprIsProbe(x.R)
	}
	return false
}

// pathFor picks the access path: rowid equality beats everything, then
// the index covering the most leading equality terms plus an optional
// range, then rowid range, then a full scan. A forced index (from
// ORDER BY) restricts the choice to that index or, with index nil, to
// the table b-tree.
func (c *compiler) pathFor(terms []term, forced *schema.Index, forceTable bool) accessPath {
	if !forceTable && forced == nil {
		for _, t := range terms {
			if t.col == -1 && t.op == ast.OpEq {
				return accessPath{eq: []ast.Expr{t.expr}}
			}
		}
	}

	best := accessPath{}
	bestScore := 0
	if !forceTable {
		for _, ix := range c.tbl.Indexes {
			if forced != nil && ix != forced {
				continue
			}
			p := buildIndexPath(c.tbl, ix, terms)
			score := 2 * len(p.eq)
			if p.lo != nil || p.hi != nil {
				score++
			}
			if forced == nil && score == 0 {
				continue
			}
			if score > bestScore || (forced != nil && best.index == nil) {
				best = p
				bestScore = score
			}
		}
	}
	if best.index != nil {
		return best
	}

	// Rowid bounds on the table b-tree.
	p := accessPath{}
	for _, t := range terms {
		if t.col != -1 {
			continue
		}
		switch t.op {
		case ast.OpGt:
			p.lo = &rangeBound{expr: t.expr, strict: true}
		case ast.OpGe:
			p.lo = &rangeBound{expr: t.expr}
		case ast.OpLt:
			p.hi = &rangeBound{expr: t.expr, strict: true}
		case ast.OpLe:
			p.hi = &rangeBound{expr: t.expr}
		case ast.OpEq:
			p.lo = &rangeBound{expr: t.expr}
			p.hi = &rangeBound{expr: t.expr}
		}
	}
	return p
}

// buildIndexPath matches terms against the index's column order:
// equalities on a leading prefix, then one range column.
func buildIndexPath(tbl *schema.Table, ix *schema.Index, terms []term) accessPath {
	p := accessPath{index: ix}
	for _, ic := range ix.Columns {
		pos := tbl.Column(ic.Name)
		var eq ast.Expr
		for _, t := range terms {
			if t.col == pos && t.op == ast.OpEq {
				eq = t.expr
				break
			}
		}
		if eq != nil {
			p.eq = append(p.eq, eq)
			continue
		}
		// No equality: at most a range on this column, then stop.
		for _, t := range terms {
			if t.col != pos {
				continue
			}
			switch t.op {
			case ast.OpGt:
				p.lo = &rangeBound{expr: t.expr, strict: true}
			case ast.OpGe:
				p.lo = &rangeBound{expr: t.expr}
			case ast.OpLt:
				p.hi = &rangeBound{expr: t.expr, strict: true}
			case ast.OpLe:
				p.hi = &rangeBound{expr: t.expr}
			}
		}
		break
	}
	return p
}

// orderingPlan resolves ORDER BY: either the rowid (table order) or a
// matching index prefix, ascending or descending. Anything else is a
// compile error, the documented restriction.
func (c *compiler) orderingPlan(order []ast.Ordering) (forced *schema.Index, forceTable, desc bool, err error) {
	if len(order) == 0 {
		return nil, false, false, nil
	}

	type orderedCol struct {
		pos  int
		desc bool
	}
	cols := make([]orderedCol, len(order))
	for i, o := range order {
		ref, ok := o.Expr.(*ast.ColumnRef)
		if !ok {
			return nil, false, false, compileAt(o.Expr.Pos(), "ORDER BY term must be a column")
		}
		pos, e2 := c.resolveColumn(ref)
		if e2 != nil {
			return nil, false, false, e2
		}
		cols[i] = orderedCol{pos: pos, desc: o.Desc}
	}

	if len(cols) == 1 && cols[0].pos == -1 {
		return nil, true, cols[0].desc, nil
	}

	for _, ix := range c.tbl.Indexes {
		if len(cols) > len(ix.Columns) {
			continue
		}
		dir := -1 // unset; 0 forward, 1 reverse
		match := true
		for i, oc := range cols {
			pos := c.tbl.Column(ix.Columns[i].Name)
			if pos != oc.pos {
				match = false
				break
			}
			rev := 0
			if oc.desc != ix.Columns[i].Desc {
				rev = 1
			}
			if dir == -1 {
				dir = rev
			} else if dir != rev {
				match = false
				break
			}
		}
		if match {
			return ix, false, dir == 1, nil
		}
	}
	return nil, false, false, compileAt(order[0].Expr.Pos(),
		"ORDER BY requires rowid order or a matching index")
}
