// Package parser turns SQL text into the ast package's trees. The
// grammar is built with participle; parse and conversion failures are
// reported as compile errors carrying the offending source position.
package parser

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/sql/ast"
)

// Parse parses a single SQL statement. A trailing semicolon is
// accepted. Positional `?` parameters are numbered 1..N in order of
// appearance.
func Parse(sql string) (ast.Statement, error) {
	g, err := sqlParser.ParseString("", sql)
	if err != nil {
		return nil, compileErr(err)
	}
	c := &converter{src: sql}
	stmt, err := c.stmt(g)
	if err != nil {
		return nil, err
	}
	if g.Explain {
		return &ast.Explain{P: pos(g.Pos), Stmt: stmt}, nil
	}
	return stmt, nil
}

// NumParams reports how many `?` placeholders a parsed statement uses.
func NumParams(stmt ast.Statement) int {
	max := 0
	walkStatement(stmt, func(e ast.Expr) {
		if p, ok := e.(*ast.Param); ok && p.Index > max {
			max = p.Index
		}
	})
	return max
}

func compileErr(err error) error {
	if perr, ok := err.(participle.Error); ok {
		p := perr.Position()
		return &dberr.CompileError{
			Msg:    "syntax error at " + strconv.Itoa(p.Line) + ":" + strconv.Itoa(p.Column) + ": " + perr.Message(),
			Offset: p.Offset,
		}
	}
	return &dberr.CompileError{Msg: err.Error(), Offset: -1}
}

func pos(p lexer.Position) ast.Pos {
	return ast.Pos{Line: p.Line, Column: p.Column, Offset: p.Offset}
}

func compileAt(p lexer.Position, msg string) error {
	return &dberr.CompileError{
		Msg:    msg + " at " + strconv.Itoa(p.Line) + ":" + strconv.Itoa(p.Column),
		Offset: p.Offset,
	}
}

// converter lowers the grammar structs into ast nodes, numbering
// parameters along the way.
type converter struct {
	src     string
	nParams int
}

func (c *converter) stmt(g *gStmt) (ast.Statement, error) {
	switch {
	case g.Select != nil:
		return c.selectStmt(g.Select)
	case g.Insert != nil:
		return c.insertStmt(g.Insert)
	case g.Update != nil:
		return c.updateStmt(g.Update)
	case g.Delete != nil:
		return c.deleteStmt(g.Delete)
	case g.CreateTable != nil:
		return c.createTable(g.CreateTable)
	case g.CreateIndex != nil:
		return c.createIndex(g.CreateIndex)
	case g.DropTable != nil:
		d := g.DropTable
		return &ast.DropTable{P: pos(d.Pos), Name: ident(d.Name), IfExists: d.IfExists}, nil
	case g.DropIndex != nil:
		d := g.DropIndex
		return &ast.DropIndex{P: pos(d.Pos), Name: ident(d.Name), IfExists: d.IfExists}, nil
	case g.Begin != nil:
		mode := strings.ToUpper(g.Begin.Mode)
		return &ast.Begin{P: pos(g.Begin.Pos), Immediate: mode == "IMMEDIATE" || mode == "EXCLUSIVE"}, nil
	case g.Commit:
		return &ast.Commit{P: pos(g.Pos)}, nil
	case g.Rollback != nil:
		return &ast.Rollback{P: pos(g.Rollback.Pos), To: ident(g.Rollback.To)}, nil
	case g.Savepoint != nil:
		return &ast.Savepoint{P: pos(g.Savepoint.Pos), Name: ident(g.Savepoint.Name)}, nil
	case g.Release != nil:
		return &ast.Release{P: pos(g.Release.Pos), Name: ident(g.Release.Name)}, nil
	}
	return nil, dberr.Compile("empty statement")
}

func (c *converter) selectStmt(g *gSelect) (*ast.Select, error) {
	s := &ast.Select{P: pos(g.Pos), Distinct: g.Distinct}
	for _, col := range g.Cols {
		rc := ast.ResultColumn{P: pos(col.Pos), Star: col.Star, Alias: ident(col.Alias)}
		if col.Expr != nil {
			e, err := c.expr(col.Expr)
			if err != nil {
				return nil, err
			}
			rc.Expr = e
		}
		s.Columns = append(s.Columns, rc)
	}
	if g.From != nil {
		s.From = &ast.TableRef{P: pos(g.From.Pos), Name: ident(g.From.Name), Alias: ident(g.From.Alias)}
	}
	var err error
	if g.Where != nil {
		if s.Where, err = c.expr(g.Where); err != nil {
			return nil, err
		}
	}
	for _, o := range g.Order {
		e, err := c.expr(o.Expr)
		if err != nil {
			return nil, err
		}
		s.OrderBy = append(s.OrderBy, ast.Ordering{Expr: e, Desc: strings.EqualFold(o.Dir, "DESC")})
	}
	if g.Limit != nil {
		if s.Limit, err = c.expr(g.Limit); err != nil {
			return nil, err
		}
	}
	if g.Offset != nil {
		if s.Offset, err = c.expr(g.Offset); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (c *converter) insertStmt(g *gInsert) (*ast.Insert, error) {
	ins := &ast.Insert{
		P:     pos(g.Pos),
		Table: &ast.TableRef{P: pos(g.Pos), Name: ident(g.Table)},
	}
	for _, col := range g.Cols {
		ins.Columns = append(ins.Columns, ident(col))
	}
	for _, row := range g.Rows {
		vals := make([]ast.Expr, 0, len(row.Vals))
		for _, v := range row.Vals {
			e, err := c.expr(v)
			if err != nil {
				return nil, err
			}
			vals = append(vals, e)
		}
		ins.Rows = append(ins.Rows, vals)
	}
	return ins, nil
}

func (c *converter) updateStmt(g *gUpdate) (*ast.Update, error) {
	u := &ast.Update{
		P:     pos(g.Pos),
		Table: &ast.TableRef{P: pos(g.Pos), Name: ident(g.Table)},
	}
	for _, s := range g.Sets {
		e, err := c.expr(s.Value)
		if err != nil {
			return nil, err
		}
		u.Sets = append(u.Sets, ast.Assignment{Column: ident(s.Column), Value: e})
	}
	if g.Where != nil {
		var err error
		if u.Where, err = c.expr(g.Where); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (c *converter) deleteStmt(g *gDelete) (*ast.Delete, error) {
	d := &ast.Delete{
		P:     pos(g.Pos),
		Table: &ast.TableRef{P: pos(g.Pos), Name: ident(g.Table)},
	}
	if g.Where != nil {
		var err error
		if d.Where, err = c.expr(g.Where); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (c *converter) createTable(g *gCreateTable) (*ast.CreateTable, error) {
	ct := &ast.CreateTable{
		P:           pos(g.Pos),
		Name:        ident(g.Name),
		IfNotExists: g.IfNotExists,
		SQL:         canonicalSQL(c.src),
	}
	for _, col := range g.Cols {
		cd := ast.ColumnDef{P: pos(col.Pos), Name: ident(col.Name)}
		if col.Type != nil {
			cd.Type = strings.ToUpper(col.Type.Name)
		}
		for _, con := range col.Constraints {
			switch {
			case con.PK != nil:
				if cd.PrimaryKey {
					return nil, compileAt(col.Pos, "duplicate PRIMARY KEY on column "+cd.Name)
				}
				cd.PrimaryKey = true
				cd.PKDesc = con.PK.Desc
			case con.NotNull:
				cd.NotNull = true
			case con.Unique:
				cd.Unique = true
			case con.Default != nil:
				e, err := c.expr(con.Default)
				if err != nil {
					return nil, err
				}
				cd.Default = e
			case con.Collate != "":
				cd.Collate = strings.ToUpper(ident(con.Collate))
			}
		}
		ct.Columns = append(ct.Columns, cd)
	}
	npk := 0
	for _, cd := range ct.Columns {
		if cd.PrimaryKey {
			npk++
		}
	}
	if npk > 1 {
		return nil, compileAt(g.Pos, "table "+ct.Name+" has more than one primary key")
	}
	return ct, nil
}

func (c *converter) createIndex(g *gCreateIndex) (*ast.CreateIndex, error) {
	ci := &ast.CreateIndex{
		P:           pos(g.Pos),
		Name:        ident(g.Name),
		Table:       ident(g.Table),
		Unique:      g.Unique,
		IfNotExists: g.IfNotExists,
		SQL:         canonicalSQL(c.src),
	}
	for _, col := range g.Cols {
		ci.Columns = append(ci.Columns, ast.IndexedColumn{
			Name: ident(col.Name),
			Desc: strings.EqualFold(col.Dir, "DESC"),
		})
	}
	return ci, nil
}

func (c *converter) expr(g *gExpr) (ast.Expr, error) {
	l, err := c.and(g.L)
	if err != nil {
		return nil, err
	}
	for _, r := range g.R {
		rhs, err := c.and(r)
		if err != nil {
			return nil, err
		}
		l = &ast.Binary{P: l.Pos(), Op: ast.OpOr, L: l, R: rhs}
	}
	return l, nil
}

func (c *converter) and(g *gAnd) (ast.Expr, error) {
	l, err := c.not(g.L)
	if err != nil {
		return nil, err
	}
	for _, r := range g.R {
		rhs, err := c.not(r)
		if err != nil {
			return nil, err
		}
		l = &ast.Binary{P: l.Pos(), Op: ast.OpAnd, L: l, R: rhs}
	}
	return l, nil
}

func (c *converter) not(g *gNot) (ast.Expr, error) {
	x, err := c.predicate(g.X)
	if err != nil {
		return nil, err
	}
	if g.Not {
		return &ast.Unary{P: pos(g.Pos), Op: ast.OpNot, X: x}, nil
	}
	return x, nil
}

var cmpOps = map[string]ast.BinOp{
	"=": ast.OpEq, "==": ast.OpEq,
	"!=": ast.OpNe, "<>": ast.OpNe,
	"<": ast.OpLt, "<=": ast.OpLe,
	">": ast.OpGt, ">=": ast.OpGe,
}

func (c *converter) predicate(g *gPredicate) (ast.Expr, error) {
	l, err := c.additive(g.L)
	if err != nil {
		return nil, err
	}
	switch {
	case g.Cmp != nil:
		r, err := c.additive(g.Cmp.R)
		if err != nil {
			return nil, err
		}
		return &ast.Binary{P: l.Pos(), Op: cmpOps[g.Cmp.Op], L: l, R: r}, nil
	case g.Is != nil:
		return &ast.IsNull{P: l.Pos(), X: l, Not: g.Is.Not}, nil
	case g.Between != nil:
		lo, err := c.additive(g.Between.Lo)
		if err != nil {
			return nil, err
		}
		hi, err := c.additive(g.Between.Hi)
		if err != nil {
			return nil, err
		}
		return &ast.Between{P: l.Pos(), X: l, Lo: lo, Hi: hi, Not: g.Between.Not}, nil
	case g.In != nil:
		list := make([]ast.Expr, 0, len(g.In.List))
		for _, e := range g.In.List {
			x, err := c.expr(e)
			if err != nil {
				return nil, err
			}
			list = append(list, x)
		}
		return &ast.InList{P: l.Pos(), X: l, List: list, Not: g.In.Not}, nil
	}
	return l, nil
}

var addOps = map[string]ast.BinOp{"+": ast.OpAdd, "-": ast.OpSub, "||": ast.OpConcat}
var mulOps = map[string]ast.BinOp{"*": ast.OpMul, "/": ast.OpDiv, "%": ast.OpRem}

func (c *converter) additive(g *gAdditive) (ast.Expr, error) {
	l, err := c.mul(g.L)
	if err != nil {
		return nil, err
	}
	for _, t := range g.Tail {
		r, err := c.mul(t.R)
		if err != nil {
			return nil, err
		}
		l = &ast.Binary{P: l.Pos(), Op: addOps[t.Op], L: l, R: r}
	}
	return l, nil
}

func (c *converter) mul(g *gMul) (ast.Expr, error) {
	l, err := c.unary(g.L)
	if err != nil {
		return nil, err
	}
	for _, t := range g.Tail {
		r, err := c.unary(t.R)
		if err != nil {
			return nil, err
		}
		l = &ast.Binary{P: l.Pos(), Op: mulOps[t.Op], L: l, R: r}
	}
	return l, nil
}

func (c *converter) unary(g *gUnary) (ast.Expr, error) {
	neg := false
	for _, s := range g.Sign {
		if s == "-" {
			neg = !neg
		}
	}
	x, err := c.primary(g.X)
	if err != nil {
		return nil, err
	}
	if !neg {
		return x, nil
	}
	// Fold plain numeric negation so literals stay literals.
	switch lit := x.(type) {
	case *ast.IntLit:
		lit.V = -lit.V
		return lit, nil
	case *ast.FloatLit:
		lit.V = -lit.V
		return lit, nil
	}
	return &ast.Unary{P: pos(g.Pos), Op: ast.OpNeg, X: x}, nil
}

func (c *converter) primary(g *gPrimary) (ast.Expr, error) {
	p := pos(g.Pos)
	switch {
	case g.Float != nil:
		return &ast.FloatLit{P: p, V: *g.Float}, nil
	case g.Int != nil:
		v, err := strconv.ParseInt(*g.Int, 10, 64)
		if err != nil {
			// Too large for int64; SQLite degrades to a real.
			f, ferr := strconv.ParseFloat(*g.Int, 64)
			if ferr != nil {
				return nil, compileAt(g.Pos, "bad integer literal "+*g.Int)
			}
			return &ast.FloatLit{P: p, V: f}, nil
		}
		return &ast.IntLit{P: p, V: v}, nil
	case g.Str != nil:
		return &ast.StringLit{P: p, V: unquoteString(*g.Str)}, nil
	case g.Blob != nil:
		raw := *g.Blob
		b, err := hex.DecodeString(raw[2 : len(raw)-1])
		if err != nil {
			return nil, compileAt(g.Pos, "bad blob literal")
		}
		return &ast.BlobLit{P: p, V: b}, nil
	case g.Null:
		return &ast.NullLit{P: p}, nil
	case g.Param:
		c.nParams++
		return &ast.Param{P: p, Index: c.nParams}, nil
	case g.Call != nil:
		call := &ast.Call{P: pos(g.Call.Pos), Name: strings.ToLower(ident(g.Call.Name)), Star: g.Call.Star}
		for _, a := range g.Call.Args {
			e, err := c.expr(a)
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, e)
		}
		return call, nil
	case g.Column != nil:
		col := &ast.ColumnRef{P: pos(g.Column.Pos), Name: ident(g.Column.First)}
		if g.Column.Rest != nil {
			col.Table = col.Name
			col.Name = ident(*g.Column.Rest)
		}
		return col, nil
	case g.Paren != nil:
		return c.expr(g.Paren)
	}
	return nil, compileAt(g.Pos, "empty expression")
}

// ident strips identifier quoting. Bare identifiers pass through with
// their original case; name comparison happens case-insensitively in
// the schema layer.
func ident(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '"':
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	case '`':
		return s[1 : len(s)-1]
	}
	return s
}

func unquoteString(s string) string {
	return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
}

// canonicalSQL is the statement text as stored in the catalog:
// trimmed, without a trailing semicolon.
func canonicalSQL(src string) string {
	s := strings.TrimSpace(src)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}

// walkStatement visits every expression reachable from stmt.
func walkStatement(stmt ast.Statement, fn func(ast.Expr)) {
	switch s := stmt.(type) {
	case *ast.Select:
		for _, rc := range s.Columns {
			walkExpr(rc.Expr, fn)
		}
		walkExpr(s.Where, fn)
		for _, o := range s.OrderBy {
			walkExpr(o.Expr, fn)
		}
		walkExpr(s.Limit, fn)
		walkExpr(s.Offset, fn)
	case *ast.Insert:
		for _, row := range s.Rows {
			for _, e := range row {
				walkExpr(e, fn)
			}
		}
	case *ast.Update:
		for _, a := range s.Sets {
			walkExpr(a.Value, fn)
		}
		walkExpr(s.Where, fn)
	case *ast.Delete:
		walkExpr(s.Where, fn)
	case *ast.CreateTable:
		for _, cd := range s.Columns {
			walkExpr(cd.Default, fn)
		}
	case *ast.Explain:
		walkStatement(s.Stmt, fn)
	}
}

func walkExpr(e ast.Expr, fn func(ast.Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch x := e.(type) {
	case *ast.Binary:
		walkExpr(x.L, fn)
		walkExpr(x.R, fn)
	case *ast.Unary:
		walkExpr(x.X, fn)
	case *ast.IsNull:
		walkExpr(x.X, fn)
	case *ast.Between:
		walkExpr(x.X, fn)
		walkExpr(x.Lo, fn)
		walkExpr(x.Hi, fn)
	case *ast.InList:
		walkExpr(x.X, fn)
		for _, i := range x.List {
			walkExpr(i, fn)
		}
	case *ast.Call:
		for _, a := range x.Args {
			walkExpr(a, fn)
		}
	}
}
