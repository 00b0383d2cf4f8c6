package parser

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/sql/ast"
)

func parse(t *testing.T, sql string) ast.Statement {
	t.Helper()
	stmt, err := Parse(sql)
	require.NoError(t, err)
	return stmt
}

func TestParseSelectBasics(t *testing.T) {
	stmt := parse(t, "SELECT id, name AS n FROM users WHERE id >= 10 ORDER BY id DESC LIMIT 5 OFFSET 2;")
	s, ok := stmt.(*ast.Select)
	require.True(t, ok)

	require.Len(t, s.Columns, 2)
	require.Equal(t, "n", s.Columns[1].Alias)
	require.Equal(t, "users", s.From.Name)

	w, ok := s.Where.(*ast.Binary)
	require.True(t, ok)
	require.Equal(t, ast.OpGe, w.Op)

	require.Len(t, s.OrderBy, 1)
	require.True(t, s.OrderBy[0].Desc)

	lim, ok := s.Limit.(*ast.IntLit)
	require.True(t, ok)
	require.EqualValues(t, 5, lim.V)
	off, ok := s.Offset.(*ast.IntLit)
	require.True(t, ok)
	require.EqualValues(t, 2, off.V)
}

func TestParseSelectStar(t *testing.T) {
	s := parse(t, "select * from t").(*ast.Select)
	require.Len(t, s.Columns, 1)
	require.True(t, s.Columns[0].Star)
}

func TestParseSelectWithoutFrom(t *testing.T) {
	s := parse(t, "SELECT 1 + 2 * 3").(*ast.Select)
	require.Nil(t, s.From)

	// Multiplication binds tighter than addition.
	top := s.Columns[0].Expr.(*ast.Binary)
	require.Equal(t, ast.OpAdd, top.Op)
	right := top.R.(*ast.Binary)
	require.Equal(t, ast.OpMul, right.Op)
}

func TestParseOperatorPrecedence(t *testing.T) {
	s := parse(t, "SELECT a FROM t WHERE a = 1 OR b = 2 AND c = 3").(*ast.Select)

	// AND binds tighter than OR.
	or := s.Where.(*ast.Binary)
	require.Equal(t, ast.OpOr, or.Op)
	and := or.R.(*ast.Binary)
	require.Equal(t, ast.OpAnd, and.Op)
}

func TestParsePredicateTails(t *testing.T) {
	s := parse(t, "SELECT a FROM t WHERE a IS NOT NULL AND b BETWEEN 1 AND 9 AND c NOT IN (1, 2, 3)").(*ast.Select)

	top := s.Where.(*ast.Binary)
	require.Equal(t, ast.OpAnd, top.Op)

	in := top.R.(*ast.InList)
	require.True(t, in.Not)
	require.Len(t, in.List, 3)

	left := top.L.(*ast.Binary)
	isn := left.L.(*ast.IsNull)
	require.True(t, isn.Not)
	btw := left.R.(*ast.Between)
	require.False(t, btw.Not)
}

func TestParseLiterals(t *testing.T) {
	s := parse(t, "SELECT 42, -7, 3.5, 'it''s', x'DEADBEEF', NULL FROM t").(*ast.Select)
	require.Len(t, s.Columns, 6)

	require.EqualValues(t, 42, s.Columns[0].Expr.(*ast.IntLit).V)
	require.EqualValues(t, -7, s.Columns[1].Expr.(*ast.IntLit).V)
	require.InDelta(t, 3.5, s.Columns[2].Expr.(*ast.FloatLit).V, 1e-9)
	require.Equal(t, "it's", s.Columns[3].Expr.(*ast.StringLit).V)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, s.Columns[4].Expr.(*ast.BlobLit).V)
	_, isNull := s.Columns[5].Expr.(*ast.NullLit)
	require.True(t, isNull)
}

func TestParseParamsNumberedInOrder(t *testing.T) {
	stmt := parse(t, "SELECT a FROM t WHERE a = ? AND b BETWEEN ? AND ?")
	var idx []int
	walkStatement(stmt, func(e ast.Expr) {
		if p, ok := e.(*ast.Param); ok {
			idx = append(idx, p.Index)
		}
	})
	require.Equal(t, []int{1, 2, 3}, idx)
	require.Equal(t, 3, NumParams(stmt))
}

func TestParseQualifiedAndQuotedIdentifiers(t *testing.T) {
	s := parse(t, `SELECT t.id, "weird ""name""" FROM "my table" AS t`).(*ast.Select)

	c0 := s.Columns[0].Expr.(*ast.ColumnRef)
	require.Equal(t, "t", c0.Table)
	require.Equal(t, "id", c0.Name)

	c1 := s.Columns[1].Expr.(*ast.ColumnRef)
	require.Equal(t, `weird "name"`, c1.Name)

	require.Equal(t, "my table", s.From.Name)
	require.Equal(t, "t", s.From.Alias)
}

func TestParseInsert(t *testing.T) {
	stmt := parse(t, "INSERT INTO users (id, name) VALUES (1, 'ada'), (2, 'bob')")
	ins := stmt.(*ast.Insert)
	require.Equal(t, "users", ins.Table.Name)
	require.Equal(t, []string{"id", "name"}, ins.Columns)
	require.Len(t, ins.Rows, 2)
	require.Equal(t, "bob", ins.Rows[1][1].(*ast.StringLit).V)
}

func TestParseUpdateAndDelete(t *testing.T) {
	u := parse(t, "UPDATE users SET name = 'x', age = age + 1 WHERE id = ?").(*ast.Update)
	require.Len(t, u.Sets, 2)
	require.Equal(t, "name", u.Sets[0].Column)
	require.NotNil(t, u.Where)

	d := parse(t, "DELETE FROM users").(*ast.Delete)
	require.Equal(t, "users", d.Table.Name)
	require.Nil(t, d.Where)
}

func TestParseCreateTable(t *testing.T) {
	sql := `CREATE TABLE IF NOT EXISTS people (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL COLLATE nocase,
		age INT DEFAULT 0,
		tag BLOB UNIQUE
	);`
	ct := parse(t, sql).(*ast.CreateTable)
	require.True(t, ct.IfNotExists)
	require.Equal(t, "people", ct.Name)
	require.Len(t, ct.Columns, 4)

	require.Equal(t, "INTEGER", ct.Columns[0].Type)
	require.True(t, ct.Columns[0].PrimaryKey)
	require.True(t, ct.Columns[1].NotNull)
	require.Equal(t, "NOCASE", ct.Columns[1].Collate)
	require.EqualValues(t, 0, ct.Columns[2].Default.(*ast.IntLit).V)
	require.True(t, ct.Columns[3].Unique)

	// The catalog keeps the original text without the semicolon.
	require.NotEmpty(t, ct.SQL)
	require.NotContains(t, ct.SQL, ";")
}

func TestParseCreateTableRejectsTwoPrimaryKeys(t *testing.T) {
	_, err := Parse("CREATE TABLE t (a INTEGER PRIMARY KEY, b TEXT PRIMARY KEY)")
	require.Error(t, err)
	var ce *dberr.CompileError
	require.ErrorAs(t, err, &ce)
}

func TestParseCreateIndex(t *testing.T) {
	ci := parse(t, "CREATE UNIQUE INDEX idx_name ON users (name, age DESC)").(*ast.CreateIndex)
	require.True(t, ci.Unique)
	require.Equal(t, "idx_name", ci.Name)
	require.Equal(t, "users", ci.Table)
	require.Len(t, ci.Columns, 2)
	require.False(t, ci.Columns[0].Desc)
	require.True(t, ci.Columns[1].Desc)
}

func TestParseDrop(t *testing.T) {
	dt := parse(t, "DROP TABLE IF EXISTS users").(*ast.DropTable)
	require.True(t, dt.IfExists)
	di := parse(t, "DROP INDEX idx_name").(*ast.DropIndex)
	require.False(t, di.IfExists)
	require.Equal(t, "idx_name", di.Name)
}

func TestParseTransactionControl(t *testing.T) {
	b := parse(t, "BEGIN").(*ast.Begin)
	require.False(t, b.Immediate)
	bi := parse(t, "BEGIN IMMEDIATE TRANSACTION").(*ast.Begin)
	require.True(t, bi.Immediate)

	_, isCommit := parse(t, "COMMIT").(*ast.Commit)
	require.True(t, isCommit)
	_, isCommit = parse(t, "END").(*ast.Commit)
	require.True(t, isCommit)

	rb := parse(t, "ROLLBACK").(*ast.Rollback)
	require.Empty(t, rb.To)
	rt := parse(t, "ROLLBACK TO SAVEPOINT sp1").(*ast.Rollback)
	require.Equal(t, "sp1", rt.To)

	sp := parse(t, "SAVEPOINT sp1").(*ast.Savepoint)
	require.Equal(t, "sp1", sp.Name)
	rl := parse(t, "RELEASE sp1").(*ast.Release)
	require.Equal(t, "sp1", rl.Name)
}

func TestParseExplain(t *testing.T) {
	ex := parse(t, "EXPLAIN SELECT a FROM t").(*ast.Explain)
	_, ok := ex.Stmt.(*ast.Select)
	require.True(t, ok)
}

func TestParseCallCapturedForBinder(t *testing.T) {
	// Function calls parse; rejecting them is the binder's job.
	s := parse(t, "SELECT count(*) FROM t").(*ast.Select)
	call := s.Columns[0].Expr.(*ast.Call)
	require.Equal(t, "count", call.Name)
	require.True(t, call.Star)
}

func TestParseSyntaxErrorCarriesPosition(t *testing.T) {
	_, err := Parse("SELECT FROM WHERE")
	require.Error(t, err)
	var ce *dberr.CompileError
	require.ErrorAs(t, err, &ce)
	require.GreaterOrEqual(t, ce.Offset, 0)
}

func TestParseCommentsAndWhitespace(t *testing.T) {
	s := parse(t, "SELECT a -- trailing comment\nFROM t").(*ast.Select)
	require.Equal(t, "t", s.From.Name)
}
