package planner

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/core/schema"
	"github.com/quarrydb/quarry/core/storage/pager"
	"github.com/quarrydb/quarry/core/storage/wal"
	"github.com/quarrydb/quarry/core/vdbe"
	"github.com/quarrydb/quarry/core/vfs"
	"github.com/quarrydb/quarry/pkg/telemetry"
	"github.com/quarrydb/quarry/sql/parser"
)

type testDB struct {
	sess *vdbe.Session
	cat  *schema.Schema
	m    *telemetry.Metrics
}

func newTestDB(t *testing.T) *testDB {
	t.Helper()
	v := vfs.New(vfs.BackendSync)
	path := filepath.Join(t.TempDir(), "plan.db")

	hdr, err := pager.Bootstrap(v, path, 512)
	require.NoError(t, err)
	m := telemetry.New()
	w, err := wal.Open(v, path+"-wal", 512, false, zap.NewNop(), m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	p, err := pager.New(v, path, w, hdr, pager.Options{CachePages: 200}, zap.NewNop(), m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	sess := vdbe.NewSession(p, zap.NewNop())
	require.NoError(t, p.BeginRead())
	cat, err := schema.Load(p, zap.NewNop())
	p.EndRead()
	require.NoError(t, err)
	return &testDB{sess: sess, cat: cat, m: m}
}

func (d *testDB) run(t *testing.T, sql string, args ...record.Value) ([][]record.Value, error) {
	t.Helper()
	stmt, err := parser.Parse(sql)
	if err != nil {
		return nil, err
	}
	if IsDDL(stmt) {
		cat, err := ExecuteDDL(d.sess, d.cat, stmt, zap.NewNop())
		if err != nil {
			return nil, err
		}
		d.cat = cat
		return nil, nil
	}
	prog, err := Compile(d.cat, stmt, sql, parser.NumParams(stmt))
	if err != nil {
		return nil, err
	}
	vm := vdbe.New(prog, d.sess, zap.NewNop(), d.m)
	for i, a := range args {
		if err := vm.BindValue(i+1, a); err != nil {
			return nil, err
		}
	}
	var rows [][]record.Value
	for {
		res, err := vm.Step()
		if err != nil {
			return nil, err
		}
		switch res {
		case vdbe.Row:
			row := make([]record.Value, len(vm.Row()))
			copy(row, vm.Row())
			rows = append(rows, row)
		case vdbe.Done:
			return rows, nil
		default:
			t.Fatalf("unexpected step result %v", res)
		}
	}
}

func (d *testDB) exec(t *testing.T, sql string, args ...record.Value) [][]record.Value {
	t.Helper()
	rows, err := d.run(t, sql, args...)
	require.NoError(t, err, "sql: %s", sql)
	return rows
}

func ints(row []record.Value) []int64 {
	out := make([]int64, len(row))
	for i, v := range row {
		out[i] = v.AsInt()
	}
	return out
}

func TestCreateInsertSelect(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, age INT)")
	d.exec(t, "INSERT INTO users (id, name, age) VALUES (1, 'ada', 36), (2, 'grace', 45)")
	d.exec(t, "INSERT INTO users (name, age) VALUES ('alan', 41)")

	rows := d.exec(t, "SELECT id, name, age FROM users")
	require.Len(t, rows, 3)
	require.Equal(t, []int64{1, 36}, []int64{rows[0][0].AsInt(), rows[0][2].AsInt()})
	require.Equal(t, "ada", rows[0][1].Text())
	// Omitted rowid alias gets max+1.
	require.Equal(t, int64(3), rows[2][0].AsInt())
	require.Equal(t, "alan", rows[2][1].Text())

	rows = d.exec(t, "SELECT name FROM users WHERE age > 40")
	require.Len(t, rows, 2)
}

func TestSelectStarAndColumnNames(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (a, b TEXT)")
	d.exec(t, "INSERT INTO t VALUES (1, 'x')")

	stmt, err := parser.Parse("SELECT *, a AS alpha, a+1 FROM t")
	require.NoError(t, err)
	prog, err := Compile(d.cat, stmt, "", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "alpha", "expr"}, prog.Columns)
}

func TestRowidAliasIsTheKey(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (id INTEGER PRIMARY KEY, v)")
	d.exec(t, "INSERT INTO t (id, v) VALUES (7, 'x')")

	rows := d.exec(t, "SELECT id, rowid, _rowid_ FROM t")
	require.Equal(t, []int64{7, 7, 7}, ints(rows[0]))

	// Lookup through the alias is a rowid probe, not a scan.
	rows = d.exec(t, "SELECT v FROM t WHERE id = 7")
	require.Len(t, rows, 1)
	require.Equal(t, "x", rows[0][0].Text())
}

func TestOrderByLimitOffset(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (v)")
	d.exec(t, "INSERT INTO t VALUES (10), (20), (30), (40)")

	rows := d.exec(t, "SELECT rowid FROM t ORDER BY rowid DESC LIMIT 2 OFFSET 1")
	require.Equal(t, [][]int64{{3}, {2}}, [][]int64{ints(rows[0]), ints(rows[1])})

	rows = d.exec(t, "SELECT rowid FROM t LIMIT 0")
	require.Empty(t, rows)

	// Negative and NULL limits mean unlimited.
	rows = d.exec(t, "SELECT rowid FROM t LIMIT -1")
	require.Len(t, rows, 4)

	rows = d.exec(t, "SELECT rowid FROM t LIMIT NULL")
	require.Len(t, rows, 4)
}

func TestOrderByNeedsIndexOrRowid(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (v)")
	_, err := d.run(t, "SELECT v FROM t ORDER BY v")
	require.Error(t, err)
	var ce *dberr.CompileError
	require.ErrorAs(t, err, &ce)

	d.exec(t, "CREATE INDEX t_v ON t (v)")
	d.exec(t, "INSERT INTO t VALUES (3), (1), (2)")
	rows := d.exec(t, "SELECT v FROM t ORDER BY v")
	require.Equal(t, []int64{1}, ints(rows[0]))
	require.Equal(t, []int64{3}, ints(rows[2]))
}

func TestIndexedEqualityUsesIndex(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (k, v)")
	d.exec(t, "CREATE INDEX t_k ON t (k)")
	for i := int64(1); i <= 20; i++ {
		d.exec(t, "INSERT INTO t (k, v) VALUES (?, ?)", record.Int(i%5), record.Int(i))
	}

	stmt, err := parser.Parse("SELECT v FROM t WHERE k = 3")
	require.NoError(t, err)
	prog, err := Compile(d.cat, stmt, "", 0)
	require.NoError(t, err)
	listing := strings.Join(prog.Explain(), "\n")
	require.Contains(t, listing, "t_k")

	rows := d.exec(t, "SELECT v FROM t WHERE k = 3")
	require.Len(t, rows, 4)
	for _, row := range rows {
		require.Equal(t, int64(3), row[0].AsInt()%5)
	}
}

func TestRangeScanOnIndex(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (k)")
	d.exec(t, "CREATE INDEX t_k ON t (k)")
	d.exec(t, "INSERT INTO t VALUES (5), (1), (9), (3), (7)")

	rows := d.exec(t, "SELECT k FROM t WHERE k > 3 AND k < 9 ORDER BY k")
	require.Len(t, rows, 2)
	require.Equal(t, int64(5), rows[0][0].AsInt())
	require.Equal(t, int64(7), rows[1][0].AsInt())

	rows = d.exec(t, "SELECT k FROM t WHERE k BETWEEN 3 AND 7 ORDER BY k DESC")
	require.Equal(t, []int64{7}, ints(rows[0]))
	require.Equal(t, []int64{3}, ints(rows[2]))
}

func TestInListDesugars(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (v)")
	d.exec(t, "INSERT INTO t VALUES (1), (2), (3), (4)")
	rows := d.exec(t, "SELECT v FROM t WHERE v IN (2, 4)")
	require.Len(t, rows, 2)
	rows = d.exec(t, "SELECT v FROM t WHERE v NOT IN (2, 4)")
	require.Len(t, rows, 2)
	rows = d.exec(t, "SELECT v FROM t WHERE v IN ()")
	require.Empty(t, rows)
}

func TestComparisonWithNullMatchesNothing(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (v)")
	d.exec(t, "INSERT INTO t VALUES (1), (NULL)")
	require.Empty(t, d.exec(t, "SELECT v FROM t WHERE v = NULL"))
	rows := d.exec(t, "SELECT rowid FROM t WHERE v IS NULL")
	require.Len(t, rows, 1)
	require.Equal(t, int64(2), rows[0][0].AsInt())
}

func TestNotNullConstraint(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (a NOT NULL, b)")
	_, err := d.run(t, "INSERT INTO t (b) VALUES (1)")
	require.True(t, dberr.IsConstraint(err))
	var ce *dberr.ConstraintError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, dberr.ConstraintNotNull, ce.Kind)
	require.Equal(t, "a", ce.Column)
	require.Empty(t, d.exec(t, "SELECT * FROM t"))
}

func TestUniqueColumnConstraint(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (email TEXT UNIQUE, n)")
	d.exec(t, "INSERT INTO t VALUES ('a@x', 1)")
	_, err := d.run(t, "INSERT INTO t VALUES ('a@x', 2)")
	require.True(t, dberr.IsConstraint(err))

	// NULLs never collide.
	d.exec(t, "INSERT INTO t VALUES (NULL, 3)")
	d.exec(t, "INSERT INTO t VALUES (NULL, 4)")
	require.Len(t, d.exec(t, "SELECT * FROM t"), 3)
}

func TestExplicitRowidConflict(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (id INTEGER PRIMARY KEY, v)")
	d.exec(t, "INSERT INTO t (id, v) VALUES (1, 'x')")
	_, err := d.run(t, "INSERT INTO t (id, v) VALUES (1, 'y')")
	require.True(t, dberr.IsConstraint(err))
	var ce *dberr.ConstraintError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, dberr.ConstraintPrimaryKey, ce.Kind)

	// NULL in the alias column asks for assignment instead.
	d.exec(t, "INSERT INTO t (id, v) VALUES (NULL, 'z')")
	rows := d.exec(t, "SELECT id FROM t")
	require.Equal(t, []int64{1}, ints(rows[0]))
	require.Equal(t, []int64{2}, ints(rows[1]))
}

func TestConstraintAbortsStatementNotTransaction(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (v UNIQUE)")
	d.exec(t, "BEGIN")
	d.exec(t, "INSERT INTO t VALUES (1)")
	_, err := d.run(t, "INSERT INTO t VALUES (1)")
	require.True(t, dberr.IsConstraint(err))
	d.exec(t, "INSERT INTO t VALUES (2)")
	d.exec(t, "COMMIT")
	require.Len(t, d.exec(t, "SELECT * FROM t"), 2)
}

func TestUpdateMaintainsIndexes(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (k, v)")
	d.exec(t, "CREATE INDEX t_k ON t (k)")
	d.exec(t, "INSERT INTO t VALUES (1, 'a'), (2, 'b')")
	d.exec(t, "UPDATE t SET k = 9 WHERE v = 'a'")

	rows := d.exec(t, "SELECT v FROM t WHERE k = 9")
	require.Len(t, rows, 1)
	require.Equal(t, "a", rows[0][0].Text())
	require.Empty(t, d.exec(t, "SELECT v FROM t WHERE k = 1"))
}

func TestUpdateUniqueSelfIsAllowed(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (v UNIQUE)")
	d.exec(t, "INSERT INTO t VALUES (1), (2)")
	d.exec(t, "UPDATE t SET v = v WHERE rowid = 1")
	_, err := d.run(t, "UPDATE t SET v = 2 WHERE rowid = 1")
	require.True(t, dberr.IsConstraint(err))
}

func TestUpdateRowidRejected(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (id INTEGER PRIMARY KEY, v)")
	_, err := d.run(t, "UPDATE t SET id = 5")
	var ce *dberr.CompileError
	require.ErrorAs(t, err, &ce)
	_, err = d.run(t, "UPDATE t SET rowid = 5")
	require.ErrorAs(t, err, &ce)
}

func TestDeleteMaintainsIndexes(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (k)")
	d.exec(t, "CREATE INDEX t_k ON t (k)")
	d.exec(t, "INSERT INTO t VALUES (1), (2), (3)")
	d.exec(t, "DELETE FROM t WHERE k <> 2")
	require.Len(t, d.exec(t, "SELECT * FROM t"), 1)
	require.Empty(t, d.exec(t, "SELECT k FROM t WHERE k = 1"))
	require.Len(t, d.exec(t, "SELECT k FROM t WHERE k = 2"), 1)
}

func TestDefaultsApplied(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (a, b DEFAULT 42, c TEXT DEFAULT 'none')")
	d.exec(t, "INSERT INTO t (a) VALUES (1)")
	rows := d.exec(t, "SELECT b, c FROM t")
	require.Equal(t, int64(42), rows[0][0].AsInt())
	require.Equal(t, "none", rows[0][1].Text())
}

func TestCreateIndexBackfill(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (k)")
	d.exec(t, "INSERT INTO t VALUES (3), (1), (2)")
	d.exec(t, "CREATE INDEX t_k ON t (k)")
	rows := d.exec(t, "SELECT k FROM t ORDER BY k")
	require.Equal(t, []int64{1}, ints(rows[0]))
	require.Equal(t, []int64{3}, ints(rows[2]))
}

func TestCreateUniqueIndexRejectsExistingDuplicates(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (k)")
	d.exec(t, "INSERT INTO t VALUES (1), (1)")
	_, err := d.run(t, "CREATE UNIQUE INDEX t_k ON t (k)")
	require.True(t, dberr.IsConstraint(err))
	// The failed creation leaves no trace.
	_, ok := d.cat.Index("t_k")
	require.False(t, ok)
	d.exec(t, "DELETE FROM t WHERE rowid = 2")
	d.exec(t, "CREATE UNIQUE INDEX t_k ON t (k)")
}

func TestDropTableRemovesDependents(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (k)")
	d.exec(t, "CREATE INDEX t_k ON t (k)")
	d.exec(t, "DROP TABLE t")
	_, err := d.run(t, "SELECT * FROM t")
	var ce *dberr.CompileError
	require.ErrorAs(t, err, &ce)
	_, ok := d.cat.Index("t_k")
	require.False(t, ok)
	// The name is free again.
	d.exec(t, "CREATE TABLE t (x)")
	d.exec(t, "DROP TABLE IF EXISTS missing")
}

func TestDropAutoIndexRejected(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (k TEXT PRIMARY KEY)")
	name := schema.AutoIndexName("t", 1)
	_, ok := d.cat.Index(name)
	require.True(t, ok)
	_, err := d.run(t, "DROP INDEX "+name)
	require.Error(t, err)
}

func TestNonRowidPrimaryKey(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (k TEXT PRIMARY KEY, v)")
	d.exec(t, "INSERT INTO t VALUES ('a', 1)")
	_, err := d.run(t, "INSERT INTO t VALUES ('a', 2)")
	require.True(t, dberr.IsConstraint(err))
	var ce *dberr.ConstraintError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, dberr.ConstraintPrimaryKey, ce.Kind)

	rows := d.exec(t, "SELECT v FROM t WHERE k = 'a'")
	require.Len(t, rows, 1)
}

func TestExplicitTransactionRollback(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (v)")
	d.exec(t, "BEGIN")
	d.exec(t, "INSERT INTO t VALUES (1)")
	d.exec(t, "ROLLBACK")
	require.Empty(t, d.exec(t, "SELECT * FROM t"))
}

func TestSavepointStatements(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (v)")
	d.exec(t, "SAVEPOINT outer")
	d.exec(t, "INSERT INTO t VALUES (1)")
	d.exec(t, "SAVEPOINT inner")
	d.exec(t, "INSERT INTO t VALUES (2)")
	d.exec(t, "ROLLBACK TO inner")
	d.exec(t, "RELEASE outer")
	rows := d.exec(t, "SELECT v FROM t")
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0][0].AsInt())
}

func TestStaleProgramFailsWithSchemaChanged(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (v)")
	stmt, err := parser.Parse("SELECT * FROM t")
	require.NoError(t, err)
	prog, err := Compile(d.cat, stmt, "", 0)
	require.NoError(t, err)

	d.exec(t, "CREATE TABLE other (x)")

	vm := vdbe.New(prog, d.sess, zap.NewNop(), d.m)
	_, err = vm.Step()
	require.ErrorIs(t, err, dberr.ErrSchemaChanged)
}

func TestTextAffinityOnInsert(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (a TEXT, b INT)")
	d.exec(t, "INSERT INTO t VALUES (12, '34')")
	rows := d.exec(t, "SELECT a, b FROM t")
	require.Equal(t, "12", rows[0][0].Text())
	require.Equal(t, int64(34), rows[0][1].AsInt())
}

func TestComparisonAffinity(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (a INTEGER, b TEXT)")
	d.exec(t, "INSERT INTO t VALUES (5, '07')")

	// An integer column coerces a text operand to numeric.
	rows := d.exec(t, "SELECT a FROM t WHERE a = '5'")
	require.Len(t, rows, 1)
	require.Equal(t, int64(5), rows[0][0].AsInt())
	rows = d.exec(t, "SELECT a FROM t WHERE a = '6'")
	require.Empty(t, rows)
	rows = d.exec(t, "SELECT a FROM t WHERE a < '10'")
	require.Len(t, rows, 1)

	// A text column coerces a bare numeric operand to text, so the
	// leading zero is significant.
	rows = d.exec(t, "SELECT b FROM t WHERE b = 7")
	require.Empty(t, rows)
	rows = d.exec(t, "SELECT b FROM t WHERE b = '07'")
	require.Len(t, rows, 1)

	// Two typeless operands compare as stored.
	rows = d.exec(t, "SELECT a FROM t WHERE '5' = '5.0'")
	require.Empty(t, rows)

	// Bound parameters follow the column's affinity too.
	rows = d.exec(t, "SELECT a FROM t WHERE a = ?", record.Text("5"))
	require.Len(t, rows, 1)
}

func TestFunctionsRejected(t *testing.T) {
	d := newTestDB(t)
	d.exec(t, "CREATE TABLE t (v)")
	_, err := d.run(t, "SELECT count(*) FROM t")
	var ce *dberr.CompileError
	require.ErrorAs(t, err, &ce)
	require.Contains(t, ce.Msg, "count")
}
