package quarry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/core/vfs"
)

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")
	db, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func conn(t *testing.T, db *DB) *Conn {
	t.Helper()
	c, err := db.Conn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpenExecQuery(t *testing.T) {
	db := openTestDB(t)
	c := conn(t, db)

	_, err := c.Exec("CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)
	_, err = c.Exec("INSERT INTO notes (body) VALUES (?), (?)", Text("first"), Text("second"))
	require.NoError(t, err)

	rows, err := c.Exec("SELECT id, body FROM notes")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(1), rows[0][0].AsInt())
	require.Equal(t, "first", rows[0][1].Text())
	require.Equal(t, "second", rows[1][1].Text())
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")

	db, err := Open(path)
	require.NoError(t, err)
	c, err := db.Conn()
	require.NoError(t, err)
	_, err = c.Exec("CREATE TABLE kv (k TEXT, v TEXT)")
	require.NoError(t, err)
	_, err = c.Exec("INSERT INTO kv VALUES ('lang', 'go')")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()
	c2, err := db2.Conn()
	require.NoError(t, err)
	rows, err := c2.Exec("SELECT v FROM kv WHERE k = 'lang'")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "go", rows[0][0].Text())
}

func TestPrepareStepBindReset(t *testing.T) {
	db := openTestDB(t)
	c := conn(t, db)
	_, err := c.Exec("CREATE TABLE t (n)")
	require.NoError(t, err)
	_, err = c.Exec("INSERT INTO t VALUES (1), (2), (3)")
	require.NoError(t, err)

	s, err := c.Prepare("SELECT n FROM t WHERE n >= ?")
	require.NoError(t, err)
	defer s.Finalize()
	require.Equal(t, []string{"n"}, s.Columns())

	require.NoError(t, s.BindInt64(1, 2))
	var got []int64
	for {
		res, err := s.Step()
		require.NoError(t, err)
		if res == Done {
			break
		}
		require.Equal(t, RowAvailable, res)
		got = append(got, s.Row()[0].AsInt())
	}
	require.Equal(t, []int64{2, 3}, got)

	// Reset keeps the binding.
	s.Reset()
	res, err := s.Step()
	require.NoError(t, err)
	require.Equal(t, RowAvailable, res)
	require.Equal(t, int64(2), s.Row()[0].AsInt())
}

func TestStatementCacheSurvivesSchemaChange(t *testing.T) {
	db := openTestDB(t)
	c := conn(t, db)
	_, err := c.Exec("CREATE TABLE t (n)")
	require.NoError(t, err)
	_, err = c.Exec("INSERT INTO t VALUES (1)")
	require.NoError(t, err)

	// Warm the cache, then invalidate it from a second connection.
	_, err = c.Exec("SELECT n FROM t")
	require.NoError(t, err)
	c2 := conn(t, db)
	_, err = c2.Exec("CREATE TABLE other (x)")
	require.NoError(t, err)

	// The stale program re-prepares transparently.
	rows, err := c.Exec("SELECT n FROM t")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestSnapshotIsolationBetweenConnections(t *testing.T) {
	db := openTestDB(t)
	w := conn(t, db)
	r := conn(t, db)
	_, err := w.Exec("CREATE TABLE t (n)")
	require.NoError(t, err)
	_, err = w.Exec("INSERT INTO t VALUES (1)")
	require.NoError(t, err)

	// Reader pins its snapshot with an open transaction.
	_, err = r.Exec("BEGIN")
	require.NoError(t, err)
	rows, err := r.Exec("SELECT * FROM t")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = w.Exec("INSERT INTO t VALUES (2)")
	require.NoError(t, err)

	rows, err = r.Exec("SELECT * FROM t")
	require.NoError(t, err)
	require.Len(t, rows, 1, "open snapshot must not see the new commit")
	_, err = r.Exec("COMMIT")
	require.NoError(t, err)

	rows, err = r.Exec("SELECT * FROM t")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestSecondWriterIsBusy(t *testing.T) {
	db := openTestDB(t)
	a := conn(t, db)
	b := conn(t, db)
	_, err := a.Exec("CREATE TABLE t (n)")
	require.NoError(t, err)

	_, err = a.Exec("BEGIN IMMEDIATE")
	require.NoError(t, err)
	_, err = b.Exec("INSERT INTO t VALUES (1)")
	require.True(t, IsBusy(err), "got %v", err)

	_, err = a.Exec("COMMIT")
	require.NoError(t, err)
	_, err = b.Exec("INSERT INTO t VALUES (1)")
	require.NoError(t, err)
}

func TestConstraintErrorSurfacesTyped(t *testing.T) {
	db := openTestDB(t)
	c := conn(t, db)
	_, err := c.Exec("CREATE TABLE t (v UNIQUE)")
	require.NoError(t, err)
	_, err = c.Exec("INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	_, err = c.Exec("INSERT INTO t VALUES (1)")
	require.True(t, IsConstraint(err))
	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ConstraintUnique, ce.Kind)
	require.Equal(t, "t", ce.Table)
}

func TestTablesAndColumns(t *testing.T) {
	db := openTestDB(t)
	c := conn(t, db)
	_, err := c.Exec("CREATE TABLE books (id INTEGER PRIMARY KEY, title TEXT, year INT)")
	require.NoError(t, err)
	_, err = c.Exec("CREATE TABLE authors (name TEXT)")
	require.NoError(t, err)

	tables, err := c.Tables()
	require.NoError(t, err)
	require.Equal(t, []string{"authors", "books"}, tables)

	cols, err := c.Columns("books")
	require.NoError(t, err)
	require.Equal(t, []string{"id", "title", "year"}, cols)

	sql, err := c.TableSQL("books")
	require.NoError(t, err)
	require.Contains(t, sql, "CREATE TABLE books")
}

func TestExplainListsProgram(t *testing.T) {
	db := openTestDB(t)
	c := conn(t, db)
	_, err := c.Exec("CREATE TABLE t (n)")
	require.NoError(t, err)

	rows, err := c.Exec("EXPLAIN SELECT n FROM t")
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	var joined string
	for _, row := range rows {
		joined += row[1].Text() + "\n"
	}
	require.Contains(t, joined, "OpenRead")
	require.Contains(t, joined, "ResultRow")
}

func TestFinalizeMidIterationReleasesTransaction(t *testing.T) {
	db := openTestDB(t)
	c := conn(t, db)
	_, err := c.Exec("CREATE TABLE t (n)")
	require.NoError(t, err)
	_, err = c.Exec("INSERT INTO t VALUES (1), (2), (3)")
	require.NoError(t, err)

	s, err := c.Prepare("SELECT n FROM t")
	require.NoError(t, err)
	res, err := s.Step()
	require.NoError(t, err)
	require.Equal(t, RowAvailable, res)
	s.Finalize()

	// The abandoned read transaction must not block a writer.
	_, err = c.Exec("INSERT INTO t VALUES (4)")
	require.NoError(t, err)
}

func TestAutoCheckpointTruncatesLog(t *testing.T) {
	db := openTestDB(t, WithAutoCheckpoint(4), WithCachePages(50))
	c := conn(t, db)
	_, err := c.Exec("CREATE TABLE t (n)")
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		_, err = c.Exec("INSERT INTO t VALUES (?)", Int(int64(i)))
		require.NoError(t, err)
	}
	// The log was checkpointed along the way instead of growing without
	// bound; a fresh read still sees every row.
	rows, err := c.Exec("SELECT * FROM t")
	require.NoError(t, err)
	require.Len(t, rows, 30)
}

func TestQueueBackendPollsToCompletion(t *testing.T) {
	db := openTestDB(t, WithIOBackend(vfs.BackendQueue))
	c := conn(t, db)

	_, err := c.Exec("CREATE TABLE t (n)")
	require.NoError(t, err)
	_, err = c.Exec("INSERT INTO t VALUES (10), (20)")
	require.NoError(t, err)

	rows, err := c.Exec("SELECT n FROM t")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestIndexPathMatchesFullScan(t *testing.T) {
	db := openTestDB(t)
	c := conn(t, db)
	_, err := c.Exec("CREATE TABLE fast (k INT, v TEXT)")
	require.NoError(t, err)
	_, err = c.Exec("CREATE TABLE slow (k INT, v TEXT)")
	require.NoError(t, err)
	_, err = c.Exec("CREATE INDEX fast_k ON fast (k)")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		k := Int(int64(i % 7))
		v := Text("row")
		_, err = c.Exec("INSERT INTO fast VALUES (?, ?)", k, v)
		require.NoError(t, err)
		_, err = c.Exec("INSERT INTO slow VALUES (?, ?)", k, v)
		require.NoError(t, err)
	}

	// The indexed table takes the index path.
	plan, err := c.Exec("EXPLAIN SELECT v FROM fast WHERE k = 3")
	require.NoError(t, err)
	var listing string
	for _, row := range plan {
		listing += row[1].Text()
	}
	require.Contains(t, listing, "fast_k")

	indexed, err := c.Exec("SELECT rowid, v FROM fast WHERE k = 3")
	require.NoError(t, err)
	scanned, err := c.Exec("SELECT rowid, v FROM slow WHERE k = 3")
	require.NoError(t, err)
	require.Len(t, indexed, len(scanned))
	// Both tables received identical rows in the same order, so the
	// surviving rowids must match.
	for i := range indexed {
		require.Equal(t, scanned[i][0].AsInt(), indexed[i][0].AsInt())
	}
}

func TestTransactionAcrossStatements(t *testing.T) {
	db := openTestDB(t)
	c := conn(t, db)
	_, err := c.Exec("CREATE TABLE t (n)")
	require.NoError(t, err)

	_, err = c.Exec("BEGIN")
	require.NoError(t, err)
	_, err = c.Exec("INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	_, err = c.Exec("SAVEPOINT sp1")
	require.NoError(t, err)
	_, err = c.Exec("INSERT INTO t VALUES (2)")
	require.NoError(t, err)
	_, err = c.Exec("ROLLBACK TO sp1")
	require.NoError(t, err)
	_, err = c.Exec("COMMIT")
	require.NoError(t, err)

	rows, err := c.Exec("SELECT n FROM t")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0][0].AsInt())
}
