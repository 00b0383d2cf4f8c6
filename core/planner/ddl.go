package planner

import (
	"strings"

	"go.uber.org/zap"

	"github.com/quarrydb/quarry/core/btree"
	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/core/schema"
	"github.com/quarrydb/quarry/core/storage/pager"
	"github.com/quarrydb/quarry/core/vdbe"
	"github.com/quarrydb/quarry/sql/ast"
)

// ExecuteDDL applies a catalog statement inside the session's
// transaction scope and returns the reloaded schema. Catalog changes
// bump the schema cookie so prepared statements re-compile.
func ExecuteDDL(sess *vdbe.Session, cat *schema.Schema, stmt ast.Statement, log *zap.Logger) (*schema.Schema, error) {
	if err := sess.EnsureWrite(); err != nil {
		return nil, err
	}
	sp, err := sess.StmtBegin(true)
	if err != nil {
		return nil, err
	}

	var changed bool
	switch s := stmt.(type) {
	case *ast.CreateTable:
		changed, err = createTable(sess.Pager(), cat, s)
	case *ast.CreateIndex:
		changed, err = createIndex(sess.Pager(), cat, s)
	case *ast.DropTable:
		changed, err = dropTable(sess.Pager(), cat, s)
	case *ast.DropIndex:
		changed, err = dropIndex(sess.Pager(), cat, s)
	default:
		err = dberr.Compile("not a DDL statement")
	}
	if err != nil {
		sess.StmtAbort(sp)
		return nil, err
	}

	pgr := sess.Pager()
	if changed {
		pgr.SetSchemaCookie(pgr.Header().SchemaCookie + 1)
	}
	if err := sess.StmtCommit(); err != nil {
		return nil, err
	}
	if !changed {
		return cat, nil
	}

	// Reading the catalog back needs a read transaction when the write
	// just committed in autocommit mode.
	if err := sess.EnsureRead(); err != nil {
		return nil, err
	}
	newCat, err := schema.Load(pgr, log)
	if !sess.InTxn() {
		pgr.EndRead()
	}
	return newCat, err
}

func reservedName(name string) bool {
	return len(name) >= 7 && strings.EqualFold(name[:7], "sqlite_")
}

func nameTaken(cat *schema.Schema, name string) bool {
	if _, ok := cat.Table(name); ok {
		return true
	}
	_, ok := cat.Index(name)
	return ok
}

// appendSchemaRow adds one catalog row. Automatic indexes store a NULL
// sql column.
func appendSchemaRow(pgr *pager.Pager, typ, name, tblName string, root uint32, sql record.Value) error {
	t := btree.NewTable(pgr, schema.SchemaRoot)
	rowid := int64(1)
	if max, ok, err := t.MaxRowid(); err != nil {
		return err
	} else if ok {
		rowid = max + 1
	}
	payload := record.Encode([]record.Value{
		record.Text(typ),
		record.Text(name),
		record.Text(tblName),
		record.Int(int64(root)),
		sql,
	})
	return t.InsertRow(rowid, payload)
}

// deleteSchemaRows removes every catalog row the predicate selects.
func deleteSchemaRows(pgr *pager.Pager, match func(typ, name, tblName string) bool) error {
	t := btree.NewTable(pgr, schema.SchemaRoot)
	cur := t.NewCursor()
	var rowids []int64
	ok, err := cur.First()
	for err == nil && ok {
		payload, perr := cur.Payload()
		if perr != nil {
			return perr
		}
		vals, perr := record.Decode(payload)
		if perr != nil {
			return perr
		}
		if len(vals) >= 3 && match(vals[0].Text(), vals[1].Text(), vals[2].Text()) {
			rowid, rerr := cur.Rowid()
			if rerr != nil {
				return rerr
			}
			rowids = append(rowids, rowid)
		}
		ok, err = cur.Next()
	}
	if err != nil {
		return err
	}
	for _, rowid := range rowids {
		found, err := cur.SeekRowid(rowid, btree.SeekEQ)
		if err != nil {
			return err
		}
		if found {
			if err := cur.Delete(); err != nil {
				return err
			}
		}
	}
	return nil
}

func createTable(pgr *pager.Pager, cat *schema.Schema, s *ast.CreateTable) (bool, error) {
	if reservedName(s.Name) {
		return false, compileAt(s.P, "object name reserved for internal use: %s", s.Name)
	}
	if nameTaken(cat, s.Name) {
		if s.IfNotExists {
			if _, ok := cat.Table(s.Name); ok {
				return false, nil
			}
		}
		return false, compileAt(s.P, "table %s already exists", s.Name)
	}
	for _, col := range s.Columns {
		if col.Default != nil {
			if _, ok := constValue(fold(col.Default)); !ok {
				return false, compileAt(col.P, "default value of column %s is not constant", col.Name)
			}
		}
	}
	// Validate the definition before allocating pages.
	if _, err := schema.TableFromAST(s, 0); err != nil {
		return false, err
	}

	root, err := btree.Create(pgr, btree.KindTable)
	if err != nil {
		return false, err
	}
	tbl, err := schema.TableFromAST(s, root)
	if err != nil {
		return false, err
	}
	if err := appendSchemaRow(pgr, "table", tbl.Name, tbl.Name, root, record.Text(s.SQL)); err != nil {
		return false, err
	}

	// Non-rowid primary keys and UNIQUE columns get automatic indexes.
	for n := range schema.AutoIndexColumns(tbl) {
		iroot, err := btree.Create(pgr, btree.KindIndex)
		if err != nil {
			return false, err
		}
		name := schema.AutoIndexName(tbl.Name, n+1)
		if err := appendSchemaRow(pgr, "index", name, tbl.Name, iroot, record.Null()); err != nil {
			return false, err
		}
	}
	return true, nil
}

func createIndex(pgr *pager.Pager, cat *schema.Schema, s *ast.CreateIndex) (bool, error) {
	if reservedName(s.Name) {
		return false, compileAt(s.P, "object name reserved for internal use: %s", s.Name)
	}
	if nameTaken(cat, s.Name) {
		if s.IfNotExists {
			if _, ok := cat.Index(s.Name); ok {
				return false, nil
			}
		}
		return false, compileAt(s.P, "index %s already exists", s.Name)
	}
	tbl, ok := cat.Table(s.Table)
	if !ok {
		return false, compileAt(s.P, "no such table: %s", s.Table)
	}
	if reservedName(tbl.Name) {
		return false, compileAt(s.P, "table %s may not be indexed", tbl.Name)
	}

	root, err := btree.Create(pgr, btree.KindIndex)
	if err != nil {
		return false, err
	}
	ix, err := schema.IndexFromAST(s, tbl, root)
	if err != nil {
		return false, err
	}
	if err := backfillIndex(pgr, tbl, ix); err != nil {
		return false, err
	}
	if err := appendSchemaRow(pgr, "index", ix.Name, tbl.Name, root, record.Text(s.SQL)); err != nil {
		return false, err
	}
	return true, nil
}

// backfillIndex builds entries for every existing row, enforcing
// uniqueness as it goes.
func backfillIndex(pgr *pager.Pager, tbl *schema.Table, ix *schema.Index) error {
	tree := btree.NewIndex(pgr, ix.Root, ix.KeyInfo)
	icur := tree.NewCursor()
	tcur := btree.NewTable(pgr, tbl.Root).NewCursor()

	positions := make([]int, len(ix.Columns))
	affs := make([]record.Affinity, len(ix.Columns))
	for j, ic := range ix.Columns {
		pos := tbl.Column(ic.Name)
		if pos < 0 {
			return dberr.Compile("no such column: %s", ic.Name)
		}
		positions[j] = pos
		affs[j] = tbl.Columns[pos].Affinity
	}

	ok, err := tcur.First()
	for err == nil && ok {
		rowid, rerr := tcur.Rowid()
		if rerr != nil {
			return rerr
		}
		payload, rerr := tcur.Payload()
		if rerr != nil {
			return rerr
		}
		vals, rerr := record.Decode(payload)
		if rerr != nil {
			return rerr
		}

		key := make([]record.Value, 0, len(positions)+1)
		hasNull := false
		for j, pos := range positions {
			var v record.Value
			if pos == tbl.RowidPK {
				v = record.Int(rowid)
			} else if pos < len(vals) {
				v = vals[pos].Apply(affs[j])
			} else {
				v = record.Null()
			}
			if v.IsNull() {
				hasNull = true
			}
			key = append(key, v)
		}
		if ix.Unique && !hasNull {
			found, serr := icur.SeekKey(key, btree.SeekEQ)
			if serr != nil {
				return serr
			}
			if found {
				cerr := &dberr.ConstraintError{Kind: dberr.ConstraintUnique, Table: tbl.Name}
				if len(ix.Columns) == 1 {
					cerr.Column = ix.Columns[0].Name
				}
				return cerr
			}
		}
		key = append(key, record.Int(rowid))
		if ierr := tree.InsertEntry(record.Encode(key)); ierr != nil {
			return ierr
		}
		ok, err = tcur.Next()
	}
	return err
}

func dropTable(pgr *pager.Pager, cat *schema.Schema, s *ast.DropTable) (bool, error) {
	tbl, ok := cat.Table(s.Name)
	if !ok {
		if s.IfExists {
			return false, nil
		}
		return false, compileAt(s.P, "no such table: %s", s.Name)
	}
	if reservedName(tbl.Name) {
		return false, compileAt(s.P, "table %s may not be dropped", tbl.Name)
	}
	for _, ix := range tbl.Indexes {
		if err := btree.NewIndex(pgr, ix.Root, ix.KeyInfo).Drop(); err != nil {
			return false, err
		}
	}
	if err := btree.NewTable(pgr, tbl.Root).Drop(); err != nil {
		return false, err
	}
	err := deleteSchemaRows(pgr, func(typ, name, tblName string) bool {
		return strings.EqualFold(tblName, tbl.Name)
	})
	return err == nil, err
}

func dropIndex(pgr *pager.Pager, cat *schema.Schema, s *ast.DropIndex) (bool, error) {
	ix, ok := cat.Index(s.Name)
	if !ok {
		if s.IfExists {
			return false, nil
		}
		return false, compileAt(s.P, "no such index: %s", s.Name)
	}
	if strings.HasPrefix(strings.ToLower(ix.Name), "sqlite_autoindex_") {
		return false, compileAt(s.P, "index %s backs a constraint and may not be dropped", ix.Name)
	}
	if err := btree.NewIndex(pgr, ix.Root, ix.KeyInfo).Drop(); err != nil {
		return false, err
	}
	err := deleteSchemaRows(pgr, func(typ, name, tblName string) bool {
		return strings.EqualFold(typ, "index") && strings.EqualFold(name, ix.Name)
	})
	return err == nil, err
}
