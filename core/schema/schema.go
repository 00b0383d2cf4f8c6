// Package schema maintains the in-memory catalog rebuilt from the
// sqlite_schema table. Table and index metadata is recovered by
// re-parsing the stored CREATE statements.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrydb/quarry/core/btree"
	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/core/storage/pager"
	"github.com/quarrydb/quarry/sql/ast"
	"github.com/quarrydb/quarry/sql/parser"
)

// SchemaRoot is the root page of the sqlite_schema table.
const SchemaRoot uint32 = 1

// Column is one column of a table.
type Column struct {
	Name       string
	DeclType   string
	Affinity   record.Affinity
	Collation  record.Collation
	NotNull    bool
	PrimaryKey bool
	Unique     bool
	Default    ast.Expr
}

// Table is a catalog entry for a table.
type Table struct {
	Name    string
	Root    uint32
	Columns []Column
	// RowidPK is the index of the INTEGER PRIMARY KEY column acting
	// as the rowid alias, or -1.
	RowidPK int
	SQL     string
	Indexes []*Index
}

// Column returns the position of the named column, or -1.
func (t *Table) Column(name string) int {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return i
		}
	}
	return -1
}

// Index is a catalog entry for an index. Entries are records of the
// key columns followed by the rowid.
type Index struct {
	Name    string
	Table   string
	Root    uint32
	Columns []ast.IndexedColumn
	Unique  bool
	SQL     string // empty for automatic PK/UNIQUE indexes
	KeyInfo record.KeyInfo
}

// Schema is the catalog at one schema cookie.
type Schema struct {
	Cookie  uint32
	tables  map[string]*Table
	indexes map[string]*Index
}

func newSchema(cookie uint32) *Schema {
	return &Schema{
		Cookie:  cookie,
		tables:  make(map[string]*Table),
		indexes: make(map[string]*Index),
	}
}

// Table looks a table up by name, case-insensitively.
func (s *Schema) Table(name string) (*Table, bool) {
	t, ok := s.tables[strings.ToLower(name)]
	return t, ok
}

// Index looks an index up by name, case-insensitively.
func (s *Schema) Index(name string) (*Index, bool) {
	ix, ok := s.indexes[strings.ToLower(name)]
	return ix, ok
}

// Tables returns all table names in sorted order.
func (s *Schema) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for _, t := range s.tables {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Load rebuilds the catalog from the sqlite_schema table. The caller
// must hold at least a read transaction; on the queue backend the scan
// can surface ErrPending, in which case the caller polls and calls
// Load again.
func Load(pgr *pager.Pager, log *zap.Logger) (*Schema, error) {
	s := newSchema(pgr.Header().SchemaCookie)

	tree := btree.NewTable(pgr, SchemaRoot)
	cur := tree.NewCursor()

	type pendingIndex struct {
		name  string
		table string
		root  uint32
		sql   string
	}
	var deferred []pendingIndex

	ok, err := cur.First()
	if err != nil {
		return nil, err
	}
	for ok {
		payload, err := cur.Payload()
		if err != nil {
			return nil, err
		}
		vals, err := record.Decode(payload)
		if err != nil {
			return nil, err
		}
		if len(vals) < 5 {
			return nil, dberr.Corrupt(SchemaRoot, "schema row has %d columns", len(vals))
		}
		typ := vals[0].Text()
		name := vals[1].Text()
		root := uint32(vals[3].AsInt())
		sql := ""
		if !vals[4].IsNull() {
			sql = vals[4].Text()
		}

		switch typ {
		case "table":
			tbl, err := tableFromSQL(sql, root)
			if err != nil {
				return nil, fmt.Errorf("schema: table %s: %w", name, err)
			}
			s.tables[strings.ToLower(tbl.Name)] = tbl
		case "index":
			// Index rows can precede their table row; resolve after
			// the scan.
			deferred = append(deferred, pendingIndex{
				name:  name,
				table: vals[2].Text(),
				root:  root,
				sql:   sql,
			})
		default:
			log.Warn("ignoring unknown schema entry",
				zap.String("type", typ), zap.String("name", name))
		}

		if ok, err = cur.Next(); err != nil {
			return nil, err
		}
	}

	for _, pi := range deferred {
		tbl, found := s.Table(pi.table)
		if !found {
			return nil, dberr.Corrupt(SchemaRoot, "index %s references missing table %s", pi.name, pi.table)
		}
		var ix *Index
		if pi.sql == "" {
			ix, err = autoIndex(pi.name, tbl, pi.root)
		} else {
			ix, err = indexFromSQL(pi.sql, tbl, pi.root)
		}
		if err != nil {
			return nil, fmt.Errorf("schema: index %s: %w", pi.name, err)
		}
		tbl.Indexes = append(tbl.Indexes, ix)
		s.indexes[strings.ToLower(ix.Name)] = ix
	}

	log.Debug("schema loaded",
		zap.Uint32("cookie", s.Cookie),
		zap.Int("tables", len(s.tables)),
		zap.Int("indexes", len(s.indexes)))
	return s, nil
}

func tableFromSQL(sql string, root uint32) (*Table, error) {
	stmt, err := parser.Parse(sql)
	if err != nil {
		return nil, err
	}
	ct, ok := stmt.(*ast.CreateTable)
	if !ok {
		return nil, dberr.Corrupt(SchemaRoot, "stored table SQL is not CREATE TABLE")
	}
	return TableFromAST(ct, root)
}

// TableFromAST builds catalog metadata from a parsed CREATE TABLE.
// Shared between catalog load and DDL execution.
func TableFromAST(ct *ast.CreateTable, root uint32) (*Table, error) {
	tbl := &Table{Name: ct.Name, Root: root, RowidPK: -1, SQL: ct.SQL}
	for i, cd := range ct.Columns {
		if tbl.Column(cd.Name) >= 0 {
			return nil, dberr.Compile("duplicate column name: %s", cd.Name)
		}
		coll := record.CollBinary
		if cd.Collate != "" {
			c, ok := record.LookupCollation(cd.Collate)
			if !ok {
				return nil, dberr.Compile("no such collation: %s", cd.Collate)
			}
			coll = c
		}
		col := Column{
			Name:       cd.Name,
			DeclType:   cd.Type,
			Affinity:   record.AffinityFor(cd.Type),
			Collation:  coll,
			NotNull:    cd.NotNull,
			PrimaryKey: cd.PrimaryKey,
			Unique:     cd.Unique,
			Default:    cd.Default,
		}
		// INTEGER PRIMARY KEY ASC aliases the rowid. The DESC form
		// does not, mirroring the file format's rule.
		if cd.PrimaryKey && !cd.PKDesc && strings.EqualFold(cd.Type, "INTEGER") {
			tbl.RowidPK = i
		}
		tbl.Columns = append(tbl.Columns, col)
	}
	return tbl, nil
}

func indexFromSQL(sql string, tbl *Table, root uint32) (*Index, error) {
	stmt, err := parser.Parse(sql)
	if err != nil {
		return nil, err
	}
	ci, ok := stmt.(*ast.CreateIndex)
	if !ok {
		return nil, dberr.Corrupt(SchemaRoot, "stored index SQL is not CREATE INDEX")
	}
	return IndexFromAST(ci, tbl, root)
}

// IndexFromAST builds catalog metadata from a parsed CREATE INDEX.
func IndexFromAST(ci *ast.CreateIndex, tbl *Table, root uint32) (*Index, error) {
	ix := &Index{
		Name:   ci.Name,
		Table:  tbl.Name,
		Root:   root,
		Unique: ci.Unique,
		SQL:    ci.SQL,
	}
	for _, ic := range ci.Columns {
		pos := tbl.Column(ic.Name)
		if pos < 0 {
			return nil, dberr.Compile("no such column: %s.%s", tbl.Name, ic.Name)
		}
		ix.Columns = append(ix.Columns, ast.IndexedColumn{Name: tbl.Columns[pos].Name, Desc: ic.Desc})
	}
	ix.KeyInfo = keyInfoFor(tbl, ix.Columns)
	return ix, nil
}

// AutoIndexName names the automatic index enforcing a PRIMARY KEY or
// UNIQUE column constraint, using the file format's convention.
func AutoIndexName(table string, n int) string {
	return fmt.Sprintf("sqlite_autoindex_%s_%d", table, n)
}

// AutoIndexColumns lists the automatic indexes a table definition
// implies, in declaration order: the non-rowid PRIMARY KEY first, then
// each UNIQUE column. Rowid-alias tables get no PK index.
func AutoIndexColumns(tbl *Table) [][]ast.IndexedColumn {
	var out [][]ast.IndexedColumn
	for i, col := range tbl.Columns {
		if col.PrimaryKey && i != tbl.RowidPK {
			out = append(out, []ast.IndexedColumn{{Name: col.Name}})
		}
	}
	for _, col := range tbl.Columns {
		if col.Unique {
			out = append(out, []ast.IndexedColumn{{Name: col.Name}})
		}
	}
	return out
}

// autoIndex reconstructs an automatic index entry, whose schema row
// stores no SQL, from the table definition and the counter embedded in
// its name.
func autoIndex(name string, tbl *Table, root uint32) (*Index, error) {
	sets := AutoIndexColumns(tbl)
	n := 0
	if _, err := fmt.Sscanf(name, "sqlite_autoindex_"+tbl.Name+"_%d", &n); err != nil || n < 1 || n > len(sets) {
		return nil, dberr.Corrupt(SchemaRoot, "unrecognized automatic index %s", name)
	}
	cols := sets[n-1]
	return &Index{
		Name:    name,
		Table:   tbl.Name,
		Root:    root,
		Columns: cols,
		Unique:  true,
		KeyInfo: keyInfoFor(tbl, cols),
	}, nil
}

// keyInfoFor builds the comparison descriptor for index records: one
// collation and order per key column, trailing rowid binary ascending.
func keyInfoFor(tbl *Table, cols []ast.IndexedColumn) record.KeyInfo {
	ki := record.KeyInfo{
		Collations: make([]record.Collation, len(cols)),
		Orders:     make([]record.SortOrder, len(cols)),
	}
	for i, ic := range cols {
		ki.Collations[i] = record.CollBinary
		if pos := tbl.Column(ic.Name); pos >= 0 {
			ki.Collations[i] = tbl.Columns[pos].Collation
		}
		if ic.Desc {
			ki.Orders[i] = record.Desc
		}
	}
	return ki
}
