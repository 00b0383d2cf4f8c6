// Package ast defines the statement and expression trees produced by
// the SQL parser. Nodes carry source positions so later stages can
// report errors against the original text.
package ast

import "fmt"

// Pos is a location in the SQL text.
type Pos struct {
	Line   int
	Column int
	Offset int
}

func (p Pos) String() string { return fmt.Sprintf("%d:%d", p.Line, p.Column) }

// Statement is any parsed SQL statement.
type Statement interface {
	Pos() Pos
	stmt()
}

// Expr is any scalar expression.
type Expr interface {
	Pos() Pos
	expr()
}

// Select is a single-table SELECT.
type Select struct {
	P        Pos
	Distinct bool
	Columns  []ResultColumn
	From     *TableRef
	Where    Expr
	OrderBy  []Ordering
	Limit    Expr
	Offset   Expr
}

// ResultColumn is one projected column: an expression with an optional
// alias, or a star.
type ResultColumn struct {
	P     Pos
	Star  bool
	Expr  Expr
	Alias string
}

// TableRef names the table a statement operates on.
type TableRef struct {
	P     Pos
	Name  string
	Alias string
}

// Ordering is one ORDER BY term.
type Ordering struct {
	Expr Expr
	Desc bool
}

// Insert is INSERT INTO ... VALUES with one or more rows.
type Insert struct {
	P       Pos
	Table   *TableRef
	Columns []string
	Rows    [][]Expr
}

// Assignment is one SET clause of an UPDATE.
type Assignment struct {
	Column string
	Value  Expr
}

type Update struct {
	P     Pos
	Table *TableRef
	Sets  []Assignment
	Where Expr
}

type Delete struct {
	P     Pos
	Table *TableRef
	Where Expr
}

// ColumnDef is one column of a CREATE TABLE.
type ColumnDef struct {
	P          Pos
	Name       string
	Type       string
	PrimaryKey bool
	PKDesc     bool
	NotNull    bool
	Unique     bool
	Default    Expr
	Collate    string
}

type CreateTable struct {
	P           Pos
	Name        string
	IfNotExists bool
	Columns     []ColumnDef
	SQL         string // original text, stored in the catalog
}

// IndexedColumn is one column of a CREATE INDEX key.
type IndexedColumn struct {
	Name string
	Desc bool
}

type CreateIndex struct {
	P           Pos
	Name        string
	Table       string
	Columns     []IndexedColumn
	Unique      bool
	IfNotExists bool
	SQL         string
}

type DropTable struct {
	P        Pos
	Name     string
	IfExists bool
}

type DropIndex struct {
	P        Pos
	Name     string
	IfExists bool
}

// Begin starts a transaction; Immediate requests the write lock up
// front instead of on first write.
type Begin struct {
	P         Pos
	Immediate bool
}

type Commit struct{ P Pos }

// Rollback is ROLLBACK, or ROLLBACK TO <savepoint> when To is set.
type Rollback struct {
	P  Pos
	To string
}

type Savepoint struct {
	P    Pos
	Name string
}

type Release struct {
	P    Pos
	Name string
}

// Explain wraps a statement whose compiled program should be listed
// instead of run.
type Explain struct {
	P    Pos
	Stmt Statement
}

func (s *Select) Pos() Pos      { return s.P }
func (s *Insert) Pos() Pos      { return s.P }
func (s *Update) Pos() Pos      { return s.P }
func (s *Delete) Pos() Pos      { return s.P }
func (s *CreateTable) Pos() Pos { return s.P }
func (s *CreateIndex) Pos() Pos { return s.P }
func (s *DropTable) Pos() Pos   { return s.P }
func (s *DropIndex) Pos() Pos   { return s.P }
func (s *Begin) Pos() Pos       { return s.P }
func (s *Commit) Pos() Pos      { return s.P }
func (s *Rollback) Pos() Pos    { return s.P }
func (s *Savepoint) Pos() Pos   { return s.P }
func (s *Release) Pos() Pos     { return s.P }
func (s *Explain) Pos() Pos     { return s.P }

func (*Select) stmt()      {}
func (*Insert) stmt()      {}
func (*Update) stmt()      {}
func (*Delete) stmt()      {}
func (*CreateTable) stmt() {}
func (*CreateIndex) stmt() {}
func (*DropTable) stmt()   {}
func (*DropIndex) stmt()   {}
func (*Begin) stmt()       {}
func (*Commit) stmt()      {}
func (*Rollback) stmt()    {}
func (*Savepoint) stmt()   {}
func (*Release) stmt()     {}
func (*Explain) stmt()     {}
