package parser

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// The lexer has no keyword class: keywords are Idents matched
// case-insensitively by the grammar literals below. Quoted identifiers
// come through the Ident rule as well.
var sqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Blob", Pattern: `[xX]'[0-9a-fA-F]*'`},
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "Float", Pattern: `\d+\.\d*(?:[eE][+-]?\d+)?|\.\d+(?:[eE][+-]?\d+)?|\d+[eE][+-]?\d+`},
	{Name: "Int", Pattern: `\d+`},
	{Name: "Ident", Pattern: "[A-Za-z_][A-Za-z0-9_]*|\"(?:[^\"]|\"\")*\"|`[^`]*`"},
	{Name: "Op", Pattern: `\|\||<=|>=|<>|!=|==|[-+*/%(),.;=<>?]`},
	{Name: "Comment", Pattern: `--[^\n]*`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var sqlParser = participle.MustBuild[gStmt](
	participle.Lexer(sqlLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.CaseInsensitive("Ident"),
	participle.UseLookahead(4),
)

//nolint:govet // participle grammar tags are not standard struct tags
type gStmt struct {
	Pos         lexer.Position
	Explain     bool          `@"EXPLAIN"?`
	Select      *gSelect      `( @@`
	Insert      *gInsert      `| @@`
	Update      *gUpdate      `| @@`
	Delete      *gDelete      `| @@`
	CreateTable *gCreateTable `| @@`
	CreateIndex *gCreateIndex `| @@`
	DropTable   *gDropTable   `| @@`
	DropIndex   *gDropIndex   `| @@`
	Begin       *gBegin       `| @@`
	Commit      bool          `| @( "COMMIT" | "END" )`
	Rollback    *gRollback    `| @@`
	Savepoint   *gSavepoint   `| @@`
	Release     *gRelease     `| @@ )`
	Semi        bool          `";"?`
}

type gSelect struct {
	Pos      lexer.Position
	Distinct bool          `"SELECT" ( @"DISTINCT" | "ALL" )?`
	Cols     []*gResultCol `@@ ( "," @@ )*`
	From     *gTableRef    `( "FROM" @@ )?`
	Where    *gExpr        `( "WHERE" @@ )?`
	Order    []*gOrdering  `( "ORDER" "BY" @@ ( "," @@ )* )?`
	Limit    *gExpr        `( "LIMIT" @@`
	Offset   *gExpr        `  ( "OFFSET" @@ )? )?`
}

type gResultCol struct {
	Pos   lexer.Position
	Star  bool   `  @"*"`
	Expr  *gExpr `| @@`
	Alias string `  ( "AS" @Ident )?`
}

type gTableRef struct {
	Pos   lexer.Position
	Name  string `@Ident`
	Alias string `( "AS" @Ident )?`
}

type gOrdering struct {
	Expr *gExpr `@@`
	Dir  string `@( "ASC" | "DESC" )?`
}

type gInsert struct {
	Pos   lexer.Position
	Table string   `"INSERT" "INTO" @Ident`
	Cols  []string `( "(" @Ident ( "," @Ident )* ")" )?`
	Rows  []*gRow  `"VALUES" @@ ( "," @@ )*`
}

type gRow struct {
	Vals []*gExpr `"(" @@ ( "," @@ )* ")"`
}

type gUpdate struct {
	Pos   lexer.Position
	Table string  `"UPDATE" @Ident`
	Sets  []*gSet `"SET" @@ ( "," @@ )*`
	Where *gExpr  `( "WHERE" @@ )?`
}

type gSet struct {
	Column string `@Ident "="`
	Value  *gExpr `@@`
}

type gDelete struct {
	Pos   lexer.Position
	Table string `"DELETE" "FROM" @Ident`
	Where *gExpr `( "WHERE" @@ )?`
}

type gCreateTable struct {
	Pos         lexer.Position
	IfNotExists bool          `"CREATE" "TABLE" ( @"IF" "NOT" "EXISTS" )?`
	Name        string        `@Ident`
	Cols        []*gColumnDef `"(" @@ ( "," @@ )* ")"`
}

type gColumnDef struct {
	Pos         lexer.Position
	Name        string         `@Ident`
	Type        *gTypeName     `@@?`
	Constraints []*gConstraint `@@*`
}

type gTypeName struct {
	Name string `@Ident`
	Args []int  `( "(" @Int ( "," @Int )? ")" )?`
}

type gConstraint struct {
	PK      *gPrimaryKey `  @@`
	NotNull bool         `| @"NOT" "NULL"`
	Unique  bool         `| @"UNIQUE"`
	Default *gExpr       `| "DEFAULT" @@`
	Collate string       `| "COLLATE" @Ident`
}

type gPrimaryKey struct {
	K    bool `@"PRIMARY" "KEY"`
	Desc bool `( "ASC" | @"DESC" )?`
}

type gCreateIndex struct {
	Pos         lexer.Position
	Unique      bool            `"CREATE" @"UNIQUE"? "INDEX"`
	IfNotExists bool            `( @"IF" "NOT" "EXISTS" )?`
	Name        string          `@Ident`
	Table       string          `"ON" @Ident`
	Cols        []*gIndexedCol  `"(" @@ ( "," @@ )* ")"`
}

type gIndexedCol struct {
	Name string `@Ident`
	Dir  string `@( "ASC" | "DESC" )?`
}

type gDropTable struct {
	Pos      lexer.Position
	IfExists bool   `"DROP" "TABLE" ( @"IF" "EXISTS" )?`
	Name     string `@Ident`
}

type gDropIndex struct {
	Pos      lexer.Position
	IfExists bool   `"DROP" "INDEX" ( @"IF" "EXISTS" )?`
	Name     string `@Ident`
}

type gBegin struct {
	Pos  lexer.Position
	Mode string `"BEGIN" @( "DEFERRED" | "IMMEDIATE" | "EXCLUSIVE" )? "TRANSACTION"?`
}

type gRollback struct {
	Pos lexer.Position
	Ok  bool   `@"ROLLBACK" "TRANSACTION"?`
	To  string `( "TO" "SAVEPOINT"? @Ident )?`
}

type gSavepoint struct {
	Pos  lexer.Position
	Name string `"SAVEPOINT" @Ident`
}

type gRelease struct {
	Pos  lexer.Position
	Name string `"RELEASE" "SAVEPOINT"? @Ident`
}

// Expression grammar, loosest to tightest binding.

type gExpr struct {
	Pos lexer.Position
	L   *gAnd   `@@`
	R   []*gAnd `( "OR" @@ )*`
}

type gAnd struct {
	L *gNot   `@@`
	R []*gNot `( "AND" @@ )*`
}

type gNot struct {
	Pos lexer.Position
	Not bool        `@"NOT"?`
	X   *gPredicate `@@`
}

type gPredicate struct {
	Pos     lexer.Position
	L       *gAdditive    `@@`
	Cmp     *gCmpTail     `( @@`
	Is      *gIsTail      `| @@`
	Between *gBetweenTail `| @@`
	In      *gInTail      `| @@ )?`
}

type gCmpTail struct {
	Op string     `@( "=" | "==" | "!=" | "<>" | "<=" | ">=" | "<" | ">" )`
	R  *gAdditive `@@`
}

type gIsTail struct {
	Not  bool `"IS" @"NOT"?`
	Null bool `@"NULL"`
}

type gBetweenTail struct {
	Not bool       `@"NOT"? "BETWEEN"`
	Lo  *gAdditive `@@`
	Hi  *gAdditive `"AND" @@`
}

type gInTail struct {
	Not  bool     `@"NOT"? "IN"`
	List []*gExpr `"(" ( @@ ( "," @@ )* )? ")"`
}

type gAdditive struct {
	L    *gMul       `@@`
	Tail []*gAddTail `@@*`
}

type gAddTail struct {
	Op string `@( "+" | "-" | "||" )`
	R  *gMul  `@@`
}

type gMul struct {
	L    *gUnary     `@@`
	Tail []*gMulTail `@@*`
}

type gMulTail struct {
	Op string  `@( "*" | "/" | "%" )`
	R  *gUnary `@@`
}

type gUnary struct {
	Pos  lexer.Position
	Sign []string  `@( "-" | "+" )*`
	X    *gPrimary `@@`
}

type gPrimary struct {
	Pos    lexer.Position
	Float  *float64 `  @Float`
	Int    *string  `| @Int`
	Str    *string  `| @String`
	Blob   *string  `| @Blob`
	Null   bool     `| @"NULL"`
	Param  bool     `| @"?"`
	Call   *gCall   `| @@`
	Column *gColumn `| @@`
	Paren  *gExpr   `| "(" @@ ")"`
}

type gCall struct {
	Pos  lexer.Position
	Name string   `@Ident "("`
	Star bool     `( @"*"`
	Args []*gExpr `| ( @@ ( "," @@ )* )? )`
	End  bool     `@")"`
}

type gColumn struct {
	Pos   lexer.Position
	First string  `@Ident`
	Rest  *string `( "." @Ident )?`
}
