package ast

// BinOp enumerates binary operators.
type BinOp string

const (
	OpOr     BinOp = "OR"
	OpAnd    BinOp = "AND"
	OpEq     BinOp = "="
	OpNe     BinOp = "!="
	OpLt     BinOp = "<"
	OpLe     BinOp = "<="
	OpGt     BinOp = ">"
	OpGe     BinOp = ">="
	OpAdd    BinOp = "+"
	OpSub    BinOp = "-"
	OpMul    BinOp = "*"
	OpDiv    BinOp = "/"
	OpRem    BinOp = "%"
	OpConcat BinOp = "||"
)

// UnOp enumerates unary operators.
type UnOp string

const (
	OpNeg UnOp = "-"
	OpNot UnOp = "NOT"
)

// IntLit is an integer literal.
type IntLit struct {
	P Pos
	V int64
}

// FloatLit is a floating-point literal.
type FloatLit struct {
	P Pos
	V float64
}

// StringLit is a single-quoted string literal.
type StringLit struct {
	P Pos
	V string
}

// BlobLit is an X'..' hex blob literal.
type BlobLit struct {
	P Pos
	V []byte
}

// NullLit is the NULL keyword.
type NullLit struct{ P Pos }

// ColumnRef names a column, optionally table-qualified.
type ColumnRef struct {
	P     Pos
	Table string
	Name  string
}

// Param is a positional `?` placeholder; Index is 1-based in
// appearance order.
type Param struct {
	P     Pos
	Index int
}

// Binary applies Op to L and R.
type Binary struct {
	P    Pos
	Op   BinOp
	L, R Expr
}

// Unary applies Op to X.
type Unary struct {
	P  Pos
	Op UnOp
	X  Expr
}

// IsNull is X IS [NOT] NULL.
type IsNull struct {
	P   Pos
	X   Expr
	Not bool
}

// Between is X [NOT] BETWEEN Lo AND Hi.
type Between struct {
	P      Pos
	X      Expr
	Lo, Hi Expr
	Not    bool
}

// InList is X [NOT] IN (e1, e2, ...).
type InList struct {
	P    Pos
	X    Expr
	List []Expr
	Not  bool
}

// Call is a function invocation. The engine has no built-in functions;
// the binder rejects these with a compile error carrying the position.
type Call struct {
	P    Pos
	Name string
	Args []Expr
	Star bool
}

func (e *IntLit) Pos() Pos    { return e.P }
func (e *FloatLit) Pos() Pos  { return e.P }
func (e *StringLit) Pos() Pos { return e.P }
func (e *BlobLit) Pos() Pos   { return e.P }
func (e *NullLit) Pos() Pos   { return e.P }
func (e *ColumnRef) Pos() Pos { return e.P }
func (e *Param) Pos() Pos     { return e.P }
func (e *Binary) Pos() Pos    { return e.P }
func (e *Unary) Pos() Pos     { return e.P }
func (e *IsNull) Pos() Pos    { return e.P }
func (e *Between) Pos() Pos   { return e.P }
func (e *InList) Pos() Pos    { return e.P }
func (e *Call) Pos() Pos      { return e.P }

func (*IntLit) expr()    {}
func (*FloatLit) expr()  {}
func (*StringLit) expr() {}
func (*BlobLit) expr()   {}
func (*NullLit) expr()   {}
func (*ColumnRef) expr() {}
func (*Param) expr()     {}
func (*Binary) expr()    {}
func (*Unary) expr()     {}
func (*IsNull) expr()    {}
func (*Between) expr()   {}
func (*InList) expr()    {}
func (*Call) expr()      {}
