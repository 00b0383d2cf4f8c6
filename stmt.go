package quarry

import (
	"errors"

	"go.uber.org/zap"

	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/planner"
	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/core/vdbe"
	"github.com/quarrydb/quarry/sql/ast"
	"github.com/quarrydb/quarry/sql/parser"
)

// Value is one SQL value: NULL, integer, float, text, or blob.
type Value = record.Value

// Constructors for binding and Exec arguments.
func Null() Value          { return record.Null() }
func Int(v int64) Value    { return record.Int(v) }
func Float(v float64) Value { return record.Float(v) }
func Text(v string) Value  { return record.Text(v) }
func BlobValue(v []byte) Value { return record.Blob(v) }

// StepResult mirrors the virtual machine's step outcomes.
type StepResult = vdbe.StepResult

const (
	// RowAvailable means Row() holds the next result row.
	RowAvailable = vdbe.Row
	// Done means the statement finished.
	Done = vdbe.Done
	// Busy means a lock conflict; retry Step after backoff.
	Busy = vdbe.Busy
	// Pending means asynchronous I/O is outstanding; call DB.Poll and
	// retry Step.
	Pending = vdbe.Pending
)

// Stmt is one prepared statement. Not safe for concurrent use.
type Stmt struct {
	conn *Conn
	sql  string
	stmt ast.Statement // unwrapped from EXPLAIN

	prog   *vdbe.Program
	vm     *vdbe.VM
	params []Value

	ddl       bool
	explain   bool
	explainAt int

	delivered bool // a row or effect has been produced this run
	finalized bool
}

// Prepare parses and compiles sql into a statement. Compiled programs
// are cached per connection keyed by the SQL text.
func (c *Conn) Prepare(sql string) (*Stmt, error) {
	stmt, err := parser.Parse(sql)
	if err != nil {
		return nil, err
	}
	s := &Stmt{conn: c, sql: sql, stmt: stmt}
	if ex, ok := stmt.(*ast.Explain); ok {
		s.explain = true
		s.stmt = ex.Stmt
	}
	if planner.IsDDL(s.stmt) {
		if s.explain {
			return nil, dberr.Compile("cannot explain a schema statement")
		}
		s.ddl = true
		return s, nil
	}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return s, nil
}

// compile builds (or fetches) the program and a fresh VM for it.
func (s *Stmt) compile() error {
	c := s.conn
	cat, err := c.catalog()
	if err != nil {
		return err
	}
	prog, ok := c.stmts.Get(s.sql)
	if !ok || prog.Cookie != cat.Cookie {
		prog, err = planner.Compile(cat, s.stmt, s.sql, parser.NumParams(s.stmt))
		if err != nil {
			return err
		}
		c.stmts.Add(s.sql, prog)
	}
	s.prog = prog
	s.vm = vdbe.New(prog, c.sess, c.log, c.db.metrics)
	if s.params == nil {
		s.params = make([]Value, prog.NumParams)
	}
	for i, v := range s.params {
		if err := s.vm.BindValue(i+1, v); err != nil {
			return err
		}
	}
	return nil
}

// reprepare recompiles against the current schema and rebinds, used
// when a cached program's cookie went stale mid-step.
func (s *Stmt) reprepare() error {
	s.conn.stmts.Remove(s.sql)
	s.conn.log.Debug("re-preparing statement", zap.String("sql", s.sql))
	return s.compile()
}

// Columns returns the result column names.
func (s *Stmt) Columns() []string {
	if s.explain {
		return []string{"addr", "detail"}
	}
	if s.prog == nil {
		return nil
	}
	return s.prog.Columns
}

// BindValue sets positional parameter i (1-based). Bindings survive
// Reset.
func (s *Stmt) BindValue(i int, v Value) error {
	if s.ddl {
		return dberr.Compile("statement takes no parameters")
	}
	if err := s.vm.BindValue(i, v); err != nil {
		return err
	}
	s.params[i-1] = v
	return nil
}

func (s *Stmt) BindInt64(i int, v int64) error     { return s.BindValue(i, record.Int(v)) }
func (s *Stmt) BindFloat64(i int, v float64) error { return s.BindValue(i, record.Float(v)) }
func (s *Stmt) BindText(i int, v string) error     { return s.BindValue(i, record.Text(v)) }
func (s *Stmt) BindBlob(i int, v []byte) error     { return s.BindValue(i, record.Blob(v)) }
func (s *Stmt) BindNull(i int) error               { return s.BindValue(i, record.Null()) }

// Step advances the statement. RowAvailable means Row() holds data;
// Busy and Pending leave the statement resumable at the same point.
func (s *Stmt) Step() (StepResult, error) {
	if s.finalized {
		return Done, dberr.Compile("statement is finalized")
	}
	if s.ddl {
		if s.delivered {
			return Done, nil
		}
		s.delivered = true
		if err := s.conn.executeDDL(s.stmt); err != nil {
			return Done, err
		}
		s.conn.maybeCheckpoint()
		return Done, nil
	}
	if s.explain {
		lines := s.prog.Explain()
		if s.explainAt >= len(lines) {
			return Done, nil
		}
		s.explainAt++
		return RowAvailable, nil
	}

	res, err := s.vm.Step()
	if errors.Is(err, dberr.ErrSchemaChanged) && !s.delivered {
		if rerr := s.reprepare(); rerr != nil {
			return Done, rerr
		}
		res, err = s.vm.Step()
	}
	if err != nil {
		return Done, err
	}
	switch res {
	case vdbe.Row:
		s.delivered = true
	case vdbe.Done:
		s.delivered = true
		if s.prog.Writes {
			s.conn.maybeCheckpoint()
		}
	}
	return res, nil
}

// Row returns the current result row after Step reported RowAvailable.
// Valid until the next Step or Reset.
func (s *Stmt) Row() []Value {
	if s.explain {
		lines := s.prog.Explain()
		i := s.explainAt - 1
		if i < 0 || i >= len(lines) {
			return nil
		}
		return []Value{record.Int(int64(i)), record.Text(lines[i])}
	}
	return s.vm.Row()
}

// Reset rewinds the statement for re-execution, keeping its bindings.
func (s *Stmt) Reset() {
	if s.ddl {
		s.delivered = false
		return
	}
	s.explainAt = 0
	s.delivered = false
	// Settle any in-flight run so its transaction state unwinds before
	// the program rewinds. A no-op when the run already finished.
	s.vm.Interrupt()
	_, _ = s.vm.Step()
	s.vm.Reset()
}

// Finalize releases the statement. A statement abandoned mid-run has
// its transaction state unwound first.
func (s *Stmt) Finalize() {
	if s.finalized {
		return
	}
	s.finalized = true
	if s.ddl || s.explain || s.vm == nil {
		return
	}
	// Interrupt makes the next Step fail and run the abort path, which
	// closes cursors and settles the implicit transaction.
	s.vm.Interrupt()
	_, _ = s.vm.Step()
}

// Exec prepares, binds, and runs sql to completion, collecting any
// result rows. It polls through Pending, so on the queue backend it
// blocks until the statement finishes.
func (c *Conn) Exec(sql string, args ...Value) ([][]Value, error) {
	s, err := c.Prepare(sql)
	if err != nil {
		return nil, err
	}
	defer s.Finalize()
	for i, a := range args {
		if err := s.BindValue(i+1, a); err != nil {
			return nil, err
		}
	}
	var rows [][]Value
	for {
		res, err := s.Step()
		if err != nil {
			return nil, err
		}
		switch res {
		case RowAvailable:
			row := make([]Value, len(s.Row()))
			copy(row, s.Row())
			rows = append(rows, row)
		case Done:
			return rows, nil
		case Busy:
			return nil, &dberr.BusyError{Op: "exec"}
		case Pending:
			c.db.Poll()
		}
	}
}
