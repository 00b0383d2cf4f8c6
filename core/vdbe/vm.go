package vdbe

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/quarrydb/quarry/core/btree"
	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/record"
	"github.com/quarrydb/quarry/core/storage/pager"
	"github.com/quarrydb/quarry/pkg/telemetry"
)

// StepResult is the outcome of one Step call.
type StepResult int

const (
	// Row means a result row is available via Row().
	Row StepResult = iota
	// Done means the program finished; further Steps return Done.
	Done
	// Busy means a lock conflict; retry Step after backoff.
	Busy
	// Pending means an asynchronous page read is outstanding; poll
	// the VFS and retry Step.
	Pending
)

// Additional P5 flags on OpTransaction.
const (
	// TxnExplicit marks a BEGIN statement rather than the implicit
	// transaction wrapper of an ordinary statement.
	TxnExplicit uint8 = 1 << 1
)

type vmCursor struct {
	tree  *btree.Tree
	cur   *btree.Cursor
	meta  *CursorMeta // nil for table cursors
	write bool
}

func (c *vmCursor) isIndex() bool { return c.meta != nil }

// VM executes one compiled program against a session. Not safe for
// concurrent use except Interrupt.
type VM struct {
	prog    *Program
	sess    *Session
	log     *zap.Logger
	metrics *telemetry.Metrics

	regs    []record.Value
	cursors []*vmCursor
	pc      int
	done    bool
	started bool

	stmtSave *pager.Savepoint
	haveSave bool

	resultBase, resultN int

	interrupted atomic.Bool
}

// New builds a VM for the program. Bind parameters before stepping.
func New(prog *Program, sess *Session, log *zap.Logger, m *telemetry.Metrics) *VM {
	return &VM{
		prog:    prog,
		sess:    sess,
		log:     log,
		metrics: m,
		regs:    make([]record.Value, prog.NumRegs+1),
		cursors: make([]*vmCursor, prog.NumCursors),
	}
}

// BindValue sets positional parameter i (1-based).
func (vm *VM) BindValue(i int, v record.Value) error {
	if i < 1 || i > vm.prog.NumParams {
		return dberr.Compile("parameter index %d out of range", i)
	}
	vm.regs[i] = v
	return nil
}

// Reset rewinds the program for re-execution, keeping bindings.
func (vm *VM) Reset() {
	vm.closeCursors()
	vm.pc = 0
	vm.done = false
	vm.started = false
	vm.stmtSave = nil
	vm.haveSave = false
	vm.interrupted.Store(false)
	for i := vm.prog.NumParams + 1; i < len(vm.regs); i++ {
		vm.regs[i] = record.Null()
	}
}

// Interrupt aborts execution at the next instruction boundary. Safe
// from other goroutines.
func (vm *VM) Interrupt() { vm.interrupted.Store(true) }

// Row returns the current result row after Step reported Row. The
// slice is valid until the next Step.
func (vm *VM) Row() []record.Value {
	return vm.regs[vm.resultBase : vm.resultBase+vm.resultN]
}

// Columns returns the result column names.
func (vm *VM) Columns() []string { return vm.prog.Columns }

func (vm *VM) closeCursors() {
	for i := range vm.cursors {
		vm.cursors[i] = nil
	}
}

// fail finalizes an errored execution: the statement's changes are
// rolled back (to the statement savepoint inside an explicit
// transaction, entirely in autocommit).
func (vm *VM) fail(err error) (StepResult, error) {
	vm.closeCursors()
	vm.done = true
	if vm.started {
		if vm.haveSave {
			vm.sess.StmtAbort(vm.stmtSave)
		} else if vm.prog.Writes {
			vm.sess.StmtAbort(nil)
		} else if !vm.sess.InTxn() {
			vm.sess.Pager().EndRead()
		}
	}
	return Done, err
}

// finish completes a successful run: the statement savepoint is
// dropped and, in autocommit, the implicit transaction publishes.
func (vm *VM) finish() (StepResult, error) {
	vm.closeCursors()
	vm.done = true
	vm.stmtSave = nil
	vm.haveSave = false
	if !vm.started {
		return Done, nil
	}
	if err := vm.sess.StmtCommit(); err != nil {
		return Done, err
	}
	return Done, nil
}

// Step runs instructions until a row is produced, the program halts,
// or progress is blocked. Busy and Pending leave the program counter
// on the faulting instruction so the same operation retries.
func (vm *VM) Step() (StepResult, error) {
	if vm.done {
		return Done, nil
	}
	for {
		if vm.interrupted.Load() {
			return vm.fail(dberr.ErrInterrupted)
		}
		if vm.pc < 0 || vm.pc >= len(vm.prog.Instrs) {
			return vm.fail(dberr.Corrupt(0, "program counter %d out of range", vm.pc))
		}
		in := &vm.prog.Instrs[vm.pc]
		vm.metrics.VMSteps.Inc()

		res, jumped, err := vm.exec(in)
		if err != nil {
			if err == dberr.ErrPending {
				return Pending, nil
			}
			if dberr.IsBusy(err) {
				return Busy, nil
			}
			return vm.fail(err)
		}
		if !jumped {
			vm.pc++
		}
		switch res {
		case stepRow:
			return Row, nil
		case stepHalt:
			return vm.finish()
		}
	}
}

type stepKind int

const (
	stepNext stepKind = iota
	stepRow
	stepHalt
)

// exec dispatches one instruction. jumped reports that pc was set
// explicitly.
func (vm *VM) exec(in *Instr) (stepKind, bool, error) {
	switch in.Op {
	case OpInit:
		// Jump to the entry point; P2 is the body after the prologue.
		if in.P2 > 0 {
			vm.pc = in.P2
			return stepNext, true, nil
		}
		return stepNext, false, nil

	case OpGoto:
		vm.pc = in.P2
		return stepNext, true, nil

	case OpGosub:
		vm.regs[in.P1] = record.Int(int64(vm.pc))
		vm.pc = in.P2
		return stepNext, true, nil

	case OpReturn:
		vm.pc = int(vm.regs[in.P1].Int64()) + 1
		return stepNext, true, nil

	case OpHalt:
		if in.P1 != 0 {
			if err, ok := in.P4.(error); ok {
				return 0, false, err
			}
			if msg, ok := in.P4.(string); ok {
				return 0, false, dberr.Compile("%s", msg)
			}
			return 0, false, dberr.Compile("statement aborted")
		}
		return stepHalt, false, nil

	case OpHaltIfNull:
		if vm.regs[in.P3].IsNull() {
			if err, ok := in.P4.(error); ok {
				return 0, false, err
			}
			return 0, false, &dberr.ConstraintError{Kind: dberr.ConstraintNotNull}
		}
		return stepNext, false, nil

	case OpTransaction:
		return vm.execTransaction(in)

	case OpCommit:
		if err := vm.sess.Commit(); err != nil {
			return 0, false, err
		}
		return stepNext, false, nil

	case OpRollback:
		if name, ok := in.P4.(string); ok && name != "" {
			if err := vm.sess.RollbackTo(name); err != nil {
				return 0, false, err
			}
			return stepNext, false, nil
		}
		if err := vm.sess.Rollback(); err != nil {
			return 0, false, err
		}
		return stepNext, false, nil

	case OpSavepoint:
		name, _ := in.P4.(string)
		var err error
		switch in.P1 {
		case SavepointBegin:
			err = vm.sess.Savepoint(name)
		case SavepointRelease:
			err = vm.sess.Release(name)
		case SavepointRollback:
			err = vm.sess.RollbackTo(name)
		}
		if err != nil {
			return 0, false, err
		}
		return stepNext, false, nil

	case OpInteger:
		vm.regs[in.P2] = record.Int(int64(in.P1))
		return stepNext, false, nil

	case OpReal:
		vm.regs[in.P2] = record.Float(in.P4.(float64))
		return stepNext, false, nil

	case OpString8:
		vm.regs[in.P2] = record.Text(in.P4.(string))
		return stepNext, false, nil

	case OpBlob:
		vm.regs[in.P2] = record.Blob(in.P4.([]byte))
		return stepNext, false, nil

	case OpNull:
		// Clears r[P2] through r[P3] (or just r[P2] when P3 < P2).
		end := in.P3
		if end < in.P2 {
			end = in.P2
		}
		for r := in.P2; r <= end; r++ {
			vm.regs[r] = record.Null()
		}
		return stepNext, false, nil

	case OpCopy:
		vm.regs[in.P2] = vm.regs[in.P1]
		return stepNext, false, nil

	case OpAdd, OpSubtract, OpMultiply, OpDivide, OpRemainder, OpConcat:
		vm.regs[in.P3] = arith(in.Op, vm.regs[in.P1], vm.regs[in.P2])
		return stepNext, false, nil

	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		a, b := vm.regs[in.P1], vm.regs[in.P3]
		if a.IsNull() || b.IsNull() {
			if in.P5&NullJump != 0 {
				vm.pc = in.P2
				return stepNext, true, nil
			}
			return stepNext, false, nil
		}
		coll := record.CollBinary
		if spec, ok := in.P4.(CmpSpec); ok {
			a, b = a.Apply(spec.Aff), b.Apply(spec.Aff)
			coll = spec.Coll
		}
		cmp := record.Compare(a, b, coll)
		if cmpSatisfies(in.Op, cmp) {
			vm.pc = in.P2
			return stepNext, true, nil
		}
		return stepNext, false, nil

	case OpAnd, OpOr:
		vm.regs[in.P3] = logic(in.Op, vm.regs[in.P1], vm.regs[in.P2])
		return stepNext, false, nil

	case OpNot:
		v := vm.regs[in.P1]
		if v.IsNull() {
			vm.regs[in.P2] = record.Null()
		} else {
			vm.regs[in.P2] = record.Bool(!v.Truthy())
		}
		return stepNext, false, nil

	case OpIsNull:
		if vm.regs[in.P1].IsNull() {
			vm.pc = in.P2
			return stepNext, true, nil
		}
		return stepNext, false, nil

	case OpNotNull:
		if !vm.regs[in.P1].IsNull() {
			vm.pc = in.P2
			return stepNext, true, nil
		}
		return stepNext, false, nil

	case OpOpenRead, OpOpenWrite:
		return vm.execOpen(in)

	case OpClose:
		vm.cursors[in.P1] = nil
		return stepNext, false, nil

	case OpRewind, OpLast, OpNext, OpPrev:
		return vm.execMove(in)

	case OpSeekGE, OpSeekGT, OpSeekLE, OpSeekLT:
		return vm.execSeek(in)

	case OpNotExists:
		cur, err := vm.cursor(in.P1)
		if err != nil {
			return 0, false, err
		}
		found, err := cur.cur.SeekRowid(vm.regs[in.P3].AsInt(), btree.SeekEQ)
		if err != nil {
			return 0, false, err
		}
		if !found {
			vm.pc = in.P2
			return stepNext, true, nil
		}
		return stepNext, false, nil

	case OpFound, OpNotFound:
		cur, err := vm.cursor(in.P1)
		if err != nil {
			return 0, false, err
		}
		probe := vm.probeValues(cur, in.P3, in.P4.(int))
		found, err := cur.cur.SeekKey(probe, btree.SeekEQ)
		if err != nil {
			return 0, false, err
		}
		if found == (in.Op == OpFound) {
			vm.pc = in.P2
			return stepNext, true, nil
		}
		return stepNext, false, nil

	case OpColumn:
		cur, err := vm.cursor(in.P1)
		if err != nil {
			return 0, false, err
		}
		payload, err := cur.cur.Payload()
		if err != nil {
			return 0, false, err
		}
		v, err := record.DecodeColumn(payload, in.P2)
		if err != nil {
			return 0, false, err
		}
		vm.regs[in.P3] = v
		return stepNext, false, nil

	case OpRowId:
		cur, err := vm.cursor(in.P1)
		if err != nil {
			return 0, false, err
		}
		rowid, err := cur.cur.Rowid()
		if err != nil {
			return 0, false, err
		}
		vm.regs[in.P2] = record.Int(rowid)
		return stepNext, false, nil

	case OpNewRowid:
		cur, err := vm.cursor(in.P1)
		if err != nil {
			return 0, false, err
		}
		max, ok, err := cur.tree.MaxRowid()
		if err != nil {
			return 0, false, err
		}
		next := int64(1)
		if ok {
			if max == int64(^uint64(0)>>1) {
				return 0, false, dberr.Compile("table is full")
			}
			next = max + 1
		}
		vm.regs[in.P2] = record.Int(next)
		return stepNext, false, nil

	case OpMakeRecord:
		vals := make([]record.Value, in.P2)
		for i := 0; i < in.P2; i++ {
			vals[i] = vm.regs[in.P1+i]
		}
		if affs, ok := in.P4.([]record.Affinity); ok {
			for i := range vals {
				if i < len(affs) {
					vals[i] = vals[i].Apply(affs[i])
				}
			}
		}
		vm.regs[in.P3] = record.Blob(record.Encode(vals))
		return stepNext, false, nil

	case OpInsert:
		cur, err := vm.cursor(in.P1)
		if err != nil {
			return 0, false, err
		}
		if err := cur.tree.InsertRow(vm.regs[in.P3].Int64(), vm.regs[in.P2].Blob()); err != nil {
			return 0, false, err
		}
		return stepNext, false, nil

	case OpDelete:
		cur, err := vm.cursor(in.P1)
		if err != nil {
			return 0, false, err
		}
		if err := cur.cur.Delete(); err != nil {
			return 0, false, err
		}
		return stepNext, false, nil

	case OpIdxInsert:
		cur, err := vm.cursor(in.P1)
		if err != nil {
			return 0, false, err
		}
		if err := cur.tree.InsertEntry(vm.regs[in.P2].Blob()); err != nil {
			return 0, false, err
		}
		return stepNext, false, nil

	case OpIdxDelete:
		cur, err := vm.cursor(in.P1)
		if err != nil {
			return 0, false, err
		}
		probe := vm.probeValues(cur, in.P3, in.P4.(int))
		found, err := cur.cur.SeekKey(probe, btree.SeekEQ)
		if err != nil {
			return 0, false, err
		}
		if found {
			if err := cur.cur.Delete(); err != nil {
				return 0, false, err
			}
		}
		return stepNext, false, nil

	case OpIdxRowid:
		cur, err := vm.cursor(in.P1)
		if err != nil {
			return 0, false, err
		}
		payload, err := cur.cur.Payload()
		if err != nil {
			return 0, false, err
		}
		vals, err := record.Decode(payload)
		if err != nil {
			return 0, false, err
		}
		if len(vals) == 0 {
			return 0, false, dberr.Corrupt(0, "empty index entry")
		}
		vm.regs[in.P2] = vals[len(vals)-1]
		return stepNext, false, nil

	case OpIdxGE, OpIdxGT, OpIdxLE, OpIdxLT:
		cur, err := vm.cursor(in.P1)
		if err != nil {
			return 0, false, err
		}
		payload, err := cur.cur.Payload()
		if err != nil {
			return 0, false, err
		}
		probe := vm.probeValues(cur, in.P3, in.P4.(int))
		cmp, err := cur.meta.KeyInfo.CompareRecord(payload, probe)
		if err != nil {
			return 0, false, err
		}
		var take bool
		switch in.Op {
		case OpIdxGE:
			take = cmp >= 0
		case OpIdxGT:
			take = cmp > 0
		case OpIdxLE:
			take = cmp <= 0
		case OpIdxLT:
			take = cmp < 0
		}
		if take {
			vm.pc = in.P2
			return stepNext, true, nil
		}
		return stepNext, false, nil

	case OpResultRow:
		vm.resultBase = in.P1
		vm.resultN = in.P2
		return stepRow, false, nil
	}

	return 0, false, dberr.Compile("unknown opcode %s", in.Op)
}

func (vm *VM) execTransaction(in *Instr) (stepKind, bool, error) {
	if in.P5&TxnExplicit != 0 {
		if err := vm.sess.Begin(in.P1 != 0); err != nil {
			return 0, false, err
		}
		return stepNext, false, nil
	}
	var err error
	if in.P1 != 0 {
		err = vm.sess.EnsureWrite()
	} else {
		err = vm.sess.EnsureRead()
	}
	if err != nil {
		return 0, false, err
	}
	if cookie := vm.sess.Pager().Header().SchemaCookie; cookie != uint32(in.P2) {
		if !vm.sess.InTxn() {
			vm.sess.Pager().EndWrite()
			vm.sess.Pager().EndRead()
		}
		return 0, false, dberr.ErrSchemaChanged
	}
	vm.started = true
	if vm.prog.Writes && !vm.haveSave {
		sp, err := vm.sess.StmtBegin(true)
		if err != nil {
			return 0, false, err
		}
		vm.stmtSave = sp
		vm.haveSave = sp != nil
	}
	return stepNext, false, nil
}

func (vm *VM) execOpen(in *Instr) (stepKind, bool, error) {
	pgr := vm.sess.Pager()
	root := uint32(in.P2)
	c := &vmCursor{write: in.Op == OpOpenWrite}
	if meta, ok := in.P4.(*CursorMeta); ok && meta != nil {
		c.meta = meta
		c.tree = btree.NewIndex(pgr, root, meta.KeyInfo)
	} else {
		c.tree = btree.NewTable(pgr, root)
	}
	c.cur = c.tree.NewCursor()
	vm.cursors[in.P1] = c
	return stepNext, false, nil
}

func (vm *VM) execMove(in *Instr) (stepKind, bool, error) {
	cur, err := vm.cursor(in.P1)
	if err != nil {
		return 0, false, err
	}
	var ok bool
	switch in.Op {
	case OpRewind:
		ok, err = cur.cur.First()
	case OpLast:
		ok, err = cur.cur.Last()
	case OpNext:
		ok, err = cur.cur.Next()
	case OpPrev:
		ok, err = cur.cur.Prev()
	}
	if err != nil {
		return 0, false, err
	}
	switch in.Op {
	case OpRewind, OpLast:
		// Jump when the tree is empty.
		if !ok {
			vm.pc = in.P2
			return stepNext, true, nil
		}
	case OpNext, OpPrev:
		// Jump when another row exists.
		if ok {
			vm.pc = in.P2
			return stepNext, true, nil
		}
	}
	return stepNext, false, nil
}

func (vm *VM) execSeek(in *Instr) (stepKind, bool, error) {
	cur, err := vm.cursor(in.P1)
	if err != nil {
		return 0, false, err
	}
	var found bool
	if cur.isIndex() {
		probe := vm.probeValues(cur, in.P3, in.P4.(int))
		switch in.Op {
		case OpSeekGE:
			found, err = cur.cur.SeekKey(probe, btree.SeekGE)
		case OpSeekGT:
			found, err = cur.cur.SeekKey(probe, btree.SeekGE)
			// Skip entries whose key columns equal the probe.
			for err == nil && found {
				var payload []byte
				if payload, err = cur.cur.Payload(); err != nil {
					break
				}
				var cmp int
				if cmp, err = cur.meta.KeyInfo.CompareRecord(payload, probe); err != nil || cmp != 0 {
					break
				}
				found, err = cur.cur.Next()
			}
		case OpSeekLE:
			found, err = cur.cur.SeekKey(probe, btree.SeekLE)
		case OpSeekLT:
			found, err = cur.cur.SeekKey(probe, btree.SeekLE)
			for err == nil && found {
				var payload []byte
				if payload, err = cur.cur.Payload(); err != nil {
					break
				}
				var cmp int
				if cmp, err = cur.meta.KeyInfo.CompareRecord(payload, probe); err != nil || cmp != 0 {
					break
				}
				found, err = cur.cur.Prev()
			}
		}
	} else {
		rowid := vm.regs[in.P3].AsInt()
		switch in.Op {
		case OpSeekGE:
			found, err = cur.cur.SeekRowid(rowid, btree.SeekGE)
		case OpSeekGT:
			if rowid == int64(^uint64(0)>>1) {
				found = false
			} else {
				found, err = cur.cur.SeekRowid(rowid+1, btree.SeekGE)
			}
		case OpSeekLE:
			found, err = cur.cur.SeekRowid(rowid, btree.SeekLE)
		case OpSeekLT:
			if rowid == -int64(^uint64(0)>>1)-1 {
				found = false
			} else {
				found, err = cur.cur.SeekRowid(rowid-1, btree.SeekLE)
			}
		}
	}
	if err != nil {
		return 0, false, err
	}
	if !found {
		vm.pc = in.P2
		return stepNext, true, nil
	}
	return stepNext, false, nil
}

func (vm *VM) cursor(i int) (*vmCursor, error) {
	if i < 0 || i >= len(vm.cursors) || vm.cursors[i] == nil {
		return nil, dberr.Corrupt(0, "cursor %d not open", i)
	}
	return vm.cursors[i], nil
}

// probeValues collects n probe registers, applying the cursor's column
// affinities so typed comparisons match stored values.
func (vm *VM) probeValues(cur *vmCursor, base, n int) []record.Value {
	vals := make([]record.Value, n)
	for i := 0; i < n; i++ {
		v := vm.regs[base+i]
		if cur.meta != nil && i < len(cur.meta.Affinities) {
			v = v.Apply(cur.meta.Affinities[i])
		}
		vals[i] = v
	}
	return vals
}

func cmpSatisfies(op Opcode, cmp int) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

// arith evaluates binary arithmetic and concatenation with NULL
// propagation. Integer operands stay integral; division or remainder
// by zero yields NULL.
func arith(op Opcode, a, b record.Value) record.Value {
	if a.IsNull() || b.IsNull() {
		return record.Null()
	}
	if op == OpConcat {
		return record.Text(a.String() + b.String())
	}
	intMode := a.Type() == record.TypeInt && b.Type() == record.TypeInt
	if intMode {
		x, y := a.Int64(), b.Int64()
		switch op {
		case OpAdd:
			return record.Int(x + y)
		case OpSubtract:
			return record.Int(x - y)
		case OpMultiply:
			return record.Int(x * y)
		case OpDivide:
			if y == 0 {
				return record.Null()
			}
			return record.Int(x / y)
		case OpRemainder:
			if y == 0 {
				return record.Null()
			}
			return record.Int(x % y)
		}
	}
	x, y := a.AsFloat(), b.AsFloat()
	switch op {
	case OpAdd:
		return record.Float(x + y)
	case OpSubtract:
		return record.Float(x - y)
	case OpMultiply:
		return record.Float(x * y)
	case OpDivide:
		if y == 0 {
			return record.Null()
		}
		return record.Float(x / y)
	case OpRemainder:
		yi := b.AsInt()
		if yi == 0 {
			return record.Null()
		}
		return record.Int(a.AsInt() % yi)
	}
	return record.Null()
}

// logic evaluates AND/OR under three-valued logic: NULL is unknown,
// but false AND anything is false and true OR anything is true.
func logic(op Opcode, a, b record.Value) record.Value {
	an, bn := a.IsNull(), b.IsNull()
	at := !an && a.Truthy()
	bt := !bn && b.Truthy()
	if op == OpAnd {
		if (!an && !at) || (!bn && !bt) {
			return record.Bool(false)
		}
		if an || bn {
			return record.Null()
		}
		return record.Bool(true)
	}
	if at || bt {
		return record.Bool(true)
	}
	if an || bn {
		return record.Null()
	}
	return record.Bool(false)
}
