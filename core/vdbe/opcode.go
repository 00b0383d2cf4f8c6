// Package vdbe executes compiled statement programs: a register
// machine whose closed opcode set covers control flow, transaction
// management, value manipulation, and b-tree cursor access.
package vdbe

import (
	"fmt"
	"strings"

	"github.com/quarrydb/quarry/core/record"
)

// Opcode is one virtual machine instruction kind.
type Opcode uint8

const (
	OpInit Opcode = iota
	OpGoto
	OpGosub
	OpReturn
	OpHalt
	OpHaltIfNull

	OpTransaction
	OpCommit
	OpRollback
	OpSavepoint

	OpInteger
	OpReal
	OpString8
	OpBlob
	OpNull
	OpCopy

	OpAdd
	OpSubtract
	OpMultiply
	OpDivide
	OpRemainder
	OpConcat

	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
	OpNot
	OpIsNull
	OpNotNull

	OpOpenRead
	OpOpenWrite
	OpClose
	OpRewind
	OpLast
	OpNext
	OpPrev
	OpSeekGE
	OpSeekGT
	OpSeekLE
	OpSeekLT
	OpNotExists
	OpFound
	OpNotFound

	OpColumn
	OpRowId
	OpNewRowid
	OpMakeRecord
	OpInsert
	OpDelete
	OpIdxInsert
	OpIdxDelete
	OpIdxRowid
	OpIdxGE
	OpIdxGT
	OpIdxLE
	OpIdxLT

	OpResultRow
)

var opNames = [...]string{
	OpInit: "Init", OpGoto: "Goto", OpGosub: "Gosub", OpReturn: "Return",
	OpHalt: "Halt", OpHaltIfNull: "HaltIfNull",
	OpTransaction: "Transaction", OpCommit: "Commit", OpRollback: "Rollback",
	OpSavepoint: "Savepoint",
	OpInteger: "Integer", OpReal: "Real", OpString8: "String8", OpBlob: "Blob",
	OpNull: "Null", OpCopy: "Copy",
	OpAdd: "Add", OpSubtract: "Subtract", OpMultiply: "Multiply",
	OpDivide: "Divide", OpRemainder: "Remainder", OpConcat: "Concat",
	OpEq: "Eq", OpNe: "Ne", OpLt: "Lt", OpLe: "Le", OpGt: "Gt", OpGe: "Ge",
	OpAnd: "And", OpOr: "Or", OpNot: "Not",
	OpIsNull: "IsNull", OpNotNull: "NotNull",
	OpOpenRead: "OpenRead", OpOpenWrite: "OpenWrite", OpClose: "Close",
	OpRewind: "Rewind", OpLast: "Last", OpNext: "Next", OpPrev: "Prev",
	OpSeekGE: "SeekGE", OpSeekGT: "SeekGT", OpSeekLE: "SeekLE", OpSeekLT: "SeekLT",
	OpNotExists: "NotExists", OpFound: "Found", OpNotFound: "NotFound",
	OpColumn: "Column", OpRowId: "RowId", OpNewRowid: "NewRowid",
	OpMakeRecord: "MakeRecord", OpInsert: "Insert", OpDelete: "Delete",
	OpIdxInsert: "IdxInsert", OpIdxDelete: "IdxDelete", OpIdxRowid: "IdxRowid",
	OpIdxGE: "IdxGE", OpIdxGT: "IdxGT", OpIdxLE: "IdxLE", OpIdxLT: "IdxLT",
	OpResultRow: "ResultRow",
}

func (o Opcode) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return fmt.Sprintf("Opcode(%d)", int(o))
}

// P5 flags.
const (
	// NullJump makes a comparison take the jump when either operand
	// is NULL instead of falling through.
	NullJump uint8 = 1 << 0
)

// Savepoint P1 values.
const (
	SavepointBegin = iota
	SavepointRelease
	SavepointRollback
)

// CmpSpec is the P4 operand of a comparison instruction: the affinity
// applied to both operands before they are compared, and the collation
// they compare under.
type CmpSpec struct {
	Aff  record.Affinity
	Coll record.Collation
}

// CursorMeta is the P4 operand of OpenRead/OpenWrite on an index
// b-tree: comparison descriptor plus the column affinities applied to
// probe values before a seek.
type CursorMeta struct {
	KeyInfo    record.KeyInfo
	Affinities []record.Affinity
}

// Instr is one instruction. Operand meaning follows its opcode's
// documentation in vm.go.
type Instr struct {
	Op      Opcode
	P1      int
	P2      int
	P3      int
	P4      any
	P5      uint8
	Comment string
}

// Program is a compiled statement ready for execution.
type Program struct {
	Instrs     []Instr
	NumRegs    int
	NumCursors int
	NumParams  int
	Cookie     uint32 // schema cookie the program was compiled against
	Writes     bool
	Columns    []string // result column names
	SQL        string
}

// Explain renders the listing, one line per instruction, in the
// addr|opcode|p1|p2|p3|p4|p5|comment format shells print.
func (p *Program) Explain() []string {
	out := make([]string, len(p.Instrs))
	for i, in := range p.Instrs {
		p4 := ""
		switch v := in.P4.(type) {
		case nil:
		case string:
			p4 = v
		case *CursorMeta:
			p4 = fmt.Sprintf("keyinfo(%d)", len(v.KeyInfo.Collations))
		case CmpSpec:
			p4 = v.Coll.Name
		case error:
			p4 = v.Error()
		default:
			p4 = fmt.Sprint(v)
		}
		out[i] = strings.TrimRight(fmt.Sprintf("%-4d %-12s %-4d %-4d %-4d %-16s %-3d %s",
			i, in.Op, in.P1, in.P2, in.P3, p4, in.P5, in.Comment), " ")
	}
	return out
}
