package hir

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Opcode identifies an operation in the IR.
type Opcode uint32

const (
	OpcodeInvalid Opcode = iota

	// OpcodeConst materializes a single-felt constant carried in Operation.imm.
	OpcodeConst

	// OpcodeConstWide materializes a constant wider than one felt. The payload
	// is carried in Operation.wide and split into 32-bit limbs on the operand
	// stack at emission time, least significant limb deepest.
	OpcodeConstWide

	// Arithmetic and comparison operations. Their numeric semantics are opaque
	// to scheduling; only operand count, operand order and result types matter.

	OpcodeAdd
	OpcodeSub
	OpcodeMul
	OpcodeDiv
	OpcodeNeg
	OpcodeEq
	OpcodeLt
	OpcodeAnd
	OpcodeOr
	OpcodeNot

	// OpcodeCall calls the procedure named by Operation.symbol.
	OpcodeCall

	// OpcodeSpill stores its operand to the function-local storage slot in
	// Operation.imm. Inserted by the spill transform, never by front ends.
	OpcodeSpill

	// OpcodeReload loads the storage slot in Operation.imm, producing a fresh
	// value semantically equal to the one spilled there. It takes no operands:
	// tying it to the spilled value would extend that value's live range past
	// the spill, which is exactly what spilling is meant to end.
	OpcodeReload

	// OpcodeBr jumps unconditionally to successor 0, passing its arguments as
	// the successor's block parameters.
	OpcodeBr

	// OpcodeCondBr branches to successor 0 if the condition operand is nonzero,
	// otherwise to successor 1.
	OpcodeCondBr

	// OpcodeReturn returns from the function with its operands.
	OpcodeReturn

	// OpcodeIf executes region 0 ("then") if its condition operand is nonzero,
	// region 1 ("else") otherwise. Remaining operands seed the entry block
	// parameters of both regions. Each region terminates with an OpcodeYield
	// whose operands become the results of the if.
	OpcodeIf

	// OpcodeWhile is a structured loop with two regions. Region 0 ("before")
	// receives the loop state as entry block parameters and terminates with an
	// OpcodeYield whose first operand is the continue condition; region 1
	// ("after") is the loop body, whose terminating OpcodeYield feeds the next
	// iteration of "before". When the condition is false, the remaining "before"
	// yield operands become the results of the while.
	OpcodeWhile

	// OpcodeYield terminates a block in a nested region, transferring its
	// operands across the region boundary.
	OpcodeYield

	opcodeEnd
)

// String implements fmt.Stringer.
func (o Opcode) String() string {
	switch o {
	case OpcodeConst:
		return "const"
	case OpcodeConstWide:
		return "const.wide"
	case OpcodeAdd:
		return "add"
	case OpcodeSub:
		return "sub"
	case OpcodeMul:
		return "mul"
	case OpcodeDiv:
		return "div"
	case OpcodeNeg:
		return "neg"
	case OpcodeEq:
		return "eq"
	case OpcodeLt:
		return "lt"
	case OpcodeAnd:
		return "and"
	case OpcodeOr:
		return "or"
	case OpcodeNot:
		return "not"
	case OpcodeCall:
		return "call"
	case OpcodeSpill:
		return "spill"
	case OpcodeReload:
		return "reload"
	case OpcodeBr:
		return "br"
	case OpcodeCondBr:
		return "cond_br"
	case OpcodeReturn:
		return "ret"
	case OpcodeIf:
		return "if"
	case OpcodeWhile:
		return "while"
	case OpcodeYield:
		return "yield"
	default:
		return fmt.Sprintf("invalid(%d)", uint32(o))
	}
}

// Successor is a control flow edge from a terminator to a sibling block,
// carrying the values bound to the target's block parameters.
type Successor struct {
	Blk  *Block
	Args []Value
}

// Operation is a node in a block's operation list. Since Go has no union type,
// this flattened struct serves every opcode, and individual fields are only
// meaningful for the opcodes that use them.
type Operation struct {
	opcode   Opcode
	operands []Value
	results  []Value
	succs    []Successor
	regions  []*Region
	imm      uint64
	wide     *uint256.Int
	symbol   string

	blk        *Block
	prev, next *Operation

	// pnum is this operation's program point number. It is assigned once at
	// allocation from a per-function counter and never reassigned, so points
	// stay stable when the spill transform inserts new operations.
	pnum uint32

	// pos is the source offset this operation originates from, for diagnostics.
	pos SourcePos
}

// SourcePos is a byte offset into the original source of the compiled unit.
type SourcePos uint64

// String implements fmt.Stringer.
func (p SourcePos) String() string {
	return fmt.Sprintf("0x%x", uint64(p))
}

// Opcode returns the opcode of this operation.
func (o *Operation) Opcode() Opcode { return o.opcode }

// Operands returns the operand values of this operation in required order.
// The returned slice must not be modified.
func (o *Operation) Operands() []Value { return o.operands }

// Results returns the values defined by this operation.
// The returned slice must not be modified.
func (o *Operation) Results() []Value { return o.results }

// Successors returns the control flow successors if this is a branching
// operation, nil otherwise.
func (o *Operation) Successors() []Successor { return o.succs }

// Regions returns the nested regions of this operation, nil for ordinary ops.
func (o *Operation) Regions() []*Region { return o.regions }

// Imm returns the immediate payload (constant value, or storage slot index for
// spill/reload operations).
func (o *Operation) Imm() uint64 { return o.imm }

// Wide returns the wide constant payload of an OpcodeConstWide, nil otherwise.
func (o *Operation) Wide() *uint256.Int { return o.wide }

// Symbol returns the callee name of an OpcodeCall.
func (o *Operation) Symbol() string { return o.symbol }

// Block returns the block containing this operation.
func (o *Operation) Block() *Block { return o.blk }

// Next returns the operation laid out after this one in its block.
func (o *Operation) Next() *Operation { return o.next }

// Prev returns the operation laid out before this one in its block.
func (o *Operation) Prev() *Operation { return o.prev }

// Pos returns the source position associated with this operation.
func (o *Operation) Pos() SourcePos { return o.pos }

// SetPos attaches a source position to this operation.
func (o *Operation) SetPos(pos SourcePos) { o.pos = pos }

// ReplaceOperand rewrites every occurrence of old among this operation's
// operands and successor arguments with new, returning the number of operands
// rewritten.
func (o *Operation) ReplaceOperand(old, new Value) int {
	var n int
	for i, v := range o.operands {
		if v == old {
			o.operands[i] = new
			n++
		}
	}
	for si := range o.succs {
		args := o.succs[si].Args
		for i, v := range args {
			if v == old {
				args[i] = new
				n++
			}
		}
	}
	return n
}

// IsTerminator returns true if this operation must end its block.
func (o *Operation) IsTerminator() bool {
	switch o.opcode {
	case OpcodeBr, OpcodeCondBr, OpcodeReturn, OpcodeYield:
		return true
	default:
		return false
	}
}

// HasRegions returns true for structured control operations.
func (o *Operation) HasRegions() bool {
	return len(o.regions) > 0
}

// precedes returns true if this operation comes strictly before other in the
// same block's operation list.
func (o *Operation) precedes(other *Operation) bool {
	if o.blk != other.blk {
		panic("BUG: precedes requires operations in the same block")
	}
	for cur := o.next; cur != nil; cur = cur.next {
		if cur == other {
			return true
		}
	}
	return false
}

func (o *Operation) reset() {
	*o = Operation{}
}

// Format renders this operation in the textual IR form.
func (o *Operation) Format() string {
	var sb strings.Builder
	if len(o.results) > 0 {
		for i, r := range o.results {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(r.formatWithType())
		}
		sb.WriteString(" = ")
	}
	sb.WriteString(o.opcode.String())
	switch o.opcode {
	case OpcodeConst:
		fmt.Fprintf(&sb, " %d", o.imm)
	case OpcodeConstWide:
		fmt.Fprintf(&sb, " %s", o.wide.Dec())
	case OpcodeCall:
		fmt.Fprintf(&sb, " @%s", o.symbol)
	case OpcodeSpill, OpcodeReload:
		fmt.Fprintf(&sb, " slot=%d", o.imm)
	}
	for i, v := range o.operands {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(v.String())
	}
	for i, s := range o.succs {
		if i == 0 && len(o.operands) == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "blk%d", s.Blk.ID())
		if len(s.Args) > 0 {
			sb.WriteByte('(')
			for j, a := range s.Args {
				if j > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(a.String())
			}
			sb.WriteByte(')')
		}
	}
	return sb.String()
}
