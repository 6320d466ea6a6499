package sched

import (
	"fmt"

	"github.com/feltvm/feltc/internal/analysis"
	"github.com/feltvm/feltc/internal/hir"
)

// WindowFelts is the machine's directly addressable stack depth.
const WindowFelts = analysis.WindowFelts

// StackOpKind enumerates the stack manipulation vocabulary the scheduler may
// emit. Every kind maps to a short machine sequence; indices address felts.
type StackOpKind uint8

const (
	// StackDup copies the value at the given felt offset to the top.
	StackDup StackOpKind = iota
	// StackSwap exchanges the top felt with the felt at the offset. Emitted
	// only for single-felt pairs; wider exchanges decompose into rotations.
	StackSwap
	// StackRotUp moves the value at the felt offset to the top.
	StackRotUp
	// StackRotDown moves the top value down to the felt offset.
	StackRotDown
	// StackDrop discards the top value.
	StackDrop
	// StackMaterializeDeep re-derives a value whose only stack home lies
	// below the addressable window, from its constant or storage slot.
	StackMaterializeDeep
)

// String implements fmt.Stringer.
func (k StackOpKind) String() string {
	switch k {
	case StackDup:
		return "dup"
	case StackSwap:
		return "swap"
	case StackRotUp:
		return "movup"
	case StackRotDown:
		return "movdn"
	case StackDrop:
		return "drop"
	case StackMaterializeDeep:
		return "remat"
	default:
		panic("BUG: invalid stack op kind")
	}
}

// StackOp is one stack manipulation instruction. Index is the felt offset of
// the addressed value's first felt; Width its footprint, so emission can
// expand wide values into per-felt machine instructions. Val is set only for
// StackMaterializeDeep.
type StackOp struct {
	Kind  StackOpKind
	Index int
	Width int
	Val   hir.Value
}

// String implements fmt.Stringer.
func (o StackOp) String() string {
	switch o.Kind {
	case StackDrop:
		return "drop"
	case StackMaterializeDeep:
		return fmt.Sprintf("remat %s", o.Val)
	default:
		return fmt.Sprintf("%s.%d", o.Kind, o.Index)
	}
}

// Instr is one scheduled instruction: either a stack manipulation or the
// machine form of an IR operation whose operands the preceding stack ops have
// arranged on top.
type Instr struct {
	Stack *StackOp
	Op    *hir.Operation
}

// String implements fmt.Stringer.
func (in Instr) String() string {
	if in.Stack != nil {
		return in.Stack.String()
	}
	return in.Op.Format()
}
