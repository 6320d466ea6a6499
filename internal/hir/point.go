package hir

import "fmt"

// ProgramPoint addresses a position in a block: immediately before or
// immediately after an operation. Points are the unit of liveness and of
// spill/reload placement.
//
// Point identity derives from the operation's allocation-time pnum, so a point
// remains stable when the spill transform inserts operations around it:
// existing points are never renumbered.
type ProgramPoint struct {
	op    *Operation
	after bool
}

// Before returns the program point immediately preceding op.
func Before(op *Operation) ProgramPoint {
	if op == nil {
		panic("BUG: program point of nil operation")
	}
	return ProgramPoint{op: op}
}

// After returns the program point immediately following op.
func After(op *Operation) ProgramPoint {
	if op == nil {
		panic("BUG: program point of nil operation")
	}
	return ProgramPoint{op: op, after: true}
}

// AtBlockStart returns the point before the first operation of blk.
func AtBlockStart(blk *Block) ProgramPoint {
	return Before(blk.Root())
}

// AtBlockEnd returns the point before blk's terminator.
func AtBlockEnd(blk *Block) ProgramPoint {
	t := blk.Terminator()
	if t == nil {
		panic("BUG: AtBlockEnd on unterminated block")
	}
	return Before(t)
}

// Op returns the operation this point is anchored to.
func (p ProgramPoint) Op() *Operation { return p.op }

// IsAfter returns true if the point follows its anchor operation.
func (p ProgramPoint) IsAfter() bool { return p.after }

// Block returns the block containing this point.
func (p ProgramPoint) Block() *Block { return p.op.blk }

// Index returns a dense, stable index usable as a bitmap key. Each operation
// contributes two indices: 2*pnum for its before-point, 2*pnum+1 for its
// after-point.
func (p ProgramPoint) Index() uint32 {
	i := p.op.pnum * 2
	if p.after {
		i++
	}
	return i
}

// Valid reports whether the point is anchored to an operation.
func (p ProgramPoint) Valid() bool { return p.op != nil }

// String implements fmt.Stringer.
func (p ProgramPoint) String() string {
	side := "before"
	if p.after {
		side = "after"
	}
	return fmt.Sprintf("%s(%s@blk%d)", side, p.op.opcode, p.op.blk.id)
}
