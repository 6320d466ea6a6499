// Package sched lowers window-bounded IR blocks to operand stack machine
// code. For every operation it solves an operand movement problem: rearrange
// the modeled stack so the operation's inputs sit on top in the right order,
// duplicating values that must survive and moving values that die. The search
// is organized as a closed set of tactics tried in cost order under a fuel
// budget.
package sched

import (
	"fmt"

	"github.com/feltvm/feltc/internal/hir"
)

// ValueOrAlias identifies one stack item. A copy of a value made for an
// operand that must not consume the original is an alias: same value, next
// generation. Aliases let the movement solver track which physical copy is
// which.
type ValueOrAlias struct {
	val hir.Value
	gen uint32
}

// VA wraps a plain value as generation zero.
func VA(v hir.Value) ValueOrAlias { return ValueOrAlias{val: v} }

// Value returns the underlying IR value.
func (v ValueOrAlias) Value() hir.Value { return v.val }

// IsAlias returns true for copies made by the solver.
func (v ValueOrAlias) IsAlias() bool { return v.gen > 0 }

// NextAlias returns the next copy generation of this value.
func (v ValueOrAlias) NextAlias() ValueOrAlias {
	return ValueOrAlias{val: v.val, gen: v.gen + 1}
}

// Unaliased strips the generation, giving the canonical value.
func (v ValueOrAlias) Unaliased() ValueOrAlias { return ValueOrAlias{val: v.val} }

// SizeInFelts returns the operand stack footprint of this item.
func (v ValueOrAlias) SizeInFelts() int { return v.val.SizeInFelts() }

// String implements fmt.Stringer.
func (v ValueOrAlias) String() string {
	if v.gen == 0 {
		return v.val.String()
	}
	return fmt.Sprintf("%s'%d", v.val, v.gen)
}

// OperandStack models the machine's operand stack at value granularity.
// Index 0 is the top of the stack; felt offsets are derived from the widths
// of the items above.
type OperandStack struct {
	items []ValueOrAlias
}

// NewOperandStack returns a stack holding items, items[0] on top.
func NewOperandStack(items ...ValueOrAlias) *OperandStack {
	return &OperandStack{items: items}
}

// Len returns the number of stack items (values, not felts).
func (s *OperandStack) Len() int { return len(s.items) }

// FeltDepth returns the total number of felts on the stack.
func (s *OperandStack) FeltDepth() int {
	var n int
	for _, it := range s.items {
		n += it.SizeInFelts()
	}
	return n
}

// Items returns the stack contents, top first. The slice must not be modified.
func (s *OperandStack) Items() []ValueOrAlias { return s.items }

// Peek returns the item at position i from the top.
func (s *OperandStack) Peek(i int) ValueOrAlias { return s.items[i] }

// Find returns the position of v, or -1.
func (s *OperandStack) Find(v ValueOrAlias) int {
	for i, it := range s.items {
		if it == v {
			return i
		}
	}
	return -1
}

// FindValue returns the position of any item carrying the value v (alias or
// not), preferring the shallowest, or -1.
func (s *OperandStack) FindValue(v hir.Value) int {
	for i, it := range s.items {
		if it.val == v {
			return i
		}
	}
	return -1
}

// FeltOffset returns the felt offset of the first (topmost) felt of the item
// at position i.
func (s *OperandStack) FeltOffset(i int) int {
	var n int
	for _, it := range s.items[:i] {
		n += it.SizeInFelts()
	}
	return n
}

// Addressable returns true if the whole item at position i lies within the
// machine's directly addressable window.
func (s *OperandStack) Addressable(i int) bool {
	return s.FeltOffset(i)+s.items[i].SizeInFelts() <= WindowFelts
}

// Push places v on top of the stack.
func (s *OperandStack) Push(v ValueOrAlias) {
	s.items = append([]ValueOrAlias{v}, s.items...)
}

// Pop removes and returns the top item.
func (s *OperandStack) Pop() ValueOrAlias {
	if len(s.items) == 0 {
		panic("BUG: pop of empty operand stack")
	}
	top := s.items[0]
	s.items = s.items[1:]
	return top
}

// Dup pushes a fresh alias of the item at position i, returning the alias.
func (s *OperandStack) Dup(i int) ValueOrAlias {
	a := s.aliasFor(s.items[i].val)
	s.Push(a)
	return a
}

// aliasFor returns an alias generation not currently on the stack.
func (s *OperandStack) aliasFor(v hir.Value) ValueOrAlias {
	a := ValueOrAlias{val: v, gen: 1}
	for s.Find(a) >= 0 {
		a.gen++
	}
	return a
}

// Swap exchanges the top item with the item at position i.
func (s *OperandStack) Swap(i int) {
	if i == 0 {
		panic("BUG: swap with self")
	}
	s.items[0], s.items[i] = s.items[i], s.items[0]
}

// RotUp moves the item at position i to the top, shifting the items above it
// down by one.
func (s *OperandStack) RotUp(i int) {
	if i == 0 {
		return
	}
	it := s.items[i]
	copy(s.items[1:i+1], s.items[:i])
	s.items[0] = it
}

// RotDown moves the top item to position i, shifting the items in between up
// by one.
func (s *OperandStack) RotDown(i int) {
	if i == 0 {
		return
	}
	it := s.items[0]
	copy(s.items[:i], s.items[1:i+1])
	s.items[i] = it
}

// DropAt removes the item at position i.
func (s *OperandStack) DropAt(i int) {
	s.items = append(s.items[:i], s.items[i+1:]...)
}

// Clone returns an independent copy of the stack.
func (s *OperandStack) Clone() *OperandStack {
	c := make([]ValueOrAlias, len(s.items))
	copy(c, s.items)
	return &OperandStack{items: c}
}

// String implements fmt.Stringer, top first.
func (s *OperandStack) String() string {
	out := "["
	for i, it := range s.items {
		if i > 0 {
			out += " "
		}
		out += it.String()
	}
	return out + "]"
}
