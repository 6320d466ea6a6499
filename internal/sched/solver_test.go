package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feltvm/feltc/internal/hir"
)

// feltValues returns n distinct single-felt values backed by a function, plus
// the function itself for solvers that need definition lookups.
func feltValues(t *testing.T, n int) (*hir.Function, []hir.Value) {
	t.Helper()
	f := hir.NewFunction("fixture", &hir.Signature{Results: []hir.Type{hir.TypeFelt}})
	vals := make([]hir.Value, n)
	for i := range vals {
		vals[i] = f.AppendConst(f.Entry(), hir.TypeFelt, uint64(i)).Results()[0]
	}
	return f, vals
}

// replay applies emitted stack ops to an independent model. All fixture
// values are one felt wide, so a felt index is a stack position.
func replay(t *testing.T, st *OperandStack, ops []StackOp) *OperandStack {
	t.Helper()
	c := st.Clone()
	for _, op := range ops {
		require.Equal(t, 1, op.Width, "replay only handles single-felt values")
		switch op.Kind {
		case StackDup:
			c.Dup(op.Index)
		case StackSwap:
			c.Swap(op.Index)
		case StackRotUp:
			c.RotUp(op.Index)
		case StackRotDown:
			c.RotDown(op.Index)
		case StackDrop:
			c.Pop()
		default:
			t.Fatalf("unexpected op %s", op)
		}
	}
	return c
}

func TestSolver_bringsDeepOperandsUp(t *testing.T) {
	f, vals := feltValues(t, 8)
	stack := NewOperandStack()
	for i := len(vals) - 1; i >= 0; i-- {
		stack.Push(VA(vals[i]))
	}
	// vals[0] on top; the operation wants positions 3 and 7.
	orig := stack.Clone()
	sol := NewSolver(f, stack, DefaultFuel)
	err := sol.Arrange([]Expected{
		{Val: vals[3], Constraint: ConstraintMove},
		{Val: vals[7], Constraint: ConstraintMove},
	})
	require.NoError(t, err)
	require.Equal(t, VA(vals[3]), sol.Stack().Peek(0))
	require.Equal(t, VA(vals[7]), sol.Stack().Peek(1))
	require.Equal(t, 8, sol.Stack().Len())

	// The emitted ops must transform the original model into the solver's.
	require.Equal(t, sol.Stack().Items(), replay(t, orig, sol.Ops()).Items())
}

func TestSolver_copyKeepsOriginalBelow(t *testing.T) {
	f, vals := feltValues(t, 2)
	a, b := vals[0], vals[1]
	stack := NewOperandStack(VA(a), VA(b))
	sol := NewSolver(f, stack, DefaultFuel)

	err := sol.Arrange([]Expected{{Val: a, Constraint: ConstraintCopy}})
	require.NoError(t, err)
	require.Equal(t, 3, sol.Stack().Len())
	require.Equal(t, a, sol.Stack().Peek(0).Value())
	require.True(t, sol.Stack().Peek(0).IsAlias())

	// Consuming the arranged operand leaves the original intact.
	sol.Consume(1)
	require.Equal(t, VA(a), sol.Stack().Peek(0))
	require.Equal(t, VA(b), sol.Stack().Peek(1))
}

func TestSolver_duplicateOperandSlots(t *testing.T) {
	f, vals := feltValues(t, 1)
	a := vals[0]
	stack := NewOperandStack(VA(a))
	sol := NewSolver(f, stack, DefaultFuel)

	// a*a: the same value feeds both operand slots.
	err := sol.Arrange([]Expected{
		{Val: a, Constraint: ConstraintMove},
		{Val: a, Constraint: ConstraintMove},
	})
	require.NoError(t, err)
	require.Equal(t, 2, sol.Stack().Len())
	require.Equal(t, a, sol.Stack().Peek(0).Value())
	require.Equal(t, a, sol.Stack().Peek(1).Value())
}

func TestSolver_inPlaceIsFree(t *testing.T) {
	f, vals := feltValues(t, 2)
	stack := NewOperandStack(VA(vals[0]), VA(vals[1]))
	sol := NewSolver(f, stack, 0)

	err := sol.Arrange([]Expected{
		{Val: vals[0], Constraint: ConstraintMove},
		{Val: vals[1], Constraint: ConstraintMove},
	})
	require.NoError(t, err)
	require.Empty(t, sol.Ops())
	require.Equal(t, 0, sol.Fuel())
}

func TestSolver_zeroFuelExhausts(t *testing.T) {
	f, vals := feltValues(t, 2)
	stack := NewOperandStack(VA(vals[0]), VA(vals[1]))
	sol := NewSolver(f, stack, 0)

	err := sol.Arrange([]Expected{{Val: vals[1], Constraint: ConstraintMove}})
	require.ErrorIs(t, err, ErrFuelExhausted)
	// The failed attempt must not leave partial ops or a mutated model.
	require.Empty(t, sol.Ops())
	require.Equal(t, VA(vals[0]), sol.Stack().Peek(0))
}

func TestSolver_linearTacticWithinExactBudget(t *testing.T) {
	f, vals := feltValues(t, 3)
	stack := NewOperandStack(VA(vals[0]), VA(vals[1]), VA(vals[2]))
	// The free in-place attempt fails without charge, leaving the budget
	// whole for the linear tactic.
	sol := NewSolver(f, stack, 4)

	err := sol.Arrange([]Expected{{Val: vals[2], Constraint: ConstraintMove}})
	require.NoError(t, err)
	require.Equal(t, 0, sol.Fuel())
	require.Equal(t, VA(vals[2]), sol.Stack().Peek(0))
}

func TestSolver_permutationReplay(t *testing.T) {
	f, vals := feltValues(t, 6)
	stack := NewOperandStack()
	for i := len(vals) - 1; i >= 0; i-- {
		stack.Push(VA(vals[i]))
	}
	orig := stack.Clone()
	sol := NewSolver(f, stack, DefaultFuel)

	// A full reversal of the top five positions plus one copy.
	err := sol.Arrange([]Expected{
		{Val: vals[4], Constraint: ConstraintMove},
		{Val: vals[3], Constraint: ConstraintMove},
		{Val: vals[2], Constraint: ConstraintCopy},
		{Val: vals[1], Constraint: ConstraintMove},
		{Val: vals[0], Constraint: ConstraintMove},
	})
	require.NoError(t, err)
	for i, want := range []hir.Value{vals[4], vals[3], vals[2], vals[1], vals[0]} {
		require.Equal(t, want, sol.Stack().Peek(i).Value(), "position %d", i)
	}
	require.Equal(t, sol.Stack().Items(), replay(t, orig, sol.Ops()).Items())

	// The copy constraint's survivor sits below the arranged operands.
	require.True(t, hasInstanceBelow(sol.Stack(), vals[2], 5))
}
