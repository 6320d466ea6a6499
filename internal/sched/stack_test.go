package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feltvm/feltc/internal/hir"
)

func stackValues(t *testing.T, types ...hir.Type) []hir.Value {
	t.Helper()
	f := hir.NewFunction("fixture", &hir.Signature{})
	vals := make([]hir.Value, len(types))
	for i, typ := range types {
		vals[i] = f.AppendConst(f.Entry(), typ, uint64(i)).Results()[0]
	}
	return vals
}

func TestOperandStack_feltOffsets(t *testing.T) {
	vs := stackValues(t, hir.TypeFelt, hir.TypeU64, hir.TypeFelt)
	s := NewOperandStack(VA(vs[0]), VA(vs[1]), VA(vs[2]))

	require.Equal(t, 3, s.Len())
	require.Equal(t, 4, s.FeltDepth())
	require.Equal(t, 0, s.FeltOffset(0))
	require.Equal(t, 1, s.FeltOffset(1))
	require.Equal(t, 3, s.FeltOffset(2))
}

func TestOperandStack_addressableWindow(t *testing.T) {
	types := make([]hir.Type, 5)
	for i := range types {
		types[i] = hir.TypeWord
	}
	vs := stackValues(t, types...)
	items := make([]ValueOrAlias, len(vs))
	for i, v := range vs {
		items[i] = VA(v)
	}
	s := NewOperandStack(items...)

	// Four words fill the window exactly; the fifth starts at felt 16.
	require.True(t, s.Addressable(3))
	require.False(t, s.Addressable(4))
}

func TestOperandStack_dupAliases(t *testing.T) {
	vs := stackValues(t, hir.TypeFelt, hir.TypeFelt)
	s := NewOperandStack(VA(vs[0]), VA(vs[1]))

	a := s.Dup(1)
	require.True(t, a.IsAlias())
	require.Equal(t, vs[1], a.Value())
	require.Equal(t, VA(vs[1]), a.Unaliased())
	require.Equal(t, 0, s.Find(a))
	require.Equal(t, 0, s.FindValue(vs[1]))

	// A second copy of the same value gets a distinct generation.
	b := s.Dup(2)
	require.NotEqual(t, a, b)
	require.Equal(t, a.NextAlias(), b)
}

func TestOperandStack_movement(t *testing.T) {
	vs := stackValues(t, hir.TypeFelt, hir.TypeFelt, hir.TypeFelt, hir.TypeFelt)
	s := NewOperandStack(VA(vs[0]), VA(vs[1]), VA(vs[2]), VA(vs[3]))

	s.RotUp(2)
	require.Equal(t, []ValueOrAlias{VA(vs[2]), VA(vs[0]), VA(vs[1]), VA(vs[3])}, s.Items())

	s.RotDown(2)
	require.Equal(t, []ValueOrAlias{VA(vs[0]), VA(vs[1]), VA(vs[2]), VA(vs[3])}, s.Items())

	s.Swap(3)
	require.Equal(t, VA(vs[3]), s.Peek(0))
	require.Equal(t, VA(vs[0]), s.Peek(3))

	s.DropAt(1)
	require.Equal(t, []ValueOrAlias{VA(vs[3]), VA(vs[2]), VA(vs[0])}, s.Items())
}

func TestOperandStack_cloneIsIndependent(t *testing.T) {
	vs := stackValues(t, hir.TypeFelt, hir.TypeFelt)
	s := NewOperandStack(VA(vs[0]), VA(vs[1]))
	c := s.Clone()

	c.Pop()
	require.Equal(t, 2, s.Len())
	require.Equal(t, 1, c.Len())
	require.Equal(t, "[v0 v1]", s.String())
}
