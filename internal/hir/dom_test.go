package hir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// diamond builds:
//
//	blk0 -> blk1, blk2
//	blk1 -> blk3
//	blk2 -> blk3
func diamond(t *testing.T) (*Function, []*Block) {
	t.Helper()
	f := NewFunction("diamond", &Signature{Params: []Type{TypeFelt}, Results: []Type{TypeFelt}})
	entry := f.Entry()
	b1 := f.NewBlock(f.Body())
	b2 := f.NewBlock(f.Body())
	b3 := f.NewBlock(f.Body())
	v := entry.Params()[0]

	f.AppendCondBr(entry, v, b1, nil, b2, nil)
	one := f.AppendConst(b1, TypeFelt, 1).Results()[0]
	f.AppendBr(b1, b3, one)
	two := f.AppendConst(b2, TypeFelt, 2).Results()[0]
	f.AppendBr(b2, b3, two)
	p := f.AddBlockParam(b3, TypeFelt)
	f.Append(b3, OpcodeReturn, nil, p)
	return f, []*Block{entry, b1, b2, b3}
}

func TestDomTree_diamond(t *testing.T) {
	f, blks := diamond(t)
	d := BuildDomTree(f)

	entry, b1, b2, b3 := blks[0], blks[1], blks[2], blks[3]
	require.Nil(t, d.IDom(entry))
	require.Equal(t, entry, d.IDom(b1))
	require.Equal(t, entry, d.IDom(b2))
	require.Equal(t, entry, d.IDom(b3))

	require.True(t, d.Dominates(entry, b3))
	require.True(t, d.Dominates(entry, entry))
	require.False(t, d.Dominates(b1, b3))
	require.False(t, d.Dominates(b2, b3))
	require.False(t, d.Dominates(b3, b1))
}

func TestDomTree_loop(t *testing.T) {
	f := NewFunction("loop", &Signature{Params: []Type{TypeFelt}, Results: nil})
	entry := f.Entry()
	header := f.NewBlock(f.Body())
	body := f.NewBlock(f.Body())
	exit := f.NewBlock(f.Body())
	v := entry.Params()[0]

	f.AppendBr(entry, header, v)
	p := f.AddBlockParam(header, TypeFelt)
	f.AppendCondBr(header, p, body, nil, exit, nil)
	next := f.Append(body, OpcodeSub, []Type{TypeFelt}, p, p).Results()[0]
	f.AppendBr(body, header, next)
	f.Append(exit, OpcodeReturn, nil)

	d := BuildDomTree(f)
	require.True(t, d.IsLoopHeader(header))
	require.False(t, d.IsLoopHeader(entry))
	require.False(t, d.IsLoopHeader(body))
	require.Equal(t, header, d.IDom(body))
	require.Equal(t, header, d.IDom(exit))
	require.True(t, d.Dominates(header, exit))
}

func TestDomTree_nestedRegions(t *testing.T) {
	f := NewFunction("nested", &Signature{Params: []Type{TypeFelt, TypeFelt}, Results: []Type{TypeFelt}})
	entry := f.Entry()
	cond, x := entry.Params()[0], entry.Params()[1]

	defOp := f.Append(entry, OpcodeAdd, []Type{TypeFelt}, x, x)
	sum := defOp.Results()[0]
	ifOp := f.AppendIf(entry, cond, []Type{TypeFelt}, sum)
	thenBlk := ifOp.Regions()[0].Entry()
	elseBlk := ifOp.Regions()[1].Entry()

	thenUse := f.Append(thenBlk, OpcodeMul, []Type{TypeFelt}, thenBlk.Params()[0], sum)
	f.Append(thenBlk, OpcodeYield, nil, thenUse.Results()[0])
	elseUse := f.Append(elseBlk, OpcodeNeg, []Type{TypeFelt}, elseBlk.Params()[0])
	f.Append(elseBlk, OpcodeYield, nil, elseUse.Results()[0])
	f.Append(entry, OpcodeReturn, nil, ifOp.Results()[0])

	d := BuildDomTree(f)

	// An op before the structured op dominates everything nested inside it.
	require.True(t, d.OpDominates(defOp, thenUse))
	require.True(t, d.OpDominates(defOp, elseUse))
	// The structured op does not dominate its own nested contents.
	require.False(t, d.OpDominates(ifOp, thenUse))
	// Sibling regions do not dominate each other.
	require.False(t, d.OpDominates(thenUse, elseUse))
	// Region blocks are dominated by the block owning the structured op.
	require.True(t, d.Dominates(entry, thenBlk))
	require.True(t, d.Dominates(entry, elseBlk))
	require.False(t, d.Dominates(thenBlk, elseBlk))
}

func TestProgramPoint_stableAcrossInserts(t *testing.T) {
	f := NewFunction("points", &Signature{Params: []Type{TypeFelt}, Results: nil})
	entry := f.Entry()
	v := entry.Params()[0]
	add := f.Append(entry, OpcodeAdd, []Type{TypeFelt}, v, v)
	f.Append(entry, OpcodeReturn, nil, add.Results()[0])

	before := Before(add)
	after := After(add)
	bi, ai := before.Index(), after.Index()
	require.Equal(t, bi+1, ai)

	// Inserting around the op must not disturb existing point identities.
	f.InsertBefore(add, OpcodeConst, []Type{TypeFelt})
	f.InsertAfter(add, OpcodeConst, []Type{TypeFelt})
	require.Equal(t, bi, Before(add).Index())
	require.Equal(t, ai, After(add).Index())
}

func TestOperation_precedes(t *testing.T) {
	f := NewFunction("order", &Signature{Params: []Type{TypeFelt}, Results: nil})
	entry := f.Entry()
	v := entry.Params()[0]
	a := f.Append(entry, OpcodeAdd, []Type{TypeFelt}, v, v)
	b := f.Append(entry, OpcodeMul, []Type{TypeFelt}, v, v)
	require.True(t, a.precedes(b))
	require.False(t, b.precedes(a))

	mid := f.InsertAfter(a, OpcodeNeg, []Type{TypeFelt}, v)
	require.True(t, a.precedes(mid))
	require.True(t, mid.precedes(b))
}
