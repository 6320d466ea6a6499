package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feltvm/feltc/internal/analysis"
	"github.com/feltvm/feltc/internal/hir"
)

func schedule(t *testing.T, f *hir.Function, fuel int) (*Result, error) {
	t.Helper()
	dom := hir.BuildDomTree(f)
	live := analysis.ComputeLiveness(f, dom)
	return Schedule(f, dom, live, fuel)
}

func opcodes(stream []Instr) []string {
	var out []string
	for _, in := range stream {
		if in.Op != nil {
			out = append(out, in.Op.Opcode().String())
		} else {
			out = append(out, in.Stack.String())
		}
	}
	return out
}

func TestSchedule_straightLineNoMovement(t *testing.T) {
	f := hir.NewFunction("add", &hir.Signature{
		Params:  []hir.Type{hir.TypeFelt, hir.TypeFelt},
		Results: []hir.Type{hir.TypeFelt},
	})
	entry := f.Entry()
	a, b := entry.Params()[0], entry.Params()[1]
	c := f.Append(entry, hir.OpcodeAdd, []hir.Type{hir.TypeFelt}, a, b).Results()[0]
	f.Append(entry, hir.OpcodeReturn, nil, c)

	res, err := schedule(t, f, DefaultFuel)
	require.NoError(t, err)

	// Operands arrive in place; the stream is just the machine operations.
	stream := res.Blocks[entry.ID()]
	require.Len(t, stream, 2)
	require.Equal(t, hir.OpcodeAdd, stream[0].Op.Opcode())
	require.Equal(t, hir.OpcodeReturn, stream[1].Op.Opcode())
}

func TestSchedule_swappedOperands(t *testing.T) {
	f := hir.NewFunction("sub", &hir.Signature{
		Params:  []hir.Type{hir.TypeFelt, hir.TypeFelt},
		Results: []hir.Type{hir.TypeFelt},
	})
	entry := f.Entry()
	a, b := entry.Params()[0], entry.Params()[1]
	c := f.Append(entry, hir.OpcodeSub, []hir.Type{hir.TypeFelt}, b, a).Results()[0]
	f.Append(entry, hir.OpcodeReturn, nil, c)

	res, err := schedule(t, f, DefaultFuel)
	require.NoError(t, err)

	stream := res.Blocks[entry.ID()]
	require.NotNil(t, stream[0].Stack)
	require.Equal(t, StackSwap, stream[0].Stack.Kind)
	require.Equal(t, 1, stream[0].Stack.Index)
	require.Equal(t, hir.OpcodeSub, stream[1].Op.Opcode())
}

func TestSchedule_fuelExhaustionIsHardFailure(t *testing.T) {
	f := hir.NewFunction("starved", &hir.Signature{
		Params:  []hir.Type{hir.TypeFelt, hir.TypeFelt},
		Results: []hir.Type{hir.TypeFelt},
	})
	entry := f.Entry()
	a, b := entry.Params()[0], entry.Params()[1]
	c := f.Append(entry, hir.OpcodeSub, []hir.Type{hir.TypeFelt}, b, a).Results()[0]
	f.Append(entry, hir.OpcodeReturn, nil, c)

	res, err := schedule(t, f, 1)
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrFuelExhausted)
	require.Contains(t, err.Error(), "blk0")
}

func TestSchedule_zeroFuelIsHonored(t *testing.T) {
	f := hir.NewFunction("penniless", &hir.Signature{
		Params:  []hir.Type{hir.TypeFelt, hir.TypeFelt},
		Results: []hir.Type{hir.TypeFelt},
	})
	entry := f.Entry()
	a, b := entry.Params()[0], entry.Params()[1]
	c := f.Append(entry, hir.OpcodeSub, []hir.Type{hir.TypeFelt}, b, a).Results()[0]
	f.Append(entry, hir.OpcodeReturn, nil, c)

	// An explicit zero budget fails the first arrangement needing movement.
	res, err := schedule(t, f, 0)
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrFuelExhausted)

	// A negative budget means "use the default" and succeeds.
	res, err = schedule(t, f, -1)
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestSchedule_dropsDeadValues(t *testing.T) {
	f := hir.NewFunction("dead", &hir.Signature{
		Params:  []hir.Type{hir.TypeFelt},
		Results: []hir.Type{hir.TypeFelt},
	})
	entry := f.Entry()
	a := entry.Params()[0]
	// The mul result is never used and must be dropped from the stack.
	f.Append(entry, hir.OpcodeMul, []hir.Type{hir.TypeFelt}, a, a)
	f.Append(entry, hir.OpcodeReturn, nil, a)

	res, err := schedule(t, f, DefaultFuel)
	require.NoError(t, err)

	var drops int
	for _, in := range res.Blocks[entry.ID()] {
		if in.Stack != nil && in.Stack.Kind == StackDrop {
			drops++
		}
	}
	require.Equal(t, 1, drops, "stream: %v", opcodes(res.Blocks[entry.ID()]))
}

func TestSchedule_condBrEdgeFixups(t *testing.T) {
	f := hir.NewFunction("diamond", &hir.Signature{
		Params:  []hir.Type{hir.TypeFelt, hir.TypeFelt},
		Results: []hir.Type{hir.TypeFelt},
	})
	entry := f.Entry()
	a, b := entry.Params()[0], entry.Params()[1]
	b1 := f.NewBlock(f.Body())
	b2 := f.NewBlock(f.Body())
	join := f.NewBlock(f.Body())

	// The then path forwards a, the else path forwards b: each edge must drop
	// the value the other side keeps.
	condBr := f.AppendCondBr(entry, a, b1, nil, b2, nil)
	f.AppendBr(b1, join, a)
	f.AppendBr(b2, join, b)
	p := f.AddBlockParam(join, hir.TypeFelt)
	f.Append(join, hir.OpcodeReturn, nil, p)

	res, err := schedule(t, f, DefaultFuel)
	require.NoError(t, err)

	thenFix := res.EdgeFix[EdgeKey{Branch: condBr, Succ: 0}]
	elseFix := res.EdgeFix[EdgeKey{Branch: condBr, Succ: 1}]
	require.NotEmpty(t, thenFix)
	require.NotEmpty(t, elseFix)
	require.Equal(t, StackDrop, thenFix[len(thenFix)-1].Kind)
	require.Equal(t, StackDrop, elseFix[len(elseFix)-1].Kind)
}

func TestSchedule_ifRegions(t *testing.T) {
	f := hir.NewFunction("select", &hir.Signature{
		Params:  []hir.Type{hir.TypeFelt, hir.TypeFelt},
		Results: []hir.Type{hir.TypeFelt},
	})
	entry := f.Entry()
	cond, x := entry.Params()[0], entry.Params()[1]

	ifOp := f.AppendIf(entry, cond, []hir.Type{hir.TypeFelt}, x)
	thenBlk := ifOp.Regions()[0].Entry()
	elseBlk := ifOp.Regions()[1].Entry()
	tv := f.Append(thenBlk, hir.OpcodeMul, []hir.Type{hir.TypeFelt}, thenBlk.Params()[0], thenBlk.Params()[0])
	f.Append(thenBlk, hir.OpcodeYield, nil, tv.Results()[0])
	ev := f.Append(elseBlk, hir.OpcodeNeg, []hir.Type{hir.TypeFelt}, elseBlk.Params()[0])
	f.Append(elseBlk, hir.OpcodeYield, nil, ev.Results()[0])
	f.Append(entry, hir.OpcodeReturn, nil, ifOp.Results()[0])

	res, err := schedule(t, f, DefaultFuel)
	require.NoError(t, err)

	require.Contains(t, res.Blocks, entry.ID())
	require.Contains(t, res.Blocks, thenBlk.ID())
	require.Contains(t, res.Blocks, elseBlk.ID())
	require.Contains(t, opcodes(res.Blocks[thenBlk.ID()]), hir.OpcodeMul.String())

	// The parent stream carries the structured op; its regions' streams end
	// in yields.
	var sawIf bool
	for _, in := range res.Blocks[entry.ID()] {
		if in.Op == ifOp {
			sawIf = true
		}
	}
	require.True(t, sawIf)
	thenStream := res.Blocks[thenBlk.ID()]
	require.Equal(t, hir.OpcodeYield, thenStream[len(thenStream)-1].Op.Opcode())
}

func TestSchedule_whileLoop(t *testing.T) {
	f := hir.NewFunction("countdown", &hir.Signature{
		Params:  []hir.Type{hir.TypeFelt},
		Results: []hir.Type{hir.TypeFelt},
	})
	entry := f.Entry()
	n := entry.Params()[0]

	whileOp := f.AppendWhile(entry, []hir.Type{hir.TypeFelt}, n)
	beforeBlk := whileOp.Regions()[0].Entry()
	afterBlk := whileOp.Regions()[1].Entry()

	s := beforeBlk.Params()[0]
	zero := f.AppendConst(beforeBlk, hir.TypeFelt, 0).Results()[0]
	cond := f.Append(beforeBlk, hir.OpcodeLt, []hir.Type{hir.TypeFelt}, zero, s).Results()[0]
	f.Append(beforeBlk, hir.OpcodeYield, nil, cond, s)

	body := afterBlk.Params()[0]
	one := f.AppendConst(afterBlk, hir.TypeFelt, 1).Results()[0]
	next := f.Append(afterBlk, hir.OpcodeSub, []hir.Type{hir.TypeFelt}, body, one).Results()[0]
	f.Append(afterBlk, hir.OpcodeYield, nil, next)

	f.Append(entry, hir.OpcodeReturn, nil, whileOp.Results()[0])

	res, err := schedule(t, f, DefaultFuel)
	require.NoError(t, err)
	require.Contains(t, res.Blocks, beforeBlk.ID())
	require.Contains(t, res.Blocks, afterBlk.ID())

	beforeStream := res.Blocks[beforeBlk.ID()]
	require.Equal(t, hir.OpcodeYield, beforeStream[len(beforeStream)-1].Op.Opcode())
}
