package feltc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feltvm/feltc/internal/hir"
	"github.com/feltvm/feltc/internal/sched"
)

func TestCompileFunction_straightLine(t *testing.T) {
	f := hir.NewFunction("sub2", &hir.Signature{
		Params:  []hir.Type{hir.TypeFelt, hir.TypeFelt},
		Results: []hir.Type{hir.TypeFelt},
	})
	entry := f.Entry()
	a, b := entry.Params()[0], entry.Params()[1]
	c := f.Append(entry, hir.OpcodeSub, []hir.Type{hir.TypeFelt}, b, a).Results()[0]
	f.Append(entry, hir.OpcodeReturn, nil, c)

	p, err := CompileFunction(f, Config{})
	require.NoError(t, err)
	require.Equal(t, "sub2", p.Name)
	require.Equal(t, 0, p.FrameFelts)
	require.Equal(t, []string{"swap.1", "sub"}, p.Lines)
}

func TestCompileFunction_spillsUnderPressure(t *testing.T) {
	f := hir.NewFunction("pressure", &hir.Signature{Results: []hir.Type{hir.TypeFelt}})
	entry := f.Entry()
	consts := make([]hir.Value, 17)
	for i := range consts {
		consts[i] = f.AppendConst(entry, hir.TypeFelt, uint64(i)).Results()[0]
	}
	acc := consts[0]
	for _, c := range consts[1:] {
		acc = f.Append(entry, hir.OpcodeAdd, []hir.Type{hir.TypeFelt}, acc, c).Results()[0]
	}
	f.Append(entry, hir.OpcodeReturn, nil, acc)

	p, err := CompileFunction(f, Config{})
	require.NoError(t, err)
	require.Equal(t, 1, p.FrameFelts)
	require.Contains(t, p.Lines, "loc_store.0")
	require.Contains(t, p.Lines, "loc_load.0")
}

func TestCompileFunction_structuredControl(t *testing.T) {
	f := hir.NewFunction("select", &hir.Signature{
		Params:  []hir.Type{hir.TypeFelt, hir.TypeFelt},
		Results: []hir.Type{hir.TypeFelt},
	})
	entry := f.Entry()
	cond, x := entry.Params()[0], entry.Params()[1]
	ifOp := f.AppendIf(entry, cond, []hir.Type{hir.TypeFelt}, x)
	thenBlk := ifOp.Regions()[0].Entry()
	elseBlk := ifOp.Regions()[1].Entry()
	tv := f.Append(thenBlk, hir.OpcodeNeg, []hir.Type{hir.TypeFelt}, thenBlk.Params()[0])
	f.Append(thenBlk, hir.OpcodeYield, nil, tv.Results()[0])
	f.Append(elseBlk, hir.OpcodeYield, nil, elseBlk.Params()[0])
	f.Append(entry, hir.OpcodeReturn, nil, ifOp.Results()[0])

	p, err := CompileFunction(f, Config{})
	require.NoError(t, err)
	text := p.String()
	require.Contains(t, text, "if.true")
	require.Contains(t, text, "neg")
	require.True(t, strings.HasPrefix(text, "proc.select.0\n"))
	require.True(t, strings.HasSuffix(text, "end\n"))
}

func TestCompileFunction_fuelBudgetIsHonored(t *testing.T) {
	f := hir.NewFunction("starved", &hir.Signature{
		Params:  []hir.Type{hir.TypeFelt, hir.TypeFelt},
		Results: []hir.Type{hir.TypeFelt},
	})
	entry := f.Entry()
	a, b := entry.Params()[0], entry.Params()[1]
	c := f.Append(entry, hir.OpcodeSub, []hir.Type{hir.TypeFelt}, b, a).Results()[0]
	f.Append(entry, hir.OpcodeReturn, nil, c)

	p, err := CompileFunction(f, Config{FuelBudget: 1})
	require.Nil(t, p)
	require.ErrorIs(t, err, sched.ErrFuelExhausted)
	require.Contains(t, err.Error(), "compile starved")
}
