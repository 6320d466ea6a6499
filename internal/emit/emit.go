// Package emit renders a scheduled function as a textual procedure for the
// target stack machine. It is deliberately thin: every placement and movement
// decision was made upstream, so emission is a syntax-directed walk that
// expands value-granular stack ops into per-felt machine instructions.
package emit

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/feltvm/feltc/internal/hir"
	"github.com/feltvm/feltc/internal/sched"
)

// Procedure is one emitted procedure: a name, the number of frame slots its
// spills occupy, and the instruction lines of its body.
type Procedure struct {
	Name       string
	FrameFelts int
	Lines      []string
}

// String renders the procedure in the module's textual form.
func (p *Procedure) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "proc.%s.%d\n", p.Name, p.FrameFelts)
	for _, l := range p.Lines {
		b.WriteString("    ")
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString("end\n")
	return b.String()
}

// Emit renders f's scheduled form.
func Emit(f *hir.Function, dom *hir.DomTree, res *sched.Result, frameFelts int) *Procedure {
	e := &emitter{f: f, dom: dom, res: res}
	e.region(f.Body())
	return &Procedure{Name: f.Name(), FrameFelts: frameFelts, Lines: e.lines}
}

type emitter struct {
	f     *hir.Function
	dom   *hir.DomTree
	res   *sched.Result
	lines []string
	depth int
}

func (e *emitter) line(format string, args ...any) {
	e.lines = append(e.lines, strings.Repeat("  ", e.depth)+fmt.Sprintf(format, args...))
}

// region emits a region's blocks in reverse postorder. Multi-block regions
// get block labels for their internal branches.
func (e *emitter) region(r *hir.Region) {
	blocks := e.dom.ReversePostorder(r)
	labeled := len(blocks) > 1
	for _, blk := range blocks {
		if labeled {
			e.line("blk%d:", blk.ID())
		}
		for _, in := range e.res.Blocks[blk.ID()] {
			e.instr(in)
		}
	}
}

func (e *emitter) instr(in sched.Instr) {
	if in.Stack != nil {
		e.stackOp(*in.Stack)
		return
	}
	e.operation(in.Op)
}

// stackOp expands one value-granular stack op into per-felt instructions.
func (e *emitter) stackOp(op sched.StackOp) {
	switch op.Kind {
	case sched.StackDup:
		// Duplicating the deepest felt of the value w times walks the whole
		// value to the top.
		for i := 0; i < op.Width; i++ {
			e.line("dup.%d", op.Index+op.Width-1)
		}
	case sched.StackSwap:
		// The scheduler only emits swaps between two single felts; wider
		// exchanges arrive as RotDown/RotUp pairs.
		e.line("swap.%d", op.Index)
	case sched.StackRotUp:
		for i := 0; i < op.Width; i++ {
			e.line("movup.%d", op.Index+op.Width-1)
		}
	case sched.StackRotDown:
		for i := 0; i < op.Width; i++ {
			e.line("movdn.%d", op.Index+op.Width-1)
		}
	case sched.StackDrop:
		for i := 0; i < op.Width; i++ {
			e.line("drop")
		}
	case sched.StackMaterializeDeep:
		e.materialize(op.Val)
	default:
		panic("BUG: invalid stack op kind")
	}
}

// materialize re-derives a value from its definition; the scheduler only
// emits this for constants and reloads.
func (e *emitter) materialize(v hir.Value) {
	def, _ := e.f.Def(v)
	if def == nil {
		panic(fmt.Sprintf("BUG: cannot materialize block parameter %s", v))
	}
	switch def.Opcode() {
	case hir.OpcodeConst:
		e.pushImm(def.Imm(), v.SizeInFelts())
	case hir.OpcodeConstWide:
		e.pushWide(def.Wide(), v.SizeInFelts())
	case hir.OpcodeReload:
		e.locLoad(int(def.Imm()), v.SizeInFelts())
	default:
		panic(fmt.Sprintf("BUG: cannot materialize %s", def.Opcode()))
	}
}

func (e *emitter) pushImm(imm uint64, width int) {
	if width == 1 {
		e.line("push.%d", imm)
		return
	}
	// Wider immediates split into 32-bit limbs, most significant deepest.
	for i := width - 1; i >= 0; i-- {
		e.line("push.%d", (imm>>(32*i))&0xffffffff)
	}
}

func (e *emitter) pushWide(payload *uint256.Int, width int) {
	limb := new(uint256.Int).Set(payload)
	limbs := make([]uint64, width)
	for i := 0; i < width; i++ {
		limbs[i] = limb.Uint64() & 0xffffffff
		limb.Rsh(limb, 32)
	}
	for i := width - 1; i >= 0; i-- {
		e.line("push.%d", limbs[i])
	}
}

func (e *emitter) locStore(slot, width int) {
	for i := 0; i < width; i++ {
		e.line("loc_store.%d", slot+i)
	}
}

func (e *emitter) locLoad(slot, width int) {
	for i := width - 1; i >= 0; i-- {
		e.line("loc_load.%d", slot+i)
	}
}

func (e *emitter) operation(op *hir.Operation) {
	switch op.Opcode() {
	case hir.OpcodeConst:
		e.pushImm(op.Imm(), op.Results()[0].SizeInFelts())
	case hir.OpcodeConstWide:
		e.pushWide(op.Wide(), op.Results()[0].SizeInFelts())
	case hir.OpcodeAdd:
		e.line("add")
	case hir.OpcodeSub:
		e.line("sub")
	case hir.OpcodeMul:
		e.line("mul")
	case hir.OpcodeDiv:
		e.line("div")
	case hir.OpcodeNeg:
		e.line("neg")
	case hir.OpcodeEq:
		e.line("eq")
	case hir.OpcodeLt:
		e.line("lt")
	case hir.OpcodeAnd:
		e.line("and")
	case hir.OpcodeOr:
		e.line("or")
	case hir.OpcodeNot:
		e.line("not")
	case hir.OpcodeCall:
		e.line("exec.%s", op.Symbol())
	case hir.OpcodeSpill:
		e.locStore(int(op.Imm()), op.Operands()[0].SizeInFelts())
	case hir.OpcodeReload:
		e.locLoad(int(op.Imm()), op.Results()[0].SizeInFelts())
	case hir.OpcodeReturn:
		// Results are on top of the stack; the procedure frame unwinds here.
	case hir.OpcodeBr:
		e.branch(op, 0)
		e.line("br blk%d", op.Successors()[0].Blk.ID())
	case hir.OpcodeCondBr:
		e.condBr(op)
	case hir.OpcodeIf:
		e.line("if.true")
		e.depth++
		e.region(op.Regions()[0])
		e.depth--
		e.line("else")
		e.depth++
		e.region(op.Regions()[1])
		e.depth--
		e.line("end")
	case hir.OpcodeWhile:
		e.line("while")
		e.depth++
		e.region(op.Regions()[0])
		e.depth--
		e.line("do")
		e.depth++
		e.region(op.Regions()[1])
		e.depth--
		e.line("end")
	case hir.OpcodeYield:
		// The owner operation's emitted structure carries control onward.
	default:
		panic(fmt.Sprintf("BUG: unemittable opcode %s", op.Opcode()))
	}
}

// branch emits the fixup stream of one branch edge, if any.
func (e *emitter) branch(op *hir.Operation, succ int) {
	for _, fix := range e.res.EdgeFix[sched.EdgeKey{Branch: op, Succ: succ}] {
		e.stackOp(fix)
	}
}

func (e *emitter) condBr(op *hir.Operation) {
	e.line("if.true")
	e.depth++
	e.branch(op, 0)
	e.line("br blk%d", op.Successors()[0].Blk.ID())
	e.depth--
	e.line("else")
	e.depth++
	e.branch(op, 1)
	e.line("br blk%d", op.Successors()[1].Blk.ID())
	e.depth--
	e.line("end")
}
