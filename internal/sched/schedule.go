package sched

import (
	"fmt"
	"sort"

	"github.com/feltvm/feltc/internal/analysis"
	"github.com/feltvm/feltc/internal/hir"
)

// DefaultFuel is the movement solver budget granted to each operand
// arrangement problem.
const DefaultFuel = 40

// Result is the scheduled form of a function: one instruction stream per
// block, plus fixup streams for conditional branch edges whose target layout
// differs from the fallthrough arrangement.
type Result struct {
	Blocks  map[hir.BlockID][]Instr
	EdgeFix map[EdgeKey][]StackOp
}

// EdgeKey identifies one outgoing edge of a branching operation.
type EdgeKey struct {
	Branch *hir.Operation
	Succ   int
}

// Schedule lowers every block of f to stack machine form. Spill analysis and
// transform must already have run: any program point with more live felts
// than the window is a scheduling failure, not something this pass recovers
// from. An operand movement that exhausts its fuel budget aborts the whole
// schedule; there are no partial streams.
//
// A negative fuel selects DefaultFuel. Zero is honored: it deterministically
// fails the first block needing any operand movement.
func Schedule(f *hir.Function, dom *hir.DomTree, live *analysis.Liveness, fuel int) (*Result, error) {
	if fuel < 0 {
		fuel = DefaultFuel
	}
	s := &scheduler{
		f:    f,
		dom:  dom,
		live: live,
		fuel: fuel,
		res: &Result{
			Blocks:  map[hir.BlockID][]Instr{},
			EdgeFix: map[EdgeKey][]StackOp{},
		},
	}
	params := make([]ValueOrAlias, len(f.Entry().Params()))
	for i, p := range f.Entry().Params() {
		params[i] = VA(p)
	}
	if err := s.region(f.Body(), NewOperandStack(params...)); err != nil {
		return nil, err
	}
	return s.res, nil
}

type scheduler struct {
	f    *hir.Function
	dom  *hir.DomTree
	live *analysis.Liveness
	fuel int
	res  *Result
}

// region schedules a region's blocks in reverse postorder. The caller
// provides the entry block's stack; every other block starts from its
// canonical entry layout, which is what its predecessors arrange.
func (s *scheduler) region(r *hir.Region, entryStack *OperandStack) error {
	for i, blk := range s.dom.ReversePostorder(r) {
		st := entryStack
		if i > 0 {
			st = s.canonicalEntry(blk)
		}
		if _, err := s.block(blk, st); err != nil {
			return err
		}
	}
	return nil
}

// canonicalEntry is the agreed stack layout at a branch target: the block's
// parameters in order on top, then every other live-in value by ascending
// ValueID.
func (s *scheduler) canonicalEntry(blk *hir.Block) *OperandStack {
	var items []ValueOrAlias
	for _, p := range blk.Params() {
		items = append(items, VA(p))
	}
	for _, v := range s.liveThroughOf(blk) {
		items = append(items, VA(v))
	}
	return NewOperandStack(items...)
}

// liveThroughOf returns blk's live-in values that are not its parameters,
// sorted by ValueID.
func (s *scheduler) liveThroughOf(blk *hir.Block) []hir.Value {
	params := map[hir.Value]bool{}
	for _, p := range blk.Params() {
		params[p] = true
	}
	var out []hir.Value
	for _, v := range s.live.LiveIn(blk).Values() {
		if !params[v] {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// block schedules one block over the given entry stack and returns the final
// stack model (meaningful for region blocks, whose yields feed the owner).
func (s *scheduler) block(blk *hir.Block, stack *OperandStack) (*OperandStack, error) {
	sol := NewSolver(s.f, stack, s.fuel)
	var stream []Instr
	flushed := 0
	flush := func() {
		for _, op := range sol.Ops()[flushed:] {
			o := op
			stream = append(stream, Instr{Stack: &o})
		}
		flushed = len(sol.Ops())
	}

	for op := blk.Root(); op != nil; op = op.Next() {
		if err := s.operation(sol, op, &stream, flush); err != nil {
			return nil, fmt.Errorf("%s: blk%d: %s: %w", s.f.Name(), blk.ID(), op.Format(), err)
		}
	}
	s.res.Blocks[blk.ID()] = stream
	return sol.Stack(), nil
}

func (s *scheduler) operation(sol *Solver, op *hir.Operation, stream *[]Instr, flush func()) error {
	sol.ResetFuel(s.fuel)
	after := s.live.LiveAfter(op)

	switch op.Opcode() {
	case hir.OpcodeConst, hir.OpcodeConstWide, hir.OpcodeReload:
		*stream = append(*stream, Instr{Op: op})
		sol.PushResults(op.Results())

	case hir.OpcodeSpill:
		if err := sol.Arrange(s.expectOperands(op)); err != nil {
			return err
		}
		flush()
		*stream = append(*stream, Instr{Op: op})
		sol.Consume(1)

	case hir.OpcodeAdd, hir.OpcodeSub, hir.OpcodeMul, hir.OpcodeDiv,
		hir.OpcodeNeg, hir.OpcodeEq, hir.OpcodeLt, hir.OpcodeAnd,
		hir.OpcodeOr, hir.OpcodeNot, hir.OpcodeCall:
		if err := sol.Arrange(s.expectOperands(op)); err != nil {
			return err
		}
		flush()
		*stream = append(*stream, Instr{Op: op})
		sol.Consume(len(op.Operands()))
		sol.PushResults(op.Results())

	case hir.OpcodeIf:
		return s.scheduleIf(sol, op, stream, flush)

	case hir.OpcodeWhile:
		return s.scheduleWhile(sol, op, stream, flush)

	case hir.OpcodeBr:
		succ := op.Successors()[0]
		expect := s.targetExpect(succ)
		sol.DropDead(keepIn(expect))
		if err := sol.Arrange(expect); err != nil {
			return err
		}
		flush()
		*stream = append(*stream, Instr{Op: op})
		return nil

	case hir.OpcodeCondBr:
		return s.scheduleCondBr(sol, op, stream, flush)

	case hir.OpcodeReturn:
		expect := s.expectOperands(op)
		sol.DropDead(keepIn(expect))
		if err := sol.Arrange(expect); err != nil {
			return err
		}
		flush()
		*stream = append(*stream, Instr{Op: op})
		return nil

	case hir.OpcodeYield:
		expect := s.yieldExpect(op)
		sol.DropDead(keepIn(expect))
		if err := sol.Arrange(expect); err != nil {
			return err
		}
		flush()
		*stream = append(*stream, Instr{Op: op})
		// Operands stay on the stack; the owner consumes or renames them.
		return nil

	default:
		panic(fmt.Sprintf("BUG: unschedulable opcode %s", op.Opcode()))
	}

	// Values that died at this operation leave the stack immediately.
	sol.DropDead(after.IsLive)
	flush()
	return nil
}

// expectOperands builds the operand layout of an ordinary operation:
// operands[0] on top, copied when the value stays live past the operation or
// recurs later in the operand list.
func (s *scheduler) expectOperands(op *hir.Operation) []Expected {
	after := s.live.LiveAfter(op)
	return buildExpect(op.Operands(), after.IsLive)
}

func buildExpect(vals []hir.Value, liveAfter func(hir.Value) bool) []Expected {
	out := make([]Expected, len(vals))
	for i, v := range vals {
		c := ConstraintMove
		if liveAfter(v) && !containsValue(vals[i+1:], v) {
			c = ConstraintCopy
		}
		out[i] = Expected{Val: v, Constraint: c}
	}
	return out
}

func containsValue(vals []hir.Value, v hir.Value) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

func keepIn(expect []Expected) func(hir.Value) bool {
	set := map[hir.Value]bool{}
	for _, e := range expect {
		set[e.Val] = true
	}
	return func(v hir.Value) bool { return set[v] }
}

// targetExpect is the full-stack layout a predecessor must arrange before
// branching to succ: the branch arguments in parameter order, then the
// target's remaining live-ins by ascending ValueID. Everything is a move;
// values needed twice are duplicated by the solver.
func (s *scheduler) targetExpect(succ hir.Successor) []Expected {
	vals := append([]hir.Value{}, succ.Args...)
	vals = append(vals, s.liveThroughOf(succ.Blk)...)
	return buildExpect(vals, func(hir.Value) bool { return false })
}

// yieldExpect is the full-stack layout at a region exit: the yielded values
// on top, then the owner operation's live-through values by ascending
// ValueID, so every region of the owner ends on the same shape.
func (s *scheduler) yieldExpect(yield *hir.Operation) []Expected {
	owner := yield.Block().Region().Owner()
	vals := append([]hir.Value{}, yield.Operands()...)
	vals = append(vals, s.liveThroughOfOp(owner)...)
	return buildExpect(vals, func(hir.Value) bool { return false })
}

// liveThroughOfOp returns the values live after a structured operation other
// than its results, sorted by ValueID.
func (s *scheduler) liveThroughOfOp(op *hir.Operation) []hir.Value {
	results := map[hir.Value]bool{}
	for _, r := range op.Results() {
		results[r] = true
	}
	var out []hir.Value
	for _, v := range s.live.LiveAfter(op).Values() {
		if !results[v] {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// scheduleIf arranges [cond, args..., live-through...], consumes the
// condition, renames the arguments to each region's parameters, and schedules
// both regions. Both regions' yields arrange the same exit shape, which
// becomes [results..., live-through...] at the continuation.
func (s *scheduler) scheduleIf(sol *Solver, op *hir.Operation, stream *[]Instr, flush func()) error {
	vals := append([]hir.Value{}, op.Operands()...)
	vals = append(vals, s.liveThroughOfOp(op)...)
	expect := buildExpect(vals, func(hir.Value) bool { return false })
	sol.DropDead(keepIn(expect))
	if err := sol.Arrange(expect); err != nil {
		return err
	}
	flush()
	*stream = append(*stream, Instr{Op: op})
	sol.Consume(1) // the machine's if consumes the condition

	var exit *OperandStack
	for _, region := range op.Regions() {
		entry := sol.Stack().Clone()
		for i, p := range region.Entry().Params() {
			entry.items[i] = VA(p)
		}
		st, err := s.regionWithExit(region, entry)
		if err != nil {
			return err
		}
		if exit != nil && st.Len() != exit.Len() {
			panic("BUG: if regions exit with different stack depths")
		}
		exit = st
	}

	// Continuation: yielded values become the operation's results.
	cont := exit.Clone()
	for i, r := range op.Results() {
		cont.items[i] = VA(r)
	}
	sol.stack.items = cont.items
	return nil
}

// scheduleWhile arranges the loop state plus live-throughs, schedules the
// condition ("before") region and the body ("after") region, and leaves the
// results at the continuation. The body's yield re-arranges the condition
// region's entry shape, closing the back edge.
func (s *scheduler) scheduleWhile(sol *Solver, op *hir.Operation, stream *[]Instr, flush func()) error {
	vals := append([]hir.Value{}, op.Operands()...)
	vals = append(vals, s.liveThroughOfOp(op)...)
	expect := buildExpect(vals, func(hir.Value) bool { return false })
	sol.DropDead(keepIn(expect))
	if err := sol.Arrange(expect); err != nil {
		return err
	}
	flush()
	*stream = append(*stream, Instr{Op: op})

	before, after := op.Regions()[0], op.Regions()[1]

	entry := sol.Stack().Clone()
	for i, p := range before.Entry().Params() {
		entry.items[i] = VA(p)
	}
	beforeExit, err := s.regionWithExit(before, entry)
	if err != nil {
		return err
	}

	// The machine's while consumes the continue condition off the before
	// region's yield; the remaining state feeds the body.
	bodyEntry := beforeExit.Clone()
	bodyEntry.Pop()
	for i, p := range after.Entry().Params() {
		bodyEntry.items[i] = VA(p)
	}
	if _, err := s.regionWithExit(after, bodyEntry); err != nil {
		return err
	}

	cont := beforeExit.Clone()
	cont.Pop()
	for i, r := range op.Results() {
		cont.items[i] = VA(r)
	}
	sol.stack.items = cont.items
	return nil
}

// regionWithExit schedules a region and returns the stack model at its
// exiting yield.
func (s *scheduler) regionWithExit(r *hir.Region, entryStack *OperandStack) (*OperandStack, error) {
	var exit *OperandStack
	for i, blk := range s.dom.ReversePostorder(r) {
		st := entryStack
		if i > 0 {
			st = s.canonicalEntry(blk)
		}
		out, err := s.block(blk, st)
		if err != nil {
			return nil, err
		}
		if t := blk.Terminator(); t != nil && t.Opcode() == hir.OpcodeYield {
			exit = out
		}
	}
	if exit == nil {
		panic("BUG: region has no exiting yield")
	}
	return exit, nil
}

// scheduleCondBr arranges the condition on top of everything either target
// needs, then computes one fixup stream per edge that drops the other side's
// values and permutes the rest into that target's layout.
func (s *scheduler) scheduleCondBr(sol *Solver, op *hir.Operation, stream *[]Instr, flush func()) error {
	cond := op.Operands()[0]
	expects := [2][]Expected{
		s.targetExpect(op.Successors()[0]),
		s.targetExpect(op.Successors()[1]),
	}

	// Union of both targets' layouts, below the condition. The condition is
	// consumed by the machine, so a target needing the same value gets its
	// own instance; across targets one instance per multiplicity suffices.
	vals := []hir.Value{cond}
	added := map[hir.Value]int{}
	for _, ex := range expects {
		cnt := map[hir.Value]int{}
		for _, e := range ex {
			cnt[e.Val]++
			if added[e.Val] < cnt[e.Val] {
				vals = append(vals, e.Val)
				added[e.Val]++
			}
		}
	}
	expect := buildExpect(vals, func(hir.Value) bool { return false })
	sol.DropDead(keepIn(expect))
	if err := sol.Arrange(expect); err != nil {
		return err
	}
	flush()
	*stream = append(*stream, Instr{Op: op})

	// Per-edge fixups run after the machine consumed the condition.
	for succ, ex := range expects {
		edge := sol.Stack().Clone()
		edge.Pop()
		fix := NewSolver(s.f, edge, s.fuel)
		fix.DropDead(keepIn(ex))
		if err := fix.Arrange(ex); err != nil {
			return err
		}
		if ops := fix.Ops(); len(ops) > 0 {
			s.res.EdgeFix[EdgeKey{Branch: op, Succ: succ}] = ops
		}
	}
	return nil
}
