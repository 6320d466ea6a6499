package sched

import (
	"errors"
	"fmt"
	"sort"

	"github.com/feltvm/feltc/internal/hir"
)

// ErrFuelExhausted reports that the movement solver ran out of fuel before
// any tactic produced a solution.
var ErrFuelExhausted = errors.New("scheduling fuel exhausted")

// ErrUnschedulable reports an operand arrangement no tactic can produce, e.g.
// a move of a non-rematerializable value from below the addressable window.
var ErrUnschedulable = errors.New("no tactic can arrange the operand stack")

// errDeep aborts a tactic that would address below the window.
var errDeep = errors.New("operand below addressable window")

// Constraint says how an expected operand treats the value it names.
type Constraint uint8

const (
	// ConstraintMove consumes the value; no copy survives the operation.
	ConstraintMove Constraint = iota
	// ConstraintCopy consumes a duplicate; the original must survive below
	// the consumed operands.
	ConstraintCopy
)

// Expected is one slot of the operand layout an operation requires on top of
// the stack, slot 0 topmost.
type Expected struct {
	Val        hir.Value
	Constraint Constraint
}

// Solver arranges the modeled operand stack to match an expected layout,
// emitting the stack ops that realize the arrangement. Tactics are tried in
// cost order; each pays its cost from the fuel budget up front and is
// refunded if it fails, so one hopeless tactic cannot starve the rest.
type Solver struct {
	f     *hir.Function
	stack *OperandStack
	fuel  int
	ops   []StackOp
}

// NewSolver returns a solver over stack with the given fuel budget.
func NewSolver(f *hir.Function, stack *OperandStack, fuel int) *Solver {
	return &Solver{f: f, stack: stack, fuel: fuel}
}

// Ops returns the stack ops emitted so far.
func (s *Solver) Ops() []StackOp { return s.ops }

// Fuel returns the remaining budget.
func (s *Solver) Fuel() int { return s.fuel }

// ResetFuel restores the budget; the scheduler grants each operand movement
// problem a fresh allowance.
func (s *Solver) ResetFuel(n int) { s.fuel = n }

// Stack returns the modeled stack.
func (s *Solver) Stack() *OperandStack { return s.stack }

type tactic interface {
	name() string
	cost() int
	apply(s *Solver, expect []Expected) error
}

// The closed tactic set, cheapest first.
var tactics = []tactic{
	tacticInPlace{},
	tacticLinear{},
	tacticBrute{},
}

// Arrange rearranges the stack so that expect[i] sits at value position i.
// Copy-constrained values keep an instance below the arranged operands.
func (s *Solver) Arrange(expect []Expected) error {
	if len(expect) == 0 {
		return nil
	}
	var sawFuelShortage bool
	var tried []string
	for _, t := range tactics {
		if s.fuel < t.cost() {
			sawFuelShortage = true
			continue
		}
		s.fuel -= t.cost()
		saved := s.stack.Clone()
		savedOps := len(s.ops)
		if err := t.apply(s, expect); err != nil {
			s.stack.items = saved.items
			s.ops = s.ops[:savedOps]
			s.fuel += t.cost()
			tried = append(tried, t.name())
			continue
		}
		return nil
	}
	if sawFuelShortage {
		return fmt.Errorf("%d fuel left: %w", s.fuel, ErrFuelExhausted)
	}
	return fmt.Errorf("tactics %v failed: %w", tried, ErrUnschedulable)
}

// Consume pops the arranged operands off the model after the machine
// operation takes them.
func (s *Solver) Consume(n int) {
	for i := 0; i < n; i++ {
		s.stack.Pop()
	}
}

// PushResults places an operation's results on the model, results[0] on top.
func (s *Solver) PushResults(results []hir.Value) {
	for i := len(results) - 1; i >= 0; i-- {
		s.stack.Push(VA(results[i]))
	}
}

// DropDead removes every stack item whose value is not in keep, emitting the
// moves and drops. Items below the window are unreachable and left in place;
// they are dead weight but harmless.
func (s *Solver) DropDead(keep func(hir.Value) bool) {
	for {
		dropped := false
		for i := 0; i < s.stack.Len(); i++ {
			if keep(s.stack.Peek(i).Value()) {
				continue
			}
			if !s.stack.Addressable(i) {
				continue
			}
			if i > 0 {
				s.rotUp(i)
			}
			s.dropTop()
			dropped = true
			break
		}
		if !dropped {
			return
		}
	}
}

// Emitting helpers: each applies the stack op to the model and records it.

func (s *Solver) dup(i int) (ValueOrAlias, error) {
	if !s.stack.Addressable(i) {
		return ValueOrAlias{}, errDeep
	}
	s.ops = append(s.ops, StackOp{
		Kind:  StackDup,
		Index: s.stack.FeltOffset(i),
		Width: s.stack.Peek(i).SizeInFelts(),
	})
	return s.stack.Dup(i), nil
}

// swap exchanges the top item with the item at position i. Two single felts
// map onto the machine's swap; wide or mixed widths decompose into rotating
// the top item down below i, then rotating the displaced item up.
func (s *Solver) swap(i int) error {
	if !s.stack.Addressable(i) || !s.stack.Addressable(0) {
		return errDeep
	}
	if s.stack.Peek(0).SizeInFelts() == 1 && s.stack.Peek(i).SizeInFelts() == 1 {
		s.ops = append(s.ops, StackOp{
			Kind:  StackSwap,
			Index: s.stack.FeltOffset(i),
			Width: 1,
		})
		s.stack.Swap(i)
		return nil
	}
	if err := s.rotDown(i); err != nil {
		return err
	}
	if i > 1 {
		// The deep item now sits at i-1; bring it to the top. For i == 1 the
		// rotation already left it there.
		return s.rotUp(i - 1)
	}
	return nil
}

func (s *Solver) rotUp(i int) error {
	if !s.stack.Addressable(i) {
		return errDeep
	}
	s.ops = append(s.ops, StackOp{
		Kind:  StackRotUp,
		Index: s.stack.FeltOffset(i),
		Width: s.stack.Peek(i).SizeInFelts(),
	})
	s.stack.RotUp(i)
	return nil
}

func (s *Solver) rotDown(i int) error {
	if !s.stack.Addressable(i) {
		return errDeep
	}
	s.ops = append(s.ops, StackOp{
		Kind:  StackRotDown,
		Index: s.stack.FeltOffset(i) + s.stack.Peek(i).SizeInFelts() - s.stack.Peek(0).SizeInFelts(),
		Width: s.stack.Peek(0).SizeInFelts(),
	})
	s.stack.RotDown(i)
	return nil
}

func (s *Solver) dropTop() {
	s.ops = append(s.ops, StackOp{
		Kind:  StackDrop,
		Width: s.stack.Peek(0).SizeInFelts(),
	})
	s.stack.Pop()
}

// remat pushes a fresh copy of v without touching its deep stack home,
// re-deriving it from its defining constant or reload. Returns false for
// values that cannot be re-derived.
func (s *Solver) remat(v hir.Value) (ValueOrAlias, bool) {
	def, _ := s.f.Def(v)
	if def == nil {
		return ValueOrAlias{}, false
	}
	switch def.Opcode() {
	case hir.OpcodeConst, hir.OpcodeConstWide, hir.OpcodeReload:
		s.ops = append(s.ops, StackOp{
			Kind:  StackMaterializeDeep,
			Width: v.SizeInFelts(),
			Val:   v,
		})
		a := s.stack.aliasFor(v)
		s.stack.Push(a)
		return a, true
	default:
		return ValueOrAlias{}, false
	}
}

// tacticInPlace succeeds only when the stack already matches: no ops, no
// cost.
type tacticInPlace struct{}

func (tacticInPlace) name() string { return "in-place" }
func (tacticInPlace) cost() int    { return 0 }

func (tacticInPlace) apply(s *Solver, expect []Expected) error {
	if s.stack.Len() < len(expect) {
		return ErrUnschedulable
	}
	for i, e := range expect {
		if s.stack.Peek(i).Value() != e.Val {
			return ErrUnschedulable
		}
		if e.Constraint == ConstraintCopy && !hasInstanceBelow(s.stack, e.Val, len(expect)) {
			return ErrUnschedulable
		}
	}
	return nil
}

func hasInstanceBelow(stack *OperandStack, v hir.Value, from int) bool {
	for i := from; i < stack.Len(); i++ {
		if stack.Peek(i).Value() == v {
			return true
		}
	}
	return false
}

// tacticLinear is the general-purpose solution: materialize the copies the
// constraints demand, deepest source first, then move the chosen instances
// into the top of the stack and fix the permutation with swaps, resolving
// each swap cycle from its shallowest member. It fails rather than address
// below the window.
type tacticLinear struct{}

func (tacticLinear) name() string { return "linear" }
func (tacticLinear) cost() int    { return 4 }

func (tacticLinear) apply(s *Solver, expect []Expected) error {
	assigned, err := planOperands(s, expect)
	if err != nil {
		return err
	}

	n := len(expect)
	// Phase two: pull every assigned instance into the top n positions.
	for {
		moved := false
		for _, a := range assigned {
			pos := s.stack.Find(a)
			if pos < n {
				continue
			}
			if err := s.rotUp(pos); err != nil {
				return err
			}
			moved = true
			break
		}
		if !moved {
			break
		}
	}

	// Phase three: the top n positions hold exactly the assigned instances in
	// some order; sort them with swaps. When the top already sits in its
	// slot, restart the next cycle from its shallowest misplaced member.
	slotOf := make(map[ValueOrAlias]int, n)
	for i, a := range assigned {
		slotOf[a] = i
	}
	for {
		top := s.stack.Peek(0)
		if want, ok := slotOf[top]; ok && want != 0 && s.stack.Peek(want) != top {
			if err := s.swap(want); err != nil {
				return err
			}
			continue
		}
		misplaced := -1
		for i := 1; i < n; i++ {
			if s.stack.Peek(i) != assigned[i] {
				misplaced = i
				break
			}
		}
		if misplaced < 0 {
			break
		}
		if err := s.swap(misplaced); err != nil {
			return err
		}
	}
	if s.stack.Peek(0) != assigned[0] {
		panic("BUG: stack permutation did not converge")
	}
	return nil
}

// planOperands decides which stack instance serves each expected slot,
// duplicating values whose originals must survive or that are demanded more
// times than they occur. Copies are materialized deepest source first so a
// dup does not disturb the offsets of deeper pending sources; copy sources
// below the window are re-derived where the value permits it.
func planOperands(s *Solver, expect []Expected) ([]ValueOrAlias, error) {
	n := len(expect)
	assigned := make([]ValueOrAlias, n)
	taken := map[ValueOrAlias]bool{}

	// Reserve one surviving instance per copy-constrained value: the deepest
	// one, so the survivor naturally stays out of the arranged top.
	for _, e := range expect {
		if e.Constraint != ConstraintCopy {
			continue
		}
		deepest := -1
		for i := s.stack.Len() - 1; i >= 0; i-- {
			it := s.stack.Peek(i)
			if it.Value() == e.Val && !taken[it] {
				deepest = i
				break
			}
		}
		if deepest < 0 {
			return nil, ErrUnschedulable
		}
		taken[s.stack.Peek(deepest)] = true
	}

	type pendingDup struct{ slot, src int }
	var dups []pendingDup
	for i, e := range expect {
		src := -1
		for j := 0; j < s.stack.Len(); j++ {
			it := s.stack.Peek(j)
			if it.Value() == e.Val && !taken[it] {
				src = j
				break
			}
		}
		if src >= 0 {
			assigned[i] = s.stack.Peek(src)
			taken[assigned[i]] = true
			continue
		}
		// No free instance: duplicate the reserved survivor (or any instance).
		src = s.stack.FindValue(e.Val)
		if src < 0 {
			panic(fmt.Sprintf("BUG: expected operand %s is not on the stack", e.Val))
		}
		dups = append(dups, pendingDup{slot: i, src: src})
	}

	sort.Slice(dups, func(i, j int) bool { return dups[i].src > dups[j].src })
	for _, d := range dups {
		// Earlier dups pushed items, shifting this source down by their count.
		src := s.stack.FindValue(expect[d.slot].Val)
		a, err := s.dup(src)
		if err == errDeep {
			var ok bool
			if a, ok = s.remat(expect[d.slot].Val); !ok {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		assigned[d.slot] = a
		taken[a] = true
	}
	return assigned, nil
}

// tacticBrute builds the layout one slot at a time from the deepest expected
// operand up, bringing each instance to the top. Costlier in fuel and in
// emitted ops than the linear tactic, but shape-insensitive.
type tacticBrute struct{}

func (tacticBrute) name() string { return "brute" }
func (tacticBrute) cost() int    { return 8 }

func (tacticBrute) apply(s *Solver, expect []Expected) error {
	assigned, err := planOperands(s, expect)
	if err != nil {
		return err
	}
	// Bring each instance to the top, deepest expected slot first; every later
	// bring stacks on top, so slot i's instance ends up at depth i. The built
	// region can never hold a pending source, since each instance is distinct.
	n := len(expect)
	for i := n - 1; i >= 0; i-- {
		pos := s.stack.Find(assigned[i])
		if pos < n-1-i {
			panic("BUG: operand already consumed by an outer slot")
		}
		if pos == 0 {
			continue
		}
		if err := s.rotUp(pos); err != nil {
			return err
		}
	}
	for i := range expect {
		if s.stack.Peek(i) != assigned[i] {
			panic("BUG: brute-force arrangement did not converge")
		}
	}
	return nil
}
