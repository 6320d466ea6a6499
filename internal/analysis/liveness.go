// Package analysis implements the dataflow analyses feeding the operand stack
// scheduler: next-use-distance liveness, and the spill analysis that bounds
// the number of simultaneously live felts to the machine's addressable window.
package analysis

import (
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring"

	"github.com/feltvm/feltc/internal/hir"
)

// DistInfinite marks a value that is live but never used again (e.g. an unused
// block parameter), or not live at all when returned by Distance.
const DistInfinite uint32 = math.MaxUint32

// LoopExitDistance is the penalty added to next-use distances across an edge
// that leaves a loop. It biases spill candidate selection towards values whose
// next use is outside the loop.
const LoopExitDistance uint32 = 100_000

// NextUseSet is the set of values live at one program point, each annotated
// with the distance (in operations) to its next use. Membership queries go
// through a roaring bitmap over ValueIDs; distances ride in a side map.
type NextUseSet struct {
	live *roaring.Bitmap
	dist map[hir.Value]uint32
}

// NewNextUseSet returns an empty set.
func NewNextUseSet() *NextUseSet {
	return &NextUseSet{live: roaring.New(), dist: map[hir.Value]uint32{}}
}

// IsLive returns true if v is in the set.
func (s *NextUseSet) IsLive(v hir.Value) bool {
	return s.live.Contains(uint32(v.ID()))
}

// Distance returns the next-use distance of v, or DistInfinite if v is not in
// the set or never used again.
func (s *NextUseSet) Distance(v hir.Value) uint32 {
	if d, ok := s.dist[v]; ok {
		return d
	}
	return DistInfinite
}

// Len returns the number of live values.
func (s *NextUseSet) Len() int {
	return int(s.live.GetCardinality())
}

// SizeInFelts returns the combined operand stack footprint of the live values.
func (s *NextUseSet) SizeInFelts() int {
	var n int
	for v := range s.dist {
		n += v.SizeInFelts()
	}
	return n
}

// Values returns the live values ordered by ValueID, for deterministic
// iteration.
func (s *NextUseSet) Values() []hir.Value {
	vs := make([]hir.Value, 0, len(s.dist))
	for v := range s.dist {
		vs = append(vs, v)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID() < vs[j].ID() })
	return vs
}

// Set inserts v with distance d, keeping the minimum if already present.
func (s *NextUseSet) Set(v hir.Value, d uint32) {
	if cur, ok := s.dist[v]; ok && cur <= d {
		return
	}
	s.dist[v] = d
	s.live.Add(uint32(v.ID()))
}

// SetExact inserts v with distance d, overwriting any existing distance.
func (s *NextUseSet) SetExact(v hir.Value, d uint32) {
	s.dist[v] = d
	s.live.Add(uint32(v.ID()))
}

// Remove deletes v from the set.
func (s *NextUseSet) Remove(v hir.Value) {
	delete(s.dist, v)
	s.live.Remove(uint32(v.ID()))
}

// Clone returns a deep copy.
func (s *NextUseSet) Clone() *NextUseSet {
	c := &NextUseSet{live: s.live.Clone(), dist: make(map[hir.Value]uint32, len(s.dist))}
	for v, d := range s.dist {
		c.dist[v] = d
	}
	return c
}

// MergeMin unions other into s, keeping the minimum distance per value.
func (s *NextUseSet) MergeMin(other *NextUseSet) {
	for v, d := range other.dist {
		s.Set(v, d)
	}
}

// AddDistance increments all distances by delta, saturating at DistInfinite.
func (s *NextUseSet) AddDistance(delta uint32) {
	for v, d := range s.dist {
		s.dist[v] = satAdd(d, delta)
	}
}

// Equal returns true if both sets hold the same values at the same distances.
func (s *NextUseSet) Equal(other *NextUseSet) bool {
	if len(s.dist) != len(other.dist) {
		return false
	}
	for v, d := range s.dist {
		if od, ok := other.dist[v]; !ok || od != d {
			return false
		}
	}
	return true
}

func satAdd(a, b uint32) uint32 {
	if a > DistInfinite-b {
		return DistInfinite
	}
	return a + b
}

// Liveness holds per-point next-use sets for one function.
//
// The computation follows the backward scheme of Braun & Hack: distances are 0
// at a use, grow by one per operation walking up a block, and take the
// pointwise minimum at control flow merges. Region boundaries contribute
// structural edges: a structured operation's entry feeds its first regions, a
// yield feeds the next region or the operation's continuation, and edges that
// leave a loop add LoopExitDistance.
type Liveness struct {
	f   *hir.Function
	dom *hir.DomTree

	// before and after are keyed by ProgramPoint.Index().
	before map[uint32]*NextUseSet
	after  map[uint32]*NextUseSet
}

// ComputeLiveness runs the analysis to fixpoint.
func ComputeLiveness(f *hir.Function, dom *hir.DomTree) *Liveness {
	l := &Liveness{
		f:      f,
		dom:    dom,
		before: map[uint32]*NextUseSet{},
		after:  map[uint32]*NextUseSet{},
	}
	l.run()
	return l
}

// LiveBefore returns the next-use set immediately before op.
// The returned set must not be modified.
func (l *Liveness) LiveBefore(op *hir.Operation) *NextUseSet {
	return l.get(l.before, hir.Before(op))
}

// LiveAfter returns the next-use set immediately after op.
// The returned set must not be modified.
func (l *Liveness) LiveAfter(op *hir.Operation) *NextUseSet {
	return l.get(l.after, hir.After(op))
}

// LiveIn returns the next-use set at blk's entry, block parameters included.
func (l *Liveness) LiveIn(blk *hir.Block) *NextUseSet {
	if blk.Root() == nil {
		return NewNextUseSet()
	}
	return l.LiveBefore(blk.Root())
}

// At returns the next-use set at an arbitrary program point.
func (l *Liveness) At(p hir.ProgramPoint) *NextUseSet {
	if p.IsAfter() {
		return l.get(l.after, p)
	}
	return l.get(l.before, p)
}

func (l *Liveness) get(m map[uint32]*NextUseSet, p hir.ProgramPoint) *NextUseSet {
	if s, ok := m[p.Index()]; ok {
		return s
	}
	s := NewNextUseSet()
	m[p.Index()] = s
	return s
}

func (l *Liveness) run() {
	// Collect every block; iterating the whole list backwards approximates a
	// postorder sweep, and the outer loop runs to fixpoint for loops.
	var blocks []*hir.Block
	l.f.ForEachBlock(func(blk *hir.Block) { blocks = append(blocks, blk) })

	for changed := true; changed; {
		changed = false
		for i := len(blocks) - 1; i >= 0; i-- {
			if l.processBlock(blocks[i]) {
				changed = true
			}
		}
	}
}

// processBlock recomputes liveness for one block bottom-up, returning true if
// any point's set changed.
func (l *Liveness) processBlock(blk *hir.Block) bool {
	term := blk.Tail()
	if term == nil {
		return false
	}

	cur := l.liveOutOf(blk)
	var changed bool
	for op := term; op != nil; op = op.Prev() {
		if prev := l.after[hir.After(op).Index()]; prev == nil || !prev.Equal(cur) {
			l.after[hir.After(op).Index()] = cur.Clone()
			changed = true
		}

		next := cur.Clone()
		for _, r := range op.Results() {
			next.Remove(r)
		}
		next.AddDistance(1)

		if op.HasRegions() {
			l.mergeRegionEntries(op, next)
		}
		for _, operand := range op.Operands() {
			next.SetExact(operand, 0)
		}
		// A branch argument is consumed at the branch just like an operand:
		// it must be materialized there even when the target never reads the
		// parameter it binds.
		for _, sc := range op.Successors() {
			for _, a := range sc.Args {
				next.SetExact(a, 0)
			}
		}
		if op.Prev() == nil {
			// Block parameters are live-on-entry even when nothing uses them.
			// Folding them in here keeps the recomputed set comparable with
			// the stored one, so the fixpoint check sees real changes only.
			for _, p := range blk.Params() {
				if !next.IsLive(p) {
					next.Set(p, DistInfinite)
				}
			}
		}

		if prev := l.before[hir.Before(op).Index()]; prev == nil || !prev.Equal(next) {
			l.before[hir.Before(op).Index()] = next.Clone()
			changed = true
		}
		cur = next
	}
	return changed
}

// liveOutOf computes a block's live-out set from its terminator's structural
// successors.
func (l *Liveness) liveOutOf(blk *hir.Block) *NextUseSet {
	term := blk.Terminator()
	out := NewNextUseSet()
	if term == nil {
		return out
	}

	switch term.Opcode() {
	case hir.OpcodeBr, hir.OpcodeCondBr:
		for _, s := range term.Successors() {
			var penalty uint32
			if blockExitsLoop(l.dom, blk, s.Blk) {
				penalty = LoopExitDistance
			}
			out.MergeMin(l.succEdgeSet(s.Blk, s.Args, penalty))
		}
	case hir.OpcodeReturn:
		// Nothing is live after return.
	case hir.OpcodeYield:
		l.mergeYieldSuccessors(term, out)
	}
	return out
}

// succEdgeSet maps a successor's live-in through the edge: target parameters
// are replaced by the corresponding argument values, all distances grow by one
// plus the edge penalty.
func (l *Liveness) succEdgeSet(target *hir.Block, args []hir.Value, penalty uint32) *NextUseSet {
	s := l.LiveIn(target).Clone()
	params := target.Params()
	for i, p := range params {
		d := s.Distance(p)
		s.Remove(p)
		if i < len(args) && d != DistInfinite {
			s.Set(args[i], d)
		}
	}
	s.AddDistance(satAdd(1, penalty))
	return s
}

// mergeYieldSuccessors adds the sets flowing out of a region-exiting yield.
func (l *Liveness) mergeYieldSuccessors(yield *hir.Operation, out *NextUseSet) {
	region := yield.Block().Region()
	owner := region.Owner()
	if owner == nil {
		panic("BUG: yield in a function body region")
	}
	ops := yield.Operands()

	switch owner.Opcode() {
	case hir.OpcodeIf:
		// Yield operands become the if's results at the continuation.
		out.MergeMin(l.continuationSet(owner, ops, 0))
	case hir.OpcodeWhile:
		before, after := owner.Regions()[0], owner.Regions()[1]
		if region == before {
			// yield[0] is the continue condition; the rest is loop state,
			// feeding either the body or the while's results.
			state := ops[1:]
			out.MergeMin(l.entryEdgeSet(after.Entry(), state, 0))
			out.MergeMin(l.continuationSet(owner, state, LoopExitDistance))
		} else {
			// Body yield loops back to the "before" region.
			out.MergeMin(l.entryEdgeSet(before.Entry(), ops, 0))
		}
	default:
		panic("BUG: yield under a non-structured operation")
	}
}

// entryEdgeSet maps a region entry's live-in through an edge passing args as
// its parameters.
func (l *Liveness) entryEdgeSet(entry *hir.Block, args []hir.Value, penalty uint32) *NextUseSet {
	return l.succEdgeSet(entry, args, penalty)
}

// continuationSet maps the owner operation's live-after through a yield: the
// owner's results are replaced by the yielded values.
func (l *Liveness) continuationSet(owner *hir.Operation, yielded []hir.Value, penalty uint32) *NextUseSet {
	s := l.LiveAfter(owner).Clone()
	for i, res := range owner.Results() {
		d := s.Distance(res)
		s.Remove(res)
		if i < len(yielded) && d != DistInfinite {
			s.Set(yielded[i], d)
		}
	}
	s.AddDistance(satAdd(1, penalty))
	return s
}

// mergeRegionEntries folds the live-ins of the regions a structured operation
// enters first into the operation's live-before set.
func (l *Liveness) mergeRegionEntries(op *hir.Operation, into *NextUseSet) {
	switch op.Opcode() {
	case hir.OpcodeIf:
		args := op.Operands()[1:]
		into.MergeMin(l.entryEdgeSet(op.Regions()[0].Entry(), args, 0))
		into.MergeMin(l.entryEdgeSet(op.Regions()[1].Entry(), args, 0))
	case hir.OpcodeWhile:
		into.MergeMin(l.entryEdgeSet(op.Regions()[0].Entry(), op.Operands(), 0))
	default:
		panic("BUG: unknown structured operation")
	}
}

// blockExitsLoop returns true if the edge from blk to succ leaves a natural
// loop: blk is inside a loop whose header does not dominate succ.
func blockExitsLoop(dom *hir.DomTree, blk, succ *hir.Block) bool {
	// Find the innermost loop header dominating blk with a back edge from a
	// block blk can reach; approximated by the nearest dominating loop header.
	for cur := blk; cur != nil; cur = dom.IDom(cur) {
		if dom.IsLoopHeader(cur) {
			return !dom.Dominates(cur, succ)
		}
	}
	return false
}
