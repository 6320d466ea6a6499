package analysis

import (
	"errors"
	"fmt"
	"sort"

	"github.com/feltvm/feltc/internal/hir"
)

// WindowFelts is the number of topmost operand stack felts the machine can
// address directly. An architectural constant of the target VM.
const WindowFelts = 16

// ErrWindowOverflow reports a program point whose live set cannot be reduced
// below the addressable window because every live value is required at that
// exact point. This is a compiler bug surfaced as an error, never silently
// over-allocated.
var ErrWindowOverflow = errors.New("operand stack window overflow")

// SpillRecord associates one spilled value with its single spill point and
// the deduplicated set of points where it must be reloaded.
//
// The materialization fields are filled in by the spill transform; a record
// with a non-nil SpillOp has already been lowered and is skipped if the
// transform runs again.
type SpillRecord struct {
	Value        hir.Value
	SpillPoint   hir.ProgramPoint
	ReloadPoints []hir.ProgramPoint

	// Filled by the spill transform.
	SpillOp   *hir.Operation
	ReloadOps []*hir.Operation
	Slot      int
}

// Spills is the immutable result of the spill analysis: one record per value
// that must move through function-local storage.
type Spills struct {
	records map[hir.Value]*SpillRecord
	order   []hir.Value
}

// Empty returns true if no spills are required.
func (s *Spills) Empty() bool { return len(s.order) == 0 }

// Record returns the record for v, or nil.
func (s *Spills) Record(v hir.Value) *SpillRecord { return s.records[v] }

// Values returns the spilled values in deterministic (first-spilled) order.
// The returned slice must not be modified.
func (s *Spills) Values() []hir.Value { return s.order }

// spiller carries the walk state of the analysis.
type spiller struct {
	f    *hir.Function
	dom  *hir.DomTree
	live *Liveness

	spills *Spills

	// wExit and sExit record, per block, the window and spilled sets at block
	// exit, for seeding successors at merges.
	wExit map[*hir.Block]valueSet
	sExit map[*hir.Block]valueSet
}

type valueSet map[hir.Value]struct{}

func (vs valueSet) has(v hir.Value) bool { _, ok := vs[v]; return ok }
func (vs valueSet) add(v hir.Value)      { vs[v] = struct{}{} }
func (vs valueSet) remove(v hir.Value)   { delete(vs, v) }

func (vs valueSet) clone() valueSet {
	c := make(valueSet, len(vs))
	for v := range vs {
		c[v] = struct{}{}
	}
	return c
}

func (vs valueSet) sizeInFelts() int {
	var n int
	for v := range vs {
		n += v.SizeInFelts()
	}
	return n
}

// sorted returns the members ordered by ValueID, for deterministic iteration.
func (vs valueSet) sorted() []hir.Value {
	out := make([]hir.Value, 0, len(vs))
	for v := range vs {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ComputeSpills decides which values must be spilled to keep every program
// point's live set within the addressable window, and where the reloads go.
//
// The walk models the MIN algorithm of Braun & Hack: W is the set of values
// materialized in the window, S the set of values currently in storage. At
// each operation, missing operands are reloaded in front of it, and when the
// window would overflow, the value with the furthest next use is evicted
// (ties: widest first, then lowest ValueID). A value already in S on the
// current path is evicted without a second spill.
func ComputeSpills(f *hir.Function, dom *hir.DomTree, live *Liveness) (*Spills, error) {
	sp := &spiller{
		f:    f,
		dom:  dom,
		live: live,
		spills: &Spills{
			records: map[hir.Value]*SpillRecord{},
		},
		wExit: map[*hir.Block]valueSet{},
		sExit: map[*hir.Block]valueSet{},
	}

	entry := f.Entry()
	w := make(valueSet, len(entry.Params()))
	for _, p := range entry.Params() {
		w.add(p)
	}
	if err := sp.walkRegion(f.Body(), w, valueSet{}); err != nil {
		return nil, err
	}
	sp.finalize()
	return sp.spills, nil
}

// finalize enforces the placement invariant: a spill point must dominate all
// of its reloads, so the storage slot is written on every path reaching a
// reload. Pressure-driven points can violate this (e.g. pressure found only
// on one branch of a diamond); such spills move to the value's definition,
// which dominates every use.
func (sp *spiller) finalize() {
	for _, v := range sp.spills.order {
		rec := sp.spills.records[v]
		dominatesAll := true
		for _, rp := range rec.ReloadPoints {
			if !sp.dom.PointDominates(rec.SpillPoint, rp) {
				dominatesAll = false
				break
			}
		}
		if dominatesAll {
			continue
		}
		defOp, defBlk := sp.f.Def(v)
		if defOp != nil {
			rec.SpillPoint = hir.After(defOp)
		} else {
			// Block parameter: the block's first operation is dominated by it.
			rec.SpillPoint = hir.Before(defBlk.Root())
		}
	}
}

// walkRegion processes a region's blocks in reverse postorder. entryW/entryS
// seed the entry block.
func (sp *spiller) walkRegion(r *hir.Region, entryW, entryS valueSet) error {
	rpo := sp.dom.ReversePostorder(r)
	for i, blk := range rpo {
		var w, s valueSet
		if i == 0 {
			w, s = entryW.clone(), entryS.clone()
		} else {
			w, s = sp.mergePredecessors(blk)
		}
		if err := sp.enterBlock(blk, w, s); err != nil {
			return err
		}
		if err := sp.walkBlock(blk, w, s); err != nil {
			return err
		}
		sp.wExit[blk] = w
		sp.sExit[blk] = s
	}
	return nil
}

// mergePredecessors seeds a merge block: W is the intersection of all
// processed predecessors' exit windows (a value is only usable without a
// reload if it is in the window on every incoming path), S their union.
// Back-edge predecessors not processed yet are skipped.
func (sp *spiller) mergePredecessors(blk *hir.Block) (valueSet, valueSet) {
	w := valueSet{}
	s := valueSet{}
	var merged int
	for _, p := range blk.Preds() {
		pw, ok := sp.wExit[p.Blk]
		if !ok {
			continue
		}
		if merged == 0 {
			w = pw.clone()
		} else {
			for v := range w {
				if !pw.has(v) {
					w.remove(v)
				}
			}
		}
		merged++
		for v := range sp.sExit[p.Blk] {
			s.add(v)
		}
	}
	// At a true join, a spilled value leaves the window even when every
	// predecessor happened to rematerialize it: the paths carry different
	// reloads, so consumers past the join must reload through one that
	// dominates them.
	if merged > 1 {
		for v := range s {
			w.remove(v)
		}
	}
	for _, param := range blk.Params() {
		w.add(param)
	}
	in := sp.live.LiveIn(blk)
	for v := range w {
		if !in.IsLive(v) {
			w.remove(v)
		}
	}
	for v := range s {
		if !in.IsLive(v) {
			s.remove(v)
		}
	}
	return w, s
}

// enterBlock enforces the window bound on block entry. Over-pressure here
// means too many block arguments and live-through values converge on this
// block; the victim's spill is hoisted before the branch in the nearest
// dominating block that defines it, so each successor path reloads on demand.
func (sp *spiller) enterBlock(blk *hir.Block, w, s valueSet) error {
	first := blk.Root()
	if first == nil {
		return nil
	}
	in := sp.live.LiveIn(blk)
	params := valueSet{}
	for _, p := range blk.Params() {
		params.add(p)
	}
	for w.sizeInFelts() > WindowFelts {
		victim, ok := sp.selectVictim(w, params, in)
		if !ok {
			return sp.overflowErr(hir.Before(first))
		}
		if !s.has(victim) && in.Distance(victim) != DistInfinite {
			point := sp.entrySpillPoint(blk, victim)
			sp.recordSpill(victim, point)
		}
		s.add(victim)
		w.remove(victim)
	}
	return nil
}

// entrySpillPoint picks where an entry-pressure victim is stored: before the
// terminator of the nearest block that dominates blk and already sees the
// value, i.e. "before the branch" feeding the over-pressured join.
func (sp *spiller) entrySpillPoint(blk *hir.Block, victim hir.Value) hir.ProgramPoint {
	_, defBlk := sp.f.Def(victim)
	for cur := sp.dom.IDom(blk); cur != nil; cur = sp.dom.IDom(cur) {
		if cur == defBlk || sp.dom.Dominates(defBlk, cur) {
			if t := cur.Terminator(); t != nil {
				return hir.Before(t)
			}
		}
	}
	// The value is defined in blk itself or dominance gave nothing usable;
	// store right at the top of the block.
	return hir.Before(blk.Root())
}

// walkBlock runs the per-operation MIN step over one block.
func (sp *spiller) walkBlock(blk *hir.Block, w, s valueSet) error {
	for op := blk.Root(); op != nil; op = op.Next() {
		if err := sp.processOp(op, w, s); err != nil {
			return err
		}
	}
	return nil
}

func (sp *spiller) processOp(op *hir.Operation, w, s valueSet) error {
	before := sp.live.LiveBefore(op)
	after := sp.live.LiveAfter(op)

	// Everything the machine consumes here: explicit operands plus successor
	// arguments. The eviction and reload steps below must agree on this set,
	// or a branch argument could be evicted as dead and then demanded back.
	operands := valueSet{}
	for _, v := range operandsInOrder(op) {
		operands.add(v)
	}

	// Drop dead values from the window first; evicting them costs nothing.
	for _, v := range w.sorted() {
		if !before.IsLive(v) && !operands.has(v) {
			w.remove(v)
		}
	}

	// Reload operands missing from the window, making room as needed. The
	// reload point sits immediately in front of the operation; the transform
	// later rewires this use (and any dominated ones) to the reloaded value.
	for _, v := range operandsInOrder(op) {
		if w.has(v) {
			continue
		}
		if !s.has(v) {
			panic(fmt.Sprintf("BUG: operand %s of %s is neither in the window nor spilled", v, op.Opcode()))
		}
		if err := sp.makeRoom(op, w, s, operands, v.SizeInFelts()); err != nil {
			return err
		}
		sp.recordReload(v, hir.Before(op))
		w.add(v)
	}

	// Structured control: nested regions execute between the op's entry and
	// exit; the region boundary itself is a spill point.
	if op.HasRegions() {
		if err := sp.walkNestedRegions(op, w, s); err != nil {
			return err
		}
	}

	// Make room for the results. Operands that die at this op free their
	// felts; operands live-after count against the window.
	var resultFelts int
	for _, r := range op.Results() {
		resultFelts += r.SizeInFelts()
	}
	if resultFelts > 0 {
		consumed := valueSet{}
		for v := range operands {
			if !after.IsLive(v) {
				consumed.add(v)
			}
		}
		for w.sizeInFelts()-consumed.sizeInFelts()+resultFelts > WindowFelts {
			candidates := valueSet{}
			for v := range w {
				if !operands.has(v) || after.IsLive(v) {
					candidates.add(v)
				}
			}
			victim, ok := sp.selectVictimAt(candidates, after)
			if !ok {
				return sp.overflowErr(hir.After(op))
			}
			if !s.has(victim) && after.Distance(victim) != DistInfinite {
				sp.recordSpill(victim, hir.Before(op))
			}
			s.add(victim)
			w.remove(victim)
			consumed.remove(victim)
		}
	}

	// Exit: consumed operands leave the window, results enter it.
	for v := range operands {
		if !after.IsLive(v) {
			w.remove(v)
		}
	}
	for _, r := range op.Results() {
		w.add(r)
	}
	for _, v := range w.sorted() {
		if !after.IsLive(v) {
			w.remove(v)
		}
	}
	for _, v := range s.sorted() {
		if !after.IsLive(v) {
			s.remove(v)
		}
	}
	return nil
}

// walkNestedRegions runs the analysis through a structured operation's
// regions. The window seed is the region's entry parameters plus whatever
// live-through values currently occupy the window; spills recorded inside
// propagate out through S.
func (sp *spiller) walkNestedRegions(op *hir.Operation, w, s valueSet) error {
	exitW := make([]valueSet, 0, len(op.Regions()))
	for _, region := range op.Regions() {
		entry := region.Entry()
		rw := valueSet{}
		in := sp.live.LiveIn(entry)
		for v := range w {
			if in.IsLive(v) {
				rw.add(v)
			}
		}
		for _, p := range entry.Params() {
			rw.add(p)
		}
		rs := s.clone()
		if err := sp.walkRegion(region, rw, rs); err != nil {
			return err
		}
		for _, blk := range region.Blocks() {
			for v := range sp.sExit[blk] {
				s.add(v)
			}
		}
		exitW = append(exitW, sp.regionExitWindow(op, region))
	}

	// A live-through value survives in the parent window only if every region
	// leaves it materialized; anything a region spilled must be reloaded by
	// later consumers.
	for _, v := range w.sorted() {
		for _, ew := range exitW {
			if ew != nil && !ew.has(v) {
				w.remove(v)
				break
			}
		}
	}
	return nil
}

// regionExitWindow finds the window set at the region's exiting yield, mapped
// into the parent's value space.
func (sp *spiller) regionExitWindow(op *hir.Operation, region *hir.Region) valueSet {
	for _, blk := range region.Blocks() {
		t := blk.Terminator()
		if t == nil || t.Opcode() != hir.OpcodeYield {
			continue
		}
		ew := sp.wExit[blk]
		if ew == nil {
			continue
		}
		mapped := ew.clone()
		yielded := t.Operands()
		if op.Opcode() == hir.OpcodeWhile && region == op.Regions()[0] {
			yielded = yielded[1:]
		}
		for i, y := range yielded {
			mapped.remove(y)
			if i < len(op.Results()) {
				mapped.add(op.Results()[i])
			}
		}
		return mapped
	}
	return nil
}

// makeRoom evicts values until need felts fit in the window alongside W.
func (sp *spiller) makeRoom(op *hir.Operation, w, s, operands valueSet, need int) error {
	before := sp.live.LiveBefore(op)
	for w.sizeInFelts()+need > WindowFelts {
		candidates := valueSet{}
		for v := range w {
			if !operands.has(v) {
				candidates.add(v)
			}
		}
		victim, ok := sp.selectVictimAt(candidates, before)
		if !ok {
			return sp.overflowErr(hir.Before(op))
		}
		if !s.has(victim) && before.Distance(victim) != DistInfinite {
			sp.recordSpill(victim, hir.Before(op))
		}
		s.add(victim)
		w.remove(victim)
	}
	return nil
}

// selectVictim picks a spill victim from w excluding protected values.
func (sp *spiller) selectVictim(w, protected valueSet, dists *NextUseSet) (hir.Value, bool) {
	candidates := valueSet{}
	for v := range w {
		if !protected.has(v) {
			candidates.add(v)
		}
	}
	return sp.selectVictimAt(candidates, dists)
}

// selectVictimAt applies the spill policy: furthest next use first, then the
// widest value (freeing more felts per spill), then lowest ValueID for
// determinism.
func (sp *spiller) selectVictimAt(candidates valueSet, dists *NextUseSet) (hir.Value, bool) {
	var best hir.Value
	var found bool
	var bestDist uint32
	for _, v := range candidates.sorted() {
		d := dists.Distance(v)
		switch {
		case !found:
			best, bestDist, found = v, d, true
		case d > bestDist:
			best, bestDist = v, d
		case d == bestDist && v.SizeInFelts() > best.SizeInFelts():
			best = v
		}
	}
	return best, found
}

func (sp *spiller) recordSpill(v hir.Value, point hir.ProgramPoint) {
	if rec, ok := sp.spills.records[v]; ok {
		// Keep the earliest (dominating) spill point if one exists already.
		if sp.dom.PointDominates(point, rec.SpillPoint) {
			rec.SpillPoint = point
		}
		return
	}
	sp.spills.records[v] = &SpillRecord{Value: v, SpillPoint: point}
	sp.spills.order = append(sp.spills.order, v)
}

func (sp *spiller) recordReload(v hir.Value, point hir.ProgramPoint) {
	rec := sp.spills.records[v]
	if rec == nil {
		panic(fmt.Sprintf("BUG: reload of %s recorded before its spill", v))
	}
	for _, p := range rec.ReloadPoints {
		if p == point || sp.dom.PointDominates(p, point) {
			// Deduplicated: an existing reload already covers this point.
			return
		}
	}
	// The new site may dominate sites recorded earlier; those collapse into
	// it, leaving one reload per dominating site.
	kept := rec.ReloadPoints[:0]
	for _, p := range rec.ReloadPoints {
		if !sp.dom.PointDominates(point, p) {
			kept = append(kept, p)
		}
	}
	rec.ReloadPoints = append(kept, point)
}

func (sp *spiller) overflowErr(p hir.ProgramPoint) error {
	return fmt.Errorf("%s: %s at source offset %s: every live value is required here: %w",
		sp.f.Name(), p, p.Op().Pos(), ErrWindowOverflow)
}

// operandsInOrder returns the op's distinct operands (and successor
// arguments) in first-occurrence order.
func operandsInOrder(op *hir.Operation) []hir.Value {
	seen := valueSet{}
	var out []hir.Value
	push := func(v hir.Value) {
		if !seen.has(v) {
			seen.add(v)
			out = append(out, v)
		}
	}
	for _, v := range op.Operands() {
		push(v)
	}
	for _, s := range op.Successors() {
		for _, v := range s.Args {
			push(v)
		}
	}
	return out
}
