// Package transform rewrites IR in place between analysis and scheduling. Its
// one pass materializes the spill analysis' decisions as explicit spill and
// reload operations so the scheduler only ever sees window-bounded live sets.
package transform

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/feltvm/feltc/internal/analysis"
	"github.com/feltvm/feltc/internal/hir"
)

// MaterializeSpills inserts one spill operation and its reloads for every
// record of the analysis, assigns storage slots, and rewires uses to the
// nearest dominating reload. It returns the procedure frame size in felts.
//
// The pass is idempotent: records whose operations already exist are only
// re-registered with the slot allocator, so running it twice leaves the
// function unchanged.
func MaterializeSpills(f *hir.Function, dom *hir.DomTree, spills *analysis.Spills) int {
	alloc := &slotAllocator{}
	for _, v := range spills.Values() {
		if rec := spills.Record(v); rec.SpillOp != nil {
			alloc.reserve(rec)
		}
	}
	for _, v := range spills.Values() {
		rec := spills.Record(v)
		if rec.SpillOp != nil {
			continue
		}
		rec.Slot = alloc.assign(rec)
		rec.SpillOp = f.InsertSpillAt(rec.SpillPoint, rec.Value, uint64(rec.Slot))
		for _, rp := range rec.ReloadPoints {
			rec.ReloadOps = append(rec.ReloadOps,
				f.InsertReloadAt(rp, rec.Value.Type(), uint64(rec.Slot)))
		}
		rewireUses(f, dom, rec)
	}
	return alloc.frameFelts
}

// rewireUses redirects every use of the spilled value that some reload
// dominates to the nearest such reload's result. Uses not dominated by any
// reload (those upstream of the spill) keep the original value.
func rewireUses(f *hir.Function, dom *hir.DomTree, rec *analysis.SpillRecord) {
	for _, use := range f.UsesOf(rec.Value) {
		if use.Op == rec.SpillOp {
			continue
		}
		if r := nearestDominatingReload(dom, rec, use.Op); r != nil {
			use.Op.ReplaceOperand(rec.Value, r.Results()[0])
		}
	}
}

// nearestDominatingReload picks, among the reloads dominating op, the one
// deepest in the dominance order, i.e. dominated by all the others.
func nearestDominatingReload(dom *hir.DomTree, rec *analysis.SpillRecord, op *hir.Operation) *hir.Operation {
	var best *hir.Operation
	for _, r := range rec.ReloadOps {
		if !dom.OpDominates(r, op) {
			continue
		}
		if best == nil || dom.OpDominates(best, r) {
			best = r
		}
	}
	return best
}

// slotAllocator hands out frame slot offsets, sharing a slot between spilled
// values whose storage lifetimes never overlap. A lifetime is the program
// point span from the spill to the last reload, kept as a bitmap so overlap
// is one intersection test.
type slotAllocator struct {
	slots      []slotInfo
	frameFelts int
}

type slotInfo struct {
	offset   int
	width    int
	lifetime *roaring.Bitmap
}

func lifetimeOf(rec *analysis.SpillRecord) *roaring.Bitmap {
	lo := rec.SpillPoint.Index()
	hi := lo
	for _, rp := range rec.ReloadPoints {
		if i := rp.Index(); i > hi {
			hi = i
		}
	}
	life := roaring.New()
	life.AddRange(uint64(lo), uint64(hi)+1)
	return life
}

// assign finds a free slot of the right width whose occupants' lifetimes do
// not intersect rec's, or opens a new one.
func (a *slotAllocator) assign(rec *analysis.SpillRecord) int {
	width := rec.Value.SizeInFelts()
	life := lifetimeOf(rec)
	for i := range a.slots {
		s := &a.slots[i]
		if s.width == width && !s.lifetime.Intersects(life) {
			s.lifetime.Or(life)
			return s.offset
		}
	}
	return a.open(width, life)
}

// reserve re-registers an already-materialized record, keeping its offset.
func (a *slotAllocator) reserve(rec *analysis.SpillRecord) {
	width := rec.Value.SizeInFelts()
	life := lifetimeOf(rec)
	for i := range a.slots {
		s := &a.slots[i]
		if s.offset == rec.Slot {
			s.lifetime.Or(life)
			return
		}
	}
	a.slots = append(a.slots, slotInfo{offset: rec.Slot, width: width, lifetime: life})
	if end := rec.Slot + width; end > a.frameFelts {
		a.frameFelts = end
	}
}

func (a *slotAllocator) open(width int, life *roaring.Bitmap) int {
	offset := a.frameFelts
	a.slots = append(a.slots, slotInfo{offset: offset, width: width, lifetime: life})
	a.frameFelts += width
	return offset
}
