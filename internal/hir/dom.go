package hir

// DomTree records, for every block of a function, its immediate dominator
// within its region, annotated with DFS pre/post numbers so Dominates is a
// constant-time number-range check. Blocks in nested regions are related to
// the rest of the function by hoisting queries through the region-owning
// operations, so "happens on every path before" questions work across
// structured control.
//
// The numbers are computed eagerly at construction. The tree must be rebuilt
// after any CFG mutation; there is no lazy renumbering to go stale.
type DomTree struct {
	f    *Function
	idom []*Block
	pre  []uint32
	post []uint32

	// rpo holds, per region, the region's blocks in reverse postorder.
	rpo map[*Region][]*Block

	loopHeader []bool
}

// BuildDomTree computes the dominator tree of f.
//
// Every block of every region must be reachable from its region's entry; an
// unreachable block means the verifier upstream failed, which is a compiler
// bug here, not a recoverable condition.
func BuildDomTree(f *Function) *DomTree {
	n := f.NumBlocks()
	d := &DomTree{
		f:          f,
		idom:       make([]*Block, n),
		pre:        make([]uint32, n),
		post:       make([]uint32, n),
		rpo:        make(map[*Region][]*Block),
		loopHeader: make([]bool, n),
	}
	var num uint32
	d.buildRegion(f.body, &num)
	return d
}

func (d *DomTree) buildRegion(r *Region, num *uint32) {
	rpo := regionReversePostorder(r)
	if len(rpo) != len(r.blocks) {
		panic("BUG: unreachable block in region; the verifier should have rejected this function")
	}
	d.rpo[r] = rpo

	rpoIndex := make(map[*Block]int, len(rpo))
	for i, blk := range rpo {
		rpoIndex[blk] = i
	}
	calculateIdoms(rpo, rpoIndex, d.idom)

	// Detect loop headers: a block with a predecessor it dominates.
	for _, blk := range rpo {
		for _, p := range blk.preds {
			if d.dominatesSameRegion(blk, p.Blk) {
				d.loopHeader[blk.id] = true
			}
		}
	}

	// Number this region's dominator tree with a DFS, then recurse into the
	// regions nested under each block's operations.
	children := make(map[*Block][]*Block, len(rpo))
	for _, blk := range rpo {
		if id := d.idom[blk.id]; id != nil && id != blk {
			children[id] = append(children[id], blk)
		}
	}
	d.numberDFS(r.Entry(), children, num)

	for _, blk := range r.blocks {
		for op := blk.root; op != nil; op = op.next {
			for _, nested := range op.regions {
				d.buildRegion(nested, num)
			}
		}
	}
}

func (d *DomTree) numberDFS(root *Block, children map[*Block][]*Block, num *uint32) {
	*num++
	d.pre[root.id] = *num
	for _, c := range children[root] {
		d.numberDFS(c, children, num)
	}
	*num++
	d.post[root.id] = *num
}

// regionReversePostorder computes the reverse postorder of a region's blocks
// from its entry, following unstructured branch successors.
func regionReversePostorder(r *Region) []*Block {
	const unseen, seen, done = 0, 1, 2
	state := make(map[*Block]int, len(r.blocks))
	var order []*Block
	stack := []*Block{r.Entry()}
	state[r.Entry()] = seen
	for len(stack) > 0 {
		tail := len(stack) - 1
		blk := stack[tail]
		stack = stack[:tail]
		switch state[blk] {
		case seen:
			stack = append(stack, blk)
			for _, s := range blk.Succs() {
				if state[s.Blk] == unseen {
					state[s.Blk] = seen
					stack = append(stack, s.Blk)
				}
			}
			state[blk] = done
		case done:
			order = append(order, blk)
		default:
			panic("BUG: unsupported CFG shape")
		}
	}
	// order currently holds the postorder; reverse it.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// calculateIdoms runs the "engineered" iterative dominance algorithm of
// Cooper, Harvey and Kennedy over one region's reverse postorder.
func calculateIdoms(rpo []*Block, rpoIndex map[*Block]int, idom []*Block) {
	entry := rpo[0]
	idom[entry.id] = entry
	for _, blk := range rpo[1:] {
		idom[blk.id] = nil
	}

	changed := true
	for changed {
		changed = false
		for _, blk := range rpo[1:] {
			var u *Block
			for _, p := range blk.preds {
				pred := p.Blk
				// Skip predecessors not processed yet; necessary for nested
				// loops, as in the paper's errata.
				if idom[pred.id] == nil {
					continue
				}
				if u == nil {
					u = pred
					continue
				}
				u = intersect(idom, rpoIndex, u, pred)
			}
			if idom[blk.id] != u {
				idom[blk.id] = u
				changed = true
			}
		}
	}
}

// intersect walks two fingers up the partially built dominator tree until they
// meet at the common dominator.
func intersect(idom []*Block, rpoIndex map[*Block]int, b1, b2 *Block) *Block {
	f1, f2 := b1, b2
	for f1 != f2 {
		for rpoIndex[f1] > rpoIndex[f2] {
			f1 = idom[f1.id]
		}
		for rpoIndex[f2] > rpoIndex[f1] {
			f2 = idom[f2.id]
		}
	}
	return f1
}

// IDom returns the immediate dominator of blk, or nil for a region entry.
func (d *DomTree) IDom(blk *Block) *Block {
	id := d.idom[blk.id]
	if id == blk {
		return nil
	}
	return id
}

// ReversePostorder returns the blocks of r in reverse postorder.
// The returned slice must not be modified.
func (d *DomTree) ReversePostorder(r *Region) []*Block {
	return d.rpo[r]
}

// IsLoopHeader returns true if blk is the target of a back edge.
func (d *DomTree) IsLoopHeader(blk *Block) bool {
	return d.loopHeader[blk.id]
}

// dominatesSameRegion answers a dominance query for two blocks known to be in
// the same region, by pre/post number containment.
func (d *DomTree) dominatesSameRegion(a, b *Block) bool {
	if a == b {
		return true
	}
	if d.pre[a.id] == 0 || d.pre[b.id] == 0 {
		// b was reached before its region's numbering ran, which only happens
		// mid-construction for loop header detection; fall back to climbing.
		for cur := b; cur != nil; {
			if cur == a {
				return true
			}
			next := d.idom[cur.id]
			if next == cur {
				return false
			}
			cur = next
		}
		return false
	}
	return d.pre[a.id] <= d.pre[b.id] && d.post[b.id] <= d.post[a.id]
}

// hoistToRegion climbs b through region-owning operations until it reaches a
// block whose region is r, or nil if b is not nested under r.
func hoistToRegion(b *Block, r *Region) *Block {
	for b != nil && b.region != r {
		owner := b.region.owner
		if owner == nil {
			return nil
		}
		b = owner.blk
	}
	return b
}

// Dominates returns true if every path to b passes through a. Blocks may live
// in different regions; b is hoisted to a's region first.
func (d *DomTree) Dominates(a, b *Block) bool {
	hb := hoistToRegion(b, a.region)
	if hb == nil {
		return false
	}
	return d.dominatesSameRegion(a, hb)
}

// OpDominates returns true if operation a properly dominates operation b: a
// executes before b on every path reaching b. An operation does not dominate
// the contents of its own regions' siblings beyond normal ordering, and never
// dominates itself.
func (d *DomTree) OpDominates(a, b *Operation) bool {
	if a == b {
		return false
	}
	// Hoist b to the region containing a, tracking the ancestor operation.
	hb := b
	for hb.blk.region != a.blk.region {
		owner := hb.blk.region.owner
		if owner == nil {
			return false
		}
		hb = owner
	}
	if hb == a {
		// b is nested inside a itself; a's results are not yet defined there.
		return false
	}
	if hb.blk == a.blk {
		return a.precedes(hb)
	}
	return d.dominatesSameRegion(a.blk, hb.blk)
}

// PointDominates returns true if program point p dominates program point q.
func (d *DomTree) PointDominates(p, q ProgramPoint) bool {
	if p.op == q.op {
		return !p.after || q.after
	}
	return d.OpDominates(p.op, q.op)
}
