package hir

import (
	"fmt"
	"strings"
)

// BlockID is the unique identifier of a Block within its Function.
type BlockID uint32

// Block is a basic block: an ordered list of operations preceded by block
// parameters (the phi-equivalent values of this IR). A block belongs to
// exactly one Region.
type Block struct {
	id     BlockID
	params []Value
	region *Region

	root, tail *Operation

	// preds are recorded when a sibling terminator declares this block as a
	// successor.
	preds []Pred
}

// Pred describes one incoming unstructured control flow edge.
type Pred struct {
	Blk    *Block
	Branch *Operation
}

// ID returns the unique identifier of this block.
func (b *Block) ID() BlockID { return b.id }

// Params returns the block parameter values.
// The returned slice must not be modified.
func (b *Block) Params() []Value { return b.params }

// Region returns the region containing this block.
func (b *Block) Region() *Region { return b.region }

// Root returns the first operation of the block, nil if the block is empty.
func (b *Block) Root() *Operation { return b.root }

// Tail returns the last operation of the block, nil if the block is empty.
func (b *Block) Tail() *Operation { return b.tail }

// Preds returns the incoming unstructured edges.
// The returned slice must not be modified.
func (b *Block) Preds() []Pred { return b.preds }

// Terminator returns the block's terminator operation, or nil if the block is
// not yet terminated.
func (b *Block) Terminator() *Operation {
	if b.tail != nil && b.tail.IsTerminator() {
		return b.tail
	}
	return nil
}

// Succs returns the unstructured successor blocks of this block's terminator.
func (b *Block) Succs() []Successor {
	if t := b.Terminator(); t != nil {
		return t.succs
	}
	return nil
}

// IsEntry returns true if this block is its region's entry block.
func (b *Block) IsEntry() bool {
	return b.region != nil && b.region.Entry() == b
}

// append adds op at the end of the block.
func (b *Block) append(op *Operation) {
	op.blk = b
	if b.root == nil {
		b.root, b.tail = op, op
		return
	}
	op.prev = b.tail
	b.tail.next = op
	b.tail = op
}

// insertBefore places op immediately before anchor, which must be in b.
func (b *Block) insertBefore(op, anchor *Operation) {
	if anchor.blk != b {
		panic("BUG: insertBefore anchor is not in this block")
	}
	op.blk = b
	op.next = anchor
	op.prev = anchor.prev
	if anchor.prev != nil {
		anchor.prev.next = op
	} else {
		b.root = op
	}
	anchor.prev = op
}

// insertAfter places op immediately after anchor, which must be in b.
func (b *Block) insertAfter(op, anchor *Operation) {
	if anchor.blk != b {
		panic("BUG: insertAfter anchor is not in this block")
	}
	op.blk = b
	op.prev = anchor
	op.next = anchor.next
	if anchor.next != nil {
		anchor.next.prev = op
	} else {
		b.tail = op
	}
	anchor.next = op
}

func (b *Block) addPred(pred *Block, branch *Operation) {
	b.preds = append(b.preds, Pred{Blk: pred, Branch: branch})
}

// FormatHeader renders the block label and parameter list.
func (b *Block) FormatHeader() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "blk%d:", b.id)
	if len(b.params) > 0 {
		sb.WriteString(" (")
		for i, p := range b.params {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(p.formatWithType())
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// Region is an ordered list of blocks nested under a structured control
// operation, or the top-level body of a Function (owner == nil). The first
// block is the region's entry. Region boundaries are liveness barriers:
// values cross them only as entry block parameters or yield operands.
type Region struct {
	owner  *Operation
	blocks []*Block
}

// Owner returns the structured operation owning this region, or nil for a
// function body.
func (r *Region) Owner() *Operation { return r.owner }

// Blocks returns the blocks of this region in layout order.
// The returned slice must not be modified.
func (r *Region) Blocks() []*Block { return r.blocks }

// Entry returns the entry block of the region.
func (r *Region) Entry() *Block {
	if len(r.blocks) == 0 {
		panic("BUG: region has no entry block")
	}
	return r.blocks[0]
}

// Depth returns how many structured operations this region is nested under.
func (r *Region) Depth() int {
	var d int
	for cur := r; cur.owner != nil; cur = cur.owner.blk.region {
		d++
	}
	return d
}
