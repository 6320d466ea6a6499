package hir

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/feltvm/feltc/internal/feltcapi"
)

// Signature describes the parameter and result types of a function.
type Signature struct {
	Params  []Type
	Results []Type
}

// String implements fmt.Stringer.
func (s *Signature) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	sb.WriteString(") -> (")
	for i, r := range s.Results {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(r.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// Function is a single compilation unit: a name, a signature, and a body
// region whose entry block parameters carry the function arguments.
//
// Blocks and operations are arena-allocated and addressed by their integer
// identifiers, so the graph-shaped IR (blocks referencing successors, values
// referencing users) never forms pointer cycles that consumers have to chase.
type Function struct {
	name string
	sig  *Signature
	body *Region

	opPool    feltcapi.Pool[Operation]
	blockPool feltcapi.Pool[Block]

	// blocks indexes every block of the function, across all nested regions,
	// by BlockID.
	blocks []*Block

	nextValueID ValueID
	nextPoint   uint32

	// valueDefs records, for each ValueID, the defining operation (nil for
	// block parameters) and the defining block.
	valueDefs []valueDef
}

type valueDef struct {
	op  *Operation
	blk *Block
}

// NewFunction creates an empty function with the given name and signature.
// The body region is created with an entry block whose parameters match the
// signature.
func NewFunction(name string, sig *Signature) *Function {
	f := &Function{
		name:      name,
		sig:       sig,
		opPool:    feltcapi.NewPool[Operation](),
		blockPool: feltcapi.NewPool[Block](),
	}
	f.body = &Region{}
	entry := f.NewBlock(f.body)
	for _, t := range sig.Params {
		f.AddBlockParam(entry, t)
	}
	return f
}

// Name returns the function's name.
func (f *Function) Name() string { return f.name }

// Signature returns the function's signature.
func (f *Function) Signature() *Signature { return f.sig }

// Body returns the function's body region.
func (f *Function) Body() *Region { return f.body }

// Entry returns the function's entry block.
func (f *Function) Entry() *Block { return f.body.Entry() }

// NumValues returns the number of SSA values allocated so far. ValueIDs are
// dense in [0, NumValues), which lets analyses use them as bitmap indices.
func (f *Function) NumValues() int { return int(f.nextValueID) }

// NumBlocks returns the number of blocks in the function, across all regions.
func (f *Function) NumBlocks() int { return len(f.blocks) }

// BlockByID returns the block with the given id.
func (f *Function) BlockByID(id BlockID) *Block { return f.blocks[id] }

// NewBlock allocates a block and appends it to region.
func (f *Function) NewBlock(region *Region) *Block {
	blk := f.blockPool.Allocate()
	*blk = Block{id: BlockID(len(f.blocks)), region: region}
	f.blocks = append(f.blocks, blk)
	region.blocks = append(region.blocks, blk)
	return blk
}

// AddBlockParam appends a fresh block parameter of the given type to blk and
// returns it.
func (f *Function) AddBlockParam(blk *Block, typ Type) Value {
	v := f.allocValue(typ)
	blk.params = append(blk.params, v)
	f.valueDefs[v.ID()] = valueDef{blk: blk}
	return v
}

func (f *Function) allocValue(typ Type) Value {
	v := Value(f.nextValueID).setType(typ)
	f.nextValueID++
	f.valueDefs = append(f.valueDefs, valueDef{})
	return v
}

func (f *Function) allocOp(code Opcode) *Operation {
	op := f.opPool.Allocate()
	op.reset()
	op.opcode = code
	op.pnum = f.nextPoint
	f.nextPoint++
	return op
}

// NewOp allocates an operation with the given result types and operands,
// without inserting it anywhere. Results are freshly allocated values.
func (f *Function) NewOp(code Opcode, resultTypes []Type, operands ...Value) *Operation {
	op := f.allocOp(code)
	op.operands = operands
	for _, t := range resultTypes {
		r := f.allocValue(t)
		op.results = append(op.results, r)
		f.valueDefs[r.ID()] = valueDef{op: op}
	}
	return op
}

// Append allocates an operation like NewOp and appends it to blk.
func (f *Function) Append(blk *Block, code Opcode, resultTypes []Type, operands ...Value) *Operation {
	op := f.NewOp(code, resultTypes, operands...)
	blk.append(op)
	return op
}

// InsertBefore allocates an operation and places it immediately before anchor.
func (f *Function) InsertBefore(anchor *Operation, code Opcode, resultTypes []Type, operands ...Value) *Operation {
	op := f.NewOp(code, resultTypes, operands...)
	anchor.blk.insertBefore(op, anchor)
	return op
}

// InsertAfter allocates an operation and places it immediately after anchor.
func (f *Function) InsertAfter(anchor *Operation, code Opcode, resultTypes []Type, operands ...Value) *Operation {
	op := f.NewOp(code, resultTypes, operands...)
	anchor.blk.insertAfter(op, anchor)
	return op
}

// AppendConst appends a single-felt constant to blk.
func (f *Function) AppendConst(blk *Block, typ Type, imm uint64) *Operation {
	op := f.Append(blk, OpcodeConst, []Type{typ})
	op.imm = imm
	return op
}

// AppendConstWide appends a multi-felt constant to blk. The payload is split
// into limbs at emission time.
func (f *Function) AppendConstWide(blk *Block, typ Type, payload *uint256.Int) *Operation {
	op := f.Append(blk, OpcodeConstWide, []Type{typ})
	op.wide = new(uint256.Int).Set(payload)
	return op
}

// AppendCall appends a call to the named procedure.
func (f *Function) AppendCall(blk *Block, symbol string, resultTypes []Type, operands ...Value) *Operation {
	op := f.Append(blk, OpcodeCall, resultTypes, operands...)
	op.symbol = symbol
	return op
}

// AppendBr appends an unconditional branch to target, recording the edge.
func (f *Function) AppendBr(blk, target *Block, args ...Value) *Operation {
	op := f.Append(blk, OpcodeBr, nil)
	op.succs = []Successor{{Blk: target, Args: args}}
	target.addPred(blk, op)
	return op
}

// AppendCondBr appends a two-way conditional branch, recording both edges.
func (f *Function) AppendCondBr(blk *Block, cond Value, then *Block, thenArgs []Value, els *Block, elseArgs []Value) *Operation {
	op := f.Append(blk, OpcodeCondBr, nil, cond)
	op.succs = []Successor{{Blk: then, Args: thenArgs}, {Blk: els, Args: elseArgs}}
	then.addPred(blk, op)
	els.addPred(blk, op)
	return op
}

// AppendIf appends a structured if. cond selects between the then and else
// regions; args seed both regions' entry block parameters; each region must be
// terminated with an OpcodeYield matching resultTypes.
func (f *Function) AppendIf(blk *Block, cond Value, resultTypes []Type, args ...Value) *Operation {
	operands := append([]Value{cond}, args...)
	op := f.Append(blk, OpcodeIf, resultTypes, operands...)
	thenRegion := &Region{owner: op}
	elseRegion := &Region{owner: op}
	op.regions = []*Region{thenRegion, elseRegion}
	thenEntry := f.NewBlock(thenRegion)
	elseEntry := f.NewBlock(elseRegion)
	for _, a := range args {
		f.AddBlockParam(thenEntry, a.Type())
		f.AddBlockParam(elseEntry, a.Type())
	}
	return op
}

// AppendWhile appends a structured loop. args seed the "before" region's entry
// parameters; the "before" region's yield carries the continue condition first,
// then the loop state; the "after" region is the body.
func (f *Function) AppendWhile(blk *Block, resultTypes []Type, args ...Value) *Operation {
	op := f.Append(blk, OpcodeWhile, resultTypes, args...)
	before := &Region{owner: op}
	after := &Region{owner: op}
	op.regions = []*Region{before, after}
	beforeEntry := f.NewBlock(before)
	afterEntry := f.NewBlock(after)
	for _, a := range args {
		f.AddBlockParam(beforeEntry, a.Type())
		f.AddBlockParam(afterEntry, a.Type())
	}
	return op
}

// insertAtPoint places op on the side of p's anchor the point denotes.
func (f *Function) insertAtPoint(op *Operation, p ProgramPoint) {
	if p.IsAfter() {
		p.Op().blk.insertAfter(op, p.Op())
	} else {
		p.Op().blk.insertBefore(op, p.Op())
	}
}

// InsertSpillAt places an OpcodeSpill of v into storage slot at p.
func (f *Function) InsertSpillAt(p ProgramPoint, v Value, slot uint64) *Operation {
	op := f.NewOp(OpcodeSpill, nil, v)
	op.imm = slot
	f.insertAtPoint(op, p)
	return op
}

// InsertReloadAt places an OpcodeReload at p, defining a fresh value of type
// typ read back from storage slot.
func (f *Function) InsertReloadAt(p ProgramPoint, typ Type, slot uint64) *Operation {
	op := f.NewOp(OpcodeReload, []Type{typ})
	op.imm = slot
	f.insertAtPoint(op, p)
	return op
}

// Def returns the operation defining v, or nil if v is a block parameter, and
// the block in which v is defined.
func (f *Function) Def(v Value) (*Operation, *Block) {
	d := f.valueDefs[v.ID()]
	if d.op != nil {
		return d.op, d.op.blk
	}
	return nil, d.blk
}

// Use is one occurrence of a value as an operand (or successor argument) of an
// operation.
type Use struct {
	Op *Operation
	// Index is the operand index, or -1 if the use is a successor argument.
	Index int
}

// UsesOf returns every use of v in the function, in a deterministic walk order
// (regions depth-first, blocks in layout order, operations front to back).
func (f *Function) UsesOf(v Value) []Use {
	var uses []Use
	f.ForEachOperation(func(op *Operation) {
		for i, operand := range op.operands {
			if operand == v {
				uses = append(uses, Use{Op: op, Index: i})
			}
		}
		for _, s := range op.succs {
			for _, a := range s.Args {
				if a == v {
					uses = append(uses, Use{Op: op, Index: -1})
				}
			}
		}
	})
	return uses
}

// ForEachOperation visits every operation of the function: regions depth-first,
// blocks in layout order, operations front to back.
func (f *Function) ForEachOperation(fn func(op *Operation)) {
	forEachOperationIn(f.body, fn)
}

func forEachOperationIn(r *Region, fn func(op *Operation)) {
	for _, blk := range r.blocks {
		for op := blk.root; op != nil; op = op.next {
			fn(op)
			for _, nested := range op.regions {
				forEachOperationIn(nested, fn)
			}
		}
	}
}

// ForEachBlock visits every block of the function, regions depth-first.
func (f *Function) ForEachBlock(fn func(blk *Block)) {
	forEachBlockIn(f.body, fn)
}

func forEachBlockIn(r *Region, fn func(blk *Block)) {
	for _, blk := range r.blocks {
		fn(blk)
		for op := blk.root; op != nil; op = op.next {
			for _, nested := range op.regions {
				forEachBlockIn(nested, fn)
			}
		}
	}
}

// Format returns the textual IR form of the function, for debugging.
func (f *Function) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "fn @%s%s {\n", f.name, f.sig)
	formatRegion(&sb, f.body, 1)
	sb.WriteString("}\n")
	return sb.String()
}

func formatRegion(sb *strings.Builder, r *Region, depth int) {
	indent := strings.Repeat("\t", depth)
	for _, blk := range r.blocks {
		sb.WriteString(indent)
		sb.WriteString(blk.FormatHeader())
		sb.WriteByte('\n')
		for op := blk.root; op != nil; op = op.next {
			sb.WriteString(indent)
			sb.WriteByte('\t')
			sb.WriteString(op.Format())
			sb.WriteByte('\n')
			for i, nested := range op.regions {
				sb.WriteString(indent)
				fmt.Fprintf(sb, "\tregion %d:\n", i)
				formatRegion(sb, nested, depth+2)
			}
		}
	}
}
