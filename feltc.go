// Package feltc compiles functions in a structured, SSA-based IR into linear
// procedures for a felt-oriented stack machine whose instructions can only
// address the top sixteen felts of the operand stack.
//
// The pipeline is fixed: dominance and next-use liveness analyses feed a
// spill placement pass that bounds operand pressure to the addressable
// window, the spill transform materializes the chosen spills as procedure
// frame accesses, and the scheduler lowers each block to a stack instruction
// stream the emitter renders as a textual procedure.
package feltc

import (
	"fmt"

	"github.com/feltvm/feltc/internal/analysis"
	"github.com/feltvm/feltc/internal/emit"
	"github.com/feltvm/feltc/internal/hir"
	"github.com/feltvm/feltc/internal/sched"
	"github.com/feltvm/feltc/internal/transform"
)

// CompileFunction lowers f to a stack machine procedure. f is modified in
// place: spill placement inserts spill and reload operations and rewrites
// the uses they cover.
func CompileFunction(f *hir.Function, cfg Config) (*emit.Procedure, error) {
	dom := hir.BuildDomTree(f)
	live := analysis.ComputeLiveness(f, dom)

	spills, err := analysis.ComputeSpills(f, dom, live)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", f.Name(), err)
	}
	frameFelts := transform.MaterializeSpills(f, dom, spills)
	if !spills.Empty() {
		// The spill transform grew the instruction stream; the scheduler
		// needs analyses that see the inserted operations.
		dom = hir.BuildDomTree(f)
		live = analysis.ComputeLiveness(f, dom)
	}

	fuel := cfg.FuelBudget
	if fuel == 0 {
		fuel = DefaultFuelBudget
	}
	res, err := sched.Schedule(f, dom, live, fuel)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", f.Name(), err)
	}
	return emit.Emit(f, dom, res, frameFelts), nil
}
