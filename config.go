package feltc

import "github.com/feltvm/feltc/internal/sched"

// Config configures a compilation.
type Config struct {
	// FuelBudget bounds the work the operand scheduler may spend on one
	// operand arrangement problem before giving up on the function.
	// Zero or negative selects DefaultFuelBudget.
	FuelBudget int
}

// DefaultFuelBudget is the scheduler's per-arrangement fuel budget when
// Config.FuelBudget is unset.
const DefaultFuelBudget = sched.DefaultFuel
