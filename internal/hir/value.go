package hir

import (
	"fmt"
	"math"
)

// Value represents an SSA value together with its type information.
//
// The higher 32 bits store the Type, the lower 32 bits the ValueID. A Value is
// defined exactly once, either as a block parameter or as an operation result,
// and is never mutated after definition.
type Value uint64

// ValueID is the lower 32 bits of Value: the pure identity without type info.
type ValueID uint32

const (
	valueIDInvalid ValueID = math.MaxUint32
	ValueInvalid   Value   = Value(valueIDInvalid)
)

// Valid returns true if this value is valid.
func (v Value) Valid() bool {
	return v.ID() != valueIDInvalid
}

// Type returns the Type of this value.
func (v Value) Type() Type {
	return Type(v >> 32)
}

// ID returns the ValueID of this value.
func (v Value) ID() ValueID {
	return ValueID(v)
}

// SizeInFelts returns the operand stack footprint of this value.
func (v Value) SizeInFelts() int {
	return v.Type().SizeInFelts()
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if !v.Valid() {
		return "v?"
	}
	return fmt.Sprintf("v%d", v.ID())
}

func (v Value) setType(typ Type) Value {
	return v | Value(typ)<<32
}

func (v Value) formatWithType() string {
	return fmt.Sprintf("v%d:%s", v.ID(), v.Type())
}
