package hir

import "fmt"

// Type represents the type of an SSA value.
//
// The target machine is a field-element ("felt") stack machine, so what matters
// to every consumer in this package tree is the physical width of a type in
// felts, not its numeric semantics. Types wider than one felt occupy multiple
// contiguous operand stack slots.
type Type uint32

const (
	typeInvalid Type = iota

	// TypeFelt is a single field element.
	TypeFelt

	// TypeU32 is an unsigned 32-bit integer, held in one felt.
	TypeU32

	// TypeU64 is an unsigned 64-bit integer, held as two 32-bit limbs.
	TypeU64

	// TypeU128 is an unsigned 128-bit integer, held as four 32-bit limbs.
	TypeU128

	// TypeWord is a hash digest: four felts.
	TypeWord

	typeEnd
)

// SizeInFelts returns the number of operand stack slots a value of this type
// occupies.
func (t Type) SizeInFelts() int {
	switch t {
	case TypeFelt, TypeU32:
		return 1
	case TypeU64:
		return 2
	case TypeU128, TypeWord:
		return 4
	default:
		panic(fmt.Sprintf("BUG: SizeInFelts on invalid type %d", t))
	}
}

func (t Type) invalid() bool {
	return t == typeInvalid || t >= typeEnd
}

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeFelt:
		return "felt"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeU128:
		return "u128"
	case TypeWord:
		return "word"
	default:
		return fmt.Sprintf("invalid(%d)", uint32(t))
	}
}
