// Package fragment identifies shards of a directory's contents.
//
// A directory's entries are placed by hashing their names into a 24-bit space.
// A FragmentID names a prefix of that space: the top Bits() bits of a hash must
// equal the top bits of Value(). The whole directory is the disjoint union of
// the leaf fragments of its split tree.
package fragment

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// HashBits is the width of the name hash space.
	HashBits = 24
	// MaxBits is the deepest split a fragment may describe.
	MaxBits = HashBits

	valueMask = (1 << HashBits) - 1
)

// FragmentID packs the split depth into the top 8 bits and the value into the
// low 24 bits. The zero FragmentID is the root fragment covering every hash.
type FragmentID uint32

// Root is the unsplit fragment.
const Root FragmentID = 0

func maskFor(bits uint8) uint32 {
	if bits == 0 {
		return 0
	}
	return (valueMask << (HashBits - uint32(bits))) & valueMask
}

// Make builds the fragment of the given depth that contains value.
func Make(bits uint8, value uint32) (FragmentID, error) {
	if bits > MaxBits {
		return 0, fmt.Errorf("%w: %d bits", ErrInvalidBits, bits)
	}
	return FragmentID(uint32(bits)<<HashBits | (value & maskFor(bits))), nil
}

// MustMake is Make for constant arguments.
func MustMake(bits uint8, value uint32) FragmentID {
	f, err := Make(bits, value)
	if err != nil {
		panic(err)
	}
	return f
}

func (f FragmentID) Bits() uint8 {
	return uint8(uint32(f) >> HashBits)
}

func (f FragmentID) Value() uint32 {
	return uint32(f) & valueMask
}

func (f FragmentID) Mask() uint32 {
	return maskFor(f.Bits())
}

// Valid reports whether the encoding is canonical: value & mask == value.
func (f FragmentID) Valid() bool {
	return f.Bits() <= MaxBits && f.Value()&f.Mask() == f.Value()
}

// Contains reports whether a name hash falls in this fragment.
func (f FragmentID) Contains(hash uint32) bool {
	return hash&f.Mask() == f.Value()
}

// ContainsFragment reports whether other is f itself or one of its descendants.
func (f FragmentID) ContainsFragment(other FragmentID) bool {
	return other.Bits() >= f.Bits() && f.Contains(other.Value())
}

// IsLeftmost reports whether the fragment contains hash 0.
func (f FragmentID) IsLeftmost() bool {
	return f.Value() == 0
}

// IsLast reports whether no fragment of the same depth follows this one.
func (f FragmentID) IsLast() bool {
	return f.Value() == f.Mask()
}

// Next returns the fragment of the same depth immediately after f in hash order.
func (f FragmentID) Next() (FragmentID, error) {
	if f.IsLast() {
		return 0, ErrNoNextFragment
	}
	step := uint32(1) << (HashBits - uint32(f.Bits()))
	return Make(f.Bits(), f.Value()+step)
}

// Child returns the descendant by bits deeper than f that contains value.
func (f FragmentID) Child(by uint8, value uint32) (FragmentID, error) {
	if !f.Contains(value) {
		return 0, fmt.Errorf("%w: %06x not in %s", ErrNotContained, value, f)
	}
	return Make(f.Bits()+by, value)
}

// Range returns the inclusive hash interval covered by f.
func (f FragmentID) Range() (lo, hi uint32) {
	return f.Value(), f.Value() | (^f.Mask() & valueMask)
}

func (f FragmentID) String() string {
	return fmt.Sprintf("%06x/%d", f.Value(), f.Bits())
}

// HashName places a dentry name in the hash space.
func HashName(name string) uint32 {
	h := xxhash.Sum64String(name)
	return uint32(h^(h>>32)) & valueMask
}
