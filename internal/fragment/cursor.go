package fragment

// Cursor is a directory listing position: the fragment in the high 32 bits,
// the offset within that fragment in the low 32 bits. Cursors are compared,
// never added across fragments.
type Cursor uint64

// Offsets 0 and 1 of the leftmost fragment are the synthetic "." and ".."
// entries; real entries of that fragment start at FirstEntryOffset.
const (
	DotOffset        uint32 = 0
	DotDotOffset     uint32 = 1
	FirstEntryOffset uint32 = 2
)

// Start is the position of the first entry of any directory.
const Start Cursor = 0

func EncodeCursor(f FragmentID, offset uint32) Cursor {
	return Cursor(uint64(f)<<32 | uint64(offset))
}

func DecodeCursor(c Cursor) (FragmentID, uint32) {
	return FragmentID(uint64(c) >> 32), uint32(uint64(c) & 0xffffffff)
}

func (c Cursor) Fragment() FragmentID {
	f, _ := DecodeCursor(c)
	return f
}

func (c Cursor) Offset() uint32 {
	_, off := DecodeCursor(c)
	return off
}
