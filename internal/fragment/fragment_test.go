package fragment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentID_Basics(t *testing.T) {
	tests := []struct {
		name     string
		frag     FragmentID
		leftmost bool
		last     bool
		mask     uint32
	}{
		{name: "root", frag: Root, leftmost: true, last: true, mask: 0},
		{name: "left half", frag: MustMake(1, 0), leftmost: true, last: false, mask: 0x800000},
		{name: "right half", frag: MustMake(1, 0x800000), leftmost: false, last: true, mask: 0x800000},
		{name: "second quarter", frag: MustMake(2, 0x400000), leftmost: false, last: false, mask: 0xc00000},
		{name: "deepest last", frag: MustMake(24, 0xffffff), leftmost: false, last: true, mask: 0xffffff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.frag.Valid())
			assert.Equal(t, tt.leftmost, tt.frag.IsLeftmost())
			assert.Equal(t, tt.last, tt.frag.IsLast())
			assert.Equal(t, tt.mask, tt.frag.Mask())
			assert.Equal(t, tt.frag.Value(), tt.frag.Value()&tt.frag.Mask())
		})
	}
}

func TestFragmentID_MakeTruncatesValue(t *testing.T) {
	f := MustMake(1, 0x9abcde)
	assert.Equal(t, uint32(0x800000), f.Value())
	assert.True(t, f.Contains(0x9abcde))
	assert.False(t, f.Contains(0x1abcde))

	_, err := Make(25, 0)
	require.ErrorIs(t, err, ErrInvalidBits)
}

func TestFragmentID_NextOnLast(t *testing.T) {
	_, err := MustMake(3, 0xe00000).Next()
	require.ErrorIs(t, err, ErrNoNextFragment)
	_, err = Root.Next()
	require.ErrorIs(t, err, ErrNoNextFragment)
}

func TestFragmentID_NextCoversHashSpace(t *testing.T) {
	for bits := uint8(0); bits <= 8; bits++ {
		f := MustMake(bits, 0)
		require.True(t, f.IsLeftmost())

		var expectLo uint32
		count := 0
		for {
			lo, hi := f.Range()
			require.Equal(t, expectLo, lo, "gap or overlap before %s", f)
			require.True(t, f.Contains(lo))
			require.True(t, f.Contains(hi))
			count++
			if f.IsLast() {
				require.Equal(t, uint32(valueMask), hi)
				break
			}
			next, err := f.Next()
			require.NoError(t, err)
			require.False(t, next.Contains(hi), "%s overlaps %s", next, f)
			expectLo = hi + 1
			f = next
		}
		assert.Equal(t, 1<<bits, count)
	}
}

func TestCursor_Bijection(t *testing.T) {
	frags := []FragmentID{Root, MustMake(1, 0x800000), MustMake(7, 0x2a0000), MustMake(24, 0xffffff)}
	offsets := []uint32{0, 1, 2, 77, 0xffffffff}

	for _, f := range frags {
		for _, off := range offsets {
			c := EncodeCursor(f, off)
			gotFrag, gotOff := DecodeCursor(c)
			require.Equal(t, f, gotFrag)
			require.Equal(t, off, gotOff)
			assert.Equal(t, f, c.Fragment())
			assert.Equal(t, off, c.Offset())
		}
	}
}

func TestCursor_OrderFollowsFragments(t *testing.T) {
	left := MustMake(1, 0)
	right := MustMake(1, 0x800000)
	assert.Less(t, uint64(EncodeCursor(left, 0xffffffff)), uint64(EncodeCursor(right, 0)))
	assert.Equal(t, Start, EncodeCursor(Root, DotOffset))
}

func TestFragTree_ChooseAndLearn(t *testing.T) {
	tree := NewFragTree()
	assert.Equal(t, Root, tree.Choose(0x123456))

	require.NoError(t, tree.Split(Root, 1))
	assert.Equal(t, MustMake(1, 0), tree.Choose(0x123456))
	assert.Equal(t, MustMake(1, 0x800000), tree.Choose(0xabcdef))

	tree.Learn(MustMake(3, 0xa00000))
	assert.Equal(t, MustMake(3, 0xa00000), tree.Choose(0xabcdef))
	assert.Equal(t, MustMake(1, 0), tree.Choose(0x000001))

	tree.Learn(Root)
	assert.Equal(t, Root, tree.Choose(0xabcdef))
	assert.Equal(t, []FragmentID{Root}, tree.Leaves())
}

func TestFragTree_Leaves(t *testing.T) {
	tree := NewFragTree()
	require.NoError(t, tree.Split(Root, 1))
	require.NoError(t, tree.Split(MustMake(1, 0x800000), 1))

	assert.Equal(t, []FragmentID{
		MustMake(1, 0),
		MustMake(2, 0x800000),
		MustMake(2, 0xc00000),
	}, tree.Leaves())
}

func TestHashName_InRange(t *testing.T) {
	for _, name := range []string{"", "a", "file.txt", "a-much-longer-directory-entry-name"} {
		h := HashName(name)
		assert.LessOrEqual(t, h, uint32(valueMask))
		assert.Equal(t, h, HashName(name))
	}
}
