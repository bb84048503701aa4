package mds_client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnishMulay/sandmeta/internal/fragment"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
	"github.com/AnishMulay/sandmeta/internal/metadata_server/memserver"
)

func splitHash(name string) uint32 {
	if name == "entry3" {
		return 0xC00000
	}
	return 0x100000
}

func readAll(t *testing.T, ctx context.Context, r *DirReader) []Entry {
	t.Helper()
	var out []Entry
	for {
		e, ok, err := r.Next(ctx)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func splitDirHarness(t *testing.T) (*harness, *Client) {
	h := newHarness(t, []string{"r1"}, memserver.WithNameHash(splitHash))
	c := h.mount(fastConfig())
	for _, n := range []string{"entry1", "entry2", "entry3"} {
		_, _, err := c.Create(testCtx(t), c.Root(), n, 0o644)
		require.NoError(t, err)
	}
	require.NoError(t, h.ns.SplitDirectory(ms.RootIno, 1))
	return h, c
}

// A listing crosses from the leftmost fragment into the next.
func TestDirReader_CrossesFragments(t *testing.T) {
	h, c := splitDirHarness(t)
	ctx := testCtx(t)

	r, err := c.OpenDir(ctx, c.Root())
	require.NoError(t, err)
	entries := readAll(t, ctx, r)
	assert.Equal(t, []string{".", "..", "entry1", "entry2", "entry3"}, names(entries))
	assert.True(t, r.Exhausted())
	assert.Equal(t, 2, h.served(ms.OpReaddir))

	assert.Equal(t, ms.RootIno, entries[0].Ino)
	assert.Equal(t, ms.RootIno, entries[1].Ino, "the root is its own parent")
	assert.Equal(t, fragment.EncodeCursor(fragment.Root, fragment.DotOffset+1), entries[0].Cursor)

	left := fragment.MustMake(1, 0)
	right := fragment.MustMake(1, 0x800000)
	assert.Equal(t, fragment.EncodeCursor(left, fragment.FirstEntryOffset+1), entries[2].Cursor)
	assert.Equal(t, fragment.EncodeCursor(right, 1), entries[4].Cursor)

	_, ok, err := r.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirReader_ResumesFromCursor(t *testing.T) {
	_, c := splitDirHarness(t)
	ctx := testCtx(t)

	first, err := c.OpenDir(ctx, c.Root())
	require.NoError(t, err)
	var cursor fragment.Cursor
	for {
		e, ok, err := first.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		if e.Name == "entry1" {
			cursor = e.Cursor
			break
		}
	}

	second, err := c.OpenDir(ctx, c.Root())
	require.NoError(t, err)
	second.Seek(cursor)
	assert.Equal(t, cursor, second.Tell())
	assert.Equal(t, []string{"entry2", "entry3"}, names(readAll(t, ctx, second)))

	second.Seek(fragment.Start)
	assert.False(t, second.Exhausted())
	assert.Len(t, readAll(t, ctx, second), 5)
}

// Seeking back to the start of an unsplit directory drops the cached
// fragment even though the fragment itself is unchanged.
func TestDirReader_SeekStartRefetches(t *testing.T) {
	h := newHarness(t, []string{"r1"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	_, _, err := c.Create(ctx, c.Root(), "x", 0o644)
	require.NoError(t, err)

	r, err := c.OpenDir(ctx, c.Root())
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "x"}, names(readAll(t, ctx, r)))
	listed := h.served(ms.OpReaddir)

	_, _, err = c.Create(ctx, c.Root(), "y", 0o644)
	require.NoError(t, err)

	r.Seek(fragment.Start)
	assert.Equal(t, []string{".", "..", "x", "y"}, names(readAll(t, ctx, r)))
	assert.Equal(t, listed+1, h.served(ms.OpReaddir))
}

func TestDirReader_ListingPopulatesCache(t *testing.T) {
	h := newHarness(t, []string{"r1"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	d, _, err := c.Mkdir(ctx, c.Root(), "d", 0o755)
	require.NoError(t, err)
	for _, n := range []string{"a", "b"} {
		_, _, err := c.Create(ctx, d, n, 0o644)
		require.NoError(t, err)
	}
	c.Evict(d)
	d, dattr, err := c.Walk(ctx, "/d")
	require.NoError(t, err)

	r, err := c.OpenDir(ctx, d)
	require.NoError(t, err)
	entries := readAll(t, ctx, r)
	assert.Equal(t, []string{".", "..", "a", "b"}, names(entries))
	assert.Equal(t, dattr.Ino, entries[0].Ino)
	assert.Equal(t, ms.RootIno, entries[1].Ino)
	assert.Equal(t, ms.ModeRegular, entries[2].Type)

	lookups := h.served(ms.OpLookup)
	_, _, err = c.Lookup(ctx, d, "b")
	require.NoError(t, err)
	assert.Equal(t, lookups, h.served(ms.OpLookup))
}

func TestDirReader_RequiresDirectory(t *testing.T) {
	h := newHarness(t, []string{"r1"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	f, _, err := c.Create(ctx, c.Root(), "f", 0o644)
	require.NoError(t, err)
	_, err = c.OpenDir(ctx, f)
	assert.ErrorIs(t, err, ms.ErrNotDir)
}
