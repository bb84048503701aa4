package mds_client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AnishMulay/sandmeta/internal/communication"
	dc "github.com/AnishMulay/sandmeta/internal/dentry_cache"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
	"github.com/AnishMulay/sandmeta/internal/metadata_server/memserver"
)

func rootRef(path string) ms.PathRef {
	return ms.PathRef{Base: ms.RootIno, Path: path}
}

func TestClient_CreateAndLookup(t *testing.T) {
	h := newHarness(t, []string{"r1", "r2"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	dir, attr, err := c.Mkdir(ctx, c.Root(), "a", 0o755)
	require.NoError(t, err)
	assert.True(t, attr.IsDir())

	file, fattr, err := c.Create(ctx, dir, "f", 0o644)
	require.NoError(t, err)
	assert.Equal(t, ms.ModeRegular, fattr.Mode&ms.ModeTypeMask)

	serverIno, err := h.ns.LookupPath("/a/f")
	require.NoError(t, err)
	assert.Equal(t, serverIno, fattr.Ino)

	lookups := h.served(ms.OpLookup)
	got, gattr, err := c.Lookup(ctx, dir, "f")
	require.NoError(t, err)
	assert.Equal(t, file, got)
	assert.Equal(t, fattr.Ino, gattr.Ino)
	assert.Equal(t, lookups, h.served(ms.OpLookup), "leased binding answers without a request")

	resolved, err := c.Resolver().Resolve(file)
	require.NoError(t, err)
	assert.Equal(t, ms.RootIno, resolved.Base)
	assert.Equal(t, "a/f", resolved.Path)

	_, _, err = c.Mkdir(ctx, c.Root(), "a", 0o755)
	assert.ErrorIs(t, err, ms.ErrAlreadyExists)
}

// The mkdir reply's trace makes the new name trustworthy through
// the directory version alone.
func TestClient_MkdirThenLookupHitsCache(t *testing.T) {
	h := newHarness(t, []string{"r1"}, memserver.WithLeases(0, time.Minute))
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	node, attr, err := c.Mkdir(ctx, c.Root(), "d", 0o755)
	require.NoError(t, err)

	d, ok := c.Cache().Get(node)
	require.True(t, ok)
	assert.True(t, d.LeaseExpiry.IsZero(), "no per-name lease was granted")
	assert.Equal(t, c.Cache().DirVersion(ms.RootIno), d.ParentVersion)
	assert.True(t, c.Cache().IsTrustworthy(node))

	got, gattr, err := c.Lookup(ctx, c.Root(), "d")
	require.NoError(t, err)
	assert.Equal(t, node, got)
	assert.Equal(t, attr.Ino, gattr.Ino)
	assert.Zero(t, h.served(ms.OpLookup))
}

func TestClient_NegativeLookup(t *testing.T) {
	h := newHarness(t, []string{"r1"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	node, _, err := c.Lookup(ctx, c.Root(), "ghost")
	assert.ErrorIs(t, err, ms.ErrNotFound)
	d, ok := c.Cache().Get(node)
	require.True(t, ok)
	assert.Equal(t, dc.Negative, d.Binding)

	_, _, err = c.Lookup(ctx, c.Root(), "ghost")
	assert.ErrorIs(t, err, ms.ErrNotFound)
	assert.Equal(t, 1, h.served(ms.OpLookup), "leased negative answers from cache")
}

type notFoundReplica struct {
	mu      sync.Mutex
	lookups int
}

func (r *notFoundReplica) Handle(ctx context.Context, from string, req ms.Request) (communication.SandCode, ms.Reply) {
	switch req.Op.(type) {
	case ms.Stat:
		return communication.CodeOK, ms.Reply{Trace: &ms.Trace{Base: ms.InodeAttr{Ino: ms.RootIno, Mode: ms.ModeDir | 0o755, Version: 1}}}
	case ms.Lookup:
		r.mu.Lock()
		r.lookups++
		r.mu.Unlock()
		return communication.CodeNotFound, ms.Reply{}
	}
	return communication.CodeBadRequest, ms.Reply{}
}

func TestClient_NotFoundWithoutTraceBindsNegative(t *testing.T) {
	h := newHarness(t, nil)
	stub := &notFoundReplica{}
	comm := h.replicaComm("stub", stub)
	defer comm.Stop()

	c := h.mount(fastConfig())
	node, _, err := c.Lookup(testCtx(t), c.Root(), "ghost")
	assert.ErrorIs(t, err, ms.ErrNotFound)

	d, ok := c.Cache().Get(node)
	require.True(t, ok)
	assert.Equal(t, dc.Negative, d.Binding)
	assert.False(t, c.Cache().IsTrustworthy(node), "no lease backs the negative binding")
}

func TestClient_NameChecks(t *testing.T) {
	h := newHarness(t, []string{"r1"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	_, _, err := c.Mkdir(ctx, c.Root(), strings.Repeat("x", 256), 0o755)
	assert.ErrorIs(t, err, ms.ErrNameTooLong)
	assert.ErrorIs(t, err, ms.ErrInvalidArgument)

	_, _, err = c.Lookup(ctx, c.Root(), "a/b")
	assert.ErrorIs(t, err, ms.ErrInvalidArgument)

	assert.Zero(t, h.served(ms.OpMkdir)+h.served(ms.OpLookup))
}

func TestClient_LinkUnlinkRmdir(t *testing.T) {
	h := newHarness(t, []string{"r1", "r2"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	f, fattr, err := c.Create(ctx, c.Root(), "f", 0o644)
	require.NoError(t, err)

	_, gattr, err := c.Link(ctx, f, c.Root(), "g")
	require.NoError(t, err)
	assert.Equal(t, fattr.Ino, gattr.Ino)
	assert.Equal(t, uint32(2), gattr.Nlink)

	require.NoError(t, c.Unlink(ctx, c.Root(), "f"))
	attr, ok := c.Cache().Attr(fattr.Ino)
	require.True(t, ok)
	assert.Equal(t, uint32(1), attr.Nlink)

	_, _, err = c.Mkdir(ctx, c.Root(), "d", 0o755)
	require.NoError(t, err)
	err = c.Unlink(ctx, c.Root(), "d")
	assert.ErrorIs(t, err, ms.ErrIsDir)
	require.NoError(t, c.Rmdir(ctx, c.Root(), "d"))

	_, _, err = c.Lookup(ctx, c.Root(), "d")
	assert.ErrorIs(t, err, ms.ErrNotFound)
}

func TestClient_LinkFailureRestoresNlink(t *testing.T) {
	h := newHarness(t, []string{"r1"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	f, fattr, err := c.Create(ctx, c.Root(), "f", 0o644)
	require.NoError(t, err)
	_, _, err = c.Create(ctx, c.Root(), "taken", 0o644)
	require.NoError(t, err)

	_, _, err = c.Link(ctx, f, c.Root(), "taken")
	assert.ErrorIs(t, err, ms.ErrAlreadyExists)

	attr, _ := c.Cache().Attr(fattr.Ino)
	assert.Equal(t, uint32(1), attr.Nlink)
}

func TestClient_Rename(t *testing.T) {
	h := newHarness(t, []string{"r1", "r2"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	a, _, err := c.Mkdir(ctx, c.Root(), "a", 0o755)
	require.NoError(t, err)
	b, _, err := c.Mkdir(ctx, c.Root(), "b", 0o755)
	require.NoError(t, err)
	sub, subAttr, err := c.Mkdir(ctx, a, "sub", 0o755)
	require.NoError(t, err)
	_, leaf, err := c.Create(ctx, sub, "leaf", 0o644)
	require.NoError(t, err)

	moved, err := c.Rename(ctx, a, "sub", b, "moved")
	require.NoError(t, err)
	assert.Equal(t, sub, moved, "the cached node moves with its subtree")

	path, err := c.Cache().FullPath(moved)
	require.NoError(t, err)
	assert.Equal(t, "/b/moved", path)

	d, _ := c.Cache().Get(moved)
	assert.Equal(t, subAttr.Ino, d.Ino)

	_, got, err := c.Walk(ctx, "/b/moved/leaf")
	require.NoError(t, err)
	assert.Equal(t, leaf.Ino, got.Ino)

	_, _, err = c.Lookup(ctx, a, "sub")
	assert.ErrorIs(t, err, ms.ErrNotFound)

	_, err = c.Rename(ctx, c.Root(), "b", b, "inner")
	assert.ErrorIs(t, err, ms.ErrInvalidArgument)
}

// Replies without a trace fall back to a re-lookup that confirms the result.
func TestClient_NoTraceFallbacks(t *testing.T) {
	h := newHarness(t, []string{"r1", "r2"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)
	h.setNoTrace(true)

	dir, attr, err := c.Mkdir(ctx, c.Root(), "d", 0o755)
	require.NoError(t, err)
	serverIno, _ := h.ns.LookupPath("/d")
	assert.Equal(t, serverIno, attr.Ino)
	dd, _ := c.Cache().Get(dir)
	assert.Equal(t, dc.Positive, dd.Binding)
	assert.Equal(t, serverIno, dd.Ino)

	f, fattr, err := c.Create(ctx, dir, "f", 0o644)
	require.NoError(t, err)

	_, gattr, err := c.Link(ctx, f, dir, "g")
	require.NoError(t, err)
	assert.Equal(t, fattr.Ino, gattr.Ino)
	assert.Equal(t, uint32(2), gattr.Nlink)

	require.NoError(t, c.Unlink(ctx, dir, "g"))
	g, ok := c.Cache().Peek(dir, "g")
	require.True(t, ok)
	gd, _ := c.Cache().Get(g)
	assert.Equal(t, dc.Negative, gd.Binding)
	cached, _ := c.Cache().Attr(fattr.Ino)
	assert.Equal(t, uint32(1), cached.Nlink)

	moved, err := c.Rename(ctx, dir, "f", c.Root(), "top")
	require.NoError(t, err)
	md, _ := c.Cache().Get(moved)
	assert.Equal(t, fattr.Ino, md.Ino)
	path, _ := c.Cache().FullPath(moved)
	assert.Equal(t, "/top", path)

	assert.Greater(t, h.served(ms.OpLookup), 0)
}

// A no-trace unlink whose re-lookup cannot reach any replica puts the
// name and link count back before failing.
func TestClient_NoTraceUnlinkRollsBackWhenUnconfirmed(t *testing.T) {
	h := newHarness(t, []string{"r1"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	f, fattr, err := c.Create(ctx, c.Root(), "f", 0o644)
	require.NoError(t, err)
	g, _, err := c.Link(ctx, f, c.Root(), "g")
	require.NoError(t, err)
	linked, _ := c.Cache().Attr(fattr.Ino)
	require.Equal(t, uint32(2), linked.Nlink)

	h.ns.OnApply(func(req ms.Request) {
		if _, ok := req.Op.(ms.Unlink); ok {
			h.net.Partition("r1")
		}
	})
	h.setNoTrace(true)

	short, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	err = c.Unlink(short, c.Root(), "g")
	require.Error(t, err)

	cached, _ := c.Cache().Attr(fattr.Ino)
	assert.Equal(t, uint32(2), cached.Nlink)
	gd, ok := c.Cache().Get(g)
	require.True(t, ok)
	assert.Equal(t, dc.Positive, gd.Binding)
	assert.Equal(t, fattr.Ino, gd.Ino)
	assert.False(t, c.Cache().IsTrustworthy(g))
}

// A no-trace rename whose re-lookup fails moves the cached node back.
func TestClient_NoTraceRenameRollsBackWhenUnconfirmed(t *testing.T) {
	h := newHarness(t, []string{"r1"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	src, srcAttr, err := c.Create(ctx, c.Root(), "a", 0o644)
	require.NoError(t, err)

	h.ns.OnApply(func(req ms.Request) {
		if _, ok := req.Op.(ms.Rename); ok {
			h.net.Partition("r1")
		}
	})
	h.setNoTrace(true)

	short, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = c.Rename(short, c.Root(), "a", c.Root(), "b")
	require.Error(t, err)

	path, err := c.Cache().FullPath(src)
	require.NoError(t, err)
	assert.Equal(t, "/a", path)
	got, ok := c.Cache().Peek(c.Root(), "a")
	require.True(t, ok)
	assert.Equal(t, src, got)
	d, _ := c.Cache().Get(src)
	assert.Equal(t, srcAttr.Ino, d.Ino)
	assert.False(t, c.Cache().IsTrustworthy(src))
}

// The destination is replaced before the client re-looks it up,
// so the tree takes the re-lookup's identity and the rename reports Stale.
func TestClient_NoTraceRenameDisagrees(t *testing.T) {
	h := newHarness(t, []string{"r1"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	src, srcAttr, err := c.Create(ctx, c.Root(), "a", 0o644)
	require.NoError(t, err)

	var once sync.Once
	intruder := h.ns.Replica("intruder")
	h.ns.OnApply(func(req ms.Request) {
		if _, ok := req.Op.(ms.Rename); !ok {
			return
		}
		once.Do(func() {
			intruder.Handle(context.Background(), "intruder", ms.Request{Tid: "intruder-unlink", Op: ms.Unlink{Target: rootRef("b")}})
			intruder.Handle(context.Background(), "intruder", ms.Request{Tid: "intruder-mknod", Op: ms.Mknod{Target: rootRef("b"), Mode: ms.ModeRegular | 0o644}})
		})
	})
	h.setNoTrace(true)

	node, err := c.Rename(ctx, c.Root(), "a", c.Root(), "b")
	assert.ErrorIs(t, err, ms.ErrStale)

	replaced, err := h.ns.LookupPath("/b")
	require.NoError(t, err)
	require.NotEqual(t, srcAttr.Ino, replaced)

	assert.Equal(t, src, node)
	d, _ := c.Cache().Get(node)
	assert.Equal(t, dc.Positive, d.Binding)
	assert.Equal(t, replaced, d.Ino, "tree reflects the re-lookup, not the speculative move")

	b, ok := c.Cache().Peek(c.Root(), "b")
	require.True(t, ok)
	assert.Equal(t, node, b)
}

// Two unlinks in one directory in flight together revoke the
// directory's content lease once.
func TestClient_ConcurrentUnlinksRevokeOnce(t *testing.T) {
	h := newHarness(t, []string{"r1"})
	barrier := &barrierComm{Communicator: h.comm, kind: ms.OpUnlink, n: 2, release: make(chan struct{})}
	h.comm = barrier
	cfg := fastConfig()
	cfg.Engine.AttemptTimeout = time.Second
	c := h.mount(cfg)
	ctx := testCtx(t)

	for _, name := range []string{"x", "y"} {
		_, _, err := c.Create(ctx, c.Root(), name, 0o644)
		require.NoError(t, err)
	}
	before := c.Engine().Revocations()

	var g errgroup.Group
	for _, name := range []string{"x", "y"} {
		g.Go(func() error { return c.Unlink(ctx, c.Root(), name) })
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, uint64(1), c.Engine().Revocations()-before)
	assert.Zero(t, c.Cache().Mutators(ms.RootIno))
}

// barrierComm holds sends of one op kind until n of them are in flight.
type barrierComm struct {
	communication.Communicator
	kind    ms.OpKind
	n       int
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func (b *barrierComm) Send(ctx context.Context, to string, msg communication.Message) (*communication.Response, error) {
	if req, ok := msg.Payload.(ms.Request); ok && req.Op.Kind() == b.kind {
		b.mu.Lock()
		b.arrived++
		if b.arrived == b.n {
			close(b.release)
		}
		b.mu.Unlock()
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.Communicator.Send(ctx, to, msg)
}

func TestClient_DirStat(t *testing.T) {
	h := newHarness(t, []string{"r1"})
	cfg := fastConfig()
	cfg.DirStat = true
	c := h.mount(cfg)
	ctx := testCtx(t)

	d, _, err := c.Mkdir(ctx, c.Root(), "d", 0o755)
	require.NoError(t, err)
	_, _, err = c.Create(ctx, d, "f", 0o644)
	require.NoError(t, err)
	_, _, err = c.Create(ctx, c.Root(), "g", 0o644)
	require.NoError(t, err)

	text, err := c.DirStat(ctx, c.Root())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, fmt.Sprintf("entries:   %20d", 2), lines[0])
	assert.Equal(t, fmt.Sprintf(" rfiles:   %20d", 2), lines[4])
	assert.True(t, strings.HasPrefix(lines[7], "rctime:    "))

	plain := h.mount(fastConfig())
	_, err = plain.DirStat(ctx, plain.Root())
	assert.ErrorIs(t, err, ms.ErrIsDir)

	f, _ := c.Cache().Peek(c.Root(), "g")
	_, err = c.DirStat(ctx, f)
	assert.ErrorIs(t, err, ms.ErrNotDir)
}

func TestClient_StatByIdentity(t *testing.T) {
	h := newHarness(t, []string{"r1", "r2"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	_, attr, err := c.Mkdir(ctx, c.Root(), "d", 0o755)
	require.NoError(t, err)

	got, err := c.StatByIdentity(ctx, attr.Ino)
	require.NoError(t, err)
	assert.Equal(t, attr.Ino, got.Ino)
	require.NotNil(t, got.DirStat)

	_, err = c.StatByIdentity(ctx, 4242)
	assert.ErrorIs(t, err, ms.ErrNotFound)
}

func TestClient_EvictAndUnmount(t *testing.T) {
	h := newHarness(t, []string{"r1"})
	c := h.mount(fastConfig())
	ctx := testCtx(t)

	d, _, err := c.Mkdir(ctx, c.Root(), "d", 0o755)
	require.NoError(t, err)
	c.Evict(d)

	_, _, err = c.Lookup(ctx, d, "x")
	assert.ErrorIs(t, err, dc.ErrDetached)

	again, _, err := c.Walk(ctx, "/d")
	require.NoError(t, err)
	assert.NotEqual(t, d, again)

	c.Unmount()
	_, _, err = c.Lookup(ctx, c.Root(), "d")
	assert.ErrorIs(t, err, ErrSessionClosed)
}
