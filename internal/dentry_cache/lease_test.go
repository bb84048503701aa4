package dentry_cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

func TestIsTrustworthy_VersionPath(t *testing.T) {
	c, clock := newTestCache(t)
	_, b, _ := buildTree(t, c)

	// b has a dentry lease and sits in a, which has a content lease at version 3.
	clock.Advance(2 * time.Minute)
	assert.False(t, c.IsTrustworthy(b), "both leases expired")

	c.GrantContentLease(10, clock.Now().Add(time.Minute))
	d, _ := c.Get(b)
	require.Equal(t, uint64(3), d.ParentVersion)
	assert.True(t, c.IsTrustworthy(b), "version match under live content lease")

	c.RecordDirectoryVersion(10, 4)
	assert.False(t, c.IsTrustworthy(b), "directory moved past the recorded version")
}

func TestIsTrustworthy_LeasePathSurvivesVersionChange(t *testing.T) {
	c, clock := newTestCache(t)
	_, b, _ := buildTree(t, c)

	c.RecordDirectoryVersion(10, 100)
	assert.True(t, c.IsTrustworthy(b))

	clock.Advance(59 * time.Second)
	assert.True(t, c.IsTrustworthy(b))
	clock.Advance(2 * time.Second)
	assert.False(t, c.IsTrustworthy(b))

	d, _ := c.Get(b)
	assert.False(t, d.Valid)
	c.GrantLease(b, clock.Now().Add(time.Second))
	d, _ = c.Get(b)
	assert.True(t, d.Valid)
	assert.True(t, c.IsTrustworthy(b))
}

func TestRecordDirectoryVersion_Monotonic(t *testing.T) {
	c, _ := newTestCache(t)
	c.RecordDirectoryVersion(50, 8)
	c.RecordDirectoryVersion(50, 3)
	assert.Equal(t, uint64(8), c.DirVersion(50))
}

func TestLeaseMonotonicity(t *testing.T) {
	c, clock := newTestCache(t)
	dir := dirAttr(60, 1)
	_, err := c.ApplyTrace(c.Root(), &ms.Trace{
		Base:    dirAttr(ms.RootIno, 1),
		Entries: []ms.TraceEntry{{Name: "d", Inode: &dir, ContentLease: time.Hour}},
	}, Grant{})
	require.NoError(t, err)
	d, _ := c.Peek(c.Root(), "d")

	var nodes []NodeID
	for v := uint64(1); v <= 5; v++ {
		f := fileAttr(ms.Ino(100 + v))
		id, err := c.ApplyTrace(d, &ms.Trace{
			Base:    dirAttr(60, v),
			Entries: []ms.TraceEntry{{Name: string(rune('a' + v)), Inode: &f}},
		}, Grant{})
		require.NoError(t, err)
		nodes = append(nodes, id)
	}
	clock.Advance(time.Second)

	c.RecordDirectoryVersion(60, 5)
	for i, id := range nodes[:4] {
		assert.False(t, c.IsTrustworthy(id), "node recorded at version %d", i+1)
	}
	assert.True(t, c.IsTrustworthy(nodes[4]))

	c.RecordDirectoryVersion(60, 2)
	assert.False(t, c.IsTrustworthy(nodes[1]), "older version must not reopen the version path")
}

func TestRevoke(t *testing.T) {
	c, _ := newTestCache(t)
	_, b, leaf := buildTree(t, c)

	c.Revoke(leaf)
	assert.False(t, c.IsTrustworthy(leaf))
	assert.True(t, c.IsTrustworthy(b))

	assert.True(t, c.RevokeContent(10))
	assert.False(t, c.RevokeContent(10))
	assert.False(t, c.RevokeContent(999))
}

func TestBeginMutation_RevokesOncePerDirectory(t *testing.T) {
	c, _ := newTestCache(t)
	buildTree(t, c)

	revoked, release1 := c.BeginMutation(10, 10, 11)
	assert.Equal(t, 2, revoked)
	assert.Equal(t, 1, c.Mutators(10))

	revoked, release2 := c.BeginMutation(10)
	assert.Equal(t, 0, revoked)
	assert.Equal(t, 2, c.Mutators(10))

	release1()
	release1()
	assert.Equal(t, 1, c.Mutators(10))
	release2()
	assert.Equal(t, 0, c.Mutators(10))
}

func TestContentLeaseSuppressedWhileOthersMutate(t *testing.T) {
	c, clock := newTestCache(t)
	_, release := c.BeginMutation(ms.RootIno)

	tr := &ms.Trace{Base: dirAttr(ms.RootIno, 9), ContentLease: time.Minute}
	_, err := c.ApplyTrace(c.Root(), tr, Grant{})
	require.NoError(t, err)
	assert.False(t, c.RevokeContent(ms.RootIno), "a concurrent mutator blocks the grant")

	_, err = c.ApplyTrace(c.Root(), tr, Grant{Holding: []ms.Ino{ms.RootIno}})
	require.NoError(t, err)
	assert.True(t, c.RevokeContent(ms.RootIno), "the mutator's own reply may grant")

	release()
	_, err = c.ApplyTrace(c.Root(), tr, Grant{Issued: clock.Now().Add(-2 * time.Minute)})
	require.NoError(t, err)
	assert.False(t, c.RevokeContent(ms.RootIno), "lease counted from dispatch time has already run out")
}
