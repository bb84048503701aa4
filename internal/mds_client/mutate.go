package mds_client

import (
	"context"
	"errors"
	"fmt"

	cluster "github.com/AnishMulay/sandmeta/internal/cluster_service"
	dc "github.com/AnishMulay/sandmeta/internal/dentry_cache"
	"github.com/AnishMulay/sandmeta/internal/log_service"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

// Outcomes of the fallback re-lookup after a mutation reply without a trace.
const (
	noTraceConfirmed = "confirmed"
	noTraceDiffered  = "differed"
	noTraceFailed    = "failed"
)

func (c *Client) Mknod(ctx context.Context, parent dc.NodeID, name string, mode uint32, rdev uint64) (dc.NodeID, ms.InodeAttr, error) {
	return c.create(ctx, parent, name, func(ref ms.PathRef) ms.Op {
		return ms.Mknod{Target: ref, Mode: mode, Rdev: rdev}
	})
}

// Create makes a regular file. Without an open intent it is a mknod.
func (c *Client) Create(ctx context.Context, parent dc.NodeID, name string, perm uint32) (dc.NodeID, ms.InodeAttr, error) {
	return c.Mknod(ctx, parent, name, ms.ModeRegular|(perm&ms.ModePermMask), 0)
}

func (c *Client) Symlink(ctx context.Context, parent dc.NodeID, name, target string) (dc.NodeID, ms.InodeAttr, error) {
	if target == "" {
		return dc.NoNode, ms.InodeAttr{}, fmt.Errorf("%w: empty symlink target", ms.ErrInvalidArgument)
	}
	return c.create(ctx, parent, name, func(ref ms.PathRef) ms.Op {
		return ms.Symlink{Target: ref, LinkTarget: target}
	})
}

func (c *Client) Mkdir(ctx context.Context, parent dc.NodeID, name string, perm uint32) (dc.NodeID, ms.InodeAttr, error) {
	return c.create(ctx, parent, name, func(ref ms.PathRef) ms.Op {
		return ms.Mkdir{Target: ref, Mode: perm & ms.ModePermMask}
	})
}

func (c *Client) create(ctx context.Context, parent dc.NodeID, name string, build func(ms.PathRef) ms.Op) (dc.NodeID, ms.InodeAttr, error) {
	if err := c.live(); err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	if err := c.checkName(name); err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	dir, err := c.dirOf(parent)
	if err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	node, err := c.cache.Child(parent, name)
	if err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	resolved, err := c.resolver.Resolve(node)
	if err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}

	op := build(resolved.Ref())
	res, err := c.engine.Execute(ctx, Call{
		Op:     op,
		Policy: cluster.UseAuthority,
		Target: dir,
		Base:   resolved.BaseNode,
		Revoke: []ms.Ino{dir},
	})
	if err != nil {
		if res.Reply.Trace == nil {
			c.cache.Revoke(node)
		}
		return dc.NoNode, ms.InodeAttr{}, err
	}
	if res.Reply.Trace != nil {
		return c.nodeAttr(res.Node)
	}

	id, attr, err := c.relookup(ctx, node, dir)
	if errors.Is(err, ms.ErrNotFound) {
		c.noTrace(op, noTraceDiffered)
		return dc.NoNode, ms.InodeAttr{}, fmt.Errorf("%w: %s vanished after it was created", ms.ErrStale, name)
	}
	if err != nil {
		c.noTrace(op, noTraceFailed)
		return dc.NoNode, ms.InodeAttr{}, err
	}
	c.noTrace(op, noTraceConfirmed)
	return id, attr, nil
}

// Link makes a new name for src's identity. The link count is raised before
// the request is sent and restored if the link cannot be confirmed.
func (c *Client) Link(ctx context.Context, src, parent dc.NodeID, name string) (dc.NodeID, ms.InodeAttr, error) {
	if err := c.live(); err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	if err := c.checkName(name); err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	sd, ok := c.cache.Get(src)
	if !ok {
		return dc.NoNode, ms.InodeAttr{}, dc.ErrDetached
	}
	if sd.Binding != dc.Positive {
		return dc.NoNode, ms.InodeAttr{}, ms.ErrNotFound
	}
	dir, err := c.dirOf(parent)
	if err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	node, err := c.cache.Child(parent, name)
	if err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	srcPath, err := c.resolver.Resolve(src)
	if err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	dstPath, err := c.resolver.Resolve(node)
	if err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}

	op := ms.Link{Source: srcPath.Ref(), Target: dstPath.Ref()}
	prev := c.cache.AdjustNlink(sd.Ino, 1)
	res, err := c.engine.Execute(ctx, Call{
		Op:     op,
		Policy: cluster.UseAuthority,
		Target: dir,
		Base:   dstPath.BaseNode,
		Revoke: []ms.Ino{dir},
	})
	if err != nil {
		c.cache.SetNlink(sd.Ino, prev)
		if res.Reply.Trace == nil {
			c.cache.Revoke(node)
		}
		return dc.NoNode, ms.InodeAttr{}, err
	}
	if res.Reply.Trace != nil {
		return c.nodeAttr(res.Node)
	}

	id, attr, err := c.relookup(ctx, node, dir)
	if err != nil || attr.Ino != sd.Ino {
		c.cache.SetNlink(sd.Ino, prev)
		if err == nil || errors.Is(err, ms.ErrNotFound) {
			c.noTrace(op, noTraceDiffered)
			return dc.NoNode, ms.InodeAttr{}, fmt.Errorf("%w: %s is not bound to the linked identity", ms.ErrStale, name)
		}
		c.noTrace(op, noTraceFailed)
		return dc.NoNode, ms.InodeAttr{}, err
	}
	c.noTrace(op, noTraceConfirmed)
	return id, attr, nil
}

func (c *Client) Unlink(ctx context.Context, parent dc.NodeID, name string) error {
	return c.remove(ctx, parent, name, false)
}

func (c *Client) Rmdir(ctx context.Context, parent dc.NodeID, name string) error {
	return c.remove(ctx, parent, name, true)
}

func (c *Client) remove(ctx context.Context, parent dc.NodeID, name string, dirOnly bool) error {
	if err := c.live(); err != nil {
		return err
	}
	if err := c.checkName(name); err != nil {
		return err
	}
	dir, err := c.dirOf(parent)
	if err != nil {
		return err
	}
	node, err := c.cache.Child(parent, name)
	if err != nil {
		return err
	}
	resolved, err := c.resolver.Resolve(node)
	if err != nil {
		return err
	}

	var op ms.Op = ms.Unlink{Target: resolved.Ref()}
	if dirOnly {
		op = ms.Rmdir{Target: resolved.Ref()}
	}
	res, err := c.engine.Execute(ctx, Call{
		Op:     op,
		Policy: cluster.UseAuthority,
		Target: dir,
		Base:   resolved.BaseNode,
		Revoke: []ms.Ino{dir},
	})
	if err != nil || res.Reply.Trace != nil {
		return err
	}

	// Without a trace, assume the name is gone and check.
	before, _ := c.cache.Get(node)
	var prev uint32
	if before.Binding == dc.Positive {
		prev = c.cache.AdjustNlink(before.Ino, -1)
	}
	undo := func() {
		if before.Binding != dc.Positive {
			c.cache.Revoke(node)
			return
		}
		c.cache.SetNlink(before.Ino, prev)
		if berr := c.cache.Bind(node, before.Ino); berr != nil {
			c.cache.Revoke(node)
		}
	}
	if berr := c.cache.BindNegative(node); berr != nil {
		undo()
		return berr
	}
	_, attr, err := c.relookup(ctx, node, dir)
	switch {
	case errors.Is(err, ms.ErrNotFound):
		c.noTrace(op, noTraceConfirmed)
		return nil
	case err != nil:
		undo()
		c.noTrace(op, noTraceFailed)
		return err
	case before.Binding == dc.Positive && attr.Ino == before.Ino:
		c.cache.SetNlink(before.Ino, prev)
		c.noTrace(op, noTraceDiffered)
		return fmt.Errorf("%w: %s is still bound after removal", ms.ErrStale, name)
	}
	// re-created under the same name by someone else
	c.noTrace(op, noTraceConfirmed)
	return nil
}

// Rename moves srcName under srcParent to dstName under dstParent. The cached
// subtree moves with it.
func (c *Client) Rename(ctx context.Context, srcParent dc.NodeID, srcName string, dstParent dc.NodeID, dstName string) (dc.NodeID, error) {
	if err := c.live(); err != nil {
		return dc.NoNode, err
	}
	if err := c.checkName(srcName); err != nil {
		return dc.NoNode, err
	}
	if err := c.checkName(dstName); err != nil {
		return dc.NoNode, err
	}
	srcDir, err := c.dirOf(srcParent)
	if err != nil {
		return dc.NoNode, err
	}
	dstDir, err := c.dirOf(dstParent)
	if err != nil {
		return dc.NoNode, err
	}
	src, err := c.cache.Child(srcParent, srcName)
	if err != nil {
		return dc.NoNode, err
	}
	dst, err := c.cache.Child(dstParent, dstName)
	if err != nil {
		return dc.NoNode, err
	}
	srcPath, err := c.resolver.Resolve(src)
	if err != nil {
		return dc.NoNode, err
	}
	dstPath, err := c.resolver.Resolve(dst)
	if err != nil {
		return dc.NoNode, err
	}
	before, _ := c.cache.Get(src)

	op := ms.Rename{Source: srcPath.Ref(), Target: dstPath.Ref()}
	moved := false
	move := func() {
		if err := c.cache.Move(src, dstParent, dstName); err != nil {
			c.ls.Warn(log_service.LogEvent{
				Message:  "Could not move cached node after rename",
				Metadata: map[string]any{"src": srcName, "dst": dstName, "error": err.Error()},
			})
			return
		}
		moved = true
	}
	res, err := c.engine.Execute(ctx, Call{
		Op:         op,
		Policy:     cluster.UseAuthority,
		Target:     srcDir,
		Base:       dstPath.BaseNode,
		SourceBase: srcPath.BaseNode,
		Revoke:     []ms.Ino{srcDir, dstDir},
		BeforeApply: func(reply ms.Reply, err error) {
			if err == nil && reply.Trace != nil {
				move()
			}
		},
	})
	if err != nil {
		c.cache.Revoke(src)
		c.cache.Revoke(dst)
		return dc.NoNode, err
	}
	if res.Reply.Trace != nil {
		return res.Node, nil
	}

	// Without a trace, move speculatively and confirm at the destination.
	move()
	target := dst
	if moved {
		target = src
	}
	id, attr, err := c.relookup(ctx, target, dstDir)
	if err != nil && !errors.Is(err, ms.ErrNotFound) {
		if moved {
			if merr := c.cache.Move(src, srcParent, srcName); merr != nil {
				c.cache.Evict(src)
			}
		}
		c.cache.Revoke(src)
		c.cache.Revoke(dst)
		c.noTrace(op, noTraceFailed)
		return dc.NoNode, err
	}
	if err != nil || (before.Binding == dc.Positive && attr.Ino != before.Ino) {
		c.noTrace(op, noTraceDiffered)
		return id, fmt.Errorf("%w: %s does not hold the renamed identity", ms.ErrStale, dstName)
	}
	c.noTrace(op, noTraceConfirmed)
	return id, nil
}

func (c *Client) noTrace(op ms.Op, outcome string) {
	c.m.RecordNoTrace(string(op.Kind()), outcome)
	lvl := c.ls.Debug
	if outcome != noTraceConfirmed {
		lvl = c.ls.Warn
	}
	lvl(log_service.LogEvent{
		Message:  "Mutation reply carried no trace, re-looked up target",
		Metadata: map[string]any{"op": string(op.Kind()), "outcome": outcome},
	})
}
