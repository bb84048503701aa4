// Package mds_client is a client session against the metadata replicas: it
// resolves names through a leased dentry cache, sends operations through the
// request engine and keeps the cache in step with what replicas report.
package mds_client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	cluster "github.com/AnishMulay/sandmeta/internal/cluster_service"
	"github.com/AnishMulay/sandmeta/internal/communication"
	dc "github.com/AnishMulay/sandmeta/internal/dentry_cache"
	"github.com/AnishMulay/sandmeta/internal/log_service"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
	"github.com/AnishMulay/sandmeta/internal/metrics"
)

const DefaultMaxNameLen = 255

type Config struct {
	Engine     EngineConfig
	MaxNameLen int
	// DirStat lets a directory be read as a file of recursive statistics.
	DirStat bool
}

// Client is one mounted session. Every operation is addressed by a cached
// node, the way a VFS hands over dentries.
type Client struct {
	cfg      Config
	cache    *dc.Cache
	resolver *dc.PathResolver
	engine   *Engine
	ls       log_service.LogService
	m        *metrics.Metrics

	closed atomic.Bool
}

// Mount starts a session and fetches the root's attributes.
func Mount(ctx context.Context, cfg Config, comm communication.Communicator, dir cluster.ReplicaDirectory, ls log_service.LogService, m *metrics.Metrics, opts ...dc.Option) (*Client, error) {
	if cfg.MaxNameLen <= 0 {
		cfg.MaxNameLen = DefaultMaxNameLen
	}
	cache := dc.New(ls, opts...)
	c := &Client{
		cfg:    cfg,
		cache:  cache,
		engine: NewEngine(cfg.Engine, comm, dir, cache, ls, m),
		ls:     ls,
		m:      m,
	}
	c.resolver = dc.NewPathResolver(cache, ls, m.RecordResolverRetry)
	c.cfg.Engine = c.engine.cfg

	if _, err := c.engine.Execute(ctx, Call{
		Op:     ms.Stat{Ino: ms.RootIno},
		Policy: cluster.UseAnyReplica,
		Target: ms.RootIno,
		Base:   cache.Root(),
	}); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	ls.Info(log_service.LogEvent{
		Message:  "Mounted metadata session",
		Metadata: map[string]any{"client": c.engine.cfg.ClientID},
	})
	return c, nil
}

// Unmount drops the cached tree. The communicator stays with its owner.
func (c *Client) Unmount() {
	if c.closed.Swap(true) {
		return
	}
	c.cache.Evict(c.cache.Root())
	c.ls.Info(log_service.LogEvent{
		Message:  "Unmounted metadata session",
		Metadata: map[string]any{"client": c.engine.cfg.ClientID},
	})
}

func (c *Client) ID() string                 { return c.engine.cfg.ClientID }
func (c *Client) Root() dc.NodeID            { return c.cache.Root() }
func (c *Client) Cache() *dc.Cache           { return c.cache }
func (c *Client) Engine() *Engine            { return c.engine }
func (c *Client) Resolver() *dc.PathResolver { return c.resolver }

func (c *Client) live() error {
	if c.closed.Load() {
		return ErrSessionClosed
	}
	return nil
}

func (c *Client) checkName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("%w: bad name %q", ms.ErrInvalidArgument, name)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("%w: name %q contains a separator", ms.ErrInvalidArgument, name)
	case len(name) > c.cfg.MaxNameLen:
		return fmt.Errorf("%w: %d bytes", ms.ErrNameTooLong, len(name))
	}
	return nil
}

// dirOf returns the identity a node is bound to, requiring a directory.
func (c *Client) dirOf(id dc.NodeID) (ms.Ino, error) {
	d, ok := c.cache.Get(id)
	if !ok {
		return 0, dc.ErrDetached
	}
	if d.Binding != dc.Positive {
		return 0, ms.ErrNotFound
	}
	if attr, ok := c.cache.Attr(d.Ino); ok && attr.Mode != 0 && !attr.IsDir() {
		return 0, ms.ErrNotDir
	}
	return d.Ino, nil
}

func (c *Client) nodeAttr(id dc.NodeID) (dc.NodeID, ms.InodeAttr, error) {
	d, ok := c.cache.Get(id)
	if !ok {
		return dc.NoNode, ms.InodeAttr{}, dc.ErrEvicted
	}
	if d.Binding != dc.Positive {
		return id, ms.InodeAttr{}, ms.ErrNotFound
	}
	attr, _ := c.cache.Attr(d.Ino)
	return id, attr, nil
}

// Attr returns the cached attributes of a node without asking a replica.
func (c *Client) Attr(id dc.NodeID) (ms.InodeAttr, error) {
	_, attr, err := c.nodeAttr(id)
	return attr, err
}

// Lookup finds name under parent, answering from the cache when the cached
// binding is trustworthy.
func (c *Client) Lookup(ctx context.Context, parent dc.NodeID, name string) (dc.NodeID, ms.InodeAttr, error) {
	if err := c.live(); err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	if err := c.checkName(name); err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	if _, err := c.dirOf(parent); err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	node, err := c.cache.Child(parent, name)
	if err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}

	if c.cache.IsTrustworthy(node) {
		d, _ := c.cache.Get(node)
		c.m.RecordCacheHit()
		if d.Binding == dc.Negative {
			return node, ms.InodeAttr{}, ms.ErrNotFound
		}
		return c.nodeAttr(node)
	}
	return c.lookup(ctx, node, cluster.UseAnyReplica, 0)
}

// lookup asks a replica for node's binding. target chooses the replica;
// zero means the resolved base.
func (c *Client) lookup(ctx context.Context, node dc.NodeID, policy cluster.Policy, target ms.Ino) (dc.NodeID, ms.InodeAttr, error) {
	resolved, err := c.resolver.Resolve(node)
	if err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	if target == 0 {
		target = resolved.Base
	}
	res, err := c.engine.Execute(ctx, Call{
		Op:     ms.Lookup{Target: resolved.Ref()},
		Policy: policy,
		Target: target,
		Base:   resolved.BaseNode,
	})
	if errors.Is(err, ms.ErrNotFound) && res.Reply.Trace == nil && res.Replica != "" {
		if berr := c.cache.BindNegative(node); berr != nil {
			return dc.NoNode, ms.InodeAttr{}, berr
		}
		return node, ms.InodeAttr{}, err
	}
	if err != nil {
		return res.Node, ms.InodeAttr{}, err
	}
	return c.nodeAttr(res.Node)
}

// relookup re-reads node's binding from the authority of dir after a
// mutation reply came back without a trace.
func (c *Client) relookup(ctx context.Context, node dc.NodeID, dir ms.Ino) (dc.NodeID, ms.InodeAttr, error) {
	c.cache.Revoke(node)
	return c.lookup(ctx, node, cluster.UseAuthority, dir)
}

// Walk resolves an absolute path one component at a time from the root.
func (c *Client) Walk(ctx context.Context, path string) (dc.NodeID, ms.InodeAttr, error) {
	if err := c.live(); err != nil {
		return dc.NoNode, ms.InodeAttr{}, err
	}
	node := c.cache.Root()
	for _, name := range strings.Split(path, "/") {
		if name == "" || name == "." {
			continue
		}
		next, _, err := c.Lookup(ctx, node, name)
		if err != nil {
			return next, ms.InodeAttr{}, fmt.Errorf("%s: %w", name, err)
		}
		node = next
	}
	return c.nodeAttr(node)
}

// StatByIdentity fetches attributes by identity from the replica holding
// this client's capability on it.
func (c *Client) StatByIdentity(ctx context.Context, ino ms.Ino) (ms.InodeAttr, error) {
	if err := c.live(); err != nil {
		return ms.InodeAttr{}, err
	}
	res, err := c.engine.Execute(ctx, Call{
		Op:     ms.Stat{Ino: ino},
		Policy: cluster.UseCapabilityHolder,
		Target: ino,
	})
	if err != nil {
		return ms.InodeAttr{}, err
	}
	if res.Reply.Trace == nil {
		return ms.InodeAttr{}, fmt.Errorf("%w: stat of %s returned no attributes", ms.ErrReplicaFailed, ino)
	}
	return res.Reply.Trace.Base, nil
}

// Evict drops a node and its cached subtree, as a VFS reclaiming dentries.
func (c *Client) Evict(id dc.NodeID) {
	c.cache.Evict(id)
}
