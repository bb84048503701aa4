// Package dentry_cache holds a client session's cached name tree: dentries
// keyed by a stable NodeID in an arena, the per-identity attributes and
// directory versions they point at, and the leases that decide whether a
// cached binding can be used without asking a replica.
//
// All state is guarded by one coarse lock. No method blocks on the network.
package dentry_cache

import (
	"sync"
	"time"

	"github.com/AnishMulay/sandmeta/internal/fragment"
	"github.com/AnishMulay/sandmeta/internal/log_service"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

type NodeID uint64

const NoNode NodeID = 0

type Binding int

const (
	// Unknown: the name has never been confirmed either way.
	Unknown Binding = iota
	Positive
	// Negative: a replica asserted the name does not exist.
	Negative
)

func (b Binding) String() string {
	switch b {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	default:
		return "unknown"
	}
}

type node struct {
	id       NodeID
	name     string
	parent   NodeID
	children map[string]NodeID

	binding       Binding
	ino           ms.Ino
	leaseExpiry   time.Time
	parentVersion uint64
	invalid       bool
}

type inodeState struct {
	attr          ms.InodeAttr
	version       uint64
	contentExpiry time.Time
	frags         *fragment.FragTree
	mutators      int
}

// Dentry is a point-in-time copy of a node.
type Dentry struct {
	ID            NodeID
	Name          string
	Parent        NodeID
	Binding       Binding
	Ino           ms.Ino
	LeaseExpiry   time.Time
	ParentVersion uint64
	Valid         bool
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

type Cache struct {
	mu     sync.Mutex
	nodes  map[NodeID]*node
	inodes map[ms.Ino]*inodeState
	nextID NodeID
	root   NodeID

	now func() time.Time
	ls  log_service.LogService
}

func New(ls log_service.LogService, opts ...Option) *Cache {
	c := &Cache{
		nodes:  make(map[NodeID]*node),
		inodes: make(map[ms.Ino]*inodeState),
		now:    time.Now,
		ls:     ls,
	}
	for _, opt := range opts {
		opt(c)
	}
	root := c.newNode("", NoNode)
	root.binding = Positive
	root.ino = ms.RootIno
	c.root = root.id
	c.inodeFor(ms.RootIno).attr = ms.InodeAttr{Ino: ms.RootIno, Mode: ms.ModeDir | 0o755}
	return c
}

func (c *Cache) Now() time.Time {
	return c.now()
}

func (c *Cache) Root() NodeID {
	return c.root
}

func (c *Cache) newNode(name string, parent NodeID) *node {
	c.nextID++
	n := &node{id: c.nextID, name: name, parent: parent}
	c.nodes[n.id] = n
	if p, ok := c.nodes[parent]; ok {
		if p.children == nil {
			p.children = make(map[string]NodeID)
		}
		p.children[name] = n.id
	}
	return n
}

func (c *Cache) inodeFor(ino ms.Ino) *inodeState {
	st, ok := c.inodes[ino]
	if !ok {
		st = &inodeState{frags: fragment.NewFragTree()}
		st.attr.Ino = ino
		c.inodes[ino] = st
	}
	return st
}

func (c *Cache) snapshot(n *node) Dentry {
	return Dentry{
		ID:            n.id,
		Name:          n.name,
		Parent:        n.parent,
		Binding:       n.binding,
		Ino:           n.ino,
		LeaseExpiry:   n.leaseExpiry,
		ParentVersion: n.parentVersion,
		Valid:         !n.invalid,
	}
}

func (c *Cache) Get(id NodeID) (Dentry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return Dentry{}, false
	}
	return c.snapshot(n), true
}

// Peek returns the cached child of parent called name without creating it.
func (c *Cache) Peek(parent NodeID, name string) (NodeID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.nodes[parent]
	if !ok {
		return NoNode, false
	}
	id, ok := p.children[name]
	return id, ok
}

// Child returns the child of parent called name, creating an unbound node if
// none is cached.
func (c *Cache) Child(parent NodeID, name string) (NodeID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.childLocked(parent, name)
}

func (c *Cache) childLocked(parent NodeID, name string) (NodeID, error) {
	p, ok := c.nodes[parent]
	if !ok {
		return NoNode, ErrDetached
	}
	if id, ok := p.children[name]; ok {
		return id, nil
	}
	return c.newNode(name, parent).id, nil
}

// Children lists the cached children of a node, in no particular order.
func (c *Cache) Children(parent NodeID) []Dentry {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.nodes[parent]
	if !ok {
		return nil
	}
	out := make([]Dentry, 0, len(p.children))
	for _, id := range p.children {
		out = append(out, c.snapshot(c.nodes[id]))
	}
	return out
}

func (c *Cache) Attr(ino ms.Ino) (ms.InodeAttr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.inodes[ino]
	if !ok {
		return ms.InodeAttr{}, false
	}
	return st.attr, true
}

// UpdateAttr replaces the cached attributes of an identity.
func (c *Cache) UpdateAttr(attr ms.InodeAttr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateAttrLocked(attr)
}

func (c *Cache) updateAttrLocked(attr ms.InodeAttr) {
	st := c.inodeFor(attr.Ino)
	st.attr = attr
	if attr.IsDir() {
		c.recordVersionLocked(st, attr.Version)
	}
}

// AdjustNlink changes the cached link count of ino by delta and returns the
// previous count.
func (c *Cache) AdjustNlink(ino ms.Ino, delta int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.inodeFor(ino)
	prev := st.attr.Nlink
	next := int64(prev) + int64(delta)
	if next < 0 {
		next = 0
	}
	st.attr.Nlink = uint32(next)
	return prev
}

// SetNlink restores a link count saved by AdjustNlink.
func (c *Cache) SetNlink(ino ms.Ino, nlink uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inodeFor(ino).attr.Nlink = nlink
}

// Evict drops a node and its cached subtree. Resolutions in flight through
// the node fail with ErrStale.
func (c *Cache) Evict(id NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == c.root {
		c.pruneChildrenLocked(c.nodes[id])
		return
	}
	c.detachLocked(id)
}

func (c *Cache) detachLocked(id NodeID) {
	n, ok := c.nodes[id]
	if !ok {
		return
	}
	if p, ok := c.nodes[n.parent]; ok && p.children[n.name] == id {
		delete(p.children, n.name)
	}
	c.pruneChildrenLocked(n)
	delete(c.nodes, id)
}

func (c *Cache) pruneChildrenLocked(n *node) {
	if n == nil {
		return
	}
	for _, child := range n.children {
		if cn, ok := c.nodes[child]; ok {
			c.pruneChildrenLocked(cn)
			delete(c.nodes, child)
		}
	}
	n.children = nil
}

// Len is the number of nodes in the arena, root included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// ChooseFragment maps a hash value to the leaf fragment of dir the cache
// believes holds it.
func (c *Cache) ChooseFragment(dir ms.Ino, value uint32) fragment.FragmentID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inodeFor(dir).frags.Choose(value)
}

// LearnFragment records that a replica served leaf as a fragment of dir.
func (c *Cache) LearnFragment(dir ms.Ino, leaf fragment.FragmentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inodeFor(dir).frags.Learn(leaf)
}
