package dentry_cache

import (
	"fmt"
	"strings"
	"time"

	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

// Grant carries the context a reply's leases are interpreted in.
type Grant struct {
	// Issued is when the request was dispatched; lease durations count from it.
	Issued time.Time
	// Holding lists the directories the applying operation holds mutation
	// slots on (see BeginMutation).
	Holding []ms.Ino
}

func (c *Cache) issued(g Grant) time.Time {
	if g.Issued.IsZero() {
		return c.now()
	}
	return g.Issued
}

// mayGrantContentLocked is false while some other operation is mutating dir.
func (c *Cache) mayGrantContentLocked(dir ms.Ino, g Grant) bool {
	st, ok := c.inodes[dir]
	if !ok {
		return true
	}
	own := 0
	for _, h := range g.Holding {
		if h == dir {
			own = 1
			break
		}
	}
	return st.mutators-own <= 0
}

func (c *Cache) grantContentLocked(attr ms.InodeAttr, lease time.Duration, g Grant) {
	if lease <= 0 || !attr.IsDir() || !c.mayGrantContentLocked(attr.Ino, g) {
		return
	}
	c.inodeFor(attr.Ino).contentExpiry = c.issued(g).Add(lease)
}

func (c *Cache) bindLocked(n *node, ino ms.Ino) {
	if n.binding == Positive && n.ino == ino {
		return
	}
	c.pruneChildrenLocked(n)
	n.binding = Positive
	n.ino = ino
}

func (c *Cache) bindNegativeLocked(n *node) {
	c.pruneChildrenLocked(n)
	n.binding = Negative
	n.ino = 0
}

// ApplyTrace installs a reply trace starting at the node the request's path
// was resolved from and returns the node the trace ends at.
func (c *Cache) ApplyTrace(start NodeID, tr *ms.Trace, g Grant) (NodeID, error) {
	if tr == nil {
		return NoNode, fmt.Errorf("%w: nil trace", ms.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	base, ok := c.nodes[start]
	if !ok {
		return NoNode, ErrEvicted
	}
	if base.binding == Positive && base.ino != tr.Base.Ino {
		return NoNode, ErrRebound
	}
	c.bindLocked(base, tr.Base.Ino)
	c.updateAttrLocked(tr.Base)
	c.grantContentLocked(tr.Base, tr.ContentLease, g)

	issued := c.issued(g)
	dirVersion := tr.Base.Version
	cur := base
	for _, e := range tr.Entries {
		id, err := c.childLocked(cur.id, e.Name)
		if err != nil {
			return NoNode, err
		}
		child := c.nodes[id]
		if e.Inode == nil {
			c.bindNegativeLocked(child)
		} else {
			c.bindLocked(child, e.Inode.Ino)
			c.updateAttrLocked(*e.Inode)
			c.grantContentLocked(*e.Inode, e.ContentLease, g)
		}
		child.parentVersion = dirVersion
		child.leaseExpiry = time.Time{}
		if e.DentryLease > 0 {
			child.leaseExpiry = issued.Add(e.DentryLease)
		}
		child.invalid = false
		if e.Inode != nil {
			dirVersion = e.Inode.Version
		}
		cur = child
	}
	return cur.id, nil
}

// ApplyListing binds every entry of a served directory fragment under dir.
func (c *Cache) ApplyListing(dir NodeID, l *ms.DirListing, g Grant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[dir]
	if !ok {
		return ErrEvicted
	}
	if n.binding != Positive || n.ino != l.Dir.Ino {
		return ErrRebound
	}
	c.updateAttrLocked(l.Dir)
	c.inodeFor(l.Dir.Ino).frags.Learn(l.Frag)

	issued := c.issued(g)
	for _, e := range l.Entries {
		id, err := c.childLocked(dir, e.Name)
		if err != nil {
			return err
		}
		child := c.nodes[id]
		c.bindLocked(child, e.Inode.Ino)
		c.updateAttrLocked(e.Inode)
		child.parentVersion = l.Dir.Version
		child.leaseExpiry = time.Time{}
		if e.DentryLease > 0 {
			child.leaseExpiry = issued.Add(e.DentryLease)
		}
		child.invalid = false
	}
	return nil
}

// BindNegative marks a node as known absent without any lease behind it.
func (c *Cache) BindNegative(id NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return ErrDetached
	}
	c.bindNegativeLocked(n)
	n.leaseExpiry = time.Time{}
	n.parentVersion = 0
	return nil
}

// Bind points a node at ino without any lease behind it.
func (c *Cache) Bind(id NodeID, ino ms.Ino) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return ErrDetached
	}
	c.bindLocked(n, ino)
	c.revokeLocked(n)
	return nil
}

// Move re-parents src as dstName under dstParent, displacing any node cached
// there. The moved node keeps its identity and subtree but loses its leases.
func (c *Cache) Move(src, dstParent NodeID, dstName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[src]
	if !ok {
		return ErrDetached
	}
	if src == c.root {
		return ErrRootRename
	}
	p, ok := c.nodes[dstParent]
	if !ok {
		return ErrDetached
	}
	for a := dstParent; a != NoNode; {
		if a == src {
			return fmt.Errorf("%w: cannot move a node beneath itself", ms.ErrInvalidArgument)
		}
		an, ok := c.nodes[a]
		if !ok {
			return ErrMissingParent
		}
		a = an.parent
	}

	if existing, ok := p.children[dstName]; ok && existing != src {
		c.detachLocked(existing)
	}
	if old, ok := c.nodes[n.parent]; ok && old.children[n.name] == src {
		delete(old.children, n.name)
	}
	n.name = dstName
	n.parent = dstParent
	if p.children == nil {
		p.children = make(map[string]NodeID)
	}
	p.children[dstName] = src
	c.revokeLocked(n)
	return nil
}

// FullPath is the absolute path of a node as cached, ignoring leases.
func (c *Cache) FullPath(id NodeID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var parts []string
	for cur := id; cur != c.root; {
		n, ok := c.nodes[cur]
		if !ok {
			return "", ErrDetached
		}
		parts = append(parts, n.name)
		cur = n.parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/"), nil
}
