package dentry_cache

import (
	"sync"
	"time"

	"github.com/AnishMulay/sandmeta/internal/log_service"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

// RecordDirectoryVersion sets the version of dir's contents. Versions only
// move forward; a reply carrying an older version than one already seen is
// ignored.
func (c *Cache) RecordDirectoryVersion(dir ms.Ino, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordVersionLocked(c.inodeFor(dir), version)
}

func (c *Cache) recordVersionLocked(st *inodeState, version uint64) {
	if version > st.version {
		st.version = version
	}
}

func (c *Cache) DirVersion(dir ms.Ino) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.inodes[dir]; ok {
		return st.version
	}
	return 0
}

// GrantLease records a server-granted lease on a node's binding.
func (c *Cache) GrantLease(id NodeID, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		n.leaseExpiry = expiry
		n.invalid = false
	}
}

// GrantContentLease records a lease on dir's list of names.
func (c *Cache) GrantContentLease(dir ms.Ino, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inodeFor(dir).contentExpiry = expiry
}

// Revoke drops every reason to trust a node's binding.
func (c *Cache) Revoke(id NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		c.revokeLocked(n)
	}
}

func (c *Cache) revokeLocked(n *node) {
	n.leaseExpiry = time.Time{}
	n.parentVersion = 0
	n.invalid = true
}

// RevokeContent drops the lease on dir's contents and reports whether one was held.
func (c *Cache) RevokeContent(dir ms.Ino) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revokeContentLocked(dir)
}

func (c *Cache) revokeContentLocked(dir ms.Ino) bool {
	st, ok := c.inodes[dir]
	if !ok {
		return false
	}
	held := c.now().Before(st.contentExpiry)
	st.contentExpiry = time.Time{}
	return held
}

// IsTrustworthy reports whether a node's binding may be used without asking a
// replica: its recorded parent version matches the parent directory's current
// version under a live content lease, or its own lease has not expired. A
// matching version alone is not enough once the content lease has lapsed. A
// node found untrustworthy is marked invalid until a replica confirms it again.
func (c *Cache) IsTrustworthy(id NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return false
	}
	if n.id == c.root {
		return true
	}
	if c.trustworthyLocked(n) {
		return true
	}
	n.invalid = true
	return false
}

func (c *Cache) trustworthyLocked(n *node) bool {
	if n.binding == Unknown {
		return false
	}
	now := c.now()
	if p, ok := c.nodes[n.parent]; ok && p.binding == Positive {
		if dir, ok := c.inodes[p.ino]; ok && dir.version != 0 &&
			n.parentVersion == dir.version && now.Before(dir.contentExpiry) {
			return true
		}
	}
	return now.Before(n.leaseExpiry)
}

// BeginMutation claims a mutation slot on each directory. The first claimant
// of a directory revokes its content lease; later concurrent claimants find
// it already revoked. The returned count is how many revocations this call
// performed. release must be called once the mutation's reply is applied.
func (c *Cache) BeginMutation(dirs ...ms.Ino) (revoked int, release func()) {
	c.mu.Lock()
	seen := make(map[ms.Ino]bool, len(dirs))
	held := make([]ms.Ino, 0, len(dirs))
	for _, dir := range dirs {
		if dir == 0 || seen[dir] {
			continue
		}
		seen[dir] = true
		held = append(held, dir)
		st := c.inodeFor(dir)
		if st.mutators == 0 {
			st.contentExpiry = time.Time{}
			revoked++
		}
		st.mutators++
	}
	c.mu.Unlock()

	if revoked > 0 {
		c.ls.Debug(log_service.LogEvent{
			Message:  "Revoked directory content leases before mutation",
			Metadata: map[string]any{"dirs": len(held), "revoked": revoked},
		})
	}

	var once sync.Once
	return revoked, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for _, dir := range held {
				if st, ok := c.inodes[dir]; ok && st.mutators > 0 {
					st.mutators--
				}
			}
		})
	}
}

// Mutators is the number of mutations in flight on dir's contents.
func (c *Cache) Mutators(dir ms.Ino) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.inodes[dir]; ok {
		return st.mutators
	}
	return 0
}
