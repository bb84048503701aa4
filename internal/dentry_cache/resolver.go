package dentry_cache

import (
	"sync/atomic"

	"github.com/AnishMulay/sandmeta/internal/log_service"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

// ResolvedPath addresses a node relative to the nearest ancestor a replica is
// likely to hold in cache.
type ResolvedPath struct {
	Base     ms.Ino
	BaseNode NodeID
	Path     string
}

func (p ResolvedPath) Ref() ms.PathRef {
	return ms.PathRef{Base: p.Base, Path: p.Path}
}

// PathResolver turns a node into a (base identity, relative path) operand.
//
// The walk toward the root stops at the first ancestor whose binding is not
// trustworthy; a stale intermediate name could have been renamed elsewhere,
// while its identity cannot change. Ancestors are read one step at a time, so
// a rename racing the walk can make the second pass disagree with the first.
// The resolver then starts over. Under a sustained rename storm this can
// loop without bound.
type PathResolver struct {
	cache   *Cache
	ls      log_service.LogService
	retries atomic.Uint64
	onRetry func()

	betweenPasses func()
}

func NewPathResolver(cache *Cache, ls log_service.LogService, onRetry func()) *PathResolver {
	return &PathResolver{cache: cache, ls: ls, onRetry: onRetry}
}

// Retries is how many walks were restarted after a mismatch.
func (r *PathResolver) Retries() uint64 {
	return r.retries.Load()
}

func (r *PathResolver) Resolve(id NodeID) (ResolvedPath, error) {
	if id == NoNode {
		return ResolvedPath{}, ErrDetached
	}
	for {
		length, stop, err := r.measure(id)
		if err != nil {
			return ResolvedPath{}, err
		}
		if r.betweenPasses != nil {
			r.betweenPasses()
		}
		res, ok, err := r.build(id, length, stop)
		if err != nil {
			return ResolvedPath{}, err
		}
		if ok {
			return res, nil
		}

		r.retries.Add(1)
		if r.onRetry != nil {
			r.onRetry()
		}
		r.ls.Debug(log_service.LogEvent{
			Message:  "Path changed during resolution, restarting walk",
			Metadata: map[string]any{"node": uint64(id), "expectedLen": length},
		})
	}
}

// step reads one node under the cache lock. trusted is only meaningful for
// positive non-root nodes.
func (r *PathResolver) step(start, cur NodeID) (name string, parent NodeID, positive, trusted, isRoot bool, err error) {
	c := r.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[cur]
	if !ok {
		if cur == start {
			return "", NoNode, false, false, false, ErrDetached
		}
		if _, startAlive := c.nodes[start]; !startAlive {
			return "", NoNode, false, false, false, ErrEvicted
		}
		r.ls.Error(log_service.LogEvent{
			Message:  "Name tree node references a missing parent",
			Metadata: map[string]any{"node": uint64(start), "missing": uint64(cur)},
		})
		return "", NoNode, false, false, false, ErrMissingParent
	}
	if cur == c.root {
		return "", NoNode, true, true, true, nil
	}
	positive = n.binding == Positive
	if positive && cur != start {
		trusted = c.trustworthyLocked(n)
		if !trusted {
			n.invalid = true
		}
	}
	return n.name, n.parent, positive, trusted, false, nil
}

// measure walks up from id, summing the length of the path that names it
// below the first untrustworthy ancestor.
func (r *PathResolver) measure(id NodeID) (int, NodeID, error) {
	length := 0
	cur := id
	for {
		name, parent, positive, trusted, isRoot, err := r.step(id, cur)
		if err != nil {
			if cur != id && err == ErrDetached {
				err = ErrEvicted
			}
			return 0, NoNode, err
		}
		if isRoot || (cur != id && positive && !trusted) {
			break
		}
		length += 1 + len(name)
		cur = parent
	}
	if length > 0 {
		length--
	}
	return length, cur, nil
}

// build fills the path from the leaf end. It reports false when the names
// found no longer fill exactly length bytes ending at stop.
func (r *PathResolver) build(id NodeID, length int, stop NodeID) (ResolvedPath, bool, error) {
	buf := make([]byte, length)
	pos := length
	cur := id
	for pos > 0 {
		name, parent, _, _, isRoot, err := r.step(id, cur)
		if err != nil {
			if err == ErrDetached {
				err = ErrEvicted
			}
			return ResolvedPath{}, false, err
		}
		if isRoot {
			break
		}
		pos -= len(name)
		if pos < 0 {
			break
		}
		copy(buf[pos:], name)
		if pos > 0 {
			pos--
			buf[pos] = '/'
		}
		cur = parent
	}
	if pos != 0 || cur != stop {
		return ResolvedPath{}, false, nil
	}

	c := r.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	base, ok := c.nodes[cur]
	if !ok {
		return ResolvedPath{}, false, ErrEvicted
	}
	if base.binding != Positive {
		return ResolvedPath{}, false, nil
	}
	return ResolvedPath{Base: base.ino, BaseNode: cur, Path: string(buf)}, true, nil
}
