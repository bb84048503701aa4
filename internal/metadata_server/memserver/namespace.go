// Package memserver is an in-memory metadata replica set. Several Replica
// handles share one Namespace, so any replica can answer for any identity;
// an optional authority function makes non-authoritative replicas forward
// mutations. It backs tests and local development, not production.
package memserver

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AnishMulay/sandmeta/internal/communication"
	"github.com/AnishMulay/sandmeta/internal/fragment"
	"github.com/AnishMulay/sandmeta/internal/log_service"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

const completedRequestLimit = 4096

type inode struct {
	attr     ms.InodeAttr
	parent   ms.Ino
	children map[string]ms.Ino
}

func (in *inode) isDir() bool {
	return in.attr.IsDir()
}

type completed struct {
	code  communication.SandCode
	reply ms.Reply
}

type Option func(*Namespace)

// WithNameHash replaces the dentry-name hash used for fragment placement.
func WithNameHash(hash func(name string) uint32) Option {
	return func(ns *Namespace) { ns.hash = hash }
}

func WithLeases(dentry, content time.Duration) Option {
	return func(ns *Namespace) {
		ns.dentryLease = dentry
		ns.contentLease = content
	}
}

// WithAuthority makes mutations of a directory's contents acceptable only at
// the replica the function names for that directory.
func WithAuthority(authority func(dir ms.Ino) string) Option {
	return func(ns *Namespace) { ns.authority = authority }
}

func WithClock(now func() time.Time) Option {
	return func(ns *Namespace) { ns.now = now }
}

// Namespace is the shared filesystem state behind a set of replicas.
type Namespace struct {
	mu      sync.Mutex
	inodes  map[ms.Ino]*inode
	nextIno ms.Ino

	completed     map[string]completed
	completedFIFO []string

	hash         func(string) uint32
	dentryLease  time.Duration
	contentLease time.Duration
	authority    func(ms.Ino) string
	now          func() time.Time
	ls           log_service.LogService

	hookMu  sync.RWMutex
	onApply func(ms.Request)
}

func NewNamespace(ls log_service.LogService, opts ...Option) *Namespace {
	ns := &Namespace{
		inodes:       make(map[ms.Ino]*inode),
		nextIno:      ms.RootIno + 1,
		completed:    make(map[string]completed),
		hash:         fragment.HashName,
		dentryLease:  30 * time.Second,
		contentLease: 30 * time.Second,
		now:          time.Now,
		ls:           ls,
	}
	for _, opt := range opts {
		opt(ns)
	}

	now := ns.now().UnixNano()
	ns.inodes[ms.RootIno] = &inode{
		attr: ms.InodeAttr{
			Ino:     ms.RootIno,
			Mode:    ms.ModeDir | 0o755,
			Nlink:   2,
			Mtime:   now,
			Ctime:   now,
			Version: 1,
		},
		parent:   ms.RootIno,
		children: make(map[string]ms.Ino),
	}
	ls.Info(log_service.LogEvent{Message: "Bootstrapped root inode", Metadata: map[string]any{"ino": ms.RootIno.String()}})
	return ns
}

// OnApply registers a hook run after every applied mutation, outside the
// namespace lock.
func (ns *Namespace) OnApply(hook func(ms.Request)) {
	ns.hookMu.Lock()
	defer ns.hookMu.Unlock()
	ns.onApply = hook
}

func (ns *Namespace) applied(req ms.Request) {
	ns.hookMu.RLock()
	hook := ns.onApply
	ns.hookMu.RUnlock()
	if hook != nil {
		hook(req)
	}
}

// SplitDirectory divides a directory uniformly into 2^bits fragments.
func (ns *Namespace) SplitDirectory(dir ms.Ino, bits uint8) error {
	if bits > fragment.MaxBits {
		return fragment.ErrInvalidBits
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	in, ok := ns.inodes[dir]
	if !ok {
		return ms.ErrNotFound
	}
	if !in.isDir() {
		return ms.ErrNotDir
	}
	in.attr.FragBits = bits
	return nil
}

// LookupPath resolves an absolute path without touching any cache.
func (ns *Namespace) LookupPath(path string) (ms.Ino, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	w, err := ns.walk(ms.PathRef{Base: ms.RootIno, Path: strings.TrimPrefix(path, "/")})
	if err != nil {
		return 0, err
	}
	if w.target == nil {
		return 0, ms.ErrNotFound
	}
	return w.target.attr.Ino, nil
}

// Attr returns the current attributes of an identity.
func (ns *Namespace) Attr(ino ms.Ino) (ms.InodeAttr, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	in, ok := ns.inodes[ino]
	if !ok {
		return ms.InodeAttr{}, false
	}
	return ns.attrOf(in), true
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return parts
}

type walkResult struct {
	trace  ms.Trace
	parent *inode
	name   string
	// target is nil when the last component does not exist.
	target *inode
}

// walk resolves ref, building the trace as it goes. A missing intermediate
// component fails with ErrNotFound; the trace up to and including the
// missing name is still returned.
func (ns *Namespace) walk(ref ms.PathRef) (walkResult, error) {
	base, ok := ns.inodes[ref.Base]
	if !ok {
		return walkResult{}, ms.ErrStale
	}
	w := walkResult{target: base}
	w.trace.Base = ns.attrOf(base)
	if base.isDir() {
		w.trace.ContentLease = ns.contentLease
	}

	parts := splitPath(ref.Path)
	cur := base
	for i, name := range parts {
		if !cur.isDir() {
			return w, ms.ErrNotDir
		}
		w.parent, w.name = cur, name
		childIno, ok := cur.children[name]
		if !ok {
			w.target = nil
			w.trace.Entries = append(w.trace.Entries, ms.TraceEntry{Name: name, DentryLease: ns.dentryLease})
			if i < len(parts)-1 {
				return w, ms.ErrNotFound
			}
			return w, nil
		}
		child := ns.inodes[childIno]
		w.trace.Entries = append(w.trace.Entries, ns.entryFor(name, child))
		cur = child
		w.target = child
	}
	return w, nil
}

func (ns *Namespace) entryFor(name string, in *inode) ms.TraceEntry {
	attr := ns.attrOf(in)
	e := ms.TraceEntry{Name: name, Inode: &attr, DentryLease: ns.dentryLease}
	if in.isDir() {
		e.ContentLease = ns.contentLease
	}
	return e
}

func (ns *Namespace) attrOf(in *inode) ms.InodeAttr {
	attr := in.attr
	if in.isDir() {
		attr.Size = int64(len(in.children))
	}
	return attr
}

func (ns *Namespace) allocate(mode uint32, now int64) *inode {
	ino := ns.nextIno
	ns.nextIno++
	in := &inode{attr: ms.InodeAttr{Ino: ino, Mode: mode, Nlink: 1, Mtime: now, Ctime: now}}
	if in.isDir() {
		in.attr.Nlink = 2
		in.attr.Version = 1
		in.children = make(map[string]ms.Ino)
	}
	ns.inodes[ino] = in
	return in
}

func (ns *Namespace) touch(dir *inode, now int64) {
	dir.attr.Version++
	dir.attr.Mtime = now
	dir.attr.Ctime = now
}

func (ns *Namespace) dropLink(in *inode, now int64) {
	if in.attr.Nlink > 0 {
		in.attr.Nlink--
	}
	in.attr.Ctime = now
	if in.isDir() || in.attr.Nlink == 0 {
		delete(ns.inodes, in.attr.Ino)
	}
}

func (ns *Namespace) isAncestor(anc, of ms.Ino) bool {
	for cur := of; ; {
		if cur == anc {
			return true
		}
		in, ok := ns.inodes[cur]
		if !ok || cur == ms.RootIno {
			return false
		}
		cur = in.parent
	}
}

// listing returns the entries of the fragment of dir that the replica serves
// for the requested one.
func (ns *Namespace) listing(dir *inode, want fragment.FragmentID) ms.DirListing {
	served := fragment.MustMake(dir.attr.FragBits, want.Value())
	out := ms.DirListing{Dir: ns.attrOf(dir), Frag: served}
	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		if served.Contains(ns.hash(name)) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		child := ns.inodes[dir.children[name]]
		out.Entries = append(out.Entries, ms.DirEntry{Name: name, Inode: ns.attrOf(child), DentryLease: ns.dentryLease})
	}
	return out
}

func (ns *Namespace) dirStat(dir *inode) *ms.DirStat {
	st := &ms.DirStat{RCtime: dir.attr.Ctime}
	for _, childIno := range dir.children {
		child := ns.inodes[childIno]
		if child.attr.Ctime > st.RCtime {
			st.RCtime = child.attr.Ctime
		}
		if child.isDir() {
			st.Subdirs++
			st.RSubdirs++
			sub := ns.dirStat(child)
			st.RFiles += sub.RFiles
			st.RSubdirs += sub.RSubdirs
			st.RBytes += sub.RBytes
			if sub.RCtime > st.RCtime {
				st.RCtime = sub.RCtime
			}
			continue
		}
		st.Files++
		st.RFiles++
		st.RBytes += child.attr.Size
	}
	return st
}

func (ns *Namespace) remember(tid string, c completed) {
	if tid == "" {
		return
	}
	if _, ok := ns.completed[tid]; !ok {
		ns.completedFIFO = append(ns.completedFIFO, tid)
	}
	ns.completed[tid] = c
	if len(ns.completedFIFO) > completedRequestLimit {
		delete(ns.completed, ns.completedFIFO[0])
		ns.completedFIFO = ns.completedFIFO[1:]
	}
}
