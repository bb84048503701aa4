package memserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AnishMulay/sandmeta/internal/communication"
	"github.com/AnishMulay/sandmeta/internal/log_service"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

const maxNameLen = 255

// Replica answers metadata requests against a shared Namespace.
type Replica struct {
	id string
	ns *Namespace
	ls log_service.LogService

	noTrace atomic.Bool

	mu     sync.Mutex
	served map[ms.OpKind]int
}

func (ns *Namespace) Replica(id string) *Replica {
	return &Replica{id: id, ns: ns, ls: ns.ls, served: make(map[ms.OpKind]int)}
}

func (r *Replica) ID() string {
	return r.id
}

// SetNoTrace makes the replica answer mutations without describing the
// resulting namespace state.
func (r *Replica) SetNoTrace(on bool) {
	r.noTrace.Store(on)
}

// Served returns how many requests of a kind reached this replica.
func (r *Replica) Served(kind ms.OpKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.served[kind]
}

func (r *Replica) Handle(ctx context.Context, from string, req ms.Request) (communication.SandCode, ms.Reply) {
	if req.Op == nil {
		return communication.CodeBadRequest, ms.Reply{Message: "request carries no op"}
	}
	r.mu.Lock()
	r.served[req.Op.Kind()]++
	r.mu.Unlock()

	r.ls.Debug(log_service.LogEvent{
		Message:  "Serving metadata request",
		Metadata: map[string]any{"replica": r.id, "from": from, "tid": req.Tid, "op": string(req.Op.Kind()), "attempt": req.Attempt},
	})

	ns := r.ns
	ns.mu.Lock()
	if req.Op.Mutating() {
		if c, ok := ns.completed[req.Tid]; ok {
			ns.mu.Unlock()
			r.ls.Info(log_service.LogEvent{
				Message:  "Answering retransmitted request from completed table",
				Metadata: map[string]any{"replica": r.id, "tid": req.Tid},
			})
			return c.code, r.shape(req.Op, c.reply)
		}
		if ns.authority != nil {
			if auth := ns.authority(ns.mutationDir(req.Op)); auth != "" && auth != r.id {
				ns.mu.Unlock()
				return communication.CodeForward, ms.Reply{ForwardTo: auth}
			}
		}
	}

	reply, err := ns.apply(req.Op)
	code := ms.StatusFromError(err)
	if err != nil {
		reply.Message = err.Error()
	}
	if req.Op.Mutating() {
		ns.remember(req.Tid, completed{code: code, reply: reply})
	}
	ns.mu.Unlock()

	if req.Op.Mutating() && err == nil {
		ns.applied(req)
	}
	return code, r.shape(req.Op, reply)
}

func (r *Replica) shape(op ms.Op, reply ms.Reply) ms.Reply {
	if op.Mutating() && r.noTrace.Load() {
		reply.Trace = nil
		reply.SourceTrace = nil
		reply.Extra = nil
	}
	return reply
}

// mutationDir is the directory whose contents op changes.
func (ns *Namespace) mutationDir(op ms.Op) ms.Ino {
	var ref ms.PathRef
	switch o := op.(type) {
	case ms.Mknod:
		ref = o.Target
	case ms.Symlink:
		ref = o.Target
	case ms.Mkdir:
		ref = o.Target
	case ms.Link:
		ref = o.Target
	case ms.Unlink:
		ref = o.Target
	case ms.Rmdir:
		ref = o.Target
	case ms.Rename:
		ref = o.Source
	default:
		return 0
	}
	w, err := ns.walk(ref)
	if err != nil || w.parent == nil {
		return ref.Base
	}
	return w.parent.attr.Ino
}

// apply runs op with ns.mu held.
func (ns *Namespace) apply(op ms.Op) (ms.Reply, error) {
	switch o := op.(type) {
	case ms.Lookup:
		return ns.lookup(o.Target)
	case ms.Stat:
		return ns.stat(o.Ino)
	case ms.Mknod:
		if o.Mode&ms.ModeTypeMask == ms.ModeDir || o.Mode&ms.ModeTypeMask == ms.ModeSymlink {
			return ms.Reply{}, fmt.Errorf("%w: mknod of type %o", ms.ErrInvalidArgument, o.Mode&ms.ModeTypeMask)
		}
		mode := o.Mode
		if mode&ms.ModeTypeMask == 0 {
			mode |= ms.ModeRegular
		}
		return ns.create(o.Target, mode, o.Rdev, "")
	case ms.Symlink:
		if o.LinkTarget == "" {
			return ms.Reply{}, fmt.Errorf("%w: empty symlink target", ms.ErrInvalidArgument)
		}
		return ns.create(o.Target, ms.ModeSymlink|0o777, 0, o.LinkTarget)
	case ms.Mkdir:
		return ns.create(o.Target, ms.ModeDir|(o.Mode&ms.ModePermMask), 0, "")
	case ms.Link:
		return ns.link(o.Source, o.Target)
	case ms.Unlink:
		return ns.unlink(o.Target, false)
	case ms.Rmdir:
		return ns.unlink(o.Target, true)
	case ms.Rename:
		return ns.rename(o.Source, o.Target)
	case ms.Readdir:
		return ns.readdir(o)
	default:
		return ms.Reply{}, fmt.Errorf("%w: unsupported op %T", ms.ErrInvalidArgument, op)
	}
}

func traceOf(w walkResult, err error) *ms.Trace {
	if errors.Is(err, ms.ErrStale) {
		return nil
	}
	t := w.trace
	return &t
}

func (ns *Namespace) lookup(ref ms.PathRef) (ms.Reply, error) {
	w, err := ns.walk(ref)
	if err != nil {
		return ms.Reply{Trace: traceOf(w, err)}, err
	}
	if w.target == nil {
		return ms.Reply{Trace: traceOf(w, nil)}, ms.ErrNotFound
	}
	return ms.Reply{Trace: traceOf(w, nil)}, nil
}

func (ns *Namespace) stat(ino ms.Ino) (ms.Reply, error) {
	in, ok := ns.inodes[ino]
	if !ok {
		return ms.Reply{}, ms.ErrNotFound
	}
	attr := ns.attrOf(in)
	t := &ms.Trace{Base: attr}
	if in.isDir() {
		t.Base.DirStat = ns.dirStat(in)
		t.ContentLease = ns.contentLease
	}
	return ms.Reply{Trace: t}, nil
}

// walkForCreate resolves ref and checks its last component may be bound.
func (ns *Namespace) walkForCreate(ref ms.PathRef) (walkResult, error) {
	w, err := ns.walk(ref)
	if err != nil {
		return w, err
	}
	if w.parent == nil {
		return w, fmt.Errorf("%w: empty name", ms.ErrInvalidArgument)
	}
	if len(w.name) > maxNameLen {
		return w, ms.ErrNameTooLong
	}
	if w.target != nil {
		return w, ms.ErrAlreadyExists
	}
	return w, nil
}

func (ns *Namespace) create(ref ms.PathRef, mode uint32, rdev uint64, symlink string) (ms.Reply, error) {
	w, err := ns.walkForCreate(ref)
	if err != nil {
		return ms.Reply{Trace: traceOf(w, err)}, err
	}

	now := ns.now().UnixNano()
	in := ns.allocate(mode, now)
	in.attr.Rdev = rdev
	in.attr.SymlinkTarget = symlink
	if symlink != "" {
		in.attr.Size = int64(len(symlink))
	}
	if in.isDir() {
		in.parent = w.parent.attr.Ino
		w.parent.attr.Nlink++
	}
	w.parent.children[w.name] = in.attr.Ino
	ns.touch(w.parent, now)

	after, _ := ns.walk(ref)
	return ms.Reply{Trace: traceOf(after, nil)}, nil
}

func (ns *Namespace) link(src, dst ms.PathRef) (ms.Reply, error) {
	ws, err := ns.walk(src)
	if err != nil {
		return ms.Reply{}, err
	}
	if ws.target == nil {
		return ms.Reply{}, ms.ErrNotFound
	}
	if ws.target.isDir() {
		return ms.Reply{}, fmt.Errorf("%w: hard link to directory", ms.ErrPermissionDenied)
	}
	wd, err := ns.walkForCreate(dst)
	if err != nil {
		return ms.Reply{Trace: traceOf(wd, err)}, err
	}

	now := ns.now().UnixNano()
	ws.target.attr.Nlink++
	ws.target.attr.Ctime = now
	wd.parent.children[wd.name] = ws.target.attr.Ino
	ns.touch(wd.parent, now)

	after, _ := ns.walk(dst)
	return ms.Reply{Trace: traceOf(after, nil)}, nil
}

func (ns *Namespace) unlink(ref ms.PathRef, dir bool) (ms.Reply, error) {
	w, err := ns.walk(ref)
	if err != nil {
		return ms.Reply{Trace: traceOf(w, err)}, err
	}
	if w.parent == nil {
		return ms.Reply{}, fmt.Errorf("%w: cannot remove a path base", ms.ErrInvalidArgument)
	}
	if w.target == nil {
		return ms.Reply{Trace: traceOf(w, nil)}, ms.ErrNotFound
	}
	target := w.target
	switch {
	case target.isDir() && !dir:
		return ms.Reply{}, ms.ErrIsDir
	case !target.isDir() && dir:
		return ms.Reply{}, ms.ErrNotDir
	case dir && len(target.children) > 0:
		return ms.Reply{}, ms.ErrNotEmpty
	}

	now := ns.now().UnixNano()
	delete(w.parent.children, w.name)
	if target.isDir() {
		w.parent.attr.Nlink--
	}
	ns.dropLink(target, now)
	ns.touch(w.parent, now)

	reply := ms.Reply{}
	if _, alive := ns.inodes[target.attr.Ino]; alive {
		reply.Extra = []ms.InodeAttr{ns.attrOf(target)}
	}
	after, _ := ns.walk(ref)
	reply.Trace = traceOf(after, nil)
	return reply, nil
}

func (ns *Namespace) rename(src, dst ms.PathRef) (ms.Reply, error) {
	ws, err := ns.walk(src)
	if err != nil {
		return ms.Reply{}, err
	}
	if ws.parent == nil {
		return ms.Reply{}, fmt.Errorf("%w: cannot rename a path base", ms.ErrInvalidArgument)
	}
	if ws.target == nil {
		return ms.Reply{SourceTrace: traceOf(ws, nil)}, ms.ErrNotFound
	}
	wd, err := ns.walk(dst)
	if err != nil {
		return ms.Reply{Trace: traceOf(wd, err)}, err
	}
	if wd.parent == nil {
		return ms.Reply{}, fmt.Errorf("%w: cannot replace a path base", ms.ErrInvalidArgument)
	}
	if len(wd.name) > maxNameLen {
		return ms.Reply{}, ms.ErrNameTooLong
	}
	moving := ws.target
	if wd.target == moving {
		return ms.Reply{Trace: traceOf(wd, nil), SourceTrace: traceOf(ws, nil)}, nil
	}
	if moving.isDir() && ns.isAncestor(moving.attr.Ino, wd.parent.attr.Ino) {
		return ms.Reply{}, fmt.Errorf("%w: cannot move a directory beneath itself", ms.ErrInvalidArgument)
	}

	now := ns.now().UnixNano()
	var reply ms.Reply
	if old := wd.target; old != nil {
		switch {
		case moving.isDir() && !old.isDir():
			return ms.Reply{}, ms.ErrNotDir
		case !moving.isDir() && old.isDir():
			return ms.Reply{}, ms.ErrIsDir
		case old.isDir() && len(old.children) > 0:
			return ms.Reply{}, ms.ErrNotEmpty
		}
		delete(wd.parent.children, wd.name)
		if old.isDir() {
			wd.parent.attr.Nlink--
		}
		ns.dropLink(old, now)
		if _, alive := ns.inodes[old.attr.Ino]; alive {
			reply.Extra = append(reply.Extra, ns.attrOf(old))
		}
	}

	delete(ws.parent.children, ws.name)
	wd.parent.children[wd.name] = moving.attr.Ino
	if moving.isDir() {
		ws.parent.attr.Nlink--
		wd.parent.attr.Nlink++
		moving.parent = wd.parent.attr.Ino
	}
	moving.attr.Ctime = now
	ns.touch(ws.parent, now)
	if wd.parent != ws.parent {
		ns.touch(wd.parent, now)
	}

	after, _ := ns.walk(dst)
	reply.Trace = traceOf(after, nil)
	afterSrc, srcErr := ns.walk(src)
	reply.SourceTrace = traceOf(afterSrc, srcErr)
	return reply, nil
}

func (ns *Namespace) readdir(op ms.Readdir) (ms.Reply, error) {
	dir, ok := ns.inodes[op.Dir]
	if !ok {
		return ms.Reply{}, ms.ErrNotFound
	}
	if !dir.isDir() {
		return ms.Reply{}, ms.ErrNotDir
	}
	if !op.Frag.Valid() {
		return ms.Reply{}, fmt.Errorf("%w: fragment %s", ms.ErrInvalidArgument, op.Frag)
	}
	listing := ns.listing(dir, op.Frag)
	return ms.Reply{Dir: &listing}, nil
}

var _ ms.Handler = (*Replica)(nil)
