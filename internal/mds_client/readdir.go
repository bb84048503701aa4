package mds_client

import (
	"context"
	"fmt"
	"strings"

	cluster "github.com/AnishMulay/sandmeta/internal/cluster_service"
	dc "github.com/AnishMulay/sandmeta/internal/dentry_cache"
	"github.com/AnishMulay/sandmeta/internal/fragment"
	"github.com/AnishMulay/sandmeta/internal/log_service"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

// Entry is one name produced by a DirReader. Cursor is the position right
// after this entry; seeking to it resumes the listing with the next one.
type Entry struct {
	Name   string
	Ino    ms.Ino
	Type   uint32
	Cursor fragment.Cursor
}

// DirReader lists one directory a fragment at a time. It keeps at most one
// fetched fragment. Entries added or removed while a listing is in progress
// may be skipped or returned twice.
type DirReader struct {
	c    *Client
	node dc.NodeID
	ino  ms.Ino

	pos       fragment.Cursor
	exhausted bool

	have    bool
	frag    fragment.FragmentID
	entries []ms.DirEntry
}

// OpenDir starts a listing session at the first entry of a directory.
func (c *Client) OpenDir(ctx context.Context, node dc.NodeID) (*DirReader, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	ino, err := c.dirOf(node)
	if err != nil {
		return nil, err
	}
	return &DirReader{c: c, node: node, ino: ino, pos: fragment.Start}, nil
}

func firstOffset(f fragment.FragmentID) uint32 {
	if f.IsLeftmost() {
		return fragment.FirstEntryOffset
	}
	return 0
}

// Tell is the cursor the next call to Next starts from.
func (r *DirReader) Tell() fragment.Cursor {
	return r.pos
}

func (r *DirReader) Exhausted() bool {
	return r.exhausted
}

// Seek repositions the listing. The cached fragment is dropped when the
// cursor names another fragment and always when seeking to the start.
func (r *DirReader) Seek(cursor fragment.Cursor) {
	if cursor == fragment.Start || cursor.Fragment() != r.frag {
		r.have = false
		r.entries = nil
	}
	r.pos = cursor
	r.exhausted = false
}

// Next returns the entry at the current position. ok is false once the last
// fragment has been listed.
func (r *DirReader) Next(ctx context.Context) (e Entry, ok bool, err error) {
	if r.exhausted {
		return Entry{}, false, nil
	}
	for {
		f, off := fragment.DecodeCursor(r.pos)

		if f.IsLeftmost() && off < fragment.FirstEntryOffset {
			return r.synthetic(f, off), true, nil
		}

		if !r.have || r.frag != f {
			if err := r.fetch(ctx, f, off); err != nil {
				return Entry{}, false, err
			}
			f, off = fragment.DecodeCursor(r.pos)
		}

		idx := int(off - firstOffset(f))
		if idx < len(r.entries) {
			de := r.entries[idx]
			r.pos = fragment.EncodeCursor(f, off+1)
			return Entry{
				Name:   de.Name,
				Ino:    de.Inode.Ino,
				Type:   de.Inode.Mode & ms.ModeTypeMask,
				Cursor: r.pos,
			}, true, nil
		}

		if f.IsLast() {
			r.exhausted = true
			return Entry{}, false, nil
		}
		next, err := f.Next()
		if err != nil {
			return Entry{}, false, err
		}
		r.pos = fragment.EncodeCursor(next, firstOffset(next))
	}
}

func (r *DirReader) synthetic(f fragment.FragmentID, off uint32) Entry {
	r.pos = fragment.EncodeCursor(f, off+1)
	e := Entry{Name: ".", Ino: r.ino, Type: ms.ModeDir, Cursor: r.pos}
	if off == fragment.DotDotOffset {
		e.Name = ".."
		e.Ino = r.parentIno()
	}
	return e
}

func (r *DirReader) parentIno() ms.Ino {
	d, ok := r.c.cache.Get(r.node)
	if !ok || d.Parent == dc.NoNode {
		return r.ino
	}
	if p, ok := r.c.cache.Get(d.Parent); ok && p.Binding == dc.Positive {
		return p.Ino
	}
	return r.ino
}

// fetch lists the fragment holding position (f, off). When the replica or
// the known split tree puts the position in a different fragment, the offset
// inside it means nothing and the position moves to that fragment's start.
func (r *DirReader) fetch(ctx context.Context, f fragment.FragmentID, off uint32) error {
	want := r.c.cache.ChooseFragment(r.ino, f.Value())
	if want != f {
		off = firstOffset(want)
	}

	res, err := r.c.engine.Execute(ctx, Call{
		Op:     ms.Readdir{Dir: r.ino, Frag: want},
		Policy: cluster.UseAuthority,
		Target: r.ino,
		Base:   r.node,
	})
	if err != nil {
		return err
	}
	if res.Reply.Dir == nil {
		return fmt.Errorf("%w: readdir of %s returned no listing", ms.ErrReplicaFailed, r.ino)
	}
	r.c.m.RecordFragmentFetch()

	served := res.Reply.Dir.Frag
	if served != want {
		off = firstOffset(served)
	}
	if served != f {
		r.c.ls.Debug(log_service.LogEvent{
			Message:  "Directory fragment differs from cursor, restarting within served fragment",
			Metadata: map[string]any{"dir": r.ino.String(), "cursor": f.String(), "served": served.String()},
		})
	}
	r.frag = served
	r.entries = res.Reply.Dir.Entries
	r.have = true
	r.pos = fragment.EncodeCursor(served, off)
	return nil
}

// DirStat returns the recursive statistics of a directory in the text form a
// read of the directory yields.
func (c *Client) DirStat(ctx context.Context, node dc.NodeID) (string, error) {
	if err := c.live(); err != nil {
		return "", err
	}
	ino, err := c.dirOf(node)
	if err != nil {
		return "", err
	}
	if !c.cfg.DirStat {
		return "", ms.ErrIsDir
	}
	attr, err := c.StatByIdentity(ctx, ino)
	if err != nil {
		return "", err
	}
	st := attr.DirStat
	if st == nil {
		st = &ms.DirStat{}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "entries:   %20d\n", st.Files+st.Subdirs)
	fmt.Fprintf(&b, " files:    %20d\n", st.Files)
	fmt.Fprintf(&b, " subdirs:  %20d\n", st.Subdirs)
	fmt.Fprintf(&b, "rentries:  %20d\n", st.RFiles+st.RSubdirs)
	fmt.Fprintf(&b, " rfiles:   %20d\n", st.RFiles)
	fmt.Fprintf(&b, " rsubdirs: %20d\n", st.RSubdirs)
	fmt.Fprintf(&b, "rbytes:    %20d\n", st.RBytes)
	fmt.Fprintf(&b, "rctime:    %10d.%09d\n", st.RCtime/1e9, st.RCtime%1e9)
	return b.String(), nil
}
