package metadata_server

import (
	"context"
	"fmt"
	"time"

	"github.com/AnishMulay/sandmeta/internal/communication"
	"github.com/AnishMulay/sandmeta/internal/fragment"
)

// Ino is the server-side object identity. It never changes once assigned.
type Ino uint64

const RootIno Ino = 1

func (i Ino) String() string {
	return fmt.Sprintf("%#x", uint64(i))
}

// File type bits of InodeAttr.Mode.
const (
	ModeTypeMask uint32 = 0o170000
	ModeSocket   uint32 = 0o140000
	ModeSymlink  uint32 = 0o120000
	ModeRegular  uint32 = 0o100000
	ModeBlock    uint32 = 0o060000
	ModeDir      uint32 = 0o040000
	ModeChar     uint32 = 0o020000
	ModeFIFO     uint32 = 0o010000
	ModePermMask uint32 = 0o7777
)

// DirStat carries the recursive statistics a replica keeps for a directory.
type DirStat struct {
	Files    int64 `json:"files"`
	Subdirs  int64 `json:"subdirs"`
	RFiles   int64 `json:"rfiles"`
	RSubdirs int64 `json:"rsubdirs"`
	RBytes   int64 `json:"rbytes"`
	RCtime   int64 `json:"rctime"`
}

type InodeAttr struct {
	Ino   Ino    `json:"ino"`
	Mode  uint32 `json:"mode"`
	Nlink uint32 `json:"nlink"`
	UID   uint32 `json:"uid"`
	GID   uint32 `json:"gid"`
	Size  int64  `json:"size"`
	Rdev  uint64 `json:"rdev,omitempty"`
	Mtime int64  `json:"mtime"`
	Ctime int64  `json:"ctime"`
	// Version is the directory content version; it moves on every namespace change inside the directory.
	Version       uint64   `json:"version,omitempty"`
	SymlinkTarget string   `json:"symlink_target,omitempty"`
	FragBits      uint8    `json:"frag_bits,omitempty"`
	DirStat       *DirStat `json:"dirstat,omitempty"`
}

func (a InodeAttr) IsDir() bool {
	return a.Mode&ModeTypeMask == ModeDir
}

// TraceEntry is one step of a trace: the binding of Name inside the previous
// directory of the trace.
type TraceEntry struct {
	Name string `json:"name"`
	// Inode is nil when the replica asserts the name does not exist.
	Inode       *InodeAttr    `json:"inode,omitempty"`
	DentryLease time.Duration `json:"dentry_lease,omitempty"`
	// ContentLease covers Inode's directory contents.
	ContentLease time.Duration `json:"content_lease,omitempty"`
}

// Trace describes the resolved path from Base down to the operation target.
type Trace struct {
	Base         InodeAttr     `json:"base"`
	ContentLease time.Duration `json:"content_lease,omitempty"`
	Entries      []TraceEntry  `json:"entries,omitempty"`
}

// Target returns the last entry of the trace, if any.
func (t *Trace) Target() (TraceEntry, bool) {
	if t == nil || len(t.Entries) == 0 {
		return TraceEntry{}, false
	}
	return t.Entries[len(t.Entries)-1], true
}

type DirEntry struct {
	Name        string        `json:"name"`
	Inode       InodeAttr     `json:"inode"`
	DentryLease time.Duration `json:"dentry_lease,omitempty"`
}

// DirListing is the content of one directory fragment. Frag is the fragment
// the replica actually served, which may differ from the one requested.
type DirListing struct {
	Dir     InodeAttr           `json:"dir"`
	Frag    fragment.FragmentID `json:"frag"`
	Entries []DirEntry          `json:"entries"`
}

type Reply struct {
	Tid string `json:"tid"`
	// Trace is nil when the replica did not describe the resulting namespace state.
	Trace       *Trace      `json:"trace,omitempty"`
	SourceTrace *Trace      `json:"source_trace,omitempty"`
	Extra       []InodeAttr `json:"extra,omitempty"`
	Dir         *DirListing `json:"dir,omitempty"`
	// ForwardTo names the authoritative replica when the answer is CodeForward.
	ForwardTo string `json:"forward_to,omitempty"`
	Message   string `json:"message,omitempty"`
}

const MessageTypeRequest = "sandmeta.request"

// Handler is the replica-side contract. The returned code is carried as the
// transport response code; the reply travels in the body.
type Handler interface {
	Handle(ctx context.Context, from string, req Request) (communication.SandCode, Reply)
}
