package metadata_server

import (
	"encoding/json"
	"fmt"

	"github.com/AnishMulay/sandmeta/internal/fragment"
)

type OpKind string

const (
	OpLookup  OpKind = "lookup"
	OpStat    OpKind = "stat"
	OpMknod   OpKind = "mknod"
	OpSymlink OpKind = "symlink"
	OpMkdir   OpKind = "mkdir"
	OpLink    OpKind = "link"
	OpUnlink  OpKind = "unlink"
	OpRmdir   OpKind = "rmdir"
	OpRename  OpKind = "rename"
	OpReaddir OpKind = "readdir"
)

// PathRef addresses a name as a path relative to a base directory identity.
// An empty Path addresses Base itself.
type PathRef struct {
	Base Ino    `json:"base"`
	Path string `json:"path"`
}

func (p PathRef) String() string {
	return fmt.Sprintf("%s/%s", p.Base, p.Path)
}

type Op interface {
	Kind() OpKind
	// Mutating ops must be served by the authority of the target.
	Mutating() bool
}

type Lookup struct {
	Target PathRef `json:"target"`
}

type Stat struct {
	Ino Ino `json:"ino"`
}

type Mknod struct {
	Target PathRef `json:"target"`
	Mode   uint32  `json:"mode"`
	Rdev   uint64  `json:"rdev,omitempty"`
}

type Symlink struct {
	Target     PathRef `json:"target"`
	LinkTarget string  `json:"link_target"`
}

type Mkdir struct {
	Target PathRef `json:"target"`
	Mode   uint32  `json:"mode"`
}

type Link struct {
	Source PathRef `json:"source"`
	Target PathRef `json:"target"`
}

type Unlink struct {
	Target PathRef `json:"target"`
}

type Rmdir struct {
	Target PathRef `json:"target"`
}

type Rename struct {
	Source PathRef `json:"source"`
	Target PathRef `json:"target"`
}

type Readdir struct {
	Dir  Ino                 `json:"dir"`
	Frag fragment.FragmentID `json:"frag"`
}

func (Lookup) Kind() OpKind  { return OpLookup }
func (Stat) Kind() OpKind    { return OpStat }
func (Mknod) Kind() OpKind   { return OpMknod }
func (Symlink) Kind() OpKind { return OpSymlink }
func (Mkdir) Kind() OpKind   { return OpMkdir }
func (Link) Kind() OpKind    { return OpLink }
func (Unlink) Kind() OpKind  { return OpUnlink }
func (Rmdir) Kind() OpKind   { return OpRmdir }
func (Rename) Kind() OpKind  { return OpRename }
func (Readdir) Kind() OpKind { return OpReaddir }

func (Lookup) Mutating() bool  { return false }
func (Stat) Mutating() bool    { return false }
func (Mknod) Mutating() bool   { return true }
func (Symlink) Mutating() bool { return true }
func (Mkdir) Mutating() bool   { return true }
func (Link) Mutating() bool    { return true }
func (Unlink) Mutating() bool  { return true }
func (Rmdir) Mutating() bool   { return true }
func (Rename) Mutating() bool  { return true }
func (Readdir) Mutating() bool { return false }

// Request is one operation in flight. Tid stays the same across resends so a
// replica can recognise a retransmission.
type Request struct {
	Tid      string
	ClientID string
	Attempt  int
	Op       Op
}

type wireRequest struct {
	Tid      string          `json:"tid"`
	ClientID string          `json:"client_id"`
	Attempt  int             `json:"attempt"`
	Kind     OpKind          `json:"kind"`
	Op       json.RawMessage `json:"op"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	if r.Op == nil {
		return nil, fmt.Errorf("%w: request %s has no op", ErrInvalidArgument, r.Tid)
	}
	op, err := json.Marshal(r.Op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireRequest{
		Tid:      r.Tid,
		ClientID: r.ClientID,
		Attempt:  r.Attempt,
		Kind:     r.Op.Kind(),
		Op:       op,
	})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var wire wireRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	op, err := decodeOp(wire.Kind, wire.Op)
	if err != nil {
		return err
	}
	*r = Request{Tid: wire.Tid, ClientID: wire.ClientID, Attempt: wire.Attempt, Op: op}
	return nil
}

func decodeOp(kind OpKind, data json.RawMessage) (Op, error) {
	switch kind {
	case OpLookup:
		return decodeInto[Lookup](data)
	case OpStat:
		return decodeInto[Stat](data)
	case OpMknod:
		return decodeInto[Mknod](data)
	case OpSymlink:
		return decodeInto[Symlink](data)
	case OpMkdir:
		return decodeInto[Mkdir](data)
	case OpLink:
		return decodeInto[Link](data)
	case OpUnlink:
		return decodeInto[Unlink](data)
	case OpRmdir:
		return decodeInto[Rmdir](data)
	case OpRename:
		return decodeInto[Rename](data)
	case OpReaddir:
		return decodeInto[Readdir](data)
	default:
		return nil, fmt.Errorf("%w: unknown op kind %q", ErrInvalidArgument, kind)
	}
}

func decodeInto[T Op](data json.RawMessage) (Op, error) {
	var op T
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, err
	}
	return op, nil
}
