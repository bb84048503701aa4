package metadata_server

import (
	"errors"
	"fmt"

	"github.com/AnishMulay/sandmeta/internal/communication"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("no such file or directory")
	ErrAlreadyExists    = errors.New("file exists")
	ErrPermissionDenied = errors.New("permission denied")
	// ErrStale means the path went out of date while the operation was in
	// flight; resolving again from a fresh node is always safe.
	ErrStale         = errors.New("stale name binding")
	ErrTimeout       = errors.New("metadata request timed out")
	ErrUnavailable   = errors.New("no metadata replica reachable")
	ErrCorruptState  = errors.New("corrupt name tree state")
	ErrReplicaFailed = errors.New("replica failed the request")

	ErrNotEmpty    = errors.New("directory not empty")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrNameTooLong = fmt.Errorf("%w: file name too long", ErrInvalidArgument)
)

var statusTable = []struct {
	err  error
	code communication.SandCode
}{
	{ErrNameTooLong, communication.CodeNameTooLong},
	{ErrInvalidArgument, communication.CodeBadRequest},
	{ErrNotFound, communication.CodeNotFound},
	{ErrAlreadyExists, communication.CodeAlreadyExists},
	{ErrPermissionDenied, communication.CodePermissionDenied},
	{ErrStale, communication.CodeStale},
	{ErrNotEmpty, communication.CodeNotEmpty},
	{ErrNotDir, communication.CodeNotDir},
	{ErrIsDir, communication.CodeIsDir},
	{ErrUnavailable, communication.CodeUnavailable},
}

// StatusFromError maps an error onto the wire code a replica answers with.
func StatusFromError(err error) communication.SandCode {
	if err == nil {
		return communication.CodeOK
	}
	for _, s := range statusTable {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return communication.CodeInternal
}

// ErrorFromStatus is the inverse of StatusFromError. CodeOK and CodeForward
// yield nil; forwarding is not a failure.
func ErrorFromStatus(code communication.SandCode, detail string) error {
	if code == communication.CodeOK || code == communication.CodeForward {
		return nil
	}
	var base error
	for _, s := range statusTable {
		if s.code == code {
			base = s.err
			break
		}
	}
	if base == nil {
		base = ErrReplicaFailed
	}
	if detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}
