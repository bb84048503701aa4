package dentry_cache

import (
	"fmt"

	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

var (
	ErrDetached      = fmt.Errorf("%w: node is not in the name tree", ms.ErrInvalidArgument)
	ErrEvicted       = fmt.Errorf("%w: node evicted during resolution", ms.ErrStale)
	ErrRebound       = fmt.Errorf("%w: base node no longer bound to the traced identity", ms.ErrStale)
	ErrMissingParent = fmt.Errorf("%w: parent reference missing", ms.ErrCorruptState)
	ErrRootRename    = fmt.Errorf("%w: the root cannot be moved", ms.ErrInvalidArgument)
)
