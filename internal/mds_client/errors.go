package mds_client

import (
	"errors"
	"fmt"

	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

var (
	ErrSessionClosed = errors.New("client session is unmounted")
	ErrForwardLoop   = fmt.Errorf("%w: replicas keep forwarding the request", ms.ErrUnavailable)
	ErrNoOp          = fmt.Errorf("%w: call carries no op", ms.ErrInvalidArgument)
)
