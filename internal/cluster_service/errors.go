package cluster_service

import (
	"fmt"

	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

var (
	ErrNoHealthyReplicas = fmt.Errorf("%w: no healthy replicas", ms.ErrUnavailable)
	ErrUnknownPolicy     = fmt.Errorf("%w: unknown replica selection policy", ms.ErrInvalidArgument)
	ErrNodeNotFound      = fmt.Errorf("%w: replica not found", ms.ErrNotFound)
	ErrInvalidNode       = fmt.Errorf("%w: replica needs an id and an address", ms.ErrInvalidArgument)
)
