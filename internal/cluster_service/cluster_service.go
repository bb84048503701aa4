package cluster_service

import (
	"context"
	"time"
)

// NodeStatus represents the liveness state of a replica.
type NodeStatus int

const (
	NodeStatusUnknown NodeStatus = iota
	NodeStatusAlive
	NodeStatusSuspect
	NodeStatusDown
)

func (s NodeStatus) String() string {
	switch s {
	case NodeStatusAlive:
		return "Alive"
	case NodeStatusSuspect:
		return "Suspect"
	case NodeStatusDown:
		return "Down"
	default:
		return "Unknown"
	}
}

// ClusterNode is the static configuration of a metadata replica. It exists
// even while the replica is offline.
type ClusterNode struct {
	ID       string            `json:"id" yaml:"id" validate:"required"`
	Address  string            `json:"address" yaml:"address" validate:"required"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeLiveness is the ephemeral runtime state of a replica.
type NodeLiveness struct {
	NodeID        string     `json:"nodeId"`
	Status        NodeStatus `json:"status"`
	LeaseID       int64      `json:"leaseId"`
	LastRenewedAt time.Time  `json:"lastRenewedAt"`
}

type Replica struct {
	ID       string
	Address  string
	Status   NodeStatus
	Metadata map[string]string
}

// ClusterService tracks which metadata replicas exist and which are alive.
type ClusterService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// RegisterNode announces the calling process as a live replica.
	RegisterNode(node ClusterNode) error

	// GetHealthyNodes returns the replicas that are currently Alive.
	GetHealthyNodes() ([]Replica, error)

	// GetAllNodes returns every configured replica regardless of status.
	GetAllNodes() ([]Replica, error)

	// Watch registers a callback run after every membership change.
	Watch(callback func())
}
