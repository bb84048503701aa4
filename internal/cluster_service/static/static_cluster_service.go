// Package static is a ClusterService over a fixed, configured replica list.
// Liveness is whatever the process is told through SetStatus.
package static

import (
	"context"
	"sync"

	cluster "github.com/AnishMulay/sandmeta/internal/cluster_service"
	"github.com/AnishMulay/sandmeta/internal/log_service"
)

type StaticClusterService struct {
	mu     sync.RWMutex
	nodes  []cluster.ClusterNode
	status map[string]cluster.NodeStatus
	ls     log_service.LogService

	watchCallbacks []func()
}

func NewStaticClusterService(nodes []cluster.ClusterNode, ls log_service.LogService) *StaticClusterService {
	s := &StaticClusterService{
		status: make(map[string]cluster.NodeStatus),
		ls:     ls,
	}
	for _, n := range nodes {
		s.nodes = append(s.nodes, n)
		s.status[n.ID] = cluster.NodeStatusAlive
	}
	return s
}

func (s *StaticClusterService) Start(ctx context.Context) error {
	s.ls.Info(log_service.LogEvent{
		Message:  "Starting StaticClusterService",
		Metadata: map[string]any{"replicas": len(s.nodes)},
	})
	return nil
}

func (s *StaticClusterService) Stop(ctx context.Context) error {
	return nil
}

func (s *StaticClusterService) RegisterNode(node cluster.ClusterNode) error {
	if node.ID == "" || node.Address == "" {
		return cluster.ErrInvalidNode
	}
	s.mu.Lock()
	replaced := false
	for i, n := range s.nodes {
		if n.ID == node.ID {
			s.nodes[i] = node
			replaced = true
		}
	}
	if !replaced {
		s.nodes = append(s.nodes, node)
	}
	s.status[node.ID] = cluster.NodeStatusAlive
	s.mu.Unlock()

	s.ls.Info(log_service.LogEvent{
		Message:  "Replica registered",
		Metadata: map[string]any{"id": node.ID, "address": node.Address},
	})
	s.notifyWatchers()
	return nil
}

// SetStatus changes the liveness reported for a replica.
func (s *StaticClusterService) SetStatus(id string, status cluster.NodeStatus) error {
	s.mu.Lock()
	if _, ok := s.status[id]; !ok {
		s.mu.Unlock()
		return cluster.ErrNodeNotFound
	}
	s.status[id] = status
	s.mu.Unlock()

	s.notifyWatchers()
	return nil
}

func (s *StaticClusterService) GetHealthyNodes() ([]cluster.Replica, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []cluster.Replica
	for _, n := range s.nodes {
		if s.status[n.ID] == cluster.NodeStatusAlive {
			out = append(out, cluster.Replica{ID: n.ID, Address: n.Address, Status: cluster.NodeStatusAlive, Metadata: n.Metadata})
		}
	}
	return out, nil
}

func (s *StaticClusterService) GetAllNodes() ([]cluster.Replica, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cluster.Replica, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, cluster.Replica{ID: n.ID, Address: n.Address, Status: s.status[n.ID], Metadata: n.Metadata})
	}
	return out, nil
}

func (s *StaticClusterService) Watch(callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchCallbacks = append(s.watchCallbacks, callback)
}

func (s *StaticClusterService) notifyWatchers() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cb := range s.watchCallbacks {
		go cb()
	}
}

var _ cluster.ClusterService = (*StaticClusterService)(nil)
