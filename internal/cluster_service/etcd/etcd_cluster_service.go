package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	cluster "github.com/AnishMulay/sandmeta/internal/cluster_service"
	"github.com/AnishMulay/sandmeta/internal/log_service"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultPrefix      = "/sandmeta/"
	LeaseTTL           = 5 // seconds

	configDir = "replicas/config/"
	leaseDir  = "replicas/leases/"
)

type Option func(*EtcdClusterService)

// WithPrefix roots every key under prefix instead of DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *EtcdClusterService) {
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		s.prefix = prefix
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(s *EtcdClusterService) { s.dialTimeout = d }
}

// EtcdClusterService keeps replica configuration under <prefix>replicas/config/
// and liveness under <prefix>replicas/leases/, the latter attached to an etcd
// lease each replica keeps alive.
type EtcdClusterService struct {
	mu          sync.RWMutex
	client      *clientv3.Client
	endpoints   []string
	prefix      string
	dialTimeout time.Duration
	ls          log_service.LogService

	selfNode cluster.ClusterNode
	leaseID  clientv3.LeaseID

	configCache   map[string]cluster.ClusterNode
	livenessCache map[string]cluster.NodeLiveness

	watchCallbacks []func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewEtcdClusterService(endpoints []string, ls log_service.LogService, opts ...Option) *EtcdClusterService {
	s := &EtcdClusterService{
		endpoints:     endpoints,
		prefix:        DefaultPrefix,
		dialTimeout:   DefaultDialTimeout,
		ls:            ls,
		configCache:   make(map[string]cluster.ClusterNode),
		livenessCache: make(map[string]cluster.NodeLiveness),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *EtcdClusterService) configPrefix() string { return s.prefix + configDir }
func (s *EtcdClusterService) leasePrefix() string  { return s.prefix + leaseDir }

func (s *EtcdClusterService) Start(ctx context.Context) error {
	s.ls.Info(log_service.LogEvent{Message: "Starting EtcdClusterService", Metadata: map[string]any{"endpoints": s.endpoints, "prefix": s.prefix}})

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   s.endpoints,
		DialTimeout: s.dialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}
	s.client = cli

	if err := s.syncState(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.watchLoop()

	return nil
}

func (s *EtcdClusterService) Stop(ctx context.Context) error {
	s.ls.Info(log_service.LogEvent{Message: "Stopping EtcdClusterService"})
	close(s.stopCh)

	if s.leaseID != 0 {
		if _, err := s.client.Revoke(ctx, s.leaseID); err != nil {
			s.ls.Warn(log_service.LogEvent{Message: "Failed to revoke lease during shutdown", Metadata: map[string]any{"error": err.Error()}})
		}
	}

	s.wg.Wait()
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// PublishConfig writes a replica's static configuration.
func (s *EtcdClusterService) PublishConfig(ctx context.Context, node cluster.ClusterNode) error {
	if node.ID == "" || node.Address == "" {
		return cluster.ErrInvalidNode
	}
	val, err := json.Marshal(node)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, s.configPrefix()+node.ID, string(val)); err != nil {
		return fmt.Errorf("failed to put replica config: %w", err)
	}
	return nil
}

func (s *EtcdClusterService) RegisterNode(node cluster.ClusterNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configCache[node.ID]; !ok {
		s.ls.Warn(log_service.LogEvent{Message: "Replica registering but not found in config", Metadata: map[string]any{"id": node.ID}})
	}

	s.selfNode = node

	resp, err := s.client.Grant(context.TODO(), LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	s.leaseID = resp.ID

	liveness := cluster.NodeLiveness{
		NodeID:        node.ID,
		Status:        cluster.NodeStatusAlive,
		LeaseID:       int64(s.leaseID),
		LastRenewedAt: time.Now(),
	}
	val, _ := json.Marshal(liveness)

	if _, err := s.client.Put(context.TODO(), s.leasePrefix()+node.ID, string(val), clientv3.WithLease(s.leaseID)); err != nil {
		return fmt.Errorf("failed to put liveness key: %w", err)
	}

	s.ls.Info(log_service.LogEvent{
		Message:  "Replica registered in cluster",
		Metadata: map[string]any{"id": node.ID, "leaseID": s.leaseID},
	})

	s.wg.Add(1)
	go s.heartbeatLoop()

	return nil
}

func (s *EtcdClusterService) heartbeatLoop() {
	defer s.wg.Done()

	ch, err := s.client.KeepAlive(context.Background(), s.leaseID)
	if err != nil {
		s.ls.Error(log_service.LogEvent{Message: "Failed to start keepalive channel", Metadata: map[string]any{"error": err.Error()}})
		return
	}

	for {
		select {
		case <-s.stopCh:
			return
		case _, ok := <-ch:
			if !ok {
				s.ls.Error(log_service.LogEvent{Message: "Etcd keepalive channel closed unexpectedly"})
				return
			}
		}
	}
}

func (s *EtcdClusterService) syncState(ctx context.Context) error {
	respCfg, err := s.client.Get(ctx, s.configPrefix(), clientv3.WithPrefix())
	if err != nil {
		return err
	}
	respLease, err := s.client.Get(ctx, s.leasePrefix(), clientv3.WithPrefix())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kv := range respCfg.Kvs {
		s.putConfigLocked(kv.Value)
	}
	for _, kv := range respLease.Kvs {
		s.putLivenessLocked(kv.Value)
	}
	return nil
}

func (s *EtcdClusterService) putConfigLocked(value []byte) {
	var n cluster.ClusterNode
	if err := json.Unmarshal(value, &n); err == nil && n.ID != "" {
		s.configCache[n.ID] = n
	}
}

func (s *EtcdClusterService) putLivenessLocked(value []byte) {
	var l cluster.NodeLiveness
	if err := json.Unmarshal(value, &l); err == nil && l.NodeID != "" {
		s.livenessCache[l.NodeID] = l
	}
}

func (s *EtcdClusterService) watchLoop() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchCh := s.client.Watch(ctx, s.prefix+"replicas/", clientv3.WithPrefix())

	for {
		select {
		case <-s.stopCh:
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			for _, ev := range resp.Events {
				s.handleEvent(ev)
			}
		}
	}
}

func (s *EtcdClusterService) handleEvent(ev *clientv3.Event) {
	key := string(ev.Kv.Key)
	s.mu.Lock()
	switch {
	case strings.HasPrefix(key, s.configPrefix()):
		id := strings.TrimPrefix(key, s.configPrefix())
		if ev.Type == clientv3.EventTypePut {
			s.putConfigLocked(ev.Kv.Value)
		} else if ev.Type == clientv3.EventTypeDelete {
			delete(s.configCache, id)
		}
	case strings.HasPrefix(key, s.leasePrefix()):
		id := strings.TrimPrefix(key, s.leasePrefix())
		if ev.Type == clientv3.EventTypePut {
			s.putLivenessLocked(ev.Kv.Value)
		} else if ev.Type == clientv3.EventTypeDelete {
			if entry, ok := s.livenessCache[id]; ok {
				entry.Status = cluster.NodeStatusDown
				s.livenessCache[id] = entry
			}
		}
	}
	s.mu.Unlock()

	s.notifyWatchers()
}

func (s *EtcdClusterService) notifyWatchers() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cb := range s.watchCallbacks {
		go cb()
	}
}

func (s *EtcdClusterService) Watch(callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchCallbacks = append(s.watchCallbacks, callback)
}

func (s *EtcdClusterService) GetHealthyNodes() ([]cluster.Replica, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nodes []cluster.Replica
	for id, cfg := range s.configCache {
		liveness, hasLease := s.livenessCache[id]
		if hasLease && liveness.Status == cluster.NodeStatusAlive {
			nodes = append(nodes, cluster.Replica{
				ID:       cfg.ID,
				Address:  cfg.Address,
				Status:   cluster.NodeStatusAlive,
				Metadata: cfg.Metadata,
			})
		}
	}
	return nodes, nil
}

func (s *EtcdClusterService) GetAllNodes() ([]cluster.Replica, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nodes []cluster.Replica
	for id, cfg := range s.configCache {
		status := cluster.NodeStatusDown
		if l, ok := s.livenessCache[id]; ok {
			status = l.Status
		}
		nodes = append(nodes, cluster.Replica{
			ID:       cfg.ID,
			Address:  cfg.Address,
			Status:   status,
			Metadata: cfg.Metadata,
		})
	}
	return nodes, nil
}

var _ cluster.ClusterService = (*EtcdClusterService)(nil)
