package etcd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	cluster "github.com/AnishMulay/sandmeta/internal/cluster_service"
	"github.com/AnishMulay/sandmeta/internal/log_service"
)

func putEvent(t *testing.T, key string, v any) *clientv3.Event {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return &clientv3.Event{Type: clientv3.EventTypePut, Kv: &mvccpb.KeyValue{Key: []byte(key), Value: b}}
}

func deleteEvent(key string) *clientv3.Event {
	return &clientv3.Event{Type: clientv3.EventTypeDelete, Kv: &mvccpb.KeyValue{Key: []byte(key)}}
}

func TestEtcdClusterService_HandleEvent(t *testing.T) {
	s := NewEtcdClusterService(nil, log_service.NewNopLogService(), WithPrefix("/test"))

	s.handleEvent(putEvent(t, "/test/replicas/config/r1", cluster.ClusterNode{ID: "r1", Address: "a:1"}))
	s.handleEvent(putEvent(t, "/test/replicas/config/r2", cluster.ClusterNode{ID: "r2", Address: "a:2"}))

	healthy, err := s.GetHealthyNodes()
	require.NoError(t, err)
	assert.Empty(t, healthy, "configured replicas without a lease are not healthy")

	s.handleEvent(putEvent(t, "/test/replicas/leases/r1", cluster.NodeLiveness{NodeID: "r1", Status: cluster.NodeStatusAlive}))
	healthy, _ = s.GetHealthyNodes()
	require.Len(t, healthy, 1)
	assert.Equal(t, "r1", healthy[0].ID)
	assert.Equal(t, "a:1", healthy[0].Address)

	s.handleEvent(deleteEvent("/test/replicas/leases/r1"))
	healthy, _ = s.GetHealthyNodes()
	assert.Empty(t, healthy)

	all, _ := s.GetAllNodes()
	require.Len(t, all, 2)
	for _, r := range all {
		assert.Equal(t, cluster.NodeStatusDown, r.Status)
	}

	s.handleEvent(deleteEvent("/test/replicas/config/r2"))
	all, _ = s.GetAllNodes()
	assert.Len(t, all, 1)
}

func TestEtcdClusterService_IgnoresMalformedValues(t *testing.T) {
	s := NewEtcdClusterService(nil, log_service.NewNopLogService())
	s.handleEvent(&clientv3.Event{Type: clientv3.EventTypePut, Kv: &mvccpb.KeyValue{
		Key:   []byte(DefaultPrefix + "replicas/config/bad"),
		Value: []byte("{not json"),
	}})
	all, _ := s.GetAllNodes()
	assert.Empty(t, all)
}
