package static

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cluster "github.com/AnishMulay/sandmeta/internal/cluster_service"
	"github.com/AnishMulay/sandmeta/internal/log_service"
)

func TestStaticClusterService_Membership(t *testing.T) {
	s := NewStaticClusterService([]cluster.ClusterNode{
		{ID: "r1", Address: "a:1"},
		{ID: "r2", Address: "a:2"},
	}, log_service.NewNopLogService())

	healthy, err := s.GetHealthyNodes()
	require.NoError(t, err)
	assert.Len(t, healthy, 2)

	changed := make(chan struct{}, 4)
	s.Watch(func() { changed <- struct{}{} })

	require.NoError(t, s.SetStatus("r2", cluster.NodeStatusDown))
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("watch callback not run")
	}

	healthy, _ = s.GetHealthyNodes()
	require.Len(t, healthy, 1)
	assert.Equal(t, "r1", healthy[0].ID)

	all, _ := s.GetAllNodes()
	assert.Len(t, all, 2)

	assert.ErrorIs(t, s.SetStatus("r9", cluster.NodeStatusDown), cluster.ErrNodeNotFound)
}

func TestStaticClusterService_RegisterNode(t *testing.T) {
	s := NewStaticClusterService(nil, log_service.NewNopLogService())

	assert.ErrorIs(t, s.RegisterNode(cluster.ClusterNode{ID: "r1"}), cluster.ErrInvalidNode)

	require.NoError(t, s.RegisterNode(cluster.ClusterNode{ID: "r1", Address: "a:1"}))
	require.NoError(t, s.RegisterNode(cluster.ClusterNode{ID: "r1", Address: "a:2"}))

	all, _ := s.GetAllNodes()
	require.Len(t, all, 1)
	assert.Equal(t, "a:2", all[0].Address)
}
