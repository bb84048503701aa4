package mds_client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cluster "github.com/AnishMulay/sandmeta/internal/cluster_service"
	"github.com/AnishMulay/sandmeta/internal/cluster_service/static"
	"github.com/AnishMulay/sandmeta/internal/communication"
	"github.com/AnishMulay/sandmeta/internal/communication/loopback"
	"github.com/AnishMulay/sandmeta/internal/log_service"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
	"github.com/AnishMulay/sandmeta/internal/metadata_server/memserver"
)

// harness runs a set of in-memory replicas behind a loopback network.
type harness struct {
	t        *testing.T
	ls       log_service.LogService
	net      *loopback.Network
	ns       *memserver.Namespace
	replicas map[string]*memserver.Replica
	cs       *static.StaticClusterService
	dir      *cluster.Directory
	comm     communication.Communicator

	authMu    sync.Mutex
	authority func(dir ms.Ino) string
}

func newHarness(t *testing.T, ids []string, opts ...memserver.Option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ls:       log_service.NewNopLogService(),
		net:      loopback.NewNetwork(),
		replicas: make(map[string]*memserver.Replica),
	}
	opts = append(opts, memserver.WithAuthority(h.authorityFor))
	h.ns = memserver.NewNamespace(h.ls, opts...)

	var nodes []cluster.ClusterNode
	for _, id := range ids {
		r := h.ns.Replica(id)
		comm := loopback.NewLoopbackCommunicator(h.net, id, h.ls)
		ms.RegisterPayloads(comm)
		require.NoError(t, comm.Start(ms.Serve(r)))
		t.Cleanup(func() { _ = comm.Stop() })
		h.replicas[id] = r
		nodes = append(nodes, cluster.ClusterNode{ID: id, Address: id})
	}
	h.cs = static.NewStaticClusterService(nodes, h.ls)
	h.dir = cluster.NewDirectory(h.cs, h.ls)
	h.comm = loopback.NewLoopbackCommunicator(h.net, "client", h.ls)
	return h
}

func (h *harness) setAuthority(f func(ms.Ino) string) {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	h.authority = f
}

func (h *harness) authorityFor(dir ms.Ino) string {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	if h.authority == nil {
		return ""
	}
	return h.authority(dir)
}

func (h *harness) mount(cfg Config) *Client {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Mount(ctx, cfg, h.comm, h.dir, h.ls, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(c.Unmount)
	return c
}

// placed is the replica the directory picks as authority for ino.
func (h *harness) placed(ino ms.Ino) string {
	h.t.Helper()
	r, err := h.dir.Pick(cluster.UseAuthority, ino, nil)
	require.NoError(h.t, err)
	return r.ID
}

func (h *harness) setNoTrace(on bool) {
	for _, r := range h.replicas {
		r.SetNoTrace(on)
	}
}

func (h *harness) served(kind ms.OpKind) int {
	n := 0
	for _, r := range h.replicas {
		n += r.Served(kind)
	}
	return n
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func fastConfig() Config {
	return Config{Engine: EngineConfig{
		AttemptTimeout: 50 * time.Millisecond,
		MaxAttempts:    3,
		Deadline:       2 * time.Second,
	}}
}

// replicaComm serves handler at addr and adds it to the membership.
func (h *harness) replicaComm(addr string, handler ms.Handler) communication.Communicator {
	h.t.Helper()
	comm := loopback.NewLoopbackCommunicator(h.net, addr, h.ls)
	ms.RegisterPayloads(comm)
	require.NoError(h.t, comm.Start(ms.Serve(handler)))
	require.NoError(h.t, h.cs.RegisterNode(cluster.ClusterNode{ID: addr, Address: addr}))
	return comm
}
