package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cluster "github.com/AnishMulay/sandmeta/internal/cluster_service"
	"github.com/AnishMulay/sandmeta/internal/config"
	logservice "github.com/AnishMulay/sandmeta/internal/log_service"
	"github.com/AnishMulay/sandmeta/servers/node"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func newSession(t *testing.T) *node.Session {
	cfg := config.Default()
	cfg.Transport.Listen = freeAddr(t)
	cfg.Replicas.Static = []cluster.ClusterNode{{ID: "mds1", Address: freeAddr(t)}}
	cfg.Cache.DirStat = true
	ls := logservice.NewNopLogService()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	srv, err := node.Build(node.Options{Config: cfg}, ls)
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Stop() })

	s, err := node.Mount(ctx, cfg, ls, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func call(t *testing.T, s *node.Session, h toolHandler, args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := h(context.Background(), req, s)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestTools(t *testing.T) {
	s := newSession(t)

	_, isErr := call(t, s, handleMkdir, map[string]any{"path": "/docs"})
	require.False(t, isErr)
	_, isErr = call(t, s, handleCreate, map[string]any{"path": "/docs/a.txt"})
	require.False(t, isErr)

	out, isErr := call(t, s, handleListDirectory, map[string]any{"path": "/docs"})
	require.False(t, isErr)
	assert.Equal(t, "./\n../\na.txt\n", out)

	_, isErr = call(t, s, handleRename, map[string]any{"from": "/docs/a.txt", "to": "/b.txt"})
	require.False(t, isErr)
	out, isErr = call(t, s, handleStat, map[string]any{"path": "/b.txt"})
	require.False(t, isErr)
	assert.Contains(t, out, "nlink=1")

	out, isErr = call(t, s, handleDirStat, map[string]any{"path": "/"})
	require.False(t, isErr)
	assert.Contains(t, out, "rfiles:")

	_, isErr = call(t, s, handleRemove, map[string]any{"path": "/docs"})
	require.False(t, isErr)
	out, isErr = call(t, s, handleStat, map[string]any{"path": "/docs"})
	assert.True(t, isErr)
	assert.Contains(t, out, "no such file")

	out, isErr = call(t, s, handleListReplicas, nil)
	require.False(t, isErr)
	assert.Contains(t, out, "mds1")
}

func TestTools_MissingArgument(t *testing.T) {
	s := newSession(t)
	_, isErr := call(t, s, handleMkdir, map[string]any{})
	assert.True(t, isErr)
	_, isErr = call(t, s, handleMkdir, map[string]any{"path": "/"})
	assert.True(t, isErr)
}
