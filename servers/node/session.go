package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/AnishMulay/sandmeta/internal/cluster_service"
	"github.com/AnishMulay/sandmeta/internal/communication"
	"github.com/AnishMulay/sandmeta/internal/config"
	logservice "github.com/AnishMulay/sandmeta/internal/log_service"
	"github.com/AnishMulay/sandmeta/internal/mds_client"
	"github.com/AnishMulay/sandmeta/internal/metrics"
)

// Session is a mounted client together with what it was built on.
type Session struct {
	*mds_client.Client
	Membership cluster_service.ClusterService
	Directory  *cluster_service.Directory
	comm       communication.Communicator
}

// Mount connects a client session as the configuration describes. m may be nil.
func Mount(ctx context.Context, cfg *config.Config, ls logservice.LogService, m *metrics.Metrics) (*Session, error) {
	comm, err := NewCommunicator(cfg.Transport, cfg.Transport.Listen, ls)
	if err != nil {
		return nil, err
	}
	membership, err := NewClusterService(cfg.Replicas, ls)
	if err != nil {
		return nil, err
	}
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := membership.Start(startCtx); err != nil {
		return nil, fmt.Errorf("start membership: %w", err)
	}
	dir := cluster_service.NewDirectory(membership, ls)

	client, err := mds_client.Mount(ctx, ClientConfig(cfg), comm, dir, ls, m)
	if err != nil {
		_ = membership.Stop(context.Background())
		return nil, err
	}
	return &Session{Client: client, Membership: membership, Directory: dir, comm: comm}, nil
}

func ClientConfig(cfg *config.Config) mds_client.Config {
	return mds_client.Config{
		Engine: mds_client.EngineConfig{
			ClientID:       cfg.ClientID,
			AttemptTimeout: cfg.Request.AttemptTimeout,
			MaxAttempts:    cfg.Request.MaxAttempts,
			Deadline:       cfg.Request.Deadline,
		},
		MaxNameLen: cfg.Cache.MaxNameLen,
		DirStat:    cfg.Cache.DirStat,
	}
}

// Close unmounts the session and stops its membership source.
func (s *Session) Close() error {
	s.Unmount()
	return errors.Join(s.comm.Stop(), s.Membership.Stop(context.Background()))
}
