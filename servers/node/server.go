// Package node wires sandmeta processes: metadata replicas serving an
// in-memory namespace and client sessions mounting them.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/AnishMulay/sandmeta/internal/cluster_service"
	clusteretcd "github.com/AnishMulay/sandmeta/internal/cluster_service/etcd"
	"github.com/AnishMulay/sandmeta/internal/communication"
	"github.com/AnishMulay/sandmeta/internal/config"
	logservice "github.com/AnishMulay/sandmeta/internal/log_service"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
	"github.com/AnishMulay/sandmeta/internal/metadata_server/memserver"
)

type Options struct {
	Config *config.Config
	// IDs selects which configured replicas this process serves. Empty serves all.
	IDs []string
}

type hosted struct {
	node    cluster_service.ClusterNode
	replica *memserver.Replica
	comm    communication.Communicator
	// membership this replica registers itself with
	cs cluster_service.ClusterService
}

// Server runs one or more replicas over a shared namespace.
type Server struct {
	cfg        *config.Config
	ls         logservice.LogService
	ns         *memserver.Namespace
	membership cluster_service.ClusterService
	dir        *cluster_service.Directory
	replicas   []hosted
}

func Build(opts Options, ls logservice.LogService) (*Server, error) {
	cfg := opts.Config
	want := make(map[string]bool)
	for _, id := range opts.IDs {
		want[id] = true
	}

	membership, err := NewClusterService(cfg.Replicas, ls)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:        cfg,
		ls:         ls,
		membership: membership,
		dir:        cluster_service.NewDirectory(membership, ls),
	}
	s.ns = memserver.NewNamespace(ls, memserver.WithAuthority(s.authority))

	for _, n := range cfg.Replicas.Static {
		if len(want) > 0 && !want[n.ID] {
			continue
		}
		delete(want, n.ID)
		comm, err := NewCommunicator(cfg.Transport, n.Address, ls)
		if err != nil {
			return nil, err
		}
		h := hosted{node: n, replica: s.ns.Replica(n.ID), comm: comm}
		if cfg.Replicas.Type == "etcd" {
			if h.cs, err = NewClusterService(cfg.Replicas, ls); err != nil {
				return nil, err
			}
		}
		s.replicas = append(s.replicas, h)
	}
	for id := range want {
		return nil, fmt.Errorf("%w: replica %q is not configured", config.ErrInvalidConfig, id)
	}
	if len(s.replicas) == 0 {
		return nil, fmt.Errorf("%w: no replicas to serve", config.ErrInvalidConfig)
	}
	return s, nil
}

// authority names the replica that must apply mutations inside dir.
func (s *Server) authority(dir ms.Ino) string {
	r, err := s.dir.Pick(cluster_service.UseAuthority, dir, nil)
	if err != nil {
		return ""
	}
	return r.ID
}

func (s *Server) Namespace() *memserver.Namespace {
	return s.ns
}

func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	if err := s.membership.Start(ctx); err != nil {
		return fmt.Errorf("start membership: %w", err)
	}
	for _, h := range s.replicas {
		if err := h.comm.Start(ms.Serve(h.replica)); err != nil {
			return fmt.Errorf("start replica %s: %w", h.node.ID, err)
		}
		if h.cs == nil {
			continue
		}
		if err := h.cs.Start(ctx); err != nil {
			return fmt.Errorf("start registration for %s: %w", h.node.ID, err)
		}
		if etcd, ok := h.cs.(*clusteretcd.EtcdClusterService); ok {
			if err := etcd.PublishConfig(ctx, h.node); err != nil {
				return fmt.Errorf("publish %s: %w", h.node.ID, err)
			}
		}
		if err := h.cs.RegisterNode(h.node); err != nil {
			return fmt.Errorf("register %s: %w", h.node.ID, err)
		}
	}

	s.ls.Info(logservice.LogEvent{
		Message:  "Metadata replicas serving",
		Metadata: map[string]any{"replicas": len(s.replicas), "transport": s.cfg.Transport.Type, "membership": s.cfg.Replicas.Type},
	})
	return nil
}

func (s *Server) Stop() error {
	var errs []error
	for _, h := range s.replicas {
		if h.cs != nil {
			errs = append(errs, h.cs.Stop(context.Background()))
		}
		errs = append(errs, h.comm.Stop())
	}
	errs = append(errs, s.membership.Stop(context.Background()))
	return errors.Join(errs...)
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		_ = s.Stop()
		return err
	}
	<-ctx.Done()
	return s.Stop()
}
