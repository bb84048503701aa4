package node

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/AnishMulay/sandmeta/internal/cluster_service"
	clusteretcd "github.com/AnishMulay/sandmeta/internal/cluster_service/etcd"
	clusterstatic "github.com/AnishMulay/sandmeta/internal/cluster_service/static"
	"github.com/AnishMulay/sandmeta/internal/communication"
	grpccomm "github.com/AnishMulay/sandmeta/internal/communication/grpc"
	httpcomm "github.com/AnishMulay/sandmeta/internal/communication/http"
	"github.com/AnishMulay/sandmeta/internal/config"
	logservice "github.com/AnishMulay/sandmeta/internal/log_service"
	locallog "github.com/AnishMulay/sandmeta/internal/log_service/localdisc"
	"github.com/AnishMulay/sandmeta/internal/log_service/zaplog"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
)

// NewLogService builds the configured logger for one process identity.
func NewLogService(cfg config.LogConfig, id string) (logservice.LogService, error) {
	switch cfg.Type {
	case "localdisc":
		return locallog.NewLocalDiscLogService(filepath.Join(cfg.Dir, id), id, cfg.Level)
	case "zap":
		return zaplog.NewZapLogService(id, cfg.Level)
	}
	return nil, fmt.Errorf("%w: log type %q", config.ErrInvalidConfig, cfg.Type)
}

// NewCommunicator builds a transport endpoint with the metadata payloads registered.
func NewCommunicator(cfg config.TransportConfig, addr string, ls logservice.LogService) (communication.Communicator, error) {
	var comm communication.Communicator
	switch cfg.Type {
	case "grpc":
		comm = grpccomm.NewGRPCCommunicator(addr, ls)
	case "http":
		comm = httpcomm.NewHTTPCommunicator(addr, ls)
	default:
		return nil, fmt.Errorf("%w: transport %q", config.ErrInvalidConfig, cfg.Type)
	}
	ms.RegisterPayloads(comm)
	return comm, nil
}

// NewClusterService builds the replica membership source. It is not started.
func NewClusterService(cfg config.ReplicasConfig, ls logservice.LogService) (cluster_service.ClusterService, error) {
	switch cfg.Type {
	case "static":
		return clusterstatic.NewStaticClusterService(cfg.Static, ls), nil
	case "etcd":
		var opts []clusteretcd.Option
		if cfg.Etcd.Prefix != "" {
			opts = append(opts, clusteretcd.WithPrefix(cfg.Etcd.Prefix))
		}
		if cfg.Etcd.DialTimeout > 0 {
			opts = append(opts, clusteretcd.WithDialTimeout(cfg.Etcd.DialTimeout))
		}
		return clusteretcd.NewEtcdClusterService(cfg.Etcd.Endpoints, ls, opts...), nil
	}
	return nil, fmt.Errorf("%w: replicas type %q", config.ErrInvalidConfig, cfg.Type)
}

const startTimeout = 10 * time.Second
