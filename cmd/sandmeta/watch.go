package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/AnishMulay/sandmeta/internal/cluster_service"
	"github.com/AnishMulay/sandmeta/internal/config"
	"github.com/AnishMulay/sandmeta/servers/node"
)

const watchPoll = 5 * time.Second

// runWatch prints the replica map whenever it changes. Changes are pushed by
// the membership source and polled as a fallback.
func runWatch(ctx context.Context, cfg *config.Config) error {
	ls, err := node.NewLogService(cfg.Log, "sandmeta-watch")
	if err != nil {
		return err
	}
	membership, err := node.NewClusterService(cfg.Replicas, ls)
	if err != nil {
		return err
	}
	if err := membership.Start(ctx); err != nil {
		return err
	}
	defer membership.Stop(context.Background())

	changed := make(chan struct{}, 1)
	membership.Watch(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(watchPoll)
		defer ticker.Stop()
		last, epoch := "", 0
		for {
			if current, err := renderReplicas(membership); err != nil {
				return err
			} else if current != last {
				epoch++
				fmt.Printf("e%d %s\n%s", epoch, time.Now().Format(time.RFC3339), current)
				last = current
			}
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
			case <-ticker.C:
			}
		}
	})
	serveMetrics(ctx, g, cfg, prometheus.NewRegistry(), ls)
	return g.Wait()
}

func renderReplicas(cs cluster_service.ClusterService) (string, error) {
	replicas, err := cs.GetAllNodes()
	if err != nil {
		return "", err
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i].ID < replicas[j].ID })
	var b strings.Builder
	for _, r := range replicas {
		fmt.Fprintf(&b, "  %-12s %-24s %s\n", r.ID, r.Address, r.Status)
	}
	return b.String(), nil
}
