package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/AnishMulay/sandmeta/internal/config"
	logservice "github.com/AnishMulay/sandmeta/internal/log_service"
	"github.com/AnishMulay/sandmeta/internal/metrics"
	"github.com/AnishMulay/sandmeta/servers/node"
)

const usage = `usage: sandmeta [-config file] <command> [args]

commands:
  serve [-ids a,b]        run metadata replicas from the config
  watch                   print replica membership as it changes
  stat PATH               show attributes
  ls PATH                 list a directory
  mkdir PATH
  touch PATH              create a regular file
  symlink TARGET PATH
  ln SRC DST              hard link
  rm PATH
  rmdir PATH
  mv SRC DST
  dirstat PATH            recursive directory statistics
`

func main() {
	configPath := flag.String("config", "sandmeta.yaml", "Config file (created with defaults if missing)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if err := run(ctx, cfg, cmd, args); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func run(ctx context.Context, cfg *config.Config, cmd string, args []string) error {
	switch cmd {
	case "serve":
		fs := flag.NewFlagSet("serve", flag.ExitOnError)
		ids := fs.String("ids", "", "Comma-separated replica ids to serve (default all)")
		_ = fs.Parse(args)
		return runServe(ctx, cfg, splitList(*ids))
	case "watch":
		return runWatch(ctx, cfg)
	}

	ls, err := node.NewLogService(cfg.Log, "sandmeta-cli")
	if err != nil {
		return err
	}
	s, err := node.Mount(ctx, cfg, ls, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return runClient(ctx, s, cmd, args)
}

func runServe(ctx context.Context, cfg *config.Config, ids []string) error {
	ls, err := node.NewLogService(cfg.Log, "sandmeta-mds")
	if err != nil {
		return err
	}
	srv, err := node.Build(node.Options{Config: cfg, IDs: ids}, ls)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	serveMetrics(ctx, g, cfg, prometheus.NewRegistry(), ls)
	return g.Wait()
}

// serveMetrics exposes reg when metrics are enabled.
func serveMetrics(ctx context.Context, g *errgroup.Group, cfg *config.Config, reg *prometheus.Registry, ls logservice.LogService) {
	if !cfg.Metrics.Enabled {
		return
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	g.Go(func() error { return metrics.Serve(ctx, cfg.Metrics.Listen, reg, ls) })
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
