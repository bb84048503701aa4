package main

import (
	"context"
	"flag"
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/AnishMulay/sandmeta/internal/config"
	"github.com/AnishMulay/sandmeta/servers/node"
)

func main() {
	configPath := flag.String("config", "sandmeta.yaml", "Config file (created with defaults if missing)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	ls, err := node.NewLogService(cfg.Log, "sandmeta-mcp")
	if err != nil {
		log.Fatalf("Failed to create log service: %v", err)
	}

	session, err := node.Mount(context.Background(), cfg, ls, nil)
	if err != nil {
		log.Fatalf("Failed to mount: %v", err)
	}
	defer session.Close()

	s := server.NewMCPServer(
		"sandmeta",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	addTools(s, session)

	if err := server.ServeStdio(s); err != nil {
		log.Printf("Server error: %v", err)
	}
}
