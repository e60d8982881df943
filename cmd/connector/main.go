// Command connector runs one worker of a CDC connector group.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cdcgroup/internal/backend"
	"github.com/ryandielhenn/cdcgroup/internal/config"
	"github.com/ryandielhenn/cdcgroup/internal/logging"
	"github.com/ryandielhenn/cdcgroup/internal/telemetry"
	"github.com/ryandielhenn/cdcgroup/pkg/connector"
	"github.com/ryandielhenn/cdcgroup/pkg/worker"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	path := flag.String("config", os.Getenv("CDC_CONFIG"), "path to YAML config file")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, "connector:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path, os.Getenv)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("[Boot] opening coordination store",
		zap.String("backend", cfg.Store.Backend),
		zap.Strings("endpoints", cfg.Store.Endpoints))
	store, err := backend.Open(ctx, cfg.Store, cfg.SessionTTL, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}

	opts := connector.OptionsFromConfig(cfg)
	streamer := worker.LogStreamer{Partitions: cfg.Partitions, Log: log.Named("stream")}
	w := connector.New(store, streamer, opts, log)
	log.Info("[Boot] connector starting",
		zap.String("group", opts.Group),
		zap.String("worker", w.ID()),
		zap.String("advertise", opts.Address),
		zap.String("version", version))
	return w.Run(ctx, ln)
}
