// Command groupctl administers a connector group: publish its config,
// pause or resume it, and inspect endpoints, leader and memberships.
//
//	groupctl -group orders pause
//	groupctl -group orders status
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ryandielhenn/cdcgroup/internal/backend"
	"github.com/ryandielhenn/cdcgroup/internal/config"
	"github.com/ryandielhenn/cdcgroup/internal/logging"
	"github.com/ryandielhenn/cdcgroup/pkg/registry"
	"github.com/ryandielhenn/cdcgroup/pkg/rpc"
)

const usage = `usage: groupctl [flags] <command> [args]

commands:
  put-config <file|->   publish the group config blob
  pause                 stop every worker streaming
  resume                let the leader assign memberships again
  status                poll every registered worker's membership
  leader                print the current leader's address
  endpoints             list registered worker endpoints

flags:
`

func main() {
	fs := flag.NewFlagSet("groupctl", flag.ExitOnError)
	path := fs.String("config", os.Getenv("CDC_CONFIG"), "path to YAML config file")
	group := fs.String("group", "", "connector group (overrides config)")
	store := fs.String("store", "", "store backend: etcd or zookeeper (overrides config)")
	endpoints := fs.String("endpoints", "", "comma separated store endpoints (overrides config)")
	timeout := fs.Duration("timeout", 10*time.Second, "overall command timeout")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	overrides := map[string]string{
		"CDC_GROUP":           *group,
		"CDC_STORE":           *store,
		"CDC_STORE_ENDPOINTS": *endpoints,
	}
	getenv := func(k string) string {
		if v := overrides[k]; v != "" {
			return v
		}
		return os.Getenv(k)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, *path, getenv, fs.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "groupctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string, getenv func(string) string, args []string) error {
	cfg, err := config.Load(path, getenv)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if strings.EqualFold(level, "info") {
		level = "warn"
	}
	log, err := logging.New(level, true)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := backend.Open(ctx, cfg.Store, cfg.SessionTTL, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	bc := rpc.NewBroadcaster(rpc.BroadcasterConfig{
		CallTimeout:    cfg.RPCTimeout,
		MaxConcurrency: cfg.BroadcastConcurrency,
	}, log)
	defer bc.Close()

	c := &cli{reg: registry.New(store, cfg.Group, log), bc: bc, in: os.Stdin, out: os.Stdout}
	return c.dispatch(ctx, args)
}
