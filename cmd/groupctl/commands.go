package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/ryandielhenn/cdcgroup/pkg/membership"
	"github.com/ryandielhenn/cdcgroup/pkg/registry"
	"github.com/ryandielhenn/cdcgroup/pkg/rpc"
)

var errUsage = errors.New("bad usage")

type cli struct {
	reg *registry.Registry
	bc  *rpc.Broadcaster
	in  io.Reader
	out io.Writer
}

func (c *cli) dispatch(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "put-config":
		if len(rest) != 1 {
			return fmt.Errorf("%w: put-config <file|->", errUsage)
		}
		return c.putConfig(ctx, rest[0])
	case "pause":
		if err := c.reg.Pause(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "paused")
		return nil
	case "resume":
		if err := c.reg.Resume(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "running")
		return nil
	case "status":
		return c.status(ctx)
	case "leader":
		return c.leader(ctx)
	case "endpoints":
		return c.endpoints(ctx)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (c *cli) putConfig(ctx context.Context, src string) error {
	var (
		data []byte
		err  error
	)
	if src == "-" {
		data, err = io.ReadAll(c.in)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return err
	}
	if err := c.reg.PutConfig(ctx, data); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "config published (%d bytes)\n", len(data))
	return nil
}

func (c *cli) leader(ctx context.Context) error {
	addr, ok, err := c.reg.LeaderEndpoint(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no leader elected")
	}
	fmt.Fprintln(c.out, addr)
	return nil
}

func (c *cli) endpoints(ctx context.Context) error {
	eps, err := c.reg.ListEndpoints(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tADDRESS\tSESSION")
	for _, ep := range eps {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ep.Key, ep.Address, ep.Session)
	}
	return tw.Flush()
}

// status prints one row per endpoint and fails if any endpoint could not
// be polled.
func (c *cli) status(ctx context.Context) error {
	eps, err := c.reg.ListEndpoints(ctx)
	if err != nil {
		return err
	}
	paused, err := c.reg.Paused(ctx)
	if err != nil {
		return err
	}
	results := c.bc.Status(ctx, eps)

	state := "running"
	if paused {
		state = "paused"
	}
	fmt.Fprintf(c.out, "group %s: %d endpoints\n", state, len(eps))

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tMEMBERSHIP\tSTATE\tERROR")
	failed := 0
	for _, ep := range eps {
		res := results[ep.Address]
		if res.Err != nil {
			failed++
			fmt.Fprintf(tw, "%s\t-\t-\t%v\n", ep.Address, res.Err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t\n", ep.Address, membership.Format(res.Value.Membership), res.Value.State)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d endpoints unreachable", failed, len(eps))
	}
	return nil
}
