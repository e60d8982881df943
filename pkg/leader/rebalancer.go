// Package leader elects one worker per group and, while it leads, keeps
// every live worker's Membership in line with the endpoint set and the
// pause flag.
package leader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cdcgroup/internal/telemetry"
	"github.com/ryandielhenn/cdcgroup/pkg/membership"
	"github.com/ryandielhenn/cdcgroup/pkg/registry"
	"github.com/ryandielhenn/cdcgroup/pkg/rpc"
)

type Config struct {
	// RebalanceInterval forces a pass even when nothing was observed to
	// change.
	RebalanceInterval time.Duration
	// RetryInterval schedules another pass after a failed one.
	RetryInterval   time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Snapshot is the whole input of a rebalancing pass.
type Snapshot struct {
	Endpoints []registry.Endpoint // ordered by address
	Paused    bool
}

// Targets maps each endpoint address to the membership it should hold.
// Every endpoint is absent while paused; otherwise the i-th endpoint in
// address order gets Membership(i+1, N).
func Targets(s Snapshot) map[string]*membership.Membership {
	out := make(map[string]*membership.Membership, len(s.Endpoints))
	var ms []membership.Membership
	if !s.Paused {
		ms = membership.Assign(len(s.Endpoints))
	}
	for i, ep := range s.Endpoints {
		if s.Paused {
			out[ep.Address] = nil
			continue
		}
		out[ep.Address] = ms[i].Ptr()
	}
	return out
}

type Rebalancer struct {
	reg *registry.Registry
	bc  *rpc.Broadcaster
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	blocked []string // endpoints that last failed to release, sorted
}

func NewRebalancer(reg *registry.Registry, bc *rpc.Broadcaster, cfg Config, log *zap.Logger) *Rebalancer {
	return &Rebalancer{reg: reg, bc: bc, cfg: cfg.withDefaults(), log: log}
}

// Snapshot reads the live endpoint set and the pause flag.
func (r *Rebalancer) Snapshot(ctx context.Context) (Snapshot, error) {
	eps, err := r.reg.ListEndpoints(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	paused, err := r.reg.Paused(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Endpoints: eps, Paused: paused}, nil
}

// Rebalance brings every endpoint in snap to its target membership.
//
// Endpoints whose reported membership differs from the target, or whose
// status could not be read, are changed in two phases so no two workers
// ever stream the same shard: first every such endpoint that may hold a
// membership is told to drop it, then, only if all of them did, the new
// memberships are pushed. A failed pass is safe to repeat.
func (r *Rebalancer) Rebalance(ctx context.Context, snap Snapshot) (err error) {
	defer func() {
		if err != nil {
			telemetry.RebalancesTotal.WithLabelValues("failed").Inc()
		}
	}()
	telemetry.LiveEndpoints.Set(float64(len(snap.Endpoints)))
	if len(snap.Endpoints) == 0 {
		r.setBlocked(nil, nil)
		telemetry.RebalancesTotal.WithLabelValues("noop").Inc()
		return nil
	}

	targets := Targets(snap)
	statuses := r.bc.Status(ctx, snap.Endpoints)

	var changed, holding []registry.Endpoint
	for _, ep := range snap.Endpoints {
		res := statuses[ep.Address]
		if res.Err == nil && membership.Equal(res.Value.Membership, targets[ep.Address]) {
			continue
		}
		changed = append(changed, ep)
		if res.Err != nil || res.Value.Membership != nil {
			holding = append(holding, ep)
		}
	}
	if len(changed) == 0 {
		r.setBlocked(nil, nil)
		telemetry.RebalancesTotal.WithLabelValues("noop").Inc()
		return nil
	}

	r.log.Info("rebalancing",
		zap.Int("endpoints", len(snap.Endpoints)),
		zap.Int("changed", len(changed)),
		zap.Bool("paused", snap.Paused))

	if len(holding) > 0 {
		blocked, err := failures(r.bc.Assign(ctx, holding, nil))
		r.setBlocked(blocked, err)
		if err != nil {
			return fmt.Errorf("release memberships: %w", err)
		}
	} else {
		r.setBlocked(nil, nil)
	}

	var starting []registry.Endpoint
	for _, ep := range changed {
		if targets[ep.Address] != nil {
			starting = append(starting, ep)
		}
	}
	if len(starting) > 0 {
		if _, err := failures(r.bc.Assign(ctx, starting, targets)); err != nil {
			return fmt.Errorf("push memberships: %w", err)
		}
	}

	for _, ep := range changed {
		r.log.Debug("membership pushed", zap.String("endpoint", ep.Address), zap.String("membership", membership.Format(targets[ep.Address])))
	}
	telemetry.RebalancesTotal.WithLabelValues("applied").Inc()
	return nil
}

// failures returns the sorted addresses whose call failed and the joined
// errors.
func failures[T any](results map[string]rpc.Result[T]) ([]string, error) {
	var (
		addrs []string
		errs  []error
	)
	for addr, res := range results {
		if res.Err != nil {
			addrs = append(addrs, addr)
			errs = append(errs, res.Err)
		}
	}
	slices.Sort(addrs)
	return addrs, errors.Join(errs...)
}

// setBlocked records the endpoints holding back new memberships. The set
// is logged at Warn only when it changes, so a stuck group does not flood
// the log every retry.
func (r *Rebalancer) setBlocked(addrs []string, err error) {
	telemetry.BlockedEndpoints.Set(float64(len(addrs)))

	r.mu.Lock()
	changed := !slices.Equal(r.blocked, addrs)
	r.blocked = addrs
	r.mu.Unlock()

	switch {
	case len(addrs) == 0 && changed:
		r.log.Info("no endpoints blocking rebalance")
	case len(addrs) == 0:
	case changed:
		r.log.Warn("endpoints failed to release their membership; holding back new assignments until they do or their sessions expire",
			zap.Strings("endpoints", addrs), zap.Error(err))
	default:
		r.log.Debug("rebalance still blocked", zap.Strings("endpoints", addrs))
	}
}

// Blocked returns the endpoints that failed to release their membership in
// the last pass.
func (r *Rebalancer) Blocked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.blocked)
}

// Run rebalances once, then again on every endpoint or control change,
// every RebalanceInterval, and RetryInterval after a failed pass. Bursts
// of notifications collapse into one pass. Run returns when ctx is done.
func (r *Rebalancer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	endpoints := r.reg.WatchEndpoints(ctx)
	control := r.reg.WatchControl(ctx)

	ticker := time.NewTicker(r.cfg.RebalanceInterval)
	defer ticker.Stop()
	retry := time.NewTimer(r.cfg.RetryInterval)
	retry.Stop()
	defer retry.Stop()

	pass := func() {
		err := r.pass(ctx)
		if err == nil || ctx.Err() != nil {
			retry.Stop()
			return
		}
		r.log.Warn("rebalance failed; retrying", zap.Duration("in", r.cfg.RetryInterval), zap.Error(err))
		retry.Reset(r.cfg.RetryInterval)
	}

	pass()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-endpoints:
			if !ok {
				endpoints = nil
			}
		case _, ok := <-control:
			if !ok {
				control = nil
			}
		case <-ticker.C:
		case <-retry.C:
		}
		if ctx.Err() != nil {
			return nil
		}
		endpoints, control = drain(endpoints), drain(control)
		pass()
	}
}

func (r *Rebalancer) pass(ctx context.Context) error {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		telemetry.RebalancesTotal.WithLabelValues("failed").Inc()
		return err
	}
	return r.Rebalance(ctx, snap)
}

// drain discards notifications already queued on ch. It returns nil once
// ch is closed.
func drain[T any](ch <-chan T) <-chan T {
	for ch != nil {
		select {
		case _, ok := <-ch:
			if !ok {
				return nil
			}
		default:
			return ch
		}
	}
	return nil
}
