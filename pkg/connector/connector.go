// Package connector assembles one worker process of a connector group:
// its store session and endpoint registration, the worker RPC server, and
// the leader elector.
package connector

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/cdcgroup/internal/config"
	"github.com/ryandielhenn/cdcgroup/pkg/coord"
	"github.com/ryandielhenn/cdcgroup/pkg/leader"
	"github.com/ryandielhenn/cdcgroup/pkg/registry"
	"github.com/ryandielhenn/cdcgroup/pkg/rpc"
	"github.com/ryandielhenn/cdcgroup/pkg/worker"
)

type Options struct {
	Group    string
	WorkerID string // generated when empty
	// Address is what peers dial to reach this worker's RPC server.
	Address         string
	SessionTTL      time.Duration
	ShutdownTimeout time.Duration
	Leader          leader.Config
	Broadcast       rpc.BroadcasterConfig
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Group:           cfg.Group,
		WorkerID:        cfg.WorkerID,
		Address:         cfg.AdvertiseURL(),
		SessionTTL:      cfg.SessionTTL,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Leader: leader.Config{
			RebalanceInterval: cfg.RebalanceInterval,
			RetryInterval:     cfg.RetryInterval,
			ShutdownTimeout:   cfg.ShutdownTimeout,
		},
		Broadcast: rpc.BroadcasterConfig{
			CallTimeout:    cfg.RPCTimeout,
			MaxConcurrency: cfg.BroadcastConcurrency,
		},
	}
}

type Worker struct {
	opts    Options
	store   coord.Store
	reg     *registry.Registry
	svc     *worker.Service
	bc      *rpc.Broadcaster
	elector *leader.Elector
	log     *zap.Logger

	session atomic.Pointer[string]
}

func New(store coord.Store, streamer worker.Streamer, opts Options, log *zap.Logger) *Worker {
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	log = log.With(zap.String("group", opts.Group), zap.String("worker", opts.WorkerID))

	reg := registry.New(store, opts.Group, log)
	bc := rpc.NewBroadcaster(opts.Broadcast, log)
	rebal := leader.NewRebalancer(reg, bc, opts.Leader, log.Named("rebalancer"))
	return &Worker{
		opts:    opts,
		store:   store,
		reg:     reg,
		svc:     worker.NewService(streamer, log.Named("service")),
		bc:      bc,
		elector: leader.NewElector(reg, rebal, opts.Address, opts.Leader, log.Named("elector")),
		log:     log,
	}
}

func (w *Worker) ID() string { return w.opts.WorkerID }
func (w *Worker) Service() *worker.Service { return w.svc }
func (w *Worker) IsLeader() bool { return w.elector.IsLeader() }

// SessionID is the id of the store session currently backing the
// worker's registration, or "" between sessions.
func (w *Worker) SessionID() string {
	if id := w.session.Load(); id != nil {
		return *id
	}
	return ""
}

// Run serves the worker RPC service on ln and takes part in the group
// until ctx is cancelled. On return the lock is released, streaming is
// stopped and then the endpoint deregistered, each bounded by the
// shutdown timeout.
func (w *Worker) Run(ctx context.Context, ln net.Listener) error {
	defer w.bc.Close()

	meta := worker.Meta{Group: w.opts.Group, WorkerID: w.opts.WorkerID, Address: w.opts.Address}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Serve(gctx, ln, w.svc.Handler(meta), w.opts.ShutdownTimeout, w.log)
	})
	g.Go(func() error {
		return w.participate(gctx)
	})
	err := g.Wait()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.ShutdownTimeout)
	defer cancel()
	if cerr := w.svc.Close(sctx); cerr != nil {
		w.log.Warn("stop streaming on shutdown", zap.Error(cerr))
		err = errors.Join(err, cerr)
	}
	w.log.Info("worker stopped")
	return err
}

// participate keeps the worker registered and campaigning, opening a new
// session whenever the current one expires.
func (w *Worker) participate(ctx context.Context) error {
	w.logGroupConfig(ctx)
	for {
		var sess coord.Session
		err := coord.Retry(ctx, w.log, "open session", func(ctx context.Context) error {
			var err error
			sess, err = w.store.NewSession(ctx, w.opts.SessionTTL)
			return err
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		err = w.runSession(ctx, sess)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, coord.ErrSessionExpired) {
			return err
		}

		// The leader may already have handed our shard to someone else.
		w.log.Warn("session expired; abandoning assignment and re-registering")
		if err := w.svc.Assign(ctx, nil); err != nil {
			w.log.Error("abandon assignment", zap.Error(err))
		}
	}
}

func (w *Worker) runSession(ctx context.Context, sess coord.Session) error {
	id := sess.ID()
	w.session.Store(&id)
	log := w.log.With(zap.String("session", id))
	defer func() {
		w.session.Store(nil)
		_ = sess.Close()
	}()

	var ep registry.Endpoint
	err := coord.Retry(ctx, log, "register endpoint", func(ctx context.Context) error {
		var err error
		ep, err = w.reg.Register(ctx, sess, w.opts.WorkerID, w.opts.Address)
		return err
	})
	if err != nil {
		return err
	}
	log.Info("endpoint registered", zap.String("key", ep.Key), zap.String("address", ep.Address))

	err = w.elector.Run(ctx, sess)

	select {
	case <-sess.Done():
	default:
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.ShutdownTimeout)
		defer cancel()
		// Stop streaming while still registered: once the endpoint is gone
		// the leader may hand our shard to another worker.
		if ctx.Err() != nil {
			if cerr := w.svc.Close(sctx); cerr != nil {
				log.Warn("stop streaming before deregistering", zap.Error(cerr))
			}
		}
		if derr := w.reg.Deregister(sctx, sess, ep); derr != nil {
			log.Warn("deregister endpoint", zap.Error(derr))
		}
	}
	return err
}

func (w *Worker) logGroupConfig(ctx context.Context) {
	blob, ok, err := w.reg.Config(ctx)
	switch {
	case err != nil:
		w.log.Warn("read group config", zap.Error(err))
	case !ok:
		w.log.Info("no group config published")
	default:
		w.log.Info("group config loaded", zap.Int("bytes", len(blob)))
	}
}
