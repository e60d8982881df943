package rpc

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/cdcgroup/internal/telemetry"
	"github.com/ryandielhenn/cdcgroup/pkg/membership"
	"github.com/ryandielhenn/cdcgroup/pkg/registry"
)

// Result is the outcome of one endpoint's call. Err is an *Error when set.
type Result[T any] struct {
	Value T
	Err   error
}

type BroadcasterConfig struct {
	CallTimeout    time.Duration
	MaxConcurrency int
}

// Broadcaster issues one RPC to many endpoints at once. It is safe for
// concurrent use.
type Broadcaster struct {
	http    *http.Client
	timeout time.Duration
	limit   int
	log     *zap.Logger
}

func NewBroadcaster(cfg BroadcasterConfig, log *zap.Logger) *Broadcaster {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	return &Broadcaster{
		http:    &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		timeout: cfg.CallTimeout,
		limit:   cfg.MaxConcurrency,
		log:     log,
	}
}

// Client returns a WorkerClient for ep sharing the broadcaster's transport.
func (b *Broadcaster) Client(ep registry.Endpoint) *WorkerClient {
	return NewWorkerClient(ep.Address, b.http)
}

func (b *Broadcaster) Close() {
	b.http.CloseIdleConnections()
}

// Broadcast calls invoke on every endpoint concurrently and returns one
// Result per endpoint address. A failing endpoint never hides the others'
// results. Each call runs under the broadcaster's call timeout and is
// cancelled with ctx.
func Broadcast[S, T any](
	ctx context.Context,
	b *Broadcaster,
	op string,
	endpoints []registry.Endpoint,
	connect func(registry.Endpoint) S,
	invoke func(context.Context, S) (T, error),
) map[string]Result[T] {
	start := time.Now()
	defer func() {
		telemetry.BroadcastDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var (
		mu  sync.Mutex
		out = make(map[string]Result[T], len(endpoints))
		g   errgroup.Group
	)
	g.SetLimit(b.limit)
	for _, ep := range endpoints {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()

			v, err := invoke(cctx, connect(ep))
			result := "ok"
			if err != nil {
				err = &Error{Op: op, Address: ep.Address, Err: err}
				result = "error"
				b.log.Debug("broadcast call failed", zap.String("op", op), zap.Error(err))
			}
			telemetry.BroadcastCalls.WithLabelValues(op, result).Inc()

			mu.Lock()
			out[ep.Address] = Result[T]{Value: v, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Status polls every endpoint's status.
func (b *Broadcaster) Status(ctx context.Context, endpoints []registry.Endpoint) map[string]Result[StatusResponse] {
	return Broadcast(ctx, b, "status", endpoints, b.Client,
		func(ctx context.Context, c *WorkerClient) (StatusResponse, error) {
			return c.Status(ctx)
		})
}

// Assign pushes targets[address] to each endpoint. Endpoints without an
// entry in targets are sent a nil membership.
func (b *Broadcaster) Assign(ctx context.Context, endpoints []registry.Endpoint, targets map[string]*membership.Membership) map[string]Result[struct{}] {
	type call struct {
		c *WorkerClient
		m *membership.Membership
	}
	return Broadcast(ctx, b, "assign", endpoints,
		func(ep registry.Endpoint) call { return call{c: b.Client(ep), m: targets[ep.Address]} },
		func(ctx context.Context, a call) (struct{}, error) {
			return struct{}{}, a.c.Assign(ctx, a.m)
		})
}
