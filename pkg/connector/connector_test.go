package connector

import (
	"context"
	"net"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/cdcgroup/internal/config"
	"github.com/ryandielhenn/cdcgroup/pkg/coord/memstore"
	"github.com/ryandielhenn/cdcgroup/pkg/leader"
	"github.com/ryandielhenn/cdcgroup/pkg/membership"
	"github.com/ryandielhenn/cdcgroup/pkg/registry"
	"github.com/ryandielhenn/cdcgroup/pkg/rpc"
	"github.com/ryandielhenn/cdcgroup/pkg/worker"
)

const (
	group    = "orders"
	converge = 5 * time.Second
	tick     = 20 * time.Millisecond
)

// process is one worker process with its own store client, so it can be
// crashed independently of the others.
type process struct {
	w      *Worker
	client *memstore.Client
	addr   string
	cancel context.CancelFunc
	done   chan error
}

type cluster struct {
	t     *testing.T
	store *memstore.Cluster
	admin *registry.Registry
	bc    *rpc.Broadcaster
}

func newCluster(t *testing.T) *cluster {
	store := memstore.NewCluster()
	admin := store.NewClient()
	t.Cleanup(func() { _ = admin.Close() })
	log := zaptest.NewLogger(t)
	bc := rpc.NewBroadcaster(rpc.BroadcasterConfig{CallTimeout: time.Second}, log)
	t.Cleanup(bc.Close)
	return &cluster{t: t, store: store, admin: registry.New(admin, group, log), bc: bc}
}

func (c *cluster) start(id string) *process {
	return c.startWith(id, worker.LogStreamer{Partitions: 64, Log: zaptest.NewLogger(c.t).Named(id)})
}

func (c *cluster) startWith(id string, streamer worker.Streamer) *process {
	t := c.t
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	client := c.store.NewClient()
	log := zaptest.NewLogger(t).Named(id)
	p := &process{client: client, addr: "http://" + ln.Addr().String(), done: make(chan error, 1)}
	p.w = New(client, streamer, Options{
		Group:           group,
		WorkerID:        id,
		Address:         p.addr,
		SessionTTL:      150 * time.Millisecond,
		ShutdownTimeout: time.Second,
		Leader: leader.Config{
			RebalanceInterval: 200 * time.Millisecond,
			RetryInterval:     50 * time.Millisecond,
			ShutdownTimeout:   time.Second,
		},
		Broadcast: rpc.BroadcasterConfig{CallTimeout: 500 * time.Millisecond},
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() { p.done <- p.w.Run(ctx, ln) }()
	t.Cleanup(func() {
		p.stop(t)
		_ = client.Close()
	})
	return p
}

func (p *process) stop(t *testing.T) {
	t.Helper()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	select {
	case err := <-p.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// kill stops heartbeats without any cleanup, like a SIGKILLed process.
func (p *process) kill() { p.client.Crash() }

// statuses polls every registered endpoint the way an operator would.
func (c *cluster) statuses() []string {
	eps, err := c.admin.ListEndpoints(context.Background())
	if err != nil {
		return nil
	}
	var out []string
	for _, res := range c.bc.Status(context.Background(), eps) {
		if res.Err != nil {
			return nil
		}
		out = append(out, membership.Format(res.Value.Membership))
	}
	slices.Sort(out)
	return out
}

func (c *cluster) requireStatuses(want ...string) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		return slices.Equal(want, c.statuses())
	}, converge, tick, "want %v, last saw %v", want, c.statuses())
}

func holding(ps ...*process) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, membership.Format(p.w.Service().Status().Membership))
	}
	slices.Sort(out)
	return out
}

func TestSingleWorker(t *testing.T) {
	c := newCluster(t)
	p := c.start("w1")

	c.requireStatuses("1/1")
	require.Eventually(t, p.w.IsLeader, converge, tick)

	addr, ok, err := c.admin.LeaderEndpoint(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p.addr, addr)
}

func TestPauseResumeAndLeaderFailover(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	require.NoError(t, c.admin.PutConfig(ctx, []byte(`{"source":"orders"}`)))
	require.NoError(t, c.admin.Pause(ctx))

	ps := []*process{c.start("w1"), c.start("w2"), c.start("w3")}
	require.Eventually(t, func() bool {
		eps, err := c.admin.ListEndpoints(ctx)
		return err == nil && len(eps) == 3
	}, converge, tick)

	// Paused workers are never assigned, however long they wait.
	for range 5 {
		c.requireStatuses("none", "none", "none")
		time.Sleep(50 * time.Millisecond)
	}

	require.NoError(t, c.admin.Resume(ctx))
	c.requireStatuses("1/3", "2/3", "3/3")

	var lead *process
	require.Eventually(t, func() bool {
		for _, p := range ps {
			if p.w.IsLeader() {
				lead = p
				return true
			}
		}
		return false
	}, converge, tick)

	lead.kill()
	var rest []*process
	for _, p := range ps {
		if p != lead {
			rest = append(rest, p)
		}
	}
	c.requireStatuses("1/2", "2/2")
	assert.Equal(t, []string{"1/2", "2/2"}, holding(rest...))

	require.Eventually(t, func() bool {
		return rest[0].w.IsLeader() != rest[1].w.IsLeader()
	}, converge, tick)
	assert.Eventually(t, func() bool {
		return lead.w.Service().Status().Membership == nil
	}, converge, tick, "killed leader kept streaming after its session expired")
}

func TestCleanShutdownHandsOver(t *testing.T) {
	c := newCluster(t)
	a, b := c.start("w1"), c.start("w2")
	c.requireStatuses("1/2", "2/2")

	a.stop(t)
	assert.Equal(t, worker.StateStopped, a.w.Service().Status().State)

	c.requireStatuses("1/1")
	assert.Equal(t, []string{"1/1"}, holding(b))
	require.Eventually(t, b.w.IsLeader, converge, tick)
}

type stopFunc func(context.Context) error

func (f stopFunc) Stop(ctx context.Context) error { return f(ctx) }

func TestCleanShutdownStopsStreamingBeforeDeregistering(t *testing.T) {
	c := newCluster(t)
	key := c.admin.Keys().Endpoint("w1")

	var stops, stoppedWhileRegistered atomic.Int32
	streamer := worker.StreamerFunc(func(context.Context, membership.Membership) (worker.Stream, error) {
		return stopFunc(func(context.Context) error {
			stops.Add(1)
			eps, err := c.admin.ListEndpoints(context.Background())
			if err == nil && slices.ContainsFunc(eps, func(ep registry.Endpoint) bool { return ep.Key == key }) {
				stoppedWhileRegistered.Add(1)
			}
			return nil
		}), nil
	})

	p := c.startWith("w1", streamer)
	c.requireStatuses("1/1")

	p.stop(t)
	assert.Equal(t, int32(1), stops.Load())
	assert.Equal(t, int32(1), stoppedWhileRegistered.Load(), "endpoint was deregistered while still streaming")
	assert.Equal(t, worker.StateStopped, p.w.Service().Status().State)

	eps, err := c.admin.ListEndpoints(context.Background())
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestReRegistersAfterSessionExpiry(t *testing.T) {
	c := newCluster(t)
	a, b := c.start("w1"), c.start("w2")
	c.requireStatuses("1/2", "2/2")

	old := a.w.SessionID()
	require.NotEmpty(t, old)
	require.True(t, c.store.ExpireSession(old))

	require.Eventually(t, func() bool {
		id := a.w.SessionID()
		return id != "" && id != old
	}, converge, tick)
	c.requireStatuses("1/2", "2/2")
	assert.Equal(t, []string{"1/2", "2/2"}, holding(a, b))
}

func TestAssignIsIdempotentOverRPC(t *testing.T) {
	c := newCluster(t)
	p := c.start("w1")
	c.requireStatuses("1/1")

	client := rpc.NewWorkerClient(p.addr, nil)
	ctx := context.Background()
	m := membership.Of(1, 1).Ptr()
	for range 2 {
		require.NoError(t, client.Assign(ctx, m))
		st, err := client.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, m, st.Membership)
		assert.Equal(t, "assigned", st.State)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Group = "orders"
	cfg.Advertise = "http://w1:9000/"

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "orders", opts.Group)
	assert.Equal(t, "http://w1:9000", opts.Address)
	assert.Equal(t, cfg.SessionTTL, opts.SessionTTL)
	assert.Equal(t, cfg.RetryInterval, opts.Leader.RetryInterval)
	assert.Equal(t, cfg.RPCTimeout, opts.Broadcast.CallTimeout)
	assert.Equal(t, cfg.BroadcastConcurrency, opts.Broadcast.MaxConcurrency)
}
