package leader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ryandielhenn/cdcgroup/internal/telemetry"
	"github.com/ryandielhenn/cdcgroup/pkg/coord"
	"github.com/ryandielhenn/cdcgroup/pkg/coord/memstore"
	"github.com/ryandielhenn/cdcgroup/pkg/membership"
	"github.com/ryandielhenn/cdcgroup/pkg/registry"
	"github.com/ryandielhenn/cdcgroup/pkg/rpc"
	"github.com/ryandielhenn/cdcgroup/pkg/worker"
)

const ttl = 150 * time.Millisecond

var testConfig = Config{
	RebalanceInterval: 200 * time.Millisecond,
	RetryInterval:     50 * time.Millisecond,
	ShutdownTimeout:   time.Second,
}

type testWorker struct {
	svc    *worker.Service
	srv    *httptest.Server
	sess   coord.Session
	starts atomic.Int32
}

type env struct {
	t       *testing.T
	cluster *memstore.Cluster
	store   *memstore.Client
	reg     *registry.Registry
	bc      *rpc.Broadcaster
}

func newEnv(t *testing.T) *env {
	cluster := memstore.NewCluster()
	store := cluster.NewClient()
	t.Cleanup(func() { _ = store.Close() })
	log := zaptest.NewLogger(t)
	bc := rpc.NewBroadcaster(rpc.BroadcasterConfig{CallTimeout: time.Second}, log)
	t.Cleanup(bc.Close)
	return &env{t: t, cluster: cluster, store: store, reg: registry.New(store, "orders", log), bc: bc}
}

func (e *env) worker(id string) *testWorker {
	t := e.t
	w := &testWorker{}
	w.svc = worker.NewService(worker.StreamerFunc(func(ctx context.Context, m membership.Membership) (worker.Stream, error) {
		w.starts.Add(1)
		return worker.LogStreamer{Partitions: 16, Log: zaptest.NewLogger(t)}.Start(ctx, m)
	}), zaptest.NewLogger(t))
	w.srv = httptest.NewServer(w.svc.Handler(worker.Meta{WorkerID: id}))
	t.Cleanup(w.srv.Close)

	sess, err := e.store.NewSession(context.Background(), ttl)
	require.NoError(t, err)
	w.sess = sess
	_, err = e.reg.Register(context.Background(), sess, id, w.srv.URL)
	require.NoError(t, err)
	return w
}

func (e *env) rebalancer() *Rebalancer {
	return NewRebalancer(e.reg, e.bc, testConfig, zaptest.NewLogger(e.t))
}

func (e *env) snapshot() Snapshot {
	snap, err := e.rebalancer().Snapshot(context.Background())
	require.NoError(e.t, err)
	return snap
}

func memberships(ws ...*testWorker) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, membership.Format(w.svc.Status().Membership))
	}
	return out
}

func TestTargets(t *testing.T) {
	eps := []registry.Endpoint{{Address: "a:1"}, {Address: "b:1"}, {Address: "c:1"}}

	got := Targets(Snapshot{Endpoints: eps})
	assert.Equal(t, map[string]*membership.Membership{
		"a:1": membership.Of(1, 3).Ptr(),
		"b:1": membership.Of(2, 3).Ptr(),
		"c:1": membership.Of(3, 3).Ptr(),
	}, got)

	got = Targets(Snapshot{Endpoints: eps, Paused: true})
	require.Len(t, got, 3)
	for addr, m := range got {
		assert.Nil(t, m, addr)
	}

	assert.Empty(t, Targets(Snapshot{}))
}

func TestRebalanceAssignsContiguousMemberships(t *testing.T) {
	e := newEnv(t)
	ws := []*testWorker{e.worker("w1"), e.worker("w2"), e.worker("w3")}

	snap := e.snapshot()
	require.Len(t, snap.Endpoints, 3)
	require.NoError(t, e.rebalancer().Rebalance(context.Background(), snap))

	want := Targets(snap)
	for _, w := range ws {
		assert.Equal(t, want[w.srv.URL], w.svc.Status().Membership)
	}
	assert.ElementsMatch(t, []string{"1/3", "2/3", "3/3"}, memberships(ws...))
}

func TestRebalanceSkipsUnchangedEndpoints(t *testing.T) {
	e := newEnv(t)
	ws := []*testWorker{e.worker("w1"), e.worker("w2")}
	r := e.rebalancer()

	require.NoError(t, r.Rebalance(context.Background(), e.snapshot()))
	require.NoError(t, r.Rebalance(context.Background(), e.snapshot()))
	for _, w := range ws {
		assert.Equal(t, int32(1), w.starts.Load())
	}
}

func TestRebalancePausedClearsEveryone(t *testing.T) {
	e := newEnv(t)
	ws := []*testWorker{e.worker("w1"), e.worker("w2")}
	r := e.rebalancer()
	ctx := context.Background()

	require.NoError(t, r.Rebalance(ctx, e.snapshot()))
	require.NoError(t, e.reg.Pause(ctx))
	snap := e.snapshot()
	require.True(t, snap.Paused)
	require.NoError(t, r.Rebalance(ctx, snap))
	assert.Equal(t, []string{"none", "none"}, memberships(ws...))
}

func TestRebalanceRenumbersOnJoin(t *testing.T) {
	e := newEnv(t)
	r := e.rebalancer()
	ctx := context.Background()

	w1 := e.worker("w1")
	require.NoError(t, r.Rebalance(ctx, e.snapshot()))
	assert.Equal(t, membership.Of(1, 1).Ptr(), w1.svc.Status().Membership)

	w2 := e.worker("w2")
	require.NoError(t, r.Rebalance(ctx, e.snapshot()))
	assert.ElementsMatch(t, []string{"1/2", "2/2"}, memberships(w1, w2))
}

func TestRebalanceHoldsBackWhenReleaseFails(t *testing.T) {
	e := newEnv(t)
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRebalancer(e.reg, e.bc, testConfig, zap.New(core))
	ctx := context.Background()

	w := e.worker("w1")
	require.NoError(t, r.Rebalance(ctx, e.snapshot()))
	require.Equal(t, membership.Of(1, 1).Ptr(), w.svc.Status().Membership)

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	snap := e.snapshot()
	snap.Endpoints = append(snap.Endpoints, registry.Endpoint{Address: dead.URL})

	for range 2 {
		err := r.Rebalance(ctx, snap)
		require.Error(t, err)
		assert.ErrorIs(t, err, rpc.ErrRPCFailure)
	}
	// The live worker gave up 1/1 but was not given its new membership,
	// since the unreachable one might still be streaming.
	assert.Nil(t, w.svc.Status().Membership)

	assert.Equal(t, []string{dead.URL}, r.Blocked())
	assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.BlockedEndpoints))
	warned := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet("failed to release").All()
	require.Len(t, warned, 1, "blocked set is logged once, not on every retry")
	assert.Contains(t, warned[0].ContextMap()["endpoints"], dead.URL)

	// Once the unreachable endpoint drops out, the group moves on.
	require.NoError(t, r.Rebalance(ctx, e.snapshot()))
	assert.Empty(t, r.Blocked())
	assert.Zero(t, testutil.ToFloat64(telemetry.BlockedEndpoints))
	assert.Equal(t, membership.Of(1, 1).Ptr(), w.svc.Status().Membership)
}

func TestRebalanceNoEndpoints(t *testing.T) {
	e := newEnv(t)
	assert.NoError(t, e.rebalancer().Rebalance(context.Background(), Snapshot{}))
}

func TestRunFollowsEndpointsAndControl(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.rebalancer().Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	converged := func(want []string, ws ...*testWorker) {
		t.Helper()
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual(want, sorted(memberships(ws...)))
		}, 3*time.Second, 10*time.Millisecond, "want %v", want)
	}

	w1 := e.worker("w1")
	converged([]string{"1/1"}, w1)

	w2, w3 := e.worker("w2"), e.worker("w3")
	converged([]string{"1/3", "2/3", "3/3"}, w1, w2, w3)

	require.NoError(t, e.reg.Pause(context.Background()))
	converged([]string{"none", "none", "none"}, w1, w2, w3)

	require.NoError(t, e.reg.Resume(context.Background()))
	converged([]string{"1/3", "2/3", "3/3"}, w1, w2, w3)

	require.NoError(t, w2.sess.Close())
	converged([]string{"1/2", "2/2"}, w1, w3)
}

func TestRunRetriesAfterFailure(t *testing.T) {
	e := newEnv(t)
	w := e.worker("w1")

	e.cluster.SetAvailable(false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.rebalancer().Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, w.svc.Status().Membership)

	e.cluster.SetAvailable(true)
	require.Eventually(t, func() bool {
		return membership.Equal(w.svc.Status().Membership, membership.Of(1, 1).Ptr())
	}, 3*time.Second, 10*time.Millisecond)
}

func TestElectorSingleLeader(t *testing.T) {
	e := newEnv(t)
	log := zaptest.NewLogger(t)

	type candidate struct {
		el      *Elector
		cancel  context.CancelFunc
		err     error
		stopped chan struct{}
	}
	start := func(id string) *candidate {
		w := e.worker(id)
		ctx, cancel := context.WithCancel(context.Background())
		c := &candidate{
			el:      NewElector(e.reg, e.rebalancer(), w.srv.URL, testConfig, log),
			cancel:  cancel,
			stopped: make(chan struct{}),
		}
		go func() {
			defer close(c.stopped)
			c.err = c.el.Run(ctx, w.sess)
		}()
		t.Cleanup(func() {
			cancel()
			<-c.stopped
		})
		return c
	}
	a, b := start("w1"), start("w2")

	require.Eventually(t, func() bool { return a.el.IsLeader() != b.el.IsLeader() }, 2*time.Second, 10*time.Millisecond)
	first, second := a, b
	if b.el.IsLeader() {
		first, second = b, a
	}
	addr, ok, err := e.reg.LeaderEndpoint(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.el.address, addr)

	first.cancel()
	<-first.stopped
	require.NoError(t, first.err)
	assert.False(t, first.el.IsLeader())

	require.Eventually(t, second.el.IsLeader, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		addr, ok, _ := e.reg.LeaderEndpoint(context.Background())
		return ok && addr == second.el.address
	}, 2*time.Second, 10*time.Millisecond)
}

func TestElectorReturnsOnSessionExpiry(t *testing.T) {
	e := newEnv(t)
	w := e.worker("w1")
	el := NewElector(e.reg, e.rebalancer(), w.srv.URL, testConfig, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- el.Run(context.Background(), w.sess) }()
	require.Eventually(t, el.IsLeader, 2*time.Second, 10*time.Millisecond)

	require.True(t, e.cluster.ExpireSession(w.sess.ID()))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, coord.ErrSessionExpired)
	case <-time.After(3 * time.Second):
		t.Fatal("elector kept running after its session expired")
	}
	assert.False(t, el.IsLeader())
	_, held := e.cluster.LockHolder(e.reg.Keys().LeaderLock())
	assert.False(t, held)
}

func sorted(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}
