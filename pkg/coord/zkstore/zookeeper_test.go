package zkstore

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/cdcgroup/pkg/coord"
)

func TestPathMapping(t *testing.T) {
	s := &Store{cfg: Config{Root: "/cdc"}}

	assert.Equal(t, "/cdc/g/config", s.path("g/config"))
	assert.Equal(t, "g/endpoints/w1", s.key("/cdc/g/endpoints/w1"))

	dir, name := s.splitPrefix("g/endpoints/")
	assert.Equal(t, "/cdc/g/endpoints", dir)
	assert.Equal(t, "", name)

	dir, name = s.splitPrefix("g/endpoints/w")
	assert.Equal(t, "/cdc/g/endpoints", dir)
	assert.Equal(t, "w", name)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("get", nil))
	assert.ErrorIs(t, classify("get", zk.ErrSessionExpired), coord.ErrSessionExpired)
	assert.True(t, coord.IsUnavailable(classify("get", zk.ErrNoServer)))
	assert.True(t, coord.IsUnavailable(classify("get", zk.ErrConnectionClosed)))

	err := classify("put", zk.ErrBadVersion)
	assert.False(t, coord.IsUnavailable(err))
	assert.True(t, errors.Is(err, zk.ErrBadVersion))
}

// CDC_TEST_ZK holds comma separated ZooKeeper servers for the tests below.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	servers := os.Getenv("CDC_TEST_ZK")
	if servers == "" {
		t.Skip("CDC_TEST_ZK not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := New(ctx, Config{Servers: strings.Split(servers, ","), Root: "/cdcgroup-test"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, "g-" + uuid.NewString()
}

func TestPutGetList(t *testing.T) {
	s, group := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, group+"/control", []byte("paused")))
	v, ok, err := s.Get(ctx, group+"/control")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "paused", string(v))

	sess, err := s.NewSession(ctx, 4*time.Second)
	require.NoError(t, err)
	require.NoError(t, sess.Register(ctx, group+"/endpoints/w1", []byte("a")))

	kvs, err := s.List(ctx, group+"/endpoints/")
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, group+"/endpoints/w1", kvs[0].Key)

	require.NoError(t, sess.Close())
	assert.Eventually(t, func() bool {
		kvs, err := s.List(ctx, group+"/endpoints/")
		return err == nil && len(kvs) == 0
	}, 10*time.Second, 100*time.Millisecond)
}
