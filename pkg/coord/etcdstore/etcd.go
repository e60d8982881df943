// Package etcdstore implements coord.Store on etcd v3: sessions are leases
// kept alive by concurrency.Session, ephemeral keys are written with the
// session lease, and locks are concurrency.Mutex.
package etcdstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/ryandielhenn/cdcgroup/pkg/coord"
)

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

type Store struct {
	cli    *clientv3.Client
	log    *zap.Logger
	ctx    context.Context // lives until Close; owns session keepalives
	cancel context.CancelFunc
}

var _ coord.Store = (*Store)(nil)

func New(cfg Config, log *zap.Logger) (*Store, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Logger:      log.Named("etcd-client"),
	})
	if err != nil {
		return nil, coord.Unavailable("connect", err)
	}
	return NewFromClient(cli, log), nil
}

// NewFromClient wraps an existing client. Close closes it.
func NewFromClient(cli *clientv3.Client, log *zap.Logger) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{cli: cli, log: log, ctx: ctx, cancel: cancel}
}

// classify maps client errors onto the coord taxonomy. Context errors
// pass through untouched so callers can tell cancellation apart.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, rpctypes.ErrLeaseNotFound), errors.Is(err, rpctypes.ErrGRPCLeaseNotFound):
		return errors.Join(coord.ErrSessionExpired, err)
	default:
		return coord.Unavailable(op, err)
	}
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.cli.Put(ctx, key, string(value))
	return classify("put", err)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.cli.Get(ctx, key)
	if err != nil {
		return nil, false, classify("get", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]coord.KeyValue, error) {
	resp, err := s.cli.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, classify("list", err)
	}
	out := make([]coord.KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, coord.KeyValue{Key: string(kv.Key), Value: kv.Value, Revision: kv.CreateRevision})
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.cli.Delete(ctx, key)
	return classify("delete", err)
}

// Watch resumes from the last seen revision after a broken stream. If that
// revision was compacted away it starts over from the present, and either
// way the consumer gets an EventResync.
func (s *Store) Watch(ctx context.Context, key string, opts ...coord.WatchOption) <-chan coord.Event {
	out := make(chan coord.Event, 16)
	prefix := coord.WatchPrefix(opts...)
	log := s.log.With(zap.String("key", key), zap.Bool("prefix", prefix))

	send := func(ev coord.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		b := backoff.WithContext(coord.NewBackOff(), ctx)
		var rev int64
		for attempt := 0; ctx.Err() == nil; attempt++ {
			if attempt > 0 && !send(coord.Event{Type: coord.EventResync, Key: key}) {
				return
			}

			wopts := []clientv3.OpOption{clientv3.WithCreatedNotify()}
			if prefix {
				wopts = append(wopts, clientv3.WithPrefix())
			}
			if rev > 0 {
				wopts = append(wopts, clientv3.WithRev(rev+1))
			}

			wctx, wcancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
			for resp := range s.cli.Watch(wctx, key, wopts...) {
				if err := resp.Err(); err != nil {
					if resp.CompactRevision > 0 {
						rev = 0
					}
					log.Warn("watch interrupted", zap.Error(err))
					break
				}
				if resp.Header.Revision > rev {
					rev = resp.Header.Revision
				}
				b.Reset()
				for _, ev := range resp.Events {
					t := coord.EventPut
					if ev.Type == mvccpb.DELETE {
						t = coord.EventDelete
					}
					if !send(coord.Event{Type: t, Key: string(ev.Kv.Key)}) {
						wcancel()
						return
					}
				}
			}
			wcancel()

			d := b.NextBackOff()
			if d == backoff.Stop {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}
	}()
	return out
}

// NewSession grants the lease with the caller's ctx, so an unreachable
// cluster fails the call instead of hanging, then hands keepalive to
// concurrency.Session for the lifetime of the store.
func (s *Store) NewSession(ctx context.Context, ttl time.Duration) (coord.Session, error) {
	secs := max(int(ttl.Round(time.Second)/time.Second), 1)
	lease, err := s.cli.Grant(ctx, int64(secs))
	if err != nil {
		return nil, classify("grant", err)
	}
	sess, err := concurrency.NewSession(s.cli,
		concurrency.WithTTL(secs),
		concurrency.WithLease(lease.ID),
		concurrency.WithContext(s.ctx))
	if err != nil {
		_, _ = s.cli.Revoke(ctx, lease.ID)
		return nil, classify("session", err)
	}
	return &session{cli: s.cli, sess: sess}, nil
}

func (s *Store) Close() error {
	s.cancel()
	return s.cli.Close()
}

type session struct {
	cli  *clientv3.Client
	sess *concurrency.Session
}

func (s *session) ID() string { return strconv.FormatInt(int64(s.sess.Lease()), 16) }

func (s *session) Done() <-chan struct{} { return s.sess.Done() }

func (s *session) Register(ctx context.Context, key string, value []byte) error {
	_, err := s.cli.Put(ctx, key, string(value), clientv3.WithLease(s.sess.Lease()))
	return classify("register", err)
}

// Deregister deletes key only while it is still bound to this session's
// lease, so a newer registration under the same key survives.
func (s *session) Deregister(ctx context.Context, key string) error {
	_, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.LeaseValue(key), "=", s.sess.Lease())).
		Then(clientv3.OpDelete(key)).
		Commit()
	return classify("deregister", err)
}

func (s *session) Lock(ctx context.Context, key string) (coord.Lock, error) {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.sess.Done():
			cancel()
		case <-lctx.Done():
		}
	}()

	m := concurrency.NewMutex(s.sess, key)
	if err := m.Lock(lctx); err != nil {
		select {
		case <-s.sess.Done():
			return nil, coord.ErrSessionExpired
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify("lock", err)
	}
	return &lock{key: key, m: m}, nil
}

func (s *session) Close() error {
	return classify("revoke", s.sess.Close())
}

type lock struct {
	key string
	m   *concurrency.Mutex
}

func (l *lock) Key() string { return l.key }

func (l *lock) Unlock(ctx context.Context) error {
	return classify("unlock", l.m.Unlock(ctx))
}
