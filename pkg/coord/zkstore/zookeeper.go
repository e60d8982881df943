// Package zkstore implements coord.Store on ZooKeeper. Keys map onto
// znodes under a root path; each coord.Session is its own ZooKeeper
// connection, since ephemeral znodes die with the connection's session.
//
// List and prefix watches only look one level deep: a prefix "a/b/" is the
// children of /root/a/b.
package zkstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/ryandielhenn/cdcgroup/pkg/coord"
)

type Config struct {
	Servers        []string
	Root           string
	SessionTimeout time.Duration
}

type Store struct {
	cfg  Config
	conn *zk.Conn
	log  *zap.Logger
	acl  []zk.ACL
}

var _ coord.Store = (*Store)(nil)

// zkLogger routes the client's Printf logging into zap at debug level.
type zkLogger struct{ s *zap.SugaredLogger }

func (l zkLogger) Printf(format string, args ...any) { l.s.Debugf(format, args...) }

func connect(ctx context.Context, servers []string, timeout time.Duration, log *zap.Logger) (*zk.Conn, <-chan zk.Event, error) {
	conn, events, err := zk.Connect(servers, timeout, zk.WithLogger(zkLogger{log.Sugar()}))
	if err != nil {
		return nil, nil, coord.Unavailable("connect", err)
	}
	if err := waitConnected(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, events, nil
}

// waitConnected polls until the connection has a session or ctx ends.
func waitConnected(ctx context.Context, conn *zk.Conn) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if conn.State() == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return coord.Unavailable("connect", fmt.Errorf("no session, state=%v: %w", conn.State(), ctx.Err()))
		case <-t.C:
		}
	}
}

func New(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	cfg.Root = "/" + strings.Trim(cfg.Root, "/")
	conn, _, err := connect(ctx, cfg.Servers, cfg.SessionTimeout, log)
	if err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, conn: conn, log: log, acl: zk.WorldACL(zk.PermAll)}, nil
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, zk.ErrSessionExpired):
		return errors.Join(coord.ErrSessionExpired, err)
	case errors.Is(err, zk.ErrNoServer), errors.Is(err, zk.ErrConnectionClosed),
		errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrSessionMoved):
		return coord.Unavailable(op, err)
	default:
		return fmt.Errorf("zk %s: %w", op, err)
	}
}

func (s *Store) path(key string) string {
	return path.Join(s.cfg.Root, key)
}

func (s *Store) key(p string) string {
	return strings.TrimPrefix(strings.TrimPrefix(p, s.cfg.Root), "/")
}

// splitPrefix turns "a/b/" into ("/root/a/b", "") and "a/b/x" into
// ("/root/a/b", "x").
func (s *Store) splitPrefix(prefix string) (dir, name string) {
	i := strings.LastIndex(prefix, "/")
	if i < 0 {
		return s.cfg.Root, prefix
	}
	return s.path(prefix[:i]), prefix[i+1:]
}

func ensurePath(conn *zk.Conn, p string, acl []zk.ACL) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = conn.Create(cur, nil, 0, acl)
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	p := s.path(key)
	if _, err := s.conn.Set(p, value, -1); err == nil {
		return nil
	} else if !errors.Is(err, zk.ErrNoNode) {
		return classify("put", err)
	}
	if err := ensurePath(s.conn, path.Dir(p), s.acl); err != nil {
		return classify("put", err)
	}
	_, err := s.conn.Create(p, value, 0, s.acl)
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = s.conn.Set(p, value, -1)
	}
	return classify("put", err)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, _, err := s.conn.Get(s.path(key))
	if errors.Is(err, zk.ErrNoNode) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("get", err)
	}
	return data, true, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]coord.KeyValue, error) {
	dir, name := s.splitPrefix(prefix)
	children, _, err := s.conn.Children(dir)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("list", err)
	}
	out := make([]coord.KeyValue, 0, len(children))
	for _, c := range children {
		if !strings.HasPrefix(c, name) {
			continue
		}
		p := path.Join(dir, c)
		data, stat, err := s.conn.Get(p)
		if errors.Is(err, zk.ErrNoNode) {
			continue // deleted since Children
		}
		if err != nil {
			return nil, classify("list", err)
		}
		out = append(out, coord.KeyValue{Key: s.key(p), Value: data, Revision: stat.Czxid})
	}
	slices.SortFunc(out, func(a, b coord.KeyValue) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := s.conn.Delete(s.path(key), -1)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return classify("delete", err)
}

// Watch re-arms a one-shot ZooKeeper watch after every firing. Prefix
// watches use ChildrenW on the prefix directory, plain watches ExistsW,
// which fires on create, delete and data change.
func (s *Store) Watch(ctx context.Context, key string, opts ...coord.WatchOption) <-chan coord.Event {
	out := make(chan coord.Event, 16)
	prefix := coord.WatchPrefix(opts...)
	log := s.log.With(zap.String("key", key), zap.Bool("prefix", prefix))

	arm := func() (<-chan zk.Event, error) {
		if prefix {
			dir, _ := s.splitPrefix(key)
			if err := ensurePath(s.conn, dir, s.acl); err != nil {
				return nil, err
			}
			_, _, ch, err := s.conn.ChildrenW(dir)
			return ch, err
		}
		_, _, ch, err := s.conn.ExistsW(s.path(key))
		return ch, err
	}

	go func() {
		defer close(out)
		b := backoff.WithContext(coord.NewBackOff(), ctx)
		resync := false
		for ctx.Err() == nil {
			ch, err := arm()
			if err != nil {
				log.Warn("zk watch failed", zap.Error(err))
				resync = true
				d := b.NextBackOff()
				if d == backoff.Stop {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(d):
				}
				continue
			}
			b.Reset()
			if resync {
				resync = false
				select {
				case out <- coord.Event{Type: coord.EventResync, Key: key}:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				e := coord.Event{Type: coord.EventPut, Key: s.key(ev.Path)}
				switch ev.Type {
				case zk.EventNodeDeleted:
					e.Type = coord.EventDelete
				case zk.EventNotWatching:
					resync = true
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *Store) NewSession(ctx context.Context, ttl time.Duration) (coord.Session, error) {
	conn, events, err := connect(ctx, s.cfg.Servers, ttl, s.log)
	if err != nil {
		return nil, err
	}
	sess := &session{store: s, conn: conn, done: make(chan struct{})}
	go sess.monitor(events)
	return sess, nil
}

func (s *Store) Close() error {
	s.conn.Close()
	return nil
}

type session struct {
	store    *Store
	conn     *zk.Conn
	done     chan struct{}
	doneOnce sync.Once
}

// monitor ends the session once ZooKeeper reports it expired. The client
// would otherwise silently reconnect with a fresh session id.
func (s *session) monitor(events <-chan zk.Event) {
	for ev := range events {
		if ev.State == zk.StateExpired {
			s.store.log.Warn("zk session expired", zap.String("session", s.ID()))
			_ = s.Close()
			return
		}
	}
	s.finish()
}

func (s *session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *session) ID() string { return strconv.FormatInt(s.conn.SessionID(), 16) }

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) alive() error {
	select {
	case <-s.done:
		return coord.ErrSessionExpired
	default:
		return nil
	}
}

func (s *session) Register(_ context.Context, key string, value []byte) error {
	if err := s.alive(); err != nil {
		return err
	}
	p := s.store.path(key)
	if err := ensurePath(s.conn, path.Dir(p), s.store.acl); err != nil {
		return classify("register", err)
	}
	_, err := s.conn.Create(p, value, zk.FlagEphemeral, s.store.acl)
	if !errors.Is(err, zk.ErrNodeExists) {
		return classify("register", err)
	}
	_, stat, err := s.conn.Get(p)
	if err != nil {
		return classify("register", err)
	}
	if stat.EphemeralOwner == s.conn.SessionID() {
		_, err = s.conn.Set(p, value, stat.Version)
		return classify("register", err)
	}
	// owned by another session: take it over, as an etcd lease put would
	if err := s.conn.Delete(p, stat.Version); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return classify("register", err)
	}
	_, err = s.conn.Create(p, value, zk.FlagEphemeral, s.store.acl)
	return classify("register", err)
}

func (s *session) Deregister(_ context.Context, key string) error {
	p := s.store.path(key)
	_, stat, err := s.conn.Get(p)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return classify("deregister", err)
	}
	if stat.EphemeralOwner != s.conn.SessionID() {
		return nil
	}
	err = s.conn.Delete(p, stat.Version)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return classify("deregister", err)
}

// Lock uses the ZooKeeper lock recipe. zk.Lock has no context support, so
// an abandoned acquisition is finished in the background and released.
func (s *session) Lock(ctx context.Context, key string) (coord.Lock, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	l := zk.NewLock(s.conn, s.store.path(key), s.store.acl)
	res := make(chan error, 1)
	go func() { res <- l.Lock() }()

	select {
	case err := <-res:
		if err != nil {
			return nil, classify("lock", err)
		}
		return &lock{key: key, l: l}, nil
	case <-s.done:
		return nil, coord.ErrSessionExpired
	case <-ctx.Done():
		go func() {
			if <-res == nil {
				_ = l.Unlock()
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *session) Close() error {
	s.conn.Close()
	s.finish()
	return nil
}

type lock struct {
	key string
	l   *zk.Lock
}

func (l *lock) Key() string { return l.key }

func (l *lock) Unlock(_ context.Context) error {
	return classify("unlock", l.l.Unlock())
}
