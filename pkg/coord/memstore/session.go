package memstore

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ryandielhenn/cdcgroup/pkg/coord"
)

var errSimulatedOutage = errors.New("simulated outage")

const minTTL = 30 * time.Millisecond

type Session struct {
	client    *Client
	id        string
	ttl       time.Duration
	deadline  time.Time // guarded by cluster.mu
	suspended atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
}

var _ coord.Session = (*Session)(nil)

func (cl *Client) NewSession(_ context.Context, ttl time.Duration) (coord.Session, error) {
	if ttl < minTTL {
		ttl = minTTL
	}
	cl.mu.Lock()
	closed := cl.closed
	cl.mu.Unlock()
	if closed {
		return nil, coord.Unavailable("session", errors.New("client closed"))
	}

	c := cl.cluster
	s := &Session{
		client: cl,
		id:     uuid.NewString(),
		ttl:    ttl,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if err := c.checkLocked("session"); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	s.deadline = time.Now().Add(ttl)
	c.sessions[s.id] = s
	c.mu.Unlock()

	cl.mu.Lock()
	cl.sessions[s] = struct{}{}
	cl.mu.Unlock()

	go s.heartbeat()
	return s, nil
}

// heartbeat renews the lease every ttl/3 and expires it once the deadline
// passes without renewal.
func (s *Session) heartbeat() {
	t := time.NewTicker(s.ttl / 3)
	defer t.Stop()
	c := s.client.cluster
	for {
		select {
		case <-s.done:
			return
		case now := <-t.C:
			c.mu.Lock()
			if !s.suspended.Load() && !c.down {
				s.deadline = now.Add(s.ttl)
			}
			if now.After(s.deadline) {
				c.endSessionLocked(s)
			}
			c.mu.Unlock()
		}
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Done() <-chan struct{} { return s.done }

// SuspendHeartbeats simulates a stalled process or a network partition:
// the session expires after its TTL.
func (s *Session) SuspendHeartbeats() { s.suspended.Store(true) }

func (s *Session) closeDone() {
	s.doneOnce.Do(func() {
		close(s.done)
		go s.client.forget(s)
	})
}

func (s *Session) aliveLocked() error {
	if _, ok := s.client.cluster.sessions[s.id]; !ok {
		return coord.ErrSessionExpired
	}
	return nil
}

func (s *Session) Register(_ context.Context, key string, value []byte) error {
	c := s.client.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("register"); err != nil {
		return err
	}
	if err := s.aliveLocked(); err != nil {
		return err
	}
	c.putLocked(key, value, s.id)
	return nil
}

func (s *Session) Deregister(_ context.Context, key string) error {
	c := s.client.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("deregister"); err != nil {
		return err
	}
	if e, ok := c.data[key]; ok && e.owner == s.id {
		c.deleteLocked(key)
	}
	return nil
}

func (s *Session) Lock(ctx context.Context, key string) (coord.Lock, error) {
	c := s.client.cluster
	c.mu.Lock()
	if err := c.checkLocked("lock"); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if err := s.aliveLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ls, ok := c.locks[key]
	if !ok {
		ls = &lockState{waiters: list.New()}
		c.locks[key] = ls
	}
	if ls.holder == "" || ls.holder == s.id {
		ls.holder = s.id
		c.mu.Unlock()
		return &lock{session: s, key: key}, nil
	}
	w := &waiter{session: s.id, ch: make(chan struct{})}
	el := ls.waiters.PushBack(w)
	c.mu.Unlock()

	select {
	case <-w.ch:
		return &lock{session: s, key: key}, nil
	case <-s.done:
		return nil, coord.ErrSessionExpired
	case <-ctx.Done():
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.granted {
			if ls.holder == s.id {
				c.releaseLocked(key, ls)
			}
		} else {
			ls.waiters.Remove(el)
		}
		return nil, ctx.Err()
	}
}

// Close revokes the session.
func (s *Session) Close() error {
	c := s.client.cluster
	c.mu.Lock()
	c.endSessionLocked(s)
	c.mu.Unlock()
	s.closeDone()
	return nil
}

type lock struct {
	session *Session
	key     string
}

func (l *lock) Key() string { return l.key }

func (l *lock) Unlock(_ context.Context) error {
	c := l.session.client.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("unlock"); err != nil {
		return err
	}
	ls, ok := c.locks[l.key]
	if !ok || ls.holder != l.session.id {
		return fmt.Errorf("unlock %s: not held by session %s", l.key, l.session.id)
	}
	c.releaseLocked(l.key, ls)
	return nil
}
