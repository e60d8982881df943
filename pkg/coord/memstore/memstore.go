// Package memstore is an in-process coordination store. It keeps the
// semantics the rest of the module relies on (ephemeral keys, FIFO locks,
// TTL sessions kept alive by heartbeats, coalescing watches) and adds
// fault injection: sessions can be expired or have their heartbeats
// suspended, and the whole store can be made unavailable.
//
// A Cluster holds the shared state; each process under test gets its own
// Client, which implements coord.Store.
package memstore

import (
	"container/list"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/ryandielhenn/cdcgroup/pkg/coord"
)

type entry struct {
	key      string
	value    []byte
	revision int64  // creation revision
	owner    string // session id, empty for persistent keys
}

type waiter struct {
	session string
	ch      chan struct{}
	granted bool
}

type lockState struct {
	holder  string
	waiters *list.List // of *waiter, FIFO
}

type watcher struct {
	key    string
	prefix bool
	ch     chan coord.Event
}

func (w *watcher) matches(key string) bool {
	if w.prefix {
		return strings.HasPrefix(key, w.key)
	}
	return w.key == key
}

// Cluster is the shared state of the store.
type Cluster struct {
	mu       sync.Mutex
	data     map[string]*entry
	rev      int64
	sessions map[string]*Session
	locks    map[string]*lockState
	watchers map[*watcher]struct{}
	down     bool
}

func NewCluster() *Cluster {
	return &Cluster{
		data:     make(map[string]*entry),
		sessions: make(map[string]*Session),
		locks:    make(map[string]*lockState),
		watchers: make(map[*watcher]struct{}),
	}
}

// NewClient returns a store client bound to c.
func (c *Cluster) NewClient() *Client {
	return &Client{cluster: c, sessions: make(map[*Session]struct{})}
}

// SetAvailable toggles simulated store reachability. While unavailable,
// every request fails with coord.ErrStoreUnavailable. Watches get an
// EventResync when the store comes back.
func (c *Cluster) SetAvailable(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasDown := c.down
	c.down = !ok
	if wasDown && ok {
		for w := range c.watchers {
			c.send(w, coord.Event{Type: coord.EventResync, Key: w.key})
		}
	}
}

// ExpireSession ends a session as if its lease ran out. It reports whether
// the session existed.
func (c *Cluster) ExpireSession(id string) bool {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if ok {
		c.endSessionLocked(s)
	}
	c.mu.Unlock()
	return ok
}

// Sessions returns the ids of live sessions.
func (c *Cluster) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// LockHolder returns the session holding the lock at key, if any.
func (c *Cluster) LockHolder(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.locks[key]
	if !ok || ls.holder == "" {
		return "", false
	}
	return ls.holder, true
}

func (c *Cluster) checkLocked(op string) error {
	if c.down {
		return coord.Unavailable(op, errSimulatedOutage)
	}
	return nil
}

func (c *Cluster) putLocked(key string, value []byte, owner string) {
	c.rev++
	if e, ok := c.data[key]; ok {
		e.value = append([]byte(nil), value...)
		e.owner = owner
	} else {
		c.data[key] = &entry{key: key, value: append([]byte(nil), value...), revision: c.rev, owner: owner}
	}
	c.notifyLocked(coord.Event{Type: coord.EventPut, Key: key})
}

func (c *Cluster) deleteLocked(key string) bool {
	if _, ok := c.data[key]; !ok {
		return false
	}
	c.rev++
	delete(c.data, key)
	c.notifyLocked(coord.Event{Type: coord.EventDelete, Key: key})
	return true
}

func (c *Cluster) notifyLocked(ev coord.Event) {
	for w := range c.watchers {
		if w.matches(ev.Key) {
			c.send(w, ev)
		}
	}
}

// send never blocks. A full buffer means the watcher already has unread
// notifications, which is all a coalescing watch promises.
func (c *Cluster) send(w *watcher, ev coord.Event) {
	select {
	case w.ch <- ev:
	default:
	}
}

// endSessionLocked drops everything the session owns and wakes anyone
// waiting on its locks.
func (c *Cluster) endSessionLocked(s *Session) {
	if _, ok := c.sessions[s.id]; !ok {
		return
	}
	delete(c.sessions, s.id)

	var owned []string
	for k, e := range c.data {
		if e.owner == s.id {
			owned = append(owned, k)
		}
	}
	slices.Sort(owned)
	for _, k := range owned {
		c.deleteLocked(k)
	}

	for key, ls := range c.locks {
		for el := ls.waiters.Front(); el != nil; {
			next := el.Next()
			if el.Value.(*waiter).session == s.id {
				ls.waiters.Remove(el)
			}
			el = next
		}
		if ls.holder == s.id {
			c.releaseLocked(key, ls)
		}
	}
	s.closeDone()
}

// releaseLocked hands the lock to the first waiter, or frees it.
func (c *Cluster) releaseLocked(key string, ls *lockState) {
	ls.holder = ""
	for el := ls.waiters.Front(); el != nil; el = ls.waiters.Front() {
		w := ls.waiters.Remove(el).(*waiter)
		if _, alive := c.sessions[w.session]; !alive {
			continue
		}
		ls.holder = w.session
		w.granted = true
		close(w.ch)
		return
	}
	delete(c.locks, key)
}

// Client is one process's connection to the Cluster.
type Client struct {
	cluster  *Cluster
	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

var _ coord.Store = (*Client)(nil)

func (cl *Client) Put(_ context.Context, key string, value []byte) error {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("put"); err != nil {
		return err
	}
	c.putLocked(key, value, "")
	return nil
}

func (cl *Client) Get(_ context.Context, key string) ([]byte, bool, error) {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("get"); err != nil {
		return nil, false, err
	}
	e, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (cl *Client) List(_ context.Context, prefix string) ([]coord.KeyValue, error) {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("list"); err != nil {
		return nil, err
	}
	var out []coord.KeyValue
	for k, e := range c.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, coord.KeyValue{Key: k, Value: append([]byte(nil), e.value...), Revision: e.revision})
		}
	}
	slices.SortFunc(out, func(a, b coord.KeyValue) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (cl *Client) Delete(_ context.Context, key string) error {
	c := cl.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("delete"); err != nil {
		return err
	}
	c.deleteLocked(key)
	return nil
}

func (cl *Client) Watch(ctx context.Context, key string, opts ...coord.WatchOption) <-chan coord.Event {
	c := cl.cluster
	w := &watcher{key: key, prefix: coord.WatchPrefix(opts...), ch: make(chan coord.Event, 16)}
	c.mu.Lock()
	c.watchers[w] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.watchers, w)
		close(w.ch)
		c.mu.Unlock()
	}()
	return w.ch
}

// Close ends every session opened through this client, the way a clean
// process exit revokes its leases.
func (cl *Client) Close() error {
	cl.mu.Lock()
	cl.closed = true
	sessions := make([]*Session, 0, len(cl.sessions))
	for s := range cl.sessions {
		sessions = append(sessions, s)
	}
	cl.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

// Crash stops heartbeats for every session of this client without revoking
// them, so they expire after their TTL like a killed process.
func (cl *Client) Crash() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.closed = true
	for s := range cl.sessions {
		s.SuspendHeartbeats()
	}
}

func (cl *Client) forget(s *Session) {
	cl.mu.Lock()
	delete(cl.sessions, s)
	cl.mu.Unlock()
}
