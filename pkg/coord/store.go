// Package coord is the client-side view of the coordination store: a
// strongly consistent key-value service with leases (sessions), ephemeral
// keys, watches and session-bound locks.
//
// The rest of the module only talks to the interfaces in this package.
// Backends live in subpackages: etcdstore for etcd, zkstore for ZooKeeper
// and memstore for an in-process double used by tests.
package coord

import (
	"context"
	"time"
)

type KeyValue struct {
	Key   string
	Value []byte
	// Revision is the store revision at which the key was created. Later
	// creations have higher revisions.
	Revision int64
}

type EventType uint8

const (
	EventPut EventType = iota
	EventDelete
	// EventResync is emitted after a watch was re-established. Changes may
	// have been missed while it was down.
	EventResync
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	case EventResync:
		return "resync"
	default:
		return "unknown"
	}
}

type Event struct {
	Type EventType
	Key  string
}

type watchOptions struct {
	prefix bool
}

type WatchOption func(*watchOptions)

// WithPrefix watches every key starting with the given key.
func WithPrefix() WatchOption {
	return func(o *watchOptions) { o.prefix = true }
}

// WatchPrefix reports whether opts ask for a prefix watch. For backends.
func WatchPrefix(opts ...WatchOption) bool {
	var o watchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.prefix
}

// Store is the coordination store client. All methods are safe for
// concurrent use. Transport failures are reported as ErrStoreUnavailable.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ok=false when the key does not exist.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// List returns every key under prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]KeyValue, error)
	Delete(ctx context.Context, key string) error

	// Watch delivers change notifications for key until ctx is done, then
	// closes the channel. It never gives up on its own: transient store
	// errors restart the watch and produce an EventResync. Notifications
	// may be coalesced, so consumers should re-read rather than replay.
	Watch(ctx context.Context, key string, opts ...WatchOption) <-chan Event

	// NewSession opens a lease that is kept alive in the background until
	// the session is closed or the store stops hearing heartbeats for ttl.
	NewSession(ctx context.Context, ttl time.Duration) (Session, error)

	Close() error
}

// Session is a heartbeat-backed lease. Keys registered through it and
// locks held by it vanish when it ends.
type Session interface {
	ID() string
	// Register writes an ephemeral key owned by the session.
	Register(ctx context.Context, key string, value []byte) error
	Deregister(ctx context.Context, key string) error
	// Lock blocks until the lock at key is held by this session. It returns
	// ctx.Err() if ctx ends first and ErrSessionExpired if the session does.
	Lock(ctx context.Context, key string) (Lock, error)
	// Done is closed when the session expires or is closed.
	Done() <-chan struct{}
	Close() error
}

type Lock interface {
	Key() string
	Unlock(ctx context.Context) error
}
