// Package registry tracks the live workers of a connector group and the
// group-wide documents the operator controls.
//
// Each worker registers an ephemeral endpoint bound to its session; the
// entry disappears when the worker deregisters or its session expires.
// The endpoint set read back from the store is the only input the leader
// uses to compute assignments.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cdcgroup/pkg/coord"
)

const (
	ControlPaused  = "paused"
	ControlRunning = "running"
)

var ErrBadControl = errors.New("control value must be \"paused\" or \"running\"")

// Endpoint is one live worker registration.
type Endpoint struct {
	Key      string `json:"-"`
	Address  string `json:"address"`
	Session  string `json:"session,omitempty"`
	Revision int64  `json:"-"`
}

func (e Endpoint) String() string { return e.Address }

type Registry struct {
	store coord.Store
	keys  Keys
	log   *zap.Logger
}

func New(store coord.Store, group string, log *zap.Logger) *Registry {
	return &Registry{store: store, keys: NewKeys(group), log: log}
}

func (r *Registry) Keys() Keys { return r.keys }

// Register publishes address under the worker's endpoint key, bound to sess.
func (r *Registry) Register(ctx context.Context, sess coord.Session, workerID, address string) (Endpoint, error) {
	ep := Endpoint{Key: r.keys.Endpoint(workerID), Address: address, Session: sess.ID()}
	data, err := json.Marshal(ep)
	if err != nil {
		return Endpoint{}, err
	}
	if err := sess.Register(ctx, ep.Key, data); err != nil {
		return Endpoint{}, fmt.Errorf("register endpoint %s: %w", address, err)
	}
	r.log.Info("registered endpoint",
		zap.String("key", ep.Key), zap.String("address", address), zap.String("session", ep.Session))
	return ep, nil
}

func (r *Registry) Deregister(ctx context.Context, sess coord.Session, ep Endpoint) error {
	if err := sess.Deregister(ctx, ep.Key); err != nil {
		return fmt.Errorf("deregister endpoint %s: %w", ep.Address, err)
	}
	r.log.Info("deregistered endpoint", zap.String("key", ep.Key), zap.String("address", ep.Address))
	return nil
}

// ListEndpoints returns the live endpoints ordered by address. When two
// registrations share an address (a restarted worker racing the expiry of
// its old session) the most recently created one wins.
func (r *Registry) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	kvs, err := r.store.List(ctx, r.keys.EndpointsPrefix())
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	byAddr := make(map[string]Endpoint, len(kvs))
	for _, kv := range kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil || ep.Address == "" {
			r.log.Warn("ignoring malformed endpoint", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		ep.Key, ep.Revision = kv.Key, kv.Revision
		if cur, ok := byAddr[ep.Address]; !ok || ep.Revision > cur.Revision {
			byAddr[ep.Address] = ep
		}
	}
	out := make([]Endpoint, 0, len(byAddr))
	for _, ep := range byAddr {
		out = append(out, ep)
	}
	slices.SortFunc(out, func(a, b Endpoint) int { return strings.Compare(a.Address, b.Address) })
	return out, nil
}

func (r *Registry) WatchEndpoints(ctx context.Context) <-chan coord.Event {
	return r.store.Watch(ctx, r.keys.EndpointsPrefix(), coord.WithPrefix())
}

func (r *Registry) WatchControl(ctx context.Context) <-chan coord.Event {
	return r.store.Watch(ctx, r.keys.Control())
}

// Paused reads the control flag. A missing flag means running.
func (r *Registry) Paused(ctx context.Context) (bool, error) {
	v, ok, err := r.store.Get(ctx, r.keys.Control())
	if err != nil {
		return false, fmt.Errorf("read control: %w", err)
	}
	if !ok {
		return false, nil
	}
	switch strings.TrimSpace(string(v)) {
	case ControlPaused:
		return true, nil
	case ControlRunning, "":
		return false, nil
	default:
		return false, fmt.Errorf("%w: got %q", ErrBadControl, v)
	}
}

func (r *Registry) Pause(ctx context.Context) error {
	return r.store.Put(ctx, r.keys.Control(), []byte(ControlPaused))
}

func (r *Registry) Resume(ctx context.Context) error {
	return r.store.Put(ctx, r.keys.Control(), []byte(ControlRunning))
}

func (r *Registry) PutConfig(ctx context.Context, config []byte) error {
	return r.store.Put(ctx, r.keys.Config(), config)
}

func (r *Registry) Config(ctx context.Context) ([]byte, bool, error) {
	return r.store.Get(ctx, r.keys.Config())
}

// PublishLeader records the leader's address under the leader key for
// operators and tests. It vanishes with the leader's session.
func (r *Registry) PublishLeader(ctx context.Context, sess coord.Session, address string) error {
	return sess.Register(ctx, r.keys.Leader(), []byte(address))
}

func (r *Registry) RetractLeader(ctx context.Context, sess coord.Session) error {
	return sess.Deregister(ctx, r.keys.Leader())
}

// LeaderEndpoint returns the published leader address, if any.
func (r *Registry) LeaderEndpoint(ctx context.Context) (string, bool, error) {
	v, ok, err := r.store.Get(ctx, r.keys.Leader())
	if err != nil || !ok {
		return "", false, err
	}
	return string(v), true, nil
}
