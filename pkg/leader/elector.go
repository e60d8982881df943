package leader

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cdcgroup/internal/telemetry"
	"github.com/ryandielhenn/cdcgroup/pkg/coord"
	"github.com/ryandielhenn/cdcgroup/pkg/registry"
)

// Elector campaigns for the group's leader lock and runs the Rebalancer
// for as long as it holds it.
type Elector struct {
	reg     *registry.Registry
	rebal   *Rebalancer
	address string
	cfg     Config
	log     *zap.Logger

	leading atomic.Bool
}

func NewElector(reg *registry.Registry, rebal *Rebalancer, address string, cfg Config, log *zap.Logger) *Elector {
	return &Elector{reg: reg, rebal: rebal, address: address, cfg: cfg.withDefaults(), log: log}
}

func (e *Elector) IsLeader() bool { return e.leading.Load() }

// Run campaigns on sess until ctx is done, returning nil, or until sess
// ends, returning coord.ErrSessionExpired. Losing the lock any other way
// sends the elector back to campaigning.
func (e *Elector) Run(ctx context.Context, sess coord.Session) error {
	bo := coord.NewBackOff()
	key := e.reg.Keys().LeaderLock()
	for {
		lock, err := sess.Lock(ctx, key)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, coord.ErrSessionExpired):
			return err
		default:
			d := bo.NextBackOff()
			e.log.Warn("leader lock unavailable", zap.Duration("retry_in", d), zap.Error(err))
			if err := e.wait(ctx, sess, d); err != nil {
				return err
			}
			continue
		}

		bo.Reset()
		err = e.lead(ctx, sess, lock)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, coord.ErrSessionExpired) {
			return err
		}
		if err := e.wait(ctx, sess, e.cfg.RetryInterval); err != nil {
			return err
		}
	}
}

func (e *Elector) wait(ctx context.Context, sess coord.Session, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-sess.Done():
		return coord.ErrSessionExpired
	case <-t.C:
		return nil
	}
}

// lead runs the rebalancer until ctx is done or the session ends, then
// gives up the lock.
func (e *Elector) lead(ctx context.Context, sess coord.Session, lock coord.Lock) error {
	log := e.log.With(zap.String("session", sess.ID()))
	e.leading.Store(true)
	telemetry.IsLeader.Set(1)
	defer func() {
		e.leading.Store(false)
		telemetry.IsLeader.Set(0)
	}()
	log.Info("acquired leadership", zap.String("lock", lock.Key()))

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-lctx.Done():
		}
	}()

	if err := e.reg.PublishLeader(lctx, sess, e.address); err != nil {
		log.Warn("publish leader address", zap.Error(err))
	}

	err := e.rebal.Run(lctx)

	select {
	case <-sess.Done():
		log.Warn("leadership lost: session ended")
		return coord.ErrSessionExpired
	default:
	}

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
	defer scancel()
	if rerr := e.reg.RetractLeader(sctx, sess); rerr != nil {
		log.Warn("retract leader address", zap.Error(rerr))
	}
	if uerr := lock.Unlock(sctx); uerr != nil {
		log.Warn("release leader lock", zap.Error(uerr))
	}
	log.Info("released leadership")
	return err
}
