// Package worker is the RPC service every connector process exposes. It
// holds the process's current Membership and starts or stops the local
// streaming pipeline whenever the leader assigns a different one.
package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cdcgroup/internal/telemetry"
	"github.com/ryandielhenn/cdcgroup/pkg/membership"
	"github.com/ryandielhenn/cdcgroup/pkg/rpc"
)

// ErrAssignmentRejected is returned once the service has stopped.
var ErrAssignmentRejected = rpc.ErrAssignmentRejected

type State uint8

const (
	StateUnassigned State = iota
	StateAssigned
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnassigned:
		return "unassigned"
	case StateAssigned:
		return "assigned"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Status struct {
	Membership *membership.Membership
	State      State
}

// Service is safe for concurrent use. Status never waits for an Assign in
// progress; assignments are applied one at a time.
type Service struct {
	// ctx outlives every stream; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	assignMu   sync.Mutex // serializes transitions
	stream     Stream     // guarded by assignMu
	stopStream context.CancelFunc

	mu      sync.RWMutex
	state   State
	current *membership.Membership

	streamer Streamer
	log      *zap.Logger
}

func NewService(streamer Streamer, log *zap.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{ctx: ctx, cancel: cancel, streamer: streamer, log: log}
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{State: s.state}
	if s.current != nil {
		st.Membership = s.current.Ptr()
	}
	return st
}

func (s *Service) set(state State, m *membership.Membership) {
	s.mu.Lock()
	s.state, s.current = state, m
	s.mu.Unlock()
	if m != nil {
		telemetry.SetMembership(m.Index, m.Total)
	} else {
		telemetry.SetMembership(0, 0)
	}
}

// Assign moves the worker to m; nil means stop streaming. Assigning the
// current membership again is a no-op.
//
// The old stream is stopped before the new one starts. If stopping fails
// the worker keeps its old membership and reports the error. If starting
// fails the worker is left unassigned, so Status never claims a shard
// that is not streaming.
//
// ctx only bounds the transition. The new stream runs under a context
// owned by the service, cancelled when the stream is stopped or the
// service is closed.
func (s *Service) Assign(ctx context.Context, m *membership.Membership) error {
	if m != nil {
		if err := m.Validate(); err != nil {
			return err
		}
		m = m.Ptr()
	}

	s.assignMu.Lock()
	defer s.assignMu.Unlock()

	cur := s.Status()
	if cur.State == StateStopped {
		return fmt.Errorf("%w: worker stopped", ErrAssignmentRejected)
	}
	if membership.Equal(cur.Membership, m) {
		return nil
	}

	log := s.log.With(zap.String("from", membership.Format(cur.Membership)), zap.String("to", membership.Format(m)))
	if err := s.stop(ctx); err != nil {
		log.Error("stop streaming failed", zap.Error(err))
		return err
	}
	s.set(StateUnassigned, nil)

	if m == nil {
		log.Info("membership cleared")
		return nil
	}

	stream, cancel, err := s.start(ctx, *m)
	if err != nil {
		log.Error("start streaming failed", zap.Error(err))
		return fmt.Errorf("start streaming as %s: %w", m, err)
	}
	s.stream, s.stopStream = stream, cancel
	s.set(StateAssigned, m)
	log.Info("membership assigned")
	return nil
}

// start runs Streamer.Start under a fresh stream context. Cancelling ctx
// while Start is running aborts the stream.
func (s *Service) start(ctx context.Context, m membership.Membership) (Stream, context.CancelFunc, error) {
	sctx, cancel := context.WithCancel(s.ctx)
	abort := context.AfterFunc(ctx, cancel)
	stream, err := s.streamer.Start(sctx, m)
	if !abort() && err == nil {
		_ = stream.Stop(context.WithoutCancel(ctx))
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return stream, cancel, nil
}

func (s *Service) stop(ctx context.Context) error {
	if s.stream == nil {
		return nil
	}
	if err := s.stream.Stop(ctx); err != nil {
		return fmt.Errorf("stop streaming: %w", err)
	}
	s.stopStream()
	s.stream, s.stopStream = nil, nil
	return nil
}

// Close stops any active stream and moves the service to its terminal
// state. Later assignments are rejected. Closing twice is harmless.
func (s *Service) Close(ctx context.Context) error {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()

	err := s.stop(ctx)
	s.cancel()
	s.stream, s.stopStream = nil, nil
	s.set(StateStopped, nil)
	return err
}
