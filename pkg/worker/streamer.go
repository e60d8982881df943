package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cdcgroup/pkg/membership"
)

// Streamer starts the data pipeline for one shard of the source: read the
// change stream for the member's partitions, transform, bulk-index.
//
// The ctx given to Start lives as long as the stream: the service cancels
// it once Stop has returned, or when the service is closed. Start should
// return once the pipeline is running.
type Streamer interface {
	Start(ctx context.Context, m membership.Membership) (Stream, error)
}

type Stream interface {
	Stop(ctx context.Context) error
}

// StreamerFunc adapts a function to Streamer.
type StreamerFunc func(ctx context.Context, m membership.Membership) (Stream, error)

func (f StreamerFunc) Start(ctx context.Context, m membership.Membership) (Stream, error) {
	return f(ctx, m)
}

// LogStreamer stands in for the pipeline: it only logs which partitions it
// would stream.
type LogStreamer struct {
	Partitions int
	Log        *zap.Logger
}

func (l LogStreamer) Start(_ context.Context, m membership.Membership) (Stream, error) {
	start, end := m.Partitions(l.Partitions)
	log := l.Log.With(zap.Stringer("membership", m), zap.Int("first", start), zap.Int("last", end-1))
	log.Info("streaming started", zap.Int("partitions", end-start))
	return &logStream{log: log, started: time.Now()}, nil
}

type logStream struct {
	log     *zap.Logger
	started time.Time
}

func (s *logStream) Stop(context.Context) error {
	s.log.Info("streaming stopped", zap.Duration("ran", time.Since(s.started)))
	return nil
}
