package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRetryUntilAvailable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), zap.NewNop(), "put", func(context.Context) error {
		calls++
		if calls < 3 {
			return Unavailable("put", errors.New("connection refused"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), zap.NewNop(), "get", func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := Retry(ctx, zap.NewNop(), "get", func(context.Context) error {
		return Unavailable("get", errors.New("no route to host"))
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnavailableWrapping(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Unavailable("list", cause)
	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Unavailable("list", nil))
}

func TestWatchPrefixOption(t *testing.T) {
	assert.False(t, WatchPrefix())
	assert.True(t, WatchPrefix(WithPrefix()))
}
