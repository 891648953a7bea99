package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	n := 0
	err := Do(context.Background(), func() error {
		n++
		if n < 3 {
			return errors.New("not yet")
		}
		return nil
	}, Attempts(5), Sleep(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDoReachesMaxAttempts(t *testing.T) {
	n := 0
	errBoom := errors.New("boom")
	err := Do(context.Background(), func() error {
		n++
		return errBoom
	}, Attempts(3), Sleep(time.Millisecond))
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, n)
}

func TestDoUnrecoverableStopsImmediately(t *testing.T) {
	n := 0
	err := Do(context.Background(), func() error {
		n++
		return Unrecoverable(errors.New("fatal"))
	}, Attempts(5), Sleep(time.Millisecond))
	require.Error(t, err)
	assert.False(t, IsRecoverable(err))
	assert.Equal(t, 1, n)
}

func TestDoRetryErrFilter(t *testing.T) {
	n := 0
	err := Do(context.Background(), func() error {
		n++
		return merr.ErrStorageFailed
	}, Attempts(5), Sleep(time.Millisecond), RetryErr(merr.IsRetryableErr))
	assert.ErrorIs(t, err, merr.ErrStorageFailed)
	assert.Equal(t, 1, n)
}

func TestDoCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errBoom := errors.New("boom")
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, func() error { return errBoom }, Attempts(0), Sleep(5*time.Millisecond))
	assert.ErrorIs(t, err, errBoom)
}
