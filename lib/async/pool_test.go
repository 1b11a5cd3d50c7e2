package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sorooshx/tradecore/errs"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	pool, err := NewPool(2, 4)
	require.NoError(t, err)
	defer pool.Close()

	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	require.Equal(t, int32(4), ran.Load())
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	pool, err := NewPool(1, 0)
	require.NoError(t, err)
	defer pool.Close()

	blocker := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-blocker
		return nil
	}))

	// Give the worker time to take the first job, then saturate the queue.
	time.Sleep(20 * time.Millisecond)
	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
	close(blocker)
}

func TestPoolRejectsAfterClose(t *testing.T) {
	pool, err := NewPool(1, 1)
	require.NoError(t, err)
	pool.Close()

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
}

func TestNewPoolValidatesWorkers(t *testing.T) {
	_, err := NewPool(0, 1)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}
