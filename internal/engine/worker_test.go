package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsAllWork(t *testing.T) {
	pool := NewWorkerPool(3)
	ctx := context.Background()

	var counter atomic.Int64
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(ctx, func(context.Context) error {
			counter.Add(1)
			return nil
		}))
	}
	pool.Wait()
	pool.Shutdown()

	assert.Equal(t, int64(20), counter.Load())
	m := pool.Metrics()
	assert.Equal(t, int64(20), m.Completed)
	assert.Equal(t, int64(0), m.Active)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	ctx := context.Background()

	var mu sync.Mutex
	active, peak := 0, 0
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(ctx, func(context.Context) error {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return nil
		}))
	}
	pool.Wait()
	pool.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestWorkerPool_CountsFailures(t *testing.T) {
	pool := NewWorkerPool(2)
	ctx := context.Background()

	require.NoError(t, pool.Submit(ctx, func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, pool.Submit(ctx, func(context.Context) error { return nil }))
	pool.Wait()
	pool.Shutdown()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(1), m.Completed)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)
	ctx := context.Background()

	require.NoError(t, pool.Submit(ctx, func(context.Context) error { panic("worker blew up") }))
	pool.Wait()
	pool.Shutdown()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	// The pool is full; a cancelled context unblocks the waiting submit.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	pool.Wait()
}
