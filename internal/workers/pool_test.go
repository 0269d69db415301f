package workers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func closePool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func TestPool_DoReturnsTaskResult(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewPool(2, 4, slogDiscard())
	defer closePool(t, p)

	ctx := context.Background()
	assert.NoError(t, p.Do(ctx, ctx, func(ctx context.Context) error { return nil }))

	boom := errors.New("boom")
	assert.Same(t, boom, p.Do(ctx, ctx, func(ctx context.Context) error { return boom }))
}

func TestPool_BoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewPool(3, 100, slogDiscard())
	defer closePool(t, p)

	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			err := p.Do(ctx, ctx, func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&peak)
					if n <= m || atomic.CompareAndSwapInt32(&peak, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Equal(t, 3, p.Stats().Workers)
}

func TestPool_QueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewPool(1, 1, slogDiscard())
	defer closePool(t, p)

	release := make(chan struct{})
	started := make(chan struct{})
	ctx := context.Background()
	blocker := func(ctx context.Context) error { <-release; return nil }

	first, err := p.Submit(ctx, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	queued, err := p.Submit(ctx, blocker)
	require.NoError(t, err)

	_, err = p.Submit(ctx, blocker)
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	assert.NoError(t, <-first)
	assert.NoError(t, <-queued)
}

func TestPool_ClosedRejectsAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewPool(1, 4, slogDiscard())

	var ran int32
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := p.Submit(ctx, func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&ran, 1)
			return nil
		})
		require.NoError(t, err)
	}

	closePool(t, p)
	assert.Equal(t, int32(3), atomic.LoadInt32(&ran), "queued tasks finish before Close returns")

	_, err := p.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	closePool(t, p) // idempotent
}

func TestPool_WaitCanceledTaskContinues(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewPool(1, 1, slogDiscard())

	finished := make(chan struct{})
	wait, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(wait, context.Background(), func(ctx context.Context) error {
		time.Sleep(5 * time.Millisecond)
		close(finished)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	<-finished
	closePool(t, p)
}

func TestPool_PanicBecomesError(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewPool(1, 1, slogDiscard())
	defer closePool(t, p)

	ctx := context.Background()
	err := p.Do(ctx, ctx, func(ctx context.Context) error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// the worker survives
	assert.NoError(t, p.Do(ctx, ctx, func(ctx context.Context) error { return nil }))
}

func TestPool_ExpiredTaskContextSkipsTask(t *testing.T) {
	defer goleak.VerifyNone(t)
	p := NewPool(1, 1, slogDiscard())
	defer closePool(t, p)

	taskCtx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := p.Do(context.Background(), taskCtx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestPool_NilTask(t *testing.T) {
	p := NewPool(1, 0, slogDiscard())
	defer closePool(t, p)
	_, err := p.Submit(context.Background(), nil)
	assert.Error(t, err)
}
