package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPoolRunsTasksAndStopsWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewPool(3, 10, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(context.Context) { ran.Add(1) }))
	}
	require.Eventually(t, func() bool { return ran.Load() == 10 }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPoolSubmitFailsWhenQueueIsFull(t *testing.T) {
	pool := NewPool(1, 2, nil, nil)

	require.NoError(t, pool.Submit(func(context.Context) {}))
	require.NoError(t, pool.Submit(func(context.Context) {}))
	require.ErrorIs(t, pool.Submit(func(context.Context) {}), ErrPoolFull)
	assert.Equal(t, 2, pool.Pending())
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewPool(1, 2, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	after := make(chan struct{})
	require.NoError(t, pool.Submit(func(context.Context) { panic("boom") }))
	require.NoError(t, pool.Submit(func(context.Context) { close(after) }))

	select {
	case <-after:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died with the panicking task")
	}
	cancel()
	<-done
}

func TestPoolWaitsForTaskInFlight(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewPool(1, 1, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, pool.Submit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	cancel()
	select {
	case <-done:
		t.Fatal("pool stopped with a task in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
}
