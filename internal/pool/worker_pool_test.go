package pool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	p := NewWorkerPool(3, 10, nil)
	p.Start(context.Background())

	var done atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) {
			done.Add(1)
		}))
	}
	p.Stop()

	assert.Equal(t, int32(20), done.Load())
}

func TestWorkerPool_PanicIsRecovered(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	p := NewWorkerPool(1, 4, zap.New(core))
	p.Start(context.Background())

	var after atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { after.Store(true) }))
	p.Stop()

	assert.True(t, after.Load(), "worker must survive a panicking task")
	assert.Equal(t, 1, logs.FilterMessage("worker task panicked").Len())
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	p := NewWorkerPool(1, 1, nil)
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) {}), ErrPoolStopped)
}

func TestWorkerPool_SubmitRespectsContext(t *testing.T) {
	// 未启动的池，队列容量为 0，提交会一直阻塞
	p := NewWorkerPool(1, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Submit(ctx, func(context.Context) {}), context.Canceled)
}
