package task

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_RunsJobsInOrder(t *testing.T) {
	p := NewPoller("test")
	defer p.Shutdown()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, p.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 9 {
				close(done)
			}
		}))
	}
	<-done
	mu.Lock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	mu.Unlock()
}

func TestPoller_OverflowReturnsError(t *testing.T) {
	p := NewPoller("test")
	defer p.Shutdown()

	block := make(chan struct{})
	require.NoError(t, p.Post(func() { <-block }))

	var overflowed bool
	for i := 0; i < defaultQueueSize+1; i++ {
		if err := p.Post(func() {}); err != nil {
			assert.ErrorIs(t, err, ErrPollerOverflow)
			overflowed = true
			break
		}
	}
	close(block)
	assert.True(t, overflowed, "a stuck poller must reject further jobs")
}

func TestPoller_PostAfterShutdown(t *testing.T) {
	p := NewPoller("test")
	p.Shutdown()
	assert.ErrorIs(t, p.Post(func() {}), ErrPollerClosed)
}

func TestDelayTask_Fires(t *testing.T) {
	p := NewPoller("test")
	defer p.Shutdown()

	fired := make(chan struct{})
	p.DoDelayTask(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("delay task did not fire")
	}
}

func TestDelayTask_Cancel(t *testing.T) {
	p := NewPoller("test")
	defer p.Shutdown()

	var fired atomic.Bool
	task := p.DoDelayTask(20*time.Millisecond, func() { fired.Store(true) })
	task.Cancel()
	task.Cancel() // idempotent

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestPool_RoundRobin(t *testing.T) {
	pool := NewPool(3)
	defer pool.Shutdown()

	assert.Equal(t, 3, pool.Size())
	a, b, c, d := pool.Next(), pool.Next(), pool.Next(), pool.Next()
	assert.NotSame(t, a, b)
	assert.NotSame(t, b, c)
	assert.Same(t, a, d, "allocation wraps around")
}

func TestWorkerPool_RunsAndShutsDown(t *testing.T) {
	w := NewWorkerPool(2)

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.True(t, w.Submit(func() { count.Add(1) }))
	}
	w.Shutdown()
	assert.Equal(t, int32(10), count.Load(), "shutdown drains queued jobs")
	assert.False(t, w.Submit(func() {}))
}
