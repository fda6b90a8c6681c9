package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrabbit881/medianode/internal/task"
)

// collector drains a reader's units into a slice.
type collector struct {
	mu       sync.Mutex
	units    []Unit[int]
	detached bool
}

func (c *collector) onRead(u Unit[int]) {
	c.mu.Lock()
	c.units = append(c.units, u)
	c.mu.Unlock()
}

func (c *collector) onDetach() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
}

func (c *collector) snapshot() []Unit[int] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Unit[int](nil), c.units...)
}

func (c *collector) isDetached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRing_DeliversInWriteOrder(t *testing.T) {
	poller := task.NewPoller("test")
	defer poller.Shutdown()

	r := New[int](nil)
	var c collector
	r.Attach(poller, c.onRead, c.onDetach)

	r.Write([]int{1, 2}, true)
	r.Write([]int{3}, false)

	waitFor(t, func() bool { return len(c.snapshot()) == 2 })
	units := c.snapshot()
	assert.Equal(t, []int{1, 2}, units[0].Packets)
	assert.True(t, units[0].Key)
	assert.Equal(t, []int{3}, units[1].Packets)
}

func TestRing_SeedsLateReaderFromKeyframe(t *testing.T) {
	poller := task.NewPoller("test")
	defer poller.Shutdown()

	r := New[int](nil)
	r.Write([]int{1}, true) // old GOP
	r.Write([]int{2}, false)
	r.Write([]int{10}, true) // current GOP
	r.Write([]int{11}, false)

	var c collector
	r.Attach(poller, c.onRead, c.onDetach)

	waitFor(t, func() bool { return len(c.snapshot()) == 2 })
	units := c.snapshot()
	require.True(t, units[0].Key, "first delivered unit must open a GOP")
	assert.Equal(t, []int{10}, units[0].Packets)
	assert.Equal(t, []int{11}, units[1].Packets)
}

func TestRing_ReaderCountAndNotify(t *testing.T) {
	poller := task.NewPoller("test")
	defer poller.Shutdown()

	var mu sync.Mutex
	var counts []int
	r := New[int](func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	})

	var c collector
	reader := r.Attach(poller, c.onRead, c.onDetach)
	assert.Equal(t, 1, r.ReaderCount())

	reader.Detach()
	assert.Equal(t, 0, r.ReaderCount())
	waitFor(t, c.isDetached)

	mu.Lock()
	assert.Equal(t, []int{1, 0}, counts)
	mu.Unlock()
}

func TestRing_DetachIsIdempotent(t *testing.T) {
	poller := task.NewPoller("test")
	defer poller.Shutdown()

	r := New[int](nil)
	detaches := 0
	var mu sync.Mutex
	reader := r.Attach(poller, func(Unit[int]) {}, func() {
		mu.Lock()
		detaches++
		mu.Unlock()
	})
	reader.Detach()
	reader.Detach()
	r.Close()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return detaches > 0
	})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, detaches, "detach callback fires exactly once")
	mu.Unlock()
}

func TestRing_CloseDetachesAll(t *testing.T) {
	poller := task.NewPoller("test")
	defer poller.Shutdown()

	r := New[int](nil)
	var c1, c2 collector
	r.Attach(poller, c1.onRead, c1.onDetach)
	r.Attach(poller, c2.onRead, c2.onDetach)

	r.Close()
	waitFor(t, func() bool { return c1.isDetached() && c2.isDetached() })
	assert.Equal(t, 0, r.ReaderCount())

	// Writes after close are dropped.
	r.Write([]int{1}, true)
	assert.Empty(t, c1.snapshot())
}

func TestRing_ClearCacheDropsSeed(t *testing.T) {
	poller := task.NewPoller("test")
	defer poller.Shutdown()

	r := New[int](nil)
	r.Write([]int{1}, true)
	r.ClearCache()

	_, ok := r.LastKeyUnit()
	assert.False(t, ok)
}
