package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBoundedQueue_OverflowKeepsNewestInOrder(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	q := NewBoundedQueue[*Frame]("frames", 10, zap.New(core))

	var dropped []*Frame
	q.OnDrop(func(f *Frame) { dropped = append(dropped, f) })

	for i := 1; i <= 11; i++ {
		overflow := q.Push(&Frame{Seq: uint64(i)})
		assert.Equal(t, i == 11, overflow, "push %d", i)
	}

	require.Equal(t, 10, q.Len())
	items := q.Snapshot()
	for i, f := range items {
		assert.Equal(t, uint64(i+2), f.Seq)
	}

	require.Len(t, dropped, 1)
	assert.Equal(t, uint64(1), dropped[0].Seq)

	entries := logs.FilterMessage("Queue full, dropping oldest entry").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "frames", entries[0].ContextMap()["queue"])

	stats := q.Stats()
	assert.Equal(t, uint64(11), stats.Pushed)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 10, stats.Depth)
	assert.False(t, stats.LastDrop.IsZero())
}

func TestBoundedQueue_NeverExceedsCapacity(t *testing.T) {
	q := NewBoundedQueue[int]("ints", 3, nil)
	for i := 0; i < 100; i++ {
		q.Push(i)
		require.LessOrEqual(t, q.Len(), 3)
	}
	assert.Equal(t, []int{97, 98, 99}, q.Snapshot())
	assert.Equal(t, uint64(97), q.Stats().Dropped)
}

func TestBoundedQueue_DefaultCapacity(t *testing.T) {
	q := NewBoundedQueue[int]("ints", 0, nil)
	assert.Equal(t, DefaultQueueCapacity, q.Capacity())
}

func TestBoundedQueue_PopBlockingFIFO(t *testing.T) {
	q := NewBoundedQueue[int]("ints", 5, zap.NewNop())
	q.Push(1)
	q.Push(2)
	q.Push(3)

	for want := 1; want <= 3; want++ {
		got, ok := q.PopBlocking(10 * time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, uint64(3), q.Stats().Popped)
}

func TestBoundedQueue_PopBlockingTimeout(t *testing.T) {
	q := NewBoundedQueue[int]("ints", 5, zap.NewNop())

	start := time.Now()
	v, ok := q.PopBlocking(30 * time.Millisecond)
	assert.False(t, ok)
	assert.Zero(t, v)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestBoundedQueue_PopBlockingWakesOnPush(t *testing.T) {
	q := NewBoundedQueue[int]("ints", 5, zap.NewNop())

	result := make(chan int, 1)
	go func() {
		v, ok := q.PopBlocking(2 * time.Second)
		if ok {
			result <- v
		}
		close(result)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(42)

	select {
	case v := <-result:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by push")
	}
}

func TestBoundedQueue_DrainBlockingCollapsesBurst(t *testing.T) {
	q := NewBoundedQueue[Observation]("statuses", 10, zap.NewNop())
	for i := 0; i < 4; i++ {
		q.Push(Observation{Class: EyesOpen, FrameSeq: uint64(i)})
	}

	batch, ok := q.DrainBlocking(10 * time.Millisecond)
	require.True(t, ok)
	require.Len(t, batch, 4)
	for i, obs := range batch {
		assert.Equal(t, uint64(i), obs.FrameSeq)
	}
	assert.Zero(t, q.Len())

	batch, ok = q.DrainBlocking(10 * time.Millisecond)
	assert.False(t, ok)
	assert.Empty(t, batch)
}

func TestBoundedQueue_CloseWakesConsumer(t *testing.T) {
	q := NewBoundedQueue[int]("ints", 5, zap.NewNop())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.PopBlocking(5 * time.Second)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the consumer")
	}
}

func TestBoundedQueue_CloseKeepsBufferedEntries(t *testing.T) {
	q := NewBoundedQueue[int]("ints", 5, zap.NewNop())
	q.Push(7)
	q.Close()
	q.Close()

	assert.False(t, q.Push(8))
	v, ok := q.PopBlocking(time.Second)
	require.True(t, ok)
	assert.Equal(t, 7, v)

	start := time.Now()
	_, ok = q.PopBlocking(time.Second)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "closed and empty queue must not wait")
}

func TestBoundedQueue_ConcurrentProducerConsumer(t *testing.T) {
	q := NewBoundedQueue[int]("ints", 10, zap.NewNop())
	const total = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			q.Push(i)
		}
		q.Close()
	}()

	last := -1
	received := 0
	for {
		v, ok := q.PopBlocking(time.Second)
		if !ok {
			break
		}
		require.Greater(t, v, last, "FIFO order among retained entries")
		last = v
		received++
	}
	wg.Wait()

	stats := q.Stats()
	assert.Equal(t, uint64(total), stats.Pushed)
	assert.Equal(t, uint64(received), stats.Popped)
	assert.Equal(t, uint64(total), stats.Popped+stats.Dropped)
}
