package pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// QueueStats contains handoff counters for one queue.
// A growing Dropped with a fresh LastPush means the consumer is falling behind;
// a stale LastPush means nothing is arriving.
type QueueStats struct {
	Name     string
	Capacity int
	Depth    int
	Pushed   uint64
	Popped   uint64
	Dropped  uint64
	LastPush time.Time
	LastDrop time.Time
}

// BoundedQueue is a FIFO handoff between two goroutines with a fixed capacity.
// Push never waits for the consumer: when the queue is full the oldest entry is
// discarded and the newest is always admitted.
type BoundedQueue[T any] struct {
	name     string
	capacity int
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	items  []T
	closed bool
	stats  QueueStats
	onDrop func(T)

	// wake holds at most one pending signal; consumers wait on it without holding mu
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// FrameQueue carries frames from the capture loop to the processing loop
type FrameQueue = BoundedQueue[*Frame]

// StatusChannel carries observations from the processing loop to the aggregation loop
type StatusChannel = BoundedQueue[Observation]

// NewBoundedQueue creates a queue holding at most capacity entries
func NewBoundedQueue[T any](name string, capacity int, logger *zap.Logger) *BoundedQueue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BoundedQueue[T]{
		name:     name,
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
		items:    make([]T, 0, capacity),
		stats:    QueueStats{Name: name, Capacity: capacity},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// OnDrop registers a hook called (outside the lock) with every discarded entry
func (q *BoundedQueue[T]) OnDrop(fn func(T)) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

// Push appends v, discarding the oldest entry first if the queue is full.
// It returns true when an entry was discarded.
func (q *BoundedQueue[T]) Push(v T) bool {
	now := q.now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	var (
		evicted T
		dropped bool
	)
	if len(q.items) >= q.capacity {
		var zero T
		evicted = q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		dropped = true
		q.stats.Dropped++
		q.stats.LastDrop = now
	}
	q.items = append(q.items, v)
	q.stats.Pushed++
	q.stats.LastPush = now
	droppedTotal := q.stats.Dropped
	onDrop := q.onDrop
	q.mu.Unlock()

	if dropped {
		q.logger.Warn("Queue full, dropping oldest entry",
			zap.String("queue", q.name),
			zap.Int("capacity", q.capacity),
			zap.Uint64("dropped_total", droppedTotal),
		)
		if onDrop != nil {
			onDrop(evicted)
		}
	}

	// Signal one waiting consumer
	select {
	case q.wake <- struct{}{}:
	default:
	}

	return dropped
}

// PopBlocking removes and returns the oldest entry, waiting up to timeout for one.
// It returns false on timeout or when the queue is closed and empty.
func (q *BoundedQueue[T]) PopBlocking(timeout time.Duration) (T, bool) {
	var zero T
	if !q.wait(timeout) {
		return zero, false
	}
	return q.tryPop()
}

// DrainBlocking waits up to timeout for at least one entry, then removes and
// returns every buffered entry in FIFO order.
func (q *BoundedQueue[T]) DrainBlocking(timeout time.Duration) ([]T, bool) {
	if !q.wait(timeout) {
		return nil, false
	}
	items := q.Drain()
	return items, len(items) > 0
}

// Drain removes and returns every buffered entry without waiting
func (q *BoundedQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	items := make([]T, len(q.items))
	copy(items, q.items)
	q.stats.Popped += uint64(len(items))
	q.items = make([]T, 0, q.capacity)
	return items
}

// wait blocks until the queue is non-empty, closed or the timeout elapses.
// It returns true when an entry is available.
func (q *BoundedQueue[T]) wait(timeout time.Duration) bool {
	if q.Len() > 0 {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.wake:
			if q.Len() > 0 {
				return true
			}
		case <-q.done:
			return q.Len() > 0
		case <-timer.C:
			return q.Len() > 0
		}
	}
}

func (q *BoundedQueue[T]) tryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.stats.Popped++
	return v, true
}

// Snapshot returns a copy of the buffered entries, oldest first
func (q *BoundedQueue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]T, len(q.items))
	copy(items, q.items)
	return items
}

// Len returns the number of buffered entries
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured bound
func (q *BoundedQueue[T]) Capacity() int {
	return q.capacity
}

// Stats returns a snapshot of the queue counters
func (q *BoundedQueue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := q.stats
	stats.Depth = len(q.items)
	return stats
}

// Close wakes blocked consumers. Entries still buffered can be popped;
// later pushes are ignored.
func (q *BoundedQueue[T]) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}
