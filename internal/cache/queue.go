package cache

import (
	"context"
	"time"

	"github.com/nugget/counselor-agent/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the default number of non-streaming turns
// allowed in flight.
const DefaultMaxConcurrent = 2

// Queue bounds concurrent non-streaming invocations. Waiters are served
// in arrival order and give up when their context ends.
type Queue struct {
	sem *semaphore.Weighted
	max int
}

// NewQueue allows n concurrent invocations; n <= 0 uses
// [DefaultMaxConcurrent].
func NewQueue(n int) *Queue {
	if n <= 0 {
		n = DefaultMaxConcurrent
	}
	return &Queue{sem: semaphore.NewWeighted(int64(n)), max: n}
}

// Max returns the concurrency bound.
func (q *Queue) Max() int { return q.max }

// Do runs fn once a slot is free. It returns ctx.Err() without running
// fn if the context ends while waiting.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	start := time.Now()
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	metrics.QueueWait.Observe(time.Since(start).Seconds())
	metrics.QueueInFlight.Inc()
	defer func() {
		metrics.QueueInFlight.Dec()
		q.sem.Release(1)
	}()
	return fn(ctx)
}
