package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for single-node runs and tests.
type MemoryQueue struct {
	ch         chan Message
	workers    int
	maxDeliver int

	mu      sync.Mutex
	pending sync.WaitGroup
	done    chan struct{}
}

// NewMemoryQueue returns a queue with the given worker count. maxDeliver
// bounds failed deliveries per message; zero or less means unlimited.
// Deliveries deferred with Retry do not count against it.
func NewMemoryQueue(workers, maxDeliver int) *MemoryQueue {
	if workers < 1 {
		workers = 1
	}
	return &MemoryQueue{
		ch:         make(chan Message, 1024),
		workers:    workers,
		maxDeliver: maxDeliver,
		done:       make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	msg.Attempt, msg.Final, msg.failures = 0, false, 0
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Run(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for range q.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-q.ch:
					q.deliver(ctx, msg, h)
				}
			}
		}()
	}
	wg.Wait()

	q.mu.Lock()
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	q.mu.Unlock()
	q.pending.Wait()
	return nil
}

func (q *MemoryQueue) deliver(ctx context.Context, msg Message, h Handler) {
	msg.Attempt++
	msg.Final = q.maxDeliver > 0 && msg.failures+1 >= q.maxDeliver
	err := h(ctx, msg)
	if err == nil {
		return
	}
	if delay, ok := RetryDelay(err); ok {
		q.redeliver(msg, delay)
		return
	}
	msg.failures++
	if msg.Final {
		slog.Error("job dropped after max deliveries", "job_id", msg.JobID, "attempt", msg.Attempt, "error", err)
		return
	}
	slog.Error("job handler failed", "job_id", msg.JobID, "attempt", msg.Attempt, "error", err)
	q.redeliver(msg, 0)
}

// redeliver puts msg back after delay unless the queue has stopped.
func (q *MemoryQueue) redeliver(msg Message, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.done:
		return
	default:
	}
	q.pending.Add(1)
	go func() {
		defer q.pending.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-q.done:
			return
		case <-t.C:
		}
		select {
		case q.ch <- msg:
		case <-q.done:
		}
	}()
}
