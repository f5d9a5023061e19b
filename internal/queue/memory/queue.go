// Package memory provides an in-process handoff queue for local development
// and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/queue"
)

// Queue keeps tasks in a FIFO list and results as encoded JSON so callers see
// the same serialization as with the Redis backend.
type Queue struct {
	capacity int

	mu      sync.Mutex
	tasks   []crawler.TaskMessage
	results map[string][][]byte
	status  map[string]crawler.FlagStatus
	wake    chan struct{}
	closed  bool
}

// NewQueue builds a queue. A capacity of zero or less means unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		results:  make(map[string][][]byte),
		status:   make(map[string]crawler.FlagStatus),
		wake:     make(chan struct{}),
	}
}

// Enqueue appends a task message.
func (q *Queue) Enqueue(ctx context.Context, msg crawler.TaskMessage) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if q.capacity > 0 && len(q.tasks) >= q.capacity {
		return queue.ErrFull
	}
	q.tasks = append(q.tasks, msg)
	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

// Dequeue pops the oldest task, waiting until one arrives or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (crawler.TaskMessage, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return crawler.TaskMessage{}, queue.ErrClosed
		}
		if len(q.tasks) > 0 {
			msg := q.tasks[0]
			q.tasks[0] = crawler.TaskMessage{}
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return msg, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.TaskMessage{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wake:
		}
	}
}

// Len returns the number of waiting tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// PushResult appends one result to the task's result list.
func (q *Queue) PushResult(_ context.Context, taskID string, result crawler.CrawlResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	q.results[taskID] = append(q.results[taskID], payload)
	return nil
}

// Results decodes every result pushed for taskID, in push order.
func (q *Queue) Results(_ context.Context, taskID string) ([]crawler.CrawlResult, error) {
	q.mu.Lock()
	raw := append([][]byte(nil), q.results[taskID]...)
	q.mu.Unlock()

	out := make([]crawler.CrawlResult, 0, len(raw))
	for _, payload := range raw {
		var res crawler.CrawlResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, res)
	}
	return out, nil
}

// SetStatus writes the task's status flag.
func (q *Queue) SetStatus(_ context.Context, taskID string, status crawler.FlagStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	q.status[taskID] = status
	return nil
}

// Status reads the task's status flag, FlagPending when unset.
func (q *Queue) Status(_ context.Context, taskID string) (crawler.FlagStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.status[taskID]; ok {
		return s, nil
	}
	return crawler.FlagPending, nil
}

// Close wakes blocked consumers. It is safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.wake)
	return nil
}
