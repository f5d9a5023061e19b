package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/answer-engine-crawler/internal/clock/system"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
)

type resultKey struct {
	taskID  string
	queryID string
}

// TaskStore provides an in-memory implementation for development/testing.
type TaskStore struct {
	clock crawler.Clock

	mu      sync.RWMutex
	tasks   map[string]crawler.CrawlTask
	results map[string][]crawler.CrawlResult
	seen    map[resultKey]struct{}
	touched map[string]time.Time
}

// NewTaskStore constructs a TaskStore. A nil clock uses the system clock.
func NewTaskStore(clock crawler.Clock) *TaskStore {
	if clock == nil {
		clock = system.New()
	}
	return &TaskStore{
		clock:   clock,
		tasks:   make(map[string]crawler.CrawlTask),
		results: make(map[string][]crawler.CrawlResult),
		seen:    make(map[resultKey]struct{}),
		touched: make(map[string]time.Time),
	}
}

// CreateTask stores a new task.
func (s *TaskStore) CreateTask(_ context.Context, task crawler.CrawlTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("create task %s: %w", task.ID, crawler.ErrAlreadyExists)
	}
	s.tasks[task.ID] = cloneTask(task)
	s.touched[task.ID] = s.clock.Now()
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (crawler.CrawlTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return crawler.CrawlTask{}, fmt.Errorf("get task %s: %w", taskID, crawler.ErrNotFound)
	}
	return cloneTask(task), nil
}

// MarkProcessing moves a pending task to processing.
func (s *TaskStore) MarkProcessing(_ context.Context, taskID string) (crawler.CrawlTask, error) {
	return s.mutate(taskID, func(t *crawler.CrawlTask) error {
		return t.Start(s.clock.Now())
	})
}

// RecordResult stores one result and bumps the counters. Duplicates by
// task and query ID are ignored.
func (s *TaskStore) RecordResult(_ context.Context, result crawler.CrawlResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[result.TaskID]
	if !ok {
		return false, fmt.Errorf("record result for %s: %w", result.TaskID, crawler.ErrNotFound)
	}
	key := resultKey{taskID: result.TaskID, queryID: result.QueryID}
	if _, dup := s.seen[key]; dup {
		return false, nil
	}
	if err := task.RecordOutcome(result.Succeeded()); err != nil {
		return false, fmt.Errorf("record result for %s: %w", result.TaskID, err)
	}
	s.tasks[task.ID] = task
	s.touched[task.ID] = s.clock.Now()
	s.seen[key] = struct{}{}
	s.results[task.ID] = append(s.results[task.ID], result)
	return true, nil
}

// MarkCompleted moves a processing task to completed.
func (s *TaskStore) MarkCompleted(_ context.Context, taskID string) (crawler.CrawlTask, error) {
	return s.mutate(taskID, func(t *crawler.CrawlTask) error {
		return t.Complete(s.clock.Now())
	})
}

// MarkFailedAttempt retries or terminally fails the task.
func (s *TaskStore) MarkFailedAttempt(_ context.Context, taskID, reason string, retryable bool) (crawler.CrawlTask, error) {
	return s.mutate(taskID, func(t *crawler.CrawlTask) error {
		return t.FailAttempt(s.clock.Now(), reason, retryable)
	})
}

// ListResults returns all recorded results for a task in record order.
func (s *TaskStore) ListResults(_ context.Context, taskID string) ([]crawler.CrawlResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, fmt.Errorf("list results for %s: %w", taskID, crawler.ErrNotFound)
	}
	results := s.results[taskID]
	out := make([]crawler.CrawlResult, len(results))
	copy(out, results)
	return out, nil
}

// Progress returns the task's query accounting.
func (s *TaskStore) Progress(ctx context.Context, taskID string) (crawler.Progress, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return crawler.Progress{}, err
	}
	return task.Progress(), nil
}

// ListPending returns pending tasks by descending priority then schedule time.
func (s *TaskStore) ListPending(_ context.Context, limit int) ([]crawler.CrawlTask, error) {
	s.mu.RLock()
	out := make([]crawler.CrawlTask, 0)
	for _, task := range s.tasks {
		if task.Status == crawler.TaskStatusPending {
			out = append(out, cloneTask(task))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStale returns processing tasks untouched since cutoff, oldest first.
func (s *TaskStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]crawler.CrawlTask, error) {
	s.mu.RLock()
	out := make([]crawler.CrawlTask, 0)
	for id, task := range s.tasks {
		if task.Status == crawler.TaskStatusProcessing && s.touched[id].Before(cutoff) {
			out = append(out, cloneTask(task))
		}
	}
	touched := make(map[string]time.Time, len(out))
	for _, task := range out {
		touched[task.ID] = s.touched[task.ID]
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := touched[out[i].ID], touched[out[j].ID]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *TaskStore) mutate(taskID string, fn func(*crawler.CrawlTask) error) (crawler.CrawlTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return crawler.CrawlTask{}, fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	if err := fn(&task); err != nil {
		return crawler.CrawlTask{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	s.tasks[taskID] = task
	s.touched[taskID] = s.clock.Now()
	return cloneTask(task), nil
}

func cloneTask(t crawler.CrawlTask) crawler.CrawlTask {
	t.Queries = append([]crawler.Query(nil), t.Queries...)
	t.ErrorLog = append([]string(nil), t.ErrorLog...)
	return t
}
