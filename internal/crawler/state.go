package crawler

import (
	"errors"
	"fmt"
	"time"
)

// NewTask builds a pending task for the given engine and query batch.
func NewTask(id, runID, engine, accountID string, queries []Query, cfg TaskConfig, maxRetries int, now time.Time) CrawlTask {
	return CrawlTask{
		ID:           id,
		RunID:        runID,
		Engine:       engine,
		AccountID:    accountID,
		Queries:      append([]Query(nil), queries...),
		Config:       cfg,
		Status:       TaskStatusPending,
		MaxRetries:   maxRetries,
		TotalQueries: len(queries),
		ScheduledAt:  now.UTC(),
	}
}

// Start moves a pending task to processing.
func (t *CrawlTask) Start(now time.Time) error {
	if t.Status != TaskStatusPending {
		return fmt.Errorf("start from %s: %w", t.Status, ErrInvalidTransition)
	}
	t.Status = TaskStatusProcessing
	if t.StartedAt == nil {
		t.StartedAt = pointerTime(now)
	}
	return nil
}

// RecordOutcome counts one query result against the task.
func (t *CrawlTask) RecordOutcome(success bool) error {
	if t.Status.Terminal() {
		return fmt.Errorf("record outcome on %s task: %w", t.Status, ErrInvalidTransition)
	}
	if t.SuccessfulQueries+t.FailedQueries >= t.TotalQueries {
		return ErrProgressOverflow
	}
	if success {
		t.SuccessfulQueries++
	} else {
		t.FailedQueries++
	}
	return nil
}

// Complete moves a processing task to completed.
func (t *CrawlTask) Complete(now time.Time) error {
	if t.Status != TaskStatusProcessing {
		return fmt.Errorf("complete from %s: %w", t.Status, ErrInvalidTransition)
	}
	t.Status = TaskStatusCompleted
	t.CompletedAt = pointerTime(now)
	return nil
}

// Retry sends a processing task back to pending and increments retry_count.
func (t *CrawlTask) Retry(reason string) error {
	if t.Status != TaskStatusProcessing {
		return fmt.Errorf("retry from %s: %w", t.Status, ErrInvalidTransition)
	}
	if t.RetryCount >= t.MaxRetries {
		return ErrRetriesExhausted
	}
	t.RetryCount++
	t.Status = TaskStatusPending
	t.appendError(reason)
	return nil
}

// Fail makes the task terminally failed.
func (t *CrawlTask) Fail(now time.Time, reason string) error {
	if t.Status.Terminal() {
		return fmt.Errorf("fail from %s: %w", t.Status, ErrInvalidTransition)
	}
	t.Status = TaskStatusFailed
	t.CompletedAt = pointerTime(now)
	t.appendError(reason)
	return nil
}

// FailAttempt retries the task when allowed and fails it otherwise.
func (t *CrawlTask) FailAttempt(now time.Time, reason string, retryable bool) error {
	if retryable {
		if err := t.Retry(reason); !errors.Is(err, ErrRetriesExhausted) {
			return err
		}
	}
	return t.Fail(now, reason)
}

// RemainingQueries returns the queries without a recorded result, in submission order.
func (t CrawlTask) RemainingQueries(results []CrawlResult) []Query {
	done := make(map[string]struct{}, len(results))
	for _, r := range results {
		done[r.QueryID] = struct{}{}
	}
	out := make([]Query, 0, len(t.Queries))
	for _, q := range t.Queries {
		if _, ok := done[q.QueryID]; ok {
			continue
		}
		out = append(out, q)
	}
	return out
}

func (t *CrawlTask) appendError(reason string) {
	if reason == "" {
		return
	}
	t.ErrorLog = append(t.ErrorLog, reason)
}

func pointerTime(t time.Time) *time.Time {
	ts := t.UTC()
	return &ts
}
