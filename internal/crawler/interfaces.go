package crawler

import (
	"context"
	"time"
)

// TaskStore persists crawl tasks and their per-query results.
type TaskStore interface {
	CreateTask(ctx context.Context, task CrawlTask) error
	GetTask(ctx context.Context, taskID string) (CrawlTask, error)
	// MarkProcessing moves a pending task to processing.
	MarkProcessing(ctx context.Context, taskID string) (CrawlTask, error)
	// RecordResult stores one query outcome and bumps the task counters. A
	// result already stored for the same task and query is ignored and reported
	// as not recorded.
	RecordResult(ctx context.Context, result CrawlResult) (bool, error)
	MarkCompleted(ctx context.Context, taskID string) (CrawlTask, error)
	// MarkFailedAttempt either sends the task back to pending with an
	// incremented retry count or, when retries are exhausted or the failure is
	// not retryable, makes it terminally failed.
	MarkFailedAttempt(ctx context.Context, taskID string, reason string, retryable bool) (CrawlTask, error)
	ListResults(ctx context.Context, taskID string) ([]CrawlResult, error)
	Progress(ctx context.Context, taskID string) (Progress, error)
	// ListPending returns pending tasks ordered by priority then schedule time.
	ListPending(ctx context.Context, limit int) ([]CrawlTask, error)
	// ListStale returns processing tasks last written before cutoff, oldest
	// first. Their worker is presumed gone.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]CrawlTask, error)
}

// Queue is the handoff bus between issuer and executor.
type Queue interface {
	Enqueue(ctx context.Context, msg TaskMessage) error
	// Dequeue blocks until a message is available or ctx is done.
	Dequeue(ctx context.Context) (TaskMessage, error)
	PushResult(ctx context.Context, taskID string, result CrawlResult) error
	Results(ctx context.Context, taskID string) ([]CrawlResult, error)
	SetStatus(ctx context.Context, taskID string, status FlagStatus) error
	// Status returns FlagPending when no flag has been written yet.
	Status(ctx context.Context, taskID string) (FlagStatus, error)
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes continuation events to Pub/Sub, Kafka, or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Continuation triggers the named downstream stage once a task's results are persisted.
type Continuation interface {
	Continue(ctx context.Context, stage, taskID string) error
}
