package issuer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/answer-engine-crawler/internal/clock/manual"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/engine"
	"github.com/JakeFAU/answer-engine-crawler/internal/publisher"
	pubmem "github.com/JakeFAU/answer-engine-crawler/internal/publisher/memory"
	"github.com/JakeFAU/answer-engine-crawler/internal/queue"
	memqueue "github.com/JakeFAU/answer-engine-crawler/internal/queue/memory"
	"github.com/JakeFAU/answer-engine-crawler/internal/storage/memory"
)

var start = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("task-%d", s.n), nil
}

type fixture struct {
	clk    *manual.Clock
	queue  *memqueue.Queue
	store  *memory.TaskStore
	pub    *pubmem.Publisher
	sleeps int
	onPoll func(n int)
	issuer *Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := manual.New(start)
	f := &fixture{
		clk:   clk,
		queue: memqueue.NewQueue(0),
		store: memory.NewTaskStore(clk),
		pub:   pubmem.New(),
	}
	sleep := func(ctx context.Context, _ time.Duration) error {
		f.sleeps++
		if f.onPoll != nil {
			f.onPoll(f.sleeps)
		}
		return ctx.Err()
	}
	f.issuer = New(f.queue, f.store, &sequentialIDs{}, clk,
		publisher.NewContinuation(f.pub, "continuations", clk, nil),
		Options{MaxRetries: 2, PollInterval: 5 * time.Second, PollAttempts: 4, Sleep: sleep, StaleAfter: 10 * time.Minute},
		nil)
	return f
}

func threeQueries() []crawler.Query {
	return []crawler.Query{
		{QueryID: "q1", QueryText: "best crm for startups"},
		{QueryID: "q2", QueryText: "hubspot vs salesforce"},
		{QueryID: "q3", QueryText: "cheapest crm"},
	}
}

func TestSubmitPersistsAndEnqueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	task, err := f.issuer.Submit(ctx, SubmitRequest{
		Engine:         "perplexity",
		Queries:        []crawler.Query{{QueryText: "a"}, {QueryText: "b"}},
		TakeScreenshot: true,
		Priority:       3,
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, "task-1", task.RunID)
	assert.Equal(t, "perplexity", task.Engine)
	assert.Equal(t, "default", task.AccountID)
	assert.Equal(t, 2, task.MaxRetries)
	assert.Equal(t, 3, task.Priority)
	assert.Equal(t, crawler.TaskStatusPending, task.Status)

	msg, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawler.TaskMessage{
		TaskID:    "task-1",
		RunID:     "task-1",
		Engine:    "perplexity",
		AccountID: "default",
		Queries:   []crawler.Query{{QueryID: "q1", QueryText: "a"}, {QueryID: "q2", QueryText: "b"}},
		Config:    crawler.TaskConfig{TakeScreenshot: true},
		QueuedAt:  start,
	}, msg)

	stored, err := f.issuer.Task(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.TotalQueries)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.issuer.Submit(ctx, SubmitRequest{Engine: "bard", Queries: threeQueries()})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorIs(t, err, engine.ErrUnknownEngine)

	_, err = f.issuer.Submit(ctx, SubmitRequest{Engine: "chatgpt"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.issuer.Submit(ctx, SubmitRequest{Engine: "chatgpt", Queries: []crawler.Query{{QueryID: "x", QueryText: "a"}, {QueryID: "x", QueryText: "b"}}})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.issuer.Submit(ctx, SubmitRequest{Engine: "chatgpt", Queries: []crawler.Query{{QueryID: "x"}}})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 0, f.queue.Len())
}

func TestPollResultsTimesOutWithoutFailing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	results, err := f.issuer.PollResults(context.Background(), "task-x", 3, time.Second)
	require.ErrorIs(t, err, ErrPollTimeout)
	assert.Nil(t, results)
	assert.Equal(t, 2, f.sleeps, "no sleep after the last attempt")
}

func TestPollResultsReturnsOnCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	want := crawler.CrawlResult{TaskID: "task-x", QueryID: "q1", Citations: []crawler.Citation{
		{Position: 1, URL: "https://b.example/"}, {Position: 2, URL: "https://a.example/"},
	}}
	f.onPoll = func(n int) {
		if n == 2 {
			require.NoError(t, f.queue.PushResult(ctx, "task-x", want))
			require.NoError(t, f.queue.SetStatus(ctx, "task-x", crawler.FlagCompleted))
		}
	}

	results, err := f.issuer.PollResults(ctx, "task-x", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, want.Citations, results[0].Citations)
	assert.Equal(t, 2, f.sleeps)
}

func TestPollResultsReportsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.queue.PushResult(ctx, "task-x", crawler.CrawlResult{TaskID: "task-x", QueryID: "q1", Error: "timeout"}))
	require.NoError(t, f.queue.SetStatus(ctx, "task-x", crawler.FlagFailed))

	results, err := f.issuer.PollResults(ctx, "task-x", 0, 0)
	require.ErrorIs(t, err, ErrTaskFailed)
	assert.Len(t, results, 1)
}

// simulateExecutor does what a worker with its own store would do: push
// results to the queue and raise the completed flag.
func simulateExecutor(t *testing.T, f *fixture, taskID string) {
	t.Helper()
	ctx := context.Background()
	for _, r := range []crawler.CrawlResult{
		{TaskID: taskID, QueryID: "q1", ResponseText: "HubSpot"},
		{TaskID: taskID, QueryID: "q2", ResponseText: "Salesforce"},
		{TaskID: taskID, QueryID: "q3", Error: "no input field matched", ErrorKind: crawler.ErrorKindStructural},
	} {
		require.NoError(t, f.queue.PushResult(ctx, taskID, r))
	}
	require.NoError(t, f.queue.SetStatus(ctx, taskID, crawler.FlagCompleted))
}

func TestCollectPersistsReconcilesAndContinues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	task, err := f.issuer.Submit(ctx, SubmitRequest{Engine: "chatgpt", Queries: threeQueries()})
	require.NoError(t, err)
	simulateExecutor(t, f, task.ID)

	report, err := f.issuer.Collect(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Persisted)
	assert.Equal(t, 0, report.Duplicates)
	assert.True(t, report.Continued)
	assert.Equal(t, crawler.Progress{TaskID: task.ID, Status: crawler.TaskStatusCompleted, Total: 3, Successful: 2, Failed: 1, IsComplete: true}, report.Progress)

	again, err := f.issuer.Collect(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Persisted)
	assert.Equal(t, 3, again.Duplicates)
	assert.Equal(t, report.Progress, again.Progress)

	msgs := f.pub.ByTopic("continuations")
	require.Len(t, msgs, 2)
	event, ok := msgs[0].Payload.(publisher.ContinuationEvent)
	require.True(t, ok)
	assert.Equal(t, "citation_extraction", event.Stage)
	assert.Equal(t, task.ID, event.TaskID)
}

func TestCollectStillInProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	task, err := f.issuer.Submit(ctx, SubmitRequest{Engine: "gemini", Queries: threeQueries()})
	require.NoError(t, err)

	report, err := f.issuer.CollectWith(ctx, task.ID, 2, time.Second)
	require.ErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, crawler.FlagPending, report.Flag)
	assert.Equal(t, crawler.TaskStatusPending, report.Progress.Status)
	assert.Empty(t, f.pub.Messages())

	_, err = f.issuer.Collect(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestCollectFailedTaskKeepsPartialResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	task, err := f.issuer.Submit(ctx, SubmitRequest{Engine: "claude", Queries: threeQueries()})
	require.NoError(t, err)
	require.NoError(t, f.queue.PushResult(ctx, task.ID, crawler.CrawlResult{TaskID: task.ID, QueryID: "q1", ResponseText: "ok"}))
	require.NoError(t, f.queue.SetStatus(ctx, task.ID, crawler.FlagFailed))

	report, err := f.issuer.Collect(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.FlagFailed, report.Flag)
	assert.Equal(t, 1, report.Persisted)
	assert.Equal(t, crawler.TaskStatusFailed, report.Progress.Status)
	assert.Equal(t, 1, report.Progress.Successful)
	assert.False(t, report.Progress.IsComplete)
	assert.True(t, report.Continued)
}

func TestRequeuePendingTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	low, err := f.issuer.Submit(ctx, SubmitRequest{Engine: "chatgpt", Queries: threeQueries()})
	require.NoError(t, err)
	high, err := f.issuer.Submit(ctx, SubmitRequest{Engine: "copilot", Queries: threeQueries(), Priority: 9})
	require.NoError(t, err)
	for f.queue.Len() > 0 {
		_, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
	}

	n, err := f.issuer.Requeue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	first, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	second, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{high.ID, low.ID}, []string{first.TaskID, second.TaskID})
}

func TestRequeueReclaimsTaskOfCrashedWorker(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	task, err := f.issuer.Submit(ctx, SubmitRequest{Engine: "chatgpt", Queries: threeQueries()})
	require.NoError(t, err)
	_, err = f.queue.Dequeue(ctx)
	require.NoError(t, err)
	// The worker picks the task up and dies before recording anything.
	_, err = f.store.MarkProcessing(ctx, task.ID)
	require.NoError(t, err)

	f.clk.Advance(5 * time.Minute)
	n, err := f.issuer.Requeue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "a task inside its lease is left alone")

	f.clk.Advance(6 * time.Minute)
	n, err = f.issuer.Requeue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.TaskStatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Contains(t, stored.ErrorLog, "worker lease expired")
	msg, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, msg.TaskID)
}

func TestReclaimFailsTaskWithoutRetriesLeft(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	task, err := f.issuer.Submit(ctx, SubmitRequest{Engine: "copilot", Queries: threeQueries()})
	require.NoError(t, err)
	for attempt := 0; attempt < 2; attempt++ {
		_, err = f.store.MarkProcessing(ctx, task.ID)
		require.NoError(t, err)
		_, err = f.store.MarkFailedAttempt(ctx, task.ID, "connection reset", true)
		require.NoError(t, err)
	}
	_, err = f.store.MarkProcessing(ctx, task.ID)
	require.NoError(t, err)

	f.clk.Advance(time.Hour)
	n, err := f.issuer.Reclaim(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.TaskStatusFailed, stored.Status)
	flag, err := f.issuer.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.FlagFailed, flag)
}

func TestReclaimDisabledWithoutStaleAfter(t *testing.T) {
	t.Parallel()

	clk := manual.New(start)
	store := memory.NewTaskStore(clk)
	iss := New(memqueue.NewQueue(0), store, &sequentialIDs{}, clk, nil, Options{MaxRetries: 1}, nil)
	ctx := context.Background()
	task, err := iss.Submit(ctx, SubmitRequest{Engine: "gemini", Queries: threeQueries()})
	require.NoError(t, err)
	_, err = store.MarkProcessing(ctx, task.ID)
	require.NoError(t, err)

	clk.Advance(24 * time.Hour)
	n, err := iss.Reclaim(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitEnqueueFailureLeavesPendingTask(t *testing.T) {
	t.Parallel()

	clk := manual.New(start)
	store := memory.NewTaskStore(clk)
	q := &queue.MockQueue{}
	q.On("Enqueue", mock.Anything, mock.AnythingOfType("crawler.TaskMessage")).Return(errors.New("redis down")).Once()
	iss := New(q, store, &sequentialIDs{}, clk, nil, Options{MaxRetries: 1}, nil)

	task, err := iss.Submit(context.Background(), SubmitRequest{
		Engine:  "gemini",
		Queries: []crawler.Query{{QueryText: "best crm"}},
	})
	require.ErrorContains(t, err, "enqueue task task-1")
	assert.Equal(t, "task-1", task.ID, "task is returned so the caller can requeue it")

	stored, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.TaskStatusPending, stored.Status)
	q.AssertExpectations(t)
}

func TestPollResultsSurfacesStatusErrors(t *testing.T) {
	t.Parallel()

	q := &queue.MockQueue{}
	q.On("Status", mock.Anything, "task-9").Return(crawler.FlagStatus(""), errors.New("connection reset")).Once()
	clk := manual.New(start)
	iss := New(q, memory.NewTaskStore(clk), &sequentialIDs{}, clk, nil, Options{PollAttempts: 3}, nil)

	_, err := iss.PollResults(context.Background(), "task-9", 3, time.Second)
	require.ErrorContains(t, err, "read status flag: connection reset")
	q.AssertNumberOfCalls(t, "Status", 1)
}
