package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/answer-engine-crawler/internal/clock/manual"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
)

var start = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func threeQueryTask(id string) crawler.CrawlTask {
	queries := []crawler.Query{{QueryID: "q1", QueryText: "a"}, {QueryID: "q2", QueryText: "b"}, {QueryID: "q3", QueryText: "c"}}
	return crawler.NewTask(id, "run-1", "chatgpt", "default", queries, crawler.TaskConfig{}, 2, start)
}

func TestTaskStoreLifecycle(t *testing.T) {
	t.Parallel()

	clk := manual.New(start)
	store := NewTaskStore(clk)
	ctx := context.Background()
	task := threeQueryTask("task-1")

	require.NoError(t, store.CreateTask(ctx, task))
	require.ErrorIs(t, store.CreateTask(ctx, task), crawler.ErrAlreadyExists)

	clk.Advance(time.Second)
	started, err := store.MarkProcessing(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.TaskStatusProcessing, started.Status)
	require.NotNil(t, started.StartedAt)
	assert.Equal(t, start.Add(time.Second), *started.StartedAt)

	for _, r := range []crawler.CrawlResult{
		{TaskID: task.ID, QueryID: "q1", ResponseText: "ok"},
		{TaskID: task.ID, QueryID: "q2", ResponseText: "ok"},
		{TaskID: task.ID, QueryID: "q3", Error: "no input field matched", ErrorKind: crawler.ErrorKindStructural},
	} {
		recorded, err := store.RecordResult(ctx, r)
		require.NoError(t, err)
		assert.True(t, recorded)
	}
	recorded, err := store.RecordResult(ctx, crawler.CrawlResult{TaskID: task.ID, QueryID: "q1", ResponseText: "again"})
	require.NoError(t, err)
	assert.False(t, recorded, "duplicate result must be ignored")

	done, err := store.MarkCompleted(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.TaskStatusCompleted, done.Status)

	progress, err := store.Progress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.Progress{TaskID: task.ID, Status: crawler.TaskStatusCompleted, Total: 3, Successful: 2, Failed: 1, IsComplete: true}, progress)

	results, err := store.ListResults(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "ok", results[0].ResponseText)
}

func TestTaskStoreRejectsOverflow(t *testing.T) {
	t.Parallel()

	store := NewTaskStore(manual.New(start))
	ctx := context.Background()
	task := crawler.NewTask("task-1", "", "gemini", "", []crawler.Query{{QueryID: "q1"}}, crawler.TaskConfig{}, 0, start)
	require.NoError(t, store.CreateTask(ctx, task))
	_, err := store.MarkProcessing(ctx, task.ID)
	require.NoError(t, err)

	_, err = store.RecordResult(ctx, crawler.CrawlResult{TaskID: task.ID, QueryID: "q1"})
	require.NoError(t, err)
	_, err = store.RecordResult(ctx, crawler.CrawlResult{TaskID: task.ID, QueryID: "extra"})
	require.ErrorIs(t, err, crawler.ErrProgressOverflow)

	progress, err := store.Progress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Successful+progress.Failed)
}

func TestTaskStoreRetryThenTerminalFailure(t *testing.T) {
	t.Parallel()

	store := NewTaskStore(manual.New(start))
	ctx := context.Background()
	task := threeQueryTask("task-1")
	require.NoError(t, store.CreateTask(ctx, task))

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := store.MarkProcessing(ctx, task.ID)
		require.NoError(t, err)
		got, err := store.MarkFailedAttempt(ctx, task.ID, "proxy timeout", true)
		require.NoError(t, err)
		assert.Equal(t, crawler.TaskStatusPending, got.Status)
		assert.Equal(t, attempt, got.RetryCount)
	}
	_, err := store.MarkProcessing(ctx, task.ID)
	require.NoError(t, err)
	got, err := store.MarkFailedAttempt(ctx, task.ID, "proxy timeout", true)
	require.NoError(t, err)
	assert.Equal(t, crawler.TaskStatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Len(t, got.ErrorLog, 3)
	require.NotNil(t, got.CompletedAt)

	_, err = store.MarkProcessing(ctx, task.ID)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
}

func TestTaskStoreNotFound(t *testing.T) {
	t.Parallel()

	store := NewTaskStore(nil)
	ctx := context.Background()
	_, err := store.GetTask(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = store.RecordResult(ctx, crawler.CrawlResult{TaskID: "missing"})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = store.ListResults(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = store.MarkCompleted(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestTaskStoreListPendingOrder(t *testing.T) {
	t.Parallel()

	store := NewTaskStore(manual.New(start))
	ctx := context.Background()
	mk := func(id string, priority int, offset time.Duration) {
		task := crawler.NewTask(id, "", "claude", "", []crawler.Query{{QueryID: "q"}}, crawler.TaskConfig{}, 1, start.Add(offset))
		task.Priority = priority
		require.NoError(t, store.CreateTask(ctx, task))
	}
	mk("low-early", 0, 0)
	mk("high-late", 5, time.Minute)
	mk("high-early", 5, 0)
	mk("running", 9, 0)
	_, err := store.MarkProcessing(ctx, "running")
	require.NoError(t, err)

	pending, err := store.ListPending(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"high-early", "high-late", "low-early"}, ids)

	limited, err := store.ListPending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestTaskStoreListStale(t *testing.T) {
	t.Parallel()

	clk := manual.New(start)
	store := NewTaskStore(clk)
	ctx := context.Background()
	for _, id := range []string{"older", "old", "fresh", "waiting"} {
		require.NoError(t, store.CreateTask(ctx, threeQueryTask(id)))
	}
	_, err := store.MarkProcessing(ctx, "older")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = store.MarkProcessing(ctx, "old")
	require.NoError(t, err)
	_, err = store.MarkProcessing(ctx, "fresh")
	require.NoError(t, err)
	clk.Advance(time.Hour)
	_, err = store.RecordResult(ctx, crawler.CrawlResult{TaskID: "fresh", QueryID: "q1", CrawledAt: clk.Now()})
	require.NoError(t, err)

	stale, err := store.ListStale(ctx, clk.Now().Add(-30*time.Minute), 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(stale))
	for _, s := range stale {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"older", "old"}, ids)

	limited, err := store.ListStale(ctx, clk.Now(), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "older", limited[0].ID)
}
