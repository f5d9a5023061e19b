package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/queue"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	ctx := context.Background()
	for _, id := range []string{"t-1", "t-2", "t-3"} {
		require.NoError(t, q.Enqueue(ctx, crawler.TaskMessage{TaskID: id}))
	}
	assert.Equal(t, 3, q.Len())
	for _, want := range []string{"t-1", "t-2", "t-3"} {
		msg, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, msg.TaskID)
	}
}

func TestQueueDequeueWaitsForEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	got := make(chan crawler.TaskMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		got <- msg
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), crawler.TaskMessage{TaskID: "job-1"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case msg := <-got:
		assert.Equal(t, "job-1", msg.TaskID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueCancellationAndCapacity(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")
	require.EqualError(t, q.Enqueue(ctx, crawler.TaskMessage{}), "enqueue canceled: context canceled")

	require.NoError(t, q.Enqueue(context.Background(), crawler.TaskMessage{TaskID: "primed"}))
	require.ErrorIs(t, q.Enqueue(context.Background(), crawler.TaskMessage{TaskID: "overflow"}), queue.ErrFull)
}

func TestQueueCloseReleasesWaiters(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())
	select {
	case err := <-done:
		require.ErrorIs(t, err, queue.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not wake the consumer")
	}
	require.NoError(t, q.Close())
	require.ErrorIs(t, q.Enqueue(context.Background(), crawler.TaskMessage{}), queue.ErrClosed)
}

func TestQueueStatusFlag(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	ctx := context.Background()
	status, err := q.Status(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.FlagPending, status)

	require.NoError(t, q.SetStatus(ctx, "t-1", crawler.FlagCompleted))
	status, err = q.Status(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.FlagCompleted, status)
}

func TestQueueResultsPreserveCitationOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	ctx := context.Background()
	first := crawler.CrawlResult{
		TaskID: "t-1", QueryID: "q1", Engine: "perplexity", ResponseText: "answer",
		Citations: []crawler.Citation{
			{Position: 1, URL: "https://b.example.com/", Domain: "example.com"},
			{Position: 2, URL: "https://a.example.org/", Domain: "example.org"},
			{Position: 3, URL: "https://c.example.net/", Domain: "example.net"},
		},
		CrawledAt: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	second := crawler.CrawlResult{TaskID: "t-1", QueryID: "q2", Error: "no input field matched", ErrorKind: crawler.ErrorKindStructural}
	require.NoError(t, q.PushResult(ctx, "t-1", first))
	require.NoError(t, q.PushResult(ctx, "t-1", second))

	got, err := q.Results(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0])
	assert.Equal(t, second.ErrorKind, got[1].ErrorKind)

	none, err := q.Results(ctx, "t-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}
