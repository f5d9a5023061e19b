package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/answer-engine-crawler/internal/clock/manual"
	"github.com/JakeFAU/answer-engine-crawler/internal/publisher/memory"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("broker down")
}

func TestContinuePublishesEvent(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	pub := memory.New()
	cont := NewContinuation(pub, "continuations", manual.New(now), nil)

	require.NoError(t, cont.Continue(context.Background(), "", "task-1"))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "continuations", msgs[0].Topic)
	assert.Equal(t, ContinuationEvent{Stage: DefaultStage, TaskID: "task-1", EmittedAt: now}, msgs[0].Payload)
}

func TestContinueWrapsPublishError(t *testing.T) {
	t.Parallel()

	cont := NewContinuation(failingPublisher{}, "continuations", manual.New(time.Now()), nil)
	err := cont.Continue(context.Background(), "citation_extraction", "task-2")
	require.ErrorContains(t, err, "broker down")
	require.ErrorContains(t, err, "task-2")
}
