package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/answer-engine-crawler/internal/clock/manual"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

type event struct {
	TaskID string `json:"task_id"`
}

func (e event) PartitionKey() string { return e.TaskID }

func TestPublishWritesKeyedMessage(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	writer := &mockWriter{}
	writer.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 {
			return false
		}
		var got event
		if err := json.Unmarshal(msgs[0].Value, &got); err != nil {
			return false
		}
		return msgs[0].Topic == "continuations" && string(msgs[0].Key) == "task-1" &&
			got.TaskID == "task-1" && msgs[0].Time.Equal(now)
	})).Return(nil).Once()
	writer.On("Close").Return(nil).Once()

	pub := NewWithWriter(writer, "continuations", manual.New(now))
	id, err := pub.Publish(context.Background(), "", event{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Regexp(t, `^continuations:[0-9a-f]+$`, id)
	require.NoError(t, pub.Close())
	writer.AssertExpectations(t)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	writer := &mockWriter{}
	writer.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("leader not available")).Once()

	pub := NewWithWriter(writer, "continuations", nil)
	_, err := pub.Publish(context.Background(), "", event{TaskID: "task-2"})
	require.ErrorContains(t, err, "leader not available")

	_, err = NewWithWriter(writer, "", nil).Publish(context.Background(), "", event{})
	require.ErrorContains(t, err, "topic is not configured")
	writer.AssertExpectations(t)
}
