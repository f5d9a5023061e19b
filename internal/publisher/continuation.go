// Package publisher adapts message publishers to the downstream continuation call.
package publisher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
)

// DefaultStage is the stage triggered after results are persisted.
const DefaultStage = "citation_extraction"

// ContinuationEvent is the payload announcing that a task is ready for the next stage.
type ContinuationEvent struct {
	Stage     string    `json:"stage"`
	TaskID    string    `json:"task_id"`
	EmittedAt time.Time `json:"emitted_at"`
}

// PartitionKey keeps all events for one task on the same partition.
func (e ContinuationEvent) PartitionKey() string {
	return e.TaskID
}

// Continuation publishes ContinuationEvents to a topic.
type Continuation struct {
	publisher crawler.Publisher
	topic     string
	clock     crawler.Clock
	logger    *zap.Logger
}

// NewContinuation wires a publisher to the continuation topic.
func NewContinuation(publisher crawler.Publisher, topic string, clock crawler.Clock, logger *zap.Logger) *Continuation {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Continuation{publisher: publisher, topic: topic, clock: clock, logger: logger}
}

// Continue publishes the event for taskID.
func (c *Continuation) Continue(ctx context.Context, stage, taskID string) error {
	if stage == "" {
		stage = DefaultStage
	}
	event := ContinuationEvent{Stage: stage, TaskID: taskID, EmittedAt: c.clock.Now().UTC()}
	id, err := c.publisher.Publish(ctx, c.topic, event)
	if err != nil {
		return fmt.Errorf("continue %s for task %s: %w", stage, taskID, err)
	}
	c.logger.Info("continuation published",
		zap.String("task_id", taskID),
		zap.String("stage", stage),
		zap.String("message_id", id),
	)
	return nil
}
