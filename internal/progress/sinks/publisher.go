package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/progress"
)

// Batch is the message published for one flushed group of events.
type Batch struct {
	Events []progress.Event `json:"events"`
}

// PublisherSink forwards each flushed batch as one message on a topic.
type PublisherSink struct {
	pub   crawler.Publisher
	topic string
}

// NewPublisherSink returns a sink publishing to topic.
func NewPublisherSink(pub crawler.Publisher, topic string) *PublisherSink {
	return &PublisherSink{pub: pub, topic: topic}
}

// Consume publishes the batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if len(batch) == 0 {
		return nil
	}
	if _, err := s.pub.Publish(ctx, s.topic, Batch{Events: batch}); err != nil {
		return fmt.Errorf("publish %d task events: %w", len(batch), err)
	}
	return nil
}

// Close implements progress.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
