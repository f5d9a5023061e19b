// Package kafka implements a Kafka publisher on segmentio/kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/answer-engine-crawler/internal/clock/system"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes JSON payloads to Kafka topics.
type Publisher struct {
	writer       messageWriter
	defaultTopic string
	clock        crawler.Clock
}

// New creates a publisher for brokers. Messages without an explicit topic
// go to defaultTopic.
func New(brokers []string, defaultTopic string) *Publisher {
	return NewWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}, defaultTopic, nil)
}

// NewWithWriter builds a publisher using a custom writer (tests).
func NewWithWriter(writer messageWriter, defaultTopic string, clock crawler.Clock) *Publisher {
	if clock == nil {
		clock = system.New()
	}
	return &Publisher{writer: writer, defaultTopic: defaultTopic, clock: clock}
}

// Publish writes payload to topic. The returned ID is topic-scoped and derived from the payload.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", fmt.Errorf("kafka topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := kafka.Message{
		Topic: topic,
		Value: data,
		Time:  p.clock.Now().UTC(),
	}
	if keyed, ok := payload.(interface{ PartitionKey() string }); ok {
		msg.Key = []byte(keyed.PartitionKey())
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return topic + ":" + strconv.FormatUint(xxhash.Sum64(data), 16), nil
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
