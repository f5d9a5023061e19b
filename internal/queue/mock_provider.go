package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
)

// MockQueue is a testify mock of crawler.Queue.
type MockQueue struct {
	mock.Mock
}

var _ crawler.Queue = (*MockQueue)(nil)

// Enqueue records the call.
func (m *MockQueue) Enqueue(ctx context.Context, msg crawler.TaskMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// Dequeue records the call.
func (m *MockQueue) Dequeue(ctx context.Context) (crawler.TaskMessage, error) {
	args := m.Called(ctx)
	msg, _ := args.Get(0).(crawler.TaskMessage)
	return msg, args.Error(1)
}

// PushResult records the call.
func (m *MockQueue) PushResult(ctx context.Context, taskID string, result crawler.CrawlResult) error {
	args := m.Called(ctx, taskID, result)
	return args.Error(0)
}

// Results records the call.
func (m *MockQueue) Results(ctx context.Context, taskID string) ([]crawler.CrawlResult, error) {
	args := m.Called(ctx, taskID)
	results, _ := args.Get(0).([]crawler.CrawlResult)
	return results, args.Error(1)
}

// SetStatus records the call.
func (m *MockQueue) SetStatus(ctx context.Context, taskID string, status crawler.FlagStatus) error {
	args := m.Called(ctx, taskID, status)
	return args.Error(0)
}

// Status records the call.
func (m *MockQueue) Status(ctx context.Context, taskID string) (crawler.FlagStatus, error) {
	args := m.Called(ctx, taskID)
	status, _ := args.Get(0).(crawler.FlagStatus)
	return status, args.Error(1)
}

// Close records the call.
func (m *MockQueue) Close() error {
	args := m.Called()
	return args.Error(0)
}
