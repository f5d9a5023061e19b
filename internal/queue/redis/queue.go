// Package redis implements the handoff queue on Redis lists and keys:
// LPUSH/BRPOP for tasks, RPUSH/LRANGE for results, SET with a TTL for the
// status flag.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/queue"
)

const (
	defaultBlockTimeout = 2 * time.Second
	defaultTTL          = 48 * time.Hour
)

// Options configures a Queue.
type Options struct {
	Prefix string
	// TTL bounds how long result lists and status flags survive.
	TTL time.Duration
	// BlockTimeout is the BRPOP timeout of one Dequeue round. Redis counts
	// it in whole seconds.
	BlockTimeout time.Duration
}

// Queue implements crawler.Queue. The client is owned by the caller.
type Queue struct {
	client       goredis.UniversalClient
	keys         queue.Keys
	ttl          time.Duration
	blockTimeout time.Duration
	closed       atomic.Bool
}

var _ crawler.Queue = (*Queue)(nil)

// New wraps client.
func New(client goredis.UniversalClient, opts Options) *Queue {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = defaultBlockTimeout
	}
	return &Queue{
		client:       client,
		keys:         queue.NewKeys(opts.Prefix),
		ttl:          opts.TTL,
		blockTimeout: opts.BlockTimeout,
	}
}

// Enqueue pushes msg to the head of the task list.
func (q *Queue) Enqueue(ctx context.Context, msg crawler.TaskMessage) error {
	if q.closed.Load() {
		return queue.ErrClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode task message: %w", err)
	}
	if err := q.client.LPush(ctx, q.keys.Tasks(), payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.keys.Tasks(), err)
	}
	return nil
}

// Dequeue pops from the tail of the task list, blocking in short rounds so a
// closed queue or cancelled context is noticed promptly.
func (q *Queue) Dequeue(ctx context.Context) (crawler.TaskMessage, error) {
	for {
		if q.closed.Load() {
			return crawler.TaskMessage{}, queue.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return crawler.TaskMessage{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		vals, err := q.client.BRPop(ctx, q.blockTimeout, q.keys.Tasks()).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return crawler.TaskMessage{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return crawler.TaskMessage{}, fmt.Errorf("brpop %s: %w", q.keys.Tasks(), err)
		}
		// vals is [key, value].
		var msg crawler.TaskMessage
		if err := json.Unmarshal([]byte(vals[1]), &msg); err != nil {
			return crawler.TaskMessage{}, fmt.Errorf("decode task message: %w", err)
		}
		return msg, nil
	}
}

// PushResult appends one encoded result to the task's result list.
func (q *Queue) PushResult(ctx context.Context, taskID string, result crawler.CrawlResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	key := q.keys.Results(taskID)
	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, q.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

// Results returns every result for taskID in push order.
func (q *Queue) Results(ctx context.Context, taskID string) ([]crawler.CrawlResult, error) {
	key := q.keys.Results(taskID)
	raw, err := q.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	out := make([]crawler.CrawlResult, 0, len(raw))
	for _, payload := range raw {
		var res crawler.CrawlResult
		if err := json.Unmarshal([]byte(payload), &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, res)
	}
	return out, nil
}

// SetStatus writes the status flag with the configured TTL.
func (q *Queue) SetStatus(ctx context.Context, taskID string, status crawler.FlagStatus) error {
	key := q.keys.Status(taskID)
	if err := q.client.Set(ctx, key, string(status), q.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Status reads the status flag, FlagPending when the key does not exist.
func (q *Queue) Status(ctx context.Context, taskID string) (crawler.FlagStatus, error) {
	key := q.keys.Status(taskID)
	val, err := q.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return crawler.FlagPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return crawler.FlagStatus(val), nil
}

// Close stops further Enqueue and Dequeue calls. The client stays open.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}
