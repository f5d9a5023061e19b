// Package issuer creates crawl tasks, hands them to executors and collects
// their results.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/clock/system"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/engine"
)

var (
	// ErrPollTimeout means the task is still in progress after the last poll.
	// It is not a failure; the caller should check again later.
	ErrPollTimeout = errors.New("results still in progress")
	// ErrTaskFailed means the executor gave up on the task. Partial results may accompany it.
	ErrTaskFailed = errors.New("task failed")
	// ErrInvalidRequest wraps submit validation failures.
	ErrInvalidRequest = errors.New("invalid task request")
)

// Default polling contract: every 5s for up to 120 attempts.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollAttempts = 120
	DefaultStage        = "citation_extraction"
)

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options tunes the issuer.
type Options struct {
	MaxRetries   int
	PollInterval time.Duration
	PollAttempts int
	Stage        string
	Sleep        SleepFunc
	// StaleAfter is how long a task may sit in processing without a write
	// before Reclaim treats its worker as gone. Zero disables reclaiming.
	StaleAfter time.Duration
}

// SubmitRequest asks for one engine to answer a batch of queries.
type SubmitRequest struct {
	RunID          string          `json:"run_id"`
	Engine         string          `json:"engine"`
	AccountID      string          `json:"account_id"`
	Queries        []crawler.Query `json:"queries"`
	TakeScreenshot bool            `json:"take_screenshot"`
	Priority       int             `json:"priority"`
}

// CollectReport summarizes one collect cycle.
type CollectReport struct {
	TaskID     string             `json:"task_id"`
	Flag       crawler.FlagStatus `json:"flag"`
	Persisted  int                `json:"persisted"`
	Duplicates int                `json:"duplicates"`
	Continued  bool               `json:"continued"`
	Progress   crawler.Progress   `json:"progress"`
}

// Issuer is the issuing side of the task handoff.
type Issuer struct {
	queue        crawler.Queue
	store        crawler.TaskStore
	ids          crawler.IDGenerator
	clock        crawler.Clock
	continuation crawler.Continuation
	opts         Options
	logger       *zap.Logger
}

// New constructs an Issuer. continuation may be nil.
func New(
	queue crawler.Queue,
	store crawler.TaskStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	continuation crawler.Continuation,
	opts Options,
	logger *zap.Logger,
) *Issuer {
	if clock == nil {
		clock = system.New()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = DefaultPollAttempts
	}
	if opts.Stage == "" {
		opts.Stage = DefaultStage
	}
	if opts.Sleep == nil {
		opts.Sleep = system.Clock{}.Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{
		queue:        queue,
		store:        store,
		ids:          ids,
		clock:        clock,
		continuation: continuation,
		opts:         opts,
		logger:       logger,
	}
}

// Submit validates req, persists a pending task and enqueues it.
func (i *Issuer) Submit(ctx context.Context, req SubmitRequest) (crawler.CrawlTask, error) {
	id, err := engine.ParseID(req.Engine)
	if err != nil {
		return crawler.CrawlTask{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	queries, err := normalizeQueries(req.Queries)
	if err != nil {
		return crawler.CrawlTask{}, err
	}
	taskID, err := i.ids.NewID()
	if err != nil {
		return crawler.CrawlTask{}, fmt.Errorf("generate task id: %w", err)
	}
	runID := req.RunID
	if runID == "" {
		runID = taskID
	}
	accountID := req.AccountID
	if accountID == "" {
		accountID = "default"
	}

	now := i.clock.Now()
	task := crawler.NewTask(taskID, runID, string(id), accountID, queries,
		crawler.TaskConfig{TakeScreenshot: req.TakeScreenshot}, i.opts.MaxRetries, now)
	task.Priority = req.Priority
	if err := i.store.CreateTask(ctx, task); err != nil {
		return crawler.CrawlTask{}, fmt.Errorf("create task: %w", err)
	}
	if err := i.queue.Enqueue(ctx, task.Message(now)); err != nil {
		return task, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	i.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("engine", task.Engine),
		zap.Int("queries", task.TotalQueries),
	)
	return task, nil
}

func normalizeQueries(in []crawler.Query) ([]crawler.Query, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one query is required", ErrInvalidRequest)
	}
	out := make([]crawler.Query, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for idx, q := range in {
		if q.QueryText == "" {
			return nil, fmt.Errorf("%w: query %d has no text", ErrInvalidRequest, idx+1)
		}
		if q.QueryID == "" {
			q.QueryID = fmt.Sprintf("q%d", idx+1)
		}
		if _, dup := seen[q.QueryID]; dup {
			return nil, fmt.Errorf("%w: duplicate query_id %q", ErrInvalidRequest, q.QueryID)
		}
		seen[q.QueryID] = struct{}{}
		out = append(out, q)
	}
	return out, nil
}

// Status returns the executor's status flag for the task.
func (i *Issuer) Status(ctx context.Context, taskID string) (crawler.FlagStatus, error) {
	flag, err := i.queue.Status(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("read status flag: %w", err)
	}
	return flag, nil
}

// PollResults checks the status flag up to maxAttempts times, interval apart.
// It returns the pushed results once the flag reads completed, the partial
// results with ErrTaskFailed when it reads failed, and ErrPollTimeout when
// the attempts run out first.
func (i *Issuer) PollResults(ctx context.Context, taskID string, maxAttempts int, interval time.Duration) ([]crawler.CrawlResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = i.opts.PollAttempts
	}
	if interval <= 0 {
		interval = i.opts.PollInterval
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		flag, err := i.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if flag.Done() {
			results, err := i.queue.Results(ctx, taskID)
			if err != nil {
				return nil, fmt.Errorf("read results: %w", err)
			}
			if flag == crawler.FlagFailed {
				return results, fmt.Errorf("task %s: %w", taskID, ErrTaskFailed)
			}
			return results, nil
		}
		if attempt == maxAttempts {
			break
		}
		if err := i.opts.Sleep(ctx, interval); err != nil {
			return nil, fmt.Errorf("poll interrupted: %w", err)
		}
	}
	return nil, fmt.Errorf("task %s after %d polls: %w", taskID, maxAttempts, ErrPollTimeout)
}

// Collect runs one bounded poll, persists whatever results are available
// idempotently, reconciles the task status and triggers the continuation.
// ErrPollTimeout is returned with a report when the task is still running.
func (i *Issuer) Collect(ctx context.Context, taskID string) (CollectReport, error) {
	return i.CollectWith(ctx, taskID, i.opts.PollAttempts, i.opts.PollInterval)
}

// CollectWith is Collect with an explicit polling budget.
func (i *Issuer) CollectWith(ctx context.Context, taskID string, maxAttempts int, interval time.Duration) (CollectReport, error) {
	report := CollectReport{TaskID: taskID}
	if _, err := i.store.GetTask(ctx, taskID); err != nil {
		return report, err
	}

	results, err := i.PollResults(ctx, taskID, maxAttempts, interval)
	failed := errors.Is(err, ErrTaskFailed)
	switch {
	case errors.Is(err, ErrPollTimeout):
		report.Flag = crawler.FlagPending
		report.Progress, _ = i.store.Progress(ctx, taskID)
		i.logger.Info("task still in progress", zap.String("task_id", taskID))
		return report, err
	case err != nil && !failed:
		return report, err
	}
	report.Flag = crawler.FlagCompleted
	if failed {
		report.Flag = crawler.FlagFailed
	}

	for _, res := range results {
		recorded, err := i.store.RecordResult(ctx, res)
		if err != nil {
			return report, fmt.Errorf("persist result %s/%s: %w", res.TaskID, res.QueryID, err)
		}
		if recorded {
			report.Persisted++
		} else {
			report.Duplicates++
		}
	}

	if err := i.reconcile(ctx, taskID, report.Flag); err != nil {
		return report, err
	}

	if i.continuation != nil && (report.Flag == crawler.FlagCompleted || len(results) > 0) {
		if err := i.continuation.Continue(ctx, i.opts.Stage, taskID); err != nil {
			return report, err
		}
		report.Continued = true
	}

	progress, err := i.store.Progress(ctx, taskID)
	if err != nil {
		return report, err
	}
	report.Progress = progress
	i.logger.Info("task collected",
		zap.String("task_id", taskID),
		zap.String("flag", string(report.Flag)),
		zap.Int("persisted", report.Persisted),
		zap.Int("duplicates", report.Duplicates),
	)
	return report, nil
}

// reconcile moves the stored task to the terminal state the executor
// reported. It is a no-op when the executor shares the store.
func (i *Issuer) reconcile(ctx context.Context, taskID string, flag crawler.FlagStatus) error {
	task, err := i.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	if flag == crawler.FlagFailed {
		if _, err := i.store.MarkFailedAttempt(ctx, taskID, "executor reported failure", false); err != nil {
			return fmt.Errorf("mark task failed: %w", err)
		}
		return nil
	}
	if task.Status == crawler.TaskStatusPending {
		if _, err := i.store.MarkProcessing(ctx, taskID); err != nil {
			return fmt.Errorf("mark task processing: %w", err)
		}
	}
	if _, err := i.store.MarkCompleted(ctx, taskID); err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	return nil
}

// Progress returns the task's aggregate query accounting.
func (i *Issuer) Progress(ctx context.Context, taskID string) (crawler.Progress, error) {
	progress, err := i.store.Progress(ctx, taskID)
	if err != nil {
		return crawler.Progress{}, fmt.Errorf("read progress: %w", err)
	}
	return progress, nil
}

// Task returns the stored task.
func (i *Issuer) Task(ctx context.Context, taskID string) (crawler.CrawlTask, error) {
	task, err := i.store.GetTask(ctx, taskID)
	if err != nil {
		return crawler.CrawlTask{}, fmt.Errorf("read task: %w", err)
	}
	return task, nil
}

// Results returns the results persisted for the task so far.
func (i *Issuer) Results(ctx context.Context, taskID string) ([]crawler.CrawlResult, error) {
	results, err := i.store.ListResults(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	return results, nil
}

// Reclaim fails the current attempt of up to limit tasks stuck in processing
// longer than StaleAfter. A task with retries left goes back to pending for
// Requeue to pick up; one without is failed and its flag set.
func (i *Issuer) Reclaim(ctx context.Context, limit int) (int, error) {
	if i.opts.StaleAfter <= 0 {
		return 0, nil
	}
	cutoff := i.clock.Now().Add(-i.opts.StaleAfter)
	stale, err := i.store.ListStale(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}
	reclaimed := 0
	for _, task := range stale {
		updated, err := i.store.MarkFailedAttempt(ctx, task.ID, "worker lease expired", true)
		if err != nil {
			if errors.Is(err, crawler.ErrInvalidTransition) {
				continue
			}
			return reclaimed, fmt.Errorf("reclaim task %s: %w", task.ID, err)
		}
		reclaimed++
		if updated.Status == crawler.TaskStatusFailed {
			if err := i.queue.SetStatus(ctx, task.ID, crawler.FlagFailed); err != nil {
				return reclaimed, fmt.Errorf("set status for %s: %w", task.ID, err)
			}
		}
		i.logger.Warn("stale task reclaimed",
			zap.String("task_id", task.ID),
			zap.String("status", string(updated.Status)),
			zap.Int("retry_count", updated.RetryCount))
	}
	return reclaimed, nil
}

// Requeue enqueues up to limit pending tasks again, highest priority first.
// It recovers tasks whose enqueue or retry re-enqueue never happened, and
// tasks Reclaim just sent back to pending.
func (i *Issuer) Requeue(ctx context.Context, limit int) (int, error) {
	if _, err := i.Reclaim(ctx, limit); err != nil {
		return 0, err
	}
	pending, err := i.store.ListPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}
	now := i.clock.Now()
	requeued := 0
	for _, task := range pending {
		if err := i.queue.Enqueue(ctx, task.Message(now)); err != nil {
			return requeued, fmt.Errorf("requeue task %s: %w", task.ID, err)
		}
		requeued++
	}
	if requeued > 0 {
		i.logger.Info("pending tasks requeued", zap.Int("count", requeued))
	}
	return requeued, nil
}
