// Package worker implements the executor loop that runs crawl tasks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/behavior"
	"github.com/JakeFAU/answer-engine-crawler/internal/browser"
	"github.com/JakeFAU/answer-engine-crawler/internal/clock/system"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/engine"
	"github.com/JakeFAU/answer-engine-crawler/internal/metrics"
	"github.com/JakeFAU/answer-engine-crawler/internal/progress"
	"github.com/JakeFAU/answer-engine-crawler/internal/proxy"
	"github.com/JakeFAU/answer-engine-crawler/internal/queue"
	"github.com/JakeFAU/answer-engine-crawler/internal/session"
)

// ProxySource hands out egress proxies and records their health.
type ProxySource interface {
	Get() (proxy.Proxy, bool)
	MarkFailed(px proxy.Proxy, reason string)
	MarkSuccess(px proxy.Proxy)
}

// SessionStore loads and saves browser sessions per engine and account.
type SessionStore interface {
	Load(engine, accountID string) (*session.StorageState, bool)
	Save(ctx context.Context, src session.StateSource, engine, accountID string, extra map[string]string) (bool, error)
}

// RateLimiter paces requests per engine.
type RateLimiter interface {
	Wait(ctx context.Context, engine string) error
}

// Warmer browses unrelated pages on a fresh page before the first query.
type Warmer interface {
	SessionWarmup(ctx context.Context, page browser.Page, urls []string) error
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config controls retry backoff and defaults for tasks created from messages.
type Config struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// IdleBackoff is the pause after an unexpected dequeue error.
	IdleBackoff time.Duration
	// Warmup visits WarmupURLs (or the warmer's defaults) before the first query.
	Warmup     bool
	WarmupURLs []string
}

// failWriteTimeout bounds the store and flag writes of a failed attempt,
// which run even after the worker's context is canceled.
const failWriteTimeout = 10 * time.Second

// Deps are the collaborators a Worker drives.
type Deps struct {
	Queue    crawler.Queue
	Store    crawler.TaskStore
	Registry *engine.Registry
	Browsers browser.Factory
	Proxies  ProxySource
	Sessions SessionStore
	Limiter  RateLimiter
	Clock    crawler.Clock
	Sleep    SleepFunc
	Progress progress.Emitter
	Warmer   Warmer
}

// Worker consumes task messages and runs each task's queries in order on one page.
type Worker struct {
	id       int
	queue    crawler.Queue
	store    crawler.TaskStore
	registry *engine.Registry
	browsers browser.Factory
	proxies  ProxySource
	sessions SessionStore
	limiter  RateLimiter
	clock    crawler.Clock
	sleep    SleepFunc
	progress progress.Emitter
	warmer   Warmer
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(id int, deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Sleep == nil {
		deps.Sleep = system.Clock{}.Sleep
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    deps.Queue,
		store:    deps.Store,
		registry: deps.Registry,
		browsers: deps.Browsers,
		proxies:  deps.Proxies,
		sessions: deps.Sessions,
		limiter:  deps.Limiter,
		clock:    deps.Clock,
		sleep:    deps.Sleep,
		progress: deps.Progress,
		warmer:   deps.Warmer,
		cfg:      cfg,
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming task messages until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		msg, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if sleepErr := w.sleep(ctx, w.cfg.IdleBackoff); sleepErr != nil {
				return
			}
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", msg.TaskID), zap.String("engine", msg.Engine))
		w.Process(ctx, msg)
	}
}

// attempt collects what one pass over a task's queries produced.
type attempt struct {
	retryReason   string
	proxyFault    string
	exhausted     string
	recorded      int
	succeeded     int
	loginRequired bool
}

// Process runs one delivery of a task. It never returns an error: every
// outcome is written to the task store and the status flag.
func (w *Worker) Process(ctx context.Context, msg crawler.TaskMessage) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("task_id", msg.TaskID), zap.String("engine", msg.Engine))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			w.failAttempt(ctx, logger, msg.TaskID, fmt.Sprintf("panic: %v", r), true)
		}
	}()

	task, ok := w.begin(ctx, logger, msg)
	if !ok {
		return
	}

	adapter, err := w.registry.Get(task.Engine)
	if err != nil {
		logger.Error("no adapter for engine", zap.Error(err))
		w.failAttempt(ctx, logger, task.ID, err.Error(), false)
		return
	}

	existing, err := w.store.ListResults(ctx, task.ID)
	if err != nil {
		logger.Error("list existing results failed", zap.Error(err))
		w.failAttempt(ctx, logger, task.ID, fmt.Sprintf("list results: %v", err), true)
		return
	}
	remaining := task.RemainingQueries(existing)

	var (
		px      proxy.Proxy
		proxied bool
	)
	if w.proxies != nil {
		px, proxied = w.proxies.Get()
	}
	launch := browser.LaunchOptions{UserAgent: behavior.ConsistentUserAgent(task.Engine + "/" + task.AccountID)}
	if proxied {
		launch.ProxyServer = px.Server
		launch.ProxyUsername = px.Username
		launch.ProxyPassword = px.Password
	}

	page, err := w.browsers.NewPage(ctx, launch)
	if err != nil {
		kind := crawler.ErrorKindTransient
		if errors.Is(err, browser.ErrInsufficientMemory) {
			kind = crawler.ErrorKindResource
		}
		logger.Warn("open browser page failed", zap.String("kind", string(kind)), zap.Error(err))
		w.failAttempt(ctx, logger, task.ID, fmt.Sprintf("%s: open page: %v", kind, err), true)
		return
	}
	defer func() {
		if err := page.Close(); err != nil {
			logger.Warn("close page failed", zap.Error(err))
		}
	}()

	w.restoreSession(ctx, logger, page, task)
	w.warmup(ctx, logger, page)

	res := w.runQueries(ctx, logger, adapter, page, task, remaining)
	if proxied {
		switch {
		case res.proxyFault != "":
			w.proxies.MarkFailed(px, res.proxyFault)
		case res.succeeded > 0:
			w.proxies.MarkSuccess(px)
		}
	}

	if res.retryReason != "" {
		w.failAttempt(ctx, logger, task.ID, res.retryReason, true)
		return
	}
	if res.exhausted != "" {
		w.failAttempt(ctx, logger, task.ID, "retries exhausted: "+res.exhausted, false)
		return
	}
	w.finish(ctx, logger, page, task, res)
}

// begin loads the task, creating it from the message when this store has
// never seen it, and moves it to processing.
func (w *Worker) begin(ctx context.Context, logger *zap.Logger, msg crawler.TaskMessage) (crawler.CrawlTask, bool) {
	task, err := w.store.GetTask(ctx, msg.TaskID)
	if errors.Is(err, crawler.ErrNotFound) {
		task = crawler.NewTask(msg.TaskID, msg.RunID, msg.Engine, msg.AccountID, msg.Queries, msg.Config, w.cfg.MaxRetries, w.clock.Now())
		if err = w.store.CreateTask(ctx, task); errors.Is(err, crawler.ErrAlreadyExists) {
			task, err = w.store.GetTask(ctx, msg.TaskID)
		}
	}
	if err != nil {
		logger.Error("load task failed", zap.Error(err))
		return crawler.CrawlTask{}, false
	}

	if task.Status != crawler.TaskStatusPending {
		logger.Info("skipping redelivered task", zap.String("status", string(task.Status)))
		return crawler.CrawlTask{}, false
	}

	started, err := w.store.MarkProcessing(ctx, task.ID)
	if err != nil {
		logger.Error("mark processing failed", zap.Error(err))
		return crawler.CrawlTask{}, false
	}
	metrics.ObserveTask(string(crawler.TaskStatusProcessing))
	logger.Info("task started",
		zap.Int("queries", started.TotalQueries),
		zap.Int("retry_count", started.RetryCount),
	)
	w.emit(progress.StageTaskStart, started, "")
	return started, true
}

func (w *Worker) restoreSession(ctx context.Context, logger *zap.Logger, page browser.Page, task crawler.CrawlTask) {
	if w.sessions == nil {
		return
	}
	state, ok := w.sessions.Load(task.Engine, task.AccountID)
	if !ok {
		logger.Debug("no usable session", zap.String("account_id", task.AccountID))
		return
	}
	if err := page.RestoreState(ctx, *state); err != nil {
		logger.Warn("restore session failed", zap.Error(err))
	}
}

func (w *Worker) warmup(ctx context.Context, logger *zap.Logger, page browser.Page) {
	if !w.cfg.Warmup || w.warmer == nil {
		return
	}
	if err := w.warmer.SessionWarmup(ctx, page, w.cfg.WarmupURLs); err != nil {
		logger.Warn("session warmup failed", zap.Error(err))
	}
}

func (w *Worker) runQueries(
	ctx context.Context,
	logger *zap.Logger,
	adapter engine.Adapter,
	page browser.Page,
	task crawler.CrawlTask,
	queries []crawler.Query,
) attempt {
	var res attempt
	canRetry := task.RetryCount < task.MaxRetries
	for _, q := range queries {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx, task.Engine); err != nil {
				res.retryReason = fmt.Sprintf("rate limit wait: %v", err)
				return res
			}
		}
		result := adapter.Crawl(ctx, page, engine.Request{
			TaskID:         task.ID,
			QueryID:        q.QueryID,
			Query:          q.QueryText,
			TakeScreenshot: task.Config.TakeScreenshot,
		})
		result.TaskID = task.ID
		result.QueryID = q.QueryID
		if result.LoginRequired {
			res.loginRequired = true
		}
		if proxyFault(result) && res.proxyFault == "" {
			res.proxyFault = fmt.Sprintf("%s: %s", result.ErrorKind, result.Error)
		}

		qlog := logger.With(zap.String("query_id", q.QueryID))
		retryable := result.ErrorKind == crawler.ErrorKindTransient || result.ErrorKind == crawler.ErrorKindResource
		if !result.Succeeded() && retryable && canRetry {
			qlog.Warn("query failed, retrying task",
				zap.String("kind", string(result.ErrorKind)),
				zap.String("error", result.Error),
			)
			res.retryReason = fmt.Sprintf("%s: query %s: %s", result.ErrorKind, q.QueryID, result.Error)
			return res
		}

		if !result.Succeeded() && retryable {
			res.exhausted = fmt.Sprintf("%s: query %s: %s", result.ErrorKind, q.QueryID, result.Error)
		}

		w.persist(ctx, qlog, result)
		w.progress.Emit(progress.QueryDone(result, w.clock.Now()))
		res.recorded++
		if result.Succeeded() {
			res.succeeded++
		}
	}
	return res
}

// proxyFault reports whether a failed result points at the egress IP rather
// than the page or the account.
func proxyFault(result crawler.CrawlResult) bool {
	if result.Succeeded() {
		return false
	}
	switch result.ErrorKind {
	case crawler.ErrorKindTransient:
		return true
	case crawler.ErrorKindAccess:
		return result.Challenge != "" && !result.LoginRequired
	default:
		return false
	}
}

// persist pushes the result to the results channel before the task store so
// the issuer can see partial results as soon as they exist.
func (w *Worker) persist(ctx context.Context, logger *zap.Logger, result crawler.CrawlResult) {
	if err := w.queue.PushResult(ctx, result.TaskID, result); err != nil {
		logger.Error("push result failed", zap.Error(err))
	}
	recorded, err := w.store.RecordResult(ctx, result)
	switch {
	case err != nil:
		logger.Error("record result failed", zap.Error(err))
	case !recorded:
		logger.Debug("result already recorded")
	default:
		logger.Info("query recorded",
			zap.Bool("succeeded", result.Succeeded()),
			zap.Int("citations", len(result.Citations)),
			zap.Float64("confidence", result.ConfidenceScore),
		)
	}
}

func (w *Worker) finish(ctx context.Context, logger *zap.Logger, page browser.Page, task crawler.CrawlTask, res attempt) {
	done, err := w.store.MarkCompleted(ctx, task.ID)
	if err != nil {
		logger.Error("mark completed failed", zap.Error(err))
		return
	}
	if w.sessions != nil && res.succeeded > 0 && !res.loginRequired {
		extra := map[string]string{"task_id": task.ID}
		if _, err := w.sessions.Save(ctx, page, task.Engine, task.AccountID, extra); err != nil {
			logger.Warn("save session failed", zap.Error(err))
		}
	}
	if err := w.queue.SetStatus(ctx, task.ID, crawler.FlagCompleted); err != nil {
		logger.Error("set completed flag failed", zap.Error(err))
	}
	metrics.ObserveTask(string(crawler.TaskStatusCompleted))
	summary := done.Progress()
	logger.Info("task completed",
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Int("total", summary.Total),
	)
	w.emit(progress.StageTaskDone, done, "")
}

// emit reports a task-level event; Dur is the wall time since the task started.
func (w *Worker) emit(stage progress.Stage, task crawler.CrawlTask, note string) {
	now := w.clock.Now()
	evt := progress.Event{
		TaskID: task.ID,
		TS:     now.UTC(),
		Stage:  stage,
		Engine: task.Engine,
		Note:   note,
	}
	if task.StartedAt != nil && now.After(*task.StartedAt) {
		evt.Dur = now.Sub(*task.StartedAt)
	}
	w.progress.Emit(evt)
}

// failAttempt records a failed attempt and either re-enqueues the task after
// a backoff or publishes the failed flag. The store and flag writes run even
// when ctx is already canceled.
func (w *Worker) failAttempt(ctx context.Context, logger *zap.Logger, taskID, reason string, retryable bool) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	task, err := w.store.MarkFailedAttempt(writeCtx, taskID, reason, retryable)
	if err != nil {
		logger.Error("mark failed attempt failed", zap.Error(err))
		return
	}
	metrics.ObserveTask(string(task.Status))

	if task.Status == crawler.TaskStatusFailed {
		logger.Error("task failed", zap.String("reason", reason), zap.Int("retry_count", task.RetryCount))
		w.emit(progress.StageTaskFailed, task, reason)
		if err := w.queue.SetStatus(writeCtx, taskID, crawler.FlagFailed); err != nil {
			logger.Error("set failed flag failed", zap.Error(err))
		}
		return
	}

	delay := w.backoff(task.RetryCount)
	logger.Warn("task scheduled for retry",
		zap.String("reason", reason),
		zap.Int("retry_count", task.RetryCount),
		zap.Duration("backoff", delay),
	)
	w.emit(progress.StageTaskRetry, task, reason)
	if err := w.sleep(ctx, delay); err != nil {
		logger.Warn("retry backoff interrupted; task left pending", zap.Error(err))
		return
	}
	if err := w.queue.Enqueue(ctx, task.Message(w.clock.Now())); err != nil {
		logger.Error("re-enqueue failed; task left pending", zap.Error(err))
	}
}

// backoff doubles per retry starting at BackoffInitial, capped at BackoffMax.
func (w *Worker) backoff(retryCount int) time.Duration {
	delay := w.cfg.BackoffInitial
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= w.cfg.BackoffMax {
			return w.cfg.BackoffMax
		}
	}
	return delay
}
