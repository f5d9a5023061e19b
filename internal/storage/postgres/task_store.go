// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/answer-engine-crawler/internal/clock/system"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var errDuplicateResult = errors.New("duplicate result")

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	TasksTable      string
	ResultsTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// TaskStore keeps each task as a JSONB document plus the columns needed for
// lookups and ordering. Results live in their own table keyed by task and
// query ID so re-delivered results are dropped by the primary key.
type TaskStore struct {
	pool    Pool
	tasks   string
	results string
	clock   crawler.Clock
	logger  *zap.Logger
}

// NewTaskStore connects to Postgres using cfg.
func NewTaskStore(ctx context.Context, cfg Config, clock crawler.Clock, logger *zap.Logger) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewTaskStoreWithPool(pool, cfg.TasksTable, cfg.ResultsTable, clock, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(pool Pool, tasksTable, resultsTable string, clock crawler.Clock, logger *zap.Logger) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if tasksTable == "" {
		tasksTable = "crawl_tasks"
	}
	if resultsTable == "" {
		resultsTable = "crawl_results"
	}
	for _, name := range []string{tasksTable, resultsTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskStore{pool: pool, tasks: tasksTable, results: resultsTable, clock: clock, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables when they do not exist.
func (s *TaskStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           TEXT PRIMARY KEY,
	engine       TEXT NOT NULL,
	status       TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	scheduled_at TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	doc          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_pending_idx ON %[1]s (status, priority DESC, scheduled_at);
CREATE INDEX IF NOT EXISTS %[1]s_stale_idx ON %[1]s (status, updated_at);
CREATE TABLE IF NOT EXISTS %[2]s (
	seq        BIGSERIAL,
	task_id    TEXT NOT NULL REFERENCES %[1]s (id) ON DELETE CASCADE,
	query_id   TEXT NOT NULL,
	engine     TEXT NOT NULL,
	succeeded  BOOLEAN NOT NULL,
	crawled_at TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL,
	PRIMARY KEY (task_id, query_id)
);`, s.tasks, s.results)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate task tables: %w", err)
	}
	return nil
}

// CreateTask inserts a new task.
func (s *TaskStore) CreateTask(ctx context.Context, task crawler.CrawlTask) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, engine, status, priority, scheduled_at, updated_at, doc)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO NOTHING`, s.tasks)
	tag, err := s.pool.Exec(ctx, query,
		task.ID, task.Engine, string(task.Status), task.Priority, task.ScheduledAt, s.clock.Now(), doc)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create task %s: %w", task.ID, crawler.ErrAlreadyExists)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (crawler.CrawlTask, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.tasks)
	return scanTask(s.pool.QueryRow(ctx, query, taskID), taskID)
}

// MarkProcessing moves a pending task to processing.
func (s *TaskStore) MarkProcessing(ctx context.Context, taskID string) (crawler.CrawlTask, error) {
	return s.mutate(ctx, taskID, func(t *crawler.CrawlTask) error {
		return t.Start(s.clock.Now())
	})
}

// MarkCompleted moves a processing task to completed.
func (s *TaskStore) MarkCompleted(ctx context.Context, taskID string) (crawler.CrawlTask, error) {
	return s.mutate(ctx, taskID, func(t *crawler.CrawlTask) error {
		return t.Complete(s.clock.Now())
	})
}

// MarkFailedAttempt retries or terminally fails the task.
func (s *TaskStore) MarkFailedAttempt(ctx context.Context, taskID, reason string, retryable bool) (crawler.CrawlTask, error) {
	return s.mutate(ctx, taskID, func(t *crawler.CrawlTask) error {
		return t.FailAttempt(s.clock.Now(), reason, retryable)
	})
}

// RecordResult inserts a result and bumps the task counters in one
// transaction. A result already stored for the same query is ignored.
func (s *TaskStore) RecordResult(ctx context.Context, result crawler.CrawlResult) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	insert := fmt.Sprintf(`
INSERT INTO %s (task_id, query_id, engine, succeeded, crawled_at, payload)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (task_id, query_id) DO NOTHING`, s.results)

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		task, err := s.lockTask(ctx, tx, result.TaskID)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, insert,
			result.TaskID, result.QueryID, result.Engine, result.Succeeded(), result.CrawledAt, payload)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errDuplicateResult
		}
		if err := task.RecordOutcome(result.Succeeded()); err != nil {
			return fmt.Errorf("record result for %s: %w", result.TaskID, err)
		}
		return s.saveTask(ctx, tx, task)
	})
	if errors.Is(err, errDuplicateResult) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListResults returns the task's results in insertion order.
func (s *TaskStore) ListResults(ctx context.Context, taskID string) ([]crawler.CrawlResult, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE task_id = $1 ORDER BY seq`, s.results)
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []crawler.CrawlResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var res crawler.CrawlResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// Progress returns the task's query accounting.
func (s *TaskStore) Progress(ctx context.Context, taskID string) (crawler.Progress, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return crawler.Progress{}, err
	}
	return task.Progress(), nil
}

// ListPending returns pending tasks by descending priority then schedule time.
func (s *TaskStore) ListPending(ctx context.Context, limit int) ([]crawler.CrawlTask, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT doc FROM %s
WHERE status = $1
ORDER BY priority DESC, scheduled_at ASC, id ASC
LIMIT $2`, s.tasks)
	rows, err := s.pool.Query(ctx, query, string(crawler.TaskStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	var out []crawler.CrawlTask
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var task crawler.CrawlTask
		if err := json.Unmarshal(doc, &task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending tasks: %w", err)
	}
	return out, nil
}

// ListStale returns processing tasks whose row was last written before
// cutoff, oldest first.
func (s *TaskStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]crawler.CrawlTask, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT doc FROM %s
WHERE status = $1 AND updated_at < $2
ORDER BY updated_at ASC, id ASC
LIMIT $3`, s.tasks)
	rows, err := s.pool.Query(ctx, query, string(crawler.TaskStatusProcessing), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	defer rows.Close()

	var out []crawler.CrawlTask
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var task crawler.CrawlTask
		if err := json.Unmarshal(doc, &task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale tasks: %w", err)
	}
	return out, nil
}

func (s *TaskStore) mutate(ctx context.Context, taskID string, fn func(*crawler.CrawlTask) error) (crawler.CrawlTask, error) {
	var out crawler.CrawlTask
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		task, err := s.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		if err := s.saveTask(ctx, tx, task); err != nil {
			return err
		}
		out = task
		return nil
	})
	return out, err
}

func (s *TaskStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *TaskStore) lockTask(ctx context.Context, tx pgx.Tx, taskID string) (crawler.CrawlTask, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1 FOR UPDATE`, s.tasks)
	return scanTask(tx.QueryRow(ctx, query, taskID), taskID)
}

func (s *TaskStore) saveTask(ctx context.Context, tx pgx.Tx, task crawler.CrawlTask) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = $3, doc = $4 WHERE id = $1`, s.tasks)
	if _, err := tx.Exec(ctx, query, task.ID, string(task.Status), s.clock.Now(), doc); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row, taskID string) (crawler.CrawlTask, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.CrawlTask{}, fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
		}
		return crawler.CrawlTask{}, fmt.Errorf("scan task: %w", err)
	}
	var task crawler.CrawlTask
	if err := json.Unmarshal(doc, &task); err != nil {
		return crawler.CrawlTask{}, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}
