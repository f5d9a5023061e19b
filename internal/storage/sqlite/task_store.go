// Package sqlite provides a single-node task store backed by SQLite through GORM.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/JakeFAU/answer-engine-crawler/internal/clock/system"
	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
)

var errDuplicateResult = errors.New("duplicate result")

type taskRow struct {
	ID          string    `gorm:"primaryKey"`
	Engine      string    `gorm:"index"`
	Status      string    `gorm:"index:idx_pending,priority:1"`
	Priority    int       `gorm:"index:idx_pending,priority:2"`
	ScheduledAt time.Time `gorm:"index:idx_pending,priority:3"`
	UpdatedAt   time.Time
	Doc         string
}

func (taskRow) TableName() string { return "crawl_tasks" }

type resultRow struct {
	Seq       uint   `gorm:"primaryKey;autoIncrement"`
	TaskID    string `gorm:"uniqueIndex:idx_task_query"`
	QueryID   string `gorm:"uniqueIndex:idx_task_query"`
	Engine    string
	Succeeded bool
	CrawledAt time.Time
	Payload   string
}

func (resultRow) TableName() string { return "crawl_results" }

// TaskStore implements crawler.TaskStore on a local SQLite file.
type TaskStore struct {
	db    *gorm.DB
	clock crawler.Clock
}

// Open creates the database file when needed and migrates the schema.
func Open(path string, clock crawler.Clock) (*TaskStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql db: %w", err)
	}
	// A single writer connection serializes the read-modify-write transactions.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&taskRow{}, &resultRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	if clock == nil {
		clock = system.New()
	}
	return &TaskStore{db: db, clock: clock}, nil
}

// Close releases the database handle.
func (s *TaskStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying sql db: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// CreateTask inserts a new task.
func (s *TaskStore) CreateTask(ctx context.Context, task crawler.CrawlTask) error {
	row, err := s.toRow(task)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("insert task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("create task %s: %w", task.ID, crawler.ErrAlreadyExists)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (crawler.CrawlTask, error) {
	return loadTask(s.db.WithContext(ctx), taskID)
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

// RecordResult stores one result and bumps the task counters in a single
// transaction. A result already stored for the same query is ignored.
func (s *TaskStore) RecordResult(ctx context.Context, result crawler.CrawlResult) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := loadTask(tx, result.TaskID)
		if err != nil {
			return err
		}
		row := resultRow{
			TaskID:    result.TaskID,
			QueryID:   result.QueryID,
			Engine:    result.Engine,
			Succeeded: result.Succeeded(),
			CrawledAt: result.CrawledAt,
			Payload:   string(payload),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("insert result: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errDuplicateResult
		}
		if err := task.RecordOutcome(result.Succeeded()); err != nil {
			return fmt.Errorf("record result for %s: %w", result.TaskID, err)
		}
		return s.save(tx, task)
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
	db := s.db.WithContext(ctx)
	if _, err := loadTask(db, taskID); err != nil {
		return nil, err
	}
	var rows []resultRow
	if err := db.Where("task_id = ?", taskID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	out := make([]crawler.CrawlResult, 0, len(rows))
	for _, row := range rows {
		var res crawler.CrawlResult
		if err := json.Unmarshal([]byte(row.Payload), &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, res)
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
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(crawler.TaskStatusPending)).
		Order("priority DESC").Order("scheduled_at ASC").Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	out := make([]crawler.CrawlTask, 0, len(rows))
	for _, row := range rows {
		task, err := decodeTask(row)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

// ListStale returns processing tasks whose row was last written before
// cutoff, oldest first.
func (s *TaskStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]crawler.CrawlTask, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(crawler.TaskStatusProcessing), cutoff).
		Order("updated_at ASC").Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	out := make([]crawler.CrawlTask, 0, len(rows))
	for _, row := range rows {
		task, err := decodeTask(row)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *TaskStore) mutate(ctx context.Context, taskID string, fn func(*crawler.CrawlTask) error) (crawler.CrawlTask, error) {
	var out crawler.CrawlTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		task, err := loadTask(tx, taskID)
		if err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		if err := s.save(tx, task); err != nil {
			return err
		}
		out = task
		return nil
	})
	return out, err
}

func (s *TaskStore) save(tx *gorm.DB, task crawler.CrawlTask) error {
	row, err := s.toRow(task)
	if err != nil {
		return err
	}
	if err := tx.Save(&row).Error; err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *TaskStore) toRow(task crawler.CrawlTask) (taskRow, error) {
	doc, err := json.Marshal(task)
	if err != nil {
		return taskRow{}, fmt.Errorf("marshal task: %w", err)
	}
	return taskRow{
		ID:          task.ID,
		Engine:      task.Engine,
		Status:      string(task.Status),
		Priority:    task.Priority,
		ScheduledAt: task.ScheduledAt,
		UpdatedAt:   s.clock.Now(),
		Doc:         string(doc),
	}, nil
}

func loadTask(db *gorm.DB, taskID string) (crawler.CrawlTask, error) {
	var row taskRow
	if err := db.Where("id = ?", taskID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return crawler.CrawlTask{}, fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
		}
		return crawler.CrawlTask{}, fmt.Errorf("load task: %w", err)
	}
	return decodeTask(row)
}

func decodeTask(row taskRow) (crawler.CrawlTask, error) {
	var task crawler.CrawlTask
	if err := json.Unmarshal([]byte(row.Doc), &task); err != nil {
		return crawler.CrawlTask{}, fmt.Errorf("decode task %s: %w", row.ID, err)
	}
	return task, nil
}
