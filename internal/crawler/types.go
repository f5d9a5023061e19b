package crawler

import (
	"time"
)

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// FlagStatus is the coarse status published on the queue's status channel.
type FlagStatus string

// Status flag values polled by the issuer.
const (
	FlagPending   FlagStatus = "pending"
	FlagCompleted FlagStatus = "completed"
	FlagFailed    FlagStatus = "failed"
)

// Done reports whether the executor has finished with the task.
func (f FlagStatus) Done() bool {
	return f == FlagCompleted || f == FlagFailed
}

// ErrorKind classifies result-level failures.
type ErrorKind string

// Error kinds surfaced on CrawlResult.
const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindStructural ErrorKind = "structural"
	ErrorKindAccess     ErrorKind = "access"
	ErrorKindResource   ErrorKind = "resource"
)

// Query is one prompt submitted to an engine.
type Query struct {
	QueryID   string `json:"query_id"`
	QueryText string `json:"query_text"`
}

// TaskConfig carries per-task executor switches.
type TaskConfig struct {
	TakeScreenshot bool `json:"take_screenshot"`
}

// CrawlTask is one engine run against a batch of queries.
type CrawlTask struct {
	ID                string     `json:"id"`
	RunID             string     `json:"run_id,omitempty"`
	Engine            string     `json:"engine"`
	AccountID         string     `json:"account_id"`
	Queries           []Query    `json:"queries"`
	Config            TaskConfig `json:"config"`
	Status            TaskStatus `json:"status"`
	Priority          int        `json:"priority"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	TotalQueries      int        `json:"total_queries"`
	SuccessfulQueries int        `json:"successful_queries"`
	FailedQueries     int        `json:"failed_queries"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ErrorLog          []string   `json:"error_log,omitempty"`
}

// Progress returns the issuer-visible aggregate for the task.
func (t CrawlTask) Progress() Progress {
	return Progress{
		TaskID:     t.ID,
		Status:     t.Status,
		Total:      t.TotalQueries,
		Successful: t.SuccessfulQueries,
		Failed:     t.FailedQueries,
		IsComplete: t.TotalQueries > 0 && t.SuccessfulQueries+t.FailedQueries == t.TotalQueries,
		RetryCount: t.RetryCount,
	}
}

// Message builds the queue payload for the task.
func (t CrawlTask) Message(queuedAt time.Time) TaskMessage {
	return TaskMessage{
		TaskID:    t.ID,
		RunID:     t.RunID,
		Engine:    t.Engine,
		AccountID: t.AccountID,
		Queries:   append([]Query(nil), t.Queries...),
		Config:    t.Config,
		QueuedAt:  queuedAt,
	}
}

// Progress is the aggregate query accounting for one task.
type Progress struct {
	TaskID     string     `json:"task_id"`
	Status     TaskStatus `json:"status"`
	Total      int        `json:"total"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	IsComplete bool       `json:"is_complete"`
	RetryCount int        `json:"retry_count"`
}

// Citation is one source link attached to an engine answer.
type Citation struct {
	Position int    `json:"position"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
}

// CrawlResult is one query's outcome. It is immutable once written.
type CrawlResult struct {
	TaskID          string     `json:"task_id"`
	QueryID         string     `json:"query_id"`
	Query           string     `json:"query"`
	Engine          string     `json:"engine"`
	ResponseText    string     `json:"response_text"`
	Citations       []Citation `json:"citations"`
	RawHTML         string     `json:"raw_html,omitempty"`
	ScreenshotPath  string     `json:"screenshot_path,omitempty"`
	ResponseTimeMs  int64      `json:"response_time_ms"`
	IsComplete      bool       `json:"is_complete"`
	ConfidenceScore float64    `json:"confidence_score"`
	Source          string     `json:"source"`
	CrawledAt       time.Time  `json:"crawled_at"`
	Error           string     `json:"error,omitempty"`
	ErrorKind       ErrorKind  `json:"error_kind,omitempty"`
	LoginRequired   bool       `json:"login_required,omitempty"`
	Challenge       string     `json:"challenge,omitempty"`
}

// Succeeded reports whether the result counts as a successful query.
func (r CrawlResult) Succeeded() bool {
	return r.Error == ""
}

// TaskMessage is the enqueue payload shared by issuer and executor.
type TaskMessage struct {
	TaskID    string     `json:"task_id"`
	RunID     string     `json:"run_id"`
	Engine    string     `json:"engine"`
	AccountID string     `json:"account_id,omitempty"`
	Queries   []Query    `json:"queries"`
	Config    TaskConfig `json:"config"`
	QueuedAt  time.Time  `json:"queued_at"`
}
