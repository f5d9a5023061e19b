package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageTaskStart  Stage = "TASK_START"
	StageQueryDone  Stage = "QUERY_DONE"
	StageTaskRetry  Stage = "TASK_RETRY"
	StageTaskDone   Stage = "TASK_DONE"
	StageTaskFailed Stage = "TASK_FAILED"
)

// OutcomeOK marks a query that produced a usable answer.
const OutcomeOK = "ok"

// Event captures one step of a task's execution.
type Event struct {
	TaskID string `json:"task_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS      time.Time `json:"ts"`
	Stage   Stage     `json:"stage"`
	Engine  string    `json:"engine,omitempty"`
	QueryID string    `json:"query_id,omitempty"`
	// Outcome is OutcomeOK or the error kind of a failed query.
	Outcome string `json:"outcome,omitempty"`
	// Dur is the query latency for QUERY_DONE and the attempt wall time otherwise.
	Dur time.Duration `json:"dur_ns,omitempty"`
	// Note carries low-volume context such as a failure reason.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskStart, StageTaskRetry, StageTaskDone, StageTaskFailed:
	case StageQueryDone:
		if e.QueryID == "" {
			return errors.New("query done requires query id")
		}
		if e.Outcome == "" {
			return errors.New("query done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Outcome labels a query result for QUERY_DONE events.
func Outcome(result crawler.CrawlResult) string {
	if result.Succeeded() {
		return OutcomeOK
	}
	if result.ErrorKind == crawler.ErrorKindNone {
		return "error"
	}
	return string(result.ErrorKind)
}

// QueryDone builds the event for one finished query.
func QueryDone(result crawler.CrawlResult, ts time.Time) Event {
	return Event{
		TaskID:  result.TaskID,
		TS:      ts.UTC(),
		Stage:   StageQueryDone,
		Engine:  result.Engine,
		QueryID: result.QueryID,
		Outcome: Outcome(result),
		Dur:     time.Duration(result.ResponseTimeMs) * time.Millisecond,
		Note:    result.Error,
	}
}
