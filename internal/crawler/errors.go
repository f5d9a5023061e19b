package crawler

import "errors"

var (
	// ErrNotFound is returned when a task does not exist in the store.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyExists is returned when creating a task whose ID is taken.
	ErrAlreadyExists = errors.New("task already exists")
	// ErrInvalidTransition is returned for a state change the task lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrProgressOverflow is returned when an outcome would push successful+failed past total.
	ErrProgressOverflow = errors.New("query outcomes exceed total queries")
	// ErrRetriesExhausted is returned by Retry once retry_count has reached max_retries.
	ErrRetriesExhausted = errors.New("retries exhausted")
)
