// Package queue holds what the handoff queue backends share: channel naming
// and sentinel errors. Backends live in the memory and redis subpackages and
// implement crawler.Queue.
package queue

import (
	"errors"
	"strings"
)

// DefaultPrefix namespaces every channel when none is configured.
const DefaultPrefix = "crawl"

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by Enqueue when a bounded queue is at capacity.
	ErrFull = errors.New("queue full")
)

// Keys names the three channels: the shared task list, one result list per
// task and one status flag per task.
type Keys struct {
	Prefix string
}

// NewKeys trims separators from prefix and falls back to DefaultPrefix.
func NewKeys(prefix string) Keys {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{Prefix: prefix}
}

// Tasks is the FIFO list of pending task messages.
func (k Keys) Tasks() string { return k.Prefix + ":tasks" }

// Results is the ordered list of results for taskID.
func (k Keys) Results(taskID string) string { return k.Prefix + ":results:" + taskID }

// Status is the status flag for taskID.
func (k Keys) Status(taskID string) string { return k.Prefix + ":status:" + taskID }
