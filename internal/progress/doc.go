// Package progress carries task lifecycle events from workers to pluggable
// sinks. A Hub batches events on a background goroutine so emitting never
// blocks a running task.
package progress
