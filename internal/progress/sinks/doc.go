// Package sinks implements progress consumers that log events or forward
// them to a publisher topic.
package sinks
