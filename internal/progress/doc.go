// Package progress holds the task-progress domain: the progress and custom
// event records stored per task, the frames streamed to subscribers, close
// reasons, and a non-blocking Hub that fans lifecycle Events out to sinks
// (logs, Prometheus, completion notifications) on a background goroutine.
package progress
