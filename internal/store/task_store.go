package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound signals that the task does not exist or has expired.
	ErrNotFound = errors.New("task not found")
	// ErrSealed signals an append to a log that already holds its done record.
	ErrSealed = errors.New("task log is sealed")
)

// Retention defaults shared by every TaskLog implementation.
const (
	DefaultTTL         = 24 * time.Hour
	DefaultMaxRecords  = 100
	DefaultKeepRecords = 50
)

// Entry is one stored record together with its per-task sequence number.
type Entry struct {
	// Seq starts at 1 and increases by one per append; trimming never reuses it.
	Seq int64
	// Data is the JSON document exactly as appended.
	Data []byte
}

// TaskState summarizes a task log without returning its records.
type TaskState struct {
	// LastSeq is the sequence number of the newest append (0 when empty).
	LastSeq int64
	// Count is the number of retained records.
	Count int
	// Sealed reports whether the done record has been appended.
	Sealed bool
	// ExpiresAt is refreshed on creation and on every append.
	ExpiresAt time.Time
}

// TaskLog persists ordered per-task records.
type TaskLog interface {
	// CreateTask initializes an empty log. Creating an existing task is an error.
	CreateTask(ctx context.Context, taskID string) error
	// Append stores data as the newest record and returns its sequence number.
	// terminal marks the done record and seals the log. Implementations trim
	// the oldest records once the retained count exceeds the configured max.
	Append(ctx context.Context, taskID string, data []byte, terminal bool) (int64, error)
	// Entries returns retained records with Seq > after, oldest first.
	Entries(ctx context.Context, taskID string, after int64) ([]Entry, error)
	// Stat returns the task summary or ErrNotFound.
	Stat(ctx context.Context, taskID string) (TaskState, error)
	// DeleteTask removes the log and every registered client. Deleting a
	// missing task is not an error.
	DeleteTask(ctx context.Context, taskID string) error
	// DeleteExpired removes every task whose expiry is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// ClientRegistry tracks the subscribers attached to each task.
type ClientRegistry interface {
	// AddClient registers clientID with the given last-seen time.
	AddClient(ctx context.Context, taskID, clientID string, at time.Time) error
	// TouchClient refreshes last-seen and reports false when the entry is gone.
	TouchClient(ctx context.Context, taskID, clientID string, at time.Time) (bool, error)
	// HasClient reports whether clientID is still registered.
	HasClient(ctx context.Context, taskID, clientID string) (bool, error)
	// RemoveClient deletes the entry; missing entries are ignored.
	RemoveClient(ctx context.Context, taskID, clientID string) error
	// CountClients returns the number of registered subscribers for the task.
	CountClients(ctx context.Context, taskID string) (int, error)
	// EvictStale removes every client last seen before cutoff.
	EvictStale(ctx context.Context, cutoff time.Time) (int, error)
}

// TaskStore is the full persistence surface used by the broker.
type TaskStore interface {
	TaskLog
	ClientRegistry
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

// Watcher is implemented by stores that can wake tailing subscribers as soon
// as a task changes instead of waiting for the next poll.
type Watcher interface {
	// Watch returns a channel closed on the next append or delete for taskID.
	// It returns nil when the task does not exist.
	Watch(taskID string) <-chan struct{}
}
