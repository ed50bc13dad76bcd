// Package memory provides in-process task storage for single-node deployments
// and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/frame-progress-broker/internal/clock/system"
	"github.com/JakeFAU/frame-progress-broker/internal/store"
)

// Clock supplies the current time used for expiry.
type Clock interface {
	Now() time.Time
}

// TaskStoreConfig controls retention. Zero values fall back to the store
// package defaults (24h TTL, trim above 100 records down to 50).
type TaskStoreConfig struct {
	TTL         time.Duration
	MaxRecords  int
	KeepRecords int
	Clock       Clock
}

// TaskStore keeps task logs and client registries in memory. Expired tasks are
// invisible to every read and are physically dropped by DeleteExpired.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*taskLog
	cfg   TaskStoreConfig
}

type taskLog struct {
	entries   []store.Entry
	lastSeq   int64
	sealed    bool
	expiresAt time.Time
	clients   map[string]time.Time
	changed   chan struct{}
}

var (
	_ store.TaskStore = (*TaskStore)(nil)
	_ store.Watcher   = (*TaskStore)(nil)
)

// NewTaskStore constructs an empty TaskStore.
func NewTaskStore(cfg TaskStoreConfig) *TaskStore {
	if cfg.TTL <= 0 {
		cfg.TTL = store.DefaultTTL
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = store.DefaultMaxRecords
	}
	if cfg.KeepRecords <= 0 || cfg.KeepRecords > cfg.MaxRecords {
		cfg.KeepRecords = min(store.DefaultKeepRecords, cfg.MaxRecords)
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	return &TaskStore{
		tasks: make(map[string]*taskLog),
		cfg:   cfg,
	}
}

// CreateTask initializes an empty log for taskID.
func (s *TaskStore) CreateTask(_ context.Context, taskID string) error {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok && now.Before(t.expiresAt) {
		return fmt.Errorf("task %s already exists", taskID)
	}
	s.drop(taskID)
	s.tasks[taskID] = &taskLog{
		expiresAt: now.Add(s.cfg.TTL),
		clients:   make(map[string]time.Time),
		changed:   make(chan struct{}),
	}
	return nil
}

// Append stores a copy of data, trims old records, and wakes watchers.
func (s *TaskStore) Append(_ context.Context, taskID string, data []byte, terminal bool) (int64, error) {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.live(taskID, now)
	if !ok {
		return 0, store.ErrNotFound
	}
	if t.sealed {
		return 0, store.ErrSealed
	}
	t.lastSeq++
	t.entries = append(t.entries, store.Entry{Seq: t.lastSeq, Data: bytes.Clone(data)})
	if len(t.entries) > s.cfg.MaxRecords {
		drop := len(t.entries) - s.cfg.KeepRecords
		t.entries = append([]store.Entry(nil), t.entries[drop:]...)
	}
	t.sealed = terminal
	t.expiresAt = now.Add(s.cfg.TTL)
	t.notify()
	return t.lastSeq, nil
}

// Entries returns retained records with Seq greater than after.
func (s *TaskStore) Entries(_ context.Context, taskID string, after int64) ([]store.Entry, error) {
	now := s.cfg.Clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.live(taskID, now)
	if !ok {
		return nil, store.ErrNotFound
	}
	start := len(t.entries)
	for i, e := range t.entries {
		if e.Seq > after {
			start = i
			break
		}
	}
	out := make([]store.Entry, len(t.entries)-start)
	copy(out, t.entries[start:])
	return out, nil
}

// Stat summarizes the task log.
func (s *TaskStore) Stat(_ context.Context, taskID string) (store.TaskState, error) {
	now := s.cfg.Clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.live(taskID, now)
	if !ok {
		return store.TaskState{}, store.ErrNotFound
	}
	return store.TaskState{
		LastSeq:   t.lastSeq,
		Count:     len(t.entries),
		Sealed:    t.sealed,
		ExpiresAt: t.expiresAt,
	}, nil
}

// DeleteTask drops the log and its clients.
func (s *TaskStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop(taskID)
	return nil
}

// DeleteExpired drops every task whose expiry is not after now.
func (s *TaskStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, t := range s.tasks {
		if !now.Before(t.expiresAt) {
			s.drop(id)
			removed++
		}
	}
	return removed, nil
}

// AddClient registers clientID on a live task.
func (s *TaskStore) AddClient(_ context.Context, taskID, clientID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.live(taskID, s.cfg.Clock.Now())
	if !ok {
		return store.ErrNotFound
	}
	t.clients[clientID] = at
	return nil
}

// TouchClient refreshes last-seen for an existing entry.
func (s *TaskStore) TouchClient(_ context.Context, taskID, clientID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.live(taskID, s.cfg.Clock.Now())
	if !ok {
		return false, nil
	}
	if _, ok := t.clients[clientID]; !ok {
		return false, nil
	}
	t.clients[clientID] = at
	return true, nil
}

// HasClient reports whether clientID is registered on a live task.
func (s *TaskStore) HasClient(_ context.Context, taskID, clientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.live(taskID, s.cfg.Clock.Now())
	if !ok {
		return false, nil
	}
	_, ok = t.clients[clientID]
	return ok, nil
}

// RemoveClient deletes clientID if present.
func (s *TaskStore) RemoveClient(_ context.Context, taskID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		delete(t.clients, clientID)
	}
	return nil
}

// CountClients returns the number of registered subscribers.
func (s *TaskStore) CountClients(_ context.Context, taskID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.live(taskID, s.cfg.Clock.Now())
	if !ok {
		return 0, store.ErrNotFound
	}
	return len(t.clients), nil
}

// EvictStale removes clients last seen before cutoff across all tasks.
func (s *TaskStore) EvictStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, t := range s.tasks {
		for id, seen := range t.clients {
			if seen.Before(cutoff) {
				delete(t.clients, id)
				removed++
			}
		}
	}
	return removed, nil
}

// Ping always succeeds for the in-memory store.
func (s *TaskStore) Ping(context.Context) error {
	return nil
}

// Watch returns a channel closed on the next change to taskID.
func (s *TaskStore) Watch(taskID string) <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.live(taskID, s.cfg.Clock.Now())
	if !ok {
		return nil
	}
	return t.changed
}

// live must be called with s.mu held.
func (s *TaskStore) live(taskID string, now time.Time) (*taskLog, bool) {
	t, ok := s.tasks[taskID]
	if !ok || !now.Before(t.expiresAt) {
		return nil, false
	}
	return t, true
}

// drop must be called with s.mu held for writing.
func (s *TaskStore) drop(taskID string) {
	t, ok := s.tasks[taskID]
	if !ok {
		return
	}
	delete(s.tasks, taskID)
	close(t.changed)
}

func (t *taskLog) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}
