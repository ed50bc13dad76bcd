// Package postgres provides a Postgres-backed task store so several broker
// replicas can share task logs.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/frame-progress-broker/internal/clock/system"
	"github.com/JakeFAU/frame-progress-broker/internal/retry"
	"github.com/JakeFAU/frame-progress-broker/internal/store"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTablePrefix = "progress_"

// Clock supplies the current time used for expiry checks.
type Clock interface {
	Now() time.Time
}

// TaskStoreConfig controls the connection pool, table names, and retention.
type TaskStoreConfig struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	AutoMigrate     bool

	TTL         time.Duration
	MaxRecords  int
	KeepRecords int

	Retry  retry.Config
	Clock  Clock
	Logger *zap.Logger
}

// pool is the subset of pgxpool.Pool used by the store; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// TaskStore persists task logs and client registries in three tables:
// <prefix>tasks, <prefix>records and <prefix>clients.
type TaskStore struct {
	pool   pool
	cfg    TaskStoreConfig
	retry  *retry.Policy
	q      queries
	logger *zap.Logger
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore connects to Postgres and optionally creates the schema.
func NewTaskStore(ctx context.Context, cfg TaskStoreConfig) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewTaskStoreWithPool(p, cfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(p pool, cfg TaskStoreConfig) (*TaskStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.TablePrefix == "" {
		cfg.TablePrefix = defaultTablePrefix
	}
	if !validTablePrefix.MatchString(cfg.TablePrefix) {
		return nil, fmt.Errorf("invalid table prefix %q", cfg.TablePrefix)
	}
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
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &TaskStore{
		pool:   p,
		cfg:    cfg,
		q:      buildQueries(cfg.TablePrefix),
		logger: logger,
	}
	rcfg := cfg.Retry
	rcfg.Logger = logger
	rcfg.IsConnection = isConnectionError
	rcfg.Reset = s.resetPool
	s.retry = retry.New(rcfg)
	return s, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables when they do not exist.
func (s *TaskStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.q.schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate task store: %w", err)
		}
	}
	return nil
}

// CreateTask inserts an empty task row. A conflict on a retried attempt means
// the earlier insert committed before its reply was lost, so it counts as
// success.
func (s *TaskStore) CreateTask(ctx context.Context, taskID string) error {
	now := s.cfg.Clock.Now()
	attempts := 0
	return s.retry.Do(ctx, "create task", func(ctx context.Context) error {
		attempts++
		tag, err := s.pool.Exec(ctx, s.q.createTask, taskID, now.Add(s.cfg.TTL))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if attempts > 1 {
				s.logger.Info("task row written by an earlier attempt", zap.String("task_id", taskID))
				return nil
			}
			return retry.Permanent(fmt.Errorf("task %s already exists", taskID))
		}
		return nil
	})
}

// Append inserts the record, bumps the task counters, and trims old rows in a
// single transaction. When a commit reply is lost and the retry finds this
// record already stored at the sequence it was given, the append is reported
// as done instead of being written twice or rejected as sealed.
func (s *TaskStore) Append(ctx context.Context, taskID string, data []byte, terminal bool) (int64, error) {
	var seq, pending int64
	err := s.retry.Do(ctx, "append record", func(ctx context.Context) error {
		now := s.cfg.Clock.Now()
		return s.withTx(ctx, func(tx pgx.Tx) error {
			var lastSeq int64
			var count int
			var sealed bool
			err := tx.QueryRow(ctx, s.q.lockTask, taskID, now).Scan(&lastSeq, &count, &sealed)
			if errors.Is(err, pgx.ErrNoRows) {
				return retry.Permanent(store.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("lock task: %w", err)
			}
			if pending > 0 && lastSeq == pending {
				landed, err := s.recordStored(ctx, tx, taskID, pending, data)
				if err != nil {
					return err
				}
				if landed {
					s.logger.Info("record committed by an earlier attempt",
						zap.String("task_id", taskID),
						zap.Int64("seq", pending),
					)
					seq = pending
					return nil
				}
			}
			if sealed {
				return retry.Permanent(store.ErrSealed)
			}
			seq = lastSeq + 1
			pending = seq
			count++
			if _, err := tx.Exec(ctx, s.q.insertRecord, taskID, seq, data); err != nil {
				return fmt.Errorf("insert record: %w", err)
			}
			if count > s.cfg.MaxRecords {
				if _, err := tx.Exec(ctx, s.q.trimRecords, taskID, seq-int64(s.cfg.KeepRecords)); err != nil {
					return fmt.Errorf("trim records: %w", err)
				}
				count = s.cfg.KeepRecords
			}
			if _, err := tx.Exec(ctx, s.q.updateTask, taskID, seq, count, terminal, now.Add(s.cfg.TTL)); err != nil {
				return fmt.Errorf("update task: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Entries returns retained records with seq > after, oldest first.
func (s *TaskStore) Entries(ctx context.Context, taskID string, after int64) ([]store.Entry, error) {
	var out []store.Entry
	err := s.retry.Do(ctx, "list records", func(ctx context.Context) error {
		if err := s.requireTask(ctx, taskID); err != nil {
			return err
		}
		rows, err := s.pool.Query(ctx, s.q.listRecords, taskID, after)
		if err != nil {
			return fmt.Errorf("query records: %w", err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var e store.Entry
			if err := rows.Scan(&e.Seq, &e.Data); err != nil {
				return fmt.Errorf("scan record row: %w", err)
			}
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate records: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stat loads the task summary.
func (s *TaskStore) Stat(ctx context.Context, taskID string) (store.TaskState, error) {
	var st store.TaskState
	err := s.retry.Do(ctx, "stat task", func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, s.q.statTask, taskID, s.cfg.Clock.Now()).
			Scan(&st.LastSeq, &st.Count, &st.Sealed, &st.ExpiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return retry.Permanent(store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("select task: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.TaskState{}, err
	}
	return st, nil
}

// DeleteTask removes the task; records and clients cascade.
func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) error {
	return s.retry.Do(ctx, "delete task", func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, s.q.deleteTask, taskID); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return nil
	})
}

// DeleteExpired removes every task whose expiry has passed.
func (s *TaskStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var removed int
	err := s.retry.Do(ctx, "delete expired tasks", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, s.q.deleteExpired, now)
		if err != nil {
			return fmt.Errorf("delete expired: %w", err)
		}
		removed = int(tag.RowsAffected())
		return nil
	})
	return removed, err
}

// AddClient upserts the client row when the task is live.
func (s *TaskStore) AddClient(ctx context.Context, taskID, clientID string, at time.Time) error {
	return s.retry.Do(ctx, "add client", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, s.q.addClient, taskID, clientID, at, s.cfg.Clock.Now())
		if err != nil {
			return fmt.Errorf("upsert client: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return retry.Permanent(store.ErrNotFound)
		}
		return nil
	})
}

// TouchClient refreshes last_seen and reports whether the row existed.
func (s *TaskStore) TouchClient(ctx context.Context, taskID, clientID string, at time.Time) (bool, error) {
	var found bool
	err := s.retry.Do(ctx, "touch client", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, s.q.touchClient, taskID, clientID, at)
		if err != nil {
			return fmt.Errorf("update client: %w", err)
		}
		found = tag.RowsAffected() > 0
		return nil
	})
	return found, err
}

// HasClient reports whether the client row exists.
func (s *TaskStore) HasClient(ctx context.Context, taskID, clientID string) (bool, error) {
	var found bool
	err := s.retry.Do(ctx, "has client", func(ctx context.Context) error {
		if err := s.pool.QueryRow(ctx, s.q.hasClient, taskID, clientID).Scan(&found); err != nil {
			return fmt.Errorf("select client: %w", err)
		}
		return nil
	})
	return found, err
}

// RemoveClient deletes the client row.
func (s *TaskStore) RemoveClient(ctx context.Context, taskID, clientID string) error {
	return s.retry.Do(ctx, "remove client", func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, s.q.removeClient, taskID, clientID); err != nil {
			return fmt.Errorf("delete client: %w", err)
		}
		return nil
	})
}

// CountClients counts subscribers of a live task.
func (s *TaskStore) CountClients(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.retry.Do(ctx, "count clients", func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, s.q.countClients, taskID, s.cfg.Clock.Now()).Scan(&count)
		if errors.Is(err, pgx.ErrNoRows) {
			return retry.Permanent(store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("count clients: %w", err)
		}
		return nil
	})
	return count, err
}

// EvictStale deletes clients last seen before cutoff.
func (s *TaskStore) EvictStale(ctx context.Context, cutoff time.Time) (int, error) {
	var removed int
	err := s.retry.Do(ctx, "evict stale clients", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, s.q.evictStale, cutoff)
		if err != nil {
			return fmt.Errorf("delete stale clients: %w", err)
		}
		removed = int(tag.RowsAffected())
		return nil
	})
	return removed, err
}

// Ping checks connectivity.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *TaskStore) requireTask(ctx context.Context, taskID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, s.q.taskExists, taskID, s.cfg.Clock.Now()).Scan(&exists); err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	if !exists {
		return retry.Permanent(store.ErrNotFound)
	}
	return nil
}

// recordStored reports whether the row at seq holds exactly data.
func (s *TaskStore) recordStored(ctx context.Context, tx pgx.Tx, taskID string, seq int64, data []byte) (bool, error) {
	var stored string
	err := tx.QueryRow(ctx, s.q.recordAt, taskID, seq).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select record: %w", err)
	}
	return stored == string(data), nil
}

func (s *TaskStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// resetPool drops idle connections after a connection failure so the next
// attempt dials fresh ones.
func (s *TaskStore) resetPool(context.Context) {
	if r, ok := s.pool.(interface{ Reset() }); ok {
		s.logger.Info("resetting postgres pool")
		r.Reset()
	}
}

func isConnectionError(err error) bool {
	if retry.IsConnectionError(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
