package broker

import (
	"context"
	"encoding/json"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/frame-progress-broker/internal/clock/system"
	"github.com/JakeFAU/frame-progress-broker/internal/id/uuid"
	"github.com/JakeFAU/frame-progress-broker/internal/progress"
	"github.com/JakeFAU/frame-progress-broker/internal/retry"
	"github.com/JakeFAU/frame-progress-broker/internal/storage/postgres"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestDoneAfterLostCommitReplyStillSchedulesPurge(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	clock := fixedClock{now: now}
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	st, err := postgres.NewTaskStoreWithPool(mock, postgres.TaskStoreConfig{
		Clock: clock,
		Retry: retry.Config{BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)

	events := &eventRecorder{}
	b := New(st, uuid.New(), clock, events, nil, fastConfig(), nil)
	t.Cleanup(b.Shutdown)

	data, err := json.Marshal(progress.ProgressRecord{
		Progress:  100,
		Message:   "done",
		Stage:     "complete",
		Timestamp: system.Unix(now),
		IsDone:    true,
	})
	require.NoError(t, err)

	lock := regexp.QuoteMeta("SELECT last_seq, record_count, sealed FROM progress_tasks")
	mock.ExpectBegin()
	mock.ExpectQuery(lock).
		WithArgs("task-1", now).
		WillReturnRows(pgxmock.NewRows([]string{"last_seq", "record_count", "sealed"}).AddRow(int64(1), 1, false))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO progress_records")).
		WithArgs("task-1", int64(2), data).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE progress_tasks SET last_seq")).
		WithArgs("task-1", int64(2), 2, true, now.Add(24*time.Hour)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit().WillReturnError(io.ErrUnexpectedEOF)
	mock.ExpectBegin()
	mock.ExpectQuery(lock).
		WithArgs("task-1", now).
		WillReturnRows(pgxmock.NewRows([]string{"last_seq", "record_count", "sealed"}).AddRow(int64(2), 2, true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data::text FROM progress_records")).
		WithArgs("task-1", int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(string(data)))
	mock.ExpectCommit()

	err = b.AppendProgress(context.Background(), "task-1", ProgressUpdate{
		Progress: 100,
		Message:  "done",
		Stage:    "complete",
		IsDone:   true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Equal(t, 1, b.PendingPurges())
	require.Len(t, events.stage(progress.StageTaskClosed), 1)
}
