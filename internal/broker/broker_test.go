package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/frame-progress-broker/internal/id/uuid"
	"github.com/JakeFAU/frame-progress-broker/internal/progress"
	"github.com/JakeFAU/frame-progress-broker/internal/storage/memory"
	"github.com/JakeFAU/frame-progress-broker/internal/store"
)

func TestCreateTaskInitializesEmptyLog(t *testing.T) {
	t.Parallel()

	b, _, events := newTestBroker(t, fastConfig(), nil)
	taskID, err := b.CreateTask(context.Background())
	require.NoError(t, err)
	require.True(t, uuid.Valid(taskID))

	state, err := b.Status(context.Background(), taskID)
	require.NoError(t, err)
	require.Zero(t, state.Count)
	require.False(t, state.Sealed)
	require.Len(t, events.stage(progress.StageTaskCreated), 1)
}

func TestCreateTaskPropagatesIDFailure(t *testing.T) {
	t.Parallel()

	st := memory.NewTaskStore(memory.TaskStoreConfig{})
	b := New(st, failingIDs{}, nil, nil, nil, fastConfig(), nil)
	t.Cleanup(b.Shutdown)

	_, err := b.CreateTask(context.Background())
	require.ErrorContains(t, err, "generate task id")
}

// Scenario A: backlog replay after a single progress append.
func TestSubscribeReplaysBacklog(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBroker(t, fastConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)
	require.NoError(t, b.AppendProgress(ctx, taskID, ProgressUpdate{Progress: 30, Message: "started", Stage: "init"}))

	rec := &frameRecorder{}
	done := subscribe(ctx, b, taskID, "sub-a", rec.emit)
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 2 }, waitFor, time.Millisecond)

	frames := rec.snapshot()
	require.Equal(t, progress.EventHeartbeat, frames[0].Event)
	require.Equal(t, progress.EventProgress, frames[1].Event)
	require.Equal(t, "1", frames[1].ID)
	payload := decode(t, frames[1])
	require.EqualValues(t, 30, payload["progress"])
	require.Equal(t, "started", payload["message"])
	require.Equal(t, false, payload["is_done"])

	cancel()
	require.NoError(t, waitStream(t, done))
	require.Equal(t, 0, rec.count(progress.EventClose), "disconnect must not emit close")
	waitSubscribers(t, b, taskID, 0)
}

// Scenario B: the done record arrives while tailing.
func TestSubscribeTailsUntilDone(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBroker(t, fastConfig(), nil)
	ctx := context.Background()
	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)

	rec := &frameRecorder{}
	done := subscribe(ctx, b, taskID, "sub-b", rec.emit)
	waitSubscribers(t, b, taskID, 1)

	require.NoError(t, b.AppendProgress(ctx, taskID, ProgressUpdate{Progress: 100, Message: "done", Stage: "complete", IsDone: true}))
	require.NoError(t, waitStream(t, done))

	require.Equal(t, []string{progress.EventHeartbeat, progress.EventProgress, progress.EventClose}, rec.tags())
	frames := rec.snapshot()
	require.Equal(t, true, decode(t, frames[1])["is_done"])
	require.Equal(t, "completed", decode(t, frames[2])["reason"])
	waitSubscribers(t, b, taskID, 0)
}

// Scenario C: concurrent subscribers observe identical order.
func TestConcurrentSubscribersSeeSameOrder(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBroker(t, fastConfig(), nil)
	ctx := context.Background()
	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)

	first, second := &frameRecorder{}, &frameRecorder{}
	doneA := subscribe(ctx, b, taskID, "sub-1", first.emit)
	doneB := subscribe(ctx, b, taskID, "sub-2", second.emit)
	waitSubscribers(t, b, taskID, 2)

	for i := 1; i <= 30; i++ {
		if i%5 == 0 {
			require.NoError(t, b.AppendEvent(ctx, taskID, "frame_ready", map[string]int{"frame": i}))
			continue
		}
		require.NoError(t, b.AppendProgress(ctx, taskID, ProgressUpdate{Progress: float64(i), Message: "tick", Stage: "extract"}))
	}
	require.NoError(t, b.CloseTask(ctx, taskID, progress.CloseNormal))
	require.NoError(t, waitStream(t, doneA))
	require.NoError(t, waitStream(t, doneB))

	ids := func(r *frameRecorder) []string {
		var out []string
		for _, f := range r.snapshot() {
			if f.ID != "" {
				out = append(out, f.ID)
			}
		}
		return out
	}
	require.Len(t, ids(first), 31)
	require.Equal(t, ids(first), ids(second))
	for _, r := range []*frameRecorder{first, second} {
		tags := r.tags()
		require.Equal(t, progress.EventClose, tags[len(tags)-1])
		require.Equal(t, 1, r.count(progress.EventClose))
		require.Equal(t, progress.EventProgress, tags[len(tags)-2])
	}
}

// Scenario D: closing an empty task with an error reason.
func TestCloseTaskSynthesizesDoneMarker(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	b, _, events := newTestBroker(t, fastConfig(), zap.New(core))
	ctx := context.Background()
	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)

	require.NoError(t, b.CloseTask(ctx, taskID, progress.CloseError))

	rec := &frameRecorder{}
	require.NoError(t, b.Subscribe(ctx, taskID, "sub-d", rec.emit))
	require.Equal(t, []string{progress.EventHeartbeat, progress.EventProgress, progress.EventClose}, rec.tags())
	marker := decode(t, rec.snapshot()[1])
	require.EqualValues(t, 100, marker["progress"])
	require.Equal(t, "task completed", marker["message"])
	require.Equal(t, "complete", marker["stage"])
	require.Equal(t, true, marker["is_done"])

	warn := logs.FilterMessage("task closed abnormally").All()
	require.Len(t, warn, 1)
	require.Equal(t, zapcore.WarnLevel, warn[0].Level)

	closed := events.stage(progress.StageTaskClosed)
	require.Len(t, closed, 1)
	require.Equal(t, progress.CloseError, closed[0].Reason)
}

func TestCloseTaskIsIdempotent(t *testing.T) {
	t.Parallel()

	b, _, events := newTestBroker(t, fastConfig(), nil)
	ctx := context.Background()
	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)

	require.NoError(t, b.CloseTask(ctx, taskID, progress.CloseNormal))
	require.NoError(t, b.CloseTask(ctx, taskID, progress.CloseHeartbeatTimeout))

	state, err := b.Status(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 1, state.Count)
	require.True(t, state.Sealed)
	require.Len(t, events.stage(progress.StageTaskClosed), 1)
	require.Equal(t, 1, b.PendingPurges())
}

func TestCloseTaskReusesLastProgress(t *testing.T) {
	t.Parallel()

	b, st, _ := newTestBroker(t, fastConfig(), nil)
	ctx := context.Background()
	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)
	frame, total := 7, 20
	require.NoError(t, b.AppendProgress(ctx, taskID, ProgressUpdate{
		Progress: 42, Message: "frame 7/20", Stage: "extract", CurrentFrame: &frame, TotalFrames: &total,
	}))
	require.NoError(t, b.AppendEvent(ctx, taskID, "frame_ready", map[string]int{"frame": 7}))

	require.NoError(t, b.CloseTask(ctx, taskID, progress.CloseNormal))

	entries, err := st.Entries(ctx, taskID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	rec, err := progress.DecodeRecord(entries[0].Data)
	require.NoError(t, err)
	require.NotNil(t, rec.Progress)
	require.Equal(t, 42.0, rec.Progress.Progress)
	require.Equal(t, "extract", rec.Progress.Stage)
	require.Equal(t, 7, *rec.Progress.CurrentFrame)
	require.True(t, rec.Progress.IsDone)
}

func TestAppendAfterDoneIsIgnored(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBroker(t, fastConfig(), nil)
	ctx := context.Background()
	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)
	require.NoError(t, b.AppendProgress(ctx, taskID, ProgressUpdate{Progress: 100, Stage: "complete", IsDone: true}))

	require.NoError(t, b.AppendProgress(ctx, taskID, ProgressUpdate{Progress: 50}))
	require.NoError(t, b.AppendEvent(ctx, taskID, "late", nil))

	state, err := b.Status(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 1, state.Count)
}

func TestUnknownTaskOperationsAreNoops(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	b, _, _ := newTestBroker(t, fastConfig(), zap.New(core))
	ctx := context.Background()

	require.NoError(t, b.AppendProgress(ctx, "missing", ProgressUpdate{Progress: 10}))
	require.NoError(t, b.AppendEvent(ctx, "missing", "webp_result", map[string]string{"url": "x"}))
	require.NoError(t, b.CloseTask(ctx, "missing", progress.CloseNormal))
	require.Equal(t, 2, logs.FilterMessage("append to unknown task ignored").Len())
	require.Equal(t, 1, logs.FilterMessage("close requested for unknown task").Len())

	rec := &frameRecorder{}
	require.NoError(t, b.Subscribe(ctx, "missing", "sub", rec.emit))
	require.Equal(t, []string{progress.EventHeartbeat, progress.EventClose}, rec.tags())
	require.Equal(t, "task not found", decode(t, rec.snapshot()[1])["message"])
}

func TestAppendValidation(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBroker(t, fastConfig(), nil)
	ctx := context.Background()
	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)

	require.ErrorIs(t, b.AppendProgress(ctx, taskID, ProgressUpdate{Progress: 120}), progress.ErrInvalidProgress)
	require.ErrorIs(t, b.AppendEvent(ctx, taskID, progress.EventClose, nil), progress.ErrInvalidEvent)
	require.ErrorIs(t, b.AppendEvent(ctx, taskID, "", nil), progress.ErrInvalidEvent)
	require.Error(t, b.AppendEvent(ctx, taskID, "bad", make(chan int)))

	state, err := b.Status(ctx, taskID)
	require.NoError(t, err)
	require.Zero(t, state.Count)
}

func TestCustomEventFramesAndTempPaths(t *testing.T) {
	t.Parallel()

	st := memory.NewTaskStore(memory.TaskStoreConfig{})
	tracker := &trackerStub{}
	b := New(st, uuid.New(), nil, nil, tracker, fastConfig(), nil)
	t.Cleanup(b.Shutdown)
	ctx := context.Background()
	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)

	require.NoError(t, b.AppendEvent(ctx, taskID, "webp_result", map[string]any{"url": "/out/a.webp", "frames": 12}, "/tmp/work/a"))
	require.NoError(t, b.AppendEvent(ctx, taskID, "raw", json.RawMessage(`[1,2]`)))
	require.NoError(t, b.CloseTask(ctx, taskID, progress.CloseNormal))
	require.Equal(t, []string{"/tmp/work/a"}, tracker.paths)

	rec := &frameRecorder{}
	require.NoError(t, b.Subscribe(ctx, taskID, "sub", rec.emit))
	require.Equal(t, []string{progress.EventHeartbeat, "webp_result", "raw", progress.EventProgress, progress.EventClose}, rec.tags())
	frames := rec.snapshot()
	require.JSONEq(t, `{"url":"/out/a.webp","frames":12}`, string(frames[1].Data))
	require.JSONEq(t, `[1,2]`, string(frames[2].Data))
	require.NotContains(t, string(frames[1].Data), "temp_paths")
}

func TestDeferredPurgeRemovesTask(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.PurgeDelay = 20 * time.Millisecond
	b, _, events := newTestBroker(t, cfg, nil)
	ctx := context.Background()
	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)

	require.NoError(t, b.AppendProgress(ctx, taskID, ProgressUpdate{Progress: 100, IsDone: true}))
	_, err = b.Status(ctx, taskID)
	require.NoError(t, err, "task stays readable until the purge delay elapses")

	require.Eventually(t, func() bool {
		_, err := b.Status(ctx, taskID)
		return errors.Is(err, store.ErrNotFound)
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(events.stage(progress.StageTaskPurged)) == 1 }, waitFor, time.Millisecond)
	require.Zero(t, b.PendingPurges())
}

func TestPurgeCancelsPendingPurge(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBroker(t, fastConfig(), nil)
	ctx := context.Background()
	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)
	require.NoError(t, b.CloseTask(ctx, taskID, progress.CloseNormal))
	require.Equal(t, 1, b.PendingPurges())

	require.NoError(t, b.Purge(ctx, taskID))
	require.Zero(t, b.PendingPurges())
	_, err = b.Status(ctx, taskID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, b.Purge(ctx, taskID), "purging twice is harmless")
}

func TestShutdownDropsPendingPurges(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBroker(t, fastConfig(), nil)
	ctx := context.Background()
	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)
	require.NoError(t, b.CloseTask(ctx, taskID, progress.CloseNormal))

	b.Shutdown()
	require.Zero(t, b.PendingPurges())
	_, err = b.Status(ctx, taskID)
	require.NoError(t, err)
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

type trackerStub struct {
	paths []string
}

func (s *trackerStub) Track(paths ...string) int {
	s.paths = append(s.paths, paths...)
	return len(paths)
}
