package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/frame-progress-broker/internal/id/uuid"
	"github.com/JakeFAU/frame-progress-broker/internal/progress"
	"github.com/JakeFAU/frame-progress-broker/internal/storage/memory"
	"github.com/JakeFAU/frame-progress-broker/internal/store"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSweepEvictsStaleClientsAndExpiredTasks(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	st := memory.NewTaskStore(memory.TaskStoreConfig{Clock: clock})
	events := &eventRecorder{}
	b := New(st, uuid.New(), clock, events, nil, fastConfig(), nil)
	t.Cleanup(b.Shutdown)
	ctx := context.Background()

	stale, err := b.CreateTask(ctx)
	require.NoError(t, err)
	require.NoError(t, st.AddClient(ctx, stale, "idle", clock.Now()))

	clock.Advance(DefaultClientStaleAfter + time.Second)
	fresh, err := b.CreateTask(ctx)
	require.NoError(t, err)
	require.NoError(t, st.AddClient(ctx, fresh, "active", clock.Now()))

	res, err := b.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{EvictedClients: 1}, res)
	n, err := b.Subscribers(ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	clock.Advance(store.DefaultTTL)
	res, err = b.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.ExpiredTasks)

	expired := events.stage(progress.StageTasksExpired)
	require.Len(t, expired, 1)
	require.Equal(t, 2, expired[0].Count)
	require.Len(t, events.stage(progress.StageClientsEvicted), 1)
}

func TestExpiredTaskIsTreatedAsUnknown(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	st := memory.NewTaskStore(memory.TaskStoreConfig{Clock: clock})
	b := New(st, uuid.New(), clock, nil, nil, fastConfig(), nil)
	t.Cleanup(b.Shutdown)
	ctx := context.Background()

	taskID, err := b.CreateTask(ctx)
	require.NoError(t, err)
	clock.Advance(store.DefaultTTL + time.Minute)

	require.NoError(t, b.AppendProgress(ctx, taskID, ProgressUpdate{Progress: 5}))
	_, err = b.Status(ctx, taskID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunJanitorStopsOnCancel(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBroker(t, fastConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.RunJanitor(ctx, time.Millisecond) }()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("janitor did not stop")
	}
}
