package broker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsOnce(t *testing.T) {
	t.Parallel()

	s := newScheduler()
	var runs atomic.Int32
	require.True(t, s.Schedule("a", time.Millisecond, func() { runs.Add(1) }))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	require.Zero(t, s.Pending())
}

func TestSchedulerReplacesPendingKey(t *testing.T) {
	t.Parallel()

	s := newScheduler()
	var first, second atomic.Int32
	s.Schedule("a", 20*time.Millisecond, func() { first.Add(1) })
	s.Schedule("a", time.Millisecond, func() { second.Add(1) })
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	require.Zero(t, first.Load())
}

func TestSchedulerCancelAndStop(t *testing.T) {
	t.Parallel()

	s := newScheduler()
	var runs atomic.Int32
	s.Schedule("a", 10*time.Millisecond, func() { runs.Add(1) })
	s.Schedule("b", 10*time.Millisecond, func() { runs.Add(1) })
	require.True(t, s.Cancel("a"))
	require.False(t, s.Cancel("a"))
	require.Equal(t, 1, s.Pending())

	s.Stop()
	require.Zero(t, s.Pending())
	require.False(t, s.Schedule("c", time.Millisecond, func() { runs.Add(1) }))
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, runs.Load())
}
