package reaper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/frame-progress-broker/internal/progress"
	"github.com/JakeFAU/frame-progress-broker/internal/storage/local"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type eventSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *eventSink) Emit(evt progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

var sweepNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestReaper(t *testing.T) (*Reaper, string, *eventSink) {
	t.Helper()
	dir, err := local.Open(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	events := &eventSink{}
	r := New(dir, fixedClock{now: sweepNow}, events, Config{Retention: time.Hour}, nil)
	return r, dir.Path(), events
}

func writeFile(t *testing.T, path string, size int, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	stamp := sweepNow.Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

func ageDir(t *testing.T, path string, age time.Duration) {
	t.Helper()
	stamp := sweepNow.Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

func TestSweepDeletesOnlyStaleFiles(t *testing.T) {
	t.Parallel()

	r, root, events := newTestReaper(t)
	writeFile(t, filepath.Join(root, "task-a", "frame_0001.png"), 100, 2*time.Hour)
	writeFile(t, filepath.Join(root, "task-a", "frame_0002.png"), 50, 2*time.Hour)
	writeFile(t, filepath.Join(root, "task-b", "frame_0001.png"), 10, time.Minute)
	writeFile(t, filepath.Join(root, "old.webp"), 7, 3*time.Hour)

	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.FilesDeleted)
	require.Equal(t, int64(157), res.BytesFreed)
	require.Equal(t, 1, res.DirsDeleted, "task-a was emptied by the sweep")
	require.Zero(t, res.Failures)

	require.NoDirExists(t, filepath.Join(root, "task-a"))
	require.FileExists(t, filepath.Join(root, "task-b", "frame_0001.png"))
	require.DirExists(t, root)

	require.Len(t, events.events, 1)
	require.Equal(t, progress.StageTempSwept, events.events[0].Stage)
	require.Equal(t, 3, events.events[0].Count)
	require.Equal(t, int64(157), events.events[0].Bytes)
}

func TestSweepRemovesStaleEmptyDirsBottomUp(t *testing.T) {
	t.Parallel()

	r, root, _ := newTestReaper(t)
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o750))
	fresh := filepath.Join(root, "fresh")
	require.NoError(t, os.MkdirAll(fresh, 0o750))
	ageDir(t, nested, 2*time.Hour)
	ageDir(t, filepath.Join(root, "a", "b"), 2*time.Hour)
	ageDir(t, filepath.Join(root, "a"), 2*time.Hour)
	ageDir(t, fresh, time.Minute)

	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.DirsDeleted)
	require.NoDirExists(t, filepath.Join(root, "a"))
	require.DirExists(t, fresh, "a just-created working dir must survive")
}

func TestTrackedPathsIgnoreRetention(t *testing.T) {
	t.Parallel()

	r, root, _ := newTestReaper(t)
	writeFile(t, filepath.Join(root, "job", "frame_0001.png"), 20, 0)
	writeFile(t, filepath.Join(root, "job", "frame_0002.png"), 30, 0)
	writeFile(t, filepath.Join(root, "single.webp"), 5, 0)
	writeFile(t, filepath.Join(root, "keep.webp"), 5, 0)

	require.Equal(t, 2, r.Track("job", filepath.Join(root, "single.webp"), "../outside", "/etc/hosts"))

	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.FilesDeleted)
	require.Equal(t, int64(55), res.BytesFreed)
	require.NoDirExists(t, filepath.Join(root, "job"))
	require.NoFileExists(t, filepath.Join(root, "single.webp"))
	require.FileExists(t, filepath.Join(root, "keep.webp"))

	again, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, again.FilesDeleted, "tracked paths are consumed by the sweep")
}

func TestTrackedMissingPathIsNotAFailure(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestReaper(t)
	require.Equal(t, 1, r.Track("never-created"))
	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Failures)
}

func TestSweepToleratesUnremovableFiles(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	t.Parallel()

	r, root, _ := newTestReaper(t)
	locked := filepath.Join(root, "locked")
	writeFile(t, filepath.Join(locked, "stuck.png"), 1, 2*time.Hour)
	writeFile(t, filepath.Join(root, "free.png"), 1, 2*time.Hour)
	// #nosec G302 -- read-only directory makes the child undeletable.
	require.NoError(t, os.Chmod(locked, 0o500))
	t.Cleanup(func() {
		// #nosec G302 -- restore permissions for TempDir cleanup.
		_ = os.Chmod(locked, 0o750)
	})

	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.FilesDeleted)
	require.Equal(t, 1, res.Failures)
	require.NoFileExists(t, filepath.Join(root, "free.png"))
}

func TestSweepHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	r, root, _ := newTestReaper(t)
	writeFile(t, filepath.Join(root, "old.png"), 1, 2*time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Sweep(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.FileExists(t, filepath.Join(root, "old.png"))
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	t.Parallel()

	dir, err := local.Open(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	events := &eventSink{}
	r := New(dir, fixedClock{now: sweepNow}, events, Config{Retention: time.Hour, Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool {
		events.mu.Lock()
		defer events.mu.Unlock()
		return len(events.events) >= 2
	}, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
