package retry

import (
	"context"
	"errors"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newRecordingPolicy(cfg Config) (*Policy, *[]time.Duration) {
	p := New(cfg)
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestDoConnectionErrorsBackOffLinearlyAndReset(t *testing.T) {
	t.Parallel()

	resets := 0
	p, slept := newRecordingPolicy(Config{
		BaseDelay: 10 * time.Millisecond,
		Reset:     func(context.Context) { resets++ },
	})
	calls := 0
	err := p.Do(context.Background(), "append", func(context.Context) error {
		calls++
		return syscall.ECONNRESET
	})

	require.ErrorIs(t, err, syscall.ECONNRESET)
	require.Contains(t, err.Error(), "append")
	require.Equal(t, 3, calls)
	require.Equal(t, 2, resets)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *slept)
}

func TestDoOtherErrorsUseFixedDelay(t *testing.T) {
	t.Parallel()

	resets := 0
	p, slept := newRecordingPolicy(Config{
		BaseDelay: 5 * time.Millisecond,
		Reset:     func(context.Context) { resets++ },
	})
	calls := 0
	err := p.Do(context.Background(), "stat", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("syntax error")
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Zero(t, resets)
	require.Equal(t, []time.Duration{5 * time.Millisecond, 5 * time.Millisecond}, *slept)
}

func TestDoPermanentErrorStopsImmediately(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("not found")
	p, slept := newRecordingPolicy(Config{})
	calls := 0
	err := p.Do(context.Background(), "entries", func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})

	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
	require.Empty(t, *slept)
}

func TestDoContextErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	p, slept := newRecordingPolicy(Config{})
	calls := 0
	err := p.Do(context.Background(), "ping", func(context.Context) error {
		calls++
		return context.Canceled
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
	require.Empty(t, *slept)
}

func TestDoStopsWhenContextEndsDuringBackoff(t *testing.T) {
	t.Parallel()

	p := New(Config{BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, "append", func(context.Context) error {
		calls++
		return io.EOF
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestIsConnectionError(t *testing.T) {
	t.Parallel()

	require.True(t, IsConnectionError(io.EOF))
	require.True(t, IsConnectionError(syscall.ECONNREFUSED))
	require.False(t, IsConnectionError(errors.New("constraint violation")))
	require.False(t, IsConnectionError(nil))
	require.False(t, IsConnectionError(Permanent(errors.New("x"))))
}
