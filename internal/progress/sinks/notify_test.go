package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/frame-progress-broker/internal/progress"
	"github.com/JakeFAU/frame-progress-broker/internal/publisher/memory"
)

// TestNotifySinkPublishesClosedTasks ensures only terminal events become notices.
func TestNotifySinkPublishesClosedTasks(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewNotifySink(pub, "task-completions", nil)
	closedAt := time.Unix(1700000000, 0)

	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t1", TS: closedAt, Stage: progress.StageTaskCreated},
		{TaskID: "t1", TS: closedAt, Stage: progress.StageTaskClosed, Reason: progress.CloseNormal, Progress: 100},
		{TaskID: "t2", TS: closedAt, Stage: progress.StageTaskClosed, Reason: progress.CloseHeartbeatTimeout, Progress: 40},
	})
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "task-completions", msgs[0].Topic)
	require.Equal(t, CompletionNotice{
		TaskID:   "t1",
		Reason:   "NORMAL_COMPLETION",
		Progress: 100,
		ClosedAt: closedAt.UTC(),
	}, msgs[0].Payload)
	require.Equal(t, "HEARTBEAT_TIMEOUT", msgs[1].Payload.(CompletionNotice).Reason)
}

// TestNotifySinkCollectsErrors keeps publishing after a failure.
func TestNotifySinkCollectsErrors(t *testing.T) {
	t.Parallel()

	pub := &failingPublisher{}
	sink := NewNotifySink(pub, "topic", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: "a", TS: time.Now(), Stage: progress.StageTaskClosed, Reason: progress.CloseNormal},
		{TaskID: "b", TS: time.Now(), Stage: progress.StageTaskClosed, Reason: progress.CloseNormal},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "publish completion for a")
	require.Contains(t, err.Error(), "publish completion for b")
	require.Equal(t, 2, pub.calls)
}

type failingPublisher struct {
	calls int
}

func (p *failingPublisher) Publish(context.Context, string, any) (string, error) {
	p.calls++
	return "", errors.New("unavailable")
}
