package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/frame-progress-broker/internal/id/uuid"
	"github.com/JakeFAU/frame-progress-broker/internal/progress"
	"github.com/JakeFAU/frame-progress-broker/internal/storage/memory"
)

const waitFor = 2 * time.Second

func fastConfig() Config {
	return Config{
		PollInterval:      5 * time.Millisecond,
		ReplayDelay:       -1,
		CloseFlushDelay:   -1,
		HeartbeatInterval: time.Hour,
		PurgeDelay:        time.Hour,
		StoreErrorBackoff: 5 * time.Millisecond,
	}
}

func newTestBroker(t *testing.T, cfg Config, logger *zap.Logger) (*Broker, *memory.TaskStore, *eventRecorder) {
	t.Helper()
	st := memory.NewTaskStore(memory.TaskStoreConfig{})
	events := &eventRecorder{}
	b := New(st, uuid.New(), nil, events, nil, cfg, logger)
	t.Cleanup(b.Shutdown)
	return b, st, events
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []progress.Frame
}

func (r *frameRecorder) emit(f progress.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) snapshot() []progress.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Frame(nil), r.frames...)
}

func (r *frameRecorder) tags() []string {
	frames := r.snapshot()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func (r *frameRecorder) count(tag string) int {
	n := 0
	for _, f := range r.snapshot() {
		if f.Event == tag {
			n++
		}
	}
	return n
}

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) stage(stage progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, evt := range r.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

func subscribe(ctx context.Context, b *Broker, taskID, subscriberID string, emit EmitFunc) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, taskID, subscriberID, emit)
	}()
	return done
}

func waitStream(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("stream did not finish")
		return nil
	}
}

func waitSubscribers(t *testing.T, b *Broker, taskID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := b.Subscribers(context.Background(), taskID)
		return err == nil && got == n
	}, waitFor, time.Millisecond)
}

func decode(t *testing.T, f progress.Frame) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &out))
	return out
}
