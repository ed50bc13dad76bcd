package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/frame-progress-broker/internal/progress"
	"github.com/JakeFAU/frame-progress-broker/internal/store"
)

// EmitFunc delivers one frame to the subscriber's transport.
type EmitFunc func(progress.Frame) error

const detachTimeout = 5 * time.Second

// Subscribe streams taskID to one subscriber until the task finishes, the
// task disappears, the subscriber is evicted, or ctx is cancelled. Records
// are emitted in log order without duplicates and every path except
// cancellation and eviction ends with exactly one close frame. The returned
// error describes a failure that ended the stream with an error close.
func (b *Broker) Subscribe(ctx context.Context, taskID, subscriberID string, emit EmitFunc) (err error) {
	s := &stream{
		b:            b,
		taskID:       taskID,
		subscriberID: subscriberID,
		emit:         emit,
		log:          b.logger.With(zap.String("task_id", taskID), zap.String("subscriber_id", subscriberID)),
	}
	if w, ok := b.store.(store.Watcher); ok {
		s.watcher = w
	}

	now := b.clock.Now()
	if err := b.store.AddClient(ctx, taskID, subscriberID, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.log.Warn("subscribe to unknown task")
			if err := s.send(progress.HeartbeatFrame(now)); err != nil {
				return s.fail(ctx, err)
			}
			return s.sendClose(progress.StreamCompleted, "task not found")
		}
		return s.fail(ctx, fmt.Errorf("register subscriber: %w", err))
	}
	b.emit(progress.Event{TaskID: taskID, Stage: progress.StageSubscriberAttached})
	s.log.Info("subscriber attached")
	defer s.detach()
	defer func() {
		if r := recover(); r != nil {
			err = s.fail(ctx, fmt.Errorf("stream panic: %v", r))
		}
	}()

	if err := s.send(progress.HeartbeatFrame(now)); err != nil {
		return s.fail(ctx, err)
	}
	s.lastBeat = now

	done, err := s.replay(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}
	if done {
		return nil
	}
	return s.tail(ctx)
}

// stream is the per-subscriber state of one Subscribe call.
type stream struct {
	b            *Broker
	taskID       string
	subscriberID string
	emit         EmitFunc
	watcher      store.Watcher
	log          *zap.Logger

	cursor   int64
	lastBeat time.Time
	sent     int
	closed   bool
}

// replay emits the retained backlog and reports whether the stream is over.
func (s *stream) replay(ctx context.Context) (bool, error) {
	entries, err := s.b.store.Entries(ctx, s.taskID, 0)
	if errors.Is(err, store.ErrNotFound) {
		return true, s.sendClose(progress.StreamCompleted, "task not found")
	}
	if err != nil {
		return false, fmt.Errorf("read backlog: %w", err)
	}
	for i, entry := range entries {
		if i > 0 {
			if err := sleepContext(ctx, s.b.cfg.ReplayDelay); err != nil {
				return true, nil
			}
		}
		terminal, err := s.deliver(entry)
		if err != nil {
			return false, err
		}
		if terminal {
			if err := s.sendClose(progress.StreamCompleted, "task completed"); err != nil {
				return true, err
			}
			_ = sleepContext(ctx, s.b.cfg.CloseFlushDelay)
			return true, nil
		}
	}
	return false, nil
}

// tail follows the log until a terminal condition.
func (s *stream) tail(ctx context.Context) error {
	timer := time.NewTimer(s.b.cfg.PollInterval)
	defer timer.Stop()
	failures := 0
	for {
		wake := s.watch()
		entries, err := s.b.store.Entries(ctx, s.taskID, s.cursor)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return s.sendClose(progress.StreamCompleted, "task data purged")
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= s.b.cfg.MaxTailErrors {
				return s.fail(ctx, fmt.Errorf("tail task log: %w", err))
			}
			s.log.Warn("tail read failed", zap.Int("failures", failures), zap.Error(err))
			if sleepContext(ctx, s.b.cfg.StoreErrorBackoff) != nil {
				return nil
			}
			continue
		}
		failures = 0

		if len(entries) > 0 && entries[0].Seq > s.cursor+1 {
			skipped := entries[0].Seq - s.cursor - 1
			s.log.Warn("subscriber fell behind retained log", zap.Int64("skipped", skipped))
			s.b.emit(progress.Event{TaskID: s.taskID, Stage: progress.StageSubscriberGap, Count: int(skipped)})
		}
		for _, entry := range entries {
			terminal, err := s.deliver(entry)
			if err != nil {
				return s.fail(ctx, err)
			}
			if terminal {
				return s.sendClose(progress.StreamCompleted, "task completed")
			}
		}

		now := s.b.clock.Now()
		if len(entries) == 0 && now.Sub(s.lastBeat) >= s.b.cfg.HeartbeatInterval {
			present, err := s.b.store.HasClient(ctx, s.taskID, s.subscriberID)
			switch {
			case err != nil:
				s.log.Warn("subscriber lookup failed", zap.Error(err))
			case !present:
				return s.lost(ctx)
			default:
				if err := s.send(progress.HeartbeatFrame(now)); err != nil {
					return s.fail(ctx, err)
				}
				s.lastBeat = now
			}
		}

		present, err := s.b.store.TouchClient(ctx, s.taskID, s.subscriberID, now)
		switch {
		case err != nil:
			s.log.Warn("subscriber touch failed", zap.Error(err))
		case !present:
			return s.lost(ctx)
		}

		timer.Reset(s.b.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-timer.C:
		}
	}
}

// lost handles a missing subscriber entry: a purged task still gets its close
// frame, an evicted subscriber ends silently.
func (s *stream) lost(ctx context.Context) error {
	_, err := s.b.store.Stat(ctx, s.taskID)
	if errors.Is(err, store.ErrNotFound) {
		return s.sendClose(progress.StreamCompleted, "task data purged")
	}
	s.log.Info("subscriber evicted; ending stream")
	return nil
}

// deliver emits one entry, skipping malformed records, and reports whether
// it was the done record.
func (s *stream) deliver(entry store.Entry) (bool, error) {
	s.cursor = entry.Seq
	rec, err := progress.DecodeRecord(entry.Data)
	if err != nil {
		s.log.Error("skipping malformed record", zap.Int64("seq", entry.Seq), zap.Error(err))
		return false, nil
	}
	if err := s.send(progress.RecordFrame(entry.Seq, rec, entry.Data)); err != nil {
		return false, err
	}
	return rec.IsDone(), nil
}

func (s *stream) send(f progress.Frame) error {
	if err := s.emit(f); err != nil {
		return fmt.Errorf("emit %s frame: %w", f.Event, err)
	}
	s.sent++
	return nil
}

func (s *stream) sendClose(reason progress.StreamCloseReason, message string) error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.send(progress.CloseFrame(s.b.clock.Now(), reason, message))
}

// fail ends the stream after an unexpected error. A cancelled context means
// the transport is gone, so no close frame is attempted.
func (s *stream) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		s.log.Debug("stream ended by disconnect", zap.Error(err))
		return nil
	}
	s.log.Error("stream failed", zap.Error(err))
	if cerr := s.sendClose(progress.StreamError, "stream error"); cerr != nil {
		s.log.Debug("error close not delivered", zap.Error(cerr))
	}
	return err
}

func (s *stream) watch() <-chan struct{} {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Watch(s.taskID)
}

// detach removes the subscriber entry; failures are only logged.
func (s *stream) detach() {
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	if err := s.b.store.RemoveClient(ctx, s.taskID, s.subscriberID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("subscriber detach failed", zap.Error(err))
	}
	s.b.emit(progress.Event{TaskID: s.taskID, Stage: progress.StageSubscriberDetached})
	s.log.Info("subscriber detached", zap.Int("frames", s.sent), zap.Int64("cursor", s.cursor))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
