package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/frame-progress-broker/internal/progress"
)

// Publisher delivers a JSON-serializable payload to a topic and returns the
// message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// CompletionNotice is published once per task when it reaches a terminal
// state.
type CompletionNotice struct {
	TaskID   string    `json:"task_id"`
	Reason   string    `json:"reason"`
	Progress float64   `json:"progress"`
	ClosedAt time.Time `json:"closed_at"`
}

// NotifySink publishes a CompletionNotice for every StageTaskClosed event so
// downstream services can react without holding a stream open.
type NotifySink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink returns a sink publishing to topic.
func NewNotifySink(publisher Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes closed-task notices and ignores every other stage. All
// publish failures are collected and returned together.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageTaskClosed {
			continue
		}
		notice := CompletionNotice{
			TaskID:   evt.TaskID,
			Reason:   string(evt.Reason),
			Progress: evt.Progress,
			ClosedAt: evt.TS.UTC(),
		}
		id, err := s.publisher.Publish(ctx, s.topic, notice)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish completion for %s: %w", evt.TaskID, err))
			continue
		}
		s.logger.Debug("completion notice published", zap.String("task_id", evt.TaskID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
