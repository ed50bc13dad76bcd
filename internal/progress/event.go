package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone an Event reports.
type Stage string

// Lifecycle stages emitted by the broker and the reaper.
const (
	StageTaskCreated        Stage = "TASK_CREATED"
	StageRecordAppended     Stage = "RECORD_APPENDED"
	StageTaskClosed         Stage = "TASK_CLOSED"
	StageTaskPurged         Stage = "TASK_PURGED"
	StageSubscriberAttached Stage = "SUBSCRIBER_ATTACHED"
	StageSubscriberDetached Stage = "SUBSCRIBER_DETACHED"
	StageSubscriberGap      Stage = "SUBSCRIBER_GAP"
	StageTasksExpired       Stage = "TASKS_EXPIRED"
	StageClientsEvicted     Stage = "CLIENTS_EVICTED"
	StageTempSwept          Stage = "TEMP_SWEPT"
)

// Record kinds reported on StageRecordAppended.
const (
	KindProgress = "progress"
	KindEvent    = "event"
)

// Event is an observability record describing something the broker did. It is
// distinct from the records streamed to subscribers.
type Event struct {
	// TaskID scopes task and subscriber stages; empty for sweep stages.
	TaskID string
	// TS is the UTC time the milestone happened.
	TS time.Time
	// Stage is the milestone.
	Stage Stage
	// Kind is KindProgress or KindEvent for appended records.
	Kind string
	// EventType carries the custom event tag for KindEvent appends.
	EventType string
	// Reason is set on StageTaskClosed.
	Reason CloseReason
	// Progress is the last known percentage on StageTaskClosed.
	Progress float64
	// Count holds sweep totals or the number of records skipped by a gap.
	Count int
	// Bytes holds bytes freed by a temp sweep.
	Bytes int64
	// Note carries low-volume context such as an error string.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTasksExpired, StageClientsEvicted, StageTempSwept:
		if e.Count < 0 {
			return errors.New("count must be >= 0")
		}
		return nil
	case StageTaskCreated, StageTaskPurged, StageSubscriberAttached, StageSubscriberDetached, StageSubscriberGap:
	case StageRecordAppended:
		if e.Kind != KindProgress && e.Kind != KindEvent {
			return fmt.Errorf("unknown record kind %q", e.Kind)
		}
	case StageTaskClosed:
		if e.Reason == "" {
			return errors.New("task closed requires reason")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	return nil
}
