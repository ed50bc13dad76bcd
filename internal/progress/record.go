package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidProgress reports a progress value outside 0–100.
	ErrInvalidProgress = errors.New("progress must be between 0 and 100")
	// ErrInvalidEvent reports a custom event without a usable event type.
	ErrInvalidEvent = errors.New("invalid event")
)

// ProgressRecord is the stored shape of a progress update. CurrentFrame and
// TotalFrames are omitted from the JSON when unset.
type ProgressRecord struct {
	Progress     float64 `json:"progress"`
	Message      string  `json:"message"`
	Stage        string  `json:"stage"`
	CurrentFrame *int    `json:"current_frame,omitempty"`
	TotalFrames  *int    `json:"total_frames,omitempty"`
	Timestamp    float64 `json:"timestamp"`
	IsDone       bool    `json:"is_done"`
}

// Validate checks the progress range.
func (r ProgressRecord) Validate() error {
	if r.Progress < 0 || r.Progress > 100 {
		return fmt.Errorf("%w: got %v", ErrInvalidProgress, r.Progress)
	}
	return nil
}

// EventRecord is the stored shape of a custom event such as "webp_result".
type EventRecord struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
	// TempPaths names temporary artifacts the event makes reclaimable. They are
	// handed to the reaper and never streamed.
	TempPaths []string `json:"temp_paths,omitempty"`
}

// Validate checks that the event carries a usable tag.
func (r EventRecord) Validate() error {
	name := strings.TrimSpace(r.EventType)
	if name == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("%w: event_type must be a single line", ErrInvalidEvent)
	}
	switch name {
	case EventHeartbeat, EventClose:
		return fmt.Errorf("%w: event_type %q is reserved", ErrInvalidEvent, name)
	}
	return nil
}

// Record is a decoded log entry; exactly one of Progress or Event is set.
type Record struct {
	Progress *ProgressRecord
	Event    *EventRecord
}

// IsDone reports whether the record is the terminal progress record.
func (r Record) IsDone() bool {
	return r.Progress != nil && r.Progress.IsDone
}

// DecodeRecord classifies raw JSON: documents carrying event_type are custom
// events, documents carrying progress are progress records, anything else is
// malformed.
func DecodeRecord(data []byte) (Record, error) {
	var probe struct {
		EventType *string          `json:"event_type"`
		Progress  *json.RawMessage `json:"progress"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	switch {
	case probe.EventType != nil:
		var evt EventRecord
		if err := json.Unmarshal(data, &evt); err != nil {
			return Record{}, fmt.Errorf("decode event record: %w", err)
		}
		if err := evt.Validate(); err != nil {
			return Record{}, fmt.Errorf("decode event record: %w", err)
		}
		return Record{Event: &evt}, nil
	case probe.Progress != nil:
		var rec ProgressRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return Record{}, fmt.Errorf("decode progress record: %w", err)
		}
		return Record{Progress: &rec}, nil
	default:
		return Record{}, errors.New("decode record: neither progress nor event_type present")
	}
}
