package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/JakeFAU/frame-progress-broker/internal/clock/system"
)

// Stream event tags.
const (
	EventProgress  = "webp"
	EventHeartbeat = "heartbeat"
	EventClose     = "close"
)

// StreamCloseReason is carried in the payload of a close frame.
type StreamCloseReason string

// Close frame reasons.
const (
	StreamCompleted StreamCloseReason = "completed"
	StreamError     StreamCloseReason = "error"
)

// Frame is one message delivered to a subscriber.
type Frame struct {
	// Event is the stream tag: "webp", "heartbeat", "close", or a custom type.
	Event string
	// ID is the record sequence number for record frames, empty otherwise.
	ID string
	// Data is the JSON payload.
	Data json.RawMessage
}

// RecordFrame renders a stored record. Progress records are sent verbatim;
// custom events send their data field under the event's own tag.
func RecordFrame(seq int64, rec Record, raw []byte) Frame {
	id := strconv.FormatInt(seq, 10)
	if rec.Event != nil {
		data := rec.Event.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		return Frame{Event: rec.Event.EventType, ID: id, Data: data}
	}
	return Frame{Event: EventProgress, ID: id, Data: json.RawMessage(raw)}
}

// HeartbeatFrame builds a keep-alive frame.
func HeartbeatFrame(at time.Time) Frame {
	return mustFrame(EventHeartbeat, struct {
		Timestamp float64 `json:"timestamp"`
	}{Timestamp: system.Unix(at)})
}

// CloseFrame builds the terminal frame of a stream.
func CloseFrame(at time.Time, reason StreamCloseReason, message string) Frame {
	return mustFrame(EventClose, struct {
		Timestamp float64           `json:"timestamp"`
		Message   string            `json:"message"`
		Reason    StreamCloseReason `json:"reason"`
	}{Timestamp: system.Unix(at), Message: message, Reason: reason})
}

// MarshalSSE renders the frame in Server-Sent Events wire format.
func (f Frame) MarshalSSE() []byte {
	var buf bytes.Buffer
	if f.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", f.ID)
	}
	fmt.Fprintf(&buf, "event: %s\n", f.Event)
	for _, line := range bytes.Split(f.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// MarshalJSON renders the frame as {"event","id","data"} for message-oriented
// transports such as WebSocket.
func (f Frame) MarshalJSON() ([]byte, error) {
	data := f.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	out, err := json.Marshal(struct {
		Event string          `json:"event"`
		ID    string          `json:"id,omitempty"`
		Data  json.RawMessage `json:"data"`
	}{Event: f.Event, ID: f.ID, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return out, nil
}

func mustFrame(event string, payload any) Frame {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("marshal %s frame: %v", event, err))
	}
	return Frame{Event: event, Data: data}
}
