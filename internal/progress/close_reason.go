package progress

import "strings"

// CloseReason explains why a task was closed. It only changes how the close is
// logged and reported; every reason seals the log the same way.
type CloseReason string

// Close reasons accepted by the lifecycle controller.
const (
	CloseNormal           CloseReason = "NORMAL_COMPLETION"
	CloseError            CloseReason = "ERROR_OCCURRED"
	CloseHeartbeatTimeout CloseReason = "HEARTBEAT_TIMEOUT"
)

// ParseCloseReason maps client-supplied strings onto a CloseReason. Unknown
// and empty values mean normal completion. TASK_COMPLETED and the lower-case
// stream forms (completed, error, timeout) are accepted as aliases.
func ParseCloseReason(s string) CloseReason {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(CloseError), "ERROR":
		return CloseError
	case string(CloseHeartbeatTimeout), "TIMEOUT":
		return CloseHeartbeatTimeout
	default:
		return CloseNormal
	}
}

// Abnormal reports whether the close should be logged as a warning.
func (r CloseReason) Abnormal() bool {
	return r == CloseError || r == CloseHeartbeatTimeout
}
