package runner

import (
	"time"

	"github.com/reza/kapten/pkg/engine"
	"github.com/reza/kapten/pkg/permission"
)

// Session status values. A session is idle until started, running while an
// engine invocation is active, and completed or error once the invocation
// reaches a terminal result. Abort returns an unfinished session to idle so
// it can be resumed.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status ends the current invocation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Event types emitted to the sink.
const (
	EventStreamMessage     = "stream.message"
	EventPermissionRequest = "permission.request"
	EventSessionStatus     = "session.status"
)

// Event is one externally observable occurrence in a session. Exactly one
// of Message, Request, or Status carries the payload, matching Type.
type Event struct {
	Type      string              `json:"type"`
	SessionID string              `json:"sessionId"`
	Timestamp time.Time           `json:"timestamp"`
	Message   *engine.Message     `json:"message,omitempty"`
	Request   *permission.Request `json:"request,omitempty"`
	Status    Status              `json:"status,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// EventSink receives session events in emission order. Sinks must not
// block; slow consumers should buffer on their side.
type EventSink func(Event)

// SessionUpdate notifies the caller of changes to the session record it
// owns.
type SessionUpdate struct {
	SessionID       string
	EngineSessionID string
	Status          Status
}
