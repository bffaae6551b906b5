package cron

import "time"

// ScheduleKind represents the type of schedule
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule represents a time specification for job execution
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// For "at" schedule
	At string `json:"at,omitempty"` // ISO 8601 timestamp

	// For "every" schedule
	EveryMs  int64  `json:"everyMs,omitempty"`  // Interval in milliseconds
	AnchorMs *int64 `json:"anchorMs,omitempty"` // Optional anchor point

	// For "cron" schedule
	Expr string `json:"expr,omitempty"` // Cron expression (5-field format)
	TZ   string `json:"tz,omitempty"`   // Optional timezone
}

// SessionSpec describes the session a job launches when it fires.
// A non-empty SessionID resumes that stored session; otherwise each
// run starts a fresh one.
type SessionSpec struct {
	Prompt       string   `json:"prompt"`
	SessionID    string   `json:"sessionId,omitempty"`
	Title        string   `json:"title,omitempty"`
	WorkingDir   string   `json:"workingDir,omitempty"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
}

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAtMs       *int64 `json:"nextRunAtMs,omitempty"`       // When to run next
	RunningAtMs       *int64 `json:"runningAtMs,omitempty"`       // When started (if running)
	LastRunAtMs       *int64 `json:"lastRunAtMs,omitempty"`       // When last triggered
	LastStatus        string `json:"lastStatus,omitempty"`        // "ok", "error", or "skipped"
	LastError         string `json:"lastError,omitempty"`         // Last error message
	LastDurationMs    *int64 `json:"lastDurationMs,omitempty"`    // Last trigger duration
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"` // Sequential failure count
}

// Job represents a scheduled session launch
type Job struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	Enabled        bool        `json:"enabled"`
	DeleteAfterRun bool        `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64       `json:"createdAtMs"`
	UpdatedAtMs    int64       `json:"updatedAtMs"`
	Schedule       Schedule    `json:"schedule"`
	Session        SessionSpec `json:"session"`
	State          JobState    `json:"state"`
}

// AddParams contains parameters for creating a job
type AddParams struct {
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	Enabled        bool        `json:"enabled"`
	DeleteAfterRun bool        `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule    `json:"schedule"`
	Session        SessionSpec `json:"session"`
}

// JobPatch contains fields that can be updated
type JobPatch struct {
	Name           *string      `json:"name,omitempty"`
	Description    *string      `json:"description,omitempty"`
	Enabled        *bool        `json:"enabled,omitempty"`
	DeleteAfterRun *bool        `json:"deleteAfterRun,omitempty"`
	Schedule       *Schedule    `json:"schedule,omitempty"`
	Session        *SessionSpec `json:"session,omitempty"`
}

// EventAction represents the type of event
type EventAction string

const (
	EventActionFired   EventAction = "fired"
	EventActionAdded   EventAction = "added"
	EventActionUpdated EventAction = "updated"
	EventActionDeleted EventAction = "deleted"
)

// Event represents a scheduler event
type Event struct {
	Action      EventAction `json:"action"`
	JobID       string      `json:"jobId"`
	Status      string      `json:"status,omitempty"`      // "ok", "error", or "skipped"
	Error       string      `json:"error,omitempty"`       // Error message if failed
	SessionID   string      `json:"sessionId,omitempty"`   // Session launched by the run
	DurationMs  *int64      `json:"durationMs,omitempty"`  // Trigger duration
	NextRunAtMs *int64      `json:"nextRunAtMs,omitempty"` // Next scheduled run
}

// RunMode specifies how to run a job manually
type RunMode string

const (
	RunModeDue   RunMode = "due"
	RunModeForce RunMode = "force"
)

// StartFunc launches a session for a job and returns the session id.
// Implementations route through the orchestrator's public API.
type StartFunc func(job *Job) (string, error)

// ServiceOptions configures the scheduler service
type ServiceOptions struct {
	StorePath    string           // Path to jobs.json
	Enabled      bool             // Master enable flag
	StartSession StartFunc        // Callback that launches the job's session
	OnEvent      func(evt Event)  // Event callback
}

// Now returns current time in milliseconds
func Now() int64 {
	return time.Now().UnixMilli()
}

// Int64Ptr returns a pointer to an int64 value
func Int64Ptr(v int64) *int64 {
	return &v
}

// StringPtr returns a pointer to a string value
func StringPtr(v string) *string {
	return &v
}

// BoolPtr returns a pointer to a bool value
func BoolPtr(v bool) *bool {
	return &v
}
