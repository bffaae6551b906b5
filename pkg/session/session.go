// Package session persists session records and transcripts. The runner
// never touches storage itself; callers feed its session updates and
// events into this package.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is one logical conversation, possibly spanning multiple engine
// invocations via resume.
type Session struct {
	ID              string    `json:"id"`
	Title           string    `json:"title,omitempty"`
	EngineSessionID string    `json:"engineSessionId,omitempty"`
	Status          string    `json:"status"`
	Cwd             string    `json:"cwd"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// NewID generates a session identifier. Fresh session IDs are handed to
// the engine CLI via --session-id, which only accepts UUIDs, so the ID
// must be a UUID rather than an arbitrary unique string.
func NewID() string {
	return uuid.NewString()
}
