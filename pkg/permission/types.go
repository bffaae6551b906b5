package permission

import (
	"context"
	"time"
)

// Behavior is the outcome class of a permission decision.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Deny reasons distinguish "user said no" from "no one answered" and
// "the invocation went away".
const (
	ReasonTimeout = "timeout"
	ReasonAborted = "aborted"
	ReasonDenied  = "denied"
)

// Decision is produced for every tool-use request the engine surfaces.
type Decision struct {
	Behavior Behavior       `json:"behavior"`
	Input    map[string]any `json:"updatedInput,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// Allow builds an allow decision carrying the effective tool input.
func Allow(input map[string]any) Decision {
	return Decision{Behavior: BehaviorAllow, Input: input}
}

// Deny builds a deny decision with a reason code.
func Deny(reason string) Decision {
	return Decision{Behavior: BehaviorDeny, Reason: reason}
}

// Request describes a tool confirmation waiting for a user decision.
type Request struct {
	ID        string         `json:"requestId"`
	SessionID string         `json:"sessionId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// Forwarder delivers confirmation requests to whoever can answer them
// (in this repo, the gateway broadcasting to desktop clients).
type Forwarder interface {
	ForwardRequest(ctx context.Context, req Request) error
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, req Request) error

// ForwardRequest implements Forwarder.
func (f ForwarderFunc) ForwardRequest(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// CanUseToolFunc is the hook handed to the engine invocation. It is called
// before every tool execution and always terminates in a decision.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any) Decision
