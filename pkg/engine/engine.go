// Package engine defines the boundary between the session runner and the
// AI engine that actually executes turns. The runner treats an engine as a
// black box: hand it an invocation, receive an ordered stream of messages,
// observe the channel close when the invocation ends.
package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/reza/kapten/pkg/permission"
)

// ErrMissingCredentials is returned by Run when the engine has no usable
// credentials. The runner reports this as an error status without ever
// starting the engine.
var ErrMissingCredentials = errors.New("engine credentials not configured")

// Message types produced by an engine invocation.
const (
	MessageInit      = "init"      // engine session established, carries EngineSessionID
	MessageAssistant = "assistant" // model output, text or tool use
	MessageUser      = "user"      // tool results echoed back into the conversation
	MessageResult    = "result"    // terminal message, exactly one per invocation
)

// Result subtypes.
const (
	ResultSuccess = "success"
)

// Message is one element of the engine's output stream. Raw preserves the
// engine's own JSON payload so downstream consumers (transcript, UI
// broadcast) see exactly what the engine produced.
type Message struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	EngineSessionID string          `json:"engineSessionId,omitempty"`
	Text            string          `json:"text,omitempty"`
	ToolName        string          `json:"toolName,omitempty"`
	ResultText      string          `json:"result,omitempty"`
	ErrorText       string          `json:"error,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// IsSuccess reports whether a result message ended the invocation cleanly.
func (m Message) IsSuccess() bool {
	return m.Type == MessageResult && m.Subtype == ResultSuccess
}

// PromptSource supplies follow-up prompts for a running invocation. It
// blocks until a prompt is available; ok is false when the source is
// exhausted and the invocation should wind down.
type PromptSource func(ctx context.Context) (text string, ok bool)

// Invocation describes one engine run.
type Invocation struct {
	SessionID    string
	Prompt       string       // initial prompt, delivered first
	Prompts      PromptSource // follow-up prompts, may be nil
	WorkingDir   string
	ResumeMarker string // engine session ID from a prior invocation, empty for fresh
	Model        string
	SystemPrompt string
	AllowedTools []string
	Env          []string
	MCPServers   map[string]MCPServer

	// CanUseTool arbitrates tool calls. A nil hook approves everything.
	CanUseTool permission.CanUseToolFunc
}

// MCPServer describes an external MCP server the engine should launch
// for the invocation.
type MCPServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Engine runs invocations. Run returns an error only for failures that
// prevent the invocation from starting at all; everything after startup is
// reported through the message stream. The returned channel is closed when
// the invocation ends for any reason, and after a result message no further
// messages are sent. Cancelling ctx stops the invocation.
type Engine interface {
	Run(ctx context.Context, inv Invocation) (<-chan Message, error)
}
