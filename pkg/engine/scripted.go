package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/reza/kapten/pkg/permission"
)

// ToolCall is a tool invocation a scripted turn performs before producing
// its assistant output.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// ScriptedTurn is the engine's behavior for one user prompt.
type ScriptedTurn struct {
	ToolCalls []ToolCall
	Assistant []string // each entry becomes one assistant message
}

// ScriptedEngine is a deterministic in-process Engine for tests. Turn N
// answers prompt N; the invocation ends with a result message once the
// prompt source is exhausted, or hangs until cancellation when
// BlockAfterTurns is set.
type ScriptedEngine struct {
	EngineSessionID string
	Turns           []ScriptedTurn
	ResultSubtype   string // defaults to "success"
	ResultText      string
	StartErr        error
	BlockAfterTurns bool

	mu          sync.Mutex
	invocations []Invocation
}

// Invocations returns a copy of every invocation Run has received.
func (s *ScriptedEngine) Invocations() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Invocation, len(s.invocations))
	copy(out, s.invocations)
	return out
}

func (s *ScriptedEngine) Run(ctx context.Context, inv Invocation) (<-chan Message, error) {
	if s.StartErr != nil {
		return nil, s.StartErr
	}

	s.mu.Lock()
	s.invocations = append(s.invocations, inv)
	s.mu.Unlock()

	out := make(chan Message, 16)
	go s.play(ctx, inv, out)
	return out, nil
}

func (s *ScriptedEngine) play(ctx context.Context, inv Invocation, out chan<- Message) {
	defer close(out)

	sessionID := s.EngineSessionID
	if sessionID == "" {
		sessionID = "scripted-" + inv.SessionID
	}

	if !s.send(ctx, out, Message{
		Type:            MessageInit,
		Subtype:         "init",
		EngineSessionID: sessionID,
		Raw:             rawJSON(map[string]any{"type": "system", "subtype": "init", "session_id": sessionID}),
	}) {
		return
	}

	for turn := 0; turn < len(s.Turns); turn++ {
		// Each turn consumes one prompt: the invocation's own prompt
		// first, then the prompt source. A closed source ends the
		// conversation early.
		if turn > 0 || inv.Prompt == "" {
			if inv.Prompts == nil {
				break
			}
			if _, ok := inv.Prompts(ctx); !ok {
				break
			}
		}
		script := s.Turns[turn]

		for _, call := range script.ToolCalls {
			decision := permission.Allow(call.Input)
			if inv.CanUseTool != nil {
				decision = inv.CanUseTool(ctx, call.Name, call.Input)
			}
			if ctx.Err() != nil {
				return
			}
			if !s.send(ctx, out, Message{
				Type:            MessageAssistant,
				EngineSessionID: sessionID,
				ToolName:        call.Name,
				Raw:             rawJSON(map[string]any{"type": "assistant", "tool": call.Name}),
			}) {
				return
			}
			if !s.send(ctx, out, Message{
				Type:            MessageUser,
				EngineSessionID: sessionID,
				Raw: rawJSON(map[string]any{
					"type": "user", "tool": call.Name, "behavior": string(decision.Behavior),
				}),
			}) {
				return
			}
		}

		for _, text := range script.Assistant {
			if !s.send(ctx, out, Message{
				Type:            MessageAssistant,
				EngineSessionID: sessionID,
				Text:            text,
				Raw:             rawJSON(map[string]any{"type": "assistant", "text": text}),
			}) {
				return
			}
		}
	}

	if s.BlockAfterTurns {
		<-ctx.Done()
		return
	}

	subtype := s.ResultSubtype
	if subtype == "" {
		subtype = ResultSuccess
	}
	result := Message{
		Type:            MessageResult,
		Subtype:         subtype,
		EngineSessionID: sessionID,
		ResultText:      s.ResultText,
		Raw:             rawJSON(map[string]any{"type": "result", "subtype": subtype}),
	}
	if subtype != ResultSuccess {
		result.ErrorText = fmt.Sprintf("engine finished with %s", subtype)
	}
	s.send(ctx, out, result)
}

func (s *ScriptedEngine) send(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func rawJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
