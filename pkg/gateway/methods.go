package gateway

import (
	"errors"
	"fmt"

	"github.com/reza/kapten/pkg/permission"
	"github.com/reza/kapten/pkg/runner"
	"github.com/reza/kapten/pkg/session"
)

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s is required", key)}
	}
	return v, nil
}

func optionalString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// registerSessionMethods wires the session lifecycle RPCs.
func (s *Server) registerSessionMethods() {
	_ = s.router.RegisterMethod("session.start", s.handleSessionStart)

	_ = s.router.RegisterMethod("session.input", func(params map[string]any) (any, error) {
		sessionID, err := stringParam(params, "sessionId")
		if err != nil {
			return nil, err
		}
		text, err := stringParam(params, "text")
		if err != nil {
			return nil, err
		}
		if err := s.orchestrator.AddUserInput(sessionID, text); err != nil {
			return nil, &RPCError{Code: NotFound, Message: err.Error()}
		}
		return map[string]bool{"queued": true}, nil
	})

	_ = s.router.RegisterMethod("session.abort", func(params map[string]any) (any, error) {
		sessionID, err := stringParam(params, "sessionId")
		if err != nil {
			return nil, err
		}
		s.orchestrator.Abort(sessionID)
		return map[string]bool{"aborted": true}, nil
	})

	_ = s.router.RegisterMethod("session.list", func(params map[string]any) (any, error) {
		sessions, err := s.store.List()
		if err != nil {
			return nil, err
		}
		active := make(map[string]bool)
		for _, id := range s.orchestrator.ActiveSessions() {
			active[id] = true
		}
		type listed struct {
			session.Session
			Active bool `json:"active"`
		}
		out := make([]listed, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, listed{Session: sess, Active: active[sess.ID]})
		}
		return map[string]any{"sessions": out}, nil
	})

	_ = s.router.RegisterMethod("session.get", func(params map[string]any) (any, error) {
		sessionID, err := stringParam(params, "sessionId")
		if err != nil {
			return nil, err
		}
		sess, err := s.store.Get(sessionID)
		if errors.Is(err, session.ErrNotFound) {
			return nil, &RPCError{Code: NotFound, Message: err.Error()}
		}
		if err != nil {
			return nil, err
		}
		return sess, nil
	})

	_ = s.router.RegisterMethod("session.transcript", func(params map[string]any) (any, error) {
		sessionID, err := stringParam(params, "sessionId")
		if err != nil {
			return nil, err
		}
		entries, err := s.transcripts.Read(sessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": entries}, nil
	})

	_ = s.router.RegisterMethod("session.delete", func(params map[string]any) (any, error) {
		sessionID, err := stringParam(params, "sessionId")
		if err != nil {
			return nil, err
		}
		if _, running := s.orchestrator.Handle(sessionID); running {
			return nil, &RPCError{Code: SessionConflict, Message: "session is running, abort it first"}
		}
		if err := s.store.Delete(sessionID); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return nil, &RPCError{Code: NotFound, Message: err.Error()}
			}
			return nil, err
		}
		if err := s.transcripts.Remove(sessionID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to remove transcript")
		}
		return map[string]bool{"deleted": true}, nil
	})
}

// handleSessionStart creates or resumes a session and launches its engine
// invocation. Events flow back to clients as broadcasts and into the
// transcript.
func (s *Server) handleSessionStart(params map[string]any) (any, error) {
	prompt, err := stringParam(params, "prompt")
	if err != nil {
		return nil, err
	}

	var sess session.Session
	if sessionID, ok := params["sessionId"].(string); ok && sessionID != "" {
		sess, err = s.store.Get(sessionID)
		if errors.Is(err, session.ErrNotFound) {
			return nil, &RPCError{Code: NotFound, Message: err.Error()}
		}
		if err != nil {
			return nil, err
		}
	} else {
		sess, err = s.store.Create(session.Session{
			Title: optionalString(params, "title", ""),
			Cwd:   optionalString(params, "cwd", s.defaults.WorkingDir),
		})
		if err != nil {
			return nil, err
		}
	}

	handle, err := s.orchestrator.Start(runner.StartOptions{
		SessionID:       sess.ID,
		Prompt:          prompt,
		WorkingDir:      optionalString(params, "cwd", firstNonEmpty(sess.Cwd, s.defaults.WorkingDir)),
		ResumeSessionID: sess.EngineSessionID,
		Model:           optionalString(params, "model", s.defaults.Model),
		SystemPrompt:    s.defaults.SystemPrompt,
		AllowedTools:    s.defaults.AllowedTools,
		Env:             s.defaults.Env,
		MCPServers:      s.defaults.MCPServers,
		OnEvent:         s.sessionEventSink(sess.ID),
		OnSessionUpdate: s.sessionUpdateSink(),
	})
	if errors.Is(err, runner.ErrSessionRunning) {
		return nil, &RPCError{Code: SessionConflict, Message: err.Error()}
	}
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"sessionId": handle.SessionID(),
		"status":    string(handle.Status()),
		"resumed":   sess.EngineSessionID != "",
	}, nil
}

// sessionEventSink broadcasts runner events to clients and appends them to
// the session transcript, preserving emission order.
func (s *Server) sessionEventSink(sessionID string) runner.EventSink {
	return func(event runner.Event) {
		stream := StreamTypeSession
		if event.Type == runner.EventPermissionRequest {
			stream = StreamTypePermission
		}

		s.broadcaster.BroadcastTyped(EventMessage{
			Event:     event.Type,
			Stream:    stream,
			SessionID: sessionID,
			Data:      event,
		})

		if err := s.transcripts.Append(sessionID, event); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to append transcript entry")
		}
	}
}

// sessionUpdateSink persists runner session updates.
func (s *Server) sessionUpdateSink() func(runner.SessionUpdate) {
	return func(u runner.SessionUpdate) {
		if err := s.store.UpdateRun(u.SessionID, u.EngineSessionID, string(u.Status)); err != nil {
			s.logger.Warn().Err(err).Str("session_id", u.SessionID).Msg("Failed to persist session update")
		}
	}
}

// registerPermissionMethods wires the tool confirmation RPCs.
func (s *Server) registerPermissionMethods() {
	_ = s.router.RegisterMethod("permission.resolve", func(params map[string]any) (any, error) {
		requestID, err := stringParam(params, "requestId")
		if err != nil {
			return nil, err
		}
		behavior, err := stringParam(params, "behavior")
		if err != nil {
			return nil, err
		}

		var decision permission.Decision
		switch permission.Behavior(behavior) {
		case permission.BehaviorAllow:
			input, _ := params["updatedInput"].(map[string]any)
			decision = permission.Allow(input)
		case permission.BehaviorDeny:
			decision = permission.Deny(optionalString(params, "reason", ""))
		default:
			return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid behavior: %s", behavior)}
		}

		if err := s.orchestrator.ResolvePermission(requestID, decision); err != nil {
			if errors.Is(err, permission.ErrNotFound) {
				return nil, &RPCError{Code: NotFound, Message: err.Error()}
			}
			return nil, err
		}
		return map[string]bool{"resolved": true}, nil
	})

	_ = s.router.RegisterMethod("permission.list", func(params map[string]any) (any, error) {
		sessionID, err := stringParam(params, "sessionId")
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"pending": s.orchestrator.PendingPermissions(sessionID),
		}, nil
	})
}

// registerClientMethods wires introspection RPCs.
func (s *Server) registerClientMethods() {
	_ = s.router.RegisterMethod("clients.list", func(params map[string]any) (any, error) {
		return map[string]any{"clients": s.GetConnectedClients()}, nil
	})

	_ = s.router.RegisterMethod("methods.list", func(params map[string]any) (any, error) {
		return map[string]any{"methods": s.router.GetMethods()}, nil
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
