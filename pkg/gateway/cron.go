package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/reza/kapten/pkg/cron"
	"github.com/reza/kapten/pkg/runner"
	"github.com/reza/kapten/pkg/session"
)

// AttachCron connects a scheduler service to the gateway and registers the
// cron.* RPCs. Call before Start.
func (s *Server) AttachCron(svc *cron.Service) {
	s.cron = svc
	s.registerCronMethods()
}

// StartScheduledSession launches the session a scheduler job describes. It
// is the scheduler's StartSession callback, so fired jobs go through the
// same store, orchestrator, and event plumbing as client-started sessions.
func (s *Server) StartScheduledSession(job *cron.Job) (string, error) {
	spec := job.Session

	var sess session.Session
	var err error
	if spec.SessionID != "" {
		sess, err = s.store.Get(spec.SessionID)
		if err != nil {
			return "", fmt.Errorf("scheduled session lookup: %w", err)
		}
	} else {
		sess, err = s.store.Create(session.Session{
			Title: firstNonEmpty(spec.Title, job.Name),
			Cwd:   firstNonEmpty(spec.WorkingDir, s.defaults.WorkingDir),
		})
		if err != nil {
			return "", fmt.Errorf("scheduled session create: %w", err)
		}
	}

	allowedTools := spec.AllowedTools
	if len(allowedTools) == 0 {
		allowedTools = s.defaults.AllowedTools
	}

	handle, err := s.orchestrator.Start(runner.StartOptions{
		SessionID:       sess.ID,
		Prompt:          spec.Prompt,
		WorkingDir:      firstNonEmpty(spec.WorkingDir, sess.Cwd, s.defaults.WorkingDir),
		ResumeSessionID: sess.EngineSessionID,
		Model:           firstNonEmpty(spec.Model, s.defaults.Model),
		SystemPrompt:    firstNonEmpty(spec.SystemPrompt, s.defaults.SystemPrompt),
		AllowedTools:    allowedTools,
		Env:             s.defaults.Env,
		MCPServers:      s.defaults.MCPServers,
		OnEvent:         s.sessionEventSink(sess.ID),
		OnSessionUpdate: s.sessionUpdateSink(),
	})
	if err != nil {
		return "", err
	}
	return handle.SessionID(), nil
}

// BroadcastCronEvent publishes scheduler events on the lifecycle stream.
func (s *Server) BroadcastCronEvent(evt cron.Event) {
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:  "cron." + string(evt.Action),
		Stream: StreamTypeLifecycle,
		Data:   evt,
	})
}

func (s *Server) registerCronMethods() {
	_ = s.router.RegisterMethod("cron.add", func(params map[string]any) (any, error) {
		var p cron.AddParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		job, err := s.cron.AddJob(p)
		if err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
		}
		return job, nil
	})

	_ = s.router.RegisterMethod("cron.update", func(params map[string]any) (any, error) {
		jobID, err := stringParam(params, "jobId")
		if err != nil {
			return nil, err
		}
		var patch cron.JobPatch
		if err := decodeParams(params, &patch); err != nil {
			return nil, err
		}
		job, err := s.cron.UpdateJob(jobID, patch)
		if err != nil {
			return nil, cronError(err)
		}
		return job, nil
	})

	_ = s.router.RegisterMethod("cron.remove", func(params map[string]any) (any, error) {
		jobID, err := stringParam(params, "jobId")
		if err != nil {
			return nil, err
		}
		if err := s.cron.RemoveJob(jobID); err != nil {
			return nil, cronError(err)
		}
		return map[string]bool{"removed": true}, nil
	})

	_ = s.router.RegisterMethod("cron.run", func(params map[string]any) (any, error) {
		jobID, err := stringParam(params, "jobId")
		if err != nil {
			return nil, err
		}
		mode := cron.RunMode(optionalString(params, "mode", string(cron.RunModeForce)))
		if mode != cron.RunModeDue && mode != cron.RunModeForce {
			return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid mode: %s", mode)}
		}
		if err := s.cron.RunJob(jobID, mode); err != nil {
			return nil, cronError(err)
		}
		return map[string]bool{"triggered": true}, nil
	})

	_ = s.router.RegisterMethod("cron.list", func(params map[string]any) (any, error) {
		var enabled *bool
		if v, ok := params["enabled"].(bool); ok {
			enabled = &v
		}
		return map[string]any{"jobs": s.cron.ListJobs(enabled)}, nil
	})

	_ = s.router.RegisterMethod("cron.get", func(params map[string]any) (any, error) {
		jobID, err := stringParam(params, "jobId")
		if err != nil {
			return nil, err
		}
		job := s.cron.GetJob(jobID)
		if job == nil {
			return nil, &RPCError{Code: NotFound, Message: fmt.Sprintf("job not found: %s", jobID)}
		}
		return job, nil
	})
}

// decodeParams round-trips loosely typed RPC params into a concrete struct.
func decodeParams(params map[string]any, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return nil
}

func cronError(err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if strings.Contains(err.Error(), "not found") {
		return &RPCError{Code: NotFound, Message: err.Error()}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}
