// Package runner owns the per-session lifecycle: it wires an input queue
// and the permission broker to one streaming engine invocation, demuxes the
// engine's message stream into status transitions and events, and tears the
// whole arrangement down cleanly on abort.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/reza/kapten/internal/observability"
	"github.com/reza/kapten/internal/tracing"
	"github.com/reza/kapten/pkg/engine"
	"github.com/reza/kapten/pkg/inputqueue"
	"github.com/reza/kapten/pkg/permission"
)

// ErrSessionRunning is returned by Start when the session already has an
// active invocation. One invocation per session at a time.
var ErrSessionRunning = errors.New("session already running")

// StartOptions describes one invocation start.
type StartOptions struct {
	SessionID string
	Prompt    string

	WorkingDir string
	// ResumeSessionID is the engine session ID of a prior invocation.
	// Empty starts a fresh engine conversation.
	ResumeSessionID string
	Model           string
	SystemPrompt    string
	AllowedTools    []string
	Env             []string
	MCPServers      map[string]engine.MCPServer

	OnEvent EventSink
	// OnSessionUpdate is invoked when the engine session ID is captured
	// and on every status change. Optional.
	OnSessionUpdate func(SessionUpdate)
}

// Orchestrator runs sessions. Sessions proceed fully independently; the
// only shared state is the registry of active handles.
type Orchestrator struct {
	engine engine.Engine
	broker *permission.Broker
	log    zerolog.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

func New(eng engine.Engine, broker *permission.Broker, log zerolog.Logger) *Orchestrator {
	observability.EnsureRegistered()
	return &Orchestrator{
		engine: eng,
		broker: broker,
		log:    log,
		active: make(map[string]*Handle),
	}
}

// Start launches one engine invocation for the session and returns a
// handle immediately; the message stream is consumed in the background.
// Startup failures such as missing credentials do not return an error:
// they surface as a session.status error event, matching how every other
// failure in a running session is reported. The only error Start returns
// is ErrSessionRunning.
func (o *Orchestrator) Start(opts StartOptions) (*Handle, error) {
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}

	// The invocation outlives the caller's context; abort is the only
	// way to cancel it.
	runCtx, cancel := context.WithCancel(context.Background())
	runCtx = tracing.NewRequestContext(tracing.WithSessionID(runCtx, opts.SessionID))

	h := &Handle{
		orchestrator: o,
		sessionID:    opts.SessionID,
		queue:        inputqueue.New(opts.SessionID, opts.Prompt),
		cancel:       cancel,
		onEvent:      opts.OnEvent,
		onUpdate:     opts.OnSessionUpdate,
		status:       StatusRunning,
		done:         make(chan struct{}),
		log:          tracing.LoggerFromContext(runCtx, o.log),
	}

	o.mu.Lock()
	if _, exists := o.active[opts.SessionID]; exists {
		o.mu.Unlock()
		h.queue.Close()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrSessionRunning, opts.SessionID)
	}
	o.active[opts.SessionID] = h
	o.mu.Unlock()

	runCtx, span := tracing.StartSpan(runCtx, "runner", "session.run")
	h.span = span

	forwarder := permission.ForwarderFunc(func(_ context.Context, req permission.Request) error {
		h.emit(Event{
			Type:      EventPermissionRequest,
			SessionID: opts.SessionID,
			Request:   &req,
		})
		return nil
	})

	// The seeded queue is the invocation's only prompt path: the first
	// prompt and every follow-up arrive through the same source, in
	// submission order.
	inv := engine.Invocation{
		SessionID:    opts.SessionID,
		Prompts:      h.queue.Next,
		WorkingDir:   opts.WorkingDir,
		ResumeMarker: opts.ResumeSessionID,
		Model:        opts.Model,
		SystemPrompt: opts.SystemPrompt,
		AllowedTools: opts.AllowedTools,
		Env:          opts.Env,
		MCPServers:   opts.MCPServers,
		CanUseTool:   o.broker.Handler(opts.SessionID, forwarder),
	}

	observability.SessionStarted()
	h.notifyUpdate()

	stream, err := o.engine.Run(runCtx, inv)
	if err != nil {
		h.log.Error().Err(err).Msg("Engine invocation failed to start")
		h.finish(StatusError, err.Error())
		return h, nil
	}

	h.log.Info().
		Str("working_dir", opts.WorkingDir).
		Bool("resume", opts.ResumeSessionID != "").
		Msg("Session started")

	go h.pump(runCtx, stream)
	return h, nil
}

// Handle returns the active handle for a session, if any.
func (o *Orchestrator) Handle(sessionID string) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.active[sessionID]
	return h, ok
}

// AddUserInput forwards a prompt to a running session's input queue.
func (o *Orchestrator) AddUserInput(sessionID, text string) error {
	h, ok := o.Handle(sessionID)
	if !ok {
		return fmt.Errorf("session %s is not running", sessionID)
	}
	h.AddUserInput(text)
	return nil
}

// Abort cancels a running session. A no-op for unknown sessions.
func (o *Orchestrator) Abort(sessionID string) {
	if h, ok := o.Handle(sessionID); ok {
		h.Abort()
	}
}

// ResolvePermission delivers a user decision for a pending tool request.
func (o *Orchestrator) ResolvePermission(requestID string, decision permission.Decision) error {
	return o.broker.Resolve(requestID, decision)
}

// PendingPermissions lists outstanding confirmation requests for a session.
func (o *Orchestrator) PendingPermissions(sessionID string) []permission.Request {
	return o.broker.Pending(sessionID)
}

// ActiveSessions returns the IDs of sessions with a live invocation.
func (o *Orchestrator) ActiveSessions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) unregister(sessionID string, h *Handle) {
	o.mu.Lock()
	if o.active[sessionID] == h {
		delete(o.active, sessionID)
	}
	o.mu.Unlock()
}
