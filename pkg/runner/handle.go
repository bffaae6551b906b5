package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/reza/kapten/internal/observability"
	"github.com/reza/kapten/pkg/engine"
	"github.com/reza/kapten/pkg/inputqueue"
)

// Handle is the caller's grip on one running invocation.
type Handle struct {
	orchestrator *Orchestrator
	sessionID    string
	queue        *inputqueue.Queue
	cancel       context.CancelFunc
	onEvent      EventSink
	onUpdate     func(SessionUpdate)
	log          zerolog.Logger
	span         trace.Span

	mu              sync.Mutex
	status          Status
	engineSessionID string
	started         time.Time

	abortOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
}

// SessionID returns the logical session identifier.
func (h *Handle) SessionID() string { return h.sessionID }

// Status returns the session's current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// EngineSessionID returns the engine-assigned session identifier, empty
// until the init message arrives. Callers persist it to resume later.
func (h *Handle) EngineSessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engineSessionID
}

// Done is closed when the invocation has fully wound down.
func (h *Handle) Done() <-chan struct{} { return h.done }

// AddUserInput queues a prompt for the running invocation. Ignored once
// the session is terminal or aborted; the engine connection is not
// restarted per turn.
func (h *Handle) AddUserInput(text string) {
	h.mu.Lock()
	terminal := h.status.Terminal()
	h.mu.Unlock()
	if terminal {
		h.log.Debug().Msg("Ignoring input for finished session")
		return
	}
	h.queue.Add(text)
}

// Abort terminates the invocation: the input queue closes so the prompt
// feeder stops, the invocation context is cancelled so the engine stops
// producing, and cancellation resolves every pending permission request to
// deny. Idempotent.
func (h *Handle) Abort() {
	h.abortOnce.Do(func() {
		h.log.Info().Msg("Aborting session")
		h.queue.Close()
		h.cancel()
	})
}

// pump consumes the engine's message stream until it ends. It runs as the
// session's single background task; nothing it does may escape as a panic
// or block the caller.
func (h *Handle) pump(ctx context.Context, stream <-chan engine.Message) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("Session pump panicked")
			h.finish(StatusError, fmt.Sprintf("internal error: %v", r))
		}
	}()

	var terminal *engine.Message

	for msg := range stream {
		observability.RecordStreamMessage(msg.Type)

		// Every message is forwarded verbatim, in order. The type tag
		// only drives the state transitions below.
		m := msg
		h.emit(Event{
			Type:      EventStreamMessage,
			SessionID: h.sessionID,
			Message:   &m,
		})

		switch msg.Type {
		case engine.MessageInit:
			h.mu.Lock()
			h.engineSessionID = msg.EngineSessionID
			h.mu.Unlock()
			h.log.Info().Str("engine_session_id", msg.EngineSessionID).Msg("Engine session established")
			h.notifyUpdate()

		case engine.MessageAssistant:
			if msg.ToolName != "" {
				h.log.Debug().Str("tool", msg.ToolName).Msg("Engine tool use")
			}

		case engine.MessageResult:
			terminal = &m
		}
	}

	switch {
	case terminal != nil:
		if terminal.IsSuccess() {
			h.finish(StatusCompleted, "")
		} else {
			h.finish(StatusError, terminal.ErrorText)
		}

	case ctx.Err() != nil:
		// Aborted. Expected shutdown, not a failure: no error event,
		// the session returns to idle and can be resumed.
		h.log.Info().Msg("Session aborted")
		h.finishQuiet(StatusIdle)

	default:
		// Stream ended without a result and without cancellation.
		h.finish(StatusError, "engine stream ended unexpectedly")
	}
}

// finish drives the terminal transition and emits the session.status
// event. Exactly one of finish/finishQuiet runs per handle.
func (h *Handle) finish(status Status, errText string) {
	h.finishOnce.Do(func() {
		h.teardown(status)

		event := Event{
			Type:      EventSessionStatus,
			SessionID: h.sessionID,
			Status:    status,
			Error:     errText,
		}
		logEvent := h.log.Info()
		if status == StatusError {
			logEvent = h.log.Error().Str("error", errText)
		}
		logEvent.Str("status", string(status)).Msg("Session finished")

		h.emit(event)
		h.notifyUpdate()
	})
}

// finishQuiet winds down without a status event, for aborts.
func (h *Handle) finishQuiet(status Status) {
	h.finishOnce.Do(func() {
		h.teardown(status)
		h.notifyUpdate()
	})
}

func (h *Handle) teardown(status Status) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()

	// Closing the queue and cancelling the context are idempotent, so
	// this is safe whether the invocation ended naturally or by abort.
	// Cancellation also sweeps any pending permission requests to deny.
	h.queue.Close()
	h.cancel()
	if h.span != nil {
		h.span.End()
	}

	h.orchestrator.unregister(h.sessionID, h)
	observability.SessionFinished(string(status))
	close(h.done)
}

func (h *Handle) emit(event Event) {
	event.Timestamp = time.Now()
	h.onEvent(event)
}

func (h *Handle) notifyUpdate() {
	if h.onUpdate == nil {
		return
	}
	h.mu.Lock()
	update := SessionUpdate{
		SessionID:       h.sessionID,
		EngineSessionID: h.engineSessionID,
		Status:          h.status,
	}
	h.mu.Unlock()
	h.onUpdate(update)
}
