package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reza/kapten/internal/observability"
)

// DefaultTimeout is how long a confirmation request waits for a user
// decision before it is denied. Five minutes lets the user read the
// prompt, check documentation, or switch tasks without the request
// expiring underneath them.
const DefaultTimeout = 5 * time.Minute

// ErrNotFound is returned by Resolve for unknown or already-resolved
// request IDs.
var ErrNotFound = fmt.Errorf("permission request not found")

// pendingRecord is one outstanding tool confirmation. It is created on
// interception and destroyed on resolution; removal from the broker's
// registry is the single source of truth for "already resolved".
type pendingRecord struct {
	req       Request
	decision  chan Decision
	timer     *time.Timer
	stopAbort func() bool
}

// Broker arbitrates tool-use requests: the safe majority auto-approve
// synchronously, the rest wait for exactly one decision produced by user
// response, timeout, or invocation abort.
type Broker struct {
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRecord
}

// NewBroker creates a broker. A non-positive timeout selects
// DefaultTimeout.
func NewBroker(timeout time.Duration, log zerolog.Logger) *Broker {
	observability.EnsureRegistered()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		timeout: timeout,
		log:     log,
		pending: make(map[string]*pendingRecord),
	}
}

// Handler binds a session and a request forwarder into the CanUseTool hook
// passed to the engine invocation. The ctx given to the hook must be the
// invocation's context: its cancellation resolves any outstanding request
// to a deny without waiting for the timeout.
func (b *Broker) Handler(sessionID string, forwarder Forwarder) CanUseToolFunc {
	return func(ctx context.Context, toolName string, input map[string]any) Decision {
		if !RequiresConfirmation(toolName, input) {
			// Fast path: the overwhelming majority of tool calls.
			observability.RecordAutoDecision(string(BehaviorAllow))
			return Allow(input)
		}
		return b.confirm(ctx, sessionID, toolName, input, forwarder)
	}
}

// confirm registers a pending record, forwards the request, and waits for
// the single decision.
func (b *Broker) confirm(ctx context.Context, sessionID, toolName string, input map[string]any, forwarder Forwarder) Decision {
	req := Request{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolName:  toolName,
		Input:     input,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(b.timeout),
	}

	rec := &pendingRecord{
		req:      req,
		decision: make(chan Decision, 1),
	}

	b.mu.Lock()
	b.pending[req.ID] = rec
	rec.timer = time.AfterFunc(b.timeout, func() {
		if b.finish(req.ID, Deny(ReasonTimeout)) {
			b.log.Warn().
				Str("session_id", sessionID).
				Str("request_id", req.ID).
				Str("tool", toolName).
				Dur("timeout", b.timeout).
				Msg("Permission request timed out")
		}
	})
	// Registered while the record is still under the lock so an
	// already-cancelled ctx cannot observe a half-created record.
	rec.stopAbort = context.AfterFunc(ctx, func() {
		b.finish(req.ID, Deny(ReasonAborted))
	})
	b.mu.Unlock()

	observability.PermissionRequested()
	b.log.Info().
		Str("session_id", sessionID).
		Str("request_id", req.ID).
		Str("tool", toolName).
		Msg("Tool call requires confirmation")

	if forwarder != nil {
		if err := forwarder.ForwardRequest(ctx, req); err != nil {
			b.log.Error().Err(err).Str("request_id", req.ID).Msg("Failed to forward permission request")
		}
	}

	// Every resolution path funnels through finish, which removes the
	// record before sending, so exactly one decision arrives here.
	decision := <-rec.decision

	observability.PermissionDecided(string(decision.Behavior), reasonLabel(decision), time.Since(req.CreatedAt))
	return decision
}

// Resolve delivers an external (user) decision for a pending request.
// Resolving a request that already timed out, was aborted, or was resolved
// before returns ErrNotFound.
func (b *Broker) Resolve(requestID string, decision Decision) error {
	if decision.Behavior == BehaviorDeny && decision.Reason == "" {
		decision.Reason = ReasonDenied
	}
	if !b.finish(requestID, decision) {
		return ErrNotFound
	}
	b.log.Info().
		Str("request_id", requestID).
		Str("behavior", string(decision.Behavior)).
		Msg("Permission request resolved")
	return nil
}

// finish removes the record, stops its timer and abort listener, and then
// delivers the decision. The removal happens under the mutex before any
// delivery, so when timeout, abort, and user response race, exactly one
// caller wins and the rest are no-ops. Reports whether this caller won.
func (b *Broker) finish(requestID string, decision Decision) bool {
	b.mu.Lock()
	rec, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, requestID)
	b.mu.Unlock()

	rec.timer.Stop()
	if rec.stopAbort != nil {
		rec.stopAbort()
	}

	// An allow with no replacement input means "run it as asked". Filling
	// in the original input here keeps the engine from reading a null
	// updatedInput as an empty tool call.
	if decision.Behavior == BehaviorAllow && decision.Input == nil {
		decision.Input = rec.req.Input
	}

	rec.decision <- decision
	return true
}

// Pending lists outstanding requests for a session, oldest first.
func (b *Broker) Pending(sessionID string) []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	var reqs []Request
	for _, rec := range b.pending {
		if rec.req.SessionID == sessionID {
			reqs = append(reqs, rec.req)
		}
	}
	sortRequests(reqs)
	return reqs
}

// PendingCount returns the number of outstanding requests for a session.
func (b *Broker) PendingCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, rec := range b.pending {
		if rec.req.SessionID == sessionID {
			count++
		}
	}
	return count
}

func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}

func reasonLabel(d Decision) string {
	if d.Reason != "" {
		return d.Reason
	}
	return "user"
}
