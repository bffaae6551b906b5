package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureForwarder records forwarded requests and hands them to the test.
type captureForwarder struct {
	mu   sync.Mutex
	reqs []Request
	ch   chan Request
}

func newCaptureForwarder() *captureForwarder {
	return &captureForwarder{ch: make(chan Request, 8)}
}

func (f *captureForwarder) ForwardRequest(_ context.Context, req Request) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	f.ch <- req
	return nil
}

func TestHandlerAutoApprovesSafeTools(t *testing.T) {
	broker := NewBroker(time.Second, zerolog.Nop())
	fwd := newCaptureForwarder()
	canUse := broker.Handler("sess-1", fwd)

	input := map[string]any{"file_path": "/tmp/notes.txt"}
	decision := canUse(context.Background(), "Read", input)

	assert.Equal(t, BehaviorAllow, decision.Behavior)
	assert.Equal(t, input, decision.Input)
	assert.Empty(t, fwd.reqs, "safe tools must not be forwarded")
	assert.Equal(t, 0, broker.PendingCount("sess-1"))
}

func TestHandlerForwardsAndResolvesAllow(t *testing.T) {
	broker := NewBroker(5*time.Second, zerolog.Nop())
	fwd := newCaptureForwarder()
	canUse := broker.Handler("sess-1", fwd)

	done := make(chan Decision, 1)
	go func() {
		done <- canUse(context.Background(), "Bash", map[string]any{"command": "rm -rf /tmp/x"})
	}()

	var req Request
	select {
	case req = <-fwd.ch:
	case <-time.After(time.Second):
		t.Fatal("request was not forwarded")
	}
	assert.Equal(t, "Bash", req.ToolName)
	assert.Equal(t, "sess-1", req.SessionID)
	assert.Equal(t, 1, broker.PendingCount("sess-1"))

	updated := map[string]any{"command": "rm -rf /tmp/x", "confirmed": true}
	require.NoError(t, broker.Resolve(req.ID, Allow(updated)))

	select {
	case decision := <-done:
		assert.Equal(t, BehaviorAllow, decision.Behavior)
		assert.Equal(t, updated, decision.Input)
	case <-time.After(time.Second):
		t.Fatal("handler did not return after resolution")
	}
	assert.Equal(t, 0, broker.PendingCount("sess-1"), "resolved request must not linger")
}

func TestResolveAllowWithoutInputKeepsOriginal(t *testing.T) {
	broker := NewBroker(5*time.Second, zerolog.Nop())
	fwd := newCaptureForwarder()
	canUse := broker.Handler("sess-1", fwd)

	original := map[string]any{"command": "rm -rf /tmp/x"}
	done := make(chan Decision, 1)
	go func() {
		done <- canUse(context.Background(), "Bash", original)
	}()

	var req Request
	select {
	case req = <-fwd.ch:
	case <-time.After(time.Second):
		t.Fatal("request was not forwarded")
	}

	// An allow with no replacement input means "run it as asked"; the
	// engine must see the original input, never nil.
	require.NoError(t, broker.Resolve(req.ID, Allow(nil)))

	select {
	case decision := <-done:
		assert.Equal(t, BehaviorAllow, decision.Behavior)
		assert.Equal(t, original, decision.Input)
	case <-time.After(time.Second):
		t.Fatal("handler did not return after resolution")
	}
}

func TestHandlerAskUserQuestionAlwaysConfirms(t *testing.T) {
	broker := NewBroker(5*time.Second, zerolog.Nop())
	fwd := newCaptureForwarder()
	canUse := broker.Handler("sess-1", fwd)

	go func() {
		canUse(context.Background(), AskUserQuestionTool, map[string]any{"question": "Deploy?"})
	}()

	select {
	case req := <-fwd.ch:
		require.NoError(t, broker.Resolve(req.ID, Deny("")))
	case <-time.After(time.Second):
		t.Fatal("AskUserQuestion was not forwarded for confirmation")
	}
}

func TestTimeoutDeniesWithReason(t *testing.T) {
	broker := NewBroker(100*time.Millisecond, zerolog.Nop())
	canUse := broker.Handler("sess-1", newCaptureForwarder())

	start := time.Now()
	decision := canUse(context.Background(), "Bash", map[string]any{"command": "rm -rf /"})
	elapsed := time.Since(start)

	assert.Equal(t, BehaviorDeny, decision.Behavior)
	assert.Equal(t, ReasonTimeout, decision.Reason)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "must not deny before the window elapses")
	assert.Equal(t, 0, broker.PendingCount("sess-1"))
}

func TestAbortDeniesPendingRequest(t *testing.T) {
	broker := NewBroker(time.Minute, zerolog.Nop())
	fwd := newCaptureForwarder()
	canUse := broker.Handler("sess-1", fwd)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Decision, 1)
	go func() {
		done <- canUse(ctx, "Bash", map[string]any{"command": "rm -rf /tmp/x"})
	}()

	<-fwd.ch
	cancel()

	select {
	case decision := <-done:
		assert.Equal(t, BehaviorDeny, decision.Behavior)
		assert.Equal(t, ReasonAborted, decision.Reason)
	case <-time.After(time.Second):
		t.Fatal("abort did not resolve the pending request")
	}
	assert.Equal(t, 0, broker.PendingCount("sess-1"))
}

func TestResolveUnknownRequestReturnsNotFound(t *testing.T) {
	broker := NewBroker(time.Second, zerolog.Nop())
	err := broker.Resolve("no-such-id", Allow(nil))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveAfterTimeoutReturnsNotFound(t *testing.T) {
	broker := NewBroker(50*time.Millisecond, zerolog.Nop())
	fwd := newCaptureForwarder()
	canUse := broker.Handler("sess-1", fwd)

	done := make(chan Decision, 1)
	go func() {
		done <- canUse(context.Background(), "Bash", map[string]any{"command": "rm -rf /tmp/x"})
	}()

	req := <-fwd.ch
	<-done

	err := broker.Resolve(req.ID, Allow(nil))
	assert.ErrorIs(t, err, ErrNotFound, "late resolution must be a no-op error")
}

// TestSingleResolution races user resolution against a near-immediate
// timeout and checks the handler observes exactly one decision each run.
func TestSingleResolution(t *testing.T) {
	for i := 0; i < 50; i++ {
		broker := NewBroker(time.Millisecond, zerolog.Nop())
		fwd := newCaptureForwarder()
		canUse := broker.Handler("sess-1", fwd)

		done := make(chan Decision, 1)
		go func() {
			done <- canUse(context.Background(), "Bash", map[string]any{"command": "rm -rf /tmp/x"})
		}()

		req := <-fwd.ch
		// Either this wins or the timeout does, never both.
		_ = broker.Resolve(req.ID, Allow(nil))

		select {
		case decision := <-done:
			if decision.Behavior == BehaviorDeny {
				assert.Equal(t, ReasonTimeout, decision.Reason)
			}
		case <-time.After(time.Second):
			t.Fatal("handler never returned")
		}
		assert.Equal(t, 0, broker.PendingCount("sess-1"))
	}
}

func TestPendingListsOldestFirst(t *testing.T) {
	broker := NewBroker(time.Minute, zerolog.Nop())
	fwd := newCaptureForwarder()
	canUse := broker.Handler("sess-1", fwd)

	for i := 0; i < 3; i++ {
		go func() {
			canUse(context.Background(), "Bash", map[string]any{"command": "rm -rf /tmp/x"})
		}()
		<-fwd.ch
		time.Sleep(5 * time.Millisecond)
	}

	pending := broker.Pending("sess-1")
	require.Len(t, pending, 3)
	for i := 1; i < len(pending); i++ {
		assert.True(t, !pending[i].CreatedAt.Before(pending[i-1].CreatedAt))
	}
	assert.Empty(t, broker.Pending("sess-2"))

	for _, req := range pending {
		require.NoError(t, broker.Resolve(req.ID, Deny("")))
	}
}

func TestResolveDenyDefaultsReason(t *testing.T) {
	broker := NewBroker(time.Minute, zerolog.Nop())
	fwd := newCaptureForwarder()
	canUse := broker.Handler("sess-1", fwd)

	done := make(chan Decision, 1)
	go func() {
		done <- canUse(context.Background(), "Bash", map[string]any{"command": "rm -rf /tmp/x"})
	}()

	req := <-fwd.ch
	require.NoError(t, broker.Resolve(req.ID, Decision{Behavior: BehaviorDeny}))

	decision := <-done
	assert.Equal(t, ReasonDenied, decision.Reason)
}
