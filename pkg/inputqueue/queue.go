package inputqueue

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/reza/kapten/internal/observability"
)

// Queue is an ordered handoff of user prompts to one running engine
// invocation. Add may be called from any goroutine; Next must only be
// called by the single feeder consumer.
type Queue struct {
	sessionID string

	mu     sync.Mutex
	items  []string
	waiter chan string
	closed bool
}

// New creates a queue, optionally seeded with initial prompts.
func New(sessionID string, seed ...string) *Queue {
	observability.EnsureRegistered()

	q := &Queue{
		sessionID: sessionID,
		items:     append([]string{}, seed...),
	}
	observability.SetInputQueueDepth(sessionID, len(q.items))
	return q
}

// Add appends a prompt. If the consumer is suspended in Next it is woken
// with the prompt immediately. Calling Add after Close is a no-op so that
// producers racing with shutdown never fail.
func (q *Queue) Add(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		log.Debug().Str("session_id", q.sessionID).Msg("Input dropped, queue closed")
		return
	}

	observability.RecordInput(q.sessionID)

	if q.waiter != nil {
		// Hand off directly; the waiter channel has a buffer of one so the
		// send can never block even if the consumer has since given up.
		q.waiter <- text
		q.waiter = nil
		return
	}

	q.items = append(q.items, text)
	observability.SetInputQueueDepth(q.sessionID, len(q.items))
}

// Next returns the oldest queued prompt, suspending the caller until a
// prompt arrives, the queue closes, or ctx is cancelled. ok is false when
// the queue has closed and drained (the termination signal) or ctx ended.
//
// Next is a single-consumer operation: the queue tracks one waiter slot,
// matching the one feeder loop per invocation.
func (q *Queue) Next(ctx context.Context) (text string, ok bool) {
	q.mu.Lock()

	if len(q.items) > 0 {
		text = q.items[0]
		q.items = q.items[1:]
		observability.SetInputQueueDepth(q.sessionID, len(q.items))
		q.mu.Unlock()
		return text, true
	}

	if q.closed {
		q.mu.Unlock()
		return "", false
	}

	if q.waiter != nil {
		// A second concurrent consumer violates the single-feeder contract.
		q.mu.Unlock()
		log.Error().Str("session_id", q.sessionID).Msg("Concurrent Next on input queue")
		return "", false
	}

	ch := make(chan string, 1)
	q.waiter = ch
	q.mu.Unlock()

	select {
	case text, ok = <-ch:
		// ok is false when Close woke us by closing the channel.
		return text, ok
	case <-ctx.Done():
		q.mu.Lock()
		if q.waiter == ch {
			q.waiter = nil
		}
		q.mu.Unlock()
		// Add may have delivered into the buffer before we gave up; that
		// prompt must not be silently dropped.
		select {
		case text, ok = <-ch:
			return text, ok
		default:
			return "", false
		}
	}
}

// Close marks the queue closed and wakes a suspended consumer with the
// termination signal. Prompts queued before Close remain retrievable.
// Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	if q.waiter != nil {
		close(q.waiter)
		q.waiter = nil
	}

	log.Debug().Str("session_id", q.sessionID).Int("queued", len(q.items)).Msg("Input queue closed")
}

// Len returns the number of queued, undelivered prompts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
