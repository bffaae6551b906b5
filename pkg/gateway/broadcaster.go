package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/reza/kapten/internal/observability"
)

// EventBroadcaster fans events out to all authenticated clients in emission
// order, stamping each with a monotonically increasing sequence number.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data any) {
	b.BroadcastTyped(EventMessage{
		Event: event,
		Data:  data,
	})
}

// BroadcastTyped sends a typed stream event with sequence metadata.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	b.broadcastMessage(msg)
}

func (b *EventBroadcaster) broadcastMessage(msg EventMessage) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("No authenticated clients to broadcast to")
		return
	}

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			observability.RecordBroadcast(msg.Event, false)
		} else {
			observability.RecordBroadcast(msg.Event, true)
		}
	}
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
