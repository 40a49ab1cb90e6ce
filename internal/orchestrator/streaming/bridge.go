package streaming

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/events/bus"
)

// Frame is the wire envelope pushed to WebSocket clients.
type Frame struct {
	Subject string     `json:"subject"`
	Event   *bus.Event `json:"event"`
}

// Bridge subscribes to the event bus and forwards execution and queue
// events into the hub. Events carrying an executionId are routed to that
// execution's subscribers; everything else goes to the firehose only.
type Bridge struct {
	hub    *Hub
	subs   []bus.Subscription
	logger *logger.Logger
}

// NewBridge wires the hub to the event bus.
func NewBridge(hub *Hub, eventBus bus.EventBus, log *logger.Logger) (*Bridge, error) {
	b := &Bridge{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_bridge")),
	}
	for _, subject := range []string{bus.SubjectExecutions, bus.SubjectQueue} {
		sub, err := eventBus.Subscribe(subject, b.handlerFor(subject))
		if err != nil {
			b.Close()
			return nil, err
		}
		b.subs = append(b.subs, sub)
	}
	return b, nil
}

func (b *Bridge) handlerFor(subject string) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		payload, err := json.Marshal(&Frame{Subject: subject, Event: event})
		if err != nil {
			b.logger.Error("Failed to marshal event frame", zap.Error(err))
			return nil
		}
		execID := FirehoseID
		if id, ok := event.Data["executionId"].(string); ok && id != "" {
			execID = id
		}
		b.hub.Broadcast(execID, payload)
		return nil
	}
}

// Close drops the bus subscriptions.
func (b *Bridge) Close() {
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.subs = nil
}
