package streaming

import (
	"context"
	"encoding/json"

	"github.com/relaypoint/draftpipe/internal/store"
)

// EventSink is the persistence side of the broadcaster: the durable event
// log the engine already writes to.
type EventSink interface {
	AppendEvent(ctx context.Context, event *store.Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error)
}

// Broadcaster tees every appended event into the hub after it is durably
// logged. The engine stays unaware of live subscribers; wiring the
// broadcaster in as its event log is enough.
type Broadcaster struct {
	sink EventSink
	hub  EventHub
}

// NewBroadcaster wraps the durable sink with live publication.
func NewBroadcaster(sink EventSink, hub EventHub) *Broadcaster {
	return &Broadcaster{sink: sink, hub: hub}
}

// AppendEvent persists the event and then publishes it. A full subscriber
// buffer drops the live copy; the durable log remains authoritative.
func (b *Broadcaster) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := b.sink.AppendEvent(ctx, event); err != nil {
		return err
	}
	_ = b.hub.Publish(ctx, toStreamEvent(event))
	return nil
}

// GetEvents delegates to the durable log.
func (b *Broadcaster) GetEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	return b.sink.GetEvents(ctx, executionID, since)
}

func toStreamEvent(event *store.Event) StreamEvent {
	var payload any
	if len(event.Payload) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(event.Payload, &decoded); err == nil {
			payload = decoded
		}
	}
	return StreamEvent{
		ExecutionID: event.ExecutionID,
		StepID:      event.StepID,
		EventType:   event.Type,
		Payload:     payload,
		Sequence:    event.Sequence,
		Timestamp:   event.Timestamp,
	}
}
