package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/relaypoint/draftpipe/internal/streaming"
	"github.com/relaypoint/draftpipe/pkg/schema"
)

// BatchNotifier pushes batch terminal events to the MCP session that
// started the batch. Best-effort: disconnected sessions are dropped.
type BatchNotifier struct {
	mcpServer *server.MCPServer
	hub       streaming.EventHub
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewBatchNotifier creates a notifier fed by the streaming hub.
func NewBatchNotifier(mcpServer *server.MCPServer, hub streaming.EventHub, sessions *SessionRegistry, logger *slog.Logger) *BatchNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchNotifier{mcpServer: mcpServer, hub: hub, sessions: sessions, logger: logger}
}

// Watch subscribes to batch terminal events and pumps notifications until
// ctx is cancelled.
func (n *BatchNotifier) Watch(ctx context.Context) error {
	events, cancel, err := n.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventBatchCompleted, schema.EventBatchCancelled},
	})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			n.notify(ctx, event)
		}
	}
}

func (n *BatchNotifier) notify(_ context.Context, event streaming.StreamEvent) {
	batchID := event.ExecutionID
	sessionID, ok := n.sessions.SessionFor(batchID)
	if !ok {
		return
	}

	payload := map[string]any{
		"batch_id":   batchID,
		"event_type": event.EventType,
		"payload":    event.Payload,
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("batch notification failed", "batch_id", batchID, "error", err)
		return
	}
	n.sessions.Forget(batchID)
}
