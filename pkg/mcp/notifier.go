package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskflow/internal/streaming"
)

const notificationMethod = "notifications/message"

// ClientNotifier pushes notifications to connected MCP clients.
type ClientNotifier interface {
	Notify(ctx context.Context, executionID string, payload map[string]any) error
}

// MCPNotifier implements ClientNotifier over the MCP server's sessions.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewMCPNotifier creates a notifier that pushes through mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Notify sends payload to the session that started the execution, or to
// every connected client when that session is unknown or gone.
func (n *MCPNotifier) Notify(_ context.Context, executionID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(executionID)
	n.sessions.Forget(executionID)
	if ok {
		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
		if err == nil {
			return nil
		}
		if !errors.Is(err, server.ErrSessionNotFound) {
			return err
		}
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
	}
	n.mcpServer.SendNotificationToAllClients(notificationMethod, payload)
	return nil
}

// Forward delivers workflow_notify hub events until events closes or ctx ends.
func (n *MCPNotifier) Forward(ctx context.Context, events <-chan streaming.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload := map[string]any{
				"level":  "info",
				"logger": "taskflow",
				"data": map[string]any{
					"event":        ev.EventType,
					"execution_id": ev.ExecutionID,
					"workflow_id":  ev.WorkflowID,
					"detail":       ev.Payload,
				},
			}
			if err := n.Notify(ctx, ev.ExecutionID, payload); err != nil {
				n.logger.Warn("failed to deliver notification",
					slog.String("execution_id", ev.ExecutionID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
