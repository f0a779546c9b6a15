package mcp

import (
	"context"
	"errors"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/conveyorhq/conveyor/internal/progress"
)

// ProgressNotifier is a progress.Reporter that pushes run and step
// updates to the MCP session that started the run. It is created before
// the MCP server exists (the interpreter needs a reporter first) and
// bound to the server by NewConveyorServer; until then it discards.
type ProgressNotifier struct {
	mu        sync.RWMutex
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewProgressNotifier creates an unbound notifier over the given registry.
func NewProgressNotifier(sessions *SessionRegistry) *ProgressNotifier {
	return &ProgressNotifier{sessions: sessions}
}

// Bind attaches the MCP server used for push delivery.
func (n *ProgressNotifier) Bind(mcpServer *server.MCPServer) {
	n.mu.Lock()
	n.mcpServer = mcpServer
	n.mu.Unlock()
}

// ReportStep pushes one step update to the run's session. Best-effort:
// an unbound notifier or a disconnected session is not an error.
func (n *ProgressNotifier) ReportStep(_ context.Context, u progress.StepUpdate) error {
	return n.notify(u.RunID, map[string]any{
		"type":        "step",
		"run_id":      u.RunID,
		"action":      u.ActionName,
		"status":      string(u.Status),
		"duration_ms": u.DurationMs,
	})
}

// ReportRun pushes the run's terminal outcome to its session.
func (n *ProgressNotifier) ReportRun(_ context.Context, u progress.RunUpdate) error {
	payload := map[string]any{
		"type":   "run",
		"run_id": u.RunID,
		"status": string(u.Status),
	}
	if u.FailedAction != "" {
		payload["failed_action"] = u.FailedAction
	}
	return n.notify(u.RunID, payload)
}

func (n *ProgressNotifier) notify(runID string, payload map[string]any) error {
	n.mu.RLock()
	srv := n.mcpServer
	n.mu.RUnlock()
	if srv == nil {
		return nil
	}

	sessionID, ok := n.sessions.SessionFor(runID)
	if !ok {
		return nil
	}
	err := srv.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
