package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// handleExecute starts a run of a stored flow version.
func (s *ConveyorServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowVersionID, err := req.RequireString("flow_version_id")
	if err != nil {
		return mcp.NewToolResultError("flow_version_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	projectID := req.GetString("project_id", "")

	result, execErr := s.runner.Execute(ctx, engine.ExecuteRequest{
		FlowVersionID: flowVersionID,
		Input:         input,
		ProjectID:     projectID,
	})
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed: %v", execErr)), nil
	}

	// Bind the run to this session so progress notifications find it.
	s.captureSession(ctx, result.RunID)

	return marshalResult(result)
}

// handleResume delivers a payload to a paused run.
func (s *ConveyorServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resumeKey, err := req.RequireString("resume_key")
	if err != nil {
		return mcp.NewToolResultError("resume_key is required"), nil
	}

	payload := &schema.ResumePayload{ResumeKey: resumeKey}
	if body := mcp.ParseStringMap(req, "body", nil); body != nil {
		raw, merr := json.Marshal(body)
		if merr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid body: %v", merr)), nil
		}
		payload.Body = raw
	}

	result, resumeErr := s.runner.Resume(ctx, payload)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	s.captureSession(ctx, result.RunID)

	return marshalResult(result)
}

// handleCancel terminates a run.
func (s *ConveyorServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "")

	if cancelErr := s.runner.Cancel(ctx, runID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
	})
}

// handleStatus returns the persisted state of a run.
func (s *ConveyorServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	view, statusErr := s.runner.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	if req.GetString("include_events", "true") == "false" {
		view.Events = nil
	}

	return marshalResult(view)
}

// handleTestStep executes one action in isolation for debugging.
func (s *ConveyorServer) handleTestStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowVersionID, err := req.RequireString("flow_version_id")
	if err != nil {
		return mcp.NewToolResultError("flow_version_id is required"), nil
	}
	actionName, err := req.RequireString("action_name")
	if err != nil {
		return mcp.NewToolResultError("action_name is required"), nil
	}

	outcome, stepErr := s.runner.TestStep(ctx, engine.TestStepRequest{
		FlowVersionID: flowVersionID,
		ActionName:    actionName,
		Context:       mcp.ParseStringMap(req, "context", nil),
		Input:         mcp.ParseStringMap(req, "input", nil),
	})
	if stepErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("test step failed: %v", stepErr)), nil
	}

	return marshalResult(outcome)
}

// --- Internal helpers ---

// captureSession maps the run ID to the current MCP session so progress
// notifications can be pushed back to the caller.
func (s *ConveyorServer) captureSession(ctx context.Context, runID string) {
	if runID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
