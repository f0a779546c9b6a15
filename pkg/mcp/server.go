package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conveyorhq/conveyor/internal/engine"
)

// ConveyorServerDeps holds the dependencies for creating a ConveyorServer.
type ConveyorServerDeps struct {
	Runner   engine.Runner
	Sessions *SessionRegistry
	Notifier *ProgressNotifier
	Logger   *slog.Logger
}

// ConveyorServer wraps an MCP server with the flow engine tool handlers.
type ConveyorServer struct {
	runner    engine.Runner
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewConveyorServer creates a ConveyorServer with all 5 tools registered.
// When a ProgressNotifier is supplied it is bound to the underlying MCP
// server so per-step progress reaches the session that started the run.
func NewConveyorServer(deps ConveyorServerDeps) *ConveyorServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &ConveyorServer{
		runner:   deps.Runner,
		sessions: sessions,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"conveyor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conveyor is a flow execution engine. Use conveyor.execute to start a run of a stored flow version, conveyor.status to inspect a run, conveyor.resume to deliver a payload to a paused run, conveyor.cancel to terminate a run, and conveyor.test_step to execute a single action against a synthetic context."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	if deps.Notifier != nil {
		deps.Notifier.Bind(mcpSrv)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ConveyorServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConveyorServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *ConveyorServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: testStepTool(), Handler: s.handleTestStep},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("conveyor.execute",
		mcp.WithDescription("Execute a stored flow version and return the run outcome"),
		mcp.WithString("flow_version_id", mcp.Required(), mcp.Description("ID of the flow version to run")),
		mcp.WithObject("input", mcp.Description("Input document seeding the run context")),
		mcp.WithString("project_id", mcp.Description("Project the run belongs to")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("conveyor.resume",
		mcp.WithDescription("Deliver a payload to a paused run and continue it"),
		mcp.WithString("resume_key", mcp.Required(), mcp.Description("Resume key of the stored continuation")),
		mcp.WithObject("body", mcp.Description("Payload handed to the paused action on re-execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("conveyor.cancel",
		mcp.WithDescription("Cancel a pending, running, or paused run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithString("reason", mcp.Description("Operator-facing cancellation reason")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("conveyor.status",
		mcp.WithDescription("Get the persisted state of a run: record, step states, and event log"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
		mcp.WithString("include_events", mcp.Description("Include the full event log (default: true)")),
	)
}

func testStepTool() mcp.Tool {
	return mcp.NewTool("conveyor.test_step",
		mcp.WithDescription("Execute exactly one action of a flow version against a supplied context, without persisting anything"),
		mcp.WithString("flow_version_id", mcp.Required(), mcp.Description("ID of the flow version containing the action")),
		mcp.WithString("action_name", mcp.Required(), mcp.Description("Name of the action to execute")),
		mcp.WithObject("context", mcp.Description("Synthetic step outputs keyed by action name")),
		mcp.WithObject("input", mcp.Description("Additional pre-recorded outputs merged over context")),
	)
}
