package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskflow/internal/registry"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/streaming"
	"github.com/rendis/taskflow/internal/suggest"
	"github.com/rendis/taskflow/pkg/schema"
)

// Engine is the management and event-ingestion surface the tools drive.
// Satisfied by *session.Session.
type Engine interface {
	CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error)
	UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error)
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, filter registry.Filter) ([]*schema.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error

	StartExecution(ctx context.Context, workflowID string, vars map[string]any) (string, error)
	RunDefinition(ctx context.Context, def *schema.WorkflowDefinition, vars map[string]any) (string, error)
	ExecutionStatus(ctx context.Context, executionID string) (*schema.WorkflowExecution, error)
	ExecutionHistory(ctx context.Context, executionID string) ([]*store.Event, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*schema.WorkflowExecution, error)
	CancelExecution(ctx context.Context, executionID string) error
	WaitExecution(ctx context.Context, executionID string) (*schema.WorkflowExecution, error)

	RegisterSchedule(ctx context.Context, workflowID, cronExpr, timezone string) (*store.ScheduledJob, error)
	UnregisterSchedule(ctx context.Context, jobID string) error
	ListSchedules(ctx context.Context, workflowID string) ([]*store.ScheduledJob, error)

	Suggest(ctx context.Context, c suggest.Context, limit int) ([]suggest.Suggestion, error)
	Notify(ctx context.Context, kind schema.TriggerKind, payload map[string]any) ([]string, error)
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine  Engine
	Version string
	Logger  *slog.Logger
}

// Server wraps an MCP server with taskflow tool handlers.
type Server struct {
	engine    Engine
	sessions  *SessionRegistry
	notifier  *MCPNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		engine:   deps.Engine,
		sessions: NewSessionRegistry(),
		logger:   logger.With(slog.String("component", "mcp")),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"taskflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Taskflow stores workflow definitions and runs them as dependency graphs of capability calls. Use taskflow.define to register a workflow, taskflow.run to start it, taskflow.status and taskflow.history to follow it, taskflow.notify to feed events that fire matching workflows, and taskflow.suggest to find workflows relevant to the current context."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions, s.logger)
	return s
}

// Serve forwards workflow notifications and runs the stdio transport until
// ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	events, unsubscribe, err := s.engine.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventWorkflowNotify},
	})
	if err != nil {
		return err
	}
	defer unsubscribe()
	go s.notifier.Forward(ctx, events)

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: deleteTool(), Handler: s.handleDelete},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: executionsTool(), Handler: s.handleExecutions},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: unscheduleTool(), Handler: s.handleUnschedule},
		{Tool: suggestTool(), Handler: s.handleSuggest},
		{Tool: notifyTool(), Handler: s.handleNotify},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("taskflow.define",
		mcp.WithDescription("Register or replace a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (id, name, trigger, steps, ...)")),
		mcp.WithBoolean("replace", mcp.Description("Replace the existing definition with the same id instead of failing")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("taskflow.get",
		mcp.WithDescription("Get a workflow definition and its schedules"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("taskflow.list",
		mcp.WithDescription("List registered workflows"),
		mcp.WithString("category", mcp.Description("Only workflows in this category")),
		mcp.WithString("tag", mcp.Description("Only workflows carrying this tag")),
		mcp.WithString("trigger_kind", mcp.Description("Only workflows with this trigger kind"),
			mcp.Enum(triggerKinds()...),
		),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("taskflow.delete",
		mcp.WithDescription("Delete a workflow definition and its schedules"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("taskflow.run",
		mcp.WithDescription("Start a workflow execution"),
		mcp.WithString("workflow_id", mcp.Description("ID of a registered workflow")),
		mcp.WithObject("definition", mcp.Description("Inline definition to run without registering it")),
		mcp.WithObject("variables", mcp.Description("Initial execution variables")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution finishes and return it")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("taskflow.status",
		mcp.WithDescription("Get the state of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("taskflow.history",
		mcp.WithDescription("Get the event history of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func executionsTool() mcp.Tool {
	return mcp.NewTool("taskflow.executions",
		mcp.WithDescription("List executions, newest first"),
		mcp.WithString("workflow_id", mcp.Description("Only executions of this workflow")),
		mcp.WithString("status", mcp.Description("Only executions in this status"),
			mcp.Enum("running", "completed", "failed", "cancelled", "timeout"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum number of executions (default 50)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("taskflow.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("taskflow.schedule",
		mcp.WithDescription("Run a workflow on a cron schedule"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression or descriptor such as @daily")),
		mcp.WithString("timezone", mcp.Description("IANA timezone the expression is evaluated in (default UTC)")),
	)
}

func unscheduleTool() mcp.Tool {
	return mcp.NewTool("taskflow.unschedule",
		mcp.WithDescription("Remove a schedule"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("ID of the schedule")),
	)
}

func suggestTool() mcp.Tool {
	return mcp.NewTool("taskflow.suggest",
		mcp.WithDescription("Rank registered workflows by relevance to a context"),
		mcp.WithString("file_path", mcp.Description("File being worked on")),
		mcp.WithString("phrase", mcp.Description("Free-text request")),
		mcp.WithString("capability", mcp.Description("Capability of interest")),
		mcp.WithArray("keywords", mcp.Description("Extra keywords"), mcp.WithStringItems()),
		mcp.WithString("error_type", mcp.Description("Type of an error being handled")),
		mcp.WithString("error_message", mcp.Description("Message of an error being handled")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of suggestions (default 5)")),
	)
}

func notifyTool() mcp.Tool {
	return mcp.NewTool("taskflow.notify",
		mcp.WithDescription("Feed an event; every matching workflow is started"),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Event kind"),
			mcp.Enum(triggerKinds()...),
		),
		mcp.WithObject("payload", mcp.Required(), mcp.Description("Event payload (path, branch, text, error_type, message, ...)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("taskflow.diagram",
		mcp.WithDescription("Draw a workflow graph. With execution_id, step results are overlaid"),
		mcp.WithString("workflow_id", mcp.Description("ID of a registered workflow")),
		mcp.WithString("execution_id", mcp.Description("ID of an execution")),
		mcp.WithString("format", mcp.Description("Output format (default mermaid)"),
			mcp.Enum(diagramFormats...),
		),
	)
}

func triggerKinds() []string {
	return []string{
		string(schema.TriggerManual),
		string(schema.TriggerVersionControl),
		string(schema.TriggerFileChange),
		string(schema.TriggerSchedule),
		string(schema.TriggerPhrase),
		string(schema.TriggerErrorSignature),
	}
}
