package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskflow/internal/diagram"
	"github.com/rendis/taskflow/internal/registry"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/suggest"
	"github.com/rendis/taskflow/pkg/schema"
)

const (
	defaultListLimit    = 50
	defaultSuggestLimit = 5
)

// --- Definitions ---

// handleDefine registers a workflow, or replaces it when replace is set.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := decodeDefinition(req, "definition")
	if errResult != nil {
		return errResult, nil
	}
	if def == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	var (
		saved *schema.WorkflowDefinition
		err   error
	)
	if req.GetBool("replace", false) {
		saved, err = s.engine.UpdateWorkflow(ctx, def)
	} else {
		saved, err = s.engine.CreateWorkflow(ctx, def)
	}
	if err != nil {
		return toolError("define", err), nil
	}
	return marshalResult(map[string]any{
		"id":      saved.ID,
		"version": saved.Version,
		"trigger": saved.Trigger.Kind,
	})
}

// handleGet returns a definition together with its schedules.
func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	def, err := s.engine.GetWorkflow(ctx, id)
	if err != nil {
		return toolError("get", err), nil
	}
	schedules, err := s.engine.ListSchedules(ctx, id)
	if err != nil {
		return toolError("get", err), nil
	}
	return marshalResult(map[string]any{"workflow": def, "schedules": schedules})
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs, err := s.engine.ListWorkflows(ctx, registry.Filter{
		Category:    req.GetString("category", ""),
		Tag:         req.GetString("tag", ""),
		TriggerKind: schema.TriggerKind(req.GetString("trigger_kind", "")),
	})
	if err != nil {
		return toolError("list", err), nil
	}

	summaries := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		summaries = append(summaries, map[string]any{
			"id":           def.ID,
			"name":         def.Name,
			"description":  def.Description,
			"version":      def.Version,
			"category":     def.Category,
			"tags":         def.Tags,
			"trigger":      def.Trigger.Kind,
			"steps":        len(def.Steps),
			"success_rate": def.Metadata.SuccessRate,
			"run_count":    def.Metadata.RunCount,
		})
	}
	return marshalResult(map[string]any{"workflows": summaries})
}

func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	if err := s.engine.DeleteWorkflow(ctx, id); err != nil {
		return toolError("delete", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": id})
}

// --- Executions ---

// handleRun starts a registered or inline workflow. The calling MCP session
// is remembered so workflow notifications reach it.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	def, errResult := decodeDefinition(req, "definition")
	if errResult != nil {
		return errResult, nil
	}
	if (workflowID == "") == (def == nil) {
		return mcp.NewToolResultError("exactly one of workflow_id or definition is required"), nil
	}
	vars := mcp.ParseStringMap(req, "variables", nil)

	var (
		execID string
		err    error
	)
	if def != nil {
		execID, err = s.engine.RunDefinition(ctx, def, vars)
	} else {
		execID, err = s.engine.StartExecution(ctx, workflowID, vars)
	}
	if err != nil {
		return toolError("run", err), nil
	}
	s.captureSession(ctx, execID)

	if !req.GetBool("wait", false) {
		return marshalResult(map[string]any{"execution_id": execID, "status": schema.ExecutionStatusRunning})
	}
	exec, err := s.engine.WaitExecution(ctx, execID)
	if err != nil {
		return toolError("wait", err), nil
	}
	return marshalResult(exec)
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.engine.ExecutionStatus(ctx, id)
	if err != nil {
		return toolError("status", err), nil
	}
	return marshalResult(exec)
}

func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	events, err := s.engine.ExecutionHistory(ctx, id)
	if err != nil {
		return toolError("history", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) handleExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	execs, err := s.engine.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Status:     schema.ExecutionStatus(req.GetString("status", "")),
		Limit:      extractInt(args, "limit", defaultListLimit),
	})
	if err != nil {
		return toolError("list executions", err), nil
	}

	summaries := make([]map[string]any, 0, len(execs))
	for _, e := range execs {
		entry := map[string]any{
			"execution_id": e.ID,
			"workflow_id":  e.WorkflowID,
			"status":       e.Status,
			"trigger":      e.Trigger.Kind,
			"started_at":   e.StartedAt,
		}
		if e.EndedAt != nil {
			entry["ended_at"] = e.EndedAt
		}
		if e.FailedStepID != "" {
			entry["failed_step_id"] = e.FailedStepID
		}
		summaries = append(summaries, entry)
	}
	return marshalResult(map[string]any{"executions": summaries})
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := s.engine.CancelExecution(ctx, id); err != nil {
		return toolError("cancel", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": id})
}

// --- Schedules ---

func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	job, err := s.engine.RegisterSchedule(ctx, workflowID, cronExpr, req.GetString("timezone", ""))
	if err != nil {
		return toolError("schedule", err), nil
	}
	return marshalResult(job)
}

func (s *Server) handleUnschedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	if err := s.engine.UnregisterSchedule(ctx, id); err != nil {
		return toolError("unschedule", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "schedule_id": id})
}

// --- Suggestions and events ---

func (s *Server) handleSuggest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c := suggest.Context{
		FilePath:     req.GetString("file_path", ""),
		Phrase:       req.GetString("phrase", ""),
		Capability:   req.GetString("capability", ""),
		Keywords:     req.GetStringSlice("keywords", nil),
		ErrorType:    req.GetString("error_type", ""),
		ErrorMessage: req.GetString("error_message", ""),
	}
	suggestions, err := s.engine.Suggest(ctx, c, extractInt(req.GetArguments(), "limit", defaultSuggestLimit))
	if err != nil {
		return toolError("suggest", err), nil
	}

	out := make([]map[string]any, 0, len(suggestions))
	for _, sg := range suggestions {
		out = append(out, map[string]any{
			"workflow_id": sg.Workflow.ID,
			"name":        sg.Workflow.Name,
			"description": sg.Workflow.Description,
			"score":       sg.Score,
			"reason":      sg.Reason,
		})
	}
	return marshalResult(map[string]any{"suggestions": out})
}

// handleNotify ingests an event and reports the executions it started.
func (s *Server) handleNotify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("kind is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)
	if payload == nil {
		return mcp.NewToolResultError("payload is required"), nil
	}

	ids, err := s.engine.Notify(ctx, schema.TriggerKind(kind), payload)
	if err != nil {
		return toolError("notify", err), nil
	}
	for _, id := range ids {
		s.captureSession(ctx, id)
	}
	return marshalResult(map[string]any{"execution_ids": ids})
}

// --- Internal helpers ---

// decodeDefinition reads an optional definition object argument. A nil
// definition with a nil result means the argument was absent.
func decodeDefinition(req mcp.CallToolRequest, key string) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, key, nil)
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid %s: %v", key, err))
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid %s: %v", key, err))
	}
	return &def, nil
}

// extractInt safely extracts an integer from an argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the execution to the calling MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// toolError reports err as a tool error, carrying the structured details of
// a TaskflowError (validation issues, cycle members) when present.
func toolError(action string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("%s failed: %v", action, err)
	var te *schema.TaskflowError
	if errors.As(err, &te) && len(te.Details) > 0 {
		if raw, mErr := json.Marshal(te.Details); mErr == nil {
			msg += "\ndetails: " + string(raw)
		}
	}
	return mcp.NewToolResultError(msg)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

var diagramFormats = []string{"mermaid", "ascii", "image"}

func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	executionID := req.GetString("execution_id", "")
	if (workflowID == "") == (executionID == "") {
		return mcp.NewToolResultError("exactly one of workflow_id or execution_id is required"), nil
	}

	var (
		def  *schema.WorkflowDefinition
		exec *schema.WorkflowExecution
		err  error
	)
	if executionID != "" {
		exec, err = s.engine.ExecutionStatus(ctx, executionID)
	} else {
		def, err = s.engine.GetWorkflow(ctx, workflowID)
	}
	if err != nil {
		return toolError("diagram", err), nil
	}

	model, err := diagram.Build(def, exec)
	if err != nil {
		return toolError("diagram", err), nil
	}

	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "image":
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("diagram: %v", err)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unsupported format %q", format)), nil
	}
}
