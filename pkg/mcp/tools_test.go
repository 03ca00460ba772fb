package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/session"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// --- Helpers ---

func newTestServer(t *testing.T) (*Server, *session.Session) {
	t.Helper()
	sess, err := session.New(session.Options{Store: store.NewMemoryStore()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sess.Close(ctx)
	})
	return NewServer(ServerDeps{Engine: sess}), sess
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func echoDefinition(id string) map[string]any {
	return map[string]any{
		"id":   id,
		"name": id,
		"tags": []any{"release"},
		"trigger": map[string]any{
			"kind":        "file_change",
			"file_change": map[string]any{"include": []any{"**/*.go"}},
		},
		"steps": []any{
			map[string]any{
				"id":             "greet",
				"capability":     "echo",
				"input":          map[string]any{"message": "hi"},
				"output_mapping": map[string]any{"greeting": "message"},
			},
		},
	}
}

func define(t *testing.T, s *Server, def map[string]any) {
	t.Helper()
	result, err := s.handleDefine(context.Background(), buildRequest("taskflow.define", map[string]any{"definition": def}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
}

// --- Tests ---

func TestDefineTool(t *testing.T) {
	s, sess := newTestServer(t)

	result, err := s.handleDefine(context.Background(), buildRequest("taskflow.define", map[string]any{
		"definition": echoDefinition("build"),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "build", out["id"])
	assert.Equal(t, "1.0.0", out["version"])

	def, err := sess.GetWorkflow(context.Background(), "build")
	require.NoError(t, err)
	assert.Equal(t, schema.TriggerFileChange, def.Trigger.Kind)

	// A second define without replace conflicts.
	result, err = s.handleDefine(context.Background(), buildRequest("taskflow.define", map[string]any{
		"definition": echoDefinition("build"),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeConflict)

	replaced := echoDefinition("build")
	replaced["description"] = "v2"
	result, err = s.handleDefine(context.Background(), buildRequest("taskflow.define", map[string]any{
		"definition": replaced,
		"replace":    true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	def, err = sess.GetWorkflow(context.Background(), "build")
	require.NoError(t, err)
	assert.Equal(t, "v2", def.Description)
}

func TestDefineToolReportsIssues(t *testing.T) {
	s, _ := newTestServer(t)

	bad := echoDefinition("bad")
	bad["steps"] = []any{
		map[string]any{"id": "a", "capability": "echo", "depends_on": []any{"b"}},
		map[string]any{"id": "b", "capability": "echo", "depends_on": []any{"a"}},
	}
	result, err := s.handleDefine(context.Background(), buildRequest("taskflow.define", map[string]any{"definition": bad}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, schema.ErrCodeDependencyCycle)
	assert.Contains(t, text, "details:")

	result, err = s.handleDefine(context.Background(), buildRequest("taskflow.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGetAndListTools(t *testing.T) {
	s, _ := newTestServer(t)
	define(t, s, echoDefinition("build"))

	result, err := s.handleGet(context.Background(), buildRequest("taskflow.get", map[string]any{"workflow_id": "build"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var got struct {
		Workflow  schema.WorkflowDefinition `json:"workflow"`
		Schedules []any                     `json:"schedules"`
	}
	unmarshalResult(t, result, &got)
	assert.Equal(t, "build", got.Workflow.ID)
	assert.Empty(t, got.Schedules)

	result, err = s.handleGet(context.Background(), buildRequest("taskflow.get", map[string]any{"workflow_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleList(context.Background(), buildRequest("taskflow.list", map[string]any{"tag": "release"}))
	require.NoError(t, err)
	var list struct {
		Workflows []map[string]any `json:"workflows"`
	}
	unmarshalResult(t, result, &list)
	require.Len(t, list.Workflows, 1)
	assert.Equal(t, "file_change", list.Workflows[0]["trigger"])

	result, err = s.handleList(context.Background(), buildRequest("taskflow.list", map[string]any{"trigger_kind": "phrase"}))
	require.NoError(t, err)
	unmarshalResult(t, result, &list)
	assert.Empty(t, list.Workflows)
}

func TestRunToolWait(t *testing.T) {
	s, _ := newTestServer(t)
	define(t, s, echoDefinition("build"))

	result, err := s.handleRun(context.Background(), buildRequest("taskflow.run", map[string]any{
		"workflow_id": "build",
		"wait":        true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var exec schema.WorkflowExecution
	unmarshalResult(t, result, &exec)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, "hi", exec.Variables["greeting"])

	result, err = s.handleStatus(context.Background(), buildRequest("taskflow.status", map[string]any{"execution_id": exec.ID}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), `"completed"`)

	result, err = s.handleHistory(context.Background(), buildRequest("taskflow.history", map[string]any{"execution_id": exec.ID}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), schema.EventExecutionCompleted)

	result, err = s.handleExecutions(context.Background(), buildRequest("taskflow.executions", map[string]any{"workflow_id": "build"}))
	require.NoError(t, err)
	var list struct {
		Executions []map[string]any `json:"executions"`
	}
	unmarshalResult(t, result, &list)
	require.Len(t, list.Executions, 1)
	assert.Equal(t, exec.ID, list.Executions[0]["execution_id"])
}

func TestRunToolInlineDefinition(t *testing.T) {
	s, sess := newTestServer(t)

	def := echoDefinition("")
	delete(def, "id")
	result, err := s.handleRun(context.Background(), buildRequest("taskflow.run", map[string]any{"definition": def}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	id, _ := out["execution_id"].(string)
	require.NotEmpty(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := sess.WaitExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
}

func TestRunToolArguments(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleRun(context.Background(), buildRequest("taskflow.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(), buildRequest("taskflow.run", map[string]any{
		"workflow_id": "x",
		"definition":  echoDefinition("x"),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(), buildRequest("taskflow.run", map[string]any{"workflow_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestCancelTool(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleCancel(context.Background(), buildRequest("taskflow.cancel", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleCancel(context.Background(), buildRequest("taskflow.cancel", map[string]any{"execution_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestScheduleTools(t *testing.T) {
	s, sess := newTestServer(t)
	define(t, s, echoDefinition("build"))

	result, err := s.handleSchedule(context.Background(), buildRequest("taskflow.schedule", map[string]any{
		"workflow_id": "build",
		"cron":        "0 9 * * 1",
		"timezone":    "Europe/Madrid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var job store.ScheduledJob
	unmarshalResult(t, result, &job)
	assert.Equal(t, "build", job.WorkflowID)

	result, err = s.handleSchedule(context.Background(), buildRequest("taskflow.schedule", map[string]any{
		"workflow_id": "build",
		"cron":        "every day",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeScheduling)

	result, err = s.handleUnschedule(context.Background(), buildRequest("taskflow.unschedule", map[string]any{"schedule_id": job.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	jobs, err := sess.ListSchedules(context.Background(), "build")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSuggestTool(t *testing.T) {
	s, _ := newTestServer(t)
	define(t, s, echoDefinition("build"))

	result, err := s.handleSuggest(context.Background(), buildRequest("taskflow.suggest", map[string]any{
		"file_path": "cmd/main.go",
		"keywords":  []any{"release"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Suggestions []map[string]any `json:"suggestions"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Suggestions, 1)
	assert.Equal(t, "build", out.Suggestions[0]["workflow_id"])
	assert.NotEmpty(t, out.Suggestions[0]["reason"])
}

func TestNotifyTool(t *testing.T) {
	s, sess := newTestServer(t)
	define(t, s, echoDefinition("build"))

	result, err := s.handleNotify(context.Background(), buildRequest("taskflow.notify", map[string]any{
		"kind":    "file_change",
		"payload": map[string]any{"path": "cmd/main.go", "operation": "write"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		ExecutionIDs []string `json:"execution_ids"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.ExecutionIDs, 1)

	exec, err := sess.ExecutionStatus(context.Background(), out.ExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, schema.SourceEvent, exec.Trigger.Source)

	result, err = s.handleNotify(context.Background(), buildRequest("taskflow.notify", map[string]any{
		"kind":    "file_change",
		"payload": map[string]any{"path": "README.md"},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Empty(t, out.ExecutionIDs)

	result, err = s.handleNotify(context.Background(), buildRequest("taskflow.notify", map[string]any{"kind": "file_change"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDeleteTool(t *testing.T) {
	s, _ := newTestServer(t)
	define(t, s, echoDefinition("build"))

	result, err := s.handleDelete(context.Background(), buildRequest("taskflow.delete", map[string]any{"workflow_id": "build"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = s.handleDelete(context.Background(), buildRequest("taskflow.delete", map[string]any{"workflow_id": "build"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	args := map[string]any{"f": float64(7), "i": 3, "s": "12", "bad": "x"}
	assert.Equal(t, 7, extractInt(args, "f", 1))
	assert.Equal(t, 3, extractInt(args, "i", 1))
	assert.Equal(t, 12, extractInt(args, "s", 1))
	assert.Equal(t, 1, extractInt(args, "bad", 1))
	assert.Equal(t, 1, extractInt(nil, "f", 1))
}

func TestDiagramTool(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	define(t, s, echoDefinition("build"))

	result, err := s.handleDiagram(ctx, buildRequest("taskflow.diagram", map[string]any{"workflow_id": "build"}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, `greet["greet<br/>(echo)"]`)

	run, err := s.handleRun(ctx, buildRequest("taskflow.run", map[string]any{"workflow_id": "build", "wait": true}))
	require.NoError(t, err)
	var exec schema.WorkflowExecution
	unmarshalResult(t, run, &exec)

	result, err = s.handleDiagram(ctx, buildRequest("taskflow.diagram", map[string]any{
		"execution_id": exec.ID,
		"format":       "ascii",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	text = extractText(t, result)
	assert.Contains(t, text, "=== build [completed] ===")
	assert.Contains(t, text, "[OK]")

	result, err = s.handleDiagram(ctx, buildRequest("taskflow.diagram", map[string]any{
		"workflow_id": "build",
		"format":      "image",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	require.Len(t, result.Content, 2)
	img, ok := result.Content[1].(mcp.ImageContent)
	require.True(t, ok)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.NotEmpty(t, img.Data)
}

func TestDiagramToolArguments(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleDiagram(ctx, buildRequest("taskflow.diagram", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDiagram(ctx, buildRequest("taskflow.diagram", map[string]any{"workflow_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)

	define(t, s, echoDefinition("build"))
	result, err = s.handleDiagram(ctx, buildRequest("taskflow.diagram", map[string]any{"workflow_id": "build", "format": "svg"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
