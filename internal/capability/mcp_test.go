package capability

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

type fakeToolClient struct {
	tools  []mcp.Tool
	result *mcp.CallToolResult
	err    error
	calls  []mcp.CallToolRequest
	closed bool
}

func (f *fakeToolClient) ListTools(_ context.Context, _ mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeToolClient) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.calls = append(f.calls, req)
	return f.result, f.err
}

func (f *fakeToolClient) Close() error {
	f.closed = true
	return nil
}

func newTestProvider(fc *fakeToolClient) (*MCPProvider, *Registry) {
	reg := NewRegistry()
	p := NewMCPProvider(reg, slog.Default())
	p.dial = func(context.Context, MCPServerConfig) (toolClient, error) { return fc, nil }
	return p, reg
}

func TestMCPProvider_LoadRegistersTools(t *testing.T) {
	fc := &fakeToolClient{
		tools: []mcp.Tool{
			mcp.NewTool("review", mcp.WithDescription("Review a diff")),
			mcp.NewTool("deploy"),
		},
		result: &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(`{"verdict":"lgtm"}`)}},
	}
	p, reg := newTestProvider(fc)

	n, err := p.Load(context.Background(), MCPServerConfig{Name: "agent", Command: "agent-mcp"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, reg.Has("agent.review"))
	assert.True(t, reg.Has("agent.deploy"))

	c, err := reg.Get("agent.review")
	require.NoError(t, err)
	assert.Equal(t, "Review a diff", c.Description())

	out, err := c.Execute(context.Background(), map[string]any{"diff": "+1"}, CallContext{})
	require.NoError(t, err)
	assert.Equal(t, "lgtm", out["verdict"])
	require.Len(t, fc.calls, 1)
	assert.Equal(t, "review", fc.calls[0].Params.Name)

	_, err = p.Load(context.Background(), MCPServerConfig{Name: "agent", Command: "agent-mcp"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	require.NoError(t, p.Close())
	assert.True(t, fc.closed)
	assert.False(t, reg.Has("agent.review"))
}

func TestMCPTool_Errors(t *testing.T) {
	fc := &fakeToolClient{tools: []mcp.Tool{mcp.NewTool("run")}}
	p, reg := newTestProvider(fc)
	_, err := p.Load(context.Background(), MCPServerConfig{Name: "x", Command: "x"})
	require.NoError(t, err)
	c, _ := reg.Get("x.run")

	fc.result = &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.NewTextContent("bad args")}}
	_, err = c.Execute(context.Background(), nil, CallContext{})
	var se *schema.StepExecutionError
	require.True(t, errors.As(err, &se))
	assert.False(t, se.Retryable)
	assert.Equal(t, "bad args", se.Message)

	fc.result, fc.err = nil, errors.New("broken pipe")
	_, err = c.Execute(context.Background(), nil, CallContext{})
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Retryable)

	fc.result, fc.err = &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("plain text")}}, nil
	out, err := c.Execute(context.Background(), nil, CallContext{})
	require.NoError(t, err)
	assert.Equal(t, "plain text", out["text"])
}

func TestMCPProvider_LoadValidation(t *testing.T) {
	p, _ := newTestProvider(&fakeToolClient{})
	_, err := p.Load(context.Background(), MCPServerConfig{Name: "nocmd"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(p.Unload("ghost"), schema.ErrCodeNotFound))
}
