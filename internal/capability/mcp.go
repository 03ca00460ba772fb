package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/taskflow/pkg/schema"
)

const mcpInitTimeout = 15 * time.Second

// MCPServerConfig describes an MCP server whose tools become capabilities.
type MCPServerConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
}

// toolClient is the subset of the mcp-go client the provider needs.
type toolClient interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPProvider connects to stdio MCP servers and registers each of their
// tools as the capability "<server>.<tool>".
type MCPProvider struct {
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]toolClient

	// dial is replaced in tests.
	dial func(ctx context.Context, cfg MCPServerConfig) (toolClient, error)
}

// NewMCPProvider creates a provider that registers tools into registry.
func NewMCPProvider(registry *Registry, logger *slog.Logger) *MCPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPProvider{
		registry: registry,
		logger:   logger,
		clients:  make(map[string]toolClient),
		dial:     dialStdio,
	}
}

// Load starts the server, lists its tools and registers them. It returns the
// number of capabilities added.
func (p *MCPProvider) Load(ctx context.Context, cfg MCPServerConfig) (int, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "mcp server requires name and command")
	}

	p.mu.Lock()
	if _, exists := p.clients[cfg.Name]; exists {
		p.mu.Unlock()
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "mcp server %q already loaded", cfg.Name)
	}
	p.mu.Unlock()

	c, err := p.dial(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("connect mcp server %q: %w", cfg.Name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return 0, fmt.Errorf("list tools of %q: %w", cfg.Name, err)
	}

	caps := make([]Capability, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		caps = append(caps, &mcpTool{
			name:   cfg.Name + "." + tool.Name,
			tool:   tool.Name,
			desc:   tool.Description,
			client: c,
		})
	}

	n, err := p.registry.RegisterNamespace(cfg.Name, caps)
	if err != nil {
		_ = c.Close()
		return 0, err
	}

	p.mu.Lock()
	p.clients[cfg.Name] = c
	p.mu.Unlock()

	p.logger.Info("mcp capabilities registered", slog.String("server", cfg.Name), slog.Int("count", n))
	return n, nil
}

// Unload removes the server's capabilities and closes its connection.
func (p *MCPProvider) Unload(name string) error {
	p.mu.Lock()
	c, ok := p.clients[name]
	delete(p.clients, name)
	p.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "mcp server %q not loaded", name)
	}
	p.registry.UnregisterNamespace(name)
	return c.Close()
}

// Close closes every connection.
func (p *MCPProvider) Close() error {
	p.mu.Lock()
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	p.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := p.Unload(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func dialStdio(ctx context.Context, cfg MCPServerConfig) (toolClient, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, err
	}

	initCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, mcpInitTimeout)
		defer cancel()
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = "2024-11-05"
	req.Params.ClientInfo = mcp.Implementation{Name: "taskflow", Version: "1.0.0"}
	if _, err := c.Initialize(initCtx, req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

// mcpTool is a capability backed by one MCP tool.
type mcpTool struct {
	name   string
	tool   string
	desc   string
	client toolClient
}

func (t *mcpTool) Name() string        { return t.name }
func (t *mcpTool) Description() string { return t.desc }

// Execute calls the tool. Transport errors are retryable; a tool result
// flagged IsError is not.
func (t *mcpTool) Execute(ctx context.Context, input map[string]any, _ CallContext) (map[string]any, error) {
	res, err := t.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: t.tool, Arguments: input},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &schema.StepExecutionError{Capability: t.name, Message: err.Error(), Retryable: true, Cause: err}
	}

	text := resultText(res)
	if res.IsError {
		return nil, schema.NewStepExecutionError(t.name, text, false)
	}
	return decodeToolOutput(text), nil
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeToolOutput returns a JSON object result as is and wraps anything
// else under "text".
func decodeToolOutput(text string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"text": text}
}

var _ Capability = (*mcpTool)(nil)
