// Package gatewaytools implements the two tools exposed to the model —
// search and execute — by running model-submitted code in the sandbox with
// a curated set of injected host functions (spec.md §6).
package gatewaytools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/toolmesh/gateway/internal/domain/catalog"
	"github.com/toolmesh/gateway/internal/sandbox"
	"github.com/toolmesh/gateway/internal/service/toolproxy"
)

const (
	defaultMaxResultChars   = 64 * 1024
	defaultSearchTimeoutMs  = 2000
	defaultExecuteTimeoutMs = 10000
)

// Catalog is the subset of catalog.Store the search tool's globals depend on.
type Catalog interface {
	ListServers(ctx context.Context) ([]catalog.ServerConfig, error)
	SearchTools(ctx context.Context, q catalog.SearchQuery) ([]catalog.ToolRecord, error)
	GetTool(ctx context.Context, serverID, toolName string) (*catalog.ToolRecord, error)
}

// ToolCaller is the subset of the Tool Proxy the execute tool's tool.call
// global depends on.
type ToolCaller interface {
	Call(ctx context.Context, req toolproxy.CallRequest) (any, error)
}

// ToolCallResult is the bit-compatible output shape for both search and
// execute (spec.md §6).
type ToolCallResult struct {
	IsError           bool           `json:"isError,omitempty"`
	Content           []any          `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
}

// Options tunes the per-call budgets. Zero values fall back to defaults.
type Options struct {
	MaxResultChars   int
	MaxCodeLength    int
	SearchTimeoutMs  int
	ExecuteTimeoutMs int
}

// Handlers implements the search/execute tool surface.
type Handlers struct {
	sandbox    *sandbox.Runtime
	catalog    Catalog
	toolCaller ToolCaller
	logger     *slog.Logger
	opts       Options
}

// New builds a Handlers.
func New(runtime *sandbox.Runtime, cat Catalog, toolCaller ToolCaller, logger *slog.Logger, opts Options) *Handlers {
	if opts.MaxResultChars <= 0 {
		opts.MaxResultChars = defaultMaxResultChars
	}
	if opts.SearchTimeoutMs <= 0 {
		opts.SearchTimeoutMs = defaultSearchTimeoutMs
	}
	if opts.ExecuteTimeoutMs <= 0 {
		opts.ExecuteTimeoutMs = defaultExecuteTimeoutMs
	}
	return &Handlers{sandbox: runtime, catalog: cat, toolCaller: toolCaller, logger: logger, opts: opts}
}

// Search runs code in the sandbox with a read-only catalog global
// (listServers/findTools/getTool) and returns its result verbatim, mirrored
// into both a text content item and structuredContent.result.
func (h *Handlers) Search(ctx context.Context, code string) (*ToolCallResult, error) {
	globals := map[string]any{
		"catalog": map[string]any{
			"listServers": sandbox.HostFunc(h.listServers),
			"findTools":   sandbox.HostFunc(h.findTools),
			"getTool":     sandbox.HostFunc(h.getTool),
		},
	}
	result, err := h.sandbox.Run(ctx, sandbox.Request{
		Code:          code,
		TimeoutMs:     h.opts.SearchTimeoutMs,
		MaxCodeLength: h.opts.MaxCodeLength,
		Globals:       globals,
	})
	if err != nil {
		h.logger.Warn("search.failed", "error", err)
		return errorResult("search", err), nil
	}
	return h.finish(result.Value)
}

// Execute runs code in the sandbox with a tool.call global that forwards to
// the Tool Proxy, normalizes the returned value per spec.md §6's execute
// output normalization table, and emits it identically to Search.
func (h *Handlers) Execute(ctx context.Context, code string) (*ToolCallResult, error) {
	globals := map[string]any{
		"tool": map[string]any{
			"call": sandbox.HostFunc(h.callTool),
		},
	}
	result, err := h.sandbox.Run(ctx, sandbox.Request{
		Code:          code,
		TimeoutMs:     h.opts.ExecuteTimeoutMs,
		MaxCodeLength: h.opts.MaxCodeLength,
		Globals:       globals,
	})
	if err != nil {
		h.logger.Warn("execute.failed", "error", err)
		return errorResult("execute", err), nil
	}
	return h.finish(normalizeExecuteResult(result.Value))
}

func (h *Handlers) finish(value any) (*ToolCallResult, error) {
	serialized, err := sandbox.SerializeWithLimit(value, h.opts.MaxResultChars)
	if err != nil {
		return nil, fmt.Errorf("gatewaytools: serialize result: %w", err)
	}
	return &ToolCallResult{
		Content:           []any{map[string]any{"type": "text", "text": serialized}},
		StructuredContent: map[string]any{"result": value},
	}, nil
}

func errorResult(op string, err error) *ToolCallResult {
	return &ToolCallResult{
		IsError: true,
		Content: []any{map[string]any{
			"type": "text",
			"text": fmt.Sprintf("%s() failed: %s", op, err.Error()),
		}},
	}
}

func (h *Handlers) listServers(ctx context.Context, args []any) (any, error) {
	servers, err := h.catalog.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(servers))
	for _, s := range servers {
		out = append(out, map[string]any{
			"id":      s.ID,
			"name":    s.Name,
			"enabled": s.Enabled,
		})
	}
	return out, nil
}

func (h *Handlers) findTools(ctx context.Context, args []any) (any, error) {
	var opts map[string]any
	if len(args) > 0 {
		opts, _ = args[0].(map[string]any)
	}

	query := catalog.SearchQuery{}
	if opts != nil {
		if q, ok := opts["query"].(string); ok {
			query.Query = q
		}
		if sid, ok := opts["serverId"].(string); ok {
			query.ServerID = sid
		}
		if limit, ok := opts["limit"].(float64); ok {
			query.Limit = int(limit)
		}
	}

	tools, err := h.catalog.SearchTools(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolSummary(t))
	}
	return out, nil
}

func (h *Handlers) getTool(ctx context.Context, args []any) (any, error) {
	serverID, toolName, err := twoStringArgs(args)
	if err != nil {
		return nil, err
	}
	tool, err := h.catalog.GetTool(ctx, serverID, toolName)
	if err != nil {
		return nil, err
	}
	return toolDetail(*tool), nil
}

func (h *Handlers) callTool(ctx context.Context, args []any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("gatewaytools: tool.call requires a request object")
	}
	req, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("gatewaytools: tool.call argument must be an object")
	}
	serverID, _ := req["serverId"].(string)
	name, _ := req["name"].(string)
	arguments, _ := req["arguments"].(map[string]any)

	return h.toolCaller.Call(ctx, toolproxy.CallRequest{
		ServerID:  serverID,
		Name:      name,
		Arguments: arguments,
	})
}

func twoStringArgs(args []any) (string, string, error) {
	if len(args) < 2 {
		return "", "", fmt.Errorf("gatewaytools: expected 2 string arguments, got %d", len(args))
	}
	a, okA := args[0].(string)
	b, okB := args[1].(string)
	if !okA || !okB {
		return "", "", fmt.Errorf("gatewaytools: expected string arguments")
	}
	return a, b, nil
}

func toolSummary(t catalog.ToolRecord) map[string]any {
	return map[string]any{
		"serverId":    t.ServerID,
		"name":        t.Name,
		"title":       t.Title,
		"description": t.Description,
	}
}

func toolDetail(t catalog.ToolRecord) map[string]any {
	return map[string]any{
		"serverId":     t.ServerID,
		"name":         t.Name,
		"title":        t.Title,
		"description":  t.Description,
		"inputSchema":  t.InputSchema,
		"outputSchema": t.OutputSchema,
		"annotations":  t.Annotations,
	}
}
