// Package toolproxy authorizes, validates, and routes a tool invocation to
// the Upstream Manager, triggering on-demand refresh on catalog misses or
// schema validation failures (spec.md §4.4).
package toolproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/toolmesh/gateway/internal/domain/catalog"
	"github.com/toolmesh/gateway/internal/telemetry"
)

// Sentinel errors, mirroring catalog's own package-scope error declarations
// (internal/domain/catalog/store.go's ErrServerNotFound/ErrToolNotFound).
var (
	ErrServerNotFound   = errors.New("toolproxy: server not found")
	ErrServerDisabled   = errors.New("toolproxy: server disabled")
	ErrAllowListDenied  = errors.New("toolproxy: tool denied by allow-list")
	ErrToolNotFound     = errors.New("toolproxy: tool not found")
	ErrValidationFailed = errors.New("toolproxy: validation failed")
)

// Catalog is the subset of catalog.Store Tool Proxy depends on.
type Catalog interface {
	GetServer(ctx context.Context, id string) (*catalog.ServerConfig, error)
	GetTool(ctx context.Context, serverID, toolName string) (*catalog.ToolRecord, error)
}

// Upstream is the subset of the Upstream Manager Tool Proxy depends on.
type Upstream interface {
	CallTool(ctx context.Context, serverID, name string, arguments map[string]any) (any, error)
}

// RefreshFunc is a hook that triggers a targeted sync for one server,
// injected so Tool Proxy can absorb catalog/upstream drift without owning
// Sync Service directly.
type RefreshFunc func(ctx context.Context, serverID string) error

// CallRequest is the Tool Proxy's single entry point's input.
type CallRequest struct {
	ServerID  string
	Name      string
	Arguments map[string]any
}

// schemaCacheKey identifies one compiled validator, invalidated whenever the
// snapshot hash it was compiled against changes (spec.md §4.4 "rationale").
type schemaCacheKey struct {
	serverID     string
	toolName     string
	snapshotHash string
}

// Proxy is the Tool Proxy (spec.md §4.4).
type Proxy struct {
	catalog Catalog
	upstream Upstream
	refresh RefreshFunc
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu          sync.Mutex
	schemaCache map[schemaCacheKey]*jsonschema.Schema
}

// New builds a Proxy. refresh may be nil, in which case refresh-on-miss and
// refresh-on-validation-failure are simply skipped (their failure path
// degrades to "still missing" / "validation still fails").
func New(catalog Catalog, upstream Upstream, refresh RefreshFunc, logger *slog.Logger) *Proxy {
	return &Proxy{
		catalog:     catalog,
		upstream:    upstream,
		refresh:     refresh,
		logger:      logger,
		schemaCache: make(map[schemaCacheKey]*jsonschema.Schema),
	}
}

// SetMetrics attaches a telemetry.Metrics recorder. Optional: a nil (or
// never-called) SetMetrics leaves every recording site a no-op.
func (p *Proxy) SetMetrics(metrics *telemetry.Metrics) { p.metrics = metrics }

// Call runs the full authorize/validate/route algorithm (spec.md §4.4).
func (p *Proxy) Call(ctx context.Context, req CallRequest) (any, error) {
	result, err := p.call(ctx, req)
	if p.metrics != nil {
		label := "ok"
		if err != nil {
			label = "error"
		}
		p.metrics.ToolCallsTotal.WithLabelValues(req.ServerID, label).Inc()
	}
	return result, err
}

func (p *Proxy) call(ctx context.Context, req CallRequest) (any, error) {
	server, err := p.catalog.GetServer(ctx, req.ServerID)
	if err != nil {
		if errors.Is(err, catalog.ErrServerNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrServerNotFound, req.ServerID)
		}
		return nil, fmt.Errorf("get server %s: %w", req.ServerID, err)
	}
	if !server.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrServerDisabled, req.ServerID)
	}

	if !server.MatchesAllowList(req.Name) {
		return nil, fmt.Errorf("%w: %s/%s", ErrAllowListDenied, req.ServerID, req.Name)
	}

	tool, err := p.lookupTool(ctx, req.ServerID, req.Name)
	if err != nil {
		return nil, err
	}

	arguments := req.Arguments
	if arguments == nil {
		arguments = map[string]any{}
	}

	validateErr := p.validate(tool, arguments)
	if validateErr != nil {
		if p.refresh != nil {
			if refreshedTool, refreshedErr := p.refreshAndRelookup(ctx, req.ServerID, req.Name); refreshedErr == nil {
				// Re-validate against the refreshed record; on continued
				// failure, the *original* error is what the caller sees
				// (spec.md §4.4 step 4).
				if p.validate(refreshedTool, arguments) == nil {
					tool = refreshedTool
					validateErr = nil
				}
			}
		}
		if validateErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidationFailed, validateErr)
		}
	}

	return p.upstream.CallTool(ctx, req.ServerID, req.Name, arguments)
}

func (p *Proxy) lookupTool(ctx context.Context, serverID, name string) (*catalog.ToolRecord, error) {
	tool, err := p.catalog.GetTool(ctx, serverID, name)
	if err == nil {
		return tool, nil
	}
	if !errors.Is(err, catalog.ErrToolNotFound) {
		return nil, fmt.Errorf("get tool %s/%s: %w", serverID, name, err)
	}

	if p.refresh != nil {
		p.logger.Info("proxy.refresh.start", "server", serverID, "tool", name)
		if refreshErr := p.refresh(ctx, serverID); refreshErr != nil {
			p.logger.Warn("proxy.refresh.failed", "server", serverID, "error", refreshErr)
		} else if refreshed, refreshedErr := p.catalog.GetTool(ctx, serverID, name); refreshedErr == nil {
			return refreshed, nil
		}
	}

	return nil, fmt.Errorf("%w: %s/%s", ErrToolNotFound, serverID, name)
}

func (p *Proxy) refreshAndRelookup(ctx context.Context, serverID, name string) (*catalog.ToolRecord, error) {
	p.logger.Info("proxy.refresh.start", "server", serverID, "tool", name)
	if err := p.refresh(ctx, serverID); err != nil {
		return nil, fmt.Errorf("refresh %s: %w", serverID, err)
	}
	return p.catalog.GetTool(ctx, serverID, name)
}

// validate compiles-and-caches tool's input schema validator keyed by
// (serverId, toolName, snapshotHash), then validates arguments against it.
func (p *Proxy) validate(tool *catalog.ToolRecord, arguments map[string]any) error {
	schema, err := p.compiledSchema(tool)
	if err != nil {
		return fmt.Errorf("compile schema for %s/%s: %w", tool.ServerID, tool.Name, err)
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(arguments); err != nil {
		return err
	}
	return nil
}

func (p *Proxy) compiledSchema(tool *catalog.ToolRecord) (*jsonschema.Schema, error) {
	if len(tool.InputSchema) == 0 {
		return nil, nil
	}

	key := schemaCacheKey{serverID: tool.ServerID, toolName: tool.Name, snapshotHash: tool.SnapshotHash}

	p.mu.Lock()
	if schema, ok := p.schemaCache[key]; ok {
		p.mu.Unlock()
		return schema, nil
	}
	p.mu.Unlock()

	compiler := jsonschema.NewCompiler()
	resourceName := schemaResourceName(tool.ServerID, tool.Name)
	if err := compiler.AddResource(resourceName, tool.InputSchema); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	p.mu.Lock()
	p.schemaCache[key] = schema
	p.mu.Unlock()
	return schema, nil
}

var nonWordRunes = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func schemaResourceName(serverID, toolName string) string {
	return "mem://" + nonWordRunes.ReplaceAllString(serverID+"-"+toolName, "_") + ".json"
}
