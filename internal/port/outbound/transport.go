// Package outbound defines the outbound port interfaces the core services
// depend on: the upstream transport and the catalog store.
package outbound

import (
	"context"

	"github.com/toolmesh/gateway/internal/domain/catalog"
)

// Transport is the outbound port for talking to one connected upstream.
// Adapters implement it per transport kind (stream-over-HTTP, stdio).
// A Transport value corresponds to one live connection; the Upstream
// Manager owns at most one per server id at a time.
type Transport interface {
	// ListTools asks the upstream for its current tool list.
	ListTools(ctx context.Context) ([]catalog.ToolDescriptor, error)

	// CallTool invokes name on the upstream with arguments, returning the
	// upstream's result verbatim (an arbitrary JSON-shaped value).
	CallTool(ctx context.Context, name string, arguments map[string]any) (any, error)

	// Close releases any resources held by the connection (subprocess,
	// HTTP idle connections). Close is safe to call more than once.
	Close() error
}

// Dialer builds a Transport for a server config. Implementations pick the
// concrete adapter based on cfg.Transport.Kind.
type Dialer interface {
	Dial(ctx context.Context, cfg catalog.ServerConfig) (Transport, error)
}
