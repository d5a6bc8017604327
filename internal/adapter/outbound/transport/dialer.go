package transport

import (
	"context"
	"fmt"

	"github.com/toolmesh/gateway/internal/domain/catalog"
	"github.com/toolmesh/gateway/internal/port/outbound"
)

// Dialer builds the concrete outbound.Transport for a server config,
// picking the adapter by cfg.Transport.Kind.
type Dialer struct{}

// NewDialer returns the default Dialer. It has no state; exported as a
// constructor to match the adapter-construction convention used elsewhere
// in this package.
func NewDialer() Dialer {
	return Dialer{}
}

func (Dialer) Dial(ctx context.Context, cfg catalog.ServerConfig) (outbound.Transport, error) {
	switch cfg.Transport.Kind {
	case catalog.TransportStreamHTTP:
		return NewHTTPTransport(cfg)
	case catalog.TransportStdio:
		return DialStdio(ctx, cfg)
	default:
		return nil, fmt.Errorf("server %s: unsupported transport kind %q", cfg.ID, cfg.Transport.Kind)
	}
}

var _ outbound.Dialer = Dialer{}
