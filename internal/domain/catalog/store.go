package catalog

import (
	"context"
	"errors"
)

// Sentinel errors for catalog store operations.
var (
	// ErrServerNotFound is returned when a server with the given id does not exist.
	ErrServerNotFound = errors.New("catalog: server not found")
	// ErrToolNotFound is returned when a (serverId, toolName) pair does not exist.
	ErrToolNotFound = errors.New("catalog: tool not found")
)

// Store is the port (interface) for the durable, indexed catalog. It is
// implemented by internal/adapter/outbound/sqlitecatalog.Store.
//
// Invariants enforced by conforming implementations (spec.md §3):
//  1. For each ServerID, all tool rows share the latest SnapshotHash.
//  2. ReplaceServerTools is atomic: delete-then-insert in one transaction,
//     together with snapshot registration and the server's LastSyncedAt stamp.
type Store interface {
	// UpsertServers idempotently bulk-upserts server configs by id,
	// preserving each server's LastSyncedAt.
	UpsertServers(ctx context.Context, configs []ServerConfig) error

	// ReplaceServerTools atomically replaces all tool rows for serverID with
	// tools, registers a snapshot row (ignoring a duplicate snapshotHash),
	// and stamps the server's LastSyncedAt to now.
	ReplaceServerTools(ctx context.Context, serverID, snapshotHash, snapshotPath string, tools []ToolRecord) error

	// ListServers returns all server records ordered by id.
	ListServers(ctx context.Context) ([]ServerConfig, error)

	// GetServer returns a single server config by id.
	GetServer(ctx context.Context, id string) (*ServerConfig, error)

	// SearchTools returns tool records matching q. See SearchQuery and
	// spec.md §4.1 for ordering and filtering semantics.
	SearchTools(ctx context.Context, q SearchQuery) ([]ToolRecord, error)

	// GetTool looks up a single (serverID, toolName) row.
	GetTool(ctx context.Context, serverID, toolName string) (*ToolRecord, error)

	// Close releases the underlying database handle.
	Close() error
}
