package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/toolmesh/gateway/internal/adapter/outbound/sqlitecatalog"
	"github.com/toolmesh/gateway/internal/adapter/outbound/transport"
	"github.com/toolmesh/gateway/internal/config"
	"github.com/toolmesh/gateway/internal/domain/catalog"
	"github.com/toolmesh/gateway/internal/sandbox"
	"github.com/toolmesh/gateway/internal/service/gatewaytools"
	"github.com/toolmesh/gateway/internal/service/syncservice"
	"github.com/toolmesh/gateway/internal/service/toolproxy"
	"github.com/toolmesh/gateway/internal/service/upstreammanager"
	"github.com/toolmesh/gateway/internal/telemetry"
)

// components bundles every core component after a full bootstrap, so serve
// and sync can share the wiring algorithm and only differ in what they do
// with the result.
type components struct {
	store    *sqlitecatalog.Store
	manager  *upstreammanager.Manager
	sync     *syncservice.Service
	proxy    *toolproxy.Proxy
	handlers *gatewaytools.Handlers
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
}

// buildComponents opens the catalog, seeds it from cfg.Servers, and wires
// the Upstream Manager, Sync Service, Tool Proxy, and Sandbox Runtime
// together exactly as SPEC_FULL.md §4 describes, registering telemetry on a
// fresh Prometheus registry throughout.
func buildComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	store, err := sqlitecatalog.Open(cfg.Catalog.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	serverConfigs := make([]catalog.ServerConfig, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		serverConfigs = append(serverConfigs, s.ToCatalogServer())
	}
	if err := store.UpsertServers(context.Background(), serverConfigs); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seed catalog servers: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	dialer := transport.NewDialer()
	manager := upstreammanager.New(serverConfigs, dialer, logger)
	manager.SetMetrics(metrics)

	syncSvc, err := syncservice.New(manager, store, logger, cfg.Sync.SnapshotDir)
	if err != nil {
		_ = manager.CloseAll()
		_ = store.Close()
		return nil, fmt.Errorf("create sync service: %w", err)
	}
	syncSvc.SetMetrics(metrics)

	refresh := func(ctx context.Context, serverID string) error {
		server, err := store.GetServer(ctx, serverID)
		if err != nil {
			return fmt.Errorf("lookup server %s for refresh: %w", serverID, err)
		}
		_, err = syncSvc.SyncServer(ctx, *server)
		return err
	}

	proxy := toolproxy.New(store, manager, refresh, logger)
	proxy.SetMetrics(metrics)

	sandboxRuntime := sandbox.New(logger)
	sandboxRuntime.SetMetrics(metrics)

	handlers := gatewaytools.New(sandboxRuntime, store, proxy, logger, gatewaytools.Options{
		MaxResultChars: cfg.Sandbox.MaxResultChars,
		MaxCodeLength:  cfg.Sandbox.MaxCodeLength,
	})

	return &components{
		store:    store,
		manager:  manager,
		sync:     syncSvc,
		proxy:    proxy,
		handlers: handlers,
		registry: registry,
		metrics:  metrics,
	}, nil
}

// loadConfig resolves config the same way across every subcommand: raw load
// (so --dev can still apply before validation), then dev defaults, then
// regular defaults, then validation, matching the teacher's runStart ordering.
func loadConfig(devMode bool) (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// parseLogLevel converts a string log level to slog.Level, defaulting to
// info for unrecognized values (teacher's internal/config and cmd convention).
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process-wide structured logger, writing to stderr so
// stdout stays free for a future stdio MCP transport (teacher's runStart
// convention: "stdout reserved for MCP stream in stdio mode").
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	logger.Debug("log level configured", "level", cfg.LogLevel, "effective", level.String())
	return logger
}
