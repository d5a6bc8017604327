package cmd

import (
	"context"
	"errors"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/toolmesh/gateway/internal/config"
	"github.com/toolmesh/gateway/internal/service/upstreammanager"
	"github.com/toolmesh/gateway/internal/telemetry"
)

// healthReportInterval is how often ReportHealthMetrics polls the Upstream
// Manager's health snapshot into the upstream_health gauge.
const healthReportInterval = 15 * time.Second

var serveDevMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Connect to every configured upstream, run an initial catalog sync,
start the periodic sync scheduler, and serve Prometheus metrics until
interrupted.

This command wires the core (Catalog Store, Upstream Manager, Sync Service,
Tool Proxy, Sandbox Runtime) together; it does not itself expose search/
execute to a model client over stdio or HTTP -- that is the out-of-scope
outer framing server's job (SPEC_FULL.md §1), consumed through this
process's internal/service/gatewaytools.Handlers.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDevMode, "dev", false, "enable development mode (verbose logging, shorter sync interval)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(serveDevMode)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}

	providers, err := telemetry.Init(ctx, os.Stderr)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without tracing", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metricsServer := startMetricsServer(cfg.MetricsAddr, c.registry, logger)
	defer func() {
		if metricsServer == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}()

	results, err := c.sync.SyncAllServers(ctx)
	if err != nil {
		logger.Error("initial sync failed", "error", err)
	}
	for _, r := range results {
		if r.Err != nil {
			logger.Warn("initial sync: server failed", "server", r.ServerID, "error", r.Err)
			continue
		}
		logger.Info("initial sync: server synced", "server", r.ServerID, "tools", r.ToolCount)
	}

	stopSync := c.sync.StartIntervalSync(ctx, cfg.Sync.IntervalSeconds)
	stopHealthTicker := startHealthTicker(ctx, c.manager, healthReportInterval)

	logger.Info("toolmesh-gateway started",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"metrics_addr", cfg.MetricsAddr,
		"servers", len(cfg.Servers),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	// Shutdown order per SPEC_FULL.md §5: scheduler stop, then upstream
	// closeAll, then catalog close. The sandbox has no shared resource to
	// release (a fresh *lua.LState* per invocation).
	stopSync()
	stopHealthTicker()
	if err := c.manager.CloseAll(); err != nil {
		logger.Warn("upstream manager close failed", "error", err)
	}
	if err := c.store.Close(); err != nil {
		logger.Warn("catalog close failed", "error", err)
	}

	logger.Info("toolmesh-gateway stopped")
	return nil
}

// startMetricsServer serves /metrics (Prometheus) and /healthz on addr, or
// returns nil if addr is empty (the listener is disabled).
func startMetricsServer(addr string, registry *prometheus.Registry, logger *slog.Logger) *stdhttp.Server {
	if addr == "" {
		return nil
	}
	mux := stdhttp.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.WriteHeader(stdhttp.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &stdhttp.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics server listening", "addr", addr)
	return server
}

// startHealthTicker calls manager.ReportHealthMetrics on a ticker until ctx
// is done, returning a stop function that cancels it early.
func startHealthTicker(ctx context.Context, manager *upstreammanager.Manager, interval time.Duration) (stop func()) {
	tickerCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				manager.ReportHealthMetrics()
			case <-tickerCtx.Done():
				return
			}
		}
	}()
	return cancel
}
