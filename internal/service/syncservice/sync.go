// Package syncservice pulls tool lists from upstreams on schedule or on
// demand, writes immutable snapshot files, and atomically replaces the
// catalog's tool rows for the synced server.
package syncservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/toolmesh/gateway/internal/domain/catalog"
	"github.com/toolmesh/gateway/internal/telemetry"
)

// minIntervalSeconds is the floor enforced by StartIntervalSync.
const minIntervalSeconds = 10

// Upstream is the subset of the Upstream Manager's surface Sync Service
// depends on.
type Upstream interface {
	ListServerConfigs(ctx context.Context) ([]catalog.ServerConfig, error)
	ListTools(ctx context.Context, serverID string) ([]catalog.ToolDescriptor, error)
}

// Catalog is the subset of catalog.Store Sync Service depends on.
type Catalog interface {
	ReplaceServerTools(ctx context.Context, serverID, snapshotHash, snapshotPath string, tools []catalog.ToolRecord) error
}

// snapshotPayload is serialized to disk and hashed to produce a tool set's
// snapshotHash (spec.md §3/§4.3).
type snapshotPayload struct {
	FetchedAt string                    `json:"fetchedAt"`
	Server    catalog.ServerConfig      `json:"server"`
	Tools     []catalog.ToolDescriptor  `json:"tools"`
}

// ServerSyncResult summarizes one syncServer call, returned by SyncAllServers.
type ServerSyncResult struct {
	ServerID     string
	ToolCount    int
	SnapshotHash string
	Err          error
}

// Service is the Sync Service (spec.md §4.3).
type Service struct {
	upstream    Upstream
	catalog     Catalog
	logger      *slog.Logger
	snapshotDir string
	metrics     *telemetry.Metrics
}

// New builds a Service and ensures snapshotDir exists.
func New(upstream Upstream, store Catalog, logger *slog.Logger, snapshotDir string) (*Service, error) {
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure snapshot dir %s: %w", snapshotDir, err)
	}
	return &Service{upstream: upstream, catalog: store, logger: logger, snapshotDir: snapshotDir}, nil
}

// SetMetrics attaches a telemetry.Metrics recorder. Optional: a nil (or
// never-called) SetMetrics leaves every recording site a no-op.
func (s *Service) SetMetrics(metrics *telemetry.Metrics) { s.metrics = metrics }

// SyncServer runs the full sync algorithm for one server (spec.md §4.3):
// list tools, write a snapshot file, derive tool records, and atomically
// replace the catalog's rows for it.
func (s *Service) SyncServer(ctx context.Context, server catalog.ServerConfig) (ServerSyncResult, error) {
	s.logger.Info("sync starting", "server", server.ID)
	start := time.Now()

	descriptors, err := s.upstream.ListTools(ctx, server.ID)
	if err != nil {
		s.recordResult(server.ID, start, "error")
		return ServerSyncResult{ServerID: server.ID}, fmt.Errorf("list tools for %s: %w", server.ID, err)
	}

	now := time.Now().UTC()
	payload := snapshotPayload{
		FetchedAt: now.Format(time.RFC3339),
		Server:    server,
		Tools:     descriptors,
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		s.recordResult(server.ID, start, "error")
		return ServerSyncResult{ServerID: server.ID}, fmt.Errorf("serialize snapshot for %s: %w", server.ID, err)
	}

	hash := catalog.SnapshotHash(serialized)
	snapshotPath, err := s.writeSnapshot(server.ID, now, hash, serialized)
	if err != nil {
		s.recordResult(server.ID, start, "error")
		return ServerSyncResult{ServerID: server.ID}, fmt.Errorf("write snapshot for %s: %w", server.ID, err)
	}

	tools := make([]catalog.ToolRecord, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, catalog.ToolRecord{
			ServerID:       server.ID,
			Name:           d.Name,
			Title:          d.Title,
			Description:    d.Description,
			InputSchema:    d.InputSchema,
			OutputSchema:   d.OutputSchema,
			Annotations:    d.Annotations,
			SearchableText: searchableText(d),
			SnapshotHash:   hash,
		})
	}

	if err := s.catalog.ReplaceServerTools(ctx, server.ID, hash, snapshotPath, tools); err != nil {
		s.recordResult(server.ID, start, "error")
		return ServerSyncResult{ServerID: server.ID}, fmt.Errorf("replace tools for %s: %w", server.ID, err)
	}

	s.logger.Info("sync complete", "server", server.ID, "snapshot_hash", hash, "tool_count", len(tools))
	s.recordResult(server.ID, start, "ok")
	if s.metrics != nil {
		s.metrics.SyncToolsSynced.WithLabelValues(server.ID).Set(float64(len(tools)))
	}
	return ServerSyncResult{ServerID: server.ID, ToolCount: len(tools), SnapshotHash: hash}, nil
}

// recordResult records one sync run's outcome and duration into the
// attached telemetry.Metrics, a no-op when metrics is unset.
func (s *Service) recordResult(serverID string, start time.Time, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SyncRunsTotal.WithLabelValues(serverID, result).Inc()
	s.metrics.SyncDuration.WithLabelValues(serverID).Observe(time.Since(start).Seconds())
}

// searchableText computes the lowercase, space-joined concatenation of a
// tool descriptor's searchable fields, skipping empty strings (spec.md §4.3
// step 5).
func searchableText(d catalog.ToolDescriptor) string {
	parts := []string{d.Name, d.Title, d.Description}
	if len(d.InputSchema) > 0 {
		if b, err := json.Marshal(d.InputSchema); err == nil {
			parts = append(parts, string(b))
		}
	}
	if len(d.Annotations) > 0 {
		if b, err := json.Marshal(d.Annotations); err == nil {
			parts = append(parts, string(b))
		}
	}

	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.ToLower(strings.Join(nonEmpty, " "))
}

// writeSnapshot writes serialized to {snapshotDir}/{serverId}/{isoFilename}-{hash}.json
// via a temp-file-then-rename atomic write, returning the final path.
func (s *Service) writeSnapshot(serverID string, now time.Time, hash string, serialized []byte) (string, error) {
	dir := filepath.Join(s.snapshotDir, serverID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure server snapshot dir: %w", err)
	}

	finalPath := filepath.Join(dir, fmt.Sprintf("%s-%s.json", catalog.ISOFilename(now), hash))
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp snapshot file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(serialized); err != nil {
		cleanup()
		return "", fmt.Errorf("write temp snapshot file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("fsync temp snapshot file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename temp snapshot file: %w", err)
	}

	return finalPath, nil
}

// SyncAllServers runs SyncServer sequentially over every enabled server, in
// configured order, and never aborts early on a per-server failure (spec.md
// §4.3, §5: "servers are processed in configured order").
func (s *Service) SyncAllServers(ctx context.Context) ([]ServerSyncResult, error) {
	servers, err := s.upstream.ListServerConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list server configs: %w", err)
	}

	results := make([]ServerSyncResult, 0, len(servers))
	for _, server := range servers {
		if !server.Enabled {
			continue
		}
		result, err := s.SyncServer(ctx, server)
		if err != nil {
			s.logger.Error("sync failed", "server", server.ID, "error", err)
			result.Err = err
		}
		results = append(results, result)
	}
	return results, nil
}

// StartIntervalSync schedules SyncAllServers on a ticker, enforcing a floor
// of minIntervalSeconds. A failed run is logged and never stops the
// scheduler (spec.md §4.3: "sync.interval.failed", "never terminates the
// scheduler"). The returned stop function cancels the scheduler goroutine.
func (s *Service) StartIntervalSync(ctx context.Context, intervalSeconds int) (stop func()) {
	if intervalSeconds < minIntervalSeconds {
		intervalSeconds = minIntervalSeconds
	}

	tickerCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.SyncAllServers(tickerCtx); err != nil {
					s.logger.Error("sync.interval.failed", "error", err)
				}
			case <-tickerCtx.Done():
				return
			}
		}
	}()

	return cancel
}
