// Package upstreammanager owns one logical connection per upstream server:
// lazy connection establishment, health tracking, and retry/backoff for
// restartable transports.
package upstreammanager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/toolmesh/gateway/internal/domain/catalog"
	"github.com/toolmesh/gateway/internal/domain/health"
	"github.com/toolmesh/gateway/internal/port/outbound"
	"github.com/toolmesh/gateway/internal/telemetry"
)

// connState is the connection lifecycle state for one server (spec.md §4.2).
type connState int

const (
	connIdle connState = iota
	connConnecting
	connConnected
	connClosed
)

// connection holds the runtime state for one upstream. connMu serializes
// connect attempts so concurrent callers share a single in-flight dial
// (spec.md invariant 2: "at most one in-flight connection attempt per
// serverId"); mu guards the fields read/written by health reporting and
// operation bookkeeping.
type connection struct {
	cfg catalog.ServerConfig

	connMu sync.Mutex

	mu        sync.Mutex
	transport outbound.Transport
	state     connState
	health    health.State
}

// Manager is the Upstream Manager (spec.md §4.2).
type Manager struct {
	dialer  outbound.Dialer
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu    sync.RWMutex
	conns map[string]*connection
	// order preserves configured order (spec.md: "servers are processed in
	// configured order" within one syncAllServers pass), since conns is keyed
	// by id and iterating a map is unordered.
	order []string

	backoffBase  time.Duration
	backoffCap   time.Duration
	stdioRetries int
}

// SetMetrics attaches a telemetry.Metrics recorder. Optional: a nil (or
// never-called) SetMetrics leaves every recording site a no-op.
func (m *Manager) SetMetrics(metrics *telemetry.Metrics) { m.metrics = metrics }

// ReportHealthMetrics publishes the current health snapshot of every server
// into the attached telemetry.Metrics gauge. Intended to be called on a
// ticker by the CLI bootstrap alongside the Sync Service's scheduler.
func (m *Manager) ReportHealthMetrics() {
	if m.metrics == nil {
		return
	}
	for _, snap := range m.GetHealthSnapshot() {
		m.metrics.UpstreamHealth.WithLabelValues(snap.ServerID).Set(healthGaugeValue(snap.Status))
	}
}

func healthGaugeValue(status health.Status) float64 {
	switch status {
	case health.StatusHealthy:
		return 3
	case health.StatusDegraded:
		return 2
	case health.StatusDown:
		return 1
	default: // health.StatusDisabled
		return 0
	}
}

// New builds a Manager for configs. Every config, enabled or not, gets a
// health-tracked entry; disabled servers simply reject every operation.
func New(configs []catalog.ServerConfig, dialer outbound.Dialer, logger *slog.Logger) *Manager {
	m := &Manager{
		dialer:       dialer,
		logger:       logger,
		conns:        make(map[string]*connection, len(configs)),
		order:        make([]string, 0, len(configs)),
		backoffBase:  1 * time.Second,
		backoffCap:   60 * time.Second,
		stdioRetries: 2,
	}
	for _, cfg := range configs {
		m.conns[cfg.ID] = &connection{
			cfg: cfg,
			health: health.State{
				TransportKind: string(cfg.Transport.Kind),
				Enabled:       cfg.Enabled,
			},
		}
		m.order = append(m.order, cfg.ID)
	}
	return m
}

// SetBackoffBase overrides the base backoff duration (exported for tests).
func (m *Manager) SetBackoffBase(d time.Duration) { m.backoffBase = d }

// SetBackoffCap overrides the backoff ceiling (exported for tests).
func (m *Manager) SetBackoffCap(d time.Duration) { m.backoffCap = d }

// SetStdioRetries overrides the number of retries attempted after the first
// failed stdio operation (exported for tests). maxAttempts = retries + 1.
func (m *Manager) SetStdioRetries(n int) { m.stdioRetries = n }

// ListServerConfigs returns every configured server in configured order
// (spec.md: "servers are processed in configured order" within one
// syncAllServers pass).
func (m *Manager) ListServerConfigs(ctx context.Context) ([]catalog.ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]catalog.ServerConfig, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.conns[id].cfg)
	}
	return out, nil
}

// GetServerConfig returns a single server's config.
func (m *Manager) GetServerConfig(ctx context.Context, id string) (*catalog.ServerConfig, error) {
	conn, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	cfg := conn.cfg
	return &cfg, nil
}

// ListTools asks the upstream for its tool list, wrapped in the operation
// retry policy described in spec.md §4.2.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]catalog.ToolDescriptor, error) {
	result, err := m.doOperation(ctx, serverID, func(ctx context.Context, t outbound.Transport) (any, error) {
		return t.ListTools(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]catalog.ToolDescriptor), nil
}

// CallTool invokes name on the given upstream, wrapped in the same retry
// policy as ListTools.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, arguments map[string]any) (any, error) {
	return m.doOperation(ctx, serverID, func(ctx context.Context, t outbound.Transport) (any, error) {
		return t.CallTool(ctx, name, arguments)
	})
}

// GetHealthSnapshot returns every server's derived health, sorted by id.
func (m *Manager) GetHealthSnapshot() []health.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]health.Snapshot, 0, len(m.conns))
	for id, conn := range m.conns {
		conn.mu.Lock()
		snap := health.NewSnapshot(id, conn.health)
		conn.mu.Unlock()
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// CloseAll closes every live transport, swallowing individual errors (only
// logging them) per spec.md §4.2/§5.
func (m *Manager) CloseAll() error {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.disposeConnection(conn); err != nil {
			m.logger.Error("closing upstream transport", "server", conn.cfg.ID, "error", err)
		}
	}
	return nil
}

func (m *Manager) lookup(serverID string) (*connection, error) {
	m.mu.RLock()
	conn, ok := m.conns[serverID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("server %s: %w", serverID, catalog.ErrServerNotFound)
	}
	return conn, nil
}

// doOperation implements spec.md §4.2's "Operation retry policy": count the
// call, reject disabled servers immediately, attempt up to maxAttempts
// times with exponential backoff between attempts, and update health
// counters after every attempt.
func (m *Manager) doOperation(ctx context.Context, serverID string, op func(context.Context, outbound.Transport) (any, error)) (any, error) {
	conn, err := m.lookup(serverID)
	if err != nil {
		return nil, err
	}

	conn.mu.Lock()
	conn.health.TotalCalls++
	enabled := conn.health.Enabled
	conn.mu.Unlock()
	if !enabled {
		return nil, fmt.Errorf("server %s is disabled", serverID)
	}

	maxAttempts := 1
	if conn.cfg.Transport.Kind == catalog.TransportStdio {
		maxAttempts = m.stdioRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		transport, connectErr := m.ensureConnected(ctx, conn)
		if connectErr == nil {
			result, callErr := op(ctx, transport)
			if callErr == nil {
				m.recordSuccess(conn)
				return result, nil
			}
			connectErr = callErr
			_ = m.disposeConnection(conn)
		}
		lastErr = connectErr
		m.recordAttemptFailure(conn, connectErr)

		if attempt == maxAttempts-1 {
			break
		}

		delay := m.backoffDelay(conn)
		m.logger.Warn("retrying upstream operation", "server", serverID, "attempt", attempt+1, "delay", delay, "error", connectErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// FailedCalls counts once per operation, mirroring TotalCalls, so
	// successful+failed <= total holds regardless of how many attempts the
	// stdio retry policy spent (spec.md "successful + failed <= total").
	conn.mu.Lock()
	conn.health.FailedCalls++
	conn.mu.Unlock()
	return nil, fmt.Errorf("server %s: %w", serverID, lastErr)
}

// ensureConnected returns the server's live transport, dialing one if
// necessary. connMu dedups concurrent dial attempts into one; a caller that
// arrives while another is dialing blocks and then reuses the result.
func (m *Manager) ensureConnected(ctx context.Context, conn *connection) (outbound.Transport, error) {
	conn.mu.Lock()
	if !conn.health.Enabled {
		conn.mu.Unlock()
		return nil, fmt.Errorf("server %s is disabled", conn.cfg.ID)
	}
	if conn.state == connConnected && conn.transport != nil {
		t := conn.transport
		conn.mu.Unlock()
		return t, nil
	}
	nextRetry := conn.health.NextRetryEarliest
	conn.mu.Unlock()

	if !nextRetry.IsZero() {
		if wait := time.Until(nextRetry); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	conn.connMu.Lock()
	defer conn.connMu.Unlock()

	conn.mu.Lock()
	if conn.state == connConnected && conn.transport != nil {
		t := conn.transport
		conn.mu.Unlock()
		return t, nil
	}
	conn.state = connConnecting
	conn.mu.Unlock()

	if m.metrics != nil {
		m.metrics.UpstreamConnectAttemptsTotal.WithLabelValues(conn.cfg.ID).Inc()
	}
	transport, err := m.dialer.Dial(ctx, conn.cfg)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err != nil {
		conn.state = connIdle
		conn.health.Connected = false
		if m.metrics != nil {
			m.metrics.UpstreamConnectFailuresTotal.WithLabelValues(conn.cfg.ID).Inc()
		}
		return nil, fmt.Errorf("dial %s: %w", conn.cfg.ID, err)
	}
	conn.transport = transport
	conn.state = connConnected
	conn.health.Connected = true
	conn.health.LastConnectedAt = time.Now()
	return transport, nil
}

// disposeConnection closes and forgets a connection's transport so the next
// operation dials fresh. Called on operation failure and at shutdown.
func (m *Manager) disposeConnection(conn *connection) error {
	conn.mu.Lock()
	t := conn.transport
	conn.transport = nil
	if conn.state != connClosed {
		conn.state = connIdle
	}
	conn.health.Connected = false
	conn.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close()
}

func (m *Manager) recordSuccess(conn *connection) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.health.SuccessfulCalls++
	conn.health.ConsecutiveFailures = 0
	conn.health.LastError = ""
	conn.health.NextRetryEarliest = time.Time{}
	conn.health.LastSuccessAt = time.Now()
}

// recordAttemptFailure updates per-attempt health bookkeeping
// (consecutiveFailures, restarts, backoff) but not FailedCalls, which is
// counted once per operation by the caller once every attempt is exhausted.
func (m *Manager) recordAttemptFailure(conn *connection, err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.health.ConsecutiveFailures++
	conn.health.Restarts++
	conn.health.LastError = err.Error()
	now := time.Now()
	conn.health.LastFailureAt = now
	conn.health.NextRetryEarliest = now.Add(m.backoffDelayLocked(conn.health.ConsecutiveFailures))
}

// backoffDelay computes delay = clamp(backoffBase * 2^(consecutiveFailures-1), <= backoffCap)
// per spec.md §4.2 step 4, reading the counter under conn.mu.
func (m *Manager) backoffDelay(conn *connection) time.Duration {
	conn.mu.Lock()
	n := conn.health.ConsecutiveFailures
	conn.mu.Unlock()
	return m.backoffDelayLocked(n)
}

func (m *Manager) backoffDelayLocked(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return m.backoffBase
	}
	delay := m.backoffBase
	for i := 1; i < consecutiveFailures; i++ {
		delay *= 2
		if delay > m.backoffCap {
			return m.backoffCap
		}
	}
	if delay > m.backoffCap {
		return m.backoffCap
	}
	return delay
}
