package upstreammanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/toolmesh/gateway/internal/domain/catalog"
	"github.com/toolmesh/gateway/internal/domain/health"
	"github.com/toolmesh/gateway/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTransport is a hand-written outbound.Transport fake for manager tests.
type fakeTransport struct {
	mu        sync.Mutex
	listErr   error
	closeErr  error
	closed    bool
	callCount int
}

func (f *fakeTransport) ListTools(ctx context.Context) ([]catalog.ToolDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []catalog.ToolDescriptor{{Name: "get_forecast"}}, nil
}

func (f *fakeTransport) CallTool(ctx context.Context, name string, arguments map[string]any) (any, error) {
	return map[string]any{"ok": true}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer hands out a scripted sequence of transports/errors per server id.
type fakeDialer struct {
	mu         sync.Mutex
	dialCount  int
	dialErr    error // returned by every Dial call when set
	transports map[string]*fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{transports: make(map[string]*fakeTransport)}
}

func (d *fakeDialer) Dial(ctx context.Context, cfg catalog.ServerConfig) (outbound.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialCount++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	t := &fakeTransport{}
	d.transports[cfg.ID] = t
	return t, nil
}

func httpServer(id string, enabled bool) catalog.ServerConfig {
	return catalog.ServerConfig{
		ID:      id,
		Name:    "Weather",
		Enabled: enabled,
		Transport: catalog.Transport{
			Kind: catalog.TransportStreamHTTP,
			HTTP: &catalog.StreamHTTPTransport{URL: "https://weather.example.com/mcp"},
		},
	}
}

func stdioServer(id string, enabled bool) catalog.ServerConfig {
	return catalog.ServerConfig{
		ID:      id,
		Name:    "Local Tools",
		Enabled: enabled,
		Transport: catalog.Transport{
			Kind:  catalog.TransportStdio,
			Stdio: &catalog.StdioTransport{Command: "/bin/bogus-mcp-server"},
		},
	}
}

func TestGetHealthSnapshot_DisabledServer(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := New([]catalog.ServerConfig{httpServer("weather", false)}, newFakeDialer(), testLogger())
	snaps := m.GetHealthSnapshot()

	if len(snaps) != 1 {
		t.Fatalf("GetHealthSnapshot returned %d entries, want 1", len(snaps))
	}
	s := snaps[0]
	if s.Status != health.StatusDisabled {
		t.Errorf("Status = %q, want %q", s.Status, health.StatusDisabled)
	}
	if s.State.Enabled {
		t.Error("State.Enabled = true, want false")
	}
	if s.State.TotalCalls != 0 || s.State.SuccessfulCalls != 0 || s.State.FailedCalls != 0 {
		t.Errorf("expected zero counters, got %+v", s.State)
	}
}

func TestListTools_DisabledServerRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := New([]catalog.ServerConfig{httpServer("weather", false)}, newFakeDialer(), testLogger())
	_, err := m.ListTools(context.Background(), "weather")
	if err == nil {
		t.Fatal("ListTools on disabled server: expected error, got nil")
	}
}

func TestListTools_UnknownServer(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := New(nil, newFakeDialer(), testLogger())
	_, err := m.ListTools(context.Background(), "missing")
	if !errors.Is(err, catalog.ErrServerNotFound) {
		t.Fatalf("ListTools error = %v, want wrapping ErrServerNotFound", err)
	}
}

func TestListTools_SuccessResetsFailureCounters(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := newFakeDialer()
	m := New([]catalog.ServerConfig{httpServer("weather", true)}, dialer, testLogger())

	tools, err := m.ListTools(context.Background(), "weather")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "get_forecast" {
		t.Fatalf("ListTools = %+v, want [get_forecast]", tools)
	}

	snap := m.GetHealthSnapshot()[0]
	if snap.Status != health.StatusHealthy {
		t.Errorf("Status = %q, want %q", snap.Status, health.StatusHealthy)
	}
	if snap.State.TotalCalls != 1 || snap.State.SuccessfulCalls != 1 {
		t.Errorf("counters = %+v, want total=1 success=1", snap.State)
	}
	if snap.State.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", snap.State.ConsecutiveFailures)
	}
}

func TestListTools_StdioRetryWithBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := newFakeDialer()
	dialer.dialErr = errors.New("connection refused")

	m := New([]catalog.ServerConfig{stdioServer("local", true)}, dialer, testLogger())
	m.SetBackoffBase(5 * time.Millisecond)
	m.SetBackoffCap(20 * time.Millisecond)
	m.SetStdioRetries(1)

	_, err := m.ListTools(context.Background(), "local")
	if err == nil {
		t.Fatal("ListTools with bogus command: expected error, got nil")
	}

	snap := m.GetHealthSnapshot()[0]
	// One operation, two failed attempts (stdioRetries=1): TotalCalls and
	// FailedCalls both count the operation once, not once per attempt, so
	// successful+failed <= total holds regardless of retry count.
	if snap.State.TotalCalls != 1 {
		t.Errorf("TotalCalls = %d, want 1", snap.State.TotalCalls)
	}
	if snap.State.FailedCalls != 1 {
		t.Errorf("FailedCalls = %d, want 1", snap.State.FailedCalls)
	}
	if snap.State.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2 (one per attempt)", snap.State.ConsecutiveFailures)
	}
	if snap.State.Restarts < 1 {
		t.Errorf("Restarts = %d, want >= 1", snap.State.Restarts)
	}
	if snap.State.LastError == "" {
		t.Error("LastError is empty, want non-empty")
	}
	if snap.Status != health.StatusDown && snap.Status != health.StatusDegraded {
		t.Errorf("Status = %q, want degraded or down", snap.Status)
	}
}

func TestGetHealthSnapshot_BackoffMonotonic(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := New([]catalog.ServerConfig{stdioServer("local", true)}, newFakeDialer(), testLogger())
	m.SetBackoffBase(time.Second)
	m.SetBackoffCap(8 * time.Second)

	var prev time.Duration
	for n := 1; n <= 6; n++ {
		d := m.backoffDelayLocked(n)
		if d < prev {
			t.Errorf("backoffDelayLocked(%d) = %v, less than previous %v", n, d, prev)
		}
		if d > 8*time.Second {
			t.Errorf("backoffDelayLocked(%d) = %v, exceeds cap", n, d)
		}
		prev = d
	}
}

func TestCallTool_ConcurrentCallsShareOneDial(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := newFakeDialer()
	m := New([]catalog.ServerConfig{httpServer("weather", true)}, dialer, testLogger())

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CallTool(context.Background(), "weather", "get_forecast", nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("CallTool: %v", err)
	}

	dialer.mu.Lock()
	count := dialer.dialCount
	dialer.mu.Unlock()
	if count != 1 {
		t.Errorf("dialCount = %d, want 1 (concurrent callers should share one connection)", count)
	}
}

func TestCloseAll_ClosesLiveTransports(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := newFakeDialer()
	m := New([]catalog.ServerConfig{httpServer("weather", true)}, dialer, testLogger())

	if _, err := m.ListTools(context.Background(), "weather"); err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if err := m.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	dialer.mu.Lock()
	transport := dialer.transports["weather"]
	dialer.mu.Unlock()
	if !transport.isClosed() {
		t.Error("transport not closed after CloseAll")
	}
}

func TestListServerConfigs_PreservesConfiguredOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := New([]catalog.ServerConfig{
		httpServer("zeta", true),
		httpServer("alpha", true),
		httpServer("mid", true),
	}, newFakeDialer(), testLogger())

	configs, err := m.ListServerConfigs(context.Background())
	if err != nil {
		t.Fatalf("ListServerConfigs: %v", err)
	}
	if len(configs) != 3 || configs[0].ID != "zeta" || configs[1].ID != "alpha" || configs[2].ID != "mid" {
		t.Fatalf("ListServerConfigs = %v, want [zeta, alpha, mid] (configured order, not alphabetical)", configs)
	}
}

func TestDoOperation_DisposesConnectionOnFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := newFakeDialer()
	m := New([]catalog.ServerConfig{httpServer("weather", true)}, dialer, testLogger())

	if _, err := m.ListTools(context.Background(), "weather"); err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	dialer.mu.Lock()
	first := dialer.transports["weather"]
	first.listErr = fmt.Errorf("upstream error")
	dialer.mu.Unlock()

	if _, err := m.ListTools(context.Background(), "weather"); err == nil {
		t.Fatal("ListTools after injected failure: expected error, got nil")
	}
	if !first.isClosed() {
		t.Error("failed connection was not disposed/closed")
	}
}
