// Package config provides configuration types for Toolmesh Gateway.
//
// The schema is intentionally narrow: it configures only the five core
// components (Catalog Store, Upstream Manager, Sync Service, Tool Proxy,
// Sandbox Runtime) and process-wide ambient concerns (logging, dev mode).
// It does not configure the out-of-scope outer framing server named in
// SPEC_FULL.md §1 — no bearer/JWT auth, no rate limiting, no HTTP gateway
// forward/reverse proxying. Those belong to internal/adapter/inbound, which
// consumes this package through its own narrower options, not OSSConfig-style
// sections grafted on here.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/toolmesh/gateway/internal/domain/catalog"
)

// Config is the top-level configuration for Toolmesh Gateway.
type Config struct {
	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	// Defaults to "info". DevMode=true overrides to "debug" unless set explicitly.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// DevMode enables development defaults (verbose logging, shorter sync interval).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`

	// MetricsAddr is the listen address for the Prometheus /metrics and
	// /healthz endpoints (SPEC_FULL.md §2 "Metrics" ambient component).
	// Empty disables the listener. Defaults to ":9090".
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr"`

	// Catalog configures the Catalog Store.
	Catalog CatalogConfig `yaml:"catalog" mapstructure:"catalog"`

	// Sync configures the Sync Service.
	Sync SyncConfig `yaml:"sync" mapstructure:"sync"`

	// Sandbox configures the Sandbox Runtime's default resource limits.
	Sandbox SandboxConfig `yaml:"sandbox" mapstructure:"sandbox"`

	// Servers lists the upstream tool-serving peers the gateway multiplexes.
	// Loaded once at bootstrap and seeded into the catalog via upsertServers
	// (spec.md §4.1); there is no hot-reload.
	Servers []UpstreamServerConfig `yaml:"servers" mapstructure:"servers" validate:"omitempty,dive"`
}

// CatalogConfig configures the SQLite-backed Catalog Store.
type CatalogConfig struct {
	// DBPath is the filesystem path to the catalog's SQLite database file.
	// Defaults to "./toolmesh.db" if empty.
	DBPath string `yaml:"db_path" mapstructure:"db_path" validate:"omitempty"`
}

// SyncConfig configures the Sync Service's scheduled and on-demand syncs.
type SyncConfig struct {
	// SnapshotDir is the directory under which per-server snapshot files are
	// written (spec.md §4.3/§6: "{snapshotDir}/{serverId}/...json").
	// Defaults to "./snapshots" if empty.
	SnapshotDir string `yaml:"snapshot_dir" mapstructure:"snapshot_dir" validate:"omitempty"`

	// IntervalSeconds is the period between scheduled full syncs. Floored at
	// 10 seconds by the Sync Service itself regardless of this value
	// (spec.md §4.3 minIntervalSeconds). Defaults to 300 (5 minutes).
	IntervalSeconds int `yaml:"interval_seconds" mapstructure:"interval_seconds" validate:"omitempty,min=10"`
}

// SandboxConfig configures the Sandbox Runtime's default per-invocation
// resource limits, overridable per-request by the caller (spec.md §4.5).
type SandboxConfig struct {
	// DefaultTimeoutMs is loaded and validated, defaulting to 1000, but no
	// component reads it: the search/execute handlers use their own budgets
	// (2000 ms and 10000 ms), and the Sandbox Runtime falls back to a fixed
	// 1000 ms when a request omits timeoutMs.
	DefaultTimeoutMs int `yaml:"default_timeout_ms" mapstructure:"default_timeout_ms" validate:"omitempty,min=1"`

	// MaxCodeLength caps the submitted code snippet's byte length. Defaults
	// to 65536 (64 KiB).
	MaxCodeLength int `yaml:"max_code_length" mapstructure:"max_code_length" validate:"omitempty,min=1"`

	// MaxResultChars caps the length of the serialized text content the
	// search/execute handlers return (via SerializeWithLimit). The sandbox's
	// own Result.Serialized uses a fixed 64 KiB cap, and structuredContent is
	// not truncated by it. Defaults to 65536.
	MaxResultChars int `yaml:"max_result_chars" mapstructure:"max_result_chars" validate:"omitempty,min=1"`
}

// UpstreamServerConfig is the YAML-facing shape of one upstream server.
// Exactly one of HTTP or Stdio must be populated, matching Kind (enforced by
// Validate, not struct tags, since the choice is cross-field).
type UpstreamServerConfig struct {
	// ID is the unique identifier used throughout the catalog and Tool Proxy.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// Name is the human-readable display name.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Enabled controls whether the server accepts sync/call traffic.
	// Defaults to true when omitted from YAML (see SetDefaults).
	Enabled *bool `yaml:"enabled" mapstructure:"enabled"`

	// AllowList is the tool allow-list grammar from spec.md §4.4 step 2:
	// "*", exact names, or "prefix*" patterns. Empty denies every tool.
	AllowList []string `yaml:"allow_list" mapstructure:"allow_list"`

	// Kind selects the transport variant: "stream-http" or "stdio".
	Kind string `yaml:"kind" mapstructure:"kind" validate:"required,oneof=stream-http stdio"`

	// HTTP is populated when Kind is "stream-http".
	HTTP *HTTPTransportConfig `yaml:"http" mapstructure:"http" validate:"omitempty"`

	// Stdio is populated when Kind is "stdio".
	Stdio *StdioTransportConfig `yaml:"stdio" mapstructure:"stdio" validate:"omitempty"`
}

// HTTPTransportConfig configures a stream-over-HTTP upstream.
type HTTPTransportConfig struct {
	// URL is the absolute endpoint of the remote MCP server.
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`

	// BearerEnvVar names an environment variable holding a bearer credential,
	// resolved at connection time and never persisted to the catalog or
	// logged (SPEC_FULL.md §3 "Bearer credential sourcing").
	BearerEnvVar string `yaml:"bearer_env_var" mapstructure:"bearer_env_var"`
}

// StdioTransportConfig configures a subprocess upstream.
type StdioTransportConfig struct {
	Command string            `yaml:"command" mapstructure:"command" validate:"required"`
	Args    []string          `yaml:"args" mapstructure:"args"`
	Dir     string            `yaml:"dir" mapstructure:"dir"`
	Env     map[string]string `yaml:"env" mapstructure:"env"`

	// StderrMode is "ignore", "inherit", or "capture". Defaults to "ignore".
	StderrMode string `yaml:"stderr_mode" mapstructure:"stderr_mode" validate:"omitempty,oneof=ignore inherit capture"`
}

// ToCatalogServer converts the YAML-facing shape into the domain type the
// rest of the gateway operates on.
func (u UpstreamServerConfig) ToCatalogServer() catalog.ServerConfig {
	enabled := true
	if u.Enabled != nil {
		enabled = *u.Enabled
	}

	cfg := catalog.ServerConfig{
		ID:        u.ID,
		Name:      u.Name,
		Enabled:   enabled,
		AllowList: u.AllowList,
	}

	switch u.Kind {
	case string(catalog.TransportStreamHTTP):
		cfg.Transport = catalog.Transport{Kind: catalog.TransportStreamHTTP}
		if u.HTTP != nil {
			cfg.Transport.HTTP = &catalog.StreamHTTPTransport{
				URL:          u.HTTP.URL,
				BearerEnvVar: u.HTTP.BearerEnvVar,
			}
		}
	case string(catalog.TransportStdio):
		cfg.Transport = catalog.Transport{Kind: catalog.TransportStdio}
		if u.Stdio != nil {
			stderrMode := u.Stdio.StderrMode
			if stderrMode == "" {
				stderrMode = "ignore"
			}
			cfg.Transport.Stdio = &catalog.StdioTransport{
				Command:    u.Stdio.Command,
				Args:       u.Stdio.Args,
				Dir:        u.Stdio.Dir,
				Env:        u.Stdio.Env,
				StderrMode: stderrMode,
			}
		}
	}
	return cfg
}

// SetDevDefaults applies permissive defaults for development mode, applied
// before validation so a minimal config (just servers) is enough to boot.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.LogLevel == "" {
		c.LogLevel = "debug"
	}
	if c.Sync.IntervalSeconds == 0 {
		c.Sync.IntervalSeconds = 30
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.Catalog.DBPath == "" {
		c.Catalog.DBPath = "./toolmesh.db"
	}
	if c.Sync.SnapshotDir == "" {
		c.Sync.SnapshotDir = "./snapshots"
	}
	if c.Sync.IntervalSeconds == 0 {
		c.Sync.IntervalSeconds = 300
	}
	if c.Sandbox.DefaultTimeoutMs == 0 {
		c.Sandbox.DefaultTimeoutMs = 1000
	}
	if c.Sandbox.MaxCodeLength == 0 {
		c.Sandbox.MaxCodeLength = 64 * 1024
	}
	if c.Sandbox.MaxResultChars == 0 {
		c.Sandbox.MaxResultChars = 64 * 1024
	}
}

// absDBPath resolves DBPath relative to the process working directory,
// surfacing a clear error rather than a confusing sqlite open failure.
func absDBPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve catalog db_path %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("ensure catalog db_path parent dir: %w", err)
	}
	return abs, nil
}
