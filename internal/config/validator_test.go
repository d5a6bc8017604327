package config

import (
	"strings"
	"testing"
)

func minimalValidConfig() *Config {
	return &Config{
		Catalog: CatalogConfig{DBPath: "toolmesh.db"},
		Sync:    SyncConfig{SnapshotDir: "snapshots", IntervalSeconds: 60},
		Servers: []UpstreamServerConfig{
			{ID: "weather", Name: "Weather", Kind: "stream-http", HTTP: &HTTPTransportConfig{URL: "https://weather.example/mcp"}},
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_ZeroConfig(t *testing.T) {
	t.Parallel()

	// No servers configured at all is valid -- the gateway simply has an
	// empty catalog until servers are added.
	cfg := &Config{}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() zero-config unexpected error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "LogLevel") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "LogLevel")
	}
}

func TestValidate_InvalidSyncIntervalBelowMinimum(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Sync.IntervalSeconds = 5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for sync interval below minimum, got nil")
	}
}

func TestValidate_InvalidTransportKind(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Servers[0].Kind = "websocket"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for unknown transport kind, got nil")
	}
	if !strings.Contains(err.Error(), "Kind") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "Kind")
	}
}

func TestValidate_InvalidHTTPURL(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Servers[0].HTTP.URL = "not-a-url"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid URL, got nil")
	}
}

func TestValidate_MissingServerName(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Servers[0].Name = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing server name, got nil")
	}
}

func TestValidate_InvalidStderrMode(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Servers[0] = UpstreamServerConfig{
		ID:   "files",
		Name: "Files",
		Kind: "stdio",
		Stdio: &StdioTransportConfig{
			Command:    "/usr/bin/files-mcp",
			StderrMode: "redirect",
		},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid stderr_mode, got nil")
	}
}
