// Package config provides configuration loading for Toolmesh Gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for
// toolmesh-gateway.yaml/.yml in standard locations.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns ConfigFileNotFoundError
		// (handled gracefully by callers).
		viper.SetConfigName("toolmesh-gateway")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: TOOLMESH_GATEWAY_LOG_LEVEL, etc.
	viper.SetEnvPrefix("TOOLMESH_GATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a toolmesh-gateway config
// file with an explicit YAML extension (.yaml or .yml). This prevents Viper
// from matching the binary "toolmesh-gateway" (no extension) in the current
// directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".toolmesh-gateway"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "toolmesh-gateway"))
		}
	} else {
		paths = append(paths, "/etc/toolmesh-gateway")
	}
	return findConfigFileInPaths(paths)
}

func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "toolmesh-gateway"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys for environment variable
// support. Servers is an array of polymorphic transport blocks, too complex
// to override piecemeal via env -- users needing that should use the config
// file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("dev_mode")
	_ = viper.BindEnv("metrics_addr")

	_ = viper.BindEnv("catalog.db_path")

	_ = viper.BindEnv("sync.snapshot_dir")
	_ = viper.BindEnv("sync.interval_seconds")

	_ = viper.BindEnv("sandbox.default_timeout_ms")
	_ = viper.BindEnv("sandbox.max_code_length")
	_ = viper.BindEnv("sandbox.max_result_chars")
}

// LoadConfig reads the configuration file, applies environment overrides,
// applies dev defaults (when DevMode is set) and then regular defaults,
// validates, and returns the Config with Catalog.DBPath made absolute.
// Use LoadConfigRaw instead when CLI flags may override DevMode.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDevDefaults()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	abs, err := absDBPath(cfg.Catalog.DBPath)
	if err != nil {
		return nil, err
	}
	cfg.Catalog.DBPath = abs

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and environment overrides only:
// it does NOT apply dev defaults, regular defaults, or validate. Use this
// when CLI flags may override DevMode; the caller then calls
// cfg.SetDevDefaults(), cfg.SetDefaults() and cfg.Validate(), in that order.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
