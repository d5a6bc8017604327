// Package cmd provides the CLI commands for Toolmesh Gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolmesh/gateway/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "toolmesh-gateway",
	Short: "Toolmesh Gateway - a tool-multiplexing MCP gateway",
	Long: `Toolmesh Gateway multiplexes many upstream tool-serving peers behind a
constant, two-operation model-facing surface: search and execute.

Quick start:
  1. Create a config file: toolmesh-gateway.yaml
  2. Run: toolmesh-gateway serve

Configuration:
  Config is loaded from toolmesh-gateway.yaml in the current directory,
  $HOME/.toolmesh-gateway/, or /etc/toolmesh-gateway/.

  Environment variables can override config values with the
  TOOLMESH_GATEWAY_ prefix. Example: TOOLMESH_GATEWAY_METRICS_ADDR=:9091

Commands:
  serve       Start the gateway: connect upstreams, sync, serve metrics
  sync        Run one catalog sync pass against every configured server, then exit
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./toolmesh-gateway.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
