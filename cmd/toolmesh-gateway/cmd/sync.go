package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one catalog sync pass against every configured server, then exit",
	Long: `Connect to every enabled upstream, list its tools, write a snapshot
file, and atomically replace the catalog's rows for it -- the same
algorithm "serve" runs on its scheduler, run once and reported to stdout.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	c, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = c.manager.CloseAll() }()
	defer func() { _ = c.store.Close() }()

	results, err := c.sync.SyncAllServers(context.Background())
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("FAIL  %-20s %v\n", r.ServerID, r.Err)
			continue
		}
		fmt.Printf("OK    %-20s %d tools (snapshot %s)\n", r.ServerID, r.ToolCount, r.SnapshotHash)
	}

	if failed > 0 {
		return fmt.Errorf("sync: %d of %d servers failed", failed, len(results))
	}
	return nil
}
