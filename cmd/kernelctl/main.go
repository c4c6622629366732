// Package main provides kernelctl, the operator CLI for the NornicDB kernel's
// transaction log.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orneryd/nornicdb-kernel/pkg/config"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kernelctl",
		Short: "kernelctl - NornicDB kernel transaction log tool",
		Long: `kernelctl inspects and maintains the transaction log of a NornicDB
kernel data directory.

Commands:
  • inspect    show the header and state of every log segment
  • recover    run startup recovery and report the result
  • downgrade  rewrite a segment's format version (migration testing)`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", getEnvStr("NORNICDB_CONFIG", ""), "Path to kernel.yaml (default: search standard locations)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kernelctl v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "inspect <data-dir>",
		Short: "Show the segments of the transaction log",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	})

	recoverCmd := &cobra.Command{
		Use:   "recover <data-dir>",
		Short: "Run recovery and report the result",
		Long: `Run startup recovery against the configured store, print the result
and shut the kernel down cleanly. Without --read-only this opens and seals a
new log segment.`,
		Args: cobra.ExactArgs(1),
		RunE: runRecover,
	}
	recoverCmd.Flags().Bool("read-only", false, "Open the kernel read-only (default from config)")
	recoverCmd.Flags().String("storage-engine", "", "Store engine: badger, memory (default from config)")
	rootCmd.AddCommand(recoverCmd)

	downgradeCmd := &cobra.Command{
		Use:   "downgrade <data-dir> <segment>",
		Short: "Rewrite the format version of a segment",
		Args:  cobra.ExactArgs(2),
		RunE:  runDowngrade,
	}
	downgradeCmd.Flags().Int("to", -1, "Target format version (default: one below the current header)")
	rootCmd.AddCommand(downgradeCmd)

	return rootCmd
}

// loadConfig layers the config file and environment, then points the
// configuration at dataDir.
func loadConfig(cmd *cobra.Command, dataDir string) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.Database.DataDir = dataDir
	return cfg, nil
}

// getEnvStr returns environment variable value or default
func getEnvStr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseSegment(s string) (uint64, error) {
	seq, err := strconv.ParseUint(strings.TrimPrefix(s, "txlog.v"), 10, 64)
	if err != nil || seq == 0 {
		return 0, fmt.Errorf("invalid segment %q", s)
	}
	return seq, nil
}
