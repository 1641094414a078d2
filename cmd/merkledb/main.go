// Package main provides the merkledb server and maintenance CLI.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/merkledb/merkledb/internal/config"
	"github.com/merkledb/merkledb/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	// configFile is set by the --config flag.
	configFile string
	dataDir    string
	dagType    string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "merkledb",
	Short: "merkledb is an append-oriented table engine on a content-addressed DAG",
	Long: `merkledb stores table rows in immutable, content-addressed blocks linked
into a chain per table. A schema root names every table head and is itself
stored in the DAG, so one CID captures the whole database.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "base directory for all data files")
	rootCmd.PersistentFlags().StringVar(&dagType, "dag", "", "block store: memory, leveldb, sqlite, local, s3")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(replicateCmd)
}

// loadConfig loads configuration from file, environment and flags, in that
// order of increasing precedence.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if dagType != "" {
		cfg.DAG.Type = dagType
		cfg.DAG.Path = ""
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	return logging.New(cfg.Log)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "merkledb version %s (commit: %s)\n", version, commit)
	},
}
