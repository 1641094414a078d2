package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/merkledb/merkledb/internal/app"
)

var (
	httpAddr string
	grpcAddr string
	noGRPC   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the schema over HTTP and gRPC",
	Long: `Serve opens the configured block store, loads the schema from the root
file (or creates it) and serves the HTTP and gRPC APIs until SIGINT or
SIGTERM. The schema is saved and its root recorded on shutdown.

Example:
  merkledb serve --data-dir /var/lib/merkledb
  merkledb serve --config /etc/merkledb/config.yaml --http :8081`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address")
	serveCmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address")
	serveCmd.Flags().BoolVar(&noGRPC, "no-grpc", false, "disable the gRPC server")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	if noGRPC {
		cfg.GRPC.Enabled = false
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return a.WaitForShutdown(ctx)
}
