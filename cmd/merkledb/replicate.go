package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/merkledb/merkledb/internal/app"
	"github.com/merkledb/merkledb/internal/config"
	"github.com/merkledb/merkledb/internal/dag"
	"github.com/merkledb/merkledb/internal/logging"
	"github.com/merkledb/merkledb/internal/schema"
)

var (
	toDAG      config.DAGConfig
	toS3Bucket string
)

var replicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Copy the recorded schema and every block it reaches into another store",
	Long: `Replicate loads the recorded schema root and copies it, with every block of
every table chain, into a second block store. Encrypted objects are copied
as ciphertext, so CIDs are identical in both stores.

Example:
  merkledb replicate --to-dag local --to-path /backup/merkledb
  merkledb replicate --to-dag s3 --to-s3-bucket merkledb-backup`,
	Args: cobra.NoArgs,
	RunE: runReplicate,
}

func init() {
	replicateCmd.Flags().StringVar(&toDAG.Type, "to-dag", config.DAGLocal, "target store: leveldb, sqlite, local, s3")
	replicateCmd.Flags().StringVar(&toDAG.Path, "to-path", "", "target database file or directory")
	replicateCmd.Flags().IntVar(&toDAG.Concurrency, "concurrency", 8, "parallel object writes")
	replicateCmd.Flags().StringVar(&toS3Bucket, "to-s3-bucket", "", "target bucket for --to-dag s3")
	replicateCmd.Flags().StringVar(&toDAG.S3.Region, "to-s3-region", "", "target bucket region")
	replicateCmd.Flags().StringVar(&toDAG.S3.Endpoint, "to-s3-endpoint", "", "target S3 endpoint")
}

func runReplicate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	toDAG.S3.Bucket = toS3Bucket
	switch toDAG.Type {
	case config.DAGMemory:
		return fmt.Errorf("cannot replicate into a memory store")
	case config.DAGS3:
		if toDAG.S3.Bucket == "" {
			return fmt.Errorf("--to-s3-bucket is required for s3")
		}
	default:
		if toDAG.Path == "" {
			return fmt.Errorf("--to-path is required for %s", toDAG.Type)
		}
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()

	root, err := app.ReadRoot(cfg.Schema.RootFile)
	if err != nil {
		return err
	}
	if root.IsUndef() {
		return fmt.Errorf("no root recorded in %s", cfg.Schema.RootFile)
	}

	src, closeSrc, err := app.OpenDAG(ctx, cfg.DAG)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	if closeSrc != nil {
		defer closeSrc()
	}
	dst, closeDst, err := app.OpenDAG(ctx, toDAG)
	if err != nil {
		return fmt.Errorf("open target: %w", err)
	}
	if closeDst != nil {
		defer closeDst()
	}

	opts := schema.Options{Logger: logging.OrDiscard(logger)}
	if cfg.Encryption.Enabled {
		key, err := dag.ReadKeyFile(cfg.Encryption.KeyFile)
		if err != nil {
			return err
		}
		opts.Encrypted = true
		opts.Key = &key
	}
	s, err := schema.Load(ctx, root, src, opts)
	if err != nil {
		return err
	}

	copied, err := s.Replicate(ctx, dst, toDAG.Concurrency)
	if err != nil {
		return err
	}
	logger.WithField("root", copied.String()).WithField("tables", len(s.Tables())).Info("replicated")
	fmt.Fprintln(cmd.OutOrStdout(), copied.String())
	return nil
}
