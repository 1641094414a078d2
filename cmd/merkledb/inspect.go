package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/merkledb/merkledb/internal/app"
	"github.com/merkledb/merkledb/internal/block"
	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/codec"
	"github.com/merkledb/merkledb/internal/dag"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [cid]",
	Short: "Print a stored block or schema root as JSON",
	Long: `Inspect loads one object from the block store and prints it as JSON.
Without an argument the recorded schema root is printed. Encrypted objects
are opened with the configured key. With --list the CIDs held by a local or
s3 block store are printed instead.

Example:
  merkledb inspect
  merkledb inspect 1Bz7x...
  merkledb inspect --list --dag local`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

var inspectList bool

func init() {
	inspectCmd.Flags().BoolVar(&inspectList, "list", false, "list stored CIDs instead of printing one object")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if inspectList {
		d, closer, err := app.OpenDAG(ctx, cfg.DAG)
		if err != nil {
			return fmt.Errorf("open dag: %w", err)
		}
		if closer != nil {
			defer closer()
		}
		return list(ctx, cmd.OutOrStdout(), d)
	}

	var id cid.CID
	if len(args) == 1 {
		id, err = cid.Parse(args[0])
	} else {
		id, err = app.ReadRoot(cfg.Schema.RootFile)
		if err == nil && id.IsUndef() {
			err = fmt.Errorf("no root recorded in %s", cfg.Schema.RootFile)
		}
	}
	if err != nil {
		return err
	}

	d, closer, err := app.OpenDAG(ctx, cfg.DAG)
	if err != nil {
		return fmt.Errorf("open dag: %w", err)
	}
	if closer != nil {
		defer closer()
	}

	data, err := d.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load %s: %w", id, err)
	}
	if _, err := codec.Peek(data); err != nil {
		if !cfg.Encryption.Enabled {
			return fmt.Errorf("%s is not a plain envelope and no key is configured: %w", id, dag.ErrKeyRequired)
		}
		key, err := dag.ReadKeyFile(cfg.Encryption.KeyFile)
		if err != nil {
			return err
		}
		if data, err = dag.NewSealed(d, key).Load(ctx, id); err != nil {
			return err
		}
	}
	return describe(cmd.OutOrStdout(), data)
}

// list prints one CID per line.
func list(ctx context.Context, w io.Writer, d dag.DAG) error {
	l, ok := d.(dag.Lister)
	if !ok {
		return fmt.Errorf("block store %T cannot list its objects", d)
	}
	ids, err := l.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := fmt.Fprintln(w, id); err != nil {
			return err
		}
	}
	return nil
}

// describe writes the JSON form of an envelope. Blocks are decoded into
// their typed form; other kinds are printed generically.
func describe(w io.Writer, data []byte) error {
	kind, err := codec.Peek(data)
	if err != nil {
		return err
	}

	var body interface{}
	switch kind {
	case codec.KindBlock:
		b, err := block.Decode(data)
		if err != nil {
			return err
		}
		body = b
	default:
		var generic map[string]interface{}
		if err := codec.Decode(data, kind, &generic); err != nil {
			return err
		}
		s, err := codec.CanonicalJSON(generic)
		if err != nil {
			return err
		}
		body = json.RawMessage(s)
	}

	out, err := json.Marshal(map[string]interface{}{"kind": kind.String(), "body": body})
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err != nil {
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(w)
	return err
}
