package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merkledb/merkledb/internal/block"
	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/codec"
	"github.com/merkledb/merkledb/internal/dag"
	"github.com/merkledb/merkledb/internal/storage"
	"github.com/merkledb/merkledb/pkg/types"
)

func TestDescribe_Block(t *testing.T) {
	rows := []types.Row{
		types.NewRow("id", int64(1), "uid", "u1", "createdAt", int64(10), "updatedAt", int64(10), "kind", "click"),
	}
	b, err := block.Seal(rows, cid.Undef, types.TableDefinition{Rollup: 1})
	require.NoError(t, err)
	data, err := b.Encode()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, describe(&buf, data))

	var out struct {
		Kind string `json:"kind"`
		Body struct {
			Records []map[string]interface{} `json:"records"`
			Headers struct {
				Count     int   `json:"count"`
				Timestamp int64 `json:"timestamp"`
			} `json:"headers"`
		} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out), buf.String())
	assert.Equal(t, "block", out.Kind)
	assert.Equal(t, 1, out.Body.Headers.Count)
	assert.Equal(t, int64(10), out.Body.Headers.Timestamp)
	require.Len(t, out.Body.Records, 1)
	assert.Equal(t, "click", out.Body.Records[0]["kind"])
}

func TestDescribe_Generic(t *testing.T) {
	data, err := codec.Encode(codec.KindSchemaRoot, map[string]interface{}{"name": "shop", "tables": []interface{}{}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, describe(&buf, data))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "schema-root", out["kind"])
	assert.Equal(t, "shop", out["body"].(map[string]interface{})["name"])
}

func TestDescribe_NotAnEnvelope(t *testing.T) {
	require.Error(t, describe(&bytes.Buffer{}, []byte("plain bytes")))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	d := dag.NewObjectDAG(local, 2)

	a, err := d.Store(ctx, []byte("a"))
	require.NoError(t, err)
	b, err := d.Store(ctx, []byte("b"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, list(ctx, &buf, d))
	assert.ElementsMatch(t, []string{a.String(), b.String()}, strings.Fields(buf.String()))

	assert.Error(t, list(ctx, &buf, dag.NewMemoryStore()))
}
