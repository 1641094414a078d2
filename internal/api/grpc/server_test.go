package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/dag"
	"github.com/merkledb/merkledb/internal/schema"
	"github.com/merkledb/merkledb/pkg/types"
)

func newClient(t *testing.T, onSave func(context.Context, cid.CID) error) *Client {
	t.Helper()
	s, err := schema.New("shop", dag.NewMemoryStore(), schema.Options{})
	require.NoError(t, err)
	_, err = s.CreateTable("orders", types.TableDefinition{
		Rollup:  2,
		Indexes: map[string]types.IndexDef{"sku": {Fields: []string{"sku"}, Unique: true}},
	})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryLoggingInterceptor(nil)))
	RegisterTablesServer(srv, NewServer(s, Options{OnSave: onSave}))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestInsertAndQuery(t *testing.T) {
	c := newClient(t, nil)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-request-id", "req-1")

	for i, sku := range []string{"a", "b", "c"} {
		out, err := c.Insert(ctx, mustStruct(t, map[string]interface{}{
			"table": "orders",
			"row":   map[string]interface{}{"sku": sku, "qty": float64(i + 1)},
		}))
		require.NoError(t, err)
		assert.Equal(t, "req-1", out.Fields["request_id"].GetStringValue())
		assert.Equal(t, float64(i+1), out.Fields["row"].GetStructValue().Fields["id"].GetNumberValue())
	}

	out, err := c.Query(ctx, mustStruct(t, map[string]interface{}{
		"table":    "orders",
		"where":    []interface{}{map[string]interface{}{"field": "qty", "op": ">", "value": float64(1)}},
		"order_by": []interface{}{map[string]interface{}{"field": "qty", "direction": "desc"}},
		"select":   []interface{}{"sku"},
	}))
	require.NoError(t, err)
	rows := out.Fields["rows"].GetListValue().GetValues()
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].GetStructValue().Fields["sku"].GetStringValue())
	assert.Equal(t, "b", rows[1].GetStructValue().Fields["sku"].GetStringValue())
	assert.False(t, out.Fields["partial"].GetBoolValue())
}

func TestStatusCodes(t *testing.T) {
	c := newClient(t, nil)
	ctx := context.Background()

	row := mustStruct(t, map[string]interface{}{"table": "orders", "row": map[string]interface{}{"sku": "a"}})
	_, err := c.Insert(ctx, row)
	require.NoError(t, err)

	_, err = c.Insert(ctx, row)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = c.Insert(ctx, mustStruct(t, map[string]interface{}{"table": "nope", "row": map[string]interface{}{}}))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.Query(ctx, mustStruct(t, map[string]interface{}{
		"table": "orders",
		"where": []interface{}{map[string]interface{}{"field": "sku", "op": "like", "value": "a"}},
	}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSave(t *testing.T) {
	var saved cid.CID
	c := newClient(t, func(_ context.Context, root cid.CID) error {
		saved = root
		return nil
	})

	out, err := c.Save(context.Background(), &structpb.Struct{})
	require.NoError(t, err)
	require.False(t, saved.IsUndef())
	assert.Equal(t, saved.String(), out.Fields["cid"].GetStringValue())
	assert.NotEmpty(t, out.Fields["request_id"].GetStringValue())
}
