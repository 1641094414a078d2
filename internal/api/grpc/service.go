// Package grpc serves the table API over gRPC. Messages are
// google.protobuf.Struct values so that rows keep their free-form shape
// without generated code.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "merkledb.v1.Tables"

// TablesServer is the server side of merkledb.v1.Tables.
type TablesServer interface {
	// Insert takes {"table", "row"} and returns {"row", "request_id"}.
	Insert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Query takes {"table", "where", "order_by", "limit", "offset", "search",
	// "select", "tolerant"} and returns {"rows", "partial", "request_id"}.
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Save stores the schema root and returns {"cid", "request_id"}.
	Save(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterTablesServer registers srv on r.
func RegisterTablesServer(r grpc.ServiceRegistrar, srv TablesServer) {
	r.RegisterService(&tablesServiceDesc, srv)
}

func unaryHandler(method string, call func(TablesServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TablesServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(TablesServer), ctx, req.(*structpb.Struct))
		})
	}
}

var tablesServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TablesServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Insert", Handler: unaryHandler("Insert", TablesServer.Insert)},
		{MethodName: "Query", Handler: unaryHandler("Query", TablesServer.Query)},
		{MethodName: "Save", Handler: unaryHandler("Save", TablesServer.Save)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "merkledb/v1/tables.proto",
}

// Client calls merkledb.v1.Tables.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Insert calls Tables/Insert.
func (c *Client) Insert(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Insert", in, opts...)
}

// Query calls Tables/Query.
func (c *Client) Query(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Query", in, opts...)
}

// Save calls Tables/Save.
func (c *Client) Save(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Save", in, opts...)
}
