package grpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/merkledb/merkledb/internal/cid"
	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/internal/logging"
	"github.com/merkledb/merkledb/internal/schema"
	"github.com/merkledb/merkledb/internal/table"
	"github.com/merkledb/merkledb/pkg/types"
)

// Options configures a Server.
type Options struct {
	Logger logrus.FieldLogger

	// OnSave is called with every root saved through the API.
	OnSave func(ctx context.Context, root cid.CID) error
}

// Server implements TablesServer over one schema.
type Server struct {
	schema *schema.Schema
	logger logrus.FieldLogger
	opts   Options
}

var _ TablesServer = (*Server)(nil)

// NewServer creates a gRPC server for s.
func NewServer(s *schema.Schema, opts Options) *Server {
	return &Server{
		schema: s,
		logger: logging.OrDiscard(opts.Logger).WithField("component", "grpc"),
		opts:   opts,
	}
}

type insertRequest struct {
	Table string    `json:"table"`
	Row   types.Row `json:"row"`
}

type orderClause struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

type queryRequest struct {
	Table    string            `json:"table"`
	Where    []table.Condition `json:"where"`
	OrderBy  []orderClause     `json:"order_by"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
	Search   string            `json:"search"`
	Select   []string          `json:"select"`
	Tolerant bool              `json:"tolerant"`
}

// Insert stores one row.
func (s *Server) Insert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	requestID := extractRequestID(ctx)

	var req insertRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	t, err := s.schema.Table(req.Table)
	if err != nil {
		return nil, statusError(err)
	}
	row, err := t.Insert(ctx, req.Row)
	if err != nil {
		return nil, statusError(err)
	}
	return encode(map[string]interface{}{"row": row, "request_id": requestID})
}

// Query runs a query. Integers above 2^53 lose precision in Struct numbers.
func (s *Server) Query(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	requestID := extractRequestID(ctx)

	var req queryRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	t, err := s.schema.Table(req.Table)
	if err != nil {
		return nil, statusError(err)
	}

	q := t.Query()
	for _, c := range req.Where {
		q = q.Where(c.Field, c.Op, c.Value)
	}
	for _, o := range req.OrderBy {
		q = q.OrderBy(o.Field, o.Direction)
	}
	if req.Limit != 0 {
		q = q.Limit(req.Limit)
	}
	if req.Offset != 0 {
		q = q.Offset(req.Offset)
	}
	if req.Search != "" {
		q = q.Search(req.Search)
	}
	if req.Tolerant {
		q = q.Tolerant()
	}
	res, err := q.Select(req.Select...).Execute(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	return encode(map[string]interface{}{
		"rows":       res.All(),
		"partial":    res.Partial(),
		"request_id": requestID,
	})
}

// Save stores the schema root.
func (s *Server) Save(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	requestID := extractRequestID(ctx)

	root, err := s.schema.Save(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	if s.opts.OnSave != nil {
		if err := s.opts.OnSave(ctx, root); err != nil {
			s.logger.WithError(err).WithField("cid", root.String()).Error("saved root was not recorded")
			return nil, statusError(err)
		}
	}
	return encode(map[string]interface{}{"cid": root.String(), "request_id": requestID})
}

// UnaryLoggingInterceptor logs every call with its status code and duration.
func UnaryLoggingInterceptor(logger logrus.FieldLogger) grpc.UnaryServerInterceptor {
	logger = logging.OrDiscard(logger).WithField("component", "grpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := logger.WithFields(logrus.Fields{
			"method":      info.FullMethod,
			"code":        status.Code(err).String(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  extractRequestID(ctx),
		})
		if err != nil {
			entry.WithError(err).Warn("request failed")
		} else {
			entry.Debug("request completed")
		}
		return resp, err
	}
}

// statusError maps an error category to a gRPC status.
func statusError(err error) error {
	var code codes.Code
	switch dberrors.GetCategory(err) {
	case dberrors.ErrCategoryConstraint:
		code = codes.AlreadyExists
	case dberrors.ErrCategoryValidation, dberrors.ErrCategoryQuery:
		code = codes.InvalidArgument
	case dberrors.ErrCategoryNotFound:
		code = codes.NotFound
	case dberrors.ErrCategoryStorage:
		code = codes.Internal
		if dberrors.IsRetryable(err) {
			code = codes.Unavailable
		}
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// decode reads a Struct into v through its JSON form, keeping numbers as
// json.Number so integral values become int64 after normalization.
func decode(in *structpb.Struct, v interface{}) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func encode(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return out, nil
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
