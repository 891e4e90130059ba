// Package grpcapi implements the aggexpr.v1.Compiler gRPC service. Requests
// and responses are google.protobuf.Struct messages, so clients need no
// generated code beyond the well-known types.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lemonberrylabs/aggexpr/pkg/expr"
	"github.com/lemonberrylabs/aggexpr/pkg/parser"
	"github.com/lemonberrylabs/aggexpr/pkg/store"
	"github.com/lemonberrylabs/aggexpr/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "aggexpr.v1.Compiler"

// CompilerServer is the server API for the Compiler service.
//
// Compile takes {"source": "<definition>"} and returns
// {"document": <document>, "json": "<ordered JSON>"}. Validate takes the same
// request and returns {"valid": true, "pipeline": bool}. CompileDefinition
// takes {"name": "<definition name>"} and compiles a stored definition.
type CompilerServer interface {
	Compile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Validate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompileDefinition(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterCompilerServer registers srv with s.
func RegisterCompilerServer(s grpc.ServiceRegistrar, srv CompilerServer) {
	s.RegisterService(&compilerServiceDesc, srv)
}

var compilerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CompilerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Compile", Handler: unaryHandler("Compile", CompilerServer.Compile)},
		{MethodName: "Validate", Handler: unaryHandler("Validate", CompilerServer.Validate)},
		{MethodName: "CompileDefinition", Handler: unaryHandler("CompileDefinition", CompilerServer.CompileDefinition)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aggexpr/v1/compiler.proto",
}

type unaryMethod func(CompilerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, method unaryMethod) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(CompilerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return method(srv.(CompilerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// CompilerClient is the client API for the Compiler service.
type CompilerClient struct {
	cc grpc.ClientConnInterface
}

// NewCompilerClient creates a client on cc.
func NewCompilerClient(cc grpc.ClientConnInterface) *CompilerClient {
	return &CompilerClient{cc: cc}
}

func (c *CompilerClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Compile compiles a definition source.
func (c *CompilerClient) Compile(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Compile", in, opts...)
}

// Validate checks a definition source without compiling it.
func (c *CompilerClient) Validate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Validate", in, opts...)
}

// CompileDefinition compiles a stored definition.
func (c *CompilerClient) CompileDefinition(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CompileDefinition", in, opts...)
}

// Server implements CompilerServer.
type Server struct {
	store    *store.Store
	compiler *expr.Compiler
	logger   *slog.Logger
	grpc     *grpc.Server
}

// New creates a new gRPC server compiling with c and reading stored
// definitions from s. A nil compiler gets the defaults.
func New(s *store.Store, c *expr.Compiler, logger *slog.Logger) *Server {
	if c == nil {
		c = expr.NewCompiler()
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{store: s, compiler: c, logger: logger}

	gs := grpc.NewServer(grpc.UnaryInterceptor(srv.logCalls))
	RegisterCompilerServer(gs, srv)
	srv.grpc = gs

	return srv
}

// Serve starts listening on the given address and serves gRPC requests.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.grpc.Serve(lis)
}

// GracefulStop gracefully stops the gRPC server.
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Debug("grpc call failed", "method", info.FullMethod, "code", status.Code(err).String(), "error", err)
	} else {
		s.logger.Debug("grpc call", "method", info.FullMethod)
	}
	return resp, err
}

// Compile parses and compiles the request's source.
func (s *Server) Compile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	def, err := parseRequest(req)
	if err != nil {
		return nil, err
	}
	doc, err := def.Compile(s.compiler)
	if err != nil {
		return nil, toStatus(err)
	}
	return documentResponse(doc, nil)
}

// Validate parses the request's source and compiles it, discarding the
// document.
func (s *Server) Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	def, err := parseRequest(req)
	if err != nil {
		return nil, err
	}
	if _, err := def.Compile(s.compiler); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"valid":    true,
		"pipeline": def.IsPipeline(),
	})
}

// CompileDefinition compiles the stored definition named in the request.
func (s *Server) CompileDefinition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := req.GetFields()["name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	d, err := s.store.Get(name)
	if err != nil {
		return nil, toStatus(err)
	}
	def, err := parser.Parse([]byte(d.Source))
	if err != nil {
		return nil, toStatus(err)
	}
	doc, err := def.Compile(s.compiler)
	if err != nil {
		return nil, toStatus(err)
	}
	return documentResponse(doc, map[string]interface{}{
		"name":       d.Name,
		"revisionId": d.RevisionID,
	})
}

func parseRequest(req *structpb.Struct) (*parser.Definition, error) {
	src := req.GetFields()["source"].GetStringValue()
	if src == "" {
		return nil, status.Error(codes.InvalidArgument, "source is required")
	}
	def, err := parser.Parse([]byte(src))
	if err != nil {
		return nil, toStatus(err)
	}
	return def, nil
}

func documentResponse(doc types.Value, extra map[string]interface{}) (*structpb.Struct, error) {
	data, err := doc.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode document: %v", err)
	}
	fields := map[string]interface{}{
		"document": doc.ToGoValue(),
		"json":     string(data),
	}
	for k, v := range extra {
		fields[k] = v
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode document: %v", err)
	}
	return out, nil
}

// toStatus maps parse, compile and store errors to gRPC status errors.
func toStatus(err error) error {
	var pe *parser.ParseError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, types.ErrDepthExceeded):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, types.ErrInvalidArgument), errors.Is(err, types.ErrUnresolvedName), errors.As(err, &pe):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
