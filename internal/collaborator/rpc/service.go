package rpc

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/interceptors"
)

type structHandler func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// unaryMethod builds a MethodDesc the way generated code does: decode the
// request, then run the handler through the server interceptor chain.
func unaryMethod(service, name string, h structHandler) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return h(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return h(srv, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// NewServer returns a gRPC server instrumented with otelgrpc and the id
// propagation interceptors.
func NewServer(logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.UnaryServerInterceptor(logger),
			interceptors.TraceServerInterceptor(),
		),
	}, opts...)
	return grpc.NewServer(opts...)
}

// Dial opens a client connection that forwards the request id, saga id and
// idempotency key of each call.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(interceptors.UnaryClientInterceptor()),
	}, opts...)
	return grpc.NewClient(addr, opts...)
}

func invoke(ctx context.Context, cc grpc.ClientConnInterface, service, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, in, out); err != nil {
		return fromStatus(method, err)
	}
	return decode(out, resp)
}
