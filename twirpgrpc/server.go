// Package twirpgrpc exposes the methods of a twirpchan.Registry over native
// gRPC. The same handlers that twirphttp dispatches from HTTP requests are
// registered with a *grpc.Server (or any grpc.ServiceRegistrar), so a single
// registry can back both protocol surfaces on one listener.
//
// Handler errors are translated with the twerr status mapping: a *twerr.Error
// becomes the corresponding gRPC status code, and an error that originated as
// a gRPC status (for example one forwarded from an upstream gRPC call) is
// passed through with its details intact.
package twirpgrpc

import (
	"context"
	"io"
	"sort"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/twirpchan/twirpchan"
	"github.com/twirpchan/twirpchan/twerr"
)

// Option configures the registrar.
type Option interface {
	apply(*registrarOpts)
}

type registrarOpts struct {
	unaryInt  twirpchan.UnaryInterceptor
	streamInt twirpchan.StreamInterceptor
}

type optFunc func(*registrarOpts)

func (f optFunc) apply(o *registrarOpts) { f(o) }

// WithUnaryInterceptor runs the given interceptor around every unary handler
// invocation. Multiple interceptors can be combined with
// twirpchan.ChainUnaryInterceptors.
func WithUnaryInterceptor(interceptor twirpchan.UnaryInterceptor) Option {
	return optFunc(func(o *registrarOpts) {
		o.unaryInt = interceptor
	})
}

// WithStreamInterceptor runs the given interceptor around every stream
// handler invocation.
func WithStreamInterceptor(interceptor twirpchan.StreamInterceptor) Option {
	return optFunc(func(o *registrarOpts) {
		o.streamInt = interceptor
	})
}

// RegisterRegistry registers every method in the registry with the given
// gRPC registrar. Methods are grouped into one grpc.ServiceDesc per proto
// service, built from the method descriptors, so no generated service code
// is needed.
func RegisterRegistry(reg *twirpchan.Registry, registrar grpc.ServiceRegistrar, opts ...Option) {
	var o registrarOpts
	for _, opt := range opts {
		opt.apply(&o)
	}

	services := map[protoreflect.FullName][]*twirpchan.Method{}
	reg.ForEach(func(m *twirpchan.Method) {
		svc := m.Descriptor().Parent().FullName()
		services[svc] = append(services[svc], m)
	})

	for svc, methods := range services {
		sd := &grpc.ServiceDesc{
			ServiceName: string(svc),
			// Handlers close over their Method, so no server value is needed.
			HandlerType: (*interface{})(nil),
			Metadata:    methods[0].Descriptor().ParentFile().Path(),
		}
		sort.Slice(methods, func(i, j int) bool {
			return methods[i].Descriptor().Name() < methods[j].Descriptor().Name()
		})
		for _, m := range methods {
			if m.IsStreaming() {
				sd.Streams = append(sd.Streams, grpc.StreamDesc{
					StreamName:    string(m.Descriptor().Name()),
					Handler:       streamHandler(m, o.streamInt),
					ServerStreams: m.Descriptor().IsStreamingServer(),
					ClientStreams: m.Descriptor().IsStreamingClient(),
				})
			} else {
				sd.Methods = append(sd.Methods, grpc.MethodDesc{
					MethodName: string(m.Descriptor().Name()),
					Handler:    unaryHandler(m, o.unaryInt),
				})
			}
		}
		registrar.RegisterService(sd, nil)
	}
}

func unaryHandler(m *twirpchan.Method, unaryInt twirpchan.UnaryInterceptor) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := m.NewInput()
		if err := dec(in); err != nil {
			return nil, err
		}
		invoke := func(ctx context.Context, req interface{}) (interface{}, error) {
			resp, err := m.InvokeUnary(ctx, req.(proto.Message), unaryInt)
			if err != nil {
				return nil, twerr.GRPCStatusFromError(err).Err()
			}
			return resp, nil
		}
		if interceptor == nil {
			return invoke(ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + m.Name(),
		}
		return interceptor(ctx, in, info, invoke)
	}
}

func streamHandler(m *twirpchan.Method, streamInt twirpchan.StreamInterceptor) grpc.StreamHandler {
	return func(srv interface{}, ss grpc.ServerStream) error {
		stream := &grpcStream{method: m, ss: ss}
		if err := m.InvokeStream(stream, streamInt); err != nil {
			return twerr.GRPCStatusFromError(err).Err()
		}
		return nil
	}
}

// grpcStream adapts a grpc.ServerStream to the twirpchan.Stream interface
// that handlers are written against.
type grpcStream struct {
	method *twirpchan.Method
	ss     grpc.ServerStream
	recvd  bool
}

func (s *grpcStream) Context() context.Context {
	return s.ss.Context()
}

func (s *grpcStream) Recv() (proto.Message, error) {
	if !s.method.Descriptor().IsStreamingClient() {
		// server-streaming methods carry exactly one request message
		if s.recvd {
			return nil, io.EOF
		}
		s.recvd = true
	}
	in := s.method.NewInput()
	if err := s.ss.RecvMsg(in); err != nil {
		return nil, err
	}
	return in, nil
}

func (s *grpcStream) Send(resp proto.Message) error {
	return s.ss.SendMsg(resp)
}
