package twirpchan

import (
	"context"

	"google.golang.org/protobuf/proto"
)

// UnaryInterceptor intercepts the invocation of a unary handler. It receives
// the already-decoded request and the resolved method, and must call next to
// run the handler (or short-circuit by returning its own response or error).
type UnaryInterceptor func(ctx context.Context, req proto.Message, method *Method, next UnaryHandler) (proto.Message, error)

// StreamInterceptor intercepts the invocation of a stream handler.
type StreamInterceptor func(stream Stream, method *Method, next StreamHandler) error

// ChainUnaryInterceptors combines the given interceptors into one. The first
// interceptor in the set is the first one invoked; when it delegates to next,
// the second interceptor runs, and so on, until the innermost next invokes
// the actual handler.
func ChainUnaryInterceptors(interceptors ...UnaryInterceptor) UnaryInterceptor {
	if len(interceptors) == 1 {
		return interceptors[0]
	}
	return func(ctx context.Context, req proto.Message, method *Method, next UnaryHandler) (proto.Message, error) {
		handler := next
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			inner := handler
			handler = func(ctx context.Context, req proto.Message) (proto.Message, error) {
				return interceptor(ctx, req, method, inner)
			}
		}
		return handler(ctx, req)
	}
}

// ChainStreamInterceptors combines the given stream interceptors into one,
// with the same ordering as ChainUnaryInterceptors.
func ChainStreamInterceptors(interceptors ...StreamInterceptor) StreamInterceptor {
	if len(interceptors) == 1 {
		return interceptors[0]
	}
	return func(stream Stream, method *Method, next StreamHandler) error {
		handler := next
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			inner := handler
			handler = func(stream Stream) error {
				return interceptor(stream, method, inner)
			}
		}
		return handler(stream)
	}
}

// InvokeUnary runs the method's unary handler, routing through the given
// interceptor when it is non-nil. Dispatchers use this so that the handler
// is invoked through exactly one code path.
func (m *Method) InvokeUnary(ctx context.Context, req proto.Message, interceptor UnaryInterceptor) (proto.Message, error) {
	if interceptor == nil {
		return m.unary(ctx, req)
	}
	return interceptor(ctx, req, m, m.unary)
}

// InvokeStream runs the method's stream handler, routing through the given
// interceptor when it is non-nil.
func (m *Method) InvokeStream(stream Stream, interceptor StreamInterceptor) error {
	if interceptor == nil {
		return m.stream(stream)
	}
	return interceptor(stream, m, m.stream)
}
