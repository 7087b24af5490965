package twirpchan

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// UnaryHandler is the application-supplied implementation of a unary RPC
// method. The request is a dynamic message whose descriptor is the method's
// input descriptor; the returned message must use the output descriptor.
// Returning a *twerr.Error controls the wire error exactly; any other error
// is surfaced as an internal Twirp error.
type UnaryHandler func(ctx context.Context, req proto.Message) (proto.Message, error)

// Stream is the handler-facing view of a streaming RPC. It is
// encoding-agnostic: the same handler runs unchanged whether the transport
// frames messages as binary Twirp stream frames, JSON lines, or native gRPC
// streaming.
type Stream interface {
	// Context returns the request context. It is cancelled when the caller
	// goes away, at which point handlers should stop producing messages.
	Context() context.Context

	// Recv returns the next request message, or io.EOF once the caller has
	// finished sending. Methods that are not client-streaming see exactly
	// one message followed by io.EOF.
	Recv() (proto.Message, error)

	// Send emits a response message. It blocks until the transport has
	// accepted the message, so a slow consumer applies backpressure to the
	// handler rather than growing an in-memory queue.
	Send(resp proto.Message) error
}

// StreamHandler is the application-supplied implementation of a streaming
// RPC method (client-streaming, server-streaming, or bidirectional).
type StreamHandler func(stream Stream) error

// Method is one registered RPC method: its protobuf descriptor plus exactly
// one handler. Methods are created through a Registry and are immutable.
type Method struct {
	desc   protoreflect.MethodDescriptor
	unary  UnaryHandler
	stream StreamHandler
}

// Descriptor returns the method's protobuf descriptor, which carries the
// input and output message descriptors and the streaming flags.
func (m *Method) Descriptor() protoreflect.MethodDescriptor { return m.desc }

// Name returns the method's registry key, "package.Service/Method".
func (m *Method) Name() string {
	return fmt.Sprintf("%s/%s", m.desc.Parent().FullName(), m.desc.Name())
}

// IsStreaming reports whether the method streams in either direction.
func (m *Method) IsStreaming() bool {
	return m.desc.IsStreamingClient() || m.desc.IsStreamingServer()
}

// NewInput returns a fresh dynamic message for the method's input type.
func (m *Method) NewInput() *dynamicpb.Message {
	return dynamicpb.NewMessage(m.desc.Input())
}

// NewOutput returns a fresh dynamic message for the method's output type.
func (m *Method) NewOutput() *dynamicpb.Message {
	return dynamicpb.NewMessage(m.desc.Output())
}

// Unary returns the unary handler, or nil for streaming methods.
func (m *Method) Unary() UnaryHandler { return m.unary }

// Stream returns the stream handler, or nil for unary methods.
func (m *Method) Stream() StreamHandler { return m.stream }

// Registry maps method names to handlers. It is populated once at startup
// and then shared read-only by every server that dispatches into it, so no
// synchronization is needed at request time.
//
//	reg := twirpchan.NewRegistry()
//	reg.RegisterUnary(svc.Methods().ByName("Echo"), echoHandler)
//	reg.RegisterStream(svc.Methods().ByName("Watch"), watchHandler)
//
//	// The same registry can then back multiple protocol surfaces:
//	httpSrv := twirphttp.NewServer(reg)
//	twirpgrpc.RegisterRegistry(reg, grpcServer)
type Registry struct {
	methods map[string]*Method
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: map[string]*Method{}}
}

// RegisterUnary registers the handler for the given unary method. Like a
// gRPC server, a registry allows a single handler per method; duplicate
// registration, a nil descriptor, or a streaming descriptor is a
// programming error and panics.
func (r *Registry) RegisterUnary(md protoreflect.MethodDescriptor, h UnaryHandler) {
	if md.IsStreamingClient() || md.IsStreamingServer() {
		panic(fmt.Sprintf("method %s: RegisterUnary called with a streaming method", md.FullName()))
	}
	r.add(&Method{desc: md, unary: h})
}

// RegisterStream registers the handler for the given streaming method. The
// descriptor must stream in at least one direction.
func (r *Registry) RegisterStream(md protoreflect.MethodDescriptor, h StreamHandler) {
	if !md.IsStreamingClient() && !md.IsStreamingServer() {
		panic(fmt.Sprintf("method %s: RegisterStream called with a unary method", md.FullName()))
	}
	r.add(&Method{desc: md, stream: h})
}

func (r *Registry) add(m *Method) {
	name := m.Name()
	if _, ok := r.methods[name]; ok {
		panic(fmt.Sprintf("method %s: handler already registered", name))
	}
	r.methods[name] = m
}

// QueryMethod returns the method registered under the given
// "package.Service/Method" name, or nil if there is none.
func (r *Registry) QueryMethod(name string) *Method {
	return r.methods[name]
}

// ForEach calls fn for every registered method. This is how alternate
// protocol surfaces (such as the gRPC registrar) enumerate a registry
// that was populated once by the application.
func (r *Registry) ForEach(fn func(m *Method)) {
	for _, m := range r.methods {
		fn(m)
	}
}

// Len returns the number of registered methods.
func (r *Registry) Len() int {
	return len(r.methods)
}
