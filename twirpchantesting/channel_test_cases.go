package twirpchantesting

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/twirpchan/twirpchan/twerr"
	"github.com/twirpchan/twirpchan/twirphttp"
)

// Channel abstracts the client side of a transport so the same test cases
// can run against the HTTP channel (in both encodings) and a gRPC client
// connection.
type Channel interface {
	Invoke(ctx context.Context, methodName string, req, resp interface{}) error
	NewStream(ctx context.Context, methodName string) (ClientStream, error)
}

// ClientStream is the client side of one streaming call, as seen by the
// test cases.
type ClientStream interface {
	Send(m interface{}) error
	CloseSend() error
	Recv(m interface{}) error
	Context() context.Context
}

// HTTPChannel adapts a *twirphttp.Channel to the Channel interface.
func HTTPChannel(ch *twirphttp.Channel) Channel {
	return httpChannel{ch}
}

type httpChannel struct {
	ch *twirphttp.Channel
}

func (c httpChannel) Invoke(ctx context.Context, methodName string, req, resp interface{}) error {
	return c.ch.Invoke(ctx, methodName, req, resp)
}

func (c httpChannel) NewStream(ctx context.Context, methodName string) (ClientStream, error) {
	return c.ch.NewStream(ctx, methodName)
}

// GRPCChannel adapts a gRPC client connection to the Channel interface.
// Status errors are converted to *twerr.Error so the test cases can assert
// a single error model across transports.
func GRPCChannel(cc grpc.ClientConnInterface) Channel {
	return grpcChannel{cc}
}

type grpcChannel struct {
	cc grpc.ClientConnInterface
}

func asTwerr(err error) error {
	if err == nil {
		return err
	}
	if st, ok := status.FromError(err); ok {
		return twerr.FromGRPCStatus(st)
	}
	return err
}

func (c grpcChannel) Invoke(ctx context.Context, methodName string, req, resp interface{}) error {
	return asTwerr(c.cc.Invoke(ctx, "/"+methodName, req, resp))
}

func (c grpcChannel) NewStream(ctx context.Context, methodName string) (ClientStream, error) {
	md := methodDescriptor(methodName)
	desc := &grpc.StreamDesc{
		StreamName:    string(md.Name()),
		ServerStreams: md.IsStreamingServer(),
		ClientStreams: md.IsStreamingClient(),
	}
	cs, err := c.cc.NewStream(ctx, desc, "/"+methodName)
	if err != nil {
		return nil, asTwerr(err)
	}
	return grpcClientStream{cs}, nil
}

func methodDescriptor(methodName string) protoreflect.MethodDescriptor {
	for i := 0; i < testService.Methods().Len(); i++ {
		md := testService.Methods().Get(i)
		if string(testService.FullName())+"/"+string(md.Name()) == methodName {
			return md
		}
	}
	panic("unknown test method: " + methodName)
}

type grpcClientStream struct {
	cs grpc.ClientStream
}

func (s grpcClientStream) Send(m interface{}) error {
	return asTwerr(s.cs.SendMsg(m))
}

func (s grpcClientStream) CloseSend() error {
	return asTwerr(s.cs.CloseSend())
}

func (s grpcClientStream) Recv(m interface{}) error {
	err := s.cs.RecvMsg(m)
	if err == io.EOF {
		return io.EOF
	}
	return asTwerr(err)
}

func (s grpcClientStream) Context() context.Context {
	return s.cs.Context()
}

func methodName(name string) string {
	return string(testService.FullName()) + "/" + name
}

// RunChannelTestCases exercises the behavior of the given channel. The
// server side must have the implementation installed by RegisterTestService.
// The test cases are defined as child tests by invoking t.Run on the given
// *testing.T.
func RunChannelTestCases(t *testing.T, ch Channel) {
	t.Run("unary", func(t *testing.T) { testUnary(t, ch) })
	t.Run("unary-error", func(t *testing.T) { testUnaryError(t, ch) })
	t.Run("server-stream", func(t *testing.T) { testServerStream(t, ch) })
	t.Run("server-stream-empty", func(t *testing.T) { testServerStreamEmpty(t, ch) })
	t.Run("server-stream-error", func(t *testing.T) { testServerStreamError(t, ch) })
	t.Run("client-stream", func(t *testing.T) { testClientStream(t, ch) })
	t.Run("bidi-stream", func(t *testing.T) { testBidiStream(t, ch) })
	t.Run("canceled", func(t *testing.T) { testCanceled(t, ch) })
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testUnary(t *testing.T, ch Channel) {
	req := Msg{Payload: "ping", Count: 7}.ToProto()
	resp := Msg{}.ToProto()
	if err := ch.Invoke(testCtx(t), methodName("Echo"), req, resp); err != nil {
		t.Fatalf("RPC failed: %v", err)
	}
	got := MsgFromProto(resp)
	if got.Payload != "ping" || got.Count != 7 {
		t.Fatalf("wrong response: %+v", got)
	}
}

func testUnaryError(t *testing.T, ch Channel) {
	req := Msg{ErrorCode: "already_exists", ErrorMessage: "it is already there"}.ToProto()
	err := ch.Invoke(testCtx(t), methodName("Echo"), req, Msg{}.ToProto())
	checkError(t, err, twerr.AlreadyExists, "it is already there")
}

func testServerStream(t *testing.T, ch Channel) {
	cs, err := ch.NewStream(testCtx(t), methodName("ServerStream"))
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	if err := cs.Send(Msg{Payload: "tick", Count: 3}.ToProto()); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	if err := cs.CloseSend(); err != nil {
		t.Fatalf("failed to close send side: %v", err)
	}
	for i := int32(1); i <= 3; i++ {
		resp := Msg{}.ToProto()
		if err := cs.Recv(resp); err != nil {
			t.Fatalf("failed to receive message %d: %v", i, err)
		}
		got := MsgFromProto(resp)
		if got.Payload != "tick" || got.Count != i {
			t.Fatalf("wrong message %d: %+v", i, got)
		}
	}
	if err := cs.Recv(Msg{}.ToProto()); err != io.EOF {
		t.Fatalf("expecting end of stream; got %v", err)
	}
	// the end of a stream is sticky
	if err := cs.Recv(Msg{}.ToProto()); err != io.EOF {
		t.Fatalf("expecting end of stream to repeat; got %v", err)
	}
}

func testServerStreamEmpty(t *testing.T, ch Channel) {
	cs, err := ch.NewStream(testCtx(t), methodName("ServerStream"))
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	if err := cs.Send(Msg{Count: 0}.ToProto()); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	if err := cs.CloseSend(); err != nil {
		t.Fatalf("failed to close send side: %v", err)
	}
	if err := cs.Recv(Msg{}.ToProto()); err != io.EOF {
		t.Fatalf("expecting empty stream; got %v", err)
	}
}

func testServerStreamError(t *testing.T, ch Channel) {
	cs, err := ch.NewStream(testCtx(t), methodName("ServerStream"))
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	req := Msg{Payload: "tick", Count: 2, ErrorCode: "resource_exhausted", ErrorMessage: "out of ticks"}
	if err := cs.Send(req.ToProto()); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	if err := cs.CloseSend(); err != nil {
		t.Fatalf("failed to close send side: %v", err)
	}
	for i := int32(1); i <= 2; i++ {
		if err := cs.Recv(Msg{}.ToProto()); err != nil {
			t.Fatalf("failed to receive message %d: %v", i, err)
		}
	}
	err = cs.Recv(Msg{}.ToProto())
	checkError(t, err, twerr.ResourceExhausted, "out of ticks")
	// the terminal error is sticky too
	err = cs.Recv(Msg{}.ToProto())
	checkError(t, err, twerr.ResourceExhausted, "out of ticks")
}

func testClientStream(t *testing.T, ch Channel) {
	cs, err := ch.NewStream(testCtx(t), methodName("ClientStream"))
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	for _, payload := range []string{"a", "b", "c"} {
		if err := cs.Send(Msg{Payload: payload}.ToProto()); err != nil {
			t.Fatalf("failed to send %q: %v", payload, err)
		}
	}
	if err := cs.CloseSend(); err != nil {
		t.Fatalf("failed to close send side: %v", err)
	}
	resp := Msg{}.ToProto()
	if err := cs.Recv(resp); err != nil {
		t.Fatalf("failed to receive response: %v", err)
	}
	got := MsgFromProto(resp)
	if got.Payload != "abc" || got.Count != 3 {
		t.Fatalf("wrong response: %+v", got)
	}
	if err := cs.Recv(Msg{}.ToProto()); err != io.EOF {
		t.Fatalf("expecting end of stream; got %v", err)
	}
}

func testBidiStream(t *testing.T, ch Channel) {
	// half-duplex: upload everything, then read everything
	cs, err := ch.NewStream(testCtx(t), methodName("BidiStream"))
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	payloads := []string{"one", "two", "three"}
	for i, payload := range payloads {
		if err := cs.Send(Msg{Payload: payload, Count: int32(i)}.ToProto()); err != nil {
			t.Fatalf("failed to send %q: %v", payload, err)
		}
	}
	if err := cs.CloseSend(); err != nil {
		t.Fatalf("failed to close send side: %v", err)
	}
	for i, payload := range payloads {
		resp := Msg{}.ToProto()
		if err := cs.Recv(resp); err != nil {
			t.Fatalf("failed to receive message %d: %v", i, err)
		}
		got := MsgFromProto(resp)
		if got.Payload != payload || got.Count != int32(i) {
			t.Fatalf("wrong message %d: %+v", i, got)
		}
	}
	if err := cs.Recv(Msg{}.ToProto()); err != io.EOF {
		t.Fatalf("expecting end of stream; got %v", err)
	}
}

func testCanceled(t *testing.T, ch Channel) {
	ctx, cancel := context.WithCancel(testCtx(t))
	cancel()
	err := ch.Invoke(ctx, methodName("Echo"), Msg{Payload: "x"}.ToProto(), Msg{}.ToProto())
	if err == nil {
		t.Fatal("expecting RPC to fail")
	}
	var terr *twerr.Error
	if !errors.As(err, &terr) {
		t.Fatalf("expecting *twerr.Error; got %T: %v", err, err)
	}
	if terr.Code() != twerr.Canceled {
		t.Fatalf("wrong code: expecting %s; got %s", twerr.Canceled, terr.Code())
	}
}

func checkError(t *testing.T, err error, code twerr.Code, msg string) {
	t.Helper()
	if err == nil {
		t.Fatal("expecting RPC to fail")
	}
	var terr *twerr.Error
	if !errors.As(err, &terr) {
		t.Fatalf("expecting *twerr.Error; got %T: %v", err, err)
	}
	if terr.Code() != code {
		t.Fatalf("wrong code: expecting %s; got %s", code, terr.Code())
	}
	if terr.Message() != msg {
		t.Fatalf("wrong message: expecting %q; got %q", msg, terr.Message())
	}
}
