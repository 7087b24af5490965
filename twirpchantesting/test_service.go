package twirpchantesting

import (
	"context"
	"fmt"
	"io"

	"github.com/jhump/protoreflect/desc/protoparse"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/twirpchan/twirpchan"
	"github.com/twirpchan/twirpchan/twerr"
)

// testProtoSource is the service definition used by the channel test cases.
// It is parsed at init time so that tests exercise the same dynamic-message
// path that production registries use, with no generated code involved.
const testProtoSource = `
syntax = "proto3";

package twirpchan.test;

message Message {
	string payload = 1;
	int32 count = 2;
	string error_code = 3;
	string error_message = 4;
}

service TestService {
	rpc Echo(Message) returns (Message);
	rpc ServerStream(Message) returns (stream Message);
	rpc ClientStream(stream Message) returns (Message);
	rpc BidiStream(stream Message) returns (stream Message);
}
`

var testService protoreflect.ServiceDescriptor

func init() {
	parser := protoparse.Parser{
		Accessor: protoparse.FileContentsFromMap(map[string]string{
			"twirpchan/test.proto": testProtoSource,
		}),
	}
	fds, err := parser.ParseFiles("twirpchan/test.proto")
	if err != nil {
		panic(fmt.Sprintf("failed to parse test service proto: %v", err))
	}
	testService = fds[0].UnwrapFile().Services().ByName("TestService")
}

// ServiceDescriptor returns the descriptor of the test service,
// twirpchan.test.TestService.
func ServiceDescriptor() protoreflect.ServiceDescriptor {
	return testService
}

// Msg is a plain-Go view of the twirpchan.test.Message proto, so test cases
// can build and compare messages without poking at dynamic fields.
type Msg struct {
	Payload      string
	Count        int32
	ErrorCode    string
	ErrorMessage string
}

// ToProto converts the message to its dynamic proto form.
func (m Msg) ToProto() *dynamicpb.Message {
	md := testService.Methods().ByName("Echo").Input()
	pm := dynamicpb.NewMessage(md)
	fields := md.Fields()
	if m.Payload != "" {
		pm.Set(fields.ByName("payload"), protoreflect.ValueOfString(m.Payload))
	}
	if m.Count != 0 {
		pm.Set(fields.ByName("count"), protoreflect.ValueOfInt32(m.Count))
	}
	if m.ErrorCode != "" {
		pm.Set(fields.ByName("error_code"), protoreflect.ValueOfString(m.ErrorCode))
	}
	if m.ErrorMessage != "" {
		pm.Set(fields.ByName("error_message"), protoreflect.ValueOfString(m.ErrorMessage))
	}
	return pm
}

// MsgFromProto converts a received proto message back to the plain view.
func MsgFromProto(pm proto.Message) Msg {
	r := pm.ProtoReflect()
	fields := r.Descriptor().Fields()
	return Msg{
		Payload:      r.Get(fields.ByName("payload")).String(),
		Count:        int32(r.Get(fields.ByName("count")).Int()),
		ErrorCode:    r.Get(fields.ByName("error_code")).String(),
		ErrorMessage: r.Get(fields.ByName("error_message")).String(),
	}
}

func errFromMsg(m Msg) error {
	return twerr.New(twerr.Code(m.ErrorCode), m.ErrorMessage)
}

// RegisterTestService registers the default test service implementation in
// the given registry. The methods respond deterministically based on the
// request:
//
//   - Echo returns the request unchanged, or the error the request's
//     error_code and error_message fields describe.
//   - ServerStream sends count response messages, numbered from 1, and then
//     ends the stream with the requested error if error_code is set.
//   - ClientStream consumes the whole request stream and replies with one
//     message carrying the concatenated payloads and the message count; a
//     request with error_code set fails the stream immediately.
//   - BidiStream buffers the full request stream and then echoes each
//     message back (half-duplex, so it also works over HTTP 1.1).
func RegisterTestService(reg *twirpchan.Registry) {
	methods := testService.Methods()
	reg.RegisterUnary(methods.ByName("Echo"), echo)
	reg.RegisterStream(methods.ByName("ServerStream"), serverStream)
	reg.RegisterStream(methods.ByName("ClientStream"), clientStream)
	reg.RegisterStream(methods.ByName("BidiStream"), bidiStream)
}

func echo(ctx context.Context, req proto.Message) (proto.Message, error) {
	m := MsgFromProto(req)
	if m.ErrorCode != "" {
		return nil, errFromMsg(m)
	}
	return Msg{Payload: m.Payload, Count: m.Count}.ToProto(), nil
}

func serverStream(stream twirpchan.Stream) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	m := MsgFromProto(req)
	for i := int32(0); i < m.Count; i++ {
		resp := Msg{Payload: m.Payload, Count: i + 1}
		if err := stream.Send(resp.ToProto()); err != nil {
			return err
		}
	}
	if m.ErrorCode != "" {
		return errFromMsg(m)
	}
	return nil
}

func clientStream(stream twirpchan.Stream) error {
	var payload string
	var count int32
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		m := MsgFromProto(req)
		if m.ErrorCode != "" {
			return errFromMsg(m)
		}
		payload += m.Payload
		count++
	}
	return stream.Send(Msg{Payload: payload, Count: count}.ToProto())
}

func bidiStream(stream twirpchan.Stream) error {
	// consume the full request stream before replying so the method works
	// over transports without full-duplex support
	var msgs []Msg
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		msgs = append(msgs, MsgFromProto(req))
	}
	for _, m := range msgs {
		if m.ErrorCode != "" {
			return errFromMsg(m)
		}
		if err := stream.Send(Msg{Payload: m.Payload, Count: m.Count}.ToProto()); err != nil {
			return err
		}
	}
	return nil
}
