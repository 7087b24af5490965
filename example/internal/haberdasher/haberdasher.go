// Package haberdasher is the demo service shared by the example server and
// client: a hat maker with one unary and one streaming method. Its
// descriptors are parsed from source at startup, the same way a service
// loaded from a registry or a descriptor set would be.
package haberdasher

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/jhump/protoreflect/desc/protoparse"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/twirpchan/twirpchan"
	"github.com/twirpchan/twirpchan/twerr"
)

const protoSource = `
syntax = "proto3";

package example.haberdasher;

message Size {
	int32 inches = 1;
	int32 quantity = 2;
}

message Hat {
	int32 inches = 1;
	string color = 2;
	string name = 3;
}

service Haberdasher {
	rpc MakeHat(Size) returns (Hat);
	rpc MakeHats(Size) returns (stream Hat);
}
`

var service protoreflect.ServiceDescriptor

func init() {
	parser := protoparse.Parser{
		Accessor: protoparse.FileContentsFromMap(map[string]string{
			"example/haberdasher.proto": protoSource,
		}),
	}
	fds, err := parser.ParseFiles("example/haberdasher.proto")
	if err != nil {
		panic(fmt.Sprintf("failed to parse haberdasher proto: %v", err))
	}
	service = fds[0].UnwrapFile().Services().ByName("Haberdasher")
}

// Service returns the example.haberdasher.Haberdasher descriptor.
func Service() protoreflect.ServiceDescriptor {
	return service
}

var (
	colors = []string{"white", "black", "brown", "red", "blue"}
	names  = []string{"bowler", "baseball cap", "top hat", "derby"}
)

// NewSize builds a Size request message.
func NewSize(inches, quantity int32) *dynamicpb.Message {
	md := service.Methods().ByName("MakeHat").Input()
	m := dynamicpb.NewMessage(md)
	if inches != 0 {
		m.Set(md.Fields().ByName("inches"), protoreflect.ValueOfInt32(inches))
	}
	if quantity != 0 {
		m.Set(md.Fields().ByName("quantity"), protoreflect.ValueOfInt32(quantity))
	}
	return m
}

// NewHat builds an empty Hat message, ready to receive a response into.
func NewHat() *dynamicpb.Message {
	return dynamicpb.NewMessage(service.Methods().ByName("MakeHat").Output())
}

// DescribeHat renders a received Hat as a human-readable string.
func DescribeHat(m proto.Message) string {
	r := m.ProtoReflect()
	fields := r.Descriptor().Fields()
	return fmt.Sprintf("%d-inch %s %s",
		r.Get(fields.ByName("inches")).Int(),
		r.Get(fields.ByName("color")).String(),
		r.Get(fields.ByName("name")).String())
}

// Register installs the haberdasher handlers in the given registry.
func Register(reg *twirpchan.Registry) {
	reg.RegisterUnary(service.Methods().ByName("MakeHat"), makeHat)
	reg.RegisterStream(service.Methods().ByName("MakeHats"), makeHats)
}

func sizeInches(req proto.Message) (int32, error) {
	r := req.ProtoReflect()
	inches := int32(r.Get(r.Descriptor().Fields().ByName("inches")).Int())
	if inches < 1 {
		return 0, twerr.NewInvalidArgument("inches must be at least 1").WithMeta("argument", "inches")
	}
	return inches, nil
}

func newHat(inches int32) *dynamicpb.Message {
	md := service.Methods().ByName("MakeHat").Output()
	hat := dynamicpb.NewMessage(md)
	fields := md.Fields()
	hat.Set(fields.ByName("inches"), protoreflect.ValueOfInt32(inches))
	hat.Set(fields.ByName("color"), protoreflect.ValueOfString(colors[rand.Intn(len(colors))]))
	hat.Set(fields.ByName("name"), protoreflect.ValueOfString(names[rand.Intn(len(names))]))
	return hat
}

func makeHat(ctx context.Context, req proto.Message) (proto.Message, error) {
	inches, err := sizeInches(req)
	if err != nil {
		return nil, err
	}
	return newHat(inches), nil
}

func makeHats(stream twirpchan.Stream) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	inches, err := sizeInches(req)
	if err != nil {
		return err
	}
	r := req.ProtoReflect()
	quantity := int32(r.Get(r.Descriptor().Fields().ByName("quantity")).Int())
	for i := int32(0); i < quantity; i++ {
		if err := stream.Context().Err(); err != nil {
			return err
		}
		if err := stream.Send(newHat(inches)); err != nil {
			return err
		}
	}
	return nil
}
