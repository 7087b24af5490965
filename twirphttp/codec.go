package twirphttp

import (
	"fmt"

	protov1 "github.com/golang/protobuf/proto"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/twirpchan/twirpchan/twerr"
)

// Codec converts between in-memory protobuf messages and wire bytes. Both
// implementations are driven purely by the message's descriptor (via
// protobuf reflection), so they work identically for generated messages and
// for dynamicpb messages built at runtime.
type Codec interface {
	Name() string
	Marshal(m proto.Message) ([]byte, error)
	Unmarshal(data []byte, m proto.Message) error
}

type protoCodec struct{}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) Marshal(m proto.Message) ([]byte, error) {
	return proto.Marshal(m)
}

func (protoCodec) Unmarshal(data []byte, m proto.Message) error {
	// Unknown fields are retained, per protobuf wire semantics.
	return proto.Unmarshal(data, m)
}

// jsonCodec implements protobuf's canonical JSON mapping: lowerCamel field
// names, 64-bit integers as decimal strings, enums by name with numeric
// fallback, and the well-known-type special forms. All of that comes from
// protojson walking the message descriptor.
type jsonCodec struct {
	// rejectUnknown makes decoding fail on unknown fields. Twirp is lenient
	// by default, so the zero value ignores them.
	rejectUnknown bool
}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(m proto.Message) ([]byte, error) {
	return protojson.Marshal(m)
}

func (c jsonCodec) Unmarshal(data []byte, m proto.Message) error {
	return protojson.UnmarshalOptions{DiscardUnknown: !c.rejectUnknown}.Unmarshal(data, m)
}

// decodeError maps a codec failure on a request body to the Twirp malformed
// error, with wording that identifies the encoding.
func decodeError(codec Codec, err error) *twerr.Error {
	if codec.Name() == "json" {
		return twerr.Wrap(twerr.Malformed, fmt.Sprintf("Invalid JSON protobuf request: %v", err), err)
	}
	return twerr.Wrap(twerr.Malformed, fmt.Sprintf("Invalid binary protobuf request: %v", err), err)
}

// asMessage accepts both protobuf API v2 messages and legacy v1 generated
// messages, converting the latter through the compatibility shim. Client
// entry points take interface{} so callers with old generated code do not
// need to convert by hand.
func asMessage(v interface{}) (proto.Message, error) {
	switch m := v.(type) {
	case proto.Message:
		return m, nil
	case protov1.Message:
		return protov1.MessageV2(m), nil
	default:
		return nil, fmt.Errorf("message of type %T does not implement proto.Message", v)
	}
}
