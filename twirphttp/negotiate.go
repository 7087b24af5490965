package twirphttp

import (
	"fmt"
	"strings"

	"github.com/twirpchan/twirpchan"
	"github.com/twirpchan/twirpchan/twerr"
)

// Content types recognized by the Twirp dispatcher. The unary pair is fixed
// by the Twirp v7 specification. The stream pair is this package's chunked
// HTTP streaming extension; the "+v1"-style suffix convention leaves room
// for incompatible protocol revisions without ambiguity on the wire.
const (
	ProtoContentType = "application/protobuf"
	JSONContentType  = "application/json"

	StreamProtoContentType = "application/x-twirp-stream+proto"
	StreamJSONContentType  = "application/x-twirp-stream+json"
)

// streamingMetaKey marks the guard error returned when a Twirp unary request
// targets a streaming method, so clients can tell it apart from a genuinely
// unimplemented method.
const streamingMetaKey = "twirp_streaming"

// negotiation is the outcome of content negotiation for one request: which
// codec to use and the content type the response will carry. It is derived
// from headers only and never outlives the request.
type negotiation struct {
	codec       Codec
	contentType string
	streaming   bool
}

// negotiate selects the codec from the request's Content-Type header. The
// decision is header-driven only; the body is never inspected. Media type
// parameters such as "; charset=utf-8" are tolerated.
func negotiate(contentType string, method *twirpchan.Method, jsonOpts jsonCodec) (negotiation, *twerr.Error) {
	if contentType == "" {
		return negotiation{}, twerr.NewMalformed("No content-type header")
	}
	base := contentType
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = base[:i]
	}
	base = strings.ToLower(strings.TrimSpace(base))

	var neg negotiation
	switch base {
	case ProtoContentType:
		neg = negotiation{codec: protoCodec{}, contentType: ProtoContentType}
	case JSONContentType:
		neg = negotiation{codec: jsonOpts, contentType: JSONContentType}
	case StreamProtoContentType:
		neg = negotiation{codec: protoCodec{}, contentType: StreamProtoContentType, streaming: true}
	case StreamJSONContentType:
		neg = negotiation{codec: jsonOpts, contentType: StreamJSONContentType, streaming: true}
	default:
		return negotiation{}, twerr.Newf(twerr.Malformed, "Unsupported content type: %s", contentType)
	}

	if method.IsStreaming() && !neg.streaming {
		// Deliberate guard: streaming methods cannot run over plain Twirp
		// request/response, and must not be mistaken for bad routes.
		err := twerr.Newf(twerr.Unimplemented,
			"%s is a streaming method and cannot be called over Twirp; use the %s or %s content-type",
			method.Name(), StreamProtoContentType, StreamJSONContentType)
		return negotiation{}, err.WithMeta(streamingMetaKey, "true")
	}
	if !method.IsStreaming() && neg.streaming {
		return negotiation{}, twerr.New(twerr.Malformed,
			fmt.Sprintf("%s is a unary method; use %s or %s", method.Name(), ProtoContentType, JSONContentType))
	}
	return neg, nil
}
