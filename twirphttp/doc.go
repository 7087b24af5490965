// Package twirphttp serves and invokes Twirp RPCs over plain HTTP 1.1. The
// server side dispatches handlers registered in a twirpchan.Registry directly
// from HTTP handlers, and the Channel type is the matching client.
//
// Anatomy of a Twirp call
//
// A unary RPC is a POST request whose path is the server's base path (if any)
// plus "/service.name/method" (where service.name is the fully-qualified proto
// service name). The request body is a single encoded request message and the
// content-type selects the encoding: "application/protobuf" for binary proto,
// "application/json" for the JSON mapping (protojson). The response uses the
// same encoding as the request. On success the HTTP status is 200 OK and the
// body is the encoded response message. On failure the HTTP status is mapped
// from the Twirp error code and the body is always a JSON error object of the
// form {"code": "...", "msg": "...", "meta": {...}}, regardless of the
// request encoding. See the twerr package for codes and the status mapping.
//
// Streaming RPCs use a framing extension, selected by content type. With
// "application/x-twirp-stream+proto" the request and response bodies are each
// a sequence of frames: a one-byte kind, a big-endian 32-bit length, and that
// many payload bytes. Kind 0x00 carries a binary proto message; kind 0x30
// (ASCII '0') carries a JSON error object and terminates the stream. With
// "application/x-twirp-stream+json" each frame is instead one line of JSON,
// either {"message": <protojson object>} or {"error": <error object>}. In
// both encodings a stream ends either cleanly at end-of-body or with exactly
// one trailing error frame; an HTTP-level failure before the response body
// begins is reported as a plain Twirp error response instead. Because frames
// flow over the HTTP bodies, the server's HTTP status for a stream that opened
// successfully is always 200 OK, even if an error frame follows.
//
// Caveats
//
// True bidi streams are not supported over HTTP 1.1. The best that can be
// done are half-duplex bidi streams, where the client uploads its entire
// request stream and then the server replies with its response stream.
// Interleaved reading and writing does not work: once a Go HTTP server
// handler starts writing the response body, the request body is closed and no
// more messages can be read from it. This package does not attempt to block
// full-duplex use; such calls will simply fail once the server begins
// responding.
//
// Servers built from the same Registry can also be exposed over gRPC; see the
// twirpgrpc package.
package twirphttp
