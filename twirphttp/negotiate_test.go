package twirphttp

import (
	"context"
	"testing"

	"google.golang.org/protobuf/proto"

	"github.com/twirpchan/twirpchan"
	"github.com/twirpchan/twirpchan/twerr"
)

func testMethods(t *testing.T) (unary, stream *twirpchan.Method) {
	t.Helper()
	reg := twirpchan.NewRegistry()
	reg.RegisterUnary(svcDesc.Methods().ByName("Say"),
		func(ctx context.Context, req proto.Message) (proto.Message, error) { return req, nil })
	reg.RegisterStream(svcDesc.Methods().ByName("Watch"),
		func(stream twirpchan.Stream) error { return nil })
	return reg.QueryMethod("twirphttp.test.EchoService/Say"),
		reg.QueryMethod("twirphttp.test.EchoService/Watch")
}

func TestNegotiate(t *testing.T) {
	unary, stream := testMethods(t)

	testCases := []struct {
		name        string
		contentType string
		method      *twirpchan.Method
		codecName   string
		respType    string
		streaming   bool
		errCode     twerr.Code
	}{
		{
			name:        "proto",
			contentType: "application/protobuf",
			method:      unary,
			codecName:   "proto",
			respType:    ProtoContentType,
		},
		{
			name:        "json",
			contentType: "application/json",
			method:      unary,
			codecName:   "json",
			respType:    JSONContentType,
		},
		{
			name:        "json with charset",
			contentType: "application/json; charset=utf-8",
			method:      unary,
			codecName:   "json",
			respType:    JSONContentType,
		},
		{
			name:        "case insensitive",
			contentType: "Application/JSON",
			method:      unary,
			codecName:   "json",
			respType:    JSONContentType,
		},
		{
			name:        "stream proto",
			contentType: "application/x-twirp-stream+proto",
			method:      stream,
			codecName:   "proto",
			respType:    StreamProtoContentType,
			streaming:   true,
		},
		{
			name:        "stream json",
			contentType: "application/x-twirp-stream+json",
			method:      stream,
			codecName:   "json",
			respType:    StreamJSONContentType,
			streaming:   true,
		},
		{
			name:        "missing",
			contentType: "",
			method:      unary,
			errCode:     twerr.Malformed,
		},
		{
			name:        "unsupported",
			contentType: "text/plain",
			method:      unary,
			errCode:     twerr.Malformed,
		},
		{
			name:        "unary content-type for streaming method",
			contentType: "application/protobuf",
			method:      stream,
			errCode:     twerr.Unimplemented,
		},
		{
			name:        "stream content-type for unary method",
			contentType: "application/x-twirp-stream+proto",
			method:      unary,
			errCode:     twerr.Malformed,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			neg, err := negotiate(tc.contentType, tc.method, jsonCodec{})
			if tc.errCode != "" {
				if err == nil {
					t.Fatalf("expecting code %s; got success", tc.errCode)
				}
				if err.Code() != tc.errCode {
					t.Fatalf("wrong code: expecting %s; got %s", tc.errCode, err.Code())
				}
				return
			}
			if err != nil {
				t.Fatalf("negotiation failed: %v", err)
			}
			if neg.codec.Name() != tc.codecName {
				t.Fatalf("wrong codec: expecting %s; got %s", tc.codecName, neg.codec.Name())
			}
			if neg.contentType != tc.respType {
				t.Fatalf("wrong response content-type: expecting %s; got %s", tc.respType, neg.contentType)
			}
			if neg.streaming != tc.streaming {
				t.Fatalf("wrong streaming flag: %v", neg.streaming)
			}
		})
	}
}

func TestNegotiateStreamingGuardMeta(t *testing.T) {
	_, stream := testMethods(t)
	_, err := negotiate("application/json", stream, jsonCodec{})
	if err == nil {
		t.Fatal("expecting negotiation to fail")
	}
	if err.Meta("twirp_streaming") != "true" {
		t.Fatalf("expecting the streaming guard to be marked in meta; got %v", err.MetaMap())
	}
}
