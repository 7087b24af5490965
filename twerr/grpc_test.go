package twerr

import (
	"testing"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCodeMappingRoundTrip(t *testing.T) {
	// every gRPC error code survives a round trip through the twirp code set
	for c := codes.Canceled; c <= codes.Unauthenticated; c++ {
		if got := GRPCCode(CodeFromGRPC(c)); got != c {
			t.Errorf("code %s: round trip produced %s", c, got)
		}
	}
	// the twirp-only codes collapse to their closest gRPC counterparts
	if got := GRPCCode(Malformed); got != codes.InvalidArgument {
		t.Errorf("malformed: expecting %s; got %s", codes.InvalidArgument, got)
	}
	if got := GRPCCode(BadRoute); got != codes.NotFound {
		t.Errorf("bad_route: expecting %s; got %s", codes.NotFound, got)
	}
	if got := CodeFromGRPC(codes.OK); got != Unknown {
		t.Errorf("OK: expecting %s; got %s", Unknown, got)
	}
}

func TestGRPCStatus(t *testing.T) {
	st := GRPCStatus(New(ResourceExhausted, "slow down"))
	if st.Code() != codes.ResourceExhausted {
		t.Fatalf("wrong code: %s", st.Code())
	}
	if st.Message() != "slow down" {
		t.Fatalf("wrong message: %q", st.Message())
	}
}

func TestGRPCStatusPreservesDetails(t *testing.T) {
	orig, err := status.New(codes.ResourceExhausted, "slow down").
		WithDetails(&errdetails.RetryInfo{})
	if err != nil {
		t.Fatalf("failed to build status: %v", err)
	}

	terr := FromGRPCStatus(orig)
	if terr.Code() != ResourceExhausted {
		t.Fatalf("wrong code: %s", terr.Code())
	}
	if terr.Message() != "slow down" {
		t.Fatalf("wrong message: %q", terr.Message())
	}

	back := GRPCStatus(terr)
	if len(back.Details()) != 1 {
		t.Fatalf("expecting details to survive the round trip; got %d", len(back.Details()))
	}
	if _, ok := back.Details()[0].(*errdetails.RetryInfo); !ok {
		t.Fatalf("wrong detail type: %T", back.Details()[0])
	}
}

func TestGRPCStatusDropsDetailsOnChange(t *testing.T) {
	orig, err := status.New(codes.ResourceExhausted, "slow down").
		WithDetails(&errdetails.RetryInfo{})
	if err != nil {
		t.Fatalf("failed to build status: %v", err)
	}

	// re-coding the error breaks the link to the original status
	terr := New(Internal, FromGRPCStatus(orig).Message())
	back := GRPCStatus(terr)
	if back.Code() != codes.Internal {
		t.Fatalf("wrong code: %s", back.Code())
	}
	if len(back.Details()) != 0 {
		t.Fatalf("expecting no details after re-coding; got %d", len(back.Details()))
	}
}

func TestGRPCStatusFromError(t *testing.T) {
	st := GRPCStatusFromError(New(BadRoute, "no such method"))
	if st.Code() != codes.NotFound {
		t.Fatalf("wrong code: %s", st.Code())
	}
}
