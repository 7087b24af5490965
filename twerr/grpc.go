package twerr

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCCode translates the given Twirp code into its gRPC counterpart. The
// Twirp code set is a superset of gRPC's: malformed and bad_route have no
// gRPC equivalent and collapse to InvalidArgument and NotFound.
func GRPCCode(code Code) codes.Code {
	switch code {
	case Canceled:
		return codes.Canceled
	case Unknown:
		return codes.Unknown
	case InvalidArgument:
		return codes.InvalidArgument
	case Malformed:
		return codes.InvalidArgument
	case DeadlineExceeded:
		return codes.DeadlineExceeded
	case NotFound:
		return codes.NotFound
	case BadRoute:
		return codes.NotFound
	case AlreadyExists:
		return codes.AlreadyExists
	case PermissionDenied:
		return codes.PermissionDenied
	case Unauthenticated:
		return codes.Unauthenticated
	case ResourceExhausted:
		return codes.ResourceExhausted
	case FailedPrecondition:
		return codes.FailedPrecondition
	case Aborted:
		return codes.Aborted
	case OutOfRange:
		return codes.OutOfRange
	case Unimplemented:
		return codes.Unimplemented
	case Internal:
		return codes.Internal
	case Unavailable:
		return codes.Unavailable
	case DataLoss:
		return codes.DataLoss
	default:
		return codes.Unknown
	}
}

// CodeFromGRPC translates a gRPC code into a Twirp code. OK has no error
// counterpart and maps to unknown; callers should not convert successful
// statuses.
func CodeFromGRPC(code codes.Code) Code {
	switch code {
	case codes.Canceled:
		return Canceled
	case codes.Unknown:
		return Unknown
	case codes.InvalidArgument:
		return InvalidArgument
	case codes.DeadlineExceeded:
		return DeadlineExceeded
	case codes.NotFound:
		return NotFound
	case codes.AlreadyExists:
		return AlreadyExists
	case codes.PermissionDenied:
		return PermissionDenied
	case codes.Unauthenticated:
		return Unauthenticated
	case codes.ResourceExhausted:
		return ResourceExhausted
	case codes.FailedPrecondition:
		return FailedPrecondition
	case codes.Aborted:
		return Aborted
	case codes.OutOfRange:
		return OutOfRange
	case codes.Unimplemented:
		return Unimplemented
	case codes.Internal:
		return Internal
	case codes.Unavailable:
		return Unavailable
	case codes.DataLoss:
		return DataLoss
	default:
		return Unknown
	}
}

// FromGRPCStatus converts a gRPC status into a Twirp error. The status is
// recorded as the error's cause so that any structured detail messages it
// carries survive a later conversion back via GRPCStatus, even though the
// Twirp wire form has no slot for them.
func FromGRPCStatus(st *status.Status) *Error {
	return Wrap(CodeFromGRPC(st.Code()), st.Message(), st.Err())
}

// GRPCStatus converts a Twirp error into a gRPC status. If the error was
// built from a gRPC status with the same code and message, that original
// status is returned so its details are preserved.
func GRPCStatus(e *Error) *status.Status {
	if e.cause != nil {
		if st, ok := status.FromError(e.cause); ok {
			if st.Code() == GRPCCode(e.code) && st.Message() == e.msg {
				return st
			}
		}
	}
	return status.New(GRPCCode(e.code), e.msg)
}

// GRPCStatusFromError is a convenience for handler error paths: it extracts
// a Twirp error from err (wrapping plain errors as internal) and converts it
// to a gRPC status.
func GRPCStatusFromError(err error) *status.Status {
	return GRPCStatus(FromError(err))
}
