// Package twerr implements the Twirp v7 error model: a fixed set of error
// codes, an error value carrying a human-readable message and string
// metadata, and the bidirectional mappings between Twirp codes and HTTP and
// gRPC status codes.
//
// The JSON form of an error is exactly the Twirp wire payload:
//
//	{"code": "not_found", "msg": "nothing here", "meta": {"id": "foo"}}
//
// with "meta" omitted when empty. Error values round-trip through this form.
package twerr

import (
	"encoding/json"
	"fmt"
)

// Code is a Twirp error code. Only the enumerated codes below are valid;
// the zero value is not a valid code.
type Code string

// The canonical Twirp v7 error codes.
const (
	Canceled           Code = "canceled"
	Unknown            Code = "unknown"
	InvalidArgument    Code = "invalid_argument"
	Malformed          Code = "malformed"
	DeadlineExceeded   Code = "deadline_exceeded"
	NotFound           Code = "not_found"
	BadRoute           Code = "bad_route"
	AlreadyExists      Code = "already_exists"
	PermissionDenied   Code = "permission_denied"
	Unauthenticated    Code = "unauthenticated"
	ResourceExhausted  Code = "resource_exhausted"
	FailedPrecondition Code = "failed_precondition"
	Aborted            Code = "aborted"
	OutOfRange         Code = "out_of_range"
	Unimplemented      Code = "unimplemented"
	Internal           Code = "internal"
	Unavailable        Code = "unavailable"
	DataLoss           Code = "data_loss"
)

func (c Code) String() string {
	return string(c)
}

// IsValid reports whether c is one of the canonical Twirp error codes.
func (c Code) IsValid() bool {
	switch c {
	case Canceled, Unknown, InvalidArgument, Malformed, DeadlineExceeded,
		NotFound, BadRoute, AlreadyExists, PermissionDenied, Unauthenticated,
		ResourceExhausted, FailedPrecondition, Aborted, OutOfRange,
		Unimplemented, Internal, Unavailable, DataLoss:
		return true
	}
	return false
}

// Error is a Twirp error. It is immutable once constructed: WithMeta returns
// a copy rather than mutating the receiver, so errors can be shared freely
// across goroutines.
type Error struct {
	code  Code
	msg   string
	meta  map[string]string
	cause error
}

// New returns an error with the given code and message. Codes outside the
// canonical set are coerced to unknown so that the wire form stays valid.
func New(code Code, msg string) *Error {
	if !code.IsValid() {
		code = Unknown
	}
	return &Error{code: code, msg: msg}
}

// Newf is like New with fmt.Sprintf formatting of the message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap returns an error with the given code and message that records cause
// as its underlying error. The cause is not part of the wire form and is
// ignored by Equal; it is reachable via errors.Unwrap.
func Wrap(code Code, msg string, cause error) *Error {
	err := New(code, msg)
	err.cause = cause
	return err
}

func (e *Error) Code() Code      { return e.code }
func (e *Error) Message() string { return e.msg }

// Meta returns the metadata value for the given key, or "" if unset.
func (e *Error) Meta(key string) string {
	return e.meta[key]
}

// MetaMap returns a copy of all metadata key-value pairs.
func (e *Error) MetaMap() map[string]string {
	if len(e.meta) == 0 {
		return nil
	}
	m := make(map[string]string, len(e.meta))
	for k, v := range e.meta {
		m[k] = v
	}
	return m
}

// WithMeta returns a copy of e with the given metadata key set.
func (e *Error) WithMeta(key, value string) *Error {
	err := &Error{code: e.code, msg: e.msg, cause: e.cause}
	err.meta = make(map[string]string, len(e.meta)+1)
	for k, v := range e.meta {
		err.meta[k] = v
	}
	err.meta[key] = value
	return err
}

func (e *Error) Error() string {
	return fmt.Sprintf("twirp error %s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Equal reports whether two errors have the same code, message, and
// metadata. The recorded cause is ignored, matching the wire form.
func (e *Error) Equal(other *Error) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.code != other.code || e.msg != other.msg || len(e.meta) != len(other.meta) {
		return false
	}
	for k, v := range e.meta {
		if other.meta[k] != v {
			return false
		}
	}
	return true
}

// errorJSON is the Twirp error wire payload.
type errorJSON struct {
	Code Code              `json:"code"`
	Msg  string            `json:"msg"`
	Meta map[string]string `json:"meta,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorJSON{Code: e.code, Msg: e.msg, Meta: e.meta})
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var wire errorJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if !wire.Code.IsValid() {
		return fmt.Errorf("invalid twirp error code: %q", wire.Code)
	}
	e.code = wire.Code
	e.msg = wire.Msg
	e.meta = wire.Meta
	e.cause = nil
	return nil
}

// FromError extracts a *Error from err. If err is not a twerr error (directly
// or via its wrap chain), a new internal error is returned that records err
// as its cause, so handlers can return plain errors and still produce a
// well-formed wire payload.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	for e := err; e != nil; {
		if te, ok := e.(*Error); ok {
			return te
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return Wrap(Internal, err.Error(), err)
}

// Per-code constructors, mirroring the Twirp code set.

func NewCanceled(msg string) *Error           { return New(Canceled, msg) }
func NewUnknown(msg string) *Error            { return New(Unknown, msg) }
func NewInvalidArgument(msg string) *Error    { return New(InvalidArgument, msg) }
func NewMalformed(msg string) *Error          { return New(Malformed, msg) }
func NewDeadlineExceeded(msg string) *Error   { return New(DeadlineExceeded, msg) }
func NewNotFound(msg string) *Error           { return New(NotFound, msg) }
func NewBadRoute(msg string) *Error           { return New(BadRoute, msg) }
func NewAlreadyExists(msg string) *Error      { return New(AlreadyExists, msg) }
func NewPermissionDenied(msg string) *Error   { return New(PermissionDenied, msg) }
func NewUnauthenticated(msg string) *Error    { return New(Unauthenticated, msg) }
func NewResourceExhausted(msg string) *Error  { return New(ResourceExhausted, msg) }
func NewFailedPrecondition(msg string) *Error { return New(FailedPrecondition, msg) }
func NewAborted(msg string) *Error            { return New(Aborted, msg) }
func NewOutOfRange(msg string) *Error         { return New(OutOfRange, msg) }
func NewUnimplemented(msg string) *Error      { return New(Unimplemented, msg) }
func NewInternal(msg string) *Error           { return New(Internal, msg) }
func NewUnavailable(msg string) *Error        { return New(Unavailable, msg) }
func NewDataLoss(msg string) *Error           { return New(DataLoss, msg) }
