package twerr

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

// httpStatusMetaKey is the metadata key under which FromHTTPStatus records
// the raw HTTP status of a response that did not carry a Twirp error body.
// The original status is diagnostic data that would otherwise be lost in
// the lossy status-to-code mapping.
const httpStatusMetaKey = "http_status"

// ServerHTTPStatus translates the given Twirp code into the HTTP status a
// server must use when rendering an error response. The mapping is total:
// every code has exactly one status.
func ServerHTTPStatus(code Code) int {
	switch code {
	case Canceled:
		return http.StatusRequestTimeout
	case Unknown:
		return http.StatusInternalServerError
	case InvalidArgument:
		return http.StatusBadRequest
	case Malformed:
		return http.StatusBadRequest
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	case NotFound:
		return http.StatusNotFound
	case BadRoute:
		return http.StatusNotFound
	case AlreadyExists:
		return http.StatusConflict
	case PermissionDenied:
		return http.StatusForbidden
	case Unauthenticated:
		return http.StatusUnauthorized
	case ResourceExhausted:
		return http.StatusTooManyRequests
	case FailedPrecondition:
		return http.StatusPreconditionFailed
	case Aborted:
		return http.StatusConflict
	case OutOfRange:
		return http.StatusBadRequest
	case Unimplemented:
		return http.StatusNotImplemented
	case Internal:
		return http.StatusInternalServerError
	case Unavailable:
		return http.StatusServiceUnavailable
	case DataLoss:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus translates an HTTP status code that did not itself come
// from a Twirp server into a best-effort Twirp code. The mapping is lossy
// and not the inverse of ServerHTTPStatus; statuses with no natural Twirp
// counterpart map to unknown.
func FromHTTPStatus(status int) Code {
	switch status {
	case http.StatusRequestTimeout:
		return DeadlineExceeded
	case http.StatusForbidden:
		return PermissionDenied
	case http.StatusUnauthorized:
		return Unauthenticated
	case http.StatusTooManyRequests:
		return ResourceExhausted
	case http.StatusPreconditionFailed:
		return FailedPrecondition
	case http.StatusNotImplemented:
		return Unimplemented
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Unavailable
	case http.StatusNotFound:
		return NotFound
	}
	switch {
	case status >= 500 && status < 600:
		return Internal
	case status >= 400 && status < 500:
		return Malformed
	default:
		return Unknown
	}
}

// FromHTTPResponse builds an error from a non-200 HTTP response. If the body
// is a well-formed Twirp error payload it is used directly; otherwise the
// status code is mapped through FromHTTPStatus, the body becomes the error
// message, and the raw status is retained under the "http_status" metadata
// key. A bad error beats no error, so this never fails.
func FromHTTPResponse(statusCode int, body io.Reader) *Error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return Wrap(Internal, "failed to read the error response body", err).
			WithMeta(httpStatusMetaKey, strconv.Itoa(statusCode))
	}
	var twerr Error
	if err := json.Unmarshal(raw, &twerr); err == nil {
		return &twerr
	}
	return New(FromHTTPStatus(statusCode), string(raw)).
		WithMeta(httpStatusMetaKey, strconv.Itoa(statusCode))
}

// WriteHTTPResponse renders e as a Twirp error response: the mapped HTTP
// status, Content-Type application/json, and the JSON wire payload as body.
func WriteHTTPResponse(w http.ResponseWriter, e *Error) {
	body, err := json.Marshal(e)
	if err != nil {
		// The wire struct cannot actually fail to marshal; keep the
		// response well-formed anyway.
		body = []byte(`{"code":"internal","msg":"failed to serialize the error"}`)
		e = New(Internal, "")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(ServerHTTPStatus(e.Code()))
	_, _ = w.Write(body)
}
