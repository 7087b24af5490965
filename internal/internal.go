// Package internal holds small helpers shared by the HTTP and gRPC protocol
// surfaces.
package internal

import (
	"context"
	"io"

	"github.com/twirpchan/twirpchan/twerr"
)

// FromContextError converts the result of ctx.Err() into the corresponding
// Twirp error, or nil if err is not a context error. Cancellation observed
// while a handler was running takes precedence over whatever error the
// interrupted handler happened to return.
func FromContextError(err error) *twerr.Error {
	switch err {
	case context.DeadlineExceeded:
		return twerr.Wrap(twerr.DeadlineExceeded, err.Error(), err)
	case context.Canceled:
		return twerr.Wrap(twerr.Canceled, err.Error(), err)
	}
	return nil
}

// DrainAndClose consumes any unread remainder of r before closing it, so
// that the HTTP connection can be reused.
func DrainAndClose(r io.ReadCloser) error {
	_, copyErr := io.Copy(io.Discard, r)
	closeErr := r.Close()
	// error from io.Copy likely more useful than the one from Close
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}
