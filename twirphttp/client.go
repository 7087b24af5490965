package twirphttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"runtime"
	"strings"
	"sync"

	"github.com/twirpchan/twirpchan/internal"
	"github.com/twirpchan/twirpchan/twerr"
)

// Channel issues Twirp RPCs over HTTP. The server endpoint is configured
// with the BaseURL field and the Transport field supplies the HTTP client
// transport; both must be set. The zero value of UseJSON selects the binary
// protobuf encoding.
//
// A Channel is the symmetric consumer of the same codec and framing
// contracts the Server produces, so it can drive both unary methods and the
// chunked-HTTP streaming extension.
type Channel struct {
	Transport http.RoundTripper
	BaseURL   *url.URL
	UseJSON   bool
}

func (ch *Channel) codec() Codec {
	if ch.UseJSON {
		return jsonCodec{}
	}
	return protoCodec{}
}

func (ch *Channel) request(ctx context.Context, methodName, contentType string, body io.Reader) (*http.Request, error) {
	reqURL := *ch.BaseURL
	reqURL.Path = path.Join(reqURL.Path, methodName)
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), body)
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", contentType)
	return r, nil
}

// Invoke executes a unary RPC, sending the given req message and populating
// resp with the server's reply. Both may be protobuf API v2 messages or
// legacy v1 generated messages. Errors are returned as *twerr.Error.
func (ch *Channel) Invoke(ctx context.Context, methodName string, req, resp interface{}) error {
	codec := ch.codec()
	contentType := ProtoContentType
	if ch.UseJSON {
		contentType = JSONContentType
	}

	reqMsg, err := asMessage(req)
	if err != nil {
		return twerr.Wrap(twerr.Internal, err.Error(), err)
	}
	respMsg, err := asMessage(resp)
	if err != nil {
		return twerr.Wrap(twerr.Internal, err.Error(), err)
	}
	b, err := codec.Marshal(reqMsg)
	if err != nil {
		return twerr.Wrap(twerr.Internal, fmt.Sprintf("Failed to serialize the request: %v", err), err)
	}

	r, err := ch.request(ctx, methodName, contentType, bytes.NewReader(b))
	if err != nil {
		return twerr.Wrap(twerr.Malformed, fmt.Sprintf("Failed to construct request: %v", err), err)
	}
	reply, err := ch.Transport.RoundTrip(r)
	if err != nil {
		if ctxErr := internal.FromContextError(ctx.Err()); ctxErr != nil {
			return ctxErr
		}
		return twerr.Wrap(twerr.Unknown, fmt.Sprintf("Transport error during the request: %v", err), err)
	}
	defer internal.DrainAndClose(reply.Body)

	if reply.StatusCode != http.StatusOK {
		return twerr.FromHTTPResponse(reply.StatusCode, reply.Body)
	}
	if terr := checkResponseContentType(reply.Header.Get("Content-Type"), contentType); terr != nil {
		return terr
	}

	body, err := io.ReadAll(reply.Body)
	if err != nil {
		if ctxErr := internal.FromContextError(ctx.Err()); ctxErr != nil {
			return ctxErr
		}
		return twerr.Wrap(twerr.Internal, fmt.Sprintf("Failed to load the response body: %v", err), err)
	}
	if err := codec.Unmarshal(body, respMsg); err != nil {
		if ch.UseJSON {
			return twerr.Wrap(twerr.Malformed, fmt.Sprintf("Failed to parse JSON response: %v", err), err)
		}
		return twerr.Wrap(twerr.Malformed, fmt.Sprintf("Bad response binary protobuf encoding: %v", err), err)
	}
	return nil
}

func checkResponseContentType(got, want string) *twerr.Error {
	if got == "" {
		return twerr.NewMalformed("No content-type in the response")
	}
	base := got
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = base[:i]
	}
	if strings.ToLower(strings.TrimSpace(base)) != want {
		return twerr.Newf(twerr.Malformed, "Unsupported response content-type: %s", got)
	}
	return nil
}

// NewStream executes a streaming RPC over the chunked-HTTP framing
// extension. Messages passed to Send are framed onto the request body;
// Recv yields the server's framed responses.
func (ch *Channel) NewStream(ctx context.Context, methodName string) (*ClientStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	contentType := StreamProtoContentType
	if ch.UseJSON {
		contentType = StreamJSONContentType
	}

	pr, pw := io.Pipe()
	req, err := ch.request(ctx, methodName, contentType, pr)
	if err != nil {
		cancel()
		return nil, twerr.Wrap(twerr.Malformed, fmt.Sprintf("Failed to construct request: %v", err), err)
	}

	neg := negotiation{codec: ch.codec(), contentType: contentType, streaming: true}
	cs := &ClientStream{
		ctx:    ctx,
		cancel: cancel,
		codec:  neg.codec,
		ct:     contentType,
		w:      pw,
		fw:     newFrameWriter(neg, pw),
		rCh:    make(chan []byte),
	}
	// ensure that the context is cancelled even if the caller fails to fully
	// consume or cancel the stream
	runtime.SetFinalizer(cs, func(*ClientStream) { cancel() })

	go cs.run(ch.Transport, req, neg)

	return cs, nil
}

// ClientStream is the client side of one streaming RPC. A goroutine performs
// the HTTP round trip and decodes response frames, which are handed to Recv
// one at a time over an unbuffered channel; sending writes synchronously to
// the pipe feeding the request body, so both directions see the transport's
// natural backpressure.
type ClientStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	codec  Codec
	ct     string

	// rCh delivers response payloads from the run goroutine to Recv.
	// done must be set before it is closed.
	rCh chan []byte

	// rmu protects done and rErr
	rmu  sync.Mutex
	done bool
	rErr error

	// wmu protects w, fw, and wErr
	wmu  sync.Mutex
	w    *io.PipeWriter
	fw   frameWriter
	wErr error
}

func (cs *ClientStream) terminalError() (bool, error) {
	cs.rmu.Lock()
	defer cs.rmu.Unlock()
	if !cs.done {
		return false, nil
	}
	return true, cs.rErr
}

// Send frames the given message onto the request body. Like a gRPC client
// stream, sending on a stream the server has already terminated reports
// io.EOF; the terminal outcome is then available from Recv.
func (cs *ClientStream) Send(m interface{}) error {
	if done, _ := cs.terminalError(); done {
		return io.EOF
	}

	msg, err := asMessage(m)
	if err != nil {
		return twerr.Wrap(twerr.Internal, err.Error(), err)
	}
	b, err := cs.codec.Marshal(msg)
	if err != nil {
		return twerr.Wrap(twerr.Internal, fmt.Sprintf("Failed to serialize the request: %v", err), err)
	}

	cs.wmu.Lock()
	defer cs.wmu.Unlock()
	if cs.wErr != nil {
		// earlier write error means the stream is effectively closed
		return io.EOF
	}
	cs.wErr = cs.fw.WriteMessage(b)
	return cs.wErr
}

// CloseSend closes the request side of the stream, signalling to the server
// that no more messages follow.
func (cs *ClientStream) CloseSend() error {
	cs.wmu.Lock()
	defer cs.wmu.Unlock()
	return cs.w.Close()
}

// Recv populates m with the next response message. It returns io.EOF at the
// orderly end of the stream, and a *twerr.Error if the stream was terminated
// by an error frame (or failed at the HTTP level).
func (cs *ClientStream) Recv(m interface{}) error {
	msg, err := asMessage(m)
	if err != nil {
		return twerr.Wrap(twerr.Internal, err.Error(), err)
	}

	if done, terr := cs.terminalError(); done {
		return terr
	}
	select {
	case <-cs.ctx.Done():
		if ctxErr := internal.FromContextError(cs.ctx.Err()); ctxErr != nil {
			return ctxErr
		}
		return cs.ctx.Err()
	case payload, ok := <-cs.rCh:
		if !ok {
			_, terr := cs.terminalError()
			return terr
		}
		if err := cs.codec.Unmarshal(payload, msg); err != nil {
			return twerr.Wrap(twerr.Malformed, fmt.Sprintf("server sent an invalid message: %v", err), err)
		}
		return nil
	}
}

// Context returns the stream's context. It is cancelled once the stream
// completes or the caller cancels.
func (cs *ClientStream) Context() context.Context {
	return cs.ctx
}

// run performs the HTTP round trip and feeds decoded response frames to
// Recv. On completion it records the terminal outcome and closes rCh.
func (cs *ClientStream) run(transport http.RoundTripper, req *http.Request, neg negotiation) {
	var rErr error
	defer func() {
		cs.rmu.Lock()
		defer cs.rmu.Unlock()
		if cs.rErr == nil {
			cs.rErr = rErr
		}
		cs.done = true
		close(cs.rCh)
	}()

	reply, err := transport.RoundTrip(req)
	if err != nil {
		if ctxErr := internal.FromContextError(cs.ctx.Err()); ctxErr != nil {
			rErr = ctxErr
			return
		}
		rErr = twerr.Wrap(twerr.Unknown, fmt.Sprintf("Transport error during the request: %v", err), err)
		return
	}
	defer internal.DrainAndClose(reply.Body)

	if reply.StatusCode != http.StatusOK {
		rErr = twerr.FromHTTPResponse(reply.StatusCode, reply.Body)
		return
	}
	if terr := checkResponseContentType(reply.Header.Get("Content-Type"), cs.ct); terr != nil {
		rErr = terr
		return
	}

	fr := newFrameReader(neg, reply.Body)
	for {
		payload, err := fr.Next()
		if err != nil {
			if err == io.EOF {
				rErr = io.EOF
			} else {
				rErr = err
			}
			return
		}
		select {
		case <-cs.ctx.Done():
			// cancelled before this message could be handed to the caller
			if ctxErr := internal.FromContextError(cs.ctx.Err()); ctxErr != nil {
				rErr = ctxErr
			} else {
				rErr = cs.ctx.Err()
			}
			return
		case cs.rCh <- payload:
		}
	}
}
