package twirphttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"

	"github.com/twirpchan/twirpchan"
	"github.com/twirpchan/twirpchan/internal"
	"github.com/twirpchan/twirpchan/twerr"
)

// Server dispatches Twirp HTTP requests into a method registry. It
// implements http.Handler, so it can be mounted directly on an *http.Server
// or under a larger mux. The registry is shared read-only; a Server holds no
// other cross-request state, so concurrent requests are independent by
// construction.
type Server struct {
	reg       *twirpchan.Registry
	basePath  string
	fallback  http.Handler
	grpc      http.Handler
	unaryInt  twirpchan.UnaryInterceptor
	streamInt twirpchan.StreamInterceptor
	json      jsonCodec
	log       zerolog.Logger
}

// ServerOption is an option used when constructing a NewServer.
type ServerOption interface {
	apply(*Server)
}

type serverOptFunc func(*Server)

func (fn serverOptFunc) apply(s *Server) {
	fn(s)
}

// WithBasePath configures the server to expect the given path prefix ahead
// of the "/package.Service/Method" part. The default base path is "/". As an
// alternative, the caller can mount the server behind http.StripPrefix.
func WithBasePath(path string) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.basePath = path
	})
}

// WithFallbackHandler configures the handler invoked for requests whose path
// does not resolve to a registered method. The default renders the Twirp
// bad_route error.
func WithFallbackHandler(h http.Handler) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.fallback = h
	})
}

// WithGRPCHandler enables dual-protocol serving: requests whose content type
// is in the "application/grpc" family are delegated untouched to the given
// handler (typically a *grpc.Server carrying the same registry via the
// twirpgrpc package). A request is classified once, at arrival; the two
// protocols are never mixed mid-request.
func WithGRPCHandler(h http.Handler) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.grpc = h
	})
}

// WithUnaryInterceptor configures the server to route unary dispatches
// through the given interceptor.
func WithUnaryInterceptor(interceptor twirpchan.UnaryInterceptor) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.unaryInt = interceptor
	})
}

// WithStreamInterceptor configures the server to route streaming dispatches
// through the given interceptor.
func WithStreamInterceptor(interceptor twirpchan.StreamInterceptor) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.streamInt = interceptor
	})
}

// WithRejectUnknownFields makes JSON request decoding fail on fields the
// message descriptor does not define. Twirp is lenient by default.
func WithRejectUnknownFields() ServerOption {
	return serverOptFunc(func(s *Server) {
		s.json.rejectUnknown = true
	})
}

// WithLogger configures a logger for engine faults: response serialization
// failures and similar conditions that are reported to the client only as an
// opaque internal error. Handler-returned errors are not logged.
func WithLogger(log zerolog.Logger) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.log = log
	})
}

// NewServer returns a Twirp server dispatching into the given registry,
// which must not be modified afterwards.
func NewServer(reg *twirpchan.Registry, opts ...ServerOption) *Server {
	s := &Server{
		reg:      reg,
		basePath: "/",
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o.apply(s)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.grpc != nil && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc") {
		s.grpc.ServeHTTP(w, r)
		return
	}

	name, terr := s.methodNameFromPath(r.URL.Path)
	if terr != nil {
		s.serveFallback(w, r, terr)
		return
	}
	method := s.reg.QueryMethod(name)
	if method == nil {
		s.serveFallback(w, r,
			twerr.Newf(twerr.BadRoute, "%s is not a supported Twirp method", r.URL.Path))
		return
	}

	defer internal.DrainAndClose(r.Body)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		twerr.WriteHTTPResponse(w,
			twerr.Newf(twerr.BadRoute, "unsupported HTTP method %q (only POST is allowed)", r.Method))
		return
	}

	neg, terr := negotiate(r.Header.Get("Content-Type"), method, s.json)
	if terr != nil {
		twerr.WriteHTTPResponse(w, terr)
		return
	}

	if neg.streaming {
		s.serveStream(w, r, method, neg)
	} else {
		s.serveUnary(w, r, method, neg)
	}
}

// methodNameFromPath extracts the "package.Service/Method" registry key from
// the request path. A path that does not even have the Twirp shape is
// reported distinctly from a well-formed path naming an unknown method.
func (s *Server) methodNameFromPath(p string) (string, *twerr.Error) {
	rest, ok := strings.CutPrefix(p, s.basePath)
	if !ok {
		return "", twerr.Newf(twerr.BadRoute, "%s is not a supported Twirp method", p)
	}
	rest = strings.TrimPrefix(rest, "/")
	service, method, ok := strings.Cut(rest, "/")
	if !ok || service == "" || method == "" || strings.Contains(method, "/") {
		return "", twerr.Newf(twerr.BadRoute,
			"%s does not match the Twirp route form [base]/package.Service/Method", p)
	}
	return service + "/" + method, nil
}

func (s *Server) serveFallback(w http.ResponseWriter, r *http.Request, terr *twerr.Error) {
	if s.fallback != nil {
		s.fallback.ServeHTTP(w, r)
		return
	}
	twerr.WriteHTTPResponse(w, terr)
}

func (s *Server) serveUnary(w http.ResponseWriter, r *http.Request, method *twirpchan.Method, neg negotiation) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		twerr.WriteHTTPResponse(w, twerr.Wrap(twerr.Internal, "Failed to read the request body", err))
		return
	}
	in := method.NewInput()
	if err := neg.codec.Unmarshal(body, in); err != nil {
		twerr.WriteHTTPResponse(w, decodeError(neg.codec, err))
		return
	}

	resp, err := method.InvokeUnary(ctx, in, s.unaryInt)
	if err != nil {
		if ctxErr := internal.FromContextError(ctx.Err()); ctxErr != nil {
			err = ctxErr
		}
		twerr.WriteHTTPResponse(w, twerr.FromError(err))
		return
	}
	if resp == nil {
		s.log.Error().Str("method", method.Name()).Msg("handler returned neither a response nor an error")
		twerr.WriteHTTPResponse(w, twerr.NewInternal("Failed to build the response"))
		return
	}

	b, err := neg.codec.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Str("method", method.Name()).Msg("failed to serialize the response")
		twerr.WriteHTTPResponse(w, twerr.NewInternal("Failed to build the response"))
		return
	}
	w.Header().Set("Content-Type", neg.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	_, _ = w.Write(b)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, method *twirpchan.Method, neg negotiation) {
	ss := &serverStream{
		ctx:    r.Context(),
		method: method,
		codec:  neg.codec,
		fr:     newFrameReader(neg, r.Body),
		w:      w,
		fw:     newFrameWriter(neg, w),
		ct:     neg.contentType,
	}

	err := method.InvokeStream(ss, s.streamInt)

	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	if ss.writeFailed {
		// transport is gone; nothing else we can do
		return
	}
	if err != nil {
		terr := twerr.FromError(err)
		if ctxErr := internal.FromContextError(r.Context().Err()); ctxErr != nil {
			terr = ctxErr
		}
		if !ss.headersSent {
			// No response byte has been flushed yet, so a plain Twirp error
			// response is still possible.
			twerr.WriteHTTPResponse(w, terr)
			return
		}
		// Committed to the stream encoding: the error becomes the terminal
		// frame and the HTTP status stays 200.
		if werr := ss.fw.WriteError(terr); werr != nil {
			s.log.Error().Err(werr).Str("method", method.Name()).Msg("failed to write the terminal error frame")
		}
		return
	}
	if !ss.headersSent {
		// Zero-message streams are valid; commit the stream headers so the
		// client observes an orderly, empty sequence.
		ss.sendHeadersLocked()
	}
}

// serverStream adapts one streaming HTTP request to the twirpchan.Stream
// interface. Reads come from the framed request body; writes become framed
// response chunks. Frame order on the wire is exactly Send order: each Send
// writes and flushes before returning.
type serverStream struct {
	ctx    context.Context
	method *twirpchan.Method
	codec  Codec
	ct     string

	// rmu serializes access to fr and protects recvd
	rmu   sync.Mutex
	fr    frameReader
	recvd int

	// wmu serializes access to w/fw and protects headersSent and writeFailed
	wmu         sync.Mutex
	w           http.ResponseWriter
	fw          frameWriter
	headersSent bool
	writeFailed bool
}

var _ twirpchan.Stream = (*serverStream)(nil)

func (ss *serverStream) Context() context.Context {
	return ss.ctx
}

func (ss *serverStream) Recv() (proto.Message, error) {
	ss.rmu.Lock()
	defer ss.rmu.Unlock()

	if !ss.method.Descriptor().IsStreamingClient() && ss.recvd > 0 {
		return nil, io.EOF
	}
	ss.recvd++

	payload, err := ss.fr.Next()
	if err != nil {
		return nil, err
	}
	m := ss.method.NewInput()
	if err := ss.codec.Unmarshal(payload, m); err != nil {
		return nil, decodeError(ss.codec, err)
	}

	if !ss.method.Descriptor().IsStreamingClient() {
		if _, err := ss.fr.Next(); err != io.EOF {
			return nil, twerr.NewInvalidArgument("method accepts 1 request message but client sent >1")
		}
	}
	return m, nil
}

func (ss *serverStream) Send(resp proto.Message) error {
	b, err := ss.codec.Marshal(resp)
	if err != nil {
		return twerr.Wrap(twerr.Internal, fmt.Sprintf("failed to serialize a stream message: %v", err), err)
	}

	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	if ss.writeFailed {
		// stream is closed after a write failure; sending on a closed
		// stream reports EOF, as gRPC does
		return io.EOF
	}
	ss.sendHeadersLocked()
	if err := ss.fw.WriteMessage(b); err != nil {
		ss.writeFailed = true
		return err
	}
	return nil
}

func (ss *serverStream) sendHeadersLocked() {
	if ss.headersSent {
		return
	}
	ss.w.Header().Set("Content-Type", ss.ct)
	ss.w.WriteHeader(http.StatusOK)
	flush(ss.w)
	ss.headersSent = true
}
