package twirphttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"google.golang.org/protobuf/proto"

	"github.com/twirpchan/twirpchan"
	"github.com/twirpchan/twirpchan/twerr"
	"github.com/twirpchan/twirpchan/twirpchantesting"
	"github.com/twirpchan/twirpchan/twirphttp"
)

func newTestServer(t *testing.T, opts ...twirphttp.ServerOption) *httptest.Server {
	t.Helper()
	reg := twirpchan.NewRegistry()
	twirpchantesting.RegisterTestService(reg)
	httpServer := httptest.NewServer(twirphttp.NewServer(reg, opts...))
	t.Cleanup(httpServer.Close)
	return httpServer
}

func newChannel(t *testing.T, httpServer *httptest.Server, useJSON bool) *twirphttp.Channel {
	t.Helper()
	u, err := url.Parse(httpServer.URL)
	if err != nil {
		t.Fatalf("failed to parse base URL: %v", err)
	}
	return &twirphttp.Channel{
		Transport: http.DefaultTransport,
		BaseURL:   u,
		UseJSON:   useJSON,
	}
}

func TestTwirpOverHTTP(t *testing.T) {
	httpServer := newTestServer(t)

	t.Run("proto", func(t *testing.T) {
		twirpchantesting.RunChannelTestCases(t, twirpchantesting.HTTPChannel(newChannel(t, httpServer, false)))
	})
	t.Run("json", func(t *testing.T) {
		twirpchantesting.RunChannelTestCases(t, twirpchantesting.HTTPChannel(newChannel(t, httpServer, true)))
	})
}

// errorResponse is what a failed request must look like on the wire: the
// mapped HTTP status, a JSON content-type regardless of the request
// encoding, and the Twirp error payload as body.
func readError(t *testing.T, resp *http.Response) *twerr.Error {
	t.Helper()
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("error responses must be application/json; got %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	var terr twerr.Error
	if err := json.Unmarshal(body, &terr); err != nil {
		t.Fatalf("body is not a twirp error: %v (%s)", err, body)
	}
	return &terr
}

func TestProtocolErrors(t *testing.T) {
	httpServer := newTestServer(t)
	echoURL := httpServer.URL + "/twirpchan.test.TestService/Echo"

	t.Run("unknown method", func(t *testing.T) {
		resp, err := http.Post(httpServer.URL+"/twirpchan.test.TestService/Nope", "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("wrong status: %d", resp.StatusCode)
		}
		terr := readError(t, resp)
		if terr.Code() != twerr.BadRoute {
			t.Fatalf("wrong code: %s", terr.Code())
		}
		if terr.Message() != "/twirpchan.test.TestService/Nope is not a supported Twirp method" {
			t.Fatalf("wrong message: %q", terr.Message())
		}
	})

	t.Run("path without route form", func(t *testing.T) {
		resp, err := http.Post(httpServer.URL+"/just-a-path", "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("wrong status: %d", resp.StatusCode)
		}
		if terr := readError(t, resp); terr.Code() != twerr.BadRoute {
			t.Fatalf("wrong code: %s", terr.Code())
		}
	})

	t.Run("non-POST", func(t *testing.T) {
		resp, err := http.Get(echoURL)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("wrong status: %d", resp.StatusCode)
		}
		if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
			t.Fatalf("wrong Allow header: %q", allow)
		}
		if terr := readError(t, resp); terr.Code() != twerr.BadRoute {
			t.Fatalf("wrong code: %s", terr.Code())
		}
	})

	t.Run("missing content-type", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, echoURL, strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("failed to build request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("wrong status: %d", resp.StatusCode)
		}
		terr := readError(t, resp)
		if terr.Code() != twerr.Malformed || terr.Message() != "No content-type header" {
			t.Fatalf("wrong error: %v", terr)
		}
	})

	t.Run("unsupported content-type", func(t *testing.T) {
		resp, err := http.Post(echoURL, "text/plain", strings.NewReader("hi"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("wrong status: %d", resp.StatusCode)
		}
		terr := readError(t, resp)
		if terr.Code() != twerr.Malformed || terr.Message() != "Unsupported content type: text/plain" {
			t.Fatalf("wrong error: %v", terr)
		}
	})

	t.Run("invalid JSON body", func(t *testing.T) {
		resp, err := http.Post(echoURL, "application/json", strings.NewReader("{not json"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("wrong status: %d", resp.StatusCode)
		}
		terr := readError(t, resp)
		if terr.Code() != twerr.Malformed {
			t.Fatalf("wrong code: %s", terr.Code())
		}
		if !strings.HasPrefix(terr.Message(), "Invalid JSON protobuf request:") {
			t.Fatalf("wrong message: %q", terr.Message())
		}
	})

	t.Run("invalid proto body", func(t *testing.T) {
		resp, err := http.Post(echoURL, "application/protobuf", bytes.NewReader([]byte{0xff}))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("wrong status: %d", resp.StatusCode)
		}
		terr := readError(t, resp)
		if !strings.HasPrefix(terr.Message(), "Invalid binary protobuf request:") {
			t.Fatalf("wrong message: %q", terr.Message())
		}
	})

	t.Run("unary content-type for streaming method", func(t *testing.T) {
		resp, err := http.Post(httpServer.URL+"/twirpchan.test.TestService/ServerStream", "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusNotImplemented {
			t.Fatalf("wrong status: %d", resp.StatusCode)
		}
		terr := readError(t, resp)
		if terr.Code() != twerr.Unimplemented {
			t.Fatalf("wrong code: %s", terr.Code())
		}
		if terr.Meta("twirp_streaming") != "true" {
			t.Fatalf("expecting the streaming marker in meta; got %v", terr.MetaMap())
		}
	})

	t.Run("stream content-type for unary method", func(t *testing.T) {
		resp, err := http.Post(echoURL, "application/x-twirp-stream+json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("wrong status: %d", resp.StatusCode)
		}
		if terr := readError(t, resp); terr.Code() != twerr.Malformed {
			t.Fatalf("wrong code: %s", terr.Code())
		}
	})

	t.Run("handler error status mapping", func(t *testing.T) {
		body, err := proto.Marshal(twirpchantesting.Msg{ErrorCode: "already_exists", ErrorMessage: "dup"}.ToProto())
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		resp, err := http.Post(echoURL, "application/protobuf", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("wrong status: %d", resp.StatusCode)
		}
		terr := readError(t, resp)
		if terr.Code() != twerr.AlreadyExists || terr.Message() != "dup" {
			t.Fatalf("wrong error: %v", terr)
		}
	})
}

func TestStreamWireFormat(t *testing.T) {
	httpServer := newTestServer(t)

	// drive the JSON-lines stream encoding by hand to pin the wire format
	reqBody := `{"message":{"payload":"tick","count":2,"error_code":"aborted","error_message":"stop"}}` + "\n"
	resp, err := http.Post(httpServer.URL+"/twirpchan.test.TestService/ServerStream",
		"application/x-twirp-stream+json", strings.NewReader(reqBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wrong status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-twirp-stream+json" {
		t.Fatalf("wrong content-type: %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(body), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expecting 3 lines; got %d: %q", len(lines), body)
	}
	for _, line := range lines[:2] {
		var item struct {
			Message json.RawMessage `json:"message"`
			Error   json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			t.Fatalf("invalid stream line %q: %v", line, err)
		}
		if item.Message == nil || item.Error != nil {
			t.Fatalf("expecting a message line; got %q", line)
		}
	}
	var last struct {
		Error *twerr.Error `json:"error"`
	}
	if err := json.Unmarshal([]byte(lines[2]), &last); err != nil || last.Error == nil {
		t.Fatalf("expecting a terminal error line; got %q (%v)", lines[2], err)
	}
	if last.Error.Code() != twerr.Aborted || last.Error.Message() != "stop" {
		t.Fatalf("wrong terminal error: %v", last.Error)
	}
}

func TestFallbackHandler(t *testing.T) {
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	httpServer := newTestServer(t, twirphttp.WithFallbackHandler(fallback))

	resp, err := http.Get(httpServer.URL + "/some/other/page")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expecting the fallback to serve the request; got %d", resp.StatusCode)
	}

	// registered methods are still dispatched, not passed to the fallback
	ch := twirpchantesting.HTTPChannel(newChannel(t, httpServer, true))
	req := twirpchantesting.Msg{Payload: "still here"}.ToProto()
	out := twirpchantesting.Msg{}.ToProto()
	if err := ch.Invoke(context.Background(), "twirpchan.test.TestService/Echo", req, out); err != nil {
		t.Fatalf("RPC failed: %v", err)
	}
}

func TestBasePath(t *testing.T) {
	httpServer := newTestServer(t, twirphttp.WithBasePath("/twirp"))

	u, err := url.Parse(httpServer.URL + "/twirp")
	if err != nil {
		t.Fatalf("failed to parse base URL: %v", err)
	}
	ch := &twirphttp.Channel{Transport: http.DefaultTransport, BaseURL: u, UseJSON: true}
	req := twirpchantesting.Msg{Payload: "prefixed"}.ToProto()
	out := twirpchantesting.Msg{}.ToProto()
	if err := ch.Invoke(context.Background(), "twirpchan.test.TestService/Echo", req, out); err != nil {
		t.Fatalf("RPC failed: %v", err)
	}

	// the unprefixed path is not a route
	resp, err := http.Post(httpServer.URL+"/twirpchan.test.TestService/Echo", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("wrong status: %d", resp.StatusCode)
	}
	if terr := readError(t, resp); terr.Code() != twerr.BadRoute {
		t.Fatalf("wrong code: %s", terr.Code())
	}
}

func TestGRPCContentTypeDelegation(t *testing.T) {
	var delegated bool
	stub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delegated = true
		w.WriteHeader(http.StatusOK)
	})
	httpServer := newTestServer(t, twirphttp.WithGRPCHandler(stub))

	req, err := http.NewRequest(http.MethodPost, httpServer.URL+"/twirpchan.test.TestService/Echo", strings.NewReader(""))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/grpc+proto")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if !delegated {
		t.Fatal("expecting the request to be delegated to the gRPC handler")
	}
}

func TestServerInterceptor(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	interceptor := func(ctx context.Context, req proto.Message, method *twirpchan.Method, next twirpchan.UnaryHandler) (proto.Message, error) {
		mu.Lock()
		calls = append(calls, method.Name())
		mu.Unlock()
		return next(ctx, req)
	}
	httpServer := newTestServer(t, twirphttp.WithUnaryInterceptor(interceptor))

	ch := twirpchantesting.HTTPChannel(newChannel(t, httpServer, false))
	req := twirpchantesting.Msg{Payload: "seen"}.ToProto()
	out := twirpchantesting.Msg{}.ToProto()
	if err := ch.Invoke(context.Background(), "twirpchan.test.TestService/Echo", req, out); err != nil {
		t.Fatalf("RPC failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != "twirpchan.test.TestService/Echo" {
		t.Fatalf("interceptor saw wrong calls: %v", calls)
	}
}

func TestConcurrentRequests(t *testing.T) {
	httpServer := newTestServer(t)
	ch := newChannel(t, httpServer, false)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf("worker-%d", i)
			req := twirpchantesting.Msg{Payload: payload, Count: int32(i)}.ToProto()
			out := twirpchantesting.Msg{}.ToProto()
			if err := ch.Invoke(context.Background(), "twirpchan.test.TestService/Echo", req, out); err != nil {
				errs <- err
				return
			}
			got := twirpchantesting.MsgFromProto(out)
			if got.Payload != payload || got.Count != int32(i) {
				errs <- fmt.Errorf("response crosstalk: sent %q, got %+v", payload, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
