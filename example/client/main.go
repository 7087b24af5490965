// Command client calls the example haberdasher service: one unary MakeHat
// call, then a streaming MakeHats call.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/twirpchan/twirpchan/example/internal/haberdasher"
	"github.com/twirpchan/twirpchan/twirphttp"
)

func main() {
	server := flag.String("server", "http://127.0.0.1:8080", "base URL of the haberdasher server")
	useJSON := flag.Bool("json", false, "use the JSON encoding instead of binary protobuf")
	inches := flag.Int("inches", 12, "hat size")
	quantity := flag.Int("quantity", 3, "how many hats to stream")
	flag.Parse()

	baseURL, err := url.Parse(*server)
	if err != nil {
		log.Fatalf("invalid server URL: %v", err)
	}
	ch := &twirphttp.Channel{
		Transport: http.DefaultTransport,
		BaseURL:   baseURL,
		UseJSON:   *useJSON,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := haberdasher.Service().FullName()

	hat := haberdasher.NewHat()
	err = ch.Invoke(ctx, fmt.Sprintf("%s/MakeHat", svc), haberdasher.NewSize(int32(*inches), 0), hat)
	if err != nil {
		log.Fatalf("MakeHat failed: %v", err)
	}
	fmt.Printf("made a %s\n", haberdasher.DescribeHat(hat))

	stream, err := ch.NewStream(ctx, fmt.Sprintf("%s/MakeHats", svc))
	if err != nil {
		log.Fatalf("MakeHats failed: %v", err)
	}
	if err := stream.Send(haberdasher.NewSize(int32(*inches), int32(*quantity))); err != nil {
		log.Fatalf("MakeHats failed to send: %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		log.Fatalf("MakeHats failed to close: %v", err)
	}
	for {
		resp := haberdasher.NewHat()
		if err := stream.Recv(resp); err == io.EOF {
			break
		} else if err != nil {
			log.Fatalf("MakeHats stream failed: %v", err)
		}
		fmt.Printf("streamed a %s\n", haberdasher.DescribeHat(resp))
	}
}
