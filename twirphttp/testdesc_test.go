package twirphttp

import (
	"fmt"

	"github.com/jhump/protoreflect/desc/protoparse"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// svcDesc is a small service used by the package-internal tests. The public
// end-to-end behavior is covered by the twirpchantesting cases, which this
// package's external tests run against a live server.
var svcDesc protoreflect.ServiceDescriptor

func init() {
	source := `
syntax = "proto3";

package twirphttp.test;

message Echo {
	string text = 1;
	int64 big = 2;
}

service EchoService {
	rpc Say(Echo) returns (Echo);
	rpc Watch(Echo) returns (stream Echo);
}
`
	parser := protoparse.Parser{
		Accessor: protoparse.FileContentsFromMap(map[string]string{
			"twirphttp/test.proto": source,
		}),
	}
	fds, err := parser.ParseFiles("twirphttp/test.proto")
	if err != nil {
		panic(fmt.Sprintf("failed to parse test proto: %v", err))
	}
	svcDesc = fds[0].UnwrapFile().Services().ByName("EchoService")
}
