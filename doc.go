// Package twirpchan provides the building blocks for serving Twirp v7 RPC
// services over plain HTTP, with optional dual serving of the same handlers
// over gRPC.
//
// The package itself holds the protocol-neutral pieces: a read-only method
// registry populated from protobuf method descriptors, the handler contracts
// (UnaryHandler, StreamHandler, Stream), and server interceptors. Handlers
// work with dynamic messages built from descriptors, so no generated
// per-message code is required; an offline code-generation step (or
// protoparse at startup) supplies the descriptors.
//
// The twirphttp sub-package dispatches Twirp HTTP requests into a registry,
// including the chunked-HTTP streaming extension. The twirpgrpc sub-package
// registers the same registry with a *grpc.Server. The twerr sub-package
// holds the Twirp error model shared by both.
package twirpchan
