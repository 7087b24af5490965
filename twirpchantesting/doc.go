// Package twirpchantesting helps with testing the transports that dispatch
// into a twirpchan.Registry. Its main value is in a method that, given a
// channel, will ensure the channel behaves correctly under various
// conditions: successful RPCs, application errors, cancellations, and all
// stream shapes (client-, server-, and half-duplex bidirectional streaming).
//
// The channel must be connected to a server whose registry was populated by
// RegisterTestService.
package twirpchantesting
